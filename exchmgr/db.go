// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package exchmgr

import (
	"github.com/talersuite/talerwallet/walletdb"
)

var (
	// exchmgrBucketName is the top-level bucket of the exchange
	// directory.
	exchmgrBucketName = []byte("exchmgr")

	// exchangesBucketName holds one record per exchange, keyed by base
	// URL.
	exchangesBucketName = []byte("exchanges")

	// denomsBucketName holds one nested bucket per exchange (keyed by
	// base URL), each holding denomination records keyed by the
	// denomination public key hash.
	denomsBucketName = []byte("denoms")
)

// Create initializes the buckets of the exchange directory.  It must be
// called once when the wallet database is created.
func Create(tx walletdb.Tx) error {
	top, err := tx.CreateTopLevelBucket(exchmgrBucketName)
	if err != nil {
		return managerError(ErrDatabase,
			"failed to create exchange directory bucket", err)
	}
	if _, err := top.CreateBucketIfNotExists(exchangesBucketName); err != nil {
		return managerError(ErrDatabase,
			"failed to create exchanges bucket", err)
	}
	if _, err := top.CreateBucketIfNotExists(denomsBucketName); err != nil {
		return managerError(ErrDatabase,
			"failed to create denominations bucket", err)
	}
	return nil
}

// exchangesBucket returns the bucket holding exchange records, or a database
// error when the directory has not been created.
func exchangesBucket(tx walletdb.Tx) (walletdb.Bucket, error) {
	top := tx.TopLevelBucket(exchmgrBucketName)
	if top == nil {
		return nil, managerError(ErrDatabase,
			"exchange directory not created", nil)
	}
	b := top.NestedBucket(exchangesBucketName)
	if b == nil {
		return nil, managerError(ErrDatabase,
			"exchanges bucket missing", nil)
	}
	return b, nil
}

// denomsBucket returns the per-exchange denomination bucket, creating it if
// requested.
func denomsBucket(tx walletdb.Tx, baseURL string,
	create bool) (walletdb.Bucket, error) {

	top := tx.TopLevelBucket(exchmgrBucketName)
	if top == nil {
		return nil, managerError(ErrDatabase,
			"exchange directory not created", nil)
	}
	denoms := top.NestedBucket(denomsBucketName)
	if denoms == nil {
		return nil, managerError(ErrDatabase,
			"denominations bucket missing", nil)
	}
	if create {
		b, err := denoms.CreateBucketIfNotExists([]byte(baseURL))
		if err != nil {
			return nil, managerError(ErrDatabase,
				"failed to create exchange denominations "+
					"bucket", err)
		}
		return b, nil
	}
	return denoms.NestedBucket([]byte(baseURL)), nil
}

// PutExchange stores the exchange record, overwriting any previous version.
func (m *Manager) PutExchange(tx walletdb.Tx, e *Exchange) error {
	b, err := exchangesBucket(tx)
	if err != nil {
		return err
	}
	serialized, err := serializeExchange(e)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(e.BaseURL), serialized); err != nil {
		return managerError(ErrDatabase,
			"failed to store exchange "+e.BaseURL, err)
	}
	return nil
}

// GetExchange fetches the exchange record for the base URL.  It returns
// ErrExchangeNotFound when the exchange is not in the directory.
func (m *Manager) GetExchange(tx walletdb.Tx, baseURL string) (*Exchange,
	error) {

	b, err := exchangesBucket(tx)
	if err != nil {
		return nil, err
	}
	serialized := b.Get([]byte(baseURL))
	if serialized == nil {
		return nil, managerError(ErrExchangeNotFound,
			"unknown exchange "+baseURL, nil)
	}
	return deserializeExchange(serialized)
}

// ForEachExchange invokes fn for every exchange in the directory.
func (m *Manager) ForEachExchange(tx walletdb.Tx,
	fn func(*Exchange) error) error {

	b, err := exchangesBucket(tx)
	if err != nil {
		return err
	}
	err = b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		e, err := deserializeExchange(v)
		if err != nil {
			return err
		}
		return fn(e)
	})
	if err != nil {
		if _, ok := err.(Error); ok {
			return err
		}
		return managerError(ErrDatabase,
			"failed to iterate exchanges", err)
	}
	return nil
}

// PutDenomination stores the denomination record, overwriting any previous
// version.
func (m *Manager) PutDenomination(tx walletdb.Tx, d *Denomination) error {
	b, err := denomsBucket(tx, d.ExchangeBaseURL, true)
	if err != nil {
		return err
	}
	if err := b.Put(d.DenomPubHash, serializeDenomination(d)); err != nil {
		return managerError(ErrDatabase,
			"failed to store denomination", err)
	}
	return nil
}

// GetDenomination fetches the denomination record by its public key hash.
// It returns ErrDenomNotFound when the denomination is not in the directory.
func (m *Manager) GetDenomination(tx walletdb.Tx, baseURL string,
	denomPubHash []byte) (*Denomination, error) {

	b, err := denomsBucket(tx, baseURL, false)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, managerError(ErrDenomNotFound,
			"no denominations for exchange "+baseURL, nil)
	}
	serialized := b.Get(denomPubHash)
	if serialized == nil {
		return nil, managerError(ErrDenomNotFound,
			"unknown denomination", nil)
	}
	return deserializeDenomination(serialized)
}

// ForEachDenomination invokes fn for every denomination of the exchange.
// Mutations made by fn through PutDenomination are visible to the caller's
// transaction.
func (m *Manager) ForEachDenomination(tx walletdb.Tx, baseURL string,
	fn func(*Denomination) error) error {

	b, err := denomsBucket(tx, baseURL, false)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	err = b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		d, err := deserializeDenomination(v)
		if err != nil {
			return err
		}
		return fn(d)
	})
	if err != nil {
		if _, ok := err.(Error); ok {
			return err
		}
		return managerError(ErrDatabase,
			"failed to iterate denominations", err)
	}
	return nil
}

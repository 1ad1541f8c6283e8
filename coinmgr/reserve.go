// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinmgr

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/retry"
	"github.com/talersuite/talerwallet/walletdb"
)

// ReserveStatus is the state of a reserve's processing state machine.
type ReserveStatus uint8

const (
	// ReserveRegisteringBank means the reserve key pair still needs to
	// be registered with the bank.
	ReserveRegisteringBank ReserveStatus = iota

	// ReserveWaitConfirmBank means the wallet is polling the bank until
	// the user confirms the withdrawal.
	ReserveWaitConfirmBank

	// ReserveQueryingStatus means the wallet is polling the exchange for
	// the reserve balance.
	ReserveQueryingStatus

	// ReserveDormant means the reserve's balance has been fully drained
	// into withdrawal groups.
	ReserveDormant

	// ReserveBankAborted means the bank reported the withdrawal as
	// aborted.  Terminal.
	ReserveBankAborted
)

// reserveStatusStrings maps reserve statuses to names.
var reserveStatusStrings = map[ReserveStatus]string{
	ReserveRegisteringBank: "RegisteringBank",
	ReserveWaitConfirmBank: "WaitConfirmBank",
	ReserveQueryingStatus:  "QueryingStatus",
	ReserveDormant:         "Dormant",
	ReserveBankAborted:     "BankAborted",
}

// String returns the reserve status as a human-readable name.
func (s ReserveStatus) String() string {
	if str, ok := reserveStatusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown ReserveStatus (%d)", uint8(s))
}

// BankInfo describes the bank integration of a reserve created through a
// bank-initiated withdrawal.
type BankInfo struct {
	// StatusURL is the bank's withdrawal-operation status endpoint; it
	// also serves as the de-duplication key for CreateReserve.
	StatusURL string

	// ConfirmURL is where the user confirms the withdrawal, if the bank
	// reported one.
	ConfirmURL string
}

// Reserve tracks funds deposited at an exchange under a reserve key pair.
type Reserve struct {
	// ReservePub is the record key.
	ReservePub []byte

	// ReservePriv is owned exclusively by this record.
	ReservePriv []byte

	ExchangeBaseURL  string
	InstructedAmount amount.Amount
	Status           ReserveStatus

	// Bank holds the bank integration info for bank-initiated
	// withdrawals.
	Bank fn.Option[BankInfo]

	// InitialGroupID is the withdrawal group id pre-allocated at reserve
	// creation; InitialGroupUsed flips when it is consumed so top-ups
	// allocate fresh ids.
	InitialGroupID   GroupID
	InitialGroupUsed bool

	TimestampCreated time.Time
	Retry            retry.Info
}

// serializeReserve encodes a reserve record.
func serializeReserve(r *Reserve) []byte {
	var buf bytes.Buffer
	putBytes(&buf, r.ReservePub)
	putBytes(&buf, r.ReservePriv)
	putString(&buf, r.ExchangeBaseURL)
	putAmount(&buf, r.InstructedAmount)
	buf.WriteByte(byte(r.Status))
	putBool(&buf, r.Bank.IsSome())
	r.Bank.WhenSome(func(b BankInfo) {
		putString(&buf, b.StatusURL)
		putString(&buf, b.ConfirmURL)
	})
	buf.Write(r.InitialGroupID[:])
	putBool(&buf, r.InitialGroupUsed)
	putTime(&buf, r.TimestampCreated)
	r.Retry.Write(&buf)
	return buf.Bytes()
}

// deserializeReserve decodes a reserve record.
func deserializeReserve(data []byte) (*Reserve, error) {
	rd := bytes.NewReader(data)
	r := &Reserve{}
	var err error
	if r.ReservePub, err = readBytes(rd); err != nil {
		return nil, corruptError("reserve pub", err)
	}
	if r.ReservePriv, err = readBytes(rd); err != nil {
		return nil, corruptError("reserve priv", err)
	}
	if r.ExchangeBaseURL, err = readString(rd); err != nil {
		return nil, corruptError("reserve exchange", err)
	}
	if r.InstructedAmount, err = readAmount(rd); err != nil {
		return nil, corruptError("reserve amount", err)
	}
	status, err := rd.ReadByte()
	if err != nil {
		return nil, corruptError("reserve status", err)
	}
	r.Status = ReserveStatus(status)
	hasBank, err := readBool(rd)
	if err != nil {
		return nil, corruptError("reserve bank flag", err)
	}
	if hasBank {
		var b BankInfo
		if b.StatusURL, err = readString(rd); err != nil {
			return nil, corruptError("reserve bank status URL", err)
		}
		if b.ConfirmURL, err = readString(rd); err != nil {
			return nil, corruptError("reserve bank confirm URL", err)
		}
		r.Bank = fn.Some(b)
	}
	if _, err := io.ReadFull(rd, r.InitialGroupID[:]); err != nil {
		return nil, corruptError("reserve initial group id", err)
	}
	if r.InitialGroupUsed, err = readBool(rd); err != nil {
		return nil, corruptError("reserve initial group flag", err)
	}
	if r.TimestampCreated, err = readTime(rd); err != nil {
		return nil, corruptError("reserve created", err)
	}
	if err := r.Retry.Read(rd); err != nil {
		return nil, corruptError("reserve retry info", err)
	}
	return r, nil
}

// PutReserve stores the reserve record, overwriting any previous version,
// and maintains the bank status URL index.
func (m *Manager) PutReserve(tx walletdb.Tx, r *Reserve) error {
	b, err := fetchBucket(tx, reservesBucketName)
	if err != nil {
		return err
	}
	if err := b.Put(r.ReservePub, serializeReserve(r)); err != nil {
		return storeError(ErrDatabase, "failed to store reserve", err)
	}

	var idxErr error
	r.Bank.WhenSome(func(info BankInfo) {
		idx, err := fetchBucket(tx, reservesByBankBucketName)
		if err != nil {
			idxErr = err
			return
		}
		if err := idx.Put([]byte(info.StatusURL), r.ReservePub); err != nil {
			idxErr = storeError(ErrDatabase,
				"failed to index reserve by bank URL", err)
		}
	})
	return idxErr
}

// GetReserve fetches the reserve record by its public key.
func (m *Manager) GetReserve(tx walletdb.Tx, reservePub []byte) (*Reserve,
	error) {

	b, err := fetchBucket(tx, reservesBucketName)
	if err != nil {
		return nil, err
	}
	serialized := b.Get(reservePub)
	if serialized == nil {
		return nil, storeError(ErrReserveNotFound,
			"unknown reserve", nil)
	}
	return deserializeReserve(serialized)
}

// ReserveByBankURL looks up a reserve by its bank withdrawal status URL.  It
// returns ErrReserveNotFound when no reserve was created for the URL.
func (m *Manager) ReserveByBankURL(tx walletdb.Tx, statusURL string) (*Reserve,
	error) {

	idx, err := fetchBucket(tx, reservesByBankBucketName)
	if err != nil {
		return nil, err
	}
	reservePub := idx.Get([]byte(statusURL))
	if reservePub == nil {
		return nil, storeError(ErrReserveNotFound,
			"no reserve for bank URL "+statusURL, nil)
	}
	return m.GetReserve(tx, reservePub)
}

// ForEachReserve invokes fn for every reserve in the ledger.
func (m *Manager) ForEachReserve(tx walletdb.Tx,
	fn func(*Reserve) error) error {

	b, err := fetchBucket(tx, reservesBucketName)
	if err != nil {
		return err
	}
	err = b.ForEach(func(k, v []byte) error {
		if v == nil {
			return nil
		}
		r, err := deserializeReserve(v)
		if err != nil {
			return err
		}
		return fn(r)
	})
	if err != nil {
		if _, ok := err.(Error); ok {
			return err
		}
		return storeError(ErrDatabase, "failed to iterate reserves", err)
	}
	return nil
}

// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coinmgr implements the coin store: the authoritative ledger of
// reserves, withdrawal groups, planchets, coins, refresh groups and recoup
// groups.  The engines mutate it exclusively through invariant-enforcing
// methods that run inside the caller's database transaction, so every
// balance-affecting change composes atomically with the rest of the
// operation that caused it.
package coinmgr

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/talersuite/talerwallet/walletdb"
)

var (
	// coinmgrBucketName is the top-level bucket of the coin store.
	coinmgrBucketName = []byte("coinmgr")

	// reservesBucketName holds reserve records keyed by reserve public
	// key.
	reservesBucketName = []byte("reserves")

	// reservesByBankBucketName indexes reserves by their bank withdrawal
	// status URL, used for create-reserve de-duplication.
	reservesByBankBucketName = []byte("reservesbybank")

	// withdrawGroupsBucketName holds withdrawal group records keyed by
	// group id.
	withdrawGroupsBucketName = []byte("withdrawgroups")

	// planchetsBucketName holds one nested bucket per withdrawal group,
	// each holding planchet records keyed by coin index.
	planchetsBucketName = []byte("planchets")

	// coinsBucketName holds coin records keyed by coin public key.
	coinsBucketName = []byte("coins")

	// refreshGroupsBucketName holds refresh group records keyed by group
	// id.
	refreshGroupsBucketName = []byte("refreshgroups")

	// recoupGroupsBucketName holds recoup group records keyed by group
	// id.
	recoupGroupsBucketName = []byte("recoupgroups")
)

// GroupIDLen is the length in bytes of withdrawal, refresh and recoup group
// identifiers.
const GroupIDLen = 32

// GroupID identifies a withdrawal, refresh or recoup group.
type GroupID [GroupIDLen]byte

// String returns the hex encoding of the group id.
func (id GroupID) String() string {
	return hex.EncodeToString(id[:])
}

// NewGroupID returns a fresh random group id.
func NewGroupID() (GroupID, error) {
	var id GroupID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// Manager provides access to the coin store.  It is stateless; all
// persistent state lives in the caller's database transaction.
type Manager struct{}

// NewManager creates a coin store manager.
func NewManager() *Manager {
	return &Manager{}
}

// Create initializes the buckets of the coin store.  It must be called once
// when the wallet database is created.
func Create(tx walletdb.Tx) error {
	top, err := tx.CreateTopLevelBucket(coinmgrBucketName)
	if err != nil {
		return storeError(ErrDatabase,
			"failed to create coin store bucket", err)
	}
	children := [][]byte{
		reservesBucketName, reservesByBankBucketName,
		withdrawGroupsBucketName, planchetsBucketName,
		coinsBucketName, refreshGroupsBucketName,
		recoupGroupsBucketName,
	}
	for _, name := range children {
		if _, err := top.CreateBucketIfNotExists(name); err != nil {
			return storeError(ErrDatabase,
				"failed to create coin store bucket "+
					string(name), err)
		}
	}
	return nil
}

// fetchBucket returns the named child bucket of the coin store.
func fetchBucket(tx walletdb.Tx, name []byte) (walletdb.Bucket, error) {
	top := tx.TopLevelBucket(coinmgrBucketName)
	if top == nil {
		return nil, storeError(ErrDatabase,
			"coin store not created", nil)
	}
	b := top.NestedBucket(name)
	if b == nil {
		return nil, storeError(ErrDatabase,
			"coin store bucket "+string(name)+" missing", nil)
	}
	return b, nil
}

// corruptError wraps a decoding failure.
func corruptError(what string, err error) error {
	return storeError(ErrCorrupt, "failed to decode "+what, err)
}

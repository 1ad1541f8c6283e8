// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bdb

import (
	"io"
	"os"
	"time"

	"github.com/talersuite/talerwallet/walletdb"
	bolt "go.etcd.io/bbolt"
)

// convertErr converts some bolt errors to the equivalent walletdb error.
func convertErr(err error) error {
	switch err {
	// Database open/create errors.
	case bolt.ErrDatabaseNotOpen:
		return walletdb.ErrDbNotOpen
	case bolt.ErrInvalid:
		return walletdb.ErrInvalid

	// Transaction errors.
	case bolt.ErrTxNotWritable:
		return walletdb.ErrTxNotWritable
	case bolt.ErrTxClosed:
		return walletdb.ErrTxClosed

	// Value/bucket errors.
	case bolt.ErrBucketNotFound:
		return walletdb.ErrBucketNotFound
	case bolt.ErrBucketExists:
		return walletdb.ErrBucketExists
	case bolt.ErrBucketNameRequired:
		return walletdb.ErrBucketNameRequired
	case bolt.ErrKeyRequired:
		return walletdb.ErrKeyRequired
	case bolt.ErrIncompatibleValue:
		return walletdb.ErrIncompatibleValue
	}

	// Return the original error if none of the above applies.
	return err
}

// bucket is an internal type used to represent a collection of key/value
// pairs and implements the walletdb.Bucket interface.
type bucket bolt.Bucket

// Enforce bucket implements the walletdb.Bucket interface.
var _ walletdb.Bucket = (*bucket)(nil)

// NestedBucket retrieves a nested bucket with the given key.  Returns nil if
// the bucket does not exist.
func (b *bucket) NestedBucket(key []byte) walletdb.Bucket {
	boltBucket := (*bolt.Bucket)(b).Bucket(key)
	// Don't return a non-nil interface to a nil pointer.
	if boltBucket == nil {
		return nil
	}
	return (*bucket)(boltBucket)
}

// CreateBucket creates and returns a new nested bucket with the given key.
func (b *bucket) CreateBucket(key []byte) (walletdb.Bucket, error) {
	boltBucket, err := (*bolt.Bucket)(b).CreateBucket(key)
	if err != nil {
		return nil, convertErr(err)
	}
	return (*bucket)(boltBucket), nil
}

// CreateBucketIfNotExists creates and returns a new nested bucket with the
// given key if it does not already exist.
func (b *bucket) CreateBucketIfNotExists(key []byte) (walletdb.Bucket, error) {
	boltBucket, err := (*bolt.Bucket)(b).CreateBucketIfNotExists(key)
	if err != nil {
		return nil, convertErr(err)
	}
	return (*bucket)(boltBucket), nil
}

// DeleteNestedBucket removes a nested bucket with the given key.
func (b *bucket) DeleteNestedBucket(key []byte) error {
	return convertErr((*bolt.Bucket)(b).DeleteBucket(key))
}

// Get returns the value for the given key.  Returns nil if the key does not
// exist.
func (b *bucket) Get(key []byte) []byte {
	return (*bolt.Bucket)(b).Get(key)
}

// Put saves the specified key/value pair to the bucket.
func (b *bucket) Put(key, value []byte) error {
	return convertErr((*bolt.Bucket)(b).Put(key, value))
}

// PutNew saves the specified key/value pair only if the key does not already
// exist.
func (b *bucket) PutNew(key, value []byte) error {
	boltBucket := (*bolt.Bucket)(b)
	if boltBucket.Get(key) != nil {
		return walletdb.ErrKeyExists
	}
	return convertErr(boltBucket.Put(key, value))
}

// Delete removes the specified key from the bucket.
func (b *bucket) Delete(key []byte) error {
	return convertErr((*bolt.Bucket)(b).Delete(key))
}

// ForEach invokes the passed function with every key/value pair in the
// bucket.
func (b *bucket) ForEach(fn func(k, v []byte) error) error {
	return convertErr((*bolt.Bucket)(b).ForEach(fn))
}

// transaction represents a database transaction and implements the
// walletdb.Tx interface.
type transaction struct {
	boltTx *bolt.Tx
}

// Enforce transaction implements the walletdb.Tx interface.
var _ walletdb.Tx = (*transaction)(nil)

// TopLevelBucket returns the top-level bucket with the given key, or nil if
// it does not exist.
func (tx *transaction) TopLevelBucket(key []byte) walletdb.Bucket {
	boltBucket := tx.boltTx.Bucket(key)
	if boltBucket == nil {
		return nil
	}
	return (*bucket)(boltBucket)
}

// CreateTopLevelBucket creates the top-level bucket with the given key if it
// does not exist and returns it.
func (tx *transaction) CreateTopLevelBucket(key []byte) (walletdb.Bucket, error) {
	boltBucket, err := tx.boltTx.CreateBucketIfNotExists(key)
	if err != nil {
		return nil, convertErr(err)
	}
	return (*bucket)(boltBucket), nil
}

// Commit commits all changes that have been made through the transaction.
func (tx *transaction) Commit() error {
	return convertErr(tx.boltTx.Commit())
}

// Rollback undoes all changes that have been made through the transaction.
func (tx *transaction) Rollback() error {
	return convertErr(tx.boltTx.Rollback())
}

// db represents a collection of buckets and implements the walletdb.DB
// interface.
type db bolt.DB

// Enforce db implements the walletdb.DB interface.
var _ walletdb.DB = (*db)(nil)

// BeginTx starts a transaction which is either read-only or read-write
// depending on the writable flag.
func (d *db) BeginTx(writable bool) (walletdb.Tx, error) {
	boltTx, err := (*bolt.DB)(d).Begin(writable)
	if err != nil {
		return nil, convertErr(err)
	}
	return &transaction{boltTx: boltTx}, nil
}

// View invokes the passed function in the context of a managed read-only
// transaction.
func (d *db) View(fn func(walletdb.Tx) error) error {
	return convertErr((*bolt.DB)(d).View(func(boltTx *bolt.Tx) error {
		return fn(&transaction{boltTx: boltTx})
	}))
}

// Update invokes the passed function in the context of a managed read-write
// transaction.
func (d *db) Update(fn func(walletdb.Tx) error) error {
	return convertErr((*bolt.DB)(d).Update(func(boltTx *bolt.Tx) error {
		return fn(&transaction{boltTx: boltTx})
	}))
}

// Copy writes a consistent snapshot of the database to the provided writer.
func (d *db) Copy(w io.Writer) error {
	return convertErr((*bolt.DB)(d).View(func(boltTx *bolt.Tx) error {
		return boltTx.Copy(w)
	}))
}

// Close cleanly shuts down the database and syncs all data.
func (d *db) Close() error {
	return convertErr((*bolt.DB)(d).Close())
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// openDB opens the database at the provided path.  walletdb.ErrDbDoesNotExist
// is returned if the database doesn't exist and the create flag is not set.
func openDB(dbPath string, create bool) (walletdb.DB, error) {
	if !create && !fileExists(dbPath) {
		return nil, walletdb.ErrDbDoesNotExist
	}
	if create && fileExists(dbPath) {
		return nil, walletdb.ErrDbExists
	}

	boltDB, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, convertErr(err)
	}
	return (*db)(boltDB), nil
}

// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// This interface was inspired heavily by the excellent boltdb project at
// https://github.com/boltdb/bolt by Ben B. Johnson.

package walletdb

import "io"

// Bucket represents a collection of key/value pairs.  Buckets may contain
// nested buckets.
type Bucket interface {
	// NestedBucket retrieves a nested bucket with the given key.  Returns
	// nil if the bucket does not exist.
	NestedBucket(key []byte) Bucket

	// CreateBucket creates and returns a new nested bucket with the given
	// key.  Returns ErrBucketExists if the bucket already exists,
	// ErrBucketNameRequired if the key is empty, or ErrIncompatibleValue
	// if the key is in use by a plain value.
	CreateBucket(key []byte) (Bucket, error)

	// CreateBucketIfNotExists creates and returns a new nested bucket
	// with the given key if it does not already exist.
	CreateBucketIfNotExists(key []byte) (Bucket, error)

	// DeleteNestedBucket removes a nested bucket and all of its contents.
	// Returns ErrTxNotWritable on a read-only transaction and
	// ErrBucketNotFound if the bucket does not exist.
	DeleteNestedBucket(key []byte) error

	// Get returns the value for the given key.  Returns nil if the key
	// does not exist.
	//
	// NOTE: The returned value is only valid during the transaction.
	Get(key []byte) []byte

	// Put saves the specified key/value pair to the bucket.  Keys that do
	// not already exist are added and keys that already exist are
	// overwritten.  Returns ErrTxNotWritable on a read-only transaction.
	Put(key, value []byte) error

	// PutNew saves the specified key/value pair only if the key does not
	// already exist.  Returns ErrKeyExists otherwise.  This is the
	// insert-only primitive used for records that must never be silently
	// replaced, such as coins.
	PutNew(key, value []byte) error

	// Delete removes the specified key from the bucket.  Deleting a key
	// that does not exist does not return an error.
	Delete(key []byte) error

	// ForEach invokes the passed function with every key/value pair in
	// the bucket.  Nested buckets are included with a nil value; their
	// contents are not descended into.
	//
	// NOTE: The values passed to the function are only valid during the
	// transaction.
	ForEach(func(k, v []byte) error) error
}

// Tx represents a database transaction.  It can either be read-only or
// read-write and provides access to the database's top-level buckets.  No
// changes are saved until Commit; a transaction view is stable for its
// lifetime.
type Tx interface {
	// TopLevelBucket returns the top-level bucket with the given key, or
	// nil if it does not exist.
	TopLevelBucket(key []byte) Bucket

	// CreateTopLevelBucket creates the top-level bucket with the given
	// key if it does not exist and returns it.
	CreateTopLevelBucket(key []byte) (Bucket, error)

	// Commit commits all changes that have been made to persistent
	// storage.
	Commit() error

	// Rollback undoes all changes that have been made.
	Rollback() error
}

// DB represents a persistent collection of buckets.  All access is performed
// through transactions.
type DB interface {
	// BeginTx starts a transaction which is either read-only or
	// read-write depending on the writable flag.  Multiple read-only
	// transactions may run concurrently with at most one read-write
	// transaction.
	//
	// NOTE: The transaction must be closed by calling Rollback or Commit
	// when it is no longer needed.
	BeginTx(writable bool) (Tx, error)

	// View invokes the passed function in the context of a managed
	// read-only transaction.  Any error returned from the function is
	// returned from this method.
	View(fn func(Tx) error) error

	// Update invokes the passed function in the context of a managed
	// read-write transaction.  Any error returned from the function
	// causes the transaction to be rolled back and is returned from this
	// method; otherwise the transaction is committed.  This is the
	// all-or-nothing primitive every balance-affecting mutation in the
	// wallet runs under.
	Update(fn func(Tx) error) error

	// Copy writes a consistent snapshot of the database to the provided
	// writer.
	Copy(w io.Writer) error

	// Close cleanly shuts down the database and syncs all data.
	Close() error
}

// Driver defines a structure for backend drivers to use when they register
// themselves as a backend which implements the DB interface.
type Driver struct {
	// DbType is the identifier used to uniquely identify a specific
	// database driver.  There can be only one driver with the same name.
	DbType string

	// Create is the function that will be invoked with all user-specified
	// arguments to create the database.  This function must return
	// ErrDbExists if the database already exists.
	Create func(args ...interface{}) (DB, error)

	// Open is the function that will be invoked with all user-specified
	// arguments to open the database.  This function must return
	// ErrDbDoesNotExist if the database has not already been created.
	Open func(args ...interface{}) (DB, error)
}

// drivers holds all of the registered database backends.
var drivers = make(map[string]*Driver)

// RegisterDriver adds a backend database driver to the available interfaces.
// ErrDbTypeRegistered will be returned if the database type for the driver
// has already been registered.
func RegisterDriver(driver Driver) error {
	if _, exists := drivers[driver.DbType]; exists {
		return ErrDbTypeRegistered
	}

	drivers[driver.DbType] = &driver
	return nil
}

// SupportedDrivers returns a slice of strings that represent the database
// drivers that have been registered and are therefore supported.
func SupportedDrivers() []string {
	supportedDBs := make([]string, 0, len(drivers))
	for _, drv := range drivers {
		supportedDBs = append(supportedDBs, drv.DbType)
	}
	return supportedDBs
}

// Create initializes and opens a database for the specified type.  The
// arguments are specific to the database type driver.
//
// ErrDbUnknownType will be returned if the database type is not registered.
func Create(dbType string, args ...interface{}) (DB, error) {
	drv, exists := drivers[dbType]
	if !exists {
		return nil, ErrDbUnknownType
	}

	return drv.Create(args...)
}

// Open opens an existing database for the specified type.  The arguments are
// specific to the database type driver.
//
// ErrDbUnknownType will be returned if the database type is not registered.
func Open(dbType string, args ...interface{}) (DB, error) {
	drv, exists := drivers[dbType]
	if !exists {
		return nil, ErrDbUnknownType
	}

	return drv.Open(args...)
}

// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sqlite

import (
	"bytes"
	"database/sql"
	"io"
	"os"
	"sort"

	"github.com/talersuite/talerwallet/walletdb"
	_ "modernc.org/sqlite" // Register the "sqlite" database/sql driver.
)

// rootBucketID is the synthetic parent id of all top-level buckets.
const rootBucketID int64 = 0

// schema holds the fixed two-table layout: a bucket tree and a key/value
// table referencing it.  Buckets are rows so that the nested-bucket contract
// of walletdb can be expressed relationally.
const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	parent INTEGER NOT NULL,
	name   BLOB    NOT NULL,
	UNIQUE (parent, name)
);
CREATE TABLE IF NOT EXISTS kv (
	bucket INTEGER NOT NULL,
	k      BLOB    NOT NULL,
	v      BLOB    NOT NULL,
	PRIMARY KEY (bucket, k)
);
`

// db implements the walletdb.DB interface on top of a single-connection
// sqlite database.
type db struct {
	sdb  *sql.DB
	path string
}

var _ walletdb.DB = (*db)(nil)

// transaction implements the walletdb.Tx interface.
type transaction struct {
	stx      *sql.Tx
	writable bool
	done     bool
}

var _ walletdb.Tx = (*transaction)(nil)

// bucket implements the walletdb.Bucket interface.  A bucket is identified
// by its row id in the buckets table.
type bucket struct {
	tx *transaction
	id int64
}

var _ walletdb.Bucket = (*bucket)(nil)

// bucketID looks up the id of the bucket with the given parent and name.
func (tx *transaction) bucketID(parent int64, name []byte) (int64, bool) {
	var id int64
	err := tx.stx.QueryRow(
		"SELECT id FROM buckets WHERE parent = ? AND name = ?",
		parent, name,
	).Scan(&id)
	if err != nil {
		return 0, false
	}
	return id, true
}

// createBucket inserts a bucket row, enforcing the walletdb error contract.
func (tx *transaction) createBucket(parent int64, name []byte,
	mustNotExist bool) (int64, error) {

	if !tx.writable {
		return 0, walletdb.ErrTxNotWritable
	}
	if len(name) == 0 {
		return 0, walletdb.ErrBucketNameRequired
	}
	if id, ok := tx.bucketID(parent, name); ok {
		if mustNotExist {
			return 0, walletdb.ErrBucketExists
		}
		return id, nil
	}

	// A plain value under the same key shadows the bucket namespace.
	var n int
	err := tx.stx.QueryRow(
		"SELECT COUNT(*) FROM kv WHERE bucket = ? AND k = ?",
		parent, name,
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	if n != 0 {
		return 0, walletdb.ErrIncompatibleValue
	}

	res, err := tx.stx.Exec(
		"INSERT INTO buckets (parent, name) VALUES (?, ?)",
		parent, name,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// deleteBucket removes the bucket row along with all nested buckets and
// values.
func (tx *transaction) deleteBucket(id int64) error {
	rows, err := tx.stx.Query(
		"SELECT id FROM buckets WHERE parent = ?", id,
	)
	if err != nil {
		return err
	}
	var children []int64
	for rows.Next() {
		var child int64
		if err := rows.Scan(&child); err != nil {
			rows.Close()
			return err
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, child := range children {
		if err := tx.deleteBucket(child); err != nil {
			return err
		}
	}
	if _, err := tx.stx.Exec("DELETE FROM kv WHERE bucket = ?", id); err != nil {
		return err
	}
	_, err = tx.stx.Exec("DELETE FROM buckets WHERE id = ?", id)
	return err
}

// NestedBucket retrieves a nested bucket with the given key.  Returns nil if
// the bucket does not exist.
func (b *bucket) NestedBucket(key []byte) walletdb.Bucket {
	id, ok := b.tx.bucketID(b.id, key)
	if !ok {
		return nil
	}
	return &bucket{tx: b.tx, id: id}
}

// CreateBucket creates and returns a new nested bucket with the given key.
func (b *bucket) CreateBucket(key []byte) (walletdb.Bucket, error) {
	id, err := b.tx.createBucket(b.id, key, true)
	if err != nil {
		return nil, err
	}
	return &bucket{tx: b.tx, id: id}, nil
}

// CreateBucketIfNotExists creates and returns a new nested bucket with the
// given key if it does not already exist.
func (b *bucket) CreateBucketIfNotExists(key []byte) (walletdb.Bucket, error) {
	id, err := b.tx.createBucket(b.id, key, false)
	if err != nil {
		return nil, err
	}
	return &bucket{tx: b.tx, id: id}, nil
}

// DeleteNestedBucket removes a nested bucket and all of its contents.
func (b *bucket) DeleteNestedBucket(key []byte) error {
	if !b.tx.writable {
		return walletdb.ErrTxNotWritable
	}
	id, ok := b.tx.bucketID(b.id, key)
	if !ok {
		return walletdb.ErrBucketNotFound
	}
	return b.tx.deleteBucket(id)
}

// Get returns the value for the given key.  Returns nil if the key does not
// exist.
func (b *bucket) Get(key []byte) []byte {
	var v []byte
	err := b.tx.stx.QueryRow(
		"SELECT v FROM kv WHERE bucket = ? AND k = ?", b.id, key,
	).Scan(&v)
	if err != nil {
		return nil
	}
	return v
}

// Put saves the specified key/value pair to the bucket.
func (b *bucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return walletdb.ErrTxNotWritable
	}
	if len(key) == 0 {
		return walletdb.ErrKeyRequired
	}
	if _, ok := b.tx.bucketID(b.id, key); ok {
		return walletdb.ErrIncompatibleValue
	}
	_, err := b.tx.stx.Exec(
		"INSERT INTO kv (bucket, k, v) VALUES (?, ?, ?) "+
			"ON CONFLICT (bucket, k) DO UPDATE SET v = excluded.v",
		b.id, key, value,
	)
	return err
}

// PutNew saves the specified key/value pair only if the key does not already
// exist.
func (b *bucket) PutNew(key, value []byte) error {
	if b.Get(key) != nil {
		return walletdb.ErrKeyExists
	}
	return b.Put(key, value)
}

// Delete removes the specified key from the bucket.
func (b *bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return walletdb.ErrTxNotWritable
	}
	_, err := b.tx.stx.Exec(
		"DELETE FROM kv WHERE bucket = ? AND k = ?", b.id, key,
	)
	return err
}

// ForEach invokes the passed function with every key/value pair in the
// bucket.  Nested buckets are included with a nil value, matching the bbolt
// driver's iteration contract.  The full pair set is buffered first so the
// callback may itself issue statements on the same transaction.
func (b *bucket) ForEach(fn func(k, v []byte) error) error {
	type pair struct {
		k, v []byte
	}
	var pairs []pair

	rows, err := b.tx.stx.Query(
		"SELECT k, v FROM kv WHERE bucket = ?", b.id,
	)
	if err != nil {
		return err
	}
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.k, &p.v); err != nil {
			rows.Close()
			return err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = b.tx.stx.Query(
		"SELECT name FROM buckets WHERE parent = ?", b.id,
	)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name []byte
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		pairs = append(pairs, pair{k: name})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].k, pairs[j].k) < 0
	})
	for _, p := range pairs {
		if err := fn(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// TopLevelBucket returns the top-level bucket with the given key, or nil if
// it does not exist.
func (tx *transaction) TopLevelBucket(key []byte) walletdb.Bucket {
	id, ok := tx.bucketID(rootBucketID, key)
	if !ok {
		return nil
	}
	return &bucket{tx: tx, id: id}
}

// CreateTopLevelBucket creates the top-level bucket with the given key if it
// does not exist and returns it.
func (tx *transaction) CreateTopLevelBucket(key []byte) (walletdb.Bucket, error) {
	id, err := tx.createBucket(rootBucketID, key, false)
	if err != nil {
		return nil, err
	}
	return &bucket{tx: tx, id: id}, nil
}

// Commit commits all changes that have been made through the transaction.
func (tx *transaction) Commit() error {
	if tx.done {
		return walletdb.ErrTxClosed
	}
	tx.done = true
	return tx.stx.Commit()
}

// Rollback undoes all changes that have been made through the transaction.
func (tx *transaction) Rollback() error {
	if tx.done {
		return walletdb.ErrTxClosed
	}
	tx.done = true
	return tx.stx.Rollback()
}

// BeginTx starts a transaction which is either read-only or read-write
// depending on the writable flag.  Writability is enforced by this driver
// since database/sql does not distinguish the two.
func (d *db) BeginTx(writable bool) (walletdb.Tx, error) {
	stx, err := d.sdb.Begin()
	if err != nil {
		return nil, err
	}
	return &transaction{stx: stx, writable: writable}, nil
}

// View invokes the passed function in the context of a managed read-only
// transaction.
func (d *db) View(fn func(walletdb.Tx) error) error {
	tx, err := d.BeginTx(false)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Rollback()
}

// Update invokes the passed function in the context of a managed read-write
// transaction.
func (d *db) Update(fn func(walletdb.Tx) error) error {
	tx, err := d.BeginTx(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Copy writes a consistent snapshot of the database to the provided writer
// by way of VACUUM INTO on a temporary file.
func (d *db) Copy(w io.Writer) error {
	tmp, err := os.CreateTemp("", "talerwallet-sqlite-copy")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)

	if _, err := d.sdb.Exec("VACUUM INTO ?", tmpPath); err != nil {
		return err
	}
	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Close cleanly shuts down the database and syncs all data.
func (d *db) Close() error {
	return d.sdb.Close()
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// openDB opens the sqlite database at the provided path, creating the schema
// as needed.
func openDB(dbPath string, create bool) (walletdb.DB, error) {
	if !create && !fileExists(dbPath) {
		return nil, walletdb.ErrDbDoesNotExist
	}
	if create && fileExists(dbPath) {
		return nil, walletdb.ErrDbExists
	}

	sdb, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection keeps transaction semantics identical to the
	// bbolt driver: one writer, no cross-connection lock errors.
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.Exec(schema); err != nil {
		sdb.Close()
		return nil, err
	}
	return &db{sdb: sdb, path: dbPath}, nil
}

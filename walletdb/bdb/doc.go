// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package bdb implements an instance of walletdb that uses bbolt for the
backing datastore.

# Usage

This package is a driver to the walletdb package and provides the database
type of "bdb".  The only parameter the driver takes is the database path as a
string:

	db, err := walletdb.Open("bdb", "path/to/database.db")
	if err != nil {
		// Handle error
	}
*/
package bdb

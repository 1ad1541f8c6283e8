// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coinmgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the Error will be set to
	// the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrReserveNotFound indicates that the requested reserve does not
	// exist in the ledger.
	ErrReserveNotFound

	// ErrGroupNotFound indicates that the requested withdrawal, refresh
	// or recoup group does not exist in the ledger.
	ErrGroupNotFound

	// ErrPlanchetNotFound indicates that the requested planchet does not
	// exist in the ledger.
	ErrPlanchetNotFound

	// ErrCoinNotFound indicates that the requested coin does not exist
	// in the ledger.
	ErrCoinNotFound

	// ErrDuplicateCoin indicates an attempt to insert a coin whose
	// public key is already present in the ledger.
	ErrDuplicateCoin

	// ErrCoinStatusReversal indicates an attempt to transition a coin
	// from Dormant back to Fresh.  Coin status is one-directional.
	ErrCoinStatusReversal

	// ErrOverCredit indicates an attempt to raise a coin's current
	// amount above its denomination's face value.
	ErrOverCredit

	// ErrGroupImmutable indicates an attempt to mutate a group that has
	// already recorded its finish timestamp.
	ErrGroupImmutable

	// ErrCorrupt indicates that a stored record could not be decoded.
	ErrCorrupt
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:           "ErrDatabase",
	ErrReserveNotFound:    "ErrReserveNotFound",
	ErrGroupNotFound:      "ErrGroupNotFound",
	ErrPlanchetNotFound:   "ErrPlanchetNotFound",
	ErrCoinNotFound:       "ErrCoinNotFound",
	ErrDuplicateCoin:      "ErrDuplicateCoin",
	ErrCoinStatusReversal: "ErrCoinStatusReversal",
	ErrOverCredit:         "ErrOverCredit",
	ErrGroupImmutable:     "ErrGroupImmutable",
	ErrCorrupt:            "ErrCorrupt",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error provides a single type for errors that can happen during coin store
// operation.
type Error struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error, optional
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// storeError creates an Error given a set of arguments.
func storeError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is an Error with a matching error code.
func IsError(err error, code ErrorCode) bool {
	if e, ok := err.(Error); ok {
		return e.ErrorCode == code
	}
	return false
}

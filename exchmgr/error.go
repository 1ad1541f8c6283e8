// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package exchmgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the Error will be set to
	// the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrExchangeNotFound indicates that the requested exchange is not
	// known to the directory.
	ErrExchangeNotFound

	// ErrDenomNotFound indicates that the requested denomination is not
	// known to the directory.
	ErrDenomNotFound

	// ErrNoDenoms indicates that the exchange published an empty
	// denomination list.
	ErrNoDenoms

	// ErrBadMasterSig indicates that a record published by the exchange
	// failed verification against its master public key.
	ErrBadMasterSig

	// ErrIncompatibleVersion indicates that the exchange speaks a
	// protocol version this wallet cannot talk to.
	ErrIncompatibleVersion

	// ErrCurrencyChanged indicates that the exchange reported a
	// different currency than previously cached.
	ErrCurrencyChanged

	// ErrCorrupt indicates that a stored record could not be decoded.
	ErrCorrupt
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:            "ErrDatabase",
	ErrExchangeNotFound:    "ErrExchangeNotFound",
	ErrDenomNotFound:       "ErrDenomNotFound",
	ErrNoDenoms:            "ErrNoDenoms",
	ErrBadMasterSig:        "ErrBadMasterSig",
	ErrIncompatibleVersion: "ErrIncompatibleVersion",
	ErrCurrencyChanged:     "ErrCurrencyChanged",
	ErrCorrupt:             "ErrCorrupt",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error provides a single type for errors that can happen during exchange
// directory operation.  It is used to indicate several types of failures
// including errors with caller requests, mismatched master signatures, and
// database errors.
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

// managerError creates an Error given a set of arguments.
func managerError(c ErrorCode, desc string, err error) Error {
	return Error{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is an Error with a matching error code.
func IsError(err error, code ErrorCode) bool {
	if e, ok := err.(Error); ok {
		return e.ErrorCode == code
	}
	return false
}

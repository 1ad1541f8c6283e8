// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero contains functions to clear secret data from byte slices,
// fixed-size key arrays, and multi-precision integers.  The wallet handles
// long-lived private keys (reserve keys, coin keys, blinding factors) and
// these helpers make the wiping explicit at the call sites that discard them.
package zero

import (
	"math/big"
)

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear private key material from memory.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 clears the 32-byte array by filling it with the zero value.  Coin
// and reserve key seeds are 32 bytes.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// Bytea64 clears the 64-byte array by filling it with the zero value.
// Expanded Ed25519 private keys are 64 bytes.
func Bytea64(b *[64]byte) {
	*b = [64]byte{}
}

// BigInt sets all bytes in the passed big int to zero and then sets the
// value to 0.  Simply assigning zero would leave the old absolute value's
// bytes intact in the backing array; blinding factors go through here.
func BigInt(x *big.Int) {
	bits := x.Bits()
	for i := range bits {
		bits[i] = 0
	}
	x.SetInt64(0)
}

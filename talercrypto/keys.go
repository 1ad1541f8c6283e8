// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package talercrypto implements the cryptographic operations of the coin
// lifecycle: EdDSA keys and signatures, RSA blind signatures over a full
// domain hash, and the deterministic derivation of planchets and refresh
// transcripts from persisted seeds.
//
// Every function in this package is pure given its inputs.  The engines rely
// on this to replay derivations after a crash and obtain bit-identical
// results.
package talercrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SeedLen is the length in bytes of the secret seeds the engines persist.
const SeedLen = 32

// EddsaKeyPair holds an Ed25519 key pair.  The private key is owned
// exclusively by the record it is stored in.
type EddsaKeyPair struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// CreateEddsaKeyPair generates a fresh random Ed25519 key pair.
func CreateEddsaKeyPair() (*EddsaKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &EddsaKeyPair{Priv: priv, Pub: pub}, nil
}

// EddsaKeyPairFromSeed deterministically derives an Ed25519 key pair from a
// 32-byte seed.
func EddsaKeyPairFromSeed(seed []byte) *EddsaKeyPair {
	priv := ed25519.NewKeyFromSeed(seed)
	return &EddsaKeyPair{
		Priv: priv,
		Pub:  priv.Public().(ed25519.PublicKey),
	}
}

// EddsaSign signs the message with the given private key.
func EddsaSign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// EddsaVerify reports whether sig is a valid signature of msg by the private
// key corresponding to pub.  Malformed keys or signatures simply fail.
func EddsaVerify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize ||
		len(sig) != ed25519.SignatureSize {

		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// NewSeed returns SeedLen fresh random bytes.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Hash computes the SHA-512 digest over the concatenation of the given byte
// slices.
func Hash(chunks ...[]byte) []byte {
	h := sha512.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

// deriveBytes expands (secret, label) into n deterministic bytes using
// HKDF-SHA512.  The label provides domain separation between the different
// keys derived from the same seed.
func deriveBytes(secret []byte, label string, n int) []byte {
	out := make([]byte, n)
	r := hkdf.New(sha512.New, secret, nil, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA512 yields up to 255*64 bytes; all callers stay
		// far below that.
		panic("talercrypto: hkdf expansion failed: " + err.Error())
	}
	return out
}

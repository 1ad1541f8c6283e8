// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package talercrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrBadDenomPub is returned when a denomination public key cannot be
	// parsed.
	ErrBadDenomPub = errors.New("talercrypto: malformed denomination public key")

	// ErrBadBlindingKey is returned when a serialized blinding factor is
	// unusable for the given denomination key.
	ErrBadBlindingKey = errors.New("talercrypto: unusable blinding key")
)

// ParseDenomPub decodes a PKIX DER encoded RSA denomination public key.
func ParseDenomPub(denomPub []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(denomPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDenomPub, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, ErrBadDenomPub
	}
	return rsaPub, nil
}

// HashDenomPub returns the SHA-512 hash of the encoded denomination public
// key.  This hash is the denomination's identifier throughout the wallet.
func HashDenomPub(denomPub []byte) []byte {
	h := sha512.Sum512(denomPub)
	return h[:]
}

// NewDenomKeyPair generates an RSA denomination key pair and returns both
// halves in DER encoding.  The private half only exists on the exchange; the
// wallet uses this for tests and simulation.
func NewDenomKeyPair(bits int) (privDER, pubDER []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	privDER = x509.MarshalPKCS1PrivateKey(key)
	pubDER, err = x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return privDER, pubDER, nil
}

// fullDomainHash maps the message onto an integer in [0, N) by expanding a
// SHA-512 hash with a counter to the modulus width.  Both the signer and the
// verifier must agree on this mapping.
func fullDomainHash(msg []byte, pub *rsa.PublicKey) *big.Int {
	size := (pub.N.BitLen() + 7) / 8
	out := make([]byte, 0, size+sha512.Size)
	var ctr [4]byte
	for i := uint32(0); len(out) < size; i++ {
		binary.BigEndian.PutUint32(ctr[:], i)
		d := sha512.Sum512(append(append([]byte{}, msg...), ctr[:]...))
		out = append(out, d[:]...)
	}
	x := new(big.Int).SetBytes(out[:size])
	return x.Mod(x, pub.N)
}

// deriveBlindingFactor deterministically derives a blinding factor for the
// given denomination key from the secret and label.  The counter loop skips
// the measure-zero factors that are not invertible modulo N.
func deriveBlindingFactor(secret []byte, label string,
	pub *rsa.PublicKey) *big.Int {

	size := (pub.N.BitLen() + 7) / 8
	one := big.NewInt(1)
	for i := 0; ; i++ {
		raw := deriveBytes(secret, fmt.Sprintf("%s-bf-%d", label, i), size)
		r := new(big.Int).SetBytes(raw)
		r.Mod(r, pub.N)
		if r.Sign() == 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, r, pub.N).Cmp(one) == 0 {
			return r
		}
	}
}

// rsaBlind computes the blinded message m·r^e mod N.
func rsaBlind(msg []byte, r *big.Int, pub *rsa.PublicKey) []byte {
	m := fullDomainHash(msg, pub)
	re := new(big.Int).Exp(r, big.NewInt(int64(pub.E)), pub.N)
	m.Mul(m, re)
	m.Mod(m, pub.N)
	return m.Bytes()
}

// RsaUnblind removes the blinding factor from a blind signature, yielding
// the denomination signature over the original message.
func RsaUnblind(blindSig, blindingKey, denomPub []byte) ([]byte, error) {
	pub, err := ParseDenomPub(denomPub)
	if err != nil {
		return nil, err
	}
	r := new(big.Int).SetBytes(blindingKey)
	rInv := new(big.Int).ModInverse(r, pub.N)
	if rInv == nil {
		return nil, ErrBadBlindingKey
	}
	s := new(big.Int).SetBytes(blindSig)
	s.Mul(s, rInv)
	s.Mod(s, pub.N)
	return s.Bytes(), nil
}

// RsaVerify reports whether sig is a valid denomination signature over msg,
// i.e. whether sig^e mod N equals the full domain hash of msg.
func RsaVerify(msg, sig, denomPub []byte) bool {
	pub, err := ParseDenomPub(denomPub)
	if err != nil {
		return false
	}
	s := new(big.Int).SetBytes(sig)
	if s.Cmp(pub.N) >= 0 {
		return false
	}
	check := new(big.Int).Exp(s, big.NewInt(int64(pub.E)), pub.N)
	return check.Cmp(fullDomainHash(msg, pub)) == 0
}

// RsaSignBlinded applies the RSA private operation to a blinded message.
// This is the exchange's half of the protocol, provided for tests and the
// simulated exchange.
func RsaSignBlinded(privDER, blinded []byte) ([]byte, error) {
	key, err := x509.ParsePKCS1PrivateKey(privDER)
	if err != nil {
		return nil, err
	}
	m := new(big.Int).SetBytes(blinded)
	if m.Cmp(key.N) >= 0 {
		return nil, errors.New("talercrypto: blinded message out of range")
	}
	s := new(big.Int).Exp(m, key.D, key.N)
	return s.Bytes(), nil
}

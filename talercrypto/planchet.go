// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package talercrypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/talersuite/talerwallet/internal/zero"
)

// PlanchetData is the full derivation of one blinded coin request.  Deriving
// a planchet twice from the same inputs yields bit-identical fields, which is
// what makes the withdrawal and refresh protocols resumable after a crash.
type PlanchetData struct {
	// CoinPriv is the new coin's private key.
	CoinPriv ed25519.PrivateKey

	// CoinPub is the new coin's public key, the message being blind
	// signed.
	CoinPub []byte

	// BlindingKey is the serialized blinding factor.
	BlindingKey []byte

	// CoinEv is the blinded coin envelope submitted to the exchange.
	CoinEv []byte

	// CoinEvHash is the SHA-512 hash of CoinEv.
	CoinEvHash []byte

	// DenomPubHash identifies the requested denomination.
	DenomPubHash []byte
}

// DerivePlanchet deterministically derives the planchet for the given coin
// index from the group's secret seed and the denomination public key.
func DerivePlanchet(secretSeed []byte, coinIndex uint32,
	denomPub []byte) (*PlanchetData, error) {

	pub, err := ParseDenomPub(denomPub)
	if err != nil {
		return nil, err
	}

	label := fmt.Sprintf("planchet-%d", coinIndex)
	coinSeed := deriveBytes(secretSeed, label+"-coin", SeedLen)
	kp := EddsaKeyPairFromSeed(coinSeed)
	zero.Bytes(coinSeed)

	r := deriveBlindingFactor(secretSeed, label, pub)
	coinEv := rsaBlind(kp.Pub, r, pub)
	blindingKey := r.Bytes()
	zero.BigInt(r)

	return &PlanchetData{
		CoinPriv:     kp.Priv,
		CoinPub:      []byte(kp.Pub),
		BlindingKey:  blindingKey,
		CoinEv:       coinEv,
		CoinEvHash:   Hash(coinEv),
		DenomPubHash: HashDenomPub(denomPub),
	}, nil
}

// Zero wipes the planchet's secret material.  The planchet stays re-derivable
// from the seed it came from, so callers wipe as soon as the secrets are
// persisted or no longer needed.
func (p *PlanchetData) Zero() {
	zero.Bytes(p.CoinPriv)
	zero.Bytes(p.BlindingKey)
}

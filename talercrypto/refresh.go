// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package talercrypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/internal/zero"
)

// Kappa is the cut-and-choose fan-out of the refresh protocol: the number of
// independent blinding transcripts committed to during melt, of which the
// exchange keeps exactly one hidden.
const Kappa = 3

// RefreshSession is the full deterministic derivation of one coin's refresh:
// Kappa transfer key pairs and, for each, a complete planchet per new coin,
// bound together by the session commitment hash.
type RefreshSession struct {
	// TransferPrivs holds the Kappa transfer private keys.  All but the
	// one at the noreveal index are disclosed during reveal.
	TransferPrivs [][]byte

	// TransferPubs holds the corresponding public keys, all of which are
	// part of the melt commitment.
	TransferPubs [][]byte

	// Planchets holds one planchet per new coin for each of the Kappa
	// transcripts, indexed [gamma][newCoinIndex].
	Planchets [][]*PlanchetData

	// SessionHash is the commitment the old coin signs during melt.
	SessionHash []byte

	// ConfirmSig is the old coin's signature over the commitment.
	ConfirmSig []byte

	// MeltValueWithFee is the amount being melted, including the melt
	// fee.
	MeltValueWithFee amount.Amount
}

// DeriveRefreshSession deterministically derives the refresh session for one
// old coin from the session seed.  newDenomPubs lists the encoded
// denomination public keys of the planned new coins, in selection order.
func DeriveRefreshSession(sessionSeed []byte, oldCoinPriv ed25519.PrivateKey,
	newDenomPubs [][]byte,
	meltValueWithFee amount.Amount) (*RefreshSession, error) {

	s := &RefreshSession{
		TransferPrivs:    make([][]byte, Kappa),
		TransferPubs:     make([][]byte, Kappa),
		Planchets:        make([][]*PlanchetData, Kappa),
		MeltValueWithFee: meltValueWithFee,
	}

	for gamma := 0; gamma < Kappa; gamma++ {
		label := fmt.Sprintf("refresh-transfer-%d", gamma)
		transferSeed := deriveBytes(sessionSeed, label, SeedLen)
		tkp := EddsaKeyPairFromSeed(transferSeed)
		zero.Bytes(transferSeed)
		s.TransferPrivs[gamma] = tkp.Priv.Seed()
		s.TransferPubs[gamma] = []byte(tkp.Pub)

		// Each transcript derives its planchets from its own
		// sub-seed so revealing Kappa-1 of them discloses nothing
		// about the remaining one.
		transcriptSeed := deriveBytes(
			sessionSeed, fmt.Sprintf("refresh-planchets-%d", gamma),
			SeedLen,
		)
		s.Planchets[gamma] = make([]*PlanchetData, len(newDenomPubs))
		for i, denomPub := range newDenomPubs {
			p, err := DerivePlanchet(
				transcriptSeed, uint32(i), denomPub,
			)
			if err != nil {
				zero.Bytes(transcriptSeed)
				return nil, err
			}
			s.Planchets[gamma][i] = p
		}
		zero.Bytes(transcriptSeed)
	}

	s.SessionHash = refreshSessionHash(s, oldCoinPriv)
	s.ConfirmSig = SignMelt(oldCoinPriv, s.SessionHash, meltValueWithFee)
	return s, nil
}

// refreshSessionHash computes the cut-and-choose commitment over every
// transfer public key and every blinded envelope of the session, bound to
// the old coin and the melted amount.
func refreshSessionHash(s *RefreshSession,
	oldCoinPriv ed25519.PrivateKey) []byte {

	oldCoinPub := oldCoinPriv.Public().(ed25519.PublicKey)
	chunks := [][]byte{[]byte(oldCoinPub), []byte(s.MeltValueWithFee.String())}
	for gamma := 0; gamma < Kappa; gamma++ {
		chunks = append(chunks, s.TransferPubs[gamma])
		for _, p := range s.Planchets[gamma] {
			chunks = append(chunks, p.CoinEv)
		}
	}
	return Hash(chunks...)
}

// Zero wipes every transfer private key and planchet secret of the session.
// The session stays re-derivable from its seed.
func (s *RefreshSession) Zero() {
	for _, priv := range s.TransferPrivs {
		zero.Bytes(priv)
	}
	for _, planchets := range s.Planchets {
		for _, p := range planchets {
			p.Zero()
		}
	}
}

// TransferPrivsForReveal returns the transfer private keys to disclose for
// the given noreveal index, i.e. all of them except the one the exchange
// chose to keep hidden.
func (s *RefreshSession) TransferPrivsForReveal(norevealIndex uint32) [][]byte {
	privs := make([][]byte, 0, Kappa-1)
	for gamma := uint32(0); gamma < Kappa; gamma++ {
		if gamma == norevealIndex {
			continue
		}
		privs = append(privs, s.TransferPrivs[gamma])
	}
	return privs
}

// SignCoinLink signs the linkage of one new coin to the melted coin: the new
// denomination, the transfer key of the hidden transcript and the new coin's
// blinded envelope.
func SignCoinLink(oldCoinPriv ed25519.PrivateKey, newDenomPubHash,
	transferPub, coinEv []byte) []byte {

	return EddsaSign(oldCoinPriv, signPayload(
		purposeCoinLink, newDenomPubHash, transferPub, coinEv,
	))
}

// VerifyCoinLink verifies a coin link signature.
func VerifyCoinLink(oldCoinPub ed25519.PublicKey, newDenomPubHash,
	transferPub, coinEv, sig []byte) bool {

	return EddsaVerify(oldCoinPub, signPayload(
		purposeCoinLink, newDenomPubHash, transferPub, coinEv,
	), sig)
}

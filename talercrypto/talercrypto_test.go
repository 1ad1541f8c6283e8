// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package talercrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/talersuite/talerwallet/amount"
)

// testDenomBits keeps RSA key generation fast in tests.
const testDenomBits = 1024

// TestBlindSignRoundTrip walks the full blind-signature protocol: derive a
// planchet, blind-sign its envelope, unblind, and verify the result against
// the coin public key.
func TestBlindSignRoundTrip(t *testing.T) {
	t.Parallel()

	privDER, pubDER, err := NewDenomKeyPair(testDenomBits)
	require.NoError(t, err)

	seed, err := NewSeed()
	require.NoError(t, err)

	p, err := DerivePlanchet(seed, 0, pubDER)
	require.NoError(t, err)

	blindSig, err := RsaSignBlinded(privDER, p.CoinEv)
	require.NoError(t, err)

	denomSig, err := RsaUnblind(blindSig, p.BlindingKey, pubDER)
	require.NoError(t, err)
	require.True(t, RsaVerify(p.CoinPub, denomSig, pubDER))

	// The signature must not verify for a different coin.
	other, err := DerivePlanchet(seed, 1, pubDER)
	require.NoError(t, err)
	require.False(t, RsaVerify(other.CoinPub, denomSig, pubDER))
}

// TestPlanchetDeterminism checks that planchet derivation is a pure function
// of (seed, index, denomination).
func TestPlanchetDeterminism(t *testing.T) {
	t.Parallel()

	_, pubDER, err := NewDenomKeyPair(testDenomBits)
	require.NoError(t, err)
	seed, err := NewSeed()
	require.NoError(t, err)

	a, err := DerivePlanchet(seed, 7, pubDER)
	require.NoError(t, err)
	b, err := DerivePlanchet(seed, 7, pubDER)
	require.NoError(t, err)

	require.Equal(t, a.CoinPriv, b.CoinPriv)
	require.Equal(t, a.CoinPub, b.CoinPub)
	require.Equal(t, a.BlindingKey, b.BlindingKey)
	require.Equal(t, a.CoinEv, b.CoinEv)
	require.Equal(t, a.CoinEvHash, b.CoinEvHash)

	// A different index yields a different coin.
	c, err := DerivePlanchet(seed, 8, pubDER)
	require.NoError(t, err)
	require.NotEqual(t, a.CoinPub, c.CoinPub)
}

// TestRefreshSessionDeterminism checks that the melt commitment is
// reproducible from the persisted session seed.
func TestRefreshSessionDeterminism(t *testing.T) {
	t.Parallel()

	_, pubDER, err := NewDenomKeyPair(testDenomBits)
	require.NoError(t, err)
	seed, err := NewSeed()
	require.NoError(t, err)
	oldCoin, err := CreateEddsaKeyPair()
	require.NoError(t, err)

	melt := amount.MustParse("KUDOS:1.5")
	a, err := DeriveRefreshSession(seed, oldCoin.Priv, [][]byte{pubDER}, melt)
	require.NoError(t, err)
	b, err := DeriveRefreshSession(seed, oldCoin.Priv, [][]byte{pubDER}, melt)
	require.NoError(t, err)

	require.Equal(t, a.SessionHash, b.SessionHash)
	require.Equal(t, a.TransferPubs, b.TransferPubs)
	require.Len(t, a.Planchets, Kappa)
	for gamma := 0; gamma < Kappa; gamma++ {
		require.Equal(t, a.Planchets[gamma][0].CoinEv,
			b.Planchets[gamma][0].CoinEv)
	}

	// The Kappa transcripts must be mutually independent.
	require.NotEqual(t, a.Planchets[0][0].CoinPub, a.Planchets[1][0].CoinPub)

	require.True(t, VerifyMelt(oldCoin.Pub, a.SessionHash, melt, a.ConfirmSig))

	privs := a.TransferPrivsForReveal(1)
	require.Len(t, privs, Kappa-1)
	require.Equal(t, a.TransferPrivs[0], privs[0])
	require.Equal(t, a.TransferPrivs[2], privs[1])
}

// requireZeroed asserts every byte of the slice has been wiped.
func requireZeroed(t *testing.T, b []byte) {
	t.Helper()
	require.Equal(t, make([]byte, len(b)), b)
}

// TestPlanchetZero wipes a planchet's secrets and checks that a fresh
// derivation from the same inputs is unaffected.
func TestPlanchetZero(t *testing.T) {
	t.Parallel()

	_, pubDER, err := NewDenomKeyPair(testDenomBits)
	require.NoError(t, err)
	seed, err := NewSeed()
	require.NoError(t, err)

	p, err := DerivePlanchet(seed, 3, pubDER)
	require.NoError(t, err)
	coinPub := append([]byte(nil), p.CoinPub...)
	coinEv := append([]byte(nil), p.CoinEv...)
	require.NotEmpty(t, p.BlindingKey)

	p.Zero()
	requireZeroed(t, p.CoinPriv)
	requireZeroed(t, p.BlindingKey)

	again, err := DerivePlanchet(seed, 3, pubDER)
	require.NoError(t, err)
	require.Equal(t, coinPub, again.CoinPub)
	require.Equal(t, coinEv, again.CoinEv)
}

// TestRefreshSessionZero wipes a refresh session and checks every transfer
// private key and planchet secret is cleared while re-derivation still yields
// the same commitment.
func TestRefreshSessionZero(t *testing.T) {
	t.Parallel()

	_, pubDER, err := NewDenomKeyPair(testDenomBits)
	require.NoError(t, err)
	seed, err := NewSeed()
	require.NoError(t, err)
	oldCoin, err := CreateEddsaKeyPair()
	require.NoError(t, err)

	melt := amount.MustParse("KUDOS:1")
	s, err := DeriveRefreshSession(seed, oldCoin.Priv, [][]byte{pubDER}, melt)
	require.NoError(t, err)
	sessionHash := append([]byte(nil), s.SessionHash...)

	s.Zero()
	for gamma := 0; gamma < Kappa; gamma++ {
		requireZeroed(t, s.TransferPrivs[gamma])
		for _, p := range s.Planchets[gamma] {
			requireZeroed(t, p.CoinPriv)
			requireZeroed(t, p.BlindingKey)
		}
	}

	again, err := DeriveRefreshSession(
		seed, oldCoin.Priv, [][]byte{pubDER}, melt,
	)
	require.NoError(t, err)
	require.Equal(t, sessionHash, again.SessionHash)
}

// TestSignaturePurposes ensures signatures cannot be replayed across
// purposes.
func TestSignaturePurposes(t *testing.T) {
	t.Parallel()

	kp, err := CreateEddsaKeyPair()
	require.NoError(t, err)

	h := Hash([]byte("denom"))
	ev := Hash([]byte("envelope"))

	withdrawSig := SignWithdraw(kp.Priv, h, ev)
	require.True(t, VerifyWithdraw(kp.Pub, h, ev, withdrawSig))
	require.False(t, VerifyRecoup(kp.Pub, h, ev, withdrawSig))

	recoupSig := SignRecoup(kp.Priv, h, ev)
	require.True(t, VerifyRecoup(kp.Pub, h, ev, recoupSig))
	require.False(t, VerifyWithdraw(kp.Pub, h, ev, recoupSig))
}

// TestWireValidation exercises the master-signature checks for wire accounts
// and fees.
func TestWireValidation(t *testing.T) {
	t.Parallel()

	master, err := CreateEddsaKeyPair()
	require.NoError(t, err)

	payto := "payto://x-taler-bank/bank.test/Exchange"
	accountSig := EddsaSign(master.Priv, WireAccountSigPayload(payto))
	require.True(t, IsValidWireAccount(master.Pub, accountSig, payto))
	require.False(t, IsValidWireAccount(master.Pub, accountSig, payto+"x"))

	wireFee := amount.MustParse("KUDOS:0.01")
	closingFee := amount.MustParse("KUDOS:0.05")
	feeSig := EddsaSign(master.Priv, WireFeeSigPayload(
		"x-taler-bank", wireFee, closingFee, timeFromUnix(1000),
		timeFromUnix(2000),
	))
	require.True(t, IsValidWireFee(master.Pub, feeSig, "x-taler-bank",
		wireFee, closingFee, timeFromUnix(1000), timeFromUnix(2000)))
	require.False(t, IsValidWireFee(master.Pub, feeSig, "iban",
		wireFee, closingFee, timeFromUnix(1000), timeFromUnix(2000)))
}

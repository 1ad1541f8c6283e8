// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package exchmgr

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
	_ "github.com/talersuite/talerwallet/walletdb/bdb"
)

// testDB creates a fresh wallet database with the exchange directory buckets
// initialized.
func testDB(t *testing.T) walletdb.DB {
	t.Helper()

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "wallet.db"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	err = db.Update(func(tx walletdb.Tx) error {
		return Create(tx)
	})
	require.NoError(t, err)
	return db
}

// testExchange builds an exchange record with a fresh master key.
func testExchange(t *testing.T, baseURL string) (*Exchange,
	ed25519.PrivateKey) {

	t.Helper()

	kp, err := talercrypto.CreateEddsaKeyPair()
	require.NoError(t, err)

	return &Exchange{
		BaseURL: baseURL,
		Status:  StatusFinished,
		Details: &Details{
			Currency:        "KUDOS",
			MasterPub:       []byte(kp.Pub),
			ProtocolVersion: "1:0:0",
			SigningKeys: []SigningKey{{
				Key:         []byte(kp.Pub),
				StampStart:  time.Unix(100, 0),
				StampExpire: time.Unix(2000, 0),
				MasterSig:   []byte{1, 2, 3},
			}},
			Auditors: []Auditor{{
				Name:       "auditor",
				URL:        "https://auditor.example/",
				AuditorPub: []byte{4, 5, 6},
			}},
		},
		Wire: &WireInfo{
			Accounts: []WireAccount{{
				PaytoURI:  "payto://iban/DE123",
				MasterSig: []byte{7, 8},
			}},
			Fees: map[string][]WireFee{
				"iban": {{
					WireFee:    amount.MustParse("KUDOS:0.01"),
					ClosingFee: amount.MustParse("KUDOS:0.02"),
					StampStart: time.Unix(100, 0),
					StampEnd:   time.Unix(2000, 0),
					Sig:        []byte{9},
				}},
			},
		},
		TermsEtag:   "v1",
		NextRefresh: time.Unix(5000, 0),
	}, kp.Priv
}

// testDenomination builds a denomination record signed by the master key.
func testDenomination(t *testing.T, baseURL string,
	masterPriv ed25519.PrivateKey, value string) *Denomination {

	t.Helper()

	_, pubDER, err := talercrypto.NewDenomKeyPair(1024)
	require.NoError(t, err)

	d := &Denomination{
		ExchangeBaseURL:     baseURL,
		DenomPub:            pubDER,
		DenomPubHash:        talercrypto.HashDenomPub(pubDER),
		Value:               amount.MustParse(value),
		FeeWithdraw:         amount.MustParse("KUDOS:0.01"),
		FeeDeposit:          amount.MustParse("KUDOS:0.01"),
		FeeRefresh:          amount.MustParse("KUDOS:0.01"),
		FeeRefund:           amount.MustParse("KUDOS:0.01"),
		StampStart:          time.Now().Add(-time.Hour),
		StampExpireWithdraw: time.Now().Add(24 * time.Hour),
		StampExpireDeposit:  time.Now().Add(48 * time.Hour),
		StampExpireLegal:    time.Now().Add(96 * time.Hour),
		IsOffered:           true,
	}
	payload := talercrypto.DenomSigPayload(
		d.Value.Currency, d.DenomPubHash, d.Value, d.FeeWithdraw,
		d.FeeDeposit, d.FeeRefresh, d.FeeRefund, d.StampStart,
		d.StampExpireWithdraw, d.StampExpireDeposit, d.StampExpireLegal,
	)
	d.MasterSig = talercrypto.EddsaSign(masterPriv, payload)
	return d
}

// TestExchangeRoundTrip stores and reloads an exchange record, checking the
// TLV-encoded details and the wire info survive.
func TestExchangeRoundTrip(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	m := NewManager()
	exch, _ := testExchange(t, "https://exchange.example/")

	err := db.Update(func(tx walletdb.Tx) error {
		return m.PutExchange(tx, exch)
	})
	require.NoError(t, err)

	err = db.View(func(tx walletdb.Tx) error {
		got, err := m.GetExchange(tx, exch.BaseURL)
		require.NoError(t, err)
		require.Equal(t, exch.BaseURL, got.BaseURL)
		require.Equal(t, exch.Status, got.Status)
		require.Equal(t, exch.Details, got.Details)
		require.Equal(t, exch.Wire, got.Wire)
		require.Equal(t, exch.TermsEtag, got.TermsEtag)
		require.True(t, exch.NextRefresh.Equal(got.NextRefresh))
		return nil
	})
	require.NoError(t, err)
}

// TestExchangeNotFound checks the typed error for unknown exchanges.
func TestExchangeNotFound(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	m := NewManager()

	err := db.View(func(tx walletdb.Tx) error {
		_, err := m.GetExchange(tx, "https://nope.example/")
		return err
	})
	require.True(t, IsError(err, ErrExchangeNotFound))
}

// TestDenominationRoundTrip stores and reloads a denomination record.
func TestDenominationRoundTrip(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	m := NewManager()
	exch, masterPriv := testExchange(t, "https://exchange.example/")
	denom := testDenomination(t, exch.BaseURL, masterPriv, "KUDOS:8")

	err := db.Update(func(tx walletdb.Tx) error {
		if err := m.PutExchange(tx, exch); err != nil {
			return err
		}
		return m.PutDenomination(tx, denom)
	})
	require.NoError(t, err)

	err = db.View(func(tx walletdb.Tx) error {
		got, err := m.GetDenomination(
			tx, exch.BaseURL, denom.DenomPubHash,
		)
		require.NoError(t, err)
		require.Equal(t, denom.DenomPub, got.DenomPub)
		require.Equal(t, denom.Value, got.Value)
		require.Equal(t, DenomUnverified, got.Status)
		require.False(t, got.IsRevoked)

		_, err = m.GetDenomination(tx, exch.BaseURL, []byte{0xff})
		require.True(t, IsError(err, ErrDenomNotFound))
		return nil
	})
	require.NoError(t, err)
}

// TestVerifyDenomination checks master signature verification and that a bad
// signature sticks as VerifiedBad.
func TestVerifyDenomination(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	m := NewManager()
	exch, masterPriv := testExchange(t, "https://exchange.example/")
	good := testDenomination(t, exch.BaseURL, masterPriv, "KUDOS:8")
	bad := testDenomination(t, exch.BaseURL, masterPriv, "KUDOS:4")
	bad.MasterSig = make([]byte, ed25519.SignatureSize)

	require.Equal(t, DenomVerifiedGood,
		m.VerifyDenomination(good, exch.Details.MasterPub))
	require.Equal(t, DenomVerifiedBad,
		m.VerifyDenomination(bad, exch.Details.MasterPub))

	// Cached result must match a recomputed one.
	require.Equal(t, DenomVerifiedGood,
		m.VerifyDenomination(good, exch.Details.MasterPub))

	err := db.Update(func(tx walletdb.Tx) error {
		if err := m.PutExchange(tx, exch); err != nil {
			return err
		}
		if err := m.PutDenomination(tx, good); err != nil {
			return err
		}
		return m.PutDenomination(tx, bad)
	})
	require.NoError(t, err)

	err = db.Update(func(tx walletdb.Tx) error {
		usable, err := m.UsableDenominations(
			tx, exch.BaseURL, time.Now(),
		)
		require.NoError(t, err)
		require.Len(t, usable, 1)
		require.Equal(t, good.DenomPubHash, usable[0].DenomPubHash)

		// The bad denomination must now be persisted as VerifiedBad.
		d, err := m.GetDenomination(tx, exch.BaseURL, bad.DenomPubHash)
		require.NoError(t, err)
		require.Equal(t, DenomVerifiedBad, d.Status)
		return nil
	})
	require.NoError(t, err)
}

// TestUsableDenominationsFilters checks the selection filters: revoked,
// unoffered and expired denominations are excluded.
func TestUsableDenominationsFilters(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	m := NewManager()
	exch, masterPriv := testExchange(t, "https://exchange.example/")

	ok := testDenomination(t, exch.BaseURL, masterPriv, "KUDOS:8")
	revoked := testDenomination(t, exch.BaseURL, masterPriv, "KUDOS:4")
	revoked.IsRevoked = true
	unoffered := testDenomination(t, exch.BaseURL, masterPriv, "KUDOS:2")
	unoffered.IsOffered = false
	expired := testDenomination(t, exch.BaseURL, masterPriv, "KUDOS:1")
	expired.StampExpireWithdraw = time.Now().Add(-time.Minute)

	err := db.Update(func(tx walletdb.Tx) error {
		if err := m.PutExchange(tx, exch); err != nil {
			return err
		}
		for _, d := range []*Denomination{ok, revoked, unoffered, expired} {
			if err := m.PutDenomination(tx, d); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx walletdb.Tx) error {
		usable, err := m.UsableDenominations(
			tx, exch.BaseURL, time.Now(),
		)
		require.NoError(t, err)
		require.Len(t, usable, 1)
		require.Equal(t, ok.DenomPubHash, usable[0].DenomPubHash)
		return nil
	})
	require.NoError(t, err)
}

// TestMarkDenominationRevoked checks idempotent revocation marking.
func TestMarkDenominationRevoked(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	m := NewManager()
	exch, masterPriv := testExchange(t, "https://exchange.example/")
	denom := testDenomination(t, exch.BaseURL, masterPriv, "KUDOS:8")

	err := db.Update(func(tx walletdb.Tx) error {
		if err := m.PutExchange(tx, exch); err != nil {
			return err
		}
		return m.PutDenomination(tx, denom)
	})
	require.NoError(t, err)

	err = db.Update(func(tx walletdb.Tx) error {
		already, err := m.MarkDenominationRevoked(
			tx, exch.BaseURL, denom.DenomPubHash,
		)
		require.NoError(t, err)
		require.False(t, already)

		already, err = m.MarkDenominationRevoked(
			tx, exch.BaseURL, denom.DenomPubHash,
		)
		require.NoError(t, err)
		require.True(t, already)
		return nil
	})
	require.NoError(t, err)
}

// TestAcceptTermsOfService records the accepted ETag.
func TestAcceptTermsOfService(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	m := NewManager()
	exch, _ := testExchange(t, "https://exchange.example/")

	err := db.Update(func(tx walletdb.Tx) error {
		if err := m.PutExchange(tx, exch); err != nil {
			return err
		}
		return m.AcceptTermsOfService(tx, exch.BaseURL, "v1")
	})
	require.NoError(t, err)

	err = db.View(func(tx walletdb.Tx) error {
		got, err := m.GetExchange(tx, exch.BaseURL)
		require.NoError(t, err)
		require.Equal(t, "v1", got.AcceptedTermsEtag)
		return nil
	})
	require.NoError(t, err)
}

// TestDetailsTLVRoundTrip exercises the TLV codec directly, including empty
// optional slices.
func TestDetailsTLVRoundTrip(t *testing.T) {
	t.Parallel()

	d := &Details{
		Currency:        "KUDOS",
		MasterPub:       []byte{1, 2, 3},
		ProtocolVersion: "2:1:0",
	}
	data, err := tlvEncodeDetails(d)
	require.NoError(t, err)

	got, err := tlvDecodeDetails(data)
	require.NoError(t, err)
	require.Equal(t, d.Currency, got.Currency)
	require.Equal(t, d.MasterPub, got.MasterPub)
	require.Equal(t, d.ProtocolVersion, got.ProtocolVersion)
	require.Empty(t, got.SigningKeys)
	require.Empty(t, got.Auditors)
}

// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/exchclient"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
	_ "github.com/talersuite/talerwallet/walletdb/bdb"
)

const testBaseURL = "https://exchange.test/"

// fakeDenom is one denomination of the fake exchange, with the private half
// of its RSA key so the fake can blind-sign.
type fakeDenom struct {
	priv []byte
	pub  []byte
	hash []byte
	info exchclient.DenomInfo
}

// fakeExchange is an in-process ExchangeClient: it keeps a master key and
// real RSA denomination keys and answers the protocol endpoints the engines
// drive.  All methods are safe for concurrent use.
type fakeExchange struct {
	t      *testing.T
	master *talercrypto.EddsaKeyPair

	mu     sync.Mutex
	denoms map[string]*fakeDenom

	// revoked lists denomination hashes reported in the recoup field of
	// /keys.
	revoked [][]byte

	// reserveHistory maps hex reserve pubs to the history GetReserveStatus
	// reports.  Reserves without an entry are unknown.
	reserveHistory map[string][]exchclient.ReserveHistoryItem

	// corruptWithdraws makes the next N withdraw responses carry an
	// unusable blind signature.
	corruptWithdraws int

	// meltGamma is the noreveal index assigned to melts.
	meltGamma uint32

	// numMelts counts melt submissions, to assert a melt is never
	// re-sent after its noreveal index is durable.
	numMelts int

	// recoupReservePub and recoupOldCoinPub are the credit targets
	// reported for recoups of withdrawn and refreshed coins.
	recoupReservePub []byte
	recoupOldCoinPub []byte

	// failNextReveal makes the next reveal fail with the given error.
	failNextReveal error

	// failReserveStatus makes GetReserveStatus fail with the given error.
	failReserveStatus error

	// bankStatus is returned by GetBankWithdrawalStatus.
	bankStatus exchclient.BankWithdrawalStatus
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()

	master, err := talercrypto.CreateEddsaKeyPair()
	require.NoError(t, err)
	return &fakeExchange{
		t:              t,
		master:         master,
		denoms:         make(map[string]*fakeDenom),
		reserveHistory: make(map[string][]exchclient.ReserveHistoryItem),
		meltGamma:      1,
	}
}

// addDenom creates a real RSA denomination with the given value and fees and
// a currently-valid stamp window.
func (f *fakeExchange) addDenom(value, feeWithdraw, feeRefresh string) *fakeDenom {
	f.t.Helper()

	priv, pub, err := talercrypto.NewDenomKeyPair(1024)
	require.NoError(f.t, err)

	now := time.Now()
	d := &fakeDenom{
		priv: priv,
		pub:  pub,
		hash: talercrypto.HashDenomPub(pub),
		info: exchclient.DenomInfo{
			DenomPub:            pub,
			Value:               amount.MustParse(value),
			FeeWithdraw:         amount.MustParse(feeWithdraw),
			FeeDeposit:          amount.MustParse("KUDOS:0"),
			FeeRefresh:          amount.MustParse(feeRefresh),
			FeeRefund:           amount.MustParse("KUDOS:0"),
			StampStart:          now.Add(-time.Hour),
			StampExpireWithdraw: now.Add(24 * time.Hour),
			StampExpireDeposit:  now.Add(48 * time.Hour),
			StampExpireLegal:    now.Add(72 * time.Hour),
		},
	}
	f.signDenom(d)

	f.mu.Lock()
	f.denoms[string(d.hash)] = d
	f.mu.Unlock()
	return d
}

// signDenom recomputes the master signature over the denomination record.
func (f *fakeExchange) signDenom(d *fakeDenom) {
	payload := talercrypto.DenomSigPayload(
		"KUDOS", d.hash, d.info.Value, d.info.FeeWithdraw,
		d.info.FeeDeposit, d.info.FeeRefresh, d.info.FeeRefund,
		d.info.StampStart, d.info.StampExpireWithdraw,
		d.info.StampExpireDeposit, d.info.StampExpireLegal,
	)
	d.info.MasterSig = talercrypto.EddsaSign(f.master.Priv, payload)
}

// creditReserve makes the reserve known with a single credit entry.
func (f *fakeExchange) creditReserve(reservePub []byte, credit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveHistory[hex.EncodeToString(reservePub)] =
		[]exchclient.ReserveHistoryItem{{
			Type:   exchclient.ReserveHistoryCredit,
			Amount: amount.MustParse(credit),
		}}
}

// revoke adds the denomination to the recoup list of /keys.
func (f *fakeExchange) revoke(denomPubHash []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, denomPubHash)
}

func (f *fakeExchange) GetKeys(_ context.Context, _ string,
	_ time.Duration) (*exchclient.KeysResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &exchclient.KeysResponse{
		Version:       exchclient.ProtocolVersion,
		Currency:      "KUDOS",
		MasterPub:     []byte(f.master.Pub),
		ListIssueDate: time.Now(),
	}
	for _, d := range f.denoms {
		resp.Denoms = append(resp.Denoms, d.info)
	}
	for _, h := range f.revoked {
		resp.Recoup = append(resp.Recoup, exchclient.RevokedDenom{
			HDenomPub: h,
		})
	}
	return resp, nil
}

func (f *fakeExchange) GetWire(_ context.Context, _ string,
	_ time.Duration) (*exchclient.WireResponse, error) {

	paytoURI := "payto://iban/TEST123"
	accountSig := talercrypto.EddsaSign(
		f.master.Priv, talercrypto.WireAccountSigPayload(paytoURI),
	)

	wireFee := amount.MustParse("KUDOS:0.01")
	closingFee := amount.MustParse("KUDOS:0.02")
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(24 * time.Hour)
	feeSig := talercrypto.EddsaSign(
		f.master.Priv, talercrypto.WireFeeSigPayload(
			"iban", wireFee, closingFee, start, end,
		),
	)

	return &exchclient.WireResponse{
		Accounts: []exchclient.WireAccount{{
			PaytoURI:  paytoURI,
			MasterSig: accountSig,
		}},
		Fees: map[string][]exchclient.WireFee{
			"iban": {{
				WireFee:    wireFee,
				ClosingFee: closingFee,
				StampStart: start,
				StampEnd:   end,
				Sig:        feeSig,
			}},
		},
	}, nil
}

func (f *fakeExchange) GetTerms(_ context.Context, _, etag string,
	_ time.Duration) (*exchclient.TermsResponse, error) {

	if etag == "v1" {
		return &exchclient.TermsResponse{NotModified: true}, nil
	}
	return &exchclient.TermsResponse{
		Text: "test terms of service",
		ETag: "v1",
	}, nil
}

func (f *fakeExchange) GetReserveStatus(_ context.Context, _ string,
	reservePub []byte,
	_ time.Duration) (*exchclient.ReserveStatusResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failReserveStatus != nil {
		return nil, f.failReserveStatus
	}
	history, ok := f.reserveHistory[hex.EncodeToString(reservePub)]
	if !ok {
		return nil, exchclient.ErrReserveUnknown
	}
	return &exchclient.ReserveStatusResponse{History: history}, nil
}

func (f *fakeExchange) PostWithdraw(_ context.Context, _ string,
	_ []byte, req *exchclient.WithdrawRequest,
	_ time.Duration) (*exchclient.WithdrawResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.corruptWithdraws > 0 {
		f.corruptWithdraws--
		return &exchclient.WithdrawResponse{
			EvSig: []byte{0xde, 0xad},
		}, nil
	}

	d, ok := f.denoms[string(req.DenomPubHash)]
	if !ok {
		return nil, fmt.Errorf("fake: unknown denomination %x",
			req.DenomPubHash[:8])
	}
	evSig, err := talercrypto.RsaSignBlinded(d.priv, req.CoinEv)
	if err != nil {
		return nil, err
	}
	return &exchclient.WithdrawResponse{EvSig: evSig}, nil
}

func (f *fakeExchange) PostMelt(_ context.Context, _ string, _ []byte,
	_ *exchclient.MeltRequest,
	_ time.Duration) (*exchclient.MeltResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	f.numMelts++
	return &exchclient.MeltResponse{NorevealIndex: f.meltGamma}, nil
}

func (f *fakeExchange) PostReveal(_ context.Context, _ string, _ []byte,
	req *exchclient.RevealRequest,
	_ time.Duration) (*exchclient.RevealResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNextReveal != nil {
		err := f.failNextReveal
		f.failNextReveal = nil
		return nil, err
	}
	resp := &exchclient.RevealResponse{}
	for i, coinEv := range req.CoinEvs {
		d, ok := f.denoms[string(req.NewDenomHashes[i])]
		if !ok {
			return nil, fmt.Errorf("fake: unknown denomination %x",
				req.NewDenomHashes[i][:8])
		}
		evSig, err := talercrypto.RsaSignBlinded(d.priv, coinEv)
		if err != nil {
			return nil, err
		}
		resp.EvSigs = append(resp.EvSigs, evSig)
	}
	return resp, nil
}

func (f *fakeExchange) PostRecoup(_ context.Context, _ string, _ []byte,
	req *exchclient.RecoupRequest,
	_ time.Duration) (*exchclient.RecoupResponse, error) {

	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Refreshed {
		return &exchclient.RecoupResponse{
			OldCoinPub: f.recoupOldCoinPub,
		}, nil
	}
	return &exchclient.RecoupResponse{
		ReservePub: f.recoupReservePub,
	}, nil
}

func (f *fakeExchange) RegisterReserveWithBank(_ context.Context, _ string,
	_ *exchclient.BankRegisterRequest, _ time.Duration) error {

	return nil
}

func (f *fakeExchange) GetBankWithdrawalStatus(_ context.Context, _ string,
	_ time.Duration) (*exchclient.BankWithdrawalStatus, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.bankStatus
	return &status, nil
}

// testWallet creates a wallet over a fresh database and the fake exchange.
// The background loops are not started; tests drive the engines directly.
func testWallet(t *testing.T, fake *fakeExchange) *Wallet {
	t.Helper()

	db, err := walletdb.Create(
		"bdb", filepath.Join(t.TempDir(), "wallet.db"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, CreateBuckets(db))

	return New(&Config{
		DB:            db,
		Client:        fake,
		RefreshTicker: ticker.NewForce(time.Hour),
	})
}

// syncExchange runs the full metadata update pipeline for the test exchange.
func syncExchange(t *testing.T, w *Wallet) {
	t.Helper()
	require.NoError(t, w.UpdateExchange(testBaseURL, false))
	require.NoError(t, w.processExchange(context.Background(), testBaseURL))
}

// drainNotifications returns every event currently buffered on the client.
func drainNotifications(c *NotificationClient) []Notification {
	var out []Notification
	for {
		select {
		case n := <-c.C:
			out = append(out, n)
		default:
			return out
		}
	}
}

// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/exchmgr"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
)

// allCoins fetches every coin in the wallet.
func allCoins(t *testing.T, w *Wallet) []*coinmgr.Coin {
	t.Helper()

	var coins []*coinmgr.Coin
	err := w.db.View(func(tx walletdb.Tx) error {
		return w.coinMgr.ForEachCoin(tx, func(c *coinmgr.Coin) error {
			coins = append(coins, c)
			return nil
		})
	})
	require.NoError(t, err)
	return coins
}

// singleWithdrawalGroup fetches the only withdrawal group in the wallet.
func singleWithdrawalGroup(t *testing.T, w *Wallet) *coinmgr.WithdrawalGroup {
	t.Helper()

	var group *coinmgr.WithdrawalGroup
	err := w.db.View(func(tx walletdb.Tx) error {
		return w.coinMgr.ForEachWithdrawalGroup(tx,
			func(g *coinmgr.WithdrawalGroup) error {
				require.Nil(t, group)
				group = g
				return nil
			})
	})
	require.NoError(t, err)
	require.NotNil(t, group)
	return group
}

// singleRefreshGroup fetches the only refresh group in the wallet.
func singleRefreshGroup(t *testing.T, w *Wallet) *coinmgr.RefreshGroup {
	t.Helper()

	var group *coinmgr.RefreshGroup
	err := w.db.View(func(tx walletdb.Tx) error {
		return w.coinMgr.ForEachRefreshGroup(tx,
			func(g *coinmgr.RefreshGroup) error {
				require.Nil(t, group)
				group = g
				return nil
			})
	})
	require.NoError(t, err)
	require.NotNil(t, group)
	return group
}

// singleRecoupGroup fetches the only recoup group in the wallet.
func singleRecoupGroup(t *testing.T, w *Wallet) *coinmgr.RecoupGroup {
	t.Helper()

	var group *coinmgr.RecoupGroup
	err := w.db.View(func(tx walletdb.Tx) error {
		return w.coinMgr.ForEachRecoupGroup(tx,
			func(g *coinmgr.RecoupGroup) error {
				require.Nil(t, group)
				group = g
				return nil
			})
	})
	require.NoError(t, err)
	require.NotNil(t, group)
	return group
}

// getReserve fetches one reserve record.
func getReserve(t *testing.T, w *Wallet, pub []byte) *coinmgr.Reserve {
	t.Helper()

	var r *coinmgr.Reserve
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		r, err = w.coinMgr.GetReserve(tx, pub)
		return err
	})
	require.NoError(t, err)
	return r
}

// getCoin fetches one coin record.
func getCoin(t *testing.T, w *Wallet, pub []byte) *coinmgr.Coin {
	t.Helper()

	var c *coinmgr.Coin
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		c, err = w.coinMgr.GetCoin(tx, pub)
		return err
	})
	require.NoError(t, err)
	return c
}

// withdrawIntoCoins runs the full path from reserve creation to promoted
// coins and returns the reserve public key.
func withdrawIntoCoins(t *testing.T, w *Wallet, fake *fakeExchange,
	instructed string) []byte {

	t.Helper()
	ctx := context.Background()

	reserve, err := w.CreateReserve(&CreateReserveRequest{
		ExchangeBaseURL: testBaseURL,
		Amount:          amount.MustParse(instructed),
	})
	require.NoError(t, err)
	fake.creditReserve(reserve.ReservePub, instructed)

	require.NoError(t, w.processReserve(ctx, reserve.ReservePub))
	group := singleWithdrawalGroup(t, w)
	require.NoError(t, w.processWithdrawalGroup(ctx, group.ID))
	return reserve.ReservePub
}

// TestExchangeUpdatePipeline walks the metadata update to Finished and
// checks the stored record.
func TestExchangeUpdatePipeline(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	fake.addDenom("KUDOS:8", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	ntfn := w.NtfnServer.Subscribe()

	syncExchange(t, w)

	err := w.db.View(func(tx walletdb.Tx) error {
		exch, err := w.exchMgr.GetExchange(tx, testBaseURL)
		require.NoError(t, err)
		require.Equal(t, exchmgr.StatusFinished, exch.Status)
		require.Equal(t, "KUDOS", exch.Details.Currency)
		require.NotNil(t, exch.Wire)
		require.Len(t, exch.Wire.Accounts, 1)
		require.Equal(t, "test terms of service", exch.TermsText)
		require.Equal(t, "v1", exch.TermsEtag)
		require.False(t, exch.Retry.Active)
		require.False(t, exch.NextRefresh.IsZero())
		return nil
	})
	require.NoError(t, err)

	var updated bool
	for _, n := range drainNotifications(ntfn) {
		if e, ok := n.(ExchangeUpdatedNotification); ok {
			require.Equal(t, testBaseURL, e.BaseURL)
			updated = true
		}
	}
	require.True(t, updated)
}

// TestWithdrawalFlow withdraws KUDOS:10 against free 8/2/1 denominations and
// expects exactly one 8 coin and one 2 coin, each with a valid denomination
// signature.
func TestWithdrawalFlow(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	d8 := fake.addDenom("KUDOS:8", "KUDOS:0", "KUDOS:0")
	d2 := fake.addDenom("KUDOS:2", "KUDOS:0", "KUDOS:0")
	fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	ntfn := w.NtfnServer.Subscribe()
	syncExchange(t, w)

	withdrawIntoCoins(t, w, fake, "KUDOS:10")

	group := singleWithdrawalGroup(t, w)
	require.True(t, group.Finished())
	require.False(t, group.Retry.Active)
	require.Equal(t, amount.MustParse("KUDOS:10"), group.TotalCoinValue)

	coins := allCoins(t, w)
	require.Len(t, coins, 2)
	total := amount.Zero("KUDOS")
	for _, c := range coins {
		require.Equal(t, coinmgr.CoinFresh, c.Status)
		require.Equal(t, coinmgr.SourceWithdraw, c.Source.Type)

		var pub []byte
		switch {
		case c.DenomValue.Cmp(d8.info.Value) == 0:
			pub = d8.pub
		case c.DenomValue.Cmp(d2.info.Value) == 0:
			pub = d2.pub
		default:
			t.Fatalf("unexpected coin value %s", c.DenomValue)
		}
		require.True(t,
			talercrypto.RsaVerify(c.CoinPub, c.DenomSig, pub))

		var err error
		total, err = total.Add(c.CurrentAmount)
		require.NoError(t, err)
	}
	require.Equal(t, amount.MustParse("KUDOS:10"), total)

	var finished bool
	for _, n := range drainNotifications(ntfn) {
		if e, ok := n.(WithdrawFinishedNotification); ok {
			require.Equal(t, 2, e.NumCoins)
			finished = true
		}
	}
	require.True(t, finished)
}

// TestWithdrawalAtMostOnce replays a finished withdrawal group and checks no
// additional coins appear.
func TestWithdrawalAtMostOnce(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	fake.addDenom("KUDOS:8", "KUDOS:0", "KUDOS:0")
	fake.addDenom("KUDOS:2", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)

	withdrawIntoCoins(t, w, fake, "KUDOS:10")
	require.Len(t, allCoins(t, w), 2)

	group := singleWithdrawalGroup(t, w)
	require.NoError(t,
		w.processWithdrawalGroup(context.Background(), group.ID))
	require.NoError(t,
		w.processWithdrawalGroup(context.Background(), group.ID))
	require.Len(t, allCoins(t, w), 2)
}

// TestWithdrawalIncomplete corrupts one blind signature out of three
// planchets and expects two coins, one permanent planchet error and an
// incomplete, deactivated group.
func TestWithdrawalIncomplete(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	ntfn := w.NtfnServer.Subscribe()
	syncExchange(t, w)
	fake.mu.Lock()
	fake.corruptWithdraws = 1
	fake.mu.Unlock()

	withdrawIntoCoins(t, w, fake, "KUDOS:3")

	group := singleWithdrawalGroup(t, w)
	require.False(t, group.Finished())
	require.False(t, group.Retry.Active)
	require.Len(t, allCoins(t, w), 2)

	numErrors := 0
	err := w.db.View(func(tx walletdb.Tx) error {
		return w.coinMgr.ForEachPlanchet(tx, group.ID,
			func(p *coinmgr.Planchet) error {
				if p.LastError != "" {
					require.False(t, p.Promoted)
					numErrors++
				}
				return nil
			})
	})
	require.NoError(t, err)
	require.Equal(t, 1, numErrors)

	var incomplete bool
	for _, n := range drainNotifications(ntfn) {
		if e, ok := n.(WithdrawIncompleteNotification); ok {
			require.Equal(t, 2, e.NumCoins)
			require.Equal(t, 1, e.NumErrors)
			incomplete = true
		}
	}
	require.True(t, incomplete)
}

// insertTestCoin stores a synthetic coin of the given denomination with the
// given remaining amount.
func insertTestCoin(t *testing.T, w *Wallet, d *fakeDenom, current string,
	source coinmgr.CoinSource) []byte {

	t.Helper()

	kp, err := talercrypto.CreateEddsaKeyPair()
	require.NoError(t, err)

	coin := &coinmgr.Coin{
		CoinPub:         []byte(kp.Pub),
		CoinPriv:        []byte(kp.Priv),
		BlindingKey:     []byte{1, 2, 3},
		ExchangeBaseURL: testBaseURL,
		DenomPubHash:    d.hash,
		DenomSig:        []byte{4, 5, 6},
		DenomValue:      d.info.Value,
		CurrentAmount:   amount.MustParse(current),
		Status:          coinmgr.CoinFresh,
		Source:          source,
	}
	err = w.db.Update(func(tx walletdb.Tx) error {
		return w.coinMgr.InsertCoin(tx, coin)
	})
	require.NoError(t, err)
	return coin.CoinPub
}

// TestRefreshFlow refreshes a KUDOS:1.5 remainder of a KUDOS:4 coin with a
// KUDOS:0.02 melt fee into two KUDOS:0.73 coins; the old coin ends zeroed
// and Dormant.
func TestRefreshFlow(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	d4 := fake.addDenom("KUDOS:4", "KUDOS:0", "KUDOS:0.02")
	fake.addDenom("KUDOS:0.73", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)

	oldCoinPub := insertTestCoin(t, w, d4, "KUDOS:1.5",
		coinmgr.CoinSource{Type: coinmgr.SourceWithdraw})

	id, err := w.CreateRefreshGroup(
		[][]byte{oldCoinPub}, coinmgr.RefreshReasonManual,
	)
	require.NoError(t, err)
	require.NotNil(t, id)

	require.NoError(t, w.processRefreshGroup(context.Background(), *id))

	group := singleRefreshGroup(t, w)
	require.True(t, group.Finished())
	require.Len(t, group.Sessions, 1)
	require.True(t, group.Sessions[0].Finished)

	var (
		oldCoin *coinmgr.Coin
		total   = amount.Zero("KUDOS")
		numNew  int
	)
	for _, c := range allCoins(t, w) {
		if string(c.CoinPub) == string(oldCoinPub) {
			oldCoin = c
			continue
		}
		require.Equal(t, coinmgr.SourceRefresh, c.Source.Type)
		require.Equal(t, amount.MustParse("KUDOS:0.73"),
			c.CurrentAmount)
		var err error
		total, err = total.Add(c.CurrentAmount)
		require.NoError(t, err)
		numNew++
	}
	require.Equal(t, 2, numNew)
	require.Equal(t, amount.MustParse("KUDOS:1.46"), total)
	require.NotNil(t, oldCoin)
	require.True(t, oldCoin.CurrentAmount.IsZero())
	require.Equal(t, coinmgr.CoinDormant, oldCoin.Status)
}

// TestRefreshMeltSentOnce fails the first reveal and checks that the retry
// reuses the durable noreveal index instead of melting again.
func TestRefreshMeltSentOnce(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	d4 := fake.addDenom("KUDOS:4", "KUDOS:0", "KUDOS:0")
	fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)

	oldCoinPub := insertTestCoin(t, w, d4, "KUDOS:2",
		coinmgr.CoinSource{Type: coinmgr.SourceWithdraw})

	id, err := w.CreateRefreshGroup(
		[][]byte{oldCoinPub}, coinmgr.RefreshReasonManual,
	)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.failNextReveal = errors.New("fake: reveal unavailable")
	fake.mu.Unlock()

	err = w.processRefreshGroup(context.Background(), *id)
	require.Error(t, err)

	group := singleRefreshGroup(t, w)
	require.True(t, group.Sessions[0].Melted)
	require.False(t, group.Finished())

	require.NoError(t, w.processRefreshGroup(context.Background(), *id))
	require.True(t, singleRefreshGroup(t, w).Finished())

	fake.mu.Lock()
	numMelts := fake.numMelts
	fake.mu.Unlock()
	require.Equal(t, 1, numMelts)
}

// TestRefreshUnwarranted checks that a remainder below every denomination's
// cost is abandoned with a notification instead of melted.
func TestRefreshUnwarranted(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	d4 := fake.addDenom("KUDOS:4", "KUDOS:0", "KUDOS:0.02")
	fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	ntfn := w.NtfnServer.Subscribe()
	syncExchange(t, w)

	coinPub := insertTestCoin(t, w, d4, "KUDOS:0.01",
		coinmgr.CoinSource{Type: coinmgr.SourceWithdraw})

	id, err := w.CreateRefreshGroup(
		[][]byte{coinPub}, coinmgr.RefreshReasonManual,
	)
	require.NoError(t, err)
	require.NotNil(t, id)

	group := singleRefreshGroup(t, w)
	require.True(t, group.Sessions[0].Finished)
	require.Empty(t, group.Sessions[0].NewDenomHashes)

	var unwarranted bool
	for _, n := range drainNotifications(ntfn) {
		if e, ok := n.(RefreshUnwarrantedNotification); ok {
			require.Equal(t, amount.MustParse("KUDOS:0.01"),
				e.Remainder)
			unwarranted = true
		}
	}
	require.True(t, unwarranted)

	fake.mu.Lock()
	numMelts := fake.numMelts
	fake.mu.Unlock()
	require.Zero(t, numMelts)
}

// TestRecoupFlow revokes a denomination after a withdrawal, expects the key
// update to queue a recoup group, and after recoup the coin is zeroed and
// the funding reserve is back in QueryingStatus.
func TestRecoupFlow(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	d3 := fake.addDenom("KUDOS:3", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)

	reservePub := withdrawIntoCoins(t, w, fake, "KUDOS:3")
	coins := allCoins(t, w)
	require.Len(t, coins, 1)
	coinPub := coins[0].CoinPub

	fake.revoke(d3.hash)
	fake.mu.Lock()
	fake.recoupReservePub = reservePub
	fake.mu.Unlock()

	require.NoError(t, w.UpdateExchange(testBaseURL, true))
	require.NoError(t,
		w.processExchange(context.Background(), testBaseURL))

	group := singleRecoupGroup(t, w)
	require.Len(t, group.Items, 1)
	require.Equal(t, amount.MustParse("KUDOS:3"), group.Items[0].OldAmount)

	require.NoError(t,
		w.processRecoupGroup(context.Background(), group.ID))

	var coin *coinmgr.Coin
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		coin, err = w.coinMgr.GetCoin(tx, coinPub)
		return err
	})
	require.NoError(t, err)
	require.True(t, coin.CurrentAmount.IsZero())
	require.Equal(t, coinmgr.CoinDormant, coin.Status)

	reserve := getReserve(t, w, reservePub)
	require.Equal(t, coinmgr.ReserveQueryingStatus, reserve.Status)
	require.True(t, reserve.Retry.Active)

	require.True(t, singleRecoupGroup(t, w).Finished())
}

// TestRecoupRevocationIdempotent re-runs the key update with the same
// revocation list and checks no second recoup group appears.
func TestRecoupRevocationIdempotent(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	d3 := fake.addDenom("KUDOS:3", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)

	reservePub := withdrawIntoCoins(t, w, fake, "KUDOS:3")
	fake.revoke(d3.hash)
	fake.mu.Lock()
	fake.recoupReservePub = reservePub
	fake.mu.Unlock()

	require.NoError(t, w.UpdateExchange(testBaseURL, true))
	require.NoError(t,
		w.processExchange(context.Background(), testBaseURL))
	require.NoError(t, w.UpdateExchange(testBaseURL, true))
	require.NoError(t,
		w.processExchange(context.Background(), testBaseURL))

	numGroups := 0
	err := w.db.View(func(tx walletdb.Tx) error {
		return w.coinMgr.ForEachRecoupGroup(tx,
			func(*coinmgr.RecoupGroup) error {
				numGroups++
				return nil
			})
	})
	require.NoError(t, err)
	require.Equal(t, 1, numGroups)
}

// TestRecoupRefreshedCoin recoups two refreshed coins that share the same
// melted predecessor: the exchange credits the old coin, the refresh queue
// deduplicates it, and the follow-on refresh melts the recovered value again.
func TestRecoupRefreshedCoin(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	dOld := fake.addDenom("KUDOS:2", "KUDOS:0", "KUDOS:0")
	d1 := fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	ntfn := w.NtfnServer.Subscribe()
	syncExchange(t, w)

	// The predecessor was fully melted into the two KUDOS:1 coins.
	oldCoinPub := insertTestCoin(t, w, dOld, "KUDOS:0",
		coinmgr.CoinSource{Type: coinmgr.SourceWithdraw})
	c1 := insertTestCoin(t, w, d1, "KUDOS:1", coinmgr.CoinSource{
		Type:       coinmgr.SourceRefresh,
		OldCoinPub: oldCoinPub,
	})
	c2 := insertTestCoin(t, w, d1, "KUDOS:1", coinmgr.CoinSource{
		Type:       coinmgr.SourceRefresh,
		OldCoinPub: oldCoinPub,
	})

	fake.mu.Lock()
	fake.recoupOldCoinPub = oldCoinPub
	fake.mu.Unlock()

	id, err := w.CreateRecoupGroup(testBaseURL, [][]byte{c1, c2})
	require.NoError(t, err)
	require.NoError(t, w.processRecoupGroup(context.Background(), id))

	group := singleRecoupGroup(t, w)
	require.True(t, group.Finished())
	require.Len(t, group.Items, 2)
	for _, item := range group.Items {
		require.True(t, item.Finished)
		require.Empty(t, item.LastError)
	}

	// Both items credited the same predecessor, which must appear in the
	// refresh queue exactly once.
	require.Len(t, group.CoinsToRefresh, 1)
	require.Equal(t, oldCoinPub, group.CoinsToRefresh[0])

	// The follow-on refresh consumes the full recovered value.
	refresh := singleRefreshGroup(t, w)
	require.Equal(t, coinmgr.RefreshReasonRecoup, refresh.Reason)
	require.Len(t, refresh.Sessions, 1)
	require.Equal(t, oldCoinPub, refresh.Sessions[0].OldCoinPub)
	require.Equal(t, amount.MustParse("KUDOS:2"),
		refresh.Sessions[0].InputAmount)

	// The revoked coins and the re-melted predecessor all end dormant.
	for _, pub := range [][]byte{c1, c2, oldCoinPub} {
		c := getCoin(t, w, pub)
		require.True(t, c.CurrentAmount.IsZero())
		require.Equal(t, coinmgr.CoinDormant, c.Status)
	}

	var finished bool
	for _, n := range drainNotifications(ntfn) {
		if e, ok := n.(RecoupFinishedNotification); ok {
			require.Equal(t, id, e.GroupID)
			finished = true
		}
	}
	require.True(t, finished)
}

// TestRecoupTipLost recoups a tip coin, whose value has no credit target:
// the item finishes without a refresh and the loss is reported.
func TestRecoupTipLost(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	d1 := fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	ntfn := w.NtfnServer.Subscribe()
	syncExchange(t, w)

	tipPub := insertTestCoin(t, w, d1, "KUDOS:1",
		coinmgr.CoinSource{Type: coinmgr.SourceTip})

	id, err := w.CreateRecoupGroup(testBaseURL, [][]byte{tipPub})
	require.NoError(t, err)
	require.NoError(t, w.processRecoupGroup(context.Background(), id))

	group := singleRecoupGroup(t, w)
	require.True(t, group.Finished())
	require.Len(t, group.Items, 1)
	require.True(t, group.Items[0].Finished)
	require.Empty(t, group.CoinsToRefresh)

	// No refresh follows a tip loss.
	numRefresh := 0
	err = w.db.View(func(tx walletdb.Tx) error {
		return w.coinMgr.ForEachRefreshGroup(tx,
			func(*coinmgr.RefreshGroup) error {
				numRefresh++
				return nil
			})
	})
	require.NoError(t, err)
	require.Zero(t, numRefresh)

	coin := getCoin(t, w, tipPub)
	require.True(t, coin.CurrentAmount.IsZero())
	require.Equal(t, coinmgr.CoinDormant, coin.Status)

	var lost bool
	for _, n := range drainNotifications(ntfn) {
		if e, ok := n.(RecoupTipLostNotification); ok {
			require.Equal(t, tipPub, e.CoinPub)
			require.Equal(t, amount.MustParse("KUDOS:1"), e.Lost)
			lost = true
		}
	}
	require.True(t, lost)
}

// TestReserveBankFlow walks the bank-integrated reserve states and the
// de-duplication by bank status URL.
func TestReserveBankFlow(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)
	ctx := context.Background()

	req := &CreateReserveRequest{
		ExchangeBaseURL: testBaseURL,
		Amount:          amount.MustParse("KUDOS:2"),
		BankStatusURL:   "https://bank.test/withdrawals/1",
	}
	reserve, err := w.CreateReserve(req)
	require.NoError(t, err)
	require.Equal(t, coinmgr.ReserveRegisteringBank, reserve.Status)

	dup, err := w.CreateReserve(req)
	require.NoError(t, err)
	require.Equal(t, reserve.ReservePub, dup.ReservePub)

	require.NoError(t, w.processReserve(ctx, reserve.ReservePub))
	require.Equal(t, coinmgr.ReserveWaitConfirmBank,
		getReserve(t, w, reserve.ReservePub).Status)

	// User has not confirmed; the status poll backs off without counting
	// a failure.
	require.NoError(t, w.processReserve(ctx, reserve.ReservePub))
	r := getReserve(t, w, reserve.ReservePub)
	require.Equal(t, coinmgr.ReserveWaitConfirmBank, r.Status)
	require.Zero(t, r.Retry.Counter)

	fake.mu.Lock()
	fake.bankStatus.TransferDone = true
	fake.mu.Unlock()
	require.NoError(t, w.processReserve(ctx, reserve.ReservePub))
	require.Equal(t, coinmgr.ReserveQueryingStatus,
		getReserve(t, w, reserve.ReservePub).Status)
}

// TestReserveBankAborted checks the terminal abort state.
func TestReserveBankAborted(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)
	ctx := context.Background()

	reserve, err := w.CreateReserve(&CreateReserveRequest{
		ExchangeBaseURL: testBaseURL,
		Amount:          amount.MustParse("KUDOS:2"),
		BankStatusURL:   "https://bank.test/withdrawals/2",
	})
	require.NoError(t, err)
	require.NoError(t, w.processReserve(ctx, reserve.ReservePub))

	fake.mu.Lock()
	fake.bankStatus.Aborted = true
	fake.mu.Unlock()
	require.NoError(t, w.processReserve(ctx, reserve.ReservePub))

	r := getReserve(t, w, reserve.ReservePub)
	require.Equal(t, coinmgr.ReserveBankAborted, r.Status)

	// A force query must not resurrect an aborted reserve.
	require.NoError(t, w.ForceQueryReserve(reserve.ReservePub))
	require.Equal(t, coinmgr.ReserveBankAborted,
		getReserve(t, w, reserve.ReservePub).Status)
}

// TestAutoRefreshScan plants a coin of a denomination past its refresh
// threshold and checks the scan enqueues a scheduled refresh group.
func TestAutoRefreshScan(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	expiring := fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	now := time.Now()
	expiring.info.StampExpireWithdraw = now.Add(-2 * time.Hour)
	expiring.info.StampExpireDeposit = now.Add(time.Hour)
	fake.signDenom(expiring)
	fake.addDenom("KUDOS:0.5", "KUDOS:0", "KUDOS:0")

	w := testWallet(t, fake)
	syncExchange(t, w)

	insertTestCoin(t, w, expiring, "KUDOS:1",
		coinmgr.CoinSource{Type: coinmgr.SourceWithdraw})

	require.NoError(t, w.runAutoRefreshScan())

	group := singleRefreshGroup(t, w)
	require.Equal(t, coinmgr.RefreshReasonScheduled, group.Reason)
	require.Len(t, group.Sessions, 1)
	require.Len(t, group.Sessions[0].NewDenomHashes, 2)
}

// TestOperationFailureBackoff drives a failing reserve operation through the
// scheduler and checks the recorded backoff grows monotonically.
func TestOperationFailureBackoff(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	ntfn := w.NtfnServer.Subscribe()
	syncExchange(t, w)
	ctx := context.Background()

	reserve, err := w.CreateReserve(&CreateReserveRequest{
		ExchangeBaseURL: testBaseURL,
		Amount:          amount.MustParse("KUDOS:2"),
	})
	require.NoError(t, err)

	fake.mu.Lock()
	fake.failReserveStatus = errors.New("fake: exchange down")
	fake.mu.Unlock()

	op := w.reserveOp(reserve.ReservePub)
	w.runOp(ctx, op)

	r := getReserve(t, w, reserve.ReservePub)
	require.Equal(t, uint32(1), r.Retry.Counter)
	require.True(t, r.Retry.NextRetry.After(time.Now().Add(-time.Second)))
	firstRetry := r.Retry.NextRetry

	w.runOp(ctx, op)
	r = getReserve(t, w, reserve.ReservePub)
	require.Equal(t, uint32(2), r.Retry.Counter)
	require.False(t, r.Retry.NextRetry.Before(firstRetry))

	var reported bool
	for _, n := range drainNotifications(ntfn) {
		if e, ok := n.(OperationErrorNotification); ok {
			require.Equal(t, ScopeReserve, e.Scope)
			reported = true
		}
	}
	require.True(t, reported)
}

// TestCollectPendingOps checks the scheduler's due/next-wake partition.
func TestCollectPendingOps(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	fake.addDenom("KUDOS:1", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)

	reserve, err := w.CreateReserve(&CreateReserveRequest{
		ExchangeBaseURL: testBaseURL,
		Amount:          amount.MustParse("KUDOS:2"),
	})
	require.NoError(t, err)

	now := time.Now()
	ops, _, err := w.collectPendingOps(now)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, ScopeReserve, ops[0].scope)

	// Push the reserve into the future and it must move from the due set
	// to the wake time.
	err = w.db.Update(func(tx walletdb.Tx) error {
		r, err := w.coinMgr.GetReserve(tx, reserve.ReservePub)
		if err != nil {
			return err
		}
		r.Retry.Backoff(now)
		return w.coinMgr.PutReserve(tx, r)
	})
	require.NoError(t, err)

	ops, nextWake, err := w.collectPendingOps(now)
	require.NoError(t, err)
	require.Empty(t, ops)
	require.True(t, nextWake.After(now))
}

// TestHistoryProjection checks the chronological event projection after a
// completed withdrawal.
func TestHistoryProjection(t *testing.T) {
	t.Parallel()

	fake := newFakeExchange(t)
	fake.addDenom("KUDOS:8", "KUDOS:0", "KUDOS:0")
	fake.addDenom("KUDOS:2", "KUDOS:0", "KUDOS:0")
	w := testWallet(t, fake)
	syncExchange(t, w)

	withdrawIntoCoins(t, w, fake, "KUDOS:10")

	events, err := w.History()
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, HistoryReserveCreated, events[0].Type)
	require.Equal(t, amount.MustParse("KUDOS:10"), events[0].Amount)
	require.Equal(t, HistoryWithdrawn, events[1].Type)
	require.Equal(t, amount.MustParse("KUDOS:10"), events[1].Amount)
}

// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/exchclient"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
)

// CreateRecoupGroup zeroes the given coins and creates a recoup group that
// recovers their value from the exchange.  Used when a denomination is
// revoked; callers normally do not invoke this directly since the exchange
// update pipeline queues recoups on revocation ingest.
func (w *Wallet) CreateRecoupGroup(baseURL string,
	coinPubs [][]byte) (coinmgr.GroupID, error) {

	var id coinmgr.GroupID
	err := w.db.Update(func(tx walletdb.Tx) error {
		var err error
		id, err = w.createRecoupGroupTx(tx, baseURL, coinPubs)
		return err
	})
	if err != nil {
		return id, err
	}
	log.Infof("Created recoup group %v over %d coins at %s", id,
		len(coinPubs), baseURL)
	w.Wake()
	return id, nil
}

// createRecoupGroupTx is CreateRecoupGroup within an existing transaction.
// Every input coin is zeroed here so a crash mid-recoup can never
// double-count its value; coins that were already empty are recorded as
// finished items.
func (w *Wallet) createRecoupGroupTx(tx walletdb.Tx, baseURL string,
	coinPubs [][]byte) (coinmgr.GroupID, error) {

	id, err := coinmgr.NewGroupID()
	if err != nil {
		return id, err
	}

	items := make([]coinmgr.RecoupItem, 0, len(coinPubs))
	for _, coinPub := range coinPubs {
		prev, err := w.coinMgr.ZeroCoin(tx, coinPub)
		if err != nil {
			return id, err
		}
		items = append(items, coinmgr.RecoupItem{
			CoinPub:   coinPub,
			OldAmount: prev,
			Finished:  prev.IsZero(),
		})
	}

	g := &coinmgr.RecoupGroup{
		ID:              id,
		ExchangeBaseURL: baseURL,
		Items:           items,
		TimestampStart:  time.Now(),
	}
	g.Retry.Start(time.Now())

	return id, w.coinMgr.PutRecoupGroup(tx, g)
}

// processRecoupGroup drives one pass over the group's items and, once all
// are finished, submits the follow-on refresh for the credited old coins.
func (w *Wallet) processRecoupGroup(ctx context.Context,
	id coinmgr.GroupID) error {

	var g *coinmgr.RecoupGroup
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		g, err = w.coinMgr.GetRecoupGroup(tx, id)
		return err
	})
	if err != nil {
		return err
	}
	if g.Finished() {
		return nil
	}

	timeout := exchclient.TimeoutForRetry(g.Retry.Counter)
	numDone, numErrors := 0, 0
	for i := range g.Items {
		item := &g.Items[i]
		if item.Finished {
			numDone++
			continue
		}
		if item.LastError != "" {
			numErrors++
			continue
		}

		done, permanent, err := w.recoupItem(ctx, g, i, timeout)
		if err != nil {
			return err
		}
		if done {
			numDone++
		}
		if permanent {
			numErrors++
		}
	}

	return w.finishRecoupGroup(id, len(g.Items), numDone, numErrors)
}

// recoupItem recovers one coin's value.  Withdrawn coins credit their
// funding reserve, refreshed coins credit the melted old coin, tip coins
// are unrecoverable and only reported.  The returned flags report item
// completion and a permanent failure respectively.
func (w *Wallet) recoupItem(ctx context.Context, g *coinmgr.RecoupGroup,
	itemIdx int, timeout time.Duration) (bool, bool, error) {

	item := &g.Items[itemIdx]

	var coin *coinmgr.Coin
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		coin, err = w.coinMgr.GetCoin(tx, item.CoinPub)
		return err
	})
	if err != nil {
		return false, false, err
	}

	switch coin.Source.Type {
	case coinmgr.SourceTip:
		// Tips have no funding reserve and no melted predecessor;
		// their value cannot be recovered.
		err := w.db.Update(func(tx walletdb.Tx) error {
			return w.finishRecoupItem(tx, g.ID, itemIdx, nil)
		})
		if err != nil {
			return false, false, err
		}
		log.Warnf("Coin %x from a tip is lost to revocation (%s)",
			coin.CoinPub[:8], item.OldAmount)
		w.NtfnServer.notify(RecoupTipLostNotification{
			CoinPub: coin.CoinPub,
			Lost:    item.OldAmount,
		})
		return true, false, nil

	case coinmgr.SourceWithdraw:
		return w.recoupWithdrawnCoin(ctx, g, itemIdx, coin, timeout)

	case coinmgr.SourceRefresh:
		return w.recoupRefreshedCoin(ctx, g, itemIdx, coin, timeout)

	default:
		return false, false, fmt.Errorf("wallet: coin %x has unknown "+
			"source type %d", coin.CoinPub[:8], coin.Source.Type)
	}
}

// recoupWithdrawnCoin submits the reserve-credit variant of the recoup and
// re-activates the funding reserve so the recovered value is withdrawn
// again.
func (w *Wallet) recoupWithdrawnCoin(ctx context.Context,
	g *coinmgr.RecoupGroup, itemIdx int, coin *coinmgr.Coin,
	timeout time.Duration) (bool, bool, error) {

	resp, err := w.postRecoup(ctx, g, coin, false, timeout)
	if err != nil {
		return false, false, err
	}

	if !bytes.Equal(resp.ReservePub, coin.Source.ReservePub) {
		return w.failRecoupItem(g.ID, itemIdx, fmt.Sprintf(
			"exchange credited reserve %x instead of %x",
			resp.ReservePub, coin.Source.ReservePub,
		))
	}

	err = w.db.Update(func(tx walletdb.Tx) error {
		if err := w.finishRecoupItem(tx, g.ID, itemIdx, nil); err != nil {
			return err
		}
		return w.forceQueryReserveTx(tx, coin.Source.ReservePub)
	})
	if err != nil {
		return false, false, err
	}
	log.Infof("Recouped coin %x into reserve %x", coin.CoinPub[:8],
		coin.Source.ReservePub[:8])
	w.Wake()
	return true, false, nil
}

// recoupRefreshedCoin submits the old-coin-credit variant of the recoup and
// queues the credited old coin for the group's follow-on refresh.
func (w *Wallet) recoupRefreshedCoin(ctx context.Context,
	g *coinmgr.RecoupGroup, itemIdx int, coin *coinmgr.Coin,
	timeout time.Duration) (bool, bool, error) {

	resp, err := w.postRecoup(ctx, g, coin, true, timeout)
	if err != nil {
		return false, false, err
	}

	if !bytes.Equal(resp.OldCoinPub, coin.Source.OldCoinPub) {
		return w.failRecoupItem(g.ID, itemIdx, fmt.Sprintf(
			"exchange credited old coin %x instead of %x",
			resp.OldCoinPub, coin.Source.OldCoinPub,
		))
	}

	item := &g.Items[itemIdx]
	err = w.db.Update(func(tx walletdb.Tx) error {
		err := w.coinMgr.CreditCoin(
			tx, coin.Source.OldCoinPub, item.OldAmount,
		)
		if err != nil {
			return err
		}
		return w.finishRecoupItem(
			tx, g.ID, itemIdx, coin.Source.OldCoinPub,
		)
	})
	if err != nil {
		return false, false, err
	}
	log.Infof("Recouped coin %x onto old coin %x", coin.CoinPub[:8],
		coin.Source.OldCoinPub[:8])
	return true, false, nil
}

// postRecoup submits the recoup request for one coin.
func (w *Wallet) postRecoup(ctx context.Context, g *coinmgr.RecoupGroup,
	coin *coinmgr.Coin, refreshed bool,
	timeout time.Duration) (*exchclient.RecoupResponse, error) {

	coinSig := talercrypto.SignRecoup(
		ed25519.PrivateKey(coin.CoinPriv), coin.DenomPubHash,
		coin.BlindingKey,
	)
	return w.client.PostRecoup(ctx, g.ExchangeBaseURL, coin.CoinPub,
		&exchclient.RecoupRequest{
			DenomPubHash: coin.DenomPubHash,
			DenomSig:     coin.DenomSig,
			CoinBlindKey: coin.BlindingKey,
			CoinSig:      coinSig,
			Refreshed:    refreshed,
		}, timeout)
}

// finishRecoupItem marks one item finished and, when refreshCoinPub is
// non-nil, queues it for the follow-on refresh.  The queue is deduplicated:
// several revoked coins may credit the same old coin.
func (w *Wallet) finishRecoupItem(tx walletdb.Tx, id coinmgr.GroupID,
	itemIdx int, refreshCoinPub []byte) error {

	stored, err := w.coinMgr.GetRecoupGroup(tx, id)
	if err != nil {
		return err
	}
	stored.Items[itemIdx].Finished = true
	if refreshCoinPub != nil {
		seen := false
		for _, pub := range stored.CoinsToRefresh {
			if bytes.Equal(pub, refreshCoinPub) {
				seen = true
				break
			}
		}
		if !seen {
			stored.CoinsToRefresh = append(
				stored.CoinsToRefresh, refreshCoinPub,
			)
		}
	}
	return w.coinMgr.PutRecoupGroup(tx, stored)
}

// failRecoupItem records a permanent per-item failure.
func (w *Wallet) failRecoupItem(id coinmgr.GroupID, itemIdx int,
	msg string) (bool, bool, error) {

	log.Errorf("Recoup group %v item %d failed permanently: %s", id,
		itemIdx, msg)
	err := w.db.Update(func(tx walletdb.Tx) error {
		stored, err := w.coinMgr.GetRecoupGroup(tx, id)
		if err != nil {
			return err
		}
		stored.Items[itemIdx].LastError = msg
		return w.coinMgr.PutRecoupGroup(tx, stored)
	})
	if err != nil {
		return false, false, err
	}
	return false, true, nil
}

// finishRecoupGroup records the group outcome once no item remains
// retryable, then submits the follow-on refresh of the credited old coins.
func (w *Wallet) finishRecoupGroup(id coinmgr.GroupID, total, numDone,
	numErrors int) error {

	if numDone+numErrors < total {
		return nil
	}

	var coinsToRefresh [][]byte
	err := w.db.Update(func(tx walletdb.Tx) error {
		g, err := w.coinMgr.GetRecoupGroup(tx, id)
		if err != nil {
			return err
		}
		if numErrors == 0 {
			g.TimestampFinish = time.Now()
			coinsToRefresh = g.CoinsToRefresh
		}
		g.Retry.Stop()
		return w.coinMgr.PutRecoupGroup(tx, g)
	})
	if err != nil {
		return err
	}

	if numErrors > 0 {
		log.Warnf("Recoup group %v stopped with %d failed items", id,
			numErrors)
		return nil
	}

	if len(coinsToRefresh) > 0 {
		_, err := w.CreateRefreshGroup(
			coinsToRefresh, coinmgr.RefreshReasonRecoup,
		)
		if err != nil {
			return err
		}
	}
	log.Infof("Recoup group %v finished", id)
	w.NtfnServer.notify(RecoupFinishedNotification{GroupID: id})
	return nil
}

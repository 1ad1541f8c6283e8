// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/exchclient"
	"github.com/talersuite/talerwallet/exchmgr"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
)

// CreateRefreshGroup zeroes the given coins and creates a refresh group that
// converts their remaining value into fresh coins.  Input coins must all
// belong to the same exchange.  Coins whose remainder cannot pay for any
// output denomination get an empty plan; their value is forfeited and
// reported via RefreshUnwarrantedNotification.
func (w *Wallet) CreateRefreshGroup(coinPubs [][]byte,
	reason coinmgr.RefreshReason) (*coinmgr.GroupID, error) {

	var (
		id          *coinmgr.GroupID
		unwarranted []RefreshUnwarrantedNotification
	)
	err := w.db.Update(func(tx walletdb.Tx) error {
		var err error
		id, unwarranted, err = w.createRefreshGroupTx(
			tx, coinPubs, reason,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, n := range unwarranted {
		log.Warnf("Coin %x remainder %s below refresh cost, forfeited",
			n.CoinPub[:8], n.Remainder)
		w.NtfnServer.notify(n)
	}
	if id != nil {
		log.Infof("Created refresh group %v (%s) over %d coins", *id,
			reason, len(coinPubs))
		w.Wake()
	}
	return id, nil
}

// createRefreshGroupTx is CreateRefreshGroup within an existing transaction.
// The returned notifications must be delivered by the caller after the
// transaction commits.
func (w *Wallet) createRefreshGroupTx(tx walletdb.Tx, coinPubs [][]byte,
	reason coinmgr.RefreshReason) (*coinmgr.GroupID,
	[]RefreshUnwarrantedNotification, error) {

	var (
		sessions    []coinmgr.RefreshSession
		unwarranted []RefreshUnwarrantedNotification
		baseURL     string
	)
	for _, coinPub := range coinPubs {
		coin, err := w.coinMgr.GetCoin(tx, coinPub)
		if err != nil {
			return nil, nil, err
		}
		if baseURL == "" {
			baseURL = coin.ExchangeBaseURL
		} else if baseURL != coin.ExchangeBaseURL {
			return nil, nil, errors.New("wallet: refresh group " +
				"spans multiple exchanges")
		}

		input, err := w.coinMgr.ZeroCoin(tx, coinPub)
		if err != nil {
			return nil, nil, err
		}
		if input.IsZero() {
			continue
		}

		denom, err := w.exchMgr.GetDenomination(
			tx, coin.ExchangeBaseURL, coin.DenomPubHash,
		)
		if err != nil {
			return nil, nil, err
		}
		candidates, err := w.exchMgr.UsableDenominations(
			tx, coin.ExchangeBaseURL, time.Now(),
		)
		if err != nil {
			return nil, nil, err
		}
		sel, err := refreshOutput(candidates, input, denom.FeeRefresh)
		if err != nil {
			return nil, nil, err
		}

		session := coinmgr.RefreshSession{
			OldCoinPub:   coinPub,
			InputAmount:  input,
			ValueWithFee: input,
		}
		if sel.Empty() {
			session.Finished = true
			unwarranted = append(unwarranted,
				RefreshUnwarrantedNotification{
					CoinPub:   coinPub,
					Remainder: input,
				})
		} else {
			session.SessionSeed, err = talercrypto.NewSeed()
			if err != nil {
				return nil, nil, err
			}
			session.NewDenomHashes = make([][]byte, len(sel.Denoms))
			for i, d := range sel.Denoms {
				session.NewDenomHashes[i] = d.DenomPubHash
			}
		}
		sessions = append(sessions, session)
	}

	if len(sessions) == 0 {
		return nil, unwarranted, nil
	}

	id, err := coinmgr.NewGroupID()
	if err != nil {
		return nil, nil, err
	}
	g := &coinmgr.RefreshGroup{
		ID:              id,
		ExchangeBaseURL: baseURL,
		Reason:          reason,
		Sessions:        sessions,
		TimestampStart:  time.Now(),
	}
	g.Retry.Start(time.Now())

	if err := w.coinMgr.PutRefreshGroup(tx, g); err != nil {
		return nil, nil, err
	}
	return &id, unwarranted, nil
}

// processRefreshGroup drives one pass over the group's sessions.  Melt and
// reveal are split by a durable write of the noreveal index so a crash
// between them never re-sends the melt.
func (w *Wallet) processRefreshGroup(ctx context.Context,
	id coinmgr.GroupID) error {

	var g *coinmgr.RefreshGroup
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		g, err = w.coinMgr.GetRefreshGroup(tx, id)
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
	for i := range g.Sessions {
		s := &g.Sessions[i]
		if s.Finished {
			numDone++
			continue
		}
		if s.LastError != "" {
			numErrors++
			continue
		}

		done, permanent, err := w.processRefreshSession(
			ctx, g, i, timeout,
		)
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

	return w.finishRefreshGroup(id, len(g.Sessions), numDone, numErrors)
}

// processRefreshSession melts and reveals one session.  The returned flags
// report session completion and a permanent failure respectively; an error
// return is transient.
func (w *Wallet) processRefreshSession(ctx context.Context,
	g *coinmgr.RefreshGroup, sessionIdx int,
	timeout time.Duration) (bool, bool, error) {

	s := &g.Sessions[sessionIdx]

	var (
		oldCoin   *coinmgr.Coin
		newDenoms []*exchmgr.Denomination
	)
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		oldCoin, err = w.coinMgr.GetCoin(tx, s.OldCoinPub)
		if err != nil {
			return err
		}
		_, err = w.exchMgr.GetDenomination(
			tx, g.ExchangeBaseURL, oldCoin.DenomPubHash,
		)
		if err != nil {
			return err
		}
		newDenoms = make([]*exchmgr.Denomination, len(s.NewDenomHashes))
		for i, h := range s.NewDenomHashes {
			newDenoms[i], err = w.exchMgr.GetDenomination(
				tx, g.ExchangeBaseURL, h,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}

	newDenomPubs := make([][]byte, len(newDenoms))
	for i, d := range newDenoms {
		newDenomPubs[i] = d.DenomPub
	}
	session, err := talercrypto.DeriveRefreshSession(
		s.SessionSeed, ed25519.PrivateKey(oldCoin.CoinPriv),
		newDenomPubs, s.ValueWithFee,
	)
	if err != nil {
		return false, false, err
	}
	// The session is re-derived from the stored seed on every attempt;
	// its secrets are wiped once the new coins are durable.
	defer session.Zero()

	if !s.Melted {
		resp, err := w.client.PostMelt(ctx, g.ExchangeBaseURL,
			s.OldCoinPub, &exchclient.MeltRequest{
				DenomPubHash: oldCoin.DenomPubHash,
				DenomSig:     oldCoin.DenomSig,
				ConfirmSig:   session.ConfirmSig,
				ValueWithFee: s.ValueWithFee,
				Rc:           session.SessionHash,
			}, timeout)
		if err != nil {
			return false, false, err
		}
		if resp.NorevealIndex >= talercrypto.Kappa {
			return false, false, fmt.Errorf("wallet: exchange "+
				"chose noreveal index %d outside cut-and-"+
				"choose range", resp.NorevealIndex)
		}

		// The noreveal index must be durable before the reveal is
		// attempted; once stored, this melt is never re-sent.
		s.Melted = true
		s.NorevealIndex = resp.NorevealIndex
		err = w.db.Update(func(tx walletdb.Tx) error {
			stored, err := w.coinMgr.GetRefreshGroup(tx, g.ID)
			if err != nil {
				return err
			}
			stored.Sessions[sessionIdx].Melted = true
			stored.Sessions[sessionIdx].NorevealIndex =
				resp.NorevealIndex
			return w.coinMgr.PutRefreshGroup(tx, stored)
		})
		if err != nil {
			return false, false, err
		}
	}

	return w.revealSession(ctx, g, sessionIdx, oldCoin, newDenoms,
		session, timeout)
}

// revealSession discloses the cut-and-choose transcripts and promotes the
// new coins of the hidden one.
func (w *Wallet) revealSession(ctx context.Context, g *coinmgr.RefreshGroup,
	sessionIdx int, oldCoin *coinmgr.Coin,
	newDenoms []*exchmgr.Denomination, session *talercrypto.RefreshSession,
	timeout time.Duration) (bool, bool, error) {

	s := &g.Sessions[sessionIdx]
	gamma := s.NorevealIndex
	planchets := session.Planchets[gamma]
	transferPub := session.TransferPubs[gamma]

	req := &exchclient.RevealRequest{
		TransferPub: transferPub,
	}
	for _, priv := range session.TransferPrivsForReveal(gamma) {
		req.TransferPrivs = append(req.TransferPrivs, priv)
	}
	for i, p := range planchets {
		req.NewDenomHashes = append(req.NewDenomHashes,
			newDenoms[i].DenomPubHash)
		req.CoinEvs = append(req.CoinEvs, p.CoinEv)
		req.LinkSigs = append(req.LinkSigs, talercrypto.SignCoinLink(
			ed25519.PrivateKey(oldCoin.CoinPriv),
			newDenoms[i].DenomPubHash, transferPub, p.CoinEv,
		))
	}

	resp, err := w.client.PostReveal(ctx, g.ExchangeBaseURL,
		session.SessionHash, req, timeout)
	if err != nil {
		return false, false, err
	}
	if len(resp.EvSigs) != len(planchets) {
		return false, false, fmt.Errorf("wallet: reveal returned %d "+
			"signatures for %d coins", len(resp.EvSigs),
			len(planchets))
	}

	numNew := 0
	err = w.db.Update(func(tx walletdb.Tx) error {
		for i, p := range planchets {
			denomSig, err := talercrypto.RsaUnblind(
				resp.EvSigs[i], p.BlindingKey,
				newDenoms[i].DenomPub,
			)
			if err == nil && !talercrypto.RsaVerify(
				p.CoinPub, denomSig, newDenoms[i].DenomPub,
			) {
				err = errVerifyFailed
			}
			if err != nil {
				log.Errorf("Refresh group %v session %d coin "+
					"%d: invalid denomination signature: "+
					"%v", g.ID, sessionIdx, i, err)
				return w.setRefreshSessionError(
					tx, g.ID, sessionIdx, err.Error(),
				)
			}

			coin := &coinmgr.Coin{
				CoinPub:         p.CoinPub,
				CoinPriv:        []byte(p.CoinPriv),
				BlindingKey:     p.BlindingKey,
				ExchangeBaseURL: g.ExchangeBaseURL,
				DenomPubHash:    newDenoms[i].DenomPubHash,
				DenomSig:        denomSig,
				DenomValue:      newDenoms[i].Value,
				CurrentAmount:   newDenoms[i].Value,
				Status:          coinmgr.CoinFresh,
				Source: coinmgr.CoinSource{
					Type:       coinmgr.SourceRefresh,
					GroupID:    g.ID,
					CoinIndex:  uint32(i),
					OldCoinPub: s.OldCoinPub,
				},
			}
			err = w.coinMgr.InsertCoin(tx, coin)
			if coinmgr.IsError(err, coinmgr.ErrDuplicateCoin) {
				// Reveal replay after a crash; the coin is
				// already in the ledger.
				continue
			}
			if err != nil {
				return err
			}
			numNew++
		}

		stored, err := w.coinMgr.GetRefreshGroup(tx, g.ID)
		if err != nil {
			return err
		}
		stored.Sessions[sessionIdx].Finished = true
		return w.coinMgr.PutRefreshGroup(tx, stored)
	})
	if err != nil {
		return false, false, err
	}

	// Re-read the session error flag: a verify failure above records the
	// error and commits without finishing the session.
	var permanent bool
	err = w.db.View(func(tx walletdb.Tx) error {
		stored, err := w.coinMgr.GetRefreshGroup(tx, g.ID)
		if err != nil {
			return err
		}
		permanent = stored.Sessions[sessionIdx].LastError != ""
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if permanent {
		return false, true, nil
	}

	if w.metrics != nil {
		w.metrics.CoinsRefreshed.Add(float64(numNew))
	}
	return true, false, nil
}

// setRefreshSessionError records a permanent per-session failure.
func (w *Wallet) setRefreshSessionError(tx walletdb.Tx, id coinmgr.GroupID,
	sessionIdx int, msg string) error {

	stored, err := w.coinMgr.GetRefreshGroup(tx, id)
	if err != nil {
		return err
	}
	stored.Sessions[sessionIdx].LastError = msg
	return w.coinMgr.PutRefreshGroup(tx, stored)
}

// finishRefreshGroup records the group outcome once no session remains
// retryable.
func (w *Wallet) finishRefreshGroup(id coinmgr.GroupID, total, numDone,
	numErrors int) error {

	if numDone+numErrors < total {
		return nil
	}

	err := w.db.Update(func(tx walletdb.Tx) error {
		g, err := w.coinMgr.GetRefreshGroup(tx, id)
		if err != nil {
			return err
		}
		if numErrors == 0 {
			g.TimestampFinish = time.Now()
		}
		g.Retry.Stop()
		return w.coinMgr.PutRefreshGroup(tx, g)
	})
	if err != nil {
		return err
	}

	if numErrors == 0 {
		log.Infof("Refresh group %v finished", id)
		w.NtfnServer.notify(RefreshFinishedNotification{GroupID: id})
	} else {
		log.Warnf("Refresh group %v stopped with %d failed sessions",
			id, numErrors)
	}
	return nil
}

// autoRefreshExecuteAt is the point in a denomination's lifetime at which a
// coin must be refreshed onto newer denominations: halfway between the end
// of the withdrawal window and the end of the deposit window.
func autoRefreshExecuteAt(d *exchmgr.Denomination) time.Time {
	if d.StampExpireWithdraw.IsZero() || d.StampExpireDeposit.IsZero() {
		return time.Time{}
	}
	span := d.StampExpireDeposit.Sub(d.StampExpireWithdraw)
	return d.StampExpireWithdraw.Add(span / 2)
}

// autoRefreshCheckAt is the deadline by which the scan must have looked at
// the coin again.  It trails the execute threshold so a scan at the deadline
// always finds the coin due.
func autoRefreshCheckAt(d *exchmgr.Denomination) time.Time {
	if d.StampExpireWithdraw.IsZero() || d.StampExpireDeposit.IsZero() {
		return time.Time{}
	}
	span := d.StampExpireDeposit.Sub(d.StampExpireWithdraw)
	return d.StampExpireWithdraw.Add(span * 3 / 4)
}

// runAutoRefreshScan finds fresh coins whose denomination is approaching
// deposit expiry and enqueues them for a scheduled refresh, one group per
// exchange.
func (w *Wallet) runAutoRefreshScan() error {
	now := time.Now()
	perExchange := make(map[string][][]byte)
	var nextCheck time.Time

	err := w.db.View(func(tx walletdb.Tx) error {
		return w.coinMgr.ForEachCoin(tx, func(c *coinmgr.Coin) error {
			if c.Status != coinmgr.CoinFresh || c.Suspended {
				return nil
			}
			denom, err := w.exchMgr.GetDenomination(
				tx, c.ExchangeBaseURL, c.DenomPubHash,
			)
			if err != nil {
				return err
			}
			execAt := autoRefreshExecuteAt(denom)
			if execAt.IsZero() {
				return nil
			}
			if now.Before(execAt) {
				at := autoRefreshCheckAt(denom)
				if nextCheck.IsZero() || at.Before(nextCheck) {
					nextCheck = at
				}
				return nil
			}
			perExchange[c.ExchangeBaseURL] = append(
				perExchange[c.ExchangeBaseURL], c.CoinPub,
			)
			return nil
		})
	})
	if err != nil {
		return err
	}
	if !nextCheck.IsZero() {
		log.Debugf("Next auto-refresh check due by %v", nextCheck)
	}

	for baseURL, coins := range perExchange {
		log.Infof("Auto-refresh: %d expiring coins at %s", len(coins),
			baseURL)
		_, err := w.CreateRefreshGroup(
			coins, coinmgr.RefreshReasonScheduled,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/exchclient"
	"github.com/talersuite/talerwallet/exchmgr"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
)

// createWithdrawalGroupTx creates the withdrawal group for the selection,
// reusing the reserve's pre-allocated initial group id on first use.  Runs
// inside the caller's transaction together with the reserve update.
func (w *Wallet) createWithdrawalGroupTx(tx walletdb.Tx,
	r *coinmgr.Reserve, sel *DenomSelection) (coinmgr.GroupID, error) {

	var id coinmgr.GroupID
	if !r.InitialGroupUsed {
		id = r.InitialGroupID
		r.InitialGroupUsed = true
	} else {
		var err error
		id, err = coinmgr.NewGroupID()
		if err != nil {
			return id, err
		}
	}

	seed, err := talercrypto.NewSeed()
	if err != nil {
		return id, err
	}

	plan := make([][]byte, len(sel.Denoms))
	for i, d := range sel.Denoms {
		plan[i] = d.DenomPubHash
	}

	g := &coinmgr.WithdrawalGroup{
		ID:              id,
		ReservePub:      r.ReservePub,
		ExchangeBaseURL: r.ExchangeBaseURL,
		RawAmount:       sel.TotalCost,
		TotalCoinValue:  sel.TotalCoinValue,
		TotalCost:       sel.TotalCost,
		SecretSeed:      seed,
		DenomPubHashes:  plan,
		TimestampStart:  time.Now(),
	}
	g.Retry.Start(time.Now())

	if err := w.coinMgr.PutWithdrawalGroup(tx, g); err != nil {
		return id, err
	}
	return id, w.coinMgr.PutReserve(tx, r)
}

// processWithdrawalGroup drives one pass over the group's planchets:
// derive, submit, unblind, verify and promote.  Every step is deterministic
// or guarded, so replaying after a crash neither repeats a submission's
// effects nor creates duplicate coins.
func (w *Wallet) processWithdrawalGroup(ctx context.Context,
	id coinmgr.GroupID) error {

	var (
		g       *coinmgr.WithdrawalGroup
		reserve *coinmgr.Reserve
	)
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		g, err = w.coinMgr.GetWithdrawalGroup(tx, id)
		if err != nil {
			return err
		}
		reserve, err = w.coinMgr.GetReserve(tx, g.ReservePub)
		return err
	})
	if err != nil {
		return err
	}
	if g.Finished() {
		return nil
	}

	// Stage the planchet records for every coin index that does not have
	// one yet.  The planchet data itself is re-derivable from the seed.
	err = w.db.Update(func(tx walletdb.Tx) error {
		for i := range g.DenomPubHashes {
			_, err := w.coinMgr.GetPlanchet(tx, id, uint32(i))
			if err == nil {
				continue
			}
			if !coinmgr.IsError(err, coinmgr.ErrPlanchetNotFound) {
				return err
			}
			p := &coinmgr.Planchet{
				GroupID:      id,
				CoinIndex:    uint32(i),
				DenomPubHash: g.DenomPubHashes[i],
			}
			if err := w.coinMgr.PutPlanchet(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	timeout := exchclient.TimeoutForRetry(g.Retry.Counter)
	numDone, numErrors := 0, 0
	for i := range g.DenomPubHashes {
		idx := uint32(i)

		var p *coinmgr.Planchet
		err := w.db.View(func(tx walletdb.Tx) error {
			var err error
			p, err = w.coinMgr.GetPlanchet(tx, id, idx)
			return err
		})
		if err != nil {
			return err
		}
		if p.Promoted {
			numDone++
			continue
		}
		if p.LastError != "" {
			numErrors++
			continue
		}

		done, permanent, err := w.withdrawPlanchet(
			ctx, g, reserve, idx, timeout,
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

	return w.finishWithdrawalGroup(id, len(g.DenomPubHashes), numDone,
		numErrors)
}

// withdrawPlanchet submits one planchet and promotes its coin.  The
// returned flags report a promoted coin and a permanent per-planchet
// failure respectively; an error return is transient.
func (w *Wallet) withdrawPlanchet(ctx context.Context,
	g *coinmgr.WithdrawalGroup, reserve *coinmgr.Reserve, idx uint32,
	timeout time.Duration) (bool, bool, error) {

	var denom *exchmgr.Denomination
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		denom, err = w.exchMgr.GetDenomination(
			tx, g.ExchangeBaseURL, g.DenomPubHashes[idx],
		)
		return err
	})
	if err != nil {
		return false, false, err
	}

	planchet, err := talercrypto.DerivePlanchet(
		g.SecretSeed, idx, denom.DenomPub,
	)
	if err != nil {
		return false, false, err
	}
	// The planchet is re-derived from the group seed on every attempt;
	// its secrets are wiped once the promoted coin is durable.
	defer planchet.Zero()

	reserveSig := talercrypto.SignWithdraw(
		ed25519.PrivateKey(reserve.ReservePriv),
		planchet.DenomPubHash, planchet.CoinEvHash,
	)
	resp, err := w.client.PostWithdraw(ctx, g.ExchangeBaseURL,
		reserve.ReservePub, &exchclient.WithdrawRequest{
			DenomPubHash: planchet.DenomPubHash,
			CoinEv:       planchet.CoinEv,
			ReserveSig:   reserveSig,
		}, timeout)
	if err != nil {
		return false, false, err
	}

	denomSig, err := talercrypto.RsaUnblind(
		resp.EvSig, planchet.BlindingKey, denom.DenomPub,
	)
	if err == nil && !talercrypto.RsaVerify(
		planchet.CoinPub, denomSig, denom.DenomPub,
	) {
		err = errVerifyFailed
	}
	if err != nil {
		// A signature the exchange cannot make valid by retrying:
		// record a permanent per-planchet error.
		log.Errorf("Withdrawal group %v planchet %d: invalid "+
			"denomination signature: %v", g.ID, idx, err)
		updateErr := w.db.Update(func(tx walletdb.Tx) error {
			return w.coinMgr.SetPlanchetError(
				tx, g.ID, idx, err.Error(),
			)
		})
		if updateErr != nil {
			return false, false, updateErr
		}
		return false, true, nil
	}

	coin := &coinmgr.Coin{
		CoinPub:         planchet.CoinPub,
		CoinPriv:        []byte(planchet.CoinPriv),
		BlindingKey:     planchet.BlindingKey,
		ExchangeBaseURL: g.ExchangeBaseURL,
		DenomPubHash:    denom.DenomPubHash,
		DenomSig:        denomSig,
		DenomValue:      denom.Value,
		CurrentAmount:   denom.Value,
		Status:          coinmgr.CoinFresh,
		Source: coinmgr.CoinSource{
			Type:       coinmgr.SourceWithdraw,
			ReservePub: reserve.ReservePub,
			GroupID:    g.ID,
			CoinIndex:  idx,
		},
	}
	err = w.db.Update(func(tx walletdb.Tx) error {
		already, err := w.coinMgr.PromotePlanchet(tx, g.ID, idx, coin)
		if err != nil {
			return err
		}
		if already {
			log.Debugf("Withdrawal group %v planchet %d already "+
				"promoted", g.ID, idx)
		}
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return true, false, nil
}

// finishWithdrawalGroup records the group outcome: finished when every
// planchet promoted, incomplete when permanent errors remain.
func (w *Wallet) finishWithdrawalGroup(id coinmgr.GroupID, total, numDone,
	numErrors int) error {

	switch {
	case numDone == total:
		err := w.db.Update(func(tx walletdb.Tx) error {
			g, err := w.coinMgr.GetWithdrawalGroup(tx, id)
			if err != nil {
				return err
			}
			g.TimestampFinish = time.Now()
			g.Retry.Stop()
			return w.coinMgr.PutWithdrawalGroup(tx, g)
		})
		if err != nil {
			return err
		}
		log.Infof("Withdrawal group %v finished with %d coins", id,
			numDone)
		if w.metrics != nil {
			w.metrics.CoinsWithdrawn.Add(float64(numDone))
		}
		w.NtfnServer.notify(WithdrawFinishedNotification{
			GroupID:  id,
			NumCoins: numDone,
		})
		return nil

	case numDone+numErrors == total:
		// Nothing left to retry, but the group must not silently
		// finish short: report the partial failure and deactivate.
		err := w.db.Update(func(tx walletdb.Tx) error {
			g, err := w.coinMgr.GetWithdrawalGroup(tx, id)
			if err != nil {
				return err
			}
			g.Retry.Stop()
			return w.coinMgr.PutWithdrawalGroup(tx, g)
		})
		if err != nil {
			return err
		}
		log.Warnf("Withdrawal group %v incomplete: %d coins, %d "+
			"permanent errors", id, numDone, numErrors)
		w.NtfnServer.notify(WithdrawIncompleteNotification{
			GroupID:   id,
			NumCoins:  numDone,
			NumErrors: numErrors,
		})
		return nil

	default:
		// Remaining planchets without permanent errors; the retry
		// state keeps the group scheduled.
		return nil
	}
}

// errVerifyFailed marks an exchange signature that did not verify against
// the denomination public key.
var errVerifyFailed = verifyError{}

type verifyError struct{}

func (verifyError) Error() string {
	return "denomination signature verification failed"
}

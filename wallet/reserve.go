// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/exchclient"
	"github.com/talersuite/talerwallet/talercrypto"
	"github.com/talersuite/talerwallet/walletdb"
)

// CreateReserveRequest describes a new reserve.
type CreateReserveRequest struct {
	ExchangeBaseURL string
	Amount          amount.Amount

	// BankStatusURL is set for bank-integrated withdrawals; it doubles
	// as the de-duplication key.
	BankStatusURL string

	// BankConfirmURL is the bank's confirmation page, if known.
	BankConfirmURL string
}

// CreateReserve generates a fresh reserve key pair, pre-allocates the
// initial withdrawal group id and persists the reserve.  If a reserve for
// the same bank status URL already exists it is returned instead of
// creating a duplicate.  Processing starts asynchronously on the scheduler.
func (w *Wallet) CreateReserve(
	req *CreateReserveRequest) (*coinmgr.Reserve, error) {

	kp, err := talercrypto.CreateEddsaKeyPair()
	if err != nil {
		return nil, err
	}
	initialGroupID, err := coinmgr.NewGroupID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	reserve := &coinmgr.Reserve{
		ReservePub:       []byte(kp.Pub),
		ReservePriv:      []byte(kp.Priv),
		ExchangeBaseURL:  req.ExchangeBaseURL,
		InstructedAmount: req.Amount,
		Status:           coinmgr.ReserveQueryingStatus,
		InitialGroupID:   initialGroupID,
		TimestampCreated: now,
	}
	if req.BankStatusURL != "" {
		reserve.Status = coinmgr.ReserveRegisteringBank
		reserve.Bank = fn.Some(coinmgr.BankInfo{
			StatusURL:  req.BankStatusURL,
			ConfirmURL: req.BankConfirmURL,
		})
	}
	reserve.Retry.Start(now)

	var existing *coinmgr.Reserve
	err = w.db.Update(func(tx walletdb.Tx) error {
		if req.BankStatusURL != "" {
			prev, err := w.coinMgr.ReserveByBankURL(
				tx, req.BankStatusURL,
			)
			if err == nil {
				existing = prev
				return nil
			}
			if !coinmgr.IsError(err, coinmgr.ErrReserveNotFound) {
				return err
			}
		}
		return w.coinMgr.PutReserve(tx, reserve)
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Debugf("Reusing reserve %x for bank URL %s",
			existing.ReservePub[:8], req.BankStatusURL)
		return existing, nil
	}

	log.Infof("Created reserve %x at %s over %s", reserve.ReservePub[:8],
		req.ExchangeBaseURL, req.Amount)
	w.NtfnServer.notify(ReserveStatusNotification{
		ReservePub: reserve.ReservePub,
		Status:     reserve.Status,
	})
	w.Wake()
	return reserve, nil
}

// ForceQueryReserve resets the reserve's retry state and re-enters
// QueryingStatus immediately.  Used after external triggers, e.g. a
// just-completed recoup that freed balance.
func (w *Wallet) ForceQueryReserve(reservePub []byte) error {
	err := w.db.Update(func(tx walletdb.Tx) error {
		return w.forceQueryReserveTx(tx, reservePub)
	})
	if err != nil {
		return err
	}
	w.Wake()
	return nil
}

// forceQueryReserveTx is ForceQueryReserve within an existing transaction.
func (w *Wallet) forceQueryReserveTx(tx walletdb.Tx,
	reservePub []byte) error {

	r, err := w.coinMgr.GetReserve(tx, reservePub)
	if err != nil {
		return err
	}
	switch r.Status {
	case coinmgr.ReserveBankAborted:
		// Terminal; nothing to pick up.
		return nil
	}
	r.Status = coinmgr.ReserveQueryingStatus
	r.Retry.Reset(time.Now())
	return w.coinMgr.PutReserve(tx, r)
}

// processReserve drives one step of the reserve state machine.
func (w *Wallet) processReserve(ctx context.Context,
	reservePub []byte) error {

	var r *coinmgr.Reserve
	err := w.db.View(func(tx walletdb.Tx) error {
		var err error
		r, err = w.coinMgr.GetReserve(tx, reservePub)
		return err
	})
	if err != nil {
		return err
	}

	timeout := exchclient.TimeoutForRetry(r.Retry.Counter)
	switch r.Status {
	case coinmgr.ReserveRegisteringBank:
		return w.reserveRegisterBank(ctx, r, timeout)
	case coinmgr.ReserveWaitConfirmBank:
		return w.reserveConfirmBank(ctx, r, timeout)
	case coinmgr.ReserveQueryingStatus:
		return w.reserveQueryStatus(ctx, r, timeout)
	case coinmgr.ReserveDormant, coinmgr.ReserveBankAborted:
		return w.db.Update(func(tx walletdb.Tx) error {
			r, err := w.coinMgr.GetReserve(tx, reservePub)
			if err != nil {
				return err
			}
			r.Retry.Stop()
			return w.coinMgr.PutReserve(tx, r)
		})
	}
	return nil
}

// reserveRegisterBank posts the reserve selection to the bank.
func (w *Wallet) reserveRegisterBank(ctx context.Context,
	r *coinmgr.Reserve, timeout time.Duration) error {

	bank := r.Bank.UnwrapOr(coinmgr.BankInfo{})
	if bank.StatusURL == "" {
		return errors.New("wallet: reserve in RegisteringBank " +
			"without bank info")
	}

	err := w.client.RegisterReserveWithBank(ctx, bank.StatusURL,
		&exchclient.BankRegisterRequest{
			ReservePub:       r.ReservePub,
			SelectedExchange: r.ExchangeBaseURL,
		}, timeout)
	if err != nil {
		return err
	}

	return w.reserveTransition(r.ReservePub,
		coinmgr.ReserveWaitConfirmBank)
}

// reserveConfirmBank polls the bank until the user confirms or aborts the
// withdrawal.
func (w *Wallet) reserveConfirmBank(ctx context.Context, r *coinmgr.Reserve,
	timeout time.Duration) error {

	bank := r.Bank.UnwrapOr(coinmgr.BankInfo{})
	status, err := w.client.GetBankWithdrawalStatus(
		ctx, bank.StatusURL, timeout,
	)
	if err != nil {
		return err
	}

	switch {
	case status.Aborted:
		log.Warnf("Bank aborted withdrawal for reserve %x",
			r.ReservePub[:8])
		return w.reserveTransition(r.ReservePub,
			coinmgr.ReserveBankAborted)

	case status.TransferDone:
		return w.reserveTransition(r.ReservePub,
			coinmgr.ReserveQueryingStatus)

	default:
		// Still waiting on the user; back off without counting a
		// failure.
		return w.db.Update(func(tx walletdb.Tx) error {
			stored, err := w.coinMgr.GetReserve(tx, r.ReservePub)
			if err != nil {
				return err
			}
			stored.Retry.Backoff(time.Now())
			return w.coinMgr.PutReserve(tx, stored)
		})
	}
}

// reserveTransition moves the reserve to the given status and resets its
// retry state for the new phase.
func (w *Wallet) reserveTransition(reservePub []byte,
	status coinmgr.ReserveStatus) error {

	err := w.db.Update(func(tx walletdb.Tx) error {
		r, err := w.coinMgr.GetReserve(tx, reservePub)
		if err != nil {
			return err
		}
		r.Status = status
		switch status {
		case coinmgr.ReserveDormant, coinmgr.ReserveBankAborted:
			r.Retry.Stop()
		default:
			r.Retry.Reset(time.Now())
		}
		return w.coinMgr.PutReserve(tx, r)
	})
	if err != nil {
		return err
	}

	w.NtfnServer.notify(ReserveStatusNotification{
		ReservePub: reservePub,
		Status:     status,
	})
	return nil
}

// reserveQueryStatus polls the exchange for the reserve balance and, when
// enough remains for a non-empty denomination selection, creates the next
// withdrawal group.
func (w *Wallet) reserveQueryStatus(ctx context.Context, r *coinmgr.Reserve,
	timeout time.Duration) error {

	status, err := w.client.GetReserveStatus(
		ctx, r.ExchangeBaseURL, r.ReservePub, timeout,
	)
	if errors.Is(err, exchclient.ErrReserveUnknown) {
		// The bank transfer has not landed yet; reset the timer
		// without counting a failure.
		return w.db.Update(func(tx walletdb.Tx) error {
			stored, err := w.coinMgr.GetReserve(tx, r.ReservePub)
			if err != nil {
				return err
			}
			stored.Retry.Backoff(time.Now())
			return w.coinMgr.PutReserve(tx, stored)
		})
	}
	if err != nil {
		return err
	}

	var groupID *coinmgr.GroupID
	err = w.db.Update(func(tx walletdb.Tx) error {
		stored, err := w.coinMgr.GetReserve(tx, r.ReservePub)
		if err != nil {
			return err
		}

		available, err := w.reserveAvailable(tx, stored, status)
		if err != nil {
			return err
		}

		candidates, err := w.exchMgr.UsableDenominations(
			tx, stored.ExchangeBaseURL, time.Now(),
		)
		if err != nil {
			return err
		}
		sel, err := selectDenominations(candidates, available)
		if err != nil {
			return err
		}

		if sel.Empty() {
			stored.Status = coinmgr.ReserveDormant
			stored.Retry.Stop()
			return w.coinMgr.PutReserve(tx, stored)
		}

		id, err := w.createWithdrawalGroupTx(tx, stored, sel)
		if err != nil {
			return err
		}
		groupID = &id
		return nil
	})
	if err != nil {
		return err
	}

	if groupID != nil {
		log.Infof("Reserve %x created withdrawal group %v",
			r.ReservePub[:8], *groupID)
		w.Wake()
	} else {
		w.NtfnServer.notify(ReserveStatusNotification{
			ReservePub: r.ReservePub,
			Status:     coinmgr.ReserveDormant,
		})
	}
	return nil
}

// reserveAvailable computes the reserve's net available amount from the
// exchange-reported history: credits and recoups, minus closings, minus
// what existing withdrawal groups for this reserve already consume.
func (w *Wallet) reserveAvailable(tx walletdb.Tx, r *coinmgr.Reserve,
	status *exchclient.ReserveStatusResponse) (amount.Amount, error) {

	currency := r.InstructedAmount.Currency
	available := amount.Zero(currency)
	var err error

	for _, item := range status.History {
		switch item.Type {
		case exchclient.ReserveHistoryCredit,
			exchclient.ReserveHistoryRecoup:

			available, err = available.Add(item.Amount)

		case exchclient.ReserveHistoryClosing:
			available, err = available.SubSaturating(item.Amount)
		}
		if err != nil {
			return amount.Amount{}, err
		}
	}

	err = w.coinMgr.ForEachWithdrawalGroup(tx,
		func(g *coinmgr.WithdrawalGroup) error {
			if !bytes.Equal(g.ReservePub, r.ReservePub) {
				return nil
			}
			var subErr error
			available, subErr = available.SubSaturating(g.TotalCost)
			return subErr
		})
	if err != nil {
		return amount.Amount{}, err
	}
	return available, nil
}

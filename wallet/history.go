// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sort"
	"time"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/walletdb"
)

// HistoryEventType classifies a wallet history event.
type HistoryEventType string

const (
	// HistoryReserveCreated marks the creation of a reserve.
	HistoryReserveCreated HistoryEventType = "reserve-created"

	// HistoryWithdrawn marks a completed withdrawal group.
	HistoryWithdrawn HistoryEventType = "withdrawn"

	// HistoryRefreshed marks a completed refresh group.
	HistoryRefreshed HistoryEventType = "refreshed"

	// HistoryRecouped marks a completed recoup group.
	HistoryRecouped HistoryEventType = "recouped"
)

// HistoryEvent is one entry of the wallet's transaction history, projected
// from the stored reserve and group records.
type HistoryEvent struct {
	Type            HistoryEventType
	Timestamp       time.Time
	ExchangeBaseURL string

	// Amount is the value the event moved: the instructed amount for
	// reserves, the total coin value for withdrawals, the summed input
	// for refreshes and recoups.
	Amount amount.Amount

	// ReservePub is set for reserve events.
	ReservePub []byte

	// GroupID is set for group events.
	GroupID *coinmgr.GroupID
}

// History projects the wallet's stored records into a chronological event
// list.  Unfinished groups are omitted; the pending operations view is the
// scheduler's, not the history's.
func (w *Wallet) History() ([]HistoryEvent, error) {
	var events []HistoryEvent

	err := w.db.View(func(tx walletdb.Tx) error {
		err := w.coinMgr.ForEachReserve(tx,
			func(r *coinmgr.Reserve) error {
				events = append(events, HistoryEvent{
					Type:            HistoryReserveCreated,
					Timestamp:       r.TimestampCreated,
					ExchangeBaseURL: r.ExchangeBaseURL,
					Amount:          r.InstructedAmount,
					ReservePub:      r.ReservePub,
				})
				return nil
			})
		if err != nil {
			return err
		}

		err = w.coinMgr.ForEachWithdrawalGroup(tx,
			func(g *coinmgr.WithdrawalGroup) error {
				if !g.Finished() {
					return nil
				}
				id := g.ID
				events = append(events, HistoryEvent{
					Type:            HistoryWithdrawn,
					Timestamp:       g.TimestampFinish,
					ExchangeBaseURL: g.ExchangeBaseURL,
					Amount:          g.TotalCoinValue,
					GroupID:         &id,
				})
				return nil
			})
		if err != nil {
			return err
		}

		err = w.coinMgr.ForEachRefreshGroup(tx,
			func(g *coinmgr.RefreshGroup) error {
				if !g.Finished() {
					return nil
				}
				total, err := refreshGroupInput(g)
				if err != nil {
					return err
				}
				id := g.ID
				events = append(events, HistoryEvent{
					Type:            HistoryRefreshed,
					Timestamp:       g.TimestampFinish,
					ExchangeBaseURL: g.ExchangeBaseURL,
					Amount:          total,
					GroupID:         &id,
				})
				return nil
			})
		if err != nil {
			return err
		}

		return w.coinMgr.ForEachRecoupGroup(tx,
			func(g *coinmgr.RecoupGroup) error {
				if !g.Finished() {
					return nil
				}
				total, err := recoupGroupInput(g)
				if err != nil {
					return err
				}
				id := g.ID
				events = append(events, HistoryEvent{
					Type:            HistoryRecouped,
					Timestamp:       g.TimestampFinish,
					ExchangeBaseURL: g.ExchangeBaseURL,
					Amount:          total,
					GroupID:         &id,
				})
				return nil
			})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// refreshGroupInput sums the input amounts of the group's sessions.
func refreshGroupInput(g *coinmgr.RefreshGroup) (amount.Amount, error) {
	if len(g.Sessions) == 0 {
		return amount.Amount{}, nil
	}
	total := g.Sessions[0].InputAmount
	var err error
	for _, s := range g.Sessions[1:] {
		total, err = total.Add(s.InputAmount)
		if err != nil {
			return amount.Amount{}, err
		}
	}
	return total, nil
}

// recoupGroupInput sums the snapshotted amounts of the group's items.
func recoupGroupInput(g *coinmgr.RecoupGroup) (amount.Amount, error) {
	if len(g.Items) == 0 {
		return amount.Amount{}, nil
	}
	total := g.Items[0].OldAmount
	var err error
	for _, item := range g.Items[1:] {
		total, err = total.Add(item.OldAmount)
		if err != nil {
			return amount.Amount{}, err
		}
	}
	return total, nil
}

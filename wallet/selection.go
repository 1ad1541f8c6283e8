// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"sort"

	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/exchmgr"
)

// DenomSelection is a denomination plan: one entry per planned coin, in
// selection order, together with the plan's totals.
type DenomSelection struct {
	// Denoms holds one denomination reference per planned coin.
	Denoms []*exchmgr.Denomination

	// TotalCoinValue is the face value of all planned coins.
	TotalCoinValue amount.Amount

	// TotalCost is what the funding source is charged: the coin values
	// plus each coin's withdraw fee.
	TotalCost amount.Amount
}

// Empty reports whether no denomination fit the target amount.  An empty
// selection means "insufficient withdrawable amount"; callers treat it as
// retry-later, not as a hard error, since new denominations may appear.
func (s *DenomSelection) Empty() bool {
	return len(s.Denoms) == 0
}

// selectDenominations plans coins for the target amount from the given
// candidates: sort by descending face value, then greedily take as many
// coins of each denomination as fit the remaining amount, counting each
// coin's withdraw fee against the budget.  Greedy by value is intentional:
// it minimizes coin count by preferring fewer, larger coins, and is not a
// cost-optimal solver.
func selectDenominations(candidates []*exchmgr.Denomination,
	target amount.Amount) (*DenomSelection, error) {

	sorted := make([]*exchmgr.Denomination, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Value.Cmp(sorted[j].Value) > 0
	})

	sel := &DenomSelection{
		TotalCoinValue: amount.Zero(target.Currency),
		TotalCost:      amount.Zero(target.Currency),
	}
	remaining := target

	for _, d := range sorted {
		cost, err := d.Value.Add(d.FeeWithdraw)
		if err != nil {
			return nil, err
		}
		for remaining.Cmp(cost) >= 0 {
			remaining, err = remaining.Sub(cost)
			if err != nil {
				return nil, err
			}
			sel.Denoms = append(sel.Denoms, d)
			sel.TotalCoinValue, err = sel.TotalCoinValue.Add(d.Value)
			if err != nil {
				return nil, err
			}
			sel.TotalCost, err = sel.TotalCost.Add(cost)
			if err != nil {
				return nil, err
			}
		}
	}
	return sel, nil
}

// refreshOutput plans the coins obtainable by refreshing a remainder: the
// old denomination's refresh fee comes off the top, then the regular
// selection runs on what is left.
func refreshOutput(candidates []*exchmgr.Denomination, remainder,
	feeRefresh amount.Amount) (*DenomSelection, error) {

	budget, err := remainder.SubSaturating(feeRefresh)
	if err != nil {
		return nil, err
	}
	return selectDenominations(candidates, budget)
}

// refreshLoss computes the value lost by refreshing a coin with the given
// remainder: the remainder minus the best achievable output.  Call sites use
// this for "is refreshing worth it" checks; it is not protocol-authoritative.
func refreshLoss(candidates []*exchmgr.Denomination, remainder,
	feeRefresh amount.Amount) (amount.Amount, error) {

	sel, err := refreshOutput(candidates, remainder, feeRefresh)
	if err != nil {
		return amount.Amount{}, err
	}
	return remainder.SubSaturating(sel.TotalCoinValue)
}

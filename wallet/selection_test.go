// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/talersuite/talerwallet/amount"
	"github.com/talersuite/talerwallet/exchmgr"
)

// testDenomCandidate builds a selection candidate with the given value and
// withdraw fee.
func testDenomCandidate(t *testing.T, value, feeWithdraw,
	feeRefresh string) *exchmgr.Denomination {

	t.Helper()
	return &exchmgr.Denomination{
		DenomPubHash: []byte(value + "|" + feeWithdraw),
		Value:        amount.MustParse(value),
		FeeWithdraw:  amount.MustParse(feeWithdraw),
		FeeRefresh:   amount.MustParse(feeRefresh),
		IsOffered:    true,
	}
}

// TestSelectDenominationsGreedy checks that a KUDOS:10 target against free
// denominations of 8, 2 and 1 picks exactly one 8 and one 2.
func TestSelectDenominationsGreedy(t *testing.T) {
	t.Parallel()

	candidates := []*exchmgr.Denomination{
		testDenomCandidate(t, "KUDOS:1", "KUDOS:0", "KUDOS:0"),
		testDenomCandidate(t, "KUDOS:8", "KUDOS:0", "KUDOS:0"),
		testDenomCandidate(t, "KUDOS:2", "KUDOS:0", "KUDOS:0"),
	}

	sel, err := selectDenominations(
		candidates, amount.MustParse("KUDOS:10"),
	)
	require.NoError(t, err)

	require.Len(t, sel.Denoms, 2)
	require.Equal(t, amount.MustParse("KUDOS:8"), sel.Denoms[0].Value)
	require.Equal(t, amount.MustParse("KUDOS:2"), sel.Denoms[1].Value)
	require.Equal(t, amount.MustParse("KUDOS:10"), sel.TotalCoinValue)
	require.Equal(t, amount.MustParse("KUDOS:10"), sel.TotalCost)
}

// TestSelectDenominationsFees checks that each coin's withdraw fee counts
// against the budget.
func TestSelectDenominationsFees(t *testing.T) {
	t.Parallel()

	candidates := []*exchmgr.Denomination{
		testDenomCandidate(t, "KUDOS:1", "KUDOS:0.1", "KUDOS:0"),
	}

	sel, err := selectDenominations(
		candidates, amount.MustParse("KUDOS:2.2"),
	)
	require.NoError(t, err)

	require.Len(t, sel.Denoms, 2)
	require.Equal(t, amount.MustParse("KUDOS:2"), sel.TotalCoinValue)
	require.Equal(t, amount.MustParse("KUDOS:2.2"), sel.TotalCost)
}

// TestSelectDenominationsEmpty checks that a target below every
// denomination's cost yields an empty selection, not an error.
func TestSelectDenominationsEmpty(t *testing.T) {
	t.Parallel()

	candidates := []*exchmgr.Denomination{
		testDenomCandidate(t, "KUDOS:1", "KUDOS:0.01", "KUDOS:0"),
	}

	sel, err := selectDenominations(
		candidates, amount.MustParse("KUDOS:0.5"),
	)
	require.NoError(t, err)
	require.True(t, sel.Empty())
	require.True(t, sel.TotalCoinValue.IsZero())
}

// TestRefreshOutput checks the refresh planning arithmetic: a KUDOS:1.5
// remainder with a KUDOS:0.02 refresh fee leaves a 1.48 budget, from which
// two KUDOS:0.73 coins are planned.
func TestRefreshOutput(t *testing.T) {
	t.Parallel()

	candidates := []*exchmgr.Denomination{
		testDenomCandidate(t, "KUDOS:4", "KUDOS:0", "KUDOS:0.02"),
		testDenomCandidate(t, "KUDOS:0.73", "KUDOS:0", "KUDOS:0.02"),
	}

	sel, err := refreshOutput(
		candidates, amount.MustParse("KUDOS:1.5"),
		amount.MustParse("KUDOS:0.02"),
	)
	require.NoError(t, err)

	require.Len(t, sel.Denoms, 2)
	require.Equal(t, amount.MustParse("KUDOS:1.46"), sel.TotalCoinValue)

	loss, err := refreshLoss(
		candidates, amount.MustParse("KUDOS:1.5"),
		amount.MustParse("KUDOS:0.02"),
	)
	require.NoError(t, err)
	require.Equal(t, amount.MustParse("KUDOS:0.04"), loss)
}

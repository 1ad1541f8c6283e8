// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/exchmgr"
	"github.com/talersuite/talerwallet/retry"
	"github.com/talersuite/talerwallet/walletdb"
)

// maxSchedulerSleep bounds how long the scheduler sleeps when nothing is
// pending, so records touched outside the wake channel are still picked up.
const maxSchedulerSleep = retry.MaxDelay

// pendingOp is one due operation collected from the database.
type pendingOp struct {
	scope OperationScope

	// id identifies the record within its scope, e.g. a base URL or a
	// group id in hex.
	id string

	run func(ctx context.Context) error

	// recordFailure persists the failed attempt on the record's retry
	// state.
	recordFailure func(tx walletdb.Tx, now time.Time, opErr error) error
}

// key returns the singleflight key of the operation.
func (op *pendingOp) key() string {
	return op.scope.String() + "|" + op.id
}

// schedulerLoop repeatedly collects due operations, runs them, and sleeps
// until the earliest next retry time or an explicit wake.
func (w *Wallet) schedulerLoop() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.quit
		cancel()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.quit:
			return
		case <-timer.C:
		case <-w.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		now := time.Now()
		ops, nextWake, err := w.collectPendingOps(now)
		if err != nil {
			log.Errorf("Unable to collect pending operations: %v",
				err)
			timer.Reset(retry.BaseDelay)
			continue
		}
		if w.metrics != nil {
			w.metrics.PendingOps.Set(float64(len(ops)))
		}

		for _, op := range ops {
			if w.ShuttingDown() {
				return
			}
			w.runOp(ctx, op)
		}

		sleep := maxSchedulerSleep
		if !nextWake.IsZero() {
			if d := time.Until(nextWake); d < sleep {
				sleep = d
			}
		}
		if len(ops) > 0 {
			// Operations may have scheduled follow-up work; take
			// another look right away.
			sleep = 0
		}
		if sleep < 0 {
			sleep = 0
		}
		// Jitter the sleep by up to 10% either way so a fleet of
		// wallets does not synchronize retries against a recovering
		// exchange.  Stored retry timestamps are not jittered.
		if sleep > time.Second {
			jitter := time.Duration(rand.Int63n(int64(sleep / 5)))
			sleep = sleep - sleep/10 + jitter
		}
		timer.Reset(sleep)
	}
}

// runOp executes one operation, memoized by record key so each record has at
// most one execution at a time, and records failures on its retry state.
func (w *Wallet) runOp(ctx context.Context, op *pendingOp) {
	_, err, _ := w.ops.Do(op.key(), func() (res interface{}, opErr error) {
		defer func() {
			if r := recover(); r != nil {
				opErr = fmt.Errorf("wallet: panic in %s "+
					"operation: %v", op.scope, r)
				log.Criticalf("%v\n%s", opErr, debug.Stack())
			}
		}()
		return nil, op.run(ctx)
	})
	if err == nil {
		return
	}

	log.Warnf("Operation %s failed: %v", op.key(), err)
	now := time.Now()
	dbErr := w.db.Update(func(tx walletdb.Tx) error {
		return op.recordFailure(tx, now, err)
	})
	if dbErr != nil {
		log.Errorf("Unable to record failure of %s: %v", op.key(),
			dbErr)
	}
	if w.metrics != nil {
		w.metrics.OperationErrors.WithLabelValues(
			op.scope.String(),
		).Inc()
	}
	w.NtfnServer.notify(OperationErrorNotification{
		Scope: op.scope,
		ID:    op.id,
		Hint:  err.Error(),
	})
}

// collectPendingOps scans all record types for due retry states.  It returns
// the due operations and the earliest future retry time among the rest.
func (w *Wallet) collectPendingOps(now time.Time) ([]*pendingOp, time.Time,
	error) {

	var (
		ops      []*pendingOp
		nextWake time.Time
	)
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if nextWake.IsZero() || t.Before(nextWake) {
			nextWake = t
		}
	}

	err := w.db.View(func(tx walletdb.Tx) error {
		err := w.exchMgr.ForEachExchange(tx,
			func(e *exchmgr.Exchange) error {
				naturalDue := e.Status == exchmgr.StatusFinished &&
					!e.NextRefresh.IsZero() &&
					!e.NextRefresh.After(now)
				if e.Retry.Due(now) || naturalDue {
					ops = append(ops, w.exchangeOp(e.BaseURL))
					return nil
				}
				if e.Retry.Active {
					consider(e.Retry.NextRetry)
				}
				if e.Status == exchmgr.StatusFinished {
					consider(e.NextRefresh)
				}
				return nil
			})
		if err != nil {
			return err
		}

		err = w.coinMgr.ForEachReserve(tx,
			func(r *coinmgr.Reserve) error {
				if r.Retry.Due(now) {
					ops = append(ops, w.reserveOp(r.ReservePub))
				} else if r.Retry.Active {
					consider(r.Retry.NextRetry)
				}
				return nil
			})
		if err != nil {
			return err
		}

		err = w.coinMgr.ForEachWithdrawalGroup(tx,
			func(g *coinmgr.WithdrawalGroup) error {
				if g.Retry.Due(now) {
					ops = append(ops, w.withdrawOp(g.ID))
				} else if g.Retry.Active {
					consider(g.Retry.NextRetry)
				}
				return nil
			})
		if err != nil {
			return err
		}

		err = w.coinMgr.ForEachRefreshGroup(tx,
			func(g *coinmgr.RefreshGroup) error {
				if g.Retry.Due(now) {
					ops = append(ops, w.refreshOp(g.ID))
				} else if g.Retry.Active {
					consider(g.Retry.NextRetry)
				}
				return nil
			})
		if err != nil {
			return err
		}

		return w.coinMgr.ForEachRecoupGroup(tx,
			func(g *coinmgr.RecoupGroup) error {
				if g.Retry.Due(now) {
					ops = append(ops, w.recoupOp(g.ID))
				} else if g.Retry.Active {
					consider(g.Retry.NextRetry)
				}
				return nil
			})
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return ops, nextWake, nil
}

// exchangeOp builds the pending operation for one exchange record.  A
// Finished record whose metadata expired is restarted through UpdateExchange
// before the pipeline runs.
func (w *Wallet) exchangeOp(baseURL string) *pendingOp {
	return &pendingOp{
		scope: ScopeExchange,
		id:    baseURL,
		run: func(ctx context.Context) error {
			if err := w.UpdateExchange(baseURL, false); err != nil {
				return err
			}
			return w.processExchange(ctx, baseURL)
		},
		recordFailure: func(tx walletdb.Tx, now time.Time,
			opErr error) error {

			e, err := w.exchMgr.GetExchange(tx, baseURL)
			if err != nil {
				return err
			}
			e.Retry.Fail(now, opErr)
			e.LastError = opErr.Error()
			return w.exchMgr.PutExchange(tx, e)
		},
	}
}

// reserveOp builds the pending operation for one reserve.
func (w *Wallet) reserveOp(reservePub []byte) *pendingOp {
	pub := append([]byte(nil), reservePub...)
	return &pendingOp{
		scope: ScopeReserve,
		id:    hex.EncodeToString(pub),
		run: func(ctx context.Context) error {
			return w.processReserve(ctx, pub)
		},
		recordFailure: func(tx walletdb.Tx, now time.Time,
			opErr error) error {

			r, err := w.coinMgr.GetReserve(tx, pub)
			if err != nil {
				return err
			}
			r.Retry.Fail(now, opErr)
			return w.coinMgr.PutReserve(tx, r)
		},
	}
}

// withdrawOp builds the pending operation for one withdrawal group.
func (w *Wallet) withdrawOp(id coinmgr.GroupID) *pendingOp {
	return &pendingOp{
		scope: ScopeWithdraw,
		id:    id.String(),
		run: func(ctx context.Context) error {
			return w.processWithdrawalGroup(ctx, id)
		},
		recordFailure: func(tx walletdb.Tx, now time.Time,
			opErr error) error {

			g, err := w.coinMgr.GetWithdrawalGroup(tx, id)
			if err != nil {
				return err
			}
			g.Retry.Fail(now, opErr)
			return w.coinMgr.PutWithdrawalGroup(tx, g)
		},
	}
}

// refreshOp builds the pending operation for one refresh group.
func (w *Wallet) refreshOp(id coinmgr.GroupID) *pendingOp {
	return &pendingOp{
		scope: ScopeRefresh,
		id:    id.String(),
		run: func(ctx context.Context) error {
			return w.processRefreshGroup(ctx, id)
		},
		recordFailure: func(tx walletdb.Tx, now time.Time,
			opErr error) error {

			g, err := w.coinMgr.GetRefreshGroup(tx, id)
			if err != nil {
				return err
			}
			g.Retry.Fail(now, opErr)
			return w.coinMgr.PutRefreshGroup(tx, g)
		},
	}
}

// recoupOp builds the pending operation for one recoup group.
func (w *Wallet) recoupOp(id coinmgr.GroupID) *pendingOp {
	return &pendingOp{
		scope: ScopeRecoup,
		id:    id.String(),
		run: func(ctx context.Context) error {
			return w.processRecoupGroup(ctx, id)
		},
		recordFailure: func(tx walletdb.Tx, now time.Time,
			opErr error) error {

			g, err := w.coinMgr.GetRecoupGroup(tx, id)
			if err != nil {
				return err
			}
			g.Retry.Fail(now, opErr)
			return w.coinMgr.PutRecoupGroup(tx, g)
		},
	}
}

// refreshScanLoop runs the auto-refresh scan on every tick.
func (w *Wallet) refreshScanLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.refreshTicker.Ticks():
			if err := w.runAutoRefreshScan(); err != nil {
				log.Errorf("Auto-refresh scan failed: %v", err)
			}
		case <-w.quit:
			return
		}
	}
}

// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements the coin lifecycle engines on top of the
// exchange directory and the coin store: reserve processing, withdrawal,
// refresh, recoup, and the pending-operation scheduler that drives all of
// them to completion under network and server failure.
package wallet

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/singleflight"

	"github.com/talersuite/talerwallet/coinmgr"
	"github.com/talersuite/talerwallet/exchmgr"
	"github.com/talersuite/talerwallet/walletdb"
)

// defaultRefreshScanInterval is how often the auto-refresh scan looks for
// coins approaching their denomination's expiry.
const defaultRefreshScanInterval = 5 * time.Minute

// Config holds the collaborators of a Wallet.
type Config struct {
	// DB is the wallet database.  The coin store and exchange directory
	// buckets must already be created.
	DB walletdb.DB

	// Client reaches exchanges and banks.
	Client ExchangeClient

	// RefreshTicker paces the auto-refresh scan.  A default interval
	// ticker is used when nil; tests inject a force ticker.
	RefreshTicker ticker.Ticker

	// Metrics receives operational counters when non-nil.
	Metrics *Metrics
}

// Wallet drives the coin lifecycle: it owns the engines, the scheduler and
// the notification server.
type Wallet struct {
	db      walletdb.DB
	client  ExchangeClient
	exchMgr *exchmgr.Manager
	coinMgr *coinmgr.Manager
	metrics *Metrics

	// NtfnServer delivers typed wallet events to subscribers.
	NtfnServer *NotificationServer

	// ops memoizes in-flight operations by record id so each state
	// machine has at most one execution at a time.
	ops singleflight.Group

	refreshTicker ticker.Ticker

	// wakeCh wakes the scheduler ahead of its timer after a
	// user-initiated action.
	wakeCh chan struct{}

	started bool
	quit    chan struct{}
	quitMu  sync.Mutex
	wg      sync.WaitGroup
}

// CreateBuckets initializes the database buckets of both managers.  It must
// run once when the wallet database is created.
func CreateBuckets(db walletdb.DB) error {
	return db.Update(func(tx walletdb.Tx) error {
		if err := exchmgr.Create(tx); err != nil {
			return err
		}
		return coinmgr.Create(tx)
	})
}

// New creates a Wallet from its collaborators.
func New(cfg *Config) *Wallet {
	rt := cfg.RefreshTicker
	if rt == nil {
		rt = ticker.New(defaultRefreshScanInterval)
	}
	return &Wallet{
		db:            cfg.DB,
		client:        cfg.Client,
		exchMgr:       exchmgr.NewManager(),
		coinMgr:       coinmgr.NewManager(),
		metrics:       cfg.Metrics,
		NtfnServer:    newNotificationServer(),
		refreshTicker: rt,
		wakeCh:        make(chan struct{}, 1),
		quit:          make(chan struct{}),
	}
}

// Start launches the scheduler and the auto-refresh scan.  It is a no-op if
// the wallet is already started.
func (w *Wallet) Start() {
	w.quitMu.Lock()
	if w.started {
		w.quitMu.Unlock()
		return
	}
	w.started = true
	w.quitMu.Unlock()

	log.Info("Starting wallet")

	w.refreshTicker.Resume()

	w.wg.Add(2)
	go w.schedulerLoop()
	go w.refreshScanLoop()
}

// Stop signals all wallet goroutines to shut down and blocks until they
// have.  The currently running operation finishes; no new ones start.
func (w *Wallet) Stop() {
	w.quitMu.Lock()
	select {
	case <-w.quit:
		w.quitMu.Unlock()
		w.wg.Wait()
		return
	default:
	}
	close(w.quit)
	w.quitMu.Unlock()

	w.refreshTicker.Stop()
	w.wg.Wait()
	log.Info("Wallet shutdown complete")
}

// ShuttingDown reports whether Stop has been called.
func (w *Wallet) ShuttingDown() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

// Wake nudges the scheduler to re-evaluate pending operations immediately,
// e.g. after a user-initiated action created new work.
func (w *Wallet) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

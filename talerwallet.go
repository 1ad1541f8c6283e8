// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talersuite/talerwallet/exchclient"
	"github.com/talersuite/talerwallet/wallet"
	"github.com/talersuite/talerwallet/walletdb"
	_ "github.com/talersuite/talerwallet/walletdb/bdb"
	_ "github.com/talersuite/talerwallet/walletdb/sqlite"
)

var cfg *config

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This also initializes
	// logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version())

	dbPath := filepath.Join(cfg.AppDataDir, walletDbName)
	var db walletdb.DB
	if cfg.Create {
		log.Infof("Creating wallet database at %v", dbPath)
		db, err = walletdb.Create(cfg.DbType, dbPath)
		if err != nil {
			log.Errorf("Unable to create wallet database: %v", err)
			return err
		}
		if err := wallet.CreateBuckets(db); err != nil {
			db.Close()
			log.Errorf("Unable to initialize wallet database: %v",
				err)
			return err
		}
	} else {
		db, err = walletdb.Open(cfg.DbType, dbPath)
		if err != nil {
			log.Errorf("Unable to open wallet database %v: %v",
				dbPath, err)
			return err
		}
	}
	defer db.Close()

	client := exchclient.New(&exchclient.Config{
		UserAgent: "talerwallet/" + version(),
	})

	// Serve Prometheus metrics when a listen address is configured.
	var metrics *wallet.Metrics
	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		metrics, err = wallet.NewMetrics(registry)
		if err != nil {
			log.Errorf("Unable to register metrics: %v", err)
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			registry, promhttp.HandlerOpts{},
		))
		go func() {
			log.Infof("Metrics server listening on %s",
				cfg.MetricsListen)
			err := http.ListenAndServe(cfg.MetricsListen, mux)
			if err != nil {
				log.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	w := wallet.New(&wallet.Config{
		DB:      db,
		Client:  client,
		Metrics: metrics,
	})
	w.Start()

	// Track the configured exchanges.  Already-tracked exchanges are
	// refreshed by the scheduler when their metadata expires.
	for _, baseURL := range cfg.Exchange {
		if err := w.UpdateExchange(baseURL, false); err != nil {
			log.Warnf("Unable to track exchange %s: %v", baseURL,
				err)
		}
	}
	w.Wake()

	// Shut down on interrupt.
	<-interruptListener()
	w.Stop()

	return nil
}

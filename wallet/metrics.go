// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the wallet's operational counters.  All fields are safe for
// concurrent use.
type Metrics struct {
	// PendingOps tracks the number of operations the scheduler currently
	// considers active.
	PendingOps prometheus.Gauge

	// OperationErrors counts failed operation attempts, labelled by
	// operation scope.
	OperationErrors *prometheus.CounterVec

	// CoinsWithdrawn counts coins created by withdrawal.
	CoinsWithdrawn prometheus.Counter

	// CoinsRefreshed counts coins created by refresh.
	CoinsRefreshed prometheus.Counter
}

// NewMetrics creates the wallet metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "talerwallet",
			Name:      "pending_operations",
			Help:      "Number of operations with active retry state.",
		}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "talerwallet",
			Name:      "operation_errors_total",
			Help:      "Failed operation attempts by scope.",
		}, []string{"scope"}),
		CoinsWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "talerwallet",
			Name:      "coins_withdrawn_total",
			Help:      "Coins created by withdrawal.",
		}),
		CoinsRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "talerwallet",
			Name:      "coins_refreshed_total",
			Help:      "Coins created by refresh.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.PendingOps, m.OperationErrors, m.CoinsWithdrawn,
		m.CoinsRefreshed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

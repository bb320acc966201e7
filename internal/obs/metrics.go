// Package obs registers the service's Prometheus collectors.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerDrift is |snapshot − reconstructed| in base units.  Any nonzero
	// value pages: the journal and the snapshot accounts disagree.
	LedgerDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crash_ledger_snapshot_drift",
		Help: "Absolute difference between snapshot balances and the reconstructed ledger, in base units.",
	})

	// LiabilityRatio is total player balances over hot-wallet funds.
	LiabilityRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crash_onchain_liability_ratio",
		Help: "Player liabilities divided by the on-chain hot wallet balance.",
	})

	// IndexerLag is how many blocks the deposit indexer trails the chain head.
	IndexerLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crash_indexer_lag_blocks",
		Help: "Blocks between the chain head and the indexer checkpoint.",
	})

	// RoundsTotal counts settled rounds.
	RoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_rounds_total",
		Help: "Settled rounds since process start.",
	})

	// BetsTotal counts accepted bets by terminal state.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crash_bets_total",
		Help: "Settled bets by outcome.",
	}, []string{"outcome"})

	// DepositsTotal counts credited on-chain deposits.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crash_deposits_total",
		Help: "On-chain deposits credited to player accounts.",
	})

	// Sessions tracks live websocket sessions.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crash_ws_sessions",
		Help: "Connected websocket sessions.",
	})
)

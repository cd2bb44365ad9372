package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chainHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edgecoder_ledger_chain_height",
		Help: "Number of entries in the ordering chain.",
	})
	transactionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_ledger_transactions_applied_total",
		Help: "Credit transactions accepted and ordered.",
	})
	transactionsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_ledger_transactions_skipped_total",
		Help: "Credit transactions skipped as duplicate or invalid.",
	})
	creditsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edgecoder_ledger_credits_issued_total",
		Help: "Credits distributed through committed issuance epochs.",
	})
)

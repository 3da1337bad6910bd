package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reads_total",
			Help: "Ledger read attempts per endpoint and outcome",
		},
		[]string{"endpoint", "op", "outcome"},
	)

	ledgerReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_read_duration_seconds",
			Help:    "Duration of ledger read attempts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"endpoint", "op"},
	)

	nonceConsumes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nonce_consume_total",
			Help: "Nonce consume attempts by outcome",
		},
		[]string{"outcome"},
	)

	entryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entry_verifications_total",
			Help: "Entry verification decisions by reason code",
		},
		[]string{"reason", "resold"},
	)

	listingsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "legacy_listings_pruned_total",
			Help: "Legacy listing index entries removed after ledger contradiction",
		},
	)

	discoveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_discovery_total",
			Help: "Token discovery calls by resolution source",
		},
		[]string{"source"},
	)
)

// Track ledger read attempts
func TrackLedgerRead(endpoint, op, outcome string, duration time.Duration) {
	ledgerReads.WithLabelValues(endpoint, op, outcome).Inc()
	ledgerReadDuration.WithLabelValues(endpoint, op).Observe(duration.Seconds())
}

func TrackNonceConsume(outcome string) {
	nonceConsumes.WithLabelValues(outcome).Inc()
}

func TrackEntryDecision(reason string, resold bool) {
	label := "false"
	if resold {
		label = "true"
	}
	entryDecisions.WithLabelValues(reason, label).Inc()
}

func TrackListingsPruned(n int) {
	listingsPruned.Add(float64(n))
}

func TrackDiscovery(source string) {
	discoveryRuns.WithLabelValues(source).Inc()
}

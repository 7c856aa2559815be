// Package metrics holds the Prometheus collectors shared by the relay and the
// poller. They register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wa_inbox"

var (
	// SendsTotal counts send attempts by outcome: sent, invalid,
	// upstream_error, log_error, rate_limited.
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Outbound send requests by outcome.",
	}, []string{"outcome"})

	// PollsTotal counts poll cycles by outcome: updated, unchanged, skipped,
	// fetch_error.
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Poll cycles by outcome.",
	}, []string{"outcome"})

	ParseDiagnosticsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "parse_diagnostics_total",
		Help:      "Rows that produced a parse or normalization diagnostic.",
	})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_seconds",
		Help:      "Latency of calls to the messaging API and the backing table.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"target"})
)

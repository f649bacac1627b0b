// Package metrics exposes Prometheus collectors for posting, publishing and
// event ingestion. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Posting results.
const (
	ResultPosted    = "posted"
	ResultRejected  = "rejected"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
)

// Ingestion outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeIgnored   = "ignored"
	OutcomeInFlight  = "in_flight"
	OutcomeFailed    = "failed"
)

// Metrics groups the service collectors.
type Metrics struct {
	postings        *prometheus.CounterVec
	postingLatency  prometheus.Histogram
	publishFailures prometheus.Counter
	ingestEvents    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "postings_total",
			Help:      "Posting attempts by result.",
		}, []string{"result"}),
		postingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "posting_duration_seconds",
			Help:      "Time spent validating and persisting a posting.",
			Buckets:   prometheus.DefBuckets,
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "publish_failures_total",
			Help:      "TransactionPosted events that could not be published after commit.",
		}),
		ingestEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "ingest_events_total",
			Help:      "Consumed upstream events by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.postings, m.postingLatency, m.publishFailures, m.ingestEvents)
	}
	return m
}

// ObservePosting counts one posting attempt under result and records how long
// it took.
func (m *Metrics) ObservePosting(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(result).Inc()
	m.postingLatency.Observe(d.Seconds())
}

// PublishFailed counts a TransactionPosted event lost after its commit.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// IngestOutcome counts one consumed event under outcome.
func (m *Metrics) IngestOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ingestEvents.WithLabelValues(outcome).Inc()
}

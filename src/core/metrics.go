package main

import (
	"time"

	"github.com/kryptonchain/bisq/src/witness"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Validation metrics
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "witness_validations_total",
		Help: "Total number of account age witness validations",
	}, []string{"outcome"})

	validationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "witness_validation_duration_seconds",
		Help:    "Duration of chain validations",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	validationLinksVisited = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "witness_validation_links_visited",
		Help:    "Number of signed witnesses evaluated per validation",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	// Ingest metrics
	witnessesIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "witness_ingested_total",
		Help: "Total number of signed witnesses received",
	}, []string{"source", "status"})

	storedWitnessesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "witness_stored",
		Help: "Current number of stored signed witnesses",
	})

	// Gossip metrics
	gossipMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "witness_gossip_messages_total",
		Help: "Total number of gossip messages by direction and status",
	}, []string{"direction", "status"})

	connectedNodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "witness_connected_nodes",
		Help: "Current number of known nodes",
	})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "witness_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "witness_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Validation outcomes
const (
	OutcomeTrusted   = "trusted"
	OutcomeUntrusted = "untrusted"
	OutcomeExhausted = "budget_exhausted"
)

// Ingest statuses
const (
	IngestAccepted  = "accepted"
	IngestDuplicate = "duplicate"
	IngestRejected  = "rejected"
)

// RecordValidation records the outcome and cost of a validation
func RecordValidation(verdict witness.Verdict, duration time.Duration) {
	outcome := OutcomeUntrusted
	switch {
	case verdict.Trusted:
		outcome = OutcomeTrusted
	case verdict.BudgetExhausted:
		outcome = OutcomeExhausted
	}
	validationsTotal.WithLabelValues(outcome).Inc()
	validationDuration.Observe(duration.Seconds())
	validationLinksVisited.Observe(float64(verdict.LinksVisited))
}

// RecordWitnessIngested records a signed witness arriving from source
func RecordWitnessIngested(source, status string) {
	witnessesIngestedTotal.WithLabelValues(source, status).Inc()
}

// RecordGossip records a gossip message sent or received
func RecordGossip(direction, status string) {
	gossipMessagesTotal.WithLabelValues(direction, status).Inc()
}

// UpdateStoredWitnessesGauge updates the stored witnesses gauge
func UpdateStoredWitnessesGauge(count int) {
	storedWitnessesGauge.Set(float64(count))
}

// UpdateConnectedNodesGauge updates the connected nodes gauge
func UpdateConnectedNodesGauge(count int) {
	connectedNodesGauge.Set(float64(count))
}

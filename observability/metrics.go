package observability

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SequencerMetrics wraps collectors tracking chain submission health.
type SequencerMetrics struct {
	txSubmitted    *prometheus.CounterVec
	errors         *prometheus.CounterVec
	submitLatency  *prometheus.HistogramVec
	authRefreshes  prometheus.Counter
	dedupedResends prometheus.Counter
	eventsFetched  prometheus.Counter
}

var (
	sequencerMetricsOnce sync.Once
	sequencerRegistry    *SequencerMetrics
)

// Sequencer returns the lazily-initialised metrics registry for the chain
// submission pipeline.
func Sequencer() *SequencerMetrics {
	sequencerMetricsOnce.Do(func() {
		sequencerRegistry = &SequencerMetrics{
			txSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "seq",
				Subsystem: "eth",
				Name:      "tx_submitted_total",
				Help:      "Count of transaction submission attempts segmented by 4-byte function selector.",
			}, []string{"selector"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "seq",
				Subsystem: "eth",
				Name:      "errors_total",
				Help:      "Count of submission failures segmented by backend and reason.",
			}, []string{"backend", "reason"}),
			submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "seq",
				Subsystem: "eth",
				Name:      "submit_duration_seconds",
				Help:      "Latency distribution for completed submissions segmented by backend.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"backend"}),
			authRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "seq",
				Subsystem: "relay",
				Name:      "auth_refreshes_total",
				Help:      "Count of relay credential exchanges performed against the identity provider.",
			}),
			dedupedResends: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "seq",
				Subsystem: "relay",
				Name:      "deduped_resends_total",
				Help:      "Count of retried submissions resolved against an existing relay job instead of a new one.",
			}),
			eventsFetched: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "seq",
				Subsystem: "eth",
				Name:      "events_fetched_total",
				Help:      "Count of leaf insertion events decoded from chain logs.",
			}),
		}
		prometheus.MustRegister(
			sequencerRegistry.txSubmitted,
			sequencerRegistry.errors,
			sequencerRegistry.submitLatency,
			sequencerRegistry.authRefreshes,
			sequencerRegistry.dedupedResends,
			sequencerRegistry.eventsFetched,
		)
	})
	return sequencerRegistry
}

// SelectorLabel renders the first four bytes of calldata as the hex label used
// by the submission counter. Short payloads map to the zero selector.
func SelectorLabel(data []byte) string {
	if len(data) < 4 {
		return "00000000"
	}
	return hex.EncodeToString(data[:4])
}

// RecordSubmission increments the submission counter for the supplied
// calldata selector.
func (m *SequencerMetrics) RecordSubmission(selector string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(selector) == "" {
		selector = "00000000"
	}
	m.txSubmitted.WithLabelValues(selector).Inc()
}

// RecordError increments the failure counter. Reasons should be stable
// strings such as "send", "dropped", or "timeout" so dashboards remain
// consistent.
func (m *SequencerMetrics) RecordError(backend, reason string) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.errors.WithLabelValues(backend, reason).Inc()
}

// ObserveSubmitLatency records the wall-clock duration of a completed
// submission for the supplied backend.
func (m *SequencerMetrics) ObserveSubmitLatency(backend string, duration time.Duration) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	m.submitLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordAuthRefresh counts a completed credential exchange.
func (m *SequencerMetrics) RecordAuthRefresh() {
	if m == nil {
		return
	}
	m.authRefreshes.Inc()
}

// RecordDedupedResend counts a retry that was resolved against an existing
// relay job.
func (m *SequencerMetrics) RecordDedupedResend() {
	if m == nil {
		return
	}
	m.dedupedResends.Inc()
}

// RecordEventsFetched counts decoded leaf insertion events.
func (m *SequencerMetrics) RecordEventsFetched(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.eventsFetched.Add(float64(count))
}

package webhook

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the counters §4.8 requires at GET /metrics:
// processed_webhooks, failed_verifications, successful_events,
// verification_success_rate. It also mirrors them into Prometheus
// counters for the internal /internal/metrics exposition, since the
// spec's own /metrics is a plain JSON document rather than Prometheus
// text format.
type Metrics struct {
	processed            atomic.Int64
	failedVerifications  atomic.Int64
	successfulEvents     atomic.Int64
}

var (
	processedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voicefuse", Subsystem: "webhook", Name: "processed_total",
		Help: "Total webhook requests received.",
	})
	failedVerificationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voicefuse", Subsystem: "webhook", Name: "failed_verifications_total",
		Help: "Webhook requests rejected for signature or header failures.",
	})
	successfulEventsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "voicefuse", Subsystem: "webhook", Name: "successful_events_total",
		Help: "Webhook events successfully verified, parsed, and dispatched.",
	})
)

func init() {
	prometheus.MustRegister(processedCounter, failedVerificationsCounter, successfulEventsCounter)
}

// NewMetrics builds a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) recordProcessed() {
	m.processed.Add(1)
	processedCounter.Inc()
}

func (m *Metrics) recordFailedVerification() {
	m.failedVerifications.Add(1)
	failedVerificationsCounter.Inc()
}

func (m *Metrics) recordSuccessfulEvent() {
	m.successfulEvents.Add(1)
	successfulEventsCounter.Inc()
}

// Snapshot is the §4.8 JSON shape served at GET /metrics.
type Snapshot struct {
	ProcessedWebhooks       int64   `json:"processed_webhooks"`
	FailedVerifications     int64   `json:"failed_verifications"`
	SuccessfulEvents        int64   `json:"successful_events"`
	VerificationSuccessRate float64 `json:"verification_success_rate"`
}

// Snapshot computes the current counters, including the derived
// verification_success_rate (successful verifications / processed).
func (m *Metrics) Snapshot() Snapshot {
	processed := m.processed.Load()
	failed := m.failedVerifications.Load()
	successful := m.successfulEvents.Load()

	rate := 1.0
	if processed > 0 {
		rate = float64(processed-failed) / float64(processed)
	}
	return Snapshot{
		ProcessedWebhooks:       processed,
		FailedVerifications:     failed,
		SuccessfulEvents:        successful,
		VerificationSuccessRate: rate,
	}
}

// Package metrics defines the Prometheus collectors exported by the store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qstore"

// Compaction results.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
	ResultStale  = "stale"
)

// Metrics holds every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Appends            prometheus.Counter
	AppendErrors       *prometheus.CounterVec
	PayloadBytes       *prometheus.CounterVec
	Compactions        *prometheus.CounterVec
	CompactedRecords   prometheus.Counter
	CompactionDuration prometheus.Histogram
	Evictions          prometheus.Counter
	CorruptRecords     prometheus.Counter
	OpenDocuments      prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Appends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Updates appended to the log.",
		}),
		AppendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_errors_total",
			Help:      "Failed appends by error code.",
		}, []string{"code"}),
		PayloadBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Appended payload bytes before (raw) and after (stored) encoding.",
		}, []string{"form"}),
		Compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction runs by result.",
		}, []string{"result"}),
		CompactedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compacted_records_total",
			Help:      "Update records folded into checkpoints and removed.",
		}),
		CompactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_duration_seconds",
			Help:      "Time spent in successful compactions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Documents evicted after the inactivity TTL.",
		}),
		CorruptRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_records_total",
			Help:      "Stored entries that failed to decode on read.",
		}),
		OpenDocuments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_documents",
			Help:      "Documents with an in-process handle.",
		}),
	}
}

// ObserveAppend records a successful append.
func (m *Metrics) ObserveAppend(raw, stored int) {
	if m == nil {
		return
	}
	m.Appends.Inc()
	m.PayloadBytes.WithLabelValues("raw").Add(float64(raw))
	m.PayloadBytes.WithLabelValues("stored").Add(float64(stored))
}

// ObserveAppendError records a failed append.
func (m *Metrics) ObserveAppendError(code string) {
	if m == nil {
		return
	}
	m.AppendErrors.WithLabelValues(code).Inc()
}

// ObserveCompaction records a compaction outcome.
func (m *Metrics) ObserveCompaction(result string, removed int64, seconds float64) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.CompactedRecords.Add(float64(removed))
		m.CompactionDuration.Observe(seconds)
	}
}

// ObserveEviction records an eviction.
func (m *Metrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

// ObserveCorrupt records n undecodable entries.
func (m *Metrics) ObserveCorrupt(n int) {
	if m == nil || n == 0 {
		return
	}
	m.CorruptRecords.Add(float64(n))
}

// SetOpenDocuments sets the open document gauge.
func (m *Metrics) SetOpenDocuments(n int) {
	if m == nil {
		return
	}
	m.OpenDocuments.Set(float64(n))
}

package sheetmirror

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records remote sync outcomes. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	writes        *prometheus.CounterVec
	retries       *prometheus.CounterVec
	pending       prometheus.Gauge
	remoteLatency *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetmirror",
			Name:      "writes_total",
			Help:      "Mirror writes by operation and where they were persisted.",
		}, []string{"operation", "persisted"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetmirror",
			Name:      "sync_retries_total",
			Help:      "Background remote sync attempts by outcome.",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sheetmirror",
			Name:      "pending_submissions",
			Help:      "Submissions saved locally and waiting for the remote store.",
		}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sheetmirror",
			Name:      "remote_call_seconds",
			Help:      "Latency of remote store calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.writes, m.retries, m.pending, m.remoteLatency)
	}
	return m
}

func (m *Metrics) write(operation string, persisted Persistence) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(operation, string(persisted)).Inc()
}

func (m *Metrics) retry(outcome string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setPending(depth int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(depth))
}

func (m *Metrics) observeRemote(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.remoteLatency.WithLabelValues(operation, result).Observe(time.Since(started).Seconds())
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report relay activity.
type Metrics struct {
	partsUploaded    prometheus.Counter
	bytesUploaded    prometheus.Counter
	sessionOutcomes  *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	jobsActive       prometheus.Gauge
	orphansAborted   prometheus.Counter
}

// MustNewMetrics constructs a Metrics instance registered with reg. Tests
// should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		partsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "molparelay",
			Subsystem: "multipart",
			Name:      "parts_uploaded_total",
			Help:      "Number of parts accepted by the object store.",
		}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "molparelay",
			Subsystem: "multipart",
			Name:      "bytes_uploaded_total",
			Help:      "Bytes written to the object store, across all transfer modes.",
		}),
		sessionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "molparelay",
			Subsystem: "multipart",
			Name:      "sessions_total",
			Help:      "Multipart sessions that reached a terminal status.",
		}, []string{"status"}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "molparelay",
			Subsystem: "relay",
			Name:      "transfer_duration_seconds",
			Help:      "Duration of relayed transfers by mode and outcome.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 180, 600, 1800},
		}, []string{"mode", "outcome"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "molparelay",
			Subsystem: "relay",
			Name:      "jobs_active",
			Help:      "Number of deferred jobs currently executing.",
		}),
		orphansAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "molparelay",
			Subsystem: "reaper",
			Name:      "orphans_aborted_total",
			Help:      "Multipart uploads aborted because no live session tracked them.",
		}),
	}
	reg.MustRegister(m.partsUploaded, m.bytesUploaded, m.sessionOutcomes, m.transferDuration, m.jobsActive, m.orphansAborted)
	return m
}

// ObservePart records one part accepted by the store.
func (m *Metrics) ObservePart(size int64) {
	if m == nil {
		return
	}
	m.partsUploaded.Inc()
	m.bytesUploaded.Add(float64(size))
}

// ObserveDirect records bytes written with a single put.
func (m *Metrics) ObserveDirect(size int64) {
	if m == nil {
		return
	}
	m.bytesUploaded.Add(float64(size))
}

func (m *Metrics) ObserveSession(status string) {
	if m == nil {
		return
	}
	m.sessionOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTransfer(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.transferDuration.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
}

func (m *Metrics) ObserveOrphanAborted() {
	if m == nil {
		return
	}
	m.orphansAborted.Inc()
}

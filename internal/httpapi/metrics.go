// Package httpapi is the operator-facing HTTP surface sitting alongside the
// chat and media websocket listeners: health/readiness probes, Prometheus
// metrics, and read-only room/worker introspection endpoints. Grounded on
// this codebase's own gin router wiring and Prometheus collector patterns.
package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every gauge/counter/histogram this process exports,
// generalized from peer/stream-centric collector onto this
// system's room/worker/message domain.
type Metrics struct {
	roomsActive      prometheus.Gauge
	participantsTotal prometheus.Gauge
	messagesSent     *prometheus.CounterVec
	messageDuplicates prometheus.Counter
	lockContention   *prometheus.CounterVec
	transcriptionDuration prometheus.Histogram
	workerCPUPercent *prometheus.GaugeVec
	workerRouters    *prometheus.GaugeVec
	handshakeDuration prometheus.Histogram
	queueDepth            prometheus.Gauge
	sideTapSessionsActive prometheus.Gauge
}

// NewMetrics registers every collector against the default registry via
// promauto, exactly as PrometheusCollector does.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer is NewMetrics generalized over the target
// registerer, so callers that need an isolated registry (package tests
// that construct more than one *Metrics in the same process) can avoid
// promauto's duplicate-registration panic against the global default.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confluence_rooms_active",
			Help: "Number of rooms currently active",
		}),
		participantsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confluence_participants_total",
			Help: "Total number of connected participants across all rooms",
		}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confluence_messages_sent_total",
			Help: "Total chat messages accepted, by lock mode",
		}, []string{"mode"}),
		messageDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "confluence_message_duplicates_total",
			Help: "Messages rejected by the idempotency store as duplicates",
		}),
		lockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confluence_lock_busy_total",
			Help: "Lock acquisition attempts that found the resource already held",
		}, []string{"resource_kind"}),
		transcriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "confluence_transcription_duration_seconds",
			Help:    "Wall time spent transcribing one audio segment",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		workerCPUPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confluence_worker_cpu_percent",
			Help: "Sampled CPU usage per media worker",
		}, []string{"pid"}),
		workerRouters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confluence_worker_routers",
			Help: "Active routers per media worker",
		}, []string{"pid"}),
		handshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "confluence_handshake_duration_seconds",
			Help:    "Time from socket upgrade to authenticated/joined state",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confluence_queue_depth",
			Help: "Total pending message tasks across every job queue",
		}),
		sideTapSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confluence_sidetap_sessions_active",
			Help: "Number of live audio side-tap transcription sessions",
		}),
	}
}

func (m *Metrics) RecordMessageSent(mode string) {
	m.messagesSent.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordDuplicate() {
	m.messageDuplicates.Inc()
}

func (m *Metrics) RecordLockBusy(resourceKind string) {
	m.lockContention.WithLabelValues(resourceKind).Inc()
}

// RefreshWorkerGauges replaces the per-pid CPU/router gauges with a fresh
// snapshot; called on a timer rather than per-event since worker load is
// sampled, not pushed (the caller's timer runs on Monitoring.MetricsInterval,
// independent of internal/workerpool's own sample interval).
func (m *Metrics) RefreshWorkerGauges(records []WorkerSnapshot) {
	for _, r := range records {
		m.workerCPUPercent.WithLabelValues(r.Pid).Set(r.CPUPercent)
		m.workerRouters.WithLabelValues(r.Pid).Set(float64(r.Routers))
	}
}

// WorkerSnapshot is the narrow slice of domain.WorkerRecord this package
// needs, keeping httpapi from importing internal/workerpool's Pool type
// just to read a metrics label.
type WorkerSnapshot struct {
	Pid        string
	CPUPercent float64
	Routers    int
}

func (m *Metrics) SetRoomsActive(n int)       { m.roomsActive.Set(float64(n)) }
func (m *Metrics) SetParticipantsTotal(n int) { m.participantsTotal.Set(float64(n)) }
func (m *Metrics) SetQueueDepth(n int)        { m.queueDepth.Set(float64(n)) }
func (m *Metrics) SetSideTapSessionsActive(n int) {
	m.sideTapSessionsActive.Set(float64(n))
}

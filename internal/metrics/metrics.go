package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Gateway
	PresenceConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "gateway_connections", Help: "Live realtime connections on this instance."},
	)
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_events_total", Help: "Inbound realtime events."},
		[]string{"event", "result"}, // accepted | dropped | throttled
	)
	PresenceEmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "presence_emits_total", Help: "Connections written per emit leg."},
		[]string{"leg"}, // local | remote
	)

	// Queue / worker
	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "queue_jobs_enqueued_total", Help: "Jobs durably enqueued."},
	)
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_jobs_total", Help: "Job handler outcomes."},
		[]string{"outcome"}, // saved | skipped_duplicate | retry | dead
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Job handler latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms..~4s
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "worker_inflight", Help: "In-flight jobs in this process."},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "queue_depth", Help: "Jobs per queue state."},
		[]string{"state"}, // waiting | delayed | active | dead
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		PresenceConnections, EventsReceived, PresenceEmits,
		JobsEnqueued, JobsProcessed, JobDuration, InFlight, QueueDepth,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter

	// pgxpool reports cumulative totals; remember the previous sample so the
	// counters only grow by the delta.
	lastAcquires   int64
	lastAcquireDur time.Duration
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.observe(s.AcquireCount(), s.AcquireDuration())
		}
	}
}

func (m *PGXPoolStats) observe(acquires int64, acquireDur time.Duration) {
	if d := acquires - m.lastAcquires; d > 0 {
		m.acquireCount.Add(float64(d))
	}
	m.lastAcquires = acquires
	if d := acquireDur - m.lastAcquireDur; d > 0 {
		m.acquireLatency.Add(d.Seconds())
	}
	m.lastAcquireDur = acquireDur
}

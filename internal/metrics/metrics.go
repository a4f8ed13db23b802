// Package metrics holds the processor's atomic counters (in-flight, total,
// errors-by-kind, total duration), mirrored onto Prometheus
// gauges/counters via promauto.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Snapshot is the point-in-time view returned by Metrics.Snapshot().
type Snapshot struct {
	InFlight       int64
	Total          int64
	ErrorsByKind   map[string]int64
	TotalDuration  time.Duration
	ReEnqueued     int64
}

// Metrics is safe for concurrent use; every field updates via atomic
// operations only, with total_duration accumulated through a
// compare-and-swap loop.
type Metrics struct {
	registry *prometheus.Registry

	inFlight      atomic.Int64
	total         atomic.Int64
	reEnqueued    atomic.Int64
	totalDuration atomic.Int64 // nanoseconds, CAS-looped

	errMu        sync.RWMutex
	errorsByKind map[string]*atomic.Int64

	promInFlight   prometheus.Gauge
	promTotal      prometheus.Counter
	promReEnqueued prometheus.Counter
	promDuration   prometheus.Histogram
	promErrors     *prometheus.CounterVec
}

// New constructs a Metrics instance registered against its own fresh
// prometheus.Registry (not the global DefaultRegisterer), so that multiple
// Processor instances — one per test, typically — never collide on metric
// name registration. Call Registry() to expose it to an operator's own
// /metrics handler.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "asynchttp"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry:     reg,
		errorsByKind: make(map[string]*atomic.Int64),
		promInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests owned by this process.",
		}),
		promTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests accepted by the processor.",
		}),
		promReEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_reenqueued_total",
			Help:      "Total number of accepted requests handed back to the job queue on shutdown or evicted by drop_oldest backpressure.",
		}),
		promDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP exchange duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		promErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of transport errors by error_type.",
		}, []string{"error_type"}),
	}
}

// Registry exposes the Prometheus registry this Metrics instance publishes
// to, so a host can mount it under its own /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RequestAccepted() {
	m.inFlight.Inc()
	m.total.Inc()
	m.promInFlight.Inc()
	m.promTotal.Inc()
}

func (m *Metrics) RequestCompleted(d time.Duration) {
	m.inFlight.Dec()
	m.promInFlight.Dec()
	m.addDuration(d)
	m.promDuration.Observe(d.Seconds())
}

func (m *Metrics) RequestErrored(errorType string, d time.Duration) {
	m.inFlight.Dec()
	m.promInFlight.Dec()
	m.addDuration(d)
	m.promDuration.Observe(d.Seconds())

	m.errMu.Lock()
	counter, ok := m.errorsByKind[errorType]
	if !ok {
		counter = atomic.NewInt64(0)
		m.errorsByKind[errorType] = counter
	}
	m.errMu.Unlock()
	counter.Inc()
	m.promErrors.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RequestReEnqueued() {
	m.inFlight.Dec()
	m.promInFlight.Dec()
	m.reEnqueued.Inc()
	m.promReEnqueued.Inc()
}

// addDuration folds d into totalDuration via a compare-and-swap loop.
func (m *Metrics) addDuration(d time.Duration) {
	for {
		old := m.totalDuration.Load()
		next := old + d.Nanoseconds()
		if m.totalDuration.CompareAndSwap(old, next) {
			return
		}
	}
}

func (m *Metrics) Snapshot() Snapshot {
	m.errMu.RLock()
	byKind := make(map[string]int64, len(m.errorsByKind))
	for k, v := range m.errorsByKind {
		byKind[k] = v.Load()
	}
	m.errMu.RUnlock()

	return Snapshot{
		InFlight:      m.inFlight.Load(),
		Total:         m.total.Load(),
		ErrorsByKind:  byKind,
		TotalDuration: time.Duration(m.totalDuration.Load()),
		ReEnqueued:    m.reEnqueued.Load(),
	}
}

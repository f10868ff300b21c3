// Package metrics exposes ledger and HTTP instrumentation to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Artfain/uav-ledger/core"
)

const namespace = "uavledger"

// Metrics is nil safe: every method is a no-op on a nil receiver.
type Metrics struct {
	gatherer          prometheus.Gatherer
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	operations        *prometheus.CounterVec
	blocks            prometheus.Counter
	transactions      *prometheus.CounterVec
	height            prometheus.Gauge
	pending           prometheus.Gauge
}

// New registers the collectors with reg. Passing nil uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger write operations by outcome.",
		}, []string{"operation", "outcome"}),
		blocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_produced_total",
			Help:      "Blocks produced since start.",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_committed_total",
			Help:      "Transactions committed in blocks by type.",
		}, []string{"type"}),
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "Index of the latest block.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_transactions",
			Help:      "Transactions waiting for the next block.",
		}),
	}
	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.operations,
		m.blocks,
		m.transactions,
		m.height,
		m.pending,
		collectors.NewGoCollector(),
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records the status and duration of every request served by next.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Operation counts a register or authenticate request by its error kind.
func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	outcome := core.Kind(err)
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// OnBlock makes Metrics a block listener.
func (m *Metrics) OnBlock(b core.Block) {
	if m == nil {
		return
	}
	m.blocks.Inc()
	m.height.Set(float64(b.Index))
	for _, tx := range b.Transactions {
		m.transactions.WithLabelValues(string(tx.Type)).Inc()
	}
}

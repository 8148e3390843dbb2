package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bench_history"

// Metrics holds every collector the service exports. Each instance owns its
// registry so tests and multiple servers in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	RunsIngested     *prometheus.CounterVec
	RunsRejected     *prometheus.CounterVec
	MetricsPerRun    prometheus.Histogram
	Verdicts         *prometheus.CounterVec
	Evaluations      *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	StorageDuration  *prometheus.HistogramVec
	StorageErrors    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	HTTPResponseSize prometheus.Histogram
	GRPCRequests     *prometheus.CounterVec
}

// NewMetrics registers all collectors, plus the Go runtime and process
// collectors, on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		RunsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_ingested_total",
			Help:      "Runs appended to history",
		}, []string{"suite"}),
		RunsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_rejected_total",
			Help:      "Runs rejected before or during append",
		}, []string{"suite", "reason"}),
		MetricsPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "metrics_per_run",
			Help:      "Number of metrics carried by an ingested run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Metric verdicts produced by the detector",
		}, []string{"suite", "kind"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Run evaluations, split by whether the run was stored",
		}, []string{"mode"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time to append and evaluate one run",
			Buckets:   prometheus.DefBuckets,
		}),
		StorageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "History store operation latency",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"operation"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "History store operations that failed",
		}, []string{"operation"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HTTPResponseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
		GRPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "gRPC requests by method and status code",
		}, []string{"method", "code"}),
	}

	reg.MustRegister(
		m.RunsIngested, m.RunsRejected, m.MetricsPerRun, m.Verdicts, m.Evaluations,
		m.IngestDuration, m.StorageDuration, m.StorageErrors,
		m.HTTPRequests, m.HTTPDuration, m.HTTPResponseSize, m.GRPCRequests,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStorage records the latency and outcome of a store operation
func (m *Metrics) ObserveStorage(operation string, duration time.Duration, err error) {
	m.StorageDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.StorageErrors.WithLabelValues(operation).Inc()
	}
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, statusCode int, duration time.Duration, size int64) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	if size > 0 {
		m.HTTPResponseSize.Observe(float64(size))
	}
}

// RegisterCacheStats exports window cache counters read at scrape time
func (m *Metrics) RegisterCacheStats(stats func() (hits, misses int64, size int)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Window cache hits",
		}, func() float64 { h, _, _ := stats(); return float64(h) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Window cache misses",
		}, func() float64 { _, mi, _ := stats(); return float64(mi) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Windows currently cached",
		}, func() float64 { _, _, s := stats(); return float64(s) }),
	)
}

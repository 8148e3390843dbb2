package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"bench-history/internal/history"
)

// MonitoringService integrates health checks and Prometheus metrics
type MonitoringService struct {
	HealthManager *HealthManager
	Metrics       *Metrics
}

// NewMonitoringService creates a monitoring service with the default checkers
func NewMonitoringService(repo history.Repository, version string) *MonitoringService {
	healthManager := NewHealthManager(version)

	healthManager.RegisterChecker(NewStorageHealthChecker(repo))
	healthManager.RegisterChecker(NewMemoryHealthChecker(1024))     // 1GB limit
	healthManager.RegisterChecker(NewGoroutineHealthChecker(10000)) // 10k goroutines limit

	metrics := NewMetrics()
	if cached, ok := repo.(*history.CachedRepository); ok {
		metrics.RegisterCacheStats(func() (int64, int64, int) {
			st := cached.CacheStats()
			return st.Hits, st.Misses, st.Size
		})
	}

	return &MonitoringService{
		HealthManager: healthManager,
		Metrics:       metrics,
	}
}

// GetHealthHandler returns HTTP handler for health checks
func (ms *MonitoringService) GetHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		health := ms.HealthManager.CheckHealth(ctx)

		// Set appropriate HTTP status code
		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
		}
	}
}

// GetMetricsHandler returns HTTP handler for Prometheus metrics
func (ms *MonitoringService) GetMetricsHandler() http.Handler {
	return ms.Metrics.Handler()
}

// RouteNamer maps a request to a low-cardinality route label
type RouteNamer func(r *http.Request) string

// MonitoringMiddleware provides HTTP middleware for automatic metrics collection.
// Without a namer every request is labelled with its raw path.
func (ms *MonitoringService) MonitoringMiddleware(route RouteNamer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture metrics
			wrapped := &monitoringResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Process request
			next.ServeHTTP(wrapped, r)

			name := r.URL.Path
			if route != nil {
				name = route(r)
			}
			ms.Metrics.ObserveHTTP(r.Method, name, wrapped.statusCode, time.Since(start), wrapped.size)
		})
	}
}

// monitoringResponseWriter wraps http.ResponseWriter to capture metrics
type monitoringResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (mrw *monitoringResponseWriter) WriteHeader(code int) {
	mrw.statusCode = code
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *monitoringResponseWriter) Write(data []byte) (int, error) {
	size, err := mrw.ResponseWriter.Write(data)
	mrw.size += int64(size)
	return size, err
}

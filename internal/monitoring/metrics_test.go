package monitoring

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registered(t *testing.T) {
	m := NewMetrics()

	m.RunsIngested.WithLabelValues("ci").Inc()
	m.Verdicts.WithLabelValues("ci", "regressed").Add(2)

	if got := testutil.ToFloat64(m.RunsIngested.WithLabelValues("ci")); got != 1 {
		t.Errorf("Expected 1 ingested run, got %v", got)
	}

	if got := testutil.ToFloat64(m.Verdicts.WithLabelValues("ci", "regressed")); got != 2 {
		t.Errorf("Expected 2 regressed verdicts, got %v", got)
	}

	count, err := testutil.GatherAndCount(m.Registry(), "bench_history_verdicts_total")
	if err != nil {
		t.Fatalf("Failed to gather: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 verdict series, got %d", count)
	}
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.RunsIngested.WithLabelValues("ci").Inc()

	if got := testutil.ToFloat64(b.RunsIngested.WithLabelValues("ci")); got != 0 {
		t.Errorf("Expected registries to be independent, got %v", got)
	}
}

func TestMetrics_ObserveStorage(t *testing.T) {
	m := NewMetrics()

	m.ObserveStorage("append", 2*time.Millisecond, nil)
	m.ObserveStorage("append", 3*time.Millisecond, errors.New("disk full"))
	m.ObserveStorage("window", time.Millisecond, nil)

	if got := testutil.ToFloat64(m.StorageErrors.WithLabelValues("append")); got != 1 {
		t.Errorf("Expected 1 append error, got %v", got)
	}

	if got := testutil.ToFloat64(m.StorageErrors.WithLabelValues("window")); got != 0 {
		t.Errorf("Expected no window errors, got %v", got)
	}

	count, err := testutil.GatherAndCount(m.Registry(), "bench_history_storage_operation_duration_seconds")
	if err != nil {
		t.Fatalf("Failed to gather: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 operation series, got %d", count)
	}
}

func TestMetrics_ObserveHTTP(t *testing.T) {
	m := NewMetrics()

	m.ObserveHTTP("GET", "/api/v1/suites", 200, 5*time.Millisecond, 128)
	m.ObserveHTTP("GET", "/api/v1/suites", 200, 5*time.Millisecond, 0)
	m.ObserveHTTP("POST", "/api/v1/suites/{suite}/runs", 422, time.Millisecond, 64)

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/v1/suites", "200")); got != 2 {
		t.Errorf("Expected 2 GET requests, got %v", got)
	}

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/api/v1/suites/{suite}/runs", "422")); got != 1 {
		t.Errorf("Expected 1 rejected POST, got %v", got)
	}

	expected := `
# HELP bench_history_http_response_size_bytes HTTP response body size
# TYPE bench_history_http_response_size_bytes histogram
bench_history_http_response_size_bytes_bucket{le="64"} 1
bench_history_http_response_size_bytes_bucket{le="256"} 2
bench_history_http_response_size_bytes_bucket{le="1024"} 2
bench_history_http_response_size_bytes_bucket{le="4096"} 2
bench_history_http_response_size_bytes_bucket{le="16384"} 2
bench_history_http_response_size_bytes_bucket{le="65536"} 2
bench_history_http_response_size_bytes_bucket{le="262144"} 2
bench_history_http_response_size_bytes_bucket{le="1.048576e+06"} 2
bench_history_http_response_size_bytes_bucket{le="+Inf"} 2
bench_history_http_response_size_bytes_sum 192
bench_history_http_response_size_bytes_count 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "bench_history_http_response_size_bytes"); err != nil {
		t.Errorf("Unexpected response size histogram: %v", err)
	}
}

func TestMetrics_RegisterCacheStats(t *testing.T) {
	m := NewMetrics()

	hits, misses, size := int64(7), int64(3), 5
	m.RegisterCacheStats(func() (int64, int64, int) { return hits, misses, size })

	expected := `
# HELP bench_history_cache_hits_total Window cache hits
# TYPE bench_history_cache_hits_total counter
bench_history_cache_hits_total 7
# HELP bench_history_cache_entries Windows currently cached
# TYPE bench_history_cache_entries gauge
bench_history_cache_entries 5
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"bench_history_cache_hits_total", "bench_history_cache_entries"); err != nil {
		t.Errorf("Unexpected cache metrics: %v", err)
	}

	// Values are read at scrape time
	hits = 8
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(strings.Replace(expected, "hits_total 7", "hits_total 8", 1)),
		"bench_history_cache_hits_total", "bench_history_cache_entries"); err != nil {
		t.Errorf("Expected cache hits to be re-read: %v", err)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RunsIngested.WithLabelValues("nightly").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body, _ := io.ReadAll(w.Body)
	output := string(body)

	expectedStrings := []string{
		`bench_history_runs_ingested_total{suite="nightly"} 1`,
		"go_goroutines",
		"process_",
	}
	for _, expected := range expectedStrings {
		if !strings.Contains(output, expected) {
			t.Errorf("Expected output to contain %q", expected)
		}
	}
}

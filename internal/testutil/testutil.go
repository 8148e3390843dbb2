package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"bench-history/internal/config"
	"bench-history/internal/history"
	"bench-history/internal/logging"
	"bench-history/internal/model"
	"bench-history/internal/storage"
)

// TestRepository creates an in-memory badger history repository
func TestRepository(t *testing.T) *history.BadgerRepository {
	t.Helper()

	repo, err := history.NewBadgerRepository(storage.Config{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("Failed to create test repository: %v", err)
	}

	t.Cleanup(func() {
		repo.Close()
	})

	return repo
}

// TestStore opens suite on a fresh in-memory repository
func TestStore(t *testing.T, suite string) history.Store {
	t.Helper()

	store, err := TestRepository(t).Suite(suite)
	if err != nil {
		t.Fatalf("Failed to open suite %q: %v", suite, err)
	}
	return store
}

// TestConfig creates a test configuration
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.InMemory = true
	cfg.Server.Port = 0 // Let the OS choose a free port for testing
	cfg.Server.GRPCPort = 0
	cfg.Metrics.Port = 0
	return cfg
}

// TestLogger creates a test logger with minimal configuration. Output is
// discarded so tests stay quiet.
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.NewLoggerWithWriter(&testLogConfig, io.Discard)
}

// CaptureLogger returns a JSON debug logger writing into the returned buffer
func CaptureLogger() (*logging.Logger, *SyncBuffer) {
	cfg := logging.TestLoggingConfig()
	cfg.Level = "debug"
	cfg.Format = "json"
	buf := &SyncBuffer{}
	return logging.NewLoggerWithWriter(&cfg, buf), buf
}

// SyncBuffer is a bytes.Buffer safe for concurrent writers
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Run builds a valid run with one metric per name=value pair, all in ns/iter
func Run(commit string, values map[string]float64) model.RunRecord {
	run := model.RunRecord{
		Commit:    model.CommitInfo{ID: commit},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Tool:      "cargo",
	}
	for _, name := range sortedKeys(values) {
		run.Metrics = append(run.Metrics, model.MetricRecord{
			Name:  name,
			Value: values[name],
			Unit:  "ns/iter",
		})
	}
	return run
}

// SingleMetricRun builds a run carrying only metric name
func SingleMetricRun(commit, name string, value float64) model.RunRecord {
	return Run(commit, map[string]float64{name: value})
}

// PopulateHistory appends one run per value for metric name and returns the
// assigned sequence ids
func PopulateHistory(t *testing.T, store history.Store, name string, values ...float64) []model.SequenceID {
	t.Helper()

	seqs := make([]model.SequenceID, 0, len(values))
	for i, v := range values {
		seq, err := store.Append(context.Background(), SingleMetricRun(fmt.Sprintf("c%04d", i), name, v))
		if err != nil {
			t.Fatalf("Failed to append history value %v: %v", v, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs
}

// AssertHTTPStatus verifies that the HTTP response has the expected status code
func AssertHTTPStatus(t *testing.T, recorder *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()

	if recorder.Code != expectedStatus {
		t.Errorf("Expected HTTP status %d, got %d: %s", expectedStatus, recorder.Code, recorder.Body.String())
	}
}

// AssertContains verifies that a string contains a substring
func AssertContains(t *testing.T, str, substr string) {
	t.Helper()

	if !strings.Contains(str, substr) {
		t.Errorf("Expected string to contain %s, but it doesn't: %s", substr, str)
	}
}

// MockHTTPRequest creates a mock HTTP request for testing
func MockHTTPRequest(method, url string, body string) *http.Request {
	if body != "" {
		req := httptest.NewRequest(method, url, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}
	return httptest.NewRequest(method, url, nil)
}

// WithTimeout runs a test function with a timeout
func WithTimeout(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()

	done := make(chan bool, 1)

	go func() {
		fn()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("Test timed out after %v", timeout)
	}
}

// ConcurrentTest runs testFunc on concurrency goroutines and fails on panic
func ConcurrentTest(t *testing.T, concurrency int, testFunc func(int)) {
	t.Helper()

	var wg sync.WaitGroup
	errors := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errors <- fmt.Errorf("goroutine %d panicked: %v", index, r)
				}
			}()

			testFunc(index)
		}(i)
	}

	wg.Wait()

	select {
	case err := <-errors:
		t.Fatalf("Concurrent test failed: %v", err)
	default:
	}
}

// TestDataGenerator generates noisy benchmark series
type TestDataGenerator struct {
	rand *rand.Rand
}

// NewTestDataGenerator creates a new test data generator
func NewTestDataGenerator(seed int64) *TestDataGenerator {
	return &TestDataGenerator{
		rand: rand.New(rand.NewSource(seed)),
	}
}

// Series returns n values around center with uniform relative noise
func (tdg *TestDataGenerator) Series(center, noise float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = center * (1 + noise*(2*tdg.rand.Float64()-1))
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

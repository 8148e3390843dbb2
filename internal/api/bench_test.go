package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bench-history/internal/history"
	"bench-history/internal/service"
	"bench-history/internal/storage"
	"bench-history/internal/testutil"

	"github.com/gorilla/mux"
)

// API Benchmarks

func setupBenchmarkAPI(b *testing.B) *mux.Router {
	b.Helper()

	repo, err := history.NewBadgerRepository(storage.Config{InMemory: true}, nil)
	if err != nil {
		b.Fatalf("Failed to create repository: %v", err)
	}
	b.Cleanup(func() { repo.Close() })

	svc := service.New(repo, nil, nil, service.WithLogger(testutil.TestLogger()))
	return NewRESTHandler(svc, testutil.TestLogger(), Options{}).SetupRoutes()
}

func benchRequest(router http.Handler, method, url, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func BenchmarkAPI_AppendRun(b *testing.B) {
	router := setupBenchmarkAPI(b)

	bodies := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		bodies[i] = nativeRun(fmt.Sprintf("c%06d", i), float64(2000+i%50))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if w := benchRequest(router, http.MethodPost, "/api/v1/suites/ci/runs", bodies[i]); w.Code != http.StatusCreated {
			b.Fatalf("Append failed with status %d: %s", w.Code, w.Body.String())
		}
	}
}

func BenchmarkAPI_CheckRun(b *testing.B) {
	router := setupBenchmarkAPI(b)
	for i := 0; i < 100; i++ {
		if w := benchRequest(router, http.MethodPost, "/api/v1/suites/ci/runs", nativeRun(fmt.Sprintf("c%03d", i), float64(2000+i%50))); w.Code != http.StatusCreated {
			b.Fatalf("Setup append failed with status %d", w.Code)
		}
	}
	body := nativeRun("probe", 2400)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if w := benchRequest(router, http.MethodPost, "/api/v1/suites/ci/check", body); w.Code != http.StatusOK {
			b.Fatalf("Check failed with status %d", w.Code)
		}
	}
}

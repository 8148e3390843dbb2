package api

import (
	"net/http"

	"bench-history/internal/logging"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all REST API routes
func (h *RESTHandler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(logging.CorrelationIDMiddleware(h.logger))
	router.Use(logging.LoggingMiddleware(h.logger))
	router.Use(h.TracingMiddleware)
	if h.monitoring != nil {
		router.Use(h.monitoring.MonitoringMiddleware(routeName))
	}
	router.Use(h.CORSMiddleware)
	router.Use(h.BodyLimitMiddleware)

	// API version 1
	v1 := router.PathPrefix("/api/v1").Subrouter()

	// Read operations
	v1.HandleFunc("/suites", h.ListSuites).Methods(http.MethodGet)
	v1.HandleFunc("/suites/{suite}/runs", h.LatestRuns).Methods(http.MethodGet)
	v1.HandleFunc("/suites/{suite}/history", h.History).Methods(http.MethodGet)
	v1.HandleFunc("/suites/{suite}/window", h.Window).Methods(http.MethodGet)
	v1.HandleFunc("/export/data.js", h.Export).Methods(http.MethodGet)

	// Dry runs never write, so they stay open like reads
	v1.HandleFunc("/suites/{suite}/check", h.CheckRun).Methods(http.MethodPost)

	// Write operations
	writes := v1.NewRoute().Subrouter()
	writes.Use(h.AuthMiddleware)
	writes.HandleFunc("/suites/{suite}/runs", h.AppendRun).Methods(http.MethodPost)
	writes.HandleFunc("/import", h.Import).Methods(http.MethodPost)

	// Health and metrics
	if h.monitoring != nil {
		router.HandleFunc("/health", h.monitoring.GetHealthHandler()).Methods(http.MethodGet)
		v1.HandleFunc("/health", h.monitoring.GetHealthHandler()).Methods(http.MethodGet)
		router.Handle("/metrics", h.monitoring.GetMetricsHandler()).Methods(http.MethodGet)
	} else {
		router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
		v1.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	}

	// Handle OPTIONS for all routes (CORS preflight)
	v1.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/", h.RootHandler).Methods(http.MethodGet)

	return router
}

// RootHandler handles requests to the root path
func (h *RESTHandler) RootHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service":     "bench-history",
		"version":     h.opts.Version,
		"api_version": "v1",
		"endpoints": map[string]interface{}{
			"health":  "/health or /api/v1/health",
			"metrics": "/metrics",
			"runs": map[string]string{
				"append":  "POST /api/v1/suites/{suite}/runs?format={native|cargo|go|customSmallerIsBetter|customBiggerIsBetter}&commit={id}",
				"check":   "POST /api/v1/suites/{suite}/check",
				"latest":  "GET /api/v1/suites/{suite}/runs?limit={n}",
				"history": "GET /api/v1/suites/{suite}/history",
				"window":  "GET /api/v1/suites/{suite}/window?metric={name}&before={seq}&limit={n}",
			},
			"suites": "GET /api/v1/suites",
			"export": "GET /api/v1/export/data.js?format={js|json}",
			"import": "POST /api/v1/import",
		},
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bench-history/internal/detector"
	"bench-history/internal/history"
	"bench-history/internal/logging"
	"bench-history/internal/model"
	"bench-history/internal/monitoring"
	"bench-history/internal/parser"
	"bench-history/internal/report"
	"bench-history/internal/service"
	"bench-history/internal/tracing"

	"github.com/gorilla/mux"
)

// DefaultMaxBodySize bounds request bodies when no limit is configured
const DefaultMaxBodySize = 8 << 20

// Options configures a RESTHandler
type Options struct {
	// AuthToken, when set, is required as a bearer token on write endpoints
	AuthToken   string
	MaxBodySize int64
	Version     string
	Monitoring  *monitoring.MonitoringService
	Tracer      *tracing.TracingService
}

// RESTHandler handles HTTP REST API requests
type RESTHandler struct {
	svc        *service.Service
	logger     *logging.Logger
	monitoring *monitoring.MonitoringService
	tracer     *tracing.TracingService
	opts       Options
}

// NewRESTHandler creates a new REST API handler
func NewRESTHandler(svc *service.Service, logger *logging.Logger, opts Options) *RESTHandler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &RESTHandler{
		svc:        svc,
		logger:     logger,
		monitoring: opts.Monitoring,
		tracer:     tracer,
		opts:       opts,
	}
}

// SuitesResponse lists known suites
type SuitesResponse struct {
	Suites []string `json:"suites"`
	Count  int      `json:"count"`
}

// RunsResponse carries stored runs
type RunsResponse struct {
	Suite string            `json:"suite"`
	Runs  []model.StoredRun `json:"runs"`
	Count int               `json:"count"`
}

// WindowResponse carries the points of one metric
type WindowResponse struct {
	Suite    string             `json:"suite"`
	Metric   string             `json:"metric"`
	Before   model.SequenceID   `json:"before,omitempty"`
	Points   []model.Point      `json:"points"`
	Count    int                `json:"count"`
	Baseline *BaselineResponse  `json:"baseline,omitempty"`
}

// BaselineResponse is the baseline a new value of a metric would face
type BaselineResponse struct {
	Center  float64 `json:"center"`
	Scale   float64 `json:"scale"`
	Samples int     `json:"samples"`
}

// ImportResponse reports what an import appended
type ImportResponse struct {
	Results  []history.ImportResult `json:"results"`
	Appended int                    `json:"appended"`
	Rejected int                    `json:"rejected"`
}

// ErrorResponse represents a generic error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/v1/suites/{suite}/runs
func (h *RESTHandler) AppendRun(w http.ResponseWriter, r *http.Request) {
	h.evaluateRun(w, r, false)
}

// POST /api/v1/suites/{suite}/check
func (h *RESTHandler) CheckRun(w http.ResponseWriter, r *http.Request) {
	h.evaluateRun(w, r, true)
}

func (h *RESTHandler) evaluateRun(w http.ResponseWriter, r *http.Request, dryRun bool) {
	ctx := r.Context()
	suite := mux.Vars(r)["suite"]

	run, polarity, err := h.decodeRun(r)
	if err != nil {
		h.logger.WarnContext(ctx, "Run request with invalid body", "suite", suite, "error", err.Error())
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []service.EvalOption
	if polarity != "" {
		opts = append(opts, service.WithDefaultPolarity(polarity))
	}

	var rep *report.Report
	if dryRun {
		rep, err = h.svc.Check(ctx, suite, run, opts...)
	} else {
		rep, err = h.svc.Ingest(ctx, suite, run, opts...)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if dryRun {
		status = http.StatusOK
	}

	if wantsMarkdown(r) {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprint(w, report.Markdown(rep))
		return
	}
	h.writeJSONResponse(w, status, rep)
}

// decodeRun reads a run in the format named by the format query parameter.
// Harness outputs take their commit from the commit query parameter.
func (h *RESTHandler) decodeRun(r *http.Request) (model.RunRecord, detector.Polarity, error) {
	query := r.URL.Query()

	format, err := parser.ParseFormat(query.Get("format"))
	if err != nil {
		return model.RunRecord{}, "", err
	}

	res, err := parser.Parse(format, r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.RunRecord{}, "", fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return model.RunRecord{}, "", err
	}

	run := res.ToRun(model.CommitInfo{ID: query.Get("commit")})
	if tool := query.Get("tool"); tool != "" && res.Run == nil {
		run.Tool = tool
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}

	// Only explicit custom formats declare a direction
	var polarity detector.Polarity
	if res.Format == parser.FormatCustomBiggerIsBetter {
		polarity = res.Polarity
	}
	return run, polarity, nil
}

// GET /api/v1/suites
func (h *RESTHandler) ListSuites(w http.ResponseWriter, r *http.Request) {
	suites, err := h.svc.Suites(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if suites == nil {
		suites = []string{}
	}
	h.writeJSONResponse(w, http.StatusOK, SuitesResponse{Suites: suites, Count: len(suites)})
}

// GET /api/v1/suites/{suite}/runs?limit=N
func (h *RESTHandler) LatestRuns(w http.ResponseWriter, r *http.Request) {
	suite := mux.Vars(r)["suite"]

	limit, err := intParam(r, "limit", service.DefaultLatest)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.svc.Latest(r.Context(), suite, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, RunsResponse{Suite: suite, Runs: runs, Count: len(runs)})
}

// GET /api/v1/suites/{suite}/history
func (h *RESTHandler) History(w http.ResponseWriter, r *http.Request) {
	suite := mux.Vars(r)["suite"]

	runs, err := h.svc.History(r.Context(), suite)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, RunsResponse{Suite: suite, Runs: runs, Count: len(runs)})
}

// GET /api/v1/suites/{suite}/window?metric=name&before=seq&limit=N
func (h *RESTHandler) Window(w http.ResponseWriter, r *http.Request) {
	suite := mux.Vars(r)["suite"]
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "metric query parameter is required")
		return
	}

	before, err := intParam(r, "before", 0)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := h.svc.Window(r.Context(), suite, metric, model.SequenceID(before), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if points == nil {
		points = []model.Point{}
	}

	resp := WindowResponse{
		Suite:  suite,
		Metric: metric,
		Before: model.SequenceID(before),
		Points: points,
		Count:  len(points),
	}

	// The baseline only describes the next append, not arbitrary positions
	if before == 0 {
		b, ok, err := h.svc.Baseline(r.Context(), suite, metric)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		if ok {
			resp.Baseline = &BaselineResponse{Center: b.Center, Scale: b.Scale, Samples: b.Samples}
		}
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// GET /api/v1/export/data.js, or JSON with ?format=json
func (h *RESTHandler) Export(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Export(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	script := r.URL.Query().Get("format") != "json"
	body, err := doc.Encode(script)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if script {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// POST /api/v1/import with a data.js document as body
func (h *RESTHandler) Import(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	doc, err := history.ParseDocument(data)
	if err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.svc.Import(r.Context(), doc)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := ImportResponse{Results: results}
	for _, res := range results {
		resp.Appended += res.Appended
		resp.Rejected += res.Rejected
	}
	if resp.Results == nil {
		resp.Results = []history.ImportResult{}
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Health is used when no monitoring service is configured
func (h *RESTHandler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.Suites(r.Context()); err != nil {
		h.writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   h.opts.Version,
		"timestamp": time.Now().Unix(),
	})
}

// Helper methods

func (h *RESTHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (h *RESTHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    statusCode,
		Message: http.StatusText(statusCode),
	})
}

// writeServiceError maps pipeline errors onto HTTP status codes
func (h *RESTHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
	}
	h.writeErrorResponse(w, status, err.Error())
}

// StatusFor returns the HTTP status code for a service error
func StatusFor(err error) int {
	switch service.Classify(err) {
	case service.ErrorInvalid:
		return http.StatusUnprocessableEntity
	case service.ErrorNotFound:
		return http.StatusNotFound
	case service.ErrorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AuthMiddleware requires the configured bearer token. Without a token it is
// a pass-through.
func (h *RESTHandler) AuthMiddleware(next http.Handler) http.Handler {
	if h.opts.AuthToken == "" {
		return next
	}
	want := []byte(h.opts.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			h.logger.WarnContext(r.Context(), "Rejected unauthenticated write", "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="bench-history"`)
			h.writeErrorResponse(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BodyLimitMiddleware caps request bodies at the configured size
func (h *RESTHandler) BodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// TracingMiddleware opens a server span per request, named after the route
func (h *RESTHandler) TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.InstrumentHTTPRequest(r.Context(), r.Method, routeName(r))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CORS middleware
func (h *RESTHandler) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// routeName returns the matched route template, keeping metric labels bounded
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func wantsMarkdown(r *http.Request) bool {
	return r.URL.Query().Get("view") == "markdown" || strings.Contains(r.Header.Get("Accept"), "text/markdown")
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", name, raw)
	}
	return v, nil
}

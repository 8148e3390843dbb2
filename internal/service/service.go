// Package service runs the ingestion pipeline: a run is appended to its
// suite, each metric is compared with the baseline of the points stored
// before it, and the verdicts are packaged into a report.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"bench-history/internal/baseline"
	"bench-history/internal/detector"
	"bench-history/internal/history"
	"bench-history/internal/logging"
	"bench-history/internal/model"
	"bench-history/internal/monitoring"
	"bench-history/internal/report"
	"bench-history/internal/tracing"
)

// DefaultLatest is the run count returned when a caller asks for none
const DefaultLatest = 10

// Service evaluates runs against a history repository
type Service struct {
	repo      history.Repository
	estimator *baseline.Estimator
	detector  *detector.Detector
	logger    *logging.Logger
	metrics   *monitoring.Metrics
	tracer    *tracing.TracingService
	repoURL   string
}

// Option customizes a Service
type Option func(*Service)

// WithLogger sets the logger. Without one, log output is discarded.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics records ingestion metrics on m
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTracer wraps operations in spans
func WithTracer(t *tracing.TracingService) Option {
	return func(s *Service) { s.tracer = t }
}

// WithRepoURL sets the repository URL written into exports
func WithRepoURL(url string) Option {
	return func(s *Service) { s.repoURL = url }
}

// EvalOption adjusts how a single run is judged
type EvalOption func(*detector.Detector)

// WithDefaultPolarity overrides the default polarity for one run. Configured
// rules still take precedence.
func WithDefaultPolarity(p detector.Polarity) EvalOption {
	return func(d *detector.Detector) {
		if p != "" {
			d.DefaultPolarity = p
		}
	}
}

// New creates a service. A nil estimator or detector uses the defaults.
func New(repo history.Repository, est *baseline.Estimator, det *detector.Detector, opts ...Option) *Service {
	if est == nil {
		est = baseline.New()
	}
	if det == nil {
		det = detector.New()
	}

	s := &Service{
		repo:      repo,
		estimator: est,
		detector:  det,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		cfg := logging.ProductionLoggingConfig()
		s.logger = logging.NewLoggerWithWriter(&cfg, io.Discard)
	}
	if s.metrics == nil {
		s.metrics = monitoring.NewMetrics()
	}
	if s.tracer == nil {
		s.tracer = tracing.Noop()
	}
	return s
}

// Repository returns the underlying repository
func (s *Service) Repository() history.Repository {
	return s.repo
}

// Ingest appends run to suite and evaluates it against the history stored
// before it. A run that fails validation is rejected as a whole and nothing
// is stored.
func (s *Service) Ingest(ctx context.Context, suite string, run model.RunRecord, opts ...EvalOption) (*report.Report, error) {
	start := time.Now()
	ctx = logging.WithSuite(ctx, suite)

	store, err := s.repo.Suite(suite)
	if err != nil {
		s.reject(ctx, suite, run, err)
		return nil, err
	}

	seq, err := s.appendRun(ctx, suite, store, run)
	if err != nil {
		s.reject(ctx, suite, run, err)
		return nil, err
	}

	s.metrics.RunsIngested.WithLabelValues(suite).Inc()
	s.metrics.MetricsPerRun.Observe(float64(len(run.Metrics)))

	rep, err := s.evaluate(ctx, suite, store, s.detectorFor(opts), run, seq, false)
	if err != nil {
		return nil, fmt.Errorf("run %d stored but evaluation failed: %w", seq, err)
	}

	duration := time.Since(start)
	s.metrics.IngestDuration.Observe(duration.Seconds())
	s.logger.RunIngested(ctx, suite, uint64(seq), run.Commit.ID, len(run.Metrics), duration)
	return rep, nil
}

// Check evaluates run against the current head of suite without storing it.
// The report carries the sequence id the run would have received.
func (s *Service) Check(ctx context.Context, suite string, run model.RunRecord, opts ...EvalOption) (*report.Report, error) {
	ctx = logging.WithSuite(ctx, suite)

	if err := model.Validate(&run); err != nil {
		return nil, err
	}

	store, err := s.repo.Suite(suite)
	if err != nil {
		return nil, err
	}

	head, err := s.head(ctx, suite, store)
	if err != nil {
		return nil, err
	}

	return s.evaluate(ctx, suite, store, s.detectorFor(opts), run, head+1, true)
}

// Latest returns the n most recent runs of suite, newest first
func (s *Service) Latest(ctx context.Context, suite string, n int) ([]model.StoredRun, error) {
	if n <= 0 {
		n = DefaultLatest
	}

	store, err := s.existingSuite(ctx, suite)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.InstrumentStorageOperation(ctx, "latest", suite)
	start := time.Now()
	runs, err := store.Latest(ctx, n)
	s.observeStorage(ctx, "latest", suite, start, err)
	s.tracer.End(span, err)
	return runs, err
}

// History returns every run of suite, oldest first
func (s *Service) History(ctx context.Context, suite string) ([]model.StoredRun, error) {
	store, err := s.existingSuite(ctx, suite)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.InstrumentStorageOperation(ctx, "all", suite)
	start := time.Now()
	runs, err := store.All(ctx)
	s.observeStorage(ctx, "all", suite, start, err)
	s.tracer.End(span, err)
	return runs, err
}

// Window returns up to n points of metric name strictly before seq, oldest
// first. A zero before means after the current head.
func (s *Service) Window(ctx context.Context, suite, name string, before model.SequenceID, n int) ([]model.Point, error) {
	if n <= 0 {
		n = s.estimator.WindowSize
	}

	store, err := s.existingSuite(ctx, suite)
	if err != nil {
		return nil, err
	}

	if before == 0 {
		head, err := s.head(ctx, suite, store)
		if err != nil {
			return nil, err
		}
		before = head + 1
	}

	ctx, span := s.tracer.InstrumentStorageOperation(ctx, "window", suite)
	start := time.Now()
	points, err := store.Window(ctx, name, before, n)
	s.observeStorage(ctx, "window", suite, start, err)
	s.tracer.End(span, err)
	return points, err
}

// Baseline returns the baseline metric name would be judged against if a
// run were appended now. The boolean is false on a cold start.
func (s *Service) Baseline(ctx context.Context, suite, name string) (baseline.Baseline, bool, error) {
	store, err := s.existingSuite(ctx, suite)
	if err != nil {
		return baseline.Baseline{}, false, err
	}

	head, err := s.head(ctx, suite, store)
	if err != nil {
		return baseline.Baseline{}, false, err
	}

	provider := s.estimator.NewProvider(ctx, store, head+1)
	b, ok := provider.Lookup(name)
	if err := provider.Err(); err != nil {
		return baseline.Baseline{}, false, err
	}
	return b, ok, nil
}

// Suites lists every suite with at least one run
func (s *Service) Suites(ctx context.Context) ([]string, error) {
	start := time.Now()
	suites, err := s.repo.Suites(ctx)
	s.observeStorage(ctx, "suites", "", start, err)
	return suites, err
}

// Export collects the full history into a data.js document
func (s *Service) Export(ctx context.Context) (*history.Document, error) {
	start := time.Now()
	doc, err := history.Export(ctx, s.repo, s.repoURL)
	s.observeStorage(ctx, "export", "", start, err)
	return doc, err
}

// Import appends every entry of doc without evaluating it
func (s *Service) Import(ctx context.Context, doc *history.Document) ([]history.ImportResult, error) {
	start := time.Now()
	results, err := history.Import(ctx, s.repo, doc)
	s.observeStorage(ctx, "import", "", start, err)
	for _, r := range results {
		s.metrics.RunsIngested.WithLabelValues(r.Suite).Add(float64(r.Appended))
		if r.Rejected > 0 {
			s.metrics.RunsRejected.WithLabelValues(r.Suite, "validation").Add(float64(r.Rejected))
		}
		s.logger.InfoContext(ctx, "Suite imported", "suite", r.Suite, "appended", r.Appended, "rejected", r.Rejected)
	}
	return results, err
}

func (s *Service) appendRun(ctx context.Context, suite string, store history.Store, run model.RunRecord) (model.SequenceID, error) {
	ctx, span := s.tracer.InstrumentStorageOperation(ctx, "append", suite)
	start := time.Now()
	seq, err := store.Append(ctx, run)

	// Validation failures are the caller's problem, not a storage fault
	storageErr := err
	if errors.Is(err, model.ErrValidation) {
		storageErr = nil
	}
	s.observeStorage(ctx, "append", suite, start, storageErr)
	s.tracer.End(span, err)
	return seq, err
}

func (s *Service) detectorFor(opts []EvalOption) *detector.Detector {
	if len(opts) == 0 {
		return s.detector
	}
	d := *s.detector
	for _, opt := range opts {
		opt(&d)
	}
	return &d
}

func (s *Service) evaluate(ctx context.Context, suite string, store history.Store, det *detector.Detector, run model.RunRecord, seq model.SequenceID, dryRun bool) (*report.Report, error) {
	ctx, span := s.tracer.InstrumentEvaluation(ctx, suite, len(run.Metrics), dryRun)

	provider := s.estimator.NewProvider(ctx, store, seq)
	verdicts := det.Evaluate(run, provider.Lookup)
	if err := provider.Err(); err != nil {
		s.tracer.End(span, err)
		return nil, err
	}
	s.tracer.End(span, nil)

	rep := report.New(suite, seq, run, verdicts)
	rep.DryRun = dryRun

	mode := "append"
	if dryRun {
		mode = "dry_run"
	}
	s.metrics.Evaluations.WithLabelValues(mode).Inc()

	counts := make(map[string]int)
	for kind, n := range detector.Count(verdicts) {
		counts[string(kind)] = n
		if !dryRun {
			s.metrics.Verdicts.WithLabelValues(suite, string(kind)).Add(float64(n))
		}
	}
	s.logger.VerdictsEvaluated(ctx, suite, uint64(seq), dryRun, counts)
	return rep, nil
}

func (s *Service) head(ctx context.Context, suite string, store history.Store) (model.SequenceID, error) {
	start := time.Now()
	head, err := store.Head(ctx)
	s.observeStorage(ctx, "head", suite, start, err)
	return head, err
}

// existingSuite opens suite and fails with ErrSuiteNotFound when it has no runs
func (s *Service) existingSuite(ctx context.Context, suite string) (history.Store, error) {
	store, err := s.repo.Suite(suite)
	if err != nil {
		return nil, err
	}

	head, err := s.head(ctx, suite, store)
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return nil, fmt.Errorf("%w: %s", history.ErrSuiteNotFound, suite)
	}
	return store, nil
}

func (s *Service) observeStorage(ctx context.Context, operation, suite string, start time.Time, err error) {
	duration := time.Since(start)
	s.metrics.ObserveStorage(operation, duration, err)
	s.logger.StorageOperation(ctx, operation, suite, duration, err)
}

func (s *Service) reject(ctx context.Context, suite string, run model.RunRecord, err error) {
	s.metrics.RunsRejected.WithLabelValues(suite, RejectReason(err)).Inc()
	s.logger.RunRejected(ctx, suite, run.Commit.ID, err)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"bench-history/internal/detector"
	"bench-history/internal/history"
	"bench-history/internal/model"
	"bench-history/internal/monitoring"
	"bench-history/internal/testutil"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, opts ...Option) (*Service, *monitoring.Metrics) {
	t.Helper()
	metrics := monitoring.NewMetrics()
	opts = append([]Option{WithMetrics(metrics), WithLogger(testutil.TestLogger())}, opts...)
	return New(testutil.TestRepository(t), nil, nil, opts...), metrics
}

func seed(t *testing.T, svc *Service, suite, name string, values ...float64) {
	t.Helper()
	for i, v := range values {
		_, err := svc.Ingest(context.Background(), suite, testutil.SingleMetricRun(fmt.Sprintf("seed%d", i), name, v))
		require.NoError(t, err)
	}
}

func TestIngest_ColdStartThenEvaluates(t *testing.T) {
	svc, metrics := newService(t)
	ctx := context.Background()

	rep, err := svc.Ingest(ctx, "ci", testutil.SingleMetricRun("a", "message-ser/small", 2133))
	require.NoError(t, err)
	assert.Equal(t, model.SequenceID(1), rep.Seq)
	assert.False(t, rep.DryRun)
	require.Len(t, rep.Verdicts, 1)
	assert.Equal(t, detector.KindColdStart, rep.Verdicts[0].Kind)

	seed(t, svc, "ci", "message-ser/small", 2195, 2145)

	rep, err = svc.Ingest(ctx, "ci", testutil.SingleMetricRun("b", "message-ser/small", 2232))
	require.NoError(t, err)
	assert.Equal(t, model.SequenceID(4), rep.Seq)
	assert.Equal(t, detector.KindNormal, rep.Verdicts[0].Kind)

	rep, err = svc.Ingest(ctx, "ci", testutil.SingleMetricRun("c", "message-ser/small", 3000))
	require.NoError(t, err)
	assert.Equal(t, detector.KindRegressed, rep.Verdicts[0].Kind)
	assert.True(t, rep.HasRegression())

	assert.Equal(t, 5.0, promtest.ToFloat64(metrics.RunsIngested.WithLabelValues("ci")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Verdicts.WithLabelValues("ci", "regressed")))
	assert.Equal(t, 5.0, promtest.ToFloat64(metrics.Evaluations.WithLabelValues("append")))
}

func TestIngest_RegressedRunStillJoinsHistory(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	seed(t, svc, "ci", "m", 1000, 1000, 1000)
	_, err := svc.Ingest(ctx, "ci", testutil.SingleMetricRun("slow", "m", 5000))
	require.NoError(t, err)

	runs, err := svc.Latest(ctx, "ci", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "slow", runs[0].Run.Commit.ID)
	assert.Equal(t, model.SequenceID(4), runs[0].Seq)
}

func TestIngest_RejectsWholeRun(t *testing.T) {
	svc, metrics := newService(t)
	ctx := context.Background()

	seed(t, svc, "ci", "m", 100)

	run := testutil.SingleMetricRun("bad", "m", 100)
	run.Metrics[0].Unit = "ms/iter"
	run.Metrics = append(run.Metrics, model.MetricRecord{Name: "other", Value: 1, Unit: "ns/iter"})

	_, err := svc.Ingest(ctx, "ci", run)
	require.Error(t, err)
	assert.ErrorIs(t, err, history.ErrUnitMismatch)
	assert.Equal(t, ErrorInvalid, Classify(err))

	runs, err := svc.History(ctx, "ci")
	require.NoError(t, err)
	assert.Len(t, runs, 1, "rejected run must leave no trace")

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.RunsRejected.WithLabelValues("ci", "unit_mismatch")))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.StorageErrors.WithLabelValues("append")))
}

func TestIngest_InvalidSuite(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Ingest(context.Background(), "../etc", testutil.SingleMetricRun("a", "m", 1))
	assert.ErrorIs(t, err, history.ErrInvalidSuite)
	assert.Equal(t, ErrorInvalid, Classify(err))
}

func TestCheck_DoesNotAppend(t *testing.T) {
	svc, metrics := newService(t)
	ctx := context.Background()

	seed(t, svc, "ci", "m", 1000, 1010, 990)

	rep, err := svc.Check(ctx, "ci", testutil.SingleMetricRun("pr", "m", 1500))
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, model.SequenceID(4), rep.Seq)
	assert.Equal(t, detector.KindRegressed, rep.Verdicts[0].Kind)

	runs, err := svc.History(ctx, "ci")
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	// Dry runs do not count towards verdict totals
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.Verdicts.WithLabelValues("ci", "regressed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Evaluations.WithLabelValues("dry_run")))
}

func TestCheck_UnknownSuiteIsColdStart(t *testing.T) {
	svc, _ := newService(t)

	rep, err := svc.Check(context.Background(), "fresh", testutil.SingleMetricRun("pr", "m", 1))
	require.NoError(t, err)
	assert.Equal(t, model.SequenceID(1), rep.Seq)
	assert.Equal(t, detector.KindColdStart, rep.Verdicts[0].Kind)
}

func TestCheck_RejectsInvalidRun(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Check(context.Background(), "ci", model.RunRecord{Tool: "cargo"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestReads_UnknownSuite(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Latest(ctx, "missing", 5)
	assert.ErrorIs(t, err, history.ErrSuiteNotFound)
	assert.Equal(t, ErrorNotFound, Classify(err))

	_, err = svc.History(ctx, "missing")
	assert.ErrorIs(t, err, history.ErrSuiteNotFound)

	_, err = svc.Window(ctx, "missing", "m", 0, 5)
	assert.ErrorIs(t, err, history.ErrSuiteNotFound)

	_, _, err = svc.Baseline(ctx, "missing", "m")
	assert.ErrorIs(t, err, history.ErrSuiteNotFound)
}

func TestWindowAndBaseline(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	seed(t, svc, "ci", "m", 100, 101, 99, 100, 5000)

	points, err := svc.Window(ctx, "ci", "m", 0, 0)
	require.NoError(t, err)
	require.Len(t, points, 5)
	assert.Equal(t, model.SequenceID(1), points[0].Seq)

	points, err = svc.Window(ctx, "ci", "m", 3, 10)
	require.NoError(t, err)
	assert.Len(t, points, 2)

	b, ok, err := svc.Baseline(ctx, "ci", "m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100.0, b.Center)

	_, ok, err = svc.Baseline(ctx, "ci", "unknown-metric")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatest_DefaultCount(t *testing.T) {
	svc, _ := newService(t)
	values := make([]float64, DefaultLatest+5)
	for i := range values {
		values[i] = 100
	}
	seed(t, svc, "ci", "m", values...)

	runs, err := svc.Latest(context.Background(), "ci", 0)
	require.NoError(t, err)
	assert.Len(t, runs, DefaultLatest)
	assert.Equal(t, model.SequenceID(len(values)), runs[0].Seq)
}

func TestExportImport(t *testing.T) {
	src, _ := newService(t, WithRepoURL("https://example.com/repo"))
	ctx := context.Background()

	seed(t, src, "ci", "m", 1, 2, 3)
	seed(t, src, "nightly", "n", 10)

	doc, err := src.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/repo", doc.RepoURL)
	assert.Len(t, doc.Entries["ci"], 3)

	dst, metrics := newService(t)
	results, err := dst.Import(ctx, doc)
	require.NoError(t, err)
	require.Len(t, results, 2)

	suites, err := dst.Suites(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ci", "nightly"}, suites)

	runs, err := dst.History(ctx, "ci")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, 3.0, runs[2].Run.Metrics[0].Value)

	assert.Equal(t, 3.0, promtest.ToFloat64(metrics.RunsIngested.WithLabelValues("ci")))
}

func TestIngest_ConcurrentAppendsGetDistinctIDs(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const writers = 16
	var (
		mu   sync.Mutex
		seqs = make(map[model.SequenceID]bool)
	)

	testutil.ConcurrentTest(t, writers, func(i int) {
		rep, err := svc.Ingest(ctx, "ci", testutil.SingleMetricRun(fmt.Sprintf("w%d", i), "m", float64(100+i)))
		if err != nil {
			panic(err)
		}
		mu.Lock()
		seqs[rep.Seq] = true
		mu.Unlock()
	})

	require.Len(t, seqs, writers)
	for i := 1; i <= writers; i++ {
		assert.True(t, seqs[model.SequenceID(i)], "missing sequence id %d", i)
	}
}

func TestIngest_LogsVerdicts(t *testing.T) {
	logger, buf := testutil.CaptureLogger()
	svc := New(testutil.TestRepository(t), nil, nil, WithLogger(logger))

	seed(t, svc, "ci", "m", 1000, 1000, 1000)
	_, err := svc.Ingest(context.Background(), "ci", testutil.SingleMetricRun("slow", "m", 2000))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"Verdicts evaluated"`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"msg":"Run ingested"`)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{model.NewValidationError("metrics", "empty"), ErrorInvalid},
		{history.ErrToolMismatch, ErrorInvalid},
		{fmt.Errorf("wrapped: %w", history.ErrSuiteNotFound), ErrorNotFound},
		{history.ErrClosed, ErrorUnavailable},
		{context.Canceled, ErrorUnavailable},
		{errors.New("disk on fire"), ErrorInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "tool_mismatch", RejectReason(history.ErrToolMismatch))
	assert.Equal(t, "unit_mismatch", RejectReason(history.ErrUnitMismatch))
	assert.Equal(t, "validation", RejectReason(model.NewValidationError("x", "y")))
	assert.Equal(t, "invalid_suite", RejectReason(history.ErrInvalidSuite))
	assert.Equal(t, "storage", RejectReason(errors.New("io")))
}

func TestCheck_WithDefaultPolarity(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	seed(t, svc, "ci", "throughput", 1000, 1000, 1000)

	rep, err := svc.Check(ctx, "ci", testutil.SingleMetricRun("pr", "throughput", 1500))
	require.NoError(t, err)
	assert.Equal(t, detector.KindRegressed, rep.Verdicts[0].Kind)

	rep, err = svc.Check(ctx, "ci", testutil.SingleMetricRun("pr", "throughput", 1500), WithDefaultPolarity(detector.HigherIsBetter))
	require.NoError(t, err)
	assert.Equal(t, detector.KindImproved, rep.Verdicts[0].Kind)
	assert.Equal(t, detector.LowerIsBetter, svc.detector.DefaultPolarity, "per-run option must not leak")
}

package server

import (
	"context"
	"net"
	"testing"

	"bench-history/internal/detector"
	"bench-history/internal/model"
	"bench-history/internal/monitoring"
	"bench-history/internal/report"
	"bench-history/internal/service"
	"bench-history/internal/testutil"
	"bench-history/proto/historypb"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type grpcFixture struct {
	server  *GRPCServer
	client  *historypb.HistoryClient
	metrics *monitoring.Metrics
}

func setupTestGRPCServer(t *testing.T, authToken string) *grpcFixture {
	t.Helper()

	cfg := testutil.TestConfig()
	cfg.Security.AuthToken = authToken
	logger := testutil.TestLogger()
	metrics := monitoring.NewMetrics()

	svc := service.New(testutil.TestRepository(t), cfg.Estimator(), cfg.Detector(),
		service.WithLogger(logger),
		service.WithMetrics(metrics),
	)

	server := NewGRPCServer(cfg, svc, logger, metrics, nil)

	// Use bufconn for testing
	lis := bufconn.Listen(bufSize)
	go func() {
		server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	return &grpcFixture{server: server, client: historypb.NewHistoryClient(conn), metrics: metrics}
}

func (f *grpcFixture) appendRun(t *testing.T, ctx context.Context, suite string, run model.RunRecord) *report.Report {
	t.Helper()

	var rep report.Report
	err := f.client.Invoke(ctx, historypb.AppendMethod, historypb.RunRequest{Suite: suite, Run: run}, &rep)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return &rep
}

func TestGRPCServer_AppendLatest(t *testing.T) {
	f := setupTestGRPCServer(t, "")
	ctx := context.Background()

	first := f.appendRun(t, ctx, "ci", testutil.SingleMetricRun("a1", "parse", 100))
	if first.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", first.Seq)
	}
	if first.Summary.ColdStart != 1 {
		t.Errorf("Expected a cold start verdict, got %+v", first.Summary)
	}

	second := f.appendRun(t, ctx, "ci", testutil.SingleMetricRun("a2", "parse", 101))
	if second.Seq != 2 {
		t.Errorf("Expected seq 2, got %d", second.Seq)
	}

	var runs historypb.RunsReply
	if err := f.client.Invoke(ctx, historypb.LatestMethod, historypb.LatestRequest{Suite: "ci", Limit: 5}, &runs); err != nil {
		t.Fatalf("Latest failed: %v", err)
	}

	if len(runs.Runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs.Runs))
	}
	if runs.Runs[0].Seq != 2 || runs.Runs[0].Run.Commit.ID != "a2" {
		t.Errorf("Expected newest run first, got %+v", runs.Runs[0])
	}
	if runs.Runs[1].Run.Metrics[0].Value != 100 {
		t.Errorf("Expected stored value 100, got %v", runs.Runs[1].Run.Metrics[0].Value)
	}
}

func TestGRPCServer_DetectsRegression(t *testing.T) {
	f := setupTestGRPCServer(t, "")
	ctx := context.Background()

	for i, v := range []float64{2200, 2250, 2230, 2215, 2240} {
		f.appendRun(t, ctx, "message-ser", testutil.SingleMetricRun(string(rune('a'+i)), "message-ser/small", v))
	}

	normal := f.appendRun(t, ctx, "message-ser", testutil.SingleMetricRun("n", "message-ser/small", 2232))
	if got := normal.Verdicts[0].Kind; got != detector.KindNormal {
		t.Errorf("Expected normal verdict for 2232, got %s", got)
	}

	regressed := f.appendRun(t, ctx, "message-ser", testutil.SingleMetricRun("r", "message-ser/small", 3000))
	if got := regressed.Verdicts[0].Kind; got != detector.KindRegressed {
		t.Errorf("Expected regressed verdict for 3000, got %s", got)
	}
	if regressed.Verdicts[0].Baseline == nil {
		t.Error("Expected baseline to survive the wire")
	}
}

func TestGRPCServer_CheckDoesNotAppend(t *testing.T) {
	f := setupTestGRPCServer(t, "")
	ctx := context.Background()

	var rep report.Report
	err := f.client.Invoke(ctx, historypb.CheckMethod,
		historypb.RunRequest{Suite: "fresh", Run: testutil.SingleMetricRun("c1", "parse", 10)}, &rep)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !rep.DryRun || rep.Seq != 1 {
		t.Errorf("Expected dry run at seq 1, got dry_run=%v seq=%d", rep.DryRun, rep.Seq)
	}

	err = f.client.Invoke(ctx, historypb.LatestMethod, historypb.LatestRequest{Suite: "fresh"}, &historypb.RunsReply{})
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound after a dry run, got %v", err)
	}
}

func TestGRPCServer_ErrorCodes(t *testing.T) {
	f := setupTestGRPCServer(t, "")
	ctx := context.Background()

	f.appendRun(t, ctx, "ci", testutil.SingleMetricRun("a1", "parse", 100))

	mismatched := testutil.SingleMetricRun("a2", "parse", 100)
	mismatched.Metrics[0].Unit = "ms/iter"

	tests := []struct {
		name     string
		method   string
		request  interface{}
		expected codes.Code
	}{
		{"unit mismatch", historypb.AppendMethod, historypb.RunRequest{Suite: "ci", Run: mismatched}, codes.InvalidArgument},
		{"empty run", historypb.AppendMethod, historypb.RunRequest{Suite: "ci"}, codes.InvalidArgument},
		{"invalid suite", historypb.AppendMethod, historypb.RunRequest{Suite: "", Run: testutil.SingleMetricRun("x", "parse", 1)}, codes.InvalidArgument},
		{"unknown polarity", historypb.CheckMethod, historypb.RunRequest{Suite: "ci", Run: testutil.SingleMetricRun("x", "parse", 1), Polarity: "sideways"}, codes.InvalidArgument},
		{"unknown suite", historypb.LatestMethod, historypb.LatestRequest{Suite: "nope"}, codes.NotFound},
		{"window without metric", historypb.WindowMethod, historypb.WindowRequest{Suite: "ci"}, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.client.Invoke(ctx, tt.method, tt.request, nil)
			if got := status.Code(err); got != tt.expected {
				t.Errorf("Expected %s, got %s (%v)", tt.expected, got, err)
			}
		})
	}

	// Rejected appends leave history untouched
	var runs historypb.RunsReply
	if err := f.client.Invoke(ctx, historypb.LatestMethod, historypb.LatestRequest{Suite: "ci"}, &runs); err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if len(runs.Runs) != 1 {
		t.Errorf("Expected 1 run after rejections, got %d", len(runs.Runs))
	}
}

func TestGRPCServer_PolarityHint(t *testing.T) {
	f := setupTestGRPCServer(t, "")
	ctx := context.Background()

	for i, v := range []float64{1000, 1010, 990, 1005, 995} {
		f.appendRun(t, ctx, "throughput", testutil.SingleMetricRun(string(rune('a'+i)), "ops", v))
	}

	var rep report.Report
	err := f.client.Invoke(ctx, historypb.CheckMethod, historypb.RunRequest{
		Suite:    "throughput",
		Run:      testutil.SingleMetricRun("z", "ops", 1500),
		Polarity: string(detector.HigherIsBetter),
	}, &rep)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if got := rep.Verdicts[0].Kind; got != detector.KindImproved {
		t.Errorf("Expected higher throughput to be an improvement, got %s", got)
	}
}

func TestGRPCServer_WindowSuitesStats(t *testing.T) {
	f := setupTestGRPCServer(t, "")
	ctx := context.Background()

	for i, v := range []float64{100, 101, 99, 100, 5000} {
		f.appendRun(t, ctx, "robust", testutil.SingleMetricRun(string(rune('a'+i)), "encode", v))
	}

	var window historypb.WindowReply
	if err := f.client.Invoke(ctx, historypb.WindowMethod, historypb.WindowRequest{Suite: "robust", Metric: "encode"}, &window); err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(window.Points) != 5 {
		t.Fatalf("Expected 5 points, got %d", len(window.Points))
	}
	if window.Baseline == nil || window.Baseline.Center != 100 {
		t.Errorf("Expected robust center 100, got %+v", window.Baseline)
	}

	var older historypb.WindowReply
	if err := f.client.Invoke(ctx, historypb.WindowMethod, historypb.WindowRequest{Suite: "robust", Metric: "encode", Before: 3}, &older); err != nil {
		t.Fatalf("Window failed: %v", err)
	}
	if len(older.Points) != 2 || older.Baseline != nil {
		t.Errorf("Expected 2 points without baseline, got %d points, baseline %v", len(older.Points), older.Baseline)
	}

	var suites historypb.SuitesReply
	if err := f.client.Invoke(ctx, historypb.SuitesMethod, struct{}{}, &suites); err != nil {
		t.Fatalf("Suites failed: %v", err)
	}
	if len(suites.Suites) != 1 || suites.Suites[0] != "robust" {
		t.Errorf("Expected [robust], got %v", suites.Suites)
	}

	var stats historypb.StatsReply
	if err := f.client.Invoke(ctx, historypb.StatsMethod, struct{}{}, &stats); err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats.Stats) == 0 {
		t.Error("Expected backend statistics")
	}
}

func TestGRPCServer_AuthToken(t *testing.T) {
	f := setupTestGRPCServer(t, "s3cret")
	ctx := context.Background()
	run := testutil.SingleMetricRun("a1", "parse", 100)

	err := f.client.Invoke(ctx, historypb.AppendMethod, historypb.RunRequest{Suite: "ci", Run: run}, nil)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("Expected Unauthenticated without token, got %v", err)
	}

	wrong := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer nope")
	err = f.client.Invoke(wrong, historypb.AppendMethod, historypb.RunRequest{Suite: "ci", Run: run}, nil)
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("Expected Unauthenticated with wrong token, got %v", err)
	}

	// Dry runs stay open
	if err := f.client.Invoke(ctx, historypb.CheckMethod, historypb.RunRequest{Suite: "ci", Run: run}, nil); err != nil {
		t.Errorf("Expected Check without token to succeed, got %v", err)
	}

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer s3cret")
	if err := f.client.Invoke(authed, historypb.AppendMethod, historypb.RunRequest{Suite: "ci", Run: run}, nil); err != nil {
		t.Errorf("Expected Append with token to succeed, got %v", err)
	}
}

func TestGRPCServer_RequestMetrics(t *testing.T) {
	f := setupTestGRPCServer(t, "")
	ctx := context.Background()

	f.appendRun(t, ctx, "ci", testutil.SingleMetricRun("a1", "parse", 100))
	f.client.Invoke(ctx, historypb.LatestMethod, historypb.LatestRequest{Suite: "missing"}, nil)

	if got := prom.ToFloat64(f.metrics.GRPCRequests.WithLabelValues(historypb.AppendMethod, "OK")); got != 1 {
		t.Errorf("Expected 1 successful append, got %v", got)
	}
	if got := prom.ToFloat64(f.metrics.GRPCRequests.WithLabelValues(historypb.LatestMethod, "NotFound")); got != 1 {
		t.Errorf("Expected 1 NotFound latest, got %v", got)
	}
	if got := prom.ToFloat64(f.metrics.RunsIngested.WithLabelValues("ci")); got != 1 {
		t.Errorf("Expected ingest counter to move, got %v", got)
	}
}

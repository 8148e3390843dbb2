package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"bench-history/internal/history"
	"bench-history/internal/report"
	"bench-history/internal/testutil"
	"bench-history/internal/tracing"
	"bench-history/proto/historypb"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func startTestServer(t *testing.T) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	cfg := testutil.TestConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Metrics.Enabled = false

	srv := newServer(cfg, testutil.TestLogger(), testutil.TestRepository(t), tracing.Noop(), "test")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	select {
	case <-srv.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Server did not become ready")
	}

	return srv, cancel, errCh
}

func TestServer_RunServesBothFrontEnds(t *testing.T) {
	srv, cancel, errCh := startTestServer(t)
	defer cancel()

	// REST append
	body, _ := json.Marshal(testutil.SingleMetricRun("abc", "parse", 100))
	resp, err := http.Post("http://"+srv.HTTPAddr()+"/api/v1/suites/ci/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("REST append failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	// The same history is visible over gRPC
	conn, err := grpc.NewClient(srv.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("Failed to dial gRPC: %v", err)
	}
	defer conn.Close()

	client := historypb.NewHistoryClient(conn)
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	var rep report.Report
	err = client.Invoke(ctx, historypb.AppendMethod,
		historypb.RunRequest{Suite: "ci", Run: testutil.SingleMetricRun("def", "parse", 101)}, &rep)
	if err != nil {
		t.Fatalf("gRPC append failed: %v", err)
	}
	if rep.Seq != 2 {
		t.Errorf("Expected seq 2 after REST append, got %d", rep.Seq)
	}

	health, err := http.Get("http://" + srv.HTTPAddr() + "/health")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("Expected healthy server, got %d", health.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(ShutdownTimeout):
		t.Fatal("Server did not shut down")
	}
}

func TestServer_ShutdownClosesRepository(t *testing.T) {
	srv, cancel, errCh := startTestServer(t)

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	_, err := srv.Service().Check(context.Background(), "ci", testutil.SingleMetricRun("a", "parse", 1))
	if !errors.Is(err, history.ErrClosed) {
		t.Errorf("Expected repository to be closed after shutdown, got %v", err)
	}

	if srv.GetUptime() <= 0 {
		t.Error("Expected positive uptime")
	}
}

func TestServer_PortInUse(t *testing.T) {
	srv, cancel, _ := startTestServer(t)
	defer cancel()

	cfg := testutil.TestConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Metrics.Enabled = false
	_, port, err := net.SplitHostPort(srv.HTTPAddr())
	if err != nil {
		t.Fatalf("Bad address %q: %v", srv.HTTPAddr(), err)
	}
	cfg.Server.Port, _ = strconv.Atoi(port)

	second := newServer(cfg, testutil.TestLogger(), testutil.TestRepository(t), tracing.Noop(), "test")
	if err := second.Run(context.Background()); err == nil {
		t.Error("Expected bind failure on a used port")
	}
}

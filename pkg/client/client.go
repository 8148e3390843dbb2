// Package client talks to a bench-history server over gRPC.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bench-history/internal/logging"
	"bench-history/internal/model"
	"bench-history/internal/report"
	"bench-history/proto/historypb"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// ErrClosed is returned by calls on a closed client
var ErrClosed = errors.New("client is closed")

// Config holds client configuration
type Config struct {
	Address        string
	RequestTimeout time.Duration
	Retry          RetryStrategy

	// AuthToken is sent as a bearer token on every call
	AuthToken string

	TLSEnabled bool
	CAFile     string

	Logger *slog.Logger

	// DialOptions are appended to the defaults, mostly for tests
	DialOptions []grpc.DialOption
}

// DefaultConfig returns a default client configuration
func DefaultConfig() *Config {
	return &Config{
		Address:        "localhost:9090",
		RequestTimeout: 30 * time.Second,
		Retry:          DefaultRetryStrategy(),
	}
}

// Client is a HistoryService client
type Client struct {
	config *Config
	conn   *grpc.ClientConn
	rpc    *historypb.HistoryClient
	retry  *RetryManager

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a client. The connection is established lazily.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Address == "" {
		return nil, fmt.Errorf("server address must be provided")
	}

	creds := insecure.NewCredentials()
	if config.TLSEnabled {
		if config.CAFile != "" {
			var err error
			creds, err = credentials.NewClientTLSFromFile(config.CAFile, "")
			if err != nil {
				return nil, fmt.Errorf("failed to load CA file: %w", err)
			}
		} else {
			creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		}
	}

	c := &Client{
		config: config,
		retry:  NewRetryManager(config.Retry, config.Logger),
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUnaryInterceptor(c.metadataInterceptor),
	}, config.DialOptions...)

	conn, err := grpc.NewClient(config.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", config.Address, err)
	}

	c.conn = conn
	c.rpc = historypb.NewHistoryClient(conn)
	return c, nil
}

// Close closes the client
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Append stores run in suite and returns its report. Appends are sent once:
// a retried append could store the run twice.
func (c *Client) Append(ctx context.Context, suite string, run model.RunRecord, polarity string) (*report.Report, error) {
	var rep report.Report
	req := historypb.RunRequest{Suite: suite, Run: run, Polarity: polarity}
	if err := c.call(ctx, historypb.AppendMethod, req, &rep, false); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Check evaluates run against suite without storing it
func (c *Client) Check(ctx context.Context, suite string, run model.RunRecord, polarity string) (*report.Report, error) {
	var rep report.Report
	req := historypb.RunRequest{Suite: suite, Run: run, Polarity: polarity}
	if err := c.call(ctx, historypb.CheckMethod, req, &rep, true); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Latest returns the n most recent runs of suite, newest first
func (c *Client) Latest(ctx context.Context, suite string, n int) ([]model.StoredRun, error) {
	var reply historypb.RunsReply
	if err := c.call(ctx, historypb.LatestMethod, historypb.LatestRequest{Suite: suite, Limit: n}, &reply, true); err != nil {
		return nil, err
	}
	return reply.Runs, nil
}

// Suites lists every suite with history
func (c *Client) Suites(ctx context.Context) ([]string, error) {
	var reply historypb.SuitesReply
	if err := c.call(ctx, historypb.SuitesMethod, struct{}{}, &reply, true); err != nil {
		return nil, err
	}
	return reply.Suites, nil
}

// Window returns up to limit points of metric before seq. A zero before
// reads up to the head and includes the current baseline.
func (c *Client) Window(ctx context.Context, suite, metric string, before model.SequenceID, limit int) (*historypb.WindowReply, error) {
	var reply historypb.WindowReply
	req := historypb.WindowRequest{Suite: suite, Metric: metric, Before: before, Limit: limit}
	if err := c.call(ctx, historypb.WindowMethod, req, &reply, true); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Stats returns backend statistics
func (c *Client) Stats(ctx context.Context) (map[string]string, error) {
	var reply historypb.StatsReply
	if err := c.call(ctx, historypb.StatsMethod, struct{}{}, &reply, true); err != nil {
		return nil, err
	}
	return reply.Stats, nil
}

// RetryStats returns retry statistics
func (c *Client) RetryStats() RetryStats {
	return c.retry.GetStats()
}

func (c *Client) call(ctx context.Context, method string, in, out interface{}, retryable bool) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	invoke := func(ctx context.Context) error {
		if c.config.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
			defer cancel()
		}
		return c.rpc.Invoke(ctx, method, in, out)
	}

	if !retryable {
		return invoke(ctx)
	}
	return c.retry.Execute(ctx, invoke)
}

// metadataInterceptor forwards correlation ids and the bearer token
func (c *Client) metadataInterceptor(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	var pairs []string
	for key, value := range logging.GRPCCorrelationIDFromContext(ctx) {
		pairs = append(pairs, key, value)
	}
	if c.config.AuthToken != "" {
		pairs = append(pairs, "authorization", "Bearer "+c.config.AuthToken)
	}
	if len(pairs) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

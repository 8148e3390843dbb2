package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"strings"
	"time"

	"bench-history/internal/config"
	"bench-history/internal/detector"
	"bench-history/internal/logging"
	"bench-history/internal/monitoring"
	"bench-history/internal/service"
	"bench-history/internal/tracing"
	"bench-history/proto/historypb"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCServer implements the HistoryService gRPC service
type GRPCServer struct {
	config  *config.Config
	svc     *service.Service
	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.TracingService

	server *grpc.Server
}

// NewGRPCServer creates a new gRPC server. Nil metrics or tracer disable them.
func NewGRPCServer(cfg *config.Config, svc *service.Service, logger *logging.Logger, metrics *monitoring.Metrics, tracer *tracing.TracingService) *GRPCServer {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &GRPCServer{
		config:  cfg,
		svc:     svc,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Listen binds the configured gRPC address
func (s *GRPCServer) Listen() (net.Listener, error) {
	address := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.GRPCPort)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return listener, nil
}

// Build creates the grpc.Server with the service registered
func (s *GRPCServer) Build() error {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(s.observeInterceptor, s.authInterceptor),
	}

	if s.config.Security.TLSEnabled {
		creds, err := credentials.NewServerTLSFromFile(s.config.Security.CertFile, s.config.Security.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s.server = grpc.NewServer(opts...)
	historypb.RegisterHistoryServer(s.server, s)
	return nil
}

// Serve accepts connections on listener until Stop is called
func (s *GRPCServer) Serve(listener net.Listener) error {
	if s.server == nil {
		if err := s.Build(); err != nil {
			return err
		}
	}

	s.logger.Info("Starting gRPC server", "address", listener.Addr().String())
	return s.server.Serve(listener)
}

// Stop stops the gRPC server
func (s *GRPCServer) Stop() {
	s.logger.Info("Stopping gRPC server")

	if s.server != nil {
		s.server.GracefulStop()
	}
}

// Append implements the Append RPC
func (s *GRPCServer) Append(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req historypb.RunRequest
	if err := historypb.Decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	opts, err := evalOptions(req.Polarity)
	if err != nil {
		return nil, err
	}

	rep, err := s.svc.Ingest(ctx, req.Suite, req.Run, opts...)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(rep)
}

// Check implements the Check RPC
func (s *GRPCServer) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req historypb.RunRequest
	if err := historypb.Decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	opts, err := evalOptions(req.Polarity)
	if err != nil {
		return nil, err
	}

	rep, err := s.svc.Check(ctx, req.Suite, req.Run, opts...)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(rep)
}

// Latest implements the Latest RPC
func (s *GRPCServer) Latest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req historypb.LatestRequest
	if err := historypb.Decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	runs, err := s.svc.Latest(ctx, req.Suite, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(historypb.RunsReply{Suite: req.Suite, Runs: runs})
}

// Suites implements the Suites RPC
func (s *GRPCServer) Suites(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	suites, err := s.svc.Suites(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeReply(historypb.SuitesReply{Suites: suites})
}

// Window implements the Window RPC. The baseline is included only for
// windows ending at the current head.
func (s *GRPCServer) Window(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req historypb.WindowRequest
	if err := historypb.Decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if req.Metric == "" {
		return nil, status.Error(codes.InvalidArgument, "metric cannot be empty")
	}

	points, err := s.svc.Window(ctx, req.Suite, req.Metric, req.Before, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}

	reply := historypb.WindowReply{Suite: req.Suite, Metric: req.Metric, Points: points}
	if req.Before == 0 {
		b, ok, err := s.svc.Baseline(ctx, req.Suite, req.Metric)
		if err != nil {
			return nil, toStatus(err)
		}
		if ok {
			reply.Baseline = &b
		}
	}
	return encodeReply(reply)
}

// Stats implements the Stats RPC
func (s *GRPCServer) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats := make(map[string]string)
	if st, ok := s.svc.Repository().(interface{ Stats() map[string]interface{} }); ok {
		for key, value := range st.Stats() {
			stats[key] = fmt.Sprintf("%v", value)
		}
	}
	return encodeReply(historypb.StatsReply{Stats: stats})
}

// observeInterceptor traces, counts and logs every unary call
func (s *GRPCServer) observeInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = logging.CreateContextWithIDs(ctx,
			logging.SanitizeCorrelationID(first(md.Get("correlation-id"))),
			logging.SanitizeCorrelationID(first(md.Get("request-id"))))
	}
	if logging.ExtractCorrelationID(ctx) == "" {
		ctx = logging.CreateContextWithIDs(ctx, logging.GenerateCorrelationID(), logging.GenerateRequestID())
	}

	ctx, span := s.tracer.InstrumentGRPCRequest(ctx, info.FullMethod)
	resp, err := handler(ctx, req)
	s.tracer.End(span, err)

	duration := time.Since(start)
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.GRPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
	}

	if err != nil && code == codes.Internal {
		s.logger.ErrorContext(ctx, "gRPC request failed",
			"method", info.FullMethod,
			"duration", duration,
			"error", err,
		)
	} else {
		s.logger.DebugContext(ctx, "gRPC request completed",
			"method", info.FullMethod,
			"code", code.String(),
			"duration", duration,
		)
	}

	return resp, err
}

// authInterceptor requires the configured bearer token on Append
func (s *GRPCServer) authInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	token := s.config.Security.AuthToken
	if token == "" || info.FullMethod != historypb.AppendMethod {
		return handler(ctx, req)
	}

	md, _ := metadata.FromIncomingContext(ctx)
	got := strings.TrimPrefix(first(md.Get("authorization")), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid bearer token")
	}
	return handler(ctx, req)
}

func evalOptions(polarity string) ([]service.EvalOption, error) {
	if polarity == "" {
		return nil, nil
	}
	p, err := detector.ParsePolarity(polarity)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return []service.EvalOption{service.WithDefaultPolarity(p)}, nil
}

func encodeReply(v interface{}) (*structpb.Struct, error) {
	out, err := historypb.Encode(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode reply: %v", err)
	}
	return out, nil
}

// toStatus maps service errors onto gRPC codes
func toStatus(err error) error {
	switch service.Classify(err) {
	case service.ErrorInvalid:
		return status.Error(codes.InvalidArgument, err.Error())
	case service.ErrorNotFound:
		return status.Error(codes.NotFound, err.Error())
	case service.ErrorUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

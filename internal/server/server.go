package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bench-history/internal/api"
	"bench-history/internal/config"
	"bench-history/internal/history"
	"bench-history/internal/logging"
	"bench-history/internal/monitoring"
	"bench-history/internal/service"
	"bench-history/internal/tracing"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds a graceful stop
const ShutdownTimeout = 30 * time.Second

type Server struct {
	config     *config.Config
	logger     *logging.Logger
	repo       history.Repository
	svc        *service.Service
	monitoring *monitoring.MonitoringService
	tracer     *tracing.TracingService
	grpcServer *GRPCServer
	httpServer *HTTPServer
	metrics    *http.Server
	startTime  time.Time

	ready    chan struct{}
	httpAddr net.Addr
	grpcAddr net.Addr
}

// NewServer opens the configured repository and wires the service behind
// the HTTP and gRPC front ends
func NewServer(ctx context.Context, cfg *config.Config, version string) (*Server, error) {
	logger := logging.NewLogger(&cfg.Logging)

	logger.Info("Initializing server",
		"version", version,
		"engine", cfg.Storage.Engine,
	)

	repo, err := history.Open(ctx, cfg.HistoryOptions(), logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	tracer, err := tracing.NewTracingService(cfg.Tracing, nil)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to start tracing: %w", err)
	}

	return newServer(cfg, logger, repo, tracer, version), nil
}

func newServer(cfg *config.Config, logger *logging.Logger, repo history.Repository, tracer *tracing.TracingService, version string) *Server {
	monitoringService := monitoring.NewMonitoringService(repo, version)

	svc := service.New(repo, cfg.Estimator(), cfg.Detector(),
		service.WithLogger(logger),
		service.WithMetrics(monitoringService.Metrics),
		service.WithTracer(tracer),
		service.WithRepoURL(cfg.Storage.File.RepoURL),
	)

	restHandler := api.NewRESTHandler(svc, logger, api.Options{
		AuthToken:   cfg.Security.AuthToken,
		MaxBodySize: cfg.Server.MaxBodySize,
		Version:     version,
		Monitoring:  monitoringService,
		Tracer:      tracer,
	})

	s := &Server{
		config:     cfg,
		logger:     logger,
		repo:       repo,
		svc:        svc,
		monitoring: monitoringService,
		tracer:     tracer,
		grpcServer: NewGRPCServer(cfg, svc, logger, monitoringService.Metrics, tracer),
		httpServer: NewHTTPServer(cfg, restHandler, logger),
		startTime:  time.Now(),
		ready:      make(chan struct{}),
	}

	if cfg.Metrics.Enabled {
		router := mux.NewRouter()
		router.Handle(cfg.Metrics.Path, monitoringService.GetMetricsHandler()).Methods(http.MethodGet)
		s.metrics = &http.Server{
			Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port),
			Handler:     router,
			ReadTimeout: cfg.Server.ReadTimeout,
		}
	}
	return s
}

// Start runs the server until SIGINT or SIGTERM
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return s.Run(ctx)
}

// Run serves HTTP, gRPC and the optional metrics endpoint until ctx is done
// or one of them fails, then shuts everything down
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting bench-history server")

	httpListener, err := s.httpServer.Listen()
	if err != nil {
		return err
	}
	grpcListener, err := s.grpcServer.Listen()
	if err != nil {
		httpListener.Close()
		return err
	}
	if err := s.grpcServer.Build(); err != nil {
		httpListener.Close()
		grpcListener.Close()
		return err
	}

	var metricsListener net.Listener
	if s.metrics != nil {
		metricsListener, err = net.Listen("tcp", s.metrics.Addr)
		if err != nil {
			httpListener.Close()
			grpcListener.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.metrics.Addr, err)
		}
	}

	s.httpAddr = httpListener.Addr()
	s.grpcAddr = grpcListener.Addr()
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpServer.Serve(httpListener); err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := s.grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})

	if metricsListener != nil {
		g.Go(func() error {
			s.logger.Info("Starting metrics server", "address", metricsListener.Addr().String(), "path", s.config.Metrics.Path)
			if err := s.metrics.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}

	s.logger.Info("Server started successfully",
		"http_address", httpListener.Addr().String(),
		"grpc_address", grpcListener.Addr().String(),
	)

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Received shutdown signal", "cause", context.Cause(gctx))
		return s.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops every front end, then flushes traces and closes the
// repository
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		var errs []error

		s.grpcServer.Stop()

		if err := s.httpServer.Stop(shutdownCtx); err != nil {
			s.logger.Error("Failed to stop HTTP server", "error", err.Error())
			errs = append(errs, err)
		}

		if s.metrics != nil {
			if err := s.metrics.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}

		if err := s.tracer.Close(shutdownCtx); err != nil {
			s.logger.Error("Failed to flush traces", "error", err.Error())
			errs = append(errs, err)
		}

		if err := s.repo.Close(); err != nil {
			s.logger.Error("Failed to close history repository", "error", err.Error())
			errs = append(errs, err)
		}

		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("Error during shutdown", "error", err.Error())
			return err
		}
		s.logger.Info("Server shutdown completed", "uptime", s.GetUptime())
		return nil
	case <-shutdownCtx.Done():
		s.logger.Error("Shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Ready is closed once every listener is bound
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// HTTPAddr is the bound REST address, valid after Ready
func (s *Server) HTTPAddr() string {
	return s.httpAddr.String()
}

// GRPCAddr is the bound gRPC address, valid after Ready
func (s *Server) GRPCAddr() string {
	return s.grpcAddr.String()
}

// Service returns the wired ingestion service
func (s *Server) Service() *service.Service {
	return s.svc
}

func (s *Server) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"bench-history/internal/api"
	"bench-history/internal/config"
	"bench-history/internal/logging"
)

// HTTPServer represents the HTTP REST API server
type HTTPServer struct {
	config      *config.Config
	logger      *logging.Logger
	server      *http.Server
	restHandler *api.RESTHandler
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.Config, restHandler *api.RESTHandler, logger *logging.Logger) *HTTPServer {
	return &HTTPServer{
		config:      cfg,
		logger:      logger,
		restHandler: restHandler,
		server: &http.Server{
			Handler:      restHandler.SetupRoutes(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
}

// Listen binds the configured HTTP address
func (s *HTTPServer) Listen() (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// Serve handles requests on listener until Stop is called. A graceful stop
// returns nil.
func (s *HTTPServer) Serve(listener net.Listener) error {
	s.logger.Info("Starting HTTP server",
		"address", listener.Addr().String(),
		"service", "http",
		"tls", s.config.Security.TLSEnabled,
	)

	var err error
	if s.config.Security.TLSEnabled {
		err = s.server.ServeTLS(listener, s.config.Security.CertFile, s.config.Security.KeyFile)
	} else {
		err = s.server.Serve(listener)
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the routed handler, for tests
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Stop stops the HTTP server gracefully
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

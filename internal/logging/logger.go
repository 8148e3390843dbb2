package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"bench-history/internal/config"
)

type Logger struct {
	*slog.Logger
	config *config.LoggingConfig
}

type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	RequestIDKey     ContextKey = "request_id"
	SuiteKey         ContextKey = "suite"
	ServiceKey       ContextKey = "service"
)

// NewLogger creates a new structured logger using slog and installs it as
// the slog default
func NewLogger(cfg *config.LoggingConfig) *Logger {
	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if cfg.Output != "" {
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				writer = file
			} else {
				writer = os.Stdout
				slog.Warn("Failed to open log file, using stdout", "error", err, "file", cfg.Output)
			}
		} else {
			writer = os.Stdout
		}
	}

	logger := NewLoggerWithWriter(cfg, writer)
	slog.SetDefault(logger.Logger)
	return logger
}

// NewLoggerWithWriter builds a logger writing to w without touching the
// slog default
func NewLoggerWithWriter(cfg *config.LoggingConfig, w io.Writer) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "console":
		handler = slog.NewTextHandler(w, opts)
	default:
		// Default to JSON for production
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	
	// Add correlation ID if present
	if correlationID := ctx.Value(CorrelationIDKey); correlationID != nil {
		logger = logger.With("correlation_id", correlationID)
	}
	
	// Add request ID if present
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	
	// Add suite if present
	if suite := ctx.Value(SuiteKey); suite != nil {
		logger = logger.With("suite", suite)
	}

	// Add service name if present
	if service := ctx.Value(ServiceKey); service != nil {
		logger = logger.With("service", service)
	}

	return &Logger{
		Logger: logger,
		config: l.config,
	}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	var args []interface{}
	for key, value := range fields {
		args = append(args, key, value)
	}
	
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// WithField creates a new logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		config: l.config,
	}
}

// WithError creates a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
		config: l.config,
	}
}

// DebugContext logs a debug message with context
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(msg, args...)
}

// InfoContext logs an info message with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs a warning message with context
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs an error message with context
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(msg, args...)
}

// RequestStart logs the start of a request
func (l *Logger) RequestStart(ctx context.Context, method, path, userAgent string) {
	l.WithContext(ctx).Info("Request started",
		"method", method,
		"path", path,
		"user_agent", userAgent,
	)
}

// RequestEnd logs the end of a request
func (l *Logger) RequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, size int64) {
	level := slog.LevelInfo
	if statusCode >= 400 && statusCode < 500 {
		level = slog.LevelWarn
	} else if statusCode >= 500 {
		level = slog.LevelError
	}

	l.WithContext(ctx).Log(ctx, level, "Request completed",
		"method", method,
		"path", path,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"response_size", size,
	)
}

// StorageOperation logs history store operations. Successful operations
// are only logged when storage logging is enabled.
func (l *Logger) StorageOperation(ctx context.Context, operation, suite string, duration time.Duration, err error) {
	logger := l.WithContext(ctx).With(
		"operation", operation,
		"suite", suite,
		"duration_ms", duration.Milliseconds(),
	)

	if err != nil {
		logger.Error("Storage operation failed", "error", err.Error())
	} else if l.config == nil || l.config.EnableStorageLogging {
		logger.Debug("Storage operation completed")
	}
}

// RunIngested logs a run that was appended to a suite's history
func (l *Logger) RunIngested(ctx context.Context, suite string, seq uint64, commit string, metrics int, duration time.Duration) {
	l.WithContext(ctx).Info("Run ingested",
		"suite", suite,
		"seq", seq,
		"commit", commit,
		"metrics", metrics,
		"duration_ms", duration.Milliseconds(),
	)
}

// RunRejected logs a run that failed validation or could not be stored
func (l *Logger) RunRejected(ctx context.Context, suite, commit string, err error) {
	l.WithContext(ctx).Warn("Run rejected",
		"suite", suite,
		"commit", commit,
		"error", err.Error(),
	)
}

// VerdictsEvaluated logs the verdict counts of one evaluation. Any
// regression raises the level to warn.
func (l *Logger) VerdictsEvaluated(ctx context.Context, suite string, seq uint64, dryRun bool, counts map[string]int) {
	args := []interface{}{
		"suite", suite,
		"seq", seq,
		"dry_run", dryRun,
	}

	for key, value := range counts {
		args = append(args, key, value)
	}

	level := slog.LevelInfo
	if counts["regressed"] > 0 {
		level = slog.LevelWarn
	}
	l.WithContext(ctx).Log(ctx, level, "Verdicts evaluated", args...)
}

// Performance logs performance metrics
func (l *Logger) Performance(ctx context.Context, metric string, value float64, unit string, tags map[string]string) {
	args := []interface{}{
		"metric", metric,
		"value", value,
		"unit", unit,
	}
	
	for key, value := range tags {
		args = append(args, "tag_"+key, value)
	}

	l.WithContext(ctx).Info("Performance metric", args...)
}
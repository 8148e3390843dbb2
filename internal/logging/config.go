package logging

import (
	"bench-history/internal/config"
)

// DevelopmentLoggingConfig returns logging configuration optimized for development
func DevelopmentLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                "debug",
		Format:               "console", // Human-readable format for development
		Output:               "stdout",
		EnableRequestTracing: true,
		EnableCorrelationIDs: true,
		EnableStorageLogging: true, // Log every append and window read in dev
		EnablePerformanceLog: true,
	}
}

// ProductionLoggingConfig returns logging configuration optimized for production
func ProductionLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                "info",
		Format:               "json", // Machine-readable format for production
		Output:               "stdout",
		EnableRequestTracing: true,
		EnableCorrelationIDs: true,
		EnableStorageLogging: false, // Reduce noise in production
		EnablePerformanceLog: false,
	}
}

// TestLoggingConfig returns logging configuration optimized for testing
func TestLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                "error", // Minimal logging during tests
		Format:               "json",
		Output:               "stderr",
		EnableRequestTracing: false,
		EnableCorrelationIDs: false,
		EnableStorageLogging: false,
		EnablePerformanceLog: false,
	}
}

// CILoggingConfig returns logging configuration for one-shot CI invocations
// of benchctl: human-readable, on stderr so stdout stays machine-parsable.
func CILoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:                "warn",
		Format:               "text",
		Output:               "stderr",
		EnableRequestTracing: false,
		EnableCorrelationIDs: false,
	}
}

// SetupEnvironmentLogging configures logging based on environment
func SetupEnvironmentLogging(cfg *config.Config, environment string) {
	switch environment {
	case "development", "dev":
		cfg.Logging = DevelopmentLoggingConfig()
	case "production", "prod":
		cfg.Logging = ProductionLoggingConfig()
	case "test", "testing":
		cfg.Logging = TestLoggingConfig()
	case "staging", "stage":
		prodConfig := ProductionLoggingConfig()
		prodConfig.Level = "debug" // More verbose logging in staging
		cfg.Logging = prodConfig
	case "ci":
		cfg.Logging = CILoggingConfig()
	}
}

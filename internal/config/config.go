package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bench-history/internal/baseline"
	"bench-history/internal/detector"
	"bench-history/internal/history"
	"bench-history/internal/storage"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Detection DetectionConfig `yaml:"detection" json:"detection"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Security  SecurityConfig  `yaml:"security" json:"security"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	GRPCPort     int           `yaml:"grpc_port" json:"grpc_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxBodySize  int64         `yaml:"max_body_size" json:"max_body_size"`
}

type StorageConfig struct {
	Engine      string        `yaml:"engine" json:"engine"`
	DataPath    string        `yaml:"data_path" json:"data_path"`
	InMemory    bool          `yaml:"in_memory" json:"in_memory"`
	SyncWrites  bool          `yaml:"sync_writes" json:"sync_writes"`
	ValueLogGC  bool          `yaml:"value_log_gc" json:"value_log_gc"`
	GCInterval  time.Duration `yaml:"gc_interval" json:"gc_interval"`
	BackupPath  string        `yaml:"backup_path" json:"backup_path"`
	MaxFileSize int64         `yaml:"max_file_size" json:"max_file_size"`
	File        FileConfig    `yaml:"file" json:"file"`
	Redis       RedisConfig   `yaml:"redis" json:"redis"`
	Cache       CacheConfig   `yaml:"cache" json:"cache"`
}

// FileConfig configures the data.js document backend
type FileConfig struct {
	Path    string `yaml:"path" json:"path"`
	RepoURL string `yaml:"repo_url" json:"repo_url"`
	Script  bool   `yaml:"script" json:"script"` // write the window.BENCHMARK_DATA prefix
	Watch   bool   `yaml:"watch" json:"watch"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr" json:"addr"`
	Password   string `yaml:"password" json:"-"`
	DB         int    `yaml:"db" json:"db"`
	KeyPrefix  string `yaml:"key_prefix" json:"key_prefix"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

type CacheConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Size            int           `yaml:"size" json:"size"`                         // Maximum number of cached windows
	TTL             time.Duration `yaml:"ttl" json:"ttl"`                           // Default TTL for cached windows
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"` // How often to clean expired windows
}

// DetectionConfig holds every regression policy constant
type DetectionConfig struct {
	WindowSize        int             `yaml:"window_size" json:"window_size"`
	ThresholdRatio    float64         `yaml:"threshold_ratio" json:"threshold_ratio"`
	SignificanceFloor float64         `yaml:"significance_floor" json:"significance_floor"`
	MADScale          float64         `yaml:"mad_scale" json:"mad_scale"`
	AbsEpsilon        float64         `yaml:"abs_epsilon" json:"abs_epsilon"`
	RelEpsilon        float64         `yaml:"rel_epsilon" json:"rel_epsilon"`
	DefaultPolarity   string          `yaml:"default_polarity" json:"default_polarity"`
	Rules             []detector.Rule `yaml:"rules" json:"rules"`
}

type LoggingConfig struct {
	Level                 string `yaml:"level" json:"level"`
	Format                string `yaml:"format" json:"format"`
	Output                string `yaml:"output" json:"output"`
	EnableRequestTracing  bool   `yaml:"enable_request_tracing" json:"enable_request_tracing"`
	EnableCorrelationIDs  bool   `yaml:"enable_correlation_ids" json:"enable_correlation_ids"`
	EnableStorageLogging  bool   `yaml:"enable_storage_logging" json:"enable_storage_logging"`
	EnablePerformanceLog  bool   `yaml:"enable_performance_log" json:"enable_performance_log"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

type SecurityConfig struct {
	TLSEnabled bool   `yaml:"tls_enabled" json:"tls_enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	// AuthToken, when set, is required as a bearer token on write endpoints
	AuthToken string `yaml:"auth_token" json:"-"`
}

type TracingConfig struct {
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"service_version" json:"service_version"`
	Environment    string            `yaml:"environment" json:"environment"`
	ExporterType   string            `yaml:"exporter_type" json:"exporter_type"`
	OTLPEndpoint   string            `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPHeaders    map[string]string `yaml:"otlp_headers" json:"otlp_headers"`
	SamplingRatio  float64           `yaml:"sampling_ratio" json:"sampling_ratio"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			GRPCPort:     9090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodySize:  4 * 1024 * 1024, // 4MB
		},
		Storage: StorageConfig{
			Engine:      history.EngineBadger,
			DataPath:    "./data/history",
			InMemory:    false,
			SyncWrites:  true,
			ValueLogGC:  true,
			GCInterval:  10 * time.Minute,
			BackupPath:  "./backups",
			MaxFileSize: 64 * 1024 * 1024, // 64MB
			File: FileConfig{
				Path:   "./data/data.js",
				Script: true,
			},
			Redis: RedisConfig{
				Addr:       "localhost:6379",
				KeyPrefix:  "benchhist",
				MaxRetries: 32,
			},
			Cache: CacheConfig{
				Enabled:         true,
				Size:            4096,
				TTL:             30 * time.Minute,
				CleanupInterval: 5 * time.Minute,
			},
		},
		Detection: DetectionConfig{
			WindowSize:        baseline.DefaultWindowSize,
			ThresholdRatio:    detector.DefaultThresholdRatio,
			SignificanceFloor: detector.DefaultSignificanceFloor,
			MADScale:          baseline.NormalConsistency,
			AbsEpsilon:        baseline.DefaultAbsEpsilon,
			RelEpsilon:        baseline.DefaultRelEpsilon,
			DefaultPolarity:   string(detector.LowerIsBetter),
		},
		Logging: LoggingConfig{
			Level:                "info",
			Format:               "json",
			Output:               "stdout",
			EnableRequestTracing: true,
			EnableCorrelationIDs: true,
			EnableStorageLogging: false,
			EnablePerformanceLog: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    2112,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "bench-history",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			ExporterType:   "console",
			OTLPEndpoint:   "http://localhost:4318",
			OTLPHeaders:    make(map[string]string),
			SamplingRatio:  1.0,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func envInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

func envBool(name string, target *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func envFloat(name string, target *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func envString(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func loadFromEnvironment(config *Config) {
	// Server configuration
	envString("BH_SERVER_HOST", &config.Server.Host)
	envInt("BH_SERVER_PORT", &config.Server.Port)
	envInt("BH_SERVER_GRPC_PORT", &config.Server.GRPCPort)

	// Storage configuration
	envString("BH_STORAGE_ENGINE", &config.Storage.Engine)
	envString("BH_STORAGE_DATA_PATH", &config.Storage.DataPath)
	envBool("BH_STORAGE_IN_MEMORY", &config.Storage.InMemory)
	envBool("BH_STORAGE_SYNC_WRITES", &config.Storage.SyncWrites)
	envString("BH_STORAGE_FILE_PATH", &config.Storage.File.Path)
	envBool("BH_STORAGE_FILE_WATCH", &config.Storage.File.Watch)
	envString("BH_STORAGE_REDIS_ADDR", &config.Storage.Redis.Addr)
	envString("BH_STORAGE_REDIS_PASSWORD", &config.Storage.Redis.Password)
	envInt("BH_STORAGE_REDIS_DB", &config.Storage.Redis.DB)
	envBool("BH_STORAGE_CACHE_ENABLED", &config.Storage.Cache.Enabled)

	// Detection configuration
	envInt("BH_DETECTION_WINDOW_SIZE", &config.Detection.WindowSize)
	envFloat("BH_DETECTION_THRESHOLD_RATIO", &config.Detection.ThresholdRatio)
	envFloat("BH_DETECTION_SIGNIFICANCE_FLOOR", &config.Detection.SignificanceFloor)
	envString("BH_DETECTION_DEFAULT_POLARITY", &config.Detection.DefaultPolarity)

	// Logging configuration
	envString("BH_LOG_LEVEL", &config.Logging.Level)
	envString("BH_LOG_FORMAT", &config.Logging.Format)

	// Metrics configuration
	envBool("BH_METRICS_ENABLED", &config.Metrics.Enabled)
	envInt("BH_METRICS_PORT", &config.Metrics.Port)

	// Security configuration
	envBool("BH_SECURITY_TLS_ENABLED", &config.Security.TLSEnabled)
	envString("BH_SECURITY_CERT_FILE", &config.Security.CertFile)
	envString("BH_SECURITY_KEY_FILE", &config.Security.KeyFile)
	envString("BH_SECURITY_AUTH_TOKEN", &config.Security.AuthToken)

	// Tracing configuration
	envBool("BH_TRACING_ENABLED", &config.Tracing.Enabled)
	envString("BH_TRACING_EXPORTER", &config.Tracing.ExporterType)
	envString("BH_TRACING_OTLP_ENDPOINT", &config.Tracing.OTLPEndpoint)
}

func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.Port == c.Server.GRPCPort {
		return fmt.Errorf("server port and gRPC port cannot be the same: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.Server.MaxBodySize <= 0 {
		return fmt.Errorf("max body size must be positive")
	}

	// Storage validation
	switch c.Storage.Engine {
	case history.EngineBadger:
		if !c.Storage.InMemory && c.Storage.DataPath == "" {
			return fmt.Errorf("data path cannot be empty when not using in-memory storage")
		}
		if c.Storage.ValueLogGC && c.Storage.GCInterval <= 0 {
			return fmt.Errorf("GC interval must be positive")
		}
		if c.Storage.MaxFileSize <= 0 {
			return fmt.Errorf("max file size must be positive")
		}
	case history.EngineFile:
		if c.Storage.File.Path == "" {
			return fmt.Errorf("file path cannot be empty for the file engine")
		}
	case history.EngineRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("redis address cannot be empty for the redis engine")
		}
	case "":
		return fmt.Errorf("storage engine cannot be empty")
	default:
		return fmt.Errorf("unknown storage engine: %s", c.Storage.Engine)
	}
	if c.Storage.Cache.Enabled && c.Storage.Cache.Size <= 0 {
		return fmt.Errorf("cache size must be positive when the cache is enabled")
	}

	// Detection validation
	if c.Detection.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive")
	}
	if c.Detection.MADScale <= 0 {
		return fmt.Errorf("MAD scale must be positive")
	}
	if c.Detection.AbsEpsilon <= 0 {
		return fmt.Errorf("absolute epsilon must be positive")
	}
	if c.Detection.RelEpsilon < 0 {
		return fmt.Errorf("relative epsilon cannot be negative")
	}
	if err := c.Detector().Validate(); err != nil {
		return fmt.Errorf("invalid detection policy: %w", err)
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port || c.Metrics.Port == c.Server.GRPCPort {
			return fmt.Errorf("metrics port conflicts with other ports")
		}
		if c.Metrics.Path == "" {
			return fmt.Errorf("metrics path cannot be empty when metrics are enabled")
		}
	}

	// Security validation
	if c.Security.TLSEnabled {
		if c.Security.CertFile == "" {
			return fmt.Errorf("cert file cannot be empty when TLS is enabled")
		}
		if c.Security.KeyFile == "" {
			return fmt.Errorf("key file cannot be empty when TLS is enabled")
		}
		if _, err := os.Stat(c.Security.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("cert file does not exist: %s", c.Security.CertFile)
		}
		if _, err := os.Stat(c.Security.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("key file does not exist: %s", c.Security.KeyFile)
		}
	}

	// Tracing validation
	if c.Tracing.Enabled {
		switch c.Tracing.ExporterType {
		case "console", "otlp", "none":
		default:
			return fmt.Errorf("unsupported tracing exporter: %s", c.Tracing.ExporterType)
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("sampling ratio must be between 0 and 1")
		}
	}

	return nil
}

// HistoryOptions maps the storage section onto repository options
func (c *Config) HistoryOptions() history.Options {
	return history.Options{
		Engine: c.Storage.Engine,
		Badger: storage.Config{
			DataPath:         c.Storage.DataPath,
			InMemory:         c.Storage.InMemory,
			SyncWrites:       c.Storage.SyncWrites,
			ValueLogGC:       c.Storage.ValueLogGC,
			GCInterval:       c.Storage.GCInterval,
			ValueLogFileSize: c.Storage.MaxFileSize,
		},
		File: history.FileConfig{
			Path:    c.Storage.File.Path,
			RepoURL: c.Storage.File.RepoURL,
			Script:  c.Storage.File.Script,
			Watch:   c.Storage.File.Watch,
		},
		Redis: history.RedisConfig{
			Addr:       c.Storage.Redis.Addr,
			Password:   c.Storage.Redis.Password,
			DB:         c.Storage.Redis.DB,
			KeyPrefix:  c.Storage.Redis.KeyPrefix,
			MaxRetries: c.Storage.Redis.MaxRetries,
		},
		Cache: history.CacheConfig{
			Enabled:         c.Storage.Cache.Enabled,
			Size:            c.Storage.Cache.Size,
			TTL:             c.Storage.Cache.TTL,
			CleanupInterval: c.Storage.Cache.CleanupInterval,
		},
	}
}

// Estimator builds the baseline estimator from the detection section
func (c *Config) Estimator() *baseline.Estimator {
	return &baseline.Estimator{
		WindowSize: c.Detection.WindowSize,
		MADScale:   c.Detection.MADScale,
		AbsEpsilon: c.Detection.AbsEpsilon,
		RelEpsilon: c.Detection.RelEpsilon,
	}
}

// Detector builds the regression detector from the detection section
func (c *Config) Detector() *detector.Detector {
	polarity, err := detector.ParsePolarity(c.Detection.DefaultPolarity)
	if err != nil {
		// Left as-is so Validate reports it
		polarity = detector.Polarity(c.Detection.DefaultPolarity)
	}
	return &detector.Detector{
		ThresholdRatio:    c.Detection.ThresholdRatio,
		SignificanceFloor: c.Detection.SignificanceFloor,
		DefaultPolarity:   polarity,
		Rules:             append([]detector.Rule(nil), c.Detection.Rules...),
	}
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const (
	BackendElasticsearch = "elasticsearch"
	BackendClickHouse    = "clickhouse"
)

// Config holds all configuration for the application
type Config struct {
	Backend string `yaml:"backend"`

	// Elasticsearch configuration
	ElasticHost           string `yaml:"elastic_host"`
	ElasticPort           int    `yaml:"elastic_port"`
	ElasticIndex          string `yaml:"elastic_index"`
	ElasticUsername       string `yaml:"elastic_username"`
	ElasticPassword       string `yaml:"elastic_password"`
	ElasticTLS            bool   `yaml:"elastic_tls"`
	ElasticSkipCertVerify bool   `yaml:"elastic_skip_cert_verify"`
	ElasticCACert         string `yaml:"elastic_ca_cert"`

	// ClickHouse configuration
	ClickHouseHost     string `yaml:"clickhouse_host"`
	ClickHousePort     int    `yaml:"clickhouse_port"`
	ClickHouseDB       string `yaml:"clickhouse_db"`
	ClickHouseTable    string `yaml:"clickhouse_table"`
	ClickHouseUsername string `yaml:"clickhouse_username"`
	ClickHousePassword string `yaml:"clickhouse_password"`

	// Ingest settings
	Sources         []string `yaml:"sources"`          // record files, "-" for stdin
	CacheSize       int      `yaml:"cache_size"`       // documents per bulk request
	FlushTimeoutMs  int      `yaml:"flush_timeout_ms"` // per-flush deadline
	DefaultTimezone string   `yaml:"default_timezone"`
	ZoneMapPath     string   `yaml:"zone_map_path"`
	CheckpointPath  string   `yaml:"checkpoint_path"`
	Workers         int      `yaml:"workers"`

	// Retry policy for failed flushes
	RetryMaxAttempts    int `yaml:"retry_max_attempts"`
	RetryInitialDelayMs int `yaml:"retry_initial_delay_ms"`
	RetryMaxDelayMs     int `yaml:"retry_max_delay_ms"`

	// Observability
	LogLevel        string `yaml:"log_level"`
	LogFile         string `yaml:"log_file"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingProtocol string `yaml:"tracing_protocol"`
	MetricsAddr     string `yaml:"metrics_addr"` // empty disables the metrics server
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Backend: BackendElasticsearch,

		ElasticHost:  "localhost",
		ElasticPort:  9200,
		ElasticIndex: "timeline",

		ClickHouseHost:  "localhost",
		ClickHousePort:  9000,
		ClickHouseDB:    "timeline",
		ClickHouseTable: "documents",

		CacheSize:       10000,
		FlushTimeoutMs:  30000,
		DefaultTimezone: "UTC",
		CheckpointPath:  "timeline-checkpoints.db",
		Workers:         2,

		RetryMaxAttempts:    3,
		RetryInitialDelayMs: 100,
		RetryMaxDelayMs:     5000,

		LogLevel:        "info",
		TracingProtocol: "grpc",
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and environment variables, in that order of precedence
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend = strings.ToLower(getEnv("BACKEND", c.Backend))

	c.ElasticHost = getEnv("ELASTIC_HOST", c.ElasticHost)
	c.ElasticPort = getEnvInt("ELASTIC_PORT", c.ElasticPort)
	c.ElasticIndex = getEnv("ELASTIC_INDEX", c.ElasticIndex)
	c.ElasticUsername = getEnv("ELASTIC_USERNAME", c.ElasticUsername)
	c.ElasticPassword = getEnv("ELASTIC_PASSWORD", c.ElasticPassword)
	c.ElasticTLS = getEnvBool("ELASTIC_TLS", c.ElasticTLS)
	c.ElasticSkipCertVerify = getEnvBool("ELASTIC_SKIP_CERT_VERIFY", c.ElasticSkipCertVerify)
	c.ElasticCACert = getEnv("ELASTIC_CA_CERT", c.ElasticCACert)

	c.ClickHouseHost = getEnv("CLICKHOUSE_HOST", c.ClickHouseHost)
	c.ClickHousePort = getEnvInt("CLICKHOUSE_PORT", c.ClickHousePort)
	c.ClickHouseDB = getEnv("CLICKHOUSE_DB", c.ClickHouseDB)
	c.ClickHouseTable = getEnv("CLICKHOUSE_TABLE", c.ClickHouseTable)
	c.ClickHouseUsername = getEnv("CLICKHOUSE_USERNAME", c.ClickHouseUsername)
	c.ClickHousePassword = getEnv("CLICKHOUSE_PASSWORD", c.ClickHousePassword)

	if sources := parsePathList(getEnv("SOURCES", "")); len(sources) > 0 {
		c.Sources = sources
	}
	c.CacheSize = getEnvInt("CACHE_SIZE", c.CacheSize)
	c.FlushTimeoutMs = getEnvInt("FLUSH_TIMEOUT_MS", c.FlushTimeoutMs)
	c.DefaultTimezone = getEnv("DEFAULT_TIMEZONE", c.DefaultTimezone)
	c.ZoneMapPath = getEnv("ZONE_MAP_PATH", c.ZoneMapPath)
	c.CheckpointPath = getEnv("CHECKPOINT_PATH", c.CheckpointPath)
	c.Workers = getEnvInt("WORKERS", c.Workers)

	c.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.RetryInitialDelayMs = getEnvInt("RETRY_INITIAL_DELAY_MS", c.RetryInitialDelayMs)
	c.RetryMaxDelayMs = getEnvInt("RETRY_MAX_DELAY_MS", c.RetryMaxDelayMs)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.TracingEnabled = getEnvBool("TRACING_ENABLED", c.TracingEnabled)
	c.TracingEndpoint = getEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingProtocol = getEnv("TRACING_PROTOCOL", c.TracingProtocol)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
}

// FlushTimeout returns the per-flush deadline
func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMs) * time.Millisecond
}

// TargetIndex names the write target of the selected backend: the
// Elasticsearch index or the ClickHouse database.table
func (c *Config) TargetIndex() string {
	if c.Backend == BackendClickHouse {
		return c.ClickHouseDB + "." + c.ClickHouseTable
	}
	return c.ElasticIndex
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendElasticsearch:
		if c.ElasticHost == "" {
			return fmt.Errorf("ELASTIC_HOST is required")
		}
		if c.ElasticPort <= 0 || c.ElasticPort > 65535 {
			return fmt.Errorf("ELASTIC_PORT must be between 1 and 65535")
		}
		if c.ElasticIndex == "" {
			return fmt.Errorf("ELASTIC_INDEX is required")
		}
	case BackendClickHouse:
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required")
		}
		if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
			return fmt.Errorf("CLICKHOUSE_PORT must be between 1 and 65535")
		}
		if c.ClickHouseDB == "" || c.ClickHouseTable == "" {
			return fmt.Errorf("CLICKHOUSE_DB and CLICKHOUSE_TABLE are required")
		}
	default:
		return fmt.Errorf("BACKEND must be %q or %q, got %q", BackendElasticsearch, BackendClickHouse, c.Backend)
	}

	if c.CacheSize < 1 {
		return fmt.Errorf("CACHE_SIZE must be at least 1")
	}
	if c.FlushTimeoutMs < 1 {
		return fmt.Errorf("FLUSH_TIMEOUT_MS must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE %q is not a known zone: %w", c.DefaultTimezone, err)
	}
	if c.CheckpointPath == "" {
		return fmt.Errorf("CHECKPOINT_PATH is required")
	}

	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// parsePathList parses a semicolon-separated list of paths
func parsePathList(pathsStr string) []string {
	if pathsStr == "" {
		return nil
	}

	paths := strings.Split(pathsStr, ";")
	result := make([]string, 0, len(paths))

	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

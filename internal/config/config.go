package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/jose-keywrap/internal/crypto"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	PBES2      PBES2Config     `yaml:"pbes2"`
	TLS        TLSConfig       `yaml:"tls"`
	Server     ServerConfig    `yaml:"server"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Audit      AuditConfig     `yaml:"audit"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Logging    LoggingConfig   `yaml:"logging"`
	Policies   []string        `yaml:"policies" env:"POLICY_FILES"` // Glob patterns of per-client policy files
}

// PBES2Config holds the password based key management policy.
type PBES2Config struct {
	DefaultAlgorithm  string   `yaml:"default_algorithm" env:"PBES2_DEFAULT_ALGORITHM"`
	DefaultIterations int      `yaml:"default_iterations" env:"PBES2_DEFAULT_ITERATIONS"` // p2c when the request header has none
	MaxIterations     int      `yaml:"max_iterations" env:"PBES2_MAX_ITERATIONS"`         // largest p2c accepted from a header
	AllowedAlgorithms []string `yaml:"allowed_algorithms" env:"PBES2_ALLOWED_ALGORITHMS"` // empty means every registered algorithm
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// defaultConfig returns the configuration used before the file and environment are applied.
func defaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		PBES2: PBES2Config{
			DefaultAlgorithm:  crypto.AlgorithmPBES2HS256A128KW,
			DefaultIterations: crypto.DefaultPBES2Iterations,
			MaxIterations:     crypto.DefaultMaxPBES2Iterations,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second, // derivation with a large p2c is slow
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			MaxBodyBytes:      64 << 10,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "jose-keywrap",
			ServiceVersion: "dev",
			Exporter:       "stdout",
			SamplingRatio:  1.0,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie"},
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := defaultConfig()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	// PBES2 policy
	if v := os.Getenv("PBES2_DEFAULT_ALGORITHM"); v != "" {
		config.PBES2.DefaultAlgorithm = v
	}
	if v := os.Getenv("PBES2_DEFAULT_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.PBES2.DefaultIterations = n
		}
	}
	if v := os.Getenv("PBES2_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.PBES2.MaxIterations = n
		}
	}
	if v := os.Getenv("PBES2_ALLOWED_ALGORITHMS"); v != "" {
		config.PBES2.AllowedAlgorithms = splitList(v)
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	// Server timeouts from environment
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}
	if v := os.Getenv("SERVER_MAX_BODY_BYTES"); v != "" {
		var maxBytes int64
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxBodyBytes = maxBytes
		}
	}
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}
	// Audit configuration
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_JAEGER_ENDPOINT"); v != "" {
		config.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	// Access log configuration
	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = splitList(v)
	}
	if v := os.Getenv("POLICY_FILES"); v != "" {
		config.Policies = splitList(v)
	}
}

// splitList splits a comma-separated environment value.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	// Validate PBES2 policy
	if alg := strings.TrimSpace(c.PBES2.DefaultAlgorithm); alg != "" && !crypto.IsPBES2(alg) {
		return fmt.Errorf("invalid pbes2.default_algorithm: %s", alg)
	}
	if c.PBES2.DefaultIterations < 1 {
		return fmt.Errorf("pbes2.default_iterations must be positive")
	}
	if c.PBES2.MaxIterations < c.PBES2.DefaultIterations {
		return fmt.Errorf("pbes2.max_iterations (%d) must not be below pbes2.default_iterations (%d)",
			c.PBES2.MaxIterations, c.PBES2.DefaultIterations)
	}
	defaultAllowed := len(c.PBES2.AllowedAlgorithms) == 0
	for _, alg := range c.PBES2.AllowedAlgorithms {
		if !crypto.IsPBES2(alg) && !crypto.IsAESKeyWrap(alg) {
			return fmt.Errorf("invalid entry in pbes2.allowed_algorithms: %s", alg)
		}
		if alg == strings.TrimSpace(c.PBES2.DefaultAlgorithm) {
			defaultAllowed = true
		}
	}
	if !defaultAllowed && strings.TrimSpace(c.PBES2.DefaultAlgorithm) != "" {
		return fmt.Errorf("pbes2.default_algorithm %s is not in pbes2.allowed_algorithms", c.PBES2.DefaultAlgorithm)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive when rate limiting is enabled")
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.PBES2.AllowedAlgorithms = append([]string(nil), c.PBES2.AllowedAlgorithms...)
	out.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	out.Policies = append([]string(nil), c.Policies...)
	return &out
}

// KeyManagementOptions returns the crypto options for the configured PBES2 policy.
func (c *PBES2Config) KeyManagementOptions() []crypto.Option {
	return []crypto.Option{
		crypto.WithDefaultIterations(c.DefaultIterations),
		crypto.WithMaxIterations(c.MaxIterations),
	}
}

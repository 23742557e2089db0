package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the service configuration of the logwatch binary. The
// logwatch pattern files are read separately, see LoadLogwatch.
type Config struct {
	Logging LoggingConfig  `yaml:"logging"`
	Agent   AgentConfig    `yaml:"agent"`
	Forward ForwardConfig  `yaml:"forward"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
	Health  *HealthConfig  `yaml:"health,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// AgentConfig configures the tailing side
type AgentConfig struct {
	ConfigDir     string        `yaml:"config_dir"`
	ConfigFile    string        `yaml:"config_file,omitempty"`
	StateDir      string        `yaml:"state_dir"`
	Remote        string        `yaml:"remote,omitempty"`
	Workers       int           `yaml:"workers"`
	JobTimeout    time.Duration `yaml:"job_timeout,omitempty"`
	NoState       bool          `yaml:"no_state"`
	Debug         bool          `yaml:"debug"`
	WatchDebounce time.Duration `yaml:"watch_debounce,omitempty"`
}

// ForwardConfig configures the consuming side
type ForwardConfig struct {
	HostName     string           `yaml:"host_name"`
	IPAddress    string           `yaml:"ip_address,omitempty"`
	StateDir     string           `yaml:"state_dir"`
	Facility     int              `yaml:"facility"`
	ServiceLevel int              `yaml:"service_level"`
	Method       MethodConfig     `yaml:"method"`
	Reclassify   ReclassifyConfig `yaml:"reclassify"`
}

// MethodConfig selects and configures the forwarding transport
type MethodConfig struct {
	Type           string                `yaml:"type"` // local, pipe, spool, udp, tcp, kafka
	Path           string                `yaml:"path,omitempty"`
	Address        string                `yaml:"address,omitempty"`
	Port           int                   `yaml:"port,omitempty"`
	ConnectTimeout time.Duration         `yaml:"connect_timeout,omitempty"`
	RateLimit      float64               `yaml:"rate_limit,omitempty"`  // udp messages per second
	Compression    string                `yaml:"compression,omitempty"` // spool dir: none, gzip, snappy
	TLS            *TLSConfig            `yaml:"tls,omitempty"`
	Retry          *RetryConfig          `yaml:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
	Spool          *SpoolConfig          `yaml:"spool,omitempty"`
	Kafka          *KafkaConfig          `yaml:"kafka,omitempty"`
}

// TLSConfig holds client TLS settings for the tcp transport
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	Jitter         bool          `yaml:"jitter,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
}

// SpoolConfig bounds the on-disk spool of the network transports
type SpoolConfig struct {
	Dir          string        `yaml:"dir"`
	MaxAge       time.Duration `yaml:"max_age"`
	MaxSize      int64         `yaml:"max_size"`
	MaxChunkSize int64         `yaml:"max_chunk_size,omitempty"`
}

// KafkaConfig holds Kafka transport configuration
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	ClientID         string   `yaml:"client_id,omitempty"`
	RequiredAcks     int16    `yaml:"required_acks,omitempty"`
	CompressionCodec string   `yaml:"compression_codec,omitempty"`
	MaxMessageBytes  int      `yaml:"max_message_bytes,omitempty"`
	Version          string   `yaml:"version,omitempty"`
	SASLUsername     string   `yaml:"sasl_username,omitempty"` // SASL/PLAIN
	// SASLPassword may reference a secret as env:NAME or file:/path
	SASLPassword string `yaml:"sasl_password,omitempty"`
}

// ReclassifyConfig holds the site-side reclassification rules
type ReclassifyConfig struct {
	Patterns []ReclassifyPattern `yaml:"patterns,omitempty"`
	States   map[string]string   `yaml:"states,omitempty"` // c_to, w_to, o_to, ._to, i_to
}

// ReclassifyPattern is a literal level rule (Level set) or a counting rule
// (Warn/Crit thresholds)
type ReclassifyPattern struct {
	Level       string `yaml:"level,omitempty"`
	Warn        int    `yaml:"warn,omitempty"`
	Crit        int    `yaml:"crit,omitempty"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
	// Profiling serves pprof next to the metrics
	Profiling bool `yaml:"profiling,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default values
const (
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
	DefaultWorkers        = 4
	DefaultWatchDebounce  = 500 * time.Millisecond
	DefaultFacility       = 17 // local1
	DefaultConnectTimeout = 5 * time.Second
	DefaultSpoolMaxAge    = 7 * 24 * time.Hour
	DefaultSpoolMaxSize   = 100 * 1024 * 1024
	DefaultSpoolChunkSize = 1024 * 1024
	DefaultMetricsAddress = ":9273"
	DefaultMetricsPath    = "/metrics"
	DefaultHealthAddress  = ":8081"
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// DefaultStateDir mirrors the agent environment: LOGWATCH_DIR, MK_VARDIR,
// MK_STATEDIR, then the working directory
func DefaultStateDir() string {
	if dir := firstEnv("LOGWATCH_DIR", "MK_VARDIR", "MK_STATEDIR"); dir != "" {
		return dir
	}
	return "."
}

// DefaultConfigDir mirrors the agent environment: LOGWATCH_DIR, MK_CONFDIR,
// then the working directory
func DefaultConfigDir() string {
	if dir := firstEnv("LOGWATCH_DIR", "MK_CONFDIR"); dir != "" {
		return dir
	}
	return "."
}

// DefaultEventSocket is the local event console socket below OMD_ROOT
func DefaultEventSocket() string {
	return filepath.Join(os.Getenv("OMD_ROOT"), "tmp", "run", "mkeventd", "eventsocket")
}

// DefaultEventPipe is the local event console pipe below OMD_ROOT
func DefaultEventPipe() string {
	return filepath.Join(os.Getenv("OMD_ROOT"), "tmp", "run", "mkeventd", "events")
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Agent.ConfigDir == "" {
		c.Agent.ConfigDir = DefaultConfigDir()
	}
	if c.Agent.StateDir == "" {
		c.Agent.StateDir = DefaultStateDir()
	}
	if c.Agent.Remote == "" {
		c.Agent.Remote = firstEnv("REMOTE", "REMOTE_ADDR")
	}
	if c.Agent.Workers <= 0 {
		c.Agent.Workers = DefaultWorkers
	}
	if c.Agent.WatchDebounce == 0 {
		c.Agent.WatchDebounce = DefaultWatchDebounce
	}

	if c.Forward.StateDir == "" {
		c.Forward.StateDir = DefaultStateDir()
	}
	if c.Forward.HostName == "" {
		c.Forward.HostName, _ = os.Hostname()
	}
	if c.Forward.Facility == 0 {
		c.Forward.Facility = DefaultFacility
	}
	c.Forward.Method.ApplyDefaults(c.Forward.StateDir)

	if c.Metrics != nil {
		if c.Metrics.Address == "" {
			c.Metrics.Address = DefaultMetricsAddress
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}
	if c.Health != nil {
		if c.Health.Address == "" {
			c.Health.Address = DefaultHealthAddress
		}
		if c.Health.Timeout == 0 {
			c.Health.Timeout = 5 * time.Second
		}
	}
}

// ApplyDefaults fills in the transport defaults; network spools live below
// stateDir unless configured
func (m *MethodConfig) ApplyDefaults(stateDir string) {
	if m.Type == "" {
		m.Type = "local"
	}
	if m.Path == "" {
		switch m.Type {
		case "local":
			m.Path = DefaultEventSocket()
		case "pipe":
			m.Path = DefaultEventPipe()
		}
	}
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = DefaultConnectTimeout
	}
	if m.Type == "tcp" {
		if m.Spool == nil {
			m.Spool = &SpoolConfig{}
		}
		if m.Spool.Dir == "" {
			m.Spool.Dir = filepath.Join(stateDir, "logwatch-spool")
		}
		if m.Spool.MaxAge == 0 {
			m.Spool.MaxAge = DefaultSpoolMaxAge
		}
		if m.Spool.MaxSize == 0 {
			m.Spool.MaxSize = DefaultSpoolMaxSize
		}
		if m.Spool.MaxChunkSize == 0 {
			m.Spool.MaxChunkSize = DefaultSpoolChunkSize
		}
	}
	if m.Kafka != nil && m.Kafka.RequiredAcks == 0 {
		m.Kafka.RequiredAcks = 1
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Forward.Facility < 0 || c.Forward.Facility > 23 {
		return fmt.Errorf("invalid syslog facility: %d", c.Forward.Facility)
	}

	return c.Forward.Method.Validate()
}

// Validate checks that the transport has what it needs
func (m *MethodConfig) Validate() error {
	switch m.Type {
	case "local", "pipe":
		if m.Path == "" {
			return fmt.Errorf("%s method has no path configured", m.Type)
		}
	case "spool":
		if m.Path == "" {
			return fmt.Errorf("spool method has no path configured")
		}
		switch m.Compression {
		case "", "none", "gzip", "snappy":
		default:
			return fmt.Errorf("invalid spool compression: %s", m.Compression)
		}
	case "udp", "tcp":
		if m.Address == "" {
			return fmt.Errorf("%s method has no address configured", m.Type)
		}
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("%s method has invalid port %d", m.Type, m.Port)
		}
		if m.RateLimit < 0 {
			return fmt.Errorf("invalid rate limit: %v", m.RateLimit)
		}
		if m.Spool != nil && m.Spool.MaxSize < 0 {
			return fmt.Errorf("invalid spool max_size: %d", m.Spool.MaxSize)
		}
	case "kafka":
		if m.Kafka == nil || len(m.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka method has no brokers configured")
		}
		if m.Kafka.Topic == "" {
			return fmt.Errorf("kafka method has no topic configured")
		}
	default:
		return fmt.Errorf("invalid forward method: %s", m.Type)
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

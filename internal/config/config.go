// Package config loads and validates the recorder's configuration. No CLI
// flag parsing lives here — a thin cmd/ decides how a path reaches Load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level recorder configuration.
type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Output        OutputSettings      `yaml:"output"`
	Handler       HandlerConfig       `yaml:"handler"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// NATSConfig configures the connection to the NATS bus the DDS-pipe bridge
// publishes schema and sample updates onto.
type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

// TLSConfig configures mutual TLS for the NATS connection.
type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// IngestConfig names the subjects the recorder subscribes to for discovered
// schemas and published samples, and the queue group it subscribes in.
type IngestConfig struct {
	SchemaSubject string `yaml:"schema_subject"`
	DataSubject   string `yaml:"data_subject"`
	QueueGroup    string `yaml:"queue_group"`
}

// OutputSettings governs the writer's file layout and size budgets.
type OutputSettings struct {
	OutputDir    string   `yaml:"output_dir"`
	FilePrefix   string   `yaml:"file_prefix"`
	MaxFileSize  ByteSize `yaml:"max_file_size"`
	MaxSize      ByteSize `yaml:"max_size"`
	SafetyMargin ByteSize `yaml:"safety_margin"`
	RecordTypes  bool     `yaml:"record_types"`
}

// HandlerConfig governs the handler's buffering and pending-queue policy.
type HandlerConfig struct {
	InitialState      string   `yaml:"initial_state"` // RUNNING | PAUSED | STOPPED
	BufferSize        int      `yaml:"buffer_size"`
	EventWindow       Duration `yaml:"event_window"`
	CleanupPeriod     Duration `yaml:"cleanup_period"`
	MaxPendingSamples int      `yaml:"max_pending_samples"` // 0 disables, -1 unbounded
	OnlyWithSchema    bool     `yaml:"only_with_schema"`
}

// ArchiveConfig optionally ships closed files off to S3-compatible storage.
// Disabled by default; entirely optional.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	DeleteAfterPush bool   `yaml:"delete_after_push"`
}

// ObservabilityConfig groups logging, metrics and health ambient concerns.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig configures the Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// HealthConfig configures the liveness/readiness HTTP endpoint.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
	Output string `yaml:"output"`
}

// Load reads and validates a YAML configuration file, starting from
// DefaultConfig so unset fields keep sane values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Output.OutputDir == "" {
		return fmt.Errorf("output.output_dir is required")
	}
	if c.Output.MaxFileSize <= 0 {
		return fmt.Errorf("output.max_file_size must be > 0")
	}
	if c.Output.MaxSize < c.Output.MaxFileSize {
		return fmt.Errorf("output.max_size must be >= output.max_file_size")
	}
	if c.Output.SafetyMargin < 0 || int64(c.Output.SafetyMargin) >= int64(c.Output.MaxFileSize) {
		return fmt.Errorf("output.safety_margin must be >= 0 and < output.max_file_size")
	}

	switch c.Handler.InitialState {
	case "RUNNING", "PAUSED", "STOPPED":
	default:
		return fmt.Errorf("handler.initial_state must be one of RUNNING, PAUSED, STOPPED, got %q", c.Handler.InitialState)
	}
	if c.Handler.BufferSize <= 0 {
		return fmt.Errorf("handler.buffer_size must be > 0")
	}
	if c.Handler.MaxPendingSamples < -1 {
		return fmt.Errorf("handler.max_pending_samples must be >= -1")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.enabled")
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Ingest.SchemaSubject == "" {
		return fmt.Errorf("ingest.schema_subject is required")
	}
	if c.Ingest.DataSubject == "" {
		return fmt.Errorf("ingest.data_subject is required")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}

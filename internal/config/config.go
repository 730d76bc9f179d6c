package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete edge inference client configuration.
type Config struct {
	Model        ModelConfig        `yaml:"model"`
	Capture      CaptureConfig      `yaml:"capture"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Window       WindowConfig       `yaml:"window"`
	Feeder       FeederConfig       `yaml:"feeder"`
	Cache        CacheConfig        `yaml:"cache"`
	Client       ClientConfig       `yaml:"client"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Logging      LogConfig          `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Diagnostics  DiagnosticsConfig  `yaml:"diagnostics"`
}

// ModelConfig names the inference model the worker is expected to run.
// The client does not load or run the model. Validate requires the
// identifier to be set; it is not sent in the handshake or written to logs.
type ModelConfig struct {
	Identifier string `yaml:"identifier"`
}

// CaptureConfig describes the frame geometry the capture producer supplies.
type CaptureConfig struct {
	Width            uint32 `yaml:"width"`
	Height           uint32 `yaml:"height"`
	PreferredFormat  string `yaml:"preferred_format"` // NV12 or I420
}

// CapabilitiesConfig configures what the client advertises in Init.
type CapabilitiesConfig struct {
	PixelFormats         []string `yaml:"pixel_formats"`
	Codecs               []string `yaml:"codecs"`
	MaxInflightHint      uint32   `yaml:"max_inflight_hint"`
	SupportsLetterbox    bool     `yaml:"supports_letterbox"`
	SupportsNormalize    bool     `yaml:"supports_normalize"`
	PreferredLayout      string   `yaml:"preferred_layout"`
	PreferredDtype       string   `yaml:"preferred_dtype"`
	DesiredMaxFrameBytes uint64   `yaml:"desired_max_frame_bytes"`
}

// WindowConfig has no tunables today; reserved for a future static
// fallback window size used before the first InitOk arrives.
type WindowConfig struct{}

// FeederConfig tunes admission behavior.
type FeederConfig struct {
	MaxDegradeAttempts int      `yaml:"max_degrade_attempts"`
	DegradeCooldown    Duration `yaml:"degrade_cooldown"`
}

// CacheConfig tunes the frame cache.
type CacheConfig struct {
	TTL            Duration `yaml:"ttl"`
	SweepInterval  Duration `yaml:"sweep_interval"`
}

// ClientConfig tunes the protocol client state machine.
type ClientConfig struct {
	WorkerAddress    string   `yaml:"worker_address"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffCap       Duration `yaml:"backoff_cap"`
}

// IngestConfig tunes the ingest sink.
type IngestConfig struct {
	BaseURL         string   `yaml:"base_url"`
	JPEGQuality     int      `yaml:"jpeg_quality"`
	MaxAttempts     int      `yaml:"max_attempts"`
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ShutdownGrace   Duration `yaml:"shutdown_grace"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DiagnosticsConfig configures the local liveness/readiness/metrics server.
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Duration is a time.Duration that supports YAML string unmarshaling.
type Duration time.Duration

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

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid or missing required values (spec §6).
func (c *Config) Validate() error {
	if c.Model.Identifier == "" {
		return fmt.Errorf("model.identifier is required")
	}
	if c.Capture.Width == 0 || c.Capture.Height == 0 {
		return fmt.Errorf("capture.width and capture.height are required")
	}
	validFormats := map[string]bool{"NV12": true, "I420": true}
	if !validFormats[c.Capture.PreferredFormat] {
		return fmt.Errorf("capture.preferred_format must be NV12 or I420, got %q", c.Capture.PreferredFormat)
	}
	if c.Capabilities.MaxInflightHint == 0 {
		return fmt.Errorf("capabilities.max_inflight_hint must be >= 1")
	}
	if c.Cache.TTL.Duration() <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Client.WorkerAddress == "" {
		return fmt.Errorf("client.worker_address is required")
	}
	if c.Client.HandshakeTimeout.Duration() <= 0 {
		return fmt.Errorf("client.handshake_timeout must be positive")
	}
	if c.Client.HeartbeatInterval.Duration() <= 0 {
		return fmt.Errorf("client.heartbeat_interval must be positive")
	}
	if c.Ingest.BaseURL == "" {
		return fmt.Errorf("ingest.base_url is required")
	}
	if c.Feeder.MaxDegradeAttempts <= 0 {
		return fmt.Errorf("feeder.max_degrade_attempts must be >= 1")
	}
	return nil
}

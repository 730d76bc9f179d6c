package config

import "time"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Identifier: "",
		},
		Capture: CaptureConfig{
			Width:           1280,
			Height:          720,
			PreferredFormat: "NV12",
		},
		Capabilities: CapabilitiesConfig{
			PixelFormats:         []string{"NV12", "I420"},
			Codecs:               []string{"NONE", "JPEG"},
			MaxInflightHint:      8,
			SupportsLetterbox:    true,
			SupportsNormalize:    false,
			PreferredLayout:      "HWC",
			PreferredDtype:       "UINT8",
			DesiredMaxFrameBytes: 8 * 1024 * 1024,
		},
		Window: WindowConfig{},
		Feeder: FeederConfig{
			MaxDegradeAttempts: 3,
			DegradeCooldown:    Duration(5 * time.Second),
		},
		Cache: CacheConfig{
			TTL:           Duration(2 * time.Second),
			SweepInterval: Duration(2 * time.Second),
		},
		Client: ClientConfig{
			WorkerAddress:     "127.0.0.1:9443",
			HandshakeTimeout:  Duration(5 * time.Second),
			HeartbeatInterval: Duration(2 * time.Second),
			BackoffBase:       Duration(500 * time.Millisecond),
			BackoffCap:        Duration(30 * time.Second),
		},
		Ingest: IngestConfig{
			BaseURL:        "",
			JPEGQuality:    85,
			MaxAttempts:    3,
			RetryBaseDelay: Duration(200 * time.Millisecond),
			RequestTimeout: Duration(5 * time.Second),
			ShutdownGrace:  Duration(2 * time.Second),
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: true,
			Address: "127.0.0.1:9090",
		},
	}
}

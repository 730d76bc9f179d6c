package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Client.WorkerAddress != "127.0.0.1:9443" {
		t.Errorf("expected default worker address 127.0.0.1:9443, got %s", cfg.Client.WorkerAddress)
	}
	if cfg.Capabilities.MaxInflightHint != 8 {
		t.Errorf("expected max_inflight_hint 8, got %d", cfg.Capabilities.MaxInflightHint)
	}
	if cfg.Cache.TTL.Duration() != 2*time.Second {
		t.Errorf("expected cache ttl 2s, got %s", cfg.Cache.TTL.Duration())
	}
	if cfg.Ingest.JPEGQuality != 85 {
		t.Errorf("expected jpeg quality 85, got %d", cfg.Ingest.JPEGQuality)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestLoadValidConfig(t *testing.T) {
	yaml := `
model:
  identifier: "yolov8n"
capture:
  width: 1920
  height: 1080
  preferred_format: "I420"
client:
  worker_address: "10.0.0.5:9443"
  handshake_timeout: "3s"
  heartbeat_interval: "1s"
ingest:
  base_url: "http://ingest.local:8000"
  jpeg_quality: 90
logging:
  level: "debug"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "edge-infer-client.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Model.Identifier != "yolov8n" {
		t.Errorf("expected model identifier yolov8n, got %s", cfg.Model.Identifier)
	}
	if cfg.Capture.Width != 1920 || cfg.Capture.Height != 1080 {
		t.Errorf("expected capture 1920x1080, got %dx%d", cfg.Capture.Width, cfg.Capture.Height)
	}
	if cfg.Client.WorkerAddress != "10.0.0.5:9443" {
		t.Errorf("expected worker address 10.0.0.5:9443, got %s", cfg.Client.WorkerAddress)
	}
	if cfg.Client.HandshakeTimeout.Duration() != 3*time.Second {
		t.Errorf("expected handshake_timeout 3s, got %s", cfg.Client.HandshakeTimeout.Duration())
	}
	if cfg.Ingest.JPEGQuality != 90 {
		t.Errorf("expected jpeg_quality 90, got %d", cfg.Ingest.JPEGQuality)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/edge-infer-client.yaml")
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Model.Identifier = "yolov8n"
	cfg.Ingest.BaseURL = "http://ingest.local:8000"
	return cfg
}

func TestValidateMissingModelIdentifier(t *testing.T) {
	cfg := validConfig()
	cfg.Model.Identifier = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing model.identifier")
	}
}

func TestValidateBadCaptureFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Capture.PreferredFormat = "RGB8"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unsupported capture.preferred_format")
	}
}

func TestValidateZeroMaxInflightHint(t *testing.T) {
	cfg := validConfig()
	cfg.Capabilities.MaxInflightHint = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for max_inflight_hint=0")
	}
}

func TestValidateMissingWorkerAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Client.WorkerAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing client.worker_address")
	}
}

func TestValidateMissingIngestBaseURL(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing ingest.base_url")
	}
}

func TestValidateOK(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

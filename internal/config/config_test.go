package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsZeroValue(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Capture.LibraryPaths != nil {
		t.Fatalf("expected zero-value config, got %+v", cfg.Capture)
	}
}

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
capture:
  library-paths:
    - /usr/lib/libssl.so.3
  ssl-payload-cap-bytes: 8192
export:
  file:
    path: /var/log/oisp/events.jsonl
    max-size-mb: 64
    max-backups: 5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Capture.LibraryPaths) != 1 || cfg.Capture.LibraryPaths[0] != "/usr/lib/libssl.so.3" {
		t.Fatalf("unexpected library paths: %+v", cfg.Capture.LibraryPaths)
	}
	if cfg.Capture.SSLPayloadCapBytes != 8192 {
		t.Fatalf("expected SSLPayloadCapBytes=8192, got %d", cfg.Capture.SSLPayloadCapBytes)
	}
	if cfg.Export.File == nil {
		t.Fatal("expected export.file section to be populated")
	}
	if cfg.Export.File.MaxBackups != 5 {
		t.Fatalf("expected MaxBackups=5, got %d", cfg.Export.File.MaxBackups)
	}
	if cfg.Export.Kafka != nil {
		t.Fatal("expected export.kafka to stay nil (sink disabled)")
	}
}

func TestLoadConfigEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  ssl-payload-cap-bytes: 100\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OISP_CAPTURE_SSL_PAYLOAD_CAP_BYTES", "4096")
	t.Setenv("OISP_LOGGING_TO_FILE", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Capture.SSLPayloadCapBytes != 4096 {
		t.Fatalf("expected env override to win, got %d", cfg.Capture.SSLPayloadCapBytes)
	}
	if !cfg.Logging.ToFile {
		t.Fatal("expected OISP_LOGGING_TO_FILE=true to set Logging.ToFile")
	}
}

func TestLoadConfigEnvOverrideIgnoresMalformedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  ssl-payload-cap-bytes: 100\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OISP_CAPTURE_SSL_PAYLOAD_CAP_BYTES", "not-a-number")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Capture.SSLPayloadCapBytes != 100 {
		t.Fatalf("expected malformed env override to be ignored, got %d", cfg.Capture.SSLPayloadCapBytes)
	}
}

func TestWatchdogTimeoutDefaultsWhenUnset(t *testing.T) {
	var c CaptureConfig
	if got, want := c.WatchdogTimeout().Seconds(), 30.0; got != want {
		t.Fatalf("expected default watchdog timeout %.0fs, got %.0fs", want, got)
	}
}

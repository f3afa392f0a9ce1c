// Package config provides configuration management for the sensor process.
// It handles loading and parsing YAML configuration files, applying
// OISP_<SECTION>_<KEY> environment overrides, and structured access to
// the capture, decode, pipeline, export, CA and logging settings every
// other package needs at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the sensor's full on-disk configuration, loaded from YAML and
// then overridden by OISP_<SECTION>_<KEY> environment variables and
// finally by CLI flags (applied by the caller after LoadConfig returns).
type Config struct {
	Capture    CaptureConfig    `yaml:"capture" json:"capture"`
	SpecBundle SpecBundleConfig `yaml:"spec-bundle" json:"spec-bundle"`
	Decode     DecodeConfig     `yaml:"decode" json:"decode"`
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline"`
	CA         CAConfig         `yaml:"ca" json:"ca"`
	Export     ExportConfig     `yaml:"export" json:"export"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Health     HealthConfig     `yaml:"health" json:"health"`
}

// CaptureConfig configures which processes and TLS libraries the platform
// capture adapter attaches to.
type CaptureConfig struct {
	LibraryPaths           []string `yaml:"library-paths" json:"library-paths"`
	FilterPIDs             []int    `yaml:"filter-pids,omitempty" json:"filter-pids,omitempty"`
	FilterComms            []string `yaml:"filter-comms,omitempty" json:"filter-comms,omitempty"`
	SSLPayloadCapBytes     int      `yaml:"ssl-payload-cap-bytes,omitempty" json:"ssl-payload-cap-bytes,omitempty"`
	WatchdogTimeoutSeconds int      `yaml:"watchdog-timeout-seconds,omitempty" json:"watchdog-timeout-seconds,omitempty"`
}

// WatchdogTimeout returns the configured watchdog timeout, defaulting to
// 30s when unset.
func (c CaptureConfig) WatchdogTimeout() time.Duration {
	if c.WatchdogTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.WatchdogTimeoutSeconds) * time.Second
}

// SpecBundleConfig configures the loader that keeps the adapter-field and
// redaction-rule bundle current.
type SpecBundleConfig struct {
	RemoteURL              string `yaml:"remote-url,omitempty" json:"remote-url,omitempty"`
	RefreshIntervalSeconds int    `yaml:"refresh-interval-seconds,omitempty" json:"refresh-interval-seconds,omitempty"`
	FetchTimeoutSeconds    int    `yaml:"fetch-timeout-seconds,omitempty" json:"fetch-timeout-seconds,omitempty"`
	CacheDir               string `yaml:"cache-dir,omitempty" json:"cache-dir,omitempty"`
}

func (c SpecBundleConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

func (c SpecBundleConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// DecodeConfig configures the per-connection HTTP/stream reassembly.
type DecodeConfig struct {
	ReassemblyCapBytes      int  `yaml:"reassembly-cap-bytes,omitempty" json:"reassembly-cap-bytes,omitempty"`
	StreamingTimeoutSeconds int  `yaml:"streaming-timeout-seconds,omitempty" json:"streaming-timeout-seconds,omitempty"`
	RetainRawBody           bool `yaml:"retain-raw-body" json:"retain-raw-body"`
}

func (c DecodeConfig) StreamingTimeout() time.Duration {
	if c.StreamingTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.StreamingTimeoutSeconds) * time.Second
}

// PipelineConfig configures the in-process stage topology.
type PipelineConfig struct {
	DecodeWorkers int `yaml:"decode-workers,omitempty" json:"decode-workers,omitempty"`
	ChannelDepth  int `yaml:"channel-depth,omitempty" json:"channel-depth,omitempty"`
}

// CAConfig configures the local MITM certificate authority.
type CAConfig struct {
	CertDir string `yaml:"cert-dir,omitempty" json:"cert-dir,omitempty"`
}

// LoggingConfig configures where and how sensor logs are written.
type LoggingConfig struct {
	ToFile         bool   `yaml:"to-file" json:"to-file"`
	Dir            string `yaml:"dir,omitempty" json:"dir,omitempty"`
	MaxTotalSizeMB int    `yaml:"max-total-size-mb,omitempty" json:"max-total-size-mb,omitempty"`
}

// HealthConfig configures the local health/introspection HTTP server.
type HealthConfig struct {
	ListenAddr string `yaml:"listen-addr,omitempty" json:"listen-addr,omitempty"`
}

// ExportConfig lists every configured export sink. A nil section means
// that sink is disabled; the caller constructs one export.Sink per
// non-nil section.
type ExportConfig struct {
	File      *FileSinkConfig      `yaml:"file,omitempty" json:"file,omitempty"`
	Broadcast *BroadcastSinkConfig `yaml:"broadcast,omitempty" json:"broadcast,omitempty"`
	OTLP      *OTLPSinkConfig      `yaml:"otlp,omitempty" json:"otlp,omitempty"`
	Kafka     *KafkaSinkConfig     `yaml:"kafka,omitempty" json:"kafka,omitempty"`
	Webhook   *WebhookSinkConfig   `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Archive   *ArchiveSinkConfig   `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// FileSinkConfig configures the rotating JSONL file sink.
type FileSinkConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`
	MaxBackups int    `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`
	Fsync      bool   `yaml:"fsync" json:"fsync"`
}

// BroadcastSinkConfig configures the websocket dashboard fan-out sink.
type BroadcastSinkConfig struct {
	ListenAddr string `yaml:"listen-addr" json:"listen-addr"`
}

// batchSinkConfig is the shared shape of every batching network sink.
// Embedded rather than exported on its own: each concrete sink config
// embeds it to pick up the common knobs, then adds its own fields.
type batchSinkConfig struct {
	BatchSize            int `yaml:"batch-size,omitempty" json:"batch-size,omitempty"`
	MaxBuffered          int `yaml:"max-buffered,omitempty" json:"max-buffered,omitempty"`
	FlushIntervalSeconds int `yaml:"flush-interval-seconds,omitempty" json:"flush-interval-seconds,omitempty"`
	MaxAttempts          int `yaml:"max-attempts,omitempty" json:"max-attempts,omitempty"`
}

func (c batchSinkConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// OTLPSinkConfig configures the OpenTelemetry log exporter sink.
type OTLPSinkConfig struct {
	batchSinkConfig `yaml:",inline" json:",inline"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Insecure        bool   `yaml:"insecure" json:"insecure"`
	URLPath         string `yaml:"url-path,omitempty" json:"url-path,omitempty"`
}

// KafkaSinkConfig configures the Kafka producer sink.
type KafkaSinkConfig struct {
	batchSinkConfig `yaml:",inline" json:",inline"`
	Brokers         []string `yaml:"brokers" json:"brokers"`
	Topic           string   `yaml:"topic" json:"topic"`
}

// WebhookSinkConfig configures the outbound HTTP webhook sink.
type WebhookSinkConfig struct {
	batchSinkConfig `yaml:",inline" json:",inline"`
	URL             string            `yaml:"url" json:"url"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	TimeoutSeconds  int               `yaml:"timeout-seconds,omitempty" json:"timeout-seconds,omitempty"`
}

func (c WebhookSinkConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ArchiveSinkConfig configures the S3-compatible rotated-log archival sink.
type ArchiveSinkConfig struct {
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Bucket      string `yaml:"bucket" json:"bucket"`
	AccessKey   string `yaml:"access-key" json:"access-key"`
	SecretKey   string `yaml:"secret-key" json:"secret-key"`
	Region      string `yaml:"region,omitempty" json:"region,omitempty"`
	Prefix      string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	UseSSL      bool   `yaml:"use-ssl" json:"use-ssl"`
	PathStyle   bool   `yaml:"path-style" json:"path-style"`
	WatchDir    string `yaml:"watch-dir" json:"watch-dir"`
	DeleteLocal bool   `yaml:"delete-local" json:"delete-local"`
}

// LoadConfig reads and parses the YAML file at path, applies environment
// overrides, and returns the result. A missing file is not an error: it
// returns a zero-value Config so callers can run entirely off defaults
// and environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// no file on disk: proceed with zero-value defaults
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating the file if it does not
// exist.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides merges OISP_<SECTION>_<KEY> environment variables
// into cfg, one explicit lookup per overridable field. CLI flags are
// applied by the caller after LoadConfig returns, so they win over both.
func applyEnvOverrides(cfg *Config) {
	lookupString(&cfg.SpecBundle.RemoteURL, "OISP_SPEC_BUNDLE_REMOTE_URL")
	lookupString(&cfg.SpecBundle.CacheDir, "OISP_SPEC_BUNDLE_CACHE_DIR")
	lookupInt(&cfg.SpecBundle.RefreshIntervalSeconds, "OISP_SPEC_BUNDLE_REFRESH_INTERVAL_SECONDS")
	lookupInt(&cfg.SpecBundle.FetchTimeoutSeconds, "OISP_SPEC_BUNDLE_FETCH_TIMEOUT_SECONDS")

	lookupStringList(&cfg.Capture.LibraryPaths, "OISP_CAPTURE_LIBRARY_PATHS")
	lookupInt(&cfg.Capture.SSLPayloadCapBytes, "OISP_CAPTURE_SSL_PAYLOAD_CAP_BYTES")
	lookupInt(&cfg.Capture.WatchdogTimeoutSeconds, "OISP_CAPTURE_WATCHDOG_TIMEOUT_SECONDS")

	lookupInt(&cfg.Decode.ReassemblyCapBytes, "OISP_DECODE_REASSEMBLY_CAP_BYTES")
	lookupInt(&cfg.Decode.StreamingTimeoutSeconds, "OISP_DECODE_STREAMING_TIMEOUT_SECONDS")
	lookupBool(&cfg.Decode.RetainRawBody, "OISP_DECODE_RETAIN_RAW_BODY")

	lookupInt(&cfg.Pipeline.DecodeWorkers, "OISP_PIPELINE_DECODE_WORKERS")
	lookupInt(&cfg.Pipeline.ChannelDepth, "OISP_PIPELINE_CHANNEL_DEPTH")

	lookupString(&cfg.CA.CertDir, "OISP_CA_CERT_DIR")

	lookupBool(&cfg.Logging.ToFile, "OISP_LOGGING_TO_FILE")
	lookupString(&cfg.Logging.Dir, "OISP_LOGGING_DIR")
	lookupInt(&cfg.Logging.MaxTotalSizeMB, "OISP_LOGGING_MAX_TOTAL_SIZE_MB")

	lookupString(&cfg.Health.ListenAddr, "OISP_HEALTH_LISTEN_ADDR")
}

func lookupString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			*dst = trimmed
		}
	}
}

func lookupStringList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func lookupInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = n
}

func lookupBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = b
}

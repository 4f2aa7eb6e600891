package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for the ttscore coordination core.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"      toml:"server"`
	Auth       AuthConfig       `mapstructure:"auth"        toml:"auth"`
	Queue      QueueConfig      `mapstructure:"queue"       toml:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"      toml:"worker"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"  toml:"dispatcher"`
	AudioCache AudioCacheConfig `mapstructure:"audio_cache" toml:"audio_cache"`
	Billing    BillingConfig    `mapstructure:"billing"     toml:"billing"`
	Scanner    ScannerConfig    `mapstructure:"scanner"     toml:"scanner"`
	Session    SessionConfig    `mapstructure:"session"     toml:"session"`
	Security   SecurityConfig   `mapstructure:"security"    toml:"security"`
	Tracing    TracingConfig    `mapstructure:"tracing"     toml:"tracing"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"   toml:"dashboard"`
	Metrics    MetricsConfig    `mapstructure:"metrics"     toml:"metrics"`
}

// ServerConfig holds the core server settings.
type ServerConfig struct {
	BindAddress     string `mapstructure:"bind_address"      toml:"bind_address"`
	ProxyPort       int    `mapstructure:"proxy_port"        toml:"proxy_port"`
	DashboardPort   int    `mapstructure:"dashboard_port"    toml:"dashboard_port"`
	LogLevel        string `mapstructure:"log_level"         toml:"log_level"`
	DataDir         string `mapstructure:"data_dir"          toml:"data_dir"`
	TLSEnabled      bool   `mapstructure:"tls_enabled"       toml:"tls_enabled"`
	CertFile        string `mapstructure:"cert_file"         toml:"cert_file"`
	KeyFile         string `mapstructure:"key_file"          toml:"key_file"`
	ReadTimeout     int    `mapstructure:"read_timeout"      toml:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"     toml:"write_timeout"`
	IdleTimeout     int    `mapstructure:"idle_timeout"      toml:"idle_timeout"`
	MaxBodySize     int64  `mapstructure:"max_body_size"     toml:"max_body_size"`
	MaxResponseSize int64  `mapstructure:"max_response_size" toml:"max_response_size"`
	StreamTimeout   int    `mapstructure:"stream_timeout"    toml:"stream_timeout"` // seconds, SSE session idle ceiling
}

// AuthConfig holds the dashboard authentication settings.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Token   string `mapstructure:"token"   toml:"token"`
}

// QueueConfig controls the queue substrate: per-model priority queues,
// the shared results channel, and the pubsub fan-out used by admission
// and the session channel.
type QueueConfig struct {
	ResultsBufferSize int `mapstructure:"results_buffer_size" toml:"results_buffer_size"`
	SubscriberBuffer  int `mapstructure:"subscriber_buffer"   toml:"subscriber_buffer"`
}

// WorkerConfig controls the local-worker pull protocol.
type WorkerConfig struct {
	Models         []string `mapstructure:"models"            toml:"models"`
	ClaimTimeout   int      `mapstructure:"claim_timeout"      toml:"claim_timeout"`   // seconds, how long each claim call blocks waiting for a job
	PollInterval   int      `mapstructure:"poll_interval_ms"   toml:"poll_interval_ms"`
	Concurrency    int      `mapstructure:"concurrency"        toml:"concurrency"`     // goroutines per model
	MaxRetries     int      `mapstructure:"max_retries"        toml:"max_retries"`
}

// ModelEndpoint describes where an external dispatcher sends synthesis
// requests for one model.
type ModelEndpoint struct {
	URL     string `mapstructure:"url"       toml:"url"`
	KeyRef  string `mapstructure:"key_ref"   toml:"key_ref"`
	Timeout int    `mapstructure:"timeout"   toml:"timeout"` // seconds
}

// TimeoutDuration returns the endpoint timeout as a time.Duration.
func (e ModelEndpoint) TimeoutDuration() time.Duration {
	if e.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.Timeout) * time.Second
}

// DispatcherConfig controls the external-dispatcher protocol: one pool of
// in-process tasks per model, draining that model's queue into an
// external HTTP API with retry and circuit-breaker protection.
type DispatcherConfig struct {
	Endpoints          map[string]ModelEndpoint `mapstructure:"endpoints"                toml:"endpoints"`
	TasksPerModel      int                      `mapstructure:"tasks_per_model"          toml:"tasks_per_model"`
	RetryMaxAttempts   int                      `mapstructure:"retry_max_attempts"       toml:"retry_max_attempts"`
	RetryBaseDelayMs   int                      `mapstructure:"retry_base_delay_ms"      toml:"retry_base_delay_ms"`
	RetryMaxDelayMs    int                      `mapstructure:"retry_max_delay_ms"       toml:"retry_max_delay_ms"`
	CBEnabled          bool                     `mapstructure:"circuit_breaker_enabled"  toml:"circuit_breaker_enabled"`
	CBFailureThreshold int                      `mapstructure:"cb_failure_threshold"     toml:"cb_failure_threshold"`
	CBResetTimeoutSec  int                      `mapstructure:"cb_reset_timeout_seconds" toml:"cb_reset_timeout_seconds"`
	CBHalfOpenMax      int                      `mapstructure:"cb_half_open_max_calls"   toml:"cb_half_open_max_calls"`
}

// AudioCacheConfig controls the content-addressed audio cache's two-tier
// (in-memory LRU + persistent) storage and size-bounded sweep.
type AudioCacheConfig struct {
	MaxMemoryEntries int    `mapstructure:"max_memory_entries" toml:"max_memory_entries"`
	MaxBytes         int64  `mapstructure:"max_bytes"          toml:"max_bytes"`
	LowWaterBytes    int64  `mapstructure:"low_water_bytes"    toml:"low_water_bytes"`
	SweepIntervalSec int    `mapstructure:"sweep_interval_seconds" toml:"sweep_interval_seconds"`
	PersistDir       string `mapstructure:"persist_dir"        toml:"persist_dir"`
}

// BillingConfig controls the usage-recording hook and the swappable quota
// collaborator's configured limits. Quota policy itself is external; this
// only shapes what the core passes to it and how it prices a block.
type BillingConfig struct {
	ModelMultipliers map[string]float64 `mapstructure:"model_multipliers" toml:"model_multipliers"`
	QuotaEnabled     bool               `mapstructure:"quota_enabled"     toml:"quota_enabled"`
	DefaultQuota     int64              `mapstructure:"default_quota"     toml:"default_quota"`
	QuotaPeriod      string             `mapstructure:"quota_period"      toml:"quota_period"` // "hourly", "daily", "monthly"
}

// VisibilityScannerConfig controls the stuck-in-flight-job scanner.
type VisibilityScannerConfig struct {
	IntervalSec     int            `mapstructure:"interval_seconds"      toml:"interval_seconds"`
	DefaultTimeout  int            `mapstructure:"default_timeout_seconds" toml:"default_timeout_seconds"`
	ModelTimeouts   map[string]int `mapstructure:"model_timeouts_seconds" toml:"model_timeouts_seconds"`
	MaxRetries      int            `mapstructure:"max_retries"           toml:"max_retries"`
	DeadLetterTTLDays int          `mapstructure:"dead_letter_ttl_days"  toml:"dead_letter_ttl_days"`
}

// OverflowScannerConfig controls the backed-up-queue serverless overflow scanner.
type OverflowScannerConfig struct {
	IntervalSec      int      `mapstructure:"interval_seconds"       toml:"interval_seconds"`
	AgeThresholdSec  int      `mapstructure:"age_threshold_seconds"  toml:"age_threshold_seconds"`
	PollIntervalMs   int      `mapstructure:"poll_interval_ms"       toml:"poll_interval_ms"`
	PollTimeoutSec   int      `mapstructure:"poll_timeout_seconds"   toml:"poll_timeout_seconds"`
	OverflowModels   []string `mapstructure:"overflow_models"        toml:"overflow_models"`
}

// ScannerConfig groups the two background scanners.
type ScannerConfig struct {
	Visibility VisibilityScannerConfig `mapstructure:"visibility" toml:"visibility"`
	Overflow   OverflowScannerConfig   `mapstructure:"overflow"   toml:"overflow"`
}

// SessionConfig controls the bidirectional session channel.
type SessionConfig struct {
	EventBufferSize int `mapstructure:"event_buffer_size" toml:"event_buffer_size"`
	EvictionWindow  int `mapstructure:"eviction_window"    toml:"eviction_window"`
}

// SecurityConfig groups the security sub-sections that survive in a
// coordination core: per-model dispatcher rate limiting. PII/injection scanning
// of arbitrary LLM prompts has no analogue here — callers submit block
// text for synthesis, not free-form instructions to an LLM.
type SecurityConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig controls per-model dispatcher rate limiting, protecting
// external TTS APIs from bursts the circuit breaker alone wouldn't catch.
type RateLimitConfig struct {
	Enabled      bool                   `mapstructure:"enabled"       toml:"enabled"`
	DefaultRate  float64                `mapstructure:"default_rate"  toml:"default_rate"` // requests per second
	DefaultBurst int                    `mapstructure:"default_burst" toml:"default_burst"`
	ModelLimits  map[string]ModelRateLimit `mapstructure:"model_limits" toml:"model_limits"`
}

// ModelRateLimit overrides the default rate limit for one model.
type ModelRateLimit struct {
	Rate  float64 `mapstructure:"rate"  toml:"rate"`
	Burst int     `mapstructure:"burst" toml:"burst"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name"` // defaults to "ttscore"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"`     // skip TLS for dev
}

// DashboardConfig controls the web dashboard.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"         toml:"enabled"`
	AutoOpen       bool     `mapstructure:"auto_open"       toml:"auto_open"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// MetricsConfig controls metrics storage and caching.
type MetricsConfig struct {
	RetentionDays   int `mapstructure:"retention_days"    toml:"retention_days"`
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds" toml:"cache_ttl_seconds"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (TTSCORE_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.ttscore/ttscore.toml
//  4. ./ttscore.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: TTSCORE_SERVER_PROXY_PORT etc.
	v.SetEnvPrefix("TTSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Determine which file(s) to read.
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".ttscore"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("ttscore")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Store the resolved config file path.
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Expand ~ in data_dir and cache persist_dir.
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.AudioCache.PersistDir = expandHome(cfg.AudioCache.PersistDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to ~/.ttscore/ttscore.toml.
// If the file already exists it is not overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".ttscore")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ImportConfig reads a TOML config file over the built-in defaults and
// replaces the current config with the result.
// The imported config is also persisted to the active config file so changes
// survive restarts.
func ImportConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return err
	}
	set(cfg)

	// Persist to the active config file so changes survive restart.
	if dest := ConfigFilePath(); dest != "" {
		out, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config for persistence: %w", err)
		}
		if err := os.WriteFile(dest, out, 0o600); err != nil {
			return fmt.Errorf("persisting imported config: %w", err)
		}
	}

	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.proxy_port", d.Server.ProxyPort)
	v.SetDefault("server.dashboard_port", d.Server.DashboardPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.tls_enabled", d.Server.TLSEnabled)
	v.SetDefault("server.cert_file", d.Server.CertFile)
	v.SetDefault("server.key_file", d.Server.KeyFile)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)
	v.SetDefault("server.max_response_size", d.Server.MaxResponseSize)
	v.SetDefault("server.stream_timeout", d.Server.StreamTimeout)

	// Auth
	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.token", d.Auth.Token)

	// Queue
	v.SetDefault("queue.results_buffer_size", d.Queue.ResultsBufferSize)
	v.SetDefault("queue.subscriber_buffer", d.Queue.SubscriberBuffer)

	// Worker
	v.SetDefault("worker.models", d.Worker.Models)
	v.SetDefault("worker.claim_timeout", d.Worker.ClaimTimeout)
	v.SetDefault("worker.poll_interval_ms", d.Worker.PollInterval)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.max_retries", d.Worker.MaxRetries)

	// Dispatcher
	v.SetDefault("dispatcher.tasks_per_model", d.Dispatcher.TasksPerModel)
	v.SetDefault("dispatcher.retry_max_attempts", d.Dispatcher.RetryMaxAttempts)
	v.SetDefault("dispatcher.retry_base_delay_ms", d.Dispatcher.RetryBaseDelayMs)
	v.SetDefault("dispatcher.retry_max_delay_ms", d.Dispatcher.RetryMaxDelayMs)
	v.SetDefault("dispatcher.circuit_breaker_enabled", d.Dispatcher.CBEnabled)
	v.SetDefault("dispatcher.cb_failure_threshold", d.Dispatcher.CBFailureThreshold)
	v.SetDefault("dispatcher.cb_reset_timeout_seconds", d.Dispatcher.CBResetTimeoutSec)
	v.SetDefault("dispatcher.cb_half_open_max_calls", d.Dispatcher.CBHalfOpenMax)

	// AudioCache
	v.SetDefault("audio_cache.max_memory_entries", d.AudioCache.MaxMemoryEntries)
	v.SetDefault("audio_cache.max_bytes", d.AudioCache.MaxBytes)
	v.SetDefault("audio_cache.low_water_bytes", d.AudioCache.LowWaterBytes)
	v.SetDefault("audio_cache.sweep_interval_seconds", d.AudioCache.SweepIntervalSec)
	v.SetDefault("audio_cache.persist_dir", d.AudioCache.PersistDir)

	// Billing
	v.SetDefault("billing.model_multipliers", d.Billing.ModelMultipliers)
	v.SetDefault("billing.quota_enabled", d.Billing.QuotaEnabled)
	v.SetDefault("billing.default_quota", d.Billing.DefaultQuota)
	v.SetDefault("billing.quota_period", d.Billing.QuotaPeriod)

	// Scanner.Visibility
	v.SetDefault("scanner.visibility.interval_seconds", d.Scanner.Visibility.IntervalSec)
	v.SetDefault("scanner.visibility.default_timeout_seconds", d.Scanner.Visibility.DefaultTimeout)
	v.SetDefault("scanner.visibility.max_retries", d.Scanner.Visibility.MaxRetries)
	v.SetDefault("scanner.visibility.dead_letter_ttl_days", d.Scanner.Visibility.DeadLetterTTLDays)

	// Scanner.Overflow
	v.SetDefault("scanner.overflow.interval_seconds", d.Scanner.Overflow.IntervalSec)
	v.SetDefault("scanner.overflow.age_threshold_seconds", d.Scanner.Overflow.AgeThresholdSec)
	v.SetDefault("scanner.overflow.poll_interval_ms", d.Scanner.Overflow.PollIntervalMs)
	v.SetDefault("scanner.overflow.poll_timeout_seconds", d.Scanner.Overflow.PollTimeoutSec)
	v.SetDefault("scanner.overflow.overflow_models", d.Scanner.Overflow.OverflowModels)

	// Session
	v.SetDefault("session.event_buffer_size", d.Session.EventBufferSize)
	v.SetDefault("session.eviction_window", d.Session.EvictionWindow)

	// Security.RateLimit
	v.SetDefault("security.rate_limit.enabled", d.Security.RateLimit.Enabled)
	v.SetDefault("security.rate_limit.default_rate", d.Security.RateLimit.DefaultRate)
	v.SetDefault("security.rate_limit.default_burst", d.Security.RateLimit.DefaultBurst)

	// Tracing
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	// Dashboard
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.auto_open", d.Dashboard.AutoOpen)
	v.SetDefault("dashboard.allowed_origins", d.Dashboard.AllowedOrigins)

	// Metrics
	v.SetDefault("metrics.retention_days", d.Metrics.RetentionDays)
	v.SetDefault("metrics.cache_ttl_seconds", d.Metrics.CacheTTLSeconds)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

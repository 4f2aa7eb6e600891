package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.ProxyPort < 1 || cfg.Server.ProxyPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.proxy_port must be between 1 and 65535, got %d", cfg.Server.ProxyPort))
	}
	if cfg.Server.DashboardPort < 1 || cfg.Server.DashboardPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.dashboard_port must be between 1 and 65535, got %d", cfg.Server.DashboardPort))
	}
	if cfg.Server.ProxyPort == cfg.Server.DashboardPort {
		errs = append(errs, fmt.Sprintf("server.proxy_port and server.dashboard_port must differ, both are %d", cfg.Server.ProxyPort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}
	if cfg.Server.TLSEnabled {
		if cfg.Server.CertFile == "" {
			errs = append(errs, "server.cert_file must be set when tls_enabled is true")
		}
		if cfg.Server.KeyFile == "" {
			errs = append(errs, "server.key_file must be set when tls_enabled is true")
		}
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.read_timeout must be non-negative, got %d", cfg.Server.ReadTimeout))
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.write_timeout must be non-negative, got %d", cfg.Server.WriteTimeout))
	}
	if cfg.Server.IdleTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.idle_timeout must be non-negative, got %d", cfg.Server.IdleTimeout))
	}
	if cfg.Server.MaxBodySize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize))
	}
	if cfg.Server.MaxResponseSize < 0 {
		errs = append(errs, fmt.Sprintf("server.max_response_size must be non-negative, got %d", cfg.Server.MaxResponseSize))
	}
	if cfg.Server.StreamTimeout < 0 {
		errs = append(errs, fmt.Sprintf("server.stream_timeout must be non-negative, got %d", cfg.Server.StreamTimeout))
	}

	// Auth validation
	if cfg.Auth.Enabled && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token must be set when auth.enabled is true")
	}

	// Queue validation
	if cfg.Queue.ResultsBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("queue.results_buffer_size must be at least 1, got %d", cfg.Queue.ResultsBufferSize))
	}
	if cfg.Queue.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Sprintf("queue.subscriber_buffer must be at least 1, got %d", cfg.Queue.SubscriberBuffer))
	}

	// Worker validation
	if cfg.Worker.ClaimTimeout < 1 {
		errs = append(errs, fmt.Sprintf("worker.claim_timeout must be at least 1 second, got %d", cfg.Worker.ClaimTimeout))
	}
	if cfg.Worker.PollInterval < 1 {
		errs = append(errs, fmt.Sprintf("worker.poll_interval_ms must be at least 1, got %d", cfg.Worker.PollInterval))
	}
	if cfg.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("worker.concurrency must be at least 1, got %d", cfg.Worker.Concurrency))
	}
	if cfg.Worker.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("worker.max_retries must be non-negative, got %d", cfg.Worker.MaxRetries))
	}

	// Dispatcher validation
	for model, ep := range cfg.Dispatcher.Endpoints {
		if ep.URL == "" {
			errs = append(errs, fmt.Sprintf("dispatcher.endpoints.%s.url must not be empty", model))
		}
		if ep.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("dispatcher.endpoints.%s.timeout must be non-negative", model))
		}
	}
	if cfg.Dispatcher.TasksPerModel < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.tasks_per_model must be at least 1, got %d", cfg.Dispatcher.TasksPerModel))
	}
	if cfg.Dispatcher.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("dispatcher.retry_max_attempts must be non-negative, got %d", cfg.Dispatcher.RetryMaxAttempts))
	}
	if cfg.Dispatcher.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("dispatcher.retry_base_delay_ms must be non-negative, got %d", cfg.Dispatcher.RetryBaseDelayMs))
	}
	if cfg.Dispatcher.RetryMaxDelayMs < 0 {
		errs = append(errs, fmt.Sprintf("dispatcher.retry_max_delay_ms must be non-negative, got %d", cfg.Dispatcher.RetryMaxDelayMs))
	}
	if cfg.Dispatcher.CBFailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.cb_failure_threshold must be at least 1, got %d", cfg.Dispatcher.CBFailureThreshold))
	}
	if cfg.Dispatcher.CBResetTimeoutSec <= 0 {
		errs = append(errs, fmt.Sprintf("dispatcher.cb_reset_timeout_seconds must be positive, got %d", cfg.Dispatcher.CBResetTimeoutSec))
	}
	if cfg.Dispatcher.CBHalfOpenMax < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.cb_half_open_max_calls must be at least 1, got %d", cfg.Dispatcher.CBHalfOpenMax))
	}

	// AudioCache validation
	if cfg.AudioCache.MaxMemoryEntries < 1 {
		errs = append(errs, fmt.Sprintf("audio_cache.max_memory_entries must be at least 1, got %d", cfg.AudioCache.MaxMemoryEntries))
	}
	if cfg.AudioCache.MaxBytes < 1 {
		errs = append(errs, fmt.Sprintf("audio_cache.max_bytes must be positive, got %d", cfg.AudioCache.MaxBytes))
	}
	if cfg.AudioCache.LowWaterBytes < 0 {
		errs = append(errs, fmt.Sprintf("audio_cache.low_water_bytes must be non-negative, got %d", cfg.AudioCache.LowWaterBytes))
	}
	if cfg.AudioCache.LowWaterBytes >= cfg.AudioCache.MaxBytes {
		errs = append(errs, fmt.Sprintf("audio_cache.low_water_bytes (%d) must be less than audio_cache.max_bytes (%d)", cfg.AudioCache.LowWaterBytes, cfg.AudioCache.MaxBytes))
	}
	if cfg.AudioCache.SweepIntervalSec < 1 {
		errs = append(errs, fmt.Sprintf("audio_cache.sweep_interval_seconds must be at least 1, got %d", cfg.AudioCache.SweepIntervalSec))
	}
	if cfg.AudioCache.PersistDir == "" {
		errs = append(errs, "audio_cache.persist_dir must not be empty")
	}

	// Billing validation
	for model, mult := range cfg.Billing.ModelMultipliers {
		if mult <= 0 {
			errs = append(errs, fmt.Sprintf("billing.model_multipliers.%s must be positive, got %f", model, mult))
		}
	}
	if cfg.Billing.DefaultQuota < 0 {
		errs = append(errs, fmt.Sprintf("billing.default_quota must be non-negative, got %d", cfg.Billing.DefaultQuota))
	}
	if !isValidEnum(cfg.Billing.QuotaPeriod, ValidQuotaPeriods) {
		errs = append(errs, fmt.Sprintf("billing.quota_period must be one of %v, got %q", ValidQuotaPeriods, cfg.Billing.QuotaPeriod))
	}

	// Scanner.Visibility validation
	if cfg.Scanner.Visibility.IntervalSec < 1 {
		errs = append(errs, fmt.Sprintf("scanner.visibility.interval_seconds must be at least 1, got %d", cfg.Scanner.Visibility.IntervalSec))
	}
	if cfg.Scanner.Visibility.DefaultTimeout < 1 {
		errs = append(errs, fmt.Sprintf("scanner.visibility.default_timeout_seconds must be at least 1, got %d", cfg.Scanner.Visibility.DefaultTimeout))
	}
	for model, timeout := range cfg.Scanner.Visibility.ModelTimeouts {
		if timeout < 1 {
			errs = append(errs, fmt.Sprintf("scanner.visibility.model_timeouts_seconds.%s must be at least 1, got %d", model, timeout))
		}
	}
	if cfg.Scanner.Visibility.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("scanner.visibility.max_retries must be non-negative, got %d", cfg.Scanner.Visibility.MaxRetries))
	}
	if cfg.Scanner.Visibility.DeadLetterTTLDays < 1 {
		errs = append(errs, fmt.Sprintf("scanner.visibility.dead_letter_ttl_days must be at least 1, got %d", cfg.Scanner.Visibility.DeadLetterTTLDays))
	}

	// Scanner.Overflow validation
	if cfg.Scanner.Overflow.IntervalSec < 1 {
		errs = append(errs, fmt.Sprintf("scanner.overflow.interval_seconds must be at least 1, got %d", cfg.Scanner.Overflow.IntervalSec))
	}
	if cfg.Scanner.Overflow.AgeThresholdSec < 1 {
		errs = append(errs, fmt.Sprintf("scanner.overflow.age_threshold_seconds must be at least 1, got %d", cfg.Scanner.Overflow.AgeThresholdSec))
	}
	if cfg.Scanner.Overflow.PollIntervalMs < 1 {
		errs = append(errs, fmt.Sprintf("scanner.overflow.poll_interval_ms must be at least 1, got %d", cfg.Scanner.Overflow.PollIntervalMs))
	}
	if cfg.Scanner.Overflow.PollTimeoutSec < 1 {
		errs = append(errs, fmt.Sprintf("scanner.overflow.poll_timeout_seconds must be at least 1, got %d", cfg.Scanner.Overflow.PollTimeoutSec))
	}
	for _, model := range cfg.Scanner.Overflow.OverflowModels {
		if _, ok := cfg.Dispatcher.Endpoints[model]; !ok {
			errs = append(errs, fmt.Sprintf("scanner.overflow.overflow_models references unknown dispatcher endpoint %q", model))
		}
	}

	// Session validation
	if cfg.Session.EventBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("session.event_buffer_size must be at least 1, got %d", cfg.Session.EventBufferSize))
	}
	if cfg.Session.EvictionWindow < 0 {
		errs = append(errs, fmt.Sprintf("session.eviction_window must be non-negative, got %d", cfg.Session.EvictionWindow))
	}

	// Security validation
	if cfg.Security.RateLimit.DefaultRate < 0 {
		errs = append(errs, fmt.Sprintf("security.rate_limit.default_rate must be non-negative, got %f", cfg.Security.RateLimit.DefaultRate))
	}
	if cfg.Security.RateLimit.DefaultBurst < 0 {
		errs = append(errs, fmt.Sprintf("security.rate_limit.default_burst must be non-negative, got %d", cfg.Security.RateLimit.DefaultBurst))
	}

	// Tracing validation
	if cfg.Tracing.Enabled {
		validExporters := []string{"stdout", "otlp-grpc", "otlp-http"}
		if !isValidEnum(cfg.Tracing.Exporter, validExporters) {
			errs = append(errs, fmt.Sprintf("tracing.exporter must be one of %v, got %q", validExporters, cfg.Tracing.Exporter))
		}
		if cfg.Tracing.ServiceName == "" {
			errs = append(errs, "tracing.service_name must not be empty when tracing is enabled")
		}
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %f", cfg.Tracing.SampleRate))
	}

	// Metrics validation
	if cfg.Metrics.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("metrics.retention_days must be at least 1, got %d", cfg.Metrics.RetentionDays))
	}
	if cfg.Metrics.CacheTTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("metrics.cache_ttl_seconds must be non-negative, got %d", cfg.Metrics.CacheTTLSeconds))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}

package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/tmp/test"
	cfg.AudioCache.PersistDir = "/tmp/test/audio"
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("validate valid config: %v", err)
	}
}

func TestValidate_BadProxyPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ProxyPort = 70000

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for port 70000")
	}
	if !strings.Contains(err.Error(), "proxy_port") {
		t.Errorf("error should mention proxy_port: %v", err)
	}
}

func TestValidate_BadDashboardPort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.DashboardPort = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for dashboard port 0")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "verbose"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level: %v", err)
	}
}

func TestValidate_EmptyDataDir(t *testing.T) {
	cfg := validConfig()
	cfg.Server.DataDir = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for empty data_dir")
	}
}

func TestValidate_TLS_MissingCert(t *testing.T) {
	cfg := validConfig()
	cfg.Server.TLSEnabled = true
	cfg.Server.CertFile = ""
	cfg.Server.KeyFile = "/path/to/key.pem"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing cert_file")
	}
	if !strings.Contains(err.Error(), "cert_file") {
		t.Errorf("error should mention cert_file: %v", err)
	}
}

func TestValidate_TLS_MissingKey(t *testing.T) {
	cfg := validConfig()
	cfg.Server.TLSEnabled = true
	cfg.Server.CertFile = "/path/to/cert.pem"
	cfg.Server.KeyFile = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for missing key_file")
	}
}

func TestValidate_NegativeReadTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ReadTimeout = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for negative read_timeout")
	}
}

func TestValidate_NegativeMaxResponseSize(t *testing.T) {
	cfg := validConfig()
	cfg.Server.MaxResponseSize = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for negative max_response_size")
	}
}

func TestValidate_NegativeStreamTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Server.StreamTimeout = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for negative stream_timeout")
	}
}

func TestValidate_AuthTokenRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.Token = ""

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for enabled auth with no token")
	}
}

func TestValidate_DispatcherEmptyURL(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.Endpoints["bad"] = ModelEndpoint{URL: "", Timeout: 30}

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for empty dispatcher endpoint url")
	}
	if !strings.Contains(err.Error(), "dispatcher.endpoints.bad.url") {
		t.Errorf("error should mention the offending endpoint: %v", err)
	}
}

func TestValidate_DispatcherZeroTasksPerModel(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.TasksPerModel = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for tasks_per_model = 0")
	}
}

func TestValidate_AudioCacheLowWaterAboveMax(t *testing.T) {
	cfg := validConfig()
	cfg.AudioCache.MaxBytes = 100
	cfg.AudioCache.LowWaterBytes = 200

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error when low_water_bytes exceeds max_bytes")
	}
}

func TestValidate_BillingBadMultiplier(t *testing.T) {
	cfg := validConfig()
	cfg.Billing.ModelMultipliers["broken"] = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for non-positive model multiplier")
	}
}

func TestValidate_BillingBadQuotaPeriod(t *testing.T) {
	cfg := validConfig()
	cfg.Billing.QuotaPeriod = "weekly"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid quota_period")
	}
}

func TestValidate_OverflowModelsReferencesUnknownEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Scanner.Overflow.OverflowModels = []string{"ghost"}

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for overflow model with no dispatcher endpoint")
	}
}

func TestValidate_VisibilityZeroDeadLetterTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Scanner.Visibility.DeadLetterTTLDays = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for dead_letter_ttl_days = 0")
	}
}

func TestValidate_Dispatcher_NegativeRetryAttempts(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.RetryMaxAttempts = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for negative retry_max_attempts")
	}
}

func TestValidate_Dispatcher_ZeroFailureThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.CBFailureThreshold = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for cb_failure_threshold = 0")
	}
}

func TestValidate_Dispatcher_ZeroResetTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.CBResetTimeoutSec = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for cb_reset_timeout_seconds = 0")
	}
}

func TestValidate_Dispatcher_ZeroHalfOpenMax(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatcher.CBHalfOpenMax = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for cb_half_open_max_calls = 0")
	}
}

func TestValidate_MetricsRetentionZero(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.RetentionDays = 0

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for retention_days = 0")
	}
}

func TestValidate_NegativeCacheTTL(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.CacheTTLSeconds = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error for negative cache_ttl_seconds")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ProxyPort = 0
	cfg.Server.DashboardPort = 0
	cfg.Server.LogLevel = "bad"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}

	errStr := err.Error()
	if !strings.Contains(errStr, "proxy_port") || !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention multiple fields: %v", err)
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("INFO should be valid (case-insensitive)")
	}
	if isValidEnum("verbose", ValidLogLevels) {
		t.Error("verbose should not be valid")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	// Load from a directory with no config file — should use defaults.
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nonexistent.toml"))
	if err == nil {
		_ = cfg
	}
}

func TestLoad_WithExplicitFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "test.toml")

	content := `
[server]
proxy_port = 9090
dashboard_port = 9091
log_level = "debug"
data_dir = "` + dir + `"

[dispatcher.endpoints.hd]
url = "https://tts.example.com/v1/synthesize"
key_ref = "env:TEST_KEY"
timeout = 20

[worker]
models = ["standard", "hd"]
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ProxyPort != 9090 {
		t.Errorf("ProxyPort: got %d, want 9090", cfg.Server.ProxyPort)
	}
	if cfg.Server.DashboardPort != 9091 {
		t.Errorf("DashboardPort: got %d, want 9091", cfg.Server.DashboardPort)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want %q", cfg.Server.LogLevel, "debug")
	}
	if _, ok := cfg.Dispatcher.Endpoints["hd"]; !ok {
		t.Error("expected 'hd' dispatcher endpoint to be configured")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "test.toml")

	content := `
[server]
proxy_port = 7677
dashboard_port = 7678
log_level = "info"
data_dir = "` + dir + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("TTSCORE_SERVER_PROXY_PORT", "8888")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ProxyPort != 8888 {
		t.Errorf("ProxyPort with env override: got %d, want 8888", cfg.Server.ProxyPort)
	}
}

func TestLoad_ValidationFailure_BadPort(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.toml")

	content := `
[server]
proxy_port = 0
dashboard_port = 7678
log_level = "info"
data_dir = "` + dir + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestLoad_ValidationFailure_SamePorts(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "same-ports.toml")

	content := `
[server]
proxy_port = 7777
dashboard_port = 7777
log_level = "info"
data_dir = "` + dir + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for same ports")
	}
}

func TestLoad_ValidationFailure_BadQuotaPeriod(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad-quota.toml")

	content := `
[server]
proxy_port = 7677
dashboard_port = 7678
log_level = "info"
data_dir = "` + dir + `"

[billing]
quota_period = "fortnightly"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for unknown quota period")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ProxyPort != DefaultProxyPort {
		t.Errorf("ProxyPort: got %d, want %d", cfg.Server.ProxyPort, DefaultProxyPort)
	}
	if cfg.Server.DashboardPort != DefaultDashboardPort {
		t.Errorf("DashboardPort: got %d, want %d", cfg.Server.DashboardPort, DefaultDashboardPort)
	}
	if cfg.Dispatcher.RetryMaxAttempts != DefaultRetryMaxAttempts {
		t.Errorf("RetryMaxAttempts: got %d, want %d", cfg.Dispatcher.RetryMaxAttempts, DefaultRetryMaxAttempts)
	}
	if cfg.Dispatcher.CBEnabled != true {
		t.Error("CBEnabled: got false, want true")
	}
	if cfg.Server.MaxResponseSize != DefaultMaxResponseSize {
		t.Errorf("MaxResponseSize: got %d, want %d", cfg.Server.MaxResponseSize, DefaultMaxResponseSize)
	}
	if cfg.AudioCache.LowWaterBytes >= cfg.AudioCache.MaxBytes {
		t.Errorf("default low_water_bytes (%d) must be below max_bytes (%d)", cfg.AudioCache.LowWaterBytes, cfg.AudioCache.MaxBytes)
	}
}

func TestModelEndpoint_TimeoutDuration(t *testing.T) {
	tests := []struct {
		timeout int
		wantSec int
	}{
		{0, 30},  // default
		{-1, 30}, // negative defaults
		{60, 60},
		{10, 10},
	}

	for _, tt := range tests {
		e := ModelEndpoint{Timeout: tt.timeout}
		got := e.TimeoutDuration().Seconds()
		if int(got) != tt.wantSec {
			t.Errorf("TimeoutDuration(%d): got %v, want %ds", tt.timeout, got, tt.wantSec)
		}
	}
}

func TestConfigFilePath_BeforeLoad(t *testing.T) {
	// Reset to ensure clean state.
	loadedConfigFile.Store("")
	path := ConfigFilePath()
	if path != "" {
		t.Errorf("ConfigFilePath before load: got %q, want empty", path)
	}
}

func TestExportConfig(t *testing.T) {
	dir := t.TempDir()
	exportPath := filepath.Join(dir, "exported.toml")

	// Set a known config.
	cfg := DefaultConfig()
	set(cfg)

	if err := ExportConfig(exportPath); err != nil {
		t.Fatalf("ExportConfig: %v", err)
	}

	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Error("exported config is empty")
	}
}

func TestImportConfig(t *testing.T) {
	dir := t.TempDir()
	importPath := filepath.Join(dir, "import.toml")

	content := `
[server]
proxy_port = 9999
dashboard_port = 9998
log_level = "warn"
data_dir = "` + dir + `"
`
	if err := os.WriteFile(importPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := ImportConfig(importPath); err != nil {
		t.Fatalf("ImportConfig: %v", err)
	}

	cfg := Get()
	if cfg.Server.ProxyPort != 9999 {
		t.Errorf("ProxyPort after import: got %d, want 9999", cfg.Server.ProxyPort)
	}

	// Reset to default to not affect other tests.
	set(DefaultConfig())
}

package codecks

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.MaxInFlight != 8 || cfg.Deadline != 30*time.Second || cfg.Retry.MaxRetries != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		problem string
	}{
		{"missing base url", func(c *Config) { c.BaseURL = "" }, "base_url is required"},
		{"relative base url", func(c *Config) { c.BaseURL = "/api" }, "base_url must be an absolute URL"},
		{"plain http", func(c *Config) { c.BaseURL = "http://localhost:8080" }, "must use https"},
		{"ftp scheme", func(c *Config) { c.BaseURL = "ftp://example.com" }, "unsupported scheme"},
		{"bad report url", func(c *Config) { c.ReportURL = "http://reports.local" }, "report_url must use https"},
		{"zero in flight", func(c *Config) { c.MaxInFlight = 0 }, "max_in_flight must be positive"},
		{"zero deadline", func(c *Config) { c.Deadline = 0 }, "deadline must be positive"},
		{"huge deadline", func(c *Config) { c.Deadline = time.Hour }, "deadline > 10m"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "max_retries must be non-negative"},
		{"zero base delay", func(c *Config) { c.Retry.BaseDelay = 0 }, "base_delay must be positive"},
		{"shrinking multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "multiplier must be at least 1"},
		{"max below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "max_delay must be greater"},
		{"unknown backoff", func(c *Config) { c.Retry.Backoff = "linear" }, "retry.backoff"},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 2 }, "retry.jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var e *Error
			if !errors.As(err, &e) || e.Kind != KindValidation {
				t.Fatalf("expected Validation error, got %v", err)
			}
			if !strings.Contains(e.Cause.Error(), tt.problem) {
				t.Errorf("error %q does not mention %q", e.Cause, tt.problem)
			}
		})
	}
}

func TestConfigAllowInsecure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://localhost:8080"
	cfg.AllowInsecure = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestConfigFromYAML(t *testing.T) {
	cfg, err := ConfigFromYAML([]byte(`
base_url: https://api.example.test
account: acme
max_in_flight: 4
deadline: 5s
retry:
  max_retries: 2
  base_delay: 50ms
`))
	if err != nil {
		t.Fatalf("ConfigFromYAML() error = %v", err)
	}
	if cfg.BaseURL != "https://api.example.test" || cfg.Account != "acme" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.MaxInFlight != 4 || cfg.Deadline != 5*time.Second {
		t.Errorf("unexpected limits: %+v", cfg)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.BaseDelay != 50*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.Retry)
	}
	// Unset keys keep their defaults.
	if cfg.Retry.Multiplier != 2 || cfg.Retry.MaxDelay != 10*time.Second {
		t.Errorf("defaults lost: %+v", cfg.Retry)
	}
}

func TestConfigFromYAMLRejectsUnknownKeys(t *testing.T) {
	if _, err := ConfigFromYAML([]byte("base_urll: https://typo.test\n")); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
	// Secrets never come from YAML.
	if _, err := ConfigFromYAML([]byte("token: abc\n")); err == nil {
		t.Fatal("expected token key to be rejected")
	}
}

func TestLoadConfigLayersEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codecks.yaml")
	if err := os.WriteFile(path, []byte("account: from-file\nmax_in_flight: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CODECKS_TOKEN", "env-token")
	t.Setenv("CODECKS_MAX_IN_FLIGHT", "6")
	t.Setenv("CODECKS_RETRY_MAX_RETRIES", "5")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Account != "from-file" {
		t.Errorf("Account = %q, want from-file", cfg.Account)
	}
	if cfg.Token != "env-token" {
		t.Errorf("Token = %q, want env-token", cfg.Token)
	}
	if cfg.MaxInFlight != 6 {
		t.Errorf("MaxInFlight = %d, want env override 6", cfg.MaxInFlight)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("Retry.MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfigReportBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.reportBaseURL() != DefaultBaseURL {
		t.Errorf("reportBaseURL() = %q, want base URL", cfg.reportBaseURL())
	}
	cfg.ReportURL = "https://reports.example.test"
	if cfg.reportBaseURL() != "https://reports.example.test" {
		t.Errorf("reportBaseURL() = %q", cfg.reportBaseURL())
	}
}

package codecks

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL     = "https://api.codecks.io"
	DefaultMaxInFlight = 8
	DefaultDeadline    = 30 * time.Second
)

// RetryConfig controls the retry policy of every operation.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	Multiplier float64       `yaml:"multiplier" env:"MULTIPLIER"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// Backoff is "windowed" (default) or "exponential".
	Backoff string `yaml:"backoff" env:"BACKOFF"`
	// Jitter applies to exponential backoff only, as a fraction of the delay.
	Jitter float64 `yaml:"jitter" env:"JITTER"`
}

// Config is passed to New. The zero value is not usable; start from
// DefaultConfig or LoadConfig.
type Config struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// ReportURL is the user-report endpoint base; defaults to BaseURL.
	ReportURL string `yaml:"report_url" env:"REPORT_URL"`

	Account     string `yaml:"account" env:"ACCOUNT"`
	Token       string `yaml:"-" env:"TOKEN"`
	ReportToken string `yaml:"-" env:"REPORT_TOKEN"`

	MaxInFlight int           `yaml:"max_in_flight" env:"MAX_IN_FLIGHT"`
	Deadline    time.Duration `yaml:"deadline" env:"DEADLINE"`
	Retry       RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`

	UserAgent     string `yaml:"user_agent" env:"USER_AGENT"`
	AllowInsecure bool   `yaml:"allow_insecure" env:"ALLOW_INSECURE"`
}

// DefaultConfig returns the documented defaults: 8 calls in flight, a 30s
// deadline per logical call, and 3 retries starting at 250ms doubling.
func DefaultConfig() Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		MaxInFlight: DefaultMaxInFlight,
		Deadline:    DefaultDeadline,
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  250 * time.Millisecond,
			Multiplier: 2,
			MaxDelay:   10 * time.Second,
		},
	}
}

// LoadConfig layers DefaultConfig, the YAML file at path (skipped when path
// is empty) and CODECKS_* environment variables, then validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CODECKS_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromYAML decodes data over DefaultConfig without consulting the
// environment.
func ConfigFromYAML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := decodeYAML(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func decodeYAML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate collects every configuration problem into one error.
func (c Config) Validate() error {
	var problems []string

	problems = append(problems, validateURL("base_url", c.BaseURL, c.AllowInsecure)...)
	if c.ReportURL != "" {
		problems = append(problems, validateURL("report_url", c.ReportURL, c.AllowInsecure)...)
	}
	if c.MaxInFlight <= 0 {
		problems = append(problems, "max_in_flight must be positive")
	}
	if c.Deadline <= 0 {
		problems = append(problems, "deadline must be positive")
	}
	if c.Deadline > 10*time.Minute {
		problems = append(problems, "deadline > 10m may cause calls to hang for too long")
	}
	problems = append(problems, c.Retry.validate()...)

	if len(problems) > 0 {
		return &Error{
			Kind:    KindValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %s", strings.Join(problems, "; ")),
		}
	}
	return nil
}

func (r RetryConfig) validate() []string {
	var problems []string
	if r.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must be non-negative")
	}
	if r.MaxRetries > 100 {
		problems = append(problems, "retry.max_retries > 100 may cause excessive resource usage")
	}
	if r.BaseDelay <= 0 {
		problems = append(problems, "retry.base_delay must be positive")
	}
	if r.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be at least 1")
	}
	if r.MaxDelay < r.BaseDelay {
		problems = append(problems, "retry.max_delay must be greater than or equal to retry.base_delay")
	}
	switch r.Backoff {
	case "", BackoffWindowed, BackoffExponential:
	default:
		problems = append(problems, "retry.backoff must be windowed or exponential")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		problems = append(problems, "retry.jitter must be between 0 and 1")
	}
	return problems
}

func validateURL(name, raw string, allowInsecure bool) []string {
	if raw == "" {
		return []string{name + " is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return []string{name + " must be an absolute URL"}
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			return []string{name + " must use https (set allow_insecure for local testing)"}
		}
	default:
		return []string{name + " has unsupported scheme " + u.Scheme}
	}
	return nil
}

func (c Config) reportBaseURL() string {
	if c.ReportURL != "" {
		return c.ReportURL
	}
	return c.BaseURL
}

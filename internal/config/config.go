// Package config provides the psa configuration: a YAML file with
// defaults, environment overrides and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all psa configuration.
type Config struct {
	// Rule directory, one YAML file per rule
	RulesDir string `yaml:"rules_dir" json:"rules_dir" validate:"required"`
	// Badger directory for the rule commit journal
	JournalDir string `yaml:"journal_dir" json:"journal_dir" validate:"required"`
	// SQLite database for solutions, proposals and CVEs
	DatabasePath string `yaml:"database_path" json:"database_path" validate:"required"`

	Tolerance ToleranceConfig `yaml:"tolerance" json:"tolerance"`
	Daemon    DaemonConfig    `yaml:"daemon" json:"daemon"`
	Execution ExecutionConfig `yaml:"execution" json:"execution"`
	Reasoning ReasoningConfig `yaml:"reasoning" json:"reasoning"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// DefaultDataDir returns the base directory for psa state.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "psa")
	}
	return ".psa"
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	base := DefaultDataDir()
	return &Config{
		RulesDir:     filepath.Join(base, "rules"),
		JournalDir:   filepath.Join(base, "journal"),
		DatabasePath: filepath.Join(base, "psa.db"),

		Tolerance: ToleranceConfig{
			MinSuccessRate:         0.8,
			MinSamples:             10,
			VarianceThreshold:      0.05,
			FailureReviewThreshold: 3,
			RateWindow:             "168h",
		},

		Daemon: DaemonConfig{
			HealthInterval: "60s",
			RuleInterval:   "300s",
			SocketPath:     filepath.Join(base, "psa.sock"),
			WatchRules:     true,
			Author:         "psa",
		},

		Execution: ExecutionConfig{
			ProbeTimeout:  "10s",
			ActionTimeout: "5m",
			Shell:         "sh",
			Notify:        true,
		},

		Reasoning: ReasoningConfig{
			MaxDepth: 32,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults (with env overrides applied).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PSA_RULES_DIR"); v != "" {
		c.RulesDir = v
	}
	if v := os.Getenv("PSA_DB"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("PSA_JOURNAL_DIR"); v != "" {
		c.JournalDir = v
	}
	if v := os.Getenv("PSA_SOCKET"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("PSA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PSA_METRICS_ADDR"); v != "" {
		c.Daemon.MetricsAddr = v
	}
}

// parseDuration returns fallback for empty or malformed values.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetHealthInterval returns the health check period.
func (c *Config) GetHealthInterval() time.Duration {
	return parseDuration(c.Daemon.HealthInterval, 60*time.Second)
}

// GetRuleInterval returns the rule application period.
func (c *Config) GetRuleInterval() time.Duration {
	return parseDuration(c.Daemon.RuleInterval, 300*time.Second)
}

// GetProbeTimeout returns the per-probe timeout.
func (c *Config) GetProbeTimeout() time.Duration {
	return parseDuration(c.Execution.ProbeTimeout, 10*time.Second)
}

// GetActionTimeout returns the per-action timeout.
func (c *Config) GetActionTimeout() time.Duration {
	return parseDuration(c.Execution.ActionTimeout, 5*time.Minute)
}

// GetRateWindow returns the tolerance rate window.
func (c *Config) GetRateWindow() time.Duration {
	return parseDuration(c.Tolerance.RateWindow, 7*24*time.Hour)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, s := range map[string]string{
		"daemon.health_interval":   c.Daemon.HealthInterval,
		"daemon.rule_interval":     c.Daemon.RuleInterval,
		"execution.probe_timeout":  c.Execution.ProbeTimeout,
		"execution.action_timeout": c.Execution.ActionTimeout,
		"tolerance.rate_window":    c.Tolerance.RateWindow,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, s, err)
		}
	}
	return nil
}

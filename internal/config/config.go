// Package config loads server configuration from the data root.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the server and agent configuration, loaded from config.yaml
// in the data root with environment overrides applied on top.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Security  SecurityConfig  `yaml:"security"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int  `yaml:"port"`
	EnableCORS bool `yaml:"enable_cors"`
}

// ModelConfig selects the models for the agent loop and the auxiliary
// classifier/rule-evaluation calls. Format: "provider/model".
type ModelConfig struct {
	APIKey     string `yaml:"api_key"`
	Agent      string `yaml:"agent"`
	Classifier string `yaml:"classifier"`
}

// SecurityConfig tunes the security pipeline.
type SecurityConfig struct {
	// ApprovalTimeout bounds how long a pending approval waits before
	// it is treated as cancelled.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	// HistoryContextEntries caps how many trailing history entries feed
	// rule-trigger evaluation.
	HistoryContextEntries int `yaml:"history_context_entries"`
	// ArgsBudget caps how many bytes of tool arguments are shown to the
	// classifier.
	ArgsBudget int `yaml:"args_budget"`
}

// RetentionConfig controls the session retention sweep.
type RetentionConfig struct {
	MaxSessionAge time.Duration `yaml:"max_session_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	ToFile bool   `yaml:"to_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       8080,
			EnableCORS: true,
		},
		Model: ModelConfig{
			Agent:      "anthropic/claude-sonnet-4-20250514",
			Classifier: "anthropic/claude-3-5-haiku-20241022",
		},
		Security: SecurityConfig{
			ApprovalTimeout:       10 * time.Minute,
			HistoryContextEntries: 40,
			ArgsBudget:            2048,
		},
		Retention: RetentionConfig{
			MaxSessionAge: 30 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads config.yaml from the data root (if present), loads .env, and
// applies environment overrides. A malformed file fails the load; the
// caller keeps whatever configuration it was already running with.
func Load(paths *Paths) (*Config, error) {
	// .env is optional and never overrides the real environment.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(paths.ConfigPath())
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", paths.ConfigPath(), err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("CARAPACE_LLM_API_KEY"); key != "" {
		cfg.Model.APIKey = key
	}
	if model := os.Getenv("CARAPACE_MODEL"); model != "" {
		cfg.Model.Agent = model
	}
	if model := os.Getenv("CARAPACE_CLASSIFIER_MODEL"); model != "" {
		cfg.Model.Classifier = model
	}
	if port := os.Getenv("CARAPACE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("CARAPACE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

// validate rejects configurations the server cannot run with.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Security.ApprovalTimeout <= 0 {
		c.Security.ApprovalTimeout = 10 * time.Minute
	}
	if c.Security.HistoryContextEntries <= 0 {
		c.Security.HistoryContextEntries = 40
	}
	if c.Security.ArgsBudget <= 0 {
		c.Security.ArgsBudget = 2048
	}
	return nil
}

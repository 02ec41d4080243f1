// Package config loads runtime configuration from a YAML file under the
// user's config directory, with AZ_-prefixed environment variables
// taking precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LiteLLMConfig configures the LLM provider endpoint.
type LiteLLMConfig struct {
	// BaseURL is the provider endpoint for chat completions and embeddings.
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token. Usually set via AZ_API_KEY.
	APIKey string `yaml:"api_key"`

	// CacheSize bounds the response cache entry count.
	CacheSize int `yaml:"cache_size"`

	// CacheTTL is the per-entry lifetime of cached completions.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// FallbackModels are tried in order by auto-recover's switch-model strategy.
	FallbackModels []string `yaml:"fallback_models"`
}

// MCPConfig configures the out-of-process tool host client.
type MCPConfig struct {
	// ServerURL is the tool host base URL.
	ServerURL string `yaml:"server_url"`

	// Timeout applies per tool call.
	Timeout time.Duration `yaml:"timeout"`
}

// CostConfig configures cost tracking and budget alerting.
type CostConfig struct {
	// Enabled toggles cost recording entirely.
	Enabled bool `yaml:"enabled"`

	// Budget is the monthly USD ceiling. Zero means no budget configured.
	Budget float64 `yaml:"budget"`

	// AlertPercentage is the spend fraction (0-100) at which the alert fires.
	AlertPercentage float64 `yaml:"alert_percentage"`
}

// Config holds all runtime settings for the azos CLI.
type Config struct {
	// Model is the default model for task execution.
	Model string `yaml:"model"`

	// Timeout is the default per-task execution timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries caps retry attempts for retryable failures.
	MaxRetries int `yaml:"max_retries"`

	// MaxConcurrency caps simultaneously running tasks.
	MaxConcurrency int `yaml:"max_concurrency"`

	// TickInterval is the scheduler loop period.
	TickInterval time.Duration `yaml:"tick_interval"`

	// LogLevel sets verbosity: DEBUG, INFO, WARNING, ERROR, CRITICAL.
	LogLevel string `yaml:"log_level"`

	// DataDir holds the sqlite database and the lock file.
	DataDir string `yaml:"data_dir"`

	// LogDir holds rotating log files.
	LogDir string `yaml:"log_dir"`

	LiteLLM LiteLLMConfig `yaml:"litellm"`
	MCP     MCPConfig     `yaml:"mcp"`
	Cost    CostConfig    `yaml:"cost"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Model:          "gpt-4o-mini",
		Timeout:        300 * time.Second,
		MaxRetries:     3,
		MaxConcurrency: 5,
		TickInterval:   time.Second,
		LogLevel:       "INFO",
		DataDir:        filepath.Join(home, ".azos"),
		LogDir:         filepath.Join(home, ".azos", "logs"),
		LiteLLM: LiteLLMConfig{
			BaseURL:   "https://api.openai.com/v1",
			CacheSize: 256,
			CacheTTL:  time.Hour,
		},
		MCP: MCPConfig{
			ServerURL: "http://localhost:8765",
			Timeout:   30 * time.Second,
		},
		Cost: CostConfig{
			Enabled:         true,
			AlertPercentage: 80,
		},
	}
}

// DefaultPath returns the well-known config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "azos", "config.yaml")
	}
	return filepath.Join(".azos", "config.yaml")
}

// LoadConfig loads configuration from the given path, falling back to
// defaults if the file does not exist. Environment variables prefixed
// AZ_ override file values. A malformed file is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Missing file is not an error: defaults plus env apply.
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays AZ_-prefixed environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AZ_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AZ_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Timeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("AZ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("AZ_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("AZ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AZ_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AZ_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("AZ_API_KEY"); v != "" {
		cfg.LiteLLM.APIKey = v
	}
	if v := os.Getenv("AZ_BASE_URL"); v != "" {
		cfg.LiteLLM.BaseURL = v
	}
	if v := os.Getenv("AZ_MCP_SERVER_URL"); v != "" {
		cfg.MCP.ServerURL = v
	}
	if v := os.Getenv("AZ_COST_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cost.Budget = f
		}
	}
	if v := os.Getenv("AZ_COST_ALERT_PERCENTAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cost.AlertPercentage = f
		}
	}
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be > 0, got %v", c.TickInterval)
	}

	validLevels := map[string]bool{
		"DEBUG":    true,
		"INFO":     true,
		"WARNING":  true,
		"ERROR":    true,
		"CRITICAL": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: DEBUG, INFO, WARNING, ERROR, CRITICAL", c.LogLevel)
	}

	if c.Cost.AlertPercentage < 0 || c.Cost.AlertPercentage > 100 {
		return fmt.Errorf("cost.alert_percentage must be in [0,100], got %v", c.Cost.AlertPercentage)
	}
	if c.Cost.Budget < 0 {
		return fmt.Errorf("cost.budget must be >= 0, got %v", c.Cost.Budget)
	}
	return nil
}

// Save writes the configuration back to the given path, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Set updates a single config key using its dotted YAML name, e.g.
// "model", "cost.budget", "mcp.server_url".
func (c *Config) Set(key, value string) error {
	switch key {
	case "model":
		c.Model = value
	case "timeout":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("timeout must be an integer number of seconds: %w", err)
		}
		c.Timeout = time.Duration(secs) * time.Second
	case "max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_retries must be an integer: %w", err)
		}
		c.MaxRetries = n
	case "max_concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_concurrency must be an integer: %w", err)
		}
		c.MaxConcurrency = n
	case "log_level":
		c.LogLevel = value
	case "api_key":
		c.LiteLLM.APIKey = value
	case "base_url":
		c.LiteLLM.BaseURL = value
	case "litellm.base_url":
		c.LiteLLM.BaseURL = value
	case "litellm.api_key":
		c.LiteLLM.APIKey = value
	case "mcp.server_url":
		c.MCP.ServerURL = value
	case "cost.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cost.enabled must be a boolean: %w", err)
		}
		c.Cost.Enabled = b
	case "cost.budget":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("cost.budget must be a number: %w", err)
		}
		c.Cost.Budget = f
	case "cost.alert_percentage":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("cost.alert_percentage must be a number: %w", err)
		}
		c.Cost.AlertPercentage = f
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return c.Validate()
}

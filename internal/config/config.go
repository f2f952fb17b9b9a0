package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models casebridge.yml.
type Config struct {
	Engine struct {
		BaseURL        string `yaml:"base_url"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Poll           struct {
			MaxAttempts       int `yaml:"max_attempts"`
			InitialIntervalMS int `yaml:"initial_interval_ms"`
			MaxElapsedSeconds int `yaml:"max_elapsed_seconds"`
		} `yaml:"poll"`
	} `yaml:"engine"`
	Defaults struct {
		DueInDays int    `yaml:"due_in_days"`
		Urgency   string `yaml:"urgency"`
	} `yaml:"defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.engine.timeout_seconds must be positive")
	}
	if c.Engine.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("config.engine.poll.max_attempts must be positive")
	}
	if c.Engine.Poll.InitialIntervalMS <= 0 {
		return fmt.Errorf("config.engine.poll.initial_interval_ms must be positive")
	}
	if c.Defaults.DueInDays <= 0 {
		return fmt.Errorf("config.defaults.due_in_days must be positive")
	}
	switch c.Defaults.Urgency {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("config.defaults.urgency must be low, medium or high")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "casebridge.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// EngineTimeout returns the per-call gateway timeout.
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// PollInitialInterval returns the first poll delay for case task readiness.
func (c *Config) PollInitialInterval() time.Duration {
	return time.Duration(c.Engine.Poll.InitialIntervalMS) * time.Millisecond
}

// PollMaxElapsed bounds the whole readiness poll loop.
func (c *Config) PollMaxElapsed() time.Duration {
	return time.Duration(c.Engine.Poll.MaxElapsedSeconds) * time.Second
}

const defaultTemplate = `engine:
  base_url: http://127.0.0.1:9090
  username: casebridge
  password: ""
  timeout_seconds: 5
  poll:
    max_attempts: 8
    initial_interval_ms: 200
    max_elapsed_seconds: 20

defaults:
  due_in_days: 30
  urgency: medium
`

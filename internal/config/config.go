package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models boardflow.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Approvals struct {
		// ConfidenceThreshold is the minimum confidence an automated action
		// needs to be admitted without a human decision.
		ConfidenceThreshold int `yaml:"confidence_threshold"`
		// RiskyActionTypes are always deferred regardless of confidence.
		RiskyActionTypes []string `yaml:"risky_action_types"`
	} `yaml:"approvals"`
	Staleness struct {
		ThresholdMinutes    int `yaml:"threshold_minutes"`
		ScanIntervalSeconds int `yaml:"scan_interval_seconds"`
	} `yaml:"staleness"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// DefaultConfidenceThreshold gates automated actions below this confidence
// behind a pending approval.
const DefaultConfidenceThreshold = 70

// DefaultStaleMinutes is how long an in-progress task may sit without an
// audit note before the staleness monitor nudges its holder.
const DefaultStaleMinutes = 60

const defaultScanIntervalSeconds = 300

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
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
	if c.Approvals.ConfidenceThreshold < 0 || c.Approvals.ConfidenceThreshold > 100 {
		return fmt.Errorf("config.approvals.confidence_threshold must be in [0,100]")
	}
	for _, at := range c.Approvals.RiskyActionTypes {
		if at == "" {
			return fmt.Errorf("config.approvals.risky_action_types contains empty action type")
		}
	}
	if c.Staleness.ThresholdMinutes < 0 {
		return fmt.Errorf("config.staleness.threshold_minutes must not be negative")
	}
	if c.Staleness.ScanIntervalSeconds < 0 {
		return fmt.Errorf("config.staleness.scan_interval_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Threshold returns the effective confidence threshold.
func (c *Config) Threshold() int {
	if c == nil || c.Approvals.ConfidenceThreshold == 0 {
		return DefaultConfidenceThreshold
	}
	return c.Approvals.ConfidenceThreshold
}

// IsRisky reports whether an action type is flagged risky or external.
func (c *Config) IsRisky(actionType string) bool {
	if c == nil {
		return false
	}
	for _, at := range c.Approvals.RiskyActionTypes {
		if at == actionType {
			return true
		}
	}
	return false
}

// StaleThresholdMinutes returns the effective staleness threshold.
func (c *Config) StaleThresholdMinutes() int {
	if c == nil || c.Staleness.ThresholdMinutes == 0 {
		return DefaultStaleMinutes
	}
	return c.Staleness.ThresholdMinutes
}

// ScanIntervalSeconds returns the effective staleness scan interval.
func (c *Config) ScanIntervalSeconds() int {
	if c == nil || c.Staleness.ScanIntervalSeconds == 0 {
		return defaultScanIntervalSeconds
	}
	return c.Staleness.ScanIntervalSeconds
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "boardflow.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `org:
  id: default-org
  name: Default Org

approvals:
  confidence_threshold: 70
  risky_action_types:
    - external.call
    - board.delete
    - member.remove

staleness:
  threshold_minutes: 60
  scan_interval_seconds: 300
`

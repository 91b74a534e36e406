package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"veriline/internal/domain"
)

// Config models veriline.yml.
type Config struct {
	SLA struct {
		DefaultLevel string               `yaml:"default_level"`
		Levels       map[string]SLAPolicy `yaml:"levels"`
	} `yaml:"sla"`
	Escalation struct {
		UrgencyIncrement          int  `yaml:"urgency_increment"`
		AllowOriginalReassignment bool `yaml:"allow_original_reassignment"`
	} `yaml:"escalation"`
	Clock struct {
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"clock"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// SLAPolicy is one row of the SLA policy table.
type SLAPolicy struct {
	Deadline       string `yaml:"deadline"`
	EscalatesTo    string `yaml:"escalates_to"`
	MaxEscalations int    `yaml:"max_escalations"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Policy looks up the table entry for an SLA level. Pure, no side effects.
func (c *Config) Policy(level string) (SLAPolicy, bool) {
	p, ok := c.SLA.Levels[level]
	return p, ok
}

// DeadlineFor returns the response deadline duration for a level.
// Validate guarantees the duration parses for every configured level.
func (c *Config) DeadlineFor(level string) time.Duration {
	p, ok := c.SLA.Levels[level]
	if !ok {
		return 0
	}
	d, _ := time.ParseDuration(p.Deadline)
	return d
}

// SweepInterval returns the clock sweep interval, defaulting to a minute.
func (c *Config) SweepInterval() time.Duration {
	if c.Clock.SweepInterval == "" {
		return time.Minute
	}
	d, err := time.ParseDuration(c.Clock.SweepInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run vl config init to create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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
	if len(c.SLA.Levels) == 0 {
		return fmt.Errorf("config.sla.levels is required")
	}
	if c.SLA.DefaultLevel == "" {
		return fmt.Errorf("config.sla.default_level is required")
	}
	if _, ok := c.SLA.Levels[c.SLA.DefaultLevel]; !ok {
		return fmt.Errorf("config.sla.default_level %s has no table entry", c.SLA.DefaultLevel)
	}
	for name, p := range c.SLA.Levels {
		if domain.SLARank(name) < 0 {
			return fmt.Errorf("sla level %s is not recognized", name)
		}
		d, err := time.ParseDuration(p.Deadline)
		if err != nil {
			return fmt.Errorf("sla level %s deadline: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("sla level %s deadline must be positive", name)
		}
		if p.EscalatesTo == "" {
			return fmt.Errorf("sla level %s escalates_to is required", name)
		}
		if _, ok := c.SLA.Levels[p.EscalatesTo]; !ok {
			return fmt.Errorf("sla level %s escalates to unknown level %s", name, p.EscalatesTo)
		}
		if domain.SLARank(p.EscalatesTo) < domain.SLARank(name) {
			return fmt.Errorf("sla level %s may not escalate down to %s", name, p.EscalatesTo)
		}
		if p.MaxEscalations < 0 {
			return fmt.Errorf("sla level %s max_escalations must be >= 0", name)
		}
	}
	if c.Escalation.UrgencyIncrement < 0 {
		return fmt.Errorf("config.escalation.urgency_increment must be >= 0")
	}
	if c.Clock.SweepInterval != "" {
		d, err := time.ParseDuration(c.Clock.SweepInterval)
		if err != nil {
			return fmt.Errorf("config.clock.sweep_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.clock.sweep_interval must be positive")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "veriline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `sla:
  default_level: standard
  levels:
    standard:
      deadline: 24h
      escalates_to: priority
      max_escalations: 2
    priority:
      deadline: 8h
      escalates_to: urgent
      max_escalations: 2
    urgent:
      deadline: 2h
      escalates_to: urgent
      max_escalations: 1

escalation:
  urgency_increment: 10
  allow_original_reassignment: false

clock:
  sweep_interval: 1m
`

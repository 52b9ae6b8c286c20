package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ElectorateEstimate = "estimate"
	ElectorateExact    = "exact"
)

// Config models signoff.yml.
type Config struct {
	Drafts struct {
		Horizon time.Duration `yaml:"horizon"`
	} `yaml:"drafts"`
	Quorum struct {
		ResponseRate float64 `yaml:"response_rate"`
		Electorate   string  `yaml:"electorate"`
	} `yaml:"quorum"`
	// Roles maps actor ids to the roles they are granted at bootstrap.
	Roles map[string][]string `yaml:"roles"`
	// Rules is the rule set installed when the store has none.
	Rules  yaml.Node `yaml:"rules"`
	Server struct {
		RateLimit struct {
			PerSecond float64 `yaml:"per_second"`
			Burst     int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with signoff init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate fills zero values with defaults and checks ranges.
func (c *Config) Validate() error {
	if c.Drafts.Horizon == 0 {
		c.Drafts.Horizon = 7 * 24 * time.Hour
	}
	if c.Drafts.Horizon < 0 {
		return fmt.Errorf("config.drafts.horizon must be positive")
	}
	if c.Quorum.ResponseRate == 0 {
		c.Quorum.ResponseRate = 0.7
	}
	if c.Quorum.ResponseRate < 0 || c.Quorum.ResponseRate > 1 {
		return fmt.Errorf("config.quorum.response_rate must be in (0, 1]")
	}
	switch c.Quorum.Electorate {
	case "":
		c.Quorum.Electorate = ElectorateEstimate
	case ElectorateEstimate, ElectorateExact:
	default:
		return fmt.Errorf("config.quorum.electorate must be %q or %q", ElectorateEstimate, ElectorateExact)
	}
	for actor, roles := range c.Roles {
		if actor == "" {
			return fmt.Errorf("config.roles contains empty actor id")
		}
		for _, r := range roles {
			if r == "" {
				return fmt.Errorf("actor %s has empty role id", actor)
			}
		}
	}
	if c.Rules.Kind != 0 && c.Rules.Kind != yaml.MappingNode {
		return fmt.Errorf("config.rules must be a mapping")
	}
	if c.Server.RateLimit.PerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	if c.Server.RateLimit.PerSecond > 0 && c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 1
	}
	for i, wh := range c.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an absolute http(s) url", i)
		}
	}
	return nil
}

// BootstrapRules returns the configured rule set as YAML, or nil when none is set.
func (c *Config) BootstrapRules() ([]byte, error) {
	if c.Rules.Kind == 0 {
		return nil, nil
	}
	return yaml.Marshal(&c.Rules)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signoff.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	_ = cfg.Validate()
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

const defaultTemplate = `drafts:
  horizon: 168h

quorum:
  response_rate: 0.7
  electorate: estimate

roles:
  local-user: [admin, treasurer]

rules:
  version: "1.0.0"
  rules:
    - key: rules.update
      description: "Replace the rule configuration"
      threshold: 1
      roles: [admin]
    - key: tx.default
      description: "Any transaction"
      match: "true"
      threshold: 1
      roles: [treasurer]

server:
  rate_limit:
    per_second: 5
    burst: 10
`

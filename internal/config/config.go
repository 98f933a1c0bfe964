package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models agentmarket.yml.
type Config struct {
	Market struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"market"`
	Platform struct {
		Owner             string `yaml:"owner"`
		DefaultArbitrator string `yaml:"default_arbitrator"`
	} `yaml:"platform"`
	Arbitration struct {
		MaxFeeBP               int64 `yaml:"max_fee_bp"`
		MinStake               int64 `yaml:"min_stake"`
		UnstakeCooldownSeconds int64 `yaml:"unstake_cooldown_seconds"`
		DisputeTimeoutSeconds  int64 `yaml:"dispute_timeout_seconds"`
	} `yaml:"arbitration"`
	Validation struct {
		MinStake               int64 `yaml:"min_stake"`
		MinChallengeStake      int64 `yaml:"min_challenge_stake"`
		UnstakeCooldownSeconds int64 `yaml:"unstake_cooldown_seconds"`
	} `yaml:"validation"`
	Bidding struct {
		MinTrustScore int64 `yaml:"min_trust_score"`
	} `yaml:"bidding"`
	Trust struct {
		StakeCap int64 `yaml:"stake_cap"`
	} `yaml:"trust"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with am config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Market.ID == "" {
		return fmt.Errorf("config.market.id is required")
	}
	if c.Market.Kind != "agent-marketplace" {
		return fmt.Errorf("config.market.kind must be 'agent-marketplace'")
	}
	if c.Platform.Owner == "" {
		return fmt.Errorf("config.platform.owner is required")
	}
	if c.Arbitration.MaxFeeBP < 0 || c.Arbitration.MaxFeeBP > 10000 {
		return fmt.Errorf("config.arbitration.max_fee_bp must be in [0,10000]")
	}
	if c.Arbitration.MinStake < 0 {
		return fmt.Errorf("config.arbitration.min_stake must not be negative")
	}
	if c.Arbitration.DisputeTimeoutSeconds <= 0 {
		return fmt.Errorf("config.arbitration.dispute_timeout_seconds must be positive")
	}
	if c.Arbitration.UnstakeCooldownSeconds < 0 {
		return fmt.Errorf("config.arbitration.unstake_cooldown_seconds must not be negative")
	}
	if c.Validation.MinStake <= 0 {
		return fmt.Errorf("config.validation.min_stake must be positive")
	}
	if c.Validation.MinChallengeStake <= 0 {
		return fmt.Errorf("config.validation.min_challenge_stake must be positive")
	}
	if c.Validation.UnstakeCooldownSeconds < 0 {
		return fmt.Errorf("config.validation.unstake_cooldown_seconds must not be negative")
	}
	if c.Bidding.MinTrustScore < 0 || c.Bidding.MinTrustScore > 100 {
		return fmt.Errorf("config.bidding.min_trust_score must be in [0,100]")
	}
	if c.Trust.StakeCap <= 0 {
		return fmt.Errorf("config.trust.stake_cap must be positive")
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
	return filepath.Join(workspace, "agentmarket.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketID string) string {
	return fmt.Sprintf(defaultTemplate, marketID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a market.
func Default(marketID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, marketID))).Decode(&cfg)
	cfg.Market.ID = marketID
	cfg.Market.Kind = "agent-marketplace"
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

const defaultTemplate = `market:
  id: %s
  kind: agent-marketplace

platform:
  owner: platform-owner
  default_arbitrator: default-arbitrator

arbitration:
  max_fee_bp: 1000
  min_stake: 5000
  unstake_cooldown_seconds: 604800
  dispute_timeout_seconds: 1209600

validation:
  min_stake: 1000
  min_challenge_stake: 100
  unstake_cooldown_seconds: 604800

bidding:
  min_trust_score: 0

trust:
  stake_cap: 10000
`

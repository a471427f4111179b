package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Engine struct {
		EscrowAccount   string `yaml:"escrow_account"`
		DefaultTake     int    `yaml:"default_take"`
		MaxTake         int    `yaml:"max_take"`
		RefundRetrySecs int    `yaml:"refund_retry_seconds"`
		TokenCanisterID string `yaml:"token_canister_id"`
	} `yaml:"engine"`
	Validation struct {
		Mode    string `yaml:"mode"` // challenge-match or webhook
		Webhook struct {
			URL            string `yaml:"url"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
			Secret         string `yaml:"secret"`
		} `yaml:"webhook"`
	} `yaml:"validation"`
	Auth struct {
		AllowLegacyActorHeader bool     `yaml:"allow_legacy_actor_header"`
		AdminActors            []string `yaml:"admin_actors"`
	} `yaml:"auth"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run bl config init or copy the default template", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() when the config file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.EscrowAccount == "" {
		return fmt.Errorf("config.engine.escrow_account is required")
	}
	if c.Engine.DefaultTake <= 0 {
		return fmt.Errorf("config.engine.default_take must be positive")
	}
	if c.Engine.MaxTake > 0 && c.Engine.MaxTake < c.Engine.DefaultTake {
		return fmt.Errorf("config.engine.max_take must be >= default_take")
	}
	if c.Engine.RefundRetrySecs <= 0 {
		return fmt.Errorf("config.engine.refund_retry_seconds must be positive")
	}
	switch c.Validation.Mode {
	case "challenge-match":
	case "webhook":
		if c.Validation.Webhook.URL == "" {
			return fmt.Errorf("config.validation.webhook.url is required for mode webhook")
		}
	default:
		return fmt.Errorf("config.validation.mode must be challenge-match or webhook")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bountyline.yml")
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

const defaultTemplate = `engine:
  # Account that holds reserved rewards between creation and settlement.
  escrow_account: bounty-escrow
  # Page size for list_bounties when take is omitted.
  default_take: 50
  # Hard ceiling for take.
  max_take: 500
  # Delay before a failed expiration refund is retried.
  refund_retry_seconds: 30
  # Identity of the funds ledger recorded in claim metadata.
  token_canister_id: bountyline-token

validation:
  # challenge-match compares the submission against the challenge parameters.
  # webhook posts both to an external validator.
  mode: challenge-match
  webhook:
    url: ""
    timeout_seconds: 5
    secret: ""

auth:
  allow_legacy_actor_header: false
  admin_actors: []
`

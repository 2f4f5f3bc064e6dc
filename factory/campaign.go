/*
Package factory loads campaign and fulfillment configuration from YAML.

PURPOSE:
  Converts YAML campaign definitions into loyalty.Campaign values and
  resolves fulfillment agent variants through the registry. This enables
  campaign configuration without code changes - program managers define
  campaigns in YAML, and the factory creates the proper Go structs.

YAML SCHEMA:
  campaigns:
    - id: coffee-stamps
      name: Coffee Stamps
      status: active
      model: stamps
      reward_config: partner-main
      earn:
        threshold: 300
        increment: 1
      reward:
        goal: 10
        allocation_window_days: 14
        cap: 3
    - id: points
      name: Spend Points
      status: active
      model: accumulator
      reward_config: voucher-pool
      earn:
        increment_multiplier: "0.5"
        max_amount: 500
      reward:
        goal: 1000
        allocation_window_days: 7
      reset_interval_days: 365

  reward_configs:
    - id: partner-main
      variant: partner
      config:
        base_url: https://partner.example.com
        api_key: key
        secret: secret
    - id: voucher-pool
      variant: pool
      config:
        expiry_days: "180"

KEY FEATURES:
  - Validates structure and cross-references
  - Multipliers parse as exact decimals, never floats
  - Agent variants resolve by name at load time, so a typo fails the
    boot instead of the first issuance

USAGE:
  cfg, err := factory.Load("campaigns.yaml")
  campaigns := cfg.CampaignSet()
  agents, err := cfg.BuildAgents(fulfillment.DefaultRegistry(), deps)

SEE ALSO:
  - loyalty/types.go: Campaign, EarnRule, RewardRule
  - fulfillment/agent.go: Registry and agent variants
*/
package factory

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/fulfillment"
	"github.com/warp/loyalty-engine/loyalty"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// Config is the root configuration document.
type Config struct {
	Campaigns     []CampaignYAML     `yaml:"campaigns"`
	RewardConfigs []RewardConfigYAML `yaml:"reward_configs"`
}

// CampaignYAML is the YAML representation of a campaign.
type CampaignYAML struct {
	ID                string     `yaml:"id"`
	Name              string     `yaml:"name"`
	Status            string     `yaml:"status"`
	Model             string     `yaml:"model"`
	RewardConfig      string     `yaml:"reward_config"`
	Earn              EarnYAML   `yaml:"earn"`
	Reward            RewardYAML `yaml:"reward"`
	ResetIntervalDays int        `yaml:"reset_interval_days"`
}

// EarnYAML mirrors loyalty.EarnRule with a string multiplier.
type EarnYAML struct {
	Threshold int64 `yaml:"threshold"`
	Increment int64 `yaml:"increment"`

	// IncrementMultiplier is a decimal string ("0.5"), never a float.
	IncrementMultiplier string `yaml:"increment_multiplier"`
	MaxAmount           int64  `yaml:"max_amount"`
}

// RewardYAML mirrors loyalty.RewardRule.
type RewardYAML struct {
	Goal                 int64  `yaml:"goal"`
	AllocationWindowDays int    `yaml:"allocation_window_days"`
	Cap                  *int64 `yaml:"cap"`
}

// RewardConfigYAML binds a reward config ID to an agent variant.
type RewardConfigYAML struct {
	ID      string            `yaml:"id"`
	Variant string            `yaml:"variant"`
	Config  map[string]string `yaml:"config"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(raw)
}

// Parse validates a configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	configIDs := make(map[string]bool, len(c.RewardConfigs))
	for _, rc := range c.RewardConfigs {
		if rc.ID == "" {
			return fmt.Errorf("reward config with empty id")
		}
		if configIDs[rc.ID] {
			return fmt.Errorf("duplicate reward config id %q", rc.ID)
		}
		configIDs[rc.ID] = true
	}

	seen := make(map[string]bool, len(c.Campaigns))
	for _, cy := range c.Campaigns {
		if cy.ID == "" {
			return fmt.Errorf("campaign with empty id")
		}
		if seen[cy.ID] {
			return fmt.Errorf("duplicate campaign id %q", cy.ID)
		}
		seen[cy.ID] = true

		switch loyalty.Model(cy.Model) {
		case loyalty.ModelStamps, loyalty.ModelAccumulator:
		default:
			return fmt.Errorf("campaign %s: unknown model %q", cy.ID, cy.Model)
		}
		if cy.Reward.Goal <= 0 {
			return fmt.Errorf("campaign %s: reward goal must be positive", cy.ID)
		}
		if cy.RewardConfig != "" && !configIDs[cy.RewardConfig] {
			return fmt.Errorf("campaign %s: unknown reward config %q", cy.ID, cy.RewardConfig)
		}
	}
	return nil
}

// =============================================================================
// CONVERSION
// =============================================================================

// CampaignSet converts the document into the runtime campaign map.
func (c *Config) CampaignSet() (map[loyalty.CampaignID]loyalty.Campaign, error) {
	out := make(map[loyalty.CampaignID]loyalty.Campaign, len(c.Campaigns))
	for _, cy := range c.Campaigns {
		campaign, err := cy.toCampaign()
		if err != nil {
			return nil, err
		}
		out[campaign.ID] = campaign
	}
	return out, nil
}

func (cy CampaignYAML) toCampaign() (loyalty.Campaign, error) {
	multiplier := decimal.Decimal{}
	if cy.Earn.IncrementMultiplier != "" {
		parsed, err := decimal.NewFromString(cy.Earn.IncrementMultiplier)
		if err != nil {
			return loyalty.Campaign{}, fmt.Errorf("campaign %s: invalid increment_multiplier: %w", cy.ID, err)
		}
		multiplier = parsed
	}

	status := loyalty.CampaignStatus(cy.Status)
	if cy.Status == "" {
		status = loyalty.CampaignActive
	}

	return loyalty.Campaign{
		ID:     loyalty.CampaignID(cy.ID),
		Name:   cy.Name,
		Status: status,
		Model:  loyalty.Model(cy.Model),
		Earn: loyalty.EarnRule{
			Threshold:           cy.Earn.Threshold,
			Increment:           cy.Earn.Increment,
			IncrementMultiplier: multiplier,
			MaxAmount:           cy.Earn.MaxAmount,
		},
		Reward: loyalty.RewardRule{
			RewardGoal:           cy.Reward.Goal,
			AllocationWindowDays: cy.Reward.AllocationWindowDays,
			RewardCap:            cy.Reward.Cap,
		},
		RewardConfigID:    loyalty.RewardConfigID(cy.RewardConfig),
		ResetIntervalDays: cy.ResetIntervalDays,
	}, nil
}

// BuildAgents resolves every reward config into a constructed agent.
func (c *Config) BuildAgents(registry *fulfillment.Registry, deps fulfillment.Deps) (map[loyalty.RewardConfigID]fulfillment.Agent, error) {
	out := make(map[loyalty.RewardConfigID]fulfillment.Agent, len(c.RewardConfigs))
	for _, rc := range c.RewardConfigs {
		agent, err := registry.New(rc.Variant, rc.Config, deps)
		if err != nil {
			return nil, fmt.Errorf("reward config %s: %w", rc.ID, err)
		}
		out[loyalty.RewardConfigID(rc.ID)] = agent
	}
	return out, nil
}

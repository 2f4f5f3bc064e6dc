package factory

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/fulfillment"
	"github.com/warp/loyalty-engine/loyalty"
	loyaltystore "github.com/warp/loyalty-engine/loyalty/store"
)

const sampleConfig = `
campaigns:
  - id: coffee-stamps
    name: Coffee Stamps
    status: active
    model: stamps
    reward_config: voucher-pool
    earn:
      threshold: 300
      increment: 1
    reward:
      goal: 10
      allocation_window_days: 14
      cap: 3
  - id: points
    name: Spend Points
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
  - id: voucher-pool
    variant: pool
    config:
      expiry_days: "180"
`

func TestParse_FullDocument(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Campaigns, 2)
	require.Len(t, cfg.RewardConfigs, 1)

	campaigns, err := cfg.CampaignSet()
	require.NoError(t, err)

	stamps := campaigns["coffee-stamps"]
	assert.Equal(t, loyalty.ModelStamps, stamps.Model)
	assert.Equal(t, int64(300), stamps.Earn.Threshold)
	assert.Equal(t, int64(1), stamps.Earn.Increment)
	require.NotNil(t, stamps.Reward.RewardCap)
	assert.Equal(t, int64(3), *stamps.Reward.RewardCap)
	assert.Equal(t, loyalty.RewardConfigID("voucher-pool"), stamps.RewardConfigID)

	points := campaigns["points"]
	assert.Equal(t, loyalty.ModelAccumulator, points.Model)
	assert.True(t, points.Earn.IncrementMultiplier.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(500), points.Earn.MaxAmount)
	assert.Nil(t, points.Reward.RewardCap)
	assert.Equal(t, 365, points.ResetIntervalDays)

	// Omitted status defaults to active.
	assert.Equal(t, loyalty.CampaignActive, points.Status)
}

func TestParse_Rejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown model",
			doc: `
campaigns:
  - id: bad
    model: tickets
    reward:
      goal: 10
`,
			want: "unknown model",
		},
		{
			name: "non-positive goal",
			doc: `
campaigns:
  - id: bad
    model: stamps
    reward:
      goal: 0
`,
			want: "reward goal must be positive",
		},
		{
			name: "duplicate campaign id",
			doc: `
campaigns:
  - id: twice
    model: stamps
    reward:
      goal: 1
  - id: twice
    model: stamps
    reward:
      goal: 1
`,
			want: "duplicate campaign id",
		},
		{
			name: "dangling reward config reference",
			doc: `
campaigns:
  - id: c
    model: stamps
    reward_config: nowhere
    reward:
      goal: 1
`,
			want: "unknown reward config",
		},
		{
			name: "duplicate reward config id",
			doc: `
reward_configs:
  - id: twice
    variant: pool
  - id: twice
    variant: pool
`,
			want: "duplicate reward config id",
		},
		{
			name: "not yaml",
			doc:  `{{{`,
			want: "failed to parse config YAML",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCampaignSet_RejectsBadMultiplier(t *testing.T) {
	cfg, err := Parse([]byte(`
campaigns:
  - id: c
    model: accumulator
    earn:
      increment_multiplier: "half"
    reward:
      goal: 1
`))
	require.NoError(t, err)

	_, err = cfg.CampaignSet()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid increment_multiplier")
}

func TestBuildAgents(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	deps := fulfillment.Deps{Pool: loyaltystore.NewMemory()}

	agents, err := cfg.BuildAgents(fulfillment.DefaultRegistry(), deps)
	require.NoError(t, err)
	require.Contains(t, agents, loyalty.RewardConfigID("voucher-pool"))

	// An unknown variant fails the build, naming the offending config.
	cfg.RewardConfigs = append(cfg.RewardConfigs, RewardConfigYAML{
		ID:      "broken",
		Variant: "carrier-pigeon",
	})
	_, err = cfg.BuildAgents(fulfillment.DefaultRegistry(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

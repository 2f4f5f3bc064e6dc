package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

func newProcessor() (*loyalty.Processor, *store.Memory) {
	mem := store.NewMemory()
	p := loyalty.NewProcessor(mem)
	p.Now = func() time.Time { return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC) }
	return p, mem
}

func pointsCampaign() loyalty.Campaign {
	return loyalty.Campaign{
		ID:     "points",
		Name:   "Spend Points",
		Status: loyalty.CampaignActive,
		Model:  loyalty.ModelAccumulator,
		Earn:   loyalty.EarnRule{},
		Reward: loyalty.RewardRule{RewardGoal: 250, AllocationWindowDays: 7},
	}
}

func tx(id string, amount int64) loyalty.Transaction {
	return loyalty.Transaction{
		ID:              id,
		AccountHolderID: "holder-1",
		CampaignID:      "points",
		Amount:          amount,
		OccurredAt:      time.Date(2026, time.March, 1, 11, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// EARN PATH
// =============================================================================

func TestProcess_EarnWithholdsCostBasis(t *testing.T) {
	// GIVEN: An empty balance on a 250-goal campaign
	// WHEN: A 400 transaction is processed
	// THEN: One reward unit is earned, 250 is withheld, 150 remains

	p, mem := newProcessor()
	ctx := context.Background()

	result, err := p.Process(ctx, pointsCampaign(), tx("t1", 400))
	require.NoError(t, err)

	assert.True(t, result.Adjustment.Eligible)
	assert.Equal(t, int64(150), result.NewBalance)
	require.NotNil(t, result.Pending)
	assert.Equal(t, int64(1), result.Pending.Count)
	assert.Equal(t, int64(250), result.Pending.TotalCostToUser)
	assert.Equal(t, time.Date(2026, time.March, 8, 12, 0, 0, 0, time.UTC), result.Pending.ConversionDate)

	row, err := mem.Balance(ctx, "holder-1", "points")
	require.NoError(t, err)
	assert.Equal(t, int64(150), row.Balance)
}

func TestProcess_IdenticalTransactionsEarnIndependently(t *testing.T) {
	// The second 400 lands on the 150 carried over, tipping the balance
	// over two goals at once.

	p, mem := newProcessor()
	ctx := context.Background()

	first, err := p.Process(ctx, pointsCampaign(), tx("t1", 400))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Pending.Count)

	second, err := p.Process(ctx, pointsCampaign(), tx("t2", 400))
	require.NoError(t, err)
	require.NotNil(t, second.Pending)
	assert.Equal(t, int64(2), second.Pending.Count)
	assert.Equal(t, int64(50), second.NewBalance)

	pending, err := mem.PendingRewards(ctx, "holder-1", "points")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestProcess_DuplicateTransactionIDRejected(t *testing.T) {
	p, mem := newProcessor()
	ctx := context.Background()

	_, err := p.Process(ctx, pointsCampaign(), tx("t1", 100))
	require.NoError(t, err)

	_, err = p.Process(ctx, pointsCampaign(), tx("t1", 100))
	require.Error(t, err)
	var dup *loyalty.DuplicateTransactionError
	assert.ErrorAs(t, err, &dup)
	assert.Equal(t, "t1", dup.TransactionID)

	// The replay must not have moved the balance.
	row, err := mem.Balance(ctx, "holder-1", "points")
	require.NoError(t, err)
	assert.Equal(t, int64(100), row.Balance)
}

func TestProcess_IneligibleTransactionTouchesNothing(t *testing.T) {
	p, mem := newProcessor()
	campaign := pointsCampaign()
	campaign.Earn.Threshold = 500

	result, err := p.Process(context.Background(), campaign, tx("t1", 100))
	require.NoError(t, err)
	assert.False(t, result.Adjustment.Eligible)
	assert.Equal(t, loyalty.ReasonThresholdNotMet, result.Adjustment.Reason)

	// No balance row was ever created.
	_, err = mem.Balance(context.Background(), "holder-1", "points")
	assert.ErrorIs(t, err, loyalty.ErrBalanceNotFound)
}

func TestProcess_TerminatedCampaignRejected(t *testing.T) {
	p, _ := newProcessor()
	campaign := pointsCampaign()
	campaign.Status = loyalty.CampaignCancelled

	_, err := p.Process(context.Background(), campaign, tx("t1", 400))
	assert.ErrorIs(t, err, loyalty.ErrCampaignTerminated)
}

func TestProcess_ImmediateIssuanceAbortsAtomically(t *testing.T) {
	// GIVEN: A campaign with no allocation window
	// WHEN: A transaction meets the reward goal
	// THEN: The scope aborts and no part of the earn is visible

	p, mem := newProcessor()
	campaign := pointsCampaign()
	campaign.Reward.AllocationWindowDays = 0

	_, err := p.Process(context.Background(), campaign, tx("t1", 400))
	assert.ErrorIs(t, err, loyalty.ErrImmediateIssuance)

	_, err = mem.Balance(context.Background(), "holder-1", "points")
	assert.ErrorIs(t, err, loyalty.ErrBalanceNotFound)
}

// =============================================================================
// REFUND PATH
// =============================================================================

func TestProcess_RefundCoveredByBalance(t *testing.T) {
	p, _ := newProcessor()
	ctx := context.Background()

	_, err := p.Process(ctx, pointsCampaign(), tx("t1", 200))
	require.NoError(t, err)

	result, err := p.Process(ctx, pointsCampaign(), tx("t2", -150))
	require.NoError(t, err)
	assert.Equal(t, int64(50), result.NewBalance)
	assert.Nil(t, result.Refund, "covered refunds produce no absorption report")
}

func TestProcess_RefundShortfallConsumesPendingRewards(t *testing.T) {
	// GIVEN: Balance 150 and a one-unit bundle backed by 250
	// WHEN: A 300 refund arrives
	// THEN: Balance pays 150* via the waterfall, the unit is destroyed,
	//       and the sub-unit remainder comes back as credit
	//       (*the whole magnitude routes through the waterfall)

	p, mem := newProcessor()
	ctx := context.Background()

	_, err := p.Process(ctx, pointsCampaign(), tx("t1", 400))
	require.NoError(t, err)

	result, err := p.Process(ctx, pointsCampaign(), tx("t2", -300))
	require.NoError(t, err)
	require.NotNil(t, result.Refund)
	assert.Equal(t, int64(300), result.Refund.Shortfall)
	assert.True(t, result.Refund.FullyRecouped())

	// 300 = 150 balance + 150 of the bundle's 250; the 100 below one
	// unit returns to the balance.
	assert.Equal(t, int64(100), result.NewBalance)
	require.Len(t, result.Refund.Removals, 1)
	assert.True(t, result.Refund.Removals[0].Deleted)

	pending, err := mem.PendingRewards(ctx, "holder-1", "points")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcess_RefundExceedingEverythingReportsResidual(t *testing.T) {
	p, _ := newProcessor()
	ctx := context.Background()

	_, err := p.Process(ctx, pointsCampaign(), tx("t1", 400))
	require.NoError(t, err)

	// Total clawable value is 400 (150 balance + 250 principal).
	result, err := p.Process(ctx, pointsCampaign(), tx("t2", -600))
	require.NoError(t, err)
	require.NotNil(t, result.Refund)
	assert.Equal(t, int64(200), result.Refund.NotRecouped)
	assert.False(t, result.Refund.FullyRecouped())
	assert.Equal(t, int64(0), result.NewBalance)
}

// =============================================================================
// PERIODIC RESETS
// =============================================================================

func TestSweepResets_ZeroesDueBalances(t *testing.T) {
	p, mem := newProcessor()
	ctx := context.Background()
	campaign := pointsCampaign()
	campaign.ResetIntervalDays = 30

	_, err := p.Process(ctx, campaign, tx("t1", 200))
	require.NoError(t, err)

	past := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	err = mem.WithBalanceLock(ctx, "holder-1", "points", func(btx loyalty.BalanceTx) error {
		return btx.SetResetDate(&past)
	})
	require.NoError(t, err)

	n, err := p.SweepResets(ctx, mem, map[loyalty.CampaignID]loyalty.Campaign{"points": campaign})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := mem.Balance(ctx, "holder-1", "points")
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.Balance)
	require.NotNil(t, row.ResetDate)
	assert.Equal(t, past.AddDate(0, 0, 30), *row.ResetDate)
}

func TestProcess_FirstActivityStampsResetDate(t *testing.T) {
	// GIVEN: A campaign with a 30-day reset interval
	// WHEN: The first transaction lands
	// THEN: The balance row carries a reset date one interval out

	p, mem := newProcessor()
	ctx := context.Background()
	campaign := pointsCampaign()
	campaign.ResetIntervalDays = 30

	_, err := p.Process(ctx, campaign, tx("t1", 200))
	require.NoError(t, err)

	row, err := mem.Balance(ctx, "holder-1", "points")
	require.NoError(t, err)
	require.NotNil(t, row.ResetDate)
	assert.Equal(t, time.Date(2026, time.March, 31, 12, 0, 0, 0, time.UTC), *row.ResetDate)

	// A second transaction leaves the scheduled date alone.
	_, err = p.Process(ctx, campaign, tx("t2", 10))
	require.NoError(t, err)
	row, err = mem.Balance(ctx, "holder-1", "points")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, time.March, 31, 12, 0, 0, 0, time.UTC), *row.ResetDate)
}

func TestSweepResets_SkipsCampaignsWithoutInterval(t *testing.T) {
	p, mem := newProcessor()
	ctx := context.Background()
	campaign := pointsCampaign()

	_, err := p.Process(ctx, campaign, tx("t1", 200))
	require.NoError(t, err)

	past := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	err = mem.WithBalanceLock(ctx, "holder-1", "points", func(btx loyalty.BalanceTx) error {
		return btx.SetResetDate(&past)
	})
	require.NoError(t, err)

	n, err := p.SweepResets(ctx, mem, map[loyalty.CampaignID]loyalty.Campaign{"points": campaign})
	require.NoError(t, err)
	assert.Zero(t, n)

	row, err := mem.Balance(ctx, "holder-1", "points")
	require.NoError(t, err)
	assert.Equal(t, int64(200), row.Balance)
}

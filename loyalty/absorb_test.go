package loyalty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bundle(id string, value, count, cost int64) *PendingReward {
	return &PendingReward{ID: id, Value: value, Count: count, TotalCostToUser: cost}
}

func TestAbsorb_SingleRowSlushCoversWholeShortfall(t *testing.T) {
	// GIVEN: A bundle carrying 50 slush above principal
	// WHEN: A 30 shortfall arrives
	// THEN: The slush absorbs it; balance and units are untouched

	rows := []*PendingReward{bundle("a", 250, 2, 550)}

	balance, report := AbsorbShortfall(30, 100, rows)

	assert.Equal(t, int64(100), balance)
	require.Len(t, report.CostAdjustments, 1)
	assert.Equal(t, CostAdjustment{PendingRewardID: "a", Before: 550, After: 520}, report.CostAdjustments[0])
	assert.Empty(t, report.Removals)
	assert.True(t, report.FullyRecouped())
	assert.Equal(t, int64(2), rows[0].Count)
}

func TestAbsorb_PrefersSingleCoveringRowOverDraining(t *testing.T) {
	// The newest row cannot cover the shortfall alone, but an older one
	// can. Tier 1 takes the whole amount from the covering row instead
	// of draining the newest dry.

	newest := bundle("new", 250, 1, 270) // 20 slush
	older := bundle("old", 250, 1, 300)  // 50 slush
	rows := []*PendingReward{newest, older}

	balance, report := AbsorbShortfall(40, 0, rows)

	assert.Equal(t, int64(0), balance)
	require.Len(t, report.CostAdjustments, 1)
	assert.Equal(t, "old", report.CostAdjustments[0].PendingRewardID)
	assert.Equal(t, int64(270), newest.TotalCostToUser)
	assert.Equal(t, int64(260), older.TotalCostToUser)
}

func TestAbsorb_CollectiveSlushThenBalance(t *testing.T) {
	// GIVEN: 30 total slush across two bundles and a 100 balance
	// WHEN: A 50 shortfall arrives
	// THEN: All slush drains newest-first, the balance pays the rest

	rows := []*PendingReward{
		bundle("new", 250, 1, 270), // 20 slush
		bundle("old", 250, 1, 260), // 10 slush
	}

	balance, report := AbsorbShortfall(50, 100, rows)

	assert.Equal(t, int64(80), balance)
	assert.Equal(t, int64(20), report.BalanceConsumed)
	require.Len(t, report.CostAdjustments, 2)
	assert.Equal(t, int64(250), rows[0].TotalCostToUser)
	assert.Equal(t, int64(250), rows[1].TotalCostToUser)
	assert.True(t, report.FullyRecouped())
}

func TestAbsorb_ExactPrincipalDeletesRowWithoutCredit(t *testing.T) {
	// A shortfall equal to a bundle's full principal consumes the bundle
	// whole: deleted, no sub-unit remainder credited.

	rows := []*PendingReward{bundle("a", 250, 2, 500)}

	balance, report := AbsorbShortfall(500, 0, rows)

	assert.Equal(t, int64(0), balance)
	assert.Zero(t, report.BalanceCredited)
	require.Len(t, report.Removals, 1)
	assert.Equal(t, RewardRemoval{PendingRewardID: "a", UnitsRemoved: 2, Deleted: true}, report.Removals[0])
	assert.True(t, report.FullyRecouped())
}

func TestAbsorb_PartialPrincipalCreditsRemainder(t *testing.T) {
	// GIVEN: A two-unit bundle worth 500
	// WHEN: A 100 shortfall reaches the principal tier
	// THEN: One unit is destroyed and the 150 below-unit remainder goes
	//       back to the balance

	rows := []*PendingReward{bundle("a", 250, 2, 500)}

	balance, report := AbsorbShortfall(100, 0, rows)

	assert.Equal(t, int64(150), balance)
	assert.Equal(t, int64(150), report.BalanceCredited)
	require.Len(t, report.Removals, 1)
	assert.Equal(t, RewardRemoval{PendingRewardID: "a", UnitsRemoved: 1, Deleted: false}, report.Removals[0])
	assert.Equal(t, int64(1), rows[0].Count)
	assert.Equal(t, int64(250), rows[0].TotalCostToUser)
}

func TestAbsorb_SlushForfeitedWhenPrincipalShrinks(t *testing.T) {
	// Once the principal tier touches a bundle, its slush is gone: the
	// surviving cost basis is exactly newCount*Value.

	rows := []*PendingReward{
		bundle("covered", 250, 1, 260), // 10 slush, drained in tier 2
		bundle("victim", 250, 2, 560),  // 60 slush
	}

	// 70 total slush exists but no single row covers 700, and balance
	// is empty, so the walk reaches principal.
	balance, report := AbsorbShortfall(700, 0, rows)

	// 10 + 60 slush, then principal newest-first: covered loses its
	// unit (250), victim loses both (500), rest 120 credited back.
	assert.True(t, report.FullyRecouped())
	assert.Equal(t, int64(120), balance)
	assert.Equal(t, int64(0), rows[0].Slush())
	assert.Equal(t, int64(0), rows[1].Slush())
}

func TestAbsorb_ResidualReportedNotRecouped(t *testing.T) {
	// GIVEN: 250 of principal and nothing else
	// WHEN: A 400 shortfall arrives
	// THEN: The program eats the 150 residual and says so

	rows := []*PendingReward{bundle("a", 250, 1, 250)}

	balance, report := AbsorbShortfall(400, 0, rows)

	assert.Equal(t, int64(0), balance)
	assert.Equal(t, int64(150), report.NotRecouped)
	assert.False(t, report.FullyRecouped())
}

func TestAbsorb_NothingLeftEatsEverything(t *testing.T) {
	balance, report := AbsorbShortfall(300, 0, nil)

	assert.Equal(t, int64(0), balance)
	assert.Equal(t, int64(300), report.NotRecouped)
}

package fulfillment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	loyaltystore "github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/tasks"
)

var poolTestNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newPoolAgentForTest(t *testing.T, store *loyaltystore.Memory, cfg map[string]string) *PoolAgent {
	agent, err := NewPoolAgent(cfg, Deps{Pool: store})
	require.NoError(t, err)
	pa := agent.(*PoolAgent)
	pa.Now = func() time.Time { return poolTestNow }
	return pa
}

func TestPoolIssue_ClaimsOldestUnallocated(t *testing.T) {
	// GIVEN a pool seeded with two vouchers
	store := loyaltystore.NewMemory()
	store.AddPoolReward("coffee", loyalty.IssuedReward{ID: "v-1", Code: "CODE-A"})
	store.AddPoolReward("coffee", loyalty.IssuedReward{ID: "v-2", Code: "CODE-B"})
	agent := newPoolAgentForTest(t, store, nil)

	queue := tasks.NewMemoryQueue()
	task, err := queue.Enqueue(context.Background(), nil)
	require.NoError(t, err)

	// WHEN a reward is issued
	reward, err := agent.IssueReward(context.Background(), IssueRequest{
		CampaignID:      "coffee",
		AccountHolderID: "holder-1",
		Reason:          "reward goal reached",
	}, task)

	// THEN the first seeded voucher is claimed with issue and expiry
	// dates stamped
	require.NoError(t, err)
	assert.Equal(t, "CODE-A", reward.Code)
	assert.Equal(t, loyalty.AccountHolderID("holder-1"), reward.AccountHolderID)
	require.NotNil(t, reward.IssuedDate)
	assert.Equal(t, poolTestNow, *reward.IssuedDate)
	require.NotNil(t, reward.ExpiryDate)
	assert.Equal(t, poolTestNow.AddDate(0, 0, defaultPoolExpiryDays), *reward.ExpiryDate)

	// AND the claim was audited on the task
	audit := queue.Audit(task.ID())
	require.Len(t, audit, 1)
	assert.Equal(t, "claim", audit[0].Label)
	assert.Equal(t, "v-1", audit[0].Response)
}

func TestPoolIssue_ExhaustedPoolIsTerminal(t *testing.T) {
	// GIVEN an empty pool
	store := loyaltystore.NewMemory()
	agent := newPoolAgentForTest(t, store, nil)

	// WHEN a reward is issued
	_, err := agent.IssueReward(context.Background(), IssueRequest{
		CampaignID:      "coffee",
		AccountHolderID: "holder-1",
	}, nil)

	// THEN the failure is terminal, not retryable: an empty pool needs
	// an operator, not a re-queue
	require.ErrorIs(t, err, loyalty.ErrPoolExhausted)
	assert.False(t, IsRetryable(err))
}

func TestPoolIssue_ConfiguredExpiry(t *testing.T) {
	store := loyaltystore.NewMemory()
	store.AddPoolReward("coffee", loyalty.IssuedReward{ID: "v-1", Code: "CODE-A"})
	agent := newPoolAgentForTest(t, store, map[string]string{"expiry_days": "30"})

	reward, err := agent.IssueReward(context.Background(), IssueRequest{
		CampaignID:      "coffee",
		AccountHolderID: "holder-1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, poolTestNow.AddDate(0, 0, 30), *reward.ExpiryDate)
}

func TestPoolAgent_RejectsBadConfig(t *testing.T) {
	store := loyaltystore.NewMemory()

	_, err := NewPoolAgent(map[string]string{"expiry_days": "zero"}, Deps{Pool: store})
	assert.Error(t, err)

	_, err = NewPoolAgent(map[string]string{"expiry_days": "-5"}, Deps{Pool: store})
	assert.Error(t, err)

	_, err = NewPoolAgent(nil, Deps{})
	assert.Error(t, err, "pool dependency is required")
}

func TestPoolAgent_BalanceUnsupported(t *testing.T) {
	agent := newPoolAgentForTest(t, loyaltystore.NewMemory(), nil)
	_, err := agent.FetchBalance(context.Background(), "holder-1")
	assert.ErrorIs(t, err, ErrUnsupported)
}

// =============================================================================
// REGISTRY
// =============================================================================

func TestRegistry_ResolvesBuiltInVariants(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{VariantPartner, VariantPool}, reg.Names())

	agent, err := reg.New(VariantPool, nil, Deps{Pool: loyaltystore.NewMemory()})
	require.NoError(t, err)
	assert.IsType(t, &PoolAgent{}, agent)
}

func TestRegistry_UnknownVariant(t *testing.T) {
	_, err := DefaultRegistry().New("carrier-pigeon", nil, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

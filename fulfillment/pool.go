/*
pool.go - Pre-loaded voucher pool agent

For partners who supply reward codes up front. Issuance claims one
unclaimed, non-deleted row from the pool and stamps issue/expiry dates.
Claiming is a single conditional update (SKIP LOCKED row selection on
SQL stores), so the agent is inherently idempotent with respect to
concurrent claimers and never needs the card-ref/reversal protocol.
*/
package fulfillment

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/tasks"
)

// VariantPool is the registry name of this agent.
const VariantPool = "pool"

const defaultPoolExpiryDays = 365

// PoolAgent claims rewards from a pre-loaded pool.
type PoolAgent struct {
	pool       loyalty.RewardPool
	notifier   Notifier
	expiryDays int

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewPoolAgent is the registry constructor. Optional config key:
// expiry_days (default 365).
func NewPoolAgent(cfg map[string]string, deps Deps) (Agent, error) {
	if deps.Pool == nil {
		return nil, errors.New("pool agent: reward pool dependency is required")
	}
	expiryDays := defaultPoolExpiryDays
	if v := cfg["expiry_days"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return nil, errors.New("pool agent: expiry_days must be a positive integer")
		}
		expiryDays = parsed
	}
	return &PoolAgent{
		pool:       deps.Pool,
		notifier:   deps.Notifier,
		expiryDays: expiryDays,
		Now:        time.Now,
	}, nil
}

func (a *PoolAgent) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *PoolAgent) Open(_ context.Context) error { return nil }
func (a *PoolAgent) Close() error                 { return nil }

func (a *PoolAgent) IssueReward(ctx context.Context, req IssueRequest, task tasks.Task) (*loyalty.IssuedReward, error) {
	issued := a.now()
	expiry := issued.AddDate(0, 0, a.expiryDays)

	reward, err := a.pool.ClaimUnallocated(ctx, req.CampaignID, req.AccountHolderID, issued, expiry)
	if err != nil {
		if errors.Is(err, loyalty.ErrPoolExhausted) {
			// An empty pool is an operator problem, not a transient
			// partner hiccup: fail the task and alert.
			return nil, terminal("claim", 0, err)
		}
		return nil, err
	}

	if task != nil {
		err := task.AppendAudit(ctx, tasks.AuditEntry{
			At:       issued,
			Label:    "claim",
			Request:  string(req.CampaignID) + "/" + string(req.AccountHolderID),
			Response: reward.ID,
		})
		if err != nil {
			return nil, err
		}
	}

	if a.notifier != nil {
		a.notifier.RewardIssued(req.AccountHolderID, *reward, req.Reason)
	}
	return reward, nil
}

// FetchBalance has no partner-side meaning for a pre-loaded pool.
func (a *PoolAgent) FetchBalance(_ context.Context, _ loyalty.AccountHolderID) (int64, error) {
	return 0, ErrUnsupported
}

/*
partner.go - The partner-API issuance saga

PROTOCOL (one task execution attempt):
  1. Ensure a card ref exists in the persisted state. A fresh ref is
     generated and persisted BEFORE any network call - the ref is the
     durable idempotency anchor across crashes and retries.
  2. Obtain a bearer token from the shared cache, or fetch and cache it
     until the partner-reported expiry minus a safety margin. A token
     that arrives already expired is partner clock skew: terminal.
  3. If a previous registration's outcome was ambiguous, reverse it
     first. Reversal success earns a fresh card ref; reversal failure
     propagates WITHOUT clearing the flag so the next execution repeats
     reversal-then-retry rather than risking a duplicate order.
  4. Register against the card ref. Token rejections discard the cached
     token and retry with the SAME ref. At most four register attempts
     per execution; exhausting the budget surfaces a retryable error so
     the outer runtime re-queues the whole task.
  5. On success, persist the reward keyed by the card ref, clear the
     reversal flag, and emit the issued notification.

No database lock is held across any of these network calls. Correctness
comes from the durable card ref plus the compensating reversal, because
the partner call is not under local transactional control.
*/
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/tasks"
)

const (
	// VariantPartner is the registry name of this agent.
	VariantPartner = "partner"

	// tokenCacheKey is the single shared cache slot for the bearer token.
	tokenCacheKey = "fulfillment:partner:token"

	// tokenExpiryMargin is subtracted from the partner-reported expiry
	// so a token never goes stale mid-protocol.
	tokenExpiryMargin = 30 * time.Second

	// maxRegisterAttempts caps register calls per task execution.
	maxRegisterAttempts = 4
)

// PartnerAgent implements the card-ref/reversal issuance saga.
type PartnerAgent struct {
	client   *Client
	cache    TokenCache
	rewards  loyalty.IssuedRewardStore
	notifier Notifier

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewPartnerAgent is the registry constructor. Required config keys:
// base_url, api_key, secret.
func NewPartnerAgent(cfg map[string]string, deps Deps) (Agent, error) {
	baseURL := cfg["base_url"]
	if baseURL == "" {
		return nil, errors.New("partner agent: base_url is required")
	}
	if deps.Cache == nil {
		return nil, errors.New("partner agent: token cache dependency is required")
	}
	if deps.Rewards == nil {
		return nil, errors.New("partner agent: issued reward store dependency is required")
	}
	return &PartnerAgent{
		client:   NewClient(baseURL, cfg["api_key"], cfg["secret"]),
		cache:    deps.Cache,
		rewards:  deps.Rewards,
		notifier: deps.Notifier,
		Now:      time.Now,
	}, nil
}

func (a *PartnerAgent) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *PartnerAgent) Open(_ context.Context) error { return nil }
func (a *PartnerAgent) Close() error                 { return nil }

// =============================================================================
// ISSUANCE
// =============================================================================

func (a *PartnerAgent) IssueReward(ctx context.Context, req IssueRequest, task tasks.Task) (*loyalty.IssuedReward, error) {
	st, err := LoadState(ctx, task)
	if err != nil {
		return nil, err
	}

	// The durable idempotency anchor, persisted before any network call.
	if st.CustomerCardRef == "" {
		st.CustomerCardRef = uuid.NewString()
		if err := SaveState(ctx, task, st); err != nil {
			return nil, err
		}
	}

	rec := &taskRecorder{ctx: ctx, task: task, now: a.now}

	for attempt := 1; attempt <= maxRegisterAttempts; attempt++ {
		token, err := a.token(ctx, rec)
		if err != nil {
			return nil, err
		}

		if st.MightNeedReversal {
			err := a.client.Reverse(ctx, rec, token, a.request(req, st))
			switch {
			case errors.Is(err, errTokenInvalid):
				a.cache.Delete(tokenCacheKey)
				continue
			case err != nil:
				// Flag deliberately NOT cleared: the next execution
				// must repeat reversal-then-retry.
				return nil, err
			}
			st.CustomerCardRef = uuid.NewString()
			st.MightNeedReversal = false
			if err := SaveState(ctx, task, st); err != nil {
				return nil, err
			}
		}

		payload, err := a.client.Register(ctx, rec, token, a.request(req, st))
		switch {
		case err == nil:
			return a.complete(ctx, req, task, st, payload)
		case errors.Is(err, errTokenInvalid):
			a.cache.Delete(tokenCacheKey)
			continue
		case errors.Is(err, errOrderExists):
			// Ambiguous: the previous attempt may have succeeded
			// server-side. Persist the flag first, then reverse on the
			// next loop pass before any further registration.
			st.MightNeedReversal = true
			if err := SaveState(ctx, task, st); err != nil {
				return nil, err
			}
			continue
		default:
			return nil, err
		}
	}

	return nil, retryable("register", 0, ErrRegisterAttemptsExhausted)
}

func (a *PartnerAgent) request(req IssueRequest, st AgentState) RegisterRequest {
	return RegisterRequest{
		CustomerCardRef:  st.CustomerCardRef,
		Reference:        string(req.RewardConfigID),
		TransactionValue: req.Value,
	}
}

func (a *PartnerAgent) complete(ctx context.Context, req IssueRequest, task tasks.Task, st AgentState, payload *RegisterPayload) (*loyalty.IssuedReward, error) {
	issued := a.now()
	reward := loyalty.IssuedReward{
		ID:              uuid.NewString(),
		AccountHolderID: req.AccountHolderID,
		CampaignID:      req.CampaignID,
		Code:            payload.Number,
		IssuedDate:      &issued,
		AssociatedURL:   payload.VoucherURL,
	}
	if payload.ExpiryDate != "" {
		expiry, err := parseNaiveUTC(payload.ExpiryDate)
		if err != nil {
			return nil, terminal("register", 0, fmt.Errorf("unparseable expiry date %q", payload.ExpiryDate))
		}
		reward.ExpiryDate = &expiry
	}

	if err := a.rewards.SaveIssued(ctx, reward, st.CustomerCardRef); err != nil {
		return nil, err
	}
	st.MightNeedReversal = false
	if err := SaveState(ctx, task, st); err != nil {
		return nil, err
	}
	if a.notifier != nil {
		a.notifier.RewardIssued(req.AccountHolderID, reward, req.Reason)
	}
	return &reward, nil
}

// =============================================================================
// TOKEN HANDLING
// =============================================================================

func (a *PartnerAgent) token(ctx context.Context, rec Recorder) (string, error) {
	if v, ok := a.cache.Get(tokenCacheKey); ok {
		return v, nil
	}

	payload, err := a.client.Token(ctx, rec)
	if err != nil {
		return "", err
	}
	expires, err := parseNaiveUTC(payload.Expires)
	if err != nil {
		return "", terminal("token", 0, fmt.Errorf("unparseable token expiry %q", payload.Expires))
	}

	now := a.now()
	if !expires.After(now) {
		return "", terminal("token", 0, ErrTokenExpiredOnReceipt)
	}
	if ttl := expires.Sub(now) - tokenExpiryMargin; ttl > 0 {
		a.cache.Set(tokenCacheKey, payload.Token, ttl)
	}
	return payload.Token, nil
}

// =============================================================================
// PARTNER-SIDE BALANCE
// =============================================================================

func (a *PartnerAgent) FetchBalance(ctx context.Context, holder loyalty.AccountHolderID) (int64, error) {
	token, err := a.token(ctx, nil)
	if err != nil {
		return 0, err
	}
	return a.client.Balance(ctx, nil, token, string(holder))
}

// =============================================================================
// AUDIT BRIDGE
// =============================================================================

type taskRecorder struct {
	ctx  context.Context
	task tasks.Task
	now  func() time.Time
}

func (r *taskRecorder) Record(label, request, response string) {
	err := r.task.AppendAudit(r.ctx, tasks.AuditEntry{
		At:       r.now(),
		Label:    label,
		Request:  request,
		Response: response,
	})
	if err != nil {
		log.Printf("[Fulfillment] audit append failed for task %s: %v", r.task.ID(), err)
	}
}

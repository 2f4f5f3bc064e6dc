/*
Package fulfillment issues physical/voucher rewards through external
partners. Two agent variants implement one capability set:

  - PartnerAgent: talks to a non-transactional partner API using a
    durable idempotency key (the card ref) and an explicit compensating
    reversal when a prior attempt's outcome is ambiguous. See partner.go.
  - PoolAgent: claims codes from a pre-loaded voucher pool with a single
    conditional update. Inherently idempotent; never needs the
    card-ref/reversal protocol. See pool.go.

Variants are registered by name and resolved at configuration time -
there is no dynamic symbol lookup anywhere.
*/
package fulfillment

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/tasks"
)

// =============================================================================
// AGENT CAPABILITY SET
// =============================================================================

// IssueRequest identifies one logical issuance.
type IssueRequest struct {
	CampaignID      loyalty.CampaignID
	AccountHolderID loyalty.AccountHolderID
	RewardConfigID  loyalty.RewardConfigID
	Reason          string

	// Value is the reward's face value, forwarded to the partner.
	Value int64
}

// Agent is the fulfillment capability interface. Open/Close bracket a
// usage session; IssueReward runs one task execution attempt and must
// be safe to re-invoke with the same task after a crash.
type Agent interface {
	Open(ctx context.Context) error
	Close() error

	// IssueReward claims exactly one reward for the request. State it
	// persists on the task makes retries resume rather than duplicate.
	IssueReward(ctx context.Context, req IssueRequest, task tasks.Task) (*loyalty.IssuedReward, error)

	// FetchBalance reports the partner-side balance, where the variant
	// supports it. Pool agents return ErrUnsupported.
	FetchBalance(ctx context.Context, holder loyalty.AccountHolderID) (int64, error)
}

// Notifier receives the "issued" event on successful fulfillment.
type Notifier interface {
	RewardIssued(holder loyalty.AccountHolderID, reward loyalty.IssuedReward, reason string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(holder loyalty.AccountHolderID, reward loyalty.IssuedReward, reason string)

func (f NotifierFunc) RewardIssued(holder loyalty.AccountHolderID, reward loyalty.IssuedReward, reason string) {
	f(holder, reward, reason)
}

// =============================================================================
// REGISTRY - agent variants resolved at configuration time
// =============================================================================

// Deps carries the injected capabilities agents may need.
type Deps struct {
	Cache    TokenCache
	Rewards  loyalty.IssuedRewardStore
	Pool     loyalty.RewardPool
	Notifier Notifier
}

// Constructor builds an agent variant from its configuration block.
type Constructor func(cfg map[string]string, deps Deps) (Agent, error)

// Registry maps variant names to constructors.
type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a variant. Last registration wins, which lets tests
// substitute fakes under production names.
func (r *Registry) Register(name string, c Constructor) {
	r.constructors[name] = c
}

// New resolves a variant by name.
func (r *Registry) New(name string, cfg map[string]string, deps Deps) (Agent, error) {
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown fulfillment agent variant %q (known: %v)", name, r.Names())
	}
	return c(cfg, deps)
}

// Names lists registered variants, sorted for stable error messages.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the built-in variants.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(VariantPartner, NewPartnerAgent)
	r.Register(VariantPool, NewPoolAgent)
	return r
}

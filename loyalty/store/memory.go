// Package store provides in-memory Store implementations for tests and
// development. The staged-commit discipline here mirrors what the SQL
// stores get from real transactions: mutations made inside a lock scope
// are invisible until the scope returns nil.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type key struct {
	Holder   loyalty.AccountHolderID
	Campaign loyalty.CampaignID
}

type Memory struct {
	mu          sync.Mutex
	balances    map[key]loyalty.CampaignBalance
	pending     map[key][]*loyalty.PendingReward // newest-created-first
	adjustments map[key][]loyalty.AdjustmentRecord
	idempotency map[string]bool

	issued       map[string]*loyalty.IssuedReward
	issuedByCard map[string]string // card ref -> reward ID
	pool         map[loyalty.CampaignID][]*loyalty.IssuedReward
}

func NewMemory() *Memory {
	return &Memory{
		balances:     make(map[key]loyalty.CampaignBalance),
		pending:      make(map[key][]*loyalty.PendingReward),
		adjustments:  make(map[key][]loyalty.AdjustmentRecord),
		idempotency:  make(map[string]bool),
		issued:       make(map[string]*loyalty.IssuedReward),
		issuedByCard: make(map[string]string),
		pool:         make(map[loyalty.CampaignID][]*loyalty.IssuedReward),
	}
}

// =============================================================================
// BALANCE LOCK SCOPE
// =============================================================================

// WithBalanceLock serializes all scopes behind one mutex. Coarse, but
// the semantics match the SQL stores: exclusive access, atomic commit.
func (m *Memory) WithBalanceLock(_ context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID, fn func(loyalty.BalanceTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{Holder: holder, Campaign: campaign}
	row, ok := m.balances[k]
	if !ok {
		row = loyalty.CampaignBalance{AccountHolderID: holder, CampaignID: campaign}
	}

	tx := &memTx{
		store:   m,
		key:     k,
		row:     row,
		pending: clonePending(m.pending[k]),
		keys:    make(map[string]bool),
	}

	if err := fn(tx); err != nil {
		return err // staged state discarded
	}

	m.balances[k] = tx.row
	m.pending[k] = tx.pending
	m.adjustments[k] = append(m.adjustments[k], tx.appended...)
	for ik := range tx.keys {
		m.idempotency[ik] = true
	}
	return nil
}

type memTx struct {
	store    *Memory
	key      key
	row      loyalty.CampaignBalance
	pending  []*loyalty.PendingReward
	appended []loyalty.AdjustmentRecord
	keys     map[string]bool
}

func (t *memTx) Balance() (loyalty.CampaignBalance, error) {
	return t.row, nil
}

func (t *memTx) SetBalance(balance int64) error {
	t.row.Balance = balance
	return nil
}

func (t *memTx) SetResetDate(at *time.Time) error {
	t.row.ResetDate = at
	return nil
}

func (t *memTx) PendingRewards() ([]*loyalty.PendingReward, error) {
	return t.pending, nil
}

func (t *memTx) InsertPendingReward(p *loyalty.PendingReward) error {
	// Prepend keeps the slice newest-created-first.
	cp := *p
	t.pending = append([]*loyalty.PendingReward{&cp}, t.pending...)
	return nil
}

func (t *memTx) UpdatePendingReward(p *loyalty.PendingReward) error {
	for i, existing := range t.pending {
		if existing.ID == p.ID {
			cp := *p
			t.pending[i] = &cp
			return nil
		}
	}
	return loyalty.ErrPendingRewardNotFound
}

func (t *memTx) DeletePendingReward(id string) error {
	for i, existing := range t.pending {
		if existing.ID == id {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return nil
		}
	}
	return loyalty.ErrPendingRewardNotFound
}

func (t *memTx) AppendAdjustment(rec loyalty.AdjustmentRecord) error {
	if rec.IdempotencyKey != "" {
		if t.store.idempotency[rec.IdempotencyKey] || t.keys[rec.IdempotencyKey] {
			return loyalty.ErrDuplicateIdempotencyKey
		}
		t.keys[rec.IdempotencyKey] = true
	}
	t.appended = append(t.appended, rec)
	return nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (m *Memory) Balance(_ context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) (loyalty.CampaignBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.balances[key{Holder: holder, Campaign: campaign}]
	if !ok {
		return loyalty.CampaignBalance{}, loyalty.ErrBalanceNotFound
	}
	return row, nil
}

func (m *Memory) Adjustments(_ context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.AdjustmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.adjustments[key{Holder: holder, Campaign: campaign}]
	out := make([]loyalty.AdjustmentRecord, len(src))
	copy(out, src)
	return out, nil
}

func (m *Memory) PendingRewards(_ context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.PendingReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.pending[key{Holder: holder, Campaign: campaign}]
	out := make([]loyalty.PendingReward, 0, len(src))
	for _, p := range src {
		out = append(out, *p)
	}
	return out, nil
}

// =============================================================================
// DUE SCANNING
// =============================================================================

func (m *Memory) DuePendingRewards(_ context.Context, now time.Time) ([]loyalty.PendingReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []loyalty.PendingReward
	for _, rows := range m.pending {
		for _, p := range rows {
			if !p.ConversionDate.After(now) {
				due = append(due, *p)
			}
		}
	}
	return due, nil
}

func (m *Memory) DueResets(_ context.Context, now time.Time) ([]loyalty.CampaignBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []loyalty.CampaignBalance
	for _, row := range m.balances {
		if row.ResetDate != nil && !row.ResetDate.After(now) {
			due = append(due, row)
		}
	}
	return due, nil
}

// =============================================================================
// ISSUED REWARDS + POOL
// =============================================================================

// SaveIssued is idempotent on the card ref: a retry that lost the first
// response must not create a second reward.
func (m *Memory) SaveIssued(_ context.Context, reward loyalty.IssuedReward, cardRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issuedByCard[cardRef]; ok {
		return nil
	}
	cp := reward
	m.issued[reward.ID] = &cp
	m.issuedByCard[cardRef] = reward.ID
	return nil
}

func (m *Memory) IssuedRewards(_ context.Context, holder loyalty.AccountHolderID, campaign loyalty.CampaignID) ([]loyalty.IssuedReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []loyalty.IssuedReward
	for _, r := range m.issued {
		if r.AccountHolderID == holder && r.CampaignID == campaign {
			out = append(out, *r)
		}
	}
	for _, r := range m.pool[campaign] {
		if r.AccountHolderID == holder {
			out = append(out, *r)
		}
	}
	return out, nil
}

// AddPoolReward seeds one pre-loaded voucher into a campaign's pool.
func (m *Memory) AddPoolReward(campaign loyalty.CampaignID, reward loyalty.IssuedReward) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := reward
	cp.CampaignID = campaign
	m.pool[campaign] = append(m.pool[campaign], &cp)
}

func (m *Memory) ClaimUnallocated(_ context.Context, campaign loyalty.CampaignID, holder loyalty.AccountHolderID, issued, expiry time.Time) (*loyalty.IssuedReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.pool[campaign] {
		if r.AccountHolderID != "" || r.Deleted {
			continue
		}
		r.AccountHolderID = holder
		i, e := issued, expiry
		r.IssuedDate = &i
		r.ExpiryDate = &e
		cp := *r
		return &cp, nil
	}
	return nil, loyalty.ErrPoolExhausted
}

func clonePending(src []*loyalty.PendingReward) []*loyalty.PendingReward {
	out := make([]*loyalty.PendingReward, 0, len(src))
	for _, p := range src {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

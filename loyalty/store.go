/*
store.go - Persistence interfaces for the loyalty engine

PURPOSE:
  Defines the boundary between the engine and the database. The central
  contract is WithBalanceLock: one exclusive per-row lock scoped to one
  transaction's processing. Everything mutated inside the scope commits
  together or not at all - that is the pipeline's atomicity boundary.

LOCKING:
  - Exactly one balance row per (account holder, campaign).
  - The row is never read or written outside the lock scope.
  - Campaigns of the same holder lock independently and may be processed
    out of order relative to each other.

ADJUSTMENT LEDGER:
  Append-only. No Update, no Delete. Idempotency keys reject replays of
  the same external transaction.

IMPLEMENTATIONS:
  - loyalty/store (memory.go): In-memory, for tests and development
  - store/sqlite: Embedded single-node persistence
  - store/postgres: SELECT ... FOR UPDATE row locking via pgx
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// STORE - lock-scoped access to one campaign balance
// =============================================================================

// Store is the persistence boundary the pipeline runs against.
type Store interface {
	// WithBalanceLock runs fn while holding the exclusive lock for the
	// (holder, campaign) balance row, creating the row at zero if it
	// does not exist. Mutations made through the BalanceTx commit
	// together when fn returns nil and roll back otherwise.
	WithBalanceLock(ctx context.Context, holder AccountHolderID, campaign CampaignID, fn func(BalanceTx) error) error

	// Balance reads a balance row outside any lock, for display only.
	Balance(ctx context.Context, holder AccountHolderID, campaign CampaignID) (CampaignBalance, error)

	// Adjustments returns the append-only ledger for one balance,
	// chronologically. Read-only.
	Adjustments(ctx context.Context, holder AccountHolderID, campaign CampaignID) ([]AdjustmentRecord, error)

	// PendingRewards lists a balance's pending rewards outside any
	// lock, newest-created-first. For display only.
	PendingRewards(ctx context.Context, holder AccountHolderID, campaign CampaignID) ([]PendingReward, error)
}

// BalanceTx is the mutation surface available inside one lock scope.
type BalanceTx interface {
	// Balance returns the locked row.
	Balance() (CampaignBalance, error)

	// SetBalance replaces the locked row's balance.
	SetBalance(balance int64) error

	// SetResetDate replaces the locked row's periodic-reset date.
	SetResetDate(at *time.Time) error

	// PendingRewards returns the balance's pending rewards ordered
	// newest-created-first, as required by the absorption walk.
	PendingRewards() ([]*PendingReward, error)

	// InsertPendingReward adds a new bundle.
	InsertPendingReward(p *PendingReward) error

	// UpdatePendingReward persists count/cost mutations.
	UpdatePendingReward(p *PendingReward) error

	// DeletePendingReward removes a fully consumed or converted bundle.
	DeletePendingReward(id string) error

	// AppendAdjustment writes one ledger entry. Fails with
	// ErrDuplicateIdempotencyKey if the key was already used.
	AppendAdjustment(rec AdjustmentRecord) error
}

// =============================================================================
// ISSUANCE-SIDE STORES
// =============================================================================

// DueScanner finds work for the issuance dispatcher.
type DueScanner interface {
	// DuePendingRewards returns pending rewards whose conversion date
	// has passed, across all holders and campaigns.
	DuePendingRewards(ctx context.Context, now time.Time) ([]PendingReward, error)

	// DueResets returns balances whose periodic reset date has passed.
	DueResets(ctx context.Context, now time.Time) ([]CampaignBalance, error)
}

// IssuedRewardStore persists rewards delivered by a fulfillment partner.
type IssuedRewardStore interface {
	// SaveIssued persists a reward keyed by the partner idempotency
	// reference (card ref). Saving the same card ref twice must not
	// create a second row.
	SaveIssued(ctx context.Context, reward IssuedReward, cardRef string) error

	// IssuedRewards lists a holder's rewards for one campaign.
	IssuedRewards(ctx context.Context, holder AccountHolderID, campaign CampaignID) ([]IssuedReward, error)
}

// RewardPool claims pre-loaded voucher rows.
type RewardPool interface {
	// ClaimUnallocated atomically claims one unclaimed, non-deleted
	// reward from the campaign's pool, stamping issue and expiry dates.
	// Returns ErrPoolExhausted when nothing is left. Claiming is a
	// single conditional update, so it is inherently idempotent with
	// respect to concurrent claimers; matching more than one row is an
	// IntegrityError.
	ClaimUnallocated(ctx context.Context, campaign CampaignID, holder AccountHolderID, issued, expiry time.Time) (*IssuedReward, error)
}

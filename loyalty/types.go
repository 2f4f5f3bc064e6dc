/*
Package loyalty provides the core transaction-to-balance-to-reward engine.

PURPOSE:
  This package contains the domain types and algorithms for operating a
  retailer loyalty program: converting transactions into balance
  adjustments, detecting when a reward goal is met, holding earned reward
  units through a cooling-off window, and clawing value back when a
  transaction is refunded.

KEY CONCEPTS IN THIS FILE (types.go):
  - CampaignBalance: One signed integer balance per (account holder, campaign)
  - EarnRule / RewardRule: Per-campaign earning and reward parameters
  - PendingReward: A bundle of reward units waiting out the cooling window
  - IssuedReward: A physical/virtual reward delivered by a fulfillment partner
  - AdjustmentRecord: An immutable ledger entry for every balance change

DESIGN PRINCIPLES:
  1. Integer money: Balances are int64 minor currency units (or stamp
     units). decimal.Decimal is used only for rational scaling factors.
  2. Purity: Earn calculation, reward evaluation, and refund absorption
     are pure functions; persistence happens at the edges.
  3. Auditability: Every balance delta is recorded with reason, reference
     and idempotency key.
  4. Type Safety: Strong typing for IDs prevents mixing holder/campaign IDs.

SEE ALSO:
  - earn.go: Transaction amount -> balance delta
  - evaluate.go: Balance -> reward units earned
  - absorb.go: Refund shortfall absorption
  - pipeline.go: The locked per-transaction processing unit
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountHolderID string
type CampaignID string
type RewardConfigID string

// =============================================================================
// LOYALTY MODEL
// =============================================================================

// Model selects how a campaign converts transactions into balance.
type Model string

const (
	// ModelStamps awards a fixed increment per qualifying transaction,
	// e.g. one stamp per coffee. Refunds are never reward-eligible.
	ModelStamps Model = "stamps"

	// ModelAccumulator accrues a scaled share of the transaction amount,
	// e.g. one point per pound spent. Refunds claw value back, but only
	// when a cooling-off window exists to claw it back from.
	ModelAccumulator Model = "accumulator"
)

// =============================================================================
// CAMPAIGN RULES
// =============================================================================

// EarnRule holds the per-campaign earning parameters.
type EarnRule struct {
	// Threshold is the minimum transaction magnitude that earns anything.
	Threshold int64

	// Increment is the fixed stamps-model award. Mutually exclusive with
	// accumulator-style scaling of the transaction amount.
	Increment int64

	// IncrementMultiplier scales the award. Rational, so 0.5 points per
	// unit spent is expressible without floating point drift.
	IncrementMultiplier decimal.Decimal

	// MaxAmount caps the absolute adjustment from one transaction.
	// Zero means unlimited.
	MaxAmount int64
}

// RewardRule holds the per-campaign reward parameters.
type RewardRule struct {
	// RewardGoal is the balance needed per reward unit.
	RewardGoal int64

	// AllocationWindowDays is how long a pending reward waits before it
	// is converted to an issued reward. Zero means immediate issuance,
	// which is not supported by the pipeline (see pipeline.go).
	AllocationWindowDays int

	// RewardCap limits reward units attributable to a single transaction.
	// Nil means uncapped.
	RewardCap *int64
}

// CampaignStatus drives whether transactions and issuance are processed.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignEnded     CampaignStatus = "ended"
)

// Campaign bundles the rules the pipeline needs. CRUD around campaigns
// lives outside this package; the engine only reads these fields.
type Campaign struct {
	ID     CampaignID
	Name   string
	Status CampaignStatus
	Model  Model
	Earn   EarnRule
	Reward RewardRule

	// RewardConfigID identifies the fulfillment configuration used when
	// pending rewards convert to issued rewards.
	RewardConfigID RewardConfigID

	// ResetIntervalDays, when non-zero, zeroes balances periodically
	// (use-it-or-lose-it campaigns). Zero disables resets.
	ResetIntervalDays int
}

// Terminated reports whether the campaign no longer accepts work.
func (c Campaign) Terminated() bool {
	return c.Status == CampaignCancelled || c.Status == CampaignEnded
}

// =============================================================================
// CAMPAIGN BALANCE
// =============================================================================

// CampaignBalance is the single mutable row per (account holder, campaign).
// It is only ever read or written inside the exclusive lock scope provided
// by Store.WithBalanceLock.
type CampaignBalance struct {
	AccountHolderID AccountHolderID
	CampaignID      CampaignID
	Balance         int64
	ResetDate       *time.Time
}

// =============================================================================
// PENDING REWARD - earned units waiting out the cooling-off window
// =============================================================================

// PendingReward is a bundle of reward units earned by one transaction,
// held until ConversionDate so that refunds can still claw value back.
type PendingReward struct {
	ID              string
	AccountHolderID AccountHolderID
	CampaignID      CampaignID
	CreatedDate     time.Time
	ConversionDate  time.Time

	// Value is the reward goal at creation time.
	Value int64

	// Count is the number of reward units bundled.
	Count int64

	// TotalCostToUser is the balance actually withheld to back the
	// bundle. May exceed Count*Value when a transaction cap forced the
	// whole contribution to be withheld; the excess is slush.
	TotalCostToUser int64
}

// TotalValue is the strict principal backing the bundled units.
func (p *PendingReward) TotalValue() int64 {
	return p.Count * p.Value
}

// Slush is the non-negative headroom above principal. Slush absorbs
// refunds without destroying reward units.
func (p *PendingReward) Slush() int64 {
	s := p.TotalCostToUser - p.TotalValue()
	if s < 0 {
		return 0
	}
	return s
}

// =============================================================================
// ISSUED REWARD
// =============================================================================

// RewardStatus is always derived from the row's fields, never stored.
type RewardStatus string

const (
	RewardUnallocated RewardStatus = "unallocated"
	RewardIssued      RewardStatus = "issued"
	RewardRedeemed    RewardStatus = "redeemed"
	RewardCancelled   RewardStatus = "cancelled"
	RewardExpired     RewardStatus = "expired"
)

// IssuedReward is one physical/voucher reward. Rows are created exactly
// once per completed issuance, or pre-loaded into a pool and claimed.
type IssuedReward struct {
	ID              string
	AccountHolderID AccountHolderID
	CampaignID      CampaignID
	Code            string
	IssuedDate      *time.Time
	ExpiryDate      *time.Time
	AssociatedURL   string
	RedeemedDate    *time.Time
	CancelledDate   *time.Time
	Deleted         bool
}

// Status derives the reward lifecycle state at the given instant.
func (r *IssuedReward) Status(now time.Time) RewardStatus {
	switch {
	case r.CancelledDate != nil:
		return RewardCancelled
	case r.RedeemedDate != nil:
		return RewardRedeemed
	case r.IssuedDate == nil || r.AccountHolderID == "":
		return RewardUnallocated
	case r.ExpiryDate != nil && r.ExpiryDate.Before(now):
		return RewardExpired
	default:
		return RewardIssued
	}
}

// =============================================================================
// ADJUSTMENT LEDGER ENTRY - immutable record of every balance change
// =============================================================================

type AdjustmentType string

const (
	AdjustEarn     AdjustmentType = "earn"     // Positive transaction accrual
	AdjustRefund   AdjustmentType = "refund"   // Refund claw-back
	AdjustWithhold AdjustmentType = "withhold" // Cost basis moved into a pending reward
	AdjustCredit   AdjustmentType = "credit"   // Residual credited back during absorption
	AdjustReset    AdjustmentType = "reset"    // Periodic balance reset
)

// AdjustmentRecord is an append-only ledger entry. Corrections are made
// via compensating entries, never edits.
type AdjustmentRecord struct {
	ID              string
	AccountHolderID AccountHolderID
	CampaignID      CampaignID
	Delta           int64
	Type            AdjustmentType

	// ReferenceID links back to the external transaction or pending
	// reward that caused the change.
	ReferenceID string

	Reason         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// TRANSACTION - the external input to the pipeline
// =============================================================================

// Transaction is one retail transaction submitted for processing.
// Amount is signed: negative means a refund/reversal.
type Transaction struct {
	// ID is the external transaction identifier. It doubles as the
	// idempotency key: replaying the same ID is rejected.
	ID              string
	AccountHolderID AccountHolderID
	CampaignID      CampaignID
	Amount          int64
	OccurredAt      time.Time
}

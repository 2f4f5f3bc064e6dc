/*
pipeline.go - The locked per-transaction processing unit

PURPOSE:
  Processes one transaction end to end: earn/refund calculation, balance
  update, reward evaluation, pending-reward creation, and - on refunds -
  shortfall absorption. Everything after the calculation runs inside one
  exclusive balance-row lock and commits atomically.

FLOW:
  transaction -> ComputeAdjustment
    not eligible  -> return the rejection, no lock taken, no side effects
    positive      -> lock: balance += delta; EvaluateReward; maybe create
                     pending reward and withhold its cost basis
    refund        -> lock: covered by balance? simple decrement.
                     otherwise the whole magnitude goes through the
                     absorption waterfall (absorb.go)

IDEMPOTENCY:
  The external transaction ID is the idempotency key on the first ledger
  entry written inside the lock. A replayed ID aborts the scope before
  any mutation commits.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor runs the transaction-to-balance-to-reward pipeline.
type Processor struct {
	Store Store

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

func NewProcessor(store Store) *Processor {
	return &Processor{Store: store, Now: time.Now}
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// ProcessResult is the structured outcome handed back to the caller.
type ProcessResult struct {
	TransactionID string
	Adjustment    AdjustmentResult

	// NewBalance is only meaningful when Adjustment.Eligible is true.
	NewBalance int64

	// Pending is the reward bundle created by this transaction, if any.
	Pending *PendingReward

	// Refund carries the absorption audit when a refund could not be
	// covered by the balance alone. Refund.NotRecouped distinguishes a
	// fully recouped refund from one the program partially ate.
	Refund *AbsorptionReport
}

// Process runs one transaction. Business rejections come back inside the
// result, not as errors. Errors mean nothing was committed.
func (p *Processor) Process(ctx context.Context, campaign Campaign, txn Transaction) (*ProcessResult, error) {
	if campaign.Terminated() {
		return nil, fmt.Errorf("campaign %s: %w", campaign.ID, ErrCampaignTerminated)
	}

	result := &ProcessResult{TransactionID: txn.ID}
	result.Adjustment = ComputeAdjustment(txn.Amount, campaign.Model, campaign.Earn, campaign.Reward)
	if !result.Adjustment.Eligible {
		return result, nil
	}

	err := p.Store.WithBalanceLock(ctx, txn.AccountHolderID, campaign.ID, func(tx BalanceTx) error {
		if result.Adjustment.Amount >= 0 {
			return p.applyEarn(tx, campaign, txn, result)
		}
		return p.applyRefund(tx, campaign, txn, result)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, &DuplicateTransactionError{
				TransactionID:   txn.ID,
				AccountHolderID: txn.AccountHolderID,
				CampaignID:      campaign.ID,
			}
		}
		return nil, err
	}
	return result, nil
}

// =============================================================================
// EARN PATH
// =============================================================================

func (p *Processor) applyEarn(tx BalanceTx, campaign Campaign, txn Transaction, result *ProcessResult) error {
	row, err := tx.Balance()
	if err != nil {
		return err
	}
	now := p.now()

	if err := stampResetDate(tx, campaign, row, now); err != nil {
		return err
	}

	if err := tx.AppendAdjustment(AdjustmentRecord{
		ID:              uuid.NewString(),
		AccountHolderID: txn.AccountHolderID,
		CampaignID:      campaign.ID,
		Delta:           result.Adjustment.Amount,
		Type:            AdjustEarn,
		ReferenceID:     txn.ID,
		Reason:          result.Adjustment.Reason,
		IdempotencyKey:  txn.ID,
		CreatedAt:       now,
	}); err != nil {
		return err
	}

	newBalance := row.Balance + result.Adjustment.Amount
	eval := EvaluateReward(newBalance, result.Adjustment.Amount, campaign.Reward)

	if eval.Count > 0 {
		if campaign.Reward.AllocationWindowDays <= 0 {
			// Goal met on a campaign configured for immediate issuance.
			// That path has no defined behavior yet; abort the scope.
			return fmt.Errorf("campaign %s: %w", campaign.ID, ErrImmediateIssuance)
		}

		pending := &PendingReward{
			ID:              uuid.NewString(),
			AccountHolderID: txn.AccountHolderID,
			CampaignID:      campaign.ID,
			CreatedDate:     now,
			ConversionDate:  now.AddDate(0, 0, campaign.Reward.AllocationWindowDays),
			Value:           campaign.Reward.RewardGoal,
			Count:           eval.Count,
			TotalCostToUser: eval.CostBasis,
		}
		if err := tx.InsertPendingReward(pending); err != nil {
			return err
		}
		if err := tx.AppendAdjustment(AdjustmentRecord{
			ID:              uuid.NewString(),
			AccountHolderID: txn.AccountHolderID,
			CampaignID:      campaign.ID,
			Delta:           -eval.CostBasis,
			Type:            AdjustWithhold,
			ReferenceID:     pending.ID,
			Reason:          fmt.Sprintf("withheld for %d reward unit(s)", eval.Count),
			IdempotencyKey:  txn.ID + ":withhold",
			CreatedAt:       now,
		}); err != nil {
			return err
		}
		newBalance -= eval.CostBasis
		result.Pending = pending
	}

	result.NewBalance = newBalance
	return tx.SetBalance(newBalance)
}

// stampResetDate schedules the first periodic reset when a balance row
// sees its first activity on a campaign with a reset interval.
func stampResetDate(tx BalanceTx, campaign Campaign, row CampaignBalance, now time.Time) error {
	if campaign.ResetIntervalDays <= 0 || row.ResetDate != nil {
		return nil
	}
	first := now.AddDate(0, 0, campaign.ResetIntervalDays)
	return tx.SetResetDate(&first)
}

// =============================================================================
// REFUND PATH
// =============================================================================

func (p *Processor) applyRefund(tx BalanceTx, campaign Campaign, txn Transaction, result *ProcessResult) error {
	row, err := tx.Balance()
	if err != nil {
		return err
	}
	now := p.now()
	magnitude := -result.Adjustment.Amount

	if err := stampResetDate(tx, campaign, row, now); err != nil {
		return err
	}

	if err := tx.AppendAdjustment(AdjustmentRecord{
		ID:              uuid.NewString(),
		AccountHolderID: txn.AccountHolderID,
		CampaignID:      campaign.ID,
		Delta:           result.Adjustment.Amount,
		Type:            AdjustRefund,
		ReferenceID:     txn.ID,
		Reason:          result.Adjustment.Reason,
		IdempotencyKey:  txn.ID,
		CreatedAt:       now,
	}); err != nil {
		return err
	}

	// Covered by balance alone: the common case.
	if row.Balance >= magnitude {
		result.NewBalance = row.Balance - magnitude
		return tx.SetBalance(result.NewBalance)
	}

	// Shortfall: the whole magnitude goes through the waterfall, which
	// prefers slush over balance so progress toward the next reward is
	// preserved where possible.
	rows, err := tx.PendingRewards()
	if err != nil {
		return err
	}

	newBalance, report := AbsorbShortfall(magnitude, row.Balance, rows)

	byID := make(map[string]*PendingReward, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	deleted := make(map[string]bool, len(report.Removals))
	for _, rem := range report.Removals {
		if rem.Deleted {
			deleted[rem.PendingRewardID] = true
			if err := tx.DeletePendingReward(rem.PendingRewardID); err != nil {
				return err
			}
		}
	}
	touched := make(map[string]bool)
	for _, adj := range report.CostAdjustments {
		touched[adj.PendingRewardID] = true
	}
	for _, rem := range report.Removals {
		touched[rem.PendingRewardID] = true
	}
	for id := range touched {
		if deleted[id] {
			continue
		}
		if err := tx.UpdatePendingReward(byID[id]); err != nil {
			return err
		}
	}

	if report.BalanceCredited > 0 {
		if err := tx.AppendAdjustment(AdjustmentRecord{
			ID:              uuid.NewString(),
			AccountHolderID: txn.AccountHolderID,
			CampaignID:      campaign.ID,
			Delta:           report.BalanceCredited,
			Type:            AdjustCredit,
			ReferenceID:     txn.ID,
			Reason:          "sub-unit remainder returned during refund absorption",
			IdempotencyKey:  txn.ID + ":credit",
			CreatedAt:       now,
		}); err != nil {
			return err
		}
	}

	result.NewBalance = newBalance
	result.Refund = &report
	return tx.SetBalance(newBalance)
}

// =============================================================================
// PERIODIC RESETS
// =============================================================================

// SweepResets zeroes balances whose reset date has passed and advances
// the date by the campaign's reset interval. Campaigns without an
// interval are left alone. Returns the number of balances reset.
func (p *Processor) SweepResets(ctx context.Context, scanner DueScanner, campaigns map[CampaignID]Campaign) (int, error) {
	now := p.now()
	due, err := scanner.DueResets(ctx, now)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, row := range due {
		campaign, ok := campaigns[row.CampaignID]
		if !ok || campaign.ResetIntervalDays <= 0 || campaign.Terminated() {
			continue
		}
		err := p.Store.WithBalanceLock(ctx, row.AccountHolderID, row.CampaignID, func(tx BalanceTx) error {
			current, err := tx.Balance()
			if err != nil {
				return err
			}
			// Re-check under the lock: a concurrent sweep or an admin
			// edit may have moved the date.
			if current.ResetDate == nil || current.ResetDate.After(now) {
				return nil
			}
			if current.Balance != 0 {
				if err := tx.AppendAdjustment(AdjustmentRecord{
					ID:              uuid.NewString(),
					AccountHolderID: row.AccountHolderID,
					CampaignID:      row.CampaignID,
					Delta:           -current.Balance,
					Type:            AdjustReset,
					Reason:          "periodic balance reset",
					IdempotencyKey:  fmt.Sprintf("reset:%s:%s:%s", row.AccountHolderID, row.CampaignID, current.ResetDate.Format("2006-01-02")),
					CreatedAt:       now,
				}); err != nil {
					return err
				}
				if err := tx.SetBalance(0); err != nil {
					return err
				}
			}
			next := current.ResetDate.AddDate(0, 0, campaign.ResetIntervalDays)
			return tx.SetResetDate(&next)
		})
		if err != nil && !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return reset, err
		}
		if err == nil {
			reset++
		}
	}
	return reset, nil
}

/*
absorb.go - Refund shortfall absorption

PURPOSE:
  When a refund cannot be covered by simply decrementing the balance,
  the shortfall is absorbed from previously-earned value in a strict
  multi-tier order:

    1. Single-row slush: one pending reward whose slush covers the whole
       shortfall (newest such row wins).
    2. Collective slush: walk rows newest-first, draining slush.
    3. Balance, down to zero.
    4. Pending-reward principal: reduce unit counts, crediting any
       sub-unit remainder back to the balance.
    5. Whatever remains is reported as "not recouped" - an observable
       first-class outcome, never retried automatically.

  The walk order is always newest-created-first: recent earnings are the
  most likely to belong to the refunded purchase.

AUDIT:
  Every row whose cost basis changed reports a before/after pair; every
  row deleted or count-reduced reports the identifier and units removed.

CONCURRENCY:
  Callers must run this inside the same lock scope as the balance read
  that discovered the shortfall. The function itself only mutates the
  rows it is handed.
*/
package loyalty

// =============================================================================
// AUDIT REPORT
// =============================================================================

// CostAdjustment records a slush consumption against one pending reward.
type CostAdjustment struct {
	PendingRewardID string
	Before          int64
	After           int64
}

// RewardRemoval records units destroyed from one pending reward.
type RewardRemoval struct {
	PendingRewardID string
	UnitsRemoved    int64
	Deleted         bool
}

// AbsorptionReport is the full account of how a shortfall was absorbed.
type AbsorptionReport struct {
	Shortfall       int64
	BalanceConsumed int64
	BalanceCredited int64
	CostAdjustments []CostAdjustment
	Removals        []RewardRemoval

	// NotRecouped is the residual the program ate. Non-zero means the
	// refund exceeded everything that could be clawed back.
	NotRecouped int64
}

// FullyRecouped reports whether the whole shortfall was absorbed.
func (r *AbsorptionReport) FullyRecouped() bool {
	return r.NotRecouped == 0
}

// =============================================================================
// ABSORPTION
// =============================================================================

// AbsorbShortfall absorbs a positive shortfall from the given pending
// rewards and balance. rows must be ordered newest-created-first and are
// mutated in place; deletions are signaled via the report, which the
// caller persists. Returns the new balance and the audit report.
func AbsorbShortfall(shortfall int64, balance int64, rows []*PendingReward) (int64, AbsorptionReport) {
	report := AbsorptionReport{Shortfall: shortfall}
	remaining := shortfall

	// Tier 1: a single row whose slush covers everything.
	for _, row := range rows {
		if row.Slush() >= remaining {
			report.CostAdjustments = append(report.CostAdjustments, consumeSlush(row, remaining))
			return balance, report
		}
	}

	// Tier 2: drain slush collectively, newest first. Once earlier rows
	// shrink the remainder, a later row's slush may cover it outright.
	for _, row := range rows {
		slush := row.Slush()
		if slush == 0 {
			continue
		}
		if slush >= remaining {
			report.CostAdjustments = append(report.CostAdjustments, consumeSlush(row, remaining))
			return balance, report
		}
		report.CostAdjustments = append(report.CostAdjustments, consumeSlush(row, slush))
		remaining -= slush
	}

	// Tier 3: balance, down to zero.
	if remaining > 0 && balance > 0 {
		take := balance
		if take > remaining {
			take = remaining
		}
		balance -= take
		remaining -= take
		report.BalanceConsumed = take
	}

	// Tier 4: destroy pending-reward principal.
	for _, row := range rows {
		if remaining == 0 {
			break
		}
		totalValue := row.TotalValue()
		if totalValue == 0 {
			continue
		}
		rest := totalValue - remaining
		if rest > 0 {
			// Row survives partially: leftover below one unit goes back
			// to the balance, slush is forfeited.
			newCount := rest / row.Value
			leftover := rest % row.Value
			balance += leftover
			report.BalanceCredited += leftover
			report.Removals = append(report.Removals, RewardRemoval{
				PendingRewardID: row.ID,
				UnitsRemoved:    row.Count - newCount,
				Deleted:         newCount == 0,
			})
			row.Count = newCount
			row.TotalCostToUser = newCount * row.Value
			remaining = 0
			break
		}
		// Row fully consumed.
		report.Removals = append(report.Removals, RewardRemoval{
			PendingRewardID: row.ID,
			UnitsRemoved:    row.Count,
			Deleted:         true,
		})
		row.Count = 0
		row.TotalCostToUser = 0
		remaining -= totalValue
	}

	report.NotRecouped = remaining
	return balance, report
}

func consumeSlush(row *PendingReward, amount int64) CostAdjustment {
	before := row.TotalCostToUser
	row.TotalCostToUser -= amount
	return CostAdjustment{PendingRewardID: row.ID, Before: before, After: row.TotalCostToUser}
}

/*
evaluate.go - Reward Evaluator

PURPOSE:
  Given the balance after an adjustment, decides how many reward units
  were earned and what cost basis backs them. Pure function; the pipeline
  applies the result (creating the pending reward and withholding the
  cost basis from the balance) inside the lock scope.

TRANSACTION CAP ASYMMETRY:
  When the per-transaction reward cap fires, the cost basis withheld is
  the RAW adjustment amount rather than count*goal. A single huge
  transaction can only ever fund RewardCap units from that one
  transaction, and the amount withheld equals what that transaction
  actually contributed. The excess over count*goal becomes slush on the
  pending reward, usable later to absorb refunds without destroying
  units (see absorb.go).
*/
package loyalty

// Evaluation is the reward evaluator's outcome.
type Evaluation struct {
	// Count is the number of reward units earned. Zero means the goal
	// was not met.
	Count int64

	// CostBasis is the balance to withhold to back the units.
	CostBasis int64

	// CapReached records that the per-transaction cap clamped Count.
	CapReached bool
}

// EvaluateReward maps (new balance, adjustment, reward rule) to a count
// of reward units earned, honoring the per-transaction cap.
func EvaluateReward(newBalance, adjustment int64, rule RewardRule) Evaluation {
	if rule.RewardGoal <= 0 || newBalance < rule.RewardGoal {
		return Evaluation{}
	}

	n := newBalance / rule.RewardGoal

	if rule.RewardCap != nil && (n > *rule.RewardCap || adjustment > *rule.RewardCap*rule.RewardGoal) {
		return Evaluation{
			Count:      *rule.RewardCap,
			CostBasis:  adjustment,
			CapReached: true,
		}
	}

	return Evaluation{Count: n, CostBasis: n * rule.RewardGoal}
}

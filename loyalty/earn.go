/*
earn.go - Earn/Refund Calculator

PURPOSE:
  Maps an incoming transaction amount to a balance delta under the two
  loyalty models. This is a pure function: no history, no ordering, no
  side effects. A transaction that is not reward-eligible is a valid
  outcome (a business rejection), not an error.

ROUNDING:
  Scaled adjustments use round-half-to-even (bankers rounding) via
  decimal.RoundBank. The policy is pinned here and tested, because the
  choice is visible at the cent level in the ledger.

REFUND ELIGIBILITY:
  Refunds claw value back from the cooling-off window, so a refund is
  only eligible when the campaign has a non-zero allocation window.
  Without one there is nothing to claw back from and the refund is
  rejected outright.

SEE ALSO:
  - evaluate.go: Turns the new balance into reward units
  - pipeline.go: Applies the adjustment under the balance lock
*/
package loyalty

import "github.com/shopspring/decimal"

// =============================================================================
// ADJUSTMENT RESULT
// =============================================================================

// Rejection reasons surfaced to callers. These are descriptive result
// strings, not errors: the transaction was simply not reward-eligible.
const (
	ReasonThresholdNotMet    = "Threshold not met"
	ReasonRefundsNotAccepted = "Refunds not accepted"
	ReasonRefundAccepted     = "Refund accepted"
	ReasonEarned             = "Transaction earned"
	ReasonEarnCapped         = "Adjustment capped at max amount"
)

// AdjustmentResult is the outcome of the earn/refund calculation.
// Eligible=false means no balance change of any kind.
type AdjustmentResult struct {
	Amount   int64
	Eligible bool
	Reason   string
}

func noAdjustment(reason string) AdjustmentResult {
	return AdjustmentResult{Eligible: false, Reason: reason}
}

func adjustment(amount int64, reason string) AdjustmentResult {
	return AdjustmentResult{Amount: amount, Eligible: true, Reason: reason}
}

// =============================================================================
// CALCULATOR
// =============================================================================

// ComputeAdjustment maps (transaction amount, loyalty model, rules) to a
// balance delta, or to "no adjustment". Pure function of its inputs.
func ComputeAdjustment(amount int64, model Model, earn EarnRule, reward RewardRule) AdjustmentResult {
	switch model {
	case ModelStamps:
		return computeStamps(amount, earn)
	case ModelAccumulator:
		return computeAccumulator(amount, earn, reward)
	default:
		return noAdjustment("Unknown loyalty model")
	}
}

func computeStamps(amount int64, earn EarnRule) AdjustmentResult {
	// Stamps never claw back: a refunded coffee keeps its stamp.
	if amount < 0 {
		return noAdjustment(ReasonRefundsNotAccepted)
	}
	if amount < earn.Threshold {
		return noAdjustment(ReasonThresholdNotMet)
	}
	award := scale(earn.Increment, earn.IncrementMultiplier)
	return adjustment(award, ReasonEarned)
}

func computeAccumulator(amount int64, earn EarnRule, reward RewardRule) AdjustmentResult {
	refund := amount < 0
	if refund && reward.AllocationWindowDays <= 0 {
		// No cooling-off window means nothing to claw back from.
		return noAdjustment(ReasonRefundsNotAccepted)
	}

	if earn.MaxAmount > 0 && abs(amount) > earn.MaxAmount {
		if refund {
			return adjustment(-earn.MaxAmount, ReasonRefundAccepted)
		}
		return adjustment(earn.MaxAmount, ReasonEarnCapped)
	}

	if refund {
		return adjustment(scale(amount, earn.IncrementMultiplier), ReasonRefundAccepted)
	}
	if amount >= earn.Threshold {
		return adjustment(scale(amount, earn.IncrementMultiplier), ReasonEarned)
	}
	return noAdjustment(ReasonThresholdNotMet)
}

// scale multiplies an integer amount by the rational multiplier and
// rounds half-to-even back to an integer.
func scale(amount int64, multiplier decimal.Decimal) int64 {
	if multiplier.IsZero() {
		// An unset multiplier means identity, not zero-out.
		return amount
	}
	return decimal.NewFromInt(amount).Mul(multiplier).RoundBank(0).IntPart()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

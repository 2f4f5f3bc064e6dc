/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

CONVENTIONS:
  - Dates: RFC3339 strings
  - Money: integer minor currency units, never floats
  - Optional fields: pointers with omitempty

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// REQUESTS
// =============================================================================

// TransactionRequest submits one external transaction for processing.
// The transaction ID doubles as the idempotency key.
type TransactionRequest struct {
	ID              string `json:"id"`
	AccountHolderID string `json:"account_holder_id"`
	CampaignID      string `json:"campaign_id"`
	Amount          int64  `json:"amount"`
	OccurredAt      string `json:"occurred_at,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type TransactionResponse struct {
	TransactionID string `json:"transaction_id"`
	Eligible      bool   `json:"eligible"`
	Reason        string `json:"reason"`
	Adjustment    int64  `json:"adjustment"`

	// NewBalance is present only when the adjustment was applied.
	NewBalance *int64 `json:"new_balance,omitempty"`

	Pending *PendingRewardDTO `json:"pending_reward,omitempty"`
	Refund  *RefundReportDTO  `json:"refund,omitempty"`
}

type BalanceDTO struct {
	AccountHolderID string  `json:"account_holder_id"`
	CampaignID      string  `json:"campaign_id"`
	Balance         int64   `json:"balance"`
	ResetDate       *string `json:"reset_date,omitempty"`
}

type AdjustmentDTO struct {
	ID          string `json:"id"`
	Delta       int64  `json:"delta"`
	Type        string `json:"type"`
	ReferenceID string `json:"reference_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type PendingRewardDTO struct {
	ID              string `json:"id"`
	CreatedDate     string `json:"created_date"`
	ConversionDate  string `json:"conversion_date"`
	Value           int64  `json:"value"`
	Count           int64  `json:"count"`
	TotalCostToUser int64  `json:"total_cost_to_user"`
}

type RefundReportDTO struct {
	Shortfall       int64 `json:"shortfall"`
	BalanceConsumed int64 `json:"balance_consumed"`
	BalanceCredited int64 `json:"balance_credited"`
	NotRecouped     int64 `json:"not_recouped"`
	FullyRecouped   bool  `json:"fully_recouped"`
}

type IssuedRewardDTO struct {
	ID            string  `json:"id"`
	Code          string  `json:"code"`
	Status        string  `json:"status"`
	IssuedDate    *string `json:"issued_date,omitempty"`
	ExpiryDate    *string `json:"expiry_date,omitempty"`
	AssociatedURL string  `json:"associated_url,omitempty"`
}

type CampaignDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Model          string `json:"model"`
	Status         string `json:"status"`
	RewardConfigID string `json:"reward_config_id,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPendingDTO(p *loyalty.PendingReward) *PendingRewardDTO {
	if p == nil {
		return nil
	}
	return &PendingRewardDTO{
		ID:              p.ID,
		CreatedDate:     p.CreatedDate.Format(time.RFC3339),
		ConversionDate:  p.ConversionDate.Format(time.RFC3339),
		Value:           p.Value,
		Count:           p.Count,
		TotalCostToUser: p.TotalCostToUser,
	}
}

func toRefundDTO(r *loyalty.AbsorptionReport) *RefundReportDTO {
	if r == nil {
		return nil
	}
	return &RefundReportDTO{
		Shortfall:       r.Shortfall,
		BalanceConsumed: r.BalanceConsumed,
		BalanceCredited: r.BalanceCredited,
		NotRecouped:     r.NotRecouped,
		FullyRecouped:   r.FullyRecouped(),
	}
}

func optTimeDTO(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

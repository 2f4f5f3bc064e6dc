/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Other packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Ledger errors - adjustment persistence failures
  2. Validation errors - business rule violations (these are NOT the
     same as business rejections, which are valid no-adjustment results)
  3. Store errors - database-level failures
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when an adjustment with the
	// same idempotency key already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrCampaignNotFound is returned when a referenced campaign doesn't exist.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrBalanceNotFound is returned when no balance row exists and the
	// store is not allowed to create one.
	ErrBalanceNotFound = errors.New("campaign balance not found")

	// ErrPendingRewardNotFound is returned for mutations against a
	// pending reward that no longer exists.
	ErrPendingRewardNotFound = errors.New("pending reward not found")

	// ErrCampaignTerminated is returned when processing is attempted
	// against a cancelled or ended campaign.
	ErrCampaignTerminated = errors.New("campaign cancelled or ended")

	// ErrImmediateIssuance is returned when a reward goal is met on a
	// campaign with no allocation window. The immediate-issuance path is
	// a known gap pending product definition; the pipeline refuses to
	// guess its shape.
	ErrImmediateIssuance = errors.New("immediate issuance not supported")

	// ErrPoolExhausted is returned when the pre-loaded voucher pool has
	// no unclaimed rewards left.
	ErrPoolExhausted = errors.New("reward pool exhausted")

	// ErrIntegrity is returned for states that should be impossible,
	// e.g. a conditional claim matching more than one row. Callers roll
	// back and raise loudly rather than continuing.
	ErrIntegrity = errors.New("integrity violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// DuplicateTransactionError reports a replayed transaction ID.
type DuplicateTransactionError struct {
	TransactionID   string
	AccountHolderID AccountHolderID
	CampaignID      CampaignID
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("transaction %s already processed for %s/%s",
		e.TransactionID, e.AccountHolderID, e.CampaignID)
}

func (e *DuplicateTransactionError) Unwrap() error {
	return ErrDuplicateIdempotencyKey
}

// IntegrityError reports a fatal defect with enough context to debug it.
type IntegrityError struct {
	Op     string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation in %s: %s", e.Op, e.Detail)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrCampaignTerminated) ||
		errors.Is(err, ErrImmediateIssuance)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound) ||
		errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrPendingRewardNotFound)
}

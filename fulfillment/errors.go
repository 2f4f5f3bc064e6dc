/*
errors.go - Fulfillment error taxonomy

The partner API always answers with transport-level success and encodes
the real outcome in a pseudo-status envelope, so classification happens
here rather than on HTTP status codes. The taxonomy the issuance code
cares about:

  retryable   - 5xx-class pseudo-status, timeouts, connection failures.
                The outer task runtime re-queues the whole task later.
  terminal    - auth/permission failures and unclassified pseudo-codes.
                The task is marked FAILED and an operator alert raised.
  in-protocol - token-invalid and order-already-exists outcomes are
                handled inside the saga and only surface if the recovery
                itself fails.
*/
package fulfillment

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// errTokenInvalid marks a register/reversal response whose message
	// ids say the bearer token was rejected. Handled in-protocol.
	errTokenInvalid = errors.New("partner rejected bearer token")

	// errOrderExists marks the ambiguous "order already exists"
	// validation failure: the previous attempt may have succeeded
	// server-side. Handled in-protocol via reversal.
	errOrderExists = errors.New("order already exists for card ref")

	// ErrTokenExpiredOnReceipt means the token endpoint returned a
	// token that was already expired. Partner clock skew; never worth
	// a silent retry.
	ErrTokenExpiredOnReceipt = errors.New("partner token expired on receipt")

	// ErrRegisterAttemptsExhausted means one task execution burned its
	// whole register budget without a decisive answer.
	ErrRegisterAttemptsExhausted = errors.New("register attempt budget exhausted")

	// ErrUnsupported is returned by agent capabilities a variant does
	// not implement (e.g. partner-side balance on the pool agent).
	ErrUnsupported = errors.New("operation not supported by this agent")
)

// =============================================================================
// TRANSPORT ERROR
// =============================================================================

// TransportError is a partner call failure with its retry class.
type TransportError struct {
	Op        string // "token", "register", "reversal", "balance"
	Status    int    // partner pseudo-status, 0 for network failures
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Status != 0 {
		return fmt.Sprintf("partner %s failed (%s, status %d): %v", e.Op, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("partner %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// retryable and terminal are shorthands used by the client.
func retryable(op string, status int, err error) *TransportError {
	return &TransportError{Op: op, Status: status, Retryable: true, Err: err}
}

func terminal(op string, status int, err error) *TransportError {
	return &TransportError{Op: op, Status: status, Retryable: false, Err: err}
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsRetryable reports whether the outer task runtime should re-queue.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

package domain

import "fmt"

// Error types for consistent error handling across the ledger.

// ErrAccountNotFound indicates no account matched the lookup.
type ErrAccountNotFound struct {
	Key   string // "id" or "payment_customer_ref"
	Value string
}

func (e *ErrAccountNotFound) Error() string {
	if e.Key == "" || e.Key == "id" {
		return fmt.Sprintf("account not found: %s", e.Value)
	}
	return fmt.Sprintf("account not found for %s=%s", e.Key, e.Value)
}

// ErrInvalidAmount indicates a non-positive or non-numeric credit amount.
type ErrInvalidAmount struct {
	Field string
	Value string
}

func (e *ErrInvalidAmount) Error() string {
	return fmt.Sprintf("invalid amount for '%s': %s (must be a positive integer)", e.Field, e.Value)
}

// ErrInsufficientBalance indicates a guarded debit would overdraw the account.
type ErrInsufficientBalance struct {
	Available int64
	Required  int64
}

func (e *ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance: available=%d required=%d", e.Available, e.Required)
}

// ErrReplenishNotNeeded is returned by a threshold-guarded credit when the
// account no longer qualifies for replenishment.
type ErrReplenishNotNeeded struct {
	AccountID string
	Balance   int64
}

func (e *ErrReplenishNotNeeded) Error() string {
	return fmt.Sprintf("replenish not needed for account %s: balance=%d", e.AccountID, e.Balance)
}

// ErrInvalidSignature indicates a webhook failed signature verification.
type ErrInvalidSignature struct {
	Reason string
}

func (e *ErrInvalidSignature) Error() string {
	return fmt.Sprintf("invalid webhook signature: %s", e.Reason)
}

// ErrPaymentProvider indicates a failure in a payment provider call.
type ErrPaymentProvider struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *ErrPaymentProvider) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment provider error [%s] status=%d code=%s: %v", e.Op, e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("payment provider error [%s]: %v", e.Op, e.Err)
}

func (e *ErrPaymentProvider) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the call may succeed.
func (e *ErrPaymentProvider) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// ErrChargeNotPaid indicates a refund was requested for an unsettled charge.
type ErrChargeNotPaid struct {
	ChargeRef string
}

func (e *ErrChargeNotPaid) Error() string {
	return fmt.Sprintf("charge %s is not paid; only paid charges can be refunded", e.ChargeRef)
}

// ErrReplenishFailed is returned by a decrease whose inline replenish charge
// failed. The decrease itself has been committed.
type ErrReplenishFailed struct {
	AccountID string
	Balance   int64
	Err       error
}

func (e *ErrReplenishFailed) Error() string {
	return fmt.Sprintf("auto-replenish charge failed for account %s (balance=%d): %v", e.AccountID, e.Balance, e.Err)
}

func (e *ErrReplenishFailed) Unwrap() error {
	return e.Err
}

// ErrNotificationFailure wraps a failed push or email. It is logged, never
// returned to callers of ledger operations.
type ErrNotificationFailure struct {
	Channel string
	Err     error
}

func (e *ErrNotificationFailure) Error() string {
	return fmt.Sprintf("notification failure [%s]: %v", e.Channel, e.Err)
}

func (e *ErrNotificationFailure) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrDuplicate indicates a duplicate operation (idempotency check).
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate operation: %s", e.Key)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

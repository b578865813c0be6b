package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed tool, account or request definitions.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is the expected, user-facing refusal of a charge.
	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrToolNotFound    = errors.New("tool not found")
	ErrToolInactive    = errors.New("tool is not active")
	ErrEntryNotFound   = errors.New("ledger entry not found")
	ErrAlreadyRefunded = errors.New("entry already refunded")
	ErrNothingToRevert = errors.New("nothing to revert")

	// ErrPriceChanged rejects an automatic adjustment computed from a price no longer in force.
	ErrPriceChanged = errors.New("credit price changed since it was read")

	// ErrDuplicateRequest rejects an invoke whose idempotency key already paid for a delivered call.
	ErrDuplicateRequest = errors.New("request already processed")

	// ErrTransactionConflict is returned by stores when an optimistic write lost a race.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrExternalService marks a downstream provider failure.
	ErrExternalService = errors.New("external service failed")

	// ErrRefundFailure means a compensating refund could not be recorded.
	ErrRefundFailure = errors.New("compensating refund failed")

	ErrProviderNotFound = errors.New("provider not found")
)

// ExternalFailureError is returned by the usage gateway when the provider call
// failed. AfterCharge is true when credits had already been debited.
type ExternalFailureError struct {
	AfterCharge bool
	Refunded    bool
	EntryID     string
	Err         error
	RefundErr   error
}

func (e *ExternalFailureError) Error() string {
	if e.RefundErr != nil {
		return fmt.Sprintf("external call failed (refund of %s failed: %v): %v", e.EntryID, e.RefundErr, e.Err)
	}
	return fmt.Sprintf("external call failed: %v", e.Err)
}

// Unwrap exposes both the provider error class and, when present, the refund failure.
func (e *ExternalFailureError) Unwrap() []error {
	errs := []error{ErrExternalService, e.Err}
	if e.RefundErr != nil {
		errs = append(errs, ErrRefundFailure, e.RefundErr)
	}
	return errs
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

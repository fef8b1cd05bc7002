/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; the structured variants carry
  enough context for an operator-facing message.

ERROR CATEGORIES:
  1. Precondition errors - duplicate bill, missing tariff, empty target set
  2. Lifecycle errors    - transition attempted from the wrong state
  3. Balance errors      - insufficient credit, negative-balance adjustment
  4. Store errors        - persistence failures, missing rows

Every monetary-mutation error aborts the enclosing transaction; there is no
partial application of a payment across some-but-not-all bills.
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateBill is returned when a bill already exists for a reading.
	// At most one bill per reading, enforced inside the issuing transaction.
	ErrDuplicateBill = errors.New("bill already exists for reading")

	// ErrNoEligibleBills is returned when money arrives but every target
	// bill is already settled. The caller should treat this as a credit
	// deposit decision, never silently discard funds.
	ErrNoEligibleBills = errors.New("no eligible bills to apply payment to")

	// ErrInvalidState is returned when a lifecycle transition is attempted
	// from the wrong state. Retrying approve/reject on a terminal payment
	// lands here instead of repeating side effects.
	ErrInvalidState = errors.New("payment is not in a state that allows this transition")

	// ErrInsufficientCredit is returned when a credit-funded payment is
	// requested with a zero or negative balance.
	ErrInsufficientCredit = errors.New("insufficient credit balance")

	// ErrNegativeBalance is returned when an adjustment would drive the
	// customer balance below zero.
	ErrNegativeBalance = errors.New("adjustment would result in a negative balance")

	// ErrRejectionReasonRequired is returned by Reject when no reason is given.
	ErrRejectionReasonRequired = errors.New("rejection reason is required")

	// ErrBillReferenced is returned when deleting a bill that payments
	// still reference.
	ErrBillReferenced = errors.New("bill is referenced by payment allocations")

	// ErrTariffNotConfigured is returned when no active tariff exists.
	ErrTariffNotConfigured = errors.New("no active tariff configured")

	ErrBillNotFound     = errors.New("bill not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrReadingNotFound  = errors.New("reading not found")
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrPersistence wraps transaction-level storage failures. Operations
	// failing with it are safe to retry: either everything committed or
	// nothing did.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStateError reports which state blocked a lifecycle transition.
type InvalidStateError struct {
	PaymentID PaymentID
	Current   PaymentState
	Want      PaymentState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("payment %s is %s, transition requires %s", e.PaymentID, e.Current, e.Want)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InsufficientCreditError reports the available balance at failure time.
type InsufficientCreditError struct {
	CustomerID CustomerID
	Available  decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("customer %s has no usable credit (available %s)", e.CustomerID, e.Available)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// NegativeBalanceError reports the adjustment that was refused.
type NegativeBalanceError struct {
	CustomerID CustomerID
	Current    decimal.Decimal
	Adjustment decimal.Decimal
}

func (e *NegativeBalanceError) Error() string {
	return fmt.Sprintf("adjusting balance of customer %s by %s would leave %s",
		e.CustomerID, e.Adjustment, e.Current.Add(e.Adjustment))
}

func (e *NegativeBalanceError) Unwrap() error { return ErrNegativeBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input or
// a stale view of state, rather than an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateBill) ||
		errors.Is(err, ErrNoEligibleBills) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrNegativeBalance) ||
		errors.Is(err, ErrRejectionReasonRequired) ||
		errors.Is(err, ErrBillReferenced)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBillNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrReadingNotFound) ||
		errors.Is(err, ErrCustomerNotFound)
}

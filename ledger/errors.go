/*
errors.go - Centralized error types for the reward engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers should wrap these errors with additional context.

ERROR CATEGORIES:
  1. Validation errors - Rejected synchronously, no side effects
  2. Balance errors - The mutation would violate a balance invariant
  3. Contention errors - Transient per-user lock conflicts, retryable

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      // reject the request, balance unchanged
  }

SEE ALSO:
  - writer.go: Produces balance and contention errors
  - convert.go: Produces conversion-pair errors
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for zero or malformed deltas. A zero
	// delta is a configuration mistake, not an event worth logging.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance is returned when a deduction or conversion
	// would drive a denomination below zero and negative balances are
	// disallowed. The balance is left unchanged.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrUnsupportedConversion is returned when no rate is configured for
	// the requested denomination pair.
	ErrUnsupportedConversion = errors.New("unsupported conversion pair")

	// ErrSameDenomination is returned when a conversion names the same
	// source and destination.
	ErrSameDenomination = errors.New("conversion source and destination are the same")

	// ErrContention is returned when another mutation held the user's
	// guard for longer than the bounded wait. Safe to retry.
	ErrContention = errors.New("balance contention, retry")

	// ErrUserNotFound is returned only where explicit existence is
	// required. Mutations never return it: the balance row is lazily
	// created on first activity.
	ErrUserNotFound = errors.New("user not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID       UserID
	Denomination Denomination
	Available    decimal.Decimal
	Requested    decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance for user %s: available %s, requested %s",
		e.Denomination, e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// UnsupportedConversionError names the pair that has no configured rate.
type UnsupportedConversionError struct {
	From Denomination
	To   Denomination
}

func (e *UnsupportedConversionError) Error() string {
	return fmt.Sprintf("no conversion rate configured for %s -> %s", e.From, e.To)
}

func (e *UnsupportedConversionError) Unwrap() error {
	return ErrUnsupportedConversion
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}

// IsClientError returns true if the error is due to invalid caller input
// and was rejected with no side effects.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrUnsupportedConversion) ||
		errors.Is(err, ErrSameDenomination)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

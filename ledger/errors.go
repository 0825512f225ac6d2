/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Validation errors - rejected before any write, never retried
  2. Not-found errors  - unknown transaction, transfer, account, category, budget
  3. Transient errors  - serialization conflicts; retry the whole mutation
  4. Invariant errors  - programmer/data errors that would corrupt balances

USAGE:
  err := engine.Insert(ctx, budgetID, in)
  switch {
  case ledger.IsRetryable(err):   // retry everything, never resume
  case ledger.IsClientError(err): // report the precise reason
  }

SEE ALSO:
  - retry.go: Retry helper built on IsRetryable
  - store/sqlite/sqlite.go: maps SQLITE_BUSY to ErrSerializationConflict
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrCategoryNotFound    = errors.New("category not found")
	ErrBudgetNotFound      = errors.New("budget not found")

	// ErrSameAccountTransfer is returned when both legs would sit in one account.
	ErrSameAccountTransfer = errors.New("transfer source and destination are the same account")

	// ErrCrossBudgetAccount is returned when an account belongs to another budget.
	ErrCrossBudgetAccount = errors.New("account belongs to a different budget")

	// ErrAccountDeleted is returned when writing to a soft-deleted account.
	ErrAccountDeleted = errors.New("account is deleted")

	// ErrCategorizedTransfer is returned when a category is set on a transfer leg.
	ErrCategorizedTransfer = errors.New("transfer legs cannot be categorized")

	// ErrInvalidMutation is returned for malformed mutation input.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrSerializationConflict is returned when the store aborted the
	// transaction because a concurrent mutation touched overlapping rows.
	ErrSerializationConflict = errors.New("serialization conflict")

	// ErrInvariantViolation marks errors that mean stored balances can no
	// longer be trusted. Never swallow these.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// InvariantError is a fatal engine error.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvariantViolation, e.Op, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

func invalid(field string, err error, reason string) error {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole mutation may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerializationConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
// A missing account or category named by a mutation counts as invalid input.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrSameAccountTransfer) ||
		errors.Is(err, ErrCrossBudgetAccount) ||
		errors.Is(err, ErrAccountDeleted) ||
		errors.Is(err, ErrCategorizedTransfer) ||
		errors.Is(err, ErrInvalidMutation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrTransferNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrCategoryNotFound) ||
		errors.Is(err, ErrBudgetNotFound)
}

// IsInvariant returns true for fatal engine errors.
func IsInvariant(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

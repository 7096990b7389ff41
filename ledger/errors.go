/*
errors.go - Centralized error taxonomy for the circulation engine

PURPOSE:
  All error types in one place for consistency and discoverability. Nothing
  in this engine is silently retried; every failure surfaces to the caller
  with enough detail (which copy/edition/reader, which rule) to display to
  an operator.

ERROR CATEGORIES:
  1. Validation errors    - bad input shape, no state change
  2. Business-rule errors - rule rejected the operation, no partial state
  3. State-conflict errors - already cancelled/returned, window expired
  4. Not-found errors     - missing referenced record
  5. Consistency failures - invariant check failed on write; fatal to the
     enclosing transaction, which must roll back entirely

USAGE:
  if errors.Is(err, ledger.ErrCardExpired) { ... }
  if ledger.IsConflict(err) { ... } // idempotent no-op for the caller
*/
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation errors (bad input shape).
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrFutureReturnDate = errors.New("return date cannot be in the future")
	ErrReturnBeforeLoan = errors.New("return date before borrow date")
	ErrReasonRequired   = errors.New("cancellation reason is required")
	ErrInvalidParameter = errors.New("invalid parameter value")
	ErrInvalidQuantity  = errors.New("quantity must be positive")

	// Business-rule violations.
	ErrCardExpired         = errors.New("reader card has expired")
	ErrHasOverdueLoans     = errors.New("reader has overdue loans")
	ErrBorrowLimitExceeded = errors.New("borrow limit exceeded")
	ErrEditionUnavailable  = errors.New("no available copy for edition")
	ErrAgeOutOfRange       = errors.New("reader age outside allowed range")
	ErrPublishYearTooOld   = errors.New("publish year outside accepted window")
	ErrNoOutstandingDebt   = errors.New("reader has no outstanding debt")
	ErrPaymentExceedsDebt  = errors.New("payment exceeds outstanding debt")
	ErrCopiesOnLoan        = errors.New("copies are currently on loan")
	ErrCopyHasHistory      = errors.New("copy has loan history")
	ErrReaderHasHistory    = errors.New("reader has loan history")

	// State-conflict errors (idempotent no-op for the caller).
	ErrAlreadyCancelled = errors.New("record already cancelled")
	ErrAlreadyReturned  = errors.New("loan already returned")
	ErrNotReturned      = errors.New("loan has not been returned")
	ErrWindowExpired    = errors.New("cancellation window expired")

	// Not-found errors.
	ErrReaderNotFound  = errors.New("reader not found")
	ErrEditionNotFound = errors.New("edition not found")
	ErrCopyNotFound    = errors.New("copy not found")
	ErrLoanNotFound    = errors.New("no open loan for reader and copy")
	ErrReceiptNotFound = errors.New("payment receipt not found")
	ErrImportNotFound  = errors.New("import receipt not found")

	// Consistency failures - fatal to the transaction.
	ErrInventoryInconsistent = errors.New("edition counters would violate invariant")
	ErrDebtInconsistent      = errors.New("reader debt would become negative")

	// Permission gate said no.
	ErrPermissionDenied = errors.New("permission denied")
)

// =============================================================================
// STRUCTURED ERRORS - Carry operator-facing context
// =============================================================================

// EditionUnavailableError reports which edition had no available copy. In a
// batch borrow the whole batch is rejected, so one of these fails it all.
type EditionUnavailableError struct {
	EditionID EditionID
	Title     string
}

func (e *EditionUnavailableError) Error() string {
	return fmt.Sprintf("no available copy for edition %d (%s)", e.EditionID, e.Title)
}

func (e *EditionUnavailableError) Unwrap() error { return ErrEditionUnavailable }

// BorrowLimitError reports how the loan-count ceiling was hit.
type BorrowLimitError struct {
	Open      int
	Requested int
	Max       int
}

func (e *BorrowLimitError) Error() string {
	return fmt.Sprintf("borrow limit exceeded: %d open + %d requested > max %d",
		e.Open, e.Requested, e.Max)
}

func (e *BorrowLimitError) Unwrap() error { return ErrBorrowLimitExceeded }

// WindowExpiredError reports a cancellation attempted past the window.
type WindowExpiredError struct {
	Elapsed time.Duration
	Window  time.Duration
}

func (e *WindowExpiredError) Error() string {
	return fmt.Sprintf("cancellation window expired: %s elapsed, window is %s",
		e.Elapsed.Round(time.Minute), e.Window)
}

func (e *WindowExpiredError) Unwrap() error { return ErrWindowExpired }

// PaymentCeilingError reports a payment rejected by the receipt-validation
// toggle: the amount exceeds the reader's posted debt.
type PaymentCeilingError struct {
	ReaderID ReaderID
	Amount   Money
	Debt     Money
}

func (e *PaymentCeilingError) Error() string {
	return fmt.Sprintf("payment %v exceeds outstanding debt %v for reader %d",
		e.Amount, e.Debt, e.ReaderID)
}

func (e *PaymentCeilingError) Unwrap() error { return ErrPaymentExceedsDebt }

// CopiesOnLoanError reports which editions block an import cancellation.
type CopiesOnLoanError struct {
	ImportID ImportID
	Titles   []string
}

func (e *CopiesOnLoanError) Error() string {
	return fmt.Sprintf("cannot cancel import %d: copies on loan for %v", e.ImportID, e.Titles)
}

func (e *CopiesOnLoanError) Unwrap() error { return ErrCopiesOnLoan }

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsValidation reports a bad-input error: reject synchronously, nothing changed.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrFutureReturnDate) ||
		errors.Is(err, ErrReturnBeforeLoan) ||
		errors.Is(err, ErrReasonRequired) ||
		errors.Is(err, ErrInvalidParameter) ||
		errors.Is(err, ErrInvalidQuantity)
}

// IsRuleViolation reports a business-rule rejection: entire batch rejected,
// no partial state change.
func IsRuleViolation(err error) bool {
	return errors.Is(err, ErrCardExpired) ||
		errors.Is(err, ErrHasOverdueLoans) ||
		errors.Is(err, ErrBorrowLimitExceeded) ||
		errors.Is(err, ErrEditionUnavailable) ||
		errors.Is(err, ErrAgeOutOfRange) ||
		errors.Is(err, ErrPublishYearTooOld) ||
		errors.Is(err, ErrNoOutstandingDebt) ||
		errors.Is(err, ErrPaymentExceedsDebt) ||
		errors.Is(err, ErrCopiesOnLoan) ||
		errors.Is(err, ErrCopyHasHistory) ||
		errors.Is(err, ErrReaderHasHistory)
}

// IsConflict reports a state-conflict error: the operation is an idempotent
// no-op, state is unchanged.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyCancelled) ||
		errors.Is(err, ErrAlreadyReturned) ||
		errors.Is(err, ErrNotReturned) ||
		errors.Is(err, ErrWindowExpired)
}

// IsNotFound reports a missing referenced record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReaderNotFound) ||
		errors.Is(err, ErrEditionNotFound) ||
		errors.Is(err, ErrCopyNotFound) ||
		errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrImportNotFound)
}

// IsConsistency reports an invariant failure on write. The enclosing
// transaction must roll back entirely rather than attempt partial repair.
func IsConsistency(err error) bool {
	return errors.Is(err, ErrInventoryInconsistent) ||
		errors.Is(err, ErrDebtInconsistent)
}

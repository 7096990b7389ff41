package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// PARAMETER - the singleton configuration record
// =============================================================================

// Parameter holds the system-wide rules. Exactly one record ever exists:
// created with defaults on first access, never deleted, updated only through
// the administrative path.
type Parameter struct {
	MinAge                  int
	MaxAge                  int
	CardValidityMonths      int
	BookReturnPeriodYears   int
	MaxBorrowedBooks        int
	MaxBorrowDays           int
	FineRatePerDay          Money
	CancellationWindowHours int
	EnableReceiptValidation bool
	AllowBorrowWhenOverdue  bool
	UpdatedAt               time.Time
}

// DefaultParameters returns the record created on first access.
func DefaultParameters() Parameter {
	return Parameter{
		MinAge:                  18,
		MaxAge:                  55,
		CardValidityMonths:      6,
		BookReturnPeriodYears:   8,
		MaxBorrowedBooks:        5,
		MaxBorrowDays:           30,
		FineRatePerDay:          MoneyFromInt(1000),
		CancellationWindowHours: 24,
		EnableReceiptValidation: true,
		AllowBorrowWhenOverdue:  false,
	}
}

// Validate checks the administrative update path's input.
func (p Parameter) Validate() error {
	switch {
	case p.MinAge <= 0 || p.MaxAge <= 0 || p.MinAge > p.MaxAge:
		return fmt.Errorf("%w: age window %d-%d", ErrInvalidParameter, p.MinAge, p.MaxAge)
	case p.CardValidityMonths <= 0:
		return fmt.Errorf("%w: card validity %d months", ErrInvalidParameter, p.CardValidityMonths)
	case p.BookReturnPeriodYears <= 0:
		return fmt.Errorf("%w: publish-year window %d years", ErrInvalidParameter, p.BookReturnPeriodYears)
	case p.MaxBorrowedBooks <= 0:
		return fmt.Errorf("%w: max borrowed books %d", ErrInvalidParameter, p.MaxBorrowedBooks)
	case p.MaxBorrowDays <= 0:
		return fmt.Errorf("%w: max borrow days %d", ErrInvalidParameter, p.MaxBorrowDays)
	case p.FineRatePerDay.IsNegative():
		return fmt.Errorf("%w: fine rate %v", ErrInvalidParameter, p.FineRatePerDay)
	case p.CancellationWindowHours <= 0:
		return fmt.Errorf("%w: cancellation window %d hours", ErrInvalidParameter, p.CancellationWindowHours)
	}
	return nil
}

// CancellationWindow returns the reversal window as a duration.
func (p Parameter) CancellationWindow() time.Duration {
	return time.Duration(p.CancellationWindowHours) * time.Hour
}

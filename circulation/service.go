/*
Package circulation implements the loan lifecycle state machine.

PURPOSE:
  Governs how a physical copy moves between available, on loan, and
  returned, and how every step can be reversed within a bounded wall-clock
  window while keeping copy status, edition counters, loan records, and
  reader debt consistent.

STATE MACHINE (per copy x loan):
  AVAILABLE -> ON_LOAN -> {RETURNED_ON_TIME | RETURNED_LATE}
  CANCELLED is a side channel reachable from ON_LOAN (loan cancellation);
  a completed return can be reversed back to ON_LOAN without invalidating
  the loan. Terminal states: RETURNED_* and CANCELLED.

TRANSACTIONAL GUARANTEES:
  Every transition runs inside one store transaction. Batch borrow is
  all-or-nothing: if any requested edition has no available copy the whole
  batch fails with no partial effect. Reversal windows are re-checked
  inside the transaction so requests straddling the window edge cannot
  slip through.

SEE ALSO:
  - ledger/rules.go: the parameter-driven preconditions
  - settlement.go: fines, payments, and payment reversal
*/
package circulation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shelfline/circulation-engine/ledger"
)

// Service is the circulation state machine. All methods are safe for
// concurrent use; the store serializes their transactions.
type Service struct {
	Store ledger.Store
	Clock ledger.Clock
}

func NewService(store ledger.Store, clock ledger.Clock) *Service {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Service{Store: store, Clock: clock}
}

// =============================================================================
// BORROW - AVAILABLE -> ON_LOAN
// =============================================================================

// Borrow lends one available copy of each requested edition to the reader.
// All-or-nothing: either every edition yields a loan or none does.
//
// Preconditions, all checked inside one transaction:
//  1. The reader's card is not expired.
//  2. The reader has no open loan past due (unless the parameter record
//     allows borrowing while overdue).
//  3. openLoanCount + len(editionIDs) <= MaxBorrowedBooks.
//  4. Each requested edition has at least one available copy.
func (s *Service) Borrow(ctx context.Context, readerID ledger.ReaderID, editionIDs []ledger.EditionID, borrowDate time.Time) ([]ledger.LoanRecord, error) {
	if len(editionIDs) == 0 {
		return nil, fmt.Errorf("%w: no editions requested", ledger.ErrInvalidQuantity)
	}
	now := s.Clock.Now()

	var loans []ledger.LoanRecord
	err := s.Store.WithTx(ctx, func(tx ledger.Store) error {
		params, err := tx.Parameters(ctx)
		if err != nil {
			return err
		}

		reader, err := tx.Reader(ctx, readerID)
		if err != nil {
			return err
		}
		if err := ledger.CheckCard(reader, now); err != nil {
			return err
		}

		if !params.AllowBorrowWhenOverdue {
			overdue, err := tx.OverdueLoanCount(ctx, readerID, now)
			if err != nil {
				return err
			}
			if overdue > 0 {
				return fmt.Errorf("%w: %d overdue", ledger.ErrHasOverdueLoans, overdue)
			}
		}

		open, err := tx.OpenLoanCount(ctx, readerID)
		if err != nil {
			return err
		}
		if err := ledger.CheckBorrowLimit(open, len(editionIDs), params); err != nil {
			return err
		}

		dueDate := ledger.DueDate(borrowDate, params)
		for _, editionID := range editionIDs {
			copyRow, err := tx.SelectAvailableCopy(ctx, editionID)
			if err != nil {
				return err
			}

			loan := ledger.LoanRecord{
				ReaderID:   readerID,
				CopyID:     copyRow.ID,
				BorrowDate: borrowDate,
				DueDate:    dueDate,
				FineAmount: ledger.MoneyFromInt(0),
			}
			if err := tx.CreateLoan(ctx, &loan); err != nil {
				return err
			}
			if err := tx.SetCopyStatus(ctx, copyRow.ID, ledger.CopyBorrowed); err != nil {
				return err
			}
			if err := tx.AdjustEditionCounts(ctx, editionID, 0, -1); err != nil {
				return err
			}
			loans = append(loans, loan)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loans, nil
}

// =============================================================================
// RETURN - ON_LOAN -> RETURNED_*
// =============================================================================

// ReturnResult reports a completed return batch. EndingDebt lets the caller
// prompt a settlement step; the state machine does not enforce it.
type ReturnResult struct {
	Loans      []ledger.LoanRecord
	Skipped    []ledger.CopyID // copies with no open loan for this reader
	EndingDebt ledger.Money
}

// Return records the return of the given copies. A copy without an open loan
// for this reader is skipped, not fatal for the batch. Overdue returns post
// daysLate * fineRatePerDay to the reader's debt.
func (s *Service) Return(ctx context.Context, readerID ledger.ReaderID, copyIDs []ledger.CopyID, returnDate time.Time) (*ReturnResult, error) {
	now := s.Clock.Now()
	if dateOnly(returnDate).After(dateOnly(now)) {
		return nil, ledger.ErrFutureReturnDate
	}

	result := &ReturnResult{}
	err := s.Store.WithTx(ctx, func(tx ledger.Store) error {
		params, err := tx.Parameters(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Reader(ctx, readerID); err != nil {
			return err
		}

		for _, copyID := range copyIDs {
			loan, err := tx.OpenLoanByCopy(ctx, readerID, copyID)
			if ledger.IsNotFound(err) {
				result.Skipped = append(result.Skipped, copyID)
				continue
			}
			if err != nil {
				return err
			}
			if returnDate.Before(loan.BorrowDate) {
				return ledger.ErrReturnBeforeLoan
			}

			ret := returnDate
			loan.ReturnDate = &ret
			fine := ledger.ComputeFine(loan, returnDate, params)
			loan.FineAmount = fine

			if err := tx.SetLoanReturn(ctx, loan.ID, &ret, fine); err != nil {
				return err
			}
			if fine.IsPositive() {
				if err := tx.AdjustReaderDebt(ctx, readerID, fine); err != nil {
					return err
				}
			}
			if err := tx.SetCopyStatus(ctx, copyID, ledger.CopyAvailable); err != nil {
				return err
			}
			copyRow, err := tx.Copy(ctx, copyID)
			if err != nil {
				return err
			}
			if err := tx.AdjustEditionCounts(ctx, copyRow.EditionID, 0, 1); err != nil {
				return err
			}
			result.Loans = append(result.Loans, *loan)
		}

		reader, err := tx.Reader(ctx, readerID)
		if err != nil {
			return err
		}
		result.EndingDebt = reader.TotalDebt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// CANCEL LOAN - ON_LOAN -> CANCELLED
// =============================================================================

// CancelLoan reverses an open loan within the cancellation window. Returned
// loans are historical and immutable via this path; see ReverseReturn.
func (s *Service) CancelLoan(ctx context.Context, loanID ledger.LoanID, reason, actor string) error {
	if reason == "" {
		return ledger.ErrReasonRequired
	}
	now := s.Clock.Now()

	return s.Store.WithTx(ctx, func(tx ledger.Store) error {
		params, err := tx.Parameters(ctx)
		if err != nil {
			return err
		}
		loan, err := tx.Loan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Cancelled != nil {
			return ledger.ErrAlreadyCancelled
		}
		if loan.ReturnDate != nil {
			return ledger.ErrAlreadyReturned
		}
		if err := ledger.CheckWindow(loan.BorrowDate, now, params); err != nil {
			return err
		}

		cancel := ledger.Cancellation{By: actor, At: now, Reason: reason}
		if err := tx.CancelLoanRecord(ctx, loanID, cancel); err != nil {
			return err
		}
		if err := tx.SetCopyStatus(ctx, loan.CopyID, ledger.CopyAvailable); err != nil {
			return err
		}
		copyRow, err := tx.Copy(ctx, loan.CopyID)
		if err != nil {
			return err
		}
		if err := tx.AdjustEditionCounts(ctx, copyRow.EditionID, 0, 1); err != nil {
			return err
		}
		// A fine cannot have been posted pre-return; handled for symmetry.
		if loan.FineAmount.IsPositive() {
			if err := tx.AdjustReaderDebt(ctx, loan.ReaderID, loan.FineAmount.Neg()); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, ledger.AuditEntry{
			ID:        uuid.NewString(),
			Action:    ledger.AuditLoanCancelled,
			RecordID:  int64(loanID),
			ActorID:   actor,
			Reason:    reason,
			Timestamp: now,
		})
	})
}

// =============================================================================
// REVERSE RETURN - RETURNED_* -> ON_LOAN
// =============================================================================

// ReverseReturn undoes a completed return within the cancellation window.
// Distinct from CancelLoan: the loan is not invalidated, only its return is
// undone. The record stays an active, valid loan - marking it cancelled
// would corrupt downstream active-loan counts - so the reversal is recorded
// as an appended note, and the previously posted fine is subtracted from the
// reader's debt (it is recomputed on the next real return).
func (s *Service) ReverseReturn(ctx context.Context, loanID ledger.LoanID, reason, actor string) error {
	if reason == "" {
		return ledger.ErrReasonRequired
	}
	now := s.Clock.Now()

	return s.Store.WithTx(ctx, func(tx ledger.Store) error {
		params, err := tx.Parameters(ctx)
		if err != nil {
			return err
		}
		loan, err := tx.Loan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.Cancelled != nil {
			return ledger.ErrAlreadyCancelled
		}
		if loan.ReturnDate == nil {
			return ledger.ErrNotReturned
		}
		if err := ledger.CheckWindow(*loan.ReturnDate, now, params); err != nil {
			return err
		}

		oldReturn := *loan.ReturnDate
		oldFine := loan.FineAmount

		if err := tx.SetLoanReturn(ctx, loanID, nil, ledger.MoneyFromInt(0)); err != nil {
			return err
		}
		note := fmt.Sprintf("[%s] return of %s reversed by %s: %s",
			now.Format("2006-01-02 15:04"), oldReturn.Format("2006-01-02 15:04"), actor, reason)
		if err := tx.AppendLoanNote(ctx, loanID, note); err != nil {
			return err
		}
		if err := tx.SetCopyStatus(ctx, loan.CopyID, ledger.CopyBorrowed); err != nil {
			return err
		}
		copyRow, err := tx.Copy(ctx, loan.CopyID)
		if err != nil {
			return err
		}
		if err := tx.AdjustEditionCounts(ctx, copyRow.EditionID, 0, -1); err != nil {
			return err
		}
		if oldFine.IsPositive() {
			if err := tx.AdjustReaderDebt(ctx, loan.ReaderID, oldFine.Neg()); err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, ledger.AuditEntry{
			ID:        uuid.NewString(),
			Action:    ledger.AuditReturnReversed,
			RecordID:  int64(loanID),
			ActorID:   actor,
			Reason:    reason,
			Timestamp: now,
		})
	})
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

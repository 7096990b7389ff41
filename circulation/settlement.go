/*
settlement.go - Fine settlement: payment receipts and their reversal

PURPOSE:
  Posts debt settlements against a reader's running balance and reverses
  them within the cancellation window. Fine accrual itself happens at
  return time in service.go; this file only moves money.

RULES (QD6):
  - Amount must be positive and the reader must have outstanding debt.
  - With receipt validation enabled, the amount may not exceed the debt.
  - Cancelling a receipt restores the amount to the debt BEFORE marking the
    receipt cancelled, so validation against the reinstated balance cannot
    reject the reversal.
*/
package circulation

import (
	"context"

	"github.com/google/uuid"
	"github.com/shelfline/circulation-engine/ledger"
)

// Settlement posts and reverses payment receipts.
type Settlement struct {
	Store ledger.Store
	Clock ledger.Clock
}

func NewSettlement(store ledger.Store, clock ledger.Clock) *Settlement {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Settlement{Store: store, Clock: clock}
}

// RecordPayment subtracts amount from the reader's debt and creates a
// receipt, all in one transaction.
func (s *Settlement) RecordPayment(ctx context.Context, readerID ledger.ReaderID, amount ledger.Money, method string) (*ledger.PaymentReceipt, error) {
	now := s.Clock.Now()

	var receipt *ledger.PaymentReceipt
	err := s.Store.WithTx(ctx, func(tx ledger.Store) error {
		params, err := tx.Parameters(ctx)
		if err != nil {
			return err
		}
		reader, err := tx.Reader(ctx, readerID)
		if err != nil {
			return err
		}
		if err := ledger.CheckPayment(readerID, amount, reader.TotalDebt, params); err != nil {
			return err
		}
		if err := tx.AdjustReaderDebt(ctx, readerID, amount.Neg()); err != nil {
			return err
		}
		receipt = &ledger.PaymentReceipt{
			ReaderID:  readerID,
			Amount:    amount,
			Method:    method,
			CreatedAt: now,
		}
		return tx.CreatePayment(ctx, receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// CancelPayment reverses a receipt within the cancellation window, adding
// the collected amount back to the reader's debt.
func (s *Settlement) CancelPayment(ctx context.Context, receiptID ledger.ReceiptID, reason, actor string) error {
	if reason == "" {
		return ledger.ErrReasonRequired
	}
	now := s.Clock.Now()

	return s.Store.WithTx(ctx, func(tx ledger.Store) error {
		params, err := tx.Parameters(ctx)
		if err != nil {
			return err
		}
		receipt, err := tx.Payment(ctx, receiptID)
		if err != nil {
			return err
		}
		if receipt.Cancelled != nil {
			return ledger.ErrAlreadyCancelled
		}
		if err := ledger.CheckWindow(receipt.CreatedAt, now, params); err != nil {
			return err
		}

		// Restore the debt first: the receipt-amount ceiling validates
		// against the reader's balance, and the reinstated balance must be
		// in place before the receipt row changes.
		if err := tx.AdjustReaderDebt(ctx, receipt.ReaderID, receipt.Amount); err != nil {
			return err
		}
		cancel := ledger.Cancellation{By: actor, At: now, Reason: reason}
		if err := tx.CancelPaymentRecord(ctx, receiptID, cancel); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.AuditEntry{
			ID:        uuid.NewString(),
			Action:    ledger.AuditPaymentCancelled,
			RecordID:  int64(receiptID),
			ActorID:   actor,
			Reason:    reason,
			Timestamp: now,
		})
	})
}

// ProjectedDebt returns the reader's posted debt plus projected fines on
// open overdue loans as of now. Display-only; nothing is written.
func (s *Settlement) ProjectedDebt(ctx context.Context, readerID ledger.ReaderID) (ledger.Money, error) {
	now := s.Clock.Now()

	params, err := s.Store.Parameters(ctx)
	if err != nil {
		return ledger.Money{}, err
	}
	reader, err := s.Store.Reader(ctx, readerID)
	if err != nil {
		return ledger.Money{}, err
	}
	open, err := s.Store.ListLoans(ctx, ledger.LoanFilter{ReaderID: readerID, OpenOnly: true})
	if err != nil {
		return ledger.Money{}, err
	}
	return ledger.ProjectedDebt(reader.TotalDebt, open, now, params), nil
}

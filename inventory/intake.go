/*
Package inventory implements stock intake and catalog maintenance.

PURPOSE:
  Receives new stock into the Title -> Edition -> Copy hierarchy, keeps the
  quantity/remaining invariant at the edition level, and reverses an intake
  batch while it is still within the cancellation window.

INTAKE (QD2):
  Only editions published within the last bookReturnPeriodYears years are
  accepted. Each received line increments the edition's quantity and
  remaining by the received count and spawns that many copies with
  sequential barcodes.

CANCELLATION:
  A receipt can only be cancelled while none of its editions have a copy on
  loan. Copies within an edition are treated as fungible: cancellation
  deletes exactly the most recently created still-available copies equal to
  the received count, never a borrowed copy. If per-unit condition or
  location tracking is ever added, this delete-by-count policy needs
  revisiting.
*/
package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shelfline/circulation-engine/ledger"
)

// Service handles intake receipts and protected catalog deletions.
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
// RECEIVE STOCK
// =============================================================================

// IntakeLine is one received edition: either an existing edition by ID or a
// new edition spec. Exactly one of EditionID / NewEdition must be set.
type IntakeLine struct {
	EditionID  ledger.EditionID
	NewEdition *EditionSpec
	Quantity   int
	UnitPrice  ledger.Money
}

// EditionSpec describes an edition to create (or match) during intake.
// Title and edition matching is case-insensitive, as duplicate titles and
// publishers routinely arrive with inconsistent casing.
type EditionSpec struct {
	TitleName    string
	Category     string
	Authors      []string
	Publisher    string
	PublishYear  int
	ISBN         string
	EditionLabel string
	Language     string
}

// IntakeRequest is one stock delivery: a receipt with one or more lines.
type IntakeRequest struct {
	Lines     []IntakeLine
	CreatedBy string
	Notes     string
}

// IntakeResult reports what a delivery created.
type IntakeResult struct {
	Receipt  ledger.ImportReceipt
	Editions []ledger.Edition
	Copies   []ledger.Copy
}

// ReceiveStock validates and records a delivery in one transaction:
// resolves or creates titles and editions, bumps the edition counters, and
// spawns the new copies.
func (s *Service) ReceiveStock(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ledger.ErrInvalidQuantity)
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: %d", ledger.ErrInvalidQuantity, line.Quantity)
		}
	}
	now := s.Clock.Now()

	result := &IntakeResult{}
	err := s.Store.WithTx(ctx, func(tx ledger.Store) error {
		params, err := tx.Parameters(ctx)
		if err != nil {
			return err
		}

		receipt := ledger.ImportReceipt{
			ImportDate: now,
			CreatedBy:  req.CreatedBy,
			Notes:      req.Notes,
		}
		for _, line := range req.Lines {
			edition, err := s.resolveEdition(ctx, tx, line, params)
			if err != nil {
				return err
			}
			receipt.Lines = append(receipt.Lines, ledger.ImportLine{
				EditionID: edition.ID,
				Quantity:  line.Quantity,
				UnitPrice: line.UnitPrice,
			})

			if err := tx.AdjustEditionCounts(ctx, edition.ID, line.Quantity, line.Quantity); err != nil {
				return err
			}
			copies, err := tx.CreateCopies(ctx, edition.ID, line.Quantity)
			if err != nil {
				return err
			}
			edition.Quantity += line.Quantity
			edition.Remaining += line.Quantity
			result.Editions = append(result.Editions, *edition)
			result.Copies = append(result.Copies, copies...)
		}

		if err := tx.CreateImport(ctx, &receipt); err != nil {
			return err
		}
		result.Receipt = receipt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolveEdition finds the referenced edition, or matches/creates one from
// the spec. The publish-year window applies to both paths.
func (s *Service) resolveEdition(ctx context.Context, tx ledger.Store, line IntakeLine, params ledger.Parameter) (*ledger.Edition, error) {
	if line.NewEdition == nil {
		edition, err := tx.Edition(ctx, line.EditionID)
		if err != nil {
			return nil, err
		}
		if err := ledger.CheckPublishYear(edition.PublishYear, s.Clock.Now(), params); err != nil {
			return nil, err
		}
		return edition, nil
	}

	spec := line.NewEdition
	if err := ledger.CheckPublishYear(spec.PublishYear, s.Clock.Now(), params); err != nil {
		return nil, err
	}

	title, err := tx.FindTitle(ctx, spec.TitleName, spec.Category)
	if err != nil && !ledger.IsNotFound(err) {
		return nil, err
	}
	if title == nil {
		title = &ledger.Title{Name: spec.TitleName, Category: spec.Category, Authors: spec.Authors}
		if err := tx.SaveTitle(ctx, title); err != nil {
			return nil, err
		}
	}

	edition, err := tx.FindEdition(ctx, title.ID, spec.Publisher, spec.PublishYear, spec.ISBN, spec.EditionLabel)
	if err != nil && !ledger.IsNotFound(err) {
		return nil, err
	}
	if edition == nil {
		edition = &ledger.Edition{
			TitleID:      title.ID,
			Publisher:    spec.Publisher,
			PublishYear:  spec.PublishYear,
			ISBN:         spec.ISBN,
			EditionLabel: spec.EditionLabel,
			Language:     spec.Language,
			UnitPrice:    line.UnitPrice,
		}
		if err := tx.SaveEdition(ctx, edition); err != nil {
			return nil, err
		}
	}
	return edition, nil
}

// =============================================================================
// CANCEL RECEIPT
// =============================================================================

// CancelReceipt reverses an intake batch within the cancellation window.
// Refused while any copy of a referenced edition is on loan. Deletes the
// newest still-available copies by count, then decrements the counters.
func (s *Service) CancelReceipt(ctx context.Context, importID ledger.ImportID, reason, actor string) error {
	if reason == "" {
		return ledger.ErrReasonRequired
	}
	now := s.Clock.Now()

	return s.Store.WithTx(ctx, func(tx ledger.Store) error {
		params, err := tx.Parameters(ctx)
		if err != nil {
			return err
		}
		receipt, err := tx.Import(ctx, importID)
		if err != nil {
			return err
		}
		if receipt.Cancelled != nil {
			return ledger.ErrAlreadyCancelled
		}
		if err := ledger.CheckWindow(receipt.ImportDate, now, params); err != nil {
			return err
		}

		var onLoan []string
		for _, line := range receipt.Lines {
			borrowed, err := tx.BorrowedCopyCount(ctx, line.EditionID)
			if err != nil {
				return err
			}
			if borrowed > 0 {
				edition, err := tx.Edition(ctx, line.EditionID)
				if err != nil {
					return err
				}
				title, err := tx.Title(ctx, edition.TitleID)
				if err != nil {
					return err
				}
				onLoan = append(onLoan, title.Name)
			}
		}
		if len(onLoan) > 0 {
			return &ledger.CopiesOnLoanError{ImportID: importID, Titles: onLoan}
		}

		for _, line := range receipt.Lines {
			if err := tx.DeleteNewestAvailableCopies(ctx, line.EditionID, line.Quantity); err != nil {
				return err
			}
			if err := tx.AdjustEditionCounts(ctx, line.EditionID, -line.Quantity, -line.Quantity); err != nil {
				return err
			}
		}

		cancel := ledger.Cancellation{By: actor, At: now, Reason: reason}
		if err := tx.CancelImportRecord(ctx, importID, cancel); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, ledger.AuditEntry{
			ID:        uuid.NewString(),
			Action:    ledger.AuditImportCancelled,
			RecordID:  int64(importID),
			ActorID:   actor,
			Reason:    reason,
			Timestamp: now,
		})
	})
}

// =============================================================================
// PROTECTED DELETIONS
// =============================================================================

// DeleteCopy removes a copy that was never borrowed and is not referenced
// by any loan record. The store enforces the protection.
func (s *Service) DeleteCopy(ctx context.Context, copyID ledger.CopyID) error {
	return s.Store.WithTx(ctx, func(tx ledger.Store) error {
		copyRow, err := tx.Copy(ctx, copyID)
		if err != nil {
			return err
		}
		if copyRow.Status == ledger.CopyBorrowed {
			return fmt.Errorf("%w: copy %s", ledger.ErrCopiesOnLoan, copyRow.Barcode)
		}
		if err := tx.DeleteCopy(ctx, copyID); err != nil {
			return err
		}
		return tx.AdjustEditionCounts(ctx, copyRow.EditionID, -1, -1)
	})
}

/*
Package ledger provides the core types and rules of the circulation engine.

PURPOSE:
  This package contains the domain model shared by every other component:
  readers, the Title → Edition → Copy inventory hierarchy, loan records,
  payment receipts, import receipts, and the singleton Parameter record that
  gates every state transition.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: Monetary value backed by decimal.Decimal (no floats on money)
  - Reader: Library member with card validity window and running debt
  - Edition/Copy: Physical inventory with the quantity invariant
  - LoanRecord: The loan lifecycle entity, state derived on read
  - Cancellation: Audit fields shared by every reversible record

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every monetary value
  2. Derived state: a loan's state is computed from its fields, never stored
  3. Reversals are first-class: cancellation carries who/when/why
  4. Overdue is computed on read (now > dueDate), never via a sweep

SEE ALSO:
  - rules.go: Parameter-driven predicates
  - fine.go: Fine computation
  - store.go: Persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a monetary amount. Alias to decimal.Decimal so arithmetic and
// comparisons come from the decimal package directly.
type Money = decimal.Decimal

func MoneyFromInt(v int64) Money { return decimal.NewFromInt(v) }

func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ReaderID  int64
	TitleID   int64
	EditionID int64
	CopyID    int64
	LoanID    int64
	ReceiptID int64
	ImportID  int64
)

// =============================================================================
// READER
// =============================================================================

type Reader struct {
	ID          ReaderID
	Name        string
	Email       string
	Address     string
	DateOfBirth time.Time
	CardIssued  time.Time
	CardExpires time.Time
	TotalDebt   Money
	CreatedAt   time.Time
}

// CardValidAt reports whether the reader's card covers the given instant.
func (r *Reader) CardValidAt(at time.Time) bool {
	return !at.After(r.CardExpires)
}

// =============================================================================
// CATALOG - Title -> Edition -> Copy
// =============================================================================

type Title struct {
	ID       TitleID
	Name     string
	Category string
	Authors  []string
}

// Edition is one publisher/year/ISBN variant of a Title. Quantity counts
// every copy ever owned; Remaining counts copies not currently on loan.
// Invariant: 0 <= Remaining <= Quantity, and Remaining equals the number of
// this edition's copies with status CopyAvailable.
type Edition struct {
	ID           EditionID
	TitleID      TitleID
	Publisher    string
	PublishYear  int
	ISBN         string
	EditionLabel string
	Language     string
	UnitPrice    Money
	Quantity     int
	Remaining    int
}

type CopyStatus string

const (
	CopyAvailable CopyStatus = "available"
	CopyBorrowed  CopyStatus = "borrowed"
)

// Copy is one physical unit of an Edition, identified by a unique barcode.
type Copy struct {
	ID        CopyID
	EditionID EditionID
	Barcode   string
	Seq       int
	Status    CopyStatus
	CreatedAt time.Time
}

// =============================================================================
// CANCELLATION AUDIT - shared by loans, payments, and import receipts
// =============================================================================

type Cancellation struct {
	By     string
	At     time.Time
	Reason string
}

// =============================================================================
// LOAN RECORD
// =============================================================================

// LoanState is derived from a LoanRecord's fields, never persisted.
type LoanState string

const (
	StateOnLoan         LoanState = "on_loan"
	StateOverdue        LoanState = "overdue"
	StateReturnedOnTime LoanState = "returned_on_time"
	StateReturnedLate   LoanState = "returned_late"
	StateCancelled      LoanState = "cancelled"
)

// LoanRecord is the loan lifecycle entity. Exactly one open (non-returned,
// non-cancelled) record may exist per copy at a time.
type LoanRecord struct {
	ID         LoanID
	ReaderID   ReaderID
	CopyID     CopyID
	BorrowDate time.Time
	DueDate    time.Time
	ReturnDate *time.Time
	FineAmount Money
	Notes      string
	Cancelled  *Cancellation
	CreatedAt  time.Time
}

// Open reports whether the loan is still active: not returned, not cancelled.
func (l *LoanRecord) Open() bool {
	return l.Cancelled == nil && l.ReturnDate == nil
}

// State derives the loan's state as of the given instant. Overdue is a view
// of an open loan past its due date, not a stored flag.
func (l *LoanRecord) State(asOf time.Time) LoanState {
	switch {
	case l.Cancelled != nil:
		return StateCancelled
	case l.ReturnDate == nil:
		if asOf.After(l.DueDate) {
			return StateOverdue
		}
		return StateOnLoan
	case l.ReturnDate.After(l.DueDate):
		return StateReturnedLate
	default:
		return StateReturnedOnTime
	}
}

// =============================================================================
// PAYMENT RECEIPT
// =============================================================================

type PaymentReceipt struct {
	ID        ReceiptID
	ReaderID  ReaderID
	Amount    Money
	Method    string
	CreatedAt time.Time
	Cancelled *Cancellation
}

// =============================================================================
// IMPORT RECEIPT - stock intake batch
// =============================================================================

type ImportReceipt struct {
	ID         ImportID
	ImportDate time.Time
	CreatedBy  string
	Notes      string
	Cancelled  *Cancellation
	Lines      []ImportLine
}

// ImportLine records one edition received in a batch. Each line increases
// the edition's Quantity and Remaining by its quantity and spawns that many
// copies with sequential barcodes.
type ImportLine struct {
	ID        int64
	ImportID  ImportID
	EditionID EditionID
	Quantity  int
	UnitPrice Money
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditAction string

const (
	AuditLoanCancelled    AuditAction = "loan_cancelled"
	AuditReturnReversed   AuditAction = "return_reversed"
	AuditPaymentCancelled AuditAction = "payment_cancelled"
	AuditImportCancelled  AuditAction = "import_cancelled"
)

// AuditEntry records who reversed what when. Written in the same database
// transaction as the reversal itself.
type AuditEntry struct {
	ID        string // uuid
	Action    AuditAction
	RecordID  int64
	ActorID   string
	Reason    string
	Timestamp time.Time
}

// Barcode formats a copy barcode from an edition id and a per-edition
// sequence number, e.g. "0012-003".
func Barcode(editionID EditionID, seq int) string {
	return fmt.Sprintf("%04d-%03d", editionID, seq)
}

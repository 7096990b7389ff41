/*
store.go - Persistence interfaces for the circulation engine

PURPOSE:
  Defines the interface between the domain logic and the database. Every
  state transition in the circulation and intake services runs inside one
  database transaction obtained via WithTx; the store serializes those
  transactions so concurrent borrow attempts on the same edition cannot
  over-allocate below zero remaining copies.

KEY INTERFACES:
  ParameterStore: The singleton configuration record
  ReaderStore:    Readers and the running debt balance
  CatalogStore:   Titles, editions, copies, search
  LoanStore:      Loan records and open-loan queries
  PaymentStore:   Payment receipts
  ImportStore:    Stock intake receipts
  Store:          All of the above plus WithTx

GUARDED WRITES:
  AdjustEditionCounts and AdjustReaderDebt are invariant-preserving: a write
  that would leave remaining < 0, remaining > quantity, or debt < 0 fails
  with a consistency error, which aborts the enclosing transaction.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store (also used in-memory by tests)

SEE ALSO:
  - circulation/service.go: the transactional state machine built on Store
  - inventory/intake.go: stock intake built on Store
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// PARAMETERS
// =============================================================================

type ParameterStore interface {
	// Parameters returns the singleton record, creating it with defaults on
	// first access.
	Parameters(ctx context.Context) (Parameter, error)

	// UpdateParameters replaces the singleton record. The administrative
	// update path validates before calling this.
	UpdateParameters(ctx context.Context, p Parameter) error
}

// =============================================================================
// READERS
// =============================================================================

type ReaderStore interface {
	// SaveReader inserts a reader and fills in its ID.
	SaveReader(ctx context.Context, r *Reader) error

	Reader(ctx context.Context, id ReaderID) (*Reader, error)

	ListReaders(ctx context.Context) ([]Reader, error)

	// AdjustReaderDebt adds delta (possibly negative) to the reader's debt.
	// Fails with ErrDebtInconsistent if the result would be negative.
	AdjustReaderDebt(ctx context.Context, id ReaderID, delta Money) error

	// DeleteReader removes a reader. Protected: fails if any loan record
	// references the reader.
	DeleteReader(ctx context.Context, id ReaderID) error
}

// =============================================================================
// CATALOG
// =============================================================================

// SearchFilter drives the catalog search query. Zero values mean "no filter".
type SearchFilter struct {
	Title         string
	Author        string
	Category      string
	Publisher     string
	Year          int
	OnlyAvailable bool
}

// SearchResult is one catalog search hit: an edition joined with its title.
type SearchResult struct {
	Edition Edition
	Title   Title
}

type CatalogStore interface {
	// SaveTitle inserts a title (with its authors) and fills in its ID.
	SaveTitle(ctx context.Context, t *Title) error

	// FindTitle looks a title up by name and category, case-insensitively.
	// Returns (nil, nil) when no title matches.
	FindTitle(ctx context.Context, name, category string) (*Title, error)

	Title(ctx context.Context, id TitleID) (*Title, error)

	// SaveEdition inserts an edition and fills in its ID.
	SaveEdition(ctx context.Context, e *Edition) error

	Edition(ctx context.Context, id EditionID) (*Edition, error)

	// FindEdition matches an existing edition by title, publisher, year,
	// ISBN and edition label (case-insensitive publisher match). Returns
	// (nil, nil) when no edition matches.
	FindEdition(ctx context.Context, titleID TitleID, publisher string, year int, isbn, editionLabel string) (*Edition, error)

	// AdjustEditionCounts adds the deltas to quantity and remaining. Fails
	// with ErrInventoryInconsistent if the result would violate
	// 0 <= remaining <= quantity.
	AdjustEditionCounts(ctx context.Context, id EditionID, dQuantity, dRemaining int) error

	// CreateCopies spawns n available copies with sequential barcodes.
	CreateCopies(ctx context.Context, editionID EditionID, n int) ([]Copy, error)

	Copy(ctx context.Context, id CopyID) (*Copy, error)

	CopyByBarcode(ctx context.Context, barcode string) (*Copy, error)

	// SelectAvailableCopy picks one available copy of the edition. Must be
	// called inside WithTx: the store serializes transactions so two
	// concurrent borrows cannot both select the last available copy.
	SelectAvailableCopy(ctx context.Context, editionID EditionID) (*Copy, error)

	SetCopyStatus(ctx context.Context, id CopyID, status CopyStatus) error

	// BorrowedCopyCount counts the edition's copies currently on loan.
	BorrowedCopyCount(ctx context.Context, editionID EditionID) (int, error)

	// AvailableCopyCount counts the edition's copies with status available.
	// Used by invariant checks in tests and reports.
	AvailableCopyCount(ctx context.Context, editionID EditionID) (int, error)

	// DeleteNewestAvailableCopies deletes exactly n of the edition's most
	// recently created available copies. Fails if fewer than n are
	// available; never deletes a borrowed copy.
	DeleteNewestAvailableCopies(ctx context.Context, editionID EditionID, n int) error

	// DeleteCopy removes a single copy. Protected: fails if the copy is
	// borrowed or referenced by any loan record.
	DeleteCopy(ctx context.Context, id CopyID) error

	SearchEditions(ctx context.Context, f SearchFilter) ([]SearchResult, error)
}

// =============================================================================
// LOANS
// =============================================================================

// LoanFilter drives loan listings. Zero values mean "no filter".
type LoanFilter struct {
	ReaderID  ReaderID
	CopyID    CopyID
	OpenOnly  bool
	Cancelled *bool
	// OverdueAsOf, when set, restricts to open loans with DueDate before it.
	OverdueAsOf *time.Time
}

type LoanStore interface {
	// CreateLoan inserts a loan record and fills in its ID.
	CreateLoan(ctx context.Context, l *LoanRecord) error

	Loan(ctx context.Context, id LoanID) (*LoanRecord, error)

	// OpenLoanByCopy returns the open (non-returned, non-cancelled) loan for
	// a reader+copy pair, or ErrLoanNotFound.
	OpenLoanByCopy(ctx context.Context, readerID ReaderID, copyID CopyID) (*LoanRecord, error)

	// OpenLoanCount counts a reader's open loans.
	OpenLoanCount(ctx context.Context, readerID ReaderID) (int, error)

	// OverdueLoanCount counts a reader's open loans past due as of now.
	OverdueLoanCount(ctx context.Context, readerID ReaderID, now time.Time) (int, error)

	// SetLoanReturn sets (or clears, with a nil date) the return date and
	// the posted fine.
	SetLoanReturn(ctx context.Context, id LoanID, returnDate *time.Time, fine Money) error

	// AppendLoanNote appends a line to the loan's notes.
	AppendLoanNote(ctx context.Context, id LoanID, note string) error

	// CancelLoanRecord marks the loan cancelled with its audit fields.
	CancelLoanRecord(ctx context.Context, id LoanID, c Cancellation) error

	ListLoans(ctx context.Context, f LoanFilter) ([]LoanRecord, error)
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentFilter drives receipt listings.
type PaymentFilter struct {
	ReaderID  ReaderID
	Cancelled *bool
	From      *time.Time
	To        *time.Time
}

type PaymentStore interface {
	// CreatePayment inserts a receipt and fills in its ID.
	CreatePayment(ctx context.Context, r *PaymentReceipt) error

	Payment(ctx context.Context, id ReceiptID) (*PaymentReceipt, error)

	CancelPaymentRecord(ctx context.Context, id ReceiptID, c Cancellation) error

	ListPayments(ctx context.Context, f PaymentFilter) ([]PaymentReceipt, error)
}

// =============================================================================
// IMPORTS
// =============================================================================

type ImportStore interface {
	// CreateImport inserts a receipt with its lines and fills in the IDs.
	CreateImport(ctx context.Context, r *ImportReceipt) error

	Import(ctx context.Context, id ImportID) (*ImportReceipt, error)

	CancelImportRecord(ctx context.Context, id ImportID, c Cancellation) error

	ListImports(ctx context.Context) ([]ImportReceipt, error)
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditStore interface {
	// AppendAudit records an audit entry. Written inside the same
	// transaction as the reversal it describes.
	AppendAudit(ctx context.Context, e AuditEntry) error

	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// =============================================================================
// STORE - everything, plus transactions
// =============================================================================

// Store bundles every persistence interface with transactional composition.
type Store interface {
	ParameterStore
	ReaderStore
	CatalogStore
	LoanStore
	PaymentStore
	ImportStore
	AuditStore

	// WithTx executes fn within a database transaction. If fn returns an
	// error the transaction is rolled back, otherwise committed.
	// Transactions are serialized: this is the row-lock equivalent that
	// keeps copy selection and counter updates race free.
	WithTx(ctx context.Context, fn func(Store) error) error
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/shelfline/circulation-engine/ledger"
)

// =============================================================================
// LOANS
// =============================================================================

type loanRow struct {
	ID         int64   `db:"id"`
	ReaderID   int64   `db:"reader_id"`
	CopyID     int64   `db:"copy_id"`
	BorrowDate string  `db:"borrow_date"`
	DueDate    string  `db:"due_date"`
	ReturnDate *string `db:"return_date"`
	FineAmount string  `db:"fine_amount"`
	Notes      string  `db:"notes"`
	CreatedAt  string  `db:"created_at"`
	cancellationRow
}

func (r loanRow) toDomain() ledger.LoanRecord {
	return ledger.LoanRecord{
		ID:         ledger.LoanID(r.ID),
		ReaderID:   ledger.ReaderID(r.ReaderID),
		CopyID:     ledger.CopyID(r.CopyID),
		BorrowDate: parseTime(r.BorrowDate),
		DueDate:    parseTime(r.DueDate),
		ReturnDate: parseTimePtr(r.ReturnDate),
		FineAmount: ledger.MustParseMoney(r.FineAmount),
		Notes:      r.Notes,
		Cancelled:  r.cancellationRow.toDomain(),
		CreatedAt:  parseTime(r.CreatedAt),
	}
}

// CreateLoan inserts a loan record and fills in its ID. The partial unique
// index on open loans rejects a second open loan for the same copy.
func (s *Store) CreateLoan(ctx context.Context, l *ledger.LoanRecord) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO loans (reader_id, copy_id, borrow_date, due_date, return_date, fine_amount, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ReaderID, l.CopyID, formatTime(l.BorrowDate), formatTime(l.DueDate),
		formatTimePtr(l.ReturnDate), l.FineAmount.String(), l.Notes, formatTime(l.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("copy %d already on loan: %w", l.CopyID, ledger.ErrCopiesOnLoan)
	}
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read loan id: %w", err)
	}
	l.ID = ledger.LoanID(id)
	return nil
}

func (s *Store) Loan(ctx context.Context, id ledger.LoanID) (*ledger.LoanRecord, error) {
	var row loanRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM loans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loan %d: %w", id, ledger.ErrLoanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan %d: %w", id, err)
	}
	loan := row.toDomain()
	return &loan, nil
}

// OpenLoanByCopy returns the open loan for a reader+copy pair.
func (s *Store) OpenLoanByCopy(ctx context.Context, readerID ledger.ReaderID, copyID ledger.CopyID) (*ledger.LoanRecord, error) {
	var row loanRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT * FROM loans
		WHERE reader_id = ? AND copy_id = ? AND return_date IS NULL AND cancelled = FALSE`,
		readerID, copyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reader %d, copy %d: %w", readerID, copyID, ledger.ErrLoanNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open loan for copy %d: %w", copyID, err)
	}
	loan := row.toDomain()
	return &loan, nil
}

// OpenLoanCount counts a reader's open loans.
func (s *Store) OpenLoanCount(ctx context.Context, readerID ledger.ReaderID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n, `
		SELECT COUNT(*) FROM loans
		WHERE reader_id = ? AND return_date IS NULL AND cancelled = FALSE`, readerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count open loans for reader %d: %w", readerID, err)
	}
	return n, nil
}

// OverdueLoanCount counts a reader's open loans past due as of now.
func (s *Store) OverdueLoanCount(ctx context.Context, readerID ledger.ReaderID, now time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n, `
		SELECT COUNT(*) FROM loans
		WHERE reader_id = ? AND return_date IS NULL AND cancelled = FALSE AND due_date < ?`,
		readerID, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to count overdue loans for reader %d: %w", readerID, err)
	}
	return n, nil
}

// SetLoanReturn sets (or clears, with a nil date) the return date and the
// posted fine.
func (s *Store) SetLoanReturn(ctx context.Context, id ledger.LoanID, returnDate *time.Time, fine ledger.Money) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE loans SET return_date = ?, fine_amount = ? WHERE id = ?`,
		formatTimePtr(returnDate), fine.String(), id)
	if err != nil {
		return fmt.Errorf("failed to set return for loan %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("loan %d: %w", id, ledger.ErrLoanNotFound)
	}
	return nil
}

// AppendLoanNote appends a line to the loan's notes.
func (s *Store) AppendLoanNote(ctx context.Context, id ledger.LoanID, note string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE loans
		SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
		WHERE id = ?`, note, note, id)
	if err != nil {
		return fmt.Errorf("failed to append note to loan %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("loan %d: %w", id, ledger.ErrLoanNotFound)
	}
	return nil
}

// CancelLoanRecord marks the loan cancelled with its audit fields.
func (s *Store) CancelLoanRecord(ctx context.Context, id ledger.LoanID, c ledger.Cancellation) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE loans
		SET cancelled = TRUE, cancelled_by = ?, cancelled_at = ?, cancel_reason = ?
		WHERE id = ? AND cancelled = FALSE`,
		c.By, formatTime(c.At), c.Reason, id)
	if err != nil {
		return fmt.Errorf("failed to cancel loan %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("loan %d: %w", id, ledger.ErrAlreadyCancelled)
	}
	return nil
}

func (s *Store) ListLoans(ctx context.Context, f ledger.LoanFilter) ([]ledger.LoanRecord, error) {
	ds := dialect.From("loans").Order(goqu.I("id").Asc())

	if f.ReaderID != 0 {
		ds = ds.Where(goqu.C("reader_id").Eq(int64(f.ReaderID)))
	}
	if f.CopyID != 0 {
		ds = ds.Where(goqu.C("copy_id").Eq(int64(f.CopyID)))
	}
	if f.OpenOnly {
		ds = ds.Where(goqu.C("return_date").IsNull(), goqu.C("cancelled").IsFalse())
	}
	if f.Cancelled != nil {
		ds = ds.Where(goqu.C("cancelled").Eq(*f.Cancelled))
	}
	if f.OverdueAsOf != nil {
		ds = ds.Where(
			goqu.C("return_date").IsNull(),
			goqu.C("cancelled").IsFalse(),
			goqu.C("due_date").Lt(formatTime(*f.OverdueAsOf)),
		)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build loan query: %w", err)
	}

	var rows []loanRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	loans := make([]ledger.LoanRecord, 0, len(rows))
	for _, row := range rows {
		loans = append(loans, row.toDomain())
	}
	return loans, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

type paymentRow struct {
	ID        int64  `db:"id"`
	ReaderID  int64  `db:"reader_id"`
	Amount    string `db:"amount"`
	Method    string `db:"method"`
	CreatedAt string `db:"created_at"`
	cancellationRow
}

func (r paymentRow) toDomain() ledger.PaymentReceipt {
	return ledger.PaymentReceipt{
		ID:        ledger.ReceiptID(r.ID),
		ReaderID:  ledger.ReaderID(r.ReaderID),
		Amount:    ledger.MustParseMoney(r.Amount),
		Method:    r.Method,
		CreatedAt: parseTime(r.CreatedAt),
		Cancelled: r.cancellationRow.toDomain(),
	}
}

// CreatePayment inserts a receipt and fills in its ID.
func (s *Store) CreatePayment(ctx context.Context, r *ledger.PaymentReceipt) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (reader_id, amount, method, created_at)
		VALUES (?, ?, ?, ?)`,
		r.ReaderID, r.Amount.String(), r.Method, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read payment id: %w", err)
	}
	r.ID = ledger.ReceiptID(id)
	return nil
}

func (s *Store) Payment(ctx context.Context, id ledger.ReceiptID) (*ledger.PaymentReceipt, error) {
	var row paymentRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM payments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %d: %w", id, ledger.ErrReceiptNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment %d: %w", id, err)
	}
	receipt := row.toDomain()
	return &receipt, nil
}

func (s *Store) CancelPaymentRecord(ctx context.Context, id ledger.ReceiptID, c ledger.Cancellation) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE payments
		SET cancelled = TRUE, cancelled_by = ?, cancelled_at = ?, cancel_reason = ?
		WHERE id = ? AND cancelled = FALSE`,
		c.By, formatTime(c.At), c.Reason, id)
	if err != nil {
		return fmt.Errorf("failed to cancel payment %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %d: %w", id, ledger.ErrAlreadyCancelled)
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.PaymentReceipt, error) {
	ds := dialect.From("payments").Order(goqu.I("id").Asc())

	if f.ReaderID != 0 {
		ds = ds.Where(goqu.C("reader_id").Eq(int64(f.ReaderID)))
	}
	if f.Cancelled != nil {
		ds = ds.Where(goqu.C("cancelled").Eq(*f.Cancelled))
	}
	if f.From != nil {
		ds = ds.Where(goqu.C("created_at").Gte(formatTime(*f.From)))
	}
	if f.To != nil {
		ds = ds.Where(goqu.C("created_at").Lt(formatTime(*f.To)))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build payment query: %w", err)
	}

	var rows []paymentRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	receipts := make([]ledger.PaymentReceipt, 0, len(rows))
	for _, row := range rows {
		receipts = append(receipts, row.toDomain())
	}
	return receipts, nil
}

// =============================================================================
// IMPORTS
// =============================================================================

type importRow struct {
	ID         int64  `db:"id"`
	ImportDate string `db:"import_date"`
	CreatedBy  string `db:"created_by"`
	Notes      string `db:"notes"`
	cancellationRow
}

type importLineRow struct {
	ID        int64  `db:"id"`
	ImportID  int64  `db:"import_id"`
	EditionID int64  `db:"edition_id"`
	Quantity  int    `db:"quantity"`
	UnitPrice string `db:"unit_price"`
}

// CreateImport inserts a receipt with its lines and fills in the IDs.
func (s *Store) CreateImport(ctx context.Context, r *ledger.ImportReceipt) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO imports (import_date, created_by, notes)
		VALUES (?, ?, ?)`,
		formatTime(r.ImportDate), r.CreatedBy, r.Notes)
	if err != nil {
		return fmt.Errorf("failed to insert import: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read import id: %w", err)
	}
	r.ID = ledger.ImportID(id)

	for i := range r.Lines {
		line := &r.Lines[i]
		line.ImportID = r.ID
		res, err := s.q.ExecContext(ctx, `
			INSERT INTO import_lines (import_id, edition_id, quantity, unit_price)
			VALUES (?, ?, ?, ?)`,
			line.ImportID, line.EditionID, line.Quantity, line.UnitPrice.String())
		if err != nil {
			return fmt.Errorf("failed to insert import line: %w", err)
		}
		lineID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read import line id: %w", err)
		}
		line.ID = lineID
	}
	return nil
}

func (s *Store) Import(ctx context.Context, id ledger.ImportID) (*ledger.ImportReceipt, error) {
	var row importRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM imports WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("import %d: %w", id, ledger.ErrImportNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load import %d: %w", id, err)
	}

	receipt := ledger.ImportReceipt{
		ID:         ledger.ImportID(row.ID),
		ImportDate: parseTime(row.ImportDate),
		CreatedBy:  row.CreatedBy,
		Notes:      row.Notes,
		Cancelled:  row.cancellationRow.toDomain(),
	}
	if err := s.loadImportLines(ctx, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *Store) loadImportLines(ctx context.Context, r *ledger.ImportReceipt) error {
	var lines []importLineRow
	err := sqlx.SelectContext(ctx, s.q, &lines,
		`SELECT * FROM import_lines WHERE import_id = ? ORDER BY id`, r.ID)
	if err != nil {
		return fmt.Errorf("failed to load lines for import %d: %w", r.ID, err)
	}
	r.Lines = make([]ledger.ImportLine, 0, len(lines))
	for _, l := range lines {
		r.Lines = append(r.Lines, ledger.ImportLine{
			ID:        l.ID,
			ImportID:  ledger.ImportID(l.ImportID),
			EditionID: ledger.EditionID(l.EditionID),
			Quantity:  l.Quantity,
			UnitPrice: ledger.MustParseMoney(l.UnitPrice),
		})
	}
	return nil
}

func (s *Store) CancelImportRecord(ctx context.Context, id ledger.ImportID, c ledger.Cancellation) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE imports
		SET cancelled = TRUE, cancelled_by = ?, cancelled_at = ?, cancel_reason = ?
		WHERE id = ? AND cancelled = FALSE`,
		c.By, formatTime(c.At), c.Reason, id)
	if err != nil {
		return fmt.Errorf("failed to cancel import %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("import %d: %w", id, ledger.ErrAlreadyCancelled)
	}
	return nil
}

func (s *Store) ListImports(ctx context.Context) ([]ledger.ImportReceipt, error) {
	var rows []importRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, `SELECT * FROM imports ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list imports: %w", err)
	}
	receipts := make([]ledger.ImportReceipt, 0, len(rows))
	for _, row := range rows {
		receipt := ledger.ImportReceipt{
			ID:         ledger.ImportID(row.ID),
			ImportDate: parseTime(row.ImportDate),
			CreatedBy:  row.CreatedBy,
			Notes:      row.Notes,
			Cancelled:  row.cancellationRow.toDomain(),
		}
		if err := s.loadImportLines(ctx, &receipt); err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}

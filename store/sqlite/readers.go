package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shelfline/circulation-engine/ledger"
)

// =============================================================================
// PARAMETERS (singleton)
// =============================================================================

type parameterRow struct {
	ID                      int    `db:"id"`
	MinAge                  int    `db:"min_age"`
	MaxAge                  int    `db:"max_age"`
	CardValidityMonths      int    `db:"card_validity_months"`
	BookReturnPeriodYears   int    `db:"book_return_period_years"`
	MaxBorrowedBooks        int    `db:"max_borrowed_books"`
	MaxBorrowDays           int    `db:"max_borrow_days"`
	FineRatePerDay          string `db:"fine_rate_per_day"`
	CancellationWindowHours int    `db:"cancellation_window_hours"`
	EnableReceiptValidation bool   `db:"enable_receipt_validation"`
	AllowBorrowWhenOverdue  bool   `db:"allow_borrow_when_overdue"`
	UpdatedAt               string `db:"updated_at"`
}

func (r parameterRow) toDomain() ledger.Parameter {
	return ledger.Parameter{
		MinAge:                  r.MinAge,
		MaxAge:                  r.MaxAge,
		CardValidityMonths:      r.CardValidityMonths,
		BookReturnPeriodYears:   r.BookReturnPeriodYears,
		MaxBorrowedBooks:        r.MaxBorrowedBooks,
		MaxBorrowDays:           r.MaxBorrowDays,
		FineRatePerDay:          ledger.MustParseMoney(r.FineRatePerDay),
		CancellationWindowHours: r.CancellationWindowHours,
		EnableReceiptValidation: r.EnableReceiptValidation,
		AllowBorrowWhenOverdue:  r.AllowBorrowWhenOverdue,
		UpdatedAt:               parseTime(r.UpdatedAt),
	}
}

// Parameters returns the singleton record, creating it with defaults on
// first access.
func (s *Store) Parameters(ctx context.Context) (ledger.Parameter, error) {
	var row parameterRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM parameters WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		p := ledger.DefaultParameters()
		p.UpdatedAt = time.Now().UTC()
		if err := s.writeParameters(ctx, p, true); err != nil {
			return ledger.Parameter{}, err
		}
		return p, nil
	}
	if err != nil {
		return ledger.Parameter{}, fmt.Errorf("failed to load parameters: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateParameters replaces the singleton record.
func (s *Store) UpdateParameters(ctx context.Context, p ledger.Parameter) error {
	return s.writeParameters(ctx, p, false)
}

func (s *Store) writeParameters(ctx context.Context, p ledger.Parameter, insert bool) error {
	if insert {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO parameters (
				id, min_age, max_age, card_validity_months, book_return_period_years,
				max_borrowed_books, max_borrow_days, fine_rate_per_day,
				cancellation_window_hours, enable_receipt_validation,
				allow_borrow_when_overdue, updated_at
			) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.MinAge, p.MaxAge, p.CardValidityMonths, p.BookReturnPeriodYears,
			p.MaxBorrowedBooks, p.MaxBorrowDays, p.FineRatePerDay.String(),
			p.CancellationWindowHours, p.EnableReceiptValidation,
			p.AllowBorrowWhenOverdue, formatTime(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert parameters: %w", err)
		}
		return nil
	}

	_, err := s.q.ExecContext(ctx, `
		UPDATE parameters SET
			min_age = ?, max_age = ?, card_validity_months = ?,
			book_return_period_years = ?, max_borrowed_books = ?,
			max_borrow_days = ?, fine_rate_per_day = ?,
			cancellation_window_hours = ?, enable_receipt_validation = ?,
			allow_borrow_when_overdue = ?, updated_at = ?
		WHERE id = 1`,
		p.MinAge, p.MaxAge, p.CardValidityMonths, p.BookReturnPeriodYears,
		p.MaxBorrowedBooks, p.MaxBorrowDays, p.FineRatePerDay.String(),
		p.CancellationWindowHours, p.EnableReceiptValidation,
		p.AllowBorrowWhenOverdue, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to update parameters: %w", err)
	}
	return nil
}

// =============================================================================
// READERS
// =============================================================================

type readerRow struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Email       string `db:"email"`
	Address     string `db:"address"`
	DateOfBirth string `db:"date_of_birth"`
	CardIssued  string `db:"card_issued"`
	CardExpires string `db:"card_expires"`
	TotalDebt   string `db:"total_debt"`
	CreatedAt   string `db:"created_at"`
}

func (r readerRow) toDomain() ledger.Reader {
	return ledger.Reader{
		ID:          ledger.ReaderID(r.ID),
		Name:        r.Name,
		Email:       r.Email,
		Address:     r.Address,
		DateOfBirth: parseTime(r.DateOfBirth),
		CardIssued:  parseTime(r.CardIssued),
		CardExpires: parseTime(r.CardExpires),
		TotalDebt:   ledger.MustParseMoney(r.TotalDebt),
		CreatedAt:   parseTime(r.CreatedAt),
	}
}

// SaveReader inserts a reader and fills in its ID.
func (s *Store) SaveReader(ctx context.Context, r *ledger.Reader) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO readers (name, email, address, date_of_birth, card_issued, card_expires, total_debt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Email, r.Address, formatTime(r.DateOfBirth),
		formatTime(r.CardIssued), formatTime(r.CardExpires),
		r.TotalDebt.String(), formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert reader: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read reader id: %w", err)
	}
	r.ID = ledger.ReaderID(id)
	return nil
}

func (s *Store) Reader(ctx context.Context, id ledger.ReaderID) (*ledger.Reader, error) {
	var row readerRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM readers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReaderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reader %d: %w", id, err)
	}
	reader := row.toDomain()
	return &reader, nil
}

func (s *Store) ListReaders(ctx context.Context) ([]ledger.Reader, error) {
	var rows []readerRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, `SELECT * FROM readers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	readers := make([]ledger.Reader, 0, len(rows))
	for _, row := range rows {
		readers = append(readers, row.toDomain())
	}
	return readers, nil
}

// AdjustReaderDebt adds delta (possibly negative) to the reader's debt.
// Debt is stored as decimal text, so the adjustment is read-modify-write;
// that is safe because every caller runs inside the serialized transaction.
func (s *Store) AdjustReaderDebt(ctx context.Context, id ledger.ReaderID, delta ledger.Money) error {
	var current string
	err := sqlx.GetContext(ctx, s.q, &current, `SELECT total_debt FROM readers WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrReaderNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load debt for reader %d: %w", id, err)
	}

	next := ledger.MustParseMoney(current).Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: reader %d, delta %v", ledger.ErrDebtInconsistent, id, delta)
	}

	if _, err := s.q.ExecContext(ctx, `UPDATE readers SET total_debt = ? WHERE id = ?`, next.String(), id); err != nil {
		return fmt.Errorf("failed to adjust debt for reader %d: %w", id, err)
	}
	return nil
}

// DeleteReader removes a reader. Protected: fails if any loan record
// references the reader.
func (s *Store) DeleteReader(ctx context.Context, id ledger.ReaderID) error {
	var loans int
	if err := sqlx.GetContext(ctx, s.q, &loans, `SELECT COUNT(*) FROM loans WHERE reader_id = ?`, id); err != nil {
		return fmt.Errorf("failed to count loans for reader %d: %w", id, err)
	}
	if loans > 0 {
		return fmt.Errorf("%w: reader %d has %d loan records", ledger.ErrReaderHasHistory, id, loans)
	}

	res, err := s.q.ExecContext(ctx, `DELETE FROM readers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reader %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrReaderNotFound
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditRow struct {
	ID        string `db:"id"`
	Action    string `db:"action"`
	RecordID  int64  `db:"record_id"`
	ActorID   string `db:"actor_id"`
	Reason    string `db:"reason"`
	Timestamp string `db:"timestamp"`
}

// AppendAudit records an audit entry.
func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, record_id, actor_id, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), e.RecordID, e.ActorID, e.Reason, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]ledger.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := sqlx.SelectContext(ctx, s.q, &rows,
		`SELECT * FROM audit_log ORDER BY timestamp DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	entries := make([]ledger.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, ledger.AuditEntry{
			ID:        row.ID,
			Action:    ledger.AuditAction(row.Action),
			RecordID:  row.RecordID,
			ActorID:   row.ActorID,
			Reason:    row.Reason,
			Timestamp: parseTime(row.Timestamp),
		})
	}
	return entries, nil
}

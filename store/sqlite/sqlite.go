/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface from the ledger package (readers,
  catalog, loans, payments, imports, parameters, audit) in a single Store
  type. In production the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

TRANSACTIONS & SERIALIZATION:
  WithTx runs the callback inside a database transaction guarded by a
  process-wide mutex. Serializing writers is the row-lock equivalent the
  circulation engine relies on: two concurrent borrow attempts on the same
  edition are ordered, so the second sees the first's copy flip and can
  never drive remaining_quantity negative. Reads outside a transaction run
  lock free under WAL.

INVARIANT GUARDS:
  Edition counter updates are guarded UPDATEs: a delta that would leave
  remaining_quantity outside [0, quantity] affects zero rows and surfaces
  as a consistency error, aborting the enclosing transaction. Reader debt
  is decimal text, so it is adjusted read-modify-write inside the
  serialized transaction with a non-negativity check.

KEY TABLES:
  parameters          singleton configuration record (id always 1)
  readers             members, card window, running total_debt
  titles/authors/editions/copies  the inventory hierarchy
  loans               loan lifecycle rows; a partial unique index enforces
                      at most one open loan per copy
  payments            debt settlement receipts
  imports/import_lines  stock intake batches
  audit_log           reversal audit entries

WAL MODE:
  SQLite is opened with WAL and foreign keys on. Use ":memory:" for tests.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: interface definitions
  - circulation, inventory: the services built on this store
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shelfline/circulation-engine/ledger"
)

var _ ledger.Store = (*Store)(nil)

var dialect = goqu.Dialect("sqlite3")

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sqlx.DB
	mu *sync.Mutex
	q  sqlx.ExtContext // db, or the active transaction
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, mu: &sync.Mutex{}, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Singleton configuration record. id is pinned to 1.
	CREATE TABLE IF NOT EXISTS parameters (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		min_age INTEGER NOT NULL,
		max_age INTEGER NOT NULL,
		card_validity_months INTEGER NOT NULL,
		book_return_period_years INTEGER NOT NULL,
		max_borrowed_books INTEGER NOT NULL,
		max_borrow_days INTEGER NOT NULL,
		fine_rate_per_day TEXT NOT NULL,
		cancellation_window_hours INTEGER NOT NULL,
		enable_receipt_validation BOOLEAN NOT NULL,
		allow_borrow_when_overdue BOOLEAN NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS readers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		date_of_birth TEXT NOT NULL,
		card_issued TEXT NOT NULL,
		card_expires TEXT NOT NULL,
		total_debt TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS titles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS authors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE COLLATE NOCASE
	);

	CREATE TABLE IF NOT EXISTS title_authors (
		title_id INTEGER NOT NULL REFERENCES titles(id),
		author_id INTEGER NOT NULL REFERENCES authors(id),
		PRIMARY KEY (title_id, author_id)
	);

	CREATE TABLE IF NOT EXISTS editions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title_id INTEGER NOT NULL REFERENCES titles(id),
		publisher TEXT NOT NULL DEFAULT '',
		publish_year INTEGER NOT NULL,
		isbn TEXT NOT NULL DEFAULT '',
		edition_label TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		unit_price TEXT NOT NULL DEFAULT '0',
		quantity INTEGER NOT NULL DEFAULT 0,
		remaining_quantity INTEGER NOT NULL DEFAULT 0,
		CHECK (remaining_quantity >= 0 AND remaining_quantity <= quantity)
	);

	CREATE INDEX IF NOT EXISTS idx_editions_title ON editions(title_id);

	CREATE TABLE IF NOT EXISTS copies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		edition_id INTEGER NOT NULL REFERENCES editions(id),
		barcode TEXT NOT NULL UNIQUE,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		created_at TEXT NOT NULL,
		UNIQUE (edition_id, seq)
	);

	-- Hot path: copy selection during borrow.
	CREATE INDEX IF NOT EXISTS idx_copies_edition_status ON copies(edition_id, status);

	CREATE TABLE IF NOT EXISTS loans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reader_id INTEGER NOT NULL REFERENCES readers(id),
		copy_id INTEGER NOT NULL REFERENCES copies(id),
		borrow_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		return_date TEXT,
		fine_amount TEXT NOT NULL DEFAULT '0',
		notes TEXT NOT NULL DEFAULT '',
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		cancelled_by TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loans_reader ON loans(reader_id);
	CREATE INDEX IF NOT EXISTS idx_loans_due ON loans(due_date);

	-- CRITICAL: at most one open (non-returned, non-cancelled) loan per copy.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_open_copy
		ON loans(copy_id)
		WHERE return_date IS NULL AND cancelled = FALSE;

	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reader_id INTEGER NOT NULL REFERENCES readers(id),
		amount TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		cancelled_by TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_reader ON payments(reader_id);

	CREATE TABLE IF NOT EXISTS imports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		import_date TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		cancelled_by TEXT,
		cancelled_at TEXT,
		cancel_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS import_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		import_id INTEGER NOT NULL REFERENCES imports(id),
		edition_id INTEGER NOT NULL REFERENCES editions(id),
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_import_lines_import ON import_lines(import_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		record_id INTEGER NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. Transactions are
// serialized by a process-wide mutex; see the package comment.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if _, nested := s.q.(*sqlx.Tx); nested {
		// Already inside a transaction; compose into it.
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	txStore := &Store{db: s.db, mu: s.mu, q: tx}
	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// cancellationRow is the shared shape of the audit columns on loans,
// payments, and imports.
type cancellationRow struct {
	Cancelled    bool           `db:"cancelled"`
	CancelledBy  sql.NullString `db:"cancelled_by"`
	CancelledAt  sql.NullString `db:"cancelled_at"`
	CancelReason sql.NullString `db:"cancel_reason"`
}

func (c cancellationRow) toDomain() *ledger.Cancellation {
	if !c.Cancelled {
		return nil
	}
	return &ledger.Cancellation{
		By:     c.CancelledBy.String,
		At:     parseTime(c.CancelledAt.String),
		Reason: c.CancelReason.String,
	}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

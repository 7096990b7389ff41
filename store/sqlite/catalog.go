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
// TITLES & AUTHORS
// =============================================================================

type titleRow struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Category string `db:"category"`
}

// SaveTitle inserts a title and its authors, reusing existing author rows by
// case-insensitive name.
func (s *Store) SaveTitle(ctx context.Context, t *ledger.Title) error {
	res, err := s.q.ExecContext(ctx, `INSERT INTO titles (name, category) VALUES (?, ?)`, t.Name, t.Category)
	if err != nil {
		return fmt.Errorf("failed to insert title: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read title id: %w", err)
	}
	t.ID = ledger.TitleID(id)

	for _, author := range t.Authors {
		authorID, err := s.upsertAuthor(ctx, author)
		if err != nil {
			return err
		}
		_, err = s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO title_authors (title_id, author_id) VALUES (?, ?)`, t.ID, authorID)
		if err != nil {
			return fmt.Errorf("failed to link author %q: %w", author, err)
		}
	}
	return nil
}

func (s *Store) upsertAuthor(ctx context.Context, name string) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, s.q, &id, `SELECT id FROM authors WHERE name = ? COLLATE NOCASE`, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up author %q: %w", name, err)
	}
	res, err := s.q.ExecContext(ctx, `INSERT INTO authors (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert author %q: %w", name, err)
	}
	return res.LastInsertId()
}

// FindTitle looks a title up by name and category, case-insensitively.
func (s *Store) FindTitle(ctx context.Context, name, category string) (*ledger.Title, error) {
	var row titleRow
	err := sqlx.GetContext(ctx, s.q, &row,
		`SELECT * FROM titles WHERE name = ? COLLATE NOCASE AND category = ? COLLATE NOCASE`,
		name, category)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find title %q: %w", name, err)
	}
	return s.loadTitle(ctx, row)
}

func (s *Store) Title(ctx context.Context, id ledger.TitleID) (*ledger.Title, error) {
	var row titleRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM titles WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("title %d: %w", id, ledger.ErrEditionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load title %d: %w", id, err)
	}
	return s.loadTitle(ctx, row)
}

func (s *Store) loadTitle(ctx context.Context, row titleRow) (*ledger.Title, error) {
	var authors []string
	err := sqlx.SelectContext(ctx, s.q, &authors, `
		SELECT a.name FROM authors a
		JOIN title_authors ta ON ta.author_id = a.id
		WHERE ta.title_id = ?
		ORDER BY a.name`, row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load authors for title %d: %w", row.ID, err)
	}
	return &ledger.Title{
		ID:       ledger.TitleID(row.ID),
		Name:     row.Name,
		Category: row.Category,
		Authors:  authors,
	}, nil
}

// =============================================================================
// EDITIONS
// =============================================================================

type editionRow struct {
	ID           int64  `db:"id"`
	TitleID      int64  `db:"title_id"`
	Publisher    string `db:"publisher"`
	PublishYear  int    `db:"publish_year"`
	ISBN         string `db:"isbn"`
	EditionLabel string `db:"edition_label"`
	Language     string `db:"language"`
	UnitPrice    string `db:"unit_price"`
	Quantity     int    `db:"quantity"`
	Remaining    int    `db:"remaining_quantity"`
}

func (r editionRow) toDomain() ledger.Edition {
	return ledger.Edition{
		ID:           ledger.EditionID(r.ID),
		TitleID:      ledger.TitleID(r.TitleID),
		Publisher:    r.Publisher,
		PublishYear:  r.PublishYear,
		ISBN:         r.ISBN,
		EditionLabel: r.EditionLabel,
		Language:     r.Language,
		UnitPrice:    ledger.MustParseMoney(r.UnitPrice),
		Quantity:     r.Quantity,
		Remaining:    r.Remaining,
	}
}

// SaveEdition inserts an edition and fills in its ID.
func (s *Store) SaveEdition(ctx context.Context, e *ledger.Edition) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO editions (title_id, publisher, publish_year, isbn, edition_label, language, unit_price, quantity, remaining_quantity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TitleID, e.Publisher, e.PublishYear, e.ISBN, e.EditionLabel,
		e.Language, e.UnitPrice.String(), e.Quantity, e.Remaining)
	if err != nil {
		return fmt.Errorf("failed to insert edition: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read edition id: %w", err)
	}
	e.ID = ledger.EditionID(id)
	return nil
}

func (s *Store) Edition(ctx context.Context, id ledger.EditionID) (*ledger.Edition, error) {
	var row editionRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM editions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEditionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load edition %d: %w", id, err)
	}
	edition := row.toDomain()
	return &edition, nil
}

// FindEdition matches an existing edition by title, publisher, year, ISBN
// and edition label.
func (s *Store) FindEdition(ctx context.Context, titleID ledger.TitleID, publisher string, year int, isbn, editionLabel string) (*ledger.Edition, error) {
	var row editionRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT * FROM editions
		WHERE title_id = ? AND publisher = ? COLLATE NOCASE AND publish_year = ?
		  AND isbn = ? AND edition_label = ?`,
		titleID, publisher, year, isbn, editionLabel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find edition for title %d: %w", titleID, err)
	}
	edition := row.toDomain()
	return &edition, nil
}

// AdjustEditionCounts adds the deltas to quantity and remaining_quantity.
// The WHERE clause is the invariant guard: an update that would leave the
// counters outside 0 <= remaining <= quantity affects zero rows.
func (s *Store) AdjustEditionCounts(ctx context.Context, id ledger.EditionID, dQuantity, dRemaining int) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE editions
		SET quantity = quantity + ?, remaining_quantity = remaining_quantity + ?
		WHERE id = ?
		  AND quantity + ? >= 0
		  AND remaining_quantity + ? >= 0
		  AND remaining_quantity + ? <= quantity + ?`,
		dQuantity, dRemaining, id,
		dQuantity, dRemaining, dRemaining, dQuantity)
	if err != nil {
		return fmt.Errorf("failed to adjust counts for edition %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing edition from a guarded-out update.
		var exists int
		if err := sqlx.GetContext(ctx, s.q, &exists, `SELECT COUNT(*) FROM editions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to check edition %d: %w", id, err)
		}
		if exists == 0 {
			return ledger.ErrEditionNotFound
		}
		return fmt.Errorf("%w: edition %d, delta quantity %+d remaining %+d",
			ledger.ErrInventoryInconsistent, id, dQuantity, dRemaining)
	}
	return nil
}

// =============================================================================
// COPIES
// =============================================================================

type copyRow struct {
	ID        int64  `db:"id"`
	EditionID int64  `db:"edition_id"`
	Barcode   string `db:"barcode"`
	Seq       int    `db:"seq"`
	Status    string `db:"status"`
	CreatedAt string `db:"created_at"`
}

func (r copyRow) toDomain() ledger.Copy {
	return ledger.Copy{
		ID:        ledger.CopyID(r.ID),
		EditionID: ledger.EditionID(r.EditionID),
		Barcode:   r.Barcode,
		Seq:       r.Seq,
		Status:    ledger.CopyStatus(r.Status),
		CreatedAt: parseTime(r.CreatedAt),
	}
}

// CreateCopies spawns n available copies with sequential barcodes. The
// sequence continues past deleted copies so barcodes are never reused.
func (s *Store) CreateCopies(ctx context.Context, editionID ledger.EditionID, n int) ([]ledger.Copy, error) {
	var maxSeq int
	err := sqlx.GetContext(ctx, s.q, &maxSeq,
		`SELECT COALESCE(MAX(seq), 0) FROM copies WHERE edition_id = ?`, editionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read max seq for edition %d: %w", editionID, err)
	}

	now := time.Now().UTC()
	copies := make([]ledger.Copy, 0, n)
	for i := 1; i <= n; i++ {
		seq := maxSeq + i
		c := ledger.Copy{
			EditionID: editionID,
			Barcode:   ledger.Barcode(editionID, seq),
			Seq:       seq,
			Status:    ledger.CopyAvailable,
			CreatedAt: now,
		}
		res, err := s.q.ExecContext(ctx, `
			INSERT INTO copies (edition_id, barcode, seq, status, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.EditionID, c.Barcode, c.Seq, string(c.Status), formatTime(c.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to insert copy %s: %w", c.Barcode, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read copy id: %w", err)
		}
		c.ID = ledger.CopyID(id)
		copies = append(copies, c)
	}
	return copies, nil
}

func (s *Store) Copy(ctx context.Context, id ledger.CopyID) (*ledger.Copy, error) {
	var row copyRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM copies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrCopyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load copy %d: %w", id, err)
	}
	c := row.toDomain()
	return &c, nil
}

func (s *Store) CopyByBarcode(ctx context.Context, barcode string) (*ledger.Copy, error) {
	var row copyRow
	err := sqlx.GetContext(ctx, s.q, &row, `SELECT * FROM copies WHERE barcode = ?`, barcode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("barcode %s: %w", barcode, ledger.ErrCopyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load copy %s: %w", barcode, err)
	}
	c := row.toDomain()
	return &c, nil
}

// SelectAvailableCopy picks the oldest available copy of the edition. Must
// run inside WithTx so concurrent borrows cannot both claim the last copy.
func (s *Store) SelectAvailableCopy(ctx context.Context, editionID ledger.EditionID) (*ledger.Copy, error) {
	var row copyRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT * FROM copies
		WHERE edition_id = ? AND status = ?
		ORDER BY id LIMIT 1`, editionID, string(ledger.CopyAvailable))
	if errors.Is(err, sql.ErrNoRows) {
		var title string
		_ = sqlx.GetContext(ctx, s.q, &title, `
			SELECT t.name FROM titles t
			JOIN editions e ON e.title_id = t.id
			WHERE e.id = ?`, editionID)
		return nil, &ledger.EditionUnavailableError{EditionID: editionID, Title: title}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select copy for edition %d: %w", editionID, err)
	}
	c := row.toDomain()
	return &c, nil
}

func (s *Store) SetCopyStatus(ctx context.Context, id ledger.CopyID, status ledger.CopyStatus) error {
	res, err := s.q.ExecContext(ctx, `UPDATE copies SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to set status for copy %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrCopyNotFound
	}
	return nil
}

// BorrowedCopyCount counts the edition's copies currently on loan.
func (s *Store) BorrowedCopyCount(ctx context.Context, editionID ledger.EditionID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n,
		`SELECT COUNT(*) FROM copies WHERE edition_id = ? AND status = ?`,
		editionID, string(ledger.CopyBorrowed))
	if err != nil {
		return 0, fmt.Errorf("failed to count borrowed copies for edition %d: %w", editionID, err)
	}
	return n, nil
}

// AvailableCopyCount counts the edition's copies with status available.
func (s *Store) AvailableCopyCount(ctx context.Context, editionID ledger.EditionID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q, &n,
		`SELECT COUNT(*) FROM copies WHERE edition_id = ? AND status = ?`,
		editionID, string(ledger.CopyAvailable))
	if err != nil {
		return 0, fmt.Errorf("failed to count available copies for edition %d: %w", editionID, err)
	}
	return n, nil
}

// DeleteNewestAvailableCopies deletes exactly n of the edition's most
// recently created available copies. Copies are fungible, so an import
// cancellation removes the newest ones rather than tracking which batch a
// copy came from.
func (s *Store) DeleteNewestAvailableCopies(ctx context.Context, editionID ledger.EditionID, n int) error {
	var ids []int64
	err := sqlx.SelectContext(ctx, s.q, &ids, `
		SELECT id FROM copies
		WHERE edition_id = ? AND status = ?
		ORDER BY id DESC LIMIT ?`, editionID, string(ledger.CopyAvailable), n)
	if err != nil {
		return fmt.Errorf("failed to select copies for edition %d: %w", editionID, err)
	}
	if len(ids) < n {
		return fmt.Errorf("%w: edition %d has %d available copies, need %d",
			ledger.ErrInventoryInconsistent, editionID, len(ids), n)
	}

	query, args, err := sqlx.In(`DELETE FROM copies WHERE id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, s.q.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to delete copies for edition %d: %w", editionID, err)
	}
	return nil
}

// DeleteCopy removes a single copy. Protected: fails if the copy is
// borrowed or referenced by any loan record.
func (s *Store) DeleteCopy(ctx context.Context, id ledger.CopyID) error {
	var status string
	err := sqlx.GetContext(ctx, s.q, &status, `SELECT status FROM copies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrCopyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load copy %d: %w", id, err)
	}
	if ledger.CopyStatus(status) == ledger.CopyBorrowed {
		return fmt.Errorf("copy %d: %w", id, ledger.ErrCopiesOnLoan)
	}

	var loans int
	if err := sqlx.GetContext(ctx, s.q, &loans, `SELECT COUNT(*) FROM loans WHERE copy_id = ?`, id); err != nil {
		return fmt.Errorf("failed to count loans for copy %d: %w", id, err)
	}
	if loans > 0 {
		return fmt.Errorf("copy %d: %w", id, ledger.ErrCopyHasHistory)
	}

	if _, err := s.q.ExecContext(ctx, `DELETE FROM copies WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete copy %d: %w", id, err)
	}
	return nil
}

// =============================================================================
// SEARCH
// =============================================================================

type searchRow struct {
	editionRow
	TitleName string `db:"title_name"`
	Category  string `db:"category"`
}

// SearchEditions runs the catalog search. The query is assembled with goqu
// so optional filters compose without string concatenation.
func (s *Store) SearchEditions(ctx context.Context, f ledger.SearchFilter) ([]ledger.SearchResult, error) {
	ds := dialect.From(goqu.T("editions").As("e")).
		Select(
			goqu.I("e.id"), goqu.I("e.title_id"), goqu.I("e.publisher"),
			goqu.I("e.publish_year"), goqu.I("e.isbn"), goqu.I("e.edition_label"),
			goqu.I("e.language"), goqu.I("e.unit_price"), goqu.I("e.quantity"),
			goqu.I("e.remaining_quantity"),
			goqu.I("t.name").As("title_name"), goqu.I("t.category"),
		).
		Join(goqu.T("titles").As("t"), goqu.On(goqu.Ex{"t.id": goqu.I("e.title_id")})).
		Order(goqu.I("t.name").Asc(), goqu.I("e.publish_year").Desc())

	if f.Title != "" {
		ds = ds.Where(goqu.I("t.name").ILike("%" + f.Title + "%"))
	}
	if f.Category != "" {
		ds = ds.Where(goqu.I("t.category").ILike(f.Category))
	}
	if f.Publisher != "" {
		ds = ds.Where(goqu.I("e.publisher").ILike("%" + f.Publisher + "%"))
	}
	if f.Year != 0 {
		ds = ds.Where(goqu.I("e.publish_year").Eq(f.Year))
	}
	if f.Author != "" {
		sub := dialect.From(goqu.T("title_authors").As("ta")).
			Select(goqu.I("ta.title_id")).
			Join(goqu.T("authors").As("a"), goqu.On(goqu.Ex{"a.id": goqu.I("ta.author_id")})).
			Where(goqu.I("a.name").ILike("%" + f.Author + "%"))
		ds = ds.Where(goqu.I("e.title_id").In(sub))
	}
	if f.OnlyAvailable {
		ds = ds.Where(goqu.I("e.remaining_quantity").Gt(0))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build search query: %w", err)
	}

	var rows []searchRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search editions: %w", err)
	}

	results := make([]ledger.SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, ledger.SearchResult{
			Edition: row.editionRow.toDomain(),
			Title: ledger.Title{
				ID:       ledger.TitleID(row.TitleID),
				Name:     row.TitleName,
				Category: row.Category,
			},
		})
	}
	return results, nil
}

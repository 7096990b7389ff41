package circulation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/circulation-engine/circulation"
	"github.com/shelfline/circulation-engine/ledger"
	"github.com/shelfline/circulation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// testClock is a settable clock shared by a test and the service under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testStart = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*circulation.Service, *sqlite.Store, *testClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newTestClock(testStart)
	return circulation.NewService(store, clock), store, clock
}

// seedReader creates a reader whose card is valid at the clock's current time.
func seedReader(t *testing.T, store *sqlite.Store, clock *testClock) ledger.ReaderID {
	now := clock.Now()
	reader := ledger.Reader{
		Name:        "Nguyen Van A",
		DateOfBirth: now.AddDate(-30, 0, 0),
		CardIssued:  now,
		CardExpires: now.AddDate(0, 6, 0),
		TotalDebt:   ledger.MoneyFromInt(0),
		CreatedAt:   now,
	}
	require.NoError(t, store.SaveReader(context.Background(), &reader))
	return reader.ID
}

// seedEdition creates a title+edition with n available copies.
func seedEdition(t *testing.T, store *sqlite.Store, name string, n int) ledger.EditionID {
	ctx := context.Background()
	title := ledger.Title{Name: name, Category: "Fiction", Authors: []string{"Test Author"}}
	require.NoError(t, store.SaveTitle(ctx, &title))

	edition := ledger.Edition{
		TitleID:     title.ID,
		Publisher:   "Test House",
		PublishYear: 2023,
		UnitPrice:   ledger.MoneyFromInt(50000),
	}
	require.NoError(t, store.SaveEdition(ctx, &edition))
	if n > 0 {
		require.NoError(t, store.AdjustEditionCounts(ctx, edition.ID, n, n))
		_, err := store.CreateCopies(ctx, edition.ID, n)
		require.NoError(t, err)
	}
	return edition.ID
}

func edition(t *testing.T, store *sqlite.Store, id ledger.EditionID) *ledger.Edition {
	e, err := store.Edition(context.Background(), id)
	require.NoError(t, err)
	return e
}

// =============================================================================
// BORROW
// =============================================================================

func TestBorrow_HappyPath(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "The Sea Wall", 2)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)
	require.Len(t, loans, 1)

	loan := loans[0]
	assert.Equal(t, readerID, loan.ReaderID)
	assert.Equal(t, clock.Now().AddDate(0, 0, 30), loan.DueDate, "due = borrow + maxBorrowDays")
	assert.Equal(t, ledger.StateOnLoan, loan.State(clock.Now()))

	// Counters and copy status moved together.
	e := edition(t, store, editionID)
	assert.Equal(t, 2, e.Quantity)
	assert.Equal(t, 1, e.Remaining)

	c, err := store.Copy(ctx, loan.CopyID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CopyBorrowed, c.Status)

	available, err := store.AvailableCopyCount(ctx, editionID)
	require.NoError(t, err)
	assert.Equal(t, e.Remaining, available, "remaining mirrors available copies")
}

func TestBorrow_ExpiredCard(t *testing.T) {
	svc, store, clock := newTestService(t)
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Dust and Light", 1)

	clock.Advance(7 * 30 * 24 * time.Hour) // past the 6-month card window

	_, err := svc.Borrow(context.Background(), readerID, []ledger.EditionID{editionID}, clock.Now())
	assert.ErrorIs(t, err, ledger.ErrCardExpired)
}

func TestBorrow_LimitBoundary(t *testing.T) {
	// GIVEN: max 5 borrowed books
	// WHEN: borrowing 5, then 1 more
	// THEN: the fifth succeeds, the sixth is rejected

	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Popular Novel", 6)

	five := []ledger.EditionID{editionID, editionID, editionID, editionID, editionID}
	loans, err := svc.Borrow(ctx, readerID, five, clock.Now())
	require.NoError(t, err, "exactly at the cap is allowed")
	assert.Len(t, loans, 5)

	_, err = svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	assert.ErrorIs(t, err, ledger.ErrBorrowLimitExceeded)

	open, err := store.OpenLoanCount(ctx, readerID)
	require.NoError(t, err)
	assert.Equal(t, 5, open)
}

func TestBorrow_AllOrNothing(t *testing.T) {
	// GIVEN: edition A has a copy, edition B has none
	// WHEN: borrowing [A, B] in one batch
	// THEN: the whole batch fails and A is untouched

	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionA := seedEdition(t, store, "In Stock", 1)
	editionB := seedEdition(t, store, "Out of Stock", 0)

	_, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionA, editionB}, clock.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrEditionUnavailable)

	var unavailable *ledger.EditionUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, editionB, unavailable.EditionID)
	assert.Equal(t, "Out of Stock", unavailable.Title)

	// Rollback left no partial effect.
	assert.Equal(t, 1, edition(t, store, editionA).Remaining)
	open, err := store.OpenLoanCount(ctx, readerID)
	require.NoError(t, err)
	assert.Equal(t, 0, open)
}

func TestBorrow_BlockedWhileOverdue(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionA := seedEdition(t, store, "First Loan", 1)
	editionB := seedEdition(t, store, "Second Loan", 1)

	_, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionA}, clock.Now())
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour) // the first loan is now overdue

	_, err = svc.Borrow(ctx, readerID, []ledger.EditionID{editionB}, clock.Now())
	assert.ErrorIs(t, err, ledger.ErrHasOverdueLoans)

	// Flipping the parameter lifts the block. The card is still valid at
	// +31 days of its 6-month window.
	params, err := store.Parameters(ctx)
	require.NoError(t, err)
	params.AllowBorrowWhenOverdue = true
	require.NoError(t, store.UpdateParameters(ctx, params))

	_, err = svc.Borrow(ctx, readerID, []ledger.EditionID{editionB}, clock.Now())
	assert.NoError(t, err)
}

func TestBorrow_UnknownReader(t *testing.T) {
	svc, store, _ := newTestService(t)
	editionID := seedEdition(t, store, "Whatever", 1)

	_, err := svc.Borrow(context.Background(), 999, []ledger.EditionID{editionID}, testStart)
	assert.ErrorIs(t, err, ledger.ErrReaderNotFound)
}

// =============================================================================
// RETURN
// =============================================================================

func TestReturn_OnTime_NoFine(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Quick Read", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)
	result, err := svc.Return(ctx, readerID, []ledger.CopyID{loans[0].CopyID}, clock.Now())
	require.NoError(t, err)
	require.Len(t, result.Loans, 1)

	assert.Equal(t, ledger.StateReturnedOnTime, result.Loans[0].State(clock.Now()))
	assert.True(t, result.Loans[0].FineAmount.IsZero())
	assert.True(t, result.EndingDebt.IsZero())
	assert.Equal(t, 1, edition(t, store, editionID).Remaining)
}

func TestReturn_Late_PostsFine(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Kept Too Long", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)

	clock.Advance(34 * 24 * time.Hour) // 4 days past the 30-day term
	result, err := svc.Return(ctx, readerID, []ledger.CopyID{loans[0].CopyID}, clock.Now())
	require.NoError(t, err)

	assert.Equal(t, ledger.StateReturnedLate, result.Loans[0].State(clock.Now()))
	assert.True(t, result.Loans[0].FineAmount.Equal(ledger.MoneyFromInt(4000)),
		"4 days x 1000, got %s", result.Loans[0].FineAmount)
	assert.True(t, result.EndingDebt.Equal(ledger.MoneyFromInt(4000)))

	reader, err := store.Reader(ctx, readerID)
	require.NoError(t, err)
	assert.True(t, reader.TotalDebt.Equal(ledger.MoneyFromInt(4000)))
}

func TestReturn_FutureDateRejected(t *testing.T) {
	svc, store, clock := newTestService(t)
	readerID := seedReader(t, store, clock)

	_, err := svc.Return(context.Background(), readerID, nil, clock.Now().AddDate(0, 0, 1))
	assert.ErrorIs(t, err, ledger.ErrFutureReturnDate)
}

func TestReturn_UnknownCopySkipped(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Mixed Batch", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)

	result, err := svc.Return(ctx, readerID, []ledger.CopyID{loans[0].CopyID, 9999}, clock.Now())
	require.NoError(t, err, "a copy without an open loan does not fail the batch")
	assert.Len(t, result.Loans, 1)
	assert.Equal(t, []ledger.CopyID{9999}, result.Skipped)
}

// =============================================================================
// CANCEL LOAN
// =============================================================================

func TestCancelLoan_WithinWindow(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Wrong Pick", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)
	loanID := loans[0].ID

	clock.Advance(2 * time.Hour)
	require.NoError(t, svc.CancelLoan(ctx, loanID, "entered by mistake", "librarian-1"))

	loan, err := store.Loan(ctx, loanID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCancelled, loan.State(clock.Now()))
	require.NotNil(t, loan.Cancelled)
	assert.Equal(t, "librarian-1", loan.Cancelled.By)
	assert.Equal(t, "entered by mistake", loan.Cancelled.Reason)

	// Inventory restored.
	assert.Equal(t, 1, edition(t, store, editionID).Remaining)
	c, err := store.Copy(ctx, loan.CopyID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CopyAvailable, c.Status)

	// Audited.
	entries, err := store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AuditLoanCancelled, entries[0].Action)
	assert.Equal(t, int64(loanID), entries[0].RecordID)
}

func TestCancelLoan_Twice(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Once Only", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)

	require.NoError(t, svc.CancelLoan(ctx, loans[0].ID, "mistake", "librarian-1"))
	err = svc.CancelLoan(ctx, loans[0].ID, "mistake again", "librarian-1")
	assert.ErrorIs(t, err, ledger.ErrAlreadyCancelled)

	// The second attempt had no effect on inventory.
	assert.Equal(t, 1, edition(t, store, editionID).Remaining)
}

func TestCancelLoan_ReturnedLoanRejected(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Already Back", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)
	_, err = svc.Return(ctx, readerID, []ledger.CopyID{loans[0].CopyID}, clock.Now())
	require.NoError(t, err)

	err = svc.CancelLoan(ctx, loans[0].ID, "too late", "librarian-1")
	assert.ErrorIs(t, err, ledger.ErrAlreadyReturned)
}

func TestCancelLoan_WindowExpired(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Too Late", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)

	clock.Advance(25 * time.Hour) // past the 24-hour window

	err = svc.CancelLoan(ctx, loans[0].ID, "changed mind", "librarian-1")
	assert.ErrorIs(t, err, ledger.ErrWindowExpired)
}

func TestCancelLoan_ReasonRequired(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.CancelLoan(context.Background(), 1, "", "librarian-1")
	assert.ErrorIs(t, err, ledger.ErrReasonRequired)
}

// =============================================================================
// REVERSE RETURN
// =============================================================================

func TestReverseReturn_RoundTrip(t *testing.T) {
	// GIVEN: a late return that posted a 4000 fine
	// WHEN: the return is reversed within the window
	// THEN: the loan is open again, the fine is backed out, and a second
	//       return recomputes the fine fresh

	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Scanned Wrong", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)
	loanID := loans[0].ID
	copyID := loans[0].CopyID

	clock.Advance(34 * 24 * time.Hour)
	_, err = svc.Return(ctx, readerID, []ledger.CopyID{copyID}, clock.Now())
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, svc.ReverseReturn(ctx, loanID, "wrong copy scanned", "librarian-2"))

	loan, err := store.Loan(ctx, loanID)
	require.NoError(t, err)
	assert.Nil(t, loan.ReturnDate, "return date cleared")
	assert.Nil(t, loan.Cancelled, "the loan itself is NOT cancelled")
	assert.True(t, loan.FineAmount.IsZero())
	assert.Contains(t, loan.Notes, "reversed by librarian-2")
	assert.Equal(t, ledger.StateOverdue, loan.State(clock.Now()), "open again and past due")

	reader, err := store.Reader(ctx, readerID)
	require.NoError(t, err)
	assert.True(t, reader.TotalDebt.IsZero(), "posted fine backed out")

	c, err := store.Copy(ctx, copyID)
	require.NoError(t, err)
	assert.Equal(t, ledger.CopyBorrowed, c.Status)
	assert.Equal(t, 0, edition(t, store, editionID).Remaining)

	// A second, real return recomputes the fine from scratch.
	clock.Advance(24 * time.Hour) // now 35 days past borrow, 5 late
	result, err := svc.Return(ctx, readerID, []ledger.CopyID{copyID}, clock.Now())
	require.NoError(t, err)
	assert.True(t, result.EndingDebt.Equal(ledger.MoneyFromInt(5000)), "got %s", result.EndingDebt)
}

func TestReverseReturn_OpenLoanRejected(t *testing.T) {
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Still Out", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)

	err = svc.ReverseReturn(ctx, loans[0].ID, "oops", "librarian-1")
	assert.ErrorIs(t, err, ledger.ErrNotReturned)
}

func TestReverseReturn_WindowFromReturnDate(t *testing.T) {
	// The reversal window is measured from the return, not the borrow.
	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerID := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Old Loan", 1)

	loans, err := svc.Borrow(ctx, readerID, []ledger.EditionID{editionID}, clock.Now())
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)
	_, err = svc.Return(ctx, readerID, []ledger.CopyID{loans[0].CopyID}, clock.Now())
	require.NoError(t, err)

	clock.Advance(23 * time.Hour)
	assert.NoError(t, svc.ReverseReturn(ctx, loans[0].ID, "stock check", "librarian-1"),
		"10 days after borrow but within 24h of return")

	// Undo and try again past the window.
	_, err = svc.Return(ctx, readerID, []ledger.CopyID{loans[0].CopyID}, clock.Now())
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)
	err = svc.ReverseReturn(ctx, loans[0].ID, "too late", "librarian-1")
	assert.ErrorIs(t, err, ledger.ErrWindowExpired)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestBorrow_Concurrent_LastCopy(t *testing.T) {
	// Two readers race for the single available copy. Exactly one wins;
	// the counters never go negative.

	svc, store, clock := newTestService(t)
	ctx := context.Background()
	readerA := seedReader(t, store, clock)
	readerB := seedReader(t, store, clock)
	editionID := seedEdition(t, store, "Last Copy", 1)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, readerID := range []ledger.ReaderID{readerA, readerB} {
		wg.Add(1)
		go func(id ledger.ReaderID) {
			defer wg.Done()
			_, err := svc.Borrow(ctx, id, []ledger.EditionID{editionID}, clock.Now())
			errs <- err
		}(readerID)
	}
	wg.Wait()
	close(errs)

	var succeeded, unavailable int
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrEditionUnavailable)
			unavailable++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one borrow wins the copy")
	assert.Equal(t, 1, unavailable)
	assert.Equal(t, 0, edition(t, store, editionID).Remaining)
}

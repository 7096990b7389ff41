package inventory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/circulation-engine/circulation"
	"github.com/shelfline/circulation-engine/inventory"
	"github.com/shelfline/circulation-engine/ledger"
	"github.com/shelfline/circulation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestIntake(t *testing.T) (*inventory.Service, *sqlite.Store, *testClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: testStart}
	return inventory.NewService(store, clock), store, clock
}

func novelLine(qty int) inventory.IntakeLine {
	return inventory.IntakeLine{
		NewEdition: &inventory.EditionSpec{
			TitleName:   "Paradise of the Blind",
			Category:    "Fiction",
			Authors:     []string{"Duong Thu Huong"},
			Publisher:   "Standard Press",
			PublishYear: 2022,
		},
		Quantity:  qty,
		UnitPrice: ledger.MoneyFromInt(85000),
	}
}

// =============================================================================
// RECEIVE STOCK
// =============================================================================

func TestReceiveStock_NewEdition(t *testing.T) {
	svc, store, _ := newTestIntake(t)
	ctx := context.Background()

	result, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{
		Lines:     []inventory.IntakeLine{novelLine(3)},
		CreatedBy: "clerk-1",
	})
	require.NoError(t, err)

	require.Len(t, result.Editions, 1)
	e := result.Editions[0]
	assert.Equal(t, 3, e.Quantity)
	assert.Equal(t, 3, e.Remaining)

	// Sequential barcodes in edition-seq form.
	require.Len(t, result.Copies, 3)
	for i, c := range result.Copies {
		assert.Equal(t, ledger.Barcode(e.ID, i+1), c.Barcode)
		assert.Equal(t, ledger.CopyAvailable, c.Status)
	}

	// Receipt recorded with its line.
	receipt, err := store.Import(ctx, result.Receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, "clerk-1", receipt.CreatedBy)
	require.Len(t, receipt.Lines, 1)
	assert.Equal(t, 3, receipt.Lines[0].Quantity)
}

func TestReceiveStock_ExistingEditionMatched(t *testing.T) {
	// The same title/publisher/year arriving twice lands on one edition.
	svc, store, _ := newTestIntake(t)
	ctx := context.Background()

	first, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(2)}})
	require.NoError(t, err)

	second, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(3)}})
	require.NoError(t, err)

	assert.Equal(t, first.Editions[0].ID, second.Editions[0].ID)

	e, err := store.Edition(ctx, first.Editions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 5, e.Quantity)
	assert.Equal(t, 5, e.Remaining)

	// Barcodes continue the sequence across deliveries.
	assert.Equal(t, ledger.Barcode(e.ID, 5), second.Copies[2].Barcode)
}

func TestReceiveStock_ExistingEditionByID(t *testing.T) {
	svc, store, _ := newTestIntake(t)
	ctx := context.Background()

	first, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(1)}})
	require.NoError(t, err)
	editionID := first.Editions[0].ID

	_, err = svc.ReceiveStock(ctx, inventory.IntakeRequest{
		Lines: []inventory.IntakeLine{{EditionID: editionID, Quantity: 2, UnitPrice: ledger.MoneyFromInt(85000)}},
	})
	require.NoError(t, err)

	e, err := store.Edition(ctx, editionID)
	require.NoError(t, err)
	assert.Equal(t, 3, e.Quantity)
}

func TestReceiveStock_PublishYearTooOld(t *testing.T) {
	svc, _, _ := newTestIntake(t)

	line := novelLine(1)
	line.NewEdition.PublishYear = 2010 // outside the 8-year window from 2024

	_, err := svc.ReceiveStock(context.Background(), inventory.IntakeRequest{Lines: []inventory.IntakeLine{line}})
	assert.ErrorIs(t, err, ledger.ErrPublishYearTooOld)
}

func TestReceiveStock_InvalidQuantity(t *testing.T) {
	svc, _, _ := newTestIntake(t)

	_, err := svc.ReceiveStock(context.Background(), inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(0)}})
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)

	_, err = svc.ReceiveStock(context.Background(), inventory.IntakeRequest{})
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)
}

// =============================================================================
// CANCEL RECEIPT
// =============================================================================

func TestCancelReceipt_RemovesCopies(t *testing.T) {
	svc, store, clock := newTestIntake(t)
	ctx := context.Background()

	result, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(3)}})
	require.NoError(t, err)
	editionID := result.Editions[0].ID

	clock.Advance(time.Hour)
	require.NoError(t, svc.CancelReceipt(ctx, result.Receipt.ID, "duplicate delivery", "clerk-1"))

	e, err := store.Edition(ctx, editionID)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Quantity)
	assert.Equal(t, 0, e.Remaining)

	available, err := store.AvailableCopyCount(ctx, editionID)
	require.NoError(t, err)
	assert.Equal(t, 0, available)

	receipt, err := store.Import(ctx, result.Receipt.ID)
	require.NoError(t, err)
	require.NotNil(t, receipt.Cancelled)
	assert.Equal(t, "duplicate delivery", receipt.Cancelled.Reason)

	entries, err := store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.AuditImportCancelled, entries[0].Action)
}

func TestCancelReceipt_DeletesNewestFirst(t *testing.T) {
	// Two deliveries of the same edition; cancelling the second removes its
	// copies, not the first delivery's.
	svc, store, clock := newTestIntake(t)
	ctx := context.Background()

	first, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(2)}})
	require.NoError(t, err)
	editionID := first.Editions[0].ID

	second, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(3)}})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, svc.CancelReceipt(ctx, second.Receipt.ID, "over-ordered", "clerk-1"))

	e, err := store.Edition(ctx, editionID)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Quantity)

	// The first delivery's barcodes survive.
	for _, c := range first.Copies {
		reloaded, err := store.CopyByBarcode(ctx, c.Barcode)
		require.NoError(t, err)
		assert.Equal(t, ledger.CopyAvailable, reloaded.Status)
	}
	// The second delivery's are gone.
	for _, c := range second.Copies {
		_, err := store.CopyByBarcode(ctx, c.Barcode)
		assert.ErrorIs(t, err, ledger.ErrCopyNotFound)
	}
}

func TestCancelReceipt_RefusedWhileBorrowed(t *testing.T) {
	svc, store, clock := newTestIntake(t)
	ctx := context.Background()

	result, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(2)}})
	require.NoError(t, err)
	editionID := result.Editions[0].ID

	// A reader takes one copy out.
	now := clock.Now()
	reader := ledger.Reader{
		Name:        "Borrower",
		DateOfBirth: now.AddDate(-30, 0, 0),
		CardIssued:  now,
		CardExpires: now.AddDate(0, 6, 0),
		TotalDebt:   ledger.MoneyFromInt(0),
		CreatedAt:   now,
	}
	require.NoError(t, store.SaveReader(ctx, &reader))
	circ := circulation.NewService(store, clock)
	_, err = circ.Borrow(ctx, reader.ID, []ledger.EditionID{editionID}, now)
	require.NoError(t, err)

	err = svc.CancelReceipt(ctx, result.Receipt.ID, "mistake", "clerk-1")
	assert.ErrorIs(t, err, ledger.ErrCopiesOnLoan)

	var onLoan *ledger.CopiesOnLoanError
	require.ErrorAs(t, err, &onLoan)
	assert.Contains(t, onLoan.Titles, "Paradise of the Blind")

	// Nothing was removed.
	e, err := store.Edition(ctx, editionID)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Quantity)
}

func TestCancelReceipt_WindowExpired(t *testing.T) {
	svc, _, clock := newTestIntake(t)
	ctx := context.Background()

	result, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(1)}})
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	err = svc.CancelReceipt(ctx, result.Receipt.ID, "too late", "clerk-1")
	assert.ErrorIs(t, err, ledger.ErrWindowExpired)
}

func TestCancelReceipt_Twice(t *testing.T) {
	svc, _, _ := newTestIntake(t)
	ctx := context.Background()

	result, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(1)}})
	require.NoError(t, err)

	require.NoError(t, svc.CancelReceipt(ctx, result.Receipt.ID, "mistake", "clerk-1"))
	err = svc.CancelReceipt(ctx, result.Receipt.ID, "mistake", "clerk-1")
	assert.ErrorIs(t, err, ledger.ErrAlreadyCancelled)
}

// =============================================================================
// PROTECTED DELETION
// =============================================================================

func TestDeleteCopy_NeverBorrowed(t *testing.T) {
	svc, store, _ := newTestIntake(t)
	ctx := context.Background()

	result, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(2)}})
	require.NoError(t, err)
	editionID := result.Editions[0].ID

	require.NoError(t, svc.DeleteCopy(ctx, result.Copies[0].ID))

	e, err := store.Edition(ctx, editionID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Quantity)
	assert.Equal(t, 1, e.Remaining)
}

func TestDeleteCopy_WithHistoryRejected(t *testing.T) {
	svc, store, clock := newTestIntake(t)
	ctx := context.Background()

	result, err := svc.ReceiveStock(ctx, inventory.IntakeRequest{Lines: []inventory.IntakeLine{novelLine(1)}})
	require.NoError(t, err)
	copyID := result.Copies[0].ID

	now := clock.Now()
	reader := ledger.Reader{
		Name:        "History Maker",
		DateOfBirth: now.AddDate(-30, 0, 0),
		CardIssued:  now,
		CardExpires: now.AddDate(0, 6, 0),
		TotalDebt:   ledger.MoneyFromInt(0),
		CreatedAt:   now,
	}
	require.NoError(t, store.SaveReader(ctx, &reader))
	circ := circulation.NewService(store, clock)
	_, err = circ.Borrow(ctx, reader.ID, []ledger.EditionID{result.Editions[0].ID}, now)
	require.NoError(t, err)

	// Borrowed right now.
	err = svc.DeleteCopy(ctx, copyID)
	assert.ErrorIs(t, err, ledger.ErrCopiesOnLoan)

	// Returned, but the loan history still protects it.
	_, err = circ.Return(ctx, reader.ID, []ledger.CopyID{copyID}, now)
	require.NoError(t, err)
	err = svc.DeleteCopy(ctx, copyID)
	assert.ErrorIs(t, err, ledger.ErrCopyHasHistory)
}

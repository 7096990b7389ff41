package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfline/circulation-engine/api"
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

func newTestRouter(t *testing.T, gate ledger.Gate) (http.Handler, *testClock) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if gate == nil {
		gate = ledger.AllowAll{}
	}
	clock := &testClock{now: testStart}
	h := &api.Handler{
		Store:       store,
		Circulation: circulation.NewService(store, clock),
		Settlement:  circulation.NewSettlement(store, clock),
		Intake:      inventory.NewService(store, clock),
		Gate:        gate,
		Clock:       clock,
	}
	return api.NewRouter(h), clock
}

func do(t *testing.T, router http.Handler, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

// registerReader creates a reader born 30 years before the test epoch.
func registerReader(t *testing.T, router http.Handler, name string) api.ReaderDTO {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/readers", api.RegisterReaderRequest{
		Name:        name,
		DateOfBirth: "1994-06-15",
	}, "librarian-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reader api.ReaderDTO
	decode(t, rec, &reader)
	return reader
}

// receiveStock delivers qty copies of a fresh edition and returns its id.
func receiveStock(t *testing.T, router http.Handler, title string, qty int) int64 {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/imports", api.ImportRequestDTO{
		Lines: []api.ImportLineRequest{{
			Edition: &api.EditionSpecDTO{
				TitleName:   title,
				Category:    "Fiction",
				Authors:     []string{"Test Author"},
				Publisher:   "Standard Press",
				PublishYear: 2022,
			},
			Quantity:  qty,
			UnitPrice: "85000",
		}},
	}, "clerk-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var receipt api.ImportDTO
	decode(t, rec, &receipt)
	require.Len(t, receipt.Lines, 1)
	return receipt.Lines[0].EditionID
}

// =============================================================================
// READERS
// =============================================================================

func TestRegisterReader(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	reader := registerReader(t, router, "Alice Nguyen")
	assert.NotZero(t, reader.ID)
	assert.Equal(t, "2024-03-01", reader.CardIssued)
	// Card validity defaults to six months.
	assert.Equal(t, "2024-09-01", reader.CardExpires)
	assert.Equal(t, "0", reader.TotalDebt)
}

func TestRegisterReader_AgeRejected(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/api/readers", api.RegisterReaderRequest{
		Name:        "Too Young",
		DateOfBirth: "2015-01-01",
	}, "librarian-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp api.ErrorResponse
	decode(t, rec, &resp)
	assert.Contains(t, resp.Details, "age")
}

func TestRegisterReader_BadDate(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/api/readers", api.RegisterReaderRequest{
		Name:        "Bad Date",
		DateOfBirth: "15/06/1994",
	}, "librarian-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReader_NotFound(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodGet, "/api/readers/9999", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// PERMISSION GATE
// =============================================================================

func TestPermissionGate(t *testing.T) {
	// The desk account may circulate but not manage readers.
	gate := ledger.Matrix{
		"desk": {
			ledger.FuncCirculation: []ledger.Action{ledger.ActionAdd, ledger.ActionEdit},
		},
	}
	router, _ := newTestRouter(t, gate)

	rec := do(t, router, http.MethodPost, "/api/readers", api.RegisterReaderRequest{
		Name:        "Blocked",
		DateOfBirth: "1994-06-15",
	}, "desk")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Granted function passes the gate; the 404 proves the handler ran.
	rec = do(t, router, http.MethodPost, "/api/loans", api.BorrowRequest{
		ReaderID:   9999,
		EditionIDs: []int64{1},
	}, "desk")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown actors get nothing.
	rec = do(t, router, http.MethodPost, "/api/loans", api.BorrowRequest{
		ReaderID:   1,
		EditionIDs: []int64{1},
	}, "stranger")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// CIRCULATION FLOW
// =============================================================================

func TestBorrowReturnFlow(t *testing.T) {
	router, clock := newTestRouter(t, nil)

	reader := registerReader(t, router, "Binh Tran")
	editionID := receiveStock(t, router, "The Sympathizer", 2)

	// Borrow one copy.
	rec := do(t, router, http.MethodPost, "/api/loans", api.BorrowRequest{
		ReaderID:   reader.ID,
		EditionIDs: []int64{editionID},
	}, "librarian-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var loans []api.LoanDTO
	decode(t, rec, &loans)
	require.Len(t, loans, 1)
	assert.Equal(t, "on_loan", loans[0].State)
	assert.Equal(t, "2024-03-31", loans[0].DueDate)

	// Remaining stock is visible through the catalog.
	rec = do(t, router, http.MethodGet, "/api/catalog/search?title=sympathizer", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var editions []api.EditionDTO
	decode(t, rec, &editions)
	require.Len(t, editions, 1)
	assert.Equal(t, 1, editions[0].Remaining)

	// Return four days past due: 4000 in fines at the default daily rate.
	// The first copy of an edition carries its edition-seq barcode.
	clock.Advance(34 * 24 * time.Hour)
	rec = do(t, router, http.MethodPost, "/api/returns", api.ReturnRequest{
		ReaderID: reader.ID,
		Barcodes: []string{ledger.Barcode(ledger.EditionID(editionID), 1)},
	}, "librarian-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result api.ReturnResponseDTO
	decode(t, rec, &result)
	require.Len(t, result.Loans, 1)
	assert.Equal(t, "returned_late", result.Loans[0].State)
	assert.Equal(t, "4000", result.Loans[0].FineAmount)
	assert.Equal(t, "4000", result.EndingDebt)

	// Debt endpoint reflects the posted fine.
	rec = do(t, router, http.MethodGet, readerPath(reader.ID)+"/debt", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var debt api.DebtDTO
	decode(t, rec, &debt)
	assert.Equal(t, "4000", debt.PostedDebt)
	assert.Equal(t, "4000", debt.ProjectedDebt)
}

func TestBorrow_UnavailableEdition(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	reader := registerReader(t, router, "Chi Le")
	editionID := receiveStock(t, router, "Dust Child", 1)

	other := registerReader(t, router, "First Comer")
	rec := do(t, router, http.MethodPost, "/api/loans", api.BorrowRequest{
		ReaderID:   other.ID,
		EditionIDs: []int64{editionID},
	}, "librarian-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/loans", api.BorrowRequest{
		ReaderID:   reader.ID,
		EditionIDs: []int64{editionID},
	}, "librarian-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCancelLoan(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	reader := registerReader(t, router, "Dao Pham")
	editionID := receiveStock(t, router, "The Mountains Sing", 1)

	rec := do(t, router, http.MethodPost, "/api/loans", api.BorrowRequest{
		ReaderID:   reader.ID,
		EditionIDs: []int64{editionID},
	}, "librarian-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	var loans []api.LoanDTO
	decode(t, rec, &loans)

	path := loanPath(loans[0].ID) + "/cancel"
	rec = do(t, router, http.MethodPost, path, api.CancelRequest{Reason: "entered against wrong reader"}, "librarian-2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cancelled api.LoanDTO
	decode(t, rec, &cancelled)
	assert.Equal(t, "cancelled", cancelled.State)
	assert.Equal(t, "librarian-2", cancelled.CancelledBy)

	// Second cancellation conflicts.
	rec = do(t, router, http.MethodPost, path, api.CancelRequest{Reason: "again"}, "librarian-2")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing reason is a validation error.
	rec = do(t, router, http.MethodPost, path, api.CancelRequest{}, "librarian-2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestPaymentFlow(t *testing.T) {
	router, clock := newTestRouter(t, nil)

	reader := registerReader(t, router, "Em Hoang")
	editionID := receiveStock(t, router, "Bronze Drum", 1)

	rec := do(t, router, http.MethodPost, "/api/loans", api.BorrowRequest{
		ReaderID:   reader.ID,
		EditionIDs: []int64{editionID},
	}, "librarian-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	clock.Advance(34 * 24 * time.Hour)
	rec = do(t, router, http.MethodPost, "/api/returns", api.ReturnRequest{
		ReaderID: reader.ID,
		CopyIDs:  []int64{loanCopyID(t, router, reader.ID)},
	}, "librarian-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Settle the 4000 fine in full.
	rec = do(t, router, http.MethodPost, "/api/payments", api.PaymentRequest{
		ReaderID: reader.ID,
		Amount:   "4000",
		Method:   "cash",
	}, "cashier-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var payment api.PaymentDTO
	decode(t, rec, &payment)
	assert.Equal(t, "4000", payment.Amount)

	// Debt is now zero, so another payment is a rule violation.
	rec = do(t, router, http.MethodPost, "/api/payments", api.PaymentRequest{
		ReaderID: reader.ID,
		Amount:   "100",
		Method:   "cash",
	}, "cashier-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

// =============================================================================
// PARAMETERS
// =============================================================================

func TestParameters(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodGet, "/api/parameters", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var params api.ParameterDTO
	decode(t, rec, &params)
	assert.Equal(t, 18, params.MinAge)
	assert.Equal(t, 5, params.MaxBorrowedBooks)

	params.MaxBorrowedBooks = 7
	rec = do(t, router, http.MethodPut, "/api/parameters", params, "admin")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/parameters", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &params)
	assert.Equal(t, 7, params.MaxBorrowedBooks)

	// An inverted age window is rejected.
	params.MinAge = 60
	params.MaxAge = 18
	rec = do(t, router, http.MethodPut, "/api/parameters", params, "admin")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// HELPERS
// =============================================================================

func readerPath(id int64) string {
	return "/api/readers/" + itoa(id)
}

func loanPath(id int64) string {
	return "/api/loans/" + itoa(id)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

// loanCopyID looks up the copy id of the reader's single open loan.
func loanCopyID(t *testing.T, router http.Handler, readerID int64) int64 {
	t.Helper()
	rec := do(t, router, http.MethodGet, readerPath(readerID)+"/loans", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var loans []api.LoanDTO
	decode(t, rec, &loans)
	require.Len(t, loans, 1)
	return loans[0].CopyID
}

/*
handlers.go - HTTP API handlers for the circulation engine

PURPOSE:
  Exposes the circulation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Readers:
    GET    /api/readers                List readers
    POST   /api/readers                Register a reader
    GET    /api/readers/{id}           Reader details
    GET    /api/readers/{id}/debt      Posted and projected debt
    GET    /api/readers/{id}/loans     Reader's loan history
    DELETE /api/readers/{id}           Delete (protected)

  Circulation:
    POST   /api/loans                  Borrow (all-or-nothing batch)
    GET    /api/loans                  List loans (filters via query)
    POST   /api/returns                Return copies
    POST   /api/loans/{id}/cancel      Cancel a loan within the window
    POST   /api/loans/{id}/reverse-return  Reverse a completed return

  Settlement:
    POST   /api/payments               Record a payment
    GET    /api/payments               List receipts
    POST   /api/payments/{id}/cancel   Cancel a receipt within the window

  Intake:
    POST   /api/imports                Receive stock
    GET    /api/imports                List intake receipts
    GET    /api/imports/{id}           Receipt details
    POST   /api/imports/{id}/cancel    Cancel an intake within the window

  Catalog:
    GET    /api/catalog/search         Search editions
    GET    /api/editions/{id}          Edition details
    DELETE /api/copies/{id}            Delete a copy (protected)

  Admin:
    GET    /api/parameters             The parameter record
    PUT    /api/parameters             Update parameters
    GET    /api/audit                  Recent reversal audit entries

AUTHORIZATION:
  The actor is taken from the X-Actor header and every mutating endpoint
  asks the permission gate before touching domain logic. The gate
  implementation is injected; deployments without an external policy
  service use a static matrix.

ERROR HANDLING:
  Domain errors map to HTTP status by taxonomy:
  - 400: validation errors (bad input shape or values)
  - 403: permission denied
  - 404: referenced record not found
  - 409: state conflicts (already cancelled, window expired)
  - 422: business-rule rejections (card expired, limits, ceilings)
  - 500: internal and consistency errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"github.com/shelfline/circulation-engine/circulation"
	"github.com/shelfline/circulation-engine/inventory"
	"github.com/shelfline/circulation-engine/ledger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Store
	Circulation *circulation.Service
	Settlement  *circulation.Settlement
	Intake      *inventory.Service
	Gate        ledger.Gate
	Clock       ledger.Clock
}

// NewHandler creates a handler wired to the given store and gate. A nil
// gate allows everything.
func NewHandler(store ledger.Store, gate ledger.Gate) *Handler {
	if gate == nil {
		gate = ledger.AllowAll{}
	}
	clock := ledger.SystemClock{}
	return &Handler{
		Store:       store,
		Circulation: circulation.NewService(store, clock),
		Settlement:  circulation.NewSettlement(store, clock),
		Intake:      inventory.NewService(store, clock),
		Gate:        gate,
		Clock:       clock,
	}
}

// actor extracts the acting user from the request.
func actor(r *http.Request) string {
	return r.Header.Get("X-Actor")
}

// allow runs the permission gate; on denial it writes 403 and returns false.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, function string, action ledger.Action) bool {
	if h.Gate.CanPerform(actor(r), function, action) {
		return true
	}
	writeError(w, http.StatusForbidden, "Permission denied", ledger.ErrPermissionDenied)
	return false
}

// =============================================================================
// READER HANDLERS
// =============================================================================

// ListReaders returns all readers.
func (h *Handler) ListReaders(w http.ResponseWriter, r *http.Request) {
	readers, err := h.Store.ListReaders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list readers", err)
		return
	}
	dtos := make([]ReaderDTO, len(readers))
	for i, rd := range readers {
		dtos[i] = toReaderDTO(rd)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterReader creates a reader. The age window is enforced and the card
// validity is derived from the parameter record.
func (h *Handler) RegisterReader(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncReaders, ledger.ActionAdd) {
		return
	}

	var req RegisterReaderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required", nil)
		return
	}
	dob, err := time.Parse(dateLayout, req.DateOfBirth)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid dateOfBirth, want YYYY-MM-DD", err)
		return
	}

	now := h.Clock.Now()
	var reader ledger.Reader
	err = h.Store.WithTx(r.Context(), func(tx ledger.Store) error {
		params, err := tx.Parameters(r.Context())
		if err != nil {
			return err
		}
		if err := ledger.CheckReaderAge(dob, now, params); err != nil {
			return err
		}
		reader = ledger.Reader{
			Name:        req.Name,
			Email:       req.Email,
			Address:     req.Address,
			DateOfBirth: dob,
			CardIssued:  now,
			CardExpires: ledger.CardExpiry(now, params),
			TotalDebt:   ledger.MoneyFromInt(0),
			CreatedAt:   now,
		}
		return tx.SaveReader(r.Context(), &reader)
	})
	if err != nil {
		h.domainError(w, "Failed to register reader", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReaderDTO(reader))
}

// GetReader returns one reader.
func (h *Handler) GetReader(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	reader, err := h.Store.Reader(r.Context(), ledger.ReaderID(id))
	if err != nil {
		h.domainError(w, "Failed to load reader", err)
		return
	}
	writeJSON(w, http.StatusOK, toReaderDTO(*reader))
}

// GetReaderDebt returns the posted balance and the projection including
// fines still accruing on open overdue loans.
func (h *Handler) GetReaderDebt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	reader, err := h.Store.Reader(r.Context(), ledger.ReaderID(id))
	if err != nil {
		h.domainError(w, "Failed to load reader", err)
		return
	}
	projected, err := h.Settlement.ProjectedDebt(r.Context(), ledger.ReaderID(id))
	if err != nil {
		h.domainError(w, "Failed to project debt", err)
		return
	}
	writeJSON(w, http.StatusOK, DebtDTO{
		ReaderID:      id,
		PostedDebt:    reader.TotalDebt.String(),
		ProjectedDebt: projected.String(),
		AsOf:          h.Clock.Now().Format(time.RFC3339),
	})
}

// GetReaderLoans returns the reader's loan history.
func (h *Handler) GetReaderLoans(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	loans, err := h.Store.ListLoans(r.Context(), ledger.LoanFilter{ReaderID: ledger.ReaderID(id)})
	if err != nil {
		h.domainError(w, "Failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toLoanDTOs(loans))
}

// DeleteReader removes a reader without loan history.
func (h *Handler) DeleteReader(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncReaders, ledger.ActionDelete) {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	err := h.Store.WithTx(r.Context(), func(tx ledger.Store) error {
		return tx.DeleteReader(r.Context(), ledger.ReaderID(id))
	})
	if err != nil {
		h.domainError(w, "Failed to delete reader", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CIRCULATION HANDLERS
// =============================================================================

// Borrow lends one copy of each requested edition. All-or-nothing.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncCirculation, ledger.ActionAdd) {
		return
	}

	var req BorrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	borrowDate, ok := optionalDate(w, req.BorrowDate, h.Clock.Now())
	if !ok {
		return
	}

	editionIDs := make([]ledger.EditionID, len(req.EditionIDs))
	for i, id := range req.EditionIDs {
		editionIDs[i] = ledger.EditionID(id)
	}

	loans, err := h.Circulation.Borrow(r.Context(), ledger.ReaderID(req.ReaderID), editionIDs, borrowDate)
	if err != nil {
		h.domainError(w, "Failed to borrow", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toLoanDTOs(loans))
}

// Return records returns for the listed copies (by id or barcode).
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncCirculation, ledger.ActionEdit) {
		return
	}

	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	returnDate, ok := optionalDate(w, req.ReturnDate, h.Clock.Now())
	if !ok {
		return
	}

	copyIDs := make([]ledger.CopyID, 0, len(req.CopyIDs)+len(req.Barcodes))
	for _, id := range req.CopyIDs {
		copyIDs = append(copyIDs, ledger.CopyID(id))
	}
	for _, barcode := range req.Barcodes {
		c, err := h.Store.CopyByBarcode(r.Context(), barcode)
		if err != nil {
			h.domainError(w, "Unknown barcode", err)
			return
		}
		copyIDs = append(copyIDs, c.ID)
	}

	result, err := h.Circulation.Return(r.Context(), ledger.ReaderID(req.ReaderID), copyIDs, returnDate)
	if err != nil {
		h.domainError(w, "Failed to return", err)
		return
	}

	resp := ReturnResponseDTO{
		Loans:      h.toLoanDTOs(result.Loans),
		EndingDebt: result.EndingDebt.String(),
	}
	for _, id := range result.Skipped {
		resp.SkippedIDs = append(resp.SkippedIDs, int64(id))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListLoans lists loans, filtered by query parameters.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	var f ledger.LoanFilter
	q := r.URL.Query()
	if v := q.Get("readerId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid readerId", err)
			return
		}
		f.ReaderID = ledger.ReaderID(id)
	}
	if q.Get("open") == "true" {
		f.OpenOnly = true
	}
	if q.Get("overdue") == "true" {
		now := h.Clock.Now()
		f.OverdueAsOf = &now
	}

	loans, err := h.Store.ListLoans(r.Context(), f)
	if err != nil {
		h.domainError(w, "Failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toLoanDTOs(loans))
}

// CancelLoan reverses a borrow within the cancellation window.
func (h *Handler) CancelLoan(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncCirculation, ledger.ActionDelete) {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Circulation.CancelLoan(r.Context(), ledger.LoanID(id), req.Reason, actor(r)); err != nil {
		h.domainError(w, "Failed to cancel loan", err)
		return
	}
	loan, err := h.Store.Loan(r.Context(), ledger.LoanID(id))
	if err != nil {
		h.domainError(w, "Failed to reload loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(*loan, h.Clock.Now()))
}

// ReverseReturn undoes a completed return, putting the copy back on loan.
func (h *Handler) ReverseReturn(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncCirculation, ledger.ActionDelete) {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Circulation.ReverseReturn(r.Context(), ledger.LoanID(id), req.Reason, actor(r)); err != nil {
		h.domainError(w, "Failed to reverse return", err)
		return
	}
	loan, err := h.Store.Loan(r.Context(), ledger.LoanID(id))
	if err != nil {
		h.domainError(w, "Failed to reload loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(*loan, h.Clock.Now()))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// RecordPayment posts a payment against a reader's debt.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncSettlement, ledger.ActionAdd) {
		return
	}

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseMoney(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	receipt, err := h.Settlement.RecordPayment(r.Context(), ledger.ReaderID(req.ReaderID), amount, req.Method)
	if err != nil {
		h.domainError(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*receipt))
}

// ListPayments lists receipts, filtered by query parameters.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	var f ledger.PaymentFilter
	if v := r.URL.Query().Get("readerId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid readerId", err)
			return
		}
		f.ReaderID = ledger.ReaderID(id)
	}
	receipts, err := h.Store.ListPayments(r.Context(), f)
	if err != nil {
		h.domainError(w, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(receipts))
	for i, p := range receipts {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelPayment reverses a receipt within the cancellation window.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncSettlement, ledger.ActionDelete) {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Settlement.CancelPayment(r.Context(), ledger.ReceiptID(id), req.Reason, actor(r)); err != nil {
		h.domainError(w, "Failed to cancel payment", err)
		return
	}
	receipt, err := h.Store.Payment(r.Context(), ledger.ReceiptID(id))
	if err != nil {
		h.domainError(w, "Failed to reload payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*receipt))
}

// =============================================================================
// INTAKE HANDLERS
// =============================================================================

// ReceiveStock records a stock intake batch.
func (h *Handler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncIntake, ledger.ActionAdd) {
		return
	}

	var req ImportRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	intake := inventory.IntakeRequest{
		CreatedBy: actor(r),
		Notes:     req.Notes,
	}
	for _, l := range req.Lines {
		line := inventory.IntakeLine{
			EditionID: ledger.EditionID(l.EditionID),
			Quantity:  l.Quantity,
		}
		if l.UnitPrice != "" {
			price, err := parseMoney(l.UnitPrice)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid unitPrice", err)
				return
			}
			line.UnitPrice = price
		}
		if l.Edition != nil {
			line.NewEdition = &inventory.EditionSpec{
				TitleName:    l.Edition.TitleName,
				Category:     l.Edition.Category,
				Authors:      l.Edition.Authors,
				Publisher:    l.Edition.Publisher,
				PublishYear:  l.Edition.PublishYear,
				ISBN:         l.Edition.ISBN,
				EditionLabel: l.Edition.EditionLabel,
				Language:     l.Edition.Language,
			}
		}
		intake.Lines = append(intake.Lines, line)
	}

	result, err := h.Intake.ReceiveStock(r.Context(), intake)
	if err != nil {
		h.domainError(w, "Failed to receive stock", err)
		return
	}
	writeJSON(w, http.StatusCreated, toImportDTO(result.Receipt))
}

// ListImports lists intake receipts.
func (h *Handler) ListImports(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.Store.ListImports(r.Context())
	if err != nil {
		h.domainError(w, "Failed to list imports", err)
		return
	}
	dtos := make([]ImportDTO, len(receipts))
	for i, rc := range receipts {
		dtos[i] = toImportDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetImport returns one intake receipt.
func (h *Handler) GetImport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	receipt, err := h.Store.Import(r.Context(), ledger.ImportID(id))
	if err != nil {
		h.domainError(w, "Failed to load import", err)
		return
	}
	writeJSON(w, http.StatusOK, toImportDTO(*receipt))
}

// CancelImport reverses an intake batch within the window.
func (h *Handler) CancelImport(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncIntake, ledger.ActionDelete) {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Intake.CancelReceipt(r.Context(), ledger.ImportID(id), req.Reason, actor(r)); err != nil {
		h.domainError(w, "Failed to cancel import", err)
		return
	}
	receipt, err := h.Store.Import(r.Context(), ledger.ImportID(id))
	if err != nil {
		h.domainError(w, "Failed to reload import", err)
		return
	}
	writeJSON(w, http.StatusOK, toImportDTO(*receipt))
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// SearchEditions searches the catalog. Filters via query parameters:
// title, author, category, publisher, year, available=true.
func (h *Handler) SearchEditions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.SearchFilter{
		Title:         q.Get("title"),
		Author:        q.Get("author"),
		Category:      q.Get("category"),
		Publisher:     q.Get("publisher"),
		OnlyAvailable: q.Get("available") == "true",
	}
	if v := q.Get("year"); v != "" {
		year, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		f.Year = year
	}

	results, err := h.Store.SearchEditions(r.Context(), f)
	if err != nil {
		h.domainError(w, "Failed to search", err)
		return
	}
	dtos := make([]EditionDTO, len(results))
	for i, res := range results {
		dtos[i] = EditionDTO{
			ID:           int64(res.Edition.ID),
			Title:        res.Title.Name,
			Category:     res.Title.Category,
			Authors:      res.Title.Authors,
			Publisher:    res.Edition.Publisher,
			PublishYear:  res.Edition.PublishYear,
			ISBN:         res.Edition.ISBN,
			EditionLabel: res.Edition.EditionLabel,
			Language:     res.Edition.Language,
			UnitPrice:    res.Edition.UnitPrice.String(),
			Quantity:     res.Edition.Quantity,
			Remaining:    res.Edition.Remaining,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEdition returns one edition with its title.
func (h *Handler) GetEdition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	edition, err := h.Store.Edition(r.Context(), ledger.EditionID(id))
	if err != nil {
		h.domainError(w, "Failed to load edition", err)
		return
	}
	title, err := h.Store.Title(r.Context(), edition.TitleID)
	if err != nil {
		h.domainError(w, "Failed to load title", err)
		return
	}
	writeJSON(w, http.StatusOK, EditionDTO{
		ID:           int64(edition.ID),
		Title:        title.Name,
		Category:     title.Category,
		Authors:      title.Authors,
		Publisher:    edition.Publisher,
		PublishYear:  edition.PublishYear,
		ISBN:         edition.ISBN,
		EditionLabel: edition.EditionLabel,
		Language:     edition.Language,
		UnitPrice:    edition.UnitPrice.String(),
		Quantity:     edition.Quantity,
		Remaining:    edition.Remaining,
	})
}

// DeleteCopy removes a single copy without loan history.
func (h *Handler) DeleteCopy(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncCatalog, ledger.ActionDelete) {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Intake.DeleteCopy(r.Context(), ledger.CopyID(id)); err != nil {
		h.domainError(w, "Failed to delete copy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetParameters returns the parameter record, creating defaults on first
// access.
func (h *Handler) GetParameters(w http.ResponseWriter, r *http.Request) {
	params, err := h.Store.Parameters(r.Context())
	if err != nil {
		h.domainError(w, "Failed to load parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, toParameterDTO(params))
}

// UpdateParameters replaces the parameter record. Existing loans keep the
// terms they were created under; only future operations see the new values.
func (h *Handler) UpdateParameters(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, ledger.FuncParameters, ledger.ActionEdit) {
		return
	}

	var req ParameterDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	params := req.toDomain()
	params.UpdatedAt = h.Clock.Now()
	if err := params.Validate(); err != nil {
		h.domainError(w, "Invalid parameters", err)
		return
	}
	err := h.Store.WithTx(r.Context(), func(tx ledger.Store) error {
		return tx.UpdateParameters(r.Context(), params)
	})
	if err != nil {
		h.domainError(w, "Failed to update parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, toParameterDTO(params))
}

// ListAudit returns recent reversal audit entries.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	entries, err := h.Store.ListAudit(r.Context(), limit)
	if err != nil {
		h.domainError(w, "Failed to list audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Action:    string(e.Action),
			RecordID:  e.RecordID,
			ActorID:   e.ActorID,
			Reason:    e.Reason,
			Timestamp: e.Timestamp.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) toLoanDTOs(loans []ledger.LoanRecord) []LoanDTO {
	now := h.Clock.Now()
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l, now)
	}
	return dtos
}

// domainError maps a domain error to an HTTP status by its taxonomy class.
func (h *Handler) domainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ledger.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, message, err)
	case ledger.IsValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsRuleViolation(err):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

// optionalDate parses a YYYY-MM-DD string, defaulting to fallback when empty.
func optionalDate(w http.ResponseWriter, s string, fallback time.Time) (time.Time, bool) {
	if s == "" {
		return fallback, true
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date, want YYYY-MM-DD", err)
		return time.Time{}, false
	}
	return t, true
}

func parseMoney(s string) (ledger.Money, error) {
	return decimal.NewFromString(s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

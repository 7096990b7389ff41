/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATES & MONEY:
  Calendar dates (birth, borrow, return) travel as "YYYY-MM-DD" strings;
  timestamps as RFC3339. Monetary amounts travel as decimal strings, never
  floats.

VALIDATION:
  Validation is done in handlers and domain rules, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: The domain model these project
*/
package api

import (
	"time"

	"github.com/shelfline/circulation-engine/ledger"
)

const dateLayout = "2006-01-02"

// =============================================================================
// READERS
// =============================================================================

// ReaderDTO represents a reader in API responses.
type ReaderDTO struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Address     string `json:"address,omitempty"`
	DateOfBirth string `json:"dateOfBirth"`
	CardIssued  string `json:"cardIssued"`
	CardExpires string `json:"cardExpires"`
	TotalDebt   string `json:"totalDebt"`
}

// RegisterReaderRequest is the payload for creating a reader. The card
// validity window is derived from the parameter record, not client input.
type RegisterReaderRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Address     string `json:"address"`
	DateOfBirth string `json:"dateOfBirth"` // YYYY-MM-DD
}

// DebtDTO reports the posted balance plus the projection including accruing
// fines on open overdue loans.
type DebtDTO struct {
	ReaderID      int64  `json:"readerId"`
	PostedDebt    string `json:"postedDebt"`
	ProjectedDebt string `json:"projectedDebt"`
	AsOf          string `json:"asOf"`
}

func toReaderDTO(r ledger.Reader) ReaderDTO {
	return ReaderDTO{
		ID:          int64(r.ID),
		Name:        r.Name,
		Email:       r.Email,
		Address:     r.Address,
		DateOfBirth: r.DateOfBirth.Format(dateLayout),
		CardIssued:  r.CardIssued.Format(dateLayout),
		CardExpires: r.CardExpires.Format(dateLayout),
		TotalDebt:   r.TotalDebt.String(),
	}
}

// =============================================================================
// CIRCULATION
// =============================================================================

// BorrowRequest lends one copy of each listed edition to the reader.
type BorrowRequest struct {
	ReaderID   int64   `json:"readerId"`
	EditionIDs []int64 `json:"editionIds"`
	BorrowDate string  `json:"borrowDate,omitempty"` // YYYY-MM-DD, defaults to today
}

// ReturnRequest records returns for the listed copies. Copies may be given
// by id or by barcode.
type ReturnRequest struct {
	ReaderID   int64    `json:"readerId"`
	CopyIDs    []int64  `json:"copyIds,omitempty"`
	Barcodes   []string `json:"barcodes,omitempty"`
	ReturnDate string   `json:"returnDate,omitempty"` // YYYY-MM-DD, defaults to today
}

// ReturnResponseDTO summarizes a return batch.
type ReturnResponseDTO struct {
	Loans      []LoanDTO `json:"loans"`
	SkippedIDs []int64   `json:"skippedCopyIds,omitempty"`
	EndingDebt string    `json:"endingDebt"`
}

// CancelRequest reverses a loan, payment, or import. The reason is required.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// LoanDTO represents a loan record. State is derived at serialization time.
type LoanDTO struct {
	ID           int64  `json:"id"`
	ReaderID     int64  `json:"readerId"`
	CopyID       int64  `json:"copyId"`
	BorrowDate   string `json:"borrowDate"`
	DueDate      string `json:"dueDate"`
	ReturnDate   string `json:"returnDate,omitempty"`
	FineAmount   string `json:"fineAmount"`
	State        string `json:"state"`
	Notes        string `json:"notes,omitempty"`
	CancelledBy  string `json:"cancelledBy,omitempty"`
	CancelledAt  string `json:"cancelledAt,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`
}

func toLoanDTO(l ledger.LoanRecord, asOf time.Time) LoanDTO {
	dto := LoanDTO{
		ID:         int64(l.ID),
		ReaderID:   int64(l.ReaderID),
		CopyID:     int64(l.CopyID),
		BorrowDate: l.BorrowDate.Format(dateLayout),
		DueDate:    l.DueDate.Format(dateLayout),
		FineAmount: l.FineAmount.String(),
		State:      string(l.State(asOf)),
		Notes:      l.Notes,
	}
	if l.ReturnDate != nil {
		dto.ReturnDate = l.ReturnDate.Format(dateLayout)
	}
	if l.Cancelled != nil {
		dto.CancelledBy = l.Cancelled.By
		dto.CancelledAt = l.Cancelled.At.Format(time.RFC3339)
		dto.CancelReason = l.Cancelled.Reason
	}
	return dto
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// PaymentRequest posts a debt payment for a reader.
type PaymentRequest struct {
	ReaderID int64  `json:"readerId"`
	Amount   string `json:"amount"` // decimal string
	Method   string `json:"method"`
}

// PaymentDTO represents a payment receipt.
type PaymentDTO struct {
	ID           int64  `json:"id"`
	ReaderID     int64  `json:"readerId"`
	Amount       string `json:"amount"`
	Method       string `json:"method,omitempty"`
	CreatedAt    string `json:"createdAt"`
	Cancelled    bool   `json:"cancelled"`
	CancelledBy  string `json:"cancelledBy,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`
}

func toPaymentDTO(p ledger.PaymentReceipt) PaymentDTO {
	dto := PaymentDTO{
		ID:        int64(p.ID),
		ReaderID:  int64(p.ReaderID),
		Amount:    p.Amount.String(),
		Method:    p.Method,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
		Cancelled: p.Cancelled != nil,
	}
	if p.Cancelled != nil {
		dto.CancelledBy = p.Cancelled.By
		dto.CancelReason = p.Cancelled.Reason
	}
	return dto
}

// =============================================================================
// INTAKE
// =============================================================================

// ImportLineRequest is one line of a stock intake batch: either the id of an
// existing edition or a full spec for a new one.
type ImportLineRequest struct {
	EditionID int64           `json:"editionId,omitempty"`
	Edition   *EditionSpecDTO `json:"edition,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice string          `json:"unitPrice,omitempty"`
}

// EditionSpecDTO describes a new title/edition to create during intake.
type EditionSpecDTO struct {
	TitleName    string   `json:"titleName"`
	Category     string   `json:"category"`
	Authors      []string `json:"authors"`
	Publisher    string   `json:"publisher"`
	PublishYear  int      `json:"publishYear"`
	ISBN         string   `json:"isbn,omitempty"`
	EditionLabel string   `json:"editionLabel,omitempty"`
	Language     string   `json:"language,omitempty"`
}

// ImportRequestDTO is the payload for receiving stock.
type ImportRequestDTO struct {
	Lines []ImportLineRequest `json:"lines"`
	Notes string              `json:"notes,omitempty"`
}

// ImportDTO represents an intake receipt.
type ImportDTO struct {
	ID           int64           `json:"id"`
	ImportDate   string          `json:"importDate"`
	CreatedBy    string          `json:"createdBy,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Cancelled    bool            `json:"cancelled"`
	CancelReason string          `json:"cancelReason,omitempty"`
	Lines        []ImportLineDTO `json:"lines"`
}

type ImportLineDTO struct {
	EditionID int64  `json:"editionId"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

func toImportDTO(r ledger.ImportReceipt) ImportDTO {
	dto := ImportDTO{
		ID:         int64(r.ID),
		ImportDate: r.ImportDate.Format(time.RFC3339),
		CreatedBy:  r.CreatedBy,
		Notes:      r.Notes,
		Cancelled:  r.Cancelled != nil,
	}
	if r.Cancelled != nil {
		dto.CancelReason = r.Cancelled.Reason
	}
	dto.Lines = make([]ImportLineDTO, 0, len(r.Lines))
	for _, l := range r.Lines {
		dto.Lines = append(dto.Lines, ImportLineDTO{
			EditionID: int64(l.EditionID),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.String(),
		})
	}
	return dto
}

// =============================================================================
// CATALOG
// =============================================================================

// EditionDTO represents an edition joined with its title in search results.
type EditionDTO struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	Category     string   `json:"category,omitempty"`
	Authors      []string `json:"authors,omitempty"`
	Publisher    string   `json:"publisher,omitempty"`
	PublishYear  int      `json:"publishYear"`
	ISBN         string   `json:"isbn,omitempty"`
	EditionLabel string   `json:"editionLabel,omitempty"`
	Language     string   `json:"language,omitempty"`
	UnitPrice    string   `json:"unitPrice"`
	Quantity     int      `json:"quantity"`
	Remaining    int      `json:"remaining"`
}

// CopyDTO represents a physical copy.
type CopyDTO struct {
	ID        int64  `json:"id"`
	EditionID int64  `json:"editionId"`
	Barcode   string `json:"barcode"`
	Status    string `json:"status"`
}

func toCopyDTO(c ledger.Copy) CopyDTO {
	return CopyDTO{
		ID:        int64(c.ID),
		EditionID: int64(c.EditionID),
		Barcode:   c.Barcode,
		Status:    string(c.Status),
	}
}

// =============================================================================
// PARAMETERS
// =============================================================================

// ParameterDTO mirrors the singleton parameter record.
type ParameterDTO struct {
	MinAge                  int    `json:"minAge"`
	MaxAge                  int    `json:"maxAge"`
	CardValidityMonths      int    `json:"cardValidityMonths"`
	BookReturnPeriodYears   int    `json:"bookReturnPeriodYears"`
	MaxBorrowedBooks        int    `json:"maxBorrowedBooks"`
	MaxBorrowDays           int    `json:"maxBorrowDays"`
	FineRatePerDay          string `json:"fineRatePerDay"`
	CancellationWindowHours int    `json:"cancellationWindowHours"`
	EnableReceiptValidation bool   `json:"enableReceiptValidation"`
	AllowBorrowWhenOverdue  bool   `json:"allowBorrowWhenOverdue"`
	UpdatedAt               string `json:"updatedAt,omitempty"`
}

func toParameterDTO(p ledger.Parameter) ParameterDTO {
	return ParameterDTO{
		MinAge:                  p.MinAge,
		MaxAge:                  p.MaxAge,
		CardValidityMonths:      p.CardValidityMonths,
		BookReturnPeriodYears:   p.BookReturnPeriodYears,
		MaxBorrowedBooks:        p.MaxBorrowedBooks,
		MaxBorrowDays:           p.MaxBorrowDays,
		FineRatePerDay:          p.FineRatePerDay.String(),
		CancellationWindowHours: p.CancellationWindowHours,
		EnableReceiptValidation: p.EnableReceiptValidation,
		AllowBorrowWhenOverdue:  p.AllowBorrowWhenOverdue,
		UpdatedAt:               p.UpdatedAt.Format(time.RFC3339),
	}
}

func (d ParameterDTO) toDomain() ledger.Parameter {
	return ledger.Parameter{
		MinAge:                  d.MinAge,
		MaxAge:                  d.MaxAge,
		CardValidityMonths:      d.CardValidityMonths,
		BookReturnPeriodYears:   d.BookReturnPeriodYears,
		MaxBorrowedBooks:        d.MaxBorrowedBooks,
		MaxBorrowDays:           d.MaxBorrowDays,
		FineRatePerDay:          ledger.MustParseMoney(d.FineRatePerDay),
		CancellationWindowHours: d.CancellationWindowHours,
		EnableReceiptValidation: d.EnableReceiptValidation,
		AllowBorrowWhenOverdue:  d.AllowBorrowWhenOverdue,
	}
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	RecordID  int64  `json:"recordId"`
	ActorID   string `json:"actorId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

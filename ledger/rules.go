/*
rules.go - Parameter-driven validation rules

PURPOSE:
  Centralizes every rule that reads Parameter: the age window at reader
  creation, the publish-year window at intake, loan-count and loan-length at
  borrow time, the fine rate at return time, and the receipt-amount ceiling
  at payment time.

  Every rule is a pure function of (entity, Parameter) so it is testable
  without a database. A nil return means the rule passed; a non-nil return
  is one of the taxonomy errors from errors.go.
*/
package ledger

import (
	"fmt"
	"time"
)

// AgeAt returns a person's age in whole years at the given date.
func AgeAt(dateOfBirth, at time.Time) int {
	years := at.Year() - dateOfBirth.Year()
	anniversary := dateOfBirth.AddDate(years, 0, 0)
	if anniversary.After(at) {
		years--
	}
	return years
}

// CheckReaderAge enforces the registration age window. Checked at creation
// time only; an existing reader aging past MaxAge keeps their card.
func CheckReaderAge(dateOfBirth, at time.Time, p Parameter) error {
	age := AgeAt(dateOfBirth, at)
	if age < p.MinAge || age > p.MaxAge {
		return fmt.Errorf("%w: age %d, allowed %d-%d", ErrAgeOutOfRange, age, p.MinAge, p.MaxAge)
	}
	return nil
}

// CardExpiry derives a card's expiration date from its issue date.
func CardExpiry(issued time.Time, p Parameter) time.Time {
	return issued.AddDate(0, p.CardValidityMonths, 0)
}

// CheckCard rejects borrowing on an expired card.
func CheckCard(r *Reader, now time.Time) error {
	if !r.CardValidAt(now) {
		return fmt.Errorf("%w: expired %s", ErrCardExpired, r.CardExpires.Format("2006-01-02"))
	}
	return nil
}

// CheckBorrowLimit enforces openLoans + requested <= MaxBorrowedBooks.
func CheckBorrowLimit(openLoans, requested int, p Parameter) error {
	if openLoans+requested > p.MaxBorrowedBooks {
		return &BorrowLimitError{Open: openLoans, Requested: requested, Max: p.MaxBorrowedBooks}
	}
	return nil
}

// CheckPublishYear enforces the intake window: only editions published within
// the last BookReturnPeriodYears years are accepted.
func CheckPublishYear(publishYear int, now time.Time, p Parameter) error {
	minYear := now.Year() - p.BookReturnPeriodYears
	if publishYear < minYear || publishYear > now.Year() {
		return fmt.Errorf("%w: year %d, accepted %d-%d", ErrPublishYearTooOld, publishYear, minYear, now.Year())
	}
	return nil
}

// DueDate derives a loan's due date from its borrow date.
func DueDate(borrowDate time.Time, p Parameter) time.Time {
	return borrowDate.AddDate(0, 0, p.MaxBorrowDays)
}

// CheckPayment enforces the settlement rules: positive amount, outstanding
// debt, and - when receipt validation is enabled - the amount must not exceed
// the posted debt.
func CheckPayment(readerID ReaderID, amount, debt Money, p Parameter) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !debt.IsPositive() {
		return ErrNoOutstandingDebt
	}
	if p.EnableReceiptValidation && amount.GreaterThan(debt) {
		return &PaymentCeilingError{ReaderID: readerID, Amount: amount, Debt: debt}
	}
	return nil
}

// CheckWindow enforces the wall-clock reversal window. Re-checked inside the
// database transaction, not just at the API boundary, so two cancel requests
// straddling the window edge cannot both pass.
func CheckWindow(since, now time.Time, p Parameter) error {
	elapsed := now.Sub(since)
	if elapsed > p.CancellationWindow() {
		return &WindowExpiredError{Elapsed: elapsed, Window: p.CancellationWindow()}
	}
	return nil
}

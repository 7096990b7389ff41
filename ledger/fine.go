package ledger

import "time"

// =============================================================================
// FINE COMPUTATION - pure, no side effects
// =============================================================================

// DaysLate returns floor(returned - due) in whole days, clamped at zero.
// Returning exactly on the due date is not late.
func DaysLate(due, returned time.Time) int {
	if !returned.After(due) {
		return 0
	}
	return int(returned.Sub(due).Hours() / 24)
}

// ComputeFine returns the fine for a loan as of the given instant:
//
//	max(0, daysBetween(dueDate, min(returnDate ?? asOf, asOf))) * fineRatePerDay
//
// For open loans this yields the projected fine were the copy returned now,
// used for "projected debt" display before return. For returned loans it
// yields the posted fine.
func ComputeFine(l *LoanRecord, asOf time.Time, p Parameter) Money {
	end := asOf
	if l.ReturnDate != nil && l.ReturnDate.Before(asOf) {
		end = *l.ReturnDate
	}
	days := DaysLate(l.DueDate, end)
	if days == 0 {
		return MoneyFromInt(0)
	}
	return p.FineRatePerDay.Mul(MoneyFromInt(int64(days)))
}

// ProjectedDebt returns a reader's posted debt plus the projected fines of
// their open loans as of the given instant.
func ProjectedDebt(posted Money, openLoans []LoanRecord, asOf time.Time, p Parameter) Money {
	total := posted
	for i := range openLoans {
		l := &openLoans[i]
		if !l.Open() {
			continue
		}
		total = total.Add(ComputeFine(l, asOf, p))
	}
	return total
}

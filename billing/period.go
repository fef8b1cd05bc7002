package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - The (year, month) billing cycle identifier
// =============================================================================

// Period identifies one monthly billing cycle. Bills are settled strictly
// oldest period first, so Period ordering is part of the payment contract.
type Period struct {
	Year  int
	Month time.Month
}

func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) Prev() Period {
	if p.Month == time.January {
		return Period{Year: p.Year - 1, Month: time.December}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

func (p Period) Next() Period {
	if p.Month == time.December {
		return Period{Year: p.Year + 1, Month: time.January}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Compare returns -1, 0 or 1 by chronological order.
func (p Period) Compare(q Period) int {
	switch {
	case p.Year != q.Year:
		if p.Year < q.Year {
			return -1
		}
		return 1
	case p.Month != q.Month:
		if p.Month < q.Month {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (p Period) Before(q Period) bool { return p.Compare(q) < 0 }

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

// Tag returns the YYYYMM form used inside display numbers.
func (p Period) Tag() string {
	return fmt.Sprintf("%d%02d", p.Year, int(p.Month))
}

func (p Period) String() string {
	return fmt.Sprintf("%d-%02d", p.Year, int(p.Month))
}

// =============================================================================
// DISPLAY NUMBERS - Part of the observable contract with existing records
// =============================================================================

// BillNumber formats a bill display number: BOL-YYYYMM-NNNN.
// The sequence resets per period and is issued from the store's
// transactional counter, never from max()+1.
func BillNumber(p Period, seq int) string {
	return fmt.Sprintf("BOL-%s-%04d", p.Tag(), seq)
}

// PaymentNumber formats a payment display number: PAG-YYYYMM-NNNN.
func PaymentNumber(p Period, seq int) string {
	return fmt.Sprintf("PAG-%s-%04d", p.Tag(), seq)
}

// Sequence kinds for the store's period counter.
const (
	SeqBill    = "BOL"
	SeqPayment = "PAG"
)

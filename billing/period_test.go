package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aguavista/billing-engine/billing"
)

func TestPeriod_PrevNext_YearBoundary(t *testing.T) {
	jan := period(2025, time.January)
	dec24 := period(2024, time.December)

	assert.Equal(t, dec24, jan.Prev())
	assert.Equal(t, jan, dec24.Next())
}

func TestPeriod_Compare(t *testing.T) {
	a := period(2024, time.December)
	b := period(2025, time.January)
	c := period(2025, time.February)

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, c.Compare(b))
	assert.Equal(t, 0, b.Compare(b))
	assert.True(t, a.Before(c))
}

func TestPeriodOf(t *testing.T) {
	p := billing.PeriodOf(time.Date(2025, time.June, 15, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, period(2025, time.June), p)
}

func TestDisplayNumbers(t *testing.T) {
	p := period(2025, time.June)

	assert.Equal(t, "BOL-202506-0001", billing.BillNumber(p, 1))
	assert.Equal(t, "BOL-202506-0042", billing.BillNumber(p, 42))
	assert.Equal(t, "PAG-202506-0007", billing.PaymentNumber(p, 7))

	// Single-digit months zero-pad inside the tag.
	assert.Equal(t, "BOL-202501-0001", billing.BillNumber(period(2025, time.January), 1))
}

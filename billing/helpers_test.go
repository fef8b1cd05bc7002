package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/aguavista/billing-engine/billing"
	"github.com/aguavista/billing-engine/billing/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*billing.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := billing.NewService(mem, mem, mem).WithClock(func() time.Time { return testNow })
	return svc, mem
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedBill inserts an open bill with the given total outstanding.
func seedBill(t *testing.T, mem *store.Memory, id, customerID, number string, p billing.Period, total string) billing.Bill {
	t.Helper()
	tot := dec(total)
	b := billing.Bill{
		ID:          billing.BillID(id),
		Number:      number,
		MeterID:     "meter-1",
		CustomerID:  billing.CustomerID(customerID),
		Period:      p,
		Total:       tot,
		AmountPaid:  decimal.Zero,
		Outstanding: tot,
		State:       billing.SettlementPending,
		IssuedAt:    testNow,
		CreatedAt:   testNow,
	}
	require.NoError(t, mem.CreateBill(context.Background(), &b))
	return b
}

func getBill(t *testing.T, mem *store.Memory, id billing.BillID) *billing.Bill {
	t.Helper()
	b, err := mem.BillByID(context.Background(), id)
	require.NoError(t, err)
	return b
}

func getPayment(t *testing.T, mem *store.Memory, id billing.PaymentID) *billing.Payment {
	t.Helper()
	p, err := mem.PaymentByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func balanceOf(t *testing.T, mem *store.Memory, customerID string) decimal.Decimal {
	t.Helper()
	b, err := mem.CreditBalance(context.Background(), billing.CustomerID(customerID))
	require.NoError(t, err)
	return b
}

func period(year int, month time.Month) billing.Period {
	return billing.Period{Year: year, Month: month}
}

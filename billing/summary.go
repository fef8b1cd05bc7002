package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// recentMovementLimit bounds the movement tail in an account summary.
const recentMovementLimit = 10

// AccountSummaryFor assembles the customer-facing account view: current
// credit, total debt across unsettled bills, open counts, and the most
// recent balance movements.
func (s *Service) AccountSummaryFor(ctx context.Context, customerID CustomerID) (*AccountSummary, error) {
	balance, err := s.store.CreditBalance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	bills, err := s.store.OutstandingBills(ctx, customerID)
	if err != nil {
		return nil, err
	}
	debt := decimal.Zero
	pending := 0
	for _, b := range bills {
		debt = debt.Add(b.Outstanding)
		if b.State == SettlementPending {
			pending++
		}
	}
	inReview, err := s.store.CountPaymentsInState(ctx, customerID, PaymentInReview)
	if err != nil {
		return nil, err
	}
	movements, err := s.store.MovementsByCustomer(ctx, customerID, recentMovementLimit)
	if err != nil {
		return nil, err
	}
	return &AccountSummary{
		CustomerID:           customerID,
		CreditBalance:        balance,
		TotalDebt:            debt,
		PendingBillCount:     pending,
		InReviewPaymentCount: inReview,
		RecentMovements:      movements,
	}, nil
}

// Bills lists bills matching the filter.
func (s *Service) Bills(ctx context.Context, f BillFilter) ([]Bill, error) {
	return s.store.ListBills(ctx, f)
}

// BillStatsFor summarizes bills matching the filter.
func (s *Service) BillStatsFor(ctx context.Context, f BillFilter) (*BillStats, error) {
	return s.store.BillStats(ctx, f)
}

// Payments lists payments matching the filter.
func (s *Service) Payments(ctx context.Context, f PaymentFilter) ([]Payment, error) {
	return s.store.ListPayments(ctx, f)
}

// PaymentDetail returns a payment with its allocations.
func (s *Service) PaymentDetail(ctx context.Context, id PaymentID) (*Payment, []BillAllocation, error) {
	p, err := s.store.PaymentByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	allocs, err := s.store.AllocationsByPayment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return p, allocs, nil
}

// BillDetail returns a bill with the allocations that have touched it.
func (s *Service) BillDetail(ctx context.Context, id BillID) (*Bill, []BillAllocation, error) {
	b, err := s.store.BillByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	allocs, err := s.store.AllocationsByBill(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return b, allocs, nil
}

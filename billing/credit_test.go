package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguavista/billing-engine/billing"
)

// =============================================================================
// MANUAL ADJUSTMENTS
// =============================================================================

func TestAdjustCustomerBalance_RecordsSnapshot(t *testing.T) {
	// GIVEN: A zero balance
	// WHEN: Staff adds $10 then removes $4
	// THEN: Each movement carries its before/after snapshot

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	m1, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("10.00"), "goodwill", "staff-1")
	require.NoError(t, err)
	assert.True(t, m1.BalanceBefore.IsZero())
	assert.True(t, m1.BalanceAfter.Equal(dec("10.00")))
	assert.Equal(t, billing.MovementAdjustment, m1.Type)
	assert.Equal(t, billing.OriginAdminAdjustment, m1.Origin)
	assert.Equal(t, billing.UserID("staff-1"), m1.ActorID)

	m2, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("-4.00"), "correction", "staff-1")
	require.NoError(t, err)
	assert.True(t, m2.BalanceBefore.Equal(dec("10.00")))
	assert.True(t, m2.BalanceAfter.Equal(dec("6.00")))

	assert.True(t, balanceOf(t, mem, "c-1").Equal(dec("6.00")))
}

func TestAdjustCustomerBalance_RefusesNegativeResult(t *testing.T) {
	// GIVEN: A $3 balance
	// WHEN: Staff tries to remove $5
	// THEN: NegativeBalanceError, balance and log untouched

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("3.00"), "deposit", "staff-1")
	require.NoError(t, err)

	_, err = svc.AdjustCustomerBalance(ctx, "c-1", dec("-5.00"), "too much", "staff-1")
	assert.ErrorIs(t, err, billing.ErrNegativeBalance)
	var negErr *billing.NegativeBalanceError
	require.ErrorAs(t, err, &negErr)
	assert.True(t, negErr.Current.Equal(dec("3.00")))

	assert.True(t, balanceOf(t, mem, "c-1").Equal(dec("3.00")))
	movements, err := mem.MovementsInOrder(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, movements, 1, "refused adjustment must not append a movement")
}

// =============================================================================
// REPLAY AND REPAIR
// =============================================================================

func TestReplayBalance_MatchesMaterialized(t *testing.T) {
	// GIVEN: A mixed history of overflow credit, credit use and adjustments
	// WHEN: The movement log is replayed
	// THEN: The sum equals the materialized balance

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	seedBill(t, mem, "b-1", "c-1", "BOL-202505-0001", period(2025, time.May), "30.00")
	seedBill(t, mem, "b-2", "c-1", "BOL-202506-0001", period(2025, time.June), "10.00")

	// Overpay the first bill by targeting it alone, overflow becomes credit.
	_, err := svc.RegisterDirectPayment(ctx, billing.DirectInput{
		CustomerID: "c-1", Amount: dec("50.00"),
		TargetBills: []billing.BillID{"b-1"},
		Method:      billing.MethodCash, StaffID: "staff-1",
	})
	require.NoError(t, err)

	// Burn part of that credit on the second bill.
	_, err = svc.UseCreditForBills(ctx, "c-1", nil, "staff-1")
	require.NoError(t, err)

	_, err = svc.AdjustCustomerBalance(ctx, "c-1", dec("2.50"), "goodwill", "staff-1")
	require.NoError(t, err)

	replayed, err := svc.ReplayBalance(ctx, "c-1")
	require.NoError(t, err)
	materialized := balanceOf(t, mem, "c-1")

	assert.True(t, replayed.Equal(materialized),
		"replayed %s, materialized %s", replayed, materialized)
	assert.True(t, replayed.Equal(dec("12.50")), "20 overflow - 10 used + 2.50 adjustment")
}

func TestRepairBalance_FixesDrift(t *testing.T) {
	// GIVEN: A materialized balance corrupted behind the ledger's back
	// WHEN: RepairBalance runs
	// THEN: The replayed value overwrites the cache

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("10.00"), "deposit", "staff-1")
	require.NoError(t, err)

	// Corrupt the cache directly.
	require.NoError(t, mem.SetCreditBalance(ctx, "c-1", dec("999.00")))

	replayed, previous, err := svc.RepairBalance(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, previous.Equal(dec("999.00")))
	assert.True(t, replayed.Equal(dec("10.00")))
	assert.True(t, balanceOf(t, mem, "c-1").Equal(dec("10.00")))
}

func TestRepairBalance_NoDrift_NoOp(t *testing.T) {
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("7.00"), "deposit", "staff-1")
	require.NoError(t, err)

	replayed, previous, err := svc.RepairBalance(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, replayed.Equal(previous))
	assert.True(t, balanceOf(t, mem, "c-1").Equal(dec("7.00")))
}

// =============================================================================
// SUMMARY
// =============================================================================

func TestAccountSummaryFor(t *testing.T) {
	// GIVEN: Credit, open bills and an in_review payment
	// WHEN: The summary is assembled
	// THEN: Debt, counts and recent movements line up

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("5.00"), "deposit", "staff-1")
	require.NoError(t, err)

	seedBill(t, mem, "b-1", "c-1", "BOL-202505-0001", period(2025, time.May), "10.00")
	seedBill(t, mem, "b-2", "c-1", "BOL-202506-0001", period(2025, time.June), "15.00")

	_, err = svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1", Amount: dec("10.00"),
		TargetBills: []billing.BillID{"b-1"}, ProofRef: "proof-1",
	})
	require.NoError(t, err)

	summary, err := svc.AccountSummaryFor(ctx, "c-1")
	require.NoError(t, err)

	assert.True(t, summary.CreditBalance.Equal(dec("5.00")))
	assert.True(t, summary.TotalDebt.Equal(dec("25.00")), "in_review bills still count as debt")
	assert.Equal(t, 1, summary.PendingBillCount, "only b-2 is pending, b-1 is in review")
	assert.Equal(t, 1, summary.InReviewPaymentCount)
	require.Len(t, summary.RecentMovements, 1)
	assert.Equal(t, billing.MovementAdjustment, summary.RecentMovements[0].Type)
}

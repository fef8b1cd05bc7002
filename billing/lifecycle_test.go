package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguavista/billing-engine/billing"
)

// =============================================================================
// SUBMIT - Provisional marks only
// =============================================================================

func TestSubmitPayment_WithProof_MarksBillsInReview(t *testing.T) {
	// GIVEN: An open $20 bill
	// WHEN: The customer submits $20 with a proof reference
	// THEN: Payment and bill enter in_review, but no monetary field moves

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	bill := seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "20.00")

	p, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1",
		Amount:     dec("20.00"),
		ProofRef:   "transfer-123",
		Method:     billing.MethodTransfer,
	})
	require.NoError(t, err)

	assert.Equal(t, billing.PaymentInReview, p.State)
	assert.Equal(t, "PAG-202506-0001", p.Number)
	assert.True(t, p.AmountApplied.Equal(dec("20.00")))

	got := getBill(t, mem, bill.ID)
	assert.Equal(t, billing.SettlementInReview, got.State)
	assert.Equal(t, "transfer-123", got.ProofRef)
	assert.True(t, got.Outstanding.Equal(dec("20.00")), "outstanding must not move before approval")
	assert.True(t, got.AmountPaid.IsZero())

	allocs, err := mem.AllocationsByPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Amount.Equal(dec("20.00")))
}

func TestSubmitPayment_WithoutProof_StaysPending(t *testing.T) {
	// Without proof the payment waits as pending and bills are not marked.
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	bill := seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "20.00")

	p, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1",
		Amount:     dec("20.00"),
	})
	require.NoError(t, err)

	assert.Equal(t, billing.PaymentPending, p.State)
	got := getBill(t, mem, bill.ID)
	assert.Equal(t, billing.SettlementPending, got.State)
	assert.Empty(t, got.ProofRef)
}

func TestSubmitPayment_NonPositiveAmount_Rejected(t *testing.T) {
	svc, _ := newTestEngine(t)

	_, err := svc.SubmitPayment(context.Background(), billing.SubmitInput{
		CustomerID: "c-1",
		Amount:     decimal.Zero,
	})
	assert.ErrorIs(t, err, billing.ErrNoEligibleBills)
}

func TestSubmitPayment_AllBillsSettled_Rejected(t *testing.T) {
	// No open bills means the submission is refused, nothing persisted.
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1",
		Amount:     dec("10.00"),
		ProofRef:   "proof-1",
	})
	assert.ErrorIs(t, err, billing.ErrNoEligibleBills)

	payments, err := mem.ListPayments(ctx, billing.PaymentFilter{CustomerID: "c-1"})
	require.NoError(t, err)
	assert.Empty(t, payments, "rolled-back submission must leave no payment behind")
}

// =============================================================================
// APPROVE - The only place money commits
// =============================================================================

func TestApprovePayment_CommitsStoredAllocations(t *testing.T) {
	// GIVEN: A $15 in_review payment over two $10 bills
	// WHEN: Staff approves
	// THEN: Oldest bill settles, second goes back to pending with $5 left

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	older := seedBill(t, mem, "b-1", "c-1", "BOL-202505-0001", period(2025, time.May), "10.00")
	newer := seedBill(t, mem, "b-2", "c-1", "BOL-202506-0001", period(2025, time.June), "10.00")

	p, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1", Amount: dec("15.00"), ProofRef: "proof-1",
		Method: billing.MethodTransfer,
	})
	require.NoError(t, err)

	require.NoError(t, svc.ApprovePayment(ctx, p.ID, "staff-1"))

	first := getBill(t, mem, older.ID)
	assert.Equal(t, billing.SettlementSettled, first.State)
	assert.True(t, first.Outstanding.IsZero())
	require.NotNil(t, first.PaidAt)
	assert.Equal(t, billing.MethodTransfer, first.Method)

	second := getBill(t, mem, newer.ID)
	assert.Equal(t, billing.SettlementPending, second.State, "partially paid bill returns to pending")
	assert.True(t, second.Outstanding.Equal(dec("5.00")))
	assert.True(t, second.AmountPaid.Equal(dec("5.00")))

	approved := getPayment(t, mem, p.ID)
	assert.Equal(t, billing.PaymentApproved, approved.State)
	assert.Equal(t, billing.UserID("staff-1"), approved.ProcessedBy)
	require.NotNil(t, approved.ProcessedAt)
}

func TestApprovePayment_Twice_Idempotent(t *testing.T) {
	// GIVEN: An approved payment
	// WHEN: Approving again
	// THEN: InvalidStateError and no double application

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	bill := seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "20.00")
	p, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1", Amount: dec("20.00"), ProofRef: "proof-1",
	})
	require.NoError(t, err)
	require.NoError(t, svc.ApprovePayment(ctx, p.ID, "staff-1"))

	err = svc.ApprovePayment(ctx, p.ID, "staff-2")
	assert.ErrorIs(t, err, billing.ErrInvalidState)
	var stateErr *billing.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, billing.PaymentApproved, stateErr.Current)

	got := getBill(t, mem, bill.ID)
	assert.True(t, got.AmountPaid.Equal(dec("20.00")), "second approve must not apply again")
	approved := getPayment(t, mem, p.ID)
	assert.Equal(t, billing.UserID("staff-1"), approved.ProcessedBy, "second approve must not overwrite the decision")
}

func TestApprovePayment_Overflow_CreditsBalance(t *testing.T) {
	// GIVEN: $50 submitted against a single $30 bill
	// WHEN: Approved
	// THEN: $20 lands on the balance with a payment_overflow movement

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "30.00")
	p, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1", Amount: dec("50.00"), ProofRef: "proof-1",
	})
	require.NoError(t, err)
	assert.True(t, p.AmountToCredit.Equal(dec("20.00")))

	require.NoError(t, svc.ApprovePayment(ctx, p.ID, "staff-1"))

	assert.True(t, balanceOf(t, mem, "c-1").Equal(dec("20.00")))

	movements, err := mem.MovementsInOrder(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, billing.MovementCredit, movements[0].Type)
	assert.Equal(t, billing.OriginPaymentOverflow, movements[0].Origin)
	assert.True(t, movements[0].Amount.Equal(dec("20.00")))
	assert.True(t, movements[0].BalanceBefore.IsZero())
	assert.True(t, movements[0].BalanceAfter.Equal(dec("20.00")))
}

// =============================================================================
// REJECT - Release provisional marks, never move money
// =============================================================================

func TestRejectPayment_RevertsMarksAndProof(t *testing.T) {
	// GIVEN: Two bills provisionally marked by one submission
	// WHEN: The payment is rejected
	// THEN: Both return to pending with the proof cleared, no movements

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	b1 := seedBill(t, mem, "b-1", "c-1", "BOL-202505-0001", period(2025, time.May), "10.00")
	b2 := seedBill(t, mem, "b-2", "c-1", "BOL-202506-0001", period(2025, time.June), "10.00")

	p, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1", Amount: dec("20.00"), ProofRef: "proof-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RejectPayment(ctx, p.ID, "illegible receipt", "staff-1"))

	for _, id := range []billing.BillID{b1.ID, b2.ID} {
		got := getBill(t, mem, id)
		assert.Equal(t, billing.SettlementPending, got.State)
		assert.Empty(t, got.ProofRef)
		assert.True(t, got.Outstanding.Equal(dec("10.00")))
	}

	rejected := getPayment(t, mem, p.ID)
	assert.Equal(t, billing.PaymentRejected, rejected.State)
	assert.Equal(t, "illegible receipt", rejected.RejectionReason)

	movements, err := mem.MovementsInOrder(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, movements, "reject must never write a balance movement")
}

func TestRejectPayment_ReasonRequired(t *testing.T) {
	svc, _ := newTestEngine(t)
	err := svc.RejectPayment(context.Background(), "p-1", "", "staff-1")
	assert.ErrorIs(t, err, billing.ErrRejectionReasonRequired)
}

func TestRejectPayment_Twice_Idempotent(t *testing.T) {
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "10.00")
	p, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1", Amount: dec("10.00"), ProofRef: "proof-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RejectPayment(ctx, p.ID, "wrong amount", "staff-1"))
	err = svc.RejectPayment(ctx, p.ID, "wrong amount", "staff-1")
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestRejectPayment_SiblingClaimKeepsMark(t *testing.T) {
	// GIVEN: Two in_review submissions claiming the same bill
	// WHEN: One is rejected
	// THEN: The bill stays in_review for the surviving claim

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	bill := seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "10.00")

	first, err := svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1", Amount: dec("10.00"), TargetBills: []billing.BillID{bill.ID},
		ProofRef: "proof-a",
	})
	require.NoError(t, err)
	_, err = svc.SubmitPayment(ctx, billing.SubmitInput{
		CustomerID: "c-1", Amount: dec("10.00"), TargetBills: []billing.BillID{bill.ID},
		ProofRef: "proof-b",
	})
	require.NoError(t, err)

	require.NoError(t, svc.RejectPayment(ctx, first.ID, "duplicate submission", "staff-1"))

	got := getBill(t, mem, bill.ID)
	assert.Equal(t, billing.SettlementInReview, got.State)
	assert.Equal(t, "proof-b", got.ProofRef, "surviving claim's proof stays on the bill")
}

// =============================================================================
// DIRECT PAYMENT
// =============================================================================

func TestRegisterDirectPayment_CommitsImmediately(t *testing.T) {
	// Cash at the counter: one call, approved and applied.
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	bill := seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "35.00")

	p, err := svc.RegisterDirectPayment(ctx, billing.DirectInput{
		CustomerID: "c-1", Amount: dec("35.00"), Method: billing.MethodCash, StaffID: "staff-1",
	})
	require.NoError(t, err)

	assert.Equal(t, billing.PaymentApproved, p.State)
	assert.Equal(t, billing.UserID("staff-1"), p.ProcessedBy)

	got := getBill(t, mem, bill.ID)
	assert.Equal(t, billing.SettlementSettled, got.State)
	assert.Equal(t, billing.MethodCash, got.Method)
}

func TestRegisterDirectPayment_OverflowCreditsBalance(t *testing.T) {
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "30.00")

	p, err := svc.RegisterDirectPayment(ctx, billing.DirectInput{
		CustomerID: "c-1", Amount: dec("50.00"), Method: billing.MethodCash, StaffID: "staff-1",
	})
	require.NoError(t, err)
	assert.True(t, p.AmountToCredit.Equal(dec("20.00")))
	assert.True(t, balanceOf(t, mem, "c-1").Equal(dec("20.00")))
}

// =============================================================================
// CREDIT-FUNDED PAYMENT
// =============================================================================

func TestUseCreditForBills_SettlesFromBalance(t *testing.T) {
	// GIVEN: $25 of credit and two $10 bills
	// WHEN: Credit is applied
	// THEN: Both settle, $5 remains, one debit movement per bill

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("25.00"), "initial deposit", "staff-1")
	require.NoError(t, err)

	b1 := seedBill(t, mem, "b-1", "c-1", "BOL-202505-0001", period(2025, time.May), "10.00")
	b2 := seedBill(t, mem, "b-2", "c-1", "BOL-202506-0001", period(2025, time.June), "10.00")

	p, err := svc.UseCreditForBills(ctx, "c-1", nil, "staff-1")
	require.NoError(t, err)

	assert.Equal(t, billing.PaymentApproved, p.State)
	assert.Equal(t, billing.MethodCreditBalance, p.Method)
	assert.True(t, p.AmountTotal.IsZero(), "no fresh money in a credit-funded payment")
	assert.True(t, p.CreditUsed.Equal(dec("20.00")))

	for _, id := range []billing.BillID{b1.ID, b2.ID} {
		got := getBill(t, mem, id)
		assert.Equal(t, billing.SettlementSettled, got.State)
	}
	assert.True(t, balanceOf(t, mem, "c-1").Equal(dec("5.00")))

	movements, err := mem.MovementsInOrder(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, movements, 3, "deposit plus one debit per settled bill")
	for _, m := range movements[1:] {
		assert.Equal(t, billing.MovementDebit, m.Type)
		assert.Equal(t, billing.OriginBillApplication, m.Origin)
		assert.NotEmpty(t, m.BillID)
		assert.True(t, m.Amount.Equal(dec("-10.00")))
	}
}

func TestUseCreditForBills_NoBalance_Rejected(t *testing.T) {
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "10.00")

	_, err := svc.UseCreditForBills(ctx, "c-1", nil, "staff-1")
	assert.ErrorIs(t, err, billing.ErrInsufficientCredit)
	var credErr *billing.InsufficientCreditError
	require.ErrorAs(t, err, &credErr)
	assert.True(t, credErr.Available.IsZero())
}

func TestUseCreditForBills_PartialCoverage(t *testing.T) {
	// $6 of credit against a $10 bill drains the balance and leaves $4 open.
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("6.00"), "deposit", "staff-1")
	require.NoError(t, err)
	bill := seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "10.00")

	p, err := svc.UseCreditForBills(ctx, "c-1", nil, "staff-1")
	require.NoError(t, err)
	assert.True(t, p.CreditUsed.Equal(dec("6.00")))

	got := getBill(t, mem, bill.ID)
	assert.Equal(t, billing.SettlementPending, got.State)
	assert.True(t, got.Outstanding.Equal(dec("4.00")))
	assert.True(t, balanceOf(t, mem, "c-1").IsZero())
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestPreviewAllocation_WithCredit_CapsAtNeed(t *testing.T) {
	// GIVEN: $100 of credit and a $20 bill
	// WHEN: Previewing a $5 payment with credit enabled
	// THEN: Only $15 of credit joins in; nothing round-trips through the balance

	svc, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := svc.AdjustCustomerBalance(ctx, "c-1", dec("100.00"), "deposit", "staff-1")
	require.NoError(t, err)
	seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "20.00")

	plan, err := svc.PreviewAllocation(ctx, "c-1", dec("5.00"), nil, true)
	require.NoError(t, err)

	assert.True(t, plan.CreditUsed.Equal(dec("15.00")))
	assert.True(t, plan.Applied.Equal(dec("20.00")))
	assert.True(t, plan.ToCredit.IsZero())
}

func TestPreviewAllocation_PersistsNothing(t *testing.T) {
	svc, mem := newTestEngine(t)
	ctx := context.Background()

	bill := seedBill(t, mem, "b-1", "c-1", "BOL-202506-0001", period(2025, time.June), "20.00")

	_, err := svc.PreviewAllocation(ctx, "c-1", dec("20.00"), nil, false)
	require.NoError(t, err)

	got := getBill(t, mem, bill.ID)
	assert.Equal(t, billing.SettlementPending, got.State)
	payments, err := mem.ListPayments(ctx, billing.PaymentFilter{CustomerID: "c-1"})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

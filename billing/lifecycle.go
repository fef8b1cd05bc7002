/*
lifecycle.go - Payment state machine

PURPOSE:
  Governs the payment lifecycle (pending -> in_review -> approved/rejected)
  and the mirrored settlement state on every affected bill. This is the
  only place where money commits to a bill.

STATE MACHINE:

  Submit  ────────────────> in_review ──Approve──> approved (terminal)
  (proof attached)              │
                                └──────Reject───> rejected (terminal)

  Direct / UseCredit ──────────────────────────> approved (terminal)

RULES:
  - Submit marks target bills in_review and stores the allocation plan,
    but mutates no monetary field. Funds commit at approval, never before.
  - Approve and Reject demand the payment be in_review; retrying on a
    terminal payment reports InvalidStateError and repeats nothing.
  - Every transition runs in one transaction: all bills and the balance
    move together or not at all.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS
// =============================================================================

// SubmitInput is a customer-submitted payment attempt awaiting review.
type SubmitInput struct {
	CustomerID  CustomerID
	Amount      decimal.Decimal
	TargetBills []BillID // empty means every outstanding bill
	ProofRef    string
	Method      PaymentMethod
	PaidOn      time.Time
	Notes       string
}

// DirectInput is an admin-registered payment, committed immediately.
type DirectInput struct {
	CustomerID  CustomerID
	Amount      decimal.Decimal
	TargetBills []BillID
	Method      PaymentMethod
	StaffID     UserID
	PaidOn      time.Time
	Notes       string
}

// =============================================================================
// PREVIEW
// =============================================================================

// PreviewAllocation computes the distribution a payment would produce
// without persisting anything. With useCredit, the customer's balance tops
// up the fresh amount, capped at what the target bills can absorb.
func (s *Service) PreviewAllocation(ctx context.Context, customerID CustomerID, amount decimal.Decimal, targets []BillID, useCredit bool) (*AllocationPlan, error) {
	bills, err := s.targetBills(ctx, s.store, customerID, targets)
	if err != nil {
		return nil, err
	}
	creditUsed := decimal.Zero
	if useCredit {
		balance, err := s.store.CreditBalance(ctx, customerID)
		if err != nil {
			return nil, err
		}
		creditUsed = creditToUse(balance, amount, bills)
	}
	return BuildPlan(amount, creditUsed, bills)
}

// creditToUse caps credit consumption at what the bills still need after
// the fresh amount, so approval never round-trips balance through itself.
func creditToUse(balance, amount decimal.Decimal, bills []Bill) decimal.Decimal {
	if balance.Sign() <= 0 {
		return decimal.Zero
	}
	need := decimal.Zero
	for _, b := range bills {
		if b.Outstanding.Sign() > 0 {
			need = need.Add(b.Outstanding)
		}
	}
	need = need.Sub(amount)
	if need.Sign() <= 0 {
		return decimal.Zero
	}
	return decimal.Min(balance, need)
}

// =============================================================================
// SUBMIT
// =============================================================================

// SubmitPayment records a customer payment attempt. With a proof reference
// the payment enters in_review and each target bill is provisionally marked;
// without one it stays pending until proof arrives. No monetary field on
// any bill changes here.
func (s *Service) SubmitPayment(ctx context.Context, in SubmitInput) (*Payment, error) {
	if in.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount %s: %w", in.Amount, ErrNoEligibleBills)
	}

	var payment *Payment
	err := s.store.WithTx(ctx, func(tx Store) error {
		bills, err := s.targetBills(ctx, tx, in.CustomerID, in.TargetBills)
		if err != nil {
			return err
		}
		plan, err := BuildPlan(in.Amount, decimal.Zero, bills)
		if err != nil {
			return err
		}

		now := s.now()
		payment, err = s.newPayment(ctx, tx, in.CustomerID, plan, now)
		if err != nil {
			return err
		}
		payment.ProofRef = in.ProofRef
		payment.Method = in.Method
		payment.Notes = in.Notes
		payment.PaidOn = in.PaidOn
		if payment.PaidOn.IsZero() {
			payment.PaidOn = now
		}
		payment.State = PaymentPending
		if in.ProofRef != "" {
			payment.State = PaymentInReview
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.CreateAllocations(ctx, allocationsOf(payment.ID, plan, now)); err != nil {
			return err
		}
		if payment.State != PaymentInReview {
			return nil
		}

		// Provisional mark only. Outstanding and amount paid are untouched
		// until a staff decision.
		for _, line := range plan.Lines {
			b, err := tx.BillByID(ctx, line.BillID)
			if err != nil {
				return err
			}
			b.State = SettlementFor(b, true)
			b.ProofRef = in.ProofRef
			if err := tx.UpdateBill(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// =============================================================================
// DIRECT PAYMENT - Submit and Approve collapsed
// =============================================================================

// RegisterDirectPayment records a cash or in-person payment and commits it
// in the same transaction.
func (s *Service) RegisterDirectPayment(ctx context.Context, in DirectInput) (*Payment, error) {
	if in.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount %s: %w", in.Amount, ErrNoEligibleBills)
	}

	var payment *Payment
	err := s.store.WithTx(ctx, func(tx Store) error {
		bills, err := s.targetBills(ctx, tx, in.CustomerID, in.TargetBills)
		if err != nil {
			return err
		}
		plan, err := BuildPlan(in.Amount, decimal.Zero, bills)
		if err != nil {
			return err
		}

		now := s.now()
		payment, err = s.newPayment(ctx, tx, in.CustomerID, plan, now)
		if err != nil {
			return err
		}
		payment.Method = in.Method
		payment.Notes = in.Notes
		payment.PaidOn = in.PaidOn
		if payment.PaidOn.IsZero() {
			payment.PaidOn = now
		}
		payment.State = PaymentApproved
		payment.ProcessedAt = &now
		payment.ProcessedBy = in.StaffID
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.CreateAllocations(ctx, allocationsOf(payment.ID, plan, now)); err != nil {
			return err
		}
		return s.commitPlan(ctx, tx, payment, plan, now)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

// ApprovePayment commits an in_review payment's stored allocations against
// the live bills, credits any overflow, and closes the payment. Calling it
// again on the same payment reports InvalidStateError and changes nothing.
func (s *Service) ApprovePayment(ctx context.Context, id PaymentID, staffID UserID) error {
	return s.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.PaymentByID(ctx, id)
		if err != nil {
			return err
		}
		if p.State != PaymentInReview {
			return &InvalidStateError{PaymentID: id, Current: p.State, Want: PaymentInReview}
		}
		allocs, err := tx.AllocationsByPayment(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		for _, a := range allocs {
			if err := s.applyAllocation(ctx, tx, p, a, now); err != nil {
				return err
			}
		}
		if err := s.settleCreditSides(ctx, tx, p, now); err != nil {
			return err
		}

		p.State = PaymentApproved
		p.ProcessedAt = &now
		p.ProcessedBy = staffID
		return tx.UpdatePayment(ctx, p)
	})
}

// RejectPayment releases an in_review payment. Each claimed bill drops its
// provisional mark and shared proof reference, unless a sibling in_review
// payment still claims it. No balance movement is ever written on reject.
func (s *Service) RejectPayment(ctx context.Context, id PaymentID, reason string, staffID UserID) error {
	if reason == "" {
		return ErrRejectionReasonRequired
	}
	return s.store.WithTx(ctx, func(tx Store) error {
		p, err := tx.PaymentByID(ctx, id)
		if err != nil {
			return err
		}
		if p.State != PaymentInReview {
			return &InvalidStateError{PaymentID: id, Current: p.State, Want: PaymentInReview}
		}
		allocs, err := tx.AllocationsByPayment(ctx, id)
		if err != nil {
			return err
		}

		now := s.now()
		for _, a := range allocs {
			siblings, err := tx.CountInReviewClaims(ctx, a.BillID, id)
			if err != nil {
				return err
			}
			if siblings > 0 {
				continue
			}
			b, err := tx.BillByID(ctx, a.BillID)
			if err != nil {
				return err
			}
			b.State = SettlementFor(b, false)
			b.ProofRef = ""
			if err := tx.UpdateBill(ctx, b); err != nil {
				return err
			}
		}

		p.State = PaymentRejected
		p.RejectionReason = reason
		p.ProcessedAt = &now
		p.ProcessedBy = staffID
		return tx.UpdatePayment(ctx, p)
	})
}

// =============================================================================
// CREDIT-FUNDED PAYMENT
// =============================================================================

// UseCreditForBills settles bills entirely from the customer's credit
// balance: no new money, no proof, approved on the spot. Each settled bill
// gets its own debit movement so the ledger shows where the balance went.
func (s *Service) UseCreditForBills(ctx context.Context, customerID CustomerID, targets []BillID, actorID UserID) (*Payment, error) {
	var payment *Payment
	err := s.store.WithTx(ctx, func(tx Store) error {
		balance, err := tx.CreditBalance(ctx, customerID)
		if err != nil {
			return err
		}
		if balance.Sign() <= 0 {
			return &InsufficientCreditError{CustomerID: customerID, Available: balance}
		}
		bills, err := s.targetBills(ctx, tx, customerID, targets)
		if err != nil {
			return err
		}
		creditUsed := creditToUse(balance, decimal.Zero, bills)
		plan, err := BuildPlan(decimal.Zero, creditUsed, bills)
		if err != nil {
			return err
		}

		now := s.now()
		payment, err = s.newPayment(ctx, tx, customerID, plan, now)
		if err != nil {
			return err
		}
		payment.Method = MethodCreditBalance
		payment.PaidOn = now
		payment.State = PaymentApproved
		payment.ProcessedAt = &now
		payment.ProcessedBy = actorID
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.CreateAllocations(ctx, allocationsOf(payment.ID, plan, now)); err != nil {
			return err
		}

		for _, line := range plan.Lines {
			if err := s.applyLine(ctx, tx, payment, line, now); err != nil {
				return err
			}
			_, err := s.recordMovement(ctx, tx, movementInput{
				CustomerID:  customerID,
				Type:        MovementDebit,
				Origin:      OriginBillApplication,
				Amount:      line.Amount.Neg(),
				Description: fmt.Sprintf("credit applied to bill %s", line.BillNumber),
				PaymentID:   payment.ID,
				BillID:      line.BillID,
				ActorID:     actorID,
			}, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// targetBills resolves the bill set a payment aims at. An empty target list
// means the customer's whole outstanding ledger.
func (s *Service) targetBills(ctx context.Context, tx Store, customerID CustomerID, targets []BillID) ([]Bill, error) {
	if len(targets) == 0 {
		return tx.OutstandingBills(ctx, customerID)
	}
	return tx.BillsByIDs(ctx, targets)
}

// newPayment builds the payment skeleton with a freshly issued display
// number and the plan's monetary split.
func (s *Service) newPayment(ctx context.Context, tx Store, customerID CustomerID, plan *AllocationPlan, now time.Time) (*Payment, error) {
	period := PeriodOf(now)
	seq, err := tx.NextSequence(ctx, SeqPayment, period)
	if err != nil {
		return nil, err
	}
	return &Payment{
		ID:             PaymentID(newID()),
		Number:         PaymentNumber(period, seq),
		CustomerID:     customerID,
		AmountTotal:    plan.Amount,
		AmountApplied:  plan.Applied,
		AmountToCredit: plan.ToCredit,
		CreditUsed:     plan.CreditUsed,
		SubmittedAt:    now,
		CreatedAt:      now,
	}, nil
}

func allocationsOf(id PaymentID, plan *AllocationPlan, now time.Time) []BillAllocation {
	allocs := make([]BillAllocation, len(plan.Lines))
	for i, line := range plan.Lines {
		allocs[i] = BillAllocation{
			PaymentID:      id,
			BillID:         line.BillID,
			Amount:         line.Amount,
			FullSettlement: line.FullSettlement,
			CreatedAt:      now,
		}
	}
	return allocs
}

// applyAllocation commits one stored allocation against the live bill.
func (s *Service) applyAllocation(ctx context.Context, tx Store, p *Payment, a BillAllocation, now time.Time) error {
	return s.applyAmount(ctx, tx, p, a.BillID, a.Amount, now)
}

func (s *Service) applyLine(ctx context.Context, tx Store, p *Payment, line AllocationLine, now time.Time) error {
	return s.applyAmount(ctx, tx, p, line.BillID, line.Amount, now)
}

func (s *Service) applyAmount(ctx context.Context, tx Store, p *Payment, billID BillID, amount decimal.Decimal, now time.Time) error {
	b, err := tx.BillByID(ctx, billID)
	if err != nil {
		return err
	}
	b.AmountPaid = b.AmountPaid.Add(amount)
	b.Outstanding = b.Total.Sub(b.AmountPaid)
	b.State = SettlementFor(b, false)
	if b.State == SettlementSettled {
		b.PaidAt = &now
		b.Method = p.Method
	}
	return tx.UpdateBill(ctx, b)
}

// commitPlan applies a full plan's lines plus its overflow credit.
func (s *Service) commitPlan(ctx context.Context, tx Store, p *Payment, plan *AllocationPlan, now time.Time) error {
	for _, line := range plan.Lines {
		if err := s.applyLine(ctx, tx, p, line, now); err != nil {
			return err
		}
	}
	return s.settleCreditSides(ctx, tx, p, now)
}

// settleCreditSides writes the balance movements a committed payment owes:
// the overflow credit, and the debit for any balance the payment consumed.
func (s *Service) settleCreditSides(ctx context.Context, tx Store, p *Payment, now time.Time) error {
	if p.CreditUsed.Sign() > 0 {
		_, err := s.recordMovement(ctx, tx, movementInput{
			CustomerID:  p.CustomerID,
			Type:        MovementDebit,
			Origin:      OriginBillApplication,
			Amount:      p.CreditUsed.Neg(),
			Description: fmt.Sprintf("credit consumed by payment %s", p.Number),
			PaymentID:   p.ID,
			ActorID:     p.ProcessedBy,
		}, now)
		if err != nil {
			return err
		}
	}
	if p.AmountToCredit.Sign() > 0 {
		_, err := s.recordMovement(ctx, tx, movementInput{
			CustomerID:  p.CustomerID,
			Type:        MovementCredit,
			Origin:      OriginPaymentOverflow,
			Amount:      p.AmountToCredit,
			Description: fmt.Sprintf("overflow from payment %s", p.Number),
			PaymentID:   p.ID,
			ActorID:     p.ProcessedBy,
		}, now)
		if err != nil {
			return err
		}
	}
	return nil
}

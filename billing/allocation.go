/*
allocation.go - Oldest-first distribution of a payment across bills

PURPOSE:
  Pure planning logic: given an amount of money (fresh money plus any
  credit balance being consumed) and a set of candidate bills, decide how
  much lands on each bill and how much overflows into credit. No I/O, no
  clock, no randomness; the same inputs always produce the same plan.

KEY CONCEPTS:
  - AllocationPlan:  The full outcome, satisfying the conservation rule
      applied + toCredit == amount + creditUsed
  - AllocationLine:  One bill's share, with its projected outstanding
  - Oldest first:    Bills are consumed strictly by period ascending, with
      the display number as tie-break so ordering stays total

The lifecycle layer persists a plan inside a transaction; this file never
touches storage.
*/
package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PLAN TYPES
// =============================================================================

// AllocationLine is one bill's share of a payment.
type AllocationLine struct {
	BillID         BillID
	BillNumber     string
	Period         Period
	Amount         decimal.Decimal
	OutstandingOld decimal.Decimal
	OutstandingNew decimal.Decimal
	FullSettlement bool
}

// AllocationPlan is the complete distribution of one payment.
type AllocationPlan struct {
	Lines      []AllocationLine
	Applied    decimal.Decimal // sum over Lines
	ToCredit   decimal.Decimal // overflow after all bills are covered
	Amount     decimal.Decimal // fresh money in
	CreditUsed decimal.Decimal // existing balance consumed
}

// Available returns the total money the plan distributes.
func (p *AllocationPlan) Available() decimal.Decimal {
	return p.Amount.Add(p.CreditUsed)
}

// BillIDs returns the targeted bill IDs in plan order.
func (p *AllocationPlan) BillIDs() []BillID {
	ids := make([]BillID, len(p.Lines))
	for i, l := range p.Lines {
		ids[i] = l.BillID
	}
	return ids
}

// =============================================================================
// PLANNER
// =============================================================================

// BuildPlan distributes amount + creditUsed across the given bills, oldest
// period first. Bills with nothing outstanding are skipped. When money is
// positive but no bill can absorb any of it, ErrNoEligibleBills is returned
// so the caller makes an explicit decision instead of silently depositing
// everything as credit.
func BuildPlan(amount, creditUsed decimal.Decimal, bills []Bill) (*AllocationPlan, error) {
	available := amount.Add(creditUsed)
	if available.Sign() < 0 {
		return nil, ErrNoEligibleBills
	}

	eligible := make([]Bill, 0, len(bills))
	for _, b := range bills {
		if b.Outstanding.Sign() > 0 {
			eligible = append(eligible, b)
		}
	}
	if len(eligible) == 0 && available.Sign() > 0 {
		return nil, ErrNoEligibleBills
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if c := eligible[i].Period.Compare(eligible[j].Period); c != 0 {
			return c < 0
		}
		return eligible[i].Number < eligible[j].Number
	})

	plan := &AllocationPlan{
		Amount:     amount,
		CreditUsed: creditUsed,
		Applied:    decimal.Zero,
		ToCredit:   decimal.Zero,
	}

	remaining := available
	for _, b := range eligible {
		if remaining.Sign() <= 0 {
			break
		}
		slice := decimal.Min(remaining, b.Outstanding)
		newOutstanding := b.Outstanding.Sub(slice)
		plan.Lines = append(plan.Lines, AllocationLine{
			BillID:         b.ID,
			BillNumber:     b.Number,
			Period:         b.Period,
			Amount:         slice,
			OutstandingOld: b.Outstanding,
			OutstandingNew: newOutstanding,
			FullSettlement: newOutstanding.Sign() <= 0,
		})
		plan.Applied = plan.Applied.Add(slice)
		remaining = remaining.Sub(slice)
	}

	plan.ToCredit = remaining
	return plan, nil
}

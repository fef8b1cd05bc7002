/*
consumption.go - Turning meter readings into bills

PURPOSE:
  Consumption math and bill issuance. The dial on a water meter only ever
  moves forward; when a recorded reading says otherwise (meter swap, typo,
  rollover) consumption clamps to zero rather than producing a negative
  charge.

BILLING FORMULA:
  consumption = max(0, current - prior)     [current alone if no prior]
  subtotal    = consumption * unit price
  total       = fixed charge + subtotal

ESTIMATION (used when generating a period without a manual reading):
  1. consumption of the meter's most recent bill
  2. else delta of the last two readings (clamped at zero)
  3. else the single known reading's value
  4. else zero
*/
package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PURE CONSUMPTION MATH
// =============================================================================

// ComputeConsumption returns the billable volume between two dial values.
// Negative deltas clamp to zero.
func ComputeConsumption(current, prior int64) int64 {
	if d := current - prior; d > 0 {
		return d
	}
	return 0
}

// EstimateConsumption picks a plausible volume for a meter with no fresh
// reading. lastBilled is the consumption of the most recent bill; readings
// are the meter's latest readings newest first.
func EstimateConsumption(lastBilled int64, hasBilled bool, readings []Reading) int64 {
	if hasBilled {
		return lastBilled
	}
	if len(readings) >= 2 {
		if d := readings[0].Value - readings[1].Value; d > 0 {
			return d
		}
		return 0
	}
	if len(readings) == 1 {
		return readings[0].Value
	}
	return 0
}

// BillTotals computes the monetary lines for a consumption under a tariff.
func BillTotals(consumption int64, t *Tariff) (subtotal, total decimal.Decimal) {
	subtotal = t.UnitPrice.Mul(decimal.NewFromInt(consumption))
	return subtotal, t.FixedCharge.Add(subtotal)
}

// =============================================================================
// BILL ISSUANCE
// =============================================================================

// IssueBill creates the bill for a reading under the active tariff. At most
// one bill may exist per reading; a second call returns ErrDuplicateBill.
// The prior dial value comes from the reading of the immediately preceding
// period, zero for a meter's first bill.
func (s *Service) IssueBill(ctx context.Context, readingID ReadingID, customer *Customer) (*Bill, error) {
	r, err := s.readings.Reading(ctx, readingID)
	if err != nil {
		return nil, err
	}
	tariff, err := s.tariffs.CurrentTariff(ctx)
	if err != nil {
		return nil, err
	}

	var bill *Bill
	err = s.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.BillByReading(ctx, readingID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("reading %s: %w", readingID, ErrDuplicateBill)
		}

		var prior int64
		pr, err := s.readings.PriorReading(ctx, r.MeterID, r.Period)
		if err != nil {
			return err
		}
		if pr != nil {
			prior = pr.Value
		}

		consumption := ComputeConsumption(r.Value, prior)
		subtotal, total := BillTotals(consumption, tariff)

		seq, err := tx.NextSequence(ctx, SeqBill, r.Period)
		if err != nil {
			return err
		}

		now := s.now()
		bill = &Bill{
			ID:             BillID(newID()),
			Number:         BillNumber(r.Period, seq),
			ReadingID:      r.ID,
			MeterID:        r.MeterID,
			CustomerID:     customer.ID,
			CustomerName:   customer.Name,
			Period:         r.Period,
			CurrentReading: r.Value,
			PriorReading:   prior,
			Consumption:    consumption,
			FixedCharge:    tariff.FixedCharge,
			UnitPrice:      tariff.UnitPrice,
			Subtotal:       subtotal,
			Total:          total,
			AmountPaid:     decimal.Zero,
			Outstanding:    total,
			State:          SettlementPending,
			IssuedAt:       now,
			CreatedAt:      now,
		}
		return tx.CreateBill(ctx, bill)
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

// DeleteBill removes a bill no payment has ever touched. Bills referenced
// by allocations are part of the ledger's history and must stay.
func (s *Service) DeleteBill(ctx context.Context, id BillID) error {
	return s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.BillByID(ctx, id); err != nil {
			return err
		}
		allocs, err := tx.AllocationsByBill(ctx, id)
		if err != nil {
			return err
		}
		if len(allocs) > 0 {
			return fmt.Errorf("bill %s: %w", id, ErrBillReferenced)
		}
		return tx.DeleteBill(ctx, id)
	})
}

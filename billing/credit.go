/*
credit.go - Credit balance ledger

PURPOSE:
  Per-customer credit balance backed by an append-only movement log. The
  materialized balance is a cache; the log is the truth. Every movement
  snapshots balance-before and balance-after so the log can be audited
  line by line and replayed from scratch.

MOVEMENT RULES:
  - Amounts are signed: positive credits, negative debits.
  - Movements are never edited or deleted; corrections are new movements.
  - The materialized balance updates in the same transaction as the
    movement, so readers never observe one without the other.
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// movementInput carries everything a new movement needs except the
// before/after snapshot, which recordMovement computes.
type movementInput struct {
	CustomerID  CustomerID
	Type        MovementType
	Origin      MovementOrigin
	Amount      decimal.Decimal
	Description string
	PaymentID   PaymentID
	BillID      BillID
	ActorID     UserID
}

// recordMovement reads the current balance, writes the movement with its
// snapshot, and stores the new balance. Must run inside the caller's
// transaction; concurrent movements for one customer serialize there.
func (s *Service) recordMovement(ctx context.Context, tx Store, in movementInput, now time.Time) (*BalanceMovement, error) {
	before, err := tx.CreditBalance(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	after := before.Add(in.Amount)

	m := &BalanceMovement{
		ID:            MovementID(newID()),
		CustomerID:    in.CustomerID,
		Type:          in.Type,
		Origin:        in.Origin,
		Amount:        in.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   in.Description,
		PaymentID:     in.PaymentID,
		BillID:        in.BillID,
		ActorID:       in.ActorID,
		CreatedAt:     now,
	}
	if err := tx.AppendMovement(ctx, m); err != nil {
		return nil, err
	}
	if err := tx.SetCreditBalance(ctx, in.CustomerID, after); err != nil {
		return nil, err
	}
	return m, nil
}

// AdjustCustomerBalance applies a manual signed correction to a customer's
// balance. An adjustment that would leave the balance negative is refused.
func (s *Service) AdjustCustomerBalance(ctx context.Context, customerID CustomerID, amount decimal.Decimal, description string, staffID UserID) (*BalanceMovement, error) {
	var m *BalanceMovement
	err := s.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.CreditBalance(ctx, customerID)
		if err != nil {
			return err
		}
		if current.Add(amount).Sign() < 0 {
			return &NegativeBalanceError{CustomerID: customerID, Current: current, Adjustment: amount}
		}
		m, err = s.recordMovement(ctx, tx, movementInput{
			CustomerID:  customerID,
			Type:        MovementAdjustment,
			Origin:      OriginAdminAdjustment,
			Amount:      amount,
			Description: description,
			ActorID:     staffID,
		}, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ReplayBalance recomputes a customer's balance by summing the movement
// log in creation order. Recovery tool for when the materialized value is
// suspected to have drifted.
func (s *Service) ReplayBalance(ctx context.Context, customerID CustomerID) (decimal.Decimal, error) {
	movements, err := s.store.MovementsInOrder(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, m := range movements {
		balance = balance.Add(m.Amount)
	}
	return balance, nil
}

// RepairBalance replays the log and overwrites the materialized balance
// with the result, returning replayed and previous values.
func (s *Service) RepairBalance(ctx context.Context, customerID CustomerID) (replayed, previous decimal.Decimal, err error) {
	err = s.store.WithTx(ctx, func(tx Store) error {
		previous, err = tx.CreditBalance(ctx, customerID)
		if err != nil {
			return err
		}
		movements, err := tx.MovementsInOrder(ctx, customerID)
		if err != nil {
			return err
		}
		replayed = decimal.Zero
		for _, m := range movements {
			replayed = replayed.Add(m.Amount)
		}
		if replayed.Equal(previous) {
			return nil
		}
		return tx.SetCreditBalance(ctx, customerID, replayed)
	})
	return replayed, previous, err
}

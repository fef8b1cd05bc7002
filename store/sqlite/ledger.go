/*
ledger.go - Credit balance ledger and display-number counters

The balance_movements table is append-only; the materialized balance in
credit_balances is updated in the same transaction as each movement.
period_counters issues display-number sequences atomically via upsert.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aguavista/billing-engine/billing"
)

// =============================================================================
// CREDIT STORE (billing.CreditStore)
// =============================================================================

func (s queries) CreditBalance(ctx context.Context, customerID billing.CustomerID) (decimal.Decimal, error) {
	var balance string
	err := s.q.QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE customer_id = ?`, customerID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query balance: %w", err)
	}
	return parseDec(balance), nil
}

func (s queries) SetCreditBalance(ctx context.Context, customerID billing.CustomerID, balance decimal.Decimal) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO credit_balances (customer_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		customerID, balance.String(), dbTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return nil
}

func (s queries) AppendMovement(ctx context.Context, m *billing.BalanceMovement) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO balance_movements
			(id, customer_id, type, origin, amount, balance_before, balance_after,
			 description, payment_id, bill_id, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CustomerID, string(m.Type), string(m.Origin),
		m.Amount.String(), m.BalanceBefore.String(), m.BalanceAfter.String(),
		m.Description, m.PaymentID, m.BillID, m.ActorID, dbTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert movement: %w", err)
	}
	return nil
}

func (s queries) MovementsByCustomer(ctx context.Context, customerID billing.CustomerID, limit int) ([]billing.BalanceMovement, error) {
	query := movementSelect + ` WHERE customer_id = ? ORDER BY seq DESC`
	args := []any{customerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryMovements(ctx, query, args...)
}

func (s queries) MovementsInOrder(ctx context.Context, customerID billing.CustomerID) ([]billing.BalanceMovement, error) {
	return s.queryMovements(ctx,
		movementSelect+` WHERE customer_id = ? ORDER BY seq`, customerID)
}

const movementSelect = `
	SELECT id, customer_id, type, origin, amount, balance_before, balance_after,
	       description, payment_id, bill_id, actor_id, created_at
	FROM balance_movements`

func (s queries) queryMovements(ctx context.Context, query string, args ...any) ([]billing.BalanceMovement, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	var movements []billing.BalanceMovement
	for rows.Next() {
		var (
			m                     billing.BalanceMovement
			typ, origin           string
			amount, before, after string
			createdAt             string
		)
		err := rows.Scan(
			&m.ID, &m.CustomerID, &typ, &origin, &amount, &before, &after,
			&m.Description, &m.PaymentID, &m.BillID, &m.ActorID, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		m.Type = billing.MovementType(typ)
		m.Origin = billing.MovementOrigin(origin)
		m.Amount = parseDec(amount)
		m.BalanceBefore = parseDec(before)
		m.BalanceAfter = parseDec(after)
		m.CreatedAt = parseTime(createdAt)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// =============================================================================
// SEQUENCE STORE (billing.SequenceStore)
// =============================================================================

// NextSequence bumps the (kind, year, month) counter and returns the new
// value. Run inside WithTx this is race-free; two concurrent issuances can
// never observe the same number.
func (s queries) NextSequence(ctx context.Context, kind string, p billing.Period) (int, error) {
	var value int
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO period_counters (kind, year, month, value)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(kind, year, month) DO UPDATE SET value = value + 1
		RETURNING value`,
		kind, p.Year, int(p.Month),
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to bump sequence %s/%s: %w", kind, p, err)
	}
	return value, nil
}

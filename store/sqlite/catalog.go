/*
catalog.go - Customers, meters, readings and tariffs

Upstream records the engine consumes. Readings and tariffs also back the
billing.ReadingSource and billing.TariffSource interfaces.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aguavista/billing-engine/billing"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s queries) SaveCustomer(ctx context.Context, c *billing.Customer) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO customers (id, name, full_name, phone, wants_messages, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			full_name = excluded.full_name,
			phone = excluded.phone,
			wants_messages = excluded.wants_messages,
			active = excluded.active`,
		c.ID, c.Name, c.FullName, c.Phone, boolToInt(c.WantsMessages), boolToInt(c.Active),
	)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s queries) CustomerByID(ctx context.Context, id billing.CustomerID) (*billing.Customer, error) {
	var (
		c             billing.Customer
		wants, active int
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, full_name, phone, wants_messages, active
		FROM customers WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.FullName, &c.Phone, &wants, &active)
	if err == sql.ErrNoRows {
		return nil, billing.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query customer: %w", err)
	}
	c.WantsMessages = wants != 0
	c.Active = active != 0
	return &c, nil
}

func (s queries) ListCustomers(ctx context.Context) ([]billing.Customer, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, name, full_name, phone, wants_messages, active
		FROM customers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var customers []billing.Customer
	for rows.Next() {
		var (
			c             billing.Customer
			wants, active int
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.FullName, &c.Phone, &wants, &active); err != nil {
			return nil, err
		}
		c.WantsMessages = wants != 0
		c.Active = active != 0
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// =============================================================================
// METERS
// =============================================================================

func (s queries) SaveMeter(ctx context.Context, m *billing.Meter) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO meters (id, customer_id, number, address, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			number = excluded.number,
			address = excluded.address,
			active = excluded.active`,
		m.ID, m.CustomerID, m.Number, m.Address, boolToInt(m.Active),
	)
	if err != nil {
		return fmt.Errorf("failed to save meter: %w", err)
	}
	return nil
}

func (s queries) ActiveMeters(ctx context.Context) ([]billing.Meter, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, customer_id, number, address, active
		FROM meters WHERE active = 1 ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("failed to query meters: %w", err)
	}
	defer rows.Close()

	var meters []billing.Meter
	for rows.Next() {
		var (
			m      billing.Meter
			active int
		)
		if err := rows.Scan(&m.ID, &m.CustomerID, &m.Number, &m.Address, &active); err != nil {
			return nil, err
		}
		m.Active = active != 0
		meters = append(meters, m)
	}
	return meters, rows.Err()
}

// =============================================================================
// READINGS (billing.ReadingSource + generation writes)
// =============================================================================

const readingColumns = `id, meter_id, value, year, month, taken_on, photo_ref, source`

func (s queries) CreateReading(ctx context.Context, r *billing.Reading) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO readings (`+readingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MeterID, r.Value, r.Period.Year, int(r.Period.Month),
		dbTime(r.TakenOn), r.PhotoRef, string(r.Source),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

func (s queries) Reading(ctx context.Context, id billing.ReadingID) (*billing.Reading, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE id = ?`, id)
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrReadingNotFound
	}
	return r, err
}

func (s queries) PriorReading(ctx context.Context, meterID billing.MeterID, p billing.Period) (*billing.Reading, error) {
	prev := p.Prev()
	row := s.q.QueryRowContext(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE meter_id = ? AND year = ? AND month = ?`,
		meterID, prev.Year, int(prev.Month))
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s queries) ReadingForPeriod(ctx context.Context, meterID billing.MeterID, p billing.Period) (*billing.Reading, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE meter_id = ? AND year = ? AND month = ?`,
		meterID, p.Year, int(p.Month))
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s queries) LatestReadings(ctx context.Context, meterID billing.MeterID, limit int) ([]billing.Reading, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE meter_id = ?
		ORDER BY year DESC, month DESC LIMIT ?`, meterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []billing.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *r)
	}
	return readings, rows.Err()
}

func scanReading(row scanner) (*billing.Reading, error) {
	var (
		r           billing.Reading
		year, month int
		takenOn     string
		source      string
	)
	err := row.Scan(&r.ID, &r.MeterID, &r.Value, &year, &month, &takenOn, &r.PhotoRef, &source)
	if err != nil {
		return nil, err
	}
	r.Period = billing.Period{Year: year, Month: time.Month(month)}
	r.TakenOn = parseTime(takenOn)
	r.Source = billing.ReadingSourceKind(source)
	return &r, nil
}

// =============================================================================
// TARIFFS (billing.TariffSource)
// =============================================================================

// SaveTariff stores a tariff. An active tariff deactivates all others so
// CurrentTariff stays unambiguous.
func (s queries) SaveTariff(ctx context.Context, t *billing.Tariff) error {
	if t.Active {
		if _, err := s.q.ExecContext(ctx, `UPDATE tariffs SET active = 0`); err != nil {
			return fmt.Errorf("failed to deactivate tariffs: %w", err)
		}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tariffs (id, fixed_charge, unit_price, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fixed_charge = excluded.fixed_charge,
			unit_price = excluded.unit_price,
			active = excluded.active`,
		t.ID, t.FixedCharge.String(), t.UnitPrice.String(), boolToInt(t.Active), dbTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save tariff: %w", err)
	}
	return nil
}

func (s queries) CurrentTariff(ctx context.Context) (*billing.Tariff, error) {
	var (
		t           billing.Tariff
		fixed, unit string
		active      int
		createdAt   string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, fixed_charge, unit_price, active, created_at
		FROM tariffs WHERE active = 1
		ORDER BY created_at DESC LIMIT 1`,
	).Scan(&t.ID, &fixed, &unit, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, billing.ErrTariffNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tariff: %w", err)
	}
	t.FixedCharge = parseDec(fixed)
	t.UnitPrice = parseDec(unit)
	t.Active = active != 0
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

/*
Package sqlite provides the SQLite-backed implementation of the billing
storage interfaces.

PURPOSE:
  Implements every persistence interface of the system (billing.TxStore,
  billing.ReadingSource, billing.TariffSource, generation.Store,
  generation.ScheduleStore, notify.Store) on one database file. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

KEY TABLES:
  bills:              One charge per meter per period
  payments:           Money movement events with lifecycle state
  payment_bills:      Immutable allocation join rows
  credit_balances:    Materialized per-customer balance
  balance_movements:  Append-only credit ledger
  period_counters:    Transactional display-number sequences
  customers, meters, readings, tariffs: upstream catalog
  generation_runs, generation_run_entries, generation_schedule
  notice_log:         Per-bill send dedupe

MONEY & TIME:
  Monetary values are stored as decimal strings, never floats. Timestamps
  are RFC3339 strings in UTC.

CONCURRENCY:
  Opened with WAL so readers never block. A store-level mutex serializes
  WithTx writers; every read issued inside WithTx goes through the open
  *sql.Tx, so a transaction observes its own writes (sequence counters
  and chained balance movements depend on this).

APPEND-ONLY ENFORCEMENT:
  balance_movements and payment_bills have no UPDATE or DELETE paths.
  Corrections happen through new compensating rows.

USAGE:
  st, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  svc := billing.NewService(st, st, st)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: interface definitions
  - billing/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/aguavista/billing-engine/billing"
)

// dbtx is the subset of *sql.DB and *sql.Tx the queries run on.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every operation, parameterized over the connection or an
// open transaction.
type queries struct {
	q dbtx
}

// Store implements all storage interfaces on a SQLite file.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{queries: queries{q: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		wants_messages INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS meters (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		number TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS readings (
		id TEXT PRIMARY KEY,
		meter_id TEXT NOT NULL REFERENCES meters(id),
		value INTEGER NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		taken_on TEXT NOT NULL,
		photo_ref TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'manual'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_readings_meter_period
		ON readings(meter_id, year, month);

	CREATE TABLE IF NOT EXISTS tariffs (
		id TEXT PRIMARY KEY,
		fixed_charge TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- One charge per meter per period
	CREATE TABLE IF NOT EXISTS bills (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		reading_id TEXT NOT NULL UNIQUE REFERENCES readings(id),
		meter_id TEXT NOT NULL REFERENCES meters(id),
		customer_id TEXT NOT NULL REFERENCES customers(id),
		customer_name TEXT NOT NULL DEFAULT '',
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		current_reading INTEGER NOT NULL,
		prior_reading INTEGER NOT NULL,
		consumption INTEGER NOT NULL,
		fixed_charge TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		total TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		outstanding TEXT NOT NULL,
		state INTEGER NOT NULL DEFAULT 0,
		issued_at TEXT NOT NULL,
		paid_at TEXT,
		method TEXT NOT NULL DEFAULT '',
		proof_ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bills_customer_period
		ON bills(customer_id, year, month);
	CREATE INDEX IF NOT EXISTS idx_bills_meter_period
		ON bills(meter_id, year, month);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		amount_total TEXT NOT NULL,
		amount_applied TEXT NOT NULL,
		amount_to_credit TEXT NOT NULL,
		credit_used TEXT NOT NULL,
		proof_ref TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		paid_on TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		processed_at TEXT,
		processed_by TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_customer_state
		ON payments(customer_id, state);

	-- Allocation join rows, append-only
	CREATE TABLE IF NOT EXISTS payment_bills (
		payment_id TEXT NOT NULL REFERENCES payments(id),
		bill_id TEXT NOT NULL REFERENCES bills(id),
		amount TEXT NOT NULL,
		full_settlement INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (payment_id, bill_id)
	);
	CREATE INDEX IF NOT EXISTS idx_payment_bills_bill
		ON payment_bills(bill_id);

	CREATE TABLE IF NOT EXISTS credit_balances (
		customer_id TEXT PRIMARY KEY REFERENCES customers(id),
		balance TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only credit ledger; seq gives replay order
	CREATE TABLE IF NOT EXISTS balance_movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		type TEXT NOT NULL,
		origin TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		payment_id TEXT NOT NULL DEFAULT '',
		bill_id TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_movements_customer
		ON balance_movements(customer_id, seq);

	-- Monotonic display-number counters scoped to (kind, year, month)
	CREATE TABLE IF NOT EXISTS period_counters (
		kind TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (kind, year, month)
	);

	CREATE TABLE IF NOT EXISTS generation_runs (
		id TEXT PRIMARY KEY,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		status TEXT NOT NULL,
		generated INTEGER NOT NULL DEFAULT 0,
		estimated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT
	);

	CREATE TABLE IF NOT EXISTS generation_run_entries (
		run_id TEXT NOT NULL REFERENCES generation_runs(id),
		meter_id TEXT NOT NULL,
		bill_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_entries_run
		ON generation_run_entries(run_id);

	-- Single-row persisted schedule definition
	CREATE TABLE IF NOT EXISTS generation_schedule (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled INTEGER NOT NULL DEFAULT 0,
		day_of_month INTEGER NOT NULL DEFAULT 1,
		hour INTEGER NOT NULL DEFAULT 8,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notice_log (
		id TEXT PRIMARY KEY,
		bill_id TEXT NOT NULL REFERENCES bills(id),
		customer_id TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		sent_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notice_log_bill
		ON notice_log(bill_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION BOUNDARY (billing.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. The view handed to fn
// runs on the open *sql.Tx, so fn reads its own writes.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{queries{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrPersistence, err)
	}
	return nil
}

// txView exposes the queries bound to one transaction as a billing.Store.
type txView struct {
	queries
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func dbTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func dbTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// BILL STORE (billing.BillStore)
// =============================================================================

const billColumns = `id, number, reading_id, meter_id, customer_id, customer_name,
	year, month, current_reading, prior_reading, consumption,
	fixed_charge, unit_price, subtotal, total, amount_paid, outstanding,
	state, issued_at, paid_at, method, proof_ref, created_at`

func (s queries) CreateBill(ctx context.Context, b *billing.Bill) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bills (`+billColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Number, b.ReadingID, b.MeterID, b.CustomerID, b.CustomerName,
		b.Period.Year, int(b.Period.Month), b.CurrentReading, b.PriorReading, b.Consumption,
		b.FixedCharge.String(), b.UnitPrice.String(), b.Subtotal.String(), b.Total.String(),
		b.AmountPaid.String(), b.Outstanding.String(),
		int(b.State), dbTime(b.IssuedAt), dbTimePtr(b.PaidAt), string(b.Method), b.ProofRef,
		dbTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert bill: %w", err)
	}
	return nil
}

func (s queries) BillByID(ctx context.Context, id billing.BillID) (*billing.Bill, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE id = ?`, id)
	b, err := scanBill(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrBillNotFound
	}
	return b, err
}

func (s queries) BillByReading(ctx context.Context, id billing.ReadingID) (*billing.Bill, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE reading_id = ?`, id)
	b, err := scanBill(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (s queries) BillsByIDs(ctx context.Context, ids []billing.BillID) ([]billing.Bill, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	bills, err := s.queryBills(ctx,
		`SELECT `+billColumns+` FROM bills WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	if len(bills) != len(ids) {
		return nil, billing.ErrBillNotFound
	}
	return bills, nil
}

func (s queries) UpdateBill(ctx context.Context, b *billing.Bill) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE bills SET
			amount_paid = ?, outstanding = ?, state = ?,
			paid_at = ?, method = ?, proof_ref = ?
		WHERE id = ?`,
		b.AmountPaid.String(), b.Outstanding.String(), int(b.State),
		dbTimePtr(b.PaidAt), string(b.Method), b.ProofRef, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update bill: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return billing.ErrBillNotFound
	}
	return nil
}

func (s queries) DeleteBill(ctx context.Context, id billing.BillID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM bills WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bill: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return billing.ErrBillNotFound
	}
	return nil
}

func (s queries) ListBills(ctx context.Context, f billing.BillFilter) ([]billing.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills WHERE 1=1`
	var args []any
	if f.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, f.CustomerID)
	}
	if f.MeterID != "" {
		query += ` AND meter_id = ?`
		args = append(args, f.MeterID)
	}
	if f.State != nil {
		query += ` AND state = ?`
		args = append(args, int(*f.State))
	}
	if f.Period != nil {
		query += ` AND year = ? AND month = ?`
		args = append(args, f.Period.Year, int(f.Period.Month))
	}
	if f.MissingProof {
		query += ` AND state = ? AND proof_ref = ''`
		args = append(args, int(billing.SettlementSettled))
	}
	query += ` ORDER BY created_at, number`
	return s.queryBills(ctx, query, args...)
}

func (s queries) BillStats(ctx context.Context, f billing.BillFilter) (*billing.BillStats, error) {
	bills, err := s.ListBills(ctx, f)
	if err != nil {
		return nil, err
	}
	stats := &billing.BillStats{
		AmountTotal:    decimal.Zero,
		AmountPending:  decimal.Zero,
		AmountInReview: decimal.Zero,
		AmountSettled:  decimal.Zero,
	}
	for _, b := range bills {
		stats.Total++
		stats.AmountTotal = stats.AmountTotal.Add(b.Total)
		switch b.State {
		case billing.SettlementPending:
			stats.Pending++
			stats.AmountPending = stats.AmountPending.Add(b.Total)
		case billing.SettlementInReview:
			stats.InReview++
			stats.AmountInReview = stats.AmountInReview.Add(b.Total)
		case billing.SettlementSettled:
			stats.Settled++
			stats.AmountSettled = stats.AmountSettled.Add(b.Total)
		}
	}
	return stats, nil
}

func (s queries) OutstandingBills(ctx context.Context, customerID billing.CustomerID) ([]billing.Bill, error) {
	return s.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE customer_id = ? AND CAST(outstanding AS REAL) > 0
		ORDER BY year, month, number`, customerID)
}

func (s queries) LatestBilledConsumption(ctx context.Context, meterID billing.MeterID) (int64, bool, error) {
	var consumption int64
	err := s.q.QueryRowContext(ctx, `
		SELECT consumption FROM bills
		WHERE meter_id = ?
		ORDER BY year DESC, month DESC LIMIT 1`, meterID,
	).Scan(&consumption)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query consumption: %w", err)
	}
	return consumption, true, nil
}

func (s queries) BillExistsForPeriod(ctx context.Context, meterID billing.MeterID, p billing.Period) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bills WHERE meter_id = ? AND year = ? AND month = ?`,
		meterID, p.Year, int(p.Month),
	).Scan(&count)
	return count > 0, err
}

func (s queries) queryBills(ctx context.Context, query string, args ...any) ([]billing.Bill, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []billing.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, *b)
	}
	return bills, rows.Err()
}

func scanBill(row scanner) (*billing.Bill, error) {
	var (
		b                            billing.Bill
		year, month, state           int
		fixed, unit, subtotal, total string
		amountPaid, outstanding      string
		issuedAt, createdAt, method  string
		paidAt                       sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.Number, &b.ReadingID, &b.MeterID, &b.CustomerID, &b.CustomerName,
		&year, &month, &b.CurrentReading, &b.PriorReading, &b.Consumption,
		&fixed, &unit, &subtotal, &total, &amountPaid, &outstanding,
		&state, &issuedAt, &paidAt, &method, &b.ProofRef, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	b.Period = billing.Period{Year: year, Month: time.Month(month)}
	b.FixedCharge = parseDec(fixed)
	b.UnitPrice = parseDec(unit)
	b.Subtotal = parseDec(subtotal)
	b.Total = parseDec(total)
	b.AmountPaid = parseDec(amountPaid)
	b.Outstanding = parseDec(outstanding)
	b.State = billing.SettlementState(state)
	b.IssuedAt = parseTime(issuedAt)
	b.PaidAt = parseTimePtr(paidAt)
	b.Method = billing.PaymentMethod(method)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// =============================================================================
// PAYMENT STORE (billing.PaymentStore)
// =============================================================================

const paymentColumns = `id, number, customer_id, amount_total, amount_applied,
	amount_to_credit, credit_used, proof_ref, method, state, paid_on,
	submitted_at, processed_at, processed_by, rejection_reason, notes, created_at`

func (s queries) CreatePayment(ctx context.Context, p *billing.Payment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Number, p.CustomerID,
		p.AmountTotal.String(), p.AmountApplied.String(),
		p.AmountToCredit.String(), p.CreditUsed.String(),
		p.ProofRef, string(p.Method), string(p.State),
		dbTime(p.PaidOn), dbTime(p.SubmittedAt), dbTimePtr(p.ProcessedAt),
		string(p.ProcessedBy), p.RejectionReason, p.Notes, dbTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s queries) PaymentByID(ctx context.Context, id billing.PaymentID) (*billing.Payment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrPaymentNotFound
	}
	return p, err
}

func (s queries) UpdatePayment(ctx context.Context, p *billing.Payment) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE payments SET
			state = ?, proof_ref = ?, processed_at = ?, processed_by = ?,
			rejection_reason = ?, notes = ?
		WHERE id = ?`,
		string(p.State), p.ProofRef, dbTimePtr(p.ProcessedAt),
		string(p.ProcessedBy), p.RejectionReason, p.Notes, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return billing.ErrPaymentNotFound
	}
	return nil
}

func (s queries) ListPayments(ctx context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
	var args []any
	if f.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, f.CustomerID)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.From != nil {
		query += ` AND submitted_at >= ?`
		args = append(args, dbTime(*f.From))
	}
	if f.To != nil {
		query += ` AND submitted_at <= ?`
		args = append(args, dbTime(*f.To))
	}
	query += ` ORDER BY submitted_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func scanPayment(row scanner) (*billing.Payment, error) {
	var (
		p                                  billing.Payment
		total, applied, toCredit, used     string
		method, state, paidOn, submittedAt string
		createdAt                          string
		processedAt                        sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Number, &p.CustomerID, &total, &applied, &toCredit, &used,
		&p.ProofRef, &method, &state, &paidOn, &submittedAt, &processedAt,
		&p.ProcessedBy, &p.RejectionReason, &p.Notes, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	p.AmountTotal = parseDec(total)
	p.AmountApplied = parseDec(applied)
	p.AmountToCredit = parseDec(toCredit)
	p.CreditUsed = parseDec(used)
	p.Method = billing.PaymentMethod(method)
	p.State = billing.PaymentState(state)
	p.PaidOn = parseTime(paidOn)
	p.SubmittedAt = parseTime(submittedAt)
	p.ProcessedAt = parseTimePtr(processedAt)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s queries) CreateAllocations(ctx context.Context, allocs []billing.BillAllocation) error {
	for _, a := range allocs {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO payment_bills (payment_id, bill_id, amount, full_settlement, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			a.PaymentID, a.BillID, a.Amount.String(), boolToInt(a.FullSettlement), dbTime(a.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert allocation: %w", err)
		}
	}
	return nil
}

func (s queries) AllocationsByPayment(ctx context.Context, id billing.PaymentID) ([]billing.BillAllocation, error) {
	return s.queryAllocations(ctx, `
		SELECT payment_id, bill_id, amount, full_settlement, created_at
		FROM payment_bills WHERE payment_id = ? ORDER BY rowid`, id)
}

func (s queries) AllocationsByBill(ctx context.Context, id billing.BillID) ([]billing.BillAllocation, error) {
	return s.queryAllocations(ctx, `
		SELECT payment_id, bill_id, amount, full_settlement, created_at
		FROM payment_bills WHERE bill_id = ? ORDER BY rowid`, id)
}

func (s queries) queryAllocations(ctx context.Context, query string, args ...any) ([]billing.BillAllocation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocs []billing.BillAllocation
	for rows.Next() {
		var (
			a         billing.BillAllocation
			amount    string
			full      int
			createdAt string
		)
		if err := rows.Scan(&a.PaymentID, &a.BillID, &amount, &full, &createdAt); err != nil {
			return nil, err
		}
		a.Amount = parseDec(amount)
		a.FullSettlement = full != 0
		a.CreatedAt = parseTime(createdAt)
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (s queries) CountInReviewClaims(ctx context.Context, billID billing.BillID, exclude billing.PaymentID) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM payment_bills pb
		JOIN payments p ON p.id = pb.payment_id
		WHERE pb.bill_id = ? AND pb.payment_id != ? AND p.state = ?`,
		billID, exclude, string(billing.PaymentInReview),
	).Scan(&count)
	return count, err
}

func (s queries) CountPaymentsInState(ctx context.Context, customerID billing.CustomerID, state billing.PaymentState) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payments WHERE customer_id = ? AND state = ?`,
		customerID, string(state),
	).Scan(&count)
	return count, err
}

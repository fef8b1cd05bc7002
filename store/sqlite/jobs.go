/*
jobs.go - Generation runs, the persisted schedule, and the notice log

Backs generation.Store, generation.ScheduleStore and notify.Store.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aguavista/billing-engine/billing"
	"github.com/aguavista/billing-engine/generation"
	"github.com/aguavista/billing-engine/notify"
)

// =============================================================================
// GENERATION RUNS (generation.Store)
// =============================================================================

func (s queries) SaveRun(ctx context.Context, run *generation.Run) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO generation_runs
			(id, year, month, status, generated, estimated, skipped, failed, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			generated = excluded.generated,
			estimated = excluded.estimated,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error,
			ended_at = excluded.ended_at`,
		run.ID, run.Period.Year, int(run.Period.Month), string(run.Status),
		run.Generated, run.Estimated, run.Skipped, run.Failed, run.Error,
		dbTime(run.StartedAt), dbTimePtr(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s queries) RunByID(ctx context.Context, id string) (*generation.Run, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, year, month, status, generated, estimated, skipped, failed, error, started_at, ended_at
		FROM generation_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, billing.ErrPersistence)
	}
	if err != nil {
		return nil, err
	}
	run.Entries, err = s.runEntries(ctx, id)
	return run, err
}

func (s queries) ListRuns(ctx context.Context, limit int) ([]generation.Run, error) {
	query := `
		SELECT id, year, month, status, generated, estimated, skipped, failed, error, started_at, ended_at
		FROM generation_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []generation.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*generation.Run, error) {
	var (
		run         generation.Run
		year, month int
		status      string
		startedAt   string
		endedAt     sql.NullString
	)
	err := row.Scan(
		&run.ID, &year, &month, &status, &run.Generated, &run.Estimated,
		&run.Skipped, &run.Failed, &run.Error, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Period = billing.Period{Year: year, Month: time.Month(month)}
	run.Status = generation.RunStatus(status)
	run.StartedAt = parseTime(startedAt)
	run.EndedAt = parseTimePtr(endedAt)
	return &run, nil
}

func (s queries) AppendRunEntry(ctx context.Context, e *generation.RunEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO generation_run_entries (run_id, meter_id, bill_id, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.MeterID, e.BillID, e.Outcome, e.Detail, dbTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run entry: %w", err)
	}
	return nil
}

func (s queries) runEntries(ctx context.Context, runID string) ([]generation.RunEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT run_id, meter_id, bill_id, outcome, detail, created_at
		FROM generation_run_entries WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run entries: %w", err)
	}
	defer rows.Close()

	var entries []generation.RunEntry
	for rows.Next() {
		var (
			e         generation.RunEntry
			createdAt string
		)
		if err := rows.Scan(&e.RunID, &e.MeterID, &e.BillID, &e.Outcome, &e.Detail, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SCHEDULE (generation.ScheduleStore)
// =============================================================================

func (s queries) Schedule(ctx context.Context) (*generation.Schedule, error) {
	var (
		sched     generation.Schedule
		enabled   int
		updatedAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT enabled, day_of_month, hour, updated_at
		FROM generation_schedule WHERE id = 1`,
	).Scan(&enabled, &sched.DayOfMonth, &sched.Hour, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	sched.Enabled = enabled != 0
	sched.UpdatedAt = parseTime(updatedAt)
	return &sched, nil
}

func (s queries) SaveSchedule(ctx context.Context, sched *generation.Schedule) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO generation_schedule (id, enabled, day_of_month, hour, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			day_of_month = excluded.day_of_month,
			hour = excluded.hour,
			updated_at = excluded.updated_at`,
		boolToInt(sched.Enabled), sched.DayOfMonth, sched.Hour, dbTime(sched.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

func (s queries) HasCompletedRun(ctx context.Context, p billing.Period) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM generation_runs
		WHERE year = ? AND month = ? AND status = ?`,
		p.Year, int(p.Month), string(generation.RunCompleted),
	).Scan(&count)
	return count > 0, err
}

// =============================================================================
// NOTICE LOG (notify.Store)
// =============================================================================

// UnnotifiedBills returns the period's unsettled bills with no sent notice
// in the log.
func (s queries) UnnotifiedBills(ctx context.Context, p billing.Period) ([]billing.Bill, error) {
	return s.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills b
		WHERE b.year = ? AND b.month = ? AND b.state != ?
		  AND NOT EXISTS (
			SELECT 1 FROM notice_log n
			WHERE n.bill_id = b.id AND n.status = ?
		  )
		ORDER BY b.number`,
		p.Year, int(p.Month), int(billing.SettlementSettled), string(notify.SendOK))
}

func (s queries) RecordSend(ctx context.Context, r *notify.SendRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO notice_log (id, bill_id, customer_id, phone, status, detail, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BillID, r.CustomerID, r.Phone, string(r.Status), r.Detail, dbTime(r.SentAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notice record: %w", err)
	}
	return nil
}

func (s queries) ListSends(ctx context.Context, p billing.Period) ([]notify.SendRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT n.id, n.bill_id, n.customer_id, n.phone, n.status, n.detail, n.sent_at
		FROM notice_log n
		JOIN bills b ON b.id = n.bill_id
		WHERE b.year = ? AND b.month = ?
		ORDER BY n.sent_at DESC`, p.Year, int(p.Month))
	if err != nil {
		return nil, fmt.Errorf("failed to query notice log: %w", err)
	}
	defer rows.Close()

	var records []notify.SendRecord
	for rows.Next() {
		var (
			r      notify.SendRecord
			status string
			sentAt string
		)
		if err := rows.Scan(&r.ID, &r.BillID, &r.CustomerID, &r.Phone, &status, &r.Detail, &sentAt); err != nil {
			return nil, err
		}
		r.Status = notify.SendStatus(status)
		r.SentAt = parseTime(sentAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

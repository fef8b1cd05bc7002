/*
Package generation produces a whole period's bills in one run.

PURPOSE:
  Walks every active meter, finds or estimates the period's reading, and
  issues the bill through the billing engine. Each run is recorded with
  per-meter log lines so staff can see what was generated, skipped, and
  why.

ESTIMATION:
  A meter with no manual reading for the period gets a generated reading:
  last known dial value plus an estimated consumption (most recent billed
  consumption, else the delta of the last two readings, else the single
  known value, else zero).

SEE ALSO:
  - scheduler.go: recurring monthly trigger with persisted configuration
*/
package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aguavista/billing-engine/billing"
)

// =============================================================================
// RUN RECORDS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one generation pass over a period.
type Run struct {
	ID        string
	Period    billing.Period
	Status    RunStatus
	Generated int
	Estimated int // subset of Generated issued from estimated readings
	Skipped   int
	Failed    int
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
	Entries   []RunEntry
}

// RunEntry is one meter's outcome within a run.
type RunEntry struct {
	RunID     string
	MeterID   billing.MeterID
	BillID    billing.BillID
	Outcome   string // generated, estimated, skipped, failed
	Detail    string
	CreatedAt time.Time
}

// =============================================================================
// STORE & COLLABORATORS
// =============================================================================

// Store is the persistence the generator needs beyond the billing engine.
type Store interface {
	ActiveMeters(ctx context.Context) ([]billing.Meter, error)
	CustomerByID(ctx context.Context, id billing.CustomerID) (*billing.Customer, error)

	// ReadingForPeriod returns nil, nil when the meter has no reading for p.
	ReadingForPeriod(ctx context.Context, meterID billing.MeterID, p billing.Period) (*billing.Reading, error)
	LatestReadings(ctx context.Context, meterID billing.MeterID, limit int) ([]billing.Reading, error)
	CreateReading(ctx context.Context, r *billing.Reading) error

	LatestBilledConsumption(ctx context.Context, meterID billing.MeterID) (int64, bool, error)
	BillExistsForPeriod(ctx context.Context, meterID billing.MeterID, p billing.Period) (bool, error)

	SaveRun(ctx context.Context, run *Run) error
	RunByID(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	AppendRunEntry(ctx context.Context, e *RunEntry) error
}

// Issuer is the slice of the billing engine the generator drives.
type Issuer interface {
	IssueBill(ctx context.Context, readingID billing.ReadingID, customer *billing.Customer) (*billing.Bill, error)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store  Store
	issuer Issuer
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, issuer Issuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, issuer: issuer, logger: logger, now: time.Now}
}

// WithClock replaces the service clock. Test use only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MeterPlan is the dry-run view of what Generate would do for one meter.
type MeterPlan struct {
	Meter        billing.Meter
	HasReading   bool
	WillEstimate bool
	Estimated    int64
	SkipReason   string
}

// Preview reports what a run over the period would do, without writing
// anything.
func (s *Service) Preview(ctx context.Context, p billing.Period) ([]MeterPlan, error) {
	meters, err := s.store.ActiveMeters(ctx)
	if err != nil {
		return nil, err
	}
	plans := make([]MeterPlan, 0, len(meters))
	for _, m := range meters {
		plan := MeterPlan{Meter: m}
		exists, err := s.store.BillExistsForPeriod(ctx, m.ID, p)
		if err != nil {
			return nil, err
		}
		if exists {
			plan.SkipReason = "bill already issued"
			plans = append(plans, plan)
			continue
		}
		r, err := s.store.ReadingForPeriod(ctx, m.ID, p)
		if err != nil {
			return nil, err
		}
		if r != nil {
			plan.HasReading = true
		} else {
			plan.WillEstimate = true
			plan.Estimated, err = s.estimate(ctx, m.ID)
			if err != nil {
				return nil, err
			}
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// Generate issues every missing bill for the period. One meter failing
// does not abort the run; its entry records the error and the pass moves
// on. The run record itself is saved up front so an interrupted run stays
// visible as running/failed.
func (s *Service) Generate(ctx context.Context, p billing.Period) (*Run, error) {
	start := s.now()
	run := &Run{
		ID:        uuid.NewString(),
		Period:    p,
		Status:    RunRunning,
		StartedAt: start,
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	meters, err := s.store.ActiveMeters(ctx)
	if err != nil {
		return s.failRun(ctx, run, err)
	}

	s.logger.Info("generation run started",
		zap.String("run_id", run.ID),
		zap.String("period", p.String()),
		zap.Int("meters", len(meters)))

	for _, m := range meters {
		entry, err := s.generateForMeter(ctx, run, m, p)
		if err != nil {
			run.Failed++
			entry = &RunEntry{
				RunID:   run.ID,
				MeterID: m.ID,
				Outcome: "failed",
				Detail:  err.Error(),
			}
			s.logger.Warn("meter generation failed",
				zap.String("run_id", run.ID),
				zap.String("meter_id", string(m.ID)),
				zap.Error(err))
		}
		entry.CreatedAt = s.now()
		if err := s.store.AppendRunEntry(ctx, entry); err != nil {
			return s.failRun(ctx, run, err)
		}
		run.Entries = append(run.Entries, *entry)
	}

	end := s.now()
	run.Status = RunCompleted
	run.EndedAt = &end
	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	s.logger.Info("generation run completed",
		zap.String("run_id", run.ID),
		zap.Int("generated", run.Generated),
		zap.Int("estimated", run.Estimated),
		zap.Int("skipped", run.Skipped),
		zap.Int("failed", run.Failed))
	return run, nil
}

func (s *Service) generateForMeter(ctx context.Context, run *Run, m billing.Meter, p billing.Period) (*RunEntry, error) {
	entry := &RunEntry{RunID: run.ID, MeterID: m.ID}

	exists, err := s.store.BillExistsForPeriod(ctx, m.ID, p)
	if err != nil {
		return nil, err
	}
	if exists {
		run.Skipped++
		entry.Outcome = "skipped"
		entry.Detail = "bill already issued"
		return entry, nil
	}

	customer, err := s.store.CustomerByID(ctx, m.CustomerID)
	if err != nil {
		return nil, err
	}

	r, err := s.store.ReadingForPeriod(ctx, m.ID, p)
	if err != nil {
		return nil, err
	}
	estimated := false
	if r == nil {
		r, err = s.createEstimatedReading(ctx, m.ID, p)
		if err != nil {
			return nil, err
		}
		estimated = true
	}

	bill, err := s.issuer.IssueBill(ctx, r.ID, customer)
	if err != nil {
		return nil, err
	}

	run.Generated++
	entry.BillID = bill.ID
	entry.Outcome = "generated"
	if estimated {
		run.Estimated++
		entry.Outcome = "estimated"
		entry.Detail = fmt.Sprintf("estimated consumption %d", bill.Consumption)
	}
	return entry, nil
}

// createEstimatedReading synthesizes the period's reading for a meter that
// was never read: last dial value plus the estimated consumption.
func (s *Service) createEstimatedReading(ctx context.Context, meterID billing.MeterID, p billing.Period) (*billing.Reading, error) {
	est, err := s.estimate(ctx, meterID)
	if err != nil {
		return nil, err
	}
	var lastValue int64
	latest, err := s.store.LatestReadings(ctx, meterID, 1)
	if err != nil {
		return nil, err
	}
	if len(latest) > 0 {
		lastValue = latest[0].Value
	}
	r := &billing.Reading{
		ID:      billing.ReadingID(uuid.NewString()),
		MeterID: meterID,
		Value:   lastValue + est,
		Period:  p,
		TakenOn: s.now(),
		Source:  billing.ReadingGenerated,
	}
	if err := s.store.CreateReading(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) estimate(ctx context.Context, meterID billing.MeterID) (int64, error) {
	lastBilled, hasBilled, err := s.store.LatestBilledConsumption(ctx, meterID)
	if err != nil {
		return 0, err
	}
	readings, err := s.store.LatestReadings(ctx, meterID, 2)
	if err != nil {
		return 0, err
	}
	return billing.EstimateConsumption(lastBilled, hasBilled, readings), nil
}

func (s *Service) failRun(ctx context.Context, run *Run, cause error) (*Run, error) {
	end := s.now()
	run.Status = RunFailed
	run.Error = cause.Error()
	run.EndedAt = &end
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Error("could not persist failed run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run, cause
}

// Runs lists recent runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]Run, error) {
	return s.store.ListRuns(ctx, limit)
}

// RunByID returns one run with its entries.
func (s *Service) RunByID(ctx context.Context, id string) (*Run, error) {
	return s.store.RunByID(ctx, id)
}

/*
scheduler.go - Recurring monthly generation trigger

PURPOSE:
  A long-lived scheduler object constructed once at process start, with an
  explicit init -> Start -> Stop lifecycle. The schedule definition itself
  (enabled flag, day of month, hour) is persisted in the store, not held
  in process globals, so a restart or a second instance sees the same
  configuration.

DESIGN:
  - Background goroutine woken by a ticker
  - Each wake-up reloads the persisted schedule and fires when the local
    time has passed the configured day/hour and the period has not already
    had a completed run this cycle
  - Firing is idempotent: Generate skips meters whose bill exists

USAGE:
  sched := generation.NewScheduler(store, svc, logger)
  sched.Start()
  defer sched.Stop()
*/
package generation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aguavista/billing-engine/billing"
)

// Schedule is the persisted recurring-generation definition.
type Schedule struct {
	Enabled    bool
	DayOfMonth int // 1..28, day the run becomes due
	Hour       int // 0..23, local hour the run becomes due
	UpdatedAt  time.Time
}

// ScheduleStore persists the schedule and answers whether a period already
// had a completed run.
type ScheduleStore interface {
	Schedule(ctx context.Context) (*Schedule, error)
	SaveSchedule(ctx context.Context, s *Schedule) error
	HasCompletedRun(ctx context.Context, p billing.Period) (bool, error)
}

// Scheduler triggers the monthly generation run.
type Scheduler struct {
	Store         ScheduleStore
	Service       *Service
	CheckInterval time.Duration

	logger *zap.Logger
	now    func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(store ScheduleStore, service *Service, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Store:         store,
		Service:       service,
		CheckInterval: 15 * time.Minute,
		logger:        logger,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// WithClock replaces the scheduler clock. Test use only.
func (sc *Scheduler) WithClock(now func() time.Time) *Scheduler {
	sc.now = now
	return sc
}

// Start begins the background loop.
func (sc *Scheduler) Start() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.ticker != nil {
		return
	}
	sc.ticker = time.NewTicker(sc.CheckInterval)
	sc.wg.Add(1)
	go sc.run()

	sc.logger.Info("generation scheduler started",
		zap.Duration("check_interval", sc.CheckInterval))
}

// Stop halts the loop and waits for an in-flight check to finish.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.ticker == nil {
		return
	}
	sc.ticker.Stop()
	close(sc.stop)
	sc.wg.Wait()
	sc.ticker = nil
	sc.logger.Info("generation scheduler stopped")
}

func (sc *Scheduler) run() {
	defer sc.wg.Done()

	sc.CheckNow()
	for {
		select {
		case <-sc.ticker.C:
			sc.CheckNow()
		case <-sc.stop:
			return
		}
	}
}

// CheckNow evaluates the persisted schedule once and fires the run if it
// is due. Exposed for the admin trigger endpoint and tests.
func (sc *Scheduler) CheckNow() {
	ctx := context.Background()

	schedule, err := sc.Store.Schedule(ctx)
	if err != nil {
		sc.logger.Error("could not load schedule", zap.Error(err))
		return
	}
	if schedule == nil || !schedule.Enabled {
		return
	}

	now := sc.now()
	if !due(schedule, now) {
		return
	}

	period := billing.PeriodOf(now)
	done, err := sc.Store.HasCompletedRun(ctx, period)
	if err != nil {
		sc.logger.Error("could not check run history", zap.Error(err))
		return
	}
	if done {
		return
	}

	sc.logger.Info("scheduled generation due", zap.String("period", period.String()))
	if _, err := sc.Service.Generate(ctx, period); err != nil {
		sc.logger.Error("scheduled generation failed",
			zap.String("period", period.String()), zap.Error(err))
	}
}

func due(s *Schedule, now time.Time) bool {
	if now.Day() > s.DayOfMonth {
		return true
	}
	return now.Day() == s.DayOfMonth && now.Hour() >= s.Hour
}

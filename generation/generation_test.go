package generation_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguavista/billing-engine/billing"
	"github.com/aguavista/billing-engine/generation"
)

// =============================================================================
// FAKES
// =============================================================================

var testNow = time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	meters    []billing.Meter
	customers map[billing.CustomerID]*billing.Customer
	readings  []billing.Reading
	billed    map[billing.MeterID]int64 // most recent billed consumption
	billsFor  map[string]bool           // meterID|period

	runs    map[string]*generation.Run
	entries []generation.RunEntry
	saves   []generation.RunStatus // SaveRun call order
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		customers: make(map[billing.CustomerID]*billing.Customer),
		billed:    make(map[billing.MeterID]int64),
		billsFor:  make(map[string]bool),
		runs:      make(map[string]*generation.Run),
	}
}

func billKey(meterID billing.MeterID, p billing.Period) string {
	return string(meterID) + "|" + p.String()
}

func (f *fakeStore) ActiveMeters(context.Context) ([]billing.Meter, error) {
	return f.meters, nil
}

func (f *fakeStore) CustomerByID(_ context.Context, id billing.CustomerID) (*billing.Customer, error) {
	c, ok := f.customers[id]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return c, nil
}

func (f *fakeStore) ReadingForPeriod(_ context.Context, meterID billing.MeterID, p billing.Period) (*billing.Reading, error) {
	for i := range f.readings {
		if f.readings[i].MeterID == meterID && f.readings[i].Period == p {
			r := f.readings[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) LatestReadings(_ context.Context, meterID billing.MeterID, limit int) ([]billing.Reading, error) {
	var out []billing.Reading
	for _, r := range f.readings {
		if r.MeterID == meterID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Period.Before(out[i].Period) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CreateReading(_ context.Context, r *billing.Reading) error {
	f.readings = append(f.readings, *r)
	return nil
}

func (f *fakeStore) LatestBilledConsumption(_ context.Context, meterID billing.MeterID) (int64, bool, error) {
	c, ok := f.billed[meterID]
	return c, ok, nil
}

func (f *fakeStore) BillExistsForPeriod(_ context.Context, meterID billing.MeterID, p billing.Period) (bool, error) {
	return f.billsFor[billKey(meterID, p)], nil
}

func (f *fakeStore) SaveRun(_ context.Context, run *generation.Run) error {
	cp := *run
	f.runs[run.ID] = &cp
	f.saves = append(f.saves, run.Status)
	return nil
}

func (f *fakeStore) RunByID(_ context.Context, id string) (*generation.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, errors.New("run not found")
	}
	return run, nil
}

func (f *fakeStore) ListRuns(context.Context, int) ([]generation.Run, error) {
	var out []generation.Run
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) AppendRunEntry(_ context.Context, e *generation.RunEntry) error {
	f.entries = append(f.entries, *e)
	return nil
}

// fakeIssuer issues a minimal bill per reading and can fail per meter.
type fakeIssuer struct {
	store  *fakeStore
	failOn billing.MeterID
	issued []billing.ReadingID
}

func (f *fakeIssuer) IssueBill(ctx context.Context, readingID billing.ReadingID, customer *billing.Customer) (*billing.Bill, error) {
	var reading *billing.Reading
	for i := range f.store.readings {
		if f.store.readings[i].ID == readingID {
			reading = &f.store.readings[i]
		}
	}
	if reading == nil {
		return nil, billing.ErrReadingNotFound
	}
	if reading.MeterID == f.failOn {
		return nil, billing.ErrTariffNotConfigured
	}
	f.issued = append(f.issued, readingID)
	f.store.billsFor[billKey(reading.MeterID, reading.Period)] = true
	return &billing.Bill{
		ID:          billing.BillID("bill-for-" + string(readingID)),
		ReadingID:   readingID,
		MeterID:     reading.MeterID,
		CustomerID:  customer.ID,
		Period:      reading.Period,
		Consumption: reading.Value,
		Total:       decimal.NewFromInt(reading.Value),
	}, nil
}

func fixture(t *testing.T) (*generation.Service, *fakeStore, *fakeIssuer) {
	t.Helper()
	store := newFakeStore()
	issuer := &fakeIssuer{store: store}
	svc := generation.NewService(store, issuer, nil).WithClock(func() time.Time { return testNow })
	return svc, store, issuer
}

func addMeter(store *fakeStore, meterID, customerID string) {
	store.meters = append(store.meters, billing.Meter{
		ID: billing.MeterID(meterID), CustomerID: billing.CustomerID(customerID),
		Number: "M-" + meterID, Active: true,
	})
	store.customers[billing.CustomerID(customerID)] = &billing.Customer{
		ID: billing.CustomerID(customerID), Name: "Customer " + customerID,
	}
}

func period(year int, month time.Month) billing.Period {
	return billing.Period{Year: year, Month: month}
}

// =============================================================================
// GENERATE
// =============================================================================

func TestGenerate_ManualReadingIssuesBill(t *testing.T) {
	// GIVEN: A meter with a manual reading for the period
	// WHEN: Generate runs
	// THEN: One bill is issued and the entry says generated

	svc, store, issuer := fixture(t)
	ctx := context.Background()
	p := period(2025, time.June)

	addMeter(store, "m-1", "c-1")
	store.readings = append(store.readings, billing.Reading{
		ID: "r-1", MeterID: "m-1", Value: 120, Period: p, Source: billing.ReadingManual,
	})

	run, err := svc.Generate(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, generation.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Generated)
	assert.Equal(t, 0, run.Estimated)
	assert.Equal(t, []billing.ReadingID{"r-1"}, issuer.issued)

	require.Len(t, run.Entries, 1)
	assert.Equal(t, "generated", run.Entries[0].Outcome)
	assert.Equal(t, billing.BillID("bill-for-r-1"), run.Entries[0].BillID)
}

func TestGenerate_MissingReadingEstimated(t *testing.T) {
	// GIVEN: A meter never read this period, with two prior readings 120 and 150
	// WHEN: Generate runs
	// THEN: A generated reading of 150 + 30 is created and billed as estimated

	svc, store, _ := fixture(t)
	ctx := context.Background()

	addMeter(store, "m-1", "c-1")
	store.readings = append(store.readings,
		billing.Reading{ID: "r-apr", MeterID: "m-1", Value: 120, Period: period(2025, time.April)},
		billing.Reading{ID: "r-may", MeterID: "m-1", Value: 150, Period: period(2025, time.May)},
	)

	run, err := svc.Generate(ctx, period(2025, time.June))
	require.NoError(t, err)

	assert.Equal(t, 1, run.Generated)
	assert.Equal(t, 1, run.Estimated)
	require.Len(t, run.Entries, 1)
	assert.Equal(t, "estimated", run.Entries[0].Outcome)

	// The synthesized reading continues the dial.
	created, err := store.ReadingForPeriod(ctx, "m-1", period(2025, time.June))
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, int64(180), created.Value, "last dial 150 plus estimated 30")
	assert.Equal(t, billing.ReadingGenerated, created.Source)
}

func TestGenerate_EstimateUsesLastBilledConsumption(t *testing.T) {
	// Billing history beats the reading delta when both exist.
	svc, store, _ := fixture(t)

	addMeter(store, "m-1", "c-1")
	store.billed["m-1"] = 25
	store.readings = append(store.readings,
		billing.Reading{ID: "r-apr", MeterID: "m-1", Value: 100, Period: period(2025, time.April)},
		billing.Reading{ID: "r-may", MeterID: "m-1", Value: 190, Period: period(2025, time.May)},
	)

	run, err := svc.Generate(context.Background(), period(2025, time.June))
	require.NoError(t, err)
	require.Equal(t, 1, run.Estimated)

	created, err := store.ReadingForPeriod(context.Background(), "m-1", period(2025, time.June))
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, int64(215), created.Value, "190 + billed 25, not the 90 delta")
}

func TestGenerate_ExistingBillSkipped(t *testing.T) {
	svc, store, issuer := fixture(t)
	p := period(2025, time.June)

	addMeter(store, "m-1", "c-1")
	store.billsFor[billKey("m-1", p)] = true

	run, err := svc.Generate(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 0, run.Generated)
	assert.Empty(t, issuer.issued)
	require.Len(t, run.Entries, 1)
	assert.Equal(t, "skipped", run.Entries[0].Outcome)
}

func TestGenerate_OneMeterFailingDoesNotAbortRun(t *testing.T) {
	// GIVEN: Two meters, the first one's issuance fails
	// WHEN: Generate runs
	// THEN: The run completes with one failed and one generated entry

	svc, store, issuer := fixture(t)
	p := period(2025, time.June)

	addMeter(store, "m-bad", "c-1")
	addMeter(store, "m-good", "c-2")
	issuer.failOn = "m-bad"
	store.readings = append(store.readings,
		billing.Reading{ID: "r-bad", MeterID: "m-bad", Value: 10, Period: p},
		billing.Reading{ID: "r-good", MeterID: "m-good", Value: 20, Period: p},
	)

	run, err := svc.Generate(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, generation.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 1, run.Generated)

	require.Len(t, run.Entries, 2)
	assert.Equal(t, "failed", run.Entries[0].Outcome)
	assert.NotEmpty(t, run.Entries[0].Detail)
	assert.Equal(t, "generated", run.Entries[1].Outcome)
}

func TestGenerate_RunPersistedUpFront(t *testing.T) {
	// An interrupted run must already exist in storage as running.
	svc, store, _ := fixture(t)

	_, err := svc.Generate(context.Background(), period(2025, time.June))
	require.NoError(t, err)

	require.Len(t, store.saves, 2)
	assert.Equal(t, generation.RunRunning, store.saves[0])
	assert.Equal(t, generation.RunCompleted, store.saves[1])
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestPreview_ReportsWithoutWriting(t *testing.T) {
	svc, store, issuer := fixture(t)
	p := period(2025, time.June)

	addMeter(store, "m-read", "c-1")
	addMeter(store, "m-est", "c-2")
	addMeter(store, "m-done", "c-3")
	store.readings = append(store.readings,
		billing.Reading{ID: "r-1", MeterID: "m-read", Value: 50, Period: p},
		billing.Reading{ID: "r-old", MeterID: "m-est", Value: 40, Period: period(2025, time.May)},
	)
	store.billsFor[billKey("m-done", p)] = true

	plans, err := svc.Preview(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, plans, 3)

	assert.True(t, plans[0].HasReading)
	assert.True(t, plans[1].WillEstimate)
	assert.Equal(t, int64(40), plans[1].Estimated, "single known reading's value")
	assert.Equal(t, "bill already issued", plans[2].SkipReason)

	assert.Empty(t, issuer.issued, "preview must not issue")
	readings := len(store.readings)
	assert.Equal(t, 2, readings, "preview must not create readings")
}

// =============================================================================
// SCHEDULER
// =============================================================================

type fakeScheduleStore struct {
	*fakeStore
	schedule  *generation.Schedule
	completed map[string]bool
}

func (f *fakeScheduleStore) Schedule(context.Context) (*generation.Schedule, error) {
	return f.schedule, nil
}

func (f *fakeScheduleStore) SaveSchedule(_ context.Context, s *generation.Schedule) error {
	f.schedule = s
	return nil
}

func (f *fakeScheduleStore) HasCompletedRun(_ context.Context, p billing.Period) (bool, error) {
	return f.completed[p.String()], nil
}

func newSchedulerFixture(t *testing.T, sched *generation.Schedule, now time.Time) (*generation.Scheduler, *fakeScheduleStore) {
	t.Helper()
	store := newFakeStore()
	addMeter(store, "m-1", "c-1")
	store.readings = append(store.readings, billing.Reading{
		ID: "r-1", MeterID: "m-1", Value: 10, Period: billing.PeriodOf(now),
	})
	svc := generation.NewService(store, &fakeIssuer{store: store}, nil).
		WithClock(func() time.Time { return now })

	ss := &fakeScheduleStore{
		fakeStore: store,
		schedule:  sched,
		completed: make(map[string]bool),
	}
	scheduler := generation.NewScheduler(ss, svc, nil).WithClock(func() time.Time { return now })
	return scheduler, ss
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	// GIVEN: An enabled schedule for day 3 at 08:00 and a clock past it
	// WHEN: CheckNow runs
	// THEN: A generation run for the current period is recorded

	now := time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)
	scheduler, store := newSchedulerFixture(t, &generation.Schedule{
		Enabled: true, DayOfMonth: 3, Hour: 8,
	}, now)

	scheduler.CheckNow()

	assert.Len(t, store.runs, 1, "a run was started and completed")
	for _, run := range store.runs {
		assert.Equal(t, billing.PeriodOf(now), run.Period)
		assert.Equal(t, generation.RunCompleted, run.Status)
	}
}

func TestScheduler_NotDueYet(t *testing.T) {
	now := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)
	scheduler, store := newSchedulerFixture(t, &generation.Schedule{
		Enabled: true, DayOfMonth: 3, Hour: 8,
	}, now)

	scheduler.CheckNow()
	assert.Empty(t, store.runs)
}

func TestScheduler_SameDayHourGate(t *testing.T) {
	// On the configured day the hour decides.
	early := time.Date(2025, time.June, 3, 7, 59, 0, 0, time.UTC)
	scheduler, store := newSchedulerFixture(t, &generation.Schedule{
		Enabled: true, DayOfMonth: 3, Hour: 8,
	}, early)
	scheduler.CheckNow()
	assert.Empty(t, store.runs)

	late := time.Date(2025, time.June, 3, 8, 0, 0, 0, time.UTC)
	scheduler, store = newSchedulerFixture(t, &generation.Schedule{
		Enabled: true, DayOfMonth: 3, Hour: 8,
	}, late)
	scheduler.CheckNow()
	assert.Len(t, store.runs, 1)
}

func TestScheduler_SkipsCompletedPeriod(t *testing.T) {
	now := time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)
	scheduler, store := newSchedulerFixture(t, &generation.Schedule{
		Enabled: true, DayOfMonth: 3, Hour: 8,
	}, now)
	store.completed[billing.PeriodOf(now).String()] = true

	scheduler.CheckNow()
	assert.Empty(t, store.runs, "a period with a completed run fires once per cycle")
}

func TestScheduler_DisabledOrUnset(t *testing.T) {
	now := time.Date(2025, time.June, 15, 9, 0, 0, 0, time.UTC)

	scheduler, store := newSchedulerFixture(t, &generation.Schedule{
		Enabled: false, DayOfMonth: 3, Hour: 8,
	}, now)
	scheduler.CheckNow()
	assert.Empty(t, store.runs)

	scheduler, store = newSchedulerFixture(t, nil, now)
	scheduler.CheckNow()
	assert.Empty(t, store.runs)
}

package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguavista/billing-engine/billing"
	"github.com/aguavista/billing-engine/generation"
	"github.com/aguavista/billing-engine/notify"
)

// =============================================================================
// GENERATION RUNS
// =============================================================================

func TestGenerationRun_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := period(2025, time.June)
	run := &generation.Run{
		ID: "run-1", Period: p, Status: generation.RunRunning, StartedAt: testNow,
	}
	require.NoError(t, store.SaveRun(ctx, run))

	require.NoError(t, store.AppendRunEntry(ctx, &generation.RunEntry{
		RunID: "run-1", MeterID: "m-1", BillID: "b-1",
		Outcome: "generated", CreatedAt: testNow,
	}))
	require.NoError(t, store.AppendRunEntry(ctx, &generation.RunEntry{
		RunID: "run-1", MeterID: "m-2",
		Outcome: "skipped", Detail: "bill already issued", CreatedAt: testNow,
	}))

	// Upsert the final counters.
	ended := testNow.Add(time.Minute)
	run.Status = generation.RunCompleted
	run.Generated = 1
	run.Skipped = 1
	run.EndedAt = &ended
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, generation.RunCompleted, got.Status)
	assert.Equal(t, 1, got.Generated)
	assert.Equal(t, 1, got.Skipped)
	require.NotNil(t, got.EndedAt)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, "generated", got.Entries[0].Outcome)
	assert.Equal(t, "skipped", got.Entries[1].Outcome)

	done, err := store.HasCompletedRun(ctx, p)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = store.HasCompletedRun(ctx, period(2025, time.July))
	require.NoError(t, err)
	assert.False(t, done)
}

func TestListRuns_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, store.SaveRun(ctx, &generation.Run{
			ID: id, Period: period(2025, time.June), Status: generation.RunCompleted,
			StartedAt: testNow.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-b", runs[1].ID)
}

// =============================================================================
// SCHEDULE
// =============================================================================

func TestSchedule_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sched, err := store.Schedule(ctx)
	require.NoError(t, err)
	assert.Nil(t, sched, "unset schedule is nil, not an error")

	require.NoError(t, store.SaveSchedule(ctx, &generation.Schedule{
		Enabled: true, DayOfMonth: 3, Hour: 8, UpdatedAt: testNow,
	}))
	require.NoError(t, store.SaveSchedule(ctx, &generation.Schedule{
		Enabled: true, DayOfMonth: 5, Hour: 9, UpdatedAt: testNow.Add(time.Hour),
	}))

	sched, err = store.Schedule(ctx)
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.True(t, sched.Enabled)
	assert.Equal(t, 5, sched.DayOfMonth, "second save overwrote the single row")
	assert.Equal(t, 9, sched.Hour)
}

// =============================================================================
// NOTICE LOG
// =============================================================================

func TestUnnotifiedBills_DedupeAndRetry(t *testing.T) {
	// GIVEN: Two unsettled bills in a period
	// WHEN: One gets a sent record and one a failed record
	// THEN: Only the failed one remains targetable

	store := newTestStore(t)
	ctx := context.Background()

	p := period(2025, time.June)
	seedCatalog(t, store, "c-1", "m-1", "r-1", p)
	require.NoError(t, store.CreateReading(ctx, &billing.Reading{
		ID: "r-2", MeterID: "m-1", Value: 120, Period: period(2025, time.July), TakenOn: testNow,
	}))

	require.NoError(t, store.CreateBill(ctx,
		testBill("b-1", "c-1", "m-1", "r-1", "BOL-202506-0001", p, "10.00")))
	require.NoError(t, store.CreateBill(ctx,
		testBill("b-2", "c-1", "m-1", "r-2", "BOL-202506-0002", p, "10.00")))

	bills, err := store.UnnotifiedBills(ctx, p)
	require.NoError(t, err)
	assert.Len(t, bills, 2)

	require.NoError(t, store.RecordSend(ctx, &notify.SendRecord{
		ID: "n-1", BillID: "b-1", CustomerID: "c-1", Phone: "555-0001",
		Status: notify.SendOK, SentAt: testNow,
	}))
	require.NoError(t, store.RecordSend(ctx, &notify.SendRecord{
		ID: "n-2", BillID: "b-2", CustomerID: "c-1", Phone: "555-0001",
		Status: notify.SendFailed, Detail: "gateway timeout", SentAt: testNow,
	}))

	bills, err = store.UnnotifiedBills(ctx, p)
	require.NoError(t, err)
	require.Len(t, bills, 1, "sent bill deduped, failed bill retryable")
	assert.Equal(t, billing.BillID("b-2"), bills[0].ID)

	records, err := store.ListSends(ctx, p)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestUnnotifiedBills_SettledExcluded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := period(2025, time.June)
	seedCatalog(t, store, "c-1", "m-1", "r-1", p)

	settled := testBill("b-1", "c-1", "m-1", "r-1", "BOL-202506-0001", p, "10.00")
	settled.AmountPaid = dec("10.00")
	settled.Outstanding = dec("0")
	settled.State = billing.SettlementSettled
	require.NoError(t, store.CreateBill(ctx, settled))

	bills, err := store.UnnotifiedBills(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, bills, "settled bills need no notice")
}

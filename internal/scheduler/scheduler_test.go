package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronflow/cronflow/internal/engine"
	"github.com/cronflow/cronflow/internal/gate"
	"github.com/cronflow/cronflow/internal/notify"
	"github.com/cronflow/cronflow/internal/store"
	"github.com/cronflow/cronflow/internal/task"
	"github.com/cronflow/cronflow/internal/workunit"
)

type fixture struct {
	mr    *miniredis.Miniredis
	store *store.Store
	gate  *gate.Gate
	loop  *Loop
}

// setup wires a real store, gate and engine around the given work unit.
func setup(t *testing.T, maxConcurrent int, interval time.Duration, unit workunit.Func) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	st, err := store.New(mr.Addr(), "", 0, 10, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	g := gate.New(maxConcurrent, zerolog.Nop())
	eng := engine.New(st, notify.Nop{}, unit, g, zerolog.Nop())
	g.Bind(func(tk *task.Task) error {
		return eng.Run(context.Background(), tk)
	})

	loop := New(st, g, interval, 10*time.Minute, zerolog.Nop())
	return &fixture{mr: mr, store: st, gate: g, loop: loop}
}

func createTask(t *testing.T, st *store.Store, tk *task.Task) *task.Task {
	t.Helper()
	if tk.Priority == "" {
		tk.Priority = task.PriorityMedium
	}
	created, err := st.Create(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func instantUnit(ctx context.Context, tk *task.Task) error { return nil }

func TestLoop_TickRunsDueTask(t *testing.T) {
	fx := setup(t, 2, 20*time.Millisecond, instantUnit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	past := time.Now().Add(-time.Minute)
	created := createTask(t, fx.store, &task.Task{
		Label:           "recurring",
		SchedulePattern: "*/5 * * * *",
		NextRunAt:       &past,
	})

	fx.loop.Start(ctx)
	defer fx.loop.Stop()

	require.Eventually(t, func() bool {
		cur, err := fx.store.FindByID(ctx, created.ID)
		return err == nil && cur.Attempts == 1 && cur.State == task.StateQueued
	}, 3*time.Second, 20*time.Millisecond)

	cur, err := fx.store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, cur.NextRunAt)
	assert.True(t, cur.NextRunAt.After(time.Now()))
}

// A failing tick is absorbed; once the store recovers, the next tick fires
// normally.
func TestLoop_TickErrorDoesNotStopLoop(t *testing.T) {
	fx := setup(t, 2, 20*time.Millisecond, instantUnit)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	past := time.Now().Add(-time.Minute)
	created := createTask(t, fx.store, &task.Task{
		Label:           "survivor",
		SchedulePattern: "*/5 * * * *",
		NextRunAt:       &past,
	})

	fx.mr.SetError("redis unavailable")
	fx.loop.Start(ctx)
	defer fx.loop.Stop()

	time.Sleep(100 * time.Millisecond)
	fx.mr.SetError("")

	require.Eventually(t, func() bool {
		cur, err := fx.store.FindByID(ctx, created.ID)
		return err == nil && cur.Attempts == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestLoop_ManualExecute(t *testing.T) {
	fx := setup(t, 1, time.Hour, instantUnit)
	ctx := context.Background()

	created := createTask(t, fx.store, &task.Task{Label: "on demand"})

	h, err := fx.loop.ManualExecute(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, h.Err())

	cur, err := fx.store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, cur.State)
	assert.Equal(t, 1, cur.Attempts)
}

func TestLoop_ManualExecuteNotFound(t *testing.T) {
	fx := setup(t, 1, time.Hour, instantUnit)

	_, err := fx.loop.ManualExecute(context.Background(), "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

// Manual execution against a saturated gate fails fast and leaves the task
// untouched.
func TestLoop_ManualExecuteCapacityExceeded(t *testing.T) {
	block := make(chan struct{})
	fx := setup(t, 1, time.Hour, func(ctx context.Context, tk *task.Task) error {
		<-block
		return nil
	})
	defer close(block)
	ctx := context.Background()

	occupier := createTask(t, fx.store, &task.Task{Label: "occupier"})
	waiting := createTask(t, fx.store, &task.Task{Label: "waiting"})

	_, err := fx.loop.ManualExecute(ctx, occupier.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := fx.store.FindByID(ctx, occupier.ID)
		return err == nil && cur.State == task.StateProcessing
	}, 2*time.Second, 10*time.Millisecond)

	_, err = fx.loop.ManualExecute(ctx, waiting.ID)
	assert.ErrorIs(t, err, task.ErrCapacityExceeded)

	cur, err := fx.store.FindByID(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, cur.State)
	assert.Zero(t, cur.Attempts)
}

func TestLoop_StopHaltsTicks(t *testing.T) {
	fx := setup(t, 2, 20*time.Millisecond, instantUnit)
	ctx := context.Background()

	fx.loop.Start(ctx)
	fx.loop.Stop()

	past := time.Now().Add(-time.Minute)
	created := createTask(t, fx.store, &task.Task{
		Label:           "never runs",
		SchedulePattern: "*/5 * * * *",
		NextRunAt:       &past,
	})

	time.Sleep(100 * time.Millisecond)

	cur, err := fx.store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Zero(t, cur.Attempts)
	assert.Equal(t, task.StateQueued, cur.State)
}

// A task stuck processing since before the stale threshold is failed at
// startup; a recent one is left alone.
func TestLoop_ReconcileStaleProcessing(t *testing.T) {
	fx := setup(t, 2, time.Hour, instantUnit)
	ctx := context.Background()

	stale := createTask(t, fx.store, &task.Task{Label: "stale"})
	_, err := fx.store.MarkProcessing(ctx, stale.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	fresh := createTask(t, fx.store, &task.Task{Label: "fresh"})
	_, err = fx.store.MarkProcessing(ctx, fresh.ID, time.Now())
	require.NoError(t, err)

	require.NoError(t, fx.loop.Reconcile(ctx))

	staleCur, err := fx.store.FindByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, staleCur.State)
	assert.Contains(t, staleCur.LastError, "interrupted")

	records, err := fx.store.History(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, task.OutcomeFailure, records[0].Outcome)

	freshCur, err := fx.store.FindByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateProcessing, freshCur.State)
}

// A recurring task whose requeue write was lost sits in completed with no next
// run time, invisible to the tick query. Reconcile puts it back on the
// schedule.
func TestLoop_ReconcileStrandedRecurring(t *testing.T) {
	fx := setup(t, 2, time.Hour, instantUnit)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	created := createTask(t, fx.store, &task.Task{
		Label:           "stranded",
		SchedulePattern: "*/5 * * * *",
		NextRunAt:       &past,
	})

	_, err := fx.store.MarkProcessing(ctx, created.ID, time.Now())
	require.NoError(t, err)
	_, err = fx.store.Complete(ctx, created.ID, time.Now(), time.Second)
	require.NoError(t, err)

	// Completed with nil NextRunAt is never due.
	due, err := fx.store.FindDueRecurring(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, fx.loop.Reconcile(ctx))

	cur, err := fx.store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateQueued, cur.State)
	assert.Equal(t, 1, cur.Attempts)
	require.NotNil(t, cur.NextRunAt)
	assert.True(t, cur.NextRunAt.After(time.Now()))

	// A one-shot completed task is left alone.
	oneShot := createTask(t, fx.store, &task.Task{Label: "one-shot"})
	_, err = fx.store.MarkProcessing(ctx, oneShot.ID, time.Now())
	require.NoError(t, err)
	_, err = fx.store.Complete(ctx, oneShot.ID, time.Now(), time.Second)
	require.NoError(t, err)

	require.NoError(t, fx.loop.Reconcile(ctx))

	oneShotCur, err := fx.store.FindByID(ctx, oneShot.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, oneShotCur.State)
}

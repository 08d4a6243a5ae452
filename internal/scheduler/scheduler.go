// Package scheduler drives recurring task execution: a fixed-interval loop
// polls the store for due tasks and feeds them through the concurrency gate.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cronflow/cronflow/internal/gate"
	"github.com/cronflow/cronflow/internal/schedule"
	"github.com/cronflow/cronflow/internal/store"
	"github.com/cronflow/cronflow/internal/task"
)

type Loop struct {
	store      *store.Store
	gate       *gate.Gate
	interval   time.Duration
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func New(st *store.Store, g *gate.Gate, interval, staleAfter time.Duration, log zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Loop{
		store:      st,
		gate:       g,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	go l.run(ctx)
	l.log.Info().Dur("interval", l.interval).Msg("scheduler started")
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick submits every due recurring task. Tasks past gate capacity are queued
// by the gate, not dropped. A failing tick is logged and the loop keeps going.
func (l *Loop) tick(ctx context.Context) {
	due, err := l.store.FindDueRecurring(ctx, l.now())
	if err != nil {
		l.log.Warn().Err(err).Msg("tick query failed")
		return
	}
	if len(due) == 0 {
		return
	}

	for _, t := range due {
		l.gate.Submit(t)
	}
	l.log.Debug().Int("due", len(due)).Msg("tick submitted due tasks")
}

// ManualExecute looks up the task and submits it through the fail-fast path.
// A saturated gate surfaces ErrCapacityExceeded synchronously; the returned
// handle carries the run's eventual outcome.
func (l *Loop) ManualExecute(ctx context.Context, id string) (*gate.Handle, error) {
	t, err := l.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := l.gate.ManualSubmit(t)
	if err != nil {
		return nil, err
	}
	l.log.Info().Str("task", id).Msg("manual execution admitted")
	return h, nil
}

// Stop halts future ticks. Runs already in flight are not interrupted.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })

	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.doneCh
	}
	l.log.Info().Msg("scheduler stopped")
}

// Reconcile is the startup recovery pass. A task still processing with a
// lastRunAt older than the stale threshold was cut off by a crash; it is
// failed with a synthetic error so it does not stay stuck forever. A recurring
// task stranded in completed without a next run time (its requeue write was
// lost) is put back on the schedule.
func (l *Loop) Reconcile(ctx context.Context) error {
	procs, err := l.store.FindAll(ctx, store.Filter{State: task.StateProcessing})
	if err != nil {
		return err
	}

	now := l.now()
	for _, t := range procs {
		if t.LastRunAt != nil && now.Sub(*t.LastRunAt) < l.staleAfter {
			continue
		}
		started := now
		if t.LastRunAt != nil {
			started = *t.LastRunAt
		}

		if _, err := l.store.Fail(ctx, t.ID, now, 0, "interrupted: execution did not survive restart"); err != nil {
			l.log.Error().Str("task", t.ID).Err(err).Msg("reconcile failed")
			continue
		}
		if err := l.store.AppendHistory(ctx, t.ID, task.ExecutionRecord{
			Outcome:    task.OutcomeFailure,
			StartedAt:  started,
			FinishedAt: now,
			Error:      "interrupted: execution did not survive restart",
		}); err != nil {
			l.log.Error().Str("task", t.ID).Err(err).Msg("reconcile history append failed")
		}
		l.log.Warn().Str("task", t.ID).Msg("stale processing task marked failed")
	}

	recurring := true
	stranded, err := l.store.FindAll(ctx, store.Filter{State: task.StateCompleted, Recurring: &recurring})
	if err != nil {
		return err
	}
	for _, t := range stranded {
		if t.NextRunAt != nil || t.SchedulePattern == "" {
			continue
		}
		next, err := schedule.Next(t.SchedulePattern, now)
		if err != nil {
			l.log.Error().Str("task", t.ID).Str("pattern", t.SchedulePattern).Err(err).Msg("reconcile next run computation failed")
			continue
		}
		if _, err := l.store.Requeue(ctx, t.ID, next); err != nil {
			l.log.Error().Str("task", t.ID).Err(err).Msg("reconcile requeue failed")
			continue
		}
		l.log.Warn().Str("task", t.ID).Time("next_run_at", next).Msg("stranded recurring task requeued")
	}
	return nil
}

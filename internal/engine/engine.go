// Package engine owns the lifecycle of a single task run: state transitions,
// timing, attempt counting, outcome recording, notification and rescheduling.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cronflow/cronflow/internal/notify"
	"github.com/cronflow/cronflow/internal/schedule"
	"github.com/cronflow/cronflow/internal/store"
	"github.com/cronflow/cronflow/internal/task"
	"github.com/cronflow/cronflow/internal/workunit"
)

// Releaser frees one admission slot. Satisfied by *gate.Gate.
type Releaser interface {
	Release()
}

type Engine struct {
	store *store.Store
	sink  notify.Sink
	unit  workunit.Func
	gate  Releaser
	log   zerolog.Logger
	now   func() time.Time
}

func New(st *store.Store, sink notify.Sink, unit workunit.Func, gate Releaser, log zerolog.Logger) *Engine {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Engine{
		store: st,
		sink:  sink,
		unit:  unit,
		gate:  gate,
		log:   log.With().Str("component", "engine").Logger(),
		now:   time.Now,
	}
}

// Run executes one admitted task:
//
//	queued -> processing -> completed|failed (-> queued again when recurring)
//
// The processing transition is a conditional write in the store, so a second
// Run for the same id fails with ErrInvalidStateTransition before anything is
// mutated. The admission slot is released on every exit path.
//
// The returned error reflects the run outcome; scheduled callers discard it,
// manual callers receive it once, after all bookkeeping has completed.
func (e *Engine) Run(ctx context.Context, t *task.Task) error {
	defer e.gate.Release()

	cur, err := e.store.MarkProcessing(ctx, t.ID, e.now())
	if err != nil {
		e.log.Warn().Str("task", t.ID).Err(err).Msg("run rejected")
		return err
	}

	started := e.now()
	runErr := e.unit(ctx, cur.Clone())
	finished := e.now()
	took := finished.Sub(started)

	if runErr != nil {
		return e.finishFailed(ctx, cur, started, finished, took, runErr)
	}
	return e.finishCompleted(ctx, cur, started, finished, took)
}

func (e *Engine) finishCompleted(ctx context.Context, t *task.Task, started, finished time.Time, took time.Duration) error {
	updated, err := e.store.Complete(ctx, t.ID, finished, took)
	if err != nil {
		e.log.Error().Str("task", t.ID).Err(err).Msg("record completion failed")
		return err
	}

	e.appendHistory(ctx, t.ID, task.ExecutionRecord{
		Outcome:    task.OutcomeSuccess,
		StartedAt:  started,
		FinishedAt: finished,
	})
	e.deliver(ctx, updated)

	e.log.Info().Str("task", t.ID).Dur("took", took).Int("attempts", updated.Attempts).Msg("task completed")

	if updated.IsRecurring && updated.SchedulePattern != "" {
		e.requeue(ctx, updated, finished)
	}
	return nil
}

func (e *Engine) finishFailed(ctx context.Context, t *task.Task, started, finished time.Time, took time.Duration, runErr error) error {
	execErr := &task.ExecutionError{TaskID: t.ID, Err: runErr}

	failed, err := e.store.Fail(ctx, t.ID, finished, took, runErr.Error())
	if err != nil {
		e.log.Error().Str("task", t.ID).Err(err).Msg("record failure failed")
		return execErr
	}

	e.appendHistory(ctx, t.ID, task.ExecutionRecord{
		Outcome:    task.OutcomeFailure,
		StartedAt:  started,
		FinishedAt: finished,
		Error:      runErr.Error(),
	})
	e.deliver(ctx, failed)

	e.log.Warn().Str("task", t.ID).Dur("took", took).Err(runErr).Msg("task failed")
	return execErr
}

// requeue computes the next run instant and returns the task to queued. Seen
// from outside, completed is only a transient marker for a recurring task.
func (e *Engine) requeue(ctx context.Context, t *task.Task, finished time.Time) {
	next, err := schedule.Next(t.SchedulePattern, finished)
	if err != nil {
		e.log.Error().Str("task", t.ID).Str("pattern", t.SchedulePattern).Err(err).Msg("next run computation failed, task stays completed")
		return
	}
	if _, err := e.store.Requeue(ctx, t.ID, next); err != nil {
		if errors.Is(err, task.ErrInvalidStateTransition) {
			e.log.Info().Str("task", t.ID).Msg("requeue skipped, a new run already claimed the task")
			return
		}
		e.log.Error().Str("task", t.ID).Err(err).Msg("requeue failed")
		return
	}
	e.log.Debug().Str("task", t.ID).Time("next_run_at", next).Msg("task requeued")
}

func (e *Engine) appendHistory(ctx context.Context, id string, rec task.ExecutionRecord) {
	if err := e.store.AppendHistory(ctx, id, rec); err != nil {
		e.log.Error().Str("task", id).Err(err).Msg("append history failed")
	}
}

// deliver notifies the sink. Failures are logged only: a lost notification
// never changes task state.
func (e *Engine) deliver(ctx context.Context, t *task.Task) {
	res, err := e.sink.Deliver(ctx, t.Clone())
	if err != nil {
		e.log.Warn().Str("task", t.ID).Int("status", res.StatusCode).Err(err).Msg("notification failed")
	}
}

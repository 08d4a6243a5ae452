// Package gate bounds how many task executions run at once.
package gate

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cronflow/cronflow/internal/task"
)

// Runner executes one admitted task to completion and returns its outcome.
// The matching Release for the admission happens inside the runner.
type Runner func(t *task.Task) error

// Status is a point-in-time view for observability.
type Status struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Gate admits up to maxConcurrent simultaneous executions. Scheduled
// submissions past capacity wait in a FIFO overflow queue; manual submissions
// fail fast instead, so an interactive caller never blocks behind backlog.
type Gate struct {
	log zerolog.Logger

	mu       sync.Mutex
	max      int
	active   int
	overflow []*task.Task
	runner   Runner
}

func New(maxConcurrent int, log zerolog.Logger) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Gate{
		max: maxConcurrent,
		log: log.With().Str("component", "gate").Logger(),
	}
}

// Bind installs the runner. Must be called once before any submission.
func (g *Gate) Bind(r Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runner = r
}

// Submit admits the task if capacity allows, otherwise appends it to the
// overflow queue. Never blocks the caller.
func (g *Gate) Submit(t *task.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.runner == nil {
		g.log.Error().Str("task", t.ID).Msg("submit before runner bound, dropping")
		return
	}
	if g.active < g.max {
		g.active++
		g.launch(t, nil)
		return
	}
	g.overflow = append(g.overflow, t)
	g.log.Debug().Str("task", t.ID).Int("queued", len(g.overflow)).Msg("gate at capacity, task queued")
}

// ManualSubmit admits the task or fails fast with ErrCapacityExceeded while
// the gate is saturated. On admission it returns a handle the caller can wait
// on for the run's outcome.
func (g *Gate) ManualSubmit(t *task.Task) (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.runner == nil {
		return nil, errors.New("gate: no runner bound")
	}
	if g.active >= g.max {
		return nil, task.ErrCapacityExceeded
	}
	g.active++
	h := newHandle()
	g.launch(t, h)
	return h, nil
}

// Release returns one admission slot and admits queued tasks in arrival order
// while capacity lasts. Extra calls are clamped so the count never goes
// negative.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active > 0 {
		g.active--
	}
	for g.active < g.max && len(g.overflow) > 0 {
		t := g.overflow[0]
		g.overflow = g.overflow[1:]
		g.active++
		g.launch(t, nil)
	}
}

func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{Active: g.active, Queued: len(g.overflow), MaxConcurrent: g.max}
}

// launch starts the runner on its own goroutine. Callers hold g.mu.
func (g *Gate) launch(t *task.Task, h *Handle) {
	run := g.runner
	go func() {
		err := run(t)
		if h != nil {
			h.complete(err)
		}
	}()
}

// Handle is the future returned for a manual submission.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) complete(err error) {
	h.err = err
	close(h.done)
}

// Done closes when the run has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the run's outcome. Only valid after Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

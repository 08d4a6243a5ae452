package workunit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronflow/cronflow/internal/task"
)

func TestSimulated_Success(t *testing.T) {
	unit := Simulated(0)

	err := unit(context.Background(), &task.Task{ID: "a"})
	assert.NoError(t, err)
}

func TestSimulated_PayloadFailure(t *testing.T) {
	unit := Simulated(0)

	err := unit(context.Background(), &task.Task{
		ID:      "a",
		Payload: map[string]any{"fail": true, "error": "database gone"},
	})
	require.Error(t, err)
	assert.Equal(t, "database gone", err.Error())

	err = unit(context.Background(), &task.Task{
		ID:      "b",
		Payload: map[string]any{"fail": true},
	})
	require.Error(t, err)
	assert.Equal(t, "simulated failure", err.Error())
}

func TestSimulated_DelayOverride(t *testing.T) {
	unit := Simulated(5 * time.Second)

	start := time.Now()
	err := unit(context.Background(), &task.Task{
		ID:      "a",
		Payload: map[string]any{"delay_ms": 10},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSimulated_HonorsContext(t *testing.T) {
	unit := Simulated(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := unit(ctx, &task.Task{ID: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTimeout(t *testing.T) {
	slow := Func(func(ctx context.Context, tk *task.Task) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	err := WithTimeout(slow, 20*time.Millisecond)(context.Background(), &task.Task{ID: "a"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fast := Func(func(ctx context.Context, tk *task.Task) error { return errors.New("inner") })
	err = WithTimeout(fast, time.Second)(context.Background(), &task.Task{ID: "b"})
	assert.EqualError(t, err, "inner")
}

func TestWithTimeout_ZeroIsPassthrough(t *testing.T) {
	called := false
	fn := Func(func(ctx context.Context, tk *task.Task) error {
		called = true
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline)
		return nil
	})

	require.NoError(t, WithTimeout(fn, 0)(context.Background(), &task.Task{ID: "a"}))
	assert.True(t, called)
}

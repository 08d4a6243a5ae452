// Package workunit defines the operation the engine invokes for each run.
package workunit

import (
	"context"
	"errors"
	"time"

	"github.com/cronflow/cronflow/internal/task"
)

// Func is the injected work unit. The engine treats it as opaque: it only
// observes the returned error and measures the duration.
type Func func(ctx context.Context, t *task.Task) error

// WithTimeout bounds each invocation of fn. The engine itself imposes no
// deadline; any bound lives here, on the work-unit side of the contract.
func WithTimeout(fn Func, d time.Duration) Func {
	if d <= 0 {
		return fn
	}
	return func(ctx context.Context, t *task.Task) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return fn(ctx, t)
	}
}

// Simulated returns the built-in work unit. It sleeps for delay, which the
// payload may override with "delay_ms". A truthy "fail" payload key makes the
// run fail, with "error" as the message when present.
func Simulated(delay time.Duration) Func {
	return func(ctx context.Context, t *task.Task) error {
		d := delay
		if ms, ok := payloadNumber(t.Payload, "delay_ms"); ok && ms >= 0 {
			d = time.Duration(ms) * time.Millisecond
		}

		if d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if fail, _ := t.Payload["fail"].(bool); fail {
			msg := "simulated failure"
			if s, ok := t.Payload["error"].(string); ok && s != "" {
				msg = s
			}
			return errors.New(msg)
		}
		return nil
	}
}

// payloadNumber reads a numeric payload value. JSON decoding yields float64,
// but tests often construct payloads with int literals.
func payloadNumber(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

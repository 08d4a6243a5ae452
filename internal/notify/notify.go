// Package notify delivers run-outcome notifications to an external endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cronflow/cronflow/internal/task"
)

// Result reports what the destination answered. Success means a 2xx status.
type Result struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
}

// Sink delivers a task record after a run. Delivery is at-least-once and
// best-effort: callers log failures, they never escalate them.
type Sink interface {
	Deliver(ctx context.Context, t *task.Task) (Result, error)
}

const maxBodyBytes = 2048

// Webhook POSTs the task record as JSON to a fixed URL. Deliveries share a
// rate limiter so a burst of completions cannot hammer the endpoint.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewWebhook(url string, ratePerSec float64, log zerolog.Logger) *Webhook {
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
		log:     log.With().Str("component", "notify").Logger(),
	}
}

func (w *Webhook) Deliver(ctx context.Context, t *task.Task) (Result, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("notify rate wait: %w", err)
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return Result{}, fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res := Result{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if !res.Success {
		return res, fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}

	w.log.Debug().Str("task", t.ID).Int("status", resp.StatusCode).Msg("notification delivered")
	return res, nil
}

// Nop is the sink used when no webhook is configured.
type Nop struct{}

func (Nop) Deliver(context.Context, *task.Task) (Result, error) {
	return Result{Success: true}, nil
}

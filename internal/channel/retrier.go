package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/convomux/convomux/internal/models"
)

// Retrier wraps an adapter's SendMessage with the shared retry policy.
// The backoff sleeps block only the calling background context (a job
// handler or dispatcher tick), never an inbound request.
type Retrier struct {
	base time.Duration
	// sleep is swappable so tests run without real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a Retrier with the given backoff base. A non-positive
// base falls back to DefaultBackoffBase.
func NewRetrier(base time.Duration) *Retrier {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return &Retrier{base: base, sleep: sleepCtx}
}

// Send attempts delivery through the adapter, retrying transient failures
// per RetryDecision. Permanent failures return immediately. Exhausting the
// attempt limit returns a terminal error wrapping the last underlying one;
// the wrapped error keeps its transient classification so callers can still
// distinguish "gave up retrying" from "must not retry".
func (r *Retrier) Send(ctx context.Context, a Adapter, recipient, content string, media []string) (*models.DeliveryReceipt, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		receipt, err := a.SendMessage(ctx, recipient, content, media)
		if err == nil {
			if attempt > 1 {
				slog.Debug("Retrier.Send: delivery succeeded after retry", "channel", a.Type(), "attempt", attempt)
			}
			return receipt, nil
		}
		lastErr = err

		delay, retry := RetryDecision(err, attempt, r.base)
		if !retry {
			if attempt >= MaxSendAttempts {
				slog.Warn("Retrier.Send: attempts exhausted", "channel", a.Type(), "recipient", recipient, "attempts", attempt, "error", err)
				return nil, fmt.Errorf("delivery failed after %d attempts: %w", attempt, lastErr)
			}
			slog.Warn("Retrier.Send: non-retryable failure", "channel", a.Type(), "recipient", recipient, "error", err)
			return nil, err
		}

		slog.Debug("Retrier.Send: retrying after backoff", "channel", a.Type(), "attempt", attempt, "delay", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("delivery aborted during backoff: %w", lastErr)
		}
	}
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy wraps an operation with bounded retries and exponential
// backoff. Only errors whose Kind is in Transient are retried; everything
// else propagates immediately.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 behave as 1 (no retry).
	MaxAttempts int
	// InitialDelay is the wait after the first failed attempt. Default: 500ms.
	InitialDelay time.Duration
	// Multiplier scales the delay each attempt (delay * multiplier^attempt).
	// Default: 2.
	Multiplier float64
	// Transient is the set of error kinds considered retryable. If nil,
	// IsTransient decides.
	Transient map[Kind]bool
	// Logger logs retry attempts. Nil means silent retries.
	Logger *slog.Logger
}

func (p *RetryPolicy) defaults() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
}

func (p *RetryPolicy) retryable(k Kind) bool {
	if p.Transient != nil {
		return p.Transient[k]
	}
	return IsTransient(k)
}

// Do runs op, retrying transient failures. It respects context cancellation
// between attempts and returns the last error on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p.defaults()

	var lastErr error
	delay := p.InitialDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if !p.retryable(KindOf(lastErr)) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "retrying operation",
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"backoff_ms", delay.Milliseconds(),
				"error", lastErr)
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return lastErr
}

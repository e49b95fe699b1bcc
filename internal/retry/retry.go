// Package retry runs an operation a bounded number of times.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the maximum number of calls, including the first one.
	Attempts int
	// Delay is the pause before the second attempt.
	Delay time.Duration
	// Multiplier grows Delay after every failed attempt. Values below 1 keep
	// the delay fixed.
	Multiplier float64
}

// Error is returned when every attempt failed.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Do calls fn until it succeeds, the policy is exhausted or ctx is done.
// fn receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.Attempts, 1)
	delay := p.Delay

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		slog.DebugContext(ctx, "retrying", "op", op, "attempt", attempt, "delay", delay, "error", last)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}

	return &Error{Op: op, Attempts: attempts, Err: last}
}

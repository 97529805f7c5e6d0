// Package constraints tracks the execution-wide deadline of a reliable call.
package constraints

import (
	"context"
	"fmt"
	"time"
)

// TotalTimeoutError is returned when a call outlives its total timeout.
type TotalTimeoutError struct {
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TotalTimeoutError) Error() string {
	return fmt.Sprintf("total timeout of %s exceeded after %s", e.Timeout, e.Elapsed.Round(time.Millisecond))
}

// Constraints holds the start time and total timeout of one execution. A
// zero timeout means no deadline.
type Constraints struct {
	timeout   time.Duration
	startedAt time.Time
	now       func() time.Time
}

// Option configures Constraints.
type Option func(*Constraints)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Constraints) { c.now = now }
}

// New starts the clock for an execution.
func New(timeout time.Duration, opts ...Option) *Constraints {
	c := &Constraints{timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = c.now()
	return c
}

func (c *Constraints) Timeout() time.Duration { return c.timeout }
func (c *Constraints) StartedAt() time.Time   { return c.startedAt }

// Deadline returns the absolute deadline, or the zero time when there is no
// timeout.
func (c *Constraints) Deadline() time.Time {
	if c.timeout <= 0 {
		return time.Time{}
	}
	return c.startedAt.Add(c.timeout)
}

func (c *Constraints) Elapsed() time.Duration {
	return c.now().Sub(c.startedAt)
}

// Remaining returns the time left before the deadline. ok is false when
// there is no timeout.
func (c *Constraints) Remaining() (time.Duration, bool) {
	if c.timeout <= 0 {
		return 0, false
	}
	left := c.timeout - c.Elapsed()
	if left < 0 {
		left = 0
	}
	return left, true
}

func (c *Constraints) TimeoutExceeded() bool {
	return c.timeout > 0 && c.Elapsed() >= c.timeout
}

// Enforce returns a *TotalTimeoutError once the deadline has passed.
func (c *Constraints) Enforce() error {
	if !c.TimeoutExceeded() {
		return nil
	}
	return &TotalTimeoutError{Timeout: c.timeout, Elapsed: c.Elapsed()}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sleep waits for d, cut short at the deadline, then enforces the deadline.
// A cancelled context returns the context's error.
func (c *Constraints) Sleep(ctx context.Context, d time.Duration, sleep SleepFunc) error {
	if sleep == nil {
		sleep = Sleep
	}
	if err := c.Enforce(); err != nil {
		return err
	}
	if left, ok := c.Remaining(); ok && left < d {
		d = left
	}
	if err := sleep(ctx, d); err != nil {
		return err
	}
	return c.Enforce()
}

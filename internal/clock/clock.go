// Package clock abstracts wall time so lifecycle timing (fill deadlines,
// settle delays, liquidation waits) can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock provides the current time and context-aware sleeping. Every blocking
// wait in the trade lifecycle goes through a Clock so shutdown cancellation
// interrupts it.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the production clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fake is a manually-advanced clock for tests. Sleep returns immediately
// after advancing the fake time, so timing-heavy loops run instantly while
// still observing the same sequence of instants they would in production.
type Fake struct {
	now time.Time
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time { return f.now }

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}

// Advance moves the fake clock forward without a sleep.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

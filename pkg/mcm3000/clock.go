package mcm3000

import (
	"context"
	"time"
)

// Clock abstracts time for the polling loops so tests can run them without
// real delays and callers can cancel a blocking wait.
type Clock interface {
	Now() time.Time
	// Sleep pauses for d or until ctx is cancelled, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines run.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// PingCheck wraps a connectivity probe such as pgxpool.Pool.Ping.
func PingCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// BacklogCheck fails when count reports more than max outstanding items,
// for example sales still waiting for their line items.
func BacklogCheck(what string, count func(ctx context.Context) (int64, error), max int64) CheckFunc {
	return func(ctx context.Context) error {
		n, err := count(ctx)
		if err != nil {
			return errors.Wrapf(err, "count %s", what)
		}
		if n > max {
			return errors.Errorf("%d %s exceed limit %d", n, what, max)
		}
		return nil
	}
}

// StalenessCheck fails when last reports a time older than maxAge. A zero
// time counts as fresh so the check passes before the first run.
func StalenessCheck(what string, last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(_ context.Context) error {
		t := last()
		if t.IsZero() {
			return nil
		}
		if age := time.Since(t); age > maxAge {
			return errors.Errorf("%s last ran %s ago", what, age.Round(time.Second))
		}
		return nil
	}
}

package reliability

import (
	"context"
	"time"
)

// WithTimeout executes fn with a bounded context derived from parent.
// If fn does not return before the timeout, the context error is
// returned and fn is left to unwind on its own (its context is done).
func WithTimeout(parent context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

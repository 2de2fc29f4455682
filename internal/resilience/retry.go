package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransientError marks a read failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type RetryPolicy struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	Backoff time.Duration
}

// Retry re-runs fn on transient errors with linear backoff. Only read paths use it.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var (
		res T
		err error
	)
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(p.Backoff * time.Duration(attempt)):
			}
		}
		res, err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return res, err
		}
	}
	return res, err
}

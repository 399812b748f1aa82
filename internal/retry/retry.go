// Package retry runs fallible remote calls with a bounded number of retries and a
// constant delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default policy used around content generation: 3 retries, 5 s apart.
const (
	DefaultRetries = 3
	DefaultDelay   = 5 * time.Second
)

// ErrRetryExhausted is returned (wrapping the last error) when every attempt failed.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// Policy describes how many times an operation is retried and how long to wait in between.
type Policy struct {
	Retries int           // retries after the first attempt; negative values count as 0
	Delay   time.Duration // constant wait between attempts
	Name    string        // used in log lines
}

// Default returns the 3 x 5 s policy.
func Default(name string) Policy {
	return Policy{Retries: DefaultRetries, Delay: DefaultDelay, Name: name}
}

// None returns a policy that makes exactly one attempt.
func None(name string) Policy {
	return Policy{Name: name}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do stops retrying and returns it unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do invokes op until it succeeds, returns a permanent error, the context is done,
// or the policy's retries are used up. op is called at most Retries+1 times.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	retries := max(p.Retries, 0)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		v, err := op(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Debug("retry.Do: succeeded after retry", "op", p.Name, "attempt", attempt+1)
			}
			return v, nil
		}
		lastErr = err

		if IsPermanent(err) {
			var perm *permanentError
			errors.As(err, &perm)
			return zero, perm.err
		}
		if attempt == retries {
			break
		}

		slog.Warn("retry.Do: attempt failed, retrying", "op", p.Name, "attempt", attempt+1, "retriesLeft", retries-attempt, "delay", p.Delay, "error", err)
		if err := wait(ctx, p.Delay); err != nil {
			return zero, fmt.Errorf("%s: retry aborted: %w", p.Name, errors.Join(err, lastErr))
		}
	}

	slog.Error("retry.Do: attempts exhausted", "op", p.Name, "attempts", retries+1, "error", lastErr)
	return zero, fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr)
}

func wait(ctx context.Context, d time.Duration) error {
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

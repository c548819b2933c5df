package query

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/l0p7/querykit/internal/client"
)

const (
	// DefaultMaxRetries is the retry ceiling for reads.
	DefaultMaxRetries = 2
	// DefaultBackoffBase is the first retry delay.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap bounds every retry delay.
	DefaultBackoffCap = 30 * time.Second
)

// RetryPolicy decides whether a failed fetch is attempted again. failures
// counts the attempts that have failed so far, starting at 1.
type RetryPolicy interface {
	ShouldRetry(failures int, err error) bool
}

// RetryFunc adapts a function to RetryPolicy.
type RetryFunc func(failures int, err error) bool

// ShouldRetry implements RetryPolicy.
func (f RetryFunc) ShouldRetry(failures int, err error) bool { return f(failures, err) }

// NoRetry never retries.
var NoRetry RetryPolicy = RetryFunc(func(int, error) bool { return false })

// DefaultRetry retries retryable failures up to MaxRetries times.
type DefaultRetry struct {
	MaxRetries int
}

// ShouldRetry implements RetryPolicy.
func (p DefaultRetry) ShouldRetry(failures int, err error) bool {
	if failures > p.MaxRetries {
		return false
	}
	return Retryable(err)
}

// Retryable reports whether err may succeed on a later attempt without any
// external change. 401, 403 and 404 responses, undecodable bodies and
// cancellations are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
		return false
	}
	var decodeErr *client.DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	switch client.StatusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false
	}
	return true
}

// Ceiling caps another policy at a fixed number of retries.
func Ceiling(max int, inner RetryPolicy) RetryPolicy {
	return RetryFunc(func(failures int, err error) bool {
		if failures > max {
			return false
		}
		return inner.ShouldRetry(failures, err)
	})
}

// Backoff yields the delay before a retry. retry is zero-based.
type Backoff interface {
	Delay(retry int) time.Duration
}

// ExponentialBackoff doubles Base for each retry and never exceeds Cap.
type ExponentialBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff returns the 1s doubling backoff capped at 30s.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}
}

// Delay implements Backoff.
func (b ExponentialBackoff) Delay(retry int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	delay := b.Base
	for i := 0; i < retry; i++ {
		if b.Cap > 0 && delay >= b.Cap {
			break
		}
		if delay > time.Duration(1<<62) {
			break
		}
		delay *= 2
	}
	if b.Cap > 0 && delay > b.Cap {
		return b.Cap
	}
	return delay
}

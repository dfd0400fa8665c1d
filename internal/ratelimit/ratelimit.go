// Package ratelimit provides a blocking token-bucket limiter for gating
// outbound API calls.
package ratelimit

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrInvalidRPS is returned when a limiter is constructed with a non-positive rate.
var ErrInvalidRPS = errors.New("ratelimit: requests-per-second must be positive")

type (
	// Limiter gates outbound calls to a single logical rate.
	//
	// One Limiter is shared by every goroutine pulling pages for a given
	// API client; refill is derived from monotonic time rather than a
	// background ticker, so Acquire is safe for concurrent callers.
	Limiter interface {
		// Acquire blocks until a token is available or ctx is done.
		Acquire(ctx context.Context) error
	}

	// TokenBucket implements Limiter on top of golang.org/x/time/rate.
	//
	// Capacity equals the configured requests-per-second: a caller can
	// burst up to one second's worth of tokens before blocking, matching
	// a single logical bucket refilled continuously at that rate.
	TokenBucket struct {
		limiter *rate.Limiter
	}
)

// New creates a TokenBucket with capacity and refill rate both set to rps.
func New(rps int) (*TokenBucket, error) {
	if rps <= 0 {
		return nil, ErrInvalidRPS
	}

	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// Acquire blocks until one token is available, computing the wait from
// the bucket's current fractional balance rather than a fixed interval.
func (t *TokenBucket) Acquire(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

package ws

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls reconnection after the connection drops.
type Policy struct {
	// MaxAttempts is the number of dial attempts per reconnection.
	// Zero disables reconnection.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy returns 5 attempts between 1s and 5s apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
	}
}

// backOff returns a schedule allowing attempts dials in total.
func (p Policy) backOff(ctx context.Context, attempts int) backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	retries := 0
	if attempts > 1 {
		retries = attempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

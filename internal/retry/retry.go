// Package retry wraps collaborator calls in bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Second
)

// Policy bounds the number of retries and sets the first wait.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, InitialBackoff: DefaultInitialBackoff}
}

// Notify is called before every wait with the failed attempt's error.
type Notify func(err error, wait time.Duration)

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the retries are
// exhausted, or ctx is done. Waits double from InitialBackoff.
func Do(ctx context.Context, p Policy, notify Notify, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
	if notify == nil {
		return backoff.Retry(op, policy)
	}
	return backoff.RetryNotify(op, policy, backoff.Notify(notify))
}

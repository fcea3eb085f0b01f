package trade

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// RetryPolicy bounds retries around exchange order submission.
type RetryPolicy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
	Jitter   bool
}

// DefaultRetryPolicy retries order submission up to 3 times with a fixed
// one second pause, matching exchange rate-limit recovery.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Min:      time.Second,
		Max:      time.Second,
		Factor:   1,
	}
}

// Do runs fn until it succeeds, attempts are exhausted or ctx is cancelled.
// The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: p.Factor,
		Jitter: p.Jitter,
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

package loader

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry runs op, retrying with capped exponential backoff while transient
// classifies the failure as worth another attempt. Five attempts at most;
// every other error surfaces immediately.
func Retry(ctx context.Context, transient func(error) bool, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil || transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx))
}

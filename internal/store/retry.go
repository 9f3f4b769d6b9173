// ABOUTME: Bounded exponential-backoff retry for operations that hit ErrStoreBusy
// ABOUTME: Non-busy errors stop the retry immediately

package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBusyRetries bounds RetryBusy.
const DefaultBusyRetries = 5

// RetryBusy calls fn until it succeeds, fails with something other than
// ErrStoreBusy, ctx ends, or DefaultBusyRetries retries are spent.
func RetryBusy(ctx context.Context, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond

	b := backoff.WithContext(backoff.WithMaxRetries(eb, DefaultBusyRetries), ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil || errors.Is(err, ErrStoreBusy) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

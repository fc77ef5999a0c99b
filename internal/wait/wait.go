// Package wait holds the bounded polling and retry helpers shared by every wait
// site in gamevm. No wait in gamevm is unbounded.
package wait

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
)

// Until polls condition immediately and then every interval until it returns
// true, the timeout elapses or ctx is cancelled. Expiry yields a KindTimeout
// error naming description.
func Until(ctx context.Context, timeout, interval time.Duration, description string, condition func(context.Context) bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if condition(ctx) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return apperrors.Wrapf(ctx.Err(), apperrors.KindInternal, "interrupted while waiting for %s", description)
			}
			return apperrors.Errorf(apperrors.KindTimeout, "timed out after %s waiting for %s", timeout, description)
		case <-ticker.C:
			if condition(ctx) {
				return nil
			}
		}
	}
}

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetry is used for transient transport failures: three attempts with
// 5s, then 10s between them.
var DefaultRetry = RetryPolicy{Attempts: 3, Base: 5 * time.Second}

// Retry runs op until it succeeds, returns a non-transient error, or the
// attempts are exhausted. Delays double from p.Base. onRetry, if non-nil, is
// told about each failed attempt before sleeping.
func Retry(ctx context.Context, p RetryPolicy, transient func(error) bool, onRetry func(err error, next time.Duration), op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = p.Base << max(p.Attempts, 1)
	eb.MaxElapsedTime = 0

	attempts := max(p.Attempts, 1)
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	wrapped := func() error {
		err := op()
		if err != nil && transient != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(wrapped, b, onRetry)
}

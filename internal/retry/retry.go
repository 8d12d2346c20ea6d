// Package retry implements the bounded Conflict-retry loop the external
// interface's error handling design calls for: optimistic concurrency
// losses are retried with jittered backoff up to a configured attempt
// count; any other error kind aborts immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/infrastructure/resilience"
)

// OnConflict runs fn, retrying only errors.IsConflict failures with
// jittered exponential backoff, up to maxAttempts total attempts.
func OnConflict(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	cfg := resilience.RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0.3,
	}
	return resilience.Retry(ctx, cfg, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if svcerrors.IsConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	})
}

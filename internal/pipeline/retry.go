package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zombor/receipt-ledger/internal/errs"
	"github.com/zombor/receipt-ledger/pkg/logger"
)

// retry runs fn with exponential backoff until it succeeds, returns a
// non-retryable error, or RetryAttempts calls have been made. Each call
// gets its own AttemptTimeout.
func (o *Orchestrator) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.RetryAttempts-1)), ctx)

	attempt := 0
	call := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.FromContext(ctx).Warn("Retrying external call",
			"op", op,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	return backoff.RetryNotify(call, policy, notify)
}

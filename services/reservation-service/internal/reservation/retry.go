package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/md-rashed-zaman/slotkeeper/services/reservation-service/internal/model"
)

// RetryPolicy bounds how often a unit of work is re-run after the store was unavailable.
// Business outcomes such as a lost slot race are never retried.
type RetryPolicy struct {
	MaxAttempts     int
	AttemptTimeout  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 2 * time.Second
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = time.Second
	}
	return p
}

// run executes fn in one unit of work per attempt. Each attempt is rolled back completely on failure,
// so fn must rebuild its results from scratch.
func (c *Coordinator) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialInterval
	bo.MaxInterval = c.retry.MaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.AttemptTimeout)
		defer cancel()

		err := c.store.WithTx(attemptCtx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(ctx, err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.WarnContext(ctx, "store unavailable, retrying", "op", op, "attempt", attempt, "err", err)
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.retry.MaxAttempts)))

	if err != nil && retryable(ctx, err) && !errors.Is(err, model.ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, model.ErrStorageUnavailable, err)
	}
	return err
}

// retryable reports storage unavailability or an attempt timeout while the caller is still waiting.
func retryable(ctx context.Context, err error) bool {
	if errors.Is(err, model.ErrStorageUnavailable) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

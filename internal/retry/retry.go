// Package retry runs chain operations with bounded exponential backoff.
// Only transient failures are retried.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/bchip17/co/internal/chain"
	"github.com/bchip17/co/internal/metrics"
)

// Policy bounds retries of one operation.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OpTimeout bounds each attempt. Zero means no per-attempt bound.
	OpTimeout time.Duration
	// Retryable decides which errors are retried (default: chain.IsTransient).
	Retryable func(error) bool
	Logger    *slog.Logger
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		OpTimeout:      5 * time.Minute,
	}
}

// Do runs op until it succeeds, fails permanently or exhausts the policy.
// The error of the last attempt is returned. Cancelling ctx stops retrying.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = chain.IsTransient
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}

	attempt := func() (T, error) {
		attemptCtx := ctx
		if p.OpTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.OpTimeout)
			defer cancel()
		}

		res, err := op(attemptCtx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, wait time.Duration) {
		metrics.CountRetry(name)
		logger.Warn("retrying operation",
			slog.String("op", name),
			slog.String("class", chain.ClassName(err)),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	}

	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, name string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

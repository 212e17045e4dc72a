package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cuemby/floodgate/pkg/metrics"
)

// withRetry runs fn, retrying transient failures with full-jitter
// exponential backoff until the gateway's retry deadline is spent.
// ErrConflict and ErrItemExists pass through untouched; the callers own
// those.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	deadline := g.clock().Add(g.retryDeadline)
	delay := g.retryBase

	for attempt := 0; ; attempt++ {
		start := g.clock()
		err := fn(ctx)
		metrics.StoreOperationDuration.WithLabelValues(op).Observe(g.clock().Sub(start).Seconds())
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrItemExists) {
			return err
		}
		if !isTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		if g.clock().Add(sleep).After(deadline) {
			return err
		}
		metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
		g.logger.Debug().Str("operation", op).Int("attempt", attempt+1).
			Dur("sleep", sleep).Err(err).Msg("retrying transient store error")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > g.retryCap {
			delay = g.retryCap
		}
	}
}

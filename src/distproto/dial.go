package distproto

import (
	"context"
	"time"

	"github.com/kilnforge/buildcore/src/builderrors"
)

// dialRetryBudget and the backoff schedule mirror the scheduler's own
// runWithRetry constants (src/scheduler/scheduler.go): a handful of
// attempts with a capped exponential backoff is the same shape §4.12 asks
// for ("bounded exponential-backoff retry") for the transport layer.
const (
	dialRetryBudget = 4
	dialRetryBase   = 50 * time.Millisecond
	dialRetryCap    = 2 * time.Second
)

// DialWithRetry calls pool.Get repeatedly with a capped exponential backoff
// until it succeeds, ctx is cancelled, or the retry budget is exhausted.
// Only NetworkError is retried; anything else is returned immediately.
func DialWithRetry(ctx context.Context, pool *Pool, address string) (*Conn, error) {
	backoff := dialRetryBase
	var lastErr error
	for attempt := 0; attempt <= dialRetryBudget; attempt++ {
		conn, err := pool.Get(ctx, address)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if builderrors.KindOf(err) != builderrors.NetworkError {
			return nil, err
		}
		if attempt == dialRetryBudget {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > dialRetryCap {
			backoff = dialRetryCap
		}
	}
	return nil, builderrors.Wrap(builderrors.NetworkError, lastErr, "dialing %s exhausted retry budget", address)
}

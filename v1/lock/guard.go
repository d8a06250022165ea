package lock

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const defaultReleaseTimeout = 10 * time.Second

type guardOptions struct {
	signals        []os.Signal
	releaseTimeout time.Duration
}

// GuardOption configures WithLock.
type GuardOption func(*guardOptions)

// WithSignals replaces the signals that cancel the guarded function
// (SIGINT and SIGTERM by default). Calling it with no signals disables
// signal handling.
func WithSignals(sigs ...os.Signal) GuardOption {
	return func(o *guardOptions) {
		o.signals = sigs
	}
}

// WithReleaseTimeout bounds the release performed when the guarded function
// returns.
func WithReleaseTimeout(d time.Duration) GuardOption {
	return func(o *guardOptions) {
		o.releaseTimeout = d
	}
}

// WithLock acquires key with c and runs fn while holding it. If the lock
// cannot be acquired within timeout it returns (false, nil) and fn is not
// called; acquisition errors are returned as-is.
//
// The release is registered only once the lock is held and runs on every
// exit path: normal return, error, cancellation of ctx, a termination signal
// (which cancels the context passed to fn) and panics, which continue
// unwinding after the release. The release uses a context that outlives the
// cancellation but is bounded by the release timeout.
func WithLock(ctx context.Context, c *Client, key string, timeout, retryInterval time.Duration, fn func(ctx context.Context) error, opts ...GuardOption) (bool, error) {
	o := guardOptions{
		signals:        []os.Signal{os.Interrupt, syscall.SIGTERM},
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if len(o.signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, o.signals...)
		defer stop()
	}

	ok, err := c.Acquire(ctx, key, timeout, retryInterval)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.releaseTimeout)
		defer cancel()
		c.Release(rctx)
	}()

	return true, fn(ctx)
}

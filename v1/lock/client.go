package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Borealin/pick-runner-action/v1/adapter"
	warperrors "github.com/Borealin/pick-runner-action/v1/errors"
	"github.com/Borealin/pick-runner-action/v1/metrics"
)

var tracer = otel.Tracer("github.com/Borealin/pick-runner-action/v1/lock")

const (
	// DefaultTimeout bounds Acquire when no timeout is given.
	DefaultTimeout = 5 * time.Minute
	// DefaultRetryInterval is the backoff between attempts on a held lock.
	DefaultRetryInterval = 3 * time.Second

	refNamespace = "mutex/"
)

// ErrAlreadyAcquired is returned by Acquire on a Client that already holds,
// or is acquiring, a lock. Locks are not reentrant.
var ErrAlreadyAcquired = errors.New("lock: client already holds or is acquiring a lock")

// RefName returns the store record name for key.
func RefName(key string) string { return refNamespace + key }

// State is the client-side view of the lock.
type State int32

const (
	StateUnacquired State = iota
	StateAcquiring
	StateAcquired
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateUnacquired:
		return "unacquired"
	case StateAcquiring:
		return "acquiring"
	case StateAcquired:
		return "acquired"
	case StateReleasing:
		return "releasing"
	}
	return "unknown"
}

// Client acquires and releases a single lock against a RefStore. A Client
// holds at most one lock at a time and must not be shared between
// independent callers.
type Client struct {
	store      adapter.RefStore
	clock      Clock
	logger     *zap.Logger
	workflowID string
	jobID      string

	mu     sync.Mutex
	state  State
	key    string
	holder string
	since  time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHolder sets the workflow and job recorded in the lock metadata.
func WithHolder(workflowID, jobID string) Option {
	return func(c *Client) {
		c.workflowID = workflowID
		c.jobID = jobID
	}
}

// NewClient returns an unacquired Client on store.
func NewClient(store adapter.RefStore, opts ...Option) *Client {
	c := &Client{
		store:  store,
		clock:  realClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state of the client.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Held reports whether the client currently holds its lock.
func (c *Client) Held() bool { return c.State() == StateAcquired }

// Key returns the key of the held lock, or "" when none is held.
func (c *Client) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Acquire tries to create the lock record for key until timeout elapses,
// sleeping retryInterval between attempts while the lock is held by someone
// else. A held record older than DefaultTTL is deleted and the create retried
// at once. Non-positive durations select DefaultTimeout and
// DefaultRetryInterval.
//
// It returns (false, nil) when the timeout elapses; callers should fall back
// to another resource. Store errors other than contention are returned
// unchanged without retrying. Cancelling ctx interrupts the backoff sleep.
func (c *Client) Acquire(ctx context.Context, key string, timeout, retryInterval time.Duration) (acquired bool, err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	c.mu.Lock()
	if c.state != StateUnacquired {
		c.mu.Unlock()
		return false, ErrAlreadyAcquired
	}
	c.state = StateAcquiring
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Client.Acquire", trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.Int64("lock.timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	name := RefName(key)
	holder := uuid.NewString()
	start := c.clock.Now()
	log := c.logger.With(zap.String("key", key), zap.String("holder", holder))
	conflicts := 0

	defer func() {
		waited := c.clock.Now().Sub(start)
		span.SetAttributes(attribute.Int("lock.conflicts", conflicts), attribute.Bool("lock.acquired", acquired))
		switch {
		case err != nil:
			c.setState(StateUnacquired)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.AcquireCounter.WithLabelValues("error").Inc()
			log.Error("lock acquisition failed", zap.Error(err), zap.Int("conflicts", conflicts))
		case acquired:
			metrics.AcquireCounter.WithLabelValues("acquired").Inc()
			metrics.AcquireWait.Observe(waited.Seconds())
			metrics.HeldGauge.Inc()
			log.Info("lock acquired", zap.Duration("waited", waited), zap.Int("conflicts", conflicts))
		default:
			c.setState(StateUnacquired)
			metrics.AcquireCounter.WithLabelValues("timeout").Inc()
			log.Info("lock acquisition timed out", zap.Duration("waited", waited), zap.Int("conflicts", conflicts))
		}
	}()

	for c.clock.Now().Sub(start) < timeout {
		err := c.store.Create(ctx, name, c.metadata(holder))
		if err == nil {
			c.mu.Lock()
			c.state = StateAcquired
			c.key = key
			c.holder = holder
			c.since = c.clock.Now()
			c.mu.Unlock()
			return true, nil
		}
		if !errors.Is(err, warperrors.ErrAlreadyExists) {
			return false, err
		}

		conflicts++
		metrics.ConflictCounter.Inc()
		log.Debug("lock held by another holder", zap.Int("attempt", conflicts))

		retryNow, err := c.reclaimExpired(ctx, name, log)
		if err != nil {
			return false, err
		}
		if retryNow {
			continue
		}
		if err := c.clock.Sleep(ctx, retryInterval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// reclaimExpired inspects the existing record and deletes it when expired. It
// reports whether the create should be retried without sleeping.
func (c *Client) reclaimExpired(ctx context.Context, name string, log *zap.Logger) (bool, error) {
	rec, err := c.store.Read(ctx, name)
	if errors.Is(err, warperrors.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !IsExpired(rec, DefaultTTL, c.clock.Now()) {
		return false, nil
	}

	err = c.deleteHeldBy(ctx, name, rec.Metadata.Holder)
	if err != nil && !errors.Is(err, warperrors.ErrNotFound) {
		return false, err
	}
	if err == nil {
		metrics.ReclaimCounter.Inc()
		log.Info("reclaimed expired lock",
			zap.String("previous_holder", rec.Metadata.Holder),
			zap.String("previous_workflow", rec.Metadata.WorkflowID),
			zap.String("previous_job", rec.Metadata.JobID),
			zap.Time("created_at", rec.CreatedAt))
	}
	return true, nil
}

// deleteHeldBy deletes name only while it belongs to holder when the store
// supports it, and unconditionally otherwise.
func (c *Client) deleteHeldBy(ctx context.Context, name, holder string) error {
	if cad, ok := c.store.(adapter.CompareAndDeleter); ok && holder != "" {
		return cad.CompareAndDelete(ctx, name, holder)
	}
	return c.store.Delete(ctx, name)
}

func (c *Client) metadata(holder string) adapter.Metadata {
	m := adapter.Metadata{
		WorkflowID:  c.workflowID,
		JobID:       c.jobID,
		CreatedAtMs: c.clock.Now().UnixMilli(),
		Holder:      holder,
	}
	m.ContentHash = m.Hash()
	return m
}

// Release deletes the held lock record. It is a no-op when nothing is held
// and never panics or returns an error: failures are logged and the client
// stays acquired so Release may be retried. A record that is already gone,
// for example reclaimed after expiry, counts as released.
func (c *Client) Release(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateAcquired {
		c.mu.Unlock()
		return
	}
	c.state = StateReleasing
	key, holder, since := c.key, c.holder, c.since
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "Client.Release", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()
	log := c.logger.With(zap.String("key", key), zap.String("holder", holder))

	defer func() {
		if r := recover(); r != nil {
			c.setState(StateAcquired)
			metrics.ReleaseCounter.WithLabelValues("error").Inc()
			log.Error("lock release panicked", zap.Any("panic", r))
		}
	}()

	err := c.deleteHeldBy(ctx, RefName(key), holder)
	switch {
	case err == nil:
		metrics.ReleaseCounter.WithLabelValues("released").Inc()
		log.Info("lock released", zap.Duration("held", c.clock.Now().Sub(since)))
	case errors.Is(err, warperrors.ErrNotFound):
		metrics.ReleaseCounter.WithLabelValues("absent").Inc()
		log.Warn("lock record already gone on release", zap.Duration("held", c.clock.Now().Sub(since)))
	default:
		c.setState(StateAcquired)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		log.Warn("lock release failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.state = StateUnacquired
	c.key = ""
	c.holder = ""
	c.mu.Unlock()
	metrics.HeldGauge.Dec()
}

package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Borealin/pick-runner-action/v1/adapter"
	warperrors "github.com/Borealin/pick-runner-action/v1/errors"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  int
	onSleep func(now time.Time)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) Sleeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleeps
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.sleeps++
	now, hook := f.now, f.onSleep
	f.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return nil
}

// countingStore records the calls made to the wrapped store.
type countingStore struct {
	inner adapter.RefStore

	mu        sync.Mutex
	creates   int
	conflicts int
	deletes   int
	reads     int
	createErr error
	readErr   error
	deleteErr error
}

func (s *countingStore) Create(ctx context.Context, name string, meta adapter.Metadata) error {
	s.mu.Lock()
	s.creates++
	createErr := s.createErr
	s.mu.Unlock()
	if createErr != nil {
		return createErr
	}
	err := s.inner.Create(ctx, name, meta)
	if errors.Is(err, warperrors.ErrAlreadyExists) {
		s.mu.Lock()
		s.conflicts++
		s.mu.Unlock()
	}
	return err
}

func (s *countingStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	s.deletes++
	deleteErr := s.deleteErr
	s.mu.Unlock()
	if deleteErr != nil {
		return deleteErr
	}
	return s.inner.Delete(ctx, name)
}

func (s *countingStore) CompareAndDelete(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	s.deletes++
	deleteErr := s.deleteErr
	s.mu.Unlock()
	if deleteErr != nil {
		return deleteErr
	}
	return s.inner.(adapter.CompareAndDeleter).CompareAndDelete(ctx, name, holder)
}

func (s *countingStore) Read(ctx context.Context, name string) (adapter.Record, error) {
	s.mu.Lock()
	s.reads++
	readErr := s.readErr
	s.mu.Unlock()
	if readErr != nil {
		return adapter.Record{}, readErr
	}
	return s.inner.Read(ctx, name)
}

func (s *countingStore) counts() (creates, conflicts, deletes, reads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates, s.conflicts, s.deletes, s.reads
}

func newFakeEnv() (*fakeClock, *adapter.InMemoryStore) {
	fc := newFakeClock()
	return fc, adapter.NewInMemoryStore(adapter.WithClock(fc.Now))
}

func TestAcquireRelease(t *testing.T) {
	fc, store := newFakeEnv()
	c := NewClient(store, WithClock(fc), WithHolder("deploy", "build"))
	ctx := context.Background()

	ok, err := c.Acquire(ctx, "deploy-runner", time.Second, 100*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if !c.Held() || c.Key() != "deploy-runner" || c.State() != StateAcquired {
		t.Fatalf("unexpected client state %v key %q", c.State(), c.Key())
	}
	rec, err := store.Read(ctx, "mutex/deploy-runner")
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if rec.Metadata.WorkflowID != "deploy" || rec.Metadata.JobID != "build" {
		t.Fatalf("unexpected metadata %+v", rec.Metadata)
	}
	if rec.Metadata.Holder == "" || rec.Metadata.ContentHash != rec.Metadata.Hash() {
		t.Fatalf("metadata missing holder or hash: %+v", rec.Metadata)
	}
	if rec.Metadata.CreatedAtMs != fc.Now().UnixMilli() {
		t.Fatalf("expected reported time %d, got %d", fc.Now().UnixMilli(), rec.Metadata.CreatedAtMs)
	}

	c.Release(ctx)
	if c.Held() || c.Key() != "" {
		t.Fatalf("expected released client, state %v key %q", c.State(), c.Key())
	}
	if _, err := store.Read(ctx, "mutex/deploy-runner"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected record deleted, got %v", err)
	}

	if ok, err := c.Acquire(ctx, "deploy-runner", time.Second, 100*time.Millisecond); err != nil || !ok {
		t.Fatalf("re-acquire after release: ok %v err %v", ok, err)
	}
}

func TestAcquireIsNotReentrant(t *testing.T) {
	fc, store := newFakeEnv()
	counting := &countingStore{inner: store}
	c := NewClient(counting, WithClock(fc))
	ctx := context.Background()

	if ok, err := c.Acquire(ctx, "k", time.Second, time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	ok, err := c.Acquire(ctx, "k", time.Second, time.Second)
	if !errors.Is(err, ErrAlreadyAcquired) || ok {
		t.Fatalf("expected ErrAlreadyAcquired, got ok %v err %v", ok, err)
	}
	if creates, _, _, _ := counting.counts(); creates != 1 {
		t.Fatalf("second acquire must not touch the store, creates %d", creates)
	}
	if !c.Held() {
		t.Fatal("first acquisition must survive the rejected call")
	}
}

func TestMutualExclusionWithoutRelease(t *testing.T) {
	store := adapter.NewInMemoryStore()
	const n = 8
	var winners atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			c := NewClient(store)
			ok, err := c.Acquire(ctx, "shared", 100*time.Millisecond, 10*time.Millisecond)
			if ok {
				winners.Add(1)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestMutualExclusionWithRelease(t *testing.T) {
	store := adapter.NewInMemoryStore()
	const n = 6
	var inside, maxInside, acquired atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			c := NewClient(store)
			ok, err := c.Acquire(ctx, "shared", 5*time.Second, 2*time.Millisecond)
			if err != nil || !ok {
				return err
			}
			acquired.Add(1)
			cur := inside.Add(1)
			for {
				prev := maxInside.Load()
				if cur <= prev || maxInside.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(3 * time.Millisecond)
			inside.Add(-1)
			c.Release(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired.Load() != n {
		t.Fatalf("expected all %d clients to acquire in turn, got %d", n, acquired.Load())
	}
	if maxInside.Load() != 1 {
		t.Fatalf("critical section entered concurrently: max %d", maxInside.Load())
	}
}

func TestExpiredRecordIsReclaimedWithoutWaiting(t *testing.T) {
	fc, store := newFakeEnv()
	ctx := context.Background()
	stale := NewClient(store, WithClock(fc))
	if ok, err := stale.Acquire(ctx, "k", time.Second, time.Second); err != nil || !ok {
		t.Fatalf("stale acquire: ok %v err %v", ok, err)
	}
	fc.Advance(700 * time.Second)

	counting := &countingStore{inner: store}
	c := NewClient(counting, WithClock(fc))
	ok, err := c.Acquire(ctx, "k", 3*time.Second, time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire over expired record: ok %v err %v", ok, err)
	}
	if fc.Sleeps() != 0 {
		t.Fatalf("reclaim must not wait a retry interval, slept %d times", fc.Sleeps())
	}
	creates, conflicts, deletes, _ := counting.counts()
	if creates != 2 || conflicts != 1 || deletes != 1 {
		t.Fatalf("expected 2 creates, 1 conflict, 1 delete; got %d, %d, %d", creates, conflicts, deletes)
	}

	// The previous holder's release must not remove the new record.
	stale.Release(ctx)
	if stale.Held() {
		t.Fatal("stale client should consider its lock released")
	}
	rec, err := store.Read(ctx, "mutex/k")
	if err != nil {
		t.Fatalf("new record must survive the stale release: %v", err)
	}
	if !rec.CreatedAt.Equal(fc.Now()) {
		t.Fatalf("expected the reclaiming client's record, created %v", rec.CreatedAt)
	}
}

func TestFreshRecordIsPreserved(t *testing.T) {
	fc, store := newFakeEnv()
	ctx := context.Background()
	holder := NewClient(store, WithClock(fc))
	if ok, err := holder.Acquire(ctx, "k", time.Second, time.Second); err != nil || !ok {
		t.Fatalf("holder acquire: ok %v err %v", ok, err)
	}
	fc.Advance(60 * time.Second)

	counting := &countingStore{inner: store}
	c := NewClient(counting, WithClock(fc))
	ok, err := c.Acquire(ctx, "k", 3*time.Second, time.Second)
	if err != nil || ok {
		t.Fatalf("expected timeout, got ok %v err %v", ok, err)
	}
	_, conflicts, deletes, _ := counting.counts()
	if conflicts != 3 {
		t.Fatalf("expected 3 conflicts, got %d", conflicts)
	}
	if deletes != 0 {
		t.Fatalf("fresh record must not be deleted, deletes %d", deletes)
	}
	if fc.Sleeps() != 3 {
		t.Fatalf("expected 3 backoff sleeps, got %d", fc.Sleeps())
	}
	if c.State() != StateUnacquired {
		t.Fatalf("timed out client must be unacquired, got %v", c.State())
	}
	if !holder.Held() {
		t.Fatal("holder must keep its lock")
	}
}

func TestAcquireDefaults(t *testing.T) {
	fc, store := newFakeEnv()
	ctx := context.Background()
	if ok, err := NewClient(store, WithClock(fc)).Acquire(ctx, "k", 0, 0); err != nil || !ok {
		t.Fatalf("holder acquire: ok %v err %v", ok, err)
	}
	counting := &countingStore{inner: store}
	ok, err := NewClient(counting, WithClock(fc)).Acquire(ctx, "k", 0, 0)
	if err != nil || ok {
		t.Fatalf("expected timeout, got ok %v err %v", ok, err)
	}
	want := int(DefaultTimeout / DefaultRetryInterval)
	if _, conflicts, _, _ := counting.counts(); conflicts != want {
		t.Fatalf("expected %d conflicts with default timings, got %d", want, conflicts)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	fc, store := newFakeEnv()
	counting := &countingStore{inner: store}
	c := NewClient(counting, WithClock(fc))
	ctx := context.Background()

	c.Release(ctx)
	if creates, _, deletes, reads := counting.counts(); creates+deletes+reads != 0 {
		t.Fatalf("release without lock must not touch the store: %d creates %d deletes %d reads", creates, deletes, reads)
	}

	if ok, err := c.Acquire(ctx, "k", time.Second, time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	c.Release(ctx)
	c.Release(ctx)
	if _, _, deletes, _ := counting.counts(); deletes != 1 {
		t.Fatalf("expected a single delete, got %d", deletes)
	}
}

func TestReleaseToleratesAbsentRecord(t *testing.T) {
	fc, store := newFakeEnv()
	c := NewClient(store, WithClock(fc))
	ctx := context.Background()
	if ok, err := c.Acquire(ctx, "k", time.Second, time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if err := store.Delete(ctx, RefName("k")); err != nil {
		t.Fatalf("external delete: %v", err)
	}
	c.Release(ctx)
	if c.Held() {
		t.Fatal("release of a vanished record must clear the handle")
	}
}

func TestReleaseFailureKeepsHandle(t *testing.T) {
	fc, store := newFakeEnv()
	counting := &countingStore{inner: store}
	c := NewClient(counting, WithClock(fc))
	ctx := context.Background()
	if ok, err := c.Acquire(ctx, "k", time.Second, time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}

	counting.mu.Lock()
	counting.deleteErr = errors.New("network down")
	counting.mu.Unlock()
	c.Release(ctx)
	if !c.Held() {
		t.Fatal("failed release must leave the handle acquired")
	}

	counting.mu.Lock()
	counting.deleteErr = nil
	counting.mu.Unlock()
	c.Release(ctx)
	if c.Held() {
		t.Fatal("retried release must clear the handle")
	}
	if _, err := store.Read(ctx, RefName("k")); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected record deleted, got %v", err)
	}
}

func TestAcquireStoreErrorIsNotRetried(t *testing.T) {
	fc, store := newFakeEnv()
	errAuth := errors.New("401 bad credentials")
	counting := &countingStore{inner: store, createErr: errAuth}
	c := NewClient(counting, WithClock(fc))

	ok, err := c.Acquire(context.Background(), "k", 10*time.Second, time.Second)
	if ok || err != errAuth {
		t.Fatalf("expected the store error unchanged, got ok %v err %v", ok, err)
	}
	if creates, _, _, _ := counting.counts(); creates != 1 {
		t.Fatalf("expected a single create attempt, got %d", creates)
	}
	if fc.Sleeps() != 0 {
		t.Fatalf("store errors must not enter the backoff, slept %d", fc.Sleeps())
	}
	if c.State() != StateUnacquired {
		t.Fatalf("expected unacquired after error, got %v", c.State())
	}
}

func TestAcquireReadErrorIsNotRetried(t *testing.T) {
	fc, store := newFakeEnv()
	ctx := context.Background()
	if ok, err := NewClient(store, WithClock(fc)).Acquire(ctx, "k", time.Second, time.Second); err != nil || !ok {
		t.Fatalf("holder acquire: ok %v err %v", ok, err)
	}
	errRead := errors.New("forbidden")
	counting := &countingStore{inner: store, readErr: errRead}
	ok, err := NewClient(counting, WithClock(fc)).Acquire(ctx, "k", 10*time.Second, time.Second)
	if ok || !errors.Is(err, errRead) {
		t.Fatalf("expected read error, got ok %v err %v", ok, err)
	}
	if fc.Sleeps() != 0 {
		t.Fatalf("read errors must not enter the backoff, slept %d", fc.Sleeps())
	}
}

func TestAcquireCancelledDuringBackoff(t *testing.T) {
	store := adapter.NewInMemoryStore()
	ctx := context.Background()
	if ok, err := NewClient(store).Acquire(ctx, "k", time.Second, time.Second); err != nil || !ok {
		t.Fatalf("holder acquire: ok %v err %v", ok, err)
	}
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	c := NewClient(store)
	start := time.Now()
	ok, err := c.Acquire(cctx, "k", time.Minute, time.Minute)
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got ok %v err %v", ok, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation must interrupt the backoff sleep")
	}
	if c.State() != StateUnacquired {
		t.Fatalf("expected unacquired, got %v", c.State())
	}
}

// runScenario plays client A holding "deploy-runner" from t=0 and releasing
// at releaseAt, while client B starts acquiring at callAt.
func runScenario(t *testing.T, callAt, releaseAt, timeout, interval time.Duration) (bool, int) {
	t.Helper()
	fc, store := newFakeEnv()
	ctx := context.Background()
	start := fc.Now()

	a := NewClient(store, WithClock(fc))
	if ok, err := a.Acquire(ctx, "deploy-runner", timeout, interval); err != nil || !ok {
		t.Fatalf("A acquire: ok %v err %v", ok, err)
	}
	fc.onSleep = func(now time.Time) {
		if now.Sub(start) >= releaseAt && a.Held() {
			a.Release(ctx)
		}
	}
	fc.Advance(callAt)

	counting := &countingStore{inner: store}
	b := NewClient(counting, WithClock(fc))
	ok, err := b.Acquire(ctx, "deploy-runner", timeout, interval)
	if err != nil {
		t.Fatalf("B acquire: %v", err)
	}
	_, conflicts, deletes, _ := counting.counts()
	if deletes != 0 {
		t.Fatalf("B must not delete a live record, deletes %d", deletes)
	}
	return ok, conflicts
}

func TestScenarioAcquireAfterRelease(t *testing.T) {
	callAt, releaseAt, interval := time.Second, 9*time.Second, time.Second
	ok, conflicts := runScenario(t, callAt, releaseAt, 10*time.Second, interval)
	if !ok {
		t.Fatal("B should acquire once A releases within its timeout")
	}
	want := int((releaseAt - callAt) / interval)
	if conflicts != want {
		t.Fatalf("expected %d conflict retries, got %d", want, conflicts)
	}
}

func TestScenarioTimeoutBeforeRelease(t *testing.T) {
	ok, conflicts := runScenario(t, time.Second, 12*time.Second, 10*time.Second, time.Second)
	if ok {
		t.Fatal("B must time out when A releases after B's deadline")
	}
	if conflicts != 10 {
		t.Fatalf("expected 10 conflict retries, got %d", conflicts)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateUnacquired: "unacquired",
		StateAcquiring:  "acquiring",
		StateAcquired:   "acquired",
		StateReleasing:  "releasing",
		State(42):       "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

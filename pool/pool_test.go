package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRuntime is an in-memory ContainerRuntime. Failure modes are switchable
// per test.
type fakeRuntime struct {
	mu        sync.Mutex
	units     map[string]bool // id -> running
	createErr error
	healthErr error
	stopErr   error

	creates atomic.Int32
	stops   atomic.Int32
	removes atomic.Int32
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{units: make(map[string]bool)}
}

func (f *fakeRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates.Add(1)
	id := fmt.Sprintf("unit-%d", f.creates.Load())
	f.mu.Lock()
	f.units[id] = false
	f.mu.Unlock()
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[id] = true
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string) error {
	f.stops.Add(1)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[id] = false
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.removes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.units, id)
	return nil
}

func (f *fakeRuntime) HealthCheck(ctx context.Context, id string) error {
	if f.healthErr != nil {
		return f.healthErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.units[id] {
		return errors.New("not running")
	}
	return nil
}

func (f *fakeRuntime) List(ctx context.Context, label string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, running := range f.units {
		if running {
			out = append(out, id)
		}
	}
	return out, nil
}

func newTestPool(t *testing.T, cfg Config, rt ContainerRuntime) *Pool {
	t.Helper()
	ports, err := NewRangeAllocator(42000, 42100)
	require.NoError(t, err)
	return New(cfg, rt, ports, zap.NewNop())
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HealthTimeout = 2 * time.Second
	cfg.HealthInterval = time.Millisecond
	return cfg
}

func TestPool_PrewarmAcquireRelease(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestPool(t, testConfig(), rt)
	ctx := context.Background()

	require.NoError(t, p.Prewarm(ctx, 3))
	assert.Equal(t, int32(3), rt.creates.Load())

	ids := make(map[string]bool)
	var recs []ContainerRecord
	for i := 0; i < 3; i++ {
		rec, err := p.Acquire(ctx, fmt.Sprintf("task-%d", i))
		require.NoError(t, err)
		assert.Equal(t, StateRunning, rec.State)
		ids[rec.ID] = true
		recs = append(recs, rec)
	}
	assert.Len(t, ids, 3, "acquires must hand out distinct workers")
	assert.Equal(t, int32(3), rt.creates.Load(), "prewarmed workers are reused, not recreated")

	for _, rec := range recs {
		require.NoError(t, p.Release(rec.ID))
	}
	for _, w := range p.Snapshot() {
		assert.Equal(t, StateDormant, w.State)
		require.NotNil(t, w.DormantSince)
		assert.Empty(t, w.TaskID)
	}
}

func TestPool_PrewarmBoundedByMax(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MaxContainers = 2
	p := newTestPool(t, cfg, rt)

	require.NoError(t, p.Prewarm(context.Background(), 5))
	assert.Equal(t, int32(2), rt.creates.Load())
}

func TestPool_AcquireCreatesOnDemand(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestPool(t, testConfig(), rt)

	rec, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, int32(1), rt.creates.Load())
}

func TestPool_AcquireBlocksAtCapacity(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MaxContainers = 1
	p := newTestPool(t, cfg, rt)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)

	// Second acquire must wait for the release.
	done := make(chan ContainerRecord, 1)
	go func() {
		rec, err := p.Acquire(ctx, "t2")
		if err == nil {
			done <- rec
		}
	}()

	select {
	case <-done:
		t.Fatal("acquire returned before capacity freed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Release(first.ID))

	select {
	case rec := <-done:
		assert.Equal(t, first.ID, rec.ID, "dormant worker is reused")
		assert.Equal(t, "t2", rec.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not resume after release")
	}
}

func TestPool_AcquireTimesOut(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MaxContainers = 1
	p := newTestPool(t, cfg, rt)

	_, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "t2")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_TeardownWakesBlockedAcquire(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.MaxContainers = 1
	p := newTestPool(t, cfg, rt)
	ctx := context.Background()

	_, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)

	// Parked at capacity with no deadline of its own.
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "t2")
		errCh <- err
	}()

	select {
	case <-errCh:
		t.Fatal("acquire returned before teardown")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Teardown(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not wake the blocked acquire")
	}
}

func TestPool_HealthFailureSurfaced(t *testing.T) {
	rt := newFakeRuntime()
	rt.healthErr = errors.New("no pulse")
	cfg := testConfig()
	cfg.HealthTimeout = 20 * time.Millisecond
	p := newTestPool(t, cfg, rt)

	err := p.Prewarm(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnhealthy)
	// The failed unit must not linger as an idle record.
	for _, w := range p.Snapshot() {
		assert.NotEqual(t, StateIdle, w.State)
	}
}

func TestPool_TeardownIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestPool(t, testConfig(), rt)
	ctx := context.Background()

	require.NoError(t, p.Prewarm(ctx, 2))
	require.NoError(t, p.Teardown(ctx))
	stops := rt.stops.Load()
	removes := rt.removes.Load()
	assert.Equal(t, int32(2), stops)

	// Second teardown is a no-op.
	require.NoError(t, p.Teardown(ctx))
	assert.Equal(t, stops, rt.stops.Load())
	assert.Equal(t, removes, rt.removes.Load())

	for _, w := range p.Snapshot() {
		assert.Equal(t, StateTerminated, w.State)
	}

	_, err := p.Acquire(ctx, "late")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_TeardownPartialFailure(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestPool(t, testConfig(), rt)
	ctx := context.Background()

	require.NoError(t, p.Prewarm(ctx, 3))
	rt.stopErr = errors.New("stop hangs")

	err := p.Teardown(ctx)
	require.Error(t, err)
	// All three were still attempted and all records are terminated.
	assert.Equal(t, int32(3), rt.removes.Load())
	for _, w := range p.Snapshot() {
		assert.Equal(t, StateTerminated, w.State)
	}
}

func TestPool_DormancyReaper(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.DormancyTimeout = 30 * time.Millisecond
	p := newTestPool(t, cfg, rt)
	ctx := context.Background()

	rec, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, p.Release(rec.ID))

	p.Start()
	defer p.Teardown(ctx)

	require.Eventually(t, func() bool {
		for _, w := range p.Snapshot() {
			if w.ID == rec.ID {
				return w.State == StateTerminated
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "dormant worker should be reaped")
}

func TestPool_CleanupOrphans(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestPool(t, testConfig(), rt)
	ctx := context.Background()

	require.NoError(t, p.Prewarm(ctx, 2))
	snap := p.Snapshot()
	require.Len(t, snap, 2)

	// Simulate one unit dying outside the pool's control.
	rt.mu.Lock()
	delete(rt.units, snap[0].RuntimeID)
	rt.mu.Unlock()

	require.NoError(t, p.CleanupOrphans(ctx))

	var terminated int
	for _, w := range p.Snapshot() {
		if w.State == StateTerminated {
			terminated++
		}
	}
	assert.Equal(t, 1, terminated)
}

func TestPool_TransitionCallback(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestPool(t, testConfig(), rt)
	ctx := context.Background()

	var mu sync.Mutex
	var states []WorkerState
	p.SetTransitionCallback(func(rec ContainerRecord) {
		mu.Lock()
		states = append(states, rec.State)
		mu.Unlock()
	})

	rec, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, p.Release(rec.ID))
	require.NoError(t, p.Teardown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []WorkerState{StateRunning, StateDormant, StateTerminated}, states)
}

func TestPool_ReleaseErrors(t *testing.T) {
	rt := newFakeRuntime()
	p := newTestPool(t, testConfig(), rt)

	err := p.Release("ghost")
	assert.ErrorIs(t, err, ErrUnknownWorker)

	require.NoError(t, p.Prewarm(context.Background(), 1))
	idle := p.Snapshot()[0]
	err = p.Release(idle.ID)
	assert.ErrorIs(t, err, ErrWorkerNotRunning)
}

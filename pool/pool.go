package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrPoolClosed is returned after teardown.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrUnknownWorker is returned for operations on an id the pool does not track.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrWorkerNotRunning is returned when releasing a worker that holds no task.
	ErrWorkerNotRunning = errors.New("worker is not running a task")
	// ErrUnhealthy is returned when a created worker never passes its health check.
	ErrUnhealthy = errors.New("worker failed health check")
)

// Config sizes and paces the pool.
type Config struct {
	// MaxContainers bounds the number of concurrently live workers
	MaxContainers int `yaml:"max_containers" json:"max_containers"`
	// Image is the container image workers run
	Image string `yaml:"image" json:"image"`
	// DormancyTimeout is how long a released worker is held before reaping
	DormancyTimeout time.Duration `yaml:"dormancy_timeout" json:"dormancy_timeout"`
	// HealthTimeout bounds the post-create wait for a passing health check
	HealthTimeout time.Duration `yaml:"health_timeout" json:"health_timeout"`
	// HealthInterval paces health probes during the post-create wait
	HealthInterval time.Duration `yaml:"health_interval" json:"health_interval"`
	// WorkDir is mounted as the worker's working directory
	WorkDir string `yaml:"work_dir" json:"work_dir"`
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxContainers:   3,
		Image:           "agentlanes/worker:latest",
		DormancyTimeout: 5 * time.Minute,
		HealthTimeout:   30 * time.Second,
		HealthInterval:  500 * time.Millisecond,
	}
}

// MetricsSink receives pool observability updates. Nil is allowed.
type MetricsSink interface {
	ObserveWorkerStates(counts map[WorkerState]int)
}

// Pool owns the bounded set of worker containers.
type Pool struct {
	cfg     Config
	runtime ContainerRuntime
	ports   PortAllocator
	logger  *zap.Logger
	metrics MetricsSink

	mu           sync.Mutex
	workers      map[string]*ContainerRecord
	pending      int // creations in flight, counted against MaxContainers
	closed       bool
	onTransition TransitionFunc

	availCh      chan struct{}
	closedCh     chan struct{}
	reaperStop   chan struct{}
	reaperDone   chan struct{}
	reaperOnce   sync.Once
	teardownOnce sync.Once
}

// New creates a pool over the given runtime and port allocator.
func New(cfg Config, runtime ContainerRuntime, ports PortAllocator, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:        cfg,
		runtime:    runtime,
		ports:      ports,
		logger:     logger.With(zap.String("component", "worker_pool")),
		workers:    make(map[string]*ContainerRecord),
		availCh:    make(chan struct{}, cfg.MaxContainers),
		closedCh:   make(chan struct{}),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
}

// SetMetrics attaches a metrics sink. Call before Start.
func (p *Pool) SetMetrics(m MetricsSink) { p.metrics = m }

// SetTransitionCallback registers the callback fired on every worker state
// change. Call before Start.
func (p *Pool) SetTransitionCallback(fn TransitionFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransition = fn
}

// Start launches the dormancy reaper. The reaper runs on a background ticker
// at half the dormancy timeout (a lazy check on acquire would satisfy the
// same contract, the ticker keeps idle pools from holding containers).
func (p *Pool) Start() {
	p.reaperOnce.Do(func() {
		interval := p.cfg.DormancyTimeout / 2
		if interval <= 0 {
			interval = time.Minute
		}
		go p.reapLoop(interval)
	})
}

func (p *Pool) reapLoop(interval time.Duration) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapDormant()
		case <-p.reaperStop:
			return
		}
	}
}

func (p *Pool) reapDormant() {
	cutoff := time.Now().Add(-p.cfg.DormancyTimeout)
	p.mu.Lock()
	var expired []*ContainerRecord
	for _, w := range p.workers {
		if w.State == StateDormant && w.DormantSince != nil && w.DormantSince.Before(cutoff) {
			expired = append(expired, w)
		}
	}
	p.mu.Unlock()

	for _, w := range expired {
		p.logger.Info("reaping dormant worker",
			zap.String("worker_id", w.ID),
			zap.Time("dormant_since", *w.DormantSince),
		)
		p.terminate(context.Background(), w)
	}
}

// Prewarm creates up to n idle workers, bounded by MaxContainers. Creations
// run concurrently; a worker that fails its health check is torn back down
// and its error reported, while successfully created siblings are kept.
func (p *Pool) Prewarm(ctx context.Context, n int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	room := p.cfg.MaxContainers - p.liveLocked()
	if n > room {
		n = room
	}
	p.pending += n
	p.mu.Unlock()

	if n <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			w, err := p.createWorker(gctx)
			p.mu.Lock()
			p.pending--
			if err == nil {
				p.workers[w.ID] = w
			}
			p.mu.Unlock()
			if err != nil {
				return err
			}
			p.fireTransition(w)
			p.signalAvailable()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("prewarm: %w", err)
	}
	return nil
}

// Acquire returns a worker bound to taskID in running state. Dormant workers
// are reused first, then idle ones; below capacity a fresh worker is created
// on demand; at capacity the call blocks until a worker is released, the
// pool is torn down, or ctx expires.
func (p *Pool) Acquire(ctx context.Context, taskID string) (ContainerRecord, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ContainerRecord{}, ErrPoolClosed
		}
		if w := p.claimLocked(taskID); w != nil {
			rec := *w
			p.mu.Unlock()
			p.fireTransition(w)
			return rec, nil
		}
		if p.liveLocked() < p.cfg.MaxContainers {
			p.pending++
			p.mu.Unlock()

			w, err := p.createWorker(ctx)
			p.mu.Lock()
			p.pending--
			if err != nil {
				p.mu.Unlock()
				return ContainerRecord{}, fmt.Errorf("acquire %s: %w", taskID, err)
			}
			w.State = StateRunning
			w.TaskID = taskID
			p.workers[w.ID] = w
			rec := *w
			p.mu.Unlock()
			p.fireTransition(w)
			return rec, nil
		}
		p.mu.Unlock()

		select {
		case <-p.availCh:
		case <-p.closedCh:
			return ContainerRecord{}, ErrPoolClosed
		case <-ctx.Done():
			return ContainerRecord{}, fmt.Errorf("acquire %s: %w", taskID, ctx.Err())
		}
	}
}

// claimLocked binds the first reusable worker, preferring dormant over idle.
func (p *Pool) claimLocked(taskID string) *ContainerRecord {
	var pick *ContainerRecord
	for _, w := range p.workers {
		if w.State == StateDormant {
			if pick == nil || pick.State != StateDormant ||
				(w.DormantSince != nil && pick.DormantSince != nil && w.DormantSince.Before(*pick.DormantSince)) {
				pick = w
			}
		} else if w.State == StateIdle && (pick == nil || pick.State != StateDormant) {
			if pick == nil || w.CreatedAt.Before(pick.CreatedAt) {
				pick = w
			}
		}
	}
	if pick == nil {
		return nil
	}
	pick.State = StateRunning
	pick.TaskID = taskID
	pick.DormantSince = nil
	return pick
}

// Release unbinds the worker's task and parks it dormant.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("release: %w: %s", ErrUnknownWorker, id)
	}
	if w.State != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("release %s: %w (state %s)", id, ErrWorkerNotRunning, w.State)
	}
	now := time.Now()
	w.State = StateDormant
	w.TaskID = ""
	w.DormantSince = &now
	p.mu.Unlock()

	p.fireTransition(w)
	p.signalAvailable()
	return nil
}

// CleanupOrphans reconciles bookkeeping against the runtime's live units,
// terminating records whose unit is no longer present. Intended for startup
// after a crash.
func (p *Pool) CleanupOrphans(ctx context.Context) error {
	live, err := p.runtime.List(ctx, managedLabel)
	if err != nil {
		return fmt.Errorf("cleanup orphans: %w", err)
	}
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}

	p.mu.Lock()
	var gone []*ContainerRecord
	for _, w := range p.workers {
		if w.State != StateTerminated && !alive[w.RuntimeID] {
			gone = append(gone, w)
		}
	}
	p.mu.Unlock()

	for _, w := range gone {
		p.logger.Warn("dropping record for vanished worker",
			zap.String("worker_id", w.ID),
			zap.String("runtime_id", w.RuntimeID),
		)
		p.mu.Lock()
		w.State = StateTerminated
		w.TaskID = ""
		p.mu.Unlock()
		p.ports.Release(w.Port)
		p.fireTransition(w)
	}
	return nil
}

// Teardown stops and removes every non-terminated worker and releases its
// port. Idempotent: the underlying runtime calls happen once no matter how
// many shutdown paths (abort, signal handlers, normal exit) invoke it. A
// failure tearing down one worker does not stop teardown of the others.
func (p *Pool) Teardown(ctx context.Context) error {
	var errs []error
	p.teardownOnce.Do(func() {
		close(p.reaperStop)
		p.reaperOnce.Do(func() { close(p.reaperDone) }) // reaper never started
		select {
		case <-p.reaperDone:
		case <-time.After(time.Second):
		}

		p.mu.Lock()
		p.closed = true
		close(p.closedCh) // wakes callers parked in Acquire at capacity
		var targets []*ContainerRecord
		for _, w := range p.workers {
			if w.State != StateTerminated {
				targets = append(targets, w)
			}
		}
		p.mu.Unlock()

		for _, w := range targets {
			if err := p.terminate(ctx, w); err != nil {
				errs = append(errs, err)
			}
		}
		p.logger.Info("pool torn down", zap.Int("workers", len(targets)))
	})
	return errors.Join(errs...)
}

// terminate stops and removes one worker. Runtime errors are logged and
// returned but the record is always marked terminated and its port released.
func (p *Pool) terminate(ctx context.Context, w *ContainerRecord) error {
	p.mu.Lock()
	if w.State == StateTerminated {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	var errs []error
	if err := p.runtime.Stop(ctx, w.RuntimeID); err != nil {
		p.logger.Warn("stop failed", zap.String("worker_id", w.ID), zap.Error(err))
		errs = append(errs, err)
	}
	if err := p.runtime.Remove(ctx, w.RuntimeID); err != nil {
		p.logger.Warn("remove failed", zap.String("worker_id", w.ID), zap.Error(err))
		errs = append(errs, err)
	}

	p.mu.Lock()
	w.State = StateTerminated
	w.TaskID = ""
	p.mu.Unlock()
	p.ports.Release(w.Port)
	p.fireTransition(w)
	return errors.Join(errs...)
}

// Snapshot returns a copy of every record for observability.
func (p *Pool) Snapshot() []ContainerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ContainerRecord, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	return out
}

// createWorker allocates a port, creates and starts the runtime unit, and
// waits for a passing health check. On health failure the unit is removed and
// the port released.
func (p *Pool) createWorker(ctx context.Context) (*ContainerRecord, error) {
	port, err := p.ports.Allocate()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	spec := ContainerSpec{
		Name:    "agentlanes-worker-" + id[:8],
		Image:   p.cfg.Image,
		Port:    port,
		WorkDir: p.cfg.WorkDir,
	}

	runtimeID, err := p.runtime.Create(ctx, spec)
	if err != nil {
		p.ports.Release(port)
		return nil, fmt.Errorf("create worker: %w", err)
	}
	if err := p.runtime.Start(ctx, runtimeID); err != nil {
		_ = p.runtime.Remove(ctx, runtimeID)
		p.ports.Release(port)
		return nil, fmt.Errorf("start worker: %w", err)
	}

	if err := p.waitHealthy(ctx, runtimeID); err != nil {
		_ = p.runtime.Stop(ctx, runtimeID)
		_ = p.runtime.Remove(ctx, runtimeID)
		p.ports.Release(port)
		return nil, err
	}

	w := &ContainerRecord{
		ID:        id,
		RuntimeID: runtimeID,
		State:     StateIdle,
		Port:      port,
		Endpoint:  fmt.Sprintf("127.0.0.1:%d", port),
		CreatedAt: time.Now(),
	}
	p.logger.Info("worker ready",
		zap.String("worker_id", w.ID),
		zap.Int("port", w.Port),
	)
	return w, nil
}

func (p *Pool) waitHealthy(ctx context.Context, runtimeID string) error {
	deadline := time.Now().Add(p.cfg.HealthTimeout)
	limiter := rate.NewLimiter(rate.Every(p.cfg.HealthInterval), 1)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if lastErr = p.runtime.HealthCheck(ctx, runtimeID); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", ErrUnhealthy, lastErr)
}

// liveLocked counts workers occupying capacity: everything not terminated
// plus creations in flight.
func (p *Pool) liveLocked() int {
	n := p.pending
	for _, w := range p.workers {
		if w.State != StateTerminated {
			n++
		}
	}
	return n
}

func (p *Pool) signalAvailable() {
	select {
	case p.availCh <- struct{}{}:
	default:
	}
}

func (p *Pool) fireTransition(w *ContainerRecord) {
	p.mu.Lock()
	fn := p.onTransition
	rec := *w
	counts := map[WorkerState]int{}
	for _, rw := range p.workers {
		counts[rw.State]++
	}
	p.mu.Unlock()

	if fn != nil {
		fn(rec)
	}
	if p.metrics != nil {
		p.metrics.ObserveWorkerStates(counts)
	}
}

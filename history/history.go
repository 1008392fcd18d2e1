// Package history keeps a bounded record of finished executions and replays
// them. The in-memory ring holds the most recent entries; persistence goes
// through a single writer goroutine so concurrent executions never interleave
// partial writes.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/engine"
	"github.com/agentlanes/agentlanes/workflow"
)

// DefaultCapacity is the ring size: adding beyond it evicts the oldest entry.
const DefaultCapacity = 100

var (
	// ErrNotFound is returned for lookups of unknown execution ids.
	ErrNotFound = errors.New("execution not found in history")
	// ErrClosed is returned once the service has been closed.
	ErrClosed = errors.New("history service closed")
)

// Entry is one archived execution, complete enough to replay it.
type Entry struct {
	ID           string                       `json:"id"`
	WorkflowID   string                       `json:"workflow_id"`
	Status       engine.ExecutionStatus       `json:"status"`
	GateRejected bool                         `json:"gate_rejected,omitempty"`
	Nodes        map[string]*engine.NodeState `json:"nodes"`
	Events       []engine.Event               `json:"events"`
	Variables    map[string]any               `json:"variables,omitempty"`
	Definition   *workflow.Definition         `json:"definition"`
	StartedAt    time.Time                    `json:"started_at"`
	EndedAt      time.Time                    `json:"ended_at"`
}

// Summary is the list view of an entry.
type Summary struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Status     engine.ExecutionStatus `json:"status"`
	NodeCount  int                    `json:"node_count"`
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at"`
}

// Store persists entries beyond process lifetime. Implementations are called
// from a single goroutine; they need not be concurrency-safe.
type Store interface {
	Save(ctx context.Context, e *Entry) error
	Load(ctx context.Context) ([]*Entry, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// ReplayMode selects how a replay starts.
type ReplayMode string

const (
	// ReplayFull re-runs the archived workflow from scratch
	ReplayFull ReplayMode = "full"
	// ReplayResume seeds completed nodes from the archive and re-runs the rest
	ReplayResume ReplayMode = "resume"
)

// Runner is the engine surface replay needs.
type Runner interface {
	Start(ctx context.Context, def *workflow.Definition, vars map[string]any) (*engine.Execution, error)
	StartSeeded(ctx context.Context, def *workflow.Definition, vars map[string]any, seed map[string]*engine.NodeState) (*engine.Execution, error)
}

type persistOp struct {
	entry   *Entry
	delete  string
	clear   bool
	flushed chan struct{}
}

// Service is the history keeper. It satisfies engine.HistorySink.
type Service struct {
	store    Store
	logger   *zap.Logger
	capacity int

	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	closed  bool

	writes chan persistOp
	done   chan struct{}
}

// NewService creates a history service over the given store. A nil store
// keeps history in memory only.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		logger:   logger.With(zap.String("component", "history")),
		capacity: DefaultCapacity,
		byID:     make(map[string]*Entry),
		writes:   make(chan persistOp, 64),
		done:     make(chan struct{}),
	}
	go s.writer()
	return s
}

// Hydrate loads persisted entries into the ring, oldest first, trimming to
// capacity. Call once at startup before the first AddEntry.
func (s *Service) Hydrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	loaded, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("hydrate history: %w", err)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].EndedAt.Before(loaded[j].EndedAt) })
	if len(loaded) > s.capacity {
		loaded = loaded[len(loaded)-s.capacity:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = loaded
	for _, e := range loaded {
		s.byID[e.ID] = e
	}
	return nil
}

// writer applies persistence ops one at a time.
func (s *Service) writer() {
	defer close(s.done)
	for op := range s.writes {
		if s.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			var err error
			switch {
			case op.clear:
				err = s.store.Clear(ctx)
			case op.delete != "":
				err = s.store.Delete(ctx, op.delete)
			case op.entry != nil:
				err = s.store.Save(ctx, op.entry)
			}
			cancel()
			if err != nil {
				s.logger.Warn("history persistence failed", zap.Error(err))
			}
		}
		if op.flushed != nil {
			close(op.flushed)
		}
	}
}

// AddEntry archives a finished execution. The ring is updated immediately;
// persistence is queued behind earlier writes.
func (s *Service) AddEntry(ctx context.Context, exec *engine.Execution, def *workflow.Definition) error {
	entry := &Entry{
		ID:           exec.ID,
		WorkflowID:   exec.WorkflowID,
		Status:       exec.Status,
		GateRejected: exec.GateRejected,
		Nodes:        exec.Nodes,
		Events:       exec.Events,
		Variables:    exec.Variables,
		Definition:   def,
		StartedAt:    exec.StartedAt,
		EndedAt:      exec.EndedAt,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.entries = append(s.entries, entry)
	s.byID[entry.ID] = entry
	var evicted *Entry
	if len(s.entries) > s.capacity {
		evicted = s.entries[0]
		s.entries = append([]*Entry{}, s.entries[1:]...)
		delete(s.byID, evicted.ID)
	}
	s.mu.Unlock()

	select {
	case s.writes <- persistOp{entry: entry}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if evicted != nil {
		select {
		case s.writes <- persistOp{delete: evicted.ID}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// List returns summaries, most recent first.
func (s *Service) List() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		out = append(out, Summary{
			ID:         e.ID,
			WorkflowID: e.WorkflowID,
			Status:     e.Status,
			NodeCount:  len(e.Nodes),
			StartedAt:  e.StartedAt,
			EndedAt:    e.EndedAt,
		})
	}
	return out
}

// Get returns the full entry for an execution id.
func (s *Service) Get(id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Clear drops every entry, in memory and persisted.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.entries = nil
	s.byID = make(map[string]*Entry)
	s.mu.Unlock()

	select {
	case s.writes <- persistOp{clear: true}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay re-runs an archived execution through the given runner. ReplayResume
// seeds the archived completed nodes so only the remainder re-runs.
func (s *Service) Replay(ctx context.Context, id string, mode ReplayMode, runner Runner) (*engine.Execution, error) {
	entry, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if entry.Definition == nil {
		return nil, fmt.Errorf("replay %s: entry has no definition", id)
	}

	switch mode {
	case ReplayResume:
		seed := make(map[string]*engine.NodeState)
		for nodeID, ns := range entry.Nodes {
			if ns.Status == engine.NodeCompleted {
				seed[nodeID] = ns
			}
		}
		return runner.StartSeeded(ctx, entry.Definition, entry.Variables, seed)
	case ReplayFull, "":
		return runner.Start(ctx, entry.Definition, entry.Variables)
	default:
		return nil, fmt.Errorf("replay %s: unknown mode %q", id, mode)
	}
}

// Flush blocks until all queued persistence ops have been applied.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	flushed := make(chan struct{})
	select {
	case s.writes <- persistOp{flushed: flushed}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the write queue and stops the writer. Idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.writes)
	<-s.done
	return nil
}

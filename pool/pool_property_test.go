package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// Drives the pool through random acquire/release sequences and checks the
// structural invariants: live workers never exceed MaxContainers, a worker is
// bound to at most one task, and every record is in a legal state.
func TestProperty_PoolStateMachine(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("pool invariants hold under random acquire/release", prop.ForAll(
		func(ops []bool, maxContainers int) bool {
			rt := newFakeRuntime()
			ports, err := NewRangeAllocator(43000, 43200)
			if err != nil {
				return false
			}
			cfg := DefaultConfig()
			cfg.MaxContainers = maxContainers
			cfg.HealthTimeout = time.Second
			cfg.HealthInterval = time.Millisecond
			p := New(cfg, rt, ports, zap.NewNop())
			defer p.Teardown(context.Background())

			var held []string
			for i, acquireNext := range ops {
				if acquireNext && len(held) < maxContainers {
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					rec, err := p.Acquire(ctx, fmt.Sprintf("task-%d", i))
					cancel()
					if err != nil {
						t.Logf("acquire failed: %v", err)
						return false
					}
					held = append(held, rec.ID)
				} else if len(held) > 0 {
					id := held[0]
					held = held[1:]
					if err := p.Release(id); err != nil {
						t.Logf("release failed: %v", err)
						return false
					}
				}

				live := 0
				tasks := map[string]bool{}
				for _, w := range p.Snapshot() {
					switch w.State {
					case StateIdle, StateRunning, StateDormant, StateTerminated:
					default:
						t.Logf("illegal state %q", w.State)
						return false
					}
					if w.State != StateTerminated {
						live++
					}
					if w.State == StateRunning {
						if w.TaskID == "" {
							t.Logf("running worker %s has no task", w.ID)
							return false
						}
						if tasks[w.TaskID] {
							t.Logf("task %s bound to two workers", w.TaskID)
							return false
						}
						tasks[w.TaskID] = true
					}
					if w.State == StateDormant && w.DormantSince == nil {
						t.Logf("dormant worker %s has no dormantSince", w.ID)
						return false
					}
				}
				if live > maxContainers {
					t.Logf("live %d exceeds max %d", live, maxContainers)
					return false
				}
			}

			// Teardown leaves nothing but terminated records.
			if err := p.Teardown(context.Background()); err != nil {
				return false
			}
			for _, w := range p.Snapshot() {
				if w.State != StateTerminated {
					t.Logf("worker %s survived teardown in state %s", w.ID, w.State)
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

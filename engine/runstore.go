package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// RUN STORE
// =============================================================================

// RunStore persists parse runs and their progress checkpoints.
type RunStore interface {
	Save(ctx context.Context, run *ParseRun) error
	Get(ctx context.Context, id RunID) (*ParseRun, error)
	List(ctx context.Context) ([]*ParseRun, error)
}

// MemoryRuns is the in-memory RunStore.
type MemoryRuns struct {
	mu    sync.RWMutex
	runs  map[RunID]*ParseRun
	order []RunID
}

func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{runs: make(map[RunID]*ParseRun)}
}

func (m *MemoryRuns) Save(_ context.Context, run *ParseRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.order = append(m.order, run.ID)
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *MemoryRuns) Get(_ context.Context, id RunID) (*ParseRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return cloneRun(run), nil
}

func (m *MemoryRuns) List(_ context.Context) ([]*ParseRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ParseRun, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneRun(m.runs[id]))
	}
	return out, nil
}

func cloneRun(r *ParseRun) *ParseRun {
	out := *r
	out.Outcomes = append([]RowOutcome(nil), r.Outcomes...)
	out.Mapped = append([]ledger.MappedRow(nil), r.Mapped...)
	out.Groups = append([]ledger.Group(nil), r.Groups...)
	out.EntryIDs = append([]ledger.EntryID(nil), r.EntryIDs...)
	out.Lineage = make(map[int]Lineage, len(r.Lineage))
	for k, v := range r.Lineage {
		v.Steps = append([]string(nil), v.Steps...)
		out.Lineage[k] = v
	}
	return &out
}

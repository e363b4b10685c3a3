package plan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	plans    map[PlanID]*Plan
	versions map[VersionID]*Version
	byPlan   map[PlanID][]VersionID // commit order, oldest first
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		plans:    make(map[PlanID]*Plan),
		versions: make(map[VersionID]*Version),
		byPlan:   make(map[PlanID][]VersionID),
		now:      time.Now,
	}
}

func (m *Memory) Create(_ context.Context, institutionID string, initial Settings) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &Plan{
		ID:            PlanID("plan_" + uuid.NewString()),
		InstitutionID: institutionID,
		Working:       initial.Clone(),
		Revision:      1,
		CreatedAt:     m.now().UTC(),
	}
	m.plans[p.ID] = p
	return clonePlan(p), nil
}

func (m *Memory) Get(_ context.Context, id PlanID) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return clonePlan(p), nil
}

func (m *Memory) Edit(_ context.Context, id PlanID, baseRevision int, patch Patch) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if p.Revision != baseRevision {
		return nil, &ConcurrentEditError{Plan: id, BaseRevision: baseRevision, Revision: p.Revision}
	}

	p.Working = patch.Apply(p.Working)
	p.Revision++
	return clonePlan(p), nil
}

func (m *Memory) Commit(_ context.Context, id PlanID, baseRevision int, message string) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if p.Revision != baseRevision {
		return nil, &ConcurrentEditError{Plan: id, BaseRevision: baseRevision, Revision: p.Revision}
	}

	number := p.HeadNumber + 1
	vid, err := ComputeVersionID(p.Head, number, p.Working)
	if err != nil {
		return nil, err
	}
	if existing, ok := m.versions[vid]; ok {
		// Content-addressed collision: same id must mean same content.
		if !settingsEqual(existing.Settings, p.Working) {
			return nil, fmt.Errorf("%w: %s", ErrImmutabilityViolation, vid)
		}
	}
	if p.Head != "" {
		head := m.versions[p.Head]
		if settingsEqual(head.Settings, p.Working) {
			return nil, ErrNothingToCommit
		}
	}

	v := &Version{
		ID:            vid,
		PlanID:        id,
		Parent:        p.Head,
		Number:        number,
		Settings:      p.Working.Clone(),
		CommitMessage: message,
		CreatedAt:     m.now().UTC(),
	}
	m.versions[vid] = v
	m.byPlan[id] = append(m.byPlan[id], vid)
	p.Head = vid
	p.HeadNumber = number

	return cloneVersion(v), nil
}

func (m *Memory) Fork(_ context.Context, versionID VersionID, institutionID string) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}

	p := &Plan{
		ID:            PlanID("plan_" + uuid.NewString()),
		InstitutionID: institutionID,
		ForkedFrom:    versionID,
		Working:       v.Settings.Clone(),
		Revision:      1,
		CreatedAt:     m.now().UTC(),
	}
	m.plans[p.ID] = p
	return clonePlan(p), nil
}

func (m *Memory) Version(_ context.Context, id VersionID) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, id)
	}
	return cloneVersion(v), nil
}

func (m *Memory) History(_ context.Context, id PlanID) ([]*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.plans[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	out := make([]*Version, 0, len(m.byPlan[id]))
	for _, vid := range m.byPlan[id] {
		out = append(out, cloneVersion(m.versions[vid]))
	}
	return out, nil
}

// Callers get copies, never the store's own structs. Versions are immutable
// by contract, but handing out aliases would make violations possible.

func clonePlan(p *Plan) *Plan {
	out := *p
	out.Working = p.Working.Clone()
	return &out
}

func cloneVersion(v *Version) *Version {
	out := *v
	out.Settings = v.Settings.Clone()
	return &out
}

func settingsEqual(a, b Settings) bool {
	ab, errA := yaml.Marshal(a)
	bb, errB := yaml.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

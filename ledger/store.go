package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// Store persists entries. Implementations expose no update or delete:
// the ledger is append-only by construction, not by convention.
type Store interface {
	// Append writes entries atomically: all or none.
	Append(ctx context.Context, entries []Entry) error

	// Exists reports whether an idempotency key has already been written.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)

	// Get returns one entry by id.
	Get(ctx context.Context, id EntryID) (*Entry, error)

	// Account returns an account's entries ordered by (date, row order).
	Account(ctx context.Context, accountID string) ([]Entry, error)

	// AccountRange returns an account's entries with date in [from, to],
	// same order as Account.
	AccountRange(ctx context.Context, accountID string, from, to time.Time) ([]Entry, error)

	// ByRun returns the entries a parse run materialized.
	ByRun(ctx context.Context, originRun string) ([]Entry, error)

	// Accounts lists the non-clearing account ids present in the ledger.
	Accounts(ctx context.Context) ([]string, error)
}

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[EntryID]int
	byKey   map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[EntryID]int),
		byKey: make(map[string]struct{}),
	}
}

func (m *Memory) Append(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		if _, ok := m.byKey[e.IdempotencyKey]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.IdempotencyKey)
		}
	}
	for _, e := range entries {
		m.byID[e.ID] = len(m.entries)
		m.byKey[e.IdempotencyKey] = struct{}{}
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byKey[idempotencyKey]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, id EntryID) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	e := m.entries[i]
	return &e, nil
}

func (m *Memory) Account(_ context.Context, accountID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) AccountRange(_ context.Context, accountID string, from, to time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.AccountID != accountID {
			continue
		}
		if e.Date.Before(from) || e.Date.After(to) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *Memory) ByRun(_ context.Context, originRun string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.OriginRun == originRun {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Accounts(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := make(map[string]struct{})
	for _, e := range m.entries {
		if IsClearingAccount(e.AccountID) {
			continue
		}
		set[e.AccountID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].RowOrder < entries[j].RowOrder
	})
}

package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory blob store for tests and single-process setups.
type Memory struct {
	mu        sync.RWMutex
	blobs     map[string][]byte
	checksums map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		blobs:     make(map[string][]byte),
		checksums: make(map[string]string),
	}
}

func (m *Memory) Put(_ context.Context, content []byte) (Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	stored := make([]byte, len(content))
	copy(stored, content)
	m.blobs[id] = stored
	m.checksums[id] = checksum(content)
	return Ref{ID: id, Checksum: m.checksums[id]}, nil
}

func (m *Memory) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	content, ok := m.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if checksum(content) != m.checksums[id] {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, id)
	}
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

// Corrupt overwrites stored bytes without touching the recorded checksum.
// Test hook for provenance-integrity scenarios.
func (m *Memory) Corrupt(id string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = content
}

// Delete removes a blob. Test hook for missing-raw-file scenarios.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	delete(m.checksums, id)
}

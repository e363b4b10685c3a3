/*
Package blob stores raw file bytes, keyed by id, with checksum verification.

PURPOSE:
  Raw files are the sole source of truth for every ledger entry's lineage,
  so retrieval always re-verifies the SHA-256 recorded at put time. A blob
  that comes back with a different checksum is corruption, not data.

IMPLEMENTATIONS:
  - memory.go: in-memory map, used by tests and single-process setups
  - gcs.go:    Google Cloud Storage bucket for production deployments
*/
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrNotFound is returned when no blob exists for the given id.
	ErrNotFound = errors.New("blob not found")

	// ErrChecksumMismatch is returned when stored bytes no longer match the
	// checksum recorded at put time.
	ErrChecksumMismatch = errors.New("blob checksum mismatch")
)

// Ref identifies a stored blob.
type Ref struct {
	ID       string
	Checksum string // hex SHA-256
}

// Store persists immutable blobs. Put never overwrites; ids are assigned by
// the implementation.
type Store interface {
	Put(ctx context.Context, content []byte) (Ref, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

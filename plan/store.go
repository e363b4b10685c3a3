package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/ledger-engine/ingest"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrPlanNotFound is returned when a referenced plan does not exist.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrVersionNotFound is returned when a referenced version does not exist.
	ErrVersionNotFound = errors.New("plan version not found")

	// ErrConcurrentEdit is returned when an edit or commit is based on a
	// working-copy revision that has since changed. Callers re-read and retry.
	ErrConcurrentEdit = errors.New("working copy changed since last read")

	// ErrImmutabilityViolation is returned on any attempt to write a version
	// id that already exists with different content. Committed versions are
	// never mutated.
	ErrImmutabilityViolation = errors.New("committed version is immutable")

	// ErrNothingToCommit is returned when committing a working copy identical
	// to the current head.
	ErrNothingToCommit = errors.New("working copy identical to head version")
)

// ConcurrentEditError reports the revision conflict detail.
type ConcurrentEditError struct {
	Plan         PlanID
	BaseRevision int
	Revision     int
}

func (e *ConcurrentEditError) Error() string {
	return fmt.Sprintf("plan %s: edit based on revision %d, working copy is at %d",
		e.Plan, e.BaseRevision, e.Revision)
}

func (e *ConcurrentEditError) Unwrap() error { return ErrConcurrentEdit }

// =============================================================================
// PATCH
// =============================================================================

// Patch is a partial working-copy update. Nil fields are left untouched.
type Patch struct {
	Dialect         *ingest.Dialect
	Schema          *ingest.Schema
	TransformSteps  *[]TransformStep
	ValidationRules *[]ValidationRule
}

// Apply returns the settings with the patch applied.
func (p Patch) Apply(s Settings) Settings {
	out := s.Clone()
	if p.Dialect != nil {
		out.Dialect = *p.Dialect
	}
	if p.Schema != nil {
		out.Schema = ingest.Schema{Fields: append([]ingest.FieldSpec(nil), p.Schema.Fields...)}
	}
	if p.TransformSteps != nil {
		out.TransformSteps = append([]TransformStep(nil), (*p.TransformSteps)...)
	}
	if p.ValidationRules != nil {
		out.ValidationRules = append([]ValidationRule(nil), (*p.ValidationRules)...)
	}
	return out
}

// =============================================================================
// STORE
// =============================================================================

// Store persists plans and their version chains.
//
// Edit and Commit take the baseRevision the caller last read; a mismatch
// fails with ErrConcurrentEdit rather than overwriting. Versions, once
// written, are immutable: no store operation updates or deletes them.
type Store interface {
	// Create registers a new empty plan for an institution.
	Create(ctx context.Context, institutionID string, initial Settings) (*Plan, error)

	// Get returns a plan by id.
	Get(ctx context.Context, id PlanID) (*Plan, error)

	// Edit applies a patch to the working copy only. No version is assigned.
	Edit(ctx context.Context, id PlanID, baseRevision int, patch Patch) (*Plan, error)

	// Commit snapshots the working copy into a new immutable Version whose
	// parent is the plan's current head, assigns the next version number,
	// and atomically advances the head pointer.
	Commit(ctx context.Context, id PlanID, baseRevision int, message string) (*Version, error)

	// Fork creates a new plan whose working copy is seeded from the given
	// version's settings. The fork shares no lineage with the original
	// beyond the ForkedFrom pointer.
	Fork(ctx context.Context, versionID VersionID, institutionID string) (*Plan, error)

	// Version returns an immutable version by id.
	Version(ctx context.Context, id VersionID) (*Version, error)

	// History returns a plan's committed versions, oldest first.
	History(ctx context.Context, id PlanID) ([]*Version, error)
}

/*
Package engine executes parse plans against raw files.

PURPOSE:
  The run orchestrator drives the full pipeline: fetch raw bytes from blob
  storage, extract source rows per the plan's dialect, convert them to typed
  fields, apply transform steps, check validation rules, and materialize the
  survivors into ledger entries. The same pipeline runs in two modes:

  - PREVIEW: execute against a Draft or a Version, materialize in memory,
    write nothing. This is the authoring loop.
  - COMMIT:  execute against a committed Version only, append entries in
    chunks with idempotency keys, persist progress checkpoints.

CRITICAL INVARIANTS:
  1. DETERMINISM: same version + same raw file = same outcomes, same lineage,
     same entries. No wall-clock or randomness in the row pipeline.
  2. Row-level failures are collected per row with the stage that failed;
     the run continues. Only file-level failures (unreadable blob, dialect
     mismatch) abort the run, and they abort before any write.
  3. A commit run records per-row lineage: the version executed and the
     transform steps applied, queryable later per entry.
  4. Cancellation is chunk-granular. Entries already appended stay (the
     ledger is append-only); a resumed run skips them by idempotency key.

SEE ALSO:
  - eval.go:    expression evaluation with per-step time quota
  - convert.go: schema-driven typing of raw fields
  - run.go:     the orchestrator
*/
package engine

import (
	"time"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/plan"
)

type RunID string

// =============================================================================
// RUN MODE - Preview vs Commit as a closed type
// =============================================================================

// Mode selects preview or commit semantics. Construct with Preview or
// Commit; the zero value is an unlimited preview.
type Mode struct {
	commit       bool
	previewLimit int
}

// Preview runs the pipeline without writing. limit > 0 caps the number of
// source rows processed; 0 means all rows.
func Preview(limit int) Mode { return Mode{previewLimit: limit} }

// Commit runs the pipeline and appends the resulting entries.
func Commit() Mode { return Mode{commit: true} }

func (m Mode) IsCommit() bool    { return m.commit }
func (m Mode) PreviewLimit() int { return m.previewLimit }

func (m Mode) String() string {
	if m.commit {
		return "commit"
	}
	return "preview"
}

// ModeFromString reconstructs a persisted mode. Preview limits are not
// persisted; a reloaded preview run is never re-executed anyway.
func ModeFromString(s string) Mode {
	return Mode{commit: s == "commit"}
}

// =============================================================================
// RUN STATE
// =============================================================================

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Stage names the pipeline step a row failed in.
type Stage string

const (
	StageConvert     Stage = "convert"
	StageTransform   Stage = "transform"
	StageValidate    Stage = "validate"
	StageMaterialize Stage = "materialize"
)

// RowOutcome is the per-row result: either OK, or the stage and error that
// rejected the row.
type RowOutcome struct {
	Row   ingest.RowRef
	OK    bool
	Stage Stage  `json:",omitempty"`
	Err   string `json:",omitempty"`
}

// Lineage records what produced a row's entries: the version executed and
// the transform steps that actually ran on the row, in order.
type Lineage struct {
	PlanVersion plan.VersionID
	Steps       []string
}

// ParseRun is one execution of a plan source against one raw file.
type ParseRun struct {
	ID          RunID
	PlanID      plan.PlanID
	PlanVersion plan.VersionID // "" when a draft drove a preview
	RawFile     ingest.RawFileID
	Mode        Mode
	Status      Status

	StartedAt  time.Time
	FinishedAt time.Time

	TotalRows     int
	ProcessedRows int
	FailedRows    int

	Outcomes []RowOutcome
	Lineage  map[int]Lineage // keyed by source row number

	// Preview payload: the mapped rows and groups that WOULD materialize.
	// Commit runs carry Groups too, plus the appended entry ids.
	Mapped   []ledger.MappedRow
	Groups   []ledger.Group
	EntryIDs []ledger.EntryID

	// AppendedChunks counts fully appended entry chunks; a resumed run
	// restarts after this point (idempotency keys make overlap harmless).
	AppendedChunks int

	Err string
}

package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ingest/blob"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/plan"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator owns parse run execution end to end.
type Orchestrator struct {
	blobs blob.Store
	plans plan.Store
	ldgr  *ledger.Ledger
	mat   *ledger.Materializer
	eval  Evaluator
	runs  RunStore

	// ChunkSize is how many entries are appended per checkpoint. Smaller
	// chunks mean finer-grained cancellation and resume.
	ChunkSize int

	log zerolog.Logger
}

func NewOrchestrator(blobs blob.Store, plans plan.Store, ldgr *ledger.Ledger, eval Evaluator, runs RunStore, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		blobs:     blobs,
		plans:     plans,
		ldgr:      ldgr,
		mat:       ledger.NewMaterializer(),
		eval:      eval,
		runs:      runs,
		ChunkSize: 500,
		log:       log.With().Str("component", "engine").Logger(),
	}
}

// Run executes a plan source against a raw file. Preview mode accepts any
// source; commit mode requires a committed version and is rejected for
// drafts before anything is read.
func (o *Orchestrator) Run(ctx context.Context, src plan.Source, rawFileID ingest.RawFileID, mode Mode) (*ParseRun, error) {
	if mode.IsCommit() && src.SourceVersion() == "" {
		return nil, ErrDraftCommit
	}

	run := &ParseRun{
		ID:          RunID("run_" + uuid.NewString()),
		PlanID:      src.SourcePlan(),
		PlanVersion: src.SourceVersion(),
		RawFile:     rawFileID,
		Mode:        mode,
		Status:      StatusRunning,
		StartedAt:   o.mat.Now().UTC(),
		Lineage:     make(map[int]Lineage),
	}
	if err := o.runs.Save(ctx, run); err != nil {
		return nil, err
	}
	return o.execute(ctx, src.SourceSettings(), run)
}

// Resume re-executes an interrupted commit run. The pipeline is
// deterministic and appends are idempotent, so re-running from the start
// and skipping already written chunks reproduces exactly the missing tail.
func (o *Orchestrator) Resume(ctx context.Context, id RunID) (*ParseRun, error) {
	run, err := o.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.Mode.IsCommit() || (run.Status != StatusCanceled && run.Status != StatusFailed) {
		return nil, fmt.Errorf("%w: %s (%s %s)", ErrRunNotResumable, id, run.Mode, run.Status)
	}
	version, err := o.plans.Version(ctx, run.PlanVersion)
	if err != nil {
		return nil, err
	}

	run.Status = StatusRunning
	run.Err = ""
	run.Outcomes = nil
	run.Lineage = make(map[int]Lineage)
	run.EntryIDs = nil
	run.TotalRows, run.ProcessedRows, run.FailedRows = 0, 0, 0
	if err := o.runs.Save(ctx, run); err != nil {
		return nil, err
	}
	return o.execute(ctx, version.Settings, run)
}

func (o *Orchestrator) execute(ctx context.Context, settings plan.Settings, run *ParseRun) (*ParseRun, error) {
	log := o.log.With().Str("run", string(run.ID)).Str("mode", run.Mode.String()).Logger()

	content, err := o.blobs.Get(ctx, string(run.RawFile))
	if err != nil {
		return o.fail(ctx, run, fmt.Errorf("fetch raw file: %w", err))
	}
	file := ingest.RawFile{ID: run.RawFile, Checksum: ingest.Checksum(content), Content: content}

	rows, err := ingest.Extract(file, settings.Dialect)
	if err != nil {
		// File-level failure. Nothing has been written.
		return o.fail(ctx, run, err)
	}
	if limit := run.Mode.PreviewLimit(); limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	run.TotalRows = len(rows)

	mapped := make([]ledger.MappedRow, 0, len(rows))
	for _, row := range rows {
		m, lineage, rowErr := o.pipeline(ctx, settings, row)
		if rowErr != nil {
			run.FailedRows++
			run.Outcomes = append(run.Outcomes, failedOutcome(row.Ref, rowErr))
			continue
		}
		run.ProcessedRows++
		run.Outcomes = append(run.Outcomes, RowOutcome{Row: row.Ref, OK: true})
		lineage.PlanVersion = run.PlanVersion
		run.Lineage[row.Ref.Number] = lineage
		mapped = append(mapped, m)
	}
	run.Mapped = mapped

	res := o.mat.Materialize(mapped, string(run.ID))
	run.Groups = res.Groups

	if !run.Mode.IsCommit() {
		run.Status = StatusCompleted
		run.FinishedAt = o.mat.Now().UTC()
		log.Info().Int("rows", run.TotalRows).Int("failed", run.FailedRows).
			Int("groups", len(run.Groups)).Msg("preview complete")
		return run, o.runs.Save(ctx, run)
	}

	if err := o.append(ctx, run, res.Entries); err != nil {
		return run, err
	}

	run.Status = StatusCompleted
	run.FinishedAt = o.mat.Now().UTC()
	log.Info().Int("rows", run.TotalRows).Int("failed", run.FailedRows).
		Int("entries", len(run.EntryIDs)).Msg("commit complete")
	return run, o.runs.Save(ctx, run)
}

// pipeline runs one row through typing, transforms, and validation.
func (o *Orchestrator) pipeline(ctx context.Context, settings plan.Settings, row ingest.SourceRow) (ledger.MappedRow, Lineage, error) {
	fields, err := typedFields(row, settings.Schema)
	if err != nil {
		return ledger.MappedRow{}, Lineage{}, err
	}

	var lineage Lineage
	for _, step := range settings.TransformSteps {
		v, err := o.eval.Transform(ctx, step, fields)
		if err != nil {
			return ledger.MappedRow{}, Lineage{}, &TransformError{Step: step.Name, Row: row.Ref, Cause: err}
		}
		fields[step.Target] = v
		lineage.Steps = append(lineage.Steps, step.Name)
	}

	for _, rule := range settings.ValidationRules {
		ok, err := o.eval.Validate(ctx, rule, fields)
		if err != nil {
			return ledger.MappedRow{}, Lineage{}, &ValidationError{Rule: rule.Name, Row: row.Ref, Message: err.Error()}
		}
		if !ok {
			return ledger.MappedRow{}, Lineage{}, &ValidationError{Rule: rule.Name, Row: row.Ref, Message: rule.Message}
		}
	}

	m, err := buildMappedRow(row.Ref, fields)
	if err != nil {
		return ledger.MappedRow{}, Lineage{}, err
	}
	return m, lineage, nil
}

// append writes entries in chunks, checkpointing after each. Chunks before
// run.AppendedChunks were written by a previous attempt and are skipped.
func (o *Orchestrator) append(ctx context.Context, run *ParseRun, entries []ledger.Entry) error {
	chunks := chunkEntries(entries, o.ChunkSize)
	for i, chunk := range chunks {
		if i < run.AppendedChunks {
			for _, e := range chunk {
				run.EntryIDs = append(run.EntryIDs, e.ID)
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			run.Status = StatusCanceled
			run.Err = err.Error()
			_ = o.runs.Save(context.WithoutCancel(ctx), run)
			return err
		}
		if _, err := o.ldgr.AppendBatch(ctx, chunk); err != nil {
			run.Status = StatusFailed
			run.Err = err.Error()
			_ = o.runs.Save(context.WithoutCancel(ctx), run)
			return err
		}
		for _, e := range chunk {
			run.EntryIDs = append(run.EntryIDs, e.ID)
		}
		run.AppendedChunks = i + 1
		if err := o.runs.Save(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, run *ParseRun, err error) (*ParseRun, error) {
	run.Status = StatusFailed
	run.Err = err.Error()
	run.FinishedAt = o.mat.Now().UTC()
	_ = o.runs.Save(context.WithoutCancel(ctx), run)
	o.log.Error().Str("run", string(run.ID)).Err(err).Msg("run failed")
	return run, err
}

func failedOutcome(ref ingest.RowRef, err error) RowOutcome {
	out := RowOutcome{Row: ref, Err: err.Error()}
	switch err.(type) {
	case *ConversionError:
		out.Stage = StageConvert
	case *TransformError:
		out.Stage = StageTransform
	case *ValidationError:
		out.Stage = StageValidate
	default:
		out.Stage = StageMaterialize
	}
	return out
}

func chunkEntries(entries []ledger.Entry, size int) [][]ledger.Entry {
	if size <= 0 {
		size = len(entries)
	}
	var out [][]ledger.Entry
	for len(entries) > 0 {
		n := size
		if n > len(entries) {
			n = len(entries)
		}
		out = append(out, entries[:n])
		entries = entries[n:]
	}
	return out
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All amounts cross the wire as decimal strings ("-1234.56"), never as
  floats. Parsing happens in handlers via shopspring/decimal.

TYPES:
  Plans:
    PlanDTO, VersionDTO, SettingsDTO, CreatePlanRequest, EditPlanRequest,
    CommitPlanRequest, ForkRequest, PreviewRequest

  Runs:
    RunDTO, RowOutcomeDTO, GroupDTO, StartRunRequest

  Ledger:
    EntryDTO, BalanceDTO, ProvenanceDTO

  Reconciliation:
    CheckpointDTO, DiscrepancyDTO, SessionDTO, IterationDTO,
    StagedFixDTO, FixEntryDTO, DeltaDTO, InvestigationDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - plan/types.go: Settings, the versioned payload these mirror
*/
package api

import (
	"time"

	"github.com/warp/ledger-engine/assist"
	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/plan"
	"github.com/warp/ledger-engine/reconcile"
)

// =============================================================================
// PLAN TYPES
// =============================================================================

// DialectDTO describes the physical shape of a raw file.
type DialectDTO struct {
	Format    string `json:"format"`
	Delimiter string `json:"delimiter,omitempty"`
	Header    bool   `json:"header"`
	Encoding  string `json:"encoding,omitempty"`
	Sheet     string `json:"sheet,omitempty"`
}

// FieldSpecDTO declares one logical field of the mapped row.
type FieldSpecDTO struct {
	Name          string   `json:"name"`
	Column        string   `json:"column"`
	Type          string   `json:"type"`
	Format        string   `json:"format,omitempty"`
	Required      bool     `json:"required,omitempty"`
	MissingTokens []string `json:"missing_tokens,omitempty"`
	Default       string   `json:"default,omitempty"`
}

// TransformStepDTO is one ordered transform expression.
type TransformStepDTO struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	Expr   string `json:"expr"`
}

// ValidationRuleDTO is one declarative row expectation.
type ValidationRuleDTO struct {
	Name    string `json:"name"`
	Expr    string `json:"expr"`
	Message string `json:"message,omitempty"`
}

// SettingsDTO is the versioned payload of a plan.
type SettingsDTO struct {
	Dialect     DialectDTO          `json:"dialect"`
	Fields      []FieldSpecDTO      `json:"fields"`
	Transforms  []TransformStepDTO  `json:"transforms,omitempty"`
	Validations []ValidationRuleDTO `json:"validations,omitempty"`
}

// PlanDTO represents a parse plan with its working copy.
type PlanDTO struct {
	ID            string      `json:"id"`
	InstitutionID string      `json:"institution_id"`
	ForkedFrom    string      `json:"forked_from,omitempty"`
	Revision      int         `json:"revision"`
	Head          string      `json:"head,omitempty"`
	HeadNumber    int         `json:"head_number"`
	Working       SettingsDTO `json:"working"`
	CreatedAt     string      `json:"created_at"`
}

// VersionDTO represents an immutable committed version.
type VersionDTO struct {
	ID        string      `json:"id"`
	PlanID    string      `json:"plan_id"`
	Parent    string      `json:"parent,omitempty"`
	Number    int         `json:"number"`
	Message   string      `json:"message,omitempty"`
	Settings  SettingsDTO `json:"settings"`
	CreatedAt string      `json:"created_at"`
}

// CreatePlanRequest is the request to create a plan.
type CreatePlanRequest struct {
	InstitutionID string       `json:"institution_id"`
	Settings      *SettingsDTO `json:"settings,omitempty"`
}

// EditPlanRequest patches a plan's working copy. Nil sections are left
// untouched. BaseRevision is the revision the caller last read.
type EditPlanRequest struct {
	BaseRevision int                  `json:"base_revision"`
	Dialect      *DialectDTO          `json:"dialect,omitempty"`
	Fields       *[]FieldSpecDTO      `json:"fields,omitempty"`
	Transforms   *[]TransformStepDTO  `json:"transforms,omitempty"`
	Validations  *[]ValidationRuleDTO `json:"validations,omitempty"`
}

// CommitPlanRequest snapshots the working copy into a new version.
type CommitPlanRequest struct {
	BaseRevision int    `json:"base_revision"`
	Message      string `json:"message,omitempty"`
}

// ForkRequest creates a new plan seeded from a committed version.
type ForkRequest struct {
	InstitutionID string `json:"institution_id"`
}

// PreviewRequest runs a plan against a file without writing. An empty
// version id previews the working copy.
type PreviewRequest struct {
	RawFileID string `json:"raw_file_id"`
	VersionID string `json:"version_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// =============================================================================
// RUN TYPES
// =============================================================================

// StartRunRequest starts a commit run of a version against a file.
type StartRunRequest struct {
	VersionID string `json:"version_id"`
	RawFileID string `json:"raw_file_id"`
}

// RowOutcomeDTO is one row's result within a run.
type RowOutcomeDTO struct {
	Row   string `json:"row"`
	OK    bool   `json:"ok"`
	Stage string `json:"stage,omitempty"`
	Error string `json:"error,omitempty"`
}

// GroupDTO summarizes one materialization group.
type GroupDTO struct {
	ID        string   `json:"id"`
	Date      string   `json:"date"`
	Action    string   `json:"action"`
	AccountID string   `json:"account_id"`
	Rows      []string `json:"rows"`
	CSVAmount string   `json:"csv_amount"`
	EntrySum  string   `json:"entry_sum"`
	Broken    bool     `json:"broken"`
}

// RunDTO represents a parse run.
type RunDTO struct {
	ID          string `json:"id"`
	PlanID      string `json:"plan_id"`
	PlanVersion string `json:"plan_version,omitempty"`
	RawFile     string `json:"raw_file"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`

	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`

	TotalRows     int    `json:"total_rows"`
	ProcessedRows int    `json:"processed_rows"`
	FailedRows    int    `json:"failed_rows"`
	EstimatedDone string `json:"estimated_completion,omitempty"`

	Outcomes []RowOutcomeDTO `json:"outcomes,omitempty"`
	Groups   []GroupDTO      `json:"groups,omitempty"`
	EntryIDs []string        `json:"entry_ids,omitempty"`

	Error string `json:"error,omitempty"`
}

// UploadDTO is the response to a raw file upload.
type UploadDTO struct {
	ID       string `json:"id"`
	Checksum string `json:"checksum"`
	Size     int    `json:"size"`
}

// =============================================================================
// LEDGER TYPES
// =============================================================================

// EntryDTO represents a ledger entry.
type EntryDTO struct {
	ID              string   `json:"id"`
	GroupID         string   `json:"group_id"`
	Date            string   `json:"date"`
	AccountID       string   `json:"account_id"`
	AssetID         string   `json:"asset_id,omitempty"`
	Side            string   `json:"side"`
	Amount          string   `json:"amount"`
	Currency        string   `json:"currency"`
	Type            string   `json:"type"`
	CSVAmount       *string  `json:"csv_amount,omitempty"`
	Discrepancy     *string  `json:"amount_discrepancy,omitempty"`
	DuplicateSource bool     `json:"duplicate_source,omitempty"`
	SourceRows      []string `json:"source_rows,omitempty"`
	OriginRun       string   `json:"origin_run"`
	CreatedAt       string   `json:"created_at"`
}

// BalanceDTO is a replayed account balance as of a date.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	AsOf      string `json:"as_of"`
	Balance   string `json:"balance"`
}

// ProvenanceDTO is the result of verifying an entry's lineage.
type ProvenanceDTO struct {
	EntryID    string   `json:"entry_id"`
	Verified   bool     `json:"verified"`
	SourceRows []string `json:"source_rows,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// =============================================================================
// RECONCILIATION TYPES
// =============================================================================

// CheckpointDTO is a reported balance pinned to its source row.
type CheckpointDTO struct {
	AccountID string `json:"account_id"`
	Date      string `json:"date"`
	Row       string `json:"row"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
}

// DiscrepancyDTO is one checkpoint the replayed balance disagrees with.
type DiscrepancyDTO struct {
	AccountID         string `json:"account_id"`
	Date              string `json:"date"`
	Expected          string `json:"expected"`
	Calculated        string `json:"calculated"`
	Delta             string `json:"delta"`
	Severity          string `json:"severity"`
	BrokenDoubleEntry bool   `json:"broken_double_entry,omitempty"`
}

// IterationDTO summarizes one detect/investigate/apply pass.
type IterationDTO struct {
	Number        int `json:"number"`
	Discrepancies int `json:"discrepancies"`
	Applied       int `json:"applied"`
	Staged        int `json:"staged"`
	ManualReview  int `json:"manual_review"`
	Failed        int `json:"failed"`
}

// SessionDTO represents a reconciliation session.
type SessionDTO struct {
	ID         string           `json:"id"`
	AccountID  string           `json:"account_id"`
	Status     string           `json:"status"`
	Iterations []IterationDTO   `json:"iterations,omitempty"`
	Remaining  []DiscrepancyDTO `json:"remaining,omitempty"`
	StartedAt  string           `json:"started_at"`
	FinishedAt string           `json:"finished_at,omitempty"`
}

// FixEntryDTO is one correcting transaction inside a proposed fix.
type FixEntryDTO struct {
	Date      string `json:"date"`
	AccountID string `json:"account_id"`
	AssetID   string `json:"asset_id,omitempty"`
	Action    string `json:"action,omitempty"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency,omitempty"`
	Memo      string `json:"memo,omitempty"`
}

// StagedFixDTO is a mid-confidence fix awaiting a human decision.
type StagedFixDTO struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	AccountID       string        `json:"account_id"`
	InvestigationID string        `json:"investigation_id"`
	Description     string        `json:"description"`
	Confidence      float64       `json:"confidence"`
	Assumptions     []string      `json:"assumptions,omitempty"`
	Entries         []FixEntryDTO `json:"entries"`
	StagedAt        string        `json:"staged_at"`
}

// DeltaDTO is one applied fix on the audit trail.
type DeltaDTO struct {
	ID                  string   `json:"id"`
	SessionID           string   `json:"session_id"`
	AccountID           string   `json:"account_id"`
	InvestigationID     string   `json:"investigation_id"`
	FixIndex            int      `json:"fix_index"`
	ApprovalSource      string   `json:"approval_source"`
	BalanceChange       string   `json:"balance_change"`
	EntryIDs            []string `json:"entry_ids,omitempty"`
	ResolvedCheckpoints []string `json:"resolved_checkpoints,omitempty"`
	AppliedAt           string   `json:"applied_at"`
}

// InvestigationDTO is one recorded assistant investigation.
type InvestigationDTO struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	AccountID      string   `json:"account_id"`
	Iteration      int      `json:"iteration"`
	CheckpointDate string   `json:"checkpoint_date"`
	Hypothesis     string   `json:"hypothesis,omitempty"`
	Analysis       string   `json:"analysis,omitempty"`
	Uncertainties  []string `json:"uncertainties,omitempty"`
	ProposedFixes  int      `json:"proposed_fixes"`
	Failed         bool     `json:"failed,omitempty"`
	FailureReason  string   `json:"failure_reason,omitempty"`
	RecordedAt     string   `json:"recorded_at"`
}

// =============================================================================
// DOMAIN <-> DTO CONVERSION
// =============================================================================

const dateLayout = "2006-01-02"

func toDialectDTO(d ingest.Dialect) DialectDTO {
	return DialectDTO{
		Format:    string(d.Format),
		Delimiter: d.Delimiter,
		Header:    d.HasHeader,
		Encoding:  d.Encoding,
		Sheet:     d.Sheet,
	}
}

func fromDialectDTO(d DialectDTO) ingest.Dialect {
	return ingest.Dialect{
		Format:    ingest.FileFormat(d.Format),
		Delimiter: d.Delimiter,
		HasHeader: d.Header,
		Encoding:  d.Encoding,
		Sheet:     d.Sheet,
	}
}

func toSettingsDTO(s plan.Settings) SettingsDTO {
	out := SettingsDTO{Dialect: toDialectDTO(s.Dialect)}
	for _, f := range s.Schema.Fields {
		out.Fields = append(out.Fields, FieldSpecDTO{
			Name:          f.Name,
			Column:        f.Column,
			Type:          string(f.Type),
			Format:        f.Format,
			Required:      f.Required,
			MissingTokens: f.MissingTokens,
			Default:       f.Default,
		})
	}
	for _, t := range s.TransformSteps {
		out.Transforms = append(out.Transforms, TransformStepDTO(t))
	}
	for _, v := range s.ValidationRules {
		out.Validations = append(out.Validations, ValidationRuleDTO(v))
	}
	return out
}

func fromSettingsDTO(s SettingsDTO) plan.Settings {
	return plan.Settings{
		Dialect:         fromDialectDTO(s.Dialect),
		Schema:          ingest.Schema{Fields: fromFieldSpecDTOs(s.Fields)},
		TransformSteps:  fromTransformDTOs(s.Transforms),
		ValidationRules: fromValidationDTOs(s.Validations),
	}
}

func fromFieldSpecDTOs(fields []FieldSpecDTO) []ingest.FieldSpec {
	var out []ingest.FieldSpec
	for _, f := range fields {
		out = append(out, ingest.FieldSpec{
			Name:          f.Name,
			Column:        f.Column,
			Type:          ingest.FieldType(f.Type),
			Format:        f.Format,
			Required:      f.Required,
			MissingTokens: f.MissingTokens,
			Default:       f.Default,
		})
	}
	return out
}

func fromTransformDTOs(steps []TransformStepDTO) []plan.TransformStep {
	var out []plan.TransformStep
	for _, t := range steps {
		out = append(out, plan.TransformStep(t))
	}
	return out
}

func fromValidationDTOs(rules []ValidationRuleDTO) []plan.ValidationRule {
	var out []plan.ValidationRule
	for _, v := range rules {
		out = append(out, plan.ValidationRule(v))
	}
	return out
}

func toPlanDTO(p *plan.Plan) PlanDTO {
	return PlanDTO{
		ID:            string(p.ID),
		InstitutionID: p.InstitutionID,
		ForkedFrom:    string(p.ForkedFrom),
		Revision:      p.Revision,
		Head:          string(p.Head),
		HeadNumber:    p.HeadNumber,
		Working:       toSettingsDTO(p.Working),
		CreatedAt:     formatTime(p.CreatedAt),
	}
}

func toVersionDTO(v *plan.Version) VersionDTO {
	return VersionDTO{
		ID:        string(v.ID),
		PlanID:    string(v.PlanID),
		Parent:    string(v.Parent),
		Number:    v.Number,
		Message:   v.CommitMessage,
		Settings:  toSettingsDTO(v.Settings),
		CreatedAt: formatTime(v.CreatedAt),
	}
}

func toRunDTO(run *engine.ParseRun) RunDTO {
	dto := RunDTO{
		ID:            string(run.ID),
		PlanID:        string(run.PlanID),
		PlanVersion:   string(run.PlanVersion),
		RawFile:       string(run.RawFile),
		Mode:          run.Mode.String(),
		Status:        string(run.Status),
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		TotalRows:     run.TotalRows,
		ProcessedRows: run.ProcessedRows,
		FailedRows:    run.FailedRows,
		Error:         run.Err,
	}
	// Extrapolate completion from per-chunk progress while a commit run is
	// still executing.
	if run.Status == engine.StatusRunning && run.ProcessedRows > 0 && run.TotalRows > run.ProcessedRows {
		elapsed := time.Since(run.StartedAt)
		remaining := time.Duration(float64(elapsed) / float64(run.ProcessedRows) * float64(run.TotalRows-run.ProcessedRows))
		dto.EstimatedDone = time.Now().Add(remaining).UTC().Format(time.RFC3339)
	}
	for _, o := range run.Outcomes {
		dto.Outcomes = append(dto.Outcomes, RowOutcomeDTO{
			Row:   o.Row.String(),
			OK:    o.OK,
			Stage: string(o.Stage),
			Error: o.Err,
		})
	}
	for _, g := range run.Groups {
		dto.Groups = append(dto.Groups, toGroupDTO(g))
	}
	for _, id := range run.EntryIDs {
		dto.EntryIDs = append(dto.EntryIDs, string(id))
	}
	return dto
}

func toGroupDTO(g ledger.Group) GroupDTO {
	dto := GroupDTO{
		ID:        string(g.ID),
		Date:      g.Date.Format(dateLayout),
		Action:    g.Action,
		AccountID: g.AccountID,
		CSVAmount: g.CSVAmount.String(),
		EntrySum:  g.EntrySum.String(),
		Broken:    g.Broken,
	}
	for _, r := range g.Rows {
		dto.Rows = append(dto.Rows, r.String())
	}
	return dto
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:              string(e.ID),
		GroupID:         string(e.GroupID),
		Date:            e.Date.Format(dateLayout),
		AccountID:       e.AccountID,
		AssetID:         e.AssetID,
		Side:            string(e.Side),
		Amount:          e.Amount.String(),
		Currency:        e.Currency,
		Type:            e.Type,
		DuplicateSource: e.DuplicateSource,
		OriginRun:       e.OriginRun,
		CreatedAt:       formatTime(e.CreatedAt),
	}
	if e.CSVAmount != nil {
		s := e.CSVAmount.String()
		dto.CSVAmount = &s
	}
	if e.AmountDiscrepancy != nil {
		s := e.AmountDiscrepancy.String()
		dto.Discrepancy = &s
	}
	for _, r := range e.SourceRows {
		dto.SourceRows = append(dto.SourceRows, r.String())
	}
	return dto
}

func toCheckpointDTO(cp reconcile.Checkpoint) CheckpointDTO {
	return CheckpointDTO{
		AccountID: cp.AccountID,
		Date:      cp.Date.Format(dateLayout),
		Row:       cp.Row.String(),
		Balance:   cp.Balance.String(),
		Currency:  cp.Currency,
	}
}

func toDiscrepancyDTO(d reconcile.Discrepancy) DiscrepancyDTO {
	return DiscrepancyDTO{
		AccountID:         d.AccountID,
		Date:              d.Checkpoint.Date.Format(dateLayout),
		Expected:          d.Expected.String(),
		Calculated:        d.Calculated.String(),
		Delta:             d.Delta.String(),
		Severity:          string(d.Severity),
		BrokenDoubleEntry: d.BrokenDoubleEntry,
	}
}

func toSessionDTO(s *reconcile.Session) SessionDTO {
	dto := SessionDTO{
		ID:         s.ID,
		AccountID:  s.AccountID,
		Status:     string(s.Status),
		StartedAt:  formatTime(s.StartedAt),
		FinishedAt: formatTime(s.FinishedAt),
	}
	for _, it := range s.Iterations {
		dto.Iterations = append(dto.Iterations, IterationDTO(it))
	}
	for _, d := range s.Remaining {
		dto.Remaining = append(dto.Remaining, toDiscrepancyDTO(d))
	}
	return dto
}

func toStagedFixDTO(sf reconcile.StagedFix) StagedFixDTO {
	dto := StagedFixDTO{
		ID:              sf.ID,
		SessionID:       sf.SessionID,
		AccountID:       sf.AccountID,
		InvestigationID: sf.InvestigationID,
		Description:     sf.Fix.Description,
		Confidence:      sf.Fix.Confidence,
		Assumptions:     sf.Fix.Assumptions,
		StagedAt:        formatTime(sf.StagedAt),
	}
	for _, e := range sf.Fix.Entries {
		dto.Entries = append(dto.Entries, toFixEntryDTO(e))
	}
	return dto
}

func toFixEntryDTO(e assist.FixEntry) FixEntryDTO {
	return FixEntryDTO{
		Date:      e.Date.Format(dateLayout),
		AccountID: e.AccountID,
		AssetID:   e.AssetID,
		Action:    e.Action,
		Amount:    e.Amount.String(),
		Currency:  e.Currency,
		Memo:      e.Memo,
	}
}

func toDeltaDTO(d audit.TransactionDelta) DeltaDTO {
	dto := DeltaDTO{
		ID:              d.ID,
		SessionID:       d.SessionID,
		AccountID:       d.AccountID,
		InvestigationID: d.InvestigationID,
		FixIndex:        d.FixIndex,
		ApprovalSource:  string(d.ApprovalSource),
		BalanceChange:   d.BalanceChange.String(),
		AppliedAt:       formatTime(d.AppliedAt),
	}
	for _, id := range d.EntryIDs {
		dto.EntryIDs = append(dto.EntryIDs, string(id))
	}
	for _, t := range d.ResolvedCheckpoints {
		dto.ResolvedCheckpoints = append(dto.ResolvedCheckpoints, t.Format(dateLayout))
	}
	return dto
}

func toInvestigationDTO(rec audit.InvestigationRecord) InvestigationDTO {
	inv := rec.Investigation
	return InvestigationDTO{
		ID:             inv.ID,
		SessionID:      rec.SessionID,
		AccountID:      rec.AccountID,
		Iteration:      rec.Iteration,
		CheckpointDate: inv.CheckpointDate.Format(dateLayout),
		Hypothesis:     inv.Hypothesis,
		Analysis:       inv.EvidenceAnalysis,
		Uncertainties:  inv.Uncertainties,
		ProposedFixes:  len(inv.ProposedFixes),
		Failed:         inv.Failed,
		FailureReason:  inv.FailureReason,
		RecordedAt:     formatTime(rec.RecordedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

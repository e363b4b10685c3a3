/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes the import pipeline, ledger, and reconciliation engine via REST
  API. Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Plans:
    POST   /api/plans                   Create plan
    GET    /api/plans/{id}              Get plan with working copy
    PATCH  /api/plans/{id}              Edit working copy (optimistic)
    POST   /api/plans/{id}/commit       Commit working copy to a version
    GET    /api/plans/{id}/history      Committed versions, oldest first
    POST   /api/plans/{id}/preview      Preview run (draft or version)

  Versions:
    GET    /api/versions/{id}           Get immutable version
    POST   /api/versions/{id}/fork      Fork into a new plan

  Files:
    POST   /api/files                   Upload raw export bytes

  Runs:
    GET    /api/runs                    List parse runs
    POST   /api/runs                    Start commit run
    GET    /api/runs/{id}               Get run with outcomes
    POST   /api/runs/{id}/resume        Resume interrupted commit run

  Ledger:
    GET    /api/entries/{id}            Get entry
    GET    /api/entries/{id}/provenance Re-verify entry lineage
    GET    /api/accounts                List account ids
    GET    /api/accounts/{id}/entries   Ordered entries
    GET    /api/accounts/{id}/balance   Replayed balance (?as_of=)
    GET    /api/accounts/{id}/checkpoints

  Reconciliation:
    GET    /api/accounts/{id}/discrepancies
    POST   /api/accounts/{id}/reconcile Run a session to completion
    GET    /api/accounts/{id}/sessions
    GET    /api/accounts/{id}/deltas    Applied-fix audit trail
    GET    /api/sessions/{id}
    GET    /api/sessions/{id}/investigations
    GET    /api/fixes                   Staged fixes (?account=)
    POST   /api/fixes/{id}/approve
    POST   /api/fixes/{id}/reject

ERROR HANDLING:
  Domain errors map to HTTP status via sentinel errors:
  - 400: Validation errors, invalid input, draft commit
  - 404: Plan/version/run/entry/fix not found
  - 409: Concurrent edit, nothing to commit, session in progress,
         fix contradiction, immutability violation
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Periodic reconciliation
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ingest/blob"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/plan"
	"github.com/warp/ledger-engine/reconcile"
)

// maxUploadBytes caps raw file uploads at 32 MiB.
const maxUploadBytes = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Plans plan.Store
	Blobs blob.Store

	Engine *engine.Orchestrator
	Runs   engine.RunStore

	Ledger      *ledger.Ledger
	Checkpoints reconcile.CheckpointStore

	Detector   *reconcile.Detector
	Reconciler *reconcile.Orchestrator
	Applicator *reconcile.Applicator
	Sessions   reconcile.SessionStore
	Trail      audit.Trail

	Log zerolog.Logger
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// CreatePlan creates a new plan, optionally seeded with settings.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.InstitutionID == "" {
		writeError(w, http.StatusBadRequest, "institution_id is required", nil)
		return
	}

	var settings plan.Settings
	if req.Settings != nil {
		settings = fromSettingsDTO(*req.Settings)
	}

	p, err := h.Plans.Create(r.Context(), req.InstitutionID, settings)
	if err != nil {
		writeDomainError(w, "Failed to create plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(p))
}

// GetPlan returns a plan with its working copy and head pointer.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Plans.Get(r.Context(), plan.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get plan", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(p))
}

// EditPlan patches the working copy. The patch is rejected when the caller's
// base revision is stale.
func (h *Handler) EditPlan(w http.ResponseWriter, r *http.Request) {
	var req EditPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	patch := plan.Patch{}
	if req.Dialect != nil {
		d := fromDialectDTO(*req.Dialect)
		patch.Dialect = &d
	}
	if req.Fields != nil {
		s := ingest.Schema{Fields: fromFieldSpecDTOs(*req.Fields)}
		patch.Schema = &s
	}
	if req.Transforms != nil {
		t := fromTransformDTOs(*req.Transforms)
		patch.TransformSteps = &t
	}
	if req.Validations != nil {
		v := fromValidationDTOs(*req.Validations)
		patch.ValidationRules = &v
	}

	p, err := h.Plans.Edit(r.Context(), plan.PlanID(chi.URLParam(r, "id")), req.BaseRevision, patch)
	if err != nil {
		writeDomainError(w, "Failed to edit plan", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(p))
}

// CommitPlan snapshots the working copy into a new immutable version.
func (h *Handler) CommitPlan(w http.ResponseWriter, r *http.Request) {
	var req CommitPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	v, err := h.Plans.Commit(r.Context(), plan.PlanID(chi.URLParam(r, "id")), req.BaseRevision, req.Message)
	if err != nil {
		writeDomainError(w, "Failed to commit plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toVersionDTO(v))
}

// PlanHistory returns the committed version chain, oldest first.
func (h *Handler) PlanHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Plans.History(r.Context(), plan.PlanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get history", err)
		return
	}
	dtos := make([]VersionDTO, len(versions))
	for i, v := range versions {
		dtos[i] = toVersionDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PreviewPlan runs a plan source against a file without writing anything.
// With no version_id the working copy is previewed as a draft.
func (h *Handler) PreviewPlan(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.RawFileID == "" {
		writeError(w, http.StatusBadRequest, "raw_file_id is required", nil)
		return
	}

	ctx := r.Context()
	planID := plan.PlanID(chi.URLParam(r, "id"))

	var src plan.Source
	if req.VersionID != "" {
		v, err := h.Plans.Version(ctx, plan.VersionID(req.VersionID))
		if err != nil {
			writeDomainError(w, "Failed to get version", err)
			return
		}
		if v.PlanID != planID {
			writeError(w, http.StatusBadRequest, "Version belongs to a different plan", nil)
			return
		}
		src = v
	} else {
		p, err := h.Plans.Get(ctx, planID)
		if err != nil {
			writeDomainError(w, "Failed to get plan", err)
			return
		}
		src = plan.Draft{PlanID: p.ID, Revision: p.Revision, Settings: p.Working}
	}

	run, err := h.Engine.Run(ctx, src, ingest.RawFileID(req.RawFileID), engine.Preview(req.Limit))
	if err != nil {
		writeDomainError(w, "Preview failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// =============================================================================
// VERSION HANDLERS
// =============================================================================

// GetVersion returns an immutable committed version.
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Plans.Version(r.Context(), plan.VersionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get version", err)
		return
	}
	writeJSON(w, http.StatusOK, toVersionDTO(v))
}

// ForkVersion creates a new plan seeded from a committed version.
func (h *Handler) ForkVersion(w http.ResponseWriter, r *http.Request) {
	var req ForkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.InstitutionID == "" {
		writeError(w, http.StatusBadRequest, "institution_id is required", nil)
		return
	}

	p, err := h.Plans.Fork(r.Context(), plan.VersionID(chi.URLParam(r, "id")), req.InstitutionID)
	if err != nil {
		writeDomainError(w, "Failed to fork version", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(p))
}

// =============================================================================
// FILE HANDLERS
// =============================================================================

// UploadFile stores raw export bytes and returns the blob reference. The
// body is the file content itself, not multipart.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload", err)
		return
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "Empty upload", nil)
		return
	}

	ref, err := h.Blobs.Put(r.Context(), content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store file", err)
		return
	}
	writeJSON(w, http.StatusCreated, UploadDTO{ID: ref.ID, Checksum: ref.Checksum, Size: len(content)})
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// StartRun executes a commit run of a committed version against a file.
// Reported balances in the mapped rows become reconciliation checkpoints.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.VersionID == "" || req.RawFileID == "" {
		writeError(w, http.StatusBadRequest, "version_id and raw_file_id are required", nil)
		return
	}

	ctx := r.Context()
	v, err := h.Plans.Version(ctx, plan.VersionID(req.VersionID))
	if err != nil {
		writeDomainError(w, "Failed to get version", err)
		return
	}

	run, err := h.Engine.Run(ctx, v, ingest.RawFileID(req.RawFileID), engine.Commit())
	if err != nil {
		writeDomainError(w, "Run failed", err)
		return
	}
	if err := h.storeCheckpoints(r, run); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store checkpoints", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(run))
}

// GetRun returns a run with its per-row outcomes and groups.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runs.Get(r.Context(), engine.RunID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// ListRuns returns all parse runs, oldest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Runs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResumeRun re-executes an interrupted commit run.
func (h *Handler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Engine.Resume(r.Context(), engine.RunID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Resume failed", err)
		return
	}
	if err := h.storeCheckpoints(r, run); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store checkpoints", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// storeCheckpoints persists the reported balances a completed commit run
// carried. The checkpoint store ignores rows it has already seen.
func (h *Handler) storeCheckpoints(r *http.Request, run *engine.ParseRun) error {
	if run.Status != engine.StatusCompleted {
		return nil
	}
	cps := reconcile.BuildCheckpoints(run.Mapped)
	if len(cps) == 0 {
		return nil
	}
	return h.Checkpoints.Put(r.Context(), cps)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetEntry returns one ledger entry.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Ledger.Store().Get(r.Context(), ledger.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*e))
}

// VerifyProvenance re-resolves an entry's lineage against blob storage.
// A failed verification is a 200 with verified=false; the entry itself
// exists either way.
func (h *Handler) VerifyProvenance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := h.Ledger.Store().Get(ctx, ledger.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get entry", err)
		return
	}

	dto := ProvenanceDTO{EntryID: string(e.ID), Verified: true}
	for _, ref := range e.SourceRows {
		dto.SourceRows = append(dto.SourceRows, ref.String())
	}
	if err := h.Ledger.VerifyProvenance(ctx, *e); err != nil {
		dto.Verified = false
		dto.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListAccounts returns the non-clearing account ids in the ledger.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Ledger.Store().Accounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts", err)
		return
	}
	if accounts == nil {
		accounts = []string{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// AccountEntries returns an account's entries in ledger order.
func (h *Handler) AccountEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Ledger.Store().Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AccountBalance replays an account's entries up to as_of (default today).
func (h *Handler) AccountBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	asOf := time.Now().UTC()
	if s := r.URL.Query().Get("as_of"); s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
			return
		}
		asOf = t
	}

	balance, err := h.Ledger.Balance(r.Context(), accountID, asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: accountID,
		AsOf:      asOf.Format(dateLayout),
		Balance:   balance.String(),
	})
}

// AccountCheckpoints returns an account's reported balances.
func (h *Handler) AccountCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.Checkpoints.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get checkpoints", err)
		return
	}
	dtos := make([]CheckpointDTO, len(cps))
	for i, cp := range cps {
		dtos[i] = toCheckpointDTO(cp)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// AccountDiscrepancies compares replayed balances against checkpoints.
func (h *Handler) AccountDiscrepancies(w http.ResponseWriter, r *http.Request) {
	disc, err := h.Detector.Detect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Detection failed", err)
		return
	}
	dtos := make([]DiscrepancyDTO, len(disc))
	for i, d := range disc {
		dtos[i] = toDiscrepancyDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reconcile runs a reconciliation session to completion and returns it.
// A session already running on the account is a 409.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	session, err := h.Reconciler.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

// AccountSessions returns an account's reconciliation sessions.
func (h *Handler) AccountSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.ByAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get sessions", err)
		return
	}
	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AccountDeltas returns the applied-fix audit trail for an account.
func (h *Handler) AccountDeltas(w http.ResponseWriter, r *http.Request) {
	deltas, err := h.Trail.Deltas(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get deltas", err)
		return
	}
	dtos := make([]DeltaDTO, len(deltas))
	for i, d := range deltas {
		dtos[i] = toDeltaDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSession returns one reconciliation session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(session))
}

// SessionInvestigations returns the investigations recorded for a session,
// including failed ones.
func (h *Handler) SessionInvestigations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Trail.Investigations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get investigations", err)
		return
	}
	dtos := make([]InvestigationDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toInvestigationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListStagedFixes returns fixes waiting for a human decision, optionally
// filtered by account.
func (h *Handler) ListStagedFixes(w http.ResponseWriter, r *http.Request) {
	staged := h.Applicator.Staged(r.URL.Query().Get("account"))
	dtos := make([]StagedFixDTO, len(staged))
	for i, sf := range staged {
		dtos[i] = toStagedFixDTO(sf)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApproveFix applies a staged fix with manual provenance.
func (h *Handler) ApproveFix(w http.ResponseWriter, r *http.Request) {
	delta, err := h.Applicator.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Approval failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeltaDTO(*delta))
}

// RejectFix discards a staged fix.
func (h *Handler) RejectFix(w http.ResponseWriter, r *http.Request) {
	if err := h.Applicator.Reject(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, "Rejection failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, plan.ErrPlanNotFound),
		errors.Is(err, plan.ErrVersionNotFound),
		errors.Is(err, engine.ErrRunNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, reconcile.ErrSessionNotFound),
		errors.Is(err, reconcile.ErrStagedFixNotFound),
		errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, plan.ErrConcurrentEdit),
		errors.Is(err, plan.ErrNothingToCommit),
		errors.Is(err, plan.ErrImmutabilityViolation),
		errors.Is(err, reconcile.ErrSessionInProgress),
		errors.Is(err, reconcile.ErrFixContradiction),
		errors.Is(err, ledger.ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, engine.ErrDraftCommit),
		errors.Is(err, engine.ErrRunNotResumable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

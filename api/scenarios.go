/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the system with realistic
	data for testing and demos. Each scenario creates a parse plan, commits
	it, uploads a sample brokerage export, and runs a commit run so the
	ledger, checkpoints, and reconciliation endpoints have data to show.

AVAILABLE SCENARIOS:

	brokerage-clean:       Import whose reported balances all reconcile
	brokerage-discrepancy: Same export with a balance column that drifts,
	                       leaving a discrepancy for reconciliation to find

HOW SCENARIOS WORK:
 1. Create a plan with a CSV dialect and field schema
 2. Commit the working copy into version 1
 3. Upload the sample export to blob storage
 4. Execute a commit run against the version
 5. Store the reported balances as checkpoints

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "brokerage-discrepancy"}

NOTE:

	Scenarios append to the ledger. Only use in development/demo
	environments with a fresh database.

SEE ALSO:
  - handlers.go: StartRun, the production import path scenarios reuse
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/plan"
	"github.com/warp/ledger-engine/reconcile"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResultDTO reports what a loaded scenario created.
type ScenarioResultDTO struct {
	ScenarioID string `json:"scenario_id"`
	PlanID     string `json:"plan_id"`
	VersionID  string `json:"version_id"`
	RawFileID  string `json:"raw_file_id"`
	RunID      string `json:"run_id"`
	AccountID  string `json:"account_id"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "brokerage-clean",
		Name:        "Clean Brokerage Import",
		Description: "CSV export whose reported balances all reconcile",
	},
	{
		ID:          "brokerage-discrepancy",
		Name:        "Brokerage Import With Discrepancy",
		Description: "Same export with a final balance off by 20.00, for the reconciliation loop to investigate",
	},
}

const cleanExport = `Date,Action,Symbol,Account,Quantity,Price,Amount,Balance
2024-01-02,deposit,,acct-demo,,,10000.00,10000.00
2024-01-03,buy,AAPL,acct-demo,10,185.50,-1855.00,8145.00
2024-01-10,dividend,AAPL,acct-demo,,,12.40,8157.40
2024-01-15,sell,AAPL,acct-demo,4,190.00,760.00,8917.40
`

const discrepancyExport = `Date,Action,Symbol,Account,Quantity,Price,Amount,Balance
2024-01-02,deposit,,acct-demo,,,10000.00,10000.00
2024-01-03,buy,AAPL,acct-demo,10,185.50,-1855.00,8145.00
2024-01-10,dividend,AAPL,acct-demo,,,12.40,8157.40
2024-01-15,sell,AAPL,acct-demo,4,190.00,760.00,8937.40
`

func demoSettings() plan.Settings {
	return plan.Settings{
		Dialect: ingest.Dialect{Format: ingest.FormatCSV, HasHeader: true},
		Schema: ingest.Schema{Fields: []ingest.FieldSpec{
			{Name: "date", Column: "Date", Type: ingest.TypeDate, Format: "2006-01-02", Required: true},
			{Name: "action", Column: "Action", Type: ingest.TypeString},
			{Name: "asset_id", Column: "Symbol", Type: ingest.TypeString},
			{Name: "account_id", Column: "Account", Type: ingest.TypeString, Required: true},
			{Name: "quantity", Column: "Quantity", Type: ingest.TypeDecimal},
			{Name: "price", Column: "Price", Type: ingest.TypeDecimal},
			{Name: "amount", Column: "Amount", Type: ingest.TypeDecimal, Required: true},
			{Name: "balance", Column: "Balance", Type: ingest.TypeDecimal},
			{Name: "currency", Column: "Currency", Type: ingest.TypeString, Default: "USD"},
		}},
		ValidationRules: []plan.ValidationRule{
			{Name: "account present", Expr: `account_id != ""`, Message: "row has no account"},
		},
	}
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario drives a scenario's export through the real import path.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var export string
	switch req.ScenarioID {
	case "brokerage-clean":
		export = cleanExport
	case "brokerage-discrepancy":
		export = discrepancyExport
	default:
		writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	ctx := r.Context()

	p, err := h.Plans.Create(ctx, "demo-brokerage", demoSettings())
	if err != nil {
		writeDomainError(w, "Failed to create demo plan", err)
		return
	}
	v, err := h.Plans.Commit(ctx, p.ID, p.Revision, "demo scenario "+req.ScenarioID)
	if err != nil {
		writeDomainError(w, "Failed to commit demo plan", err)
		return
	}

	ref, err := h.Blobs.Put(ctx, []byte(export))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store demo export", err)
		return
	}

	run, err := h.Engine.Run(ctx, v, ingest.RawFileID(ref.ID), engine.Commit())
	if err != nil {
		writeDomainError(w, "Demo run failed", err)
		return
	}
	if cps := reconcile.BuildCheckpoints(run.Mapped); len(cps) > 0 {
		if err := h.Checkpoints.Put(ctx, cps); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to store demo checkpoints", err)
			return
		}
	}

	h.Log.Info().Str("scenario", req.ScenarioID).Str("run", string(run.ID)).Msg("demo scenario loaded")
	writeJSON(w, http.StatusCreated, ScenarioResultDTO{
		ScenarioID: req.ScenarioID,
		PlanID:     string(p.ID),
		VersionID:  string(v.ID),
		RawFileID:  ref.ID,
		RunID:      string(run.ID),
		AccountID:  "acct-demo",
	})
}

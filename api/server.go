/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/plans/*       Parse plan authoring and versioning
  /api/versions/*    Immutable version access and forking
  /api/files         Raw export upload
  /api/runs/*        Parse run execution
  /api/entries/*     Ledger entries and provenance
  /api/accounts/*    Accounts, balances, checkpoints, reconciliation
  /api/sessions/*    Reconciliation sessions and investigations
  /api/fixes/*       Staged fix approval workflow
  /api/scenarios/*   Demo scenarios (dev only)

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Plan authoring routes
		r.Route("/plans", func(r chi.Router) {
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Patch("/{id}", h.EditPlan)
			r.Post("/{id}/commit", h.CommitPlan)
			r.Get("/{id}/history", h.PlanHistory)
			r.Post("/{id}/preview", h.PreviewPlan)
		})

		// Version routes
		r.Route("/versions", func(r chi.Router) {
			r.Get("/{id}", h.GetVersion)
			r.Post("/{id}/fork", h.ForkVersion)
		})

		// Raw file routes
		r.Route("/files", func(r chi.Router) {
			r.Post("/", h.UploadFile)
		})

		// Parse run routes
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.StartRun)
			r.Get("/{id}", h.GetRun)
			r.Post("/{id}/resume", h.ResumeRun)
		})

		// Ledger entry routes
		r.Route("/entries", func(r chi.Router) {
			r.Get("/{id}", h.GetEntry)
			r.Get("/{id}/provenance", h.VerifyProvenance)
		})

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Get("/{id}/entries", h.AccountEntries)
			r.Get("/{id}/balance", h.AccountBalance)
			r.Get("/{id}/checkpoints", h.AccountCheckpoints)
			r.Get("/{id}/discrepancies", h.AccountDiscrepancies)
			r.Post("/{id}/reconcile", h.Reconcile)
			r.Get("/{id}/sessions", h.AccountSessions)
			r.Get("/{id}/deltas", h.AccountDeltas)
		})

		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/{id}", h.GetSession)
			r.Get("/{id}/investigations", h.SessionInvestigations)
		})

		// Staged fix routes
		r.Route("/fixes", func(r chi.Router) {
			r.Get("/", h.ListStagedFixes)
			r.Post("/{id}/approve", h.ApproveFix)
			r.Post("/{id}/reject", h.RejectFix)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Ledger Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Ledger Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><a href="/api/accounts">/api/accounts</a> - List accounts</li>
<li><a href="/api/runs">/api/runs</a> - List parse runs</li>
<li><a href="/api/fixes">/api/fixes</a> - Staged fixes awaiting approval</li>
</ul>
</body>
</html>`))
	})

	return r
}

package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/ledger-engine/assist"
	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/ingest"
)

// MaxIterations bounds the detect/investigate/apply loop per session.
const MaxIterations = 3

// EvidenceWindow bounds the context shown to the assistant around a
// checkpoint: entries and reported balances within this many days either
// side.
const EvidenceWindow = 7 * 24 * time.Hour

// =============================================================================
// SESSION STATE
// =============================================================================

type SessionStatus string

const (
	SessionPending       SessionStatus = "pending"
	SessionInvestigating SessionStatus = "investigating"
	SessionApplying      SessionStatus = "applying"
	SessionConverged     SessionStatus = "converged"
	SessionPartial       SessionStatus = "partially_reconciled"
)

// IterationReport summarizes one detect/investigate/apply pass.
type IterationReport struct {
	Number        int
	Discrepancies int
	Applied       int
	Staged        int
	ManualReview  int
	Failed        int
}

// Session is one reconciliation attempt on one account.
type Session struct {
	ID        string
	AccountID string
	Status    SessionStatus

	Iterations []IterationReport

	// Remaining are the discrepancies still open when the session ended.
	// Empty for a converged session.
	Remaining []Discrepancy

	StartedAt  time.Time
	FinishedAt time.Time
}

// =============================================================================
// SESSION STORE
// =============================================================================

type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ByAccount(ctx context.Context, accountID string) ([]*Session, error)
}

type MemorySessions struct {
	mu    sync.RWMutex
	byID  map[string]*Session
	order []string
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{byID: make(map[string]*Session)}
}

func (m *MemorySessions) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; !ok {
		m.order = append(m.order, s.ID)
	}
	cp := *s
	cp.Iterations = append([]IterationReport(nil), s.Iterations...)
	cp.Remaining = append([]Discrepancy(nil), s.Remaining...)
	m.byID[s.ID] = &cp
	return nil
}

func (m *MemorySessions) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessions) ByAccount(_ context.Context, accountID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, id := range m.order {
		if s := m.byID[id]; s.AccountID == accountID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// =============================================================================
// SOURCE RESOLVER - Optional raw-row evidence
// =============================================================================

// SourceResolver turns row references back into raw field maps for the
// evidence bundle. Nil is acceptable; the assistant then works from entries
// and checkpoints alone.
type SourceResolver interface {
	Resolve(ctx context.Context, refs []ingest.RowRef) ([]assist.SourceRowInfo, error)
}

// =============================================================================
// ORCHESTRATOR - The iterative session loop
// =============================================================================

// Orchestrator runs reconciliation sessions. One per process; it owns the
// per-account exclusivity map.
type Orchestrator struct {
	detector     *Detector
	investigator assist.Investigator
	applicator   *Applicator
	trail        audit.Trail
	sessions     SessionStore
	sources      SourceResolver // may be nil

	MaxIterations int
	Window        time.Duration

	log zerolog.Logger
	now func() time.Time

	mu     sync.Mutex
	active map[string]string // accountID -> session id
}

func NewOrchestrator(detector *Detector, investigator assist.Investigator, applicator *Applicator, trail audit.Trail, sessions SessionStore, sources SourceResolver, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		detector:      detector,
		investigator:  investigator,
		applicator:    applicator,
		trail:         trail,
		sessions:      sessions,
		sources:       sources,
		MaxIterations: MaxIterations,
		Window:        EvidenceWindow,
		log:           log.With().Str("component", "reconcile").Logger(),
		now:           time.Now,
		active:        make(map[string]string),
	}
}

// Reconcile runs one session to completion. A second call for the same
// account while one is running fails fast.
func (o *Orchestrator) Reconcile(ctx context.Context, accountID string) (*Session, error) {
	session := &Session{
		ID:        "sess_" + uuid.NewString(),
		AccountID: accountID,
		Status:    SessionPending,
		StartedAt: o.now().UTC(),
	}

	o.mu.Lock()
	if current, ok := o.active[accountID]; ok {
		o.mu.Unlock()
		return nil, &SessionInProgressError{AccountID: accountID, SessionID: current}
	}
	o.active[accountID] = session.ID
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, accountID)
		o.mu.Unlock()
	}()

	if err := o.sessions.Save(ctx, session); err != nil {
		return nil, err
	}
	log := o.log.With().Str("session", session.ID).Str("account", accountID).Logger()

	for iter := 1; iter <= o.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			break
		}

		discrepancies, err := o.detector.Detect(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if len(discrepancies) == 0 {
			break
		}

		session.Status = SessionInvestigating
		report := IterationReport{Number: iter, Discrepancies: len(discrepancies)}
		log.Info().Int("iteration", iter).Int("discrepancies", len(discrepancies)).Msg("iteration start")

		for _, d := range discrepancies {
			outcome, err := o.investigate(ctx, session, d, iter)
			if err != nil {
				return nil, err
			}
			switch outcome {
			case OutcomeApplied:
				report.Applied++
			case OutcomeStaged:
				report.Staged++
			case OutcomeManualReview:
				report.ManualReview++
			case OutcomeFailed:
				report.Failed++
			}
		}

		session.Iterations = append(session.Iterations, report)
		if err := o.sessions.Save(ctx, session); err != nil {
			return nil, err
		}

		// No applications means re-detection would find the same picture;
		// iterating further only burns assistant calls.
		if report.Applied == 0 {
			break
		}
		session.Status = SessionApplying
	}

	remaining, err := o.detector.Detect(ctx, accountID)
	if err != nil {
		return nil, err
	}
	session.Remaining = remaining
	if len(remaining) == 0 {
		session.Status = SessionConverged
	} else {
		session.Status = SessionPartial
	}
	session.FinishedAt = o.now().UTC()
	log.Info().Str("status", string(session.Status)).Int("remaining", len(remaining)).Msg("session finished")
	return session, o.sessions.Save(ctx, session)
}

// investigate runs one discrepancy through the assistant and the applicator.
// Assistant failures are recorded outcomes, not session errors.
func (o *Orchestrator) investigate(ctx context.Context, session *Session, d Discrepancy, iter int) (Outcome, error) {
	req, err := o.buildRequest(ctx, d, iter)
	if err != nil {
		return "", err
	}

	inv, err := o.investigator.Investigate(ctx, req)
	if err != nil {
		inv = &assist.Investigation{
			ID:             "inv_" + uuid.NewString(),
			AccountID:      d.AccountID,
			CheckpointDate: d.Checkpoint.Date,
			Failed:         true,
			FailureReason:  err.Error(),
			ReceivedAt:     o.now().UTC(),
		}
	}

	rec := audit.InvestigationRecord{
		SessionID:     session.ID,
		AccountID:     d.AccountID,
		Iteration:     iter,
		Investigation: *inv,
		RecordedAt:    o.now().UTC(),
	}
	if err := o.trail.RecordInvestigation(ctx, rec); err != nil {
		return "", err
	}

	return o.applicatorConsider(ctx, session.ID, d, inv)
}

func (o *Orchestrator) applicatorConsider(ctx context.Context, sessionID string, d Discrepancy, inv *assist.Investigation) (Outcome, error) {
	outcome, _, err := o.applicator.Consider(ctx, sessionID, d, inv)
	return outcome, err
}

// buildRequest assembles the bounded evidence bundle.
func (o *Orchestrator) buildRequest(ctx context.Context, d Discrepancy, iter int) (assist.Request, error) {
	from := d.Checkpoint.Date.Add(-o.Window)
	to := d.Checkpoint.Date.Add(o.Window)

	entries, err := o.detector.Entries.AccountRange(ctx, d.AccountID, from, to)
	if err != nil {
		return assist.Request{}, err
	}

	cps, err := o.detector.Checkpoints.Account(ctx, d.AccountID)
	if err != nil {
		return assist.Request{}, err
	}
	var cpInfo []assist.CheckpointInfo
	for _, cp := range cps {
		if cp.Date.Before(from) || cp.Date.After(to) {
			continue
		}
		cpInfo = append(cpInfo, assist.CheckpointInfo{Date: cp.Date, Balance: cp.Balance, Row: cp.Row})
	}

	var sourceRows []assist.SourceRowInfo
	if o.sources != nil {
		var refs []ingest.RowRef
		seen := make(map[string]struct{})
		for _, e := range entries {
			for _, ref := range e.SourceRows {
				if _, ok := seen[ref.String()]; ok {
					continue
				}
				seen[ref.String()] = struct{}{}
				refs = append(refs, ref)
			}
		}
		sourceRows, err = o.sources.Resolve(ctx, refs)
		if err != nil {
			// Evidence degradation, not failure. The bundle just shrinks.
			o.log.Warn().Err(err).Msg("source rows unavailable for evidence bundle")
		}
	}

	return assist.Request{
		AccountID:      d.AccountID,
		CheckpointDate: d.Checkpoint.Date,
		Currency:       d.Checkpoint.Currency,
		Expected:       d.Expected,
		Calculated:     d.Calculated,
		Delta:          d.Delta,
		Severity:       d.Severity,
		Iteration:      iter,
		Evidence: assist.Evidence{
			Entries:     entries,
			Checkpoints: cpInfo,
			SourceRows:  sourceRows,
		},
	}, nil
}

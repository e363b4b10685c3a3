package sqlite

import (
	"context"
	"time"

	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/plan"
	"github.com/warp/ledger-engine/reconcile"
)

// =============================================================================
// INTERFACE VIEWS
//
// One Store backs six storage interfaces whose method names collide (Get,
// Save, Account mean different things per interface). The thin view types
// below disambiguate; each shares the Store's connection and mutex.
// =============================================================================

// Plans returns the plan.Store view.
func (s *Store) Plans() plan.Store { return s }

// Audit returns the audit.Trail view.
func (s *Store) Audit() audit.Trail { return s }

// Ledger returns the ledger.Store view.
func (s *Store) Ledger() ledger.Store { return entryView{s} }

// Runs returns the engine.RunStore view.
func (s *Store) Runs() engine.RunStore { return runView{s} }

// Checkpoints returns the reconcile.CheckpointStore view.
func (s *Store) Checkpoints() reconcile.CheckpointStore { return checkpointView{s} }

// Sessions returns the reconcile.SessionStore view.
func (s *Store) Sessions() reconcile.SessionStore { return sessionView{s} }

type entryView struct{ *Store }

func (v entryView) Get(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return v.GetEntry(ctx, id)
}

func (v entryView) Append(ctx context.Context, entries []ledger.Entry) error {
	return v.Store.Append(ctx, entries)
}

func (v entryView) Account(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	return v.Store.Account(ctx, accountID)
}

func (v entryView) AccountRange(ctx context.Context, accountID string, from, to time.Time) ([]ledger.Entry, error) {
	return v.Store.AccountRange(ctx, accountID, from, to)
}

type runView struct{ *Store }

func (v runView) Get(ctx context.Context, id engine.RunID) (*engine.ParseRun, error) {
	return v.GetRun(ctx, id)
}

func (v runView) List(ctx context.Context) ([]*engine.ParseRun, error) {
	return v.ListRuns(ctx)
}

type checkpointView struct{ *Store }

func (v checkpointView) Account(ctx context.Context, accountID string) ([]reconcile.Checkpoint, error) {
	return v.CheckpointsFor(ctx, accountID)
}

type sessionView struct{ *Store }

func (v sessionView) Save(ctx context.Context, sess *reconcile.Session) error {
	return v.SaveSession(ctx, sess)
}

func (v sessionView) Get(ctx context.Context, id string) (*reconcile.Session, error) {
	return v.GetSession(ctx, id)
}

func (v sessionView) ByAccount(ctx context.Context, accountID string) ([]*reconcile.Session, error) {
	return v.SessionsByAccount(ctx, accountID)
}

/*
Package sqlite provides the SQLite-backed implementation of every storage
interface in the system.

PURPOSE:
  One Store implements plan.Store, ledger.Store, engine.RunStore,
  reconcile.CheckpointStore, reconcile.SessionStore, and audit.Trail. In
  production the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch entries, checkpoints,
    investigations, or deltas.
  - Plan versions are INSERT-only; the content-addressed id makes silent
    mutation detectable before it reaches the database.
  - Plans (working copies) and parse runs are the only mutable rows, and
    plan updates are guarded by the revision column.

KEY TABLES:
  plans:          working copies, optimistic-concurrency via revision
  plan_versions:  immutable settings snapshots
  entries:        the append-only ledger
  parse_runs:     run progress and resume checkpoints
  checkpoints:    reported balances, pinned to source rows
  sessions:       reconciliation session reports
  investigations: assistant answers, verbatim
  deltas:         applied fixes and what they wrote

WAL MODE:
  SQLite is opened with WAL so readers don't block the single writer.

SEE ALSO:
  - plan/memory.go, ledger/store.go: the in-memory counterparts the tests
    exercise the same interfaces against
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/ledger-engine/assist"
	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/engine"
	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/plan"
	"github.com/warp/ledger-engine/reconcile"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Plans (mutable working copies, revision-guarded)
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		institution_id TEXT NOT NULL,
		forked_from TEXT NOT NULL DEFAULT '',
		working_yaml TEXT NOT NULL,
		revision INTEGER NOT NULL,
		head TEXT NOT NULL DEFAULT '',
		head_number INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Plan versions (immutable, content-addressed)
	CREATE TABLE IF NOT EXISTS plan_versions (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		parent TEXT NOT NULL DEFAULT '',
		number INTEGER NOT NULL,
		settings_yaml TEXT NOT NULL,
		commit_message TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(plan_id, number)
	);

	CREATE INDEX IF NOT EXISTS idx_versions_plan ON plan_versions(plan_id, number);

	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		date TEXT NOT NULL,
		account_id TEXT NOT NULL,
		asset_id TEXT,
		side TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT,
		type TEXT NOT NULL,
		csv_amount TEXT,
		amount_discrepancy TEXT,
		duplicate_source BOOLEAN NOT NULL DEFAULT FALSE,
		source_rows_json TEXT NOT NULL,
		origin_run TEXT NOT NULL,
		row_order INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Balance replay (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_account_date
		ON entries(account_id, date, row_order);
	CREATE INDEX IF NOT EXISTS idx_entries_run ON entries(origin_run);

	-- Parse runs (progress + resume checkpoints)
	CREATE TABLE IF NOT EXISTS parse_runs (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		plan_version TEXT NOT NULL DEFAULT '',
		raw_file TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		total_rows INTEGER NOT NULL DEFAULT 0,
		processed_rows INTEGER NOT NULL DEFAULT 0,
		failed_rows INTEGER NOT NULL DEFAULT 0,
		appended_chunks INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT NOT NULL,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_plan ON parse_runs(plan_id);

	-- Checkpoints (append-only ground truth)
	CREATE TABLE IF NOT EXISTS checkpoints (
		account_id TEXT NOT NULL,
		date TEXT NOT NULL,
		raw_file TEXT NOT NULL,
		row_number INTEGER NOT NULL,
		balance TEXT NOT NULL,
		currency TEXT,
		UNIQUE(account_id, raw_file, row_number)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_account
		ON checkpoints(account_id, date, row_number);

	-- Reconciliation sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions(account_id);

	-- Investigations (append-only audit)
	CREATE TABLE IF NOT EXISTS investigations (
		session_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		investigation_json TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_investigations_session ON investigations(session_id);

	-- Applied deltas (append-only audit)
	CREATE TABLE IF NOT EXISTS deltas (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		investigation_id TEXT NOT NULL,
		fix_index INTEGER NOT NULL,
		approval_source TEXT NOT NULL,
		balance_change TEXT NOT NULL,
		entry_ids_json TEXT NOT NULL,
		resolved_json TEXT NOT NULL,
		applied_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deltas_account ON deltas(account_id, applied_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PLAN STORE (plan.Store interface)
// =============================================================================

func (s *Store) Create(ctx context.Context, institutionID string, initial plan.Settings) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &plan.Plan{
		ID:            plan.PlanID("plan_" + newID()),
		InstitutionID: institutionID,
		Working:       initial.Clone(),
		Revision:      1,
		CreatedAt:     time.Now().UTC(),
	}
	working, err := yaml.Marshal(p.Working)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (id, institution_id, forked_from, working_yaml, revision, head, head_number, created_at)
		 VALUES (?, ?, '', ?, 1, '', 0, ?)`,
		p.ID, p.InstitutionID, string(working), p.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, id plan.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPlan(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) getPlan(ctx context.Context, db querier, id plan.PlanID) (*plan.Plan, error) {
	var p plan.Plan
	var working, createdAt string
	err := db.QueryRowContext(ctx,
		`SELECT id, institution_id, forked_from, working_yaml, revision, head, head_number, created_at
		 FROM plans WHERE id = ?`, id,
	).Scan(&p.ID, &p.InstitutionID, &p.ForkedFrom, &working, &p.Revision, &p.Head, &p.HeadNumber, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", plan.ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(working), &p.Working); err != nil {
		return nil, fmt.Errorf("corrupt working copy for %s: %w", id, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

func (s *Store) Edit(ctx context.Context, id plan.PlanID, baseRevision int, patch plan.Patch) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getPlan(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if p.Revision != baseRevision {
		return nil, &plan.ConcurrentEditError{Plan: id, BaseRevision: baseRevision, Revision: p.Revision}
	}

	p.Working = patch.Apply(p.Working)
	p.Revision++
	working, err := yaml.Marshal(p.Working)
	if err != nil {
		return nil, err
	}

	// The WHERE revision guard makes the check-then-write race-free even
	// across processes sharing the file.
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET working_yaml = ?, revision = ? WHERE id = ? AND revision = ?`,
		string(working), p.Revision, id, baseRevision)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &plan.ConcurrentEditError{Plan: id, BaseRevision: baseRevision, Revision: p.Revision}
	}
	return p, nil
}

func (s *Store) Commit(ctx context.Context, id plan.PlanID, baseRevision int, message string) (*plan.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := s.getPlan(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Revision != baseRevision {
		return nil, &plan.ConcurrentEditError{Plan: id, BaseRevision: baseRevision, Revision: p.Revision}
	}

	number := p.HeadNumber + 1
	vid, err := plan.ComputeVersionID(p.Head, number, p.Working)
	if err != nil {
		return nil, err
	}

	settingsYAML, err := yaml.Marshal(p.Working)
	if err != nil {
		return nil, err
	}

	if p.Head != "" {
		var headYAML string
		if err := tx.QueryRowContext(ctx, `SELECT settings_yaml FROM plan_versions WHERE id = ?`, p.Head).Scan(&headYAML); err != nil {
			return nil, err
		}
		if headYAML == string(settingsYAML) {
			return nil, plan.ErrNothingToCommit
		}
	}

	var existingYAML string
	err = tx.QueryRowContext(ctx, `SELECT settings_yaml FROM plan_versions WHERE id = ?`, vid).Scan(&existingYAML)
	if err == nil && existingYAML != string(settingsYAML) {
		return nil, fmt.Errorf("%w: %s", plan.ErrImmutabilityViolation, vid)
	}
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	v := &plan.Version{
		ID:            vid,
		PlanID:        id,
		Parent:        p.Head,
		Number:        number,
		Settings:      p.Working.Clone(),
		CommitMessage: message,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plan_versions (id, plan_id, parent, number, settings_yaml, commit_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.PlanID, v.Parent, v.Number, string(settingsYAML), v.CommitMessage,
		v.CreatedAt.Format(time.RFC3339)); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE plans SET head = ?, head_number = ? WHERE id = ?`, v.ID, v.Number, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) Fork(ctx context.Context, versionID plan.VersionID, institutionID string) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.version(ctx, versionID)
	if err != nil {
		return nil, err
	}

	p := &plan.Plan{
		ID:            plan.PlanID("plan_" + newID()),
		InstitutionID: institutionID,
		ForkedFrom:    versionID,
		Working:       v.Settings.Clone(),
		Revision:      1,
		CreatedAt:     time.Now().UTC(),
	}
	working, err := yaml.Marshal(p.Working)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plans (id, institution_id, forked_from, working_yaml, revision, head, head_number, created_at)
		 VALUES (?, ?, ?, ?, 1, '', 0, ?)`,
		p.ID, p.InstitutionID, p.ForkedFrom, string(working), p.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) Version(ctx context.Context, id plan.VersionID) (*plan.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version(ctx, id)
}

func (s *Store) version(ctx context.Context, id plan.VersionID) (*plan.Version, error) {
	var v plan.Version
	var settingsYAML, createdAt string
	var message sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, parent, number, settings_yaml, commit_message, created_at
		 FROM plan_versions WHERE id = ?`, id,
	).Scan(&v.ID, &v.PlanID, &v.Parent, &v.Number, &settingsYAML, &message, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", plan.ErrVersionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal([]byte(settingsYAML), &v.Settings); err != nil {
		return nil, fmt.Errorf("corrupt version %s: %w", id, err)
	}
	v.CommitMessage = message.String
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &v, nil
}

func (s *Store) History(ctx context.Context, id plan.PlanID) ([]*plan.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getPlan(ctx, s.db, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, parent, number, settings_yaml, commit_message, created_at
		 FROM plan_versions WHERE plan_id = ? ORDER BY number ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*plan.Version
	for rows.Next() {
		var v plan.Version
		var settingsYAML, createdAt string
		var message sql.NullString
		if err := rows.Scan(&v.ID, &v.PlanID, &v.Parent, &v.Number, &settingsYAML, &message, &createdAt); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal([]byte(settingsYAML), &v.Settings); err != nil {
			return nil, fmt.Errorf("corrupt version %s: %w", v.ID, err)
		}
		v.CommitMessage = message.String
		v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Append(ctx context.Context, entries []ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		sourceRows, _ := json.Marshal(e.SourceRows)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entries
			 (id, group_id, date, account_id, asset_id, side, amount, currency, type,
			  csv_amount, amount_discrepancy, duplicate_source, source_rows_json,
			  origin_run, row_order, idempotency_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.GroupID, e.Date.Format(time.RFC3339), e.AccountID, e.AssetID,
			e.Side, e.Amount.String(), e.Currency, e.Type,
			nullDecimal(e.CSVAmount), nullDecimal(e.AmountDiscrepancy), e.DuplicateSource,
			string(sourceRows), e.OriginRun, e.RowOrder, e.IdempotencyKey,
			e.CreatedAt.Format(time.RFC3339))
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: %s", ledger.ErrDuplicateEntry, e.IdempotencyKey)
			}
			return fmt.Errorf("failed to append entry: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE idempotency_key = ?", idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

const entryColumns = `id, group_id, date, account_id, asset_id, side, amount, currency, type,
	csv_amount, amount_discrepancy, duplicate_source, source_rows_json,
	origin_run, row_order, idempotency_key, created_at`

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEntryNotFound, id)
	}
	return &entries[0], nil
}

func (s *Store) Account(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE account_id = ?
		 ORDER BY date ASC, row_order ASC`, accountID)
}

func (s *Store) AccountRange(ctx context.Context, accountID string, from, to time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE account_id = ? AND date >= ? AND date <= ?
		 ORDER BY date ASC, row_order ASC`,
		accountID, from.Format(time.RFC3339), to.Format(time.RFC3339))
}

func (s *Store) ByRun(ctx context.Context, originRun string) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE origin_run = ?
		 ORDER BY date ASC, row_order ASC`, originRun)
}

func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT account_id FROM entries WHERE account_id NOT LIKE 'clearing:%' ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e               ledger.Entry
		date, createdAt string
		amount          string
		csvAmount       sql.NullString
		discrepancy     sql.NullString
		sourceRowsJSON  string
	)
	err := rows.Scan(&e.ID, &e.GroupID, &date, &e.AccountID, &e.AssetID, &e.Side,
		&amount, &e.Currency, &e.Type, &csvAmount, &discrepancy, &e.DuplicateSource,
		&sourceRowsJSON, &e.OriginRun, &e.RowOrder, &e.IdempotencyKey, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Date, _ = time.Parse(time.RFC3339, date)
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return e, fmt.Errorf("corrupt amount on %s: %w", e.ID, err)
	}
	if csvAmount.Valid {
		d, err := decimal.NewFromString(csvAmount.String)
		if err != nil {
			return e, fmt.Errorf("corrupt csv amount on %s: %w", e.ID, err)
		}
		e.CSVAmount = &d
	}
	if discrepancy.Valid {
		d, err := decimal.NewFromString(discrepancy.String)
		if err != nil {
			return e, fmt.Errorf("corrupt discrepancy on %s: %w", e.ID, err)
		}
		e.AmountDiscrepancy = &d
	}
	if err := json.Unmarshal([]byte(sourceRowsJSON), &e.SourceRows); err != nil {
		return e, fmt.Errorf("corrupt source rows on %s: %w", e.ID, err)
	}
	return e, nil
}

// =============================================================================
// RUN STORE (engine.RunStore interface)
// =============================================================================

// runPayload is the JSON-serialized part of a ParseRun.
type runPayload struct {
	Outcomes []engine.RowOutcome    `json:"outcomes,omitempty"`
	Lineage  map[int]engine.Lineage `json:"lineage,omitempty"`
	Mapped   []ledger.MappedRow     `json:"mapped,omitempty"`
	Groups   []ledger.Group         `json:"groups,omitempty"`
	EntryIDs []ledger.EntryID       `json:"entry_ids,omitempty"`
}

func (s *Store) Save(ctx context.Context, run *engine.ParseRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(runPayload{
		Outcomes: run.Outcomes,
		Lineage:  run.Lineage,
		Mapped:   run.Mapped,
		Groups:   run.Groups,
		EntryIDs: run.EntryIDs,
	})
	if err != nil {
		return err
	}

	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.Format(time.RFC3339)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO parse_runs
		 (id, plan_id, plan_version, raw_file, mode, status, started_at, finished_at,
		  total_rows, processed_rows, failed_rows, appended_chunks, payload_json, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			total_rows = excluded.total_rows,
			processed_rows = excluded.processed_rows,
			failed_rows = excluded.failed_rows,
			appended_chunks = excluded.appended_chunks,
			payload_json = excluded.payload_json,
			error = excluded.error`,
		run.ID, run.PlanID, run.PlanVersion, run.RawFile, run.Mode.String(), run.Status,
		run.StartedAt.Format(time.RFC3339), finished,
		run.TotalRows, run.ProcessedRows, run.FailedRows, run.AppendedChunks,
		string(payload), run.Err)
	return err
}

func (s *Store) GetRun(ctx context.Context, id engine.RunID) (*engine.ParseRun, error) {
	runs, err := s.queryRuns(ctx, `SELECT * FROM parse_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, id)
	}
	return runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context) ([]*engine.ParseRun, error) {
	return s.queryRuns(ctx, `SELECT * FROM parse_runs ORDER BY started_at ASC`)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*engine.ParseRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*engine.ParseRun
	for rows.Next() {
		var run engine.ParseRun
		var mode, startedAt, payloadJSON string
		var finishedAt, runErr sql.NullString
		if err := rows.Scan(&run.ID, &run.PlanID, &run.PlanVersion, &run.RawFile,
			&mode, &run.Status, &startedAt, &finishedAt,
			&run.TotalRows, &run.ProcessedRows, &run.FailedRows, &run.AppendedChunks,
			&payloadJSON, &runErr); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Mode = engine.ModeFromString(mode)
		run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			run.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
		}
		run.Err = runErr.String

		var payload runPayload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("corrupt run payload %s: %w", run.ID, err)
		}
		run.Outcomes = payload.Outcomes
		run.Lineage = payload.Lineage
		run.Mapped = payload.Mapped
		run.Groups = payload.Groups
		run.EntryIDs = payload.EntryIDs
		out = append(out, &run)
	}
	return out, rows.Err()
}

// =============================================================================
// CHECKPOINT STORE (reconcile.CheckpointStore interface)
// =============================================================================

func (s *Store) Put(ctx context.Context, cps []reconcile.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, cp := range cps {
		// Re-importing the same file replays the same checkpoints; the
		// unique index makes that a no-op, not a duplicate.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (account_id, date, raw_file, row_number, balance, currency)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(account_id, raw_file, row_number) DO NOTHING`,
			cp.AccountID, cp.Date.Format(time.RFC3339), cp.Row.RawFile, cp.Row.Number,
			cp.Balance.String(), cp.Currency)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CheckpointsFor(ctx context.Context, accountID string) ([]reconcile.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, date, raw_file, row_number, balance, currency
		 FROM checkpoints WHERE account_id = ?
		 ORDER BY date ASC, row_number ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reconcile.Checkpoint
	for rows.Next() {
		var cp reconcile.Checkpoint
		var date, balance string
		if err := rows.Scan(&cp.AccountID, &date, &cp.Row.RawFile, &cp.Row.Number, &balance, &cp.Currency); err != nil {
			return nil, err
		}
		cp.Date, _ = time.Parse(time.RFC3339, date)
		cp.Balance, err = decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("corrupt checkpoint balance: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// =============================================================================
// SESSION STORE (reconcile.SessionStore interface)
// =============================================================================

type sessionPayload struct {
	Iterations []reconcile.IterationReport `json:"iterations,omitempty"`
	Remaining  []reconcile.Discrepancy     `json:"remaining,omitempty"`
}

func (s *Store) SaveSession(ctx context.Context, sess *reconcile.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(sessionPayload{Iterations: sess.Iterations, Remaining: sess.Remaining})
	if err != nil {
		return err
	}
	var finished any
	if !sess.FinishedAt.IsZero() {
		finished = sess.FinishedAt.Format(time.RFC3339)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, account_id, status, payload_json, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload_json = excluded.payload_json,
			finished_at = excluded.finished_at`,
		sess.ID, sess.AccountID, sess.Status, string(payload),
		sess.StartedAt.Format(time.RFC3339), finished)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*reconcile.Session, error) {
	sessions, err := s.querySessions(ctx, `SELECT * FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: %s", reconcile.ErrSessionNotFound, id)
	}
	return sessions[0], nil
}

func (s *Store) SessionsByAccount(ctx context.Context, accountID string) ([]*reconcile.Session, error) {
	return s.querySessions(ctx,
		`SELECT * FROM sessions WHERE account_id = ? ORDER BY started_at ASC`, accountID)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*reconcile.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*reconcile.Session
	for rows.Next() {
		var sess reconcile.Session
		var payloadJSON, startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&sess.ID, &sess.AccountID, &sess.Status, &payloadJSON, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		if finishedAt.Valid {
			sess.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
		}
		var payload sessionPayload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("corrupt session payload %s: %w", sess.ID, err)
		}
		sess.Iterations = payload.Iterations
		sess.Remaining = payload.Remaining
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT TRAIL (audit.Trail interface)
// =============================================================================

func (s *Store) RecordInvestigation(ctx context.Context, rec audit.InvestigationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invJSON, err := json.Marshal(rec.Investigation)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO investigations (session_id, account_id, iteration, investigation_json, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.AccountID, rec.Iteration, string(invJSON),
		rec.RecordedAt.Format(time.RFC3339))
	return err
}

func (s *Store) RecordDelta(ctx context.Context, delta audit.TransactionDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryIDs, _ := json.Marshal(delta.EntryIDs)
	resolved, _ := json.Marshal(delta.ResolvedCheckpoints)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deltas
		 (id, session_id, account_id, investigation_id, fix_index, approval_source,
		  balance_change, entry_ids_json, resolved_json, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		delta.ID, delta.SessionID, delta.AccountID, delta.InvestigationID, delta.FixIndex,
		delta.ApprovalSource, delta.BalanceChange.String(), string(entryIDs), string(resolved),
		delta.AppliedAt.Format(time.RFC3339))
	return err
}

func (s *Store) Investigations(ctx context.Context, sessionID string) ([]audit.InvestigationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, account_id, iteration, investigation_json, recorded_at
		 FROM investigations WHERE session_id = ? ORDER BY rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.InvestigationRecord
	for rows.Next() {
		var rec audit.InvestigationRecord
		var invJSON, recordedAt string
		if err := rows.Scan(&rec.SessionID, &rec.AccountID, &rec.Iteration, &invJSON, &recordedAt); err != nil {
			return nil, err
		}
		var inv assist.Investigation
		if err := json.Unmarshal([]byte(invJSON), &inv); err != nil {
			return nil, fmt.Errorf("corrupt investigation record: %w", err)
		}
		rec.Investigation = inv
		rec.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Deltas(ctx context.Context, accountID string) ([]audit.TransactionDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, account_id, investigation_id, fix_index, approval_source,
		        balance_change, entry_ids_json, resolved_json, applied_at
		 FROM deltas WHERE account_id = ? ORDER BY applied_at ASC, rowid ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.TransactionDelta
	for rows.Next() {
		var d audit.TransactionDelta
		var balanceChange, entryIDsJSON, resolvedJSON, appliedAt string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.AccountID, &d.InvestigationID, &d.FixIndex,
			&d.ApprovalSource, &balanceChange, &entryIDsJSON, &resolvedJSON, &appliedAt); err != nil {
			return nil, err
		}
		d.BalanceChange, err = decimal.NewFromString(balanceChange)
		if err != nil {
			return nil, fmt.Errorf("corrupt delta balance change: %w", err)
		}
		if err := json.Unmarshal([]byte(entryIDsJSON), &d.EntryIDs); err != nil {
			return nil, fmt.Errorf("corrupt delta entry ids: %w", err)
		}
		if err := json.Unmarshal([]byte(resolvedJSON), &d.ResolvedCheckpoints); err != nil {
			return nil, fmt.Errorf("corrupt delta resolved checkpoints: %w", err)
		}
		d.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func newID() string {
	return ingest.Checksum([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))[:16]
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

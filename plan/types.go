/*
Package plan owns parse plan identity, the mutable working copy, and the
immutable committed version chain.

PURPOSE:
  A parse plan describes how one institution's export format becomes ledger
  entries: dialect, field schema, ordered transform steps, validation rules.
  Authors iterate on a mutable working copy (a Draft); committing snapshots
  it into an immutable, parent-linked Version.

CRITICAL INVARIANTS:
  1. Versions are IMMUTABLE once committed. Corrections are new commits.
  2. Version numbers strictly increase along a single parent chain.
  3. Version ids are content-addressed: same parent + settings = same id.
  4. Working-copy edits use optimistic concurrency: an edit or commit based
     on a stale revision fails with ErrConcurrentEdit instead of silently
     overwriting another author's work.

DRAFT vs COMMITTED:
  The Source interface makes the distinction a type, not a flag. A Draft can
  only drive preview runs; commit-mode runs require a committed Version.

SEE ALSO:
  - store.go:  Store interface (edit/commit/fork/history)
  - memory.go: in-memory Store
  - store/sqlite: persistent Store
*/
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/ledger-engine/ingest"
)

type PlanID string
type VersionID string

// =============================================================================
// SETTINGS - The versioned payload
// =============================================================================

// TransformStep is one ordered, declarative transform. The expression
// language itself is external to this core; only its evaluation contract
// (pure, quota-bounded) is relied on.
type TransformStep struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"` // mapped-row field the result is assigned to
	Expr   string `yaml:"expr"`
}

// ValidationRule is one declarative row expectation. Expr must evaluate to
// true for the row to pass.
type ValidationRule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message,omitempty"`
}

// Settings is everything a version snapshots: the draft dialect, schema,
// transform and validation configuration.
type Settings struct {
	Dialect         ingest.Dialect   `yaml:"dialect"`
	Schema          ingest.Schema    `yaml:"schema"`
	TransformSteps  []TransformStep  `yaml:"transform_steps,omitempty"`
	ValidationRules []ValidationRule `yaml:"validation_rules,omitempty"`
}

// Clone returns a deep copy, so working-copy edits never alias a snapshot.
func (s Settings) Clone() Settings {
	out := s
	out.Schema.Fields = append([]ingest.FieldSpec(nil), s.Schema.Fields...)
	for i, f := range out.Schema.Fields {
		out.Schema.Fields[i].MissingTokens = append([]string(nil), f.MissingTokens...)
	}
	out.TransformSteps = append([]TransformStep(nil), s.TransformSteps...)
	out.ValidationRules = append([]ValidationRule(nil), s.ValidationRules...)
	return out
}

// =============================================================================
// PLAN & VERSION
// =============================================================================

// Plan carries the mutable working copy and the head of the committed chain.
type Plan struct {
	ID            PlanID
	InstitutionID string
	ForkedFrom    VersionID // version this plan was forked from, if any

	// Working copy (draft). Revision increments on every accepted edit and
	// is the optimistic-concurrency token for Edit and Commit.
	Working  Settings
	Revision int

	Head       VersionID // latest committed version, "" before first commit
	HeadNumber int       // 0 before first commit

	CreatedAt time.Time
}

// Version is an immutable snapshot of a plan's settings.
type Version struct {
	ID            VersionID
	PlanID        PlanID
	Parent        VersionID // "" for a chain root
	Number        int       // strictly increasing along the parent chain
	Settings      Settings
	CommitMessage string
	CreatedAt     time.Time
}

// ComputeVersionID content-addresses a snapshot. Two commits with the same
// parent and settings produce the same id, which is what makes accidental
// mutation of a committed version detectable.
func ComputeVersionID(parent VersionID, number int, settings Settings) (VersionID, error) {
	payload, err := yaml.Marshal(struct {
		Parent   VersionID `yaml:"parent"`
		Number   int       `yaml:"number"`
		Settings Settings  `yaml:"settings"`
	}{parent, number, settings})
	if err != nil {
		return "", fmt.Errorf("canonicalize version: %w", err)
	}
	sum := sha256.Sum256(payload)
	return VersionID("v_" + hex.EncodeToString(sum[:8])), nil
}

// =============================================================================
// SOURCE - Draft vs Committed, as a type distinction
// =============================================================================

// Source is what a parse run executes: either a committed Version or a
// Draft working copy. The distinction is deliberately a tagged type rather
// than a version field that may or may not be set.
type Source interface {
	// SourceSettings returns the settings to execute.
	SourceSettings() Settings

	// SourceVersion returns the committed version id, or "" for a draft.
	SourceVersion() VersionID

	// SourcePlan returns the owning plan id.
	SourcePlan() PlanID
}

// Draft is a plan's working copy captured for a preview run.
type Draft struct {
	PlanID   PlanID
	Revision int
	Settings Settings
}

func (d Draft) SourceSettings() Settings  { return d.Settings }
func (d Draft) SourceVersion() VersionID  { return "" }
func (d Draft) SourcePlan() PlanID        { return d.PlanID }

func (v *Version) SourceSettings() Settings { return v.Settings }
func (v *Version) SourceVersion() VersionID { return v.ID }
func (v *Version) SourcePlan() PlanID       { return v.PlanID }

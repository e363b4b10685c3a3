package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEntryNotFound is returned when a referenced entry does not exist.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrDuplicateEntry is returned when an append carries an idempotency key
	// that was already materialized. A resumed run treats this as success.
	ErrDuplicateEntry = errors.New("entry already materialized")

	// ErrProvenanceIntegrity is returned when an entry's source rows cannot be
	// resolved to an existing, checksum-matching raw file.
	ErrProvenanceIntegrity = errors.New("provenance integrity violation")

	// ErrDoubleEntryViolation marks a transaction group whose constructed
	// entry total deviates from its recorded amount beyond Tolerance.
	ErrDoubleEntryViolation = errors.New("double-entry violation")
)

// ProvenanceIntegrityError reports which entry and which raw file broke the
// lineage chain. The underlying cause distinguishes missing from corrupted.
type ProvenanceIntegrityError struct {
	Entry   EntryID
	RawFile string
	Cause   error
}

func (e *ProvenanceIntegrityError) Error() string {
	return fmt.Sprintf("entry %s: raw file %s: %v", e.Entry, e.RawFile, e.Cause)
}

func (e *ProvenanceIntegrityError) Unwrap() error { return ErrProvenanceIntegrity }

// DoubleEntryError reports a broken group with its exact deviation.
type DoubleEntryError struct {
	Group     string
	EntrySum  decimal.Decimal
	CSVAmount decimal.Decimal
}

func (e *DoubleEntryError) Error() string {
	return fmt.Sprintf("group %s: entry total %s vs recorded %s",
		e.Group, e.EntrySum.StringFixed(2), e.CSVAmount.StringFixed(2))
}

func (e *DoubleEntryError) Unwrap() error { return ErrDoubleEntryViolation }

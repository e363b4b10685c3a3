package engine

import (
	"errors"
	"fmt"

	"github.com/warp/ledger-engine/ingest"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrDraftCommit is returned when a commit-mode run is requested with a
	// draft source. Only committed versions may write to the ledger.
	ErrDraftCommit = errors.New("commit run requires a committed plan version")

	// ErrRunNotFound is returned when a referenced run does not exist.
	ErrRunNotFound = errors.New("parse run not found")

	// ErrRunNotResumable is returned when resume is requested for a run that
	// is not an interrupted commit run.
	ErrRunNotResumable = errors.New("run is not resumable")

	// ErrTransformFailed wraps per-row transform evaluation failures.
	ErrTransformFailed = errors.New("transform failed")

	// ErrValidationFailed wraps per-row validation rule rejections.
	ErrValidationFailed = errors.New("validation failed")

	// ErrConversionFailed wraps per-row schema typing failures.
	ErrConversionFailed = errors.New("conversion failed")
)

// TransformError reports which step rejected which row, including quota
// exhaustion (the cause is then context.DeadlineExceeded).
type TransformError struct {
	Step  string
	Row   ingest.RowRef
	Cause error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("row %s: step %q: %v", e.Row, e.Step, e.Cause)
}

func (e *TransformError) Unwrap() error { return ErrTransformFailed }

// ValidationError reports which rule rejected which row.
type ValidationError struct {
	Rule    string
	Row     ingest.RowRef
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("row %s: rule %q: %s", e.Row, e.Rule, e.Message)
	}
	return fmt.Sprintf("row %s: rule %q failed", e.Row, e.Rule)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// ConversionError reports which field of which row could not be typed.
type ConversionError struct {
	Field string
	Row   ingest.RowRef
	Cause error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("row %s: field %q: %v", e.Row, e.Field, e.Cause)
}

func (e *ConversionError) Unwrap() error { return ErrConversionFailed }

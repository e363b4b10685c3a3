package reconcile

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionInProgress is returned when a reconciliation session is
	// requested for an account that already has one running.
	ErrSessionInProgress = errors.New("reconciliation already in progress")

	// ErrSessionNotFound is returned when a referenced session does not exist.
	ErrSessionNotFound = errors.New("reconciliation session not found")

	// ErrStagedFixNotFound is returned on approve/reject of an unknown or
	// already resolved staged fix.
	ErrStagedFixNotFound = errors.New("staged fix not found")

	// ErrFixContradiction is returned when a fix's dry run disagrees with
	// its own predicted impact, or would move the balance further from the
	// checkpoint.
	ErrFixContradiction = errors.New("fix contradicts predicted impact")
)

// SessionInProgressError names the blocking session.
type SessionInProgressError struct {
	AccountID string
	SessionID string
}

func (e *SessionInProgressError) Error() string {
	return fmt.Sprintf("account %s: session %s is active", e.AccountID, e.SessionID)
}

func (e *SessionInProgressError) Unwrap() error { return ErrSessionInProgress }

package assist

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// MaxProposedFixes bounds how many candidate fixes one investigation may
// carry.
const MaxProposedFixes = 3

// ErrInvalidInvestigation is returned when assistant output fails
// structural validation.
var ErrInvalidInvestigation = errors.New("invalid investigation")

// InvalidInvestigationError carries every problem found, not just the first.
type InvalidInvestigationError struct {
	Problems []string
}

func (e *InvalidInvestigationError) Error() string {
	return fmt.Sprintf("investigation rejected: %d problem(s): %v", len(e.Problems), e.Problems)
}

func (e *InvalidInvestigationError) Unwrap() error { return ErrInvalidInvestigation }

// Validate structurally checks assistant output before anything downstream
// may look at it. A failed investigation is exempt from fix checks but must
// carry a reason.
func Validate(inv *Investigation) error {
	var problems []string

	if inv.Failed {
		if inv.FailureReason == "" {
			problems = append(problems, "failed investigation without a reason")
		}
		if len(problems) > 0 {
			return &InvalidInvestigationError{Problems: problems}
		}
		return nil
	}

	if inv.Hypothesis == "" {
		problems = append(problems, "missing hypothesis")
	}
	if len(inv.ProposedFixes) > MaxProposedFixes {
		problems = append(problems, fmt.Sprintf("%d fixes, at most %d allowed", len(inv.ProposedFixes), MaxProposedFixes))
	}

	for i, fix := range inv.ProposedFixes {
		problems = append(problems, validateFix(i, fix)...)
	}

	if len(problems) > 0 {
		return &InvalidInvestigationError{Problems: problems}
	}
	return nil
}

func validateFix(i int, fix ProposedFix) []string {
	var problems []string
	tag := fmt.Sprintf("fix %d", i)

	if fix.Confidence < 0 || fix.Confidence > 1 {
		problems = append(problems, fmt.Sprintf("%s: confidence %.3f outside [0,1]", tag, fix.Confidence))
	}
	if fix.Description == "" {
		problems = append(problems, tag+": missing description")
	}
	if len(fix.Entries) == 0 {
		problems = append(problems, tag+": no entries")
	}

	claimed := decimal.Zero
	for j, e := range fix.Entries {
		etag := fmt.Sprintf("%s entry %d", tag, j)
		if e.AccountID == "" {
			problems = append(problems, etag+": missing account")
		}
		if e.Date.IsZero() {
			problems = append(problems, etag+": missing date")
		}
		if e.Amount.IsZero() {
			problems = append(problems, etag+": zero amount")
		}
		claimed = claimed.Add(e.Amount)
	}

	// The fix's own impact claim must agree with its entries. A fix that
	// lies about its balance effect is rejected here, not re-interpreted.
	if len(fix.Entries) > 0 {
		if claimed.Sub(fix.Impact.BalanceChange).Abs().GreaterThan(ledger.Tolerance) {
			problems = append(problems, fmt.Sprintf("%s: predicted balance change %s contradicts entry total %s",
				tag, fix.Impact.BalanceChange.StringFixed(2), claimed.StringFixed(2)))
		}
	}
	return problems
}

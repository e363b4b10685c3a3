package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// DISCREPANCY SEVERITY
// =============================================================================

type Severity string

const (
	// SeverityNone: the mismatch is within Tolerance and not a discrepancy.
	SeverityNone Severity = ""

	// SeverityLow: more than one cent, at most $10.
	SeverityLow Severity = "low"

	// SeverityMedium: more than $10, at most $1000.
	SeverityMedium Severity = "medium"

	// SeverityCritical: more than $1000, or any broken double-entry group
	// regardless of magnitude.
	SeverityCritical Severity = "critical"
)

var (
	lowCeiling    = decimal.NewFromInt(10)
	mediumCeiling = decimal.NewFromInt(1000)
)

// ClassifySeverity bands a balance delta. brokenDoubleEntry forces CRITICAL:
// a structurally broken transaction is never a small problem, whatever the
// cent amount.
func ClassifySeverity(delta decimal.Decimal, brokenDoubleEntry bool) Severity {
	if brokenDoubleEntry {
		return SeverityCritical
	}
	abs := delta.Abs()
	switch {
	case abs.LessThanOrEqual(Tolerance):
		return SeverityNone
	case abs.LessThanOrEqual(lowCeiling):
		return SeverityLow
	case abs.LessThanOrEqual(mediumCeiling):
		return SeverityMedium
	default:
		return SeverityCritical
	}
}

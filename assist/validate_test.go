package assist_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/assist"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validInvestigation() *assist.Investigation {
	return &assist.Investigation{
		ID:         "inv-1",
		AccountID:  "acct-1",
		Hypothesis: "a dividend is missing",
		ProposedFixes: []assist.ProposedFix{{
			Description: "insert the missing dividend",
			Confidence:  0.9,
			Entries: []assist.FixEntry{{
				Date:      time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
				AccountID: "acct-1",
				Action:    "dividend",
				Amount:    dec("12.40"),
				Currency:  "USD",
			}},
			Impact: assist.PredictedImpact{BalanceChange: dec("12.40"), TransactionsCreated: 1},
		}},
	}
}

func problems(t *testing.T, inv *assist.Investigation) []string {
	t.Helper()
	err := assist.Validate(inv)
	require.Error(t, err)
	require.ErrorIs(t, err, assist.ErrInvalidInvestigation)
	var vErr *assist.InvalidInvestigationError
	require.ErrorAs(t, err, &vErr)
	return vErr.Problems
}

// =============================================================================
// STRUCTURAL VALIDATION
// =============================================================================

func TestValidate_WellFormed(t *testing.T) {
	assert.NoError(t, assist.Validate(validInvestigation()))
}

func TestValidate_FailedNeedsReason(t *testing.T) {
	// A failed investigation is exempt from fix checks but must say why.
	ok := &assist.Investigation{Failed: true, FailureReason: "deadline exceeded"}
	assert.NoError(t, assist.Validate(ok))

	bad := &assist.Investigation{Failed: true}
	ps := problems(t, bad)
	require.Len(t, ps, 1)
	assert.Contains(t, ps[0], "without a reason")
}

func TestValidate_MissingHypothesis(t *testing.T) {
	inv := validInvestigation()
	inv.Hypothesis = ""
	assert.Contains(t, problems(t, inv)[0], "hypothesis")
}

func TestValidate_TooManyFixes(t *testing.T) {
	inv := validInvestigation()
	for len(inv.ProposedFixes) <= assist.MaxProposedFixes {
		inv.ProposedFixes = append(inv.ProposedFixes, validInvestigation().ProposedFixes[0])
	}
	assert.Contains(t, problems(t, inv)[0], "at most 3")
}

func TestValidate_ConfidenceBounds(t *testing.T) {
	for _, c := range []float64{-0.1, 1.01} {
		inv := validInvestigation()
		inv.ProposedFixes[0].Confidence = c
		assert.Contains(t, problems(t, inv)[0], "confidence", "confidence %v", c)
	}

	for _, c := range []float64{0, 1} {
		inv := validInvestigation()
		inv.ProposedFixes[0].Confidence = c
		assert.NoError(t, assist.Validate(inv), "confidence %v is legal", c)
	}
}

func TestValidate_FixShape(t *testing.T) {
	inv := validInvestigation()
	inv.ProposedFixes[0].Description = ""
	inv.ProposedFixes[0].Entries = nil
	ps := problems(t, inv)
	require.Len(t, ps, 2)
	assert.Contains(t, ps[0], "description")
	assert.Contains(t, ps[1], "no entries")
}

func TestValidate_EntryShape(t *testing.T) {
	inv := validInvestigation()
	inv.ProposedFixes[0].Entries = append(inv.ProposedFixes[0].Entries, assist.FixEntry{})
	inv.ProposedFixes[0].Impact.BalanceChange = dec("12.40")

	ps := problems(t, inv)
	assert.Len(t, ps, 3, "missing account, missing date, zero amount")
}

func TestValidate_ImpactMustMatchEntries(t *testing.T) {
	// GIVEN: A fix whose claimed balance change disagrees with the sum of
	//        its own entries
	// THEN: Rejected here, before any ledger state is consulted

	inv := validInvestigation()
	inv.ProposedFixes[0].Impact.BalanceChange = dec("20.00")
	ps := problems(t, inv)
	require.Len(t, ps, 1)
	assert.Contains(t, ps[0], "contradicts entry total")

	// Within tolerance is not a lie.
	inv = validInvestigation()
	inv.ProposedFixes[0].Impact.BalanceChange = dec("12.41")
	assert.NoError(t, assist.Validate(inv))
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	inv := validInvestigation()
	inv.Hypothesis = ""
	inv.ProposedFixes[0].Confidence = 2
	inv.ProposedFixes[0].Description = ""
	assert.Len(t, problems(t, inv), 3)
}

func TestBestFix_PicksHighestConfidence(t *testing.T) {
	inv := validInvestigation()
	second := validInvestigation().ProposedFixes[0]
	second.Confidence = 0.97
	second.Description = "the better idea"
	inv.ProposedFixes = append(inv.ProposedFixes, second)

	best := inv.BestFix()
	require.NotNil(t, best)
	assert.Equal(t, "the better idea", best.Description)

	empty := &assist.Investigation{}
	assert.Nil(t, empty.BestFix())
}

package ingest_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ingest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseMoney(t *testing.T) {
	cases := []struct {
		raw      string
		currency string
		want     string
	}{
		{"1234.56", "USD", "1234.56"},
		{"$1,234.56", "USD", "1234.56"},
		{"(1,234.56)", "USD", "-1234.56"},
		{"-42.00", "USD", "-42.00"},
		{"USD 99.00", "USD", "99.00"},
		{"1.234,56", "EUR", "1234.56"},
		{"€1.234,56", "EUR", "1234.56"},
		{"(1.234,56)", "EUR", "-1234.56"},
		{"1 234,56", "EUR", "1234.56"},
		{"0", "USD", "0"},
	}
	for _, tc := range cases {
		got, err := ingest.ParseMoney(tc.raw, tc.currency)
		require.NoError(t, err, "%s %s", tc.raw, tc.currency)
		assert.True(t, got.Equal(dec(tc.want)), "%s %s: got %s", tc.raw, tc.currency, got)
	}
}

func TestParseMoney_DoubleNegative(t *testing.T) {
	// Parentheses and a minus sign cancel. Institutions do write this.
	got, err := ingest.ParseMoney("(-5.00)", "USD")
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("5.00")))
}

func TestParseMoney_Rejects(t *testing.T) {
	for _, raw := range []string{"", "   ", "abc", "12..5"} {
		_, err := ingest.ParseMoney(raw, "USD")
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestParseMoney_UnknownCurrencyFallsBackToUS(t *testing.T) {
	got, err := ingest.ParseMoney("1,234.56", "ZZZ")
	require.NoError(t, err)
	assert.True(t, got.Equal(dec("1234.56")))
}

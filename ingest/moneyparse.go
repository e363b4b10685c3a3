package ingest

import (
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// ParseMoney parses a monetary string the way the institution wrote it:
// currency symbol or code, locale thousand separators, locale decimal mark,
// parenthesized negatives. The currency's own formatting metadata decides
// what a comma means.
//
// "1.234,56" with EUR is 1234.56; "(1,234.56)" with USD is -1234.56.
func ParseMoney(raw, currencyCode string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	c := money.GetCurrency(strings.ToUpper(currencyCode))
	if c != nil {
		s = strings.ReplaceAll(s, c.Grapheme, "")
		s = strings.ReplaceAll(s, c.Code, "")
	}
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")

	if c != nil && c.Decimal != "." {
		s = strings.ReplaceAll(s, c.Thousand, "")
		s = strings.ReplaceAll(s, c.Decimal, ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ledger"
)

// Canonical mapped-row field names. Transforms may compute any intermediate
// field, but these are the ones the materializer reads.
const (
	FieldDate      = "date"
	FieldAction    = "action"
	FieldAccountID = "account_id"
	FieldAssetID   = "asset_id"
	FieldQuantity  = "quantity"
	FieldPrice     = "price"
	FieldAmount    = "amount"
	FieldCurrency  = "currency"
	FieldBalance   = "balance"
)

const defaultDateLayout = "2006-01-02"

// =============================================================================
// SCHEMA TYPING - Raw strings -> typed field map
// =============================================================================

// typedFields applies the schema to one source row. Missing optional fields
// are simply absent from the map; a missing required field rejects the row.
// The row's currency is resolved first: decimal fields are written the way
// the institution's locale writes them, and the currency decides what a
// comma means.
func typedFields(row ingest.SourceRow, schema ingest.Schema) (map[string]any, error) {
	currency := rowCurrency(row, schema)
	fields := make(map[string]any, len(schema.Fields))
	for _, spec := range schema.Fields {
		raw := strings.TrimSpace(row.Fields[spec.Column])
		if spec.IsMissing(raw) {
			if spec.Default != "" {
				raw = spec.Default
			} else if spec.Required {
				return nil, &ConversionError{Field: spec.Name, Row: row.Ref,
					Cause: fmt.Errorf("required field missing (column %q)", spec.Column)}
			} else {
				continue
			}
		}

		v, err := typeValue(spec, raw, currency)
		if err != nil {
			return nil, &ConversionError{Field: spec.Name, Row: row.Ref, Cause: err}
		}
		fields[spec.Name] = v
	}
	return fields, nil
}

// rowCurrency reads the currency field's raw value, falling back to its
// declared default. Empty when the schema has no currency field.
func rowCurrency(row ingest.SourceRow, schema ingest.Schema) string {
	for _, spec := range schema.Fields {
		if spec.Name != FieldCurrency {
			continue
		}
		raw := strings.TrimSpace(row.Fields[spec.Column])
		if spec.IsMissing(raw) {
			raw = spec.Default
		}
		return raw
	}
	return ""
}

func typeValue(spec ingest.FieldSpec, raw, currency string) (any, error) {
	switch spec.Type {
	case ingest.TypeString, "":
		return raw, nil
	case ingest.TypeDecimal:
		// Kept exact. Expressions get a float64 view at evaluation time;
		// fields no transform touches reach the mapped row unrounded.
		d, err := ingest.ParseMoney(raw, currency)
		if err != nil {
			return nil, fmt.Errorf("not a decimal: %q", raw)
		}
		return d, nil
	case ingest.TypeInteger:
		n, err := strconv.ParseInt(cleanNumber(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return n, nil
	case ingest.TypeDate:
		layout := spec.Format
		if layout == "" {
			layout = defaultDateLayout
		}
		t, err := time.Parse(layout, raw)
		if err != nil {
			return nil, fmt.Errorf("not a %q date: %q", layout, raw)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", spec.Type)
	}
}

// cleanNumber strips formatting commonly found in institution exports.
func cleanNumber(raw string) string {
	raw = strings.ReplaceAll(raw, ",", "")
	raw = strings.ReplaceAll(raw, "$", "")
	raw = strings.ReplaceAll(raw, " ", "")
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		raw = "-" + raw[1:len(raw)-1]
	}
	return raw
}

// =============================================================================
// MAPPED ROW ASSEMBLY - Typed fields -> ledger.MappedRow
// =============================================================================

// buildMappedRow reads the canonical fields out of the transformed field
// map. Date and account are mandatory for materialization; everything else
// degrades to its zero value.
func buildMappedRow(ref ingest.RowRef, fields map[string]any) (ledger.MappedRow, error) {
	date, ok := fields[FieldDate].(time.Time)
	if !ok {
		return ledger.MappedRow{}, &ConversionError{Field: FieldDate, Row: ref,
			Cause: fmt.Errorf("missing or not a date")}
	}
	accountID := stringField(fields, FieldAccountID)
	if accountID == "" {
		return ledger.MappedRow{}, &ConversionError{Field: FieldAccountID, Row: ref,
			Cause: fmt.Errorf("missing")}
	}

	row := ledger.MappedRow{
		Source:    ref,
		Date:      date.Truncate(24 * time.Hour),
		Action:    stringField(fields, FieldAction),
		AccountID: accountID,
		AssetID:   stringField(fields, FieldAssetID),
		Currency:  stringField(fields, FieldCurrency),
	}

	var err error
	if row.Quantity, err = decimalField(fields, FieldQuantity); err != nil {
		return ledger.MappedRow{}, &ConversionError{Field: FieldQuantity, Row: ref, Cause: err}
	}
	if row.Price, err = decimalField(fields, FieldPrice); err != nil {
		return ledger.MappedRow{}, &ConversionError{Field: FieldPrice, Row: ref, Cause: err}
	}
	if row.Amount, err = decimalField(fields, FieldAmount); err != nil {
		return ledger.MappedRow{}, &ConversionError{Field: FieldAmount, Row: ref, Cause: err}
	}

	if _, present := fields[FieldBalance]; present {
		b, err := decimalField(fields, FieldBalance)
		if err != nil {
			return ledger.MappedRow{}, &ConversionError{Field: FieldBalance, Row: ref, Cause: err}
		}
		row.Balance = &b
	}
	return row, nil
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return strings.TrimSpace(s)
}

func decimalField(fields map[string]any, name string) (decimal.Decimal, error) {
	v, present := fields[name]
	if !present || v == nil {
		return decimal.Zero, nil
	}
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case string:
		d, err := decimal.NewFromString(cleanNumber(x))
		if err != nil {
			return decimal.Zero, fmt.Errorf("not a decimal: %q", x)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported value type %T", v)
	}
}

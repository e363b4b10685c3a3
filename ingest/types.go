/*
Package ingest turns raw tabular exports into ordered source rows.

PURPOSE:
  This package owns the first step of the import pipeline: a raw file plus
  a dialect descriptor in, an ordered sequence of SourceRows out. Everything
  downstream (transforms, validation, materialization) references rows by
  (rawFileID, rowNumber) and never re-reads the raw bytes.

KEY CONCEPTS:
  - RawFile:   immutable bytes + SHA-256 checksum + arrival timestamp.
               The sole source of truth for original data; never mutated.
  - SourceRow: one extracted data row, keyed by (rawFileID, rowNumber).
               Created once during extraction, immutable thereafter. Many
               ledger entries may reference one row.
  - Dialect:   structured descriptor of the file shape (format, delimiter,
               header presence, sheet). Consumed here, authored elsewhere.
  - Schema:    per-field name, type, format, missing-value tokens, default.

SEE ALSO:
  - extract.go: CSV/XLSX extraction against a Dialect
  - blob/:      raw-file storage with checksum re-verification
*/
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// =============================================================================
// RAW FILE
// =============================================================================

type RawFileID string

// RawFile is the immutable original of an imported export.
type RawFile struct {
	ID         RawFileID
	Checksum   string // hex SHA-256 of Content
	Content    []byte
	ReceivedAt time.Time
}

// NewRawFile builds a RawFile with its content checksum filled in.
func NewRawFile(id RawFileID, content []byte, receivedAt time.Time) RawFile {
	return RawFile{
		ID:         id,
		Checksum:   Checksum(content),
		Content:    content,
		ReceivedAt: receivedAt,
	}
}

// Checksum returns the hex SHA-256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// SOURCE ROW
// =============================================================================

// RowRef identifies a source row inside a raw file. Row numbers are 1-based
// and count data rows only (a header row is row 0 conceptually and never
// extracted).
type RowRef struct {
	RawFile RawFileID
	Number  int
}

func (r RowRef) String() string {
	return fmt.Sprintf("%s#%d", r.RawFile, r.Number)
}

// SourceRow is one extracted data row. Immutable once extracted.
type SourceRow struct {
	Ref    RowRef
	Fields map[string]string // raw field values keyed by column name
}

// =============================================================================
// DIALECT DESCRIPTOR
// =============================================================================

type FileFormat string

const (
	FormatCSV  FileFormat = "csv"
	FormatXLSX FileFormat = "xlsx"
)

// Dialect describes the physical shape of a raw file. It is an input to
// extraction, not something this package authors.
type Dialect struct {
	Format    FileFormat `yaml:"format"`
	Delimiter string     `yaml:"delimiter,omitempty"` // single rune; default ","
	HasHeader bool       `yaml:"header"`
	Encoding  string     `yaml:"encoding,omitempty"` // informational; utf-8 assumed
	Sheet     string     `yaml:"sheet,omitempty"`    // xlsx only; empty = first sheet
}

// DelimiterRune returns the configured delimiter, defaulting to comma.
func (d Dialect) DelimiterRune() rune {
	if d.Delimiter == "" {
		return ','
	}
	return []rune(d.Delimiter)[0]
}

// =============================================================================
// FIELD SCHEMA
// =============================================================================

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeDecimal FieldType = "decimal"
	TypeDate    FieldType = "date"
	TypeInteger FieldType = "integer"
)

// FieldSpec declares one logical field of the mapped row: where it comes
// from, its type, and how missing values are treated.
type FieldSpec struct {
	Name          string    `yaml:"name"`             // logical field name (e.g. "amount")
	Column        string    `yaml:"column"`           // source column header
	Type          FieldType `yaml:"type"`
	Format        string    `yaml:"format,omitempty"` // date layout for TypeDate
	Required      bool      `yaml:"required,omitempty"`
	MissingTokens []string  `yaml:"missing_tokens,omitempty"` // e.g. "N/A", "--"
	Default       string    `yaml:"default,omitempty"`
}

// IsMissing reports whether a raw value counts as absent for this field.
func (f FieldSpec) IsMissing(raw string) bool {
	if raw == "" {
		return true
	}
	for _, tok := range f.MissingTokens {
		if raw == tok {
			return true
		}
	}
	return false
}

// Schema is the ordered field list of a parse plan.
type Schema struct {
	Fields []FieldSpec `yaml:"fields"`
}

// Field returns the spec for a logical field name.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

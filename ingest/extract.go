/*
extract.go - Row extraction against a dialect descriptor

PURPOSE:
  Turns a RawFile into an ordered []SourceRow according to its Dialect.
  CSV is read with encoding/csv, XLSX with excelize. Extraction is strict:
  anything that contradicts the declared dialect is a DialectError, because
  a silently misread file poisons every downstream row.

COLUMN NAMING:
  With a header row, fields are keyed by the trimmed header cells.
  Without one, columns are keyed "col1", "col2", ... in file order.

DETERMINISM:
  Extraction depends only on (content, dialect). Row numbers are assigned
  in file order starting at 1 and never reassigned.
*/
package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Extract parses the raw file into ordered source rows per the dialect.
func Extract(file RawFile, d Dialect) ([]SourceRow, error) {
	switch d.Format {
	case FormatCSV:
		return extractCSV(file, d)
	case FormatXLSX:
		return extractXLSX(file, d)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, d.Format)
	}
}

func extractCSV(file RawFile, d Dialect) ([]SourceRow, error) {
	r := csv.NewReader(bytes.NewReader(file.Content))
	r.Comma = d.DelimiterRune()
	r.TrimLeadingSpace = true
	// Column count is validated against the header (or first row) below,
	// so ragged rows surface as DialectErrors with a row number.
	r.FieldsPerRecord = -1

	var header []string
	rowNum := 0
	var rows []SourceRow

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &DialectError{RawFile: file.ID, Row: rowNum + 1, Reason: err.Error()}
		}

		if header == nil {
			if d.HasHeader {
				header = make([]string, len(record))
				for i, h := range record {
					header[i] = strings.TrimSpace(h)
				}
				continue
			}
			header = positionalHeader(len(record))
		}

		if len(record) != len(header) {
			return nil, &DialectError{
				RawFile: file.ID,
				Row:     rowNum + 1,
				Reason:  fmt.Sprintf("expected %d fields, got %d", len(header), len(record)),
			}
		}

		rowNum++
		rows = append(rows, SourceRow{
			Ref:    RowRef{RawFile: file.ID, Number: rowNum},
			Fields: zip(header, record),
		})
	}

	return rows, nil
}

func extractXLSX(file RawFile, d Dialect) ([]SourceRow, error) {
	f, err := excelize.OpenReader(bytes.NewReader(file.Content))
	if err != nil {
		return nil, &DialectError{RawFile: file.ID, Reason: fmt.Sprintf("open workbook: %v", err)}
	}
	defer f.Close()

	sheet := d.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, &DialectError{RawFile: file.ID, Reason: fmt.Sprintf("sheet %q: %v", sheet, err)}
	}
	if len(records) == 0 {
		return nil, nil
	}

	var header []string
	start := 0
	if d.HasHeader {
		header = make([]string, len(records[0]))
		for i, h := range records[0] {
			header[i] = strings.TrimSpace(h)
		}
		start = 1
	} else {
		header = positionalHeader(len(records[0]))
	}

	var rows []SourceRow
	for i := start; i < len(records); i++ {
		record := records[i]
		// excelize drops trailing empty cells; pad rather than reject.
		if len(record) < len(header) {
			padded := make([]string, len(header))
			copy(padded, record)
			record = padded
		}
		if len(record) > len(header) {
			return nil, &DialectError{
				RawFile: file.ID,
				Row:     len(rows) + 1,
				Reason:  fmt.Sprintf("expected %d cells, got %d", len(header), len(record)),
			}
		}
		rows = append(rows, SourceRow{
			Ref:    RowRef{RawFile: file.ID, Number: len(rows) + 1},
			Fields: zip(header, record),
		})
	}

	return rows, nil
}

func positionalHeader(n int) []string {
	header := make([]string, n)
	for i := range header {
		header[i] = fmt.Sprintf("col%d", i+1)
	}
	return header
}

func zip(header, record []string) map[string]string {
	fields := make(map[string]string, len(header))
	for i, h := range header {
		fields[h] = strings.TrimSpace(record[i])
	}
	return fields
}

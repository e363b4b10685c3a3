package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrDialectMismatch is returned when a raw file does not match its
	// declared dialect (wrong delimiter, ragged rows, unreadable workbook).
	ErrDialectMismatch = errors.New("file does not match declared dialect")

	// ErrUnsupportedFormat is returned for formats the extractor does not
	// handle.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// DialectError carries the location of a dialect mismatch. Row 0 means the
// file could not be read at all.
type DialectError struct {
	RawFile RawFileID
	Row     int
	Reason  string
}

func (e *DialectError) Error() string {
	if e.Row == 0 {
		return fmt.Sprintf("dialect mismatch in %s: %s", e.RawFile, e.Reason)
	}
	return fmt.Sprintf("dialect mismatch in %s row %d: %s", e.RawFile, e.Row, e.Reason)
}

func (e *DialectError) Unwrap() error { return ErrDialectMismatch }

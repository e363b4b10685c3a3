package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ingest"
	"github.com/warp/ledger-engine/ingest/blob"
)

// IsClearingAccount reports whether an account id is an offset leg rather
// than a real institution account.
func IsClearingAccount(accountID string) bool {
	return strings.HasPrefix(accountID, "clearing:")
}

// =============================================================================
// LEDGER - Append with idempotency, balance by replay, provenance checks
// =============================================================================

// Ledger wraps a Store with the write discipline the rest of the system
// relies on: idempotent batch appends, replay-computed balances, and
// provenance verification against the raw file blobs.
type Ledger struct {
	store Store
	blobs blob.Store
	log   zerolog.Logger
}

func New(store Store, blobs blob.Store, log zerolog.Logger) *Ledger {
	return &Ledger{store: store, blobs: blobs, log: log.With().Str("component", "ledger").Logger()}
}

// Store exposes the underlying read operations.
func (l *Ledger) Store() Store { return l.store }

// AppendBatch writes the entries that have not been materialized yet and
// returns them. Entries whose idempotency key already exists are skipped,
// which is what makes a resumed commit run safe to replay from the start
// of an interrupted chunk.
func (l *Ledger) AppendBatch(ctx context.Context, entries []Entry) ([]Entry, error) {
	fresh := make([]Entry, 0, len(entries))
	for _, e := range entries {
		ok, err := l.store.Exists(ctx, e.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if ok {
			l.log.Debug().Str("entry", string(e.ID)).Msg("skipping already materialized entry")
			continue
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if err := l.store.Append(ctx, fresh); err != nil {
		// Lost a race on the key: the entries exist, the append is a no-op.
		if errors.Is(err, ErrDuplicateEntry) {
			return nil, nil
		}
		return nil, err
	}
	l.log.Info().Int("entries", len(fresh)).Msg("appended batch")
	return fresh, nil
}

// Balance replays an account's entries up to and including asOf. There is no
// stored balance to trust or to drift.
func (l *Ledger) Balance(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error) {
	entries, err := l.store.Account(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.Date.After(asOf) {
			break
		}
		total = total.Add(e.Signed())
	}
	return total, nil
}

// VerifyProvenance re-resolves an entry's lineage: every referenced raw file
// must still exist in blob storage and still match its put-time checksum. A
// failure is loud, never a silent null.
func (l *Ledger) VerifyProvenance(ctx context.Context, e Entry) error {
	if len(e.SourceRows) == 0 {
		// Correction entries have no source rows; their lineage is the
		// audit delta that created them.
		if strings.HasPrefix(e.OriginRun, "fix:") {
			return nil
		}
		return &ProvenanceIntegrityError{Entry: e.ID, Cause: errors.New("no source rows")}
	}
	checked := make(map[ingest.RawFileID]struct{})
	for _, ref := range e.SourceRows {
		if _, ok := checked[ref.RawFile]; ok {
			continue
		}
		checked[ref.RawFile] = struct{}{}
		if _, err := l.blobs.Get(ctx, string(ref.RawFile)); err != nil {
			return &ProvenanceIntegrityError{Entry: e.ID, RawFile: string(ref.RawFile), Cause: err}
		}
	}
	return nil
}

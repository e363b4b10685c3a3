package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// GCS stores blobs as objects in a Google Cloud Storage bucket. The put-time
// checksum is kept in object metadata so Get can re-verify after download.
//
// Application Default Credentials are assumed.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

const checksumMetaKey = "ledger-engine-sha256"

func NewGCS(client *storage.Client, bucket, prefix string) *GCS {
	return &GCS{client: client, bucket: bucket, prefix: prefix}
}

func (g *GCS) Put(ctx context.Context, content []byte) (Ref, error) {
	id := uuid.NewString()
	sum := checksum(content)

	obj := g.client.Bucket(g.bucket).Object(g.prefix + id)
	w := obj.NewWriter(ctx)
	w.Metadata = map[string]string{checksumMetaKey: sum}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return Ref{}, fmt.Errorf("write blob %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("finalize blob %s: %w", id, err)
	}
	return Ref{ID: id, Checksum: sum}, nil
}

func (g *GCS) Get(ctx context.Context, id string) ([]byte, error) {
	obj := g.client.Bucket(g.bucket).Object(g.prefix + id)

	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("stat blob %s: %w", id, err)
	}

	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}

	if want := attrs.Metadata[checksumMetaKey]; want != "" && checksum(content) != want {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, id)
	}
	return content, nil
}

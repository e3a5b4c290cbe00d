package database

import (
	"context"
	"fmt"
)

// EncodingStore persists cache entries.
type EncodingStore interface {
	// Load returns every readable entry. Records that cannot be decoded are
	// skipped and reported through dropped rather than failing the load.
	Load(ctx context.Context) (entries []StoredEncoding, dropped []error, err error)
	// Save applies upserts and deletes as one batch.
	Save(ctx context.Context, upserts []StoredEncoding, deletes []string) error
	// Close releases the store's resources.
	Close() error
}

// Copy loads every readable entry from src and saves it to dst in one
// batch. It returns the number copied and the records src dropped.
func Copy(ctx context.Context, src, dst EncodingStore) (int, []error, error) {
	entries, dropped, err := src.Load(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("loading source store: %w", err)
	}
	if len(entries) == 0 {
		return 0, dropped, nil
	}
	if err := dst.Save(ctx, entries, nil); err != nil {
		return 0, dropped, fmt.Errorf("saving to destination store: %w", err)
	}
	return len(entries), dropped, nil
}

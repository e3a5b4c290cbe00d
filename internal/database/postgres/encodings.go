package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/facegate/internal/database"
)

const kindEmbedding = "embedding"

// EncodingRepository is a database.EncodingStore backed by PostgreSQL.
// Embedding vectors use the pgvector type, geometric landmark vectors a
// REAL array next to the crop pixels.
type EncodingRepository struct {
	pool *Pool
}

var _ database.EncodingStore = (*EncodingRepository)(nil)

// NewEncodingRepository creates a new PostgreSQL encoding repository
func NewEncodingRepository(pool *Pool) *EncodingRepository {
	return &EncodingRepository{pool: pool}
}

// Load implements database.EncodingStore.
func (r *EncodingRepository) Load(ctx context.Context) ([]database.StoredEncoding, []error, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT identity_id, kind, version, embedding, features, crop, crop_width, crop_height, fingerprint, updated_at
		FROM face_encodings
		ORDER BY identity_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("query encodings: %w", err)
	}
	defer rows.Close()

	var (
		entries []database.StoredEncoding
		dropped []error
	)
	for rows.Next() {
		var (
			e        database.StoredEncoding
			vec      *pgvector.Vector
			features pq.Float32Array
		)
		if err := rows.Scan(&e.IdentityID, &e.Kind, &e.Version, &vec, &features, &e.Crop,
			&e.CropWidth, &e.CropHeight, &e.Fingerprint, &e.UpdatedAt); err != nil {
			dropped = append(dropped, &database.InvalidEntryError{ID: e.IdentityID, Reason: err.Error()})
			continue
		}
		if e.Kind == kindEmbedding {
			if vec != nil {
				e.Vector = vec.Slice()
			}
		} else {
			e.Vector = []float32(features)
		}
		if err := e.Validate(); err != nil {
			dropped = append(dropped, err)
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate encodings: %w", err)
	}
	return entries, dropped, nil
}

// Save implements database.EncodingStore in a single transaction.
func (r *EncodingRepository) Save(ctx context.Context, upserts []database.StoredEncoding, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(deletes) > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM face_encodings WHERE identity_id = ANY($1)", pq.Array(deletes)); err != nil {
			return fmt.Errorf("delete encodings: %w", err)
		}
	}

	if len(upserts) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO face_encodings
				(identity_id, kind, version, embedding, features, crop, crop_width, crop_height, fingerprint, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (identity_id) DO UPDATE SET
				kind = EXCLUDED.kind,
				version = EXCLUDED.version,
				embedding = EXCLUDED.embedding,
				features = EXCLUDED.features,
				crop = EXCLUDED.crop,
				crop_width = EXCLUDED.crop_width,
				crop_height = EXCLUDED.crop_height,
				fingerprint = EXCLUDED.fingerprint,
				updated_at = EXCLUDED.updated_at
		`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, e := range upserts {
			var vec, features any
			if e.Kind == kindEmbedding {
				vec = pgvector.NewVector(e.Vector)
			} else {
				features = pq.Array(e.Vector)
			}
			if _, err := stmt.ExecContext(ctx, e.IdentityID, e.Kind, e.Version, vec, features, e.Crop,
				e.CropWidth, e.CropHeight, e.Fingerprint, e.UpdatedAt); err != nil {
				return fmt.Errorf("upsert encoding %s: %w", e.IdentityID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit encodings: %w", err)
	}
	return nil
}

// Count returns the number of stored encodings.
func (r *EncodingRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM face_encodings").Scan(&count); err != nil {
		return 0, fmt.Errorf("count encodings: %w", err)
	}
	return count, nil
}

// Schema lists the schema files and when each was applied.
func (r *EncodingRepository) Schema(ctx context.Context) ([]SchemaStep, error) {
	return r.pool.Schema(ctx)
}

// Close implements database.EncodingStore.
func (r *EncodingRepository) Close() error {
	return r.pool.Close()
}

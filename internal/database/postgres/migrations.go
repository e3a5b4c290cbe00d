package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/facegate/internal/fingerprint"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// schemaLockID serializes migrations of engines starting side by side.
const schemaLockID = 0x66616365

// SchemaStep is one embedded schema file.
type SchemaStep struct {
	Name     string    `json:"name"`
	Checksum string    `json:"checksum"`
	Applied  time.Time `json:"applied_at,omitzero"`
}

// schemaSteps lists the embedded schema files in name order.
func schemaSteps() ([]SchemaStep, map[string]string, error) {
	files, err := schemaFS.ReadDir("migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("listing schema files: %w", err)
	}

	var steps []SchemaStep
	bodies := make(map[string]string)
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		body, err := schemaFS.ReadFile(path.Join("migrations", f.Name()))
		if err != nil {
			return nil, nil, fmt.Errorf("reading schema file %s: %w", f.Name(), err)
		}
		steps = append(steps, SchemaStep{Name: f.Name(), Checksum: fingerprint.Source(body)})
		bodies[f.Name()] = string(body)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Name < steps[j].Name })
	return steps, bodies, nil
}

// Migrate brings the encoding schema up to date. Each pending file runs in
// its own transaction under an advisory lock and is logged once applied.
// A file whose checksum no longer matches the recorded one is an error.
func (p *Pool) Migrate(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS facegate_schema (
			name       TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("creating schema table: %w", err)
	}

	steps, bodies, err := schemaSteps()
	if err != nil {
		return err
	}
	for _, step := range steps {
		start := time.Now()
		applied, err := p.applyStep(ctx, step, bodies[step.Name])
		if err != nil {
			return err
		}
		if applied {
			logger.Info("applied schema migration",
				zap.String("migration", step.Name),
				zap.String("checksum", step.Checksum),
				zap.Duration("duration", time.Since(start)))
		}
	}
	return nil
}

// applyStep runs step unless it is already recorded. It reports whether the
// step ran.
func (p *Pool) applyStep(ctx context.Context, step SchemaStep, body string) (bool, error) {
	tx, err := p.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", schemaLockID); err != nil {
		return false, fmt.Errorf("locking schema: %w", err)
	}

	var recorded string
	err = tx.QueryRowContext(ctx, "SELECT checksum FROM facegate_schema WHERE name = $1", step.Name).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != step.Checksum {
			return false, fmt.Errorf("schema file %s changed after it was applied", step.Name)
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("checking schema file %s: %w", step.Name, err)
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return false, fmt.Errorf("applying schema file %s: %w", step.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO facegate_schema (name, checksum) VALUES ($1, $2)", step.Name, step.Checksum); err != nil {
		return false, fmt.Errorf("recording schema file %s: %w", step.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing schema file %s: %w", step.Name, err)
	}
	return true, nil
}

// Schema returns every embedded schema file with the time it was applied.
// Files not yet applied have a zero Applied time.
func (p *Pool) Schema(ctx context.Context) ([]SchemaStep, error) {
	steps, _, err := schemaSteps()
	if err != nil {
		return nil, err
	}

	rows, err := p.Query(ctx, "SELECT name, applied_at FROM facegate_schema")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, fmt.Errorf("scanning schema row: %w", err)
		}
		applied[name] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading schema rows: %w", err)
	}

	for i := range steps {
		steps[i].Applied = applied[steps[i].Name]
	}
	return steps, nil
}

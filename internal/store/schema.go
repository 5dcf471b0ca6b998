package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/0001_init.up.sql
var initSchema string

// applySchema runs the embedded schema against db. Every statement uses
// CREATE TABLE/INDEX IF NOT EXISTS, the same idempotent-bootstrap idiom the
// teacher uses for its own sqlite schema, so this is safe to call on every
// process start rather than needing a migration-version table.
func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(initSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %q: %w", stmt, err)
		}
	}
	return nil
}

package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

const migrationTable = "schema_migrations"

// migration is one embedded *.sql file reduced to its Up section.
type migration struct {
	Name string
	Up   string
}

// loadMigrations returns the migrations under migrations/<driver>, sorted by
// file name.
func loadMigrations(fsys fs.FS, driver string) ([]migration, error) {
	root := path.Join("migrations", driver)
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		b, err := fs.ReadFile(fsys, path.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		up := extractUp(string(b))
		if strings.TrimSpace(up) == "" {
			continue
		}
		out = append(out, migration{Name: name, Up: up})
	}
	return out, nil
}

// extractUp returns the SQL between "-- +migrate Up" and "-- +migrate Down".
// A file without markers is all Up.
func extractUp(content string) string {
	const upMark, downMark = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, upMark)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(upMark):]
	if downIdx := strings.Index(rest, downMark); downIdx != -1 {
		return rest[:downIdx]
	}
	return rest
}

// isAlreadyExists reports DDL errors that mean the change is already there.
func isAlreadyExists(err error) bool {
	v := strings.ToLower(err.Error())
	return strings.Contains(v, "already exists") || strings.Contains(v, "duplicate column")
}

// migrationTx is the part of a transaction the migration runner needs; both
// backends adapt to it.
type migrationTx interface {
	Exec(ctx context.Context, query string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type migrationTarget interface {
	EnsureTable(ctx context.Context) error
	Applied(ctx context.Context, name string) (bool, error)
	Begin(ctx context.Context) (migrationTx, error)
	// Record returns the statement that marks a migration applied; it takes
	// the name and the unix milli timestamp.
	RecordSQL() string
}

// applyMigrations runs each pending migration in its own transaction.
func applyMigrations(ctx context.Context, t migrationTarget, ms []migration) (applied []string, err error) {
	if err := t.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	for _, m := range ms {
		done, err := t.Applied(ctx, m.Name)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", m.Name, err)
		}
		if done {
			continue
		}
		tx, err := t.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("begin migration %s: %w", m.Name, err)
		}
		if err := tx.Exec(ctx, m.Up); err != nil && !isAlreadyExists(err) {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("exec migration %s: %w", m.Name, err)
		}
		if err := tx.Exec(ctx, t.RecordSQL(), m.Name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("commit migration %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}

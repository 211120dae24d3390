// Command migrator applies the SQL files under migrations/ to the
// application database, recording each one in schema_migrations so reruns
// are no-ops. Files apply in name order, one transaction each.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stiapanreha-dev/xbmc/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	if err := newRunner(pool).run(ctx, dir); err != nil {
		logFatalf("migration: %v", err)
	}
}

// runner holds the migration collaborators; the file-system ones are
// swappable for tests.
type runner struct {
	db       migrationDB
	readFile func(name string) ([]byte, error)
	glob     func(pattern string) ([]string, error)
	logf     func(format string, args ...any)
}

func newRunner(db migrationDB) *runner {
	return &runner{
		db: db,
		// #nosec G304 -- paths are confined to the migrations dir by resolveInside.
		readFile: os.ReadFile,
		glob:     filepath.Glob,
		logf:     log.Printf,
	}
}

func (r *runner) run(ctx context.Context, dir string) error {
	if r.db == nil {
		return fmt.Errorf("db required")
	}
	if _, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	dir = filepath.Clean(dir)
	files, err := r.glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		path, err := resolveInside(dir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(path)
		var done bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&done); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if done {
			continue
		}
		if err := r.applyOne(ctx, path, name); err != nil {
			return err
		}
		applied++
		r.logf("applied %s", name)
	}
	r.logf("schema current: %d applied, %d total", applied, len(files))
	return nil
}

// applyOne runs one migration file and its ledger insert in a single
// transaction, so a failed statement leaves no half-applied schema.
func (r *runner) applyOne(ctx context.Context, path, name string) error {
	sqlBytes, err := r.readFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

// resolveInside rejects glob results that escape the migrations dir.
func resolveInside(dir, file string) (string, error) {
	cleanFile := filepath.Clean(file)
	if !strings.HasPrefix(cleanFile, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, dir)
	}
	return cleanFile, nil
}

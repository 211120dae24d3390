//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestMigratorAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("portal"),
		postgres.WithUsername("portal"),
		postgres.WithPassword("portal"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	dir := t.TempDir()
	schema := "CREATE TABLE portal_users (id SERIAL PRIMARY KEY, login TEXT NOT NULL);"
	if err := os.WriteFile(filepath.Join(dir, "0001_users.sql"), []byte(schema), 0644); err != nil {
		t.Fatalf("failed to write migration: %v", err)
	}

	r := newRunner(pool)
	logs := []string{}
	r.logf = func(format string, args ...any) { logs = append(logs, format) }

	if err := r.run(ctx, dir); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var exists bool
	err = pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='0001_users.sql')").Scan(&exists)
	if err != nil || !exists {
		t.Fatalf("migration not recorded: exists=%v err=%v", exists, err)
	}

	if _, err := pool.Exec(ctx, "INSERT INTO portal_users(login) VALUES ('first')"); err != nil {
		t.Fatalf("migrated table missing: %v", err)
	}

	// A rerun must skip the applied file and only log the summary.
	logs = logs[:0]
	if err := r.run(ctx, dir); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("rerun logs = %v, want summary only", logs)
	}
}

// Package audit persists the admin SQL console history. Every statement
// an administrator runs against the procurement store is recorded with
// its outcome; contact details in the statement text are masked before
// the row is written.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB     auditDB
	Redact bool
}

type Entry struct {
	ID         int64     `json:"id"`
	AdminID    int64     `json:"admin_id"`
	Username   string    `json:"username"`
	Query      string    `json:"query"`
	RowCount   int64     `json:"row_count"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, e Entry) error {
	if w.Redact {
		e.Query = redactQuery(e.Query)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO console_log (admin_id, username, query, row_count, duration_ms, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.AdminID, e.Username, e.Query, e.RowCount, e.DurationMS, e.Error, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append console log: %w", err)
	}
	return nil
}

// Recent returns the latest console entries, newest first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, admin_id, username, query, row_count, duration_ms, error, created_at
		FROM console_log ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("read console log: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AdminID, &e.Username, &e.Query, &e.RowCount, &e.DurationMS, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

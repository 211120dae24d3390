package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/metrics"
	"github.com/stiapanreha-dev/xbmc/pkg/procure"
	"github.com/stiapanreha-dev/xbmc/pkg/store"
	"github.com/stiapanreha-dev/xbmc/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type fakeServerDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	execSQL    []string
}

func (f *fakeServerDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeServerDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeServerRows{}, nil
}

func (f *fakeServerDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeServerRow{err: pgx.ErrNoRows}
}

type fakeServerRow struct {
	values []any
	err    error
}

func (r fakeServerRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignServerScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

type fakeServerRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeServerRows) Close() {}

func (r *fakeServerRows) Err() error { return r.err }

func (r *fakeServerRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT 1") }

func (r *fakeServerRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *fakeServerRows) Next() bool {
	if r.err != nil {
		return false
	}
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeServerRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignServerScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeServerRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func (r *fakeServerRows) RawValues() [][]byte { return nil }

func (r *fakeServerRows) Conn() *pgx.Conn { return nil }

func assignServerScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *bool:
		v, ok := value.(bool)
		if !ok {
			return errors.New("value is not bool")
		}
		*d = v
	case *int64:
		switch v := value.(type) {
		case int:
			*d = int64(v)
		case int64:
			*d = v
		default:
			return errors.New("value is not int64")
		}
	case *decimal.Decimal:
		v, ok := value.(decimal.Decimal)
		if !ok {
			return errors.New("value is not decimal")
		}
		*d = v
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

// userRowValues matches the column order of userColumns.
func userRowValues(id int64, username string, balance decimal.Decimal, admin, emailVerified, phoneVerified bool) []any {
	return []any{
		id, username, username + "@example.com", "89161234567", "$2a$10$hash",
		balance, admin, emailVerified, phoneVerified,
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

type fakeCatalogue struct {
	fetchFn   func(ctx context.Context, f procure.Filter, limit, offset int) (procure.Page, error)
	getFn     func(ctx context.Context, id int64) (procure.Record, error)
	itemsFn   func(ctx context.Context, id int64) ([]procure.Item, error)
	recentFn  func(ctx context.Context, n int) ([]int64, error)
	execRawFn func(ctx context.Context, stmt string) (procure.RawResult, error)

	lastFilter procure.Filter
	lastLimit  int
	lastOffset int
}

func (f *fakeCatalogue) FetchPage(ctx context.Context, flt procure.Filter, limit, offset int) (procure.Page, error) {
	f.lastFilter, f.lastLimit, f.lastOffset = flt, limit, offset
	if f.fetchFn != nil {
		return f.fetchFn(ctx, flt, limit, offset)
	}
	return procure.Page{Rows: []procure.Record{}, Total: 0}, nil
}

func (f *fakeCatalogue) Get(ctx context.Context, id int64) (procure.Record, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return procure.Record{}, procure.ErrNotFound
}

func (f *fakeCatalogue) Items(ctx context.Context, id int64) ([]procure.Item, error) {
	if f.itemsFn != nil {
		return f.itemsFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeCatalogue) RecentIDs(ctx context.Context, n int) ([]int64, error) {
	if f.recentFn != nil {
		return f.recentFn(ctx, n)
	}
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, int64(n-i))
	}
	return ids, nil
}

func (f *fakeCatalogue) ExecRaw(ctx context.Context, stmt string) (procure.RawResult, error) {
	if f.execRawFn != nil {
		return f.execRawFn(ctx, stmt)
	}
	return procure.RawResult{}, nil
}

func newTestServer(t *testing.T, db serverDB, cat catalogueStore) *Server {
	t.Helper()
	tokens, err := auth.NewTokenManager("test-secret", "xbmc", time.Hour)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	return &Server{
		DB:           db,
		Catalogue:    cat,
		Cache:        store.NewMemoryCache(),
		Tokens:       tokens,
		Metrics:      metrics.NewRegistry(),
		Events:       stream.NewHub(),
		CodeCooldown: time.Minute,
		CodeTTL:      10 * time.Minute,
		ExportRowCap: 10000,
		now:          func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) },
		newCode:      func() string { return "123456" },
	}
}

func asUser(r *http.Request, p auth.Principal) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), p))
}

func withServerURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

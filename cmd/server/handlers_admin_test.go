package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stiapanreha-dev/xbmc/pkg/audit"
	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/procure"
	"github.com/stiapanreha-dev/xbmc/pkg/stream"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type fakeConsoleLog struct {
	entries  []audit.Entry
	appendFn func(ctx context.Context, e audit.Entry) error
}

func (f *fakeConsoleLog) Append(ctx context.Context, e audit.Entry) error {
	if f.appendFn != nil {
		return f.appendFn(ctx, e)
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeConsoleLog) Recent(ctx context.Context, limit int) ([]audit.Entry, error) {
	return f.entries, nil
}

func TestConsoleRunsAndLogs(t *testing.T) {
	t.Parallel()
	cat := &fakeCatalogue{execRawFn: func(ctx context.Context, stmt string) (procure.RawResult, error) {
		return procure.RawResult{
			Columns:   []string{"id"},
			Rows:      [][]any{{int64(1)}, {int64(2)}},
			RowCount:  2,
			ElapsedMS: 12,
		}, nil
	}}
	log := &fakeConsoleLog{}
	s := newTestServer(t, &fakeServerDB{}, cat)
	s.Console = log

	req := asUser(httptest.NewRequest("POST", "/api/admin/console", strings.NewReader(`{"query":"SELECT id FROM zakupki LIMIT 2"}`)),
		auth.Principal{UserID: 1, Username: "root", Admin: true})
	rec := httptest.NewRecorder()
	s.handleConsole(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var res procure.RawResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RowCount != 2 || len(res.Columns) != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(log.entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(log.entries))
	}
	e := log.entries[0]
	if e.AdminID != 1 || e.Username != "root" || e.RowCount != 2 || e.DurationMS != 12 || e.Error != "" {
		t.Errorf("entry = %+v", e)
	}
	events := s.Events.Recent()
	if len(events) != 1 || events[0].Type != stream.TypeConsoleExecuted {
		t.Errorf("events = %+v, want one %s", events, stream.TypeConsoleExecuted)
	}
}

func TestConsoleFailureStillLogged(t *testing.T) {
	t.Parallel()
	cat := &fakeCatalogue{execRawFn: func(ctx context.Context, stmt string) (procure.RawResult, error) {
		return procure.RawResult{}, errors.New(`relation "nope" does not exist`)
	}}
	log := &fakeConsoleLog{}
	s := newTestServer(t, &fakeServerDB{}, cat)
	s.Console = log

	req := asUser(httptest.NewRequest("POST", "/api/admin/console", strings.NewReader(`{"query":"SELECT * FROM nope"}`)),
		auth.Principal{UserID: 1, Username: "root", Admin: true})
	rec := httptest.NewRecorder()
	s.handleConsole(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "does not exist") {
		t.Errorf("error must pass through verbatim: %s", rec.Body.String())
	}
	if len(log.entries) != 1 || log.entries[0].Error == "" {
		t.Fatalf("failed statement must still be logged: %+v", log.entries)
	}
}

func TestConsoleLogFailureDoesNotBlockAnswer(t *testing.T) {
	t.Parallel()
	cat := &fakeCatalogue{execRawFn: func(ctx context.Context, stmt string) (procure.RawResult, error) {
		return procure.RawResult{RowCount: 1}, nil
	}}
	s := newTestServer(t, &fakeServerDB{}, cat)
	s.Console = &fakeConsoleLog{appendFn: func(ctx context.Context, e audit.Entry) error {
		return errors.New("log table gone")
	}}

	req := asUser(httptest.NewRequest("POST", "/api/admin/console", strings.NewReader(`{"query":"SELECT 1"}`)),
		auth.Principal{UserID: 1, Username: "root", Admin: true})
	rec := httptest.NewRecorder()
	s.handleConsole(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestConsoleEmptyQuery(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeServerDB{}, &fakeCatalogue{})
	s.Console = &fakeConsoleLog{}
	req := asUser(httptest.NewRequest("POST", "/api/admin/console", strings.NewReader(`{"query":"  "}`)),
		auth.Principal{UserID: 1, Username: "root", Admin: true})
	rec := httptest.NewRecorder()
	s.handleConsole(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConsoleLogEndpoint(t *testing.T) {
	t.Parallel()
	log := &fakeConsoleLog{entries: []audit.Entry{{ID: 1, Username: "root", Query: "SELECT 1"}}}
	s := newTestServer(t, &fakeServerDB{}, &fakeCatalogue{})
	s.Console = log

	rec := httptest.NewRecorder()
	s.handleConsoleLog(rec, httptest.NewRequest("GET", "/api/admin/console/log?limit=10", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"SELECT 1"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestToggleAdmin(t *testing.T) {
	t.Parallel()
	db := &fakeServerDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		if !strings.Contains(sql, "NOT is_admin") {
			t.Errorf("unexpected query: %s", sql)
		}
		return fakeServerRow{values: []any{true}}
	}}
	s := newTestServer(t, db, &fakeCatalogue{})

	req := asUser(withServerURLParams(httptest.NewRequest("POST", "/api/admin/users/9/toggle-admin", nil), map[string]string{"id": "9"}),
		auth.Principal{UserID: 1, Admin: true})
	rec := httptest.NewRecorder()
	s.handleToggleAdmin(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"is_admin":true`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestToggleAdminSelf(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeServerDB{}, &fakeCatalogue{})
	req := asUser(withServerURLParams(httptest.NewRequest("POST", "/api/admin/users/1/toggle-admin", nil), map[string]string{"id": "1"}),
		auth.Principal{UserID: 1, Admin: true})
	rec := httptest.NewRecorder()
	s.handleToggleAdmin(rec, req)
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminUsersList(t *testing.T) {
	t.Parallel()
	db := &fakeServerDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return &fakeServerRows{rows: [][]any{
			userRowValues(1, "root", decimal.Zero, true, true, false),
			userRowValues(2, "payer", decimal.NewFromInt(10), false, true, true),
		}}, nil
	}}
	s := newTestServer(t, db, &fakeCatalogue{})

	rec := httptest.NewRecorder()
	s.handleAdminUsers(rec, httptest.NewRequest("GET", "/api/admin/users", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var out []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("users = %d, want 2", len(out))
	}
	if _, leaked := out[0]["password_hash"]; leaked {
		t.Error("password hash leaked in admin user list")
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	t.Parallel()
	db := &fakeServerDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		if len(args) == 1 && args[0] == int64(8) {
			return fakeServerRow{values: userRowValues(8, "boss", decimal.NewFromInt(0), true, true, false)}
		}
		return fakeServerRow{values: userRowValues(7, "payer", decimal.NewFromInt(0), false, true, false)}
	}}
	s := newTestServer(t, db, &fakeCatalogue{})
	s.Console = &fakeConsoleLog{}
	guarded := s.requireAdmin(s.handleConsole)

	anon := httptest.NewRecorder()
	guarded(anon, httptest.NewRequest("POST", "/api/admin/console", strings.NewReader(`{"query":"SELECT 1"}`)))
	if anon.Code != 401 {
		t.Errorf("anonymous = %d, want 401", anon.Code)
	}

	user := httptest.NewRecorder()
	guarded(user, asUser(httptest.NewRequest("POST", "/api/admin/console", strings.NewReader(`{"query":"SELECT 1"}`)),
		auth.Principal{UserID: 7, Username: "payer"}))
	if user.Code != 403 {
		t.Errorf("non-admin = %d, want 403", user.Code)
	}

	admin := httptest.NewRecorder()
	guarded(admin, asUser(httptest.NewRequest("POST", "/api/admin/console", strings.NewReader(`{"query":"SELECT 1"}`)),
		auth.Principal{UserID: 8, Username: "boss", Admin: true}))
	if admin.Code != 200 {
		t.Errorf("admin = %d, want 200: %s", admin.Code, admin.Body.String())
	}
}

func TestDemotedAdminLosesAccessImmediately(t *testing.T) {
	t.Parallel()
	// Token still carries the admin claim; the account row no longer does.
	db := &fakeServerDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeServerRow{values: userRowValues(8, "boss", decimal.NewFromInt(0), false, true, false)}
	}}
	s := newTestServer(t, db, &fakeCatalogue{})
	s.Console = &fakeConsoleLog{}

	rec := httptest.NewRecorder()
	s.requireAdmin(s.handleConsole)(rec, asUser(
		httptest.NewRequest("POST", "/api/admin/console", strings.NewReader(`{"query":"SELECT 1"}`)),
		auth.Principal{UserID: 8, Username: "boss", Admin: true}))
	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/payment"
	"github.com/stiapanreha-dev/xbmc/pkg/stream"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type fakeGateway struct {
	payment payment.Payment
	err     error
	lastReq struct {
		userID int64
		amount decimal.Decimal
	}
}

func (f *fakeGateway) Create(ctx context.Context, userID int64, amount decimal.Decimal, description string) (payment.Payment, error) {
	f.lastReq.userID = userID
	f.lastReq.amount = amount
	if f.err != nil {
		return payment.Payment{}, f.err
	}
	return f.payment, nil
}

func webhookBody(paymentID, status, amount string, userID int64) string {
	return `{
		"event": "payment.` + status + `",
		"object": {
			"id": "` + paymentID + `",
			"status": "` + status + `",
			"amount": {"value": "` + amount + `", "currency": "RUB"},
			"metadata": {"user_id": "` + itoa(userID) + `"}
		}
	}`
}

func itoa(v int64) string {
	return decimal.NewFromInt(v).String()
}

func TestCreatePaymentPending(t *testing.T) {
	t.Parallel()
	db := &fakeServerDB{}
	gw := &fakeGateway{payment: payment.Payment{ID: "pay-1", Status: payment.StatusPending, ConfirmationURL: "https://pay.example/1"}}
	s := newTestServer(t, db, &fakeCatalogue{})
	s.Payments = gw

	req := asUser(httptest.NewRequest("POST", "/api/payment/create", strings.NewReader(`{"amount":"250.00"}`)), auth.Principal{UserID: 7})
	rec := httptest.NewRecorder()
	s.handleCreatePayment(rec, req)

	if rec.Code != 201 {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if gw.lastReq.userID != 7 || !gw.lastReq.amount.Equal(decimal.RequireFromString("250.00")) {
		t.Errorf("gateway call = %+v", gw.lastReq)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["confirmation_url"] != "https://pay.example/1" {
		t.Errorf("confirmation_url = %q", resp["confirmation_url"])
	}
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "UPDATE users SET balance") {
			t.Error("pending payment must not credit the balance")
		}
	}
}

func TestCreatePaymentDemoCreditsImmediately(t *testing.T) {
	t.Parallel()
	db := &fakeServerDB{}
	gw := &fakeGateway{payment: payment.Payment{ID: "demo-1", Status: payment.StatusSucceeded}}
	s := newTestServer(t, db, &fakeCatalogue{})
	s.Payments = gw

	req := asUser(httptest.NewRequest("POST", "/api/payment/create", strings.NewReader(`{"amount":"100"}`)), auth.Principal{UserID: 7})
	rec := httptest.NewRecorder()
	s.handleCreatePayment(rec, req)

	if rec.Code != 201 {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var credited bool
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "UPDATE users SET balance") {
			credited = true
		}
	}
	if !credited {
		t.Error("instantly settled payment must credit the balance")
	}
}

func TestCreatePaymentRejectsBadAmount(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeServerDB{}, &fakeCatalogue{})
	s.Payments = &fakeGateway{}
	for _, body := range []string{`{"amount":"0"}`, `{"amount":"-5"}`, `{"amount":"abc"}`, `{}`} {
		rec := httptest.NewRecorder()
		s.handleCreatePayment(rec, asUser(httptest.NewRequest("POST", "/api/payment/create", strings.NewReader(body)), auth.Principal{UserID: 7}))
		if rec.Code != 400 {
			t.Errorf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestCreatePaymentGatewayDown(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeServerDB{}, &fakeCatalogue{})
	s.Payments = &fakeGateway{err: payment.ErrGatewayUnavailable}
	rec := httptest.NewRecorder()
	s.handleCreatePayment(rec, asUser(httptest.NewRequest("POST", "/api/payment/create", strings.NewReader(`{"amount":"10"}`)), auth.Principal{UserID: 7}))
	if rec.Code != 502 {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

// pendingTransactionRow serves the webhook's lookup of the row recorded by
// payment creation.
func pendingTransactionRow(userID int64, amount string) func(ctx context.Context, sql string, args ...any) pgx.Row {
	return func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "FROM transactions") {
			return fakeServerRow{values: []any{userID, decimal.RequireFromString(amount)}}
		}
		return fakeServerRow{err: pgx.ErrNoRows}
	}
}

func TestWebhookCreditsOnce(t *testing.T) {
	t.Parallel()
	db := &fakeServerDB{queryRowFn: pendingTransactionRow(7, "500.00")}
	s := newTestServer(t, db, &fakeCatalogue{})

	rec := httptest.NewRecorder()
	s.handlePaymentWebhook(rec, httptest.NewRequest("POST", "/api/payment/webhook", strings.NewReader(webhookBody("pay-9", "succeeded", "500.00", 7))))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	var credited bool
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "UPDATE users SET balance") {
			credited = true
		}
	}
	if !credited {
		t.Fatal("succeeded webhook must credit the balance")
	}
	events := s.Events.Recent()
	if len(events) != 1 || events[0].Type != stream.TypePaymentSucceeded {
		t.Errorf("events = %+v, want one %s", events, stream.TypePaymentSucceeded)
	}
	if got := s.Metrics.Snapshot().Payments["succeeded"]; got != 1 {
		t.Errorf("payment counter = %d, want 1", got)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	t.Parallel()
	db := &fakeServerDB{
		queryRowFn: pendingTransactionRow(7, "500.00"),
		execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "INSERT INTO transactions") {
				// Conflict on (payment_id, status): nothing inserted.
				return pgconn.NewCommandTag("INSERT 0 0"), nil
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	s := newTestServer(t, db, &fakeCatalogue{})

	rec := httptest.NewRecorder()
	s.handlePaymentWebhook(rec, httptest.NewRequest("POST", "/api/payment/webhook", strings.NewReader(webhookBody("pay-9", "succeeded", "500.00", 7))))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "duplicate") {
		t.Errorf("body = %s", rec.Body.String())
	}
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "UPDATE users SET balance") {
			t.Error("duplicate delivery must not credit the balance again")
		}
	}
	if len(s.Events.Recent()) != 0 {
		t.Error("duplicate delivery must not publish an event")
	}
}

func TestWebhookUnknownPaymentIgnored(t *testing.T) {
	t.Parallel()
	// Default fake: no pending transaction row exists for any payment id.
	db := &fakeServerDB{}
	s := newTestServer(t, db, &fakeCatalogue{})

	body := webhookBody("attacker-made-up", "succeeded", "999999.00", 42)
	rec := httptest.NewRecorder()
	s.handlePaymentWebhook(rec, httptest.NewRequest("POST", "/api/payment/webhook", strings.NewReader(body)))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Errorf("body = %s, want ignored", rec.Body.String())
	}
	if len(db.execSQL) != 0 {
		t.Errorf("executed %v, want nothing written for an unknown payment id", db.execSQL)
	}
	if len(s.Events.Recent()) != 0 {
		t.Error("unknown payment id must not publish an event")
	}
	if got := s.Metrics.Snapshot().Payments["succeeded"]; got != 0 {
		t.Errorf("payment counter = %d, want 0", got)
	}
}

func TestWebhookCreditsStoredAmountNotBody(t *testing.T) {
	t.Parallel()
	var creditArgs []any
	db := &fakeServerDB{queryRowFn: pendingTransactionRow(7, "250.00")}
	db.execFn = func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
		if strings.Contains(sql, "UPDATE users SET balance") {
			creditArgs = arguments
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	s := newTestServer(t, db, &fakeCatalogue{})

	// Body claims a different amount and recipient than the stored row.
	body := webhookBody("pay-9", "succeeded", "999999.00", 42)
	rec := httptest.NewRecorder()
	s.handlePaymentWebhook(rec, httptest.NewRequest("POST", "/api/payment/webhook", strings.NewReader(body)))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if len(creditArgs) != 2 {
		t.Fatalf("credit args = %v, want amount and user id", creditArgs)
	}
	if !creditArgs[0].(decimal.Decimal).Equal(decimal.RequireFromString("250.00")) {
		t.Errorf("credited amount = %v, want the stored 250.00", creditArgs[0])
	}
	if creditArgs[1].(int64) != 7 {
		t.Errorf("credited user = %v, want the stored user 7", creditArgs[1])
	}
}

func TestWebhookCanceledRecordsWithoutCredit(t *testing.T) {
	t.Parallel()
	db := &fakeServerDB{queryRowFn: pendingTransactionRow(7, "500.00")}
	s := newTestServer(t, db, &fakeCatalogue{})

	rec := httptest.NewRecorder()
	s.handlePaymentWebhook(rec, httptest.NewRequest("POST", "/api/payment/webhook", strings.NewReader(webhookBody("pay-9", "canceled", "500.00", 7))))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	for _, sql := range db.execSQL {
		if strings.Contains(sql, "UPDATE users SET balance") {
			t.Error("canceled payment must not credit the balance")
		}
	}
}

func TestWebhookBadPayload(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeServerDB{}, &fakeCatalogue{})
	rec := httptest.NewRecorder()
	s.handlePaymentWebhook(rec, httptest.NewRequest("POST", "/api/payment/webhook", strings.NewReader(`{"object":{}}`)))
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTransactionsList(t *testing.T) {
	t.Parallel()
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	db := &fakeServerDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		if len(args) != 1 || args[0].(int64) != 7 {
			t.Errorf("query args = %v, want the caller's user id", args)
		}
		return &fakeServerRows{rows: [][]any{
			{int64(2), int64(7), "pay-2", decimal.NewFromInt(500), "succeeded", "", created, created},
			{int64(1), int64(7), "pay-1", decimal.NewFromInt(100), "pending", "", created, created},
		}}, nil
	}}
	s := newTestServer(t, db, &fakeCatalogue{})

	req := asUser(httptest.NewRequest("GET", "/api/transactions", nil), auth.Principal{UserID: 7})
	rec := httptest.NewRecorder()
	s.handleTransactions(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var out []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("transactions = %d, want 2", len(out))
	}
	if out[0]["payment_id"] != "pay-2" {
		t.Errorf("first transaction = %v, want newest first", out[0])
	}
}

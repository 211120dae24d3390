package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
	"github.com/stiapanreha-dev/xbmc/pkg/models"
	"github.com/stiapanreha-dev/xbmc/pkg/payment"
	"github.com/stiapanreha-dev/xbmc/pkg/stream"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type createPaymentRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req createPaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		httpx.Error(w, http.StatusBadRequest, "amount must be a positive number")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	ctx := r.Context()
	p, err := s.Payments.Create(ctx, principal.UserID, amount, req.Description)
	if errors.Is(err, payment.ErrGatewayUnavailable) {
		httpx.Error(w, http.StatusBadGateway, "payment gateway unavailable")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusBadGateway, "payment creation failed")
		return
	}

	if _, err := s.DB.Exec(ctx, `
		INSERT INTO transactions (user_id, payment_id, amount, status, description)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (payment_id, status) DO NOTHING
	`, principal.UserID, p.ID, amount, payment.StatusPending, req.Description); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "payment record failed")
		return
	}
	s.Metrics.IncPayment(payment.StatusPending)

	// Demo gateways settle instantly; credit without waiting for a
	// webhook that will never come.
	if p.Status == payment.StatusSucceeded {
		if _, err := s.applyPayment(ctx, p.ID, p.Status, amount, principal.UserID); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "payment record failed")
			return
		}
	}

	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"payment_id":       p.ID,
		"status":           p.Status,
		"confirmation_url": p.ConfirmationURL,
	})
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	paymentID, status, _, _, err := payment.ParseWebhook(body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if status != payment.StatusSucceeded && status != payment.StatusCanceled {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	// The event body only identifies the payment. Recipient and amount
	// come from the pending row recorded at creation time; an id we never
	// issued is acked and dropped, never credited.
	var userID int64
	var amount decimal.Decimal
	err = s.DB.QueryRow(r.Context(),
		`SELECT user_id, amount FROM transactions WHERE payment_id=$1 AND status=$2`,
		paymentID, payment.StatusPending,
	).Scan(&userID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Printf("webhook for unknown payment %s dropped", paymentID)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "payment processing failed")
		return
	}

	applied, err := s.applyPayment(r.Context(), paymentID, status, amount, userID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "payment processing failed")
		return
	}
	if !applied {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// applyPayment records a payment outcome exactly once. The unique
// (payment_id, status) index absorbs webhook retries: a second delivery
// inserts nothing and must not credit the balance again.
func (s *Server) applyPayment(ctx context.Context, paymentID, status string, amount decimal.Decimal, userID int64) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO transactions (user_id, payment_id, amount, status)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (payment_id, status) DO NOTHING
	`, userID, paymentID, amount, status)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	s.Metrics.IncPayment(status)
	if status != payment.StatusSucceeded {
		return true, nil
	}
	if _, err := s.DB.Exec(ctx, `UPDATE users SET balance = balance + $1 WHERE id=$2`, amount, userID); err != nil {
		return false, err
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypePaymentSucceeded, map[string]any{
			"payment_id": paymentID,
			"user_id":    userID,
			"amount":     amount.String(),
		}))
	}
	return true, nil
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	rows, err := s.DB.Query(r.Context(), `
		SELECT id, user_id, payment_id, amount, status, description, created_at, updated_at
		FROM transactions WHERE user_id=$1 ORDER BY id DESC LIMIT 100
	`, principal.UserID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "transactions query failed")
		return
	}
	defer rows.Close()
	out := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.PaymentID, &t.Amount, &t.Status, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "transactions query failed")
			return
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "transactions query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

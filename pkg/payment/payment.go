// Package payment integrates the balance top-up flow with the payment
// gateway. Payments are created server-side and confirmed through the
// gateway's webhook; the service never credits a balance from a client
// request alone.
package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
)

const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
)

var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

type Client struct {
	ShopID    string
	SecretKey string
	BaseURL   string
	ReturnURL string
	HTTP      *http.Client
	// Demo short-circuits the gateway: payments come back succeeded
	// immediately. Used in local and staging environments.
	Demo bool

	// newIdempotenceKey is swappable in tests.
	newIdempotenceKey func() string
}

func NewClient(shopID, secretKey, baseURL, returnURL string, httpClient *http.Client, demo bool) *Client {
	if baseURL == "" {
		baseURL = "https://api.yookassa.ru/v3"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		ShopID:            shopID,
		SecretKey:         secretKey,
		BaseURL:           baseURL,
		ReturnURL:         returnURL,
		HTTP:              httpClient,
		Demo:              demo,
		newIdempotenceKey: func() string { return uuid.NewString() },
	}
}

// Payment is the subset of the gateway payment object the service
// tracks.
type Payment struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	ConfirmationURL string          `json:"confirmation_url,omitempty"`
}

type amountPayload struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type createPayload struct {
	Amount       amountPayload     `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation map[string]string `json:"confirmation"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
}

type paymentResponse struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Amount       amountPayload `json:"amount"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
	Metadata map[string]string `json:"metadata"`
}

// Create registers a new payment for the given user and amount. The
// returned ConfirmationURL is where the client completes the payment.
func (c *Client) Create(ctx context.Context, userID int64, amount decimal.Decimal, description string) (Payment, error) {
	if !amount.IsPositive() {
		return Payment{}, errors.New("payment amount must be positive")
	}
	if c.Demo {
		return Payment{
			ID:     "demo-" + c.idempotenceKey(),
			Status: StatusSucceeded,
			Amount: amount,
		}, nil
	}
	payload := createPayload{
		Amount:  amountPayload{Value: amount.StringFixed(2), Currency: "RUB"},
		Capture: true,
		Confirmation: map[string]string{
			"type":       "redirect",
			"return_url": c.ReturnURL,
		},
		Description: description,
		Metadata:    map[string]string{"user_id": fmt.Sprint(userID)},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Payment{}, err
	}
	headers := map[string]string{
		"Authorization":   "Basic " + base64.StdEncoding.EncodeToString([]byte(c.ShopID+":"+c.SecretKey)),
		"Idempotence-Key": c.idempotenceKey(),
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodPost, c.BaseURL+"/payments", body, headers, 2, 500*time.Millisecond)
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if status != http.StatusOK {
		return Payment{}, fmt.Errorf("payment gateway returned %d: %s", status, respBody)
	}
	var resp paymentResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Payment{}, fmt.Errorf("decode payment response: %w", err)
	}
	value, err := decimal.NewFromString(resp.Amount.Value)
	if err != nil {
		return Payment{}, fmt.Errorf("decode payment amount %q: %w", resp.Amount.Value, err)
	}
	return Payment{
		ID:              resp.ID,
		Status:          resp.Status,
		Amount:          value,
		ConfirmationURL: resp.Confirmation.ConfirmationURL,
	}, nil
}

func (c *Client) idempotenceKey() string {
	if c.newIdempotenceKey != nil {
		return c.newIdempotenceKey()
	}
	return uuid.NewString()
}

// WebhookEvent is the notification body the gateway posts when a
// payment changes state.
type WebhookEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID       string            `json:"id"`
		Status   string            `json:"status"`
		Amount   amountPayload     `json:"amount"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// ParseWebhook decodes and validates a webhook notification. It
// returns the payment id, final status, amount and the user the
// payment belongs to.
func ParseWebhook(body []byte) (paymentID, status string, amount decimal.Decimal, userID int64, err error) {
	var evt WebhookEvent
	if err = json.Unmarshal(body, &evt); err != nil {
		return "", "", decimal.Zero, 0, fmt.Errorf("decode webhook: %w", err)
	}
	if evt.Object.ID == "" || evt.Object.Status == "" {
		return "", "", decimal.Zero, 0, errors.New("webhook missing payment id or status")
	}
	amount, err = decimal.NewFromString(evt.Object.Amount.Value)
	if err != nil {
		return "", "", decimal.Zero, 0, fmt.Errorf("decode webhook amount %q: %w", evt.Object.Amount.Value, err)
	}
	if raw, ok := evt.Object.Metadata["user_id"]; ok {
		if _, scanErr := fmt.Sscan(raw, &userID); scanErr != nil {
			return "", "", decimal.Zero, 0, fmt.Errorf("decode webhook user_id %q: %w", raw, scanErr)
		}
	}
	if userID <= 0 {
		return "", "", decimal.Zero, 0, errors.New("webhook missing user_id metadata")
	}
	return evt.Object.ID, evt.Object.Status, amount, userID, nil
}

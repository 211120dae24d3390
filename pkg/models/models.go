// Package models holds the application database entities. The external
// procurement catalogue has its own types next to its client.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is an account in the application database. Balance is money
// available for full catalogue access; any positive balance unlocks it.
type User struct {
	ID            int64           `json:"id"`
	Username      string          `json:"username"`
	Email         string          `json:"email"`
	Phone         string          `json:"phone"`
	PasswordHash  string          `json:"-"`
	Balance       decimal.Decimal `json:"balance"`
	IsAdmin       bool            `json:"is_admin"`
	EmailVerified bool            `json:"email_verified"`
	PhoneVerified bool            `json:"phone_verified"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Verified reports whether the account finished at least one
// verification channel. Unverified accounts cannot log in.
func (u User) Verified() bool { return u.EmailVerified || u.PhoneVerified }

// Transaction records one payment lifecycle. PaymentID is the gateway
// identifier; the (payment_id, status) pair is unique so webhook
// retries cannot credit a balance twice.
type Transaction struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	PaymentID   string          `json:"payment_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// News is an announcement shown on the landing page.
type News struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Idea is a user-submitted suggestion. Status is one of new, reviewed,
// done.
type Idea struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Idea statuses.
const (
	IdeaStatusNew      = "new"
	IdeaStatusReviewed = "reviewed"
	IdeaStatusDone     = "done"
)

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
	"github.com/stiapanreha-dev/xbmc/pkg/notify"

	"github.com/jackc/pgx/v5"
)

type verifyRequest struct {
	Channel string `json:"channel"`
	Code    string `json:"code,omitempty"`
}

// channelTarget maps a verification channel to its destination, sender
// and current verified state.
func (s *Server) channelTarget(channel string, u userContact) (string, notify.Sender, bool, error) {
	switch channel {
	case "email":
		return u.Email, s.EmailSender, u.EmailVerified, nil
	case "phone":
		return u.Phone, s.SMSSender, u.PhoneVerified, nil
	default:
		return "", nil, false, errors.New("channel must be email or phone")
	}
}

type userContact struct {
	Email         string
	Phone         string
	EmailVerified bool
	PhoneVerified bool
}

func cooldownKey(userID int64, channel string) string {
	return fmt.Sprintf("verify:%d:%s:cooldown", userID, channel)
}

func (s *Server) handleSendCode(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, "verify", s.CodeLimitPerMinute) {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))

	principal, _ := auth.PrincipalFromContext(r.Context())
	ctx := r.Context()
	u, err := s.loadUserByID(ctx, principal.UserID)
	if err != nil {
		httpx.Error(w, http.StatusUnauthorized, "account no longer exists")
		return
	}
	target, sender, verified, err := s.channelTarget(req.Channel, userContact{
		Email:         u.Email,
		Phone:         u.Phone,
		EmailVerified: u.EmailVerified,
		PhoneVerified: u.PhoneVerified,
	})
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if target == "" {
		httpx.Error(w, http.StatusBadRequest, "no "+req.Channel+" on the account")
		return
	}
	if verified {
		httpx.Error(w, http.StatusBadRequest, req.Channel+" already verified")
		return
	}

	key := cooldownKey(u.ID, req.Channel)
	free, err := s.Cache.SetNX(ctx, key, "1", s.CodeCooldown)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "verification unavailable")
		return
	}
	if !free {
		retry := s.CodeCooldown
		if ttl, err := s.Cache.TTL(ctx, key); err == nil && ttl > 0 {
			retry = ttl
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retry.Seconds())+1))
		httpx.Error(w, http.StatusTooManyRequests, fmt.Sprintf("code already sent, retry in %d seconds", int(retry.Seconds())+1))
		return
	}

	code := s.verificationCode()
	expiresAt := s.clock().Add(s.CodeTTL)
	if _, err := s.DB.Exec(ctx, `
		INSERT INTO verification_codes (user_id, channel, code, expires_at)
		VALUES ($1,$2,$3,$4)
	`, u.ID, req.Channel, code, expiresAt); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "verification unavailable")
		return
	}
	if err := sender.SendCode(ctx, target, code); err != nil {
		httpx.Error(w, http.StatusBadGateway, "could not deliver the code")
		return
	}
	s.Metrics.IncVerification(req.Channel)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"sent":    true,
		"channel": req.Channel,
		"ttl_sec": int(s.CodeTTL.Seconds()),
	})
}

func (s *Server) handleConfirmCode(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	req.Code = strings.TrimSpace(req.Code)
	if req.Channel != "email" && req.Channel != "phone" {
		httpx.Error(w, http.StatusBadRequest, "channel must be email or phone")
		return
	}
	if req.Code == "" {
		httpx.Error(w, http.StatusBadRequest, "code required")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	ctx := r.Context()
	var codeID int64
	err := s.DB.QueryRow(ctx, `
		SELECT id FROM verification_codes
		WHERE user_id=$1 AND channel=$2 AND code=$3 AND used=FALSE AND expires_at > $4
		ORDER BY id DESC LIMIT 1
	`, principal.UserID, req.Channel, req.Code, s.clock()).Scan(&codeID)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusBadRequest, "invalid or expired code")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "verification unavailable")
		return
	}

	if _, err := s.DB.Exec(ctx, `UPDATE verification_codes SET used=TRUE WHERE id=$1`, codeID); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "verification unavailable")
		return
	}
	column := "email_verified"
	if req.Channel == "phone" {
		column = "phone_verified"
	}
	if _, err := s.DB.Exec(ctx, `UPDATE users SET `+column+`=TRUE WHERE id=$1`, principal.UserID); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "verification unavailable")
		return
	}
	_ = s.Cache.Del(ctx, cooldownKey(principal.UserID, req.Channel))

	u, err := s.loadUserByID(ctx, principal.UserID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "verification unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}

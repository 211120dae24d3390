package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
	"github.com/stiapanreha-dev/xbmc/pkg/models"
	"github.com/stiapanreha-dev/xbmc/pkg/stream"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = `id, username, email, phone, password_hash, balance, is_admin, email_verified, phone_verified, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash, &u.Balance,
		&u.IsAdmin, &u.EmailVerified, &u.PhoneVerified, &u.CreatedAt)
	return u, err
}

func (s *Server) loadUserByID(ctx context.Context, id int64) (models.User, error) {
	return scanUser(s.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *Server) loadUserByLogin(ctx context.Context, login string) (models.User, error) {
	return scanUser(s.DB.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username=$1 OR (email <> '' AND lower(email)=lower($1)) LIMIT 1`, login))
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, "auth", s.AuthLimitPerMinute) {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	switch {
	case len(req.Username) < 3:
		httpx.Error(w, http.StatusBadRequest, "username must be at least 3 characters")
		return
	case len(req.Password) < 8:
		httpx.Error(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	case req.Email == "" && req.Phone == "":
		httpx.Error(w, http.StatusBadRequest, "email or phone required")
		return
	case req.Email != "" && !strings.Contains(req.Email, "@"):
		httpx.Error(w, http.StatusBadRequest, "invalid email")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	ctx := r.Context()
	u := models.User{Username: req.Username, Email: req.Email, Phone: req.Phone}
	err = s.DB.QueryRow(ctx, `
		INSERT INTO users (username, email, phone, password_hash)
		VALUES ($1,$2,$3,$4)
		RETURNING id, balance, created_at
	`, req.Username, req.Email, req.Phone, hash).Scan(&u.ID, &u.Balance, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			httpx.Error(w, http.StatusConflict, "username, email or phone already taken")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}

	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeUserRegistered, map[string]any{"id": u.ID, "username": u.Username}))
	}

	// The fresh session lets the account request verification codes
	// before its first real login.
	token, err := s.Tokens.Issue(auth.Principal{UserID: u.ID, Username: u.Username}, s.clock())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}
	s.setSessionCookie(w, token)
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"user": u, "token": token})
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, "auth", s.AuthLimitPerMinute) {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Login = strings.TrimSpace(req.Login)
	if req.Login == "" || req.Password == "" {
		httpx.Error(w, http.StatusBadRequest, "login and password required")
		return
	}

	u, err := s.loadUserByLogin(r.Context(), req.Login)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "login failed")
		return
	}
	if !auth.CheckPassword(u.PasswordHash, req.Password) {
		httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !u.Verified() {
		httpx.Error(w, http.StatusForbidden, "verify email or phone first")
		return
	}

	token, err := s.Tokens.Issue(auth.Principal{UserID: u.ID, Username: u.Username, Admin: u.IsAdmin}, s.clock())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.setSessionCookie(w, token)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": u, "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	u, err := s.loadUserByID(r.Context(), principal.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusUnauthorized, "account no longer exists")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.Tokens.TTL().Seconds()),
		HttpOnly: true,
		Secure:   s.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stiapanreha-dev/xbmc/pkg/audit"
	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
	"github.com/stiapanreha-dev/xbmc/pkg/models"
	"github.com/stiapanreha-dev/xbmc/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	rows, err := s.DB.Query(r.Context(), `SELECT `+userColumns+` FROM users ORDER BY id LIMIT $1`, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "users query failed")
		return
	}
	defer rows.Close()
	out := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "users query failed")
			return
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "users query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleToggleAdmin(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal.UserID == id {
		httpx.Error(w, http.StatusBadRequest, "cannot change own admin flag")
		return
	}
	var isAdmin bool
	err = s.DB.QueryRow(r.Context(),
		`UPDATE users SET is_admin = NOT is_admin WHERE id=$1 RETURNING is_admin`, id).Scan(&isAdmin)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "user not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "is_admin": isAdmin})
}

type consoleRequest struct {
	Query string `json:"query"`
}

// handleConsole runs one SQL statement against the procurement store on
// behalf of an administrator. Every run, failed ones included, lands in
// the console log.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req consoleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		httpx.Error(w, http.StatusBadRequest, "query required")
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())
	ctx := r.Context()
	res, execErr := s.Catalogue.ExecRaw(ctx, req.Query)

	entry := audit.Entry{
		AdminID:    principal.UserID,
		Username:   principal.Username,
		Query:      req.Query,
		RowCount:   res.RowCount,
		DurationMS: res.ElapsedMS,
		CreatedAt:  s.clock(),
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	}
	if s.Console != nil {
		// Best effort: a console that cannot log still answers.
		logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.Console.Append(logCtx, entry)
		cancel()
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeConsoleExecuted, map[string]any{
			"username": principal.Username,
			"rowcount": res.RowCount,
			"failed":   execErr != nil,
		}))
	}

	if execErr != nil {
		httpx.Error(w, http.StatusBadRequest, execErr.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsoleLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	entries, err := s.Console.Recent(r.Context(), limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "console log query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	for _, evt := range s.Events.Recent() {
		if err := wsjson.Write(ctx, conn, evt); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return
		}
	}
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

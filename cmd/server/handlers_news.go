package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
	"github.com/stiapanreha-dev/xbmc/pkg/models"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListNews(w http.ResponseWriter, r *http.Request) {
	rows, err := s.DB.Query(r.Context(), `SELECT id, title, body, created_at FROM news ORDER BY id DESC LIMIT 50`)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "news query failed")
		return
	}
	defer rows.Close()
	out := []models.News{}
	for rows.Next() {
		var n models.News
		if err := rows.Scan(&n.ID, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "news query failed")
			return
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "news query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type newsRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) handleCreateNews(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req newsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		httpx.Error(w, http.StatusBadRequest, "title required")
		return
	}
	n := models.News{Title: req.Title, Body: req.Body}
	err := s.DB.QueryRow(r.Context(),
		`INSERT INTO news (title, body) VALUES ($1,$2) RETURNING id, created_at`,
		req.Title, req.Body).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "news insert failed")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, n)
}

func (s *Server) handleDeleteNews(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid news id")
		return
	}
	tag, err := s.DB.Exec(r.Context(), `DELETE FROM news WHERE id=$1`, id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "news delete failed")
		return
	}
	if tag.RowsAffected() == 0 {
		httpx.Error(w, http.StatusNotFound, "news not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListIdeas(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	query := `
		SELECT i.id, i.user_id, u.username, i.title, i.body, i.status, i.created_at
		FROM ideas i JOIN users u ON u.id = i.user_id
		WHERE i.user_id=$1 ORDER BY i.id DESC LIMIT 100
	`
	args := []any{principal.UserID}
	if principal.Admin {
		query = `
			SELECT i.id, i.user_id, u.username, i.title, i.body, i.status, i.created_at
			FROM ideas i JOIN users u ON u.id = i.user_id
			ORDER BY i.id DESC LIMIT 100
		`
		args = nil
	}
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "ideas query failed")
		return
	}
	defer rows.Close()
	out := []models.Idea{}
	for rows.Next() {
		var i models.Idea
		if err := rows.Scan(&i.ID, &i.UserID, &i.Username, &i.Title, &i.Body, &i.Status, &i.CreatedAt); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "ideas query failed")
			return
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "ideas query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type ideaRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Status string `json:"status,omitempty"`
}

func (s *Server) handleCreateIdea(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req ideaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		httpx.Error(w, http.StatusBadRequest, "title required")
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	idea := models.Idea{UserID: principal.UserID, Username: principal.Username, Title: req.Title, Body: req.Body, Status: models.IdeaStatusNew}
	err := s.DB.QueryRow(r.Context(),
		`INSERT INTO ideas (user_id, title, body) VALUES ($1,$2,$3) RETURNING id, status, created_at`,
		principal.UserID, req.Title, req.Body).Scan(&idea.ID, &idea.Status, &idea.CreatedAt)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "idea insert failed")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, idea)
}

var ideaStatuses = map[string]struct{}{
	models.IdeaStatusNew:      {},
	models.IdeaStatusReviewed: {},
	models.IdeaStatusDone:     {},
}

func (s *Server) handleUpdateIdea(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid idea id")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req ideaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if _, valid := ideaStatuses[req.Status]; !valid {
		httpx.Error(w, http.StatusBadRequest, "status must be new, reviewed or done")
		return
	}
	tag, err := s.DB.Exec(r.Context(), `UPDATE ideas SET status=$1 WHERE id=$2`, req.Status, id)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "idea update failed")
		return
	}
	if tag.RowsAffected() == 0 {
		httpx.Error(w, http.StatusNotFound, "idea not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

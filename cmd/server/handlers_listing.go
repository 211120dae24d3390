package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stiapanreha-dev/xbmc/pkg/auth"
	"github.com/stiapanreha-dev/xbmc/pkg/httpx"
	"github.com/stiapanreha-dev/xbmc/pkg/mask"
	"github.com/stiapanreha-dev/xbmc/pkg/procure"
	"github.com/stiapanreha-dev/xbmc/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type listingRow struct {
	procure.Record
	StartCostDisplay string `json:"start_cost_display"`
}

type listingResponse struct {
	Rows     []listingRow `json:"rows"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PerPage  int          `json:"per_page"`
	Pages    int          `json:"pages"`
	Tier     string       `json:"tier"`
	Advisory string       `json:"advisory,omitempty"`
	Degraded bool         `json:"degraded,omitempty"`
}

func parseListingFilter(r *http.Request) (procure.Filter, int, int, error) {
	q := r.URL.Query()
	var f procure.Filter
	if raw := q.Get("date_from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return f, 0, 0, fmt.Errorf("invalid date_from")
		}
		f.DateFrom = &t
	}
	if raw := q.Get("date_to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return f, 0, 0, fmt.Errorf("invalid date_to")
		}
		f.DateTo = &t
	}
	f.SearchText = q.Get("search")
	f.SearchSpecs = q.Get("search_specs") == "true"
	page := 1
	if raw := q.Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	perPage := 0
	if raw := q.Get("per_page"); raw != "" {
		perPage, _ = strconv.Atoi(raw)
	}
	return f, page, perPage, nil
}

// resolveAccess derives the request's access tier. Balance is read fresh
// from the database on every call; a top-up takes effect on the next
// request without re-login.
func (s *Server) resolveAccess(r *http.Request) procure.Access {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || !principal.Authenticated() {
		return procure.ResolveTier(false, decimal.Zero, false)
	}
	u, err := s.loadUserByID(r.Context(), principal.UserID)
	if err != nil {
		return procure.ResolveTier(false, decimal.Zero, false)
	}
	return procure.ResolveTier(true, u.Balance, u.IsAdmin)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	f, page, perPage, err := parseListingFilter(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	access := s.resolveAccess(r)
	s.Metrics.IncTier(access.Tier.String())

	perPage = procure.NormalizePerPage(perPage)
	if access.PageSizeCap > 0 && perPage > access.PageSizeCap {
		perPage = access.PageSizeCap
	}
	f, advisory := procure.ApplyWindow(f, s.clock())
	offset := (page - 1) * perPage

	ctx := r.Context()
	if access.NeedsRestriction {
		ids, err := s.Catalogue.RecentIDs(ctx, procure.AnonymousWindow)
		if err != nil {
			s.degradedListing(w, page, perPage, access, advisory, err)
			return
		}
		f.IDs = ids
		f.CountAllIDs = true
		perPage, offset = procure.ClampAnonymous(perPage, offset)
		page = offset/perPage + 1
	}

	pg, err := s.Catalogue.FetchPage(ctx, f, perPage, offset)
	if errors.Is(err, procure.ErrConnectionFailure) {
		s.degradedListing(w, page, perPage, access, advisory, err)
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "listing query failed")
		return
	}

	rows := make([]listingRow, 0, len(pg.Rows))
	for _, rec := range pg.Rows {
		if access.MaskContacts {
			rec.Email = mask.Email(rec.Email)
			rec.Phone = mask.Phone(rec.Phone)
		}
		rows = append(rows, listingRow{Record: rec, StartCostDisplay: mask.Price(rec.StartCost)})
	}
	pages := 0
	if perPage > 0 {
		pages = (pg.Total + perPage - 1) / perPage
	}
	httpx.WriteJSON(w, http.StatusOK, listingResponse{
		Rows:     rows,
		Total:    pg.Total,
		Page:     page,
		PerPage:  perPage,
		Pages:    pages,
		Tier:     access.Tier.String(),
		Advisory: advisory,
	})
}

// degradedListing serves an empty page when the external store is
// unreachable. Listing availability beats completeness here; the outage
// is counted and streamed to the admin dashboard.
func (s *Server) degradedListing(w http.ResponseWriter, page, perPage int, access procure.Access, advisory string, cause error) {
	s.Metrics.IncDegradedListing()
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeListingDegraded, map[string]string{"error": cause.Error()}))
	}
	httpx.WriteJSON(w, http.StatusOK, listingResponse{
		Rows:     []listingRow{},
		Total:    0,
		Page:     page,
		PerPage:  perPage,
		Tier:     access.Tier.String(),
		Advisory: advisory,
		Degraded: true,
	})
}

func (s *Server) handleListingDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid record id")
		return
	}
	access := s.resolveAccess(r)
	ctx := r.Context()

	if access.NeedsRestriction {
		ids, err := s.Catalogue.RecentIDs(ctx, procure.AnonymousWindow)
		if err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "procurement store unavailable")
			return
		}
		visible := false
		for _, v := range ids {
			if v == id {
				visible = true
				break
			}
		}
		if !visible {
			httpx.Error(w, http.StatusNotFound, "record not found")
			return
		}
	}

	rec, err := s.Catalogue.Get(ctx, id)
	if errors.Is(err, procure.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "record not found")
		return
	}
	if errors.Is(err, procure.ErrConnectionFailure) {
		httpx.Error(w, http.StatusServiceUnavailable, "procurement store unavailable")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "record query failed")
		return
	}
	items, err := s.Catalogue.Items(ctx, id)
	if err != nil {
		items = nil
	}
	if access.MaskContacts {
		rec.Email = mask.Email(rec.Email)
		rec.Phone = mask.Phone(rec.Phone)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"record": listingRow{Record: rec, StartCostDisplay: mask.Price(rec.StartCost)},
		"items":  items,
		"tier":   access.Tier.String(),
	})
}

var exportHeader = []string{"ID", "Date", "Purchase object", "Start cost", "Customer", "Email", "Phone", "Address", "Category"}

func (s *Server) handleListingExport(w http.ResponseWriter, r *http.Request) {
	access := s.resolveAccess(r)
	if access.Tier != procure.TierFullAccess {
		httpx.Error(w, http.StatusForbidden, "export requires full access")
		return
	}
	f, _, _, err := parseListingFilter(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	f, _ = procure.ApplyWindow(f, s.clock())

	limit := s.ExportRowCap
	if limit <= 0 {
		limit = 10000
	}
	pg, err := s.Catalogue.FetchPage(r.Context(), f, limit, 0)
	if errors.Is(err, procure.ErrConnectionFailure) {
		httpx.Error(w, http.StatusServiceUnavailable, "procurement store unavailable")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "listing query failed")
		return
	}

	book := excelize.NewFile()
	defer book.Close()
	const sheet = "Sheet1"
	for col, title := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = book.SetCellValue(sheet, cell, title)
	}
	for i, rec := range pg.Rows {
		values := []any{
			rec.ID,
			rec.DateRequest.Format("2006-01-02"),
			rec.PurchaseObject,
			rec.StartCost,
			rec.Customer,
			rec.Email,
			rec.Phone,
			rec.Address,
			rec.Category,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = book.SetCellValue(sheet, cell, v)
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=listing-%s.xlsx", s.clock().Format("20060102")))
	if err := book.Write(w); err != nil {
		// Headers are already sent; nothing recoverable remains.
		return
	}
}

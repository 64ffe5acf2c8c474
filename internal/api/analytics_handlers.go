package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/liyaqa/drip-engine/internal/pkg/httputil"
)

// CampaignAnalytics handles GET /api/campaigns/{id}/analytics
func (h *Handlers) CampaignAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := h.analytics.Campaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, a)
}

// ABTestResults handles GET /api/campaigns/{id}/ab-results
func (h *Handlers) ABTestResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.analytics.ABTests(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, res)
}

// Timeline handles GET /api/campaigns/{id}/timeline?days=30
func (h *Handlers) Timeline(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "days must be a positive integer")
			return
		}
		days = n
	}
	points, err := h.analytics.Timeline(r.Context(), chi.URLParam(r, "id"), days)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, points)
}

// EnrollmentMessages handles GET /api/enrollments/{id}/messages
func (h *Handlers) EnrollmentMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.enrollments.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, msgs)
}

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/httputil"
	"github.com/liyaqa/drip-engine/internal/service/campaign"
)

// ListCampaigns handles GET /api/campaigns?status=&limit=&offset=
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r, 50, 200)
	list, total, err := h.campaigns.List(r.Context(), campaign.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Campaign{}
	}
	httputil.OK(w, Page{Data: list, Total: total, Limit: limit, Offset: offset})
}

// CreateCampaign handles POST /api/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, c)
}

// GetCampaign handles GET /api/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

// UpdateCampaign handles PUT /api/campaigns/{id}
func (h *Handlers) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var u campaign.UpdateFields
	if !httputil.Decode(w, r, &u) {
		return
	}
	c, err := h.campaigns.Update(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

// DeleteCampaign handles DELETE /api/campaigns/{id}
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

// ListSteps handles GET /api/campaigns/{id}/steps
func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.campaigns.Steps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if steps == nil {
		steps = []domain.CampaignStep{}
	}
	httputil.OK(w, steps)
}

// AddStep handles POST /api/campaigns/{id}/steps
func (h *Handlers) AddStep(w http.ResponseWriter, r *http.Request) {
	var in campaign.StepInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	st, err := h.campaigns.AddStep(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, st)
}

// UpdateStep handles PUT /api/campaigns/{id}/steps/{number}?variant=B
// Body: {"name", "channel", "subject_en", "subject_ar", "body_en", "body_ar", "delay_days", "delay_hours"}
func (h *Handlers) UpdateStep(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || n < 1 {
		httputil.BadRequest(w, "step number must be a positive integer")
		return
	}
	var u campaign.StepUpdate
	if !httputil.Decode(w, r, &u) {
		return
	}
	st, err := h.campaigns.UpdateStep(r.Context(), chi.URLParam(r, "id"), n, r.URL.Query().Get("variant"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, st)
}

// DeleteStep handles DELETE /api/campaigns/{id}/steps/{number}
func (h *Handlers) DeleteStep(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || n < 1 {
		httputil.BadRequest(w, "step number must be a positive integer")
		return
	}
	if err := h.campaigns.DeleteStep(r.Context(), chi.URLParam(r, "id"), n); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

// ActivateCampaign handles POST /api/campaigns/{id}/activate
func (h *Handlers) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Activate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

// PauseCampaign handles POST /api/campaigns/{id}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ResumeCampaign handles POST /api/campaigns/{id}/resume
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ArchiveCampaign handles POST /api/campaigns/{id}/archive
func (h *Handlers) ArchiveCampaign(w http.ResponseWriter, r *http.Request) {
	n, err := h.campaigns.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"status":                domain.CampaignArchived,
		"cancelled_enrollments": n,
	})
}

// DuplicateCampaign handles POST /api/campaigns/{id}/duplicate
// Body (optional): {"name": "..."}
func (h *Handlers) DuplicateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 && !httputil.Decode(w, r, &body) {
		return
	}
	c, err := h.campaigns.Duplicate(r.Context(), chi.URLParam(r, "id"), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, c)
}

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/httputil"
	"github.com/liyaqa/drip-engine/internal/service/enrollment"
)

const maxBulkMembers = 10000

// EnrollResult is returned when an enroll request created nothing.
type EnrollResult struct {
	Enrolled bool   `json:"enrolled"`
	Reason   string `json:"reason,omitempty"`
}

// EnrollMember handles POST /api/campaigns/{id}/enrollments
// Body: {"member_id": "...", "trigger_reference_id": "...", "trigger_reference_type": "..."}
func (h *Handlers) EnrollMember(w http.ResponseWriter, r *http.Request) {
	var in enrollment.Input
	if !httputil.Decode(w, r, &in) {
		return
	}
	in.MemberID = strings.TrimSpace(in.MemberID)
	if in.MemberID == "" {
		httputil.BadRequest(w, "member_id is required")
		return
	}
	in.CampaignID = chi.URLParam(r, "id")
	if in.TriggerRefType == "" {
		in.TriggerRefType = enrollment.RefManual
	}

	e, err := h.enrollments.Enroll(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	if e == nil {
		httputil.OK(w, EnrollResult{Enrolled: false, Reason: "campaign not accepting enrollments or member already enrolled"})
		return
	}
	httputil.Created(w, e)
}

type bulkRequest struct {
	MemberIDs []string `json:"member_ids"`
	SegmentID string   `json:"segment_id"`
}

type bulkResponse struct {
	Requested int `json:"requested"`
	Enrolled  int `json:"enrolled"`
}

func decodeBulk(w http.ResponseWriter, r *http.Request) (bulkRequest, bool) {
	var req bulkRequest
	if !httputil.Decode(w, r, &req) {
		return req, false
	}
	if len(req.MemberIDs) == 0 {
		httputil.BadRequest(w, "member_ids is required")
		return req, false
	}
	if len(req.MemberIDs) > maxBulkMembers {
		httputil.BadRequest(w, "too many member_ids")
		return req, false
	}
	return req, true
}

// EnrollBulk handles POST /api/campaigns/{id}/enrollments/bulk
// Body: {"member_ids": ["...", "..."]}
func (h *Handlers) EnrollBulk(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBulk(w, r)
	if !ok {
		return
	}
	n, err := h.enrollments.EnrollMembers(r.Context(), chi.URLParam(r, "id"), req.MemberIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, bulkResponse{Requested: len(req.MemberIDs), Enrolled: n})
}

// EnrollSegment handles POST /api/campaigns/{id}/enrollments/segment
// Body: {"segment_id": "...", "member_ids": [...]}
func (h *Handlers) EnrollSegment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBulk(w, r)
	if !ok {
		return
	}
	if req.SegmentID == "" {
		httputil.BadRequest(w, "segment_id is required")
		return
	}
	n, err := h.enrollments.EnrollSegment(r.Context(), chi.URLParam(r, "id"), req.SegmentID, req.MemberIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, bulkResponse{Requested: len(req.MemberIDs), Enrolled: n})
}

// ListEnrollments handles GET /api/campaigns/{id}/enrollments?limit=&offset=
func (h *Handlers) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r, 50, 500)
	list, total, err := h.enrollments.ListByCampaign(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Enrollment{}
	}
	httputil.OK(w, Page{Data: list, Total: total, Limit: limit, Offset: offset})
}

// GetEnrollment handles GET /api/enrollments/{id}
func (h *Handlers) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.enrollments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, e)
}

// CancelEnrollment handles DELETE /api/enrollments/{id}
func (h *Handlers) CancelEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.enrollments.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, e)
}

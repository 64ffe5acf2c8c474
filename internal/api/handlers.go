package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/liyaqa/drip-engine/internal/pkg/httputil"
	"github.com/liyaqa/drip-engine/internal/service/analytics"
	"github.com/liyaqa/drip-engine/internal/service/campaign"
	"github.com/liyaqa/drip-engine/internal/service/enrollment"
)

// Handlers holds the services behind the API routes.
type Handlers struct {
	campaigns   *campaign.Service
	enrollments *enrollment.Manager
	analytics   *analytics.Service
}

// NewHandlers creates the API handlers.
func NewHandlers(campaigns *campaign.Service, enrollments *enrollment.Manager, reports *analytics.Service) *Handlers {
	return &Handlers{campaigns: campaigns, enrollments: enrollments, analytics: reports}
}

// Page is the envelope of list responses.
type Page struct {
	Data   interface{} `json:"data"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// parsePage reads limit and offset with a default and a cap on limit.
func parsePage(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// writeError maps service errors onto status codes. Anything unknown is a
// 500 with a generic body.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, campaign.ErrStepNotFound),
		errors.Is(err, enrollment.ErrCampaignNotFound),
		errors.Is(err, enrollment.ErrEnrollmentNotFound),
		errors.Is(err, analytics.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, campaign.ErrValidation):
		httputil.UnprocessableEntity(w, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrNotEditable),
		errors.Is(err, campaign.ErrNoSteps):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

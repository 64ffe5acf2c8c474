package campaign

import (
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

// Repository is the persistence the campaign service needs. Implementations
// must be safe for concurrent use.
type Repository interface {
	store.CampaignStore
	store.StepStore
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter = store.CampaignFilter

// UpdateFields holds the mutable fields for a campaign update.
// Nil fields are not applied.
type UpdateFields struct {
	Name          *string               `json:"name"`
	Description   *string               `json:"description"`
	TriggerConfig *domain.TriggerConfig `json:"trigger_config"`
	StartDate     *time.Time            `json:"start_date"`
	EndDate       *time.Time            `json:"end_date"`
}

// StepUpdate holds the mutable content of a step. Nil fields are not
// applied. Step numbers and A/B settings are fixed once created.
type StepUpdate struct {
	Name       *string         `json:"name"`
	Channel    *domain.Channel `json:"channel"`
	SubjectEN  *string         `json:"subject_en"`
	SubjectAR  *string         `json:"subject_ar"`
	BodyEN     *string         `json:"body_en"`
	BodyAR     *string         `json:"body_ar"`
	DelayDays  *int            `json:"delay_days"`
	DelayHours *int            `json:"delay_hours"`
}

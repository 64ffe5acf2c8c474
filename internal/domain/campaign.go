package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft    CampaignStatus = "DRAFT"
	CampaignActive   CampaignStatus = "ACTIVE"
	CampaignPaused   CampaignStatus = "PAUSED"
	CampaignArchived CampaignStatus = "ARCHIVED"
)

// TriggerType identifies what enrolls members into a campaign.
type TriggerType string

const (
	TriggerManual           TriggerType = "MANUAL"
	TriggerMemberCreated    TriggerType = "MEMBER_CREATED"
	TriggerDaysBeforeExpiry TriggerType = "DAYS_BEFORE_EXPIRY"
	TriggerDaysAfterExpiry  TriggerType = "DAYS_AFTER_EXPIRY"
	TriggerBirthday         TriggerType = "BIRTHDAY"
	TriggerDaysInactive     TriggerType = "DAYS_INACTIVE"
	TriggerPaymentFailed    TriggerType = "PAYMENT_FAILED"
)

// TriggerConfig carries the parameters of a trigger. Days is used by the
// expiry, win-back and inactivity triggers.
type TriggerConfig struct {
	Days int `json:"days,omitempty" db:"trigger_days"`
}

// Campaign is a named, ordered sequence of steps applied to enrolled members.
type Campaign struct {
	ID            string         `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Description   string         `json:"description" db:"description"`
	Status        CampaignStatus `json:"status" db:"status"`
	TriggerType   TriggerType    `json:"trigger_type" db:"trigger_type"`
	TriggerConfig TriggerConfig  `json:"trigger_config"`
	StartDate     *time.Time     `json:"start_date" db:"start_date"`
	EndDate       *time.Time     `json:"end_date" db:"end_date"`

	// Counters are incremented atomically by the store, never from a copy.
	EnrolledCount  int `json:"enrolled_count" db:"enrolled_count"`
	CompletedCount int `json:"completed_count" db:"completed_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsRunning reports whether the scheduler may execute steps for this campaign.
func (c *Campaign) IsRunning() bool {
	return c.Status == CampaignActive
}

// CanEnroll reports whether new members may join the campaign at now.
// The date window is inclusive on both ends.
func (c *Campaign) CanEnroll(now time.Time) bool {
	if c.Status != CampaignActive {
		return false
	}
	if c.StartDate != nil && now.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && now.After(*c.EndDate) {
		return false
	}
	return true
}

// IsTerminal returns true if the campaign can no longer change state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignArchived
}

// IsEditable returns true if step content may be modified or steps appended.
func (c *Campaign) IsEditable() bool {
	return c.Status == CampaignDraft || c.Status == CampaignPaused
}

// IsStructureEditable returns true if steps may be removed, renumbered or
// split into A/B variants. Only a DRAFT campaign qualifies: a PAUSED one
// holds enrollments whose current step number must keep its meaning.
func (c *Campaign) IsStructureEditable() bool {
	return c.Status == CampaignDraft
}

// Channel is the delivery medium of a step.
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelPush     Channel = "PUSH"
)

// Valid reports whether ch is a known channel.
func (ch Channel) Valid() bool {
	switch ch {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPush:
		return true
	}
	return false
}

// LocalizedText holds the English and Arabic renditions of a string.
type LocalizedText struct {
	EN string `json:"en"`
	AR string `json:"ar,omitempty"`
}

// Get returns the text for lang, falling back to English.
func (t LocalizedText) Get(lang string) string {
	if lang == "ar" && t.AR != "" {
		return t.AR
	}
	return t.EN
}

// IsZero reports whether both renditions are empty.
func (t LocalizedText) IsZero() bool {
	return t.EN == "" && t.AR == ""
}

// CampaignStep is one unit of a campaign. A/B variant rows share the
// campaign and step number of their base step and carry a variant letter.
type CampaignStep struct {
	ID                string        `json:"id" db:"id"`
	CampaignID        string        `json:"campaign_id" db:"campaign_id"`
	StepNumber        int           `json:"step_number" db:"step_number"`
	Name              string        `json:"name" db:"name"`
	Channel           Channel       `json:"channel" db:"channel"`
	Subject           LocalizedText `json:"subject"`
	Body              LocalizedText `json:"body"`
	DelayDays         int           `json:"delay_days" db:"delay_days"`
	DelayHours        int           `json:"delay_hours" db:"delay_hours"`
	IsActive          bool          `json:"is_active" db:"is_active"`
	IsABTest          bool          `json:"is_ab_test" db:"is_ab_test"`
	ABVariant         string        `json:"ab_variant,omitempty" db:"ab_variant"`
	ABSplitPercentage int           `json:"ab_split_percentage,omitempty" db:"ab_split_percentage"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// TotalDelay is the wait between the previous step firing and this one.
func (s *CampaignStep) TotalDelay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// IsVariant reports whether the step is an alternate A/B version rather
// than the base definition.
func (s *CampaignStep) IsVariant() bool {
	return s.ABVariant != ""
}

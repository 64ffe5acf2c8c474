package domain

import "time"

// MessageStatus enumerates the states of one step execution attempt.
type MessageStatus string

const (
	MessagePending MessageStatus = "PENDING"
	MessageSent    MessageStatus = "SENT"
	MessageFailed  MessageStatus = "FAILED"
)

// MessageLog records one step execution attempt and its engagement.
type MessageLog struct {
	ID                string        `json:"id" db:"id"`
	CampaignID        string        `json:"campaign_id" db:"campaign_id"`
	StepID            string        `json:"step_id" db:"step_id"`
	EnrollmentID      string        `json:"enrollment_id" db:"enrollment_id"`
	MemberID          string        `json:"member_id" db:"member_id"`
	Channel           Channel       `json:"channel" db:"channel"`
	Status            MessageStatus `json:"status" db:"status"`
	SentAt            *time.Time    `json:"sent_at" db:"sent_at"`
	DeliveredAt       *time.Time    `json:"delivered_at" db:"delivered_at"`
	OpenedAt          *time.Time    `json:"opened_at" db:"opened_at"`
	ClickedAt         *time.Time    `json:"clicked_at" db:"clicked_at"`
	ProviderMessageID string        `json:"provider_message_id,omitempty" db:"provider_message_id"`
	FailureReason     string        `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// NewMessageLog returns a PENDING log for a step about to be dispatched.
func NewMessageLog(id string, e Enrollment, step CampaignStep, now time.Time) MessageLog {
	return MessageLog{
		ID:           id,
		CampaignID:   e.CampaignID,
		StepID:       step.ID,
		EnrollmentID: e.ID,
		MemberID:     e.MemberID,
		Channel:      step.Channel,
		Status:       MessagePending,
		CreatedAt:    now,
	}
}

// MarkSent records a successful dispatch. providerID may be empty for
// channels that have no provider call.
func MarkSent(m MessageLog, providerID string, now time.Time) MessageLog {
	t := now
	m.Status = MessageSent
	m.SentAt = &t
	m.ProviderMessageID = providerID
	m.FailureReason = ""
	return m
}

// MarkFailed records a failed dispatch with its reason.
func MarkFailed(m MessageLog, reason string) MessageLog {
	m.Status = MessageFailed
	m.FailureReason = reason
	return m
}

// MarkOpened sets OpenedAt unless it is already set.
func MarkOpened(m MessageLog, now time.Time) MessageLog {
	if m.OpenedAt == nil {
		t := now
		m.OpenedAt = &t
	}
	return m
}

// MarkClicked sets ClickedAt unless it is already set. A click implies an
// open, so OpenedAt is filled too when missing.
func MarkClicked(m MessageLog, now time.Time) MessageLog {
	if m.ClickedAt == nil {
		t := now
		m.ClickedAt = &t
	}
	return MarkOpened(m, now)
}

// TokenType enumerates the kinds of tracking tokens.
type TokenType string

const (
	TokenOpen  TokenType = "OPEN"
	TokenClick TokenType = "CLICK"
)

// TrackingToken is a single-use identifier correlating an email open or a
// link click back to a dispatched message.
type TrackingToken struct {
	Token        string     `json:"token" db:"token"`
	MessageLogID string     `json:"message_log_id" db:"message_log_id"`
	Type         TokenType  `json:"type" db:"type"`
	TargetURL    string     `json:"target_url,omitempty" db:"target_url"`
	Triggered    bool       `json:"triggered" db:"triggered"`
	TriggeredAt  *time.Time `json:"triggered_at" db:"triggered_at"`
	UserAgent    string     `json:"user_agent,omitempty" db:"user_agent"`
	IPAddress    string     `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Trigger marks the token used, capturing the first requester. The boolean
// is false when the token had already been triggered and nothing changed.
func Trigger(t TrackingToken, userAgent, ip string, now time.Time) (TrackingToken, bool) {
	if t.Triggered {
		return t, false
	}
	at := now
	t.Triggered = true
	t.TriggeredAt = &at
	t.UserAgent = userAgent
	t.IPAddress = ip
	return t, true
}

// EngagementEvent is emitted when a tracking token fires for the first time.
type EngagementEvent struct {
	Type         TokenType `json:"type"`
	MessageLogID string    `json:"message_log_id"`
	CampaignID   string    `json:"campaign_id"`
	EnrollmentID string    `json:"enrollment_id"`
	MemberID     string    `json:"member_id"`
	TargetURL    string    `json:"target_url,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

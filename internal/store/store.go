// Package store defines the persistence contracts of the campaign engine.
//
// The engine never talks to a database directly: services depend on these
// interfaces, and implementations live in repository/postgres (production)
// and repository/memory (tests and local runs). Implementations must be safe
// for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
)

// Sentinel errors shared by all store implementations.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateActive = errors.New("member already has an active enrollment in this campaign")
	ErrVersionConflict = errors.New("enrollment was modified concurrently")
)

// CampaignFilter controls pagination and filtering for campaign lists.
type CampaignFilter struct {
	Status string
	Limit  int
	Offset int
}

// CampaignStore persists campaigns and their counters.
type CampaignStore interface {
	// GetCampaign returns ErrNotFound if the campaign doesn't exist.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// ListCampaigns returns campaigns ordered by created_at DESC and the total count.
	ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, int, error)

	// ListActiveByTrigger returns ACTIVE campaigns with the given trigger.
	// days <= 0 matches any trigger config.
	ListActiveByTrigger(ctx context.Context, trigger domain.TriggerType, days int) ([]domain.Campaign, error)

	CreateCampaign(ctx context.Context, c *domain.Campaign) error

	// UpdateCampaign writes the definition fields (name, description,
	// trigger, window). Status and counters are not touched.
	UpdateCampaign(ctx context.Context, c *domain.Campaign) error

	DeleteCampaign(ctx context.Context, id string) error

	SetCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus) error

	// IncrementEnrolled and IncrementCompleted are atomic in the store.
	IncrementEnrolled(ctx context.Context, id string, n int) error
	IncrementCompleted(ctx context.Context, id string, n int) error

	// ArchiveCampaign sets the campaign ARCHIVED and cancels every ACTIVE
	// enrollment of it in one atomic operation. Returns the number cancelled.
	ArchiveCampaign(ctx context.Context, id string, now time.Time) (int, error)
}

// StepStore persists campaign steps. Base steps have an empty ABVariant;
// variant rows share their base step's number.
type StepStore interface {
	GetStep(ctx context.Context, id string) (*domain.CampaignStep, error)

	// ListActiveSteps returns the active base steps ordered by step number.
	ListActiveSteps(ctx context.Context, campaignID string) ([]domain.CampaignStep, error)

	// ListSteps returns all base steps and variants ordered by step number.
	ListSteps(ctx context.Context, campaignID string) ([]domain.CampaignStep, error)

	// ListVariants returns the active variant rows for a step number.
	ListVariants(ctx context.Context, campaignID string, stepNumber int) ([]domain.CampaignStep, error)

	CreateStep(ctx context.Context, s *domain.CampaignStep) error

	// UpdateStep writes the content fields of a step (name, channel,
	// subject, body, delays). Numbering and A/B settings are not touched.
	UpdateStep(ctx context.Context, s *domain.CampaignStep) error

	// DeleteStep removes a step number (base and variants) and shifts every
	// higher step number down by one so numbering stays contiguous.
	DeleteStep(ctx context.Context, campaignID string, stepNumber int) error
}

// EnrollmentStore persists enrollments.
type EnrollmentStore interface {
	// CreateEnrollment returns ErrDuplicateActive when the member already has
	// an ACTIVE enrollment in the campaign.
	CreateEnrollment(ctx context.Context, e *domain.Enrollment) error

	GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error)

	ExistsActive(ctx context.Context, campaignID, memberID string) (bool, error)

	ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]domain.Enrollment, int, error)

	// ListDue returns up to limit ACTIVE enrollments with next_step_due_at <= now
	// ordered by next_step_due_at ascending. Enrollments of PAUSED campaigns
	// are held back until the campaign resumes.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Enrollment, error)

	// ClaimDue re-reads one enrollment for processing and holds it until the
	// surrounding unit of work ends. Returns ErrNotFound when the enrollment
	// is no longer due or is held by another worker.
	ClaimDue(ctx context.Context, id string, now time.Time) (*domain.Enrollment, error)

	// UpdateEnrollment writes status, step and due time if e.Version still
	// matches the stored version, then bumps e.Version. Returns
	// ErrVersionConflict otherwise.
	UpdateEnrollment(ctx context.Context, e *domain.Enrollment) error
}

// MessageLogStore persists step execution attempts.
type MessageLogStore interface {
	CreateMessageLog(ctx context.Context, m *domain.MessageLog) error
	GetMessageLog(ctx context.Context, id string) (*domain.MessageLog, error)
	ListMessageLogs(ctx context.Context, enrollmentID string) ([]domain.MessageLog, error)

	// UpdateMessageLog writes status, provider id, failure reason and
	// engagement timestamps.
	UpdateMessageLog(ctx context.Context, m *domain.MessageLog) error
}

// TrackingStore persists open/click tokens.
type TrackingStore interface {
	CreateTokens(ctx context.Context, tokens []domain.TrackingToken) error
	GetToken(ctx context.Context, token string) (*domain.TrackingToken, error)
	ListTokens(ctx context.Context, messageLogID string) ([]domain.TrackingToken, error)

	// MarkTriggered stores t as triggered only if the stored token is not
	// triggered yet. The boolean reports whether this call won.
	MarkTriggered(ctx context.Context, t *domain.TrackingToken) (bool, error)
}

// AnalyticsStore aggregates message logs and enrollments for reporting.
type AnalyticsStore interface {
	// MessageStatsByStep counts a campaign's message logs per step id.
	MessageStatsByStep(ctx context.Context, campaignID string) (map[string]domain.MessageStats, error)

	// EnrollmentCounts counts a campaign's enrollments per status.
	EnrollmentCounts(ctx context.Context, campaignID string) (map[domain.EnrollmentStatus]int, error)

	// Timeline returns one point per UTC day in [from, to) that has sent
	// messages, ordered by date. Days without activity are omitted.
	Timeline(ctx context.Context, campaignID string, from, to time.Time) ([]domain.TimelinePoint, error)
}

// MemberDirectory resolves members owned by the membership service.
type MemberDirectory interface {
	// GetMember returns ErrNotFound if the member doesn't exist.
	GetMember(ctx context.Context, id string) (*domain.Member, error)
}

// Stores groups the stores a unit of work operates on.
type Stores struct {
	Campaigns   CampaignStore
	Steps       StepStore
	Enrollments EnrollmentStore
	Messages    MessageLogStore
	Tokens      TrackingStore
}

// UnitOfWork runs fn with stores bound to one transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

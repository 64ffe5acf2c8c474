package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/pkg/logger"
	"github.com/liyaqa/drip-engine/internal/store"
)

// Trigger reference types set by the enrollment entry points.
const (
	RefManual  = "MANUAL"
	RefBulk    = "BULK"
	RefSegment = "SEGMENT"
)

// Input identifies one enrollment request. The trigger reference correlates
// the enrollment with whatever caused it (a segment, a payment, a job run).
type Input struct {
	CampaignID     string `json:"campaign_id"`
	MemberID       string `json:"member_id"`
	TriggerRefID   string `json:"trigger_reference_id,omitempty"`
	TriggerRefType string `json:"trigger_reference_type,omitempty"`
}

// Manager enrolls and cancels members. Safe for concurrent use when the
// stores are.
type Manager struct {
	uow    store.UnitOfWork
	stores store.Stores
	clock  clock.Clock
	rng    clock.RNG
	newID  func() string
	log    *logger.Logger
}

// NewManager creates a manager. stores serves reads outside a unit of work.
func NewManager(uow store.UnitOfWork, stores store.Stores, clk clock.Clock, rng clock.RNG) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if rng == nil {
		rng = clock.NewRNG()
	}
	return &Manager{
		uow:    uow,
		stores: stores,
		clock:  clk,
		rng:    rng,
		newID:  uuid.NewString,
		log:    logger.Named("enrollment"),
	}
}

// Enroll creates an ACTIVE enrollment due for step 1. It returns a nil
// enrollment when the campaign is not accepting members or the member is
// already actively enrolled. A missing campaign yields ErrCampaignNotFound.
func (m *Manager) Enroll(ctx context.Context, in Input) (*domain.Enrollment, error) {
	c, err := m.stores.Campaigns.GetCampaign(ctx, in.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, in.CampaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	now := m.clock.Now()
	if !c.CanEnroll(now) {
		m.log.Info("campaign not accepting enrollments", "campaign_id", c.ID, "status", string(c.Status))
		return nil, nil
	}

	exists, err := m.stores.Enrollments.ExistsActive(ctx, c.ID, in.MemberID)
	if err != nil {
		return nil, fmt.Errorf("check active enrollment: %w", err)
	}
	if exists {
		m.log.Info("member already enrolled", "campaign_id", c.ID, "member_id", in.MemberID)
		return nil, nil
	}

	steps, err := m.stores.Steps.ListActiveSteps(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}

	dueAt := now
	if len(steps) > 0 {
		dueAt = now.Add(steps[0].TotalDelay())
	}
	e := domain.NewEnrollment(m.newID(), c.ID, in.MemberID, now, dueAt)
	e.TriggerReferenceID = in.TriggerRefID
	e.TriggerReferenceType = in.TriggerRefType
	if hasABTest(steps) {
		if e, err = domain.AssignABGroup(e, m.rng.Pick(domain.ABGroups)); err != nil {
			return nil, err
		}
	}

	err = m.uow.WithinTx(ctx, func(ctx context.Context, st store.Stores) error {
		if err := st.Enrollments.CreateEnrollment(ctx, &e); err != nil {
			return err
		}
		return st.Campaigns.IncrementEnrolled(ctx, c.ID, 1)
	})
	if errors.Is(err, store.ErrDuplicateActive) {
		m.log.Info("member already enrolled", "campaign_id", c.ID, "member_id", in.MemberID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create enrollment: %w", err)
	}

	m.log.Info("enrolled member", "enrollment_id", e.ID, "campaign_id", c.ID, "member_id", in.MemberID)
	return &e, nil
}

// EnrollMembers enrolls each member and returns how many were enrolled.
// Per-member failures are logged and skipped; a missing campaign aborts.
func (m *Manager) EnrollMembers(ctx context.Context, campaignID string, memberIDs []string) (int, error) {
	return m.enrollAll(ctx, campaignID, memberIDs, "", RefBulk)
}

// EnrollSegment enrolls a segment's resolved member list, tagging each
// enrollment with the segment id.
func (m *Manager) EnrollSegment(ctx context.Context, campaignID, segmentID string, memberIDs []string) (int, error) {
	return m.enrollAll(ctx, campaignID, memberIDs, segmentID, RefSegment)
}

func (m *Manager) enrollAll(ctx context.Context, campaignID string, memberIDs []string, refID, refType string) (int, error) {
	enrolled := 0
	for _, id := range memberIDs {
		if ctx.Err() != nil {
			return enrolled, ctx.Err()
		}
		e, err := m.Enroll(ctx, Input{CampaignID: campaignID, MemberID: id, TriggerRefID: refID, TriggerRefType: refType})
		if errors.Is(err, ErrCampaignNotFound) {
			return enrolled, err
		}
		if err != nil {
			m.log.Error("bulk enroll failed for member", "campaign_id", campaignID, "member_id", id, "error", err)
			continue
		}
		if e != nil {
			enrolled++
		}
	}
	m.log.Info("bulk enrollment finished", "campaign_id", campaignID, "requested", len(memberIDs), "enrolled", enrolled)
	return enrolled, nil
}

// Cancel stops an enrollment. Cancelling a terminal enrollment is a no-op.
func (m *Manager) Cancel(ctx context.Context, enrollmentID string) (*domain.Enrollment, error) {
	var out domain.Enrollment
	err := m.uow.WithinTx(ctx, func(ctx context.Context, st store.Stores) error {
		e, err := st.Enrollments.GetEnrollment(ctx, enrollmentID)
		if err != nil {
			return err
		}
		out = *e
		if !e.IsActive() {
			return nil
		}
		out = domain.Cancel(*e, m.clock.Now())
		return st.Enrollments.UpdateEnrollment(ctx, &out)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cancel enrollment: %w", err)
	}
	return &out, nil
}

// Get returns one enrollment.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := m.stores.Enrollments.GetEnrollment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEnrollmentNotFound
	}
	return e, err
}

// Link is one tracked URL of an email and whether it was clicked.
type Link struct {
	URL       string     `json:"url"`
	Clicked   bool       `json:"clicked"`
	ClickedAt *time.Time `json:"clicked_at,omitempty"`
}

// MessageActivity is one step execution of an enrollment with the links it
// carried.
type MessageActivity struct {
	domain.MessageLog
	Links []Link `json:"links,omitempty"`
}

// Messages returns the message history of an enrollment, oldest first.
func (m *Manager) Messages(ctx context.Context, enrollmentID string) ([]MessageActivity, error) {
	if _, err := m.Get(ctx, enrollmentID); err != nil {
		return nil, err
	}
	logs, err := m.stores.Messages.ListMessageLogs(ctx, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("list message logs: %w", err)
	}
	out := make([]MessageActivity, 0, len(logs))
	for _, l := range logs {
		a := MessageActivity{MessageLog: l}
		if l.Channel == domain.ChannelEmail {
			tokens, err := m.stores.Tokens.ListTokens(ctx, l.ID)
			if err != nil {
				return nil, fmt.Errorf("list tokens: %w", err)
			}
			for _, t := range tokens {
				if t.Type != domain.TokenClick {
					continue
				}
				a.Links = append(a.Links, Link{URL: t.TargetURL, Clicked: t.Triggered, ClickedAt: t.TriggeredAt})
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// ListByCampaign pages through a campaign's enrollments.
func (m *Manager) ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]domain.Enrollment, int, error) {
	return m.stores.Enrollments.ListByCampaign(ctx, campaignID, limit, offset)
}

func hasABTest(steps []domain.CampaignStep) bool {
	for _, s := range steps {
		if s.IsABTest {
			return true
		}
	}
	return false
}

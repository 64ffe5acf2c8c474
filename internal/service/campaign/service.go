package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/pkg/logger"
	"github.com/liyaqa/drip-engine/internal/store"
)

// Service implements campaign business logic. All public methods are safe
// for concurrent use if the underlying repository is concurrency-safe.
type Service struct {
	repo  Repository
	clock clock.Clock
	log   *logger.Logger
}

// NewService creates a campaign service backed by the given repository.
func NewService(repo Repository, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{repo: repo, clock: clk, log: logger.Named("campaign")}
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	TriggerType   domain.TriggerType   `json:"trigger_type"`
	TriggerConfig domain.TriggerConfig `json:"trigger_config"`
	StartDate     *time.Time           `json:"start_date"`
	EndDate       *time.Time           `json:"end_date"`
}

// StepInput holds the fields for adding a step. A non-empty ABVariant adds
// an alternate version of the existing step StepNumber.
type StepInput struct {
	Name              string               `json:"name"`
	Channel           domain.Channel       `json:"channel"`
	Subject           domain.LocalizedText `json:"subject"`
	Body              domain.LocalizedText `json:"body"`
	DelayDays         int                  `json:"delay_days"`
	DelayHours        int                  `json:"delay_hours"`
	IsABTest          bool                 `json:"is_ab_test"`
	ABVariant         string               `json:"ab_variant"`
	ABSplitPercentage int                  `json:"ab_split_percentage"`
	StepNumber        int                  `json:"step_number"`
}

var validTriggers = map[domain.TriggerType]bool{
	domain.TriggerManual:           true,
	domain.TriggerMemberCreated:    true,
	domain.TriggerDaysBeforeExpiry: true,
	domain.TriggerDaysAfterExpiry:  true,
	domain.TriggerBirthday:         true,
	domain.TriggerDaysInactive:     true,
	domain.TriggerPaymentFailed:    true,
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.ListCampaigns(ctx, f)
}

// Create validates and persists a new campaign in DRAFT status.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Campaign, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if in.TriggerType == "" {
		in.TriggerType = domain.TriggerManual
	}
	if !validTriggers[in.TriggerType] {
		return nil, fmt.Errorf("%w: unknown trigger type %q", ErrValidation, in.TriggerType)
	}
	if err := validateWindow(in.StartDate, in.EndDate); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	c := &domain.Campaign{
		ID:            uuid.New().String(),
		Name:          name,
		Description:   in.Description,
		Status:        domain.CampaignDraft,
		TriggerType:   in.TriggerType,
		TriggerConfig: in.TriggerConfig,
		StartDate:     in.StartDate,
		EndDate:       in.EndDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	s.log.Info("campaign created", "campaign_id", c.ID, "trigger", string(c.TriggerType))
	return c, nil
}

// Update modifies the definition of a DRAFT or PAUSED campaign.
func (s *Service) Update(ctx context.Context, id string, u UpdateFields) (*domain.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsEditable() {
		return nil, ErrNotEditable
	}
	if u.Name != nil {
		if strings.TrimSpace(*u.Name) == "" {
			return nil, fmt.Errorf("%w: name is required", ErrValidation)
		}
		c.Name = strings.TrimSpace(*u.Name)
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.TriggerConfig != nil {
		c.TriggerConfig = *u.TriggerConfig
	}
	if u.StartDate != nil {
		c.StartDate = u.StartDate
	}
	if u.EndDate != nil {
		c.EndDate = u.EndDate
	}
	if err := validateWindow(c.StartDate, c.EndDate); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	return c, nil
}

// Delete removes a DRAFT campaign.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignDraft {
		return ErrNotEditable
	}
	return s.repo.DeleteCampaign(ctx, id)
}

// Steps returns every step of a campaign, variants included, ordered by
// step number.
func (s *Service) Steps(ctx context.Context, campaignID string) ([]domain.CampaignStep, error) {
	if _, err := s.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.repo.ListSteps(ctx, campaignID)
}

// AddStep appends a step to a DRAFT or PAUSED campaign. A/B steps and
// variants change how enrollments are routed, so they need a DRAFT campaign.
func (s *Service) AddStep(ctx context.Context, campaignID string, in StepInput) (*domain.CampaignStep, error) {
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !c.IsEditable() {
		return nil, ErrNotEditable
	}
	if (in.IsABTest || in.ABVariant != "") && !c.IsStructureEditable() {
		return nil, fmt.Errorf("%w: A/B steps can only be added to a draft campaign", ErrNotEditable)
	}
	if !in.Channel.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrValidation, in.Channel)
	}
	if in.Body.IsZero() {
		return nil, fmt.Errorf("%w: body is required", ErrValidation)
	}
	if in.DelayDays < 0 || in.DelayHours < 0 {
		return nil, fmt.Errorf("%w: delays cannot be negative", ErrValidation)
	}

	existing, err := s.repo.ListSteps(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	step := &domain.CampaignStep{
		ID:                uuid.New().String(),
		CampaignID:        campaignID,
		Name:              in.Name,
		Channel:           in.Channel,
		Subject:           in.Subject,
		Body:              in.Body,
		DelayDays:         in.DelayDays,
		DelayHours:        in.DelayHours,
		IsActive:          true,
		IsABTest:          in.IsABTest,
		ABSplitPercentage: in.ABSplitPercentage,
		CreatedAt:         s.clock.Now(),
	}

	if in.ABVariant != "" {
		base := baseStep(existing, in.StepNumber)
		if base == nil {
			return nil, fmt.Errorf("%w: no step %d to add a variant to", ErrStepNotFound, in.StepNumber)
		}
		if !base.IsABTest {
			return nil, fmt.Errorf("%w: step %d is not an A/B test", ErrValidation, in.StepNumber)
		}
		for _, st := range existing {
			if st.StepNumber == in.StepNumber && st.ABVariant == in.ABVariant {
				return nil, fmt.Errorf("%w: variant %s already exists", ErrValidation, in.ABVariant)
			}
		}
		step.StepNumber = in.StepNumber
		step.ABVariant = in.ABVariant
		step.IsABTest = true
	} else {
		step.StepNumber = maxStepNumber(existing) + 1
	}

	if err := s.repo.CreateStep(ctx, step); err != nil {
		return nil, fmt.Errorf("create step: %w", err)
	}
	return step, nil
}

// UpdateStep edits the content of step number on a DRAFT or PAUSED
// campaign. variant selects an A/B variant row; empty means the base step.
// Held enrollments pick up the new content when the step fires.
func (s *Service) UpdateStep(ctx context.Context, campaignID string, number int, variant string, u StepUpdate) (*domain.CampaignStep, error) {
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !c.IsEditable() {
		return nil, ErrNotEditable
	}
	steps, err := s.repo.ListSteps(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	var step *domain.CampaignStep
	for i := range steps {
		if steps[i].StepNumber == number && steps[i].ABVariant == variant {
			step = &steps[i]
			break
		}
	}
	if step == nil {
		return nil, fmt.Errorf("%w: step %d%s", ErrStepNotFound, number, variant)
	}

	if u.Name != nil {
		step.Name = *u.Name
	}
	if u.Channel != nil {
		if !u.Channel.Valid() {
			return nil, fmt.Errorf("%w: unknown channel %q", ErrValidation, *u.Channel)
		}
		step.Channel = *u.Channel
	}
	if u.SubjectEN != nil {
		step.Subject.EN = *u.SubjectEN
	}
	if u.SubjectAR != nil {
		step.Subject.AR = *u.SubjectAR
	}
	if u.BodyEN != nil {
		step.Body.EN = *u.BodyEN
	}
	if u.BodyAR != nil {
		step.Body.AR = *u.BodyAR
	}
	if u.DelayDays != nil {
		step.DelayDays = *u.DelayDays
	}
	if u.DelayHours != nil {
		step.DelayHours = *u.DelayHours
	}
	if step.Body.IsZero() {
		return nil, fmt.Errorf("%w: body is required", ErrValidation)
	}
	if step.DelayDays < 0 || step.DelayHours < 0 {
		return nil, fmt.Errorf("%w: delays cannot be negative", ErrValidation)
	}

	if err := s.repo.UpdateStep(ctx, step); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrStepNotFound
		}
		return nil, fmt.Errorf("update step: %w", err)
	}
	return step, nil
}

// DeleteStep removes a step and its variants and renumbers the rest. The
// campaign must be DRAFT; renumbering under held enrollments would skip a
// step for them.
func (s *Service) DeleteStep(ctx context.Context, campaignID string, stepNumber int) error {
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if !c.IsStructureEditable() {
		return ErrNotEditable
	}
	err = s.repo.DeleteStep(ctx, campaignID, stepNumber)
	if errors.Is(err, store.ErrNotFound) {
		return ErrStepNotFound
	}
	return err
}

// Activate moves a DRAFT campaign to ACTIVE. It needs at least one active step.
func (s *Service) Activate(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignDraft {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.CampaignActive)
	}
	steps, err := s.repo.ListActiveSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	return s.transition(ctx, c, domain.CampaignActive)
}

// Pause stops step execution and enrollment for an ACTIVE campaign. Active
// enrollments keep their place and resume with the campaign.
func (s *Service) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignActive {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.CampaignPaused)
	}
	return s.transition(ctx, c, domain.CampaignPaused)
}

// Resume reactivates a PAUSED campaign.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignPaused {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.CampaignActive)
	}
	return s.transition(ctx, c, domain.CampaignActive)
}

// Archive ends a campaign and cancels all of its ACTIVE enrollments in one
// atomic store operation. Returns the number of enrollments cancelled.
func (s *Service) Archive(ctx context.Context, id string) (int, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.IsTerminal() {
		return 0, fmt.Errorf("%w: campaign already archived", ErrInvalidTransition)
	}
	n, err := s.repo.ArchiveCampaign(ctx, id, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("archive campaign: %w", err)
	}
	s.log.Info("campaign archived", "campaign_id", id, "cancelled_enrollments", n)
	return n, nil
}

// Duplicate copies a campaign and its steps into a new DRAFT campaign with
// zeroed counters.
func (s *Service) Duplicate(ctx context.Context, id, newName string) (*domain.Campaign, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(newName) == "" {
		newName = src.Name + " (copy)"
	}
	cp, err := s.Create(ctx, CreateInput{
		Name:          newName,
		Description:   src.Description,
		TriggerType:   src.TriggerType,
		TriggerConfig: src.TriggerConfig,
		StartDate:     src.StartDate,
		EndDate:       src.EndDate,
	})
	if err != nil {
		return nil, err
	}

	steps, err := s.repo.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	for _, st := range steps {
		st.ID = uuid.New().String()
		st.CampaignID = cp.ID
		st.CreatedAt = cp.CreatedAt
		if err := s.repo.CreateStep(ctx, &st); err != nil {
			return nil, fmt.Errorf("copy step %d: %w", st.StepNumber, err)
		}
	}
	return cp, nil
}

func (s *Service) transition(ctx context.Context, c *domain.Campaign, to domain.CampaignStatus) (*domain.Campaign, error) {
	if err := s.repo.SetCampaignStatus(ctx, c.ID, to); err != nil {
		return nil, fmt.Errorf("set status %s: %w", to, err)
	}
	s.log.Info("campaign status changed", "campaign_id", c.ID, "from", string(c.Status), "to", string(to))
	c.Status = to
	c.UpdatedAt = s.clock.Now()
	return c, nil
}

func validateWindow(start, end *time.Time) error {
	if start != nil && end != nil && end.Before(*start) {
		return fmt.Errorf("%w: end date is before start date", ErrValidation)
	}
	return nil
}

func baseStep(steps []domain.CampaignStep, number int) *domain.CampaignStep {
	for i := range steps {
		if steps[i].StepNumber == number && !steps[i].IsVariant() {
			return &steps[i]
		}
	}
	return nil
}

func maxStepNumber(steps []domain.CampaignStep) int {
	n := 0
	for _, st := range steps {
		if st.StepNumber > n {
			n = st.StepNumber
		}
	}
	return n
}

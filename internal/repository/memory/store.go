// Package memory implements the store contracts in process memory. It backs
// the unit tests and local runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/store"
)

var (
	_ store.CampaignStore   = (*Store)(nil)
	_ store.StepStore       = (*Store)(nil)
	_ store.EnrollmentStore = (*Store)(nil)
	_ store.MessageLogStore = (*Store)(nil)
	_ store.TrackingStore   = (*Store)(nil)
	_ store.AnalyticsStore  = (*Store)(nil)
	_ store.MemberDirectory = (*Store)(nil)
	_ store.UnitOfWork      = (*Store)(nil)
)

// Store holds every entity in maps guarded by one mutex. Values are copied
// on the way in and out so callers never share state with the store.
type Store struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	campaigns   map[string]*domain.Campaign
	steps       map[string]*domain.CampaignStep
	enrollments map[string]*domain.Enrollment
	messages    map[string]*domain.MessageLog
	tokens      map[string]*domain.TrackingToken
	members     map[string]*domain.Member
}

// New returns an empty store.
func New() *Store {
	return &Store{
		campaigns:   make(map[string]*domain.Campaign),
		steps:       make(map[string]*domain.CampaignStep),
		enrollments: make(map[string]*domain.Enrollment),
		messages:    make(map[string]*domain.MessageLog),
		tokens:      make(map[string]*domain.TrackingToken),
		members:     make(map[string]*domain.Member),
	}
}

// Stores returns s behind every store interface.
func (s *Store) Stores() store.Stores {
	return store.Stores{Campaigns: s, Steps: s, Enrollments: s, Messages: s, Tokens: s}
}

// WithinTx serializes units of work. There is no rollback: writes made
// before fn fails stay visible.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, st store.Stores) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s.Stores())
}

// =============================================================================
// Members
// =============================================================================

// PutMember adds or replaces a member in the directory.
func (s *Store) PutMember(m domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = &m
}

// RemoveMember deletes a member from the directory.
func (s *Store) RemoveMember(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, id)
}

func (s *Store) GetMember(_ context.Context, id string) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// =============================================================================
// Campaigns
// =============================================================================

func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCampaigns(_ context.Context, f store.CampaignFilter) ([]domain.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

func (s *Store) ListActiveByTrigger(_ context.Context, trigger domain.TriggerType, days int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status != domain.CampaignActive || c.TriggerType != trigger {
			continue
		}
		if days > 0 && c.TriggerConfig.Days != days {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateCampaign(_ context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Store) UpdateCampaign(_ context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.campaigns[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Name = c.Name
	cur.Description = c.Description
	cur.TriggerType = c.TriggerType
	cur.TriggerConfig = c.TriggerConfig
	cur.StartDate = c.StartDate
	cur.EndDate = c.EndDate
	cur.UpdatedAt = c.UpdatedAt
	return nil
}

func (s *Store) DeleteCampaign(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.campaigns, id)
	for sid, st := range s.steps {
		if st.CampaignID == id {
			delete(s.steps, sid)
		}
	}
	return nil
}

func (s *Store) SetCampaignStatus(_ context.Context, id string, status domain.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = status
	return nil
}

func (s *Store) IncrementEnrolled(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.EnrolledCount += n
	return nil
}

func (s *Store) IncrementCompleted(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.CompletedCount += n
	return nil
}

func (s *Store) ArchiveCampaign(_ context.Context, id string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	c.Status = domain.CampaignArchived
	n := 0
	for _, e := range s.enrollments {
		if e.CampaignID != id || !e.IsActive() {
			continue
		}
		*e = domain.Cancel(*e, now)
		e.Version++
		n++
	}
	return n, nil
}

// =============================================================================
// Steps
// =============================================================================

func (s *Store) GetStep(_ context.Context, id string) (*domain.CampaignStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) collectSteps(campaignID string, keep func(*domain.CampaignStep) bool) []domain.CampaignStep {
	var out []domain.CampaignStep
	for _, st := range s.steps {
		if st.CampaignID == campaignID && keep(st) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepNumber != out[j].StepNumber {
			return out[i].StepNumber < out[j].StepNumber
		}
		return out[i].ABVariant < out[j].ABVariant
	})
	return out
}

func (s *Store) ListActiveSteps(_ context.Context, campaignID string) ([]domain.CampaignStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectSteps(campaignID, func(st *domain.CampaignStep) bool {
		return st.IsActive && !st.IsVariant()
	}), nil
}

func (s *Store) ListSteps(_ context.Context, campaignID string) ([]domain.CampaignStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectSteps(campaignID, func(*domain.CampaignStep) bool { return true }), nil
}

func (s *Store) ListVariants(_ context.Context, campaignID string, stepNumber int) ([]domain.CampaignStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectSteps(campaignID, func(st *domain.CampaignStep) bool {
		return st.IsActive && st.IsVariant() && st.StepNumber == stepNumber
	}), nil
}

func (s *Store) CreateStep(_ context.Context, st *domain.CampaignStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.steps[st.ID] = &cp
	return nil
}

func (s *Store) UpdateStep(_ context.Context, st *domain.CampaignStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.steps[st.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Name = st.Name
	cur.Channel = st.Channel
	cur.Subject = st.Subject
	cur.Body = st.Body
	cur.DelayDays = st.DelayDays
	cur.DelayHours = st.DelayHours
	return nil
}

func (s *Store) DeleteStep(_ context.Context, campaignID string, stepNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, st := range s.steps {
		if st.CampaignID == campaignID && st.StepNumber == stepNumber {
			delete(s.steps, id)
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	for _, st := range s.steps {
		if st.CampaignID == campaignID && st.StepNumber > stepNumber {
			st.StepNumber--
		}
	}
	return nil
}

// =============================================================================
// Enrollments
// =============================================================================

func (s *Store) CreateEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.enrollments {
		if cur.CampaignID == e.CampaignID && cur.MemberID == e.MemberID && cur.IsActive() {
			return store.ErrDuplicateActive
		}
	}
	cp := *e
	s.enrollments[e.ID] = &cp
	return nil
}

func (s *Store) GetEnrollment(_ context.Context, id string) (*domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ExistsActive(_ context.Context, campaignID, memberID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.CampaignID == campaignID && e.MemberID == memberID && e.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListByCampaign(_ context.Context, campaignID string, limit, offset int) ([]domain.Enrollment, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Enrollment
	for _, e := range s.enrollments {
		if e.CampaignID == campaignID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnrolledAt.Equal(out[j].EnrolledAt) {
			return out[i].EnrolledAt.After(out[j].EnrolledAt)
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) || limit <= 0 {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Enrollment
	for _, e := range s.enrollments {
		if !e.IsActive() || e.NextStepDueAt == nil || e.NextStepDueAt.After(now) {
			continue
		}
		if c, ok := s.campaigns[e.CampaignID]; ok && c.Status == domain.CampaignPaused {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextStepDueAt.Equal(*out[j].NextStepDueAt) {
			return out[i].NextStepDueAt.Before(*out[j].NextStepDueAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimDue(_ context.Context, id string, now time.Time) (*domain.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[id]
	if !ok || !e.IsActive() || e.NextStepDueAt == nil || e.NextStepDueAt.After(now) {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) UpdateEnrollment(_ context.Context, e *domain.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.enrollments[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != e.Version {
		return store.ErrVersionConflict
	}
	e.Version++
	cp := *e
	s.enrollments[e.ID] = &cp
	return nil
}

// =============================================================================
// Message logs
// =============================================================================

func (s *Store) CreateMessageLog(_ context.Context, m *domain.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Store) GetMessageLog(_ context.Context, id string) (*domain.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMessageLogs(_ context.Context, enrollmentID string) ([]domain.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MessageLog
	for _, m := range s.messages {
		if m.EnrollmentID == enrollmentID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateMessageLog(_ context.Context, m *domain.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

// =============================================================================
// Tracking tokens
// =============================================================================

func (s *Store) CreateTokens(_ context.Context, tokens []domain.TrackingToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tokens {
		cp := tokens[i]
		s.tokens[cp.Token] = &cp
	}
	return nil
}

func (s *Store) GetToken(_ context.Context, token string) (*domain.TrackingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTokens(_ context.Context, messageLogID string) ([]domain.TrackingToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrackingToken
	for _, t := range s.tokens {
		if t.MessageLogID == messageLogID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type > out[j].Type // OPEN before CLICK
		}
		return out[i].TargetURL < out[j].TargetURL
	})
	return out, nil
}

func (s *Store) MarkTriggered(_ context.Context, t *domain.TrackingToken) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tokens[t.Token]
	if !ok {
		return false, store.ErrNotFound
	}
	if cur.Triggered {
		return false, nil
	}
	cp := *t
	s.tokens[t.Token] = &cp
	return true, nil
}

// =============================================================================
// Analytics
// =============================================================================

func (s *Store) MessageStatsByStep(_ context.Context, campaignID string) (map[string]domain.MessageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.MessageStats)
	for _, m := range s.messages {
		if m.CampaignID != campaignID {
			continue
		}
		st := out[m.StepID]
		st.Total++
		switch m.Status {
		case domain.MessageSent:
			st.Sent++
		case domain.MessageFailed:
			st.Failed++
		}
		if m.DeliveredAt != nil {
			st.Delivered++
		}
		if m.OpenedAt != nil {
			st.Opened++
		}
		if m.ClickedAt != nil {
			st.Clicked++
		}
		out[m.StepID] = st
	}
	return out, nil
}

func (s *Store) EnrollmentCounts(_ context.Context, campaignID string) (map[domain.EnrollmentStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.EnrollmentStatus]int)
	for _, e := range s.enrollments {
		if e.CampaignID == campaignID {
			out[e.Status]++
		}
	}
	return out, nil
}

func (s *Store) Timeline(_ context.Context, campaignID string, from, to time.Time) ([]domain.TimelinePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDay := make(map[time.Time]*domain.TimelinePoint)
	for _, m := range s.messages {
		if m.CampaignID != campaignID || m.SentAt == nil || m.SentAt.Before(from) || !m.SentAt.Before(to) {
			continue
		}
		u := m.SentAt.UTC()
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		p, ok := byDay[day]
		if !ok {
			p = &domain.TimelinePoint{Date: day}
			byDay[day] = p
		}
		p.Sent++
		if m.DeliveredAt != nil {
			p.Delivered++
		}
		if m.OpenedAt != nil {
			p.Opened++
		}
		if m.ClickedAt != nil {
			p.Clicked++
		}
	}
	out := make([]domain.TimelinePoint, 0, len(byDay))
	for _, p := range byDay {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

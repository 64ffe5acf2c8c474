// Package analytics reports campaign performance from message logs and
// enrollments: totals and rates, A/B variant comparison and a daily
// timeline. Rates are percentages of sent messages, rounded to two
// decimals; completion rate is completed over all enrollments.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/store"
)

// ErrNotFound is returned when the campaign does not exist.
var ErrNotFound = errors.New("campaign not found")

const (
	defaultTimelineDays = 30
	maxTimelineDays     = 365
)

// Repository is the persistence the analytics service reads.
type Repository interface {
	store.CampaignStore
	store.StepStore
	store.AnalyticsStore
}

// Service computes campaign reports.
type Service struct {
	repo  Repository
	clock clock.Clock
}

// NewService creates an analytics service.
func NewService(repo Repository, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{repo: repo, clock: clk}
}

// CampaignAnalytics summarizes one campaign.
type CampaignAnalytics struct {
	CampaignID           string                `json:"campaign_id"`
	CampaignName         string                `json:"campaign_name"`
	Status               domain.CampaignStatus `json:"status"`
	TotalEnrolled        int                   `json:"total_enrolled"`
	ActiveEnrollments    int                   `json:"active_enrollments"`
	CompletedEnrollments int                   `json:"completed_enrollments"`
	CancelledEnrollments int                   `json:"cancelled_enrollments"`
	CompletionRate       float64               `json:"completion_rate"`
	TotalMessages        int                   `json:"total_messages"`
	SentMessages         int                   `json:"sent_messages"`
	DeliveredMessages    int                   `json:"delivered_messages"`
	FailedMessages       int                   `json:"failed_messages"`
	OpenedMessages       int                   `json:"opened_messages"`
	ClickedMessages      int                   `json:"clicked_messages"`
	DeliveryRate         float64               `json:"delivery_rate"`
	OpenRate             float64               `json:"open_rate"`
	ClickRate            float64               `json:"click_rate"`
}

// VariantStats is the performance of one version of an A/B step.
type VariantStats struct {
	Variant   string  `json:"variant"`
	StepID    string  `json:"step_id"`
	Sent      int     `json:"sent"`
	Delivered int     `json:"delivered"`
	Opened    int     `json:"opened"`
	Clicked   int     `json:"clicked"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}

// ABTestResult compares the versions of one A/B step. Winner is empty
// while nothing was sent or the leaders are tied.
type ABTestResult struct {
	StepNumber int            `json:"step_number"`
	StepName   string         `json:"step_name"`
	Variants   []VariantStats `json:"variants"`
	Winner     string         `json:"winner,omitempty"`
}

func (s *Service) campaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// Campaign returns totals and rates for a campaign.
func (s *Service) Campaign(ctx context.Context, campaignID string) (*CampaignAnalytics, error) {
	c, err := s.campaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.EnrollmentCounts(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	byStep, err := s.repo.MessageStatsByStep(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	var total domain.MessageStats
	for _, st := range byStep {
		total = total.Add(st)
	}
	enrolled := 0
	for _, n := range counts {
		enrolled += n
	}

	return &CampaignAnalytics{
		CampaignID:           c.ID,
		CampaignName:         c.Name,
		Status:               c.Status,
		TotalEnrolled:        enrolled,
		ActiveEnrollments:    counts[domain.EnrollmentActive],
		CompletedEnrollments: counts[domain.EnrollmentCompleted],
		CancelledEnrollments: counts[domain.EnrollmentCancelled],
		CompletionRate:       domain.Percent(counts[domain.EnrollmentCompleted], enrolled),
		TotalMessages:        total.Total,
		SentMessages:         total.Sent,
		DeliveredMessages:    total.Delivered,
		FailedMessages:       total.Failed,
		OpenedMessages:       total.Opened,
		ClickedMessages:      total.Clicked,
		DeliveryRate:         total.DeliveryRate(),
		OpenRate:             total.OpenRate(),
		ClickRate:            total.ClickRate(),
	}, nil
}

// ABTests returns one result per A/B step, ordered by step number. The base
// step reports as variant "A" unless a variant row already uses that letter,
// in which case it reports as "BASE".
func (s *Service) ABTests(ctx context.Context, campaignID string) ([]ABTestResult, error) {
	if _, err := s.campaign(ctx, campaignID); err != nil {
		return nil, err
	}
	steps, err := s.repo.ListSteps(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	byStep, err := s.repo.MessageStatsByStep(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	grouped := make(map[int][]domain.CampaignStep)
	var numbers []int
	for _, st := range steps {
		if !st.IsABTest {
			continue
		}
		if _, seen := grouped[st.StepNumber]; !seen {
			numbers = append(numbers, st.StepNumber)
		}
		grouped[st.StepNumber] = append(grouped[st.StepNumber], st)
	}
	sort.Ints(numbers)

	out := make([]ABTestResult, 0, len(numbers))
	for _, n := range numbers {
		group := grouped[n]
		res := ABTestResult{StepNumber: n}
		letters := make(map[string]bool)
		for _, st := range group {
			if st.IsVariant() {
				letters[st.ABVariant] = true
			}
		}
		for _, st := range group {
			label := st.ABVariant
			if !st.IsVariant() {
				res.StepName = st.Name
				label = "A"
				if letters["A"] {
					label = "BASE"
				}
			}
			ms := byStep[st.ID]
			res.Variants = append(res.Variants, VariantStats{
				Variant:   label,
				StepID:    st.ID,
				Sent:      ms.Sent,
				Delivered: ms.Delivered,
				Opened:    ms.Opened,
				Clicked:   ms.Clicked,
				OpenRate:  ms.OpenRate(),
				ClickRate: ms.ClickRate(),
			})
		}
		sort.Slice(res.Variants, func(i, j int) bool { return res.Variants[i].Variant < res.Variants[j].Variant })
		res.Winner = winner(res.Variants)
		out = append(out, res)
	}
	return out, nil
}

// winner picks the variant with the best click rate, then open rate.
func winner(vs []VariantStats) string {
	sent := 0
	for _, v := range vs {
		sent += v.Sent
	}
	if sent == 0 || len(vs) < 2 {
		return ""
	}
	ranked := append([]VariantStats(nil), vs...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].ClickRate != ranked[j].ClickRate {
			return ranked[i].ClickRate > ranked[j].ClickRate
		}
		return ranked[i].OpenRate > ranked[j].OpenRate
	})
	if ranked[0].ClickRate == ranked[1].ClickRate && ranked[0].OpenRate == ranked[1].OpenRate {
		return ""
	}
	return ranked[0].Variant
}

// Timeline returns one point per UTC day for the last days days, today
// included. Days without activity are zero. days <= 0 means 30.
func (s *Service) Timeline(ctx context.Context, campaignID string, days int) ([]domain.TimelinePoint, error) {
	if _, err := s.campaign(ctx, campaignID); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = defaultTimelineDays
	}
	if days > maxTimelineDays {
		days = maxTimelineDays
	}
	now := s.clock.Now().UTC()
	to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	from := to.AddDate(0, 0, -days)

	points, err := s.repo.Timeline(ctx, campaignID, from, to)
	if err != nil {
		return nil, err
	}
	byDay := make(map[time.Time]domain.TimelinePoint, len(points))
	for _, p := range points {
		byDay[p.Date] = p
	}
	out := make([]domain.TimelinePoint, 0, days)
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		p, ok := byDay[d]
		if !ok {
			p = domain.TimelinePoint{Date: d}
		}
		out = append(out, p)
	}
	return out, nil
}

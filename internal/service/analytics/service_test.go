package analytics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/repository/memory"
	"github.com/liyaqa/drip-engine/internal/service/analytics"
)

var t0 = time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	svc   *analytics.Service
	n     int
}

func newFixture(t *testing.T, steps ...domain.CampaignStep) *fixture {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.CreateCampaign(ctx, &domain.Campaign{ID: "c1", Name: "Renewal", Status: domain.CampaignActive}))
	for i := range steps {
		steps[i].CampaignID = "c1"
		steps[i].IsActive = true
		require.NoError(t, st.CreateStep(ctx, &steps[i]))
	}
	return &fixture{store: st, svc: analytics.NewService(st, clock.NewFixed(t0))}
}

// message logs one dispatch of stepID sent at at. Engagement is given as
// "d" delivered, "o" opened, "c" clicked.
func (f *fixture) message(t *testing.T, stepID string, status domain.MessageStatus, at time.Time, engagement string) {
	t.Helper()
	f.n++
	m := domain.MessageLog{
		ID: "l" + string(rune('a'+f.n)), CampaignID: "c1", StepID: stepID, EnrollmentID: "e1",
		MemberID: "m1", Channel: domain.ChannelEmail, Status: status, CreatedAt: at,
	}
	if status == domain.MessageSent {
		m.SentAt = &at
	}
	for _, r := range engagement {
		switch r {
		case 'd':
			m.DeliveredAt = &at
		case 'o':
			m.OpenedAt = &at
		case 'c':
			m.ClickedAt = &at
		}
	}
	require.NoError(t, f.store.CreateMessageLog(context.Background(), &m))
}

func (f *fixture) enrollment(t *testing.T, id string, status domain.EnrollmentStatus) {
	t.Helper()
	e := domain.NewEnrollment(id, "c1", "m-"+id, t0, t0)
	e.Status = status
	require.NoError(t, f.store.CreateEnrollment(context.Background(), &e))
}

func TestCampaignAnalyticsRates(t *testing.T) {
	f := newFixture(t, domain.CampaignStep{ID: "s1", StepNumber: 1, Name: "Day 1"}, domain.CampaignStep{ID: "s2", StepNumber: 2, Name: "Day 3"})
	f.enrollment(t, "e1", domain.EnrollmentActive)
	f.enrollment(t, "e2", domain.EnrollmentCompleted)
	f.enrollment(t, "e3", domain.EnrollmentCompleted)
	f.enrollment(t, "e4", domain.EnrollmentCancelled)

	f.message(t, "s1", domain.MessageSent, t0, "doc")
	f.message(t, "s1", domain.MessageSent, t0, "do")
	f.message(t, "s2", domain.MessageSent, t0, "d")
	f.message(t, "s2", domain.MessageFailed, t0, "")

	a, err := f.svc.Campaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Renewal", a.CampaignName)
	assert.Equal(t, 4, a.TotalEnrolled)
	assert.Equal(t, 1, a.ActiveEnrollments)
	assert.Equal(t, 2, a.CompletedEnrollments)
	assert.Equal(t, 50.0, a.CompletionRate)
	assert.Equal(t, 4, a.TotalMessages)
	assert.Equal(t, 3, a.SentMessages)
	assert.Equal(t, 1, a.FailedMessages)
	assert.Equal(t, 100.0, a.DeliveryRate)
	assert.Equal(t, 66.67, a.OpenRate)
	assert.Equal(t, 33.33, a.ClickRate)
}

func TestCampaignAnalyticsEmptyAndMissing(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.Campaign(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, a.CompletionRate)
	assert.Zero(t, a.OpenRate)

	_, err = f.svc.Campaign(context.Background(), "nope")
	assert.True(t, errors.Is(err, analytics.ErrNotFound))
}

func TestABTestsPickWinnerByClickRate(t *testing.T) {
	f := newFixture(t,
		domain.CampaignStep{ID: "s1", StepNumber: 1, Name: "Offer", IsABTest: true},
		domain.CampaignStep{ID: "s1b", StepNumber: 1, Name: "Offer B", IsABTest: true, ABVariant: "B"},
		domain.CampaignStep{ID: "s2", StepNumber: 2, Name: "Reminder"},
	)
	f.message(t, "s1", domain.MessageSent, t0, "o")
	f.message(t, "s1", domain.MessageSent, t0, "")
	f.message(t, "s1b", domain.MessageSent, t0, "oc")
	f.message(t, "s1b", domain.MessageSent, t0, "")
	f.message(t, "s2", domain.MessageSent, t0, "oc")

	res, err := f.svc.ABTests(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, res, 1, "only A/B steps are reported")
	r := res[0]
	assert.Equal(t, 1, r.StepNumber)
	assert.Equal(t, "Offer", r.StepName)
	require.Len(t, r.Variants, 2)
	assert.Equal(t, "A", r.Variants[0].Variant)
	assert.Equal(t, "s1", r.Variants[0].StepID)
	assert.Equal(t, 50.0, r.Variants[0].OpenRate)
	assert.Equal(t, "B", r.Variants[1].Variant)
	assert.Equal(t, 50.0, r.Variants[1].ClickRate)
	assert.Equal(t, "B", r.Winner)
}

func TestABTestsNoWinnerWhenTiedOrUnsent(t *testing.T) {
	f := newFixture(t,
		domain.CampaignStep{ID: "s1", StepNumber: 1, Name: "Offer", IsABTest: true},
		domain.CampaignStep{ID: "s1b", StepNumber: 1, Name: "Offer B", IsABTest: true, ABVariant: "B"},
	)
	res, err := f.svc.ABTests(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Empty(t, res[0].Winner, "nothing sent yet")

	f.message(t, "s1", domain.MessageSent, t0, "o")
	f.message(t, "s1b", domain.MessageSent, t0, "o")
	res, err = f.svc.ABTests(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, res[0].Winner, "tied variants")
}

func TestTimelineFillsEmptyDays(t *testing.T) {
	f := newFixture(t, domain.CampaignStep{ID: "s1", StepNumber: 1})
	f.message(t, "s1", domain.MessageSent, t0, "doc")
	f.message(t, "s1", domain.MessageSent, t0.Add(-48*time.Hour), "d")
	f.message(t, "s1", domain.MessageSent, t0.AddDate(0, 0, -10), "")

	points, err := f.svc.Timeline(context.Background(), "c1", 7)
	require.NoError(t, err)
	require.Len(t, points, 7)
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), points[0].Date)
	assert.Equal(t, time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), points[6].Date)
	assert.Equal(t, domain.TimelinePoint{Date: points[6].Date, Sent: 1, Delivered: 1, Opened: 1, Clicked: 1}, points[6])
	assert.Equal(t, 1, points[4].Sent)
	assert.Zero(t, points[5].Sent)

	points, err = f.svc.Timeline(context.Background(), "c1", 0)
	require.NoError(t, err)
	assert.Len(t, points, 30)
}

package enrollment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/repository/memory"
	"github.com/liyaqa/drip-engine/internal/service/enrollment"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, rng clock.RNG, steps ...domain.CampaignStep) (*enrollment.Manager, *memory.Store) {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	if err := st.CreateCampaign(ctx, &domain.Campaign{ID: "c1", Name: "Renewal", Status: domain.CampaignActive}); err != nil {
		t.Fatal(err)
	}
	for i := range steps {
		steps[i].ID = "s" + string(rune('1'+i))
		steps[i].CampaignID = "c1"
		steps[i].StepNumber = i + 1
		steps[i].IsActive = true
		if err := st.CreateStep(ctx, &steps[i]); err != nil {
			t.Fatal(err)
		}
	}
	return enrollment.NewManager(st, st.Stores(), clock.NewFixed(t0), rng), st
}

func TestEnrollComputesFirstDueTime(t *testing.T) {
	m, st := setup(t, nil, domain.CampaignStep{Channel: domain.ChannelEmail, DelayDays: 1, DelayHours: 2})

	e, err := m.Enroll(context.Background(), enrollment.Input{CampaignID: "c1", MemberID: "m1", TriggerRefID: "sub-9", TriggerRefType: "SUBSCRIPTION"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if e == nil {
		t.Fatal("expected an enrollment")
	}
	if e.Status != domain.EnrollmentActive || e.CurrentStep != 0 {
		t.Errorf("unexpected state: %+v", e)
	}
	if want := t0.Add(26 * time.Hour); !e.NextStepDueAt.Equal(want) {
		t.Errorf("due = %v, want %v", e.NextStepDueAt, want)
	}
	if e.ABGroup != nil {
		t.Errorf("no A/B step, but group %q assigned", *e.ABGroup)
	}
	if e.TriggerReferenceID != "sub-9" || e.TriggerReferenceType != "SUBSCRIPTION" {
		t.Errorf("trigger reference not kept: %+v", e)
	}

	c, _ := st.GetCampaign(context.Background(), "c1")
	if c.EnrolledCount != 1 {
		t.Errorf("EnrolledCount = %d, want 1", c.EnrolledCount)
	}
}

func TestEnrollDuplicateReturnsNil(t *testing.T) {
	m, st := setup(t, nil, domain.CampaignStep{Channel: domain.ChannelSMS})
	ctx := context.Background()

	first, err := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"})
	if err != nil || first == nil {
		t.Fatalf("first enroll: %v %v", first, err)
	}
	second, err := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"})
	if err != nil {
		t.Fatalf("second enroll: %v", err)
	}
	if second != nil {
		t.Fatal("duplicate enrollment was created")
	}

	if _, err := m.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	again, err := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"})
	if err != nil || again == nil {
		t.Fatalf("re-enroll after cancel: %v %v", again, err)
	}

	c, _ := st.GetCampaign(ctx, "c1")
	if c.EnrolledCount != 2 {
		t.Errorf("EnrolledCount = %d, want 2", c.EnrolledCount)
	}
}

func TestConcurrentEnrollKeepsOneActive(t *testing.T) {
	m, st := setup(t, nil, domain.CampaignStep{Channel: domain.ChannelSMS})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"})
		}()
	}
	wg.Wait()

	list, total, err := st.ListByCampaign(ctx, "c1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(list) != 1 {
		t.Fatalf("got %d enrollments, want exactly 1", total)
	}
	c, _ := st.GetCampaign(ctx, "c1")
	if c.EnrolledCount != 1 {
		t.Errorf("EnrolledCount = %d, want 1", c.EnrolledCount)
	}
}

func TestEnrollNotAcceptingReturnsNil(t *testing.T) {
	m, st := setup(t, nil)
	ctx := context.Background()

	for _, status := range []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignPaused, domain.CampaignArchived} {
		st.SetCampaignStatus(ctx, "c1", status)
		e, err := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"})
		if err != nil || e != nil {
			t.Errorf("%s: got %v, %v; want nil, nil", status, e, err)
		}
	}

	st.SetCampaignStatus(ctx, "c1", domain.CampaignActive)
	c, _ := st.GetCampaign(ctx, "c1")
	end := t0.Add(-time.Hour)
	c.EndDate = &end
	st.UpdateCampaign(ctx, c)
	if e, _ := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"}); e != nil {
		t.Error("enrolled after the campaign window ended")
	}
}

func TestEnrollMissingCampaign(t *testing.T) {
	m, _ := setup(t, nil)
	_, err := m.Enroll(context.Background(), enrollment.Input{CampaignID: "nope", MemberID: "m1"})
	if !errors.Is(err, enrollment.ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestEnrollAssignsABGroupFromRNG(t *testing.T) {
	m, _ := setup(t, clock.NewSequence("B", "A"),
		domain.CampaignStep{Channel: domain.ChannelEmail},
		domain.CampaignStep{Channel: domain.ChannelEmail, IsABTest: true},
	)
	ctx := context.Background()

	e1, _ := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"})
	e2, _ := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m2"})
	if e1.ABGroup == nil || *e1.ABGroup != "B" {
		t.Errorf("m1 group = %v, want B", e1.ABGroup)
	}
	if e2.ABGroup == nil || *e2.ABGroup != "A" {
		t.Errorf("m2 group = %v, want A", e2.ABGroup)
	}
}

func TestSeededRNGIsDeterministic(t *testing.T) {
	groups := func() []string {
		m, _ := setup(t, clock.NewSeededRNG(42), domain.CampaignStep{Channel: domain.ChannelEmail, IsABTest: true})
		var out []string
		for _, id := range []string{"m1", "m2", "m3", "m4", "m5", "m6"} {
			e, err := m.Enroll(context.Background(), enrollment.Input{CampaignID: "c1", MemberID: id})
			if err != nil || e == nil {
				t.Fatalf("enroll %s: %v", id, err)
			}
			out = append(out, *e.ABGroup)
		}
		return out
	}
	a, b := groups(), groups()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded runs diverged: %v vs %v", a, b)
		}
	}
}

func TestEnrollMembersAndSegment(t *testing.T) {
	m, st := setup(t, nil, domain.CampaignStep{Channel: domain.ChannelEmail})
	ctx := context.Background()

	n, err := m.EnrollMembers(ctx, "c1", []string{"m1", "m2", "m1"})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if n != 2 {
		t.Errorf("bulk enrolled %d, want 2", n)
	}

	n, err = m.EnrollSegment(ctx, "c1", "seg-vip", []string{"m2", "m3"})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if n != 1 {
		t.Errorf("segment enrolled %d, want 1", n)
	}

	list, _, _ := st.ListByCampaign(ctx, "c1", 0, 0)
	for _, e := range list {
		if e.MemberID == "m3" && (e.TriggerReferenceID != "seg-vip" || e.TriggerReferenceType != enrollment.RefSegment) {
			t.Errorf("segment reference missing: %+v", e)
		}
	}

	if _, err := m.EnrollMembers(ctx, "missing", []string{"m1"}); !errors.Is(err, enrollment.ErrCampaignNotFound) {
		t.Errorf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	m, _ := setup(t, nil, domain.CampaignStep{Channel: domain.ChannelEmail})
	ctx := context.Background()

	e, _ := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"})
	c1, err := m.Cancel(ctx, e.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	c2, err := m.Cancel(ctx, e.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if c2.Status != domain.EnrollmentCancelled || c2.NextStepDueAt != nil || !c2.CancelledAt.Equal(*c1.CancelledAt) {
		t.Errorf("unexpected state after second cancel: %+v", c2)
	}

	if _, err := m.Cancel(ctx, "missing"); !errors.Is(err, enrollment.ErrEnrollmentNotFound) {
		t.Errorf("expected ErrEnrollmentNotFound, got %v", err)
	}
}

func TestMessagesIncludeClickLinks(t *testing.T) {
	m, st := setup(t, nil, domain.CampaignStep{Channel: domain.ChannelEmail})
	ctx := context.Background()
	e, err := m.Enroll(ctx, enrollment.Input{CampaignID: "c1", MemberID: "m1"})
	if err != nil || e == nil {
		t.Fatalf("enroll: %v", err)
	}

	sent := t0.Add(time.Hour)
	email := domain.MessageLog{ID: "l1", CampaignID: "c1", StepID: "s1", EnrollmentID: e.ID, MemberID: "m1",
		Channel: domain.ChannelEmail, Status: domain.MessageSent, SentAt: &sent, CreatedAt: sent}
	sms := domain.MessageLog{ID: "l2", CampaignID: "c1", StepID: "s2", EnrollmentID: e.ID, MemberID: "m1",
		Channel: domain.ChannelSMS, Status: domain.MessageFailed, FailureReason: "No phone number", CreatedAt: sent.Add(time.Hour)}
	st.CreateMessageLog(ctx, &email)
	st.CreateMessageLog(ctx, &sms)
	st.CreateTokens(ctx, []domain.TrackingToken{
		{Token: "o1", MessageLogID: "l1", Type: domain.TokenOpen},
		{Token: "k1", MessageLogID: "l1", Type: domain.TokenClick, TargetURL: "https://club.example/offer", Triggered: true, TriggeredAt: &sent},
		{Token: "k2", MessageLogID: "l1", Type: domain.TokenClick, TargetURL: "https://club.example/renew"},
	})

	got, err := m.Messages(ctx, e.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 2 || got[0].ID != "l1" || got[1].ID != "l2" {
		t.Fatalf("unexpected history: %+v", got)
	}
	if len(got[0].Links) != 2 {
		t.Fatalf("links = %+v, want the two click links", got[0].Links)
	}
	if !got[0].Links[0].Clicked || got[0].Links[0].URL != "https://club.example/offer" || got[0].Links[1].Clicked {
		t.Errorf("unexpected links: %+v", got[0].Links)
	}
	if got[1].Links != nil || got[1].FailureReason != "No phone number" {
		t.Errorf("unexpected sms entry: %+v", got[1])
	}

	if _, err := m.Messages(ctx, "missing"); !errors.Is(err, enrollment.ErrEnrollmentNotFound) {
		t.Errorf("expected ErrEnrollmentNotFound, got %v", err)
	}
}

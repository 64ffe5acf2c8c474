package campaign_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/repository/memory"
	"github.com/liyaqa/drip-engine/internal/service/campaign"
)

var now = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newService() (*campaign.Service, *memory.Store) {
	st := memory.New()
	return campaign.NewService(st, clock.NewFixed(now)), st
}

func emailStep(subject string) campaign.StepInput {
	return campaign.StepInput{
		Name:    subject,
		Channel: domain.ChannelEmail,
		Subject: domain.LocalizedText{EN: subject},
		Body:    domain.LocalizedText{EN: "Hello {{firstName}}"},
	}
}

func TestCreateCampaign(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	c, err := svc.Create(ctx, campaign.CreateInput{
		Name:          "Expiry reminder",
		TriggerType:   domain.TriggerDaysBeforeExpiry,
		TriggerConfig: domain.TriggerConfig{Days: 7},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.CampaignDraft {
		t.Errorf("status = %s, want DRAFT", c.Status)
	}
	if c.TriggerConfig.Days != 7 {
		t.Errorf("trigger days = %d, want 7", c.TriggerConfig.Days)
	}

	got, err := svc.Get(ctx, c.ID)
	if err != nil || got.Name != "Expiry reminder" {
		t.Fatalf("get: %v %+v", err, got)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	end := now.Add(-time.Hour)

	cases := []campaign.CreateInput{
		{Name: ""},
		{Name: "x", TriggerType: "SOMETIMES"},
		{Name: "x", StartDate: &now, EndDate: &end},
	}
	for _, in := range cases {
		if _, err := svc.Create(ctx, in); !errors.Is(err, campaign.ErrValidation) {
			t.Errorf("%+v: expected ErrValidation, got %v", in, err)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	svc, _ := newService()
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateOnlyWhenEditable(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Welcome"})

	name, desc := "Updated Name", "Updated description"
	got, err := svc.Update(ctx, c.ID, campaign.UpdateFields{Name: &name, Description: &desc})
	if err != nil {
		t.Fatalf("update draft: %v", err)
	}
	if got.Name != name || got.Description != desc {
		t.Errorf("unexpected campaign: %+v", got)
	}

	svc.AddStep(ctx, c.ID, emailStep("Day 1"))
	if _, err := svc.Activate(ctx, c.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := svc.Update(ctx, c.ID, campaign.UpdateFields{Name: &name}); !errors.Is(err, campaign.ErrNotEditable) {
		t.Errorf("expected ErrNotEditable for ACTIVE campaign, got %v", err)
	}
}

func TestDeleteOnlyDraft(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	draft, _ := svc.Create(ctx, campaign.CreateInput{Name: "Draft"})
	if err := svc.Delete(ctx, draft.ID); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := svc.Get(ctx, draft.ID); !errors.Is(err, campaign.ErrNotFound) {
		t.Errorf("deleted campaign still readable: %v", err)
	}

	active, _ := svc.Create(ctx, campaign.CreateInput{Name: "Active"})
	svc.AddStep(ctx, active.ID, emailStep("Day 1"))
	svc.Activate(ctx, active.ID)
	if err := svc.Delete(ctx, active.ID); !errors.Is(err, campaign.ErrNotEditable) {
		t.Errorf("expected ErrNotEditable, got %v", err)
	}
}

func TestActivateRequiresSteps(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Empty"})

	if _, err := svc.Activate(ctx, c.ID); !errors.Is(err, campaign.ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
	if got, _ := svc.Get(ctx, c.ID); got.Status != domain.CampaignDraft {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestStatusTransitions(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Lifecycle"})
	svc.AddStep(ctx, c.ID, emailStep("Day 1"))

	if _, err := svc.Pause(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("pause draft: expected ErrInvalidTransition, got %v", err)
	}
	steps := []struct {
		name string
		fn   func(context.Context, string) (*domain.Campaign, error)
		want domain.CampaignStatus
	}{
		{"activate", svc.Activate, domain.CampaignActive},
		{"pause", svc.Pause, domain.CampaignPaused},
		{"resume", svc.Resume, domain.CampaignActive},
	}
	for _, s := range steps {
		got, err := s.fn(ctx, c.ID)
		if err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if got.Status != s.want {
			t.Fatalf("%s: status = %s, want %s", s.name, got.Status, s.want)
		}
	}
	if _, err := svc.Resume(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("resume active: expected ErrInvalidTransition, got %v", err)
	}
}

func TestArchiveCancelsActiveEnrollments(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Win-back"})
	svc.AddStep(ctx, c.ID, emailStep("Day 1"))
	svc.Activate(ctx, c.ID)

	for _, id := range []string{"e1", "e2", "e3"} {
		e := domain.NewEnrollment(id, c.ID, "m-"+id, now, now)
		st.CreateEnrollment(ctx, &e)
	}
	done := domain.NewEnrollment("e4", c.ID, "m-e4", now, now)
	done, _ = domain.Complete(done, 1, now)
	st.CreateEnrollment(ctx, &done)

	n, err := svc.Archive(ctx, c.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled %d, want 3", n)
	}
	list, _, _ := st.ListByCampaign(ctx, c.ID, 0, 0)
	for _, e := range list {
		want := domain.EnrollmentCancelled
		if e.ID == "e4" {
			want = domain.EnrollmentCompleted
		}
		if e.Status != want {
			t.Errorf("%s: status = %s, want %s", e.ID, e.Status, want)
		}
	}
	if _, err := svc.Archive(ctx, c.ID); !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Errorf("second archive: expected ErrInvalidTransition, got %v", err)
	}
}

func TestAddStepNumbering(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Series"})

	for i, subject := range []string{"Day 1", "Day 3", "Day 7"} {
		s, err := svc.AddStep(ctx, c.ID, emailStep(subject))
		if err != nil {
			t.Fatalf("add step: %v", err)
		}
		if s.StepNumber != i+1 {
			t.Errorf("%s: step number %d, want %d", subject, s.StepNumber, i+1)
		}
	}

	if err := svc.DeleteStep(ctx, c.ID, 2); err != nil {
		t.Fatalf("delete step: %v", err)
	}
	steps, _ := svc.Steps(ctx, c.ID)
	if len(steps) != 2 || steps[0].StepNumber != 1 || steps[1].StepNumber != 2 || steps[1].Name != "Day 7" {
		t.Fatalf("steps not renumbered: %+v", steps)
	}
	if err := svc.DeleteStep(ctx, c.ID, 9); !errors.Is(err, campaign.ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound, got %v", err)
	}

	bad := emailStep("x")
	bad.Channel = "FAX"
	if _, err := svc.AddStep(ctx, c.ID, bad); !errors.Is(err, campaign.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown channel, got %v", err)
	}
}

func TestAddStepRejectedWhenActive(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Active"})
	svc.AddStep(ctx, c.ID, emailStep("Day 1"))
	svc.Activate(ctx, c.ID)

	if _, err := svc.AddStep(ctx, c.ID, emailStep("Day 2")); !errors.Is(err, campaign.ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable, got %v", err)
	}
}

func TestAddVariant(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "AB"})

	base := emailStep("Base")
	base.IsABTest = true
	svc.AddStep(ctx, c.ID, base)
	svc.AddStep(ctx, c.ID, emailStep("Plain"))

	v := emailStep("Variant B")
	v.ABVariant = "B"
	v.StepNumber = 1
	got, err := svc.AddStep(ctx, c.ID, v)
	if err != nil {
		t.Fatalf("add variant: %v", err)
	}
	if got.StepNumber != 1 || got.ABVariant != "B" || !got.IsABTest {
		t.Errorf("unexpected variant: %+v", got)
	}
	if _, err := svc.AddStep(ctx, c.ID, v); !errors.Is(err, campaign.ErrValidation) {
		t.Errorf("duplicate variant: expected ErrValidation, got %v", err)
	}

	v.StepNumber = 2
	if _, err := svc.AddStep(ctx, c.ID, v); !errors.Is(err, campaign.ErrValidation) {
		t.Errorf("variant of non-A/B step: expected ErrValidation, got %v", err)
	}
	v.StepNumber = 5
	if _, err := svc.AddStep(ctx, c.ID, v); !errors.Is(err, campaign.ErrStepNotFound) {
		t.Errorf("variant of missing step: expected ErrStepNotFound, got %v", err)
	}

	next, _ := svc.AddStep(ctx, c.ID, emailStep("Third"))
	if next.StepNumber != 3 {
		t.Errorf("variant shifted numbering: got step %d", next.StepNumber)
	}
}

func TestDuplicate(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Welcome Series", TriggerType: domain.TriggerMemberCreated})
	svc.AddStep(ctx, c.ID, emailStep("Day 1"))
	svc.AddStep(ctx, c.ID, emailStep("Day 2"))
	svc.Activate(ctx, c.ID)
	st.IncrementEnrolled(ctx, c.ID, 5)

	cp, err := svc.Duplicate(ctx, c.ID, "Welcome Series Copy")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if cp.ID == c.ID || cp.Name != "Welcome Series Copy" || cp.Status != domain.CampaignDraft {
		t.Errorf("unexpected copy: %+v", cp)
	}
	if cp.TriggerType != domain.TriggerMemberCreated || cp.EnrolledCount != 0 {
		t.Errorf("copy trigger/counters wrong: %+v", cp)
	}
	steps, _ := svc.Steps(ctx, cp.ID)
	if len(steps) != 2 {
		t.Fatalf("copied %d steps, want 2", len(steps))
	}
	for _, s := range steps {
		if s.CampaignID != cp.ID {
			t.Errorf("step %s still points at %s", s.ID, s.CampaignID)
		}
	}
}

func TestPausedCampaignStructureLocked(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Held"})
	svc.AddStep(ctx, c.ID, emailStep("Day 1"))
	svc.AddStep(ctx, c.ID, emailStep("Day 2"))
	svc.Activate(ctx, c.ID)
	if _, err := svc.Pause(ctx, c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := svc.DeleteStep(ctx, c.ID, 1); !errors.Is(err, campaign.ErrNotEditable) {
		t.Errorf("delete on paused: expected ErrNotEditable, got %v", err)
	}
	ab := emailStep("Split")
	ab.IsABTest = true
	if _, err := svc.AddStep(ctx, c.ID, ab); !errors.Is(err, campaign.ErrNotEditable) {
		t.Errorf("A/B step on paused: expected ErrNotEditable, got %v", err)
	}
	v := emailStep("Variant B")
	v.ABVariant = "B"
	v.StepNumber = 1
	if _, err := svc.AddStep(ctx, c.ID, v); !errors.Is(err, campaign.ErrNotEditable) {
		t.Errorf("variant on paused: expected ErrNotEditable, got %v", err)
	}

	// Appending keeps existing step numbers, so it is still allowed.
	s, err := svc.AddStep(ctx, c.ID, emailStep("Day 3"))
	if err != nil {
		t.Fatalf("append on paused: %v", err)
	}
	if s.StepNumber != 3 {
		t.Errorf("appended step number %d, want 3", s.StepNumber)
	}
	steps, _ := svc.Steps(ctx, c.ID)
	if len(steps) != 3 || steps[0].Name != "Day 1" {
		t.Errorf("paused campaign steps changed: %+v", steps)
	}
}

func TestUpdateStep(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	c, _ := svc.Create(ctx, campaign.CreateInput{Name: "Edit"})
	base := emailStep("Base")
	base.IsABTest = true
	svc.AddStep(ctx, c.ID, base)
	v := emailStep("Variant B")
	v.ABVariant = "B"
	v.StepNumber = 1
	svc.AddStep(ctx, c.ID, v)

	body := "Welcome back {{firstName}}"
	hours := 6
	got, err := svc.UpdateStep(ctx, c.ID, 1, "B", campaign.StepUpdate{BodyEN: &body, DelayHours: &hours})
	if err != nil {
		t.Fatalf("update variant: %v", err)
	}
	if got.ABVariant != "B" || got.Body.EN != body || got.DelayHours != 6 || got.Subject.EN != "Variant B" {
		t.Errorf("unexpected variant after update: %+v", got)
	}
	steps, _ := svc.Steps(ctx, c.ID)
	for _, st := range steps {
		if st.ABVariant == "" && st.Body.EN == body {
			t.Errorf("base step changed by variant update")
		}
	}

	fax := domain.Channel("FAX")
	if _, err := svc.UpdateStep(ctx, c.ID, 1, "", campaign.StepUpdate{Channel: &fax}); !errors.Is(err, campaign.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown channel, got %v", err)
	}
	neg := -1
	if _, err := svc.UpdateStep(ctx, c.ID, 1, "", campaign.StepUpdate{DelayDays: &neg}); !errors.Is(err, campaign.ErrValidation) {
		t.Errorf("expected ErrValidation for negative delay, got %v", err)
	}
	if _, err := svc.UpdateStep(ctx, c.ID, 4, "", campaign.StepUpdate{}); !errors.Is(err, campaign.ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound, got %v", err)
	}

	svc.Activate(ctx, c.ID)
	name := "Renamed"
	if _, err := svc.UpdateStep(ctx, c.ID, 1, "", campaign.StepUpdate{Name: &name}); !errors.Is(err, campaign.ErrNotEditable) {
		t.Errorf("expected ErrNotEditable on active campaign, got %v", err)
	}
	svc.Pause(ctx, c.ID)
	if _, err := svc.UpdateStep(ctx, c.ID, 1, "", campaign.StepUpdate{Name: &name}); err != nil {
		t.Errorf("content edit on paused campaign: %v", err)
	}
}

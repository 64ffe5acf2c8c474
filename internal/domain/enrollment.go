package domain

import (
	"errors"
	"fmt"
	"time"
)

// EnrollmentStatus enumerates the states of one member's campaign progress.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentCancelled EnrollmentStatus = "CANCELLED"
)

// ABGroups is the fixed set an enrollment's A/B group is drawn from.
var ABGroups = []string{"A", "B"}

// Transition errors.
var (
	ErrEnrollmentTerminal = errors.New("enrollment is not active")
	ErrStepRegression     = errors.New("current step cannot decrease")
	ErrABGroupAssigned    = errors.New("ab group already assigned")
)

// Enrollment is the state of one member's progress through one campaign.
// NextStepDueAt is nil iff Status is not ACTIVE.
type Enrollment struct {
	ID                   string           `json:"id" db:"id"`
	CampaignID           string           `json:"campaign_id" db:"campaign_id"`
	MemberID             string           `json:"member_id" db:"member_id"`
	Status               EnrollmentStatus `json:"status" db:"status"`
	CurrentStep          int              `json:"current_step" db:"current_step"`
	NextStepDueAt        *time.Time       `json:"next_step_due_at" db:"next_step_due_at"`
	ABGroup              *string          `json:"ab_group" db:"ab_group"`
	TriggerReferenceID   string           `json:"trigger_reference_id,omitempty" db:"trigger_reference_id"`
	TriggerReferenceType string           `json:"trigger_reference_type,omitempty" db:"trigger_reference_type"`
	EnrolledAt           time.Time        `json:"enrolled_at" db:"enrolled_at"`
	CompletedAt          *time.Time       `json:"completed_at" db:"completed_at"`
	CancelledAt          *time.Time       `json:"cancelled_at" db:"cancelled_at"`
	Version              int              `json:"-" db:"version"`
}

// IsActive reports whether the enrollment is still progressing.
func (e Enrollment) IsActive() bool {
	return e.Status == EnrollmentActive
}

// NewEnrollment returns an ACTIVE enrollment that is due for step 1 at dueAt.
func NewEnrollment(id, campaignID, memberID string, now, dueAt time.Time) Enrollment {
	due := dueAt
	return Enrollment{
		ID:            id,
		CampaignID:    campaignID,
		MemberID:      memberID,
		Status:        EnrollmentActive,
		CurrentStep:   0,
		NextStepDueAt: &due,
		EnrolledAt:    now,
	}
}

// AssignABGroup sets the A/B group. A group, once set, never changes.
func AssignABGroup(e Enrollment, group string) (Enrollment, error) {
	if e.ABGroup != nil {
		return e, ErrABGroupAssigned
	}
	g := group
	e.ABGroup = &g
	return e, nil
}

// Advance records that stepNumber has fired and schedules the next one.
func Advance(e Enrollment, stepNumber int, dueAt time.Time) (Enrollment, error) {
	if !e.IsActive() {
		return e, ErrEnrollmentTerminal
	}
	if stepNumber < e.CurrentStep {
		return e, fmt.Errorf("%w: %d -> %d", ErrStepRegression, e.CurrentStep, stepNumber)
	}
	due := dueAt
	e.CurrentStep = stepNumber
	e.NextStepDueAt = &due
	return e, nil
}

// Complete marks the enrollment finished. stepNumber is the last step that
// fired, or the current step when nothing remained to fire.
func Complete(e Enrollment, stepNumber int, now time.Time) (Enrollment, error) {
	if !e.IsActive() {
		return e, ErrEnrollmentTerminal
	}
	if stepNumber > e.CurrentStep {
		e.CurrentStep = stepNumber
	}
	t := now
	e.Status = EnrollmentCompleted
	e.NextStepDueAt = nil
	e.CompletedAt = &t
	return e, nil
}

// Cancel stops the enrollment. Cancelling a terminal enrollment returns it
// unchanged, so the call is idempotent.
func Cancel(e Enrollment, now time.Time) Enrollment {
	if !e.IsActive() {
		return e
	}
	t := now
	e.Status = EnrollmentCancelled
	e.NextStepDueAt = nil
	e.CancelledAt = &t
	return e
}

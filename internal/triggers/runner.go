// Package triggers runs the daily jobs that enroll members into campaigns
// whose trigger matches a membership event: expiring or expired
// subscriptions, birthdays, inactivity, new members and overdue invoices.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/pkg/distlock"
	"github.com/liyaqa/drip-engine/internal/pkg/logger"
	"github.com/liyaqa/drip-engine/internal/service/enrollment"
	"github.com/liyaqa/drip-engine/internal/store"
)

// Candidate is one member selected by an audience query. ReferenceID names
// the record that caused the selection (subscription, invoice) and may be
// empty.
type Candidate struct {
	MemberID    string
	ReferenceID string
}

// AudienceSource finds the members a trigger applies to on a given day.
type AudienceSource interface {
	Audience(ctx context.Context, trigger domain.TriggerType, days int, on time.Time) ([]Candidate, error)
}

// Enroller is the part of enrollment.Manager the runner needs.
type Enroller interface {
	Enroll(ctx context.Context, in enrollment.Input) (*domain.Enrollment, error)
}

// Recorder receives per-job enrollment counts. A nil Recorder is ignored.
type Recorder interface {
	TriggerEnrolled(trigger string, n int)
}

// Job is one daily trigger run.
type Job struct {
	Name    string
	Trigger domain.TriggerType
	// Days lists the trigger_days values handled by the job. Empty means
	// every campaign of the trigger type regardless of days.
	Days   []int
	Hour   int
	Minute int
	// RefType tags the resulting enrollments.
	RefType string
	// DedupeMembers enrolls each member at most once per run even when the
	// audience lists them several times.
	DedupeMembers bool
}

// DefaultJobs returns the standard daily schedule.
func DefaultJobs() []Job {
	return []Job{
		{Name: "expiry-reminder", Trigger: domain.TriggerDaysBeforeExpiry, Days: []int{30, 7, 1}, Hour: 7, RefType: "subscription"},
		{Name: "birthday", Trigger: domain.TriggerBirthday, Hour: 8, RefType: "birthday"},
		{Name: "welcome", Trigger: domain.TriggerMemberCreated, Hour: 8, Minute: 30, RefType: "member_created"},
		{Name: "payment-failed", Trigger: domain.TriggerPaymentFailed, Hour: 9, RefType: "payment_failed", DedupeMembers: true},
		{Name: "win-back", Trigger: domain.TriggerDaysAfterExpiry, Days: []int{7, 30, 90}, Hour: 10, RefType: "subscription"},
		{Name: "inactivity", Trigger: domain.TriggerDaysInactive, Days: []int{14, 30}, Hour: 11, RefType: "inactivity"},
	}
}

// Options configures a Runner. Zero values get defaults.
type Options struct {
	Jobs []Job
	// Location is the timezone job hours are expressed in.
	Location *time.Location
	// PollInterval is how often the runner checks for due jobs.
	PollInterval time.Duration
	// CatchUp is how late a job may still start after its scheduled time,
	// e.g. after a restart.
	CatchUp time.Duration
	// NewLock, when set, returns the lease a job runs under. The key names
	// the job and its local date, e.g. "birthday:2026-06-01". A successful
	// run keeps the lease, so the lease must outlive the catch-up window
	// for other instances to see the job as done.
	NewLock  func(key string) distlock.DistLock
	Clock    clock.Clock
	Recorder Recorder
}

// Runner fires the trigger jobs once per day each.
type Runner struct {
	campaigns store.CampaignStore
	audience  AudienceSource
	enroller  Enroller
	opts      Options
	log       *logger.Logger

	lastRun map[string]string // job name -> local date

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a trigger runner.
func NewRunner(campaigns store.CampaignStore, audience AudienceSource, enroller Enroller, opts Options) *Runner {
	if opts.Jobs == nil {
		opts.Jobs = DefaultJobs()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.CatchUp <= 0 {
		opts.CatchUp = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Runner{
		campaigns: campaigns,
		audience:  audience,
		enroller:  enroller,
		opts:      opts,
		log:       logger.Named("triggers"),
		lastRun:   make(map[string]string),
	}
}

// Start begins polling for due jobs.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.log.Info("starting", "jobs", len(r.opts.Jobs), "location", r.opts.Location.String())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for a running job to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	r.log.Info("stopped")
}

// Tick runs every job whose scheduled time today has passed, within the
// catch-up window, and that has not run today. Tick is not safe for
// concurrent use.
func (r *Runner) Tick(ctx context.Context) {
	now := r.opts.Clock.Now().In(r.opts.Location)
	today := now.Format("2006-01-02")

	for _, job := range r.opts.Jobs {
		if ctx.Err() != nil {
			return
		}
		if r.lastRun[job.Name] == today {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), job.Hour, job.Minute, 0, 0, r.opts.Location)
		if now.Before(at) || now.Sub(at) > r.opts.CatchUp {
			continue
		}

		err := r.runLocked(ctx, job, today)
		switch {
		case errors.Is(err, distlock.ErrNotAcquired):
			r.log.Debug("job already ran or is running elsewhere", "job", job.Name, "date", today)
		case err != nil:
			r.log.Error("job failed", "job", job.Name, "error", err)
			continue
		}
		r.lastRun[job.Name] = today
	}
}

func (r *Runner) runLocked(ctx context.Context, job Job, date string) error {
	run := func(ctx context.Context) error {
		_, err := r.RunJob(ctx, job)
		return err
	}
	if r.opts.NewLock == nil {
		return run(ctx)
	}
	return distlock.RunOnce(ctx, r.opts.NewLock(job.Name+":"+date), run)
}

// RunJob enrolls the job's audience into every ACTIVE campaign with a
// matching trigger and returns how many enrollments were created. Failures
// for one member are logged and skipped.
func (r *Runner) RunJob(ctx context.Context, job Job) (int, error) {
	days := job.Days
	if len(days) == 0 {
		days = []int{0}
	}
	now := r.opts.Clock.Now()

	total := 0
	for _, d := range days {
		campaigns, err := r.campaigns.ListActiveByTrigger(ctx, job.Trigger, d)
		if err != nil {
			return total, fmt.Errorf("list %s campaigns: %w", job.Trigger, err)
		}
		if len(campaigns) == 0 {
			r.log.Debug("no active campaigns", "job", job.Name, "days", d)
			continue
		}

		candidates, err := r.audience.Audience(ctx, job.Trigger, d, now.In(r.opts.Location))
		if err != nil {
			return total, fmt.Errorf("load %s audience: %w", job.Trigger, err)
		}
		if job.DedupeMembers {
			candidates = dedupe(candidates)
		}

		enrolled := 0
		for _, c := range campaigns {
			for _, cand := range candidates {
				if ctx.Err() != nil {
					return total + enrolled, ctx.Err()
				}
				e, err := r.enroller.Enroll(ctx, enrollment.Input{
					CampaignID:     c.ID,
					MemberID:       cand.MemberID,
					TriggerRefID:   cand.ReferenceID,
					TriggerRefType: job.RefType,
				})
				if errors.Is(err, enrollment.ErrCampaignNotFound) {
					break
				}
				if err != nil {
					r.log.Error("trigger enroll failed", "job", job.Name, "campaign_id", c.ID, "member_id", cand.MemberID, "error", err)
					continue
				}
				if e != nil {
					enrolled++
				}
			}
		}
		if enrolled > 0 {
			r.log.Info("trigger enrolled members", "job", job.Name, "days", d, "enrolled", enrolled)
		}
		total += enrolled
	}

	if r.opts.Recorder != nil {
		r.opts.Recorder.TriggerEnrolled(string(job.Trigger), total)
	}
	return total, nil
}

func dedupe(in []Candidate) []Candidate {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, c := range in {
		if seen[c.MemberID] {
			continue
		}
		seen[c.MemberID] = true
		out = append(out, c)
	}
	return out
}

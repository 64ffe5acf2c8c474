package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/liyaqa/drip-engine/internal/dispatch"
	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/clock"
	"github.com/liyaqa/drip-engine/internal/pkg/distlock"
	"github.com/liyaqa/drip-engine/internal/pkg/logger"
	"github.com/liyaqa/drip-engine/internal/store"
)

// DefaultBatchSize is the number of due enrollments fetched per pass.
const DefaultBatchSize = 100

// Recorder receives scheduler observations. A nil Recorder is ignored.
type Recorder interface {
	StepDispatched(channel domain.Channel, status domain.MessageStatus)
	EnrollmentFinished(status domain.EnrollmentStatus)
	PassFinished(processed, failed int, took time.Duration)
}

// Options configures a Scheduler. Zero values get defaults.
type Options struct {
	Interval  time.Duration
	BatchSize int

	// TrackingBaseURL is the public origin of the /t/o and /t/c endpoints.
	TrackingBaseURL string

	// StubUnsupportedChannels marks WhatsApp and push steps SENT without a
	// provider call when the gateway cannot deliver them. When false such
	// steps are logged FAILED.
	StubUnsupportedChannels bool

	// Lock, when set, is held for the duration of each pass.
	Lock distlock.DistLock

	Clock    clock.Clock
	Recorder Recorder
	NewID    func() string
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	TotalProcessed int64     `json:"total_processed"`
	TotalFailed    int64     `json:"total_failed"`
	TotalCompleted int64     `json:"total_completed"`
	TotalCancelled int64     `json:"total_cancelled"`
	LastRunAt      time.Time `json:"last_run_at"`
	Healthy        bool      `json:"healthy"`
}

// Scheduler executes due campaign steps.
type Scheduler struct {
	uow          store.UnitOfWork
	enrollments  store.EnrollmentStore
	members      store.MemberDirectory
	gateway      dispatch.Gateway
	personalizer *Personalizer
	opts         Options
	log          *logger.Logger

	totalProcessed int64
	totalFailed    int64
	totalCompleted int64
	totalCancelled int64
	lastRunAt      atomic.Value // time.Time
	healthy        atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler wires a scheduler. enrollments is used for the due-list query
// outside the per-enrollment unit of work.
func NewScheduler(uow store.UnitOfWork, enrollments store.EnrollmentStore, members store.MemberDirectory, gateway dispatch.Gateway, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	s := &Scheduler{
		uow:          uow,
		enrollments:  enrollments,
		members:      members,
		gateway:      gateway,
		personalizer: NewPersonalizer(),
		opts:         opts,
		log:          logger.Named("scheduler"),
	}
	s.healthy.Store(true)
	return s
}

// Start runs a pass every interval until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.Info("starting", "interval", s.opts.Interval.String(), "batch_size", s.opts.BatchSize)

	s.wg.Add(1)
	go s.loop()
}

// Stop cancels the loop and waits for the running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("stopped",
		"processed", atomic.LoadInt64(&s.totalProcessed),
		"failed", atomic.LoadInt64(&s.totalFailed))
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runPass(s.ctx)
		}
	}
}

// runPass executes one pass, under the lease when one is configured.
func (s *Scheduler) runPass(ctx context.Context) {
	pass := func(ctx context.Context) error {
		_, err := s.ProcessDueSteps(ctx, s.opts.BatchSize)
		return err
	}
	var err error
	if s.opts.Lock != nil {
		err = distlock.RunExclusive(ctx, s.opts.Lock, pass)
	} else {
		err = pass(ctx)
	}
	switch {
	case errors.Is(err, distlock.ErrNotAcquired):
		s.log.Debug("pass skipped, lease held elsewhere")
	case err != nil:
		s.log.Error("pass failed", "error", err)
	}
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	last, _ := s.lastRunAt.Load().(time.Time)
	return Stats{
		TotalProcessed: atomic.LoadInt64(&s.totalProcessed),
		TotalFailed:    atomic.LoadInt64(&s.totalFailed),
		TotalCompleted: atomic.LoadInt64(&s.totalCompleted),
		TotalCancelled: atomic.LoadInt64(&s.totalCancelled),
		LastRunAt:      last,
		Healthy:        s.healthy.Load(),
	}
}

// IsHealthy reports whether the last due-list query succeeded.
func (s *Scheduler) IsHealthy() bool { return s.healthy.Load() }

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAdvanced
	outcomeCompleted
	outcomeCancelled
)

// ProcessDueSteps executes the next step of up to batchSize due enrollments.
// A failure on one enrollment is logged and counted without aborting the
// batch. It returns the number of enrollments handled.
func (s *Scheduler) ProcessDueSteps(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	started := s.opts.Clock.Now()
	s.lastRunAt.Store(started)

	due, err := s.enrollments.ListDue(ctx, started, batchSize)
	if err != nil {
		s.healthy.Store(false)
		return 0, fmt.Errorf("list due enrollments: %w", err)
	}
	s.healthy.Store(true)

	processed, failed := 0, 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		var res outcome
		err := s.uow.WithinTx(ctx, func(ctx context.Context, st store.Stores) error {
			var err error
			res, err = s.processEnrollment(ctx, st, e.ID)
			return err
		})
		if err != nil {
			failed++
			atomic.AddInt64(&s.totalFailed, 1)
			s.log.Error("enrollment step failed", "enrollment_id", e.ID, "campaign_id", e.CampaignID, "error", err)
			continue
		}
		switch res {
		case outcomeSkipped:
			continue
		case outcomeCompleted:
			atomic.AddInt64(&s.totalCompleted, 1)
			s.recordFinished(domain.EnrollmentCompleted)
		case outcomeCancelled:
			atomic.AddInt64(&s.totalCancelled, 1)
			s.recordFinished(domain.EnrollmentCancelled)
		}
		processed++
		atomic.AddInt64(&s.totalProcessed, 1)
	}

	if s.opts.Recorder != nil {
		s.opts.Recorder.PassFinished(processed, failed, time.Since(started))
	}
	if processed > 0 || failed > 0 {
		s.log.Info("processed campaign steps", "processed", processed, "failed", failed)
	}
	return processed, nil
}

func (s *Scheduler) recordFinished(status domain.EnrollmentStatus) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.EnrollmentFinished(status)
	}
}

// processEnrollment runs one enrollment's next step inside a unit of work.
func (s *Scheduler) processEnrollment(ctx context.Context, st store.Stores, id string) (outcome, error) {
	now := s.opts.Clock.Now()

	e, err := st.Enrollments.ClaimDue(ctx, id, now)
	if errors.Is(err, store.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, fmt.Errorf("claim enrollment: %w", err)
	}

	campaign, err := st.Campaigns.GetCampaign(ctx, e.CampaignID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return outcomeSkipped, fmt.Errorf("load campaign: %w", err)
	}
	if campaign != nil && campaign.Status == domain.CampaignPaused {
		return outcomeSkipped, nil
	}
	if campaign == nil || !campaign.IsRunning() {
		s.log.Info("cancelling enrollment, campaign not running", "enrollment_id", e.ID, "campaign_id", e.CampaignID)
		return s.cancelEnrollment(ctx, st, *e, now)
	}

	member, err := s.members.GetMember(ctx, e.MemberID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return outcomeSkipped, fmt.Errorf("load member: %w", err)
	}
	if member == nil {
		s.log.Info("cancelling enrollment, member not found", "enrollment_id", e.ID, "member_id", e.MemberID)
		return s.cancelEnrollment(ctx, st, *e, now)
	}

	steps, err := st.Steps.ListActiveSteps(ctx, campaign.ID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("load steps: %w", err)
	}
	stepNumber := e.CurrentStep + 1
	step := findStep(steps, stepNumber)
	if step == nil {
		return s.completeEnrollment(ctx, st, *e, e.CurrentStep, now)
	}

	var variants []domain.CampaignStep
	if step.IsABTest && e.ABGroup != nil {
		variants, err = st.Steps.ListVariants(ctx, campaign.ID, stepNumber)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("load variants: %w", err)
		}
	}
	resolved := SelectVariant(*step, variants, e.ABGroup)

	if err := s.executeStep(ctx, st, *e, campaign, member, resolved, now); err != nil {
		return outcomeSkipped, err
	}

	following := nextStepAfter(steps, stepNumber)
	if following == nil {
		return s.completeEnrollment(ctx, st, *e, stepNumber, now)
	}
	advanced, err := domain.Advance(*e, stepNumber, now.Add(following.TotalDelay()))
	if err != nil {
		return outcomeSkipped, err
	}
	if err := st.Enrollments.UpdateEnrollment(ctx, &advanced); err != nil {
		return outcomeSkipped, fmt.Errorf("update enrollment: %w", err)
	}
	return outcomeAdvanced, nil
}

func (s *Scheduler) cancelEnrollment(ctx context.Context, st store.Stores, e domain.Enrollment, now time.Time) (outcome, error) {
	cancelled := domain.Cancel(e, now)
	if err := st.Enrollments.UpdateEnrollment(ctx, &cancelled); err != nil {
		return outcomeSkipped, fmt.Errorf("cancel enrollment: %w", err)
	}
	return outcomeCancelled, nil
}

func (s *Scheduler) completeEnrollment(ctx context.Context, st store.Stores, e domain.Enrollment, stepNumber int, now time.Time) (outcome, error) {
	done, err := domain.Complete(e, stepNumber, now)
	if err != nil {
		return outcomeSkipped, err
	}
	if err := st.Enrollments.UpdateEnrollment(ctx, &done); err != nil {
		return outcomeSkipped, fmt.Errorf("complete enrollment: %w", err)
	}
	if err := st.Campaigns.IncrementCompleted(ctx, e.CampaignID, 1); err != nil {
		return outcomeSkipped, fmt.Errorf("increment completed: %w", err)
	}
	s.log.Info("completed enrollment", "enrollment_id", e.ID, "campaign_id", e.CampaignID)
	return outcomeCompleted, nil
}

func findStep(steps []domain.CampaignStep, number int) *domain.CampaignStep {
	for i := range steps {
		if steps[i].StepNumber == number {
			return &steps[i]
		}
	}
	return nil
}

// nextStepAfter returns the step with the smallest number greater than number.
func nextStepAfter(steps []domain.CampaignStep, number int) *domain.CampaignStep {
	var next *domain.CampaignStep
	for i := range steps {
		if steps[i].StepNumber > number && (next == nil || steps[i].StepNumber < next.StepNumber) {
			next = &steps[i]
		}
	}
	return next
}

// Package scheduler durably stores future triggers and fires them from
// in-process timers with bounded retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/conductor/internal/domain"
	"github.com/ashureev/conductor/internal/shared"
	"github.com/ashureev/conductor/internal/store"
)

// DeliverFunc sends notification content to an owner.
type DeliverFunc func(ctx context.Context, ownerID, content string) error

// ReinvokeFunc re-enters the orchestrator on behalf of an owner.
type ReinvokeFunc func(ctx context.Context, ownerID, command string, payload map[string]any) error

// Config holds retry configuration.
type Config struct {
	// BaseDelay is the wait before the first retry; each retry doubles it.
	BaseDelay time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
}

// DefaultConfig returns 1s base delay with 3 retries.
func DefaultConfig() Config {
	return Config{BaseDelay: time.Second, MaxRetries: 3}
}

// Scheduler persists jobs and arms one timer per unsent job.
type Scheduler struct {
	repo     store.JobRepository
	deliver  DeliverFunc
	reinvoke ReinvokeFunc
	cfg      Config
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSleeper replaces the retry sleeper.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// WithClock replaces the time source used to compute timer delays.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler. Call Restore once at startup and Stop on shutdown.
func New(repo store.JobRepository, deliver DeliverFunc, reinvoke ReinvokeFunc, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		repo:     repo,
		deliver:  deliver,
		reinvoke: reinvoke,
		cfg:      cfg,
		logger:   logger,
		sleep:    shared.Sleep,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule persists a job and arms its timer.
func (s *Scheduler) Schedule(ctx context.Context, ownerID string, triggerAt time.Time, kind domain.JobKind, command string, payload map[string]any) (string, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", newError(ErrorInvalidInput, "schedule", "", errors.New("owner is required"))
	}
	if triggerAt.IsZero() {
		return "", newError(ErrorInvalidInput, "schedule", "", errors.New("trigger time is required"))
	}
	if kind != domain.JobKindNotification && kind != domain.JobKindReinvoke {
		return "", newError(ErrorInvalidInput, "schedule", "", fmt.Errorf("unknown job kind %q", kind))
	}
	if s.isStopped() {
		return "", newError(ErrorStopped, "schedule", "", nil)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", newError(ErrorStore, "schedule", "", fmt.Errorf("generate job id: %w", err))
	}
	job := &domain.ScheduledJob{
		ID:        id.String(),
		OwnerID:   ownerID,
		TriggerAt: triggerAt.UTC(),
		Kind:      kind,
		Command:   command,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.InsertJob(ctx, job); err != nil {
		return "", newError(ErrorStore, "schedule", job.ID, err)
	}
	s.arm(job)

	s.logger.Info("Job scheduled",
		"job_id", job.ID,
		"owner_id", ownerID,
		"kind", kind,
		"trigger_at", job.TriggerAt)
	return job.ID, nil
}

// Cancel deletes an owner's job and disarms its timer. It reports whether the
// durable record existed, even when no timer was armed in this process.
func (s *Scheduler) Cancel(ctx context.Context, ownerID, jobID string) (bool, error) {
	deleted, err := s.repo.DeleteJob(ctx, ownerID, jobID)
	if err != nil {
		return false, newError(ErrorStore, "cancel", jobID, err)
	}
	if !deleted {
		return false, nil
	}

	s.mu.Lock()
	timer, armed := s.timers[jobID]
	if armed {
		s.disarmLocked(jobID, timer)
	}
	s.mu.Unlock()

	s.logger.Info("Job cancelled", "job_id", jobID, "owner_id", ownerID, "timer_found", armed)
	return true, nil
}

// Restore re-arms every unsent job. Jobs whose trigger time passed while the
// process was down fire immediately.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListUnsentJobs(ctx)
	if err != nil {
		return 0, newError(ErrorStore, "restore", "", err)
	}
	now := s.now()
	overdue := 0
	for _, job := range jobs {
		if job.Due(now) {
			overdue++
		}
		s.arm(job)
	}
	s.logger.Info("Scheduler restored jobs", "count", len(jobs), "overdue", overdue)
	return len(jobs), nil
}

// Pending lists an owner's unsent jobs.
func (s *Scheduler) Pending(ctx context.Context, ownerID string) ([]*domain.ScheduledJob, error) {
	jobs, err := s.repo.ListPendingJobs(ctx, ownerID)
	if err != nil {
		return nil, newError(ErrorStore, "pending", "", err)
	}
	return jobs, nil
}

// Armed returns the number of timers currently armed.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer and waits for in-flight fires to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, timer := range s.timers {
		s.disarmLocked(id, timer)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) arm(job *domain.ScheduledJob) {
	delay := job.TriggerAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	id := job.ID

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.timers[id]; ok {
		s.disarmLocked(id, existing)
	}
	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.timers[id] == timer {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		s.fireByID(id)
	})
	s.timers[id] = timer
}

// disarmLocked stops a timer. A timer stopped before firing never runs its
// function, so its wait-group slot is released here. Callers hold s.mu.
func (s *Scheduler) disarmLocked(id string, timer *time.Timer) {
	if timer.Stop() {
		s.wg.Done()
	}
	delete(s.timers, id)
}

// fireByID reloads the job so that cancellations and deliveries completed
// elsewhere are observed before firing.
func (s *Scheduler) fireByID(id string) {
	if s.ctx.Err() != nil {
		return
	}
	job, err := s.repo.GetJob(s.ctx, id)
	if err != nil {
		s.logger.Error("Failed to load job for firing", "job_id", id, "error", err)
		return
	}
	if job == nil || job.Sent {
		s.logger.Debug("Skipping job that was cancelled or already sent", "job_id", id)
		return
	}
	_ = s.Fire(s.ctx, job)
}

// Fire runs the job's callback. A failing callback is retried MaxRetries
// times with delays BaseDelay, 2*BaseDelay, 4*BaseDelay and so on. After the
// last failure the job stays unsent and is not retried again.
func (s *Scheduler) Fire(ctx context.Context, job *domain.ScheduledJob) error {
	attempts := s.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = s.invoke(ctx, job)
		if lastErr == nil {
			break
		}
		if attempt == attempts-1 {
			break
		}
		delay := shared.Backoff(s.cfg.BaseDelay, attempt)
		s.logger.Warn("Job delivery failed, retrying",
			"job_id", job.ID,
			"owner_id", job.OwnerID,
			"attempt", attempt+1,
			"delay", delay,
			"error", lastErr)
		if err := s.sleep(ctx, delay); err != nil {
			return newError(ErrorStopped, "fire", job.ID, err)
		}
	}

	if lastErr != nil {
		s.logger.Error("Job delivery failed permanently",
			"job_id", job.ID,
			"owner_id", job.OwnerID,
			"attempts", attempts,
			"error", lastErr)
		return newError(ErrorDelivery, "fire", job.ID, fmt.Errorf("%w: %w", ErrDeliveryFailure, lastErr))
	}

	marked, err := s.repo.MarkJobSent(ctx, job.ID)
	if err != nil {
		s.logger.Error("Failed to mark job sent", "job_id", job.ID, "error", err)
		return newError(ErrorStore, "fire", job.ID, err)
	}
	if !marked {
		s.logger.Debug("Job was already sent or removed", "job_id", job.ID)
	}
	job.Sent = true
	s.logger.Info("Job fired", "job_id", job.ID, "owner_id", job.OwnerID, "kind", job.Kind)
	return nil
}

func (s *Scheduler) invoke(ctx context.Context, job *domain.ScheduledJob) error {
	switch job.Kind {
	case domain.JobKindReinvoke:
		if s.reinvoke == nil {
			return errors.New("no reinvoke callback configured")
		}
		return s.reinvoke(ctx, job.OwnerID, job.Command, job.Payload)
	default:
		if s.deliver == nil {
			return errors.New("no delivery callback configured")
		}
		return s.deliver(ctx, job.OwnerID, job.Command)
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/formbroker/internal/config"
	"github.com/mattjoyce/formbroker/internal/events"
	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/queue"
)

// Timer is the refresh schedule of one form.
type Timer struct {
	FormID int64              `json:"form_id"`
	Policy form.RefreshPolicy `json:"policy"`
	Next   time.Time          `json:"next"`
}

// Scheduler keeps per-form refresh timers and turns due timers into queued
// refresh jobs.
type Scheduler struct {
	cfg    *config.Config
	queue  QueueService
	events *events.Hub
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[int64]*Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Scheduler instance.
func New(cfg *config.Config, q QueueService, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		cfg:    cfg,
		queue:  q,
		events: hub,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		timers: make(map[int64]*Timer),
		stopCh: make(chan struct{}),
	}
}

// Start performs crash recovery and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler")

	if err := s.recoverOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
		s.wg.Wait()
		s.logger.Info("Scheduler stopped")
	})
}

// AddTimer (re)schedules formID. An inactive policy removes the timer.
func (s *Scheduler) AddTimer(formID int64, policy form.RefreshPolicy) error {
	if formID == 0 {
		return fmt.Errorf("form id is empty")
	}
	if !policy.Valid() {
		return form.Errorf(form.CodeInvalidParam, "refresh policy for form %d sets both interval and time of day", formID)
	}
	if !policy.Active() {
		s.RemoveTimer(formID)
		return nil
	}
	if policy.Duration > 0 && policy.Duration < s.cfg.Refresh.MinInterval {
		policy.Duration = s.cfg.Refresh.MinInterval
	}

	now := s.now()
	t := &Timer{FormID: formID, Policy: policy, Next: s.nextRun(policy, now)}

	s.mu.Lock()
	s.timers[formID] = t
	s.mu.Unlock()

	s.logger.Debug("Refresh timer set", "form_id", formID, "next", t.Next)
	return nil
}

// RemoveTimer drops the timer of formID.
func (s *Scheduler) RemoveTimer(formID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[formID]
	delete(s.timers, formID)
	return ok
}

// Timers returns a snapshot of every timer ordered by form id.
func (s *Scheduler) Timers() []Timer {
	s.mu.Lock()
	out := make([]Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FormID < out[j].FormID })
	return out
}

func (s *Scheduler) nextRun(p form.RefreshPolicy, now time.Time) time.Time {
	if p.AtSet {
		return nextDaily(now, p.AtHour, p.AtMin)
	}
	return now.Add(calculateJitteredInterval(p.Duration, s.cfg.Refresh.Jitter))
}

// nextDaily returns the first hour:min strictly after now, in now's location.
func nextDaily(now time.Time, hour, min int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// tickLoop is the main scheduling loop.
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Service.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick enqueues a refresh for every due timer and advances it.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.logger.Debug("Scheduler tick")
	s.events.Publish("scheduler.tick", map[string]any{
		"at": now.UTC(),
	})

	s.mu.Lock()
	var due []Timer
	for _, t := range s.timers {
		if t.Next.After(now) {
			continue
		}
		due = append(due, *t)
		t.Next = s.nextRun(t.Policy, now)
	}
	s.mu.Unlock()
	// Deterministic order keeps enqueue order stable for tests.
	sort.Slice(due, func(i, j int) bool { return due[i].FormID < due[j].FormID })

	for _, t := range due {
		if err := s.enqueueRefresh(ctx, t); err != nil {
			s.logger.Error("Failed to enqueue refresh", "form_id", t.FormID, "error", err)
		}
	}

	if s.cfg.Refresh.Retention > 0 {
		if err := s.queue.PruneCompleted(ctx, s.cfg.Refresh.Retention); err != nil {
			s.logger.Error("Failed to prune refresh jobs", "error", err)
		}
	}
}

func (s *Scheduler) enqueueRefresh(ctx context.Context, t Timer) error {
	dedupeKey := queue.RefreshDedupeKey(t.FormID)
	reason := queue.ReasonInterval
	if t.Policy.AtSet {
		reason = queue.ReasonDaily
	}

	jobID, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		FormID:      t.FormID,
		Reason:      reason,
		MaxAttempts: s.cfg.Refresh.MaxAttempts,
		DedupeKey:   &dedupeKey,
	})
	if err != nil {
		var dedupeErr *queue.DedupeDropError
		if errors.As(err, &dedupeErr) {
			s.logger.Info(
				"Skipped refresh enqueue due to dedupe hit",
				"form_id", t.FormID,
				"dedupe_key", dedupeErr.DedupeKey,
				"existing_job_id", dedupeErr.ExistingJobID,
			)
			return nil
		}
		return fmt.Errorf("enqueue refresh for form %d: %w", t.FormID, err)
	}
	s.events.Publish("scheduler.scheduled", map[string]any{
		"job_id":  jobID,
		"form_id": t.FormID,
		"reason":  reason,
	})
	s.logger.Info("Enqueued refresh job", "form_id", t.FormID, "job_id", jobID, "reason", reason)
	return nil
}

// recoverOrphanedJobs scans for and recovers jobs marked as "running" at startup.
func (s *Scheduler) recoverOrphanedJobs(ctx context.Context) error {
	s.logger.Info("Performing crash recovery for orphaned refresh jobs")

	runningJobs, err := s.queue.FindJobsByStatus(ctx, queue.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to find running jobs for recovery: %w", err)
	}

	if len(runningJobs) == 0 {
		s.logger.Info("No orphaned jobs found.")
		return nil
	}

	s.logger.Warn("Found orphaned jobs, attempting recovery", "count", len(runningJobs))

	for _, job := range runningJobs {
		job.Attempt++

		var newStatus queue.Status
		var lastErrorMsg string

		if job.Attempt <= job.MaxAttempts {
			newStatus = queue.StatusQueued
			s.logger.Warn(
				"Re-queueing orphaned job",
				"job_id", job.ID,
				"form_id", job.FormID,
				"new_attempt", job.Attempt,
			)
		} else {
			newStatus = queue.StatusDead
			lastErrorMsg = fmt.Sprintf("Job marked dead during crash recovery: max attempts (%d) reached", job.MaxAttempts)
			s.logger.Error(
				"Marking orphaned job as dead (max attempts reached)",
				"job_id", job.ID,
				"form_id", job.FormID,
				"final_attempt", job.Attempt,
				"error", lastErrorMsg,
			)
		}

		if err := s.queue.UpdateJobForRecovery(ctx, job.ID, newStatus, job.Attempt, lastErrorMsg); err != nil {
			s.logger.Error(
				"Failed to update orphaned job during recovery",
				"job_id", job.ID,
				"error", err,
				"desired_status", newStatus,
			)
		}
	}

	return nil
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	randomJitter := time.Duration(rand.Int63n(jitter.Nanoseconds()))
	return baseInterval + randomJitter
}

package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sched "github.com/goclaw/gateway/internal/scheduler"
)

// RunFunc executes one job's payload through the agent and returns an
// error on failure. The scheduler treats any non-nil error as a failed
// run for backoff/auto-disable purposes regardless of its origin
// (provider error, delivery error, or a canceled context on timeout).
type RunFunc func(ctx context.Context, job *CronJob) error

// Scheduler runs jobs from a Store on a single re-arming timer.
type Scheduler struct {
	store *Store
	run   RunFunc
	lanes *sched.Scheduler
	log   *slog.Logger

	jobTimeout time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped chan struct{}
}

// NewScheduler builds a cron scheduler over store, dispatching due jobs
// to run via the "cron" lane of lanes.
func NewScheduler(store *Store, lanes *sched.Scheduler, run RunFunc, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:      store,
		run:        run,
		lanes:      lanes,
		log:        log,
		jobTimeout: DefaultJobTimeout,
		stopped:    make(chan struct{}),
	}
}

// Start performs startup catch-up (fire anything overdue, recompute next
// runs for everything else) and arms the re-arming timer. Start returns
// once the initial catch-up pass has completed; the timer loop continues
// in the background until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.clearStuckRuns()
	if err := s.recomputeNextRunsForMaintenance(time.Now()); err != nil {
		return fmt.Errorf("cron: startup recompute: %w", err)
	}
	s.runDueJobs(ctx)
	go s.loop(ctx)
	return nil
}

// Stop halts the timer loop.
func (s *Scheduler) Stop() {
	close(s.stopped)
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		delay := s.nextTimerDelay()
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			s.runDueJobs(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopped:
			timer.Stop()
			return
		}
	}
}

// nextTimerDelay returns how long to sleep until the next due job,
// bounded by MaxTimerDelay so the loop always wakes to re-check even if
// the store is empty or every job is disabled.
func (s *Scheduler) nextTimerDelay() time.Duration {
	now := time.Now()
	soonest := now.Add(MaxTimerDelay)
	for _, j := range s.store.List() {
		if j.Disabled || j.NextRunAtMs == 0 {
			continue
		}
		next := time.UnixMilli(j.NextRunAtMs)
		if next.Before(soonest) {
			soonest = next
		}
	}
	delay := soonest.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if delay > MaxTimerDelay {
		delay = MaxTimerDelay
	}
	return delay
}

// runDueJobs fires every enabled job whose NextRunAtMs has arrived.
func (s *Scheduler) runDueJobs(ctx context.Context) {
	now := time.Now()
	for _, j := range s.store.List() {
		if j.Disabled || j.NextRunAtMs == 0 {
			continue
		}
		if j.RunningAtMs != 0 {
			continue // already in flight (or stuck, cleared on next maintenance pass)
		}
		if time.UnixMilli(j.NextRunAtMs).After(now) {
			continue
		}
		s.fire(ctx, j.ID)
	}
}

// fire marks a job running, dispatches it through the cron concurrency
// lane, and applies the result once it completes.
func (s *Scheduler) fire(ctx context.Context, jobID string) {
	if err := s.store.Mutate(jobID, func(j *CronJob) error {
		j.RunningAtMs = time.Now().UnixMilli()
		return nil
	}); err != nil {
		s.log.Warn("cron: mark running failed", "job", jobID, "error", err)
		return
	}

	job, ok := s.store.Get(jobID)
	if !ok {
		return
	}

	go func() {
		runCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()

		_, err := sched.Schedule(runCtx, s.lanes, sched.LaneCron, job, func(c context.Context, j *CronJob) (struct{}, error) {
			return struct{}{}, s.run(c, j)
		})

		s.applyJobResult(job.ID, err)
	}()
}

// applyJobResult records the outcome of a run: success resets the error
// streak and reschedules; failure increments the streak, applies
// BackoffForConsecutiveErrors, and auto-disables at MaxScheduleErrors. A
// one-shot (ScheduleAt) job is always disabled after a terminal outcome,
// with optional deletion if DeleteAfterRun is set.
func (s *Scheduler) applyJobResult(jobID string, runErr error) {
	now := time.Now()
	var shouldDelete bool

	err := s.store.Mutate(jobID, func(j *CronJob) error {
		j.RunningAtMs = 0
		j.LastRunAtMs = now.UnixMilli()
		j.UpdatedAtMs = now.UnixMilli()

		if runErr != nil {
			j.ConsecutiveErrors++
			j.LastError = runErr.Error()
			if runErr == context.DeadlineExceeded || runErr == context.Canceled {
				j.LastStatus = StatusAborted
			} else {
				j.LastStatus = StatusError
			}

			if j.ConsecutiveErrors >= MaxScheduleErrors {
				j.Disabled = true
				j.NextRunAtMs = 0
				return nil
			}

			next := now.Add(BackoffForConsecutiveErrors(j.ConsecutiveErrors))
			j.NextRunAtMs = next.UnixMilli()
			return nil
		}

		j.ConsecutiveErrors = 0
		j.LastError = ""
		j.LastStatus = StatusOK

		if j.Schedule.Kind == ScheduleAt {
			j.Disabled = true
			j.NextRunAtMs = 0
			shouldDelete = j.DeleteAfterRun
			return nil
		}

		next, computeErr := ComputeNextRun(j, now)
		if computeErr != nil {
			j.Disabled = true
			j.NextRunAtMs = 0
			j.LastError = computeErr.Error()
			return nil
		}
		j.NextRunAtMs = next.UnixMilli()
		return nil
	})
	if err != nil {
		s.log.Warn("cron: apply job result failed", "job", jobID, "error", err)
		return
	}

	if shouldDelete {
		if err := s.store.Delete(jobID); err != nil {
			s.log.Warn("cron: delete completed one-shot job failed", "job", jobID, "error", err)
		}
	}
}

// clearStuckRuns resets RunningAtMs on any job whose run has exceeded
// StuckRunThreshold without completing — evidence of a crash mid-run in a
// previous process, not an actual concurrent execution.
func (s *Scheduler) clearStuckRuns() {
	now := time.Now()
	_ = s.store.WithAll(func(jobs map[string]*CronJob) {
		for _, j := range jobs {
			if j.RunningAtMs == 0 {
				continue
			}
			if now.Sub(time.UnixMilli(j.RunningAtMs)) > StuckRunThreshold {
				j.LastStatus = StatusStuck
				j.RunningAtMs = 0
				j.UpdatedAtMs = now.UnixMilli()
			}
		}
	})
}

// recomputeNextRunsForMaintenance fills in NextRunAtMs for any enabled
// job that doesn't have one yet (new jobs, or jobs that lost it across a
// schema change). It deliberately does NOT touch a job whose NextRunAtMs
// is already set and in the past — a job overdue at startup is meant to
// fire via runDueJobs on the very next tick, not get silently pushed
// forward to "now" by a maintenance pass that runs before the catch-up
// loop. Advancing it here would make a long-offline gateway skip every
// run that piled up while it was down instead of running the most recent
// one immediately.
func (s *Scheduler) recomputeNextRunsForMaintenance(now time.Time) error {
	return s.store.WithAll(func(jobs map[string]*CronJob) {
		for _, j := range jobs {
			if j.Disabled {
				continue
			}
			if j.NextRunAtMs != 0 {
				continue
			}
			next, err := ComputeNextRun(j, now)
			if err != nil {
				j.Disabled = true
				j.LastError = err.Error()
				continue
			}
			j.NextRunAtMs = next.UnixMilli()
		}
	})
}

// RunNow triggers an immediate out-of-band run of a job regardless of its
// NextRunAtMs, honoring the same concurrency guard as a scheduled fire
// (a job already RunningAtMs != 0 is rejected).
func (s *Scheduler) RunNow(ctx context.Context, jobID string) error {
	job, ok := s.store.Get(jobID)
	if !ok {
		return fmt.Errorf("cron: job %q not found", jobID)
	}
	if job.RunningAtMs != 0 {
		return fmt.Errorf("cron: job %q is already running", jobID)
	}
	s.fire(ctx, jobID)
	return nil
}

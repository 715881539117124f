package cron

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/adhocore/gronx"
)

// staggerFor returns the per-job stagger offset for cron-kind schedules:
// hash(jobID) mod staggerMs (default DefaultStaggerMs), so many jobs
// sharing one cron expression don't all wake on the same tick.
func staggerFor(job *CronJob) time.Duration {
	ms := job.StaggerMs
	if ms <= 0 {
		ms = DefaultStaggerMs
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(job.ID))
	offset := int64(h.Sum32()) % ms
	if offset < 0 {
		offset = -offset
	}
	return time.Duration(offset) * time.Millisecond
}

// ComputeNextRun returns the next fire time for job after `after`,
// applying the cron-kind stagger. ScheduleAt jobs with an already-past
// AtMs return the zero time and a non-nil error (one-shot exhausted).
func ComputeNextRun(job *CronJob, after time.Time) (time.Time, error) {
	switch job.Schedule.Kind {
	case ScheduleAt:
		at := time.UnixMilli(job.Schedule.AtMs).UTC()
		if !at.After(after) {
			return time.Time{}, fmt.Errorf("cron: one-shot job %q's at-time has passed", job.ID)
		}
		return at, nil

	case ScheduleEvery:
		if job.Schedule.EveryMs <= 0 {
			return time.Time{}, fmt.Errorf("cron: job %q has non-positive everyMs", job.ID)
		}
		interval := time.Duration(job.Schedule.EveryMs) * time.Millisecond
		if job.LastRunAtMs == 0 {
			return after.Add(interval), nil
		}
		last := time.UnixMilli(job.LastRunAtMs).UTC()
		next := last.Add(interval)
		for !next.After(after) {
			next = next.Add(interval)
		}
		return next, nil

	case ScheduleCron:
		if job.Schedule.CronExpr == "" {
			return time.Time{}, fmt.Errorf("cron: job %q has empty cron expression", job.ID)
		}
		if !gronx.IsValid(job.Schedule.CronExpr) {
			return time.Time{}, fmt.Errorf("cron: job %q has invalid cron expression %q", job.ID, job.Schedule.CronExpr)
		}
		next, err := gronx.NextTickAfter(job.Schedule.CronExpr, after, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron: compute next tick for job %q: %w", job.ID, err)
		}
		stagger := staggerFor(job)
		next = next.Add(stagger)
		minNext := after.Add(MinCronRefireGap)
		if next.Before(minNext) {
			next = minNext
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("cron: job %q has unknown schedule kind %q", job.ID, job.Schedule.Kind)
	}
}

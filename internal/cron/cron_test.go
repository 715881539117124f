package cron

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sched "github.com/goclaw/gateway/internal/scheduler"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := NewStore(filepath.Join(dir, "cron.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func TestStoreUpsertPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cron.json")
	st, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	job := &CronJob{ID: "job1", AgentID: "main", Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000}}
	if err := st.Upsert(job); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload NewStore: %v", err)
	}
	got, ok := reloaded.Get("job1")
	if !ok {
		t.Fatalf("expected job1 to persist")
	}
	if got.Schedule.EveryMs != 60_000 {
		t.Fatalf("unexpected everyMs: %d", got.Schedule.EveryMs)
	}
}

func TestComputeNextRunEveryFromLastRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job := &CronJob{
		ID:          "every1",
		Schedule:    Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		LastRunAtMs: now.Add(-30 * time.Second).UnixMilli(),
	}
	next, err := ComputeNextRun(job, now)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	want := now.Add(30 * time.Second)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestComputeNextRunAtExhaustedAfterPassing(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job := &CronJob{ID: "at1", Schedule: Schedule{Kind: ScheduleAt, AtMs: now.Add(-time.Minute).UnixMilli()}}
	if _, err := ComputeNextRun(job, now); err == nil {
		t.Fatalf("expected error for a past at-time")
	}
}

func TestComputeNextRunCronAppliesStaggerAndMinGap(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	job := &CronJob{ID: "cron1", Schedule: Schedule{Kind: ScheduleCron, CronExpr: "* * * * *"}}
	next, err := ComputeNextRun(job, now)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	if !next.After(now.Add(MinCronRefireGap - time.Millisecond)) {
		t.Fatalf("expected next run to respect min refire gap, got %v vs now %v", next, now)
	}
}

func TestBackoffForConsecutiveErrorsCapsAtLastEntry(t *testing.T) {
	if got := BackoffForConsecutiveErrors(1); got != 30*time.Second {
		t.Fatalf("backoff(1) = %v, want 30s", got)
	}
	if got := BackoffForConsecutiveErrors(100); got != BackoffSchedule[len(BackoffSchedule)-1] {
		t.Fatalf("backoff(100) should cap at last entry, got %v", got)
	}
}

func TestApplyJobResultAutoDisablesAtMaxScheduleErrors(t *testing.T) {
	st := newTestStore(t)
	job := &CronJob{ID: "j1", Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000}, ConsecutiveErrors: MaxScheduleErrors - 1}
	if err := st.Upsert(job); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	s := NewScheduler(st, sched.New(), func(ctx context.Context, j *CronJob) error {
		return errors.New("boom")
	}, nil)

	s.applyJobResult("j1", errors.New("boom"))

	got, _ := st.Get("j1")
	if !got.Disabled {
		t.Fatalf("expected job to be auto-disabled after reaching MaxScheduleErrors")
	}
	if got.ConsecutiveErrors != MaxScheduleErrors {
		t.Fatalf("expected ConsecutiveErrors=%d, got %d", MaxScheduleErrors, got.ConsecutiveErrors)
	}
}

func TestApplyJobResultOneShotDisabledAfterSuccess(t *testing.T) {
	st := newTestStore(t)
	job := &CronJob{ID: "at1", Schedule: Schedule{Kind: ScheduleAt, AtMs: time.Now().UnixMilli()}}
	if err := st.Upsert(job); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	s := NewScheduler(st, sched.New(), func(ctx context.Context, j *CronJob) error { return nil }, nil)
	s.applyJobResult("at1", nil)

	got, _ := st.Get("at1")
	if !got.Disabled {
		t.Fatalf("expected one-shot job to be disabled after a terminal success")
	}
}

func TestRecomputeNextRunsForMaintenanceDoesNotAdvancePastDueJob(t *testing.T) {
	st := newTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pastDue := now.Add(-time.Hour).UnixMilli()
	job := &CronJob{ID: "late1", Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000}, NextRunAtMs: pastDue}
	if err := st.Upsert(job); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	s := NewScheduler(st, sched.New(), func(ctx context.Context, j *CronJob) error { return nil }, nil)
	if err := s.recomputeNextRunsForMaintenance(now); err != nil {
		t.Fatalf("recomputeNextRunsForMaintenance: %v", err)
	}

	got, _ := st.Get("late1")
	if got.NextRunAtMs != pastDue {
		t.Fatalf("expected past-due NextRunAtMs left untouched, got %d want %d", got.NextRunAtMs, pastDue)
	}
}

func TestResolveCronDeliveryPlanAnnounceSuppressesMainSessionDuplicate(t *testing.T) {
	job := &CronJob{Delivery: Delivery{Mode: DeliveryAnnounce, Channel: "telegram", ChatID: "chat1"}}
	plan := ResolveCronDeliveryPlan(job)
	if !plan.SuppressMainSessionDuplicate {
		t.Fatalf("expected announce delivery to suppress main-session duplicate")
	}
}

func TestResolveCronDeliveryPlanLegacyFieldsFillGaps(t *testing.T) {
	job := &CronJob{Delivery: Delivery{LegacyTarget: "telegram", LegacyTo: "chat2"}}
	plan := ResolveCronDeliveryPlan(job)
	if plan.Mode != DeliveryAnnounce || plan.Channel != "telegram" || plan.ChatID != "chat2" {
		t.Fatalf("unexpected plan from legacy fields: %+v", plan)
	}
}

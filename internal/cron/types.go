// Package cron implements the scheduled-job system (spec §4.8): a
// persistent store of CronJob records, a single-timer scheduler that
// catches up missed runs on startup, computes next-run times for three
// schedule kinds (at/every/cron), and applies backoff/auto-disable policy
// to run outcomes.
package cron

import (
	"time"

	"github.com/goclaw/gateway/internal/scheduler"
)

// ScheduleKind names how a job's next run is computed.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"    // one-shot, fires once at Schedule.AtMs
	ScheduleEvery ScheduleKind = "every" // fixed interval, Schedule.EveryMs apart
	ScheduleCron  ScheduleKind = "cron"  // 5-or-6-field cron expression, Schedule.CronExpr
)

// Schedule describes when a job should next run.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	AtMs     int64        `json:"atMs,omitempty"`     // ScheduleAt: epoch ms, stored as a JSON number (no ISO-8601 form is read or written)
	EveryMs  int64        `json:"everyMs,omitempty"`  // ScheduleEvery: interval in ms
	CronExpr string       `json:"cronExpr,omitempty"` // ScheduleCron: 5 or 6 field expression
}

// PayloadKind names what a firing job delivers to the agent.
type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent" // a structured note injected as a system turn
	PayloadAgentTurn   PayloadKind = "agentTurn"    // a full prompt run through the agent loop
)

// Payload is the content a job hands to the agent when it fires.
type Payload struct {
	Kind PayloadKind `json:"kind"`
	Text string      `json:"text"`
}

// DeliveryMode names how a job's result is surfaced to the user.
type DeliveryMode string

const (
	DeliveryNone     DeliveryMode = "none"     // internal-only; result stays in the agent's transcript
	DeliveryAnnounce DeliveryMode = "announce" // sent to the job's configured channel/chat
	DeliveryWebhook  DeliveryMode = "webhook"  // POSTed to an external URL
)

// Delivery configures where a job's output goes.
type Delivery struct {
	Mode       DeliveryMode `json:"mode"`
	Channel    string       `json:"channel,omitempty"`
	ChatID     string       `json:"chatId,omitempty"`
	WebhookURL string       `json:"webhookUrl,omitempty"`

	// legacy fields carried forward from payload-level delivery config
	// predating the Delivery block; ResolveCronDeliveryPlan merges both.
	LegacyTarget string `json:"target,omitempty"`
	LegacyTo     string `json:"to,omitempty"`
}

// JobStatus is the outcome of the most recent run.
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusOK      JobStatus = "ok"
	StatusError   JobStatus = "error"
	StatusAborted JobStatus = "aborted"
	StatusStuck   JobStatus = "stuck"
)

// MaxScheduleErrors is the number of consecutive failures after which a
// job is auto-disabled rather than rescheduled.
const MaxScheduleErrors = 3

// BackoffSchedule is the delay applied per consecutive error count
// (index 0 = after the 1st error), capped at the last entry.
var BackoffSchedule = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// BackoffForConsecutiveErrors returns the delay to apply after n
// consecutive errors (n >= 1).
func BackoffForConsecutiveErrors(n int) time.Duration {
	if n <= 0 {
		return BackoffSchedule[0]
	}
	idx := n - 1
	if idx >= len(BackoffSchedule) {
		idx = len(BackoffSchedule) - 1
	}
	return BackoffSchedule[idx]
}

const (
	// MaxTimerDelay bounds the scheduler's single re-arm timer so a job
	// scheduled far in the future (or a clock jump) never stalls the
	// catch-up loop past this horizon.
	MaxTimerDelay = 60 * time.Second

	// DefaultJobTimeout bounds a single run before it's raced against
	// its abort signal and marked StatusAborted.
	DefaultJobTimeout = 10 * time.Minute

	// StuckRunThreshold: a job whose RunningAtMs is older than this is
	// considered abandoned (process crashed mid-run) and cleared back to
	// runnable on the next maintenance pass.
	StuckRunThreshold = 2 * time.Hour

	// MinCronRefireGap prevents a cron-kind job whose expression would
	// fire again within this gap of its last run (e.g. "* * * * *"
	// evaluated right at a minute boundary) from double-firing.
	MinCronRefireGap = 2 * time.Second

	// DefaultStaggerMs is applied to cron-kind jobs with no explicit
	// stagger: actual fire time is offset by hash(jobID) mod staggerMs
	// so many jobs sharing one expression don't all wake at :00.
	DefaultStaggerMs = 60_000
)

// CronJob is one scheduled unit of work.
type CronJob struct {
	ID      string   `json:"id"`
	AgentID string   `json:"agentId"`

	Schedule Schedule `json:"schedule"`
	Payload  Payload  `json:"payload"`
	Delivery Delivery `json:"delivery,omitempty"`

	StaggerMs int64 `json:"staggerMs,omitempty"`

	Disabled       bool      `json:"disabled,omitempty"`
	DeleteAfterRun bool      `json:"deleteAfterRun,omitempty"`
	Lane           scheduler.Lane `json:"lane,omitempty"`

	NextRunAtMs       int64     `json:"nextRunAtMs,omitempty"`
	LastRunAtMs       int64     `json:"lastRunAtMs,omitempty"`
	RunningAtMs       int64     `json:"runningAtMs,omitempty"`
	LastStatus        JobStatus `json:"lastStatus,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors,omitempty"`

	CreatedAtMs int64 `json:"createdAtMs"`
	UpdatedAtMs int64 `json:"updatedAtMs"`
}

// RetryConfig controls per-job retry backoff, distinct from the
// schedule-error auto-disable policy above — it governs a single run's
// internal retry attempts against a transient delivery/provider error.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig matches the teacher's CronConfig defaults
// (max_retries=3, retry_base_delay="2s", retry_max_delay="30s").
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// NextRetryDelay computes exponential backoff for the nth retry (n >= 1),
// capped at cfg.MaxDelay.
func (cfg RetryConfig) NextRetryDelay(n int) time.Duration {
	d := cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

// Package delivery implements the gateway's outbound delivery engine
// (spec §4.6): a write-ahead queue, adapter dispatch, chunking, duplicate
// suppression, typing/ack lifecycle, crash recovery, and permanent-error
// classification.
package delivery

import (
	"strings"
	"time"
)

// State is the lifecycle state of a queue entry.
type State string

const (
	StatePending         State = "pending"
	StateDelivered       State = "delivered"
	StateFailedPermanent State = "failed_permanent"
)

// MaxAttempts is the retry budget for a queue entry before it is marked
// failed_permanent.
const MaxAttempts = 5

// RetrySchedule is the backoff sequence applied between attempts, in order;
// the final value repeats once exhausted (5s, 25s, 2m, 10m, 10m capped).
var RetrySchedule = []time.Duration{
	5 * time.Second,
	25 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	10 * time.Minute,
}

// NextDelay returns the backoff delay after `attempt` attempts have already
// been made: NextDelay(1) is RetrySchedule[0] (5s), the wait before the 2nd try.
func NextDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetrySchedule) {
		idx = len(RetrySchedule) - 1
	}
	return RetrySchedule[idx]
}

// Payload is one normalized unit of outbound content: either text or media.
type Payload struct {
	Kind        string `json:"kind"` // "text" | "media"
	Text        string `json:"text,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Entry is one write-ahead queue record, persisted to disk as JSON while
// pending and moved to the failed/ subdirectory on permanent failure.
type Entry struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	ChatID      string    `json:"chatId"`
	AccountID   string    `json:"accountId,omitempty"`
	Payloads    []Payload `json:"payloads"`
	BestEffort  bool      `json:"bestEffort"`
	SessionKey  string    `json:"sessionKey,omitempty"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"createdAt"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	LastError   string    `json:"lastError,omitempty"`
}

// PendingOutboundMessageID tracks a message this gateway itself sent, keyed
// so that an echo of it arriving back through an inbound webhook (fromMe)
// can be recognized and suppressed rather than treated as a genuine new
// outbound duplicate. TTL 2 minutes, pruned on every read and write.
type PendingOutboundMessageID struct {
	Channel   string
	ChatID    string
	Content   string
	CreatedAt time.Time
}

const PendingOutboundTTL = 2 * time.Minute

// permanentErrorSubstrings classifies adapter errors that should never be
// retried — the channel/provider has told us unambiguously that retrying
// is pointless (e.g. the chat no longer exists, or we were blocked).
var permanentErrorSubstrings = []string{
	"chat not found",
	"user not found",
	"blocked by user",
	"bot was blocked",
	"forbidden",
	"group chat was deactivated",
	"message to delete not found",
	"recipient not found",
	"invalid phone number",
}

// IsPermanentError reports whether err's message matches one of the known
// permanent-failure substrings.
func IsPermanentError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	for _, s := range permanentErrorSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

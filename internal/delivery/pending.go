package delivery

import (
	"sync"
	"time"
)

// PendingOutboundTracker remembers messages this gateway sent so that a
// fromMe echo arriving back through an inbound webhook can be recognized
// and suppressed, rather than mistaken for a genuine externally-originated
// duplicate. Entries expire after PendingOutboundTTL and are pruned on
// every Remember and every Match call.
type PendingOutboundTracker struct {
	mu      sync.Mutex
	entries []PendingOutboundMessageID
}

// NewPendingOutboundTracker creates an empty tracker.
func NewPendingOutboundTracker() *PendingOutboundTracker {
	return &PendingOutboundTracker{}
}

// Remember records an outbound send so its eventual echo can be matched.
func (t *PendingOutboundTracker) Remember(channel, chatID, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	t.entries = append(t.entries, PendingOutboundMessageID{
		Channel: channel, ChatID: chatID, Content: content, CreatedAt: time.Now(),
	})
}

// Match reports whether (channel, chatID, content) matches a still-live
// pending entry, removing it on match so a single echo is consumed once.
func (t *PendingOutboundTracker) Match(channel, chatID, content string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()

	for i, e := range t.entries {
		if e.Channel == channel && e.ChatID == chatID && e.Content == content {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (t *PendingOutboundTracker) pruneLocked() {
	now := time.Now()
	live := t.entries[:0]
	for _, e := range t.entries {
		if now.Sub(e.CreatedAt) < PendingOutboundTTL {
			live = append(live, e)
		}
	}
	t.entries = live
}

package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultGroupHistoryLimit is how many buffered group messages are kept
// as context when no channel-specific config overrides it.
const DefaultGroupHistoryLimit = 10

// HistoryEntry is one buffered group message recorded while the channel
// is waiting for a mention before handing anything to the agent.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// PendingHistory buffers unmentioned group messages per chat key, so
// that when a mention finally arrives the agent gets the surrounding
// conversation as context instead of just the one message that
// triggered it. Bounded per key to limit, oldest entries dropped first.
// Safe for concurrent use.
type PendingHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
}

// NewPendingHistory creates an empty buffer.
func NewPendingHistory() *PendingHistory {
	return &PendingHistory{entries: make(map[string][]HistoryEntry)}
}

// Record appends entry to key's buffer, trimming to at most limit
// entries (oldest dropped first). limit<=0 means unbounded.
func (p *PendingHistory) Record(key string, entry HistoryEntry, limit int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := append(p.entries[key], entry)
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	p.entries[key] = buf
}

// BuildContext renders key's buffered history as a prefix ahead of
// currentMessage, then clears nothing itself — callers call Clear once
// the context has actually been handed to the agent. limit caps how
// many buffered entries are included (the most recent ones).
func (p *PendingHistory) BuildContext(key, currentMessage string, limit int) string {
	p.mu.Lock()
	buf := append([]HistoryEntry(nil), p.entries[key]...)
	p.mu.Unlock()

	if len(buf) == 0 {
		return currentMessage
	}
	if limit > 0 && len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}

	var b strings.Builder
	b.WriteString("[Recent group context]\n")
	for _, e := range buf {
		fmt.Fprintf(&b, "[From: %s]\n%s\n", e.Sender, e.Body)
	}
	b.WriteString("---\n")
	b.WriteString(currentMessage)
	return b.String()
}

// Clear drops key's buffered history, typically called once its context
// has been consumed by a mention-triggered turn.
func (p *PendingHistory) Clear(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

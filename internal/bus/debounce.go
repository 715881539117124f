package bus

import (
	"strings"
	"sync"
	"time"
)

// FlushFunc receives a message once its debounce window has elapsed with no
// further activity under the same key.
type FlushFunc func(InboundMessage)

// InboundDebouncer coalesces bursts of inbound messages that arrive on the
// same logical key (e.g. the same chat) within a short window, merging them
// before handing a single combined message to Flush: texts are joined with
// a newline and media lists are concatenated; every other field keeps the
// value of the first message in the group. The window is set by the caller
// (cmd/gateway_consumer.go uses 500ms unless configured otherwise).
type InboundDebouncer struct {
	window time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingGroup
}

type pendingGroup struct {
	msg   InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer with the given window and flush
// callback.
func NewInboundDebouncer(window time.Duration, flush FlushFunc) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingGroup),
	}
}

// Add enqueues msg under key. If a message is already pending under the same
// key, its text is appended (newline-joined) and its media list extended;
// the flush timer resets to the full window. If bypass is true, any pending
// group under key is flushed immediately first, then msg is delivered to
// Flush without entering the debounce window at all — used for fromMe
// echoes and control commands, which must never be delayed or merged.
func (d *InboundDebouncer) Add(key string, msg InboundMessage, bypass bool) {
	if bypass {
		d.flushKey(key)
		d.flush(msg)
		return
	}

	d.mu.Lock()
	g, exists := d.pending[key]
	if !exists {
		g = &pendingGroup{msg: msg}
		d.pending[key] = g
		g.timer = time.AfterFunc(d.window, func() { d.fire(key) })
		d.mu.Unlock()
		return
	}

	merged := g.msg
	if msg.Content != "" {
		if merged.Content != "" {
			merged.Content = merged.Content + "\n" + msg.Content
		} else {
			merged.Content = msg.Content
		}
	}
	merged.Media = append(merged.Media, msg.Media...)
	g.msg = merged
	g.timer.Reset(d.window)
	d.mu.Unlock()
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	g, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		d.flush(g.msg)
	}
}

// flushKey immediately removes any pending group for key, stopping its
// timer, and hands the group to Flush if its text is non-blank (a group
// with blank text is dropped). Used when a bypass message arrives, so the
// merged group is delivered ahead of it.
func (d *InboundDebouncer) flushKey(key string) {
	d.mu.Lock()
	g, ok := d.pending[key]
	if ok {
		g.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok && strings.TrimSpace(g.msg.Content) != "" {
		d.flush(g.msg)
	}
}

// Pending reports whether a key currently has a debounce group in flight
// (test/diagnostic use).
func (d *InboundDebouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

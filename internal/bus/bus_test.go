package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBusPublishConsumeInbound(t *testing.T) {
	b := NewMessageBus(4, 4)
	b.PublishInbound(InboundMessage{Channel: "telegram", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "hi" {
		t.Fatalf("ConsumeInbound() = %+v, %v", msg, ok)
	}
}

func TestMessageBusBroadcast(t *testing.T) {
	b := NewMessageBus(1, 1)
	received := make(chan Event, 1)
	b.Subscribe("sub1", func(e Event) { received <- e })

	b.Broadcast(Event{Name: "agent"})

	select {
	case e := <-received:
		if e.Name != "agent" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestDedupeCacheSuppressesRepeat(t *testing.T) {
	c := NewDedupeCache(time.Minute, 10)
	if c.Seen("a") {
		t.Fatalf("first Seen() should report false")
	}
	if !c.Seen("a") {
		t.Fatalf("second Seen() should report true (duplicate)")
	}
}

func TestDedupeCacheExpires(t *testing.T) {
	c := NewDedupeCache(10*time.Millisecond, 10)
	c.Seen("a")
	time.Sleep(30 * time.Millisecond)
	if c.Seen("a") {
		t.Fatalf("expected expired key to be treated as fresh")
	}
}

func TestDedupeCacheEvictsOverCapacity(t *testing.T) {
	c := NewDedupeCache(time.Minute, 3)
	c.Seen("a")
	c.Seen("b")
	c.Seen("c")
	c.Seen("d")
	if c.Size() > 3 {
		t.Fatalf("expected capacity to be enforced, got size %d", c.Size())
	}
}

func TestInboundDebouncerMergesWithinWindow(t *testing.T) {
	flushed := make(chan InboundMessage, 1)
	d := NewInboundDebouncer(30*time.Millisecond, func(msg InboundMessage) {
		flushed <- msg
	})

	d.Add("k1", InboundMessage{Content: "hello"}, false)
	d.Add("k1", InboundMessage{Content: "world"}, false)

	select {
	case msg := <-flushed:
		if msg.Content != "hello\nworld" {
			t.Fatalf("expected merged content, got %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for debounce flush")
	}
}

func TestInboundDebouncerBypass(t *testing.T) {
	flushed := make(chan InboundMessage, 2)
	d := NewInboundDebouncer(time.Second, func(msg InboundMessage) {
		flushed <- msg
	})

	d.Add("k1", InboundMessage{Content: "queued"}, false)
	d.Add("k1", InboundMessage{Content: "control command"}, true)

	first := <-flushed
	second := <-flushed
	if first.Content != "queued" || second.Content != "control command" {
		t.Fatalf("expected queued message flushed before bypass message, got %q then %q", first.Content, second.Content)
	}
}

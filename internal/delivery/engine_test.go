package delivery

import (
	"context"
	"errors"
	"testing"
)

type fakeAdapter struct {
	sent      []string
	failNext  bool
	failErr   string
	chunkSize int
}

func (f *fakeAdapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	if f.failNext {
		return "", errors.New(f.failErr)
	}
	f.sent = append(f.sent, text)
	return "msg-" + text, nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, chatID, url, contentType, caption string) (string, error) {
	if f.failNext {
		return "", errors.New(f.failErr)
	}
	f.sent = append(f.sent, url)
	return "media-" + url, nil
}

func (f *fakeAdapter) TextChunkLimit() (int, ChunkerMode) {
	if f.chunkSize == 0 {
		return 4000, ChunkByLength
	}
	return f.chunkSize, ChunkByLength
}

func TestDeliverSuccessRemovesQueueEntry(t *testing.T) {
	dir := t.TempDir()
	q, err := NewQueue(dir)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	e := NewEngine(q, NewPendingOutboundTracker(), nil)
	adapter := &fakeAdapter{}

	result, err := e.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		ChatID:   "chat1",
		Payloads: []Payload{{Kind: "text", Text: "hello"}},
		Adapter:  adapter,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if result.AllFailed || result.PartialFailure {
		t.Fatalf("expected clean success, got %+v", result)
	}

	pending, _ := q.LoadPending()
	if len(pending) != 0 {
		t.Fatalf("expected queue entry removed after success, got %d pending", len(pending))
	}
}

func TestDeliverBestEffortFalseFailureLeavesEntryPending(t *testing.T) {
	dir := t.TempDir()
	q, _ := NewQueue(dir)
	e := NewEngine(q, NewPendingOutboundTracker(), nil)
	adapter := &fakeAdapter{failNext: true, failErr: "temporary network blip"}

	result, err := e.Deliver(context.Background(), DeliverRequest{
		Channel:    "telegram",
		ChatID:     "chat1",
		BestEffort: false,
		Payloads:   []Payload{{Kind: "text", Text: "hello"}},
		Adapter:    adapter,
	})
	if err == nil {
		t.Fatalf("expected error on failed send")
	}
	if !result.AllFailed {
		t.Fatalf("expected AllFailed for bestEffort=false with nothing sent, got %+v", result)
	}

	pending, _ := q.LoadPending()
	if len(pending) != 1 {
		t.Fatalf("expected entry to remain pending for retry, got %d", len(pending))
	}
}

func TestDeliverPermanentErrorMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	q, _ := NewQueue(dir)
	e := NewEngine(q, NewPendingOutboundTracker(), nil)
	adapter := &fakeAdapter{failNext: true, failErr: "chat not found"}

	_, err := e.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		ChatID:   "chat1",
		Payloads: []Payload{{Kind: "text", Text: "hello"}},
		Adapter:  adapter,
	})
	if err == nil {
		t.Fatalf("expected error")
	}

	pending, _ := q.LoadPending()
	if len(pending) != 0 {
		t.Fatalf("expected permanent failure to leave nothing pending, got %d", len(pending))
	}
}

func TestWhatsAppLeadingBlankLineStripped(t *testing.T) {
	out := normalizePayloads("whatsapp", []Payload{{Kind: "text", Text: "\nhello"}})
	if out[0].Text != "hello" {
		t.Fatalf("expected leading blank line stripped, got %q", out[0].Text)
	}

	// Non-WhatsApp channels are untouched.
	out2 := normalizePayloads("telegram", []Payload{{Kind: "text", Text: "\nhello"}})
	if out2[0].Text != "\nhello" {
		t.Fatalf("expected telegram payload untouched, got %q", out2[0].Text)
	}
}

func TestPendingOutboundTrackerMatchConsumesEntry(t *testing.T) {
	p := NewPendingOutboundTracker()
	p.Remember("telegram", "chat1", "hello")

	if !p.Match("telegram", "chat1", "hello") {
		t.Fatalf("expected match")
	}
	if p.Match("telegram", "chat1", "hello") {
		t.Fatalf("expected match to be consumed (one-shot)")
	}
}

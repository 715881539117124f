package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/goclaw/gateway/internal/bus"
)

// TypingRestartDelay is the pause between turning typing off and the next
// send, matching the ~150ms "restart" feel observed across chat clients.
const TypingRestartDelay = 150

// AckScope controls when SetAck fires relative to peer kind and mention
// status (spec §4.6's ack reaction scope rules).
type AckScope string

const (
	AckAlways              AckScope = "always"
	AckGroupMentions       AckScope = "group_mentions"
	AckGroupDirectMentions AckScope = "group_direct_mentions"
	AckDirect              AckScope = "direct"
)

// DeliverRequest bundles everything one deliverOutboundPayloads call needs.
type DeliverRequest struct {
	Channel    string
	ChatID     string
	AccountID  string
	SessionKey string
	Payloads   []Payload
	BestEffort bool

	Adapter Adapter
	Typing  TypingController // optional
	Acker   AckController    // optional

	AckScope          AckScope
	PeerKind          string // "direct" | "group"
	WasMentioned      bool
	InboundMessageID  string

	// TranscriptMirror, if set, is called at most once per Deliver, with one
	// "assistant: " record holding every sent text chunk and media caption
	// (newline-joined). It is not called when nothing was sent, nor when
	// BestEffort is false and any send failed.
	TranscriptMirror func(line string)
}

// DeliverResult reports what happened.
type DeliverResult struct {
	SentMessageIDs []string
	QueueEntryID   string
	AllFailed      bool
	PartialFailure bool
}

// Engine drives deliverOutboundPayloads: write-ahead enqueue, adapter
// resolution, payload normalization, chunking, delivery loop, duplicate
// suppression, error handling, transcript mirror, and the internal
// "message:sent" event — spec §4.6's ten ordered steps.
type Engine struct {
	Queue   *Queue
	Pending *PendingOutboundTracker
	Bus     *bus.MessageBus
}

// NewEngine creates a delivery engine over queue dir (for crash recovery)
// and the shared message bus (for the internal message:sent event).
func NewEngine(queue *Queue, pending *PendingOutboundTracker, msgBus *bus.MessageBus) *Engine {
	return &Engine{Queue: queue, Pending: pending, Bus: msgBus}
}

// Deliver runs the full outbound delivery contract for one logical reply.
func (e *Engine) Deliver(ctx context.Context, req DeliverRequest) (*DeliverResult, error) {
	// Step 1: write-ahead enqueue.
	entry := &Entry{
		ID:         uuid.NewString(),
		Channel:    req.Channel,
		ChatID:     req.ChatID,
		AccountID:  req.AccountID,
		SessionKey: req.SessionKey,
		Payloads:   normalizePayloads(req.Channel, req.Payloads),
		BestEffort: req.BestEffort,
		State:      StatePending,
	}
	if e.Queue != nil {
		if err := e.Queue.Write(entry); err != nil {
			return nil, fmt.Errorf("write-ahead enqueue: %w", err)
		}
	}

	result := &DeliverResult{QueueEntryID: entry.ID}

	// Step 2: adapter resolution (caller already supplied it; nil means no
	// channel registered for delivery — treat as permanent failure).
	if req.Adapter == nil {
		entry.State = StateFailedPermanent
		entry.LastError = "no adapter resolved for channel"
		if e.Queue != nil {
			_ = e.Queue.MoveToFailed(entry)
		}
		return result, fmt.Errorf("no adapter resolved for channel %q", req.Channel)
	}

	if req.Typing != nil {
		_ = req.Typing.SetTyping(ctx, req.ChatID, true)
		defer func() { _ = req.Typing.SetTyping(ctx, req.ChatID, false) }()
	}

	var lastErr error
	anySent := false
	anyFailed := false
	var mirrored []string

	for _, payload := range entry.Payloads {
		select {
		case <-ctx.Done():
			entry.LastError = ctx.Err().Error()
			anyFailed = true
			lastErr = ctx.Err()
		default:
		}
		if lastErr != nil && ctx.Err() != nil {
			break
		}

		switch payload.Kind {
		case "media":
			id, err := req.Adapter.SendMedia(ctx, req.ChatID, payload.MediaURL, payload.ContentType, payload.Caption)
			if err != nil {
				anyFailed = true
				lastErr = err
				entry.LastError = err.Error()
				continue
			}
			anySent = true
			result.SentMessageIDs = append(result.SentMessageIDs, id)
			if e.Pending != nil {
				e.Pending.Remember(req.Channel, req.ChatID, payload.Caption)
			}
			mirrored = append(mirrored, "[media] "+payload.Caption)
		default: // "text"
			limit, mode := req.Adapter.TextChunkLimit()
			for _, chunk := range ChunkText(payload.Text, limit, mode) {
				id, err := req.Adapter.SendText(ctx, req.ChatID, chunk)
				if err != nil {
					anyFailed = true
					lastErr = err
					entry.LastError = err.Error()
					if IsPermanentError(err.Error()) {
						break
					}
					continue
				}
				anySent = true
				result.SentMessageIDs = append(result.SentMessageIDs, id)
				if e.Pending != nil {
					e.Pending.Remember(req.Channel, req.ChatID, chunk)
				}
				mirrored = append(mirrored, chunk)
			}
		}
	}

	if req.TranscriptMirror != nil && len(mirrored) > 0 && (req.BestEffort || !anyFailed) {
		req.TranscriptMirror("assistant: " + strings.Join(mirrored, "\n"))
	}

	if req.Acker != nil && req.InboundMessageID != "" && shouldAck(req.AckScope, req.PeerKind, req.WasMentioned) {
		_ = req.Acker.SetAck(ctx, req.ChatID, req.InboundMessageID, "delivered")
	}

	switch {
	case !anyFailed:
		entry.State = StateDelivered
		if e.Queue != nil {
			_ = e.Queue.Remove(entry.ID)
		}
	case anySent && req.BestEffort:
		// bestEffort=true: partial success leaves the entry pending for
		// retry of the remainder rather than failing the whole delivery.
		result.PartialFailure = true
		entry.Attempts++
		entry.State = StatePending
		if e.Queue != nil {
			_ = e.Queue.Write(entry)
		}
	case !req.BestEffort:
		// bestEffort=false: all-or-nothing. Any failure voids the entire
		// delivery; nothing here is considered delivered even if some
		// chunks went out, and the transcript mirror above is skipped.
		result.AllFailed = !anySent
		result.PartialFailure = anySent
		entry.Attempts++
		if IsPermanentError(entry.LastError) {
			entry.State = StateFailedPermanent
			if e.Queue != nil {
				_ = e.Queue.MoveToFailed(entry)
			}
		} else if entry.Attempts >= MaxAttempts {
			entry.State = StateFailedPermanent
			if e.Queue != nil {
				_ = e.Queue.MoveToFailed(entry)
			}
		} else {
			entry.State = StatePending
			if e.Queue != nil {
				_ = e.Queue.Write(entry)
			}
		}
	default:
		result.PartialFailure = true
		entry.Attempts++
		entry.State = StatePending
		if e.Queue != nil {
			_ = e.Queue.Write(entry)
		}
	}

	if e.Bus != nil && anySent {
		e.Bus.Broadcast(bus.Event{Name: "message:sent", Payload: map[string]string{
			"channel": req.Channel,
			"chatId":  req.ChatID,
		}})
	}

	if lastErr != nil && !anySent {
		return result, lastErr
	}
	return result, nil
}

func shouldAck(scope AckScope, peerKind string, mentioned bool) bool {
	switch scope {
	case AckAlways:
		return true
	case AckGroupMentions:
		return peerKind == "group" && mentioned
	case AckGroupDirectMentions:
		return (peerKind == "group" && mentioned) || peerKind == "direct"
	case AckDirect:
		return peerKind == "direct"
	default:
		return false
	}
}

// normalizePayloads applies channel-specific payload normalization. The
// only current rule (spec §9 open question, preserved verbatim): WhatsApp
// strips a leading blank line from text content even when media is
// attached, which can leave a media caption empty — this is WhatsApp-only
// and deliberately not generalized to other channels.
func normalizePayloads(channel string, payloads []Payload) []Payload {
	if channel != "whatsapp" {
		return payloads
	}
	out := make([]Payload, len(payloads))
	for i, p := range payloads {
		if p.Kind == "text" {
			p.Text = stripLeadingBlankLine(p.Text)
		}
		if p.Kind == "media" {
			p.Caption = stripLeadingBlankLine(p.Caption)
		}
		out[i] = p
	}
	return out
}

func stripLeadingBlankLine(s string) string {
	return strings.TrimPrefix(s, "\n")
}

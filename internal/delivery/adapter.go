package delivery

import "context"

// Adapter is the channel-side contract the delivery engine drives. Each
// channel package (telegram, discord, whatsapp, ...) implements this to
// plug into the engine; media.go/handlers.go-level transport details stay
// inside the adapter, never inside the engine.
type Adapter interface {
	// SendText delivers a single text chunk, returning a provider message
	// ID for echo-suppression/ack bookkeeping where available.
	SendText(ctx context.Context, chatID, text string) (messageID string, err error)
	// SendMedia delivers one media attachment with an optional caption.
	SendMedia(ctx context.Context, chatID, url, contentType, caption string) (messageID string, err error)
	// TextChunkLimit returns the adapter's preferred chunk size and mode.
	TextChunkLimit() (limit int, mode ChunkerMode)
}

// TypingController optionally lets an adapter show/hide a typing indicator.
type TypingController interface {
	SetTyping(ctx context.Context, chatID string, typing bool) error
}

// AckController optionally lets an adapter react to the triggering inbound
// message to acknowledge receipt/processing status.
type AckController interface {
	SetAck(ctx context.Context, chatID, inboundMessageID string, status string) error
}

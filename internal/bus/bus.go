package bus

import (
	"context"
	"sync"
)

// MessageBus is the in-process hub connecting channel adapters to the
// inbound consumer loop and routing agent-produced replies back out.
// It implements both MessageRouter and EventPublisher.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates a bus with the given channel buffer sizes.
func NewMessageBus(inboundBuf, outboundBuf int) *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, inboundBuf),
		outbound: make(chan OutboundMessage, outboundBuf),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message received from a channel adapter.
// Never blocks the caller indefinitely if the consumer keeps up with the
// configured buffer size; a full buffer blocks the publishing channel
// goroutine, which is the intended backpressure point.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for delivery by a channel adapter.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message is available or ctx is
// done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a broadcast event handler under id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a previously registered handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast fans an event out to all subscribed handlers. Handlers run
// synchronously on the caller's goroutine — subscribers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}

var (
	_ MessageRouter  = (*MessageBus)(nil)
	_ EventPublisher = (*MessageBus)(nil)
)

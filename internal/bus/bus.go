package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultHandoffBuffer = 256

// MessageBus is the in-process HandoffRouter and EventPublisher.
type MessageBus struct {
	handoffs chan Handoff

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// New creates a MessageBus with the default handoff buffer.
func New() *MessageBus {
	return NewWithBuffer(defaultHandoffBuffer)
}

// NewWithBuffer creates a MessageBus whose handoff queue holds up to size batches.
func NewWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultHandoffBuffer
	}
	return &MessageBus{
		handoffs: make(chan Handoff, size),
		handlers: make(map[string]EventHandler),
	}
}

// PublishHandoff queues a batch for the consumer. Blocks while the buffer is
// full, returning ctx.Err() if ctx ends first.
func (b *MessageBus) PublishHandoff(ctx context.Context, h Handoff) error {
	select {
	case b.handoffs <- h:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublishHandoff queues a batch if there is room and reports whether it did.
func (b *MessageBus) TryPublishHandoff(h Handoff) bool {
	select {
	case b.handoffs <- h:
		return true
	default:
		return false
	}
}

// ConsumeHandoff waits for the next batch. Returns false when ctx is done.
func (b *MessageBus) ConsumeHandoff(ctx context.Context) (Handoff, bool) {
	select {
	case h := <-b.handoffs:
		return h, true
	case <-ctx.Done():
		return Handoff{}, false
	}
}

// Subscribe registers handler under id, replacing any previous handler with that id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to every subscriber. A panicking subscriber is
// logged and skipped.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, event)
	}
}

func deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.subscriber_panic", "event", event.Name, "panic", r)
		}
	}()
	h(event)
}

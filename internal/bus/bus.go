package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBufferSize = 100

// MessageBus carries traffic between channels and the agent loop over two
// bounded queues. Outbound messages fan out to the callbacks registered
// for their channel; a full queue blocks the publisher until a consumer
// catches up.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string][]Callback

	logger *slog.Logger
}

// New creates a bus with the default queue capacity of 100.
func New() *MessageBus {
	return NewWithSize(defaultBufferSize)
}

// NewWithSize creates a bus with a custom queue capacity. Sizes below one
// fall back to the default.
func NewWithSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		subs:     make(map[string][]Callback),
		logger:   slog.Default(),
	}
}

// PublishInbound enqueues a message from a channel, blocking while the
// inbound queue is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// PublishOutbound enqueues a reply for dispatch, blocking while the
// outbound queue is full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeInbound blocks until a message arrives or ctx is done. The second
// return is false when the wait was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// SubscribeOutbound registers a callback for one channel's outbound
// traffic. A channel may have several callbacks; each gets every message.
func (b *MessageBus) SubscribeOutbound(channel string, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], cb)
}

// DispatchOutbound drains the outbound queue until ctx is cancelled.
// Messages for channels with no subscriber are dropped. Callback errors
// are logged and never stop the loop.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.outbound:
			b.mu.RLock()
			callbacks := append([]Callback(nil), b.subs[msg.Channel]...)
			b.mu.RUnlock()

			if len(callbacks) == 0 {
				continue
			}
			for _, cb := range callbacks {
				if err := cb(ctx, msg); err != nil {
					b.logger.Error("outbound callback failed",
						"channel", msg.Channel,
						"chat_id", msg.ChatID,
						"error", err)
				}
			}
		}
	}
}

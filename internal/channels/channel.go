// Package channels connects chat platforms to the message bus. Each
// adapter turns platform traffic into inbound bus messages and delivers
// outbound replies back through the platform API.
package channels

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/ember/internal/bus"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// Channel is one platform adapter managed by the Manager.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "slack").
	Name() string

	// Start begins receiving messages. It returns once the adapter is
	// connected; receive loops keep running on their own goroutines until
	// ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and releases its connections.
	Stop(ctx context.Context) error

	// Send delivers one outbound message over the platform API.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is receiving messages.
	IsRunning() bool

	// IsAllowed checks a sender against the channel allow-list.
	IsAllowed(senderID string) bool
}

// BaseChannel holds the state every adapter shares. Adapters embed it and
// call HandleMessage with what they receive.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
	running   bool
}

// NewBaseChannel creates the shared adapter state. allowFrom lists the
// sender IDs permitted to talk to this channel; empty permits everyone.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowFrom: allowed,
	}
}

// Name returns the channel identifier.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports whether the adapter is receiving messages.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running flag.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// IsAllowed reports whether a sender may use this channel. An empty
// allow-list permits everyone; otherwise the sender ID must match exactly.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// HandleMessage publishes an inbound message to the bus after the
// allow-list check. Messages from unpermitted senders are dropped.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, blocks []providers.ContentBlock, metadata map[string]interface{}) {
	if !c.IsAllowed(senderID) {
		return
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  metadata,
		Blocks:    blocks,
	})
}

package bus

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/ember/internal/providers"
)

// InboundMessage is a user message entering the system from a channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	Metadata  map[string]interface{}
	Blocks    []providers.ContentBlock
}

// SessionKey identifies the conversation this message belongs to. Replies
// and history stay scoped to one chat on one channel.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is an agent reply headed back to a channel.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Metadata map[string]interface{}
	Blocks   []providers.ContentBlock
}

// Callback consumes one outbound message for a channel.
type Callback func(ctx context.Context, msg OutboundMessage) error

package sessions

import (
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// Conversation is the transcript for one session: an optional rolling
// summary plus the ordered turns. Methods are not safe for concurrent
// use; the gateway serializes runs per session via Store.Lock.
type Conversation struct {
	Summary  string
	Messages []providers.Message
}

// AddUser appends a plain text user turn.
func (c *Conversation) AddUser(content string) {
	c.Messages = append(c.Messages, providers.Message{Role: "user", Content: content})
}

// AddUserBlocks appends a user turn carrying text plus media blocks.
func (c *Conversation) AddUserBlocks(content string, blocks []providers.ContentBlock) {
	c.Messages = append(c.Messages, providers.Message{Role: "user", Content: content, Blocks: blocks})
}

// AddAssistant appends a plain assistant turn.
func (c *Conversation) AddAssistant(content string) {
	c.Messages = append(c.Messages, providers.Message{Role: "assistant", Content: content})
}

// AddAssistantToolCalls appends an assistant turn that requested tool
// calls. The dialect serializers render it as tool_calls or tool_use.
func (c *Conversation) AddAssistantToolCalls(content string, calls []providers.ToolCall) {
	c.Messages = append(c.Messages, providers.Message{Role: "assistant", Content: content, ToolCalls: calls})
}

// AddToolResult appends one tool result turn. Each result is its own
// turn; the Anthropic serializer emits it as a separate tool_result
// user message.
func (c *Conversation) AddToolResult(id, name, content string) {
	c.Messages = append(c.Messages, providers.Message{
		Role:       "tool",
		ToolCallID: id,
		ToolName:   name,
		Content:    content,
	})
}

// AppendToLastUser attaches extracted document notes to the most recent
// user turn. Turns carrying blocks get a text block; plain turns get the
// note appended to the content.
func (c *Conversation) AppendToLastUser(note string) {
	if len(c.Messages) == 0 {
		return
	}
	last := &c.Messages[len(c.Messages)-1]
	if len(last.Blocks) > 0 {
		last.Blocks = append(last.Blocks, providers.ContentBlock{Type: "text", Text: note})
		return
	}
	if last.Content != "" {
		last.Content += "\n\n" + note
	} else {
		last.Content = note
	}
}

// WireMessages returns the transcript with the system prompt prepended
// and, when a summary exists, a second system turn carrying it.
func (c *Conversation) WireMessages(systemPrompt string) []providers.Message {
	messages := make([]providers.Message, 0, len(c.Messages)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	if c.Summary != "" {
		messages = append(messages, providers.Message{Role: "system", Content: "# Summary\n" + c.Summary})
	}
	return append(messages, c.Messages...)
}

// History returns a copy of the turns without any system messages.
func (c *Conversation) History() []providers.Message {
	out := make([]providers.Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}

func (c *Conversation) contentChars() int {
	total := len(c.Summary)
	for _, m := range c.Messages {
		total += len(m.Content)
		for _, b := range m.Blocks {
			total += len(b.Text) + len(b.Data)
		}
	}
	return total
}

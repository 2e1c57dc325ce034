package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ContentBlock is one piece of multimodal message content. Type is one of
// "text", "image", or "document"; binary payloads travel base64-encoded in
// Data with their MIME type in MediaType.
type ContentBlock struct {
	Type      string
	Data      string
	MediaType string
	URL       string
	Text      string
}

// Message is a single conversation turn in provider-neutral form. The two
// wire dialects serialize it differently: assistant tool calls become a
// tool_calls array on the OpenAI-compatible path and tool_use content
// blocks on the Anthropic path, and a "tool" role turn becomes a tool-role
// message or a user turn carrying a tool_result block respectively.
type Message struct {
	Role       string
	Content    string
	Blocks     []ContentBlock
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolCall is a model-requested tool invocation with decoded arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolDefinition describes a callable tool. Parameters holds a JSON-schema
// object; the dialects serialize it as function parameters or input_schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Usage reports token consumption normalized across dialects.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is a single-shot chat request without tools.
type Request struct {
	System      string
	Prompt      string
	Blocks      []ContentBlock
	Model       string
	MaxTokens   int
	Temperature float64
}

// HTTPError is returned when an upstream API responds with a non-2xx
// status. Body carries the raw response payload for logging.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter interprets a Retry-After header value, which may be a
// delay in seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func documentBlocks(blocks []ContentBlock) []ContentBlock {
	var docs []ContentBlock
	for _, b := range blocks {
		if b.Type == "document" {
			docs = append(docs, b)
		}
	}
	return docs
}

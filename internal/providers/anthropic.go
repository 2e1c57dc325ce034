package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicBase = "https://api.anthropic.com"
	anthropicAPIVersion  = "2023-06-01"
)

// anthropicClient speaks the Anthropic messages dialect. The system prompt
// travels as a top-level field and tool traffic uses content blocks.
type anthropicClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func newAnthropicClient(apiKey, baseURL string, timeout time.Duration) *anthropicClient {
	if baseURL == "" {
		baseURL = defaultAnthropicBase
	}
	return &anthropicClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *anthropicClient) chat(ctx context.Context, req Request) (string, *Usage, error) {
	var content interface{} = req.Prompt
	if len(req.Blocks) > 0 {
		content = anthropicUserContent(req.Prompt, req.Blocks)
	}

	body := map[string]interface{}{
		"model":       req.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
		"system":      req.System,
		"messages": []map[string]interface{}{
			{"role": "user", "content": content},
		},
	}

	respBody, err := c.doRequest(ctx, body)
	if err != nil {
		return "", nil, err
	}
	defer respBody.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(text.String()), resp.Usage.toUsage(), nil
}

func (c *anthropicClient) chatWithTools(ctx context.Context, system string, messages []Message, tools []ToolDefinition, model string, maxTokens int, temperature float64) (string, []ToolCall, *Usage, error) {
	body := map[string]interface{}{
		"model":       model,
		"max_tokens":  maxTokens,
		"temperature": temperature,
		"system":      system,
		"messages":    anthropicMessages(messages),
		"tools":       anthropicTools(tools),
	}

	respBody, err := c.doRequest(ctx, body)
	if err != nil {
		return "", nil, nil, err
	}
	defer respBody.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", nil, nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var text strings.Builder
	var calls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := make(map[string]interface{})
			_ = json.Unmarshal(block.Input, &args)
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	return strings.TrimSpace(text.String()), calls, resp.Usage.toUsage(), nil
}

func (c *anthropicClient) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

// anthropicMessages serializes conversation turns to the messages dialect.
// Assistant tool calls become tool_use blocks and each tool turn becomes a
// user turn carrying a tool_result block.
func anthropicMessages(messages []Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var blocks []map[string]interface{}
			if m.Content != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text",
					"text": m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			out = append(out, map[string]interface{}{"role": "assistant", "content": blocks})

		case m.Role == "tool":
			out = append(out, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": m.ToolCallID,
						"content":     []map[string]interface{}{{"type": "text", "text": m.Content}},
					},
				},
			})

		case len(m.Blocks) > 0:
			out = append(out, map[string]interface{}{
				"role":    m.Role,
				"content": anthropicUserContent(m.Content, m.Blocks),
			})

		default:
			out = append(out, map[string]interface{}{"role": m.Role, "content": m.Content})
		}
	}
	return out
}

func anthropicUserContent(text string, blocks []ContentBlock) []map[string]interface{} {
	var content []map[string]interface{}
	if strings.TrimSpace(text) != "" {
		content = append(content, map[string]interface{}{
			"type": "text",
			"text": text,
		})
	}
	for _, b := range blocks {
		if b.Type == "text" {
			if b.Text != "" {
				content = append(content, map[string]interface{}{
					"type": "text",
					"text": b.Text,
				})
			}
			continue
		}
		if b.Data == "" || b.MediaType == "" {
			continue
		}
		switch b.Type {
		case "image", "document":
			content = append(content, map[string]interface{}{
				"type": b.Type,
				"source": map[string]interface{}{
					"type":       "base64",
					"media_type": b.MediaType,
					"data":       b.Data,
				},
			})
		}
	}
	return content
}

func anthropicTools(tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": t.Parameters,
		})
	}
	return out
}

// --- Anthropic API types (internal) ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      *anthropicUsage         `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// toUsage remaps the dialect's input/output counters onto the normalized
// prompt/completion form, deriving the total as their sum.
func (u *anthropicUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

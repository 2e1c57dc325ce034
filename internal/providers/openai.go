package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// NormalizeOpenAIBase canonicalizes a base URL for the OpenAI-compatible
// client: one trailing slash stripped, "/v1" appended unless already the
// suffix. An empty input resolves to the canonical OpenAI base.
func NormalizeOpenAIBase(baseURL string) string {
	if baseURL == "" {
		return defaultOpenAIBase
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	return baseURL + "/v1"
}

// openAIClient speaks the OpenAI-compatible chat completions dialect. It is
// shared by every provider type except anthropic.
type openAIClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func newOpenAIClient(apiKey, baseURL string, timeout time.Duration) *openAIClient {
	return &openAIClient{
		apiKey:  apiKey,
		baseURL: NormalizeOpenAIBase(baseURL),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *openAIClient) chat(ctx context.Context, req Request) (string, *Usage, error) {
	body := map[string]interface{}{
		"model":       req.Model,
		"messages":    openAIChatMessages(req),
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	}

	respBody, err := c.doRequest(ctx, "/chat/completions", body)
	if err != nil {
		return "", nil, err
	}
	defer respBody.Close()

	var resp openAIResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("openai: response has no choices")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), resp.Usage.toUsage(), nil
}

func (c *openAIClient) chatWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, model string, maxTokens int, temperature float64) (string, []ToolCall, *Usage, error) {
	body := map[string]interface{}{
		"model":       model,
		"messages":    openAIMessages(messages),
		"max_tokens":  maxTokens,
		"temperature": temperature,
		"tools":       openAITools(tools),
		"tool_choice": "auto",
	}

	respBody, err := c.doRequest(ctx, "/chat/completions", body)
	if err != nil {
		return "", nil, nil, err
	}
	defer respBody.Close()

	var resp openAIResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", nil, nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, nil, fmt.Errorf("openai: response has no choices")
	}

	msg := resp.Choices[0].Message
	return strings.TrimSpace(msg.Content), parseOpenAIToolCalls(msg.ToolCalls), resp.Usage.toUsage(), nil
}

// respondWithFiles uploads document blocks and issues a responses call with
// input_file references. It returns empty text when no document could be
// uploaded, letting the caller fall back to the plain chat path.
func (c *openAIClient) respondWithFiles(ctx context.Context, system, prompt string, blocks []ContentBlock, model string, maxTokens int, temperature float64) (string, *Usage, error) {
	var fileIDs []string
	for i, block := range blocks {
		if block.Type != "document" || block.Data == "" {
			continue
		}
		id, err := c.uploadFile(ctx, block, i)
		if err != nil {
			return "", nil, err
		}
		if id != "" {
			fileIDs = append(fileIDs, id)
		}
	}
	if len(fileIDs) == 0 {
		return "", nil, nil
	}

	userContent := []map[string]interface{}{
		{"type": "input_text", "text": prompt},
	}
	for _, id := range fileIDs {
		userContent = append(userContent, map[string]interface{}{
			"type":    "input_file",
			"file_id": id,
		})
	}

	body := map[string]interface{}{
		"model": model,
		"input": []map[string]interface{}{
			{
				"role":    "system",
				"content": []map[string]interface{}{{"type": "input_text", "text": system}},
			},
			{
				"role":    "user",
				"content": userContent,
			},
		},
		"max_output_tokens": maxTokens,
		"temperature":       temperature,
	}

	respBody, err := c.doRequest(ctx, "/responses", body)
	if err != nil {
		return "", nil, err
	}
	defer respBody.Close()

	var resp openAIResponsesResult
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return "", nil, fmt.Errorf("openai: decode responses result: %w", err)
	}

	return resp.text(), resp.Usage.toUsage(), nil
}

// uploadFile posts one document to the files endpoint and returns its file
// id. A rejected upload yields an empty id without error so the remaining
// documents still get a chance.
func (c *openAIClient) uploadFile(ctx context.Context, block ContentBlock, idx int) (string, error) {
	data, err := base64.StdEncoding.DecodeString(block.Data)
	if err != nil {
		return "", fmt.Errorf("openai: decode document payload: %w", err)
	}

	filename := fmt.Sprintf("upload_%d", idx)
	if i := strings.LastIndex(block.MediaType, "/"); i >= 0 {
		filename += "." + block.MediaType[i+1:]
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("openai: build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("openai: build upload form: %w", err)
	}
	if err := form.WriteField("purpose", "assistants"); err != nil {
		return "", fmt.Errorf("openai: build upload form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("openai: build upload form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return "", nil
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("openai: decode upload result: %w", err)
	}
	return result.ID, nil
}

func (c *openAIClient) doRequest(ctx context.Context, path string, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("openai: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}

// openAIChatMessages builds the (system, user) pair for the single-shot
// path. Image blocks become data-URL parts; documents collapse to a
// placeholder naming their media type.
func openAIChatMessages(req Request) []map[string]interface{} {
	if len(req.Blocks) == 0 {
		return []map[string]interface{}{
			{"role": "system", "content": req.System},
			{"role": "user", "content": req.Prompt},
		}
	}

	content := []map[string]interface{}{
		{"type": "text", "text": req.Prompt},
	}
	for _, b := range req.Blocks {
		switch {
		case b.Type == "image" && b.Data != "" && b.MediaType != "":
			content = append(content, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data),
				},
			})
		case b.Type == "document":
			label := b.MediaType
			if label == "" {
				label = "document"
			}
			content = append(content, map[string]interface{}{
				"type": "text",
				"text": fmt.Sprintf("[document: %s]", label),
			})
		}
	}

	return []map[string]interface{}{
		{"role": "system", "content": req.System},
		{"role": "user", "content": content},
	}
}

// openAIMessages serializes conversation turns to the chat completions
// shape: assistant tool calls carry JSON-string arguments, tool turns keep
// their call id and name.
func openAIMessages(messages []Message) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		entry := map[string]interface{}{"role": m.Role}
		switch m.Role {
		case "assistant":
			entry["content"] = m.Content
			if len(m.ToolCalls) > 0 {
				calls := make([]map[string]interface{}, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					args, err := json.Marshal(tc.Arguments)
					if err != nil {
						args = []byte("{}")
					}
					calls = append(calls, map[string]interface{}{
						"id":   tc.ID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      tc.Name,
							"arguments": string(args),
						},
					})
				}
				entry["tool_calls"] = calls
			}
		case "tool":
			entry["tool_call_id"] = m.ToolCallID
			entry["name"] = m.ToolName
			entry["content"] = m.Content
		default:
			if len(m.Blocks) > 0 {
				entry["content"] = openAIUserContent(m.Content, m.Blocks)
			} else {
				entry["content"] = m.Content
			}
		}
		out = append(out, entry)
	}
	return out
}

func openAIUserContent(text string, blocks []ContentBlock) []map[string]interface{} {
	content := []map[string]interface{}{
		{"type": "text", "text": text},
	}
	for _, b := range blocks {
		switch {
		case b.Type == "text" && b.Text != "":
			content = append(content, map[string]interface{}{
				"type": "text",
				"text": b.Text,
			})
		case b.Type == "image" && b.Data != "" && b.MediaType != "":
			content = append(content, map[string]interface{}{
				"type": "image_url",
				"image_url": map[string]interface{}{
					"url": fmt.Sprintf("data:%s;base64,%s", b.MediaType, b.Data),
				},
			})
		case b.Type == "document":
			content = append(content, map[string]interface{}{
				"type": "text",
				"text": "[document]",
			})
		}
	}
	return content
}

func openAITools(tools []ToolDefinition) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

func parseOpenAIToolCalls(calls []openAIToolCall) []ToolCall {
	var out []ToolCall
	for _, call := range calls {
		args := make(map[string]interface{})
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = make(map[string]interface{})
			}
		}
		out = append(out, ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
	}
	return out
}

// --- OpenAI API types (internal) ---

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *openAIUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// openAIResponsesResult covers the subset of the responses API payload the
// document side-channel needs. Usage keys differ from chat completions.
type openAIResponsesResult struct {
	Output []struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage *responsesUsage `json:"usage"`
}

func (r *openAIResponsesResult) text() string {
	var parts []string
	for _, item := range r.Output {
		if item.Type == "output_text" {
			parts = append(parts, item.Text)
		}
		if item.Type == "message" {
			for _, c := range item.Content {
				if c.Type == "output_text" {
					parts = append(parts, c.Text)
				}
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *responsesUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return &Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
}

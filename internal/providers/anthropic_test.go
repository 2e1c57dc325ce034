package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRuntimeRunAnthropicImageBlocks(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"I see a picture"}],"usage":{"input_tokens":7,"output_tokens":3}}`))
	}))
	defer srv.Close()

	rt, err := NewRuntime(Config{Type: "anthropic", APIKey: "sk-ant", BaseURL: srv.URL, RequestTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	text, usage, err := rt.Run(context.Background(), Request{
		System:      "sys",
		Prompt:      "what is this",
		Blocks:      []ContentBlock{{Type: "image", MediaType: "image/png", Data: "AAA="}},
		Model:       "claude-3-5-haiku-latest",
		MaxTokens:   64,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != "I see a picture" {
		t.Errorf("text = %q, want %q", text, "I see a picture")
	}
	if usage == nil || usage.PromptTokens != 7 || usage.CompletionTokens != 3 || usage.TotalTokens != 10 {
		t.Errorf("usage = %+v, want 7/3/10 after remap", usage)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("path = %q, want /v1/messages", gotPath)
	}
	if gotKey != "sk-ant" || gotVersion != "2023-06-01" {
		t.Errorf("headers = %q/%q, want api key and version", gotKey, gotVersion)
	}
	if gotBody["system"] != "sys" {
		t.Errorf("system = %v, want top-level string", gotBody["system"])
	}

	msgs := gotBody["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	content, ok := msgs[0].(map[string]interface{})["content"].([]interface{})
	if !ok || len(content) != 2 {
		t.Fatalf("content = %v, want text and image blocks", msgs[0])
	}
	textBlock := content[0].(map[string]interface{})
	if textBlock["type"] != "text" || textBlock["text"] != "what is this" {
		t.Errorf("first block = %v, want text block", textBlock)
	}
	imageBlock := content[1].(map[string]interface{})
	source := imageBlock["source"].(map[string]interface{})
	if imageBlock["type"] != "image" || source["type"] != "base64" || source["media_type"] != "image/png" || source["data"] != "AAA=" {
		t.Errorf("second block = %v, want base64 image source", imageBlock)
	}
}

func TestAnthropicWithToolsParsesToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"let me check"},{"type":"tool_use","id":"tu_1","name":"read_file","input":{"path":"a.txt"}}],"stop_reason":"tool_use","usage":{"input_tokens":5,"output_tokens":2}}`))
	}))
	defer srv.Close()

	rt, err := NewRuntime(Config{Type: "anthropic", APIKey: "sk-ant", BaseURL: srv.URL, RequestTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}

	text, calls, usage, err := rt.AnthropicWithTools(context.Background(), "sys",
		[]Message{{Role: "user", Content: "read a.txt"}},
		[]ToolDefinition{{Name: "read_file", Description: "read", Parameters: map[string]interface{}{"type": "object"}}},
		"claude-3-5-haiku-latest", 64, 0.7)
	if err != nil {
		t.Fatalf("AnthropicWithTools: %v", err)
	}
	if text != "let me check" {
		t.Errorf("text = %q, want %q", text, "let me check")
	}
	if len(calls) != 1 || calls[0].ID != "tu_1" || calls[0].Name != "read_file" {
		t.Fatalf("calls = %+v, want one tool_use", calls)
	}
	if calls[0].Arguments["path"] != "a.txt" {
		t.Errorf("arguments = %v, want decoded input", calls[0].Arguments)
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("usage = %+v, want total 7", usage)
	}
}

func TestAnthropicMessagesToolTurns(t *testing.T) {
	msgs := anthropicMessages([]Message{
		{Role: "user", Content: "read a.txt"},
		{Role: "assistant", Content: "checking", ToolCalls: []ToolCall{
			{ID: "tu_1", Name: "read_file", Arguments: map[string]interface{}{"path": "a.txt"}},
		}},
		{Role: "tool", ToolCallID: "tu_1", ToolName: "read_file", Content: "hello"},
	})
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}

	assistant := msgs[1]
	blocks, ok := assistant["content"].([]map[string]interface{})
	if !ok || len(blocks) != 2 {
		t.Fatalf("assistant content = %v, want text and tool_use blocks", assistant["content"])
	}
	if blocks[0]["type"] != "text" || blocks[0]["text"] != "checking" {
		t.Errorf("first block = %v, want text", blocks[0])
	}
	if blocks[1]["type"] != "tool_use" || blocks[1]["id"] != "tu_1" || blocks[1]["name"] != "read_file" {
		t.Errorf("second block = %v, want tool_use", blocks[1])
	}

	result := msgs[2]
	if result["role"] != "user" {
		t.Errorf("tool result role = %v, want user", result["role"])
	}
	resultBlocks := result["content"].([]map[string]interface{})
	if len(resultBlocks) != 1 || resultBlocks[0]["type"] != "tool_result" || resultBlocks[0]["tool_use_id"] != "tu_1" {
		t.Fatalf("tool result = %v, want tool_result block", result["content"])
	}
	nested := resultBlocks[0]["content"].([]map[string]interface{})
	if len(nested) != 1 || nested[0]["text"] != "hello" {
		t.Errorf("tool result content = %v, want nested text block", nested)
	}
}

func TestAnthropicToolsShape(t *testing.T) {
	tools := anthropicTools([]ToolDefinition{{
		Name:        "exec",
		Description: "run a command",
		Parameters:  map[string]interface{}{"type": "object"},
	}})
	if len(tools) != 1 {
		t.Fatalf("len = %d, want 1", len(tools))
	}
	if tools[0]["name"] != "exec" || tools[0]["input_schema"] == nil {
		t.Errorf("tool = %v, want name and input_schema", tools[0])
	}
	if _, hasFn := tools[0]["function"]; hasFn {
		t.Errorf("tool = %v, must not carry the function wrapper", tools[0])
	}
}

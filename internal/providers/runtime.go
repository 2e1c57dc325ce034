package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Config selects and parameterizes the upstream provider.
type Config struct {
	Type           string
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration
}

// Runtime routes chat requests to the provider selected by the config type
// tag (openai, anthropic, deepseek, minimax, custom). Anthropic gets a
// distinct client; every other type shares the OpenAI-compatible one.
// Clients are constructed lazily on first use.
type Runtime struct {
	cfg Config

	openaiOnce    sync.Once
	openai        *openAIClient
	anthropicOnce sync.Once
	anthropic     *anthropicClient
}

// NewRuntime validates the provider configuration. A missing API key is
// fatal, as is a missing base URL for the deepseek and minimax types.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("providers: API key not set")
	}
	switch kind := providerKind(cfg.Type); kind {
	case "deepseek", "minimax":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("providers: baseUrl is required for %s", kind)
		}
	}
	return &Runtime{cfg: cfg}, nil
}

func providerKind(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// Kind returns the normalized provider type tag.
func (r *Runtime) Kind() string {
	return providerKind(r.cfg.Type)
}

// IsAnthropic reports whether requests use the Anthropic dialect.
func (r *Runtime) IsAnthropic() bool {
	return r.Kind() == "anthropic"
}

func (r *Runtime) openaiClient() *openAIClient {
	r.openaiOnce.Do(func() {
		r.openai = newOpenAIClient(r.cfg.APIKey, r.cfg.BaseURL, r.cfg.RequestTimeout)
	})
	return r.openai
}

func (r *Runtime) anthropicClient() *anthropicClient {
	r.anthropicOnce.Do(func() {
		r.anthropic = newAnthropicClient(r.cfg.APIKey, r.cfg.BaseURL, r.cfg.RequestTimeout)
	})
	return r.anthropic
}

// Run performs a single chat exchange without tools. On the openai type a
// request carrying documents first attempts the upload-then-respond flow
// and falls back silently to the plain chat call.
func (r *Runtime) Run(ctx context.Context, req Request) (string, *Usage, error) {
	if r.IsAnthropic() {
		return r.anthropicClient().chat(ctx, req)
	}

	client := r.openaiClient()
	if r.Kind() == "openai" {
		if docs := documentBlocks(req.Blocks); len(docs) > 0 {
			text, usage, err := client.respondWithFiles(ctx, req.System, req.Prompt, docs, req.Model, req.MaxTokens, req.Temperature)
			if err == nil && text != "" {
				return text, usage, nil
			}
		}
	}
	return client.chat(ctx, req)
}

// OpenAIWithTools runs one tool-aware exchange on the OpenAI-compatible
// dialect. The system prompt is expected inside messages.
func (r *Runtime) OpenAIWithTools(ctx context.Context, messages []Message, tools []ToolDefinition, model string, maxTokens int, temperature float64) (string, []ToolCall, *Usage, error) {
	return r.openaiClient().chatWithTools(ctx, messages, tools, model, maxTokens, temperature)
}

// AnthropicWithTools runs one tool-aware exchange on the Anthropic dialect.
func (r *Runtime) AnthropicWithTools(ctx context.Context, system string, messages []Message, tools []ToolDefinition, model string, maxTokens int, temperature float64) (string, []ToolCall, *Usage, error) {
	return r.anthropicClient().chatWithTools(ctx, system, messages, tools, model, maxTokens, temperature)
}

// DocumentContext extracts document content through the upload-then-respond
// flow on the OpenAI-compatible client. Returns empty text when nothing
// could be uploaded.
func (r *Runtime) DocumentContext(ctx context.Context, system, prompt string, documents []ContentBlock, model string, maxTokens int, temperature float64) (string, *Usage, error) {
	if len(documents) == 0 {
		return "", nil, nil
	}
	return r.openaiClient().respondWithFiles(ctx, system, prompt, documents, model, maxTokens, temperature)
}

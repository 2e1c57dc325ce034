// Package agent drives one conversation turn to completion: system prompt
// assembly, provider calls, tool dispatch and transcript bookkeeping.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/hooks"
	"github.com/nextlevelbuilder/ember/internal/mcp"
	"github.com/nextlevelbuilder/ember/internal/providers"
	"github.com/nextlevelbuilder/ember/internal/sessions"
	"github.com/nextlevelbuilder/ember/internal/tools"
	"github.com/nextlevelbuilder/ember/internal/usage"
)

// User-visible fallback replies. The gateway reuses ErrorReply when a
// message handler fails.
const (
	MaxIterationsReply = "Sorry, I reached the maximum tool iterations."
	ErrorReply         = "Sorry, I encountered an error processing your message."
)

const (
	docReaderSystem  = "You are a precise document reader."
	summarizerSystem = "You are a concise summarizer."
)

// ModelRuntime is the provider surface the runner drives.
// *providers.Runtime implements it.
type ModelRuntime interface {
	Kind() string
	IsAnthropic() bool
	Run(ctx context.Context, req providers.Request) (string, *providers.Usage, error)
	OpenAIWithTools(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, maxTokens int, temperature float64) (string, []providers.ToolCall, *providers.Usage, error)
	AnthropicWithTools(ctx context.Context, system string, messages []providers.Message, tools []providers.ToolDefinition, model string, maxTokens int, temperature float64) (string, []providers.ToolCall, *providers.Usage, error)
	DocumentContext(ctx context.Context, system, prompt string, documents []providers.ContentBlock, model string, maxTokens int, temperature float64) (string, *providers.Usage, error)
}

// Runner owns the conversation store and everything that feeds a model
// request. One Runner serves all sessions; per-session serialization is the
// caller's job via Lock.
type Runner struct {
	cfg     *config.Config
	runtime ModelRuntime
	store   *sessions.Store
	tools   *tools.Registry
	hooks   *hooks.Manager
	memory  *MemoryStore
	skills  *SkillSet
	tracker *usage.Tracker
	logger  *slog.Logger

	basePrompt string
}

// NewRunner wires the runner from config. The MCP manager may be nil when
// no child tool servers are configured.
func NewRunner(cfg *config.Config, runtime ModelRuntime, mcpMgr *mcp.Manager, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	hookMgr := hooks.NewManager(cfg.Hooks, logger)
	r := &Runner{
		cfg:        cfg,
		runtime:    runtime,
		store:      sessions.NewStore(cfg.AutoCompact, cfg.Agent.MaxTokens),
		hooks:      hookMgr,
		tools:      tools.NewRegistry(cfg.Tools, cfg.Agent.Workspace, hookMgr, mcpMgr),
		memory:     NewMemoryStore(cfg.Agent.Workspace),
		logger:     logger,
		basePrompt: readPromptFiles(cfg.Agent.Workspace),
	}

	if cfg.Skills.Enabled {
		dir := cfg.Skills.Dir
		if dir == "" {
			dir = PickSkillDir(cfg.Agent.Workspace)
		}
		r.skills = NewSkillSet(dir, logger)
	}
	if cfg.TokenTracking.Enabled {
		tracker, err := usage.NewTracker(config.ExpandHome(cfg.TokenTracking.Path))
		if err != nil {
			return nil, fmt.Errorf("token tracking: %w", err)
		}
		r.tracker = tracker
	}
	return r, nil
}

// Lock returns the mutex serializing runs for one session.
func (r *Runner) Lock(sessionID string) *sync.Mutex {
	return r.store.Lock(sessionID)
}

// WatchSkills keeps the skill catalog in sync with on-disk edits until ctx
// is done. No-op when skills are disabled.
func (r *Runner) WatchSkills(ctx context.Context) {
	if r.skills != nil {
		r.skills.Watch(ctx)
	}
}

// Run executes one user turn and returns the assistant reply. The
// transcript always ends on an assistant turn unless an error is returned.
func (r *Runner) Run(ctx context.Context, sessionID, prompt string, blocks []providers.ContentBlock) (string, error) {
	conv := r.store.GetOrCreate(sessionID)

	if len(blocks) > 0 {
		conv.AddUserBlocks(prompt, blocks)
	} else {
		conv.AddUser(prompt)
	}

	// Document pre-extraction rides only the openai type; the other
	// OpenAI-compatible providers lack the files endpoint and Anthropic
	// reads documents natively.
	if docs := documentsOf(blocks); len(docs) > 0 && r.runtime.Kind() == "openai" {
		r.extractDocuments(ctx, conv, prompt, docs)
	}

	if err := r.maybeCompact(ctx, conv); err != nil {
		return "", err
	}

	iterations := r.cfg.Agent.MaxToolIterations
	if iterations < 1 {
		iterations = 1
	}
	for i := 0; i < iterations; i++ {
		system := r.systemPrompt(prompt, conv.Summary)
		defs := r.tools.Definitions()

		if len(defs) == 0 {
			text, u, err := r.runtime.Run(ctx, providers.Request{
				System:      system,
				Prompt:      prompt,
				Blocks:      blocks,
				Model:       r.cfg.Agent.Model,
				MaxTokens:   r.cfg.Agent.MaxTokens,
				Temperature: r.cfg.Agent.Temperature,
			})
			if err != nil {
				return "", err
			}
			r.track(u)
			if text != "" {
				conv.AddAssistant(text)
				r.hooks.RunStop(ctx, map[string]string{"final": text})
				return text, nil
			}
			break
		}

		var (
			text  string
			calls []providers.ToolCall
			u     *providers.Usage
			err   error
		)
		if r.runtime.IsAnthropic() {
			text, calls, u, err = r.runtime.AnthropicWithTools(ctx, system, conv.History(), defs,
				r.cfg.Agent.Model, r.cfg.Agent.MaxTokens, r.cfg.Agent.Temperature)
		} else {
			text, calls, u, err = r.runtime.OpenAIWithTools(ctx, conv.WireMessages(system), defs,
				r.cfg.Agent.Model, r.cfg.Agent.MaxTokens, r.cfg.Agent.Temperature)
		}
		if err != nil {
			return "", err
		}
		r.track(u)

		if len(calls) > 0 {
			conv.AddAssistantToolCalls(text, calls)
			for _, call := range calls {
				if call.Name == "" {
					continue
				}
				result := r.tools.Execute(ctx, call.Name, call.Arguments)
				conv.AddToolResult(call.ID, call.Name, result)
			}
			continue
		}

		if text != "" {
			conv.AddAssistant(text)
			r.hooks.RunStop(ctx, map[string]string{"final": text})
			return text, nil
		}
	}

	r.hooks.RunStop(ctx, map[string]string{"final": MaxIterationsReply})
	return MaxIterationsReply, nil
}

// systemPrompt assembles, in order: persona files, memory context, MCP
// server names, matched skill bodies, rolling summary. Empty sections are
// skipped; sections are blank-line separated.
func (r *Runner) systemPrompt(message, summary string) string {
	var parts []string
	if r.basePrompt != "" {
		parts = append(parts, r.basePrompt)
	}
	if mem := r.memory.Context(); mem != "" {
		parts = append(parts, mem)
	}
	if len(r.cfg.MCP.Servers) > 0 {
		names := make([]string, 0, len(r.cfg.MCP.Servers))
		for _, srv := range r.cfg.MCP.Servers {
			names = append(names, srv.Name)
		}
		parts = append(parts, "# MCP Servers\n"+strings.Join(names, "\n"))
	}
	if r.skills != nil {
		var blocks []string
		for _, skill := range r.skills.Match(message) {
			if skill.Body != "" {
				blocks = append(blocks, fmt.Sprintf("# Skill: %s\n%s", skill.Name, skill.Body))
			}
		}
		if len(blocks) > 0 {
			parts = append(parts, strings.Join(blocks, "\n\n"))
		}
	}
	if summary != "" {
		parts = append(parts, "# Summary\n"+summary)
	}
	return strings.Join(parts, "\n\n")
}

// extractDocuments condenses attached documents into notes on the last user
// turn so tool iterations keep working from plain text. Best-effort:
// failures leave the turn untouched.
func (r *Runner) extractDocuments(ctx context.Context, conv *sessions.Conversation, prompt string, docs []providers.ContentBlock) {
	docPrompt := "Read the attached documents and extract the key factual details needed to answer the user's request. " +
		"Return concise notes without analysis.\n\nUser request:\n" + prompt

	notes, u, err := r.runtime.DocumentContext(ctx, docReaderSystem, docPrompt, docs,
		r.cfg.Agent.Model, min(1024, r.cfg.Agent.MaxTokens), 0.2)
	if err != nil {
		r.logger.Debug("document extraction failed", "error", err)
		return
	}
	r.track(u)
	if notes = strings.TrimSpace(notes); notes != "" {
		conv.AppendToLastUser("[Document context]\n" + notes)
	}
}

// maybeCompact folds older turns into the rolling summary once the
// transcript crosses the size threshold.
func (r *Runner) maybeCompact(ctx context.Context, conv *sessions.Conversation) error {
	if !r.store.ShouldCompact(conv) {
		return nil
	}
	old := r.store.CompactMessages(conv)
	if len(old) == 0 {
		return nil
	}

	lines := make([]string, 0, len(old))
	for _, m := range old {
		lines = append(lines, m.Role+": "+m.Content)
	}
	summary, _, err := r.runtime.Run(ctx, providers.Request{
		System:      summarizerSystem,
		Prompt:      "Summarize the following conversation succinctly, keep important facts and decisions:\n" + strings.Join(lines, "\n"),
		Model:       r.cfg.Agent.Model,
		MaxTokens:   min(512, r.cfg.Agent.MaxTokens),
		Temperature: 0.2,
	})
	if err != nil {
		return fmt.Errorf("compaction summarize: %w", err)
	}
	conv.Summary = strings.TrimSpace(summary)
	return nil
}

func (r *Runner) track(u *providers.Usage) {
	if r.tracker == nil {
		return
	}
	if rec := usage.BuildUsage(r.cfg.Provider.Type, r.cfg.Agent.Model, u); rec != nil {
		if err := r.tracker.Record(rec); err != nil {
			r.logger.Debug("usage record failed", "error", err)
		}
	}
}

// readPromptFiles joins the persona files. The legacy names are read only
// when neither primary file exists.
func readPromptFiles(workspace string) string {
	var parts []string
	found := false
	for _, name := range []string{"PROMPT.md", "PERSONA.md"} {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if err != nil {
			continue
		}
		found = true
		if p := strings.TrimSpace(string(data)); p != "" {
			parts = append(parts, p)
		}
	}
	if !found {
		for _, name := range []string{"AGENTS.md", "SOUL.md"} {
			data, err := os.ReadFile(filepath.Join(workspace, name))
			if err != nil {
				continue
			}
			if p := strings.TrimSpace(string(data)); p != "" {
				parts = append(parts, p)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func documentsOf(blocks []providers.ContentBlock) []providers.ContentBlock {
	var docs []providers.ContentBlock
	for _, b := range blocks {
		if b.Type == "document" {
			docs = append(docs, b)
		}
	}
	return docs
}

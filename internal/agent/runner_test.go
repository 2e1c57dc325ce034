package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// fakeRuntime scripts tool-aware responses and records every request.
type fakeRuntime struct {
	kind string

	steps []fakeStep
	call  int

	wireMessages [][]providers.Message
	systems      []string

	runText     string
	runRequests []providers.Request

	docNotes string
	docCalls int
}

type fakeStep struct {
	text  string
	calls []providers.ToolCall
}

func (f *fakeRuntime) Kind() string      { return f.kind }
func (f *fakeRuntime) IsAnthropic() bool { return f.kind == "anthropic" }

func (f *fakeRuntime) Run(ctx context.Context, req providers.Request) (string, *providers.Usage, error) {
	f.runRequests = append(f.runRequests, req)
	return f.runText, &providers.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, nil
}

func (f *fakeRuntime) next(messages []providers.Message, system string) (string, []providers.ToolCall, *providers.Usage, error) {
	f.wireMessages = append(f.wireMessages, messages)
	f.systems = append(f.systems, system)
	if f.call >= len(f.steps) {
		return "", nil, nil, nil
	}
	step := f.steps[f.call]
	f.call++
	return step.text, step.calls, &providers.Usage{TotalTokens: 3}, nil
}

func (f *fakeRuntime) OpenAIWithTools(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, maxTokens int, temperature float64) (string, []providers.ToolCall, *providers.Usage, error) {
	system := ""
	if len(messages) > 0 && messages[0].Role == "system" {
		system = messages[0].Content
	}
	return f.next(messages, system)
}

func (f *fakeRuntime) AnthropicWithTools(ctx context.Context, system string, messages []providers.Message, tools []providers.ToolDefinition, model string, maxTokens int, temperature float64) (string, []providers.ToolCall, *providers.Usage, error) {
	return f.next(messages, system)
}

func (f *fakeRuntime) DocumentContext(ctx context.Context, system, prompt string, documents []providers.ContentBlock, model string, maxTokens int, temperature float64) (string, *providers.Usage, error) {
	f.docCalls++
	return f.docNotes, &providers.Usage{TotalTokens: 1}, nil
}

func testConfig(workspace string) *config.Config {
	cfg := config.Default()
	cfg.Provider.APIKey = "test-key"
	cfg.Agent.Workspace = workspace
	cfg.Skills.Enabled = false
	cfg.TokenTracking.Enabled = false
	cfg.AutoCompact.Enabled = false
	return cfg
}

func newTestRunner(t *testing.T, cfg *config.Config, rt ModelRuntime) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, rt, nil, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestToolLoopReadFileRoundTrip(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, "notes.md"), []byte("X"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := &fakeRuntime{
		kind: "openai",
		steps: []fakeStep{
			{calls: []providers.ToolCall{{ID: "call-1", Name: "read_file", Arguments: map[string]interface{}{"path": "notes.md"}}}},
			{text: "The file says X."},
		},
	}
	runner := newTestRunner(t, testConfig(workspace), rt)

	reply, err := runner.Run(context.Background(), "cli:test", "what do my notes say?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "The file says X." {
		t.Fatalf("reply = %q", reply)
	}

	conv := runner.store.GetOrCreate("cli:test")
	msgs := conv.Messages
	if len(msgs) != 4 {
		t.Fatalf("transcript has %d turns, want user/assistant+calls/tool/assistant", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("turn 1 = %+v, want assistant tool-call turn", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call-1" || msgs[2].Content != "X" {
		t.Fatalf("turn 2 = %+v, want tool result X for call-1", msgs[2])
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != "The file says X." {
		t.Fatalf("turn 3 = %+v", msgs[3])
	}

	// The second wire request must carry the tool result back to the model.
	if len(rt.wireMessages) != 2 {
		t.Fatalf("model called %d times, want 2", len(rt.wireMessages))
	}
	second := rt.wireMessages[1]
	found := false
	for _, m := range second {
		if m.Role == "tool" && m.ToolCallID == "call-1" && m.Content == "X" {
			found = true
		}
	}
	if !found {
		t.Error("second request is missing the tool result turn")
	}
}

func TestToolLoopExhaustionFallback(t *testing.T) {
	workspace := t.TempDir()
	cfg := testConfig(workspace)
	cfg.Agent.MaxToolIterations = 2

	loop := []providers.ToolCall{{ID: "c", Name: "list_dir", Arguments: map[string]interface{}{"path": "."}}}
	rt := &fakeRuntime{
		kind: "openai",
		steps: []fakeStep{
			{calls: loop},
			{calls: loop},
			{calls: loop},
		},
	}
	runner := newTestRunner(t, cfg, rt)

	reply, err := runner.Run(context.Background(), "cli:test", "loop forever", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != MaxIterationsReply {
		t.Fatalf("reply = %q, want the iteration fallback", reply)
	}
	if len(rt.wireMessages) != 2 {
		t.Fatalf("model called %d times, want exactly maxToolIterations", len(rt.wireMessages))
	}
}

func TestCompactionSummarizesPrefix(t *testing.T) {
	workspace := t.TempDir()
	cfg := testConfig(workspace)
	cfg.AutoCompact = config.AutoCompactConfig{Enabled: true, Threshold: 0.8, PreserveCount: 5}
	cfg.Agent.MaxTokens = 1024

	rt := &fakeRuntime{
		kind:    "openai",
		runText: "summary text",
		steps:   []fakeStep{{text: "done"}},
	}
	runner := newTestRunner(t, cfg, rt)

	conv := runner.store.GetOrCreate("cli:test")
	filler := strings.Repeat("a", 400)
	for i := 0; i < 30; i++ {
		conv.AddUser(filler)
	}

	reply, err := runner.Run(context.Background(), "cli:test", "hello", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "done" {
		t.Fatalf("reply = %q", reply)
	}
	if conv.Summary != "summary text" {
		t.Fatalf("summary = %q", conv.Summary)
	}
	// 31 turns compacted to the 5-turn tail, then the assistant reply.
	if len(conv.Messages) != 6 {
		t.Fatalf("transcript has %d turns after compaction, want 6", len(conv.Messages))
	}

	if len(rt.runRequests) != 1 || rt.runRequests[0].System != summarizerSystem {
		t.Fatalf("summarize request = %+v", rt.runRequests)
	}

	// The next model call sees the summary as a second system turn.
	wire := rt.wireMessages[0]
	if len(wire) < 2 || wire[1].Role != "system" || wire[1].Content != "# Summary\nsummary text" {
		t.Fatalf("wire[1] = %+v, want the summary system turn", wire[1])
	}
	// And inside the assembled system prompt.
	if !strings.Contains(rt.systems[0], "# Summary\nsummary text") {
		t.Error("system prompt is missing the summary section")
	}
}

func TestDocumentExtractionAppendsNotes(t *testing.T) {
	workspace := t.TempDir()

	blocks := []providers.ContentBlock{{Type: "document", Data: "QUFB", MediaType: "application/pdf"}}

	t.Run("openai extracts", func(t *testing.T) {
		rt := &fakeRuntime{kind: "openai", docNotes: "doc notes", steps: []fakeStep{{text: "ok"}}}
		runner := newTestRunner(t, testConfig(workspace), rt)

		if _, err := runner.Run(context.Background(), "s", "summarize this", blocks); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if rt.docCalls != 1 {
			t.Fatalf("DocumentContext called %d times, want 1", rt.docCalls)
		}
		conv := runner.store.GetOrCreate("s")
		user := conv.Messages[0]
		last := user.Blocks[len(user.Blocks)-1]
		if last.Type != "text" || last.Text != "[Document context]\ndoc notes" {
			t.Fatalf("appended block = %+v", last)
		}
	})

	t.Run("other dialects skip extraction", func(t *testing.T) {
		for _, kind := range []string{"anthropic", "deepseek"} {
			rt := &fakeRuntime{kind: kind, steps: []fakeStep{{text: "ok"}}}
			runner := newTestRunner(t, testConfig(workspace), rt)
			if _, err := runner.Run(context.Background(), "s", "summarize this", blocks); err != nil {
				t.Fatalf("Run(%s): %v", kind, err)
			}
			if rt.docCalls != 0 {
				t.Errorf("%s: DocumentContext called %d times, want 0", kind, rt.docCalls)
			}
		}
	})
}

func TestSystemPromptAssemblyOrder(t *testing.T) {
	workspace := t.TempDir()
	writeWorkspaceFile(t, workspace, "PROMPT.md", "You are Ember.")
	writeWorkspaceFile(t, workspace, "PERSONA.md", "Calm and practical.")
	writeWorkspaceFile(t, workspace, filepath.Join("journal", "LONGTERM.md"), "User prefers short answers.")
	writeWorkspaceFile(t, workspace,
		filepath.Join("recipes", "calc", "SKILL.md"),
		"---\nname: calculator\nkeywords: [math]\n---\nUse the calc tool.")

	cfg := testConfig(workspace)
	cfg.Skills.Enabled = true
	cfg.MCP.Servers = []config.MCPServerConfig{{Name: "files", Command: "mcp-files"}}

	runner := newTestRunner(t, cfg, &fakeRuntime{kind: "openai"})
	prompt := runner.systemPrompt("help me with math homework", "earlier we chose metric units")

	sections := []string{
		"You are Ember.",
		"Calm and practical.",
		"# Long-term Memory",
		"# MCP Servers\nfiles",
		"# Skill: calculator\nUse the calc tool.",
		"# Summary\nearlier we chose metric units",
	}
	pos := -1
	for _, want := range sections {
		idx := strings.Index(prompt, want)
		if idx == -1 {
			t.Fatalf("system prompt is missing %q:\n%s", want, prompt)
		}
		if idx < pos {
			t.Fatalf("section %q out of order:\n%s", want, prompt)
		}
		pos = idx
	}
}

func TestLegacyPersonaFilesReadWhenPrimariesAbsent(t *testing.T) {
	workspace := t.TempDir()
	writeWorkspaceFile(t, workspace, "AGENTS.md", "legacy prompt")
	writeWorkspaceFile(t, workspace, "SOUL.md", "legacy persona")

	if got := readPromptFiles(workspace); got != "legacy prompt\n\nlegacy persona" {
		t.Fatalf("base prompt = %q", got)
	}

	// A primary file suppresses the legacy pair entirely.
	writeWorkspaceFile(t, workspace, "PROMPT.md", "new prompt")
	if got := readPromptFiles(workspace); got != "new prompt" {
		t.Fatalf("base prompt with primary present = %q", got)
	}
}

func writeWorkspaceFile(t *testing.T, workspace, rel, content string) {
	t.Helper()
	path := filepath.Join(workspace, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

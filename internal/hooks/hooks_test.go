package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/ember/internal/config"
)

func TestRunPreExportsPayloadEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hook.out")
	m := NewManager(config.HooksConfig{
		PreToolUse: []config.HookEntry{
			{Command: `printf '%s %s' "$PYCLAW_TOOL" "$PYCLAW_ARGS" > ` + out, Timeout: 5},
		},
	}, nil)

	m.RunPre(context.Background(), "read_file", map[string]string{
		"tool": "read_file",
		"args": `{"path":"a.txt"}`,
	})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook did not run: %v", err)
	}
	if got := string(data); got != `read_file {"path":"a.txt"}` {
		t.Errorf("hook env = %q", got)
	}
}

func TestPatternFiltersByToolName(t *testing.T) {
	dir := t.TempDir()
	matched := filepath.Join(dir, "matched")
	skipped := filepath.Join(dir, "skipped")
	m := NewManager(config.HooksConfig{
		PreToolUse: []config.HookEntry{
			{Command: "touch " + matched, Pattern: "^exec$", Timeout: 5},
			{Command: "touch " + skipped, Pattern: "^read_", Timeout: 5},
		},
	}, nil)

	m.RunPre(context.Background(), "exec", map[string]string{"tool": "exec"})

	if _, err := os.Stat(matched); err != nil {
		t.Error("matching hook did not run")
	}
	if _, err := os.Stat(skipped); err == nil {
		t.Error("non-matching hook ran")
	}
}

func TestInvalidPatternSkipsHook(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	m := NewManager(config.HooksConfig{
		PreToolUse: []config.HookEntry{
			{Command: "touch " + out, Pattern: "([", Timeout: 5},
		},
	}, nil)

	m.RunPre(context.Background(), "exec", map[string]string{"tool": "exec"})

	if _, err := os.Stat(out); err == nil {
		t.Error("hook with invalid pattern ran")
	}
}

func TestStopHookIgnoresPattern(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	m := NewManager(config.HooksConfig{
		Stop: []config.HookEntry{
			{Command: `printf '%s' "$PYCLAW_FINAL" > ` + out, Pattern: "^never_matches$", Timeout: 5},
		},
	}, nil)

	m.RunStop(context.Background(), map[string]string{"final": "done"})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("stop hook did not run: %v", err)
	}
	if string(data) != "done" {
		t.Errorf("final = %q, want done", data)
	}
}

func TestHookTimeoutDoesNotBlock(t *testing.T) {
	m := NewManager(config.HooksConfig{
		PostToolUse: []config.HookEntry{
			{Command: "sleep 10", Timeout: 1},
		},
	}, nil)

	start := time.Now()
	m.RunPost(context.Background(), "exec", map[string]string{"result": "ok"})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("hook ran %v, want killed around the 1s timeout", elapsed)
	}
}

func TestFailingHookIsSwallowed(t *testing.T) {
	m := NewManager(config.HooksConfig{
		PreToolUse: []config.HookEntry{
			{Command: "exit 3", Timeout: 5},
			{Command: "", Timeout: 5},
		},
	}, nil)

	// Must not panic or propagate anything.
	m.RunPre(context.Background(), "exec", map[string]string{"tool": "exec"})
}

func TestPayloadKeysUppercased(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	m := NewManager(config.HooksConfig{
		PostToolUse: []config.HookEntry{
			{Command: `printf '%s' "$PYCLAW_RESULT" > ` + out, Timeout: 5},
		},
	}, nil)

	m.RunPost(context.Background(), "list_dir", map[string]string{"result": `["a","b"]`})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook did not run: %v", err)
	}
	if !strings.Contains(string(data), `["a","b"]`) {
		t.Errorf("result env = %q", data)
	}
}

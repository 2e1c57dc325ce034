package hooks

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/ember/internal/config"
)

// Manager runs configured shell hooks around tool execution and when a
// run produces its final text. Hooks are advisory: failures, timeouts,
// and bad patterns never abort the caller.
type Manager struct {
	cfg    config.HooksConfig
	logger *slog.Logger
}

func NewManager(cfg config.HooksConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// RunPre fires preToolUse hooks whose pattern matches the tool name.
func (m *Manager) RunPre(ctx context.Context, toolName string, payload map[string]string) {
	m.run(ctx, m.cfg.PreToolUse, toolName, payload)
}

// RunPost fires postToolUse hooks whose pattern matches the tool name.
func (m *Manager) RunPost(ctx context.Context, toolName string, payload map[string]string) {
	m.run(ctx, m.cfg.PostToolUse, toolName, payload)
}

// RunStop fires stop hooks. With no tool name, patterns do not filter.
func (m *Manager) RunStop(ctx context.Context, payload map[string]string) {
	m.run(ctx, m.cfg.Stop, "", payload)
}

func (m *Manager) run(ctx context.Context, entries []config.HookEntry, toolName string, payload map[string]string) {
	for _, hook := range entries {
		if hook.Pattern != "" && toolName != "" {
			re, err := regexp.Compile(hook.Pattern)
			if err != nil {
				continue
			}
			if !re.MatchString(toolName) {
				continue
			}
		}
		m.runCommand(ctx, hook, payload)
	}
}

// runCommand executes one hook through the shell with the payload
// exported as PYCLAW_-prefixed environment variables.
func (m *Manager) runCommand(ctx context.Context, hook config.HookEntry, payload map[string]string) {
	if hook.Command == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, hook.TimeoutOrDefault())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", hook.Command)
	cmd.Env = os.Environ()
	for key, value := range payload {
		cmd.Env = append(cmd.Env, "PYCLAW_"+strings.ToUpper(key)+"="+value)
	}

	if err := cmd.Run(); err != nil {
		m.logger.Debug("hook command failed", "command", hook.Command, "error", err)
	}
}

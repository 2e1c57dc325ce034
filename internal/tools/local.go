package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// errOutsideWorkspace is reported when a resolved path escapes the
// workspace while confinement is on.
var errOutsideWorkspace = errors.New("path outside workspace")

// LocalTools is the built-in workspace toolset: read_file, write_file,
// list_dir and exec. Every path argument is resolved against the
// workspace, and with restrictToWorkspace enabled the resolved target
// must stay inside it after symlink resolution.
type LocalTools struct {
	cfg       config.ToolsConfig
	workspace string
}

func NewLocalTools(cfg config.ToolsConfig, workspace string) *LocalTools {
	return &LocalTools{cfg: cfg, workspace: workspace}
}

// Definitions returns the built-in tool definitions in the order they
// are advertised to the model.
func (l *LocalTools) Definitions() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a text file from the workspace",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Write a text file in the workspace, creating parent directories",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "list_dir",
			Description: "List entries of a workspace directory",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "exec",
			Description: "Run a shell command in the workspace",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{"type": "string"},
				},
				"required": []string{"command"},
			},
		},
	}
}

// Execute runs one built-in tool. Expected conditions (missing file,
// empty command, timeout) come back as sentinel strings; real failures
// are returned as errors.
func (l *LocalTools) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case "read_file":
		return l.readFile(args)
	case "write_file":
		return l.writeFile(args)
	case "list_dir":
		return l.listDir(args)
	case "exec":
		command, _ := args["command"].(string)
		if command == "" {
			return "command required", nil
		}
		return l.execCommand(ctx, command)
	}
	return "unknown tool", nil
}

func (l *LocalTools) readFile(args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	resolved, err := l.resolvePath(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return "file not found", nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *LocalTools) writeFile(args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := l.resolvePath(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", err
	}
	return "ok", nil
}

func (l *LocalTools) listDir(args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	resolved, err := l.resolvePath(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "directory not found", nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	data, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *LocalTools) execCommand(ctx context.Context, command string) (string, error) {
	timeout := l.cfg.Timeout()
	if timeout <= 0 {
		timeout = config.DefaultExecTimeout * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = l.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "command timed out", nil
	}
	if err != nil {
		// Non-zero exits still report their output; only failures to
		// run the command at all surface as errors.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", err
		}
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\n" + stderr.String()
	}
	return output, nil
}

// resolvePath joins path against the workspace (absolute paths pass
// through) and, when confinement is on, canonicalizes both sides and
// rejects targets outside the workspace.
func (l *LocalTools) resolvePath(path string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(l.workspace, path))
	}

	if !l.cfg.RestrictToWorkspace {
		return resolved, nil
	}

	wsAbs, err := filepath.Abs(l.workspace)
	if err != nil {
		return "", err
	}
	wsReal, err := filepath.EvalSymlinks(wsAbs)
	if err != nil {
		wsReal = wsAbs
	}

	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		real = resolveThroughAncestors(resolved)
	}

	if !isPathInside(real, wsReal) {
		return "", errOutsideWorkspace
	}
	return real, nil
}

// resolveThroughAncestors canonicalizes the deepest existing ancestor
// of a not-yet-existing path and rejoins the remainder, so new nested
// files still get symlink-aware confinement checks.
func resolveThroughAncestors(path string) string {
	current := path
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if real, err := filepath.EvalSymlinks(current); err == nil {
			for _, comp := range tail {
				real = filepath.Join(real, comp)
			}
			return real
		}
	}
	return filepath.Clean(path)
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

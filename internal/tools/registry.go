package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/hooks"
	"github.com/nextlevelbuilder/ember/internal/mcp"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// Registry routes tool calls: built-in names win, everything else goes
// to MCP when a manager is configured. Pre and post hooks fire around
// every call, and failures inside a tool come back in the result
// string so the agent loop never aborts on a bad call.
type Registry struct {
	local *LocalTools
	hooks *hooks.Manager
	mcp   *mcp.Manager
}

func NewRegistry(cfg config.ToolsConfig, workspace string, hookMgr *hooks.Manager, mcpMgr *mcp.Manager) *Registry {
	return &Registry{
		local: NewLocalTools(cfg, workspace),
		hooks: hookMgr,
		mcp:   mcpMgr,
	}
}

// Definitions lists built-in tools followed by discovered MCP tools.
func (r *Registry) Definitions() []providers.ToolDefinition {
	defs := r.local.Definitions()
	if r.mcp != nil {
		for _, tool := range r.mcp.ListTools() {
			defs = append(defs, tool.Definition)
		}
	}
	return defs
}

// Execute runs one tool call and always produces a result string.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) string {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	if r.hooks != nil {
		r.hooks.RunPre(ctx, name, map[string]string{"tool": name, "args": string(argsJSON)})
	}

	result, err := r.dispatch(ctx, name, args)
	if err != nil {
		result = fmt.Sprintf("error: %v", err)
	}

	if r.hooks != nil {
		r.hooks.RunPost(ctx, name, map[string]string{"tool": name, "result": result})
	}
	return result
}

func (r *Registry) dispatch(ctx context.Context, name string, args map[string]interface{}) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panic: %v", p)
		}
	}()

	for _, def := range r.local.Definitions() {
		if def.Name == name {
			return r.local.Execute(ctx, name, args)
		}
	}
	if r.mcp != nil {
		return r.mcp.CallTool(ctx, name, args)
	}
	return "unknown tool", nil
}

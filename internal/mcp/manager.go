package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

const (
	clientName    = "ember"
	clientVersion = "0.1.0"
)

// Tool is one tool discovered on a connected server.
type Tool struct {
	ServerName string
	Definition providers.ToolDefinition
}

type server struct {
	name   string
	client *mcpclient.Client
}

// Manager owns the configured MCP server processes and routes tool
// calls by name. Tool names collide last-writer-wins across servers;
// local tools always win at the registry layer above.
type Manager struct {
	cfgs   []config.MCPServerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	servers []*server
	byTool  map[string]*server
	tools   []Tool
}

func NewManager(cfgs []config.MCPServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfgs:   cfgs,
		logger: logger,
		byTool: make(map[string]*server),
	}
}

// Start launches every configured server, performs the initialize
// handshake, and catalogs its tools. Servers that fail to come up are
// logged and skipped; the returned error summarizes the failures.
func (m *Manager) Start(ctx context.Context) error {
	var errs []string
	for _, cfg := range m.cfgs {
		if err := m.connect(ctx, cfg); err != nil {
			m.logger.Warn("mcp server failed to start", "server", cfg.Name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", cfg.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("mcp: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, cfg config.MCPServerConfig) error {
	cli, err := newStdioClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := cli.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = cli.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	srv := &server{name: cfg.Name, client: cli}

	m.mu.Lock()
	m.servers = append(m.servers, srv)
	for _, t := range listed.Tools {
		if t.Name == "" {
			continue
		}
		if prev, ok := m.byTool[t.Name]; ok && prev != srv {
			m.logger.Warn("mcp tool name collision",
				"tool", t.Name, "kept", cfg.Name, "shadowed", prev.name)
		}
		m.byTool[t.Name] = srv
		m.tools = append(m.tools, Tool{
			ServerName: cfg.Name,
			Definition: providers.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaMap(t),
			},
		})
	}
	m.mu.Unlock()

	m.logger.Info("mcp server connected", "server", cfg.Name, "tools", len(listed.Tools))
	return nil
}

// newStdioClient spawns the server subprocess over stdio. A configured
// working directory needs the custom command constructor; otherwise the
// stock stdio client suffices.
func newStdioClient(ctx context.Context, cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	env := envSlice(cfg.Env)
	if cfg.Cwd == "" {
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	}

	t := transport.NewStdioWithOptions(cfg.Command, env, cfg.Args,
		transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = append(os.Environ(), env...)
			cmd.Dir = cfg.Cwd
			return cmd, nil
		}))
	cli := mcpclient.NewClient(t)
	if err := cli.Start(ctx); err != nil {
		return nil, err
	}
	return cli, nil
}

// Stop closes every server connection and clears the catalog.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, srv := range m.servers {
		if err := srv.client.Close(); err != nil {
			m.logger.Debug("mcp server close failed", "server", srv.name, "error", err)
		}
	}
	m.servers = nil
	m.tools = nil
	m.byTool = make(map[string]*server)
}

// ListTools returns the discovered tool catalog across all servers.
func (m *Manager) ListTools() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Tool, len(m.tools))
	copy(out, m.tools)
	return out
}

// CallTool routes one invocation to the server owning the name. Text
// content items are joined with newlines; an unknown name reports
// "tool not found" without error so the model sees a normal result.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	m.mu.RLock()
	srv, ok := m.byTool[name]
	m.mu.RUnlock()
	if !ok {
		return "tool not found", nil
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := srv.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp %s: %w", name, err)
	}
	return joinTextContent(result.Content), nil
}

func joinTextContent(contents []mcpgo.Content) string {
	var texts []string
	for _, c := range contents {
		if tc, ok := c.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, "\n"))
}

// schemaMap renders a tool's input schema as a plain map, defaulting to
// an empty object schema when the server omitted one.
func schemaMap(tool mcpgo.Tool) map[string]interface{} {
	objectSchema := map[string]interface{}{"type": "object"}

	data, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return objectSchema
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil || len(schema) == 0 {
		return objectSchema
	}
	if t, ok := schema["type"].(string); !ok || t == "" {
		schema["type"] = "object"
	}
	return schema
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

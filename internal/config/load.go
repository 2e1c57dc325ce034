package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// legacyAliases maps pre-rename top-level keys to their canonical names.
// Aliases are honored on read only when the canonical key is absent;
// Save always writes canonical names.
var legacyAliases = map[string]string{
	"runtime":   "provider",
	"core":      "agent",
	"actions":   "tools",
	"callbacks": "hooks",
	"adapters":  "channels",
	"server":    "gateway",
	"trim":      "autoCompact",
	"usage":     "tokenTracking",
}

// Load reads the config file, overlays env vars, and fills path defaults.
// An empty path resolves to the canonical location, falling back to the
// legacy one when only that exists. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = Path()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = legacyPath()
		}
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil && len(bytes.TrimSpace(data)) > 0 {
		if err := decodeInto(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// decodeInto parses the document, remaps legacy aliases, and unmarshals
// onto cfg so absent keys keep their defaults.
func decodeInto(data []byte, cfg *Config) error {
	var raw map[string]interface{}
	if err := json5.Unmarshal(data, &raw); err != nil {
		return err
	}

	for alias, canonical := range legacyAliases {
		if v, ok := raw[alias]; ok {
			if _, exists := raw[canonical]; !exists {
				raw[canonical] = v
			}
		}
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, cfg)
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	for _, key := range []string{"PYCLAW_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY", "DEEPSEEK_API_KEY", "MINIMAX_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			c.Provider.APIKey = v
			break
		}
	}

	envStr("PYCLAW_PROVIDER_TYPE", &c.Provider.Type)
	envStr("PYCLAW_BASE_URL", &c.Provider.BaseURL)
	envStr("PYCLAW_MODEL", &c.Agent.Model)
	envStr("PYCLAW_WORKSPACE", &c.Agent.Workspace)

	envStr("PYCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("PYCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("PYCLAW_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("PYCLAW_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("PYCLAW_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	envStr("PYCLAW_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("PYCLAW_SLACK_SIGNING_SECRET", &c.Channels.Slack.SigningSecret)
}

// normalize fills derived defaults and drops malformed list entries.
func (c *Config) normalize() {
	if c.Agent.Workspace == "" {
		c.Agent.Workspace = DefaultWorkspace()
	}
	c.Agent.Workspace = ExpandHome(c.Agent.Workspace)

	if c.TokenTracking.Path == "" {
		c.TokenTracking.Path = DefaultUsageLog()
	}
	c.TokenTracking.Path = ExpandHome(c.TokenTracking.Path)

	c.Hooks.PreToolUse = normalizeHooks(c.Hooks.PreToolUse)
	c.Hooks.PostToolUse = normalizeHooks(c.Hooks.PostToolUse)
	c.Hooks.Stop = normalizeHooks(c.Hooks.Stop)

	servers := c.MCP.Servers[:0]
	for _, srv := range c.MCP.Servers {
		if srv.Command == "" {
			continue
		}
		if srv.Name == "" {
			srv.Name = "mcp"
		}
		servers = append(servers, srv)
	}
	c.MCP.Servers = servers
}

func normalizeHooks(entries []HookEntry) []HookEntry {
	out := entries[:0]
	for _, h := range entries {
		if h.Command == "" {
			continue
		}
		if h.Timeout <= 0 {
			h.Timeout = DefaultExecTimeout
		}
		out = append(out, h)
	}
	return out
}

// Save writes the config with canonical key names. The file carries the
// API key, so permissions are tightened to owner-only.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = Path()
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// MaskKey renders a secret as its first and last four characters.
func MaskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

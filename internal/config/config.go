package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/shlex"
)

const (
	DefaultModel             = "gpt-4o-mini"
	DefaultMaxTokens         = 1024
	DefaultTemperature       = 0.7
	DefaultMaxConcurrency    = 4
	DefaultMaxToolIterations = 8
	DefaultRequestTimeout    = 30
	DefaultExecTimeout       = 60
)

// Dir returns the state directory, ~/.ember.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ember")
}

// Path returns the canonical config file location.
func Path() string {
	return filepath.Join(Dir(), "config.json")
}

// legacyPath is the pre-rename config location, still honored on read.
func legacyPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pyclaw", "config.json")
}

// DefaultWorkspace returns the workspace used when none is configured.
func DefaultWorkspace() string {
	return filepath.Join(Dir(), "workspace")
}

// DefaultUsageLog returns the default token usage journal location.
func DefaultUsageLog() string {
	return filepath.Join(Dir(), "usage.jsonl")
}

// Config is the single configuration document. Timeouts are stored in
// seconds the way they appear on disk; use the Duration helpers.
type Config struct {
	Provider      ProviderConfig      `json:"provider"`
	Agent         AgentConfig         `json:"agent"`
	Tools         ToolsConfig         `json:"tools"`
	Hooks         HooksConfig         `json:"hooks"`
	Skills        SkillsConfig        `json:"skills"`
	Channels      ChannelsConfig      `json:"channels"`
	Gateway       GatewayConfig       `json:"gateway"`
	MCP           MCPConfig           `json:"mcp"`
	AutoCompact   AutoCompactConfig   `json:"autoCompact"`
	TokenTracking TokenTrackingConfig `json:"tokenTracking"`
}

// ProviderConfig selects the model API. Type is one of openai, anthropic,
// deepseek, minimax, custom.
type ProviderConfig struct {
	Type           string `json:"type"`
	APIKey         string `json:"apiKey"`
	BaseURL        string `json:"baseUrl"`
	RequestTimeout int    `json:"requestTimeout"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.RequestTimeout) * time.Second
}

type AgentConfig struct {
	Workspace         string  `json:"workspace"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"maxTokens"`
	Temperature       float64 `json:"temperature"`
	MaxConcurrency    int     `json:"maxConcurrency"`
	MaxToolIterations int     `json:"maxToolIterations"`
}

type ToolsConfig struct {
	ExecTimeout         int  `json:"execTimeout"`
	RestrictToWorkspace bool `json:"restrictToWorkspace"`
}

func (t ToolsConfig) Timeout() time.Duration {
	return time.Duration(t.ExecTimeout) * time.Second
}

type AutoCompactConfig struct {
	Enabled       bool    `json:"enabled"`
	Threshold     float64 `json:"threshold"`
	PreserveCount int     `json:"preserveCount"`
}

// HookEntry is one shell command run on a lifecycle event. Pattern, when
// set, restricts the hook to tools whose name contains it.
type HookEntry struct {
	Command string `json:"command"`
	Pattern string `json:"pattern"`
	Timeout int    `json:"timeout"`
}

func (h HookEntry) TimeoutOrDefault() time.Duration {
	if h.Timeout <= 0 {
		return DefaultExecTimeout * time.Second
	}
	return time.Duration(h.Timeout) * time.Second
}

type HooksConfig struct {
	PreToolUse  []HookEntry `json:"preToolUse"`
	PostToolUse []HookEntry `json:"postToolUse"`
	Stop        []HookEntry `json:"stop"`
}

type SkillsConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
}

type FeishuConfig struct {
	Enabled           bool     `json:"enabled"`
	AppID             string   `json:"appId"`
	AppSecret         string   `json:"appSecret"`
	VerificationToken string   `json:"verificationToken"`
	Port              int      `json:"port"`
	AllowFrom         []string `json:"allowFrom"`
}

type SlackConfig struct {
	Enabled       bool     `json:"enabled"`
	BotToken      string   `json:"botToken"`
	SigningSecret string   `json:"signingSecret"`
	Port          int      `json:"port"`
	AllowFrom     []string `json:"allowFrom"`
}

type WebUIConfig struct {
	Enabled   bool     `json:"enabled"`
	Port      int      `json:"port"`
	StaticDir string   `json:"staticDir"`
	AllowFrom []string `json:"allowFrom"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Feishu   FeishuConfig   `json:"feishu"`
	Slack    SlackConfig    `json:"slack"`
	WebUI    WebUIConfig    `json:"webui"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MCPServerConfig describes one child tool server. In config it may also
// appear as a plain command-line string, which is split shell-style.
type MCPServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Cwd     string            `json:"cwd"`
}

func (s *MCPServerConfig) UnmarshalJSON(data []byte) error {
	var command string
	if err := json.Unmarshal(data, &command); err == nil {
		parts, err := shlex.Split(command)
		if err != nil || len(parts) == 0 {
			return nil
		}
		s.Name = filepath.Base(parts[0])
		s.Command = parts[0]
		s.Args = parts[1:]
		return nil
	}

	type plain MCPServerConfig
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = MCPServerConfig(p)
	if s.Name == "" {
		s.Name = "mcp"
	}
	return nil
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type TokenTrackingConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Type:           "openai",
			RequestTimeout: DefaultRequestTimeout,
		},
		Agent: AgentConfig{
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxConcurrency:    DefaultMaxConcurrency,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Tools: ToolsConfig{
			ExecTimeout:         DefaultExecTimeout,
			RestrictToWorkspace: true,
		},
		Skills: SkillsConfig{Enabled: true},
		Channels: ChannelsConfig{
			Feishu: FeishuConfig{Port: 9876},
			Slack:  SlackConfig{Port: 3000},
			WebUI:  WebUIConfig{Port: 18790},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		AutoCompact: AutoCompactConfig{
			Enabled:       true,
			Threshold:     0.8,
			PreserveCount: 5,
		},
		TokenTracking: TokenTrackingConfig{
			Path: DefaultUsageLog(),
		},
	}
}

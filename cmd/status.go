package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/ember/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfgFile
	if path == "" {
		path = config.Path()
	}

	fmt.Printf("Config: %s\n", path)
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Provider: %s\n", cfg.Provider.Type)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("API Key: %s\n", config.MaskKey(cfg.Provider.APIKey))
	fmt.Printf("Telegram: enabled=%t\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("Discord: enabled=%t\n", cfg.Channels.Discord.Enabled)
	fmt.Printf("Feishu: enabled=%t\n", cfg.Channels.Feishu.Enabled)
	fmt.Printf("Slack: enabled=%t\n", cfg.Channels.Slack.Enabled)
	fmt.Printf("WebUI: enabled=%t\n", cfg.Channels.WebUI.Enabled)
	if len(cfg.MCP.Servers) > 0 {
		fmt.Printf("MCP servers: %d\n", len(cfg.MCP.Servers))
	}
	return nil
}

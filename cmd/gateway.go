package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/ember/internal/agent"
	"github.com/nextlevelbuilder/ember/internal/gateway"
	"github.com/nextlevelbuilder/ember/internal/mcp"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway with all enabled channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runtime, err := buildRuntime(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Agent.Workspace, 0755); err != nil {
		return err
	}

	// The gateway starts the MCP servers itself, before the channels.
	var mcpMgr *mcp.Manager
	if len(cfg.MCP.Servers) > 0 {
		mcpMgr = mcp.NewManager(cfg.MCP.Servers, slog.Default())
	}

	runner, err := agent.NewRunner(cfg, runtime, mcpMgr, slog.Default())
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg, runner, mcpMgr, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
	}()

	go runner.WatchSkills(ctx)

	slog.Info("ember gateway starting",
		"version", Version,
		"model", cfg.Agent.Model,
		"provider", cfg.Provider.Type,
		"workspace", cfg.Agent.Workspace,
	)
	return gw.Run(ctx)
}

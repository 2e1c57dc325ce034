package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/ember/internal/agent"
	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/mcp"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// cliSession is the conversation key for direct terminal chats.
const cliSession = "cli:interactive"

func agentCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the agent directly (single message or REPL)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")
	return cmd
}

// buildRuntime maps the provider section onto the model runtime.
func buildRuntime(cfg *config.Config) (*providers.Runtime, error) {
	return providers.NewRuntime(providers.Config{
		Type:           cfg.Provider.Type,
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		RequestTimeout: cfg.Provider.Timeout(),
	})
}

func runAgent(message string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runtime, err := buildRuntime(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()

	var mcpMgr *mcp.Manager
	if len(cfg.MCP.Servers) > 0 {
		mcpMgr = mcp.NewManager(cfg.MCP.Servers, slog.Default())
		if err := mcpMgr.Start(ctx); err != nil {
			return fmt.Errorf("start mcp servers: %w", err)
		}
		defer mcpMgr.Stop()
	}

	runner, err := agent.NewRunner(cfg, runtime, mcpMgr, slog.Default())
	if err != nil {
		return err
	}

	if message != "" {
		reply, err := runner.Run(ctx, cliSession, message, nil)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	fmt.Println("ember agent (type 'exit' to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		reply, err := runner.Run(ctx, cliSession, line, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		fmt.Println(reply)
	}
	return scanner.Err()
}

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nextlevelbuilder/ember/internal/bootstrap"
	"github.com/nextlevelbuilder/ember/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: provider, channels, workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Without a terminal (CI, docker build) skip the wizard and just seed.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if err := onboardForm(cfg); err != nil {
			return err
		}
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = config.DefaultWorkspace()
	}
	cfg.Agent.Workspace = config.ExpandHome(cfg.Agent.Workspace)

	created, err := bootstrap.EnsureWorkspaceFiles(cfg.Agent.Workspace)
	if err != nil {
		return fmt.Errorf("seed workspace: %w", err)
	}

	path := cfgFile
	if path == "" {
		path = config.Path()
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Config: %s\n", path)
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	if len(created) > 0 {
		fmt.Printf("Seeded: %s\n", strings.Join(created, ", "))
	}
	fmt.Println("Next steps:")
	if cfg.Provider.APIKey == "" {
		fmt.Println("  1. Edit config.json to set your API key")
		fmt.Println("  2. Or set PYCLAW_API_KEY in your environment")
	}
	fmt.Println(`  Run 'ember agent -m "Hello"' to try it out`)
	return nil
}

// onboardForm walks the interactive setup. Existing config values are the
// defaults, so re-running onboard only changes what the user edits.
func onboardForm(cfg *config.Config) error {
	var (
		tg = &cfg.Channels.Telegram
		dc = &cfg.Channels.Discord
		fs = &cfg.Channels.Feishu
		sl = &cfg.Channels.Slack
		wu = &cfg.Channels.WebUI
	)

	var (
		tgAllow    = strings.Join(tg.AllowFrom, ",")
		dcAllow    = strings.Join(dc.AllowFrom, ",")
		fsAllow    = strings.Join(fs.AllowFrom, ",")
		slAllow    = strings.Join(sl.AllowFrom, ",")
		wuAllow    = strings.Join(wu.AllowFrom, ",")
		feishuPort = strconv.Itoa(fs.Port)
		slackPort  = strconv.Itoa(sl.Port)
		webuiPort  = strconv.Itoa(wu.Port)
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace path").
				Description("Persona files, journal, and recipes live here").
				Value(&cfg.Agent.Workspace),
			huh.NewSelect[string]().
				Title("Provider type").
				Options(huh.NewOptions("openai", "anthropic", "deepseek", "minimax", "custom")...).
				Value(&cfg.Provider.Type),
			huh.NewInput().
				Title("API key").
				Description("Leave blank to keep the current value").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Provider.APIKey),
			huh.NewInput().
				Title("Base URL").
				Description("Required for deepseek, minimax, and custom").
				Value(&cfg.Provider.BaseURL),
			huh.NewInput().
				Title("Model").
				Value(&cfg.Agent.Model),
		),

		huh.NewGroup(
			huh.NewConfirm().Title("Enable Telegram adapter?").Value(&tg.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().Title("Telegram bot token").EchoMode(huh.EchoModePassword).Value(&tg.Token),
			huh.NewInput().Title("Telegram allowFrom (comma-separated, empty = all)").Value(&tgAllow),
		).WithHideFunc(func() bool { return !tg.Enabled }),

		huh.NewGroup(
			huh.NewConfirm().Title("Enable Discord adapter?").Value(&dc.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().Title("Discord bot token").EchoMode(huh.EchoModePassword).Value(&dc.Token),
			huh.NewInput().Title("Discord allowFrom (comma-separated, empty = all)").Value(&dcAllow),
		).WithHideFunc(func() bool { return !dc.Enabled }),

		huh.NewGroup(
			huh.NewConfirm().Title("Enable Feishu adapter?").Value(&fs.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().Title("Feishu App ID").Value(&fs.AppID),
			huh.NewInput().Title("Feishu App Secret").EchoMode(huh.EchoModePassword).Value(&fs.AppSecret),
			huh.NewInput().Title("Feishu Verification Token").Value(&fs.VerificationToken),
			huh.NewInput().Title("Feishu listen port").Validate(validatePort).Value(&feishuPort),
			huh.NewInput().Title("Feishu allowFrom (comma-separated, empty = all)").Value(&fsAllow),
		).WithHideFunc(func() bool { return !fs.Enabled }),

		huh.NewGroup(
			huh.NewConfirm().Title("Enable Slack adapter?").Value(&sl.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().Title("Slack Bot Token").EchoMode(huh.EchoModePassword).Value(&sl.BotToken),
			huh.NewInput().Title("Slack Signing Secret").EchoMode(huh.EchoModePassword).Value(&sl.SigningSecret),
			huh.NewInput().Title("Slack listen port").Validate(validatePort).Value(&slackPort),
			huh.NewInput().Title("Slack allowFrom (comma-separated, empty = all)").Value(&slAllow),
		).WithHideFunc(func() bool { return !sl.Enabled }),

		huh.NewGroup(
			huh.NewConfirm().Title("Enable Web UI?").Value(&wu.Enabled),
		),
		huh.NewGroup(
			huh.NewInput().Title("Web UI port").Validate(validatePort).Value(&webuiPort),
			huh.NewInput().Title("Web UI allow tokens (comma-separated, empty = all)").Value(&wuAllow),
		).WithHideFunc(func() bool { return !wu.Enabled }),
	)

	if err := form.Run(); err != nil {
		return err
	}

	tg.AllowFrom = splitList(tgAllow)
	dc.AllowFrom = splitList(dcAllow)
	fs.AllowFrom = splitList(fsAllow)
	sl.AllowFrom = splitList(slAllow)
	wu.AllowFrom = splitList(wuAllow)
	fs.Port = atoiOr(feishuPort, fs.Port)
	sl.Port = atoiOr(slackPort, sl.Port)
	wu.Port = atoiOr(webuiPort, wu.Port)
	return nil
}

func validatePort(s string) error {
	if s == "" {
		return nil
	}
	if _, err := strconv.Atoi(s); err != nil {
		return fmt.Errorf("must be a number")
	}
	return nil
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Package gateway assembles the bus, channel adapters, agent runner and
// background services into one runnable unit.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/ember/internal/agent"
	"github.com/nextlevelbuilder/ember/internal/bus"
	"github.com/nextlevelbuilder/ember/internal/channels"
	"github.com/nextlevelbuilder/ember/internal/channels/discord"
	"github.com/nextlevelbuilder/ember/internal/channels/feishu"
	"github.com/nextlevelbuilder/ember/internal/channels/slack"
	"github.com/nextlevelbuilder/ember/internal/channels/telegram"
	"github.com/nextlevelbuilder/ember/internal/channels/webui"
	"github.com/nextlevelbuilder/ember/internal/config"
	"github.com/nextlevelbuilder/ember/internal/cron"
	"github.com/nextlevelbuilder/ember/internal/heartbeat"
	"github.com/nextlevelbuilder/ember/internal/mcp"
	"github.com/nextlevelbuilder/ember/internal/providers"
)

// systemSession is the shared session for cron jobs and heartbeats.
const systemSession = "system"

// shutdownTimeout bounds how long Run waits for in-flight handlers and
// channel teardown after the context is cancelled.
const shutdownTimeout = 10 * time.Second

// AgentRunner is the slice of agent.Runner the gateway drives.
type AgentRunner interface {
	Run(ctx context.Context, sessionID, prompt string, blocks []providers.ContentBlock) (string, error)
	Lock(sessionID string) *sync.Mutex
}

// Gateway owns the message loop: channels publish inbound messages, the
// pump hands each one to the agent under a concurrency cap, and replies go
// back out through the bus dispatcher.
type Gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	runner    AgentRunner
	mcp       *mcp.Manager
	channels  *channels.Manager
	cron      *cron.Service
	heartbeat *heartbeat.Service
	sem       *semaphore.Weighted
	logger    *slog.Logger

	handlers sync.WaitGroup
}

// New wires a gateway from config. The MCP manager may be nil when no child
// tool servers are configured.
func New(cfg *config.Config, runner AgentRunner, mcpMgr *mcp.Manager, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:    cfg,
		bus:    bus.New(),
		runner: runner,
		mcp:    mcpMgr,
		sem:    semaphore.NewWeighted(int64(max(1, cfg.Agent.MaxConcurrency))),
		logger: logger,
	}

	g.channels = channels.NewManager(g.bus)
	if err := g.registerChannels(); err != nil {
		return nil, err
	}

	g.cron = cron.NewService(CronStorePath(), g.runCronJob, logger)
	g.heartbeat = heartbeat.NewService(cfg.Agent.Workspace, g.runHeartbeat, logger)
	return g, nil
}

// CronStorePath returns the persistent job store location.
func CronStorePath() string {
	return filepath.Join(config.Dir(), "data", "cron", "jobs.json")
}

// Cron exposes the job management service.
func (g *Gateway) Cron() *cron.Service { return g.cron }

func (g *Gateway) registerChannels() error {
	chCfg := g.cfg.Channels

	if chCfg.Telegram.Enabled {
		ch, err := telegram.New(chCfg.Telegram, g.bus)
		if err != nil {
			return fmt.Errorf("telegram channel: %w", err)
		}
		g.channels.Register(ch)
	}
	if chCfg.Discord.Enabled {
		ch, err := discord.New(chCfg.Discord, g.bus)
		if err != nil {
			return fmt.Errorf("discord channel: %w", err)
		}
		g.channels.Register(ch)
	}
	if chCfg.Feishu.Enabled {
		ch, err := feishu.New(chCfg.Feishu, g.bus)
		if err != nil {
			return fmt.Errorf("feishu channel: %w", err)
		}
		g.channels.Register(ch)
	}
	if chCfg.Slack.Enabled {
		ch, err := slack.New(chCfg.Slack, g.bus)
		if err != nil {
			return fmt.Errorf("slack channel: %w", err)
		}
		g.channels.Register(ch)
	}
	if chCfg.WebUI.Enabled {
		g.channels.Register(webui.New(chCfg.WebUI, g.cfg.Gateway, g.bus))
	}
	return nil
}

// Run starts every component and blocks until ctx is cancelled. Startup
// order matters: tool servers before channels, channels before the pump, so
// the first inbound message finds everything ready.
func (g *Gateway) Run(ctx context.Context) error {
	if g.mcp != nil {
		if err := g.mcp.Start(ctx); err != nil {
			return fmt.Errorf("mcp manager: %w", err)
		}
	}
	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	go g.bus.DispatchOutbound(ctx)
	go g.processInbound(ctx)

	if err := g.cron.Start(ctx); err != nil {
		return fmt.Errorf("cron service: %w", err)
	}
	g.heartbeat.Start(ctx)

	g.logger.Info("gateway running", "channels", g.channels.Names())
	<-ctx.Done()

	g.shutdown()
	return nil
}

// shutdown tears components down in reverse order. The run context is
// already cancelled, so teardown gets its own deadline.
func (g *Gateway) shutdown() {
	g.logger.Info("gateway stopping")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		g.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown proceeding with handlers still in flight")
	}

	g.heartbeat.Stop()
	g.cron.Stop()
	g.channels.StopAll(ctx)
	if g.mcp != nil {
		g.mcp.Stop()
	}
	g.logger.Info("gateway stopped")
}

// processInbound pulls messages until ctx is done, spawning one handler
// goroutine per message.
func (g *Gateway) processInbound(ctx context.Context) {
	for {
		msg, ok := g.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		g.handlers.Add(1)
		go func() {
			defer g.handlers.Done()
			g.handleMessage(ctx, msg)
		}()
	}
}

// handleMessage runs one agent turn. The semaphore caps concurrent runs
// across sessions; the per-session lock keeps each transcript ordered. A
// failed run still produces a reply so the user is never left hanging.
func (g *Gateway) handleMessage(ctx context.Context, msg bus.InboundMessage) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer g.sem.Release(1)

	session := msg.SessionKey()
	lock := g.runner.Lock(session)
	lock.Lock()
	defer lock.Unlock()

	reply, err := g.runner.Run(ctx, session, msg.Content, msg.Blocks)
	if err != nil {
		g.logger.Error("agent run failed", "session", session, "error", err)
		reply = agent.ErrorReply
	}
	if reply == "" {
		return
	}

	g.bus.PublishOutbound(bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: reply,
	})
}

// runCronJob feeds the job prompt to the agent under the system session and
// optionally delivers the result to a channel.
func (g *Gateway) runCronJob(ctx context.Context, job cron.Job) error {
	lock := g.runner.Lock(systemSession)
	lock.Lock()
	defer lock.Unlock()

	result, err := g.runner.Run(ctx, systemSession, job.Payload.Message, nil)
	if err != nil {
		return err
	}
	if job.Payload.Deliver && job.Payload.Channel != "" {
		g.bus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: result,
		})
	}
	return nil
}

func (g *Gateway) runHeartbeat(ctx context.Context, prompt string) (string, error) {
	lock := g.runner.Lock(systemSession)
	lock.Lock()
	defer lock.Unlock()
	return g.runner.Run(ctx, systemSession, prompt, nil)
}

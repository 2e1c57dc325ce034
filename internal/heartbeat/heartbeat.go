// Package heartbeat periodically wakes the agent with the contents of a
// workspace pulse file so long-running deployments can self-check.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultInterval is the half-hour cadence between pulses.
	DefaultInterval = 1800 * time.Second

	pulseFile       = "PULSE.md"
	legacyPulseFile = "HEARTBEAT.md"

	// okMarker in a reply means "nothing to report"; the reply is dropped.
	okMarker = "HEARTBEAT_OK"
)

// Handler runs one heartbeat prompt and returns the agent reply.
type Handler func(ctx context.Context, prompt string) (string, error)

// Service ticks on a fixed interval, reads the workspace pulse file and
// hands its contents to the agent. Workspaces without a pulse file opt out.
type Service struct {
	// Deliver, when set, receives replies that are not plain ack markers.
	Deliver func(ctx context.Context, content string)

	workspace string
	handler   Handler
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService returns a stopped service over the given workspace.
func NewService(workspace string, handler Handler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		workspace: workspace,
		handler:   handler,
		interval:  DefaultInterval,
		logger:    logger,
	}
}

// Start begins ticking. Starting a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("heartbeat service started", "interval", s.interval)
}

// Stop halts the loop and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	prompt := s.readPulse()
	if prompt == "" || s.handler == nil {
		return
	}

	reply, err := s.handler(ctx, prompt)
	if err != nil {
		s.logger.Warn("heartbeat run failed", "error", err)
		return
	}
	if strings.Contains(reply, okMarker) {
		s.logger.Debug("heartbeat ok")
		return
	}
	if s.Deliver != nil {
		s.Deliver(ctx, reply)
		return
	}
	s.logger.Info("heartbeat reply", "content", reply)
}

// readPulse returns the trimmed pulse file contents, preferring PULSE.md and
// falling back to the legacy HEARTBEAT.md name. Empty means skip this tick.
func (s *Service) readPulse() string {
	data, err := os.ReadFile(filepath.Join(s.workspace, pulseFile))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(s.workspace, legacyPulseFile))
		if err != nil {
			return ""
		}
	}
	return strings.TrimSpace(string(data))
}

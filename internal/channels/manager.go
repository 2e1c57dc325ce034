package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/ember/internal/bus"
)

// Manager owns the registered channel adapters and their lifecycle. All
// registration happens before StartAll; the channel map is read-only after
// that point.
type Manager struct {
	bus      *bus.MessageBus
	channels map[string]Channel
}

// NewManager creates an empty manager bound to the bus.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
	}
}

// Register adds a channel and routes its outbound bus traffic to Send.
func (m *Manager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), ch.Send)
}

// StartAll starts every registered channel concurrently and waits for all
// of them to come up. The first startup error aborts the boot. The passed
// ctx outlives StartAll and keeps the adapters' receive loops alive.
func (m *Manager) StartAll(ctx context.Context) error {
	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	var g errgroup.Group
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		g.Go(func() error {
			if err := ch.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("all channels started", "count", len(m.channels))
	return nil
}

// StopAll stops every channel. Errors are logged, not returned, so one
// misbehaving adapter cannot block shutdown of the rest.
func (m *Manager) StopAll(ctx context.Context) {
	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

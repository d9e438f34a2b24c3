// Package channels plugs external messaging surfaces into the engine. Each
// channel normalizes its webhook traffic into bus.InboundMessage and exposes
// a uniform send primitive; the manager routes outbound echoes to the right
// one.
package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/omnidesk/omnidesk/internal/errdefs"
)

// Channel is one external messaging surface.
type Channel interface {
	// Name is the stable channel identifier ("whatsapp", "instagram", ...).
	Name() string

	// Send delivers text to a channel-native recipient and returns the
	// provider message id when the channel reports one.
	Send(ctx context.Context, recipient, text string) (string, error)
}

// Manager holds the enabled channels.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

// NewManager builds an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{channels: make(map[string]Channel), logger: logger}
}

// Register adds a channel. Later registrations with the same name replace
// earlier ones.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
	m.logger.Info("channels.registered", "channel", ch.Name())
}

// Get returns a registered channel.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names lists the registered channels.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for name := range m.channels {
		out = append(out, name)
	}
	return out
}

// Send routes an outbound text to a named channel.
func (m *Manager) Send(ctx context.Context, channel, recipient, text string) (string, error) {
	ch, ok := m.Get(channel)
	if !ok {
		return "", errdefs.Newf(errdefs.Invalid, "channel %q is not enabled", channel)
	}
	id, err := ch.Send(ctx, recipient, text)
	if err != nil {
		m.logger.Warn("channels.send_failed", "channel", channel, "recipient", recipient, "error", err)
		return "", err
	}
	m.logger.Debug("channels.sent", "channel", channel, "recipient", recipient, "provider_msg", id)
	return id, nil
}

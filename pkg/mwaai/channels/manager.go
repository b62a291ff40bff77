package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager routes outbound messages to the channel owning the endpoint and
// merges the inbound streams of every registered channel.
type Manager struct {
	channels []Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	mu      sync.RWMutex
	started bool
	wg      sync.WaitGroup
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. The first registered channel is the default
// route for endpoints no channel claims.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("cannot register %q after start", ch.Name())
	}
	for _, existing := range m.channels {
		if existing.Name() == ch.Name() {
			return fmt.Errorf("channel %q already registered", ch.Name())
		}
	}
	m.channels = append(m.channels, ch)
	return nil
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if ch.Name() == name {
			return ch, true
		}
	}
	return nil, false
}

// Start connects every channel and begins forwarding their messages.
// A channel that fails to connect is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("channel manager already started")
	}
	m.started = true
	chans := append([]Channel(nil), m.channels...)
	m.mu.Unlock()

	if len(chans) == 0 {
		return fmt.Errorf("no channels configured")
	}

	connected := 0
	for _, ch := range chans {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", ch.Name(), "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "channel", ch.Name())

		m.wg.Add(1)
		go m.forward(ctx, ch)
	}
	if connected == 0 {
		return fmt.Errorf("no channel could connect")
	}
	return nil
}

func (m *Manager) forward(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	in := ch.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Messages returns the merged inbound stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Stop disconnects every channel.
func (m *Manager) Stop() {
	m.mu.RLock()
	chans := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	for _, ch := range chans {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
}

// Send implements Sender by routing on endpoint.
func (m *Manager) Send(ctx context.Context, endpoint, to, text string) error {
	ch, err := m.route(endpoint)
	if err != nil {
		return err
	}
	return ch.Send(ctx, endpoint, to, text)
}

// DownloadMedia downloads media through the channel that received msg.
func (m *Manager) DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error) {
	ch, ok := m.Get(msg.Channel)
	if !ok {
		return nil, "", fmt.Errorf("%w: unknown channel %q", ErrMediaDownloadFailed, msg.Channel)
	}
	return ch.DownloadMedia(ctx, msg)
}

// Health returns the status of every channel keyed by name.
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]HealthStatus, len(m.channels))
	for _, ch := range m.channels {
		out[ch.Name()] = ch.Health()
	}
	return out
}

func (m *Manager) route(endpoint string) (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		if ch.Owns(endpoint) {
			return ch, nil
		}
	}
	if len(m.channels) > 0 {
		return m.channels[0], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoChannel, endpoint)
}

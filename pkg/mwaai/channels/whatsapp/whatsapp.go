// Package whatsapp implements the linked-device WhatsApp channel using
// whatsmeow. The session is kept in SQLite and paired by scanning a QR code
// printed to the terminal.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/mwaai/pkg/mwaai/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds linked-device channel configuration.
type Config struct {
	// Enabled registers the channel.
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file holding the whatsmeow session.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// RespondToGroups enables responding in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// AutoRead marks incoming messages as read.
	AutoRead bool `yaml:"auto_read"`

	// MaxMediaSizeMB is the maximum media file size to download.
	MaxMediaSizeMB int `yaml:"max_media_size_mb"`

	// QRTimeout bounds the pairing flow (default: 3m).
	QRTimeout time.Duration `yaml:"qr_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		DatabasePath:   "./data/whatsapp.db",
		DeviceName:     "mwaai",
		AutoRead:       true,
		MaxMediaSizeMB: 16,
		QRTimeout:      3 * time.Minute,
	}
}

// WhatsApp implements channels.Channel on top of a whatsmeow client.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	state      atomic.Value // ConnectionState
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// qrOut receives the pairing QR code. Nil disables printing.
	qrOut io.Writer

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.RWMutex
	ownUser        string
	messagesClosed atomic.Bool
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = def.DeviceName
	}
	if cfg.MaxMediaSizeMB <= 0 {
		cfg.MaxMediaSizeMB = def.MaxMediaSizeMB
	}
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = def.QRTimeout
	}

	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
	w.setState(StateDisconnected)
	return w
}

// SetQROutput sets where the pairing QR code is printed.
func (w *WhatsApp) SetQROutput(out io.Writer) {
	w.qrOut = out
}

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState {
	return w.getState()
}

// ---------- Channel Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the session store and connects. Without a stored session
// the QR pairing flow runs in the background.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	if dir := filepath.Dir(w.cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			w.setState(StateDisconnected)
			return fmt.Errorf("creating session directory: %w", err)
		}
	}

	waLogger := newSlogAdapter(w.logger, "whatsmeow")
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLogger.Sub("store"))
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLogger.Sub("client"))
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("no existing session, QR code required")
		go func() {
			qrCtx, cancel := context.WithTimeout(w.ctx, w.cfg.QRTimeout)
			defer cancel()
			if err := w.loginWithQR(qrCtx); err != nil {
				w.logger.Warn("QR login failed", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	w.setOwnUser(w.client.Store.ID.User)
	w.connected.Store(true)
	w.logger.Info("connected (existing session)", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect gracefully closes the connection.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}
	w.logger.Info("disconnected")
	return nil
}

// Send sends a text message. endpoint is ignored: a linked device has a
// single sending account.
func (w *WhatsApp) Send(ctx context.Context, _, to, text string) error {
	if !w.connected.Load() || w.client == nil {
		return channels.ErrChannelDisconnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}

	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(text)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// Owns reports whether endpoint is this device's own number.
func (w *WhatsApp) Owns(endpoint string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return endpoint != "" && (endpoint == w.ownUser || endpoint == w.Name())
}

// Health returns the WhatsApp channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    map[string]any{"state": string(w.getState())},
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if w.client != nil && w.client.Store.ID != nil {
		h.Details["jid"] = w.client.Store.ID.String()
	}
	return h
}

// DownloadMedia downloads and decrypts the media of an incoming message.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg == nil || msg.Media == nil {
		return nil, "", channels.ErrMediaNotSupported
	}
	waMsg, ok := msg.Media.Handle.(*waE2E.Message)
	if !ok || waMsg == nil {
		return nil, "", fmt.Errorf("%w: no download handle", channels.ErrMediaDownloadFailed)
	}
	if w.client == nil {
		return nil, "", channels.ErrChannelDisconnected
	}
	if limit := uint64(w.cfg.MaxMediaSizeMB) * 1024 * 1024; msg.Media.FileSize > limit {
		return nil, "", fmt.Errorf("%w: media exceeds %d MB", channels.ErrMediaDownloadFailed, w.cfg.MaxMediaSizeMB)
	}

	data, err := w.client.DownloadAny(ctx, waMsg)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	return data, msg.Media.MimeType, nil
}

// MarkRead marks messages as read.
func (w *WhatsApp) MarkRead(ctx context.Context, chat, sender types.JID, messageIDs ...string) error {
	if !w.connected.Load() || w.client == nil {
		return nil
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	return w.client.MarkRead(ctx, ids, time.Now(), chat, sender)
}

// ---------- Internal ----------

// loginWithQR runs the pairing flow, printing each code to qrOut.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.setState(StateWaitingQR)
				w.printQR(evt.Code)
			case "success":
				w.connected.Store(true)
				w.setState(StateConnected)
				if w.client.Store.ID != nil {
					w.setOwnUser(w.client.Store.ID.User)
				}
				w.logger.Info("login successful")
				return nil
			case "timeout":
				w.setState(StateDisconnected)
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

func (w *WhatsApp) printQR(code string) {
	if w.qrOut == nil {
		w.logger.Info("QR code ready, but no terminal to print it on")
		return
	}
	fmt.Fprintln(w.qrOut, "Scan this QR code with WhatsApp (Linked devices):")
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w.qrOut)
}

func (w *WhatsApp) setOwnUser(user string) {
	w.mu.Lock()
	w.ownUser = user
	w.mu.Unlock()
}

// emitMessage sends a message to the incoming messages channel.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("message channel full, dropping message",
			"from", msg.From, "type", msg.Type)
	}
}

func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// parseJID converts a string to types.JID. Accepts "5511999999999",
// "+55 11 99999-9999" or a full JID.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return types.JID{}, fmt.Errorf("no digits in %q", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

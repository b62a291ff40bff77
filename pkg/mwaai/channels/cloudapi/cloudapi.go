// Package cloudapi implements the WhatsApp Cloud API channel: inbound
// messages arrive as webhook POSTs and replies go out through the Graph API.
package cloudapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jholhewres/mwaai/pkg/mwaai/channels"
)

// Config holds Cloud API channel configuration.
type Config struct {
	// Enabled registers the channel.
	Enabled bool `yaml:"enabled"`

	// Token is the Graph API bearer token (WHATSAPP_TOKEN).
	Token string `yaml:"token"`

	// VerifyToken answers the webhook subscription handshake
	// (WHATSAPP_VERIFY_TOKEN).
	VerifyToken string `yaml:"verify_token"`

	// BaseURL is the Graph API root (default: "https://graph.facebook.com").
	BaseURL string `yaml:"base_url"`

	// APIVersion is the Graph API version (default: "v23.0").
	APIVersion string `yaml:"api_version"`

	// PhoneNumberIDs lists the business numbers served by this channel.
	// Numbers seen in webhooks are added at runtime.
	PhoneNumberIDs []string `yaml:"phone_number_ids"`

	// Timeout bounds each Graph API request (default: 30s).
	Timeout time.Duration `yaml:"timeout"`

	// MaxMediaSizeMB caps media downloads (default: 25).
	MaxMediaSizeMB int `yaml:"max_media_size_mb"`
}

// DefaultConfig returns the default Cloud API configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		BaseURL:        "https://graph.facebook.com",
		APIVersion:     "v23.0",
		Timeout:        30 * time.Second,
		MaxMediaSizeMB: 25,
	}
}

// CloudAPI implements channels.Channel for the WhatsApp Cloud API.
type CloudAPI struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	messages   chan *channels.IncomingMessage

	mu         sync.RWMutex
	connected  bool
	endpoints  map[string]bool
	lastMsgAt  time.Time
	errorCount int
}

// New creates a Cloud API channel.
func New(cfg Config, logger *slog.Logger) *CloudAPI {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = def.APIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxMediaSizeMB <= 0 {
		cfg.MaxMediaSizeMB = def.MaxMediaSizeMB
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	endpoints := make(map[string]bool, len(cfg.PhoneNumberIDs))
	for _, id := range cfg.PhoneNumberIDs {
		endpoints[id] = true
	}

	return &CloudAPI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("channel", "cloudapi"),
		messages:   make(chan *channels.IncomingMessage, 256),
		endpoints:  endpoints,
	}
}

// Name returns the channel identifier.
func (c *CloudAPI) Name() string { return "cloudapi" }

// Connect marks the channel ready. Messages arrive through HandleWebhook.
func (c *CloudAPI) Connect(_ context.Context) error {
	if c.cfg.Token == "" {
		c.logger.Warn("cloudapi token is empty, outbound messages will fail")
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect marks the channel stopped.
func (c *CloudAPI) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Receive returns the inbound message stream.
func (c *CloudAPI) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether Connect has been called.
func (c *CloudAPI) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Owns reports whether endpoint is a phone_number_id served by this channel.
func (c *CloudAPI) Owns(endpoint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoints[endpoint]
}

// Health returns the channel health status.
func (c *CloudAPI) Health() channels.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return channels.HealthStatus{
		Connected:     c.connected,
		LastMessageAt: c.lastMsgAt,
		ErrorCount:    c.errorCount,
		Details:       map[string]any{"endpoints": len(c.endpoints), "api_version": c.cfg.APIVersion},
	}
}

// ---------- Webhook ----------

// VerifyWebhook answers the subscription handshake. It returns the
// challenge and true when mode is "subscribe" and token matches.
func (c *CloudAPI) VerifyWebhook(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || c.cfg.VerifyToken == "" || token != c.cfg.VerifyToken {
		return "", false
	}
	return challenge, true
}

// HandleWebhook parses a webhook body and emits the message it carries.
// Bodies without a message (status callbacks) are ignored.
func (c *CloudAPI) HandleWebhook(ctx context.Context, body []byte) error {
	msg, err := ParseWebhook(body)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	c.mu.Lock()
	if msg.Endpoint != "" {
		c.endpoints[msg.Endpoint] = true
	}
	c.lastMsgAt = time.Now()
	c.mu.Unlock()

	select {
	case c.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseWebhook extracts the first message of a webhook body. It returns
// nil when the body holds no message with an id.
func ParseWebhook(body []byte) (*channels.IncomingMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid webhook payload")
	}

	value := gjson.GetBytes(body, "entry.0.changes.0.value")
	m := value.Get("messages.0")
	id := m.Get("id").String()
	if id == "" {
		return nil, nil
	}

	msgType := m.Get("type").String()
	msg := &channels.IncomingMessage{
		ID:       id,
		Channel:  "cloudapi",
		From:     m.Get("from").String(),
		FromName: value.Get("contacts.0.profile.name").String(),
		Endpoint: value.Get("metadata.phone_number_id").String(),
		Type:     messageType(msgType),
	}
	if ts := m.Get("timestamp"); ts.Exists() {
		msg.Timestamp = time.Unix(ts.Int(), 0).UTC()
	}

	if msgType == "text" {
		msg.Content = m.Get("text.body").String()
		return msg, nil
	}

	media := m.Get(msgType)
	msg.Content = media.Get("caption").String()
	if mediaID := media.Get("id").String(); mediaID != "" {
		msg.Media = &channels.MediaInfo{
			Type:     msg.Type,
			ID:       mediaID,
			MimeType: media.Get("mime_type").String(),
			Filename: media.Get("filename").String(),
			Caption:  msg.Content,
		}
	}
	return msg, nil
}

func messageType(t string) channels.MessageType {
	switch t {
	case "text":
		return channels.MessageText
	case "image":
		return channels.MessageImage
	case "audio", "voice":
		return channels.MessageAudio
	case "video":
		return channels.MessageVideo
	case "document":
		return channels.MessageDocument
	case "sticker":
		return channels.MessageSticker
	default:
		return channels.MessageOther
	}
}

// ---------- Outbound ----------

// Send posts a text message from endpoint (a phone_number_id) to to.
func (c *CloudAPI) Send(ctx context.Context, endpoint, to, text string) error {
	if endpoint == "" || to == "" {
		return fmt.Errorf("%w: endpoint and recipient are required", channels.ErrSendFailed)
	}

	payload, err := buildTextPayload(to, text)
	if err != nil {
		return fmt.Errorf("building payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.cfg.BaseURL, c.cfg.APIVersion, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError()
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		c.recordError()
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = string(body)
		}
		return fmt.Errorf("%w: status %d: %s", channels.ErrSendFailed, resp.StatusCode, msg)
	}

	c.logger.Debug("message sent",
		"to", to,
		"message_id", gjson.GetBytes(body, "messages.0.id").String(),
	)
	return nil
}

// buildTextPayload builds the Graph API text message body.
func buildTextPayload(to, text string) ([]byte, error) {
	payload := []byte(`{"messaging_product":"whatsapp","type":"text"}`)
	payload, err := sjson.SetBytes(payload, "to", to)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(payload, "text.body", text)
}

// DownloadMedia resolves the media id to its URL and fetches the bytes.
func (c *CloudAPI) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg == nil || msg.Media == nil || msg.Media.ID == "" {
		return nil, "", channels.ErrMediaNotSupported
	}

	info, err := c.get(ctx, fmt.Sprintf("%s/%s/%s", c.cfg.BaseURL, c.cfg.APIVersion, msg.Media.ID), 64*1024)
	if err != nil {
		return nil, "", fmt.Errorf("%w: media lookup: %v", channels.ErrMediaDownloadFailed, err)
	}
	mediaURL := gjson.GetBytes(info, "url").String()
	if mediaURL == "" {
		return nil, "", fmt.Errorf("%w: media %s has no url", channels.ErrMediaDownloadFailed, msg.Media.ID)
	}

	mimeType := msg.Media.MimeType
	if mimeType == "" {
		mimeType = gjson.GetBytes(info, "mime_type").String()
	}

	maxBytes := int64(c.cfg.MaxMediaSizeMB) * 1024 * 1024
	data, err := c.get(ctx, mediaURL, maxBytes+1)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", channels.ErrMediaDownloadFailed, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("%w: media exceeds %d MB", channels.ErrMediaDownloadFailed, c.cfg.MaxMediaSizeMB)
	}
	return data, mimeType, nil
}

func (c *CloudAPI) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return data, nil
}

func (c *CloudAPI) recordError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

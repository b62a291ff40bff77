// Package channels defines the interfaces and types for the assistant's
// messaging transports. Each transport (WhatsApp Cloud API, WhatsApp linked
// device) implements Channel to receive and send messages in a unified way.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageOther    MessageType = "other"
)

// Sender delivers a plain text message.
//
// endpoint is the routing handle of the sending account (the Cloud API
// phone_number_id, or the linked device's own number) and to is the
// recipient.
type Sender interface {
	Send(ctx context.Context, endpoint, to, text string) error
}

// Channel defines the interface that every transport must implement.
type Channel interface {
	Sender

	// Name returns the channel identifier (e.g. "cloudapi", "whatsapp").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// DownloadMedia downloads the media attached to an incoming message.
	// Returns the raw bytes and MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)

	// Owns reports whether endpoint is a routing handle of this channel.
	Owns(endpoint string) bool

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel.
	Channel string

	// From is the sender identifier (phone number digits).
	From string

	// FromName is the sender display name (if available).
	FromName string

	// Endpoint is the routing handle replies must be sent from.
	Endpoint string

	// Type is the message content type.
	Type MessageType

	// Content is the text body, or the caption for media messages.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media contains media attachment details (if any).
	Media *MediaInfo
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	// Type is the media type.
	Type MessageType

	// ID is the platform media identifier (Cloud API media id).
	ID string

	// MimeType is the MIME type of the media.
	MimeType string

	// Filename is the original filename (for documents).
	Filename string

	// FileSize is the size in bytes, when known.
	FileSize uint64

	// Caption is the media caption text.
	Caption string

	// Handle is a channel-specific download handle, opaque to callers.
	Handle any
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrNoChannel           = errors.New("no channel available for endpoint")
	ErrMediaNotSupported   = errors.New("media not supported by this channel")
	ErrMediaDownloadFailed = errors.New("failed to download media")
)

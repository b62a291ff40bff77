package whatsapp

import (
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/jholhewres/mwaai/pkg/mwaai/channels"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggedOut    ConnectionState = "logged_out"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.setState(StateConnected)
		w.errorCount.Store(0)
		if w.client != nil && w.client.Store.ID != nil {
			w.setOwnUser(w.client.Store.ID.User)
		}
		w.logger.Info("connected")

	case *events.Disconnected:
		w.connected.Store(false)
		w.setState(StateConnecting)
		w.logger.Warn("connection lost, whatsmeow will reconnect")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.setState(StateLoggedOut)
		w.logger.Error("device logged out, pairing required", "reason", evt.Reason.String())

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.setState(StateDisconnected)
		w.logger.Warn("stream replaced by another client")

	case *events.TemporaryBan:
		w.logger.Error("temporary ban", "code", evt.Code.String(), "expire", evt.Expire)
	}
}

// handleMessageEvt converts a whatsmeow message into an IncomingMessage.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	msg, ok := w.toIncoming(evt)
	if !ok {
		return
	}

	if w.cfg.AutoRead {
		chat, sender := evt.Info.Chat, evt.Info.Sender
		go func() {
			_ = w.MarkRead(w.ctx, chat, sender, msg.ID)
		}()
	}
	w.emitMessage(msg)
}

// toIncoming filters and converts an event. ok is false for messages the
// assistant must not answer.
func (w *WhatsApp) toIncoming(evt *events.Message) (*channels.IncomingMessage, bool) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return nil, false
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return nil, false
	}

	sender := evt.Info.Sender
	if sender.Server == types.HiddenUserServer && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, sender); err == nil && !alt.IsEmpty() {
			sender = alt
		}
	}

	w.mu.RLock()
	endpoint := w.ownUser
	w.mu.RUnlock()
	if endpoint == "" {
		endpoint = w.Name()
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   w.Name(),
		From:      sender.User,
		FromName:  evt.Info.PushName,
		Endpoint:  endpoint,
		Timestamp: evt.Info.Timestamp.UTC(),
	}
	extractMessageContent(evt.Message, msg)
	return msg, true
}

// extractMessageContent extracts the text or media of a WhatsApp message.
func extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) {
	if waMsg == nil {
		msg.Type = channels.MessageOther
		return
	}

	if waMsg.Conversation != nil {
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()
		return
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Type = channels.MessageText
		msg.Content = ext.GetText()
		return
	}

	if img := waMsg.ImageMessage; img != nil {
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: img.GetMimetype(),
			FileSize: img.GetFileLength(),
			Caption:  img.GetCaption(),
			Handle:   waMsg,
		}
		return
	}
	if audio := waMsg.AudioMessage; audio != nil {
		msg.Type = channels.MessageAudio
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: audio.GetMimetype(),
			FileSize: audio.GetFileLength(),
			Handle:   waMsg,
		}
		return
	}
	if video := waMsg.VideoMessage; video != nil {
		msg.Type = channels.MessageVideo
		msg.Content = video.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageVideo,
			MimeType: video.GetMimetype(),
			FileSize: video.GetFileLength(),
			Caption:  video.GetCaption(),
			Handle:   waMsg,
		}
		return
	}
	if doc := waMsg.DocumentMessage; doc != nil {
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageDocument,
			MimeType: doc.GetMimetype(),
			Filename: doc.GetFileName(),
			FileSize: doc.GetFileLength(),
			Caption:  doc.GetCaption(),
			Handle:   waMsg,
		}
		return
	}
	if sticker := waMsg.StickerMessage; sticker != nil {
		msg.Type = channels.MessageSticker
		return
	}

	msg.Type = channels.MessageOther
	msg.Content = "[unsupported message type]"
}

package messaging

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ScriptPipe/internal/models"
	"github.com/BTreeMap/ScriptPipe/internal/whatsapp"
)

// eventSource is implemented by clients that deliver whatsmeow events.
type eventSource interface {
	AddEventHandler(fn func(evt interface{})) uint32
	RemoveEventHandler(id uint32) bool
}

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	channels
	client  whatsapp.Sender
	source  eventSource // nil for mocks
	options *optionMemory

	handlerMu sync.Mutex
	handlerID uint32
	attached  bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
// Inbound events are only handled when the sender is also an event source.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		channels: newChannels(),
		client:   client,
		options:  newOptionMemory(),
	}
	if src, ok := client.(eventSource); ok {
		s.source = src
		slog.Debug("NewWhatsAppService: created with event source")
	} else {
		slog.Debug("NewWhatsAppService: created without event source (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.source == nil {
		slog.Debug("WhatsAppService.Start: no event source, skipping event handling")
		return nil
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if s.attached {
		return nil
	}
	s.handlerID = s.source.AddEventHandler(s.handleEvent)
	s.attached = true
	slog.Debug("WhatsAppService.Start: event handler registered", "handler_id", s.handlerID)
	return nil
}

// Stop unregisters the event handler and closes the channels.
func (s *WhatsAppService) Stop() error {
	s.handlerMu.Lock()
	if s.attached {
		s.source.RemoveEventHandler(s.handlerID)
		s.attached = false
	}
	s.handlerMu.Unlock()
	if s.stop() {
		slog.Info("WhatsAppService.Stop: stopped and channels closed")
	}
	return nil
}

// Send renders msg as text and sends it, emitting a sent receipt.
func (s *WhatsAppService) Send(ctx context.Context, msg models.OutboundMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		slog.Error("WhatsAppService.Send: invalid recipient", "to", msg.To, "error", err)
		return err
	}
	body := RenderText(msg)
	slog.Debug("WhatsAppService.Send: sending", "to", to, "kind", msg.Kind, "body_length", len(body))
	id, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService.Send: send failed", "to", to, "error", err)
		return err
	}
	s.options.remember(to, msg)
	s.emitReceipt(models.Receipt{To: to, MessageID: id, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		ev, ok := eventFromMessage(v)
		if !ok {
			return
		}
		ev = s.options.resolve(ev)
		if s.emitEvent(ev) {
			slog.Info("WhatsAppService.handleEvent: inbound message forwarded", "from", ev.From, "event_id", ev.ID, "kind", ev.Kind)
		}
	case *events.Receipt:
		for _, r := range receiptsFromEvent(v) {
			s.emitReceipt(r)
		}
	default:
		slog.Debug("WhatsAppService.handleEvent: ignoring event", "type", eventTypeName(v))
	}
}

// eventFromMessage converts a whatsmeow message into an Event. Group chats,
// our own messages and protocol messages without content are skipped.
func eventFromMessage(evt *events.Message) (models.Event, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Event{}, false
	}
	from := evt.Info.Sender.User
	ev := models.Event{
		ID:        evt.Info.ID,
		From:      from,
		Contact:   models.Contact{ExternalID: from, DisplayName: evt.Info.PushName},
		Timestamp: evt.Info.Timestamp,
	}
	msg := evt.Message

	switch {
	case msg.GetConversation() != "":
		ev.Kind = models.EventText
		ev.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		ev.Kind = models.EventText
		ev.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetButtonsResponseMessage() != nil:
		r := msg.GetButtonsResponseMessage()
		ev.Kind = models.EventButtonReply
		ev.Reply = &models.Reply{ID: r.GetSelectedButtonID(), Title: r.GetSelectedDisplayText()}
	case msg.GetListResponseMessage() != nil:
		r := msg.GetListResponseMessage()
		ev.Kind = models.EventListReply
		ev.Reply = &models.Reply{ID: r.GetSingleSelectReply().GetSelectedRowID(), Title: r.GetTitle(), Description: r.GetDescription()}
	case msg.GetTemplateButtonReplyMessage() != nil:
		r := msg.GetTemplateButtonReplyMessage()
		ev.Kind = models.EventQuickReply
		ev.Reply = &models.Reply{ID: r.GetSelectedID(), Title: r.GetSelectedDisplayText()}
	case msg.GetReactionMessage() != nil:
		r := msg.GetReactionMessage()
		ev.Kind = models.EventReaction
		ev.Reaction = &models.Reaction{MessageID: r.GetKey().GetID(), Emoji: r.GetText()}
	case msg.GetLocationMessage() != nil:
		l := msg.GetLocationMessage()
		ev.Kind = models.EventLocation
		ev.Location = &models.Location{Latitude: l.GetDegreesLatitude(), Longitude: l.GetDegreesLongitude(), Name: l.GetName(), Address: l.GetAddress()}
	case msg.GetContactMessage() != nil:
		ev.Kind = models.EventContacts
		ev.Contacts = []models.SharedContact{{FormattedName: msg.GetContactMessage().GetDisplayName()}}
	default:
		media, ok := mediaFromMessage(ev.ID, msg)
		if !ok {
			slog.Debug("eventFromMessage: ignoring message without supported content", "from", from, "type", evt.Info.Type)
			return models.Event{}, false
		}
		ev.Kind = models.EventMedia
		ev.Media = media
	}
	ev.Type = string(ev.Kind)
	return ev, true
}

func mediaFromMessage(id string, msg *waE2E.Message) (*models.Media, bool) {
	switch {
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return &models.Media{Type: "image", ID: id, MimeType: m.GetMimetype(), SHA256: hex.EncodeToString(m.GetFileSHA256()), Caption: m.GetCaption()}, true
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return &models.Media{Type: "video", ID: id, MimeType: m.GetMimetype(), SHA256: hex.EncodeToString(m.GetFileSHA256()), Caption: m.GetCaption()}, true
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return &models.Media{Type: "audio", ID: id, MimeType: m.GetMimetype(), SHA256: hex.EncodeToString(m.GetFileSHA256())}, true
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return &models.Media{Type: "document", ID: id, MimeType: m.GetMimetype(), SHA256: hex.EncodeToString(m.GetFileSHA256()), Caption: m.GetCaption(), Filename: m.GetFileName()}, true
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return &models.Media{Type: "sticker", ID: id, MimeType: m.GetMimetype(), SHA256: hex.EncodeToString(m.GetFileSHA256())}, true
	}
	return nil, false
}

// receiptsFromEvent converts a whatsmeow receipt into one Receipt per message id.
func receiptsFromEvent(evt *events.Receipt) []models.Receipt {
	var status models.MessageStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case types.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		slog.Debug("receiptsFromEvent: ignoring receipt type", "type", evt.Type)
		return nil
	}
	to := strings.TrimPrefix(evt.Sender.User, "+")
	out := make([]models.Receipt, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, models.Receipt{To: to, MessageID: id, Status: status, Time: evt.Timestamp.Unix()})
	}
	return out
}

// eventTypeName returns a short name of a whatsmeow event for logging.
func eventTypeName(evt interface{}) string {
	switch evt.(type) {
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	case *events.LoggedOut:
		return "LoggedOut"
	default:
		return "Unknown"
	}
}

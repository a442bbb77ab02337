package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ScriptPipe/internal/models"
	"github.com/BTreeMap/ScriptPipe/internal/twiliowhatsapp"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// WebhookValidator checks the signature of an inbound Twilio webhook.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements the Service interface using the Twilio API.
// Rich messages are flattened to numbered text, and numeric answers are
// mapped back to the reply they stand for.
type TwilioService struct {
	channels
	client     twiliowhatsapp.Sender
	validator  WebhookValidator
	webhookURL string
	options    *optionMemory
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation requires inbound webhooks to carry a valid signature
// computed over publicURL, the URL Twilio was configured to call.
func WithWebhookValidation(v WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.webhookURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService with a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		channels: newChannels(),
		client:   client,
		options:  newOptionMemory(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(twiliowhatsapp.Number(recipient))
}

// Start is a no-op for Twilio (inbound traffic arrives over WebhookHandler).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	if s.stop() {
		slog.Info("TwilioService.Stop: stopped and channels closed")
	}
	return nil
}

// Send renders msg as text, sends it via Twilio and emits a receipt.
func (s *TwilioService) Send(ctx context.Context, msg models.OutboundMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		slog.Error("TwilioService.Send: invalid recipient", "to", msg.To, "error", err)
		return err
	}

	sid, err := s.client.SendMessage(ctx, to, RenderText(msg))
	if err != nil {
		return err
	}
	s.options.remember(to, msg)
	s.emitReceipt(models.Receipt{To: to, MessageID: sid, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// WebhookHandler handles inbound Twilio webhook requests. Messages are
// emitted on Events and status callbacks on Receipts.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.webhookURL, params, r.Header.Get(SignatureHeader)) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if status := r.FormValue("MessageStatus"); status != "" && status != "received" {
		s.handleStatus(r, status)
		writeTwiML(w)
		return
	}

	ev, err := eventFromForm(r)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: rejected webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev = s.options.resolve(ev)
	slog.Info("TwilioService.WebhookHandler: inbound message", "from", ev.From, "event_id", ev.ID, "kind", ev.Kind)

	if !s.emitEvent(ev) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeTwiML(w)
}

func (s *TwilioService) handleStatus(r *http.Request, status string) {
	var mapped models.MessageStatus
	switch status {
	case "sent":
		mapped = models.MessageStatusSent
	case "delivered":
		mapped = models.MessageStatusDelivered
	case "read":
		mapped = models.MessageStatusRead
	case "failed", "undelivered":
		mapped = models.MessageStatusFailed
	default:
		slog.Debug("TwilioService.handleStatus: ignoring status", "status", status)
		return
	}
	s.emitReceipt(models.Receipt{
		To:        twiliowhatsapp.Number(r.FormValue("To")),
		MessageID: r.FormValue("MessageSid"),
		Status:    mapped,
		Time:      time.Now().Unix(),
	})
}

// eventFromForm converts an inbound Twilio message webhook into an Event.
func eventFromForm(r *http.Request) (models.Event, error) {
	from := twiliowhatsapp.Number(r.FormValue("From"))
	id := r.FormValue("MessageSid")
	if from == "" || id == "" {
		return models.Event{}, fmt.Errorf("missing required fields: From=%q MessageSid=%q", from, id)
	}
	ev := models.Event{
		ID:        id,
		From:      from,
		Contact:   models.Contact{ExternalID: from, DisplayName: r.FormValue("ProfileName")},
		Timestamp: time.Now(),
	}
	body := r.FormValue("Body")

	switch {
	case r.FormValue("ButtonPayload") != "":
		ev.Kind = models.EventQuickReply
		ev.Reply = &models.Reply{ID: r.FormValue("ButtonPayload"), Title: r.FormValue("ButtonText")}
	case r.FormValue("NumMedia") != "" && r.FormValue("NumMedia") != "0":
		mime := r.FormValue("MediaContentType0")
		mediaType, _, _ := strings.Cut(mime, "/")
		ev.Kind = models.EventMedia
		ev.Media = &models.Media{Type: mediaType, ID: r.FormValue("MediaUrl0"), MimeType: mime, Caption: body}
	case r.FormValue("Latitude") != "":
		lat, err1 := strconv.ParseFloat(r.FormValue("Latitude"), 64)
		lng, err2 := strconv.ParseFloat(r.FormValue("Longitude"), 64)
		if err1 != nil || err2 != nil {
			return models.Event{}, fmt.Errorf("invalid location %q,%q", r.FormValue("Latitude"), r.FormValue("Longitude"))
		}
		ev.Kind = models.EventLocation
		ev.Location = &models.Location{Latitude: lat, Longitude: lng, Name: r.FormValue("Label"), Address: r.FormValue("Address")}
	case body != "":
		ev.Kind = models.EventText
		ev.Text = body
	default:
		ev.Kind = models.EventUnknown
	}
	ev.Type = string(ev.Kind)
	return ev, nil
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

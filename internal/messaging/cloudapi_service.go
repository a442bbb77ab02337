package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// CloudAPISender is the part of the Cloud API client the service needs.
type CloudAPISender interface {
	Send(ctx context.Context, msg models.OutboundMessage) (string, error)
	MarkRead(ctx context.Context, messageID string) error
}

// CloudAPIService implements Service over the WhatsApp Business Cloud API.
// Inbound traffic arrives over the HTTP webhook, so Events stays empty.
type CloudAPIService struct {
	channels
	client CloudAPISender
}

// NewCloudAPIService creates a CloudAPIService sending through client.
func NewCloudAPIService(client CloudAPISender) *CloudAPIService {
	return &CloudAPIService{channels: newChannels(), client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start is a no-op; the webhook drives inbound traffic.
func (s *CloudAPIService) Start(ctx context.Context) error {
	slog.Debug("CloudAPIService.Start: ready")
	return nil
}

// Stop closes the channels.
func (s *CloudAPIService) Stop() error {
	if s.stop() {
		slog.Info("CloudAPIService.Stop: stopped and channels closed")
	}
	return nil
}

// Send delivers msg natively, keeping every interactive shape.
func (s *CloudAPIService) Send(ctx context.Context, msg models.OutboundMessage) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		slog.Error("CloudAPIService.Send: invalid recipient", "to", msg.To, "error", err)
		return err
	}
	msg.To = to

	id, err := s.client.Send(ctx, msg)
	if err != nil {
		slog.Error("CloudAPIService.Send: send failed", "to", to, "kind", msg.Kind, "error", err)
		return err
	}
	s.emitReceipt(models.Receipt{To: to, MessageID: id, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	slog.Debug("CloudAPIService.Send: message sent", "to", to, "kind", msg.Kind, "message_id", id)
	return nil
}

// MarkRead marks an inbound message read, which also shows the blue ticks.
func (s *CloudAPIService) MarkRead(ctx context.Context, messageID string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return s.client.MarkRead(ctx, messageID)
}

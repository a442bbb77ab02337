package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// MockService records outbound messages instead of delivering them. It emits
// no receipts.
type MockService struct {
	channels
	mu     sync.Mutex
	sent   []models.OutboundMessage
	read   []string
	Err    error // returned by Send when set
	ReadFn func(messageID string) error
}

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{channels: newChannels()}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.stop()
	return nil
}

func (m *MockService) Send(ctx context.Context, msg models.OutboundMessage) error {
	if m.isStopped() {
		return ErrServiceStopped
	}
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *MockService) MarkRead(ctx context.Context, messageID string) error {
	m.mu.Lock()
	m.read = append(m.read, messageID)
	m.mu.Unlock()
	if m.ReadFn != nil {
		return m.ReadFn(messageID)
	}
	return nil
}

// Inject queues an inbound event as if a transport had received it.
func (m *MockService) Inject(ev models.Event) bool {
	return m.emitEvent(ev)
}

// Sent returns a copy of the messages sent so far.
func (m *MockService) Sent() []models.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OutboundMessage(nil), m.sent...)
}

// Read returns the message ids marked read so far.
func (m *MockService) Read() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.read...)
}

// Reset forgets recorded messages.
func (m *MockService) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.read = nil
	m.mu.Unlock()
}

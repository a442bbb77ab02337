// Package messaging delivers outbound messages over the configured WhatsApp
// transport and surfaces inbound events and delivery receipts.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// Constants for service channels.
const (
	// DefaultChannelBufferSize is the buffer size of the receipt and event channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked channel send before the item is dropped.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns its canonical form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers one outbound message.
	Send(ctx context.Context, msg models.OutboundMessage) error

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of delivery receipts.
	Receipts() <-chan models.Receipt

	// Events returns inbound events for transports that do not arrive over the
	// Cloud API webhook.
	Events() <-chan models.Event
}

// ReadMarker is implemented by transports that can mark inbound messages read.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// canonicalPhone strips everything but digits and requires at least 6 of them.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging.canonicalPhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// channels holds the receipt and event channels shared by every service.
type channels struct {
	mu       sync.RWMutex
	stopped  bool
	receipts chan models.Receipt
	events   chan models.Event
}

func newChannels() channels {
	return channels{
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		events:   make(chan models.Event, DefaultChannelBufferSize),
	}
}

func (c *channels) Receipts() <-chan models.Receipt {
	return c.receipts
}

func (c *channels) Events() <-chan models.Event {
	return c.events
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// emitReceipt queues r, dropping it when the service is stopped or the channel stays full.
func (c *channels) emitReceipt(r models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging.emitReceipt: receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

// emitEvent queues ev, dropping it when the service is stopped or the channel stays full.
func (c *channels) emitEvent(ev models.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn("messaging.emitEvent: service stopped, dropping event", "from", ev.From, "event_id", ev.ID)
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging.emitEvent: events channel blocked, dropping event", "from", ev.From, "event_id", ev.ID)
		return false
	}
}

// stop closes both channels once. It reports whether this call stopped them.
func (c *channels) stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	close(c.receipts)
	close(c.events)
	return true
}

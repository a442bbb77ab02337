package models

import "time"

// EventKind is the closed set of inbound event variants.
type EventKind string

const (
	EventText        EventKind = "text"
	EventButtonReply EventKind = "button_reply"
	EventListReply   EventKind = "list_reply"
	EventFlowReply   EventKind = "flow_reply"
	// EventQuickReply is the callback of a quick-reply button on a template message.
	EventQuickReply EventKind = "quick_reply"
	EventMedia      EventKind = "media"
	EventContacts   EventKind = "contacts"
	EventReaction   EventKind = "reaction"
	EventLocation   EventKind = "location"
	EventSystem     EventKind = "system"
	EventStatus     EventKind = "status"
	// EventUnsupported is a message type the platform itself could not deliver.
	EventUnsupported EventKind = "unsupported"
	EventUnknown     EventKind = "unknown"
)

// Contact identifies the sender of an inbound message.
type Contact struct {
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Event is one normalized inbound webhook delivery.
// Exactly one of the payload pointers is set, matching Kind; text events
// carry their body in Text.
type Event struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Contact   Contact   `json:"contact"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	// Type is the raw type tag as delivered, kept for logging unknown variants.
	Type string `json:"type,omitempty"`

	Text     string          `json:"text,omitempty"`
	Reply    *Reply          `json:"reply,omitempty"`
	Flow     *FlowReply      `json:"flow,omitempty"`
	Media    *Media          `json:"media,omitempty"`
	Contacts []SharedContact `json:"contacts,omitempty"`
	Reaction *Reaction       `json:"reaction,omitempty"`
	Location *Location       `json:"location,omitempty"`
	Status   *Status         `json:"status,omitempty"`
	Referral *Referral       `json:"referral,omitempty"`
	Errors   []PlatformError `json:"errors,omitempty"`
}

// IsConversational reports whether the event is a user message that should
// be dispatched to the conversation engine.
func (e Event) IsConversational() bool {
	return e.Kind != EventStatus
}

// Reply is the selection made on a reply button, list row, or template quick reply.
type Reply struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// FlowReply is a submitted WhatsApp Flow form.
type FlowReply struct {
	// Token is the flow_token embedded by the step that issued the form.
	Token    string                 `json:"token"`
	Name     string                 `json:"name,omitempty"`
	Body     string                 `json:"body,omitempty"`
	Response map[string]interface{} `json:"response,omitempty"`
	Raw      string                 `json:"raw,omitempty"`
}

// Answer returns the form field named key as a string.
func (f *FlowReply) Answer(key string) string {
	if f == nil || f.Response == nil {
		return ""
	}
	v, _ := f.Response[key].(string)
	return v
}

// Media is an image, video, audio, sticker, or document attachment.
type Media struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// SharedContact is a contact card sent by the user.
type SharedContact struct {
	FormattedName string   `json:"formatted_name"`
	Phones        []string `json:"phones,omitempty"`
}

// Reaction is an emoji reaction to an earlier message.
type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// Location is a shared location pin.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Status is a delivery status update for a message the bot sent.
type Status struct {
	MessageID   string          `json:"message_id"`
	Status      MessageStatus   `json:"status"`
	RecipientID string          `json:"recipient_id"`
	Errors      []PlatformError `json:"errors,omitempty"`
}

// Referral describes the ad that led the user to start the conversation.
type Referral struct {
	SourceURL  string `json:"source_url,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	Headline   string `json:"headline,omitempty"`
}

// PlatformError is an error reported by the messaging platform.
type PlatformError struct {
	Code    int    `json:"code"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

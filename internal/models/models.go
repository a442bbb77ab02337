// Package models defines the core data structures for ScriptPipe.
//
// It includes the normalized inbound Event, the User progress record, the
// closed set of outbound message shapes, and delivery receipts, which are
// shared across modules.
package models

import "time"

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// IsValidMessageStatus reports whether s is one of the statuses the platform reports.
func IsValidMessageStatus(s MessageStatus) bool {
	switch s {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed:
		return true
	default:
		return false
	}
}

// Receipt is a delivery status observed for an outbound message.
type Receipt struct {
	To        string        `json:"to"`
	MessageID string        `json:"message_id,omitempty"`
	Status    MessageStatus `json:"status"`
	Time      int64         `json:"time"`
}

// ReceiptFromEvent converts a status Event into a Receipt.
// The second return value is false when ev carries no status.
func ReceiptFromEvent(ev Event) (Receipt, bool) {
	if ev.Kind != EventStatus || ev.Status == nil {
		return Receipt{}, false
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Receipt{
		To:        ev.From,
		MessageID: ev.Status.MessageID,
		Status:    ev.Status.Status,
		Time:      ts.Unix(),
	}, true
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
	// APIStatusDuplicate indicates an inbound message was already processed.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Recorded creates a recorded API response.
func Recorded() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		Build()
}

// Duplicate creates a response for an inbound message that was already handled.
func Duplicate(messageID string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDuplicate).
		WithMessage("message " + messageID + " already processed").
		Build()
}

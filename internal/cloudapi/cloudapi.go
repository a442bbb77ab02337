// Package cloudapi sends messages through the WhatsApp Business Cloud API.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// Default client configuration.
const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v22.0"
	DefaultTimeout    = 10 * time.Second
	DefaultRetryMax   = 2
)

var (
	// ErrMissingCredentials is returned by NewClient without a phone number id or token.
	ErrMissingCredentials = errors.New("phone number id and access token must be provided")
	// ErrNoMessageID is returned when the API accepts a message without returning its id.
	ErrNoMessageID = errors.New("response carries no message id")
)

// APIError is an error response from the Graph API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	TraceID    string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error %d (http %d, %s): %s", e.Code, e.StatusCode, e.Type, e.Message)
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
	RetryMax      int
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithBaseURL overrides the Graph API host, mainly for tests.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAPIVersion sets the Graph API version, e.g. "v22.0".
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithPhoneNumberID sets the sending business phone number id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithAccessToken sets the bearer token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetryMax sets how often throttled or failed requests are retried.
func WithRetryMax(n int) Option {
	return func(o *Opts) { o.RetryMax = n }
}

// Client posts message payloads to /{version}/{phone_number_id}/messages.
type Client struct {
	http     *retryablehttp.Client
	endpoint string
	token    string
}

// NewClient creates a Cloud API client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:    DefaultBaseURL,
		APIVersion: DefaultAPIVersion,
		Timeout:    DefaultTimeout,
		RetryMax:   DefaultRetryMax,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PhoneNumberID == "" || cfg.AccessToken == "" {
		return nil, ErrMissingCredentials
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.Logger = slog.Default()
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	endpoint := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion, cfg.PhoneNumberID)
	slog.Debug("cloudapi.NewClient: created", "api_version", cfg.APIVersion, "phone_number_id", cfg.PhoneNumberID, "retry_max", cfg.RetryMax)
	return &Client{http: hc, endpoint: endpoint, token: cfg.AccessToken}, nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// Send delivers msg and returns the platform message id.
func (c *Client) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	payload, err := buildPayload(msg)
	if err != nil {
		return "", err
	}
	resp, err := c.post(ctx, payload)
	if err != nil {
		slog.Error("Client.Send: request failed", "to", msg.To, "kind", msg.Kind, "error", err)
		return "", fmt.Errorf("failed to send %s message to %s: %w", msg.Kind, msg.To, err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", ErrNoMessageID
	}
	slog.Debug("Client.Send: message accepted", "to", msg.To, "kind", msg.Kind, "message_id", resp.Messages[0].ID)
	return resp.Messages[0].ID, nil
}

// MarkRead marks an inbound message as read, which also shows the blue ticks.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	if messageID == "" {
		return errors.New("message id cannot be empty")
	}
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if _, err := c.post(ctx, payload); err != nil {
		return fmt.Errorf("failed to mark %s as read: %w", messageID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, payload interface{}) (*sendResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var out sendResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && httpResp.StatusCode < 400 {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	if httpResp.StatusCode >= 400 || out.Error != nil {
		apiErr := out.Error
		if apiErr == nil {
			apiErr = &APIError{Message: strings.TrimSpace(string(data))}
		}
		apiErr.StatusCode = httpResp.StatusCode
		return nil, apiErr
	}
	return &out, nil
}

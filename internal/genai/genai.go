// Package genai provides text generation using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default generation settings.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 800
)

var (
	// ErrNoAPIKey is returned by NewClient without an API key.
	ErrNoAPIKey = errors.New("OpenAI API key not set")
	// ErrNoChoicesReturned is returned when a completion carries no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK's completion service to chatService.
type completions struct {
	svc openai.ChatCompletionService
}

func (c *completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the Client.
type Opts struct {
	APIKey         string
	BaseURL        string
	Model          string
	FallbackModels []string
	Temperature    float64
	MaxTokens      int64
	MaxRetries     int
	DebugMode      bool
	StateDir       string
}

// Option defines a configuration option for the Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the primary model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithFallbackModel adds a model tried when the previous ones fail.
func WithFallbackModel(model string) Option {
	return func(o *Opts) {
		if model != "" {
			o.FallbackModels = append(o.FallbackModels, model)
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithMaxRetries sets how often the SDK retries a failed request.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithDebugMode writes every request and response under StateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug logs are written to.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client generates text with the OpenAI chat completion API.
type Client struct {
	chat        chatService
	model       string
	fallbacks   []string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// NewClient creates a Client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		MaxRetries:  1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: created", "model", cfg.Model, "fallbacks", cfg.FallbackModels,
		"base_url_set", cfg.BaseURL != "", "debug", cfg.DebugMode)
	return &Client{
		chat:        &completions{svc: cli.Chat.Completions},
		model:       cfg.Model,
		fallbacks:   cfg.FallbackModels,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Models returns the models tried by Generate, in order.
func (c *Client) Models() []string {
	out := []string{c.model}
	for _, m := range c.fallbacks {
		if m != "" && m != c.model {
			out = append(out, m)
		}
	}
	return out
}

// Generate returns the model's reply to userPrompt under systemPrompt.
// Models are tried in order until one answers.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}

	var errs []error
	for _, model := range c.Models() {
		out, err := c.complete(ctx, model, messages)
		if err == nil {
			return out, nil
		}
		errs = append(errs, fmt.Errorf("model %s: %w", model, err))
		if ctx.Err() != nil {
			break
		}
		slog.Warn("Client.Generate: model failed, trying next", "model", model, "error", err)
	}
	return "", errors.Join(errs...)
}

func (c *Client) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	c.debugLog(model, params, resp, err)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("Client.complete: completion received", "model", model, "duration", time.Since(start), "length", len(content))
	return content, nil
}

type debugRecord struct {
	Time     time.Time                      `json:"time"`
	Model    string                         `json:"model"`
	Request  openai.ChatCompletionNewParams `json:"request"`
	Response *openai.ChatCompletion         `json:"response,omitempty"`
	Error    string                         `json:"error,omitempty"`
}

// debugLog writes one request and its outcome to StateDir/debug.
func (c *Client) debugLog(model string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	rec := debugRecord{Time: time.Now().UTC(), Model: model, Request: params}
	if callErr != nil {
		rec.Error = callErr.Error()
	} else {
		rec.Response = &resp
	}

	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.debugLog: failed to create debug dir", "dir", dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("Client.debugLog: failed to encode record", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", rec.Time.Format("20060102T150405"), uuid.NewString())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("Client.debugLog: failed to write record", "file", name, "error", err)
	}
}

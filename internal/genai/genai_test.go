package genai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChatService answers per model and records the models it was asked for.
type mockChatService struct {
	replies map[string]string
	errs    map[string]error
	models  []string
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	model := string(params.Model)
	m.models = append(m.models, model)
	if err := m.errs[model]; err != nil {
		return openai.ChatCompletion{}, err
	}
	reply, ok := m.replies[model]
	if !ok {
		return openai.ChatCompletion{}, nil
	}
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: reply}}},
	}, nil
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatService{replies: map[string]string{"primary": "  Hello World\n"}}
	client := &Client{chat: mock, model: "primary"}

	out, err := client.Generate(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "Hello World", out)
	assert.Equal(t, []string{"primary"}, mock.models)
}

func TestGenerate_FallsBackInOrder(t *testing.T) {
	mock := &mockChatService{
		replies: map[string]string{"backup": "from backup"},
		errs:    map[string]error{"primary": errors.New("rate limited")},
	}
	client := &Client{chat: mock, model: "primary", fallbacks: []string{"backup", "last"}}

	out, err := client.Generate(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "from backup", out)
	assert.Equal(t, []string{"primary", "backup"}, mock.models)
}

func TestGenerate_AllModelsFail(t *testing.T) {
	mock := &mockChatService{errs: map[string]error{"primary": errors.New("service failure")}}
	client := &Client{chat: mock, model: "primary", fallbacks: []string{"empty"}}

	_, err := client.Generate(context.Background(), "sys", "usr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service failure")
	assert.ErrorIs(t, err, ErrNoChoicesReturned)
}

func TestGenerate_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mock := &mockChatService{errs: map[string]error{"primary": context.Canceled}}
	client := &Client{chat: mock, model: "primary", fallbacks: []string{"backup"}}

	_, err := client.Generate(ctx, "sys", "usr")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"primary"}, mock.models)
}

func TestModels_DeduplicatesPrimary(t *testing.T) {
	client := &Client{model: "a", fallbacks: []string{"a", "", "b"}}
	assert.Equal(t, []string{"a", "b"}, client.Models())
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("m1"), WithFallbackModel("m2"), WithFallbackModel(""))
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, cli.Models())
}

func TestDebugLogging(t *testing.T) {
	dir := t.TempDir()
	mock := &mockChatService{replies: map[string]string{"test-model": "Test response"}}
	client := &Client{chat: mock, model: "test-model", temperature: 0.7, maxTokens: 100, debugMode: true, stateDir: dir}

	_, err := client.Generate(context.Background(), "System prompt", "User prompt")
	require.NoError(t, err)

	files, err := os.ReadDir(filepath.Join(dir, "debug"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(filepath.Join(dir, "debug", files[0].Name()))
	require.NoError(t, err)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "test-model", rec["model"])
	assert.Contains(t, string(data), "User prompt")
	assert.Contains(t, string(data), "Test response")
}

func TestClient_AgainstHTTPServer(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Oi!"}}]
		}`)
	}))
	defer srv.Close()

	client, err := NewClient(WithAPIKey("sk-test"), WithBaseURL(srv.URL+"/v1/"), WithMaxRetries(0))
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "be brief", "olá")
	require.NoError(t, err)
	assert.Equal(t, "Oi!", out)
	assert.Equal(t, string(DefaultModel), got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "olá", got.Messages[1].Content)
}

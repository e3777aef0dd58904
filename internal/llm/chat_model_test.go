package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeCompletionServer(t *testing.T, status int, reply string, captured *chatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if captured != nil {
			require.NoError(t, json.Unmarshal(body, captured))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const completionReply = `{
  "id": "chatcmpl-1",
  "model": "qwen-plus",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"required_keywords\": {}}"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func TestChatModel_Generate(t *testing.T) {
	var captured chatCompletionRequest
	srv := newFakeCompletionServer(t, http.StatusOK, completionReply, &captured)

	m, err := NewChatModel(Config{APIKey: "test-key", APIURL: srv.URL, Model: "qwen-plus", Temperature: 0.1, MaxTokens: 512, JSONMode: true})
	require.NoError(t, err)

	msg, err := m.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.Assistant, msg.Role)
	assert.Equal(t, `{"required_keywords": {}}`, msg.Content)
	require.NotNil(t, msg.ResponseMeta)
	assert.Equal(t, 15, msg.ResponseMeta.Usage.TotalTokens)

	assert.Equal(t, "qwen-plus", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	require.NotNil(t, captured.MaxTokens)
	assert.Equal(t, 512, *captured.MaxTokens)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
}

func TestChatModel_CallOptionsOverrideDefaults(t *testing.T) {
	var captured chatCompletionRequest
	srv := newFakeCompletionServer(t, http.StatusOK, completionReply, &captured)

	m, err := NewChatModel(Config{APIKey: "test-key", APIURL: srv.URL, Model: "qwen-plus"})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")},
		model.WithModel("qwen-max"), model.WithTemperature(0.7))
	require.NoError(t, err)
	assert.Equal(t, "qwen-max", captured.Model)
	require.NotNil(t, captured.Temperature)
	assert.InDelta(t, 0.7, *captured.Temperature, 1e-6)
	assert.Nil(t, captured.ResponseFormat)
}

func TestChatModel_HTTPError(t *testing.T) {
	srv := newFakeCompletionServer(t, http.StatusTooManyRequests, `{"error": "rate limit"}`, nil)
	m, err := NewChatModel(Config{APIKey: "test-key", APIURL: srv.URL})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestChatModel_EmptyChoices(t *testing.T) {
	srv := newFakeCompletionServer(t, http.StatusOK, `{"choices": []}`, nil)
	m, err := NewChatModel(Config{APIKey: "test-key", APIURL: srv.URL})
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	assert.Error(t, err)
}

func TestChatModel_ContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	m, err := NewChatModel(Config{APIKey: "test-key", APIURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Generate(ctx, []*schema.Message{schema.UserMessage("hi")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChatModel_WithToolsDoesNotMutateOriginal(t *testing.T) {
	m, err := NewChatModel(Config{APIKey: "test-key"})
	require.NoError(t, err)

	bound, err := m.WithTools([]*schema.ToolInfo{{Name: "lookup", Desc: "查询"}})
	require.NoError(t, err)
	assert.Len(t, bound.(*ChatModel).tools, 1)
	assert.Empty(t, m.tools)
}

func TestNewChatModel_RequiresKey(t *testing.T) {
	_, err := NewChatModel(Config{})
	assert.Error(t, err)
}

// TestChatModel_Live 需要真实的 ALIYUN_API_KEY
func TestChatModel_Live(t *testing.T) {
	key := os.Getenv("ALIYUN_API_KEY")
	if key == "" {
		t.Skip("跳过测试：未设置 ALIYUN_API_KEY")
	}
	m, err := NewChatModel(Config{APIKey: key, JSONMode: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	msg, err := m.Generate(ctx, []*schema.Message{
		schema.UserMessage(`只返回JSON: {"ok": true}`),
	})
	require.NoError(t, err)
	assert.Contains(t, msg.Content, "ok")
}

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/telechat/pkg/completion"
	"github.com/go-go-golems/telechat/pkg/continuation"
	"github.com/go-go-golems/telechat/pkg/conversation"
)

type capturedRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionBody(content, finish string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "served-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": finish,
		}},
		"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
	})
	return string(b)
}

func newTestClient(t *testing.T, h http.HandlerFunc, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Settings{
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/v1",
		Retries:    retries,
		RetryDelay: time.Millisecond,
		Router:     completion.ModelRouter{Fixed: "pinned-model"},
	})
	require.NoError(t, err)
	return c
}

var twoTurns = []conversation.Turn{
	{Role: conversation.RoleSystem, Content: "sys"},
	{Role: conversation.RoleUser, Content: "hello"},
}

func TestClient_MapsRequestAndLengthFinish(t *testing.T) {
	var got capturedRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("partial", "length")))
	}, 0)

	out, err := c.Complete(context.Background(), twoTurns, continuation.CompletionOptions{MaxOutputTokens: 2500, Temperature: 0.7})
	require.NoError(t, err)
	require.Equal(t, "partial", out.Text)
	require.True(t, out.Truncated)
	require.Equal(t, "length", out.FinishReason)
	require.Equal(t, "served-model", out.Model)
	require.Equal(t, 7, out.Usage.TotalTokens)

	require.Equal(t, "pinned-model", got.Model)
	require.Equal(t, 2500, got.MaxTokens)
	require.InDelta(t, 0.7, got.Temperature, 1e-6)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "system", got.Messages[0].Role)
	require.Equal(t, "user", got.Messages[1].Role)
}

func TestClient_StopFinishIsComplete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("done", "stop")))
	}, 0)

	out, err := c.Complete(context.Background(), twoTurns, continuation.CompletionOptions{})
	require.NoError(t, err)
	require.False(t, out.Truncated)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(completionBody("ok", "stop")))
	}, 2)

	out, err := c.Complete(context.Background(), twoTurns, continuation.CompletionOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Text)
	require.Equal(t, int32(2), calls.Load())
}

func TestClient_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid key","type":"invalid_request_error"}}`))
	}, 3)

	_, err := c.Complete(context.Background(), twoTurns, continuation.CompletionOptions{})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestClient_WithController(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(completionBody("Part1", "length")))
			return
		}
		_, _ = w.Write([]byte(completionBody("Part2", "stop")))
	}, 0)

	ctrl, err := continuation.NewController(c, continuation.Options{MaxContinues: 3})
	require.NoError(t, err)
	res, err := ctrl.Run(context.Background(), twoTurns)
	require.NoError(t, err)
	require.Equal(t, "Part1\n\nPart2", res.Text)
	require.Equal(t, 1, res.Continuations)
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(Settings{})
	require.Error(t, err)
}

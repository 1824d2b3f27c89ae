package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
)

func TestHTTPClientComplete(t *testing.T) {
	var gotModel string
	var gotJSONMode bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel, _ = req["model"].(string)
		_, gotJSONMode = req["response_format"]

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": `{"resolved": "yes"}`}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"total_tokens": 42},
		})
	}))
	defer server.Close()

	client, err := NewHTTPClient(&config.OpenAIConfig{
		APIKey:         "test-key",
		BaseURL:        server.URL,
		ChatModel:      "gpt-4o-mini",
		RequestTimeout: 5 * time.Second,
	}, logging.NewNoop())
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: "user", Content: "resolve this"}},
		JSONMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"resolved": "yes"}`, out)
	assert.Equal(t, "gpt-4o-mini", gotModel)
	assert.True(t, gotJSONMode)
}

func TestHTTPClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewHTTPClient(&config.OpenAIConfig{APIKey: "k", BaseURL: server.URL}, logging.NewNoop())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestHTTPClientRejectsEmptyMessages(t *testing.T) {
	client, err := NewHTTPClient(&config.OpenAIConfig{APIKey: "k"}, logging.NewNoop())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &CompletionRequest{})
	assert.Error(t, err)
}

func TestModelPolicy(t *testing.T) {
	open := NewModelPolicy()
	assert.True(t, open.Allowed("anything"))

	restricted := NewModelPolicy("gpt-4o-mini", "gpt-4o")
	assert.True(t, restricted.Allowed("gpt-4o"))
	assert.False(t, restricted.Allowed("o1-preview"))

	restricted.Allow("o1-preview")
	assert.True(t, restricted.Allowed("o1-preview"))
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini", "o1-preview"}, restricted.Models())
}

func TestMockClientCycles(t *testing.T) {
	mock := NewMockClient("first", "second")
	ctx := context.Background()

	out, err := mock.Complete(ctx, &CompletionRequest{Messages: []Message{{Role: "user", Content: "a"}}})
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = mock.Complete(ctx, &CompletionRequest{Messages: []Message{{Role: "user", Content: "b"}}})
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.Len(t, mock.Requests, 2)
}

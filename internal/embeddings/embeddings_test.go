package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	svc, err := NewService(&config.OpenAIConfig{
		APIKey:         "test-key",
		BaseURL:        server.URL,
		EmbeddingModel: "text-embedding-3-small",
		RequestTimeout: 5 * time.Second,
	}, logging.NewNoop())
	require.NoError(t, err)
	return svc
}

func embeddingHandler(t *testing.T, calls *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]interface{}, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]interface{}{
				"index":     i,
				"embedding": []float64{0.1, 0.2, 0.3},
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  req.Model,
		})
	}
}

func TestServiceEmbed(t *testing.T) {
	calls := 0
	svc := newTestService(t, embeddingHandler(t, &calls))

	vec, err := svc.Embed(context.Background(), "the pump needs a new seal")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 1, calls)
}

func TestServiceEmbedUsesCache(t *testing.T) {
	calls := 0
	svc := newTestService(t, embeddingHandler(t, &calls))
	ctx := context.Background()

	_, err := svc.Embed(ctx, "same text")
	require.NoError(t, err)
	_, err = svc.Embed(ctx, "same text")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), svc.CacheStats().Hits)
}

func TestServiceEmbedRejectsEmptyText(t *testing.T) {
	calls := 0
	svc := newTestService(t, embeddingHandler(t, &calls))

	_, err := svc.Embed(context.Background(), "   ")
	assert.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestServiceEmbedBatchMixedCache(t *testing.T) {
	calls := 0
	svc := newTestService(t, embeddingHandler(t, &calls))
	ctx := context.Background()

	_, err := svc.Embed(ctx, "cached text")
	require.NoError(t, err)

	vecs, err := svc.EmbedBatch(ctx, []string{"cached text", "new text"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, vecs[0], vecs[1])
	assert.Equal(t, 2, calls)
}

func TestServiceAPIError(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	})

	_, err := svc.Embed(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestServiceRequiresAPIKey(t *testing.T) {
	_, err := NewService(&config.OpenAIConfig{}, logging.NewNoop())
	assert.Error(t, err)
}

func TestCacheEviction(t *testing.T) {
	cache := NewCache(2, time.Hour)
	cache.Set("a", []float64{1})
	cache.Set("b", []float64{2})
	cache.Set("c", []float64{3})

	_, found := cache.Get("a")
	assert.False(t, found)
	_, found = cache.Get("c")
	assert.True(t, found)
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestCacheTTLExpiry(t *testing.T) {
	cache := NewCache(10, time.Millisecond)
	cache.Set("x", []float64{1})
	time.Sleep(5 * time.Millisecond)

	_, found := cache.Get("x")
	assert.False(t, found)
}

type failingEmbedder struct{ err error }

func (f *failingEmbedder) Embed(context.Context, string) ([]float64, error) { return nil, f.err }

func TestBreakerOpensOnRepeatedFailure(t *testing.T) {
	be := NewBreakerEmbedder(&failingEmbedder{err: errors.New("provider down")}, logging.NewNoop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = be.Embed(ctx, "text")
	}
	assert.Equal(t, gobreaker.StateOpen, be.State())

	_, err := be.Embed(ctx, "text")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

// Package embeddings generates text embeddings through the OpenAI API with
// caching and a circuit breaker.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
)

// DefaultModel is the default OpenAI embedding model.
const DefaultModel = "text-embedding-3-small"

// Service calls the OpenAI embeddings endpoint. Implements storage.Embedder.
type Service struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     logging.Logger
	cache      *Cache
}

// NewService creates an embeddings service from configuration
func NewService(cfg *config.OpenAIConfig, logger logging.Logger) (*Service, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Service{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithComponent("embeddings"),
		cache:      NewCache(1000, 24*time.Hour),
	}, nil
}

// Embed returns the embedding vector for a text
func (s *Service) Embed(ctx context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	if cached, found := s.cache.Get(text); found {
		return cached, nil
	}

	vectors, err := s.callAPI(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embeddings response contained no vectors")
	}

	s.cache.Set(text, vectors[0])
	s.logger.Debug("embedding generated", "dimensions", len(vectors[0]), "text_length", len(text))
	return vectors[0], nil
}

// EmbedBatch returns vectors for multiple texts, serving cached entries
// without an API call
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	results := make([][]float64, len(texts))
	var uncached []string
	var uncachedIdx []int

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("text at index %d cannot be empty", i)
		}
		if cached, found := s.cache.Get(text); found {
			results[i] = cached
		} else {
			uncached = append(uncached, text)
			uncachedIdx = append(uncachedIdx, i)
		}
	}

	if len(uncached) == 0 {
		return results, nil
	}

	vectors, err := s.callAPI(ctx, uncached)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(uncached) {
		return nil, fmt.Errorf("embeddings response had %d vectors for %d inputs", len(vectors), len(uncached))
	}

	for i, vec := range vectors {
		results[uncachedIdx[i]] = vec
		s.cache.Set(uncached[i], vec)
	}
	return results, nil
}

// Dimensions reports the vector size for the configured model
func (s *Service) Dimensions() int {
	switch s.model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-ada-002", "text-embedding-3-small":
		return 1536
	default:
		return 1536
	}
}

// HealthCheck embeds a probe text
func (s *Service) HealthCheck(ctx context.Context) error {
	_, err := s.Embed(ctx, "health check")
	return err
}

// CacheStats exposes the embedding cache statistics
func (s *Service) CacheStats() CacheStats { return s.cache.Stats() }

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (s *Service) callAPI(ctx context.Context, texts []string) ([][]float64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"input": texts,
		"model": s.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings response: %w", err)
	}

	vectors := make([][]float64, len(parsed.Data))
	for i, item := range parsed.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

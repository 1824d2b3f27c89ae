package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/pkg/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "aibox_memory", cfg.Qdrant.Collection)
	assert.Equal(t, types.CollectionNamingUserBased, cfg.Qdrant.CollectionNaming)
	assert.Equal(t, 300*time.Second, cfg.Retrieval.CacheTTL)
	assert.Equal(t, 4, cfg.Retrieval.Workers)
	assert.InDelta(t, 0.6, cfg.RAG.VectorWeight, 1e-9)
	assert.InDelta(t, 0.4, cfg.RAG.GraphWeight, 1e-9)
	assert.Equal(t, 1800, cfg.Chat.MaxInjectionChars)
	assert.Equal(t, 90, cfg.Review.ArchiveAfterDays)
	assert.Equal(t, int64(3), cfg.Review.MaxAccessThreshold)
	assert.Equal(t, 180, cfg.Review.StaleCheckDays)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("QDRANT_COLLECTION_NAMING", "file_based")
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("HISTORY_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, types.CollectionNamingFileBased, cfg.Qdrant.CollectionNaming)
	assert.Equal(t, 30*time.Minute, cfg.History.SessionTTL)
	assert.Equal(t, "memory", cfg.History.Backend)
}

func TestValidateRejectsMixedNaming(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Qdrant.CollectionNaming = "hybrid"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownHistoryBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History.Backend = "dynamo"
	assert.Error(t, cfg.Validate())
}

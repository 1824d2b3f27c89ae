// Package config loads application configuration from the environment,
// with optional .env file support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"aibox-memory/pkg/types"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Qdrant    QdrantConfig    `json:"qdrant"`
	Graph     GraphConfig     `json:"graph"`
	OpenAI    OpenAIConfig    `json:"openai"`
	Retrieval RetrievalConfig `json:"retrieval"`
	RAG       RAGConfig       `json:"rag"`
	Chat      ChatConfig      `json:"chat"`
	History   HistoryConfig   `json:"history"`
	MCP       MCPConfig       `json:"mcp"`
	Review    ReviewConfig    `json:"review"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// RedisConfig represents the short-term KV store configuration
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"-"`
	DB        int    `json:"db"`
	Namespace string `json:"namespace"`
	TTL       time.Duration `json:"ttl"`
}

// QdrantConfig represents the long-term vector store configuration
type QdrantConfig struct {
	Host             string                 `json:"host"`
	Port             int                    `json:"port"`
	APIKey           string                 `json:"-"`
	UseTLS           bool                   `json:"use_tls"`
	Collection       string                 `json:"collection"`
	CollectionNaming types.CollectionNaming `json:"collection_naming"`
	VectorSize       int                    `json:"vector_size"`
	TimeoutSeconds   int                    `json:"timeout_seconds"`
}

// GraphConfig represents the document+graph store configuration
type GraphConfig struct {
	Path string `json:"path"`
}

// OpenAIConfig covers both the embedding and chat-completion providers
type OpenAIConfig struct {
	APIKey         string  `json:"-"`
	BaseURL        string  `json:"base_url"`
	EmbeddingModel string  `json:"embedding_model"`
	ChatModel      string  `json:"chat_model"`
	Temperature    float64 `json:"temperature"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// RetrievalConfig represents the real-time retrieval service configuration
type RetrievalConfig struct {
	CacheTTL       time.Duration `json:"cache_ttl"`
	Workers        int           `json:"workers"`
	SearchTimeout  time.Duration `json:"search_timeout"`
	MinRelevance   float64       `json:"min_relevance"`
	DefaultLimit   int           `json:"default_limit"`
}

// RAGConfig represents hybrid RAG configuration
type RAGConfig struct {
	VectorWeight float64       `json:"vector_weight"`
	GraphWeight  float64       `json:"graph_weight"`
	TopK         int           `json:"top_k"`
	TrackTimeout time.Duration `json:"track_timeout"`
}

// ChatConfig represents the chat memory service configuration
type ChatConfig struct {
	RAGTopK           int     `json:"rag_top_k"`
	AAMTopK           int     `json:"aam_top_k"`
	MinRelevance      float64 `json:"min_relevance"`
	MaxInjectionChars int     `json:"max_injection_chars"`
	MaxLineChars      int     `json:"max_line_chars"`
	SnippetChars      int     `json:"snippet_chars"`
}

// HistoryConfig represents session history configuration
type HistoryConfig struct {
	Backend    string        `json:"backend"` // memory | redis
	SessionTTL time.Duration `json:"session_ttl"`
}

// MCPConfig represents MCP client/pool configuration
type MCPConfig struct {
	Endpoints           []string      `json:"endpoints"`
	Strategy            string        `json:"strategy"`
	MaxRetries          int           `json:"max_retries"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	ExternalToolsFile   string        `json:"external_tools_file"`
	ExternalRefresh     time.Duration `json:"external_refresh"`
}

// ReviewConfig represents the weekly memory review job configuration
type ReviewConfig struct {
	Schedule           string `json:"schedule"`
	ArchiveAfterDays   int    `json:"archive_after_days"`
	MaxAccessThreshold int64  `json:"max_access_threshold"`
	StaleCheckDays     int    `json:"stale_check_days"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `json:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Namespace: "aibox",
			TTL:       24 * time.Hour,
		},
		Qdrant: QdrantConfig{
			Host:             "localhost",
			Port:             6334,
			Collection:       "aibox_memory",
			CollectionNaming: types.CollectionNamingUserBased,
			VectorSize:       1536,
			TimeoutSeconds:   5,
		},
		Graph: GraphConfig{
			Path: "./data/aibox.db",
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			EmbeddingModel: "text-embedding-ada-002",
			ChatModel:      "gpt-4o-mini",
			Temperature:    0.0,
			RequestTimeout: 10 * time.Second,
		},
		Retrieval: RetrievalConfig{
			CacheTTL:      300 * time.Second,
			Workers:       4,
			SearchTimeout: 5 * time.Second,
			MinRelevance:  0.0,
			DefaultLimit:  10,
		},
		RAG: RAGConfig{
			VectorWeight: 0.6,
			GraphWeight:  0.4,
			TopK:         5,
			TrackTimeout: 5 * time.Second,
		},
		Chat: ChatConfig{
			RAGTopK:           5,
			AAMTopK:           3,
			MinRelevance:      0.2,
			MaxInjectionChars: 1800,
			MaxLineChars:      280,
			SnippetChars:      800,
		},
		History: HistoryConfig{
			Backend:    "redis",
			SessionTTL: 3600 * time.Second,
		},
		MCP: MCPConfig{
			Strategy:            "round_robin",
			MaxRetries:          3,
			RequestTimeout:      30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			ExternalToolsFile:   "./configs/external_tools.yaml",
			ExternalRefresh:     time.Hour,
		},
		Review: ReviewConfig{
			Schedule:           "@weekly",
			ArchiveAfterDays:   90,
			MaxAccessThreshold: 3,
			StaleCheckDays:     180,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.Namespace = getEnv("REDIS_NAMESPACE", cfg.Redis.Namespace)
	cfg.Redis.TTL = getEnvDuration("SHORT_TERM_TTL", cfg.Redis.TTL)

	cfg.Qdrant.Host = getEnv("QDRANT_HOST", cfg.Qdrant.Host)
	cfg.Qdrant.Port = getEnvInt("QDRANT_PORT", cfg.Qdrant.Port)
	cfg.Qdrant.APIKey = getEnv("QDRANT_API_KEY", "")
	cfg.Qdrant.UseTLS = getEnvBool("QDRANT_USE_TLS", cfg.Qdrant.UseTLS)
	cfg.Qdrant.Collection = getEnv("QDRANT_COLLECTION", cfg.Qdrant.Collection)
	cfg.Qdrant.CollectionNaming = types.CollectionNaming(getEnv("QDRANT_COLLECTION_NAMING", string(cfg.Qdrant.CollectionNaming)))
	cfg.Qdrant.VectorSize = getEnvInt("QDRANT_VECTOR_SIZE", cfg.Qdrant.VectorSize)

	cfg.Graph.Path = getEnv("GRAPH_DB_PATH", cfg.Graph.Path)

	cfg.OpenAI.APIKey = getEnv("OPENAI_API_KEY", "")
	cfg.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAI.BaseURL)
	cfg.OpenAI.EmbeddingModel = getEnv("OPENAI_EMBEDDING_MODEL", cfg.OpenAI.EmbeddingModel)
	cfg.OpenAI.ChatModel = getEnv("OPENAI_CHAT_MODEL", cfg.OpenAI.ChatModel)

	cfg.Retrieval.CacheTTL = getEnvDuration("RETRIEVAL_CACHE_TTL", cfg.Retrieval.CacheTTL)
	cfg.Retrieval.Workers = getEnvInt("RETRIEVAL_WORKERS", cfg.Retrieval.Workers)

	cfg.History.Backend = getEnv("HISTORY_BACKEND", cfg.History.Backend)
	cfg.History.SessionTTL = getEnvDuration("SESSION_TTL", cfg.History.SessionTTL)

	cfg.MCP.Strategy = getEnv("MCP_POOL_STRATEGY", cfg.MCP.Strategy)
	cfg.MCP.MaxRetries = getEnvInt("MCP_MAX_RETRIES", cfg.MCP.MaxRetries)
	cfg.MCP.ExternalToolsFile = getEnv("EXTERNAL_TOOLS_FILE", cfg.MCP.ExternalToolsFile)

	cfg.Review.Schedule = getEnv("REVIEW_SCHEDULE", cfg.Review.Schedule)
	cfg.Review.ArchiveAfterDays = getEnvInt("REVIEW_ARCHIVE_AFTER_DAYS", cfg.Review.ArchiveAfterDays)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cluster-wide invariants
func (c *Config) Validate() error {
	if !c.Qdrant.CollectionNaming.Valid() {
		return fmt.Errorf("invalid collection naming strategy: %s", c.Qdrant.CollectionNaming)
	}
	if c.RAG.VectorWeight < 0 || c.RAG.GraphWeight < 0 {
		return fmt.Errorf("rag weights must be non-negative")
	}
	if c.History.Backend != "memory" && c.History.Backend != "redis" {
		return fmt.Errorf("unknown history backend: %s", c.History.Backend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

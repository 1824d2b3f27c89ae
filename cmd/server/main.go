// server is the aibox-memory binary: REST chat surface, MCP tool endpoint,
// background workers and the weekly memory review, wired over Redis, Qdrant
// and SQLite adapters.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"aibox-memory/internal/api"
	"aibox-memory/internal/chat"
	"aibox-memory/internal/config"
	"aibox-memory/internal/coref"
	"aibox-memory/internal/deletion"
	"aibox-memory/internal/embeddings"
	"aibox-memory/internal/history"
	"aibox-memory/internal/ingestion"
	"aibox-memory/internal/llm"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/mcp"
	"aibox-memory/internal/memory"
	"aibox-memory/internal/ner"
	"aibox-memory/internal/rag"
	"aibox-memory/internal/retrieval"
	"aibox-memory/internal/review"
	"aibox-memory/internal/storage"
	"aibox-memory/internal/tasks"
	"aibox-memory/pkg/types"

	goredis "github.com/redis/go-redis/v9"
)

const (
	serverName    = "aibox-memory"
	serverVersion = "1.0.0"

	taskPurgeSchedule = "@daily"
	workerCount       = 4
	shutdownTimeout   = 10 * time.Second
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides SERVER_HOST/SERVER_PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Logging.Level))
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	llmClient, err := llm.NewHTTPClient(&cfg.OpenAI, logger)
	if err != nil {
		log.Fatalf("failed to create chat model client: %v", err)
	}

	// Long-term tier. The server still serves chat without it; memory reads
	// and writes against the missing tier are refused silently downstream.
	vectorStore := buildVectorStore(ctx, cfg, logger)

	shortTerm := storage.NewRedisStore(&cfg.Redis, logger)
	shortTermOK := true
	if err := shortTerm.Initialize(ctx); err != nil {
		logger.Warn("redis unavailable, short-term tier disabled", "error", err.Error())
		shortTermOK = false
	}

	graph, err := storage.NewSQLiteGraphStore(cfg.Graph.Path, logger)
	if err != nil {
		log.Fatalf("failed to open graph store: %v", err)
	}
	defer graph.Close()
	if err := graph.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize graph schema: %v", err)
	}

	taskRepo := storage.NewTaskRepository(graph.DB(), logger)
	if err := taskRepo.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize task repository: %v", err)
	}
	oplog := storage.NewOperationLog(graph.DB(), logger)
	if err := oplog.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize operation log: %v", err)
	}

	mgrOpts := []memory.Option{
		memory.WithGraph(graph),
		memory.WithOperationLog(oplog),
	}
	if shortTermOK {
		mgrOpts = append(mgrOpts, memory.WithShortTerm(shortTerm))
	}
	if vectorStore != nil {
		mgrOpts = append(mgrOpts, memory.WithLongTerm(vectorStore))
	}
	manager := memory.NewManager(logger, mgrOpts...)

	retrievalSvc := retrieval.NewService(manager, cfg.Retrieval, logger)
	engine := rag.NewEngine(retrievalSvc, graph, ner.NewLLMExtractor(llmClient, logger), cfg.RAG, logger)
	resolver := coref.NewResolver(manager, llmClient, logger)
	chatSvc := chat.NewService(engine, manager, nil, cfg.Chat, logger)

	processor := tasks.NewProcessor(workerCount, logger)
	processor.Start(ctx)
	defer processor.Stop()

	var ingestSvc *ingestion.Service
	if vectorStore != nil {
		ingestSvc = ingestion.NewService(vectorStore, llmClient, processor, ingestion.Config{}, logger)
	}

	dataDir := filepath.Join(filepath.Dir(cfg.Graph.Path), "uploads")
	executor := deletion.NewStoreExecutor(vectorStore, graph, graph.DB(), taskRepo, dataDir, logger)
	deleter := deletion.NewManager(executor, 0, 0, logger)

	if vectorStore != nil {
		reviewJob := review.NewJob(vectorStore, review.Config{
			Schedule:           cfg.Review.Schedule,
			ArchiveAfterDays:   cfg.Review.ArchiveAfterDays,
			MaxAccessThreshold: cfg.Review.MaxAccessThreshold,
			StaleCheckDays:     cfg.Review.StaleCheckDays,
		}, logger)
		if err := reviewJob.Start(ctx); err != nil {
			log.Fatalf("failed to start memory review job: %v", err)
		}
		defer reviewJob.Stop()
	}

	purge := cron.New()
	if _, err := purge.AddFunc(taskPurgeSchedule, func() {
		if _, perr := taskRepo.PurgeExpired(context.Background()); perr != nil {
			logger.Warn("trash purge failed", "error", perr.Error())
		}
	}); err != nil {
		log.Fatalf("failed to schedule trash purge: %v", err)
	}
	purge.Start()
	defer purge.Stop()

	mcpServer := mcp.NewServer(serverName, serverVersion, logger)
	mcpServer.SetMetricsCallback(func(method string, latency time.Duration, isError bool) {
		logger.Debug("mcp request", "method", method, "latency_ms", latency.Milliseconds(), "error", isError)
	})
	registerMemoryTools(mcpServer, manager, resolver, ingestSvc, deleter)

	pool := mcp.NewPool(cfg.MCP, logger)
	if len(cfg.MCP.Endpoints) > 0 {
		pool.Start(ctx)
		defer pool.Stop()
	}

	external := mcp.NewExternalManager(mcpServer, cfg.MCP.ExternalToolsFile, cfg.MCP.ExternalRefresh, logger)
	if _, err := os.Stat(cfg.MCP.ExternalToolsFile); err == nil {
		if err := external.RegisterAll(ctx); err != nil {
			logger.Warn("external tool registration incomplete", "error", err.Error())
		}
		external.Start(ctx)
		defer external.Stop()
	}

	app := api.New(api.Options{
		Chat:         chatSvc,
		LLM:          llmClient,
		Policy:       llm.NewModelPolicy(),
		History:      buildHistory(cfg, logger),
		Processor:    processor,
		TaskRepo:     taskRepo,
		MCPServer:    mcpServer,
		DefaultModel: cfg.OpenAI.ChatModel,
		Logger:       logger,
	})

	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	srv := &http.Server{
		Addr:         listen,
		Handler:      app.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err.Error())
	}
	if shortTermOK {
		if err := shortTerm.Close(); err != nil {
			logger.Warn("redis close failed", "error", err.Error())
		}
	}
	if vectorStore != nil {
		if err := vectorStore.Close(); err != nil {
			logger.Warn("vector store close failed", "error", err.Error())
		}
	}
	logger.Info("server stopped")
}

// buildVectorStore assembles the Qdrant tier behind the embedding breaker and
// the retry wrapper, or nil when embeddings cannot be configured.
func buildVectorStore(ctx context.Context, cfg *config.Config, logger logging.Logger) storage.VectorMemoryStore {
	embedSvc, err := embeddings.NewService(&cfg.OpenAI, logger)
	if err != nil {
		logger.Warn("embeddings unavailable, long-term tier disabled", "error", err.Error())
		return nil
	}
	qdrantStore := storage.NewQdrantStore(&cfg.Qdrant, embeddings.NewBreakerEmbedder(embedSvc, logger), logger)
	if err := qdrantStore.Initialize(ctx); err != nil {
		logger.Warn("qdrant unavailable, long-term tier disabled", "error", err.Error())
		return nil
	}
	return storage.NewRetryableVectorStore(qdrantStore, nil)
}

func buildHistory(cfg *config.Config, logger logging.Logger) history.Store {
	if cfg.History.Backend == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return history.NewRedisStore(client, cfg.Redis.Namespace, cfg.History.SessionTTL, logger)
	}
	return history.NewMemoryStore(cfg.History.SessionTTL, logger)
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return fallback
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, _ := args[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

// registerMemoryTools exposes the memory platform over the tool protocol.
func registerMemoryTools(s *mcp.Server, manager *memory.Manager, resolver *coref.Resolver, ingestSvc *ingestion.Service, deleter *deletion.Manager) {
	s.RegisterTool("memory_store", "Store a memory in the requested tier",
		objectSchema([]string{"content", "user_id"}, map[string]interface{}{
			"content":     prop("string", "memory content"),
			"user_id":     prop("string", "owning user"),
			"memory_type": prop("string", "short_term or long_term, default long_term"),
			"priority":    prop("string", "low, medium or high"),
		}),
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			memType := types.MemoryType(stringArg(args, "memory_type"))
			if memType == "" {
				memType = types.MemoryTypeLongTerm
			}
			m := types.NewMemory(stringArg(args, "content"), memType, stringArg(args, "user_id"))
			if p := stringArg(args, "priority"); p != "" {
				m.Priority = types.Priority(p)
			}
			id, ok := manager.StoreMemory(ctx, m)
			if !ok {
				return nil, fmt.Errorf("tier %s is not available", memType)
			}
			return map[string]interface{}{"memory_id": id}, nil
		})

	s.RegisterTool("memory_search", "Search memories by text",
		objectSchema([]string{"query", "user_id"}, map[string]interface{}{
			"query":       prop("string", "search text"),
			"user_id":     prop("string", "owning user"),
			"memory_type": prop("string", "tier to search, default long_term"),
			"limit":       prop("integer", "maximum results"),
		}),
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			memType := types.MemoryType(stringArg(args, "memory_type"))
			if memType == "" {
				memType = types.MemoryTypeLongTerm
			}
			results := manager.SearchMemories(ctx, &types.MemoryQuery{
				Query:  stringArg(args, "query"),
				UserID: stringArg(args, "user_id"),
				Type:   memType,
				Limit:  intArg(args, "limit", 10),
			})
			return map[string]interface{}{"memories": results, "count": len(results)}, nil
		})

	s.RegisterTool("memory_retrieve", "Retrieve a memory by id",
		objectSchema([]string{"memory_id"}, map[string]interface{}{
			"memory_id":   prop("string", "memory identifier"),
			"memory_type": prop("string", "tier holding the memory, default long_term"),
		}),
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			memType := types.MemoryType(stringArg(args, "memory_type"))
			if memType == "" {
				memType = types.MemoryTypeLongTerm
			}
			id := stringArg(args, "memory_id")
			m, ok := manager.RetrieveMemory(ctx, id, memType)
			if !ok {
				return nil, fmt.Errorf("memory %s not found", id)
			}
			return m, nil
		})

	s.RegisterTool("memory_delete", "Delete a memory by id",
		objectSchema([]string{"memory_id"}, map[string]interface{}{
			"memory_id":   prop("string", "memory identifier"),
			"memory_type": prop("string", "tier holding the memory, default long_term"),
		}),
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			memType := types.MemoryType(stringArg(args, "memory_type"))
			if memType == "" {
				memType = types.MemoryTypeLongTerm
			}
			ok := manager.DeleteMemory(ctx, stringArg(args, "memory_id"), memType)
			return map[string]interface{}{"deleted": ok}, nil
		})

	s.RegisterTool("resolve_query", "Resolve pronouns and elliptical references in a query",
		objectSchema([]string{"query", "user_id"}, map[string]interface{}{
			"query":   prop("string", "query to resolve"),
			"user_id": prop("string", "owning user"),
		}),
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return resolver.Resolve(ctx, stringArg(args, "query"), stringArg(args, "user_id"), nil, nil), nil
		})

	if ingestSvc != nil {
		s.RegisterTool("ingest_document", "Chunk and index a document for retrieval",
			objectSchema([]string{"user_id", "file_id", "text"}, map[string]interface{}{
				"user_id": prop("string", "owning user"),
				"file_id": prop("string", "document identifier"),
				"text":    prop("string", "document text"),
			}),
			func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return ingestSvc.Ingest(ctx, stringArg(args, "user_id"), stringArg(args, "file_id"), stringArg(args, "text"))
			})
	}

	s.RegisterTool("delete_task_footprint", "Permanently delete a task's stored footprint across all stores",
		objectSchema([]string{"task_id", "user_id"}, map[string]interface{}{
			"task_id":  prop("string", "task identifier"),
			"user_id":  prop("string", "owning user"),
			"file_ids": map[string]interface{}{"type": "array", "description": "files attached to the task"},
		}),
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return deleter.DeleteTaskFootprint(ctx, stringArg(args, "task_id"), stringArg(args, "user_id"), stringSliceArg(args, "file_ids")), nil
		})
}

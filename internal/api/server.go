package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"aibox-memory/internal/chat"
	"aibox-memory/internal/history"
	"aibox-memory/internal/llm"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/mcp"
	"aibox-memory/internal/storage"
	"aibox-memory/internal/tasks"
	"aibox-memory/pkg/types"
)

const chatRequestTaskType = "chat_request"

// API wires the HTTP surface to the memory services.
type API struct {
	chat      *chat.Service
	llmClient llm.Client
	policy    *llm.ModelPolicy
	history   history.Store
	processor *tasks.Processor
	taskRepo  *storage.TaskRepository
	mcpServer *mcp.Server
	logger    logging.Logger

	defaultModel string

	mu    sync.RWMutex
	prefs map[string][]string
}

// Options carries the API dependencies; optional ones may be nil.
type Options struct {
	Chat         *chat.Service
	LLM          llm.Client
	Policy       *llm.ModelPolicy
	History      history.Store
	Processor    *tasks.Processor
	TaskRepo     *storage.TaskRepository
	MCPServer    *mcp.Server
	DefaultModel string
	Logger       logging.Logger
}

// New creates the API
func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = llm.DefaultChatModel
	}
	if opts.Policy == nil {
		opts.Policy = llm.NewModelPolicy()
	}
	return &API{
		chat:         opts.Chat,
		llmClient:    opts.LLM,
		policy:       opts.Policy,
		history:      opts.History,
		processor:    opts.Processor,
		taskRepo:     opts.TaskRepo,
		mcpServer:    opts.MCPServer,
		logger:       opts.Logger.WithComponent("api"),
		defaultModel: opts.DefaultModel,
		prefs:        make(map[string][]string),
	}
}

// Router builds the chi routing tree
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", a.handleChat)
		r.Post("/chat/requests", a.handleSubmitChatRequest)
		r.Get("/chat/requests/{id}", a.handleGetChatRequest)
		r.Post("/chat/requests/{id}/abort", a.handleAbortChatRequest)
		r.Get("/chat/sessions/{id}/messages", a.handleSessionMessages)
		r.Put("/chat/preferences/models", a.handleModelPreferences)

		r.Post("/tasks", a.handleCreateTask)
		r.Get("/tasks", a.handleListTasks)
		r.Get("/tasks/{id}", a.handleGetTask)
		r.Post("/tasks/{id}/soft_delete", a.handleSoftDelete)
		r.Post("/tasks/{id}/restore", a.handleRestore)
		r.Post("/tasks/{id}/permanent_delete", a.handlePermanentDelete)
	})

	if a.mcpServer != nil {
		r.Post("/mcp", a.mcpServer.ServeHTTP)
		r.Get("/health", a.mcpServer.HealthHandler)
		r.Get("/ready", a.mcpServer.ReadyHandler)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		})
		r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		})
	}
	return r
}

// ModelSelector picks the chat model for a turn.
type ModelSelector struct {
	Mode    string `json:"mode"`
	ModelID string `json:"model_id,omitempty"`
}

// ChatRequest is the main chat entry payload.
type ChatRequest struct {
	UserID        string            `json:"user_id"`
	SessionID     string            `json:"session_id,omitempty"`
	TaskID        string            `json:"task_id,omitempty"`
	Messages      []llm.Message     `json:"messages"`
	ModelSelector *ModelSelector    `json:"model_selector,omitempty"`
	Attachments   []chat.Attachment `json:"attachments,omitempty"`
}

// Routing describes how the turn reached a model.
type Routing struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Strategy     string `json:"strategy"`
	LatencyMs    int64  `json:"latency_ms"`
	FailoverUsed bool   `json:"failover_used"`
}

// Observability carries the memory and routing telemetry of a turn.
type Observability struct {
	MemoryHitCount     int            `json:"memory_hit_count"`
	MemorySources      map[string]int `json:"memory_sources"`
	RetrievalLatencyMs int64          `json:"retrieval_latency_ms"`
	Routing            Routing        `json:"routing"`
}

// ChatResponse is the chat result payload.
type ChatResponse struct {
	Content       string        `json:"content"`
	SessionID     string        `json:"session_id,omitempty"`
	Observability Observability `json:"observability"`
}

func lastUserMessage(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// resolveModel applies the selector through the policy gate
func (a *API) resolveModel(selector *ModelSelector) (model, strategy string, err error) {
	if selector == nil || selector.Mode == "" || selector.Mode == "auto" || selector.ModelID == "" {
		return a.defaultModel, "auto", nil
	}
	if !a.policy.Allowed(selector.ModelID) {
		return "", "", errors.New(selector.ModelID)
	}
	return selector.ModelID, selector.Mode, nil
}

// runChatTurn executes the full pipeline and is shared by the sync and
// async entry points
func (a *API) runChatTurn(ctx context.Context, req *ChatRequest) (*ChatResponse, string, error) {
	query := lastUserMessage(req.Messages)
	if query == "" {
		return nil, types.ErrCodeInvalidParamFormat, errors.New("request carries no user message")
	}

	model, strategy, err := a.resolveModel(req.ModelSelector)
	if err != nil {
		return nil, types.ErrCodeModelNotAllowed, err
	}

	turnReq := &chat.TurnRequest{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		TaskID:      req.TaskID,
		Query:       query,
		Attachments: req.Attachments,
	}

	// Memory failures degrade to an empty injection and never block the turn.
	turnCtx := &chat.TurnContext{MemorySources: map[string]int{}}
	if a.chat != nil {
		turnCtx = a.chat.PrepareTurn(ctx, turnReq)
	}

	messages := make([]llm.Message, 0, len(turnCtx.InjectionMessages)+len(req.Messages))
	messages = append(messages, turnCtx.InjectionMessages...)
	messages = append(messages, req.Messages...)

	llmStart := time.Now()
	content, err := a.llmClient.Complete(ctx, &llm.CompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return nil, types.ErrCodeChatHTTPError, err
	}

	if a.chat != nil {
		a.chat.RecordTurn(ctx, turnReq, content)
	}
	if a.history != nil && req.SessionID != "" {
		if _, herr := a.history.Record(ctx, req.SessionID, types.RoleUser, query, nil); herr != nil {
			a.logger.Warn("history record failed", "session_id", req.SessionID, "error", herr.Error())
		}
		if _, herr := a.history.Record(ctx, req.SessionID, types.RoleAssistant, content, nil); herr != nil {
			a.logger.Warn("history record failed", "session_id", req.SessionID, "error", herr.Error())
		}
	}

	return &ChatResponse{
		Content:   content,
		SessionID: req.SessionID,
		Observability: Observability{
			MemoryHitCount:     turnCtx.MemoryHitCount,
			MemorySources:      turnCtx.MemorySources,
			RetrievalLatencyMs: turnCtx.RetrievalLatencyMs,
			Routing: Routing{
				Provider:  "openai",
				Model:     model,
				Strategy:  strategy,
				LatencyMs: time.Since(llmStart).Milliseconds(),
			},
		},
	}, "", nil
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidParamFormat, "malformed request body")
		return
	}

	resp, code, err := a.runChatTurn(r.Context(), &req)
	if err != nil {
		switch code {
		case types.ErrCodeModelNotAllowed:
			writeError(w, http.StatusForbidden, code, "model not allowed: "+err.Error())
		case types.ErrCodeInvalidParamFormat:
			writeError(w, http.StatusBadRequest, code, err.Error())
		default:
			writeError(w, http.StatusBadGateway, code, err.Error())
		}
		return
	}
	writeSuccess(w, resp)
}

func (a *API) handleSubmitChatRequest(w http.ResponseWriter, r *http.Request) {
	if a.processor == nil {
		writeError(w, http.StatusServiceUnavailable, types.ErrCodeInternalError, "async processing unavailable")
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidParamFormat, "malformed request body")
		return
	}

	taskID, err := a.processor.Submit(chatRequestTaskType, types.PriorityMedium,
		map[string]interface{}{"user_id": req.UserID, "session_id": req.SessionID},
		func(taskCtx context.Context) (interface{}, error) {
			resp, _, terr := a.runChatTurn(taskCtx, &req)
			if terr != nil {
				return nil, terr
			}
			return resp, nil
		})
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, map[string]string{"request_id": taskID})
}

func (a *API) handleGetChatRequest(w http.ResponseWriter, r *http.Request) {
	if a.processor == nil {
		writeError(w, http.StatusServiceUnavailable, types.ErrCodeInternalError, "async processing unavailable")
		return
	}
	task, err := a.processor.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrCodeNoDataFound, err.Error())
		return
	}
	writeSuccess(w, task)
}

func (a *API) handleAbortChatRequest(w http.ResponseWriter, r *http.Request) {
	if a.processor == nil {
		writeError(w, http.StatusServiceUnavailable, types.ErrCodeInternalError, "async processing unavailable")
		return
	}
	if err := a.processor.CancelTask(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusConflict, types.ErrCodeInvalidParamFormat, err.Error())
		return
	}
	writeSuccess(w, map[string]string{"status": "aborted"})
}

func (a *API) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusServiceUnavailable, types.ErrCodeInternalError, "history unavailable")
		return
	}
	messages, err := a.history.GetHistory(r.Context(), chi.URLParam(r, "id"), 0, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, map[string]interface{}{"messages": messages})
}

// handleModelPreferences replaces the user's favourite models, dropping the
// ones the policy rejects
func (a *API) handleModelPreferences(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string   `json:"user_id"`
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidParamFormat, "user_id and models are required")
		return
	}

	allowed := make([]string, 0, len(req.Models))
	var rejected []string
	for _, model := range req.Models {
		if a.policy.Allowed(model) {
			allowed = append(allowed, model)
		} else {
			rejected = append(rejected, model)
		}
	}

	a.mu.Lock()
	a.prefs[req.UserID] = allowed
	a.mu.Unlock()

	env := Envelope{
		Status: types.StatusSuccess,
		Result: map[string]interface{}{"models": allowed},
	}
	if len(rejected) > 0 {
		env.Status = types.StatusPartial
		env.ErrorCode = types.ErrCodeModelNotAllowed
		for _, model := range rejected {
			env.Warnings = append(env.Warnings, "model not allowed: "+model)
		}
	}
	writeJSON(w, http.StatusOK, env)
}

// ModelPreferences returns the stored favourite list for a user
func (a *API) ModelPreferences(userID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.prefs[userID]))
	copy(out, a.prefs[userID])
	return out
}

func (a *API) requireTaskRepo(w http.ResponseWriter) bool {
	if a.taskRepo == nil {
		writeError(w, http.StatusServiceUnavailable, types.ErrCodeInternalError, "task store unavailable")
		return false
	}
	return true
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !a.requireTaskRepo(w) {
		return
	}
	var task types.UserTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil || task.UserID == "" || task.Title == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidParamFormat, "user_id and title are required")
		return
	}
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if err := a.taskRepo.Create(r.Context(), &task); err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, task)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !a.requireTaskRepo(w) {
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidParamFormat, "user_id is required")
		return
	}
	includeTrashed := r.URL.Query().Get("include_trashed") == "true"
	list, err := a.taskRepo.List(r.Context(), userID, includeTrashed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w, map[string]interface{}{"tasks": list})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if !a.requireTaskRepo(w) {
		return
	}
	task, err := a.taskRepo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrCodeNoDataFound, err.Error())
		return
	}
	writeSuccess(w, task)
}

func (a *API) taskTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	if !a.requireTaskRepo(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, types.ErrCodeNoDataFound, err.Error())
		case errors.Is(err, storage.ErrNotTrashed):
			writeError(w, http.StatusConflict, types.ErrCodeInvalidParamFormat, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, types.ErrCodeInternalError, err.Error())
		}
		return
	}
	task, err := a.taskRepo.Get(r.Context(), id)
	if err != nil {
		writeSuccess(w, map[string]string{"task_id": id})
		return
	}
	writeSuccess(w, task)
}

func (a *API) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	a.taskTransition(w, r, a.taskRepo.SoftDelete)
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	a.taskTransition(w, r, a.taskRepo.Restore)
}

func (a *API) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	if !a.requireTaskRepo(w) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.taskRepo.PermanentDelete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, types.ErrCodeNoDataFound, err.Error())
		case errors.Is(err, storage.ErrNotTrashed):
			writeError(w, http.StatusConflict, types.ErrCodeInvalidParamFormat, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, types.ErrCodeInternalError, err.Error())
		}
		return
	}
	writeSuccess(w, map[string]string{"task_id": id, "status": "deleted"})
}

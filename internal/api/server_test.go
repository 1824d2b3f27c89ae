package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/chat"
	"aibox-memory/internal/config"
	"aibox-memory/internal/history"
	"aibox-memory/internal/llm"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/memory"
	"aibox-memory/internal/storage"
	"aibox-memory/internal/tasks"
	"aibox-memory/pkg/types"
)

type fixture struct {
	api       *API
	ts        *httptest.Server
	long      *storage.MockVectorStore
	llmClient *llm.MockClient
	processor *tasks.Processor
}

func newFixture(t *testing.T, opts func(*Options)) *fixture {
	t.Helper()

	long := storage.NewMockVectorStore()
	mgr := memory.NewManager(logging.NewNoop(), memory.WithLongTerm(long))
	chatSvc := chat.NewService(nil, mgr, nil, config.ChatConfig{}, logging.NewNoop())

	client := llm.NewMockClient("the assistant answer")
	processor := tasks.NewProcessor(1, logging.NewNoop())
	processor.Start(context.Background())
	t.Cleanup(processor.Stop)

	graph, err := storage.NewSQLiteGraphStore(":memory:", logging.NewNoop())
	require.NoError(t, err)
	require.NoError(t, graph.Initialize(context.Background()))
	t.Cleanup(func() { graph.Close() })
	repo := storage.NewTaskRepository(graph.DB(), logging.NewNoop())
	require.NoError(t, repo.Initialize(context.Background()))

	o := Options{
		Chat:      chatSvc,
		LLM:       client,
		History:   history.NewMemoryStore(time.Hour, logging.NewNoop()),
		Processor: processor,
		TaskRepo:  repo,
		Logger:    logging.NewNoop(),
	}
	if opts != nil {
		opts(&o)
	}
	a := New(o)
	ts := httptest.NewServer(a.Router())
	t.Cleanup(ts.Close)
	return &fixture{api: a, ts: ts, long: long, llmClient: client, processor: processor}
}

func (f *fixture) post(t *testing.T, path string, body interface{}) (*http.Response, Envelope) {
	t.Helper()
	return f.do(t, http.MethodPost, path, body)
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	resp.Body.Close()
	return resp, env
}

func TestChatTurnRoundTrip(t *testing.T) {
	f := newFixture(t, nil)

	resp, env := f.post(t, "/api/v1/chat", ChatRequest{
		UserID:    "user-1",
		SessionID: "s1",
		Messages:  []llm.Message{{Role: "user", Content: "RM05-008庫存還有多少"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, types.StatusSuccess, env.Status)

	data, _ := json.Marshal(env.Result)
	var chatResp ChatResponse
	require.NoError(t, json.Unmarshal(data, &chatResp))

	assert.Equal(t, "the assistant answer", chatResp.Content)
	assert.Equal(t, "openai", chatResp.Observability.Routing.Provider)
	assert.Equal(t, llm.DefaultChatModel, chatResp.Observability.Routing.Model)
	assert.Equal(t, "auto", chatResp.Observability.Routing.Strategy)

	// The turn was written back as a long-term snippet.
	assert.Equal(t, 1, f.long.Len())

	// And replayed through the session endpoint.
	resp, env = f.do(t, http.MethodGet, "/api/v1/chat/sessions/s1/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ = json.Marshal(env.Result)
	var replay struct {
		Messages []types.ContextMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &replay))
	require.Len(t, replay.Messages, 2)
	assert.Equal(t, types.RoleUser, replay.Messages[0].Role)
	assert.Equal(t, types.RoleAssistant, replay.Messages[1].Role)
}

func TestChatModelPolicyGate(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Policy = llm.NewModelPolicy("gpt-4o-mini")
	})

	resp, env := f.post(t, "/api/v1/chat", ChatRequest{
		UserID:        "user-1",
		Messages:      []llm.Message{{Role: "user", Content: "hello"}},
		ModelSelector: &ModelSelector{Mode: "manual", ModelID: "gpt-99-ultra"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, types.ErrCodeModelNotAllowed, env.ErrorCode)

	// Allowed manual selection passes.
	resp, env = f.post(t, "/api/v1/chat", ChatRequest{
		UserID:        "user-1",
		Messages:      []llm.Message{{Role: "user", Content: "hello"}},
		ModelSelector: &ModelSelector{Mode: "manual", ModelID: "gpt-4o-mini"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.StatusSuccess, env.Status)
}

func TestChatWithoutUserMessage(t *testing.T) {
	f := newFixture(t, nil)
	resp, env := f.post(t, "/api/v1/chat", ChatRequest{
		UserID:   "user-1",
		Messages: []llm.Message{{Role: "system", Content: "just a preamble"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, types.ErrCodeInvalidParamFormat, env.ErrorCode)
}

func TestChatLLMFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.llmClient.Err = assert.AnError

	resp, env := f.post(t, "/api/v1/chat", ChatRequest{
		UserID:   "user-1",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, types.ErrCodeChatHTTPError, env.ErrorCode)
}

func TestAsyncChatRequestLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	resp, env := f.post(t, "/api/v1/chat/requests", ChatRequest{
		UserID:   "user-1",
		Messages: []llm.Message{{Role: "user", Content: "async please"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, _ := json.Marshal(env.Result)
	var submitted map[string]string
	require.NoError(t, json.Unmarshal(data, &submitted))
	requestID := submitted["request_id"]
	require.NotEmpty(t, requestID)

	deadline := time.Now().Add(2 * time.Second)
	var task types.AsyncTask
	for time.Now().Before(deadline) {
		_, env = f.do(t, http.MethodGet, "/api/v1/chat/requests/"+requestID, nil)
		data, _ = json.Marshal(env.Result)
		require.NoError(t, json.Unmarshal(data, &task))
		if task.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, types.AsyncTaskCompleted, task.Status)

	// Aborting a finished request conflicts.
	resp, _ = f.post(t, "/api/v1/chat/requests/"+requestID+"/abort", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestModelPreferencesFilterThroughPolicy(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Policy = llm.NewModelPolicy("gpt-4o-mini", "gpt-4o")
	})

	resp, env := f.do(t, http.MethodPut, "/api/v1/chat/preferences/models", map[string]interface{}{
		"user_id": "user-1",
		"models":  []string{"gpt-4o", "claude-99"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.StatusPartial, env.Status)
	assert.Equal(t, types.ErrCodeModelNotAllowed, env.ErrorCode)
	require.Len(t, env.Warnings, 1)
	assert.Contains(t, env.Warnings[0], "claude-99")

	assert.Equal(t, []string{"gpt-4o"}, f.api.ModelPreferences("user-1"))
}

func TestTaskSoftDeleteFlow(t *testing.T) {
	f := newFixture(t, nil)

	resp, env := f.post(t, "/api/v1/tasks", types.UserTask{UserID: "user-1", Title: "order RM05-008"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, _ := json.Marshal(env.Result)
	var task types.UserTask
	require.NoError(t, json.Unmarshal(data, &task))
	require.NotEmpty(t, task.TaskID)

	// Permanent delete before trash is rejected.
	resp, _ = f.post(t, "/api/v1/tasks/"+task.TaskID+"/permanent_delete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, env = f.post(t, "/api/v1/tasks/"+task.TaskID+"/soft_delete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ = json.Marshal(env.Result)
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, types.TaskStatusTrash, task.Status)
	require.NotNil(t, task.DeletedAt)
	require.NotNil(t, task.PermanentDeleteAt)

	// Trashed tasks are hidden unless asked for.
	_, env = f.do(t, http.MethodGet, "/api/v1/tasks?user_id=user-1", nil)
	data, _ = json.Marshal(env.Result)
	var listing struct {
		Tasks []types.UserTask `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(data, &listing))
	assert.Empty(t, listing.Tasks)

	_, env = f.do(t, http.MethodGet, "/api/v1/tasks?user_id=user-1&include_trashed=true", nil)
	data, _ = json.Marshal(env.Result)
	require.NoError(t, json.Unmarshal(data, &listing))
	assert.Len(t, listing.Tasks, 1)

	resp, env = f.post(t, "/api/v1/tasks/"+task.TaskID+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ = json.Marshal(env.Result)
	// Fresh value: omitted timestamps must not survive from the trashed state.
	var restored types.UserTask
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, types.TaskStatusActivate, restored.Status)
	assert.Nil(t, restored.DeletedAt)
	assert.Nil(t, restored.PermanentDeleteAt)

	resp, _ = f.post(t, "/api/v1/tasks/"+task.TaskID+"/soft_delete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.post(t, "/api/v1/tasks/"+task.TaskID+"/permanent_delete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tasks/"+task.TaskID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

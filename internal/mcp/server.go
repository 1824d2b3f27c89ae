// Package mcp implements the tool protocol surface: a stateless JSON-RPC
// style server, an HTTP client, an endpoint pool, and the external tool
// manager that proxies third-party tools through the server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

// ProtocolVersion is the protocol revision announced during initialize.
const ProtocolVersion = "2024-11-05"

// HandlerFunc executes one tool call.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// MetricsFunc observes one dispatched request.
type MetricsFunc func(method string, latency time.Duration, isError bool)

type toolEntry struct {
	desc types.ToolDescriptor
	fn   HandlerFunc
}

// Server dispatches initialize, tools/list and tools/call. It holds no
// per-connection state; every request is self-contained.
type Server struct {
	name    string
	version string

	mu    sync.RWMutex
	tools map[string]*toolEntry
	order []string

	metrics MetricsFunc
	logger  logging.Logger
}

// NewServer creates a protocol server
func NewServer(name, version string, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		name:    name,
		version: version,
		tools:   make(map[string]*toolEntry),
		logger:  logger.WithComponent("mcp_server"),
	}
}

// SetMetricsCallback installs the per-request metrics hook
func (s *Server) SetMetricsCallback(fn MetricsFunc) {
	s.metrics = fn
}

// RegisterTool adds or replaces a tool handler
func (s *Server) RegisterTool(name, description string, inputSchema map[string]interface{}, fn HandlerFunc) {
	s.RegisterDescriptor(types.ToolDescriptor{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
		Origin:      types.ToolOriginInternal,
	}, fn)
}

// RegisterDescriptor adds or replaces a tool with a full descriptor
func (s *Server) RegisterDescriptor(desc types.ToolDescriptor, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[desc.Name]; !exists {
		s.order = append(s.order, desc.Name)
	}
	s.tools[desc.Name] = &toolEntry{desc: desc, fn: fn}
}

// UnregisterTool removes a tool; unknown names are a no-op
func (s *Server) UnregisterTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[name]; !exists {
		return
	}
	delete(s.tools, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Tools lists descriptors in registration order
func (s *Server) Tools() []types.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].desc)
	}
	return out
}

// HandleRequest dispatches one request, echoing its id
func (s *Server) HandleRequest(ctx context.Context, req *types.MCPRequest) *types.MCPResponse {
	start := time.Now()
	resp := s.dispatch(ctx, req)
	if s.metrics != nil {
		s.metrics(req.Method, time.Since(start), resp.Error != nil)
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *types.MCPRequest) *types.MCPResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return &types.MCPResponse{
			ID:     req.ID,
			Result: map[string]interface{}{"tools": s.Tools()},
		}
	case "tools/call":
		return s.handleToolCall(ctx, req)
	default:
		return errorResponse(req.ID, types.MCPErrMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(req *types.MCPRequest) *types.MCPResponse {
	return &types.MCPResponse{
		ID: req.ID,
		Result: map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": s.name, "version": s.version},
		},
	}
}

func (s *Server) handleToolCall(ctx context.Context, req *types.MCPRequest) *types.MCPResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, types.MCPErrInvalidParams, "tools/call requires a tool name")
	}

	s.mu.RLock()
	entry, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, types.MCPErrInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name))
	}

	if err := ValidateArguments(entry.desc.InputSchema, params.Arguments); err != nil {
		return errorResponse(req.ID, types.MCPErrInvalidParams, err.Error())
	}

	result, err := entry.fn(ctx, params.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", params.Name, "error", err.Error())
		return errorResponse(req.ID, types.MCPErrInternal, fmt.Sprintf("tool %s failed: %v", params.Name, err))
	}

	return &types.MCPResponse{ID: req.ID, Result: toCallResult(result)}
}

// toCallResult wraps a handler result as content blocks. Strings pass
// through; everything else is JSON-encoded.
func toCallResult(result interface{}) *types.ToolCallResult {
	var text string
	switch v := result.(type) {
	case string:
		text = v
	case nil:
		text = "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(data)
		}
	}
	return &types.ToolCallResult{
		Content: []types.ToolContent{{Type: "text", Text: text}},
	}
}

func errorResponse(id int64, code int, message string) *types.MCPResponse {
	return &types.MCPResponse{
		ID:    id,
		Error: &types.MCPError{Code: code, Message: message},
	}
}

// ServeHTTP handles POSTed protocol requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.MCPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse(0, types.MCPErrInvalidParams, "malformed request body"))
		return
	}

	resp := s.HandleRequest(r.Context(), &req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HealthHandler reports liveness
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy", "server": s.name, "version": s.version})
}

// ReadyHandler reports readiness to dispatch tool calls
func (s *Server) ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	count := len(s.tools)
	s.mu.RUnlock()
	writeJSON(w, map[string]interface{}{"status": "ready", "tools": count})
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

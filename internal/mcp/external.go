package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

const defaultExternalRefresh = time.Hour

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveEnv expands ${VAR} references from the environment
func resolveEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// ToolMetricsFunc observes one external tool call.
type ToolMetricsFunc func(toolName string, success bool, latency time.Duration)

// ToolStats counts calls per external tool.
type ToolStats struct {
	Calls    int64  `json:"calls"`
	Failures int64  `json:"failures"`
	LastErr  string `json:"last_error,omitempty"`
}

type externalTool struct {
	cfg    types.ExternalToolConfig
	client *Client
	remote string
}

// ExternalManager registers external tool descriptors on the server and
// proxies calls to their endpoints. The registry is replaced atomically on
// refresh; in-flight calls keep their snapshot.
type ExternalManager struct {
	server  *Server
	file    string
	refresh time.Duration
	logger  logging.Logger
	metrics ToolMetricsFunc

	mu       sync.RWMutex
	registry map[string]*externalTool
	stats    map[string]*ToolStats

	cancel context.CancelFunc
	done   chan struct{}

	newClient func(opts ClientOptions) *Client
}

// NewExternalManager creates a manager loading descriptors from file
func NewExternalManager(server *Server, file string, refresh time.Duration, logger logging.Logger) *ExternalManager {
	if refresh <= 0 {
		refresh = defaultExternalRefresh
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ExternalManager{
		server:    server,
		file:      file,
		refresh:   refresh,
		logger:    logger.WithComponent("external_tools"),
		registry:  make(map[string]*externalTool),
		stats:     make(map[string]*ToolStats),
		newClient: NewClient,
	}
}

// SetMetricsCallback installs the per-call metrics hook
func (em *ExternalManager) SetMetricsCallback(fn ToolMetricsFunc) {
	em.metrics = fn
}

// LoadDescriptors parses the config file; YAML handles JSON input too
func LoadDescriptors(path string) ([]types.ExternalToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool config: %w", err)
	}
	var wrapper struct {
		Tools []types.ExternalToolConfig `yaml:"tools" json:"tools"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse tool config: %w", err)
	}
	return wrapper.Tools, nil
}

// authHeaders resolves credentials and builds request headers
func authHeaders(auth *types.AuthConfig) (map[string]string, error) {
	headers := make(map[string]string)
	if auth == nil {
		return headers, nil
	}
	switch auth.AuthType {
	case "", types.AuthNone:
	case types.AuthAPIKey:
		name := auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		headers[name] = resolveEnv(auth.APIKey)
	case types.AuthBearer:
		headers["Authorization"] = "Bearer " + resolveEnv(auth.Token)
	case types.AuthOAuth2:
		headers["Authorization"] = "Bearer " + resolveEnv(auth.AccessToken)
	default:
		return nil, fmt.Errorf("unsupported auth type: %s", auth.AuthType)
	}
	return headers, nil
}

// buildTool resolves auth and proxy routing into a ready client
func (em *ExternalManager) buildTool(cfg types.ExternalToolConfig) (*externalTool, error) {
	headers, err := authHeaders(cfg.AuthConfig)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", cfg.Name, err)
	}

	realEndpoint := resolveEnv(cfg.MCPEndpoint)
	endpoint := realEndpoint
	if cfg.ProxyEndpoint != "" {
		endpoint = resolveEnv(cfg.ProxyEndpoint)
		headers["X-Tool-Name"] = cfg.Name
		headers["X-Real-Endpoint"] = realEndpoint
		if cfg.ProxyConfig != nil && cfg.ProxyConfig.HideIP {
			headers["X-Hide-IP"] = "true"
		}
	}

	return &externalTool{
		cfg:    cfg,
		remote: remoteName(cfg),
		client: em.newClient(ClientOptions{
			Endpoint: endpoint,
			Headers:  headers,
			Logger:   em.logger,
		}),
	}, nil
}

// remoteName is the tool's name on its own server
func remoteName(cfg types.ExternalToolConfig) string {
	if cfg.ToolNameOnServer != "" {
		return cfg.ToolNameOnServer
	}
	return cfg.Name
}

// Register wires one external tool into the server
func (em *ExternalManager) Register(ctx context.Context, cfg types.ExternalToolConfig) error {
	tool, err := em.buildTool(cfg)
	if err != nil {
		return err
	}

	schema := cfg.InputSchema
	if cfg.AutoDiscover {
		if discovered, derr := em.discoverSchema(ctx, tool); derr != nil {
			em.logger.Warn("schema discovery failed", "tool", cfg.Name, "error", derr.Error())
		} else if discovered != nil {
			schema = discovered
		}
	}

	em.mu.Lock()
	registry := cloneRegistry(em.registry)
	registry[cfg.Name] = tool
	em.registry = registry
	if _, ok := em.stats[cfg.Name]; !ok {
		em.stats[cfg.Name] = &ToolStats{}
	}
	em.mu.Unlock()

	em.server.RegisterDescriptor(types.ToolDescriptor{
		Name:        cfg.Name,
		Description: cfg.Description,
		InputSchema: schema,
		Origin:      types.ToolOriginExternal,
		Endpoint:    tool.client.Endpoint(),
	}, em.proxyHandler(cfg.Name))

	em.logger.Info("external tool registered", "tool", cfg.Name, "endpoint", tool.client.Endpoint())
	return nil
}

// discoverSchema asks the endpoint for its schema of the named tool
func (em *ExternalManager) discoverSchema(ctx context.Context, tool *externalTool) (map[string]interface{}, error) {
	tools, err := tool.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, desc := range tools {
		if desc.Name == tool.remote {
			return desc.InputSchema, nil
		}
	}
	return nil, nil
}

// Unregister removes a tool from the server and registry
func (em *ExternalManager) Unregister(name string) {
	em.mu.Lock()
	registry := cloneRegistry(em.registry)
	delete(registry, name)
	em.registry = registry
	em.mu.Unlock()
	em.server.UnregisterTool(name)
}

// proxyHandler forwards a tool call to the external endpoint
func (em *ExternalManager) proxyHandler(name string) HandlerFunc {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		em.mu.RLock()
		tool, ok := em.registry[name]
		em.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("external tool not registered: %s", name)
		}

		start := time.Now()
		result, err := tool.client.CallTool(ctx, tool.remote, args)
		em.record(name, err == nil, time.Since(start), err)
		if err != nil {
			return nil, err
		}
		if len(result.Content) == 1 && result.Content[0].Type == "text" {
			return decodeText(result.Content[0].Text), nil
		}
		return result, nil
	}
}

// decodeText unwraps JSON payloads from text content
func decodeText(text string) interface{} {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded interface{}
		if json.Unmarshal([]byte(trimmed), &decoded) == nil {
			return decoded
		}
	}
	return text
}

func (em *ExternalManager) record(name string, success bool, latency time.Duration, err error) {
	em.mu.Lock()
	st, ok := em.stats[name]
	if !ok {
		st = &ToolStats{}
		em.stats[name] = st
	}
	st.Calls++
	if !success {
		st.Failures++
		if err != nil {
			st.LastErr = err.Error()
		}
	}
	em.mu.Unlock()
	if em.metrics != nil {
		em.metrics(name, success, latency)
	}
}

// Stats snapshots per-tool counters
func (em *ExternalManager) Stats() map[string]ToolStats {
	em.mu.RLock()
	defer em.mu.RUnlock()
	out := make(map[string]ToolStats, len(em.stats))
	for name, st := range em.stats {
		out[name] = *st
	}
	return out
}

// RegisterAll loads the config file and registers every descriptor
func (em *ExternalManager) RegisterAll(ctx context.Context) error {
	if em.file == "" {
		return nil
	}
	descriptors, err := LoadDescriptors(em.file)
	if err != nil {
		return err
	}
	for _, cfg := range descriptors {
		if err := em.Register(ctx, cfg); err != nil {
			em.logger.Error("tool registration failed", "tool", cfg.Name, "error", err.Error())
		}
	}
	return nil
}

// Refresh re-reads the config and diffs it against the registry:
// new tools register, removed tools unregister, kept tools re-register to
// pick up changed endpoints or credentials.
func (em *ExternalManager) Refresh(ctx context.Context) error {
	if em.file == "" {
		return nil
	}
	descriptors, err := LoadDescriptors(em.file)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(descriptors))
	for _, cfg := range descriptors {
		seen[cfg.Name] = true
		if err := em.Register(ctx, cfg); err != nil {
			em.logger.Error("tool refresh failed", "tool", cfg.Name, "error", err.Error())
		}
	}

	em.mu.RLock()
	var removed []string
	for name := range em.registry {
		if !seen[name] {
			removed = append(removed, name)
		}
	}
	em.mu.RUnlock()
	for _, name := range removed {
		em.Unregister(name)
		em.logger.Info("external tool removed", "tool", name)
	}
	return nil
}

// Start launches the periodic refresh loop
func (em *ExternalManager) Start(ctx context.Context) {
	ctx, em.cancel = context.WithCancel(ctx)
	em.done = make(chan struct{})
	go func() {
		defer close(em.done)
		ticker := time.NewTicker(em.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := em.Refresh(ctx); err != nil {
					em.logger.Error("external tool refresh failed", "error", err.Error())
				}
			}
		}
	}()
}

// Stop terminates the refresh loop
func (em *ExternalManager) Stop() {
	if em.cancel != nil {
		em.cancel()
		<-em.done
	}
}

func cloneRegistry(in map[string]*externalTool) map[string]*externalTool {
	out := make(map[string]*externalTool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

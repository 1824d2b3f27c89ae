package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

const (
	defaultMaxRetries     = 3
	defaultRequestTimeout = 30 * time.Second
	defaultRetryBackoff   = 500 * time.Millisecond
)

// ClientOptions configures a single protocol client.
type ClientOptions struct {
	Endpoint   string
	Headers    map[string]string
	MaxRetries int
	Timeout    time.Duration
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Client talks to one protocol endpoint over HTTP. Transport failures are
// retried with linear backoff; HTTP status errors and protocol errors are
// not retried.
type Client struct {
	endpoint   string
	headers    map[string]string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     logging.Logger
	nextID     atomic.Int64
}

// NewClient creates a protocol client
func NewClient(opts ClientOptions) *Client {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultRetryBackoff
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Client{
		endpoint:   opts.Endpoint,
		headers:    opts.Headers,
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     opts.Logger.WithComponent("mcp_client"),
	}
}

// Endpoint returns the configured endpoint URL
func (c *Client) Endpoint() string { return c.endpoint }

// call sends one request, retrying transport failures only
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := types.MCPRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = data
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * c.backoff):
			}
		}

		result, retryable, err := c.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Warn("transport failure, retrying",
			"endpoint", c.endpoint, "method", method, "attempt", attempt, "error", err.Error())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}

// post performs one HTTP exchange. The bool reports whether the failure is
// retryable.
func (c *Client) post(ctx context.Context, body []byte) (json.RawMessage, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Connect and timeout failures are retryable.
		return nil, true, fmt.Errorf("transport error: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("endpoint returned status %d", httpResp.StatusCode)
	}

	var resp struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *types.MCPError `json:"error"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, false, fmt.Errorf("protocol error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, false, nil
}

// InitializeResult is the handshake response.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      map[string]interface{} `json:"serverInfo"`
}

// Initialize performs the protocol handshake
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	raw, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "aibox-memory", "version": "1.0"},
	})
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode initialize result: %w", err)
	}
	return &result, nil
}

// ListTools fetches the endpoint's tool descriptors
func (c *Client) ListTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []types.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one remote tool
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (*types.ToolCallResult, error) {
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}
	var result types.ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tool result: %w", err)
	}
	return &result, nil
}

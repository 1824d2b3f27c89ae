package types

import "encoding/json"

// ToolOrigin distinguishes internally registered tools from proxied external ones.
type ToolOrigin string

const (
	ToolOriginInternal ToolOrigin = "internal"
	ToolOriginExternal ToolOrigin = "external"
)

// ToolDescriptor describes one callable tool.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Origin      ToolOrigin             `json:"origin,omitempty"`
	Endpoint    string                 `json:"endpoint,omitempty"`
}

// MCP wire error codes.
const (
	MCPErrMethodNotFound = -32601
	MCPErrInternal       = -32603
	MCPErrInvalidParams  = -32602
)

// MCPRequest is the wire request shape.
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPError is the structured error payload of a failed request.
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCPResponse is the wire response shape: exactly one of Result or Error.
type MCPResponse struct {
	ID     int64       `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *MCPError   `json:"error,omitempty"`
}

// ToolContent is one content block in a tools/call result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallResult is the result payload of tools/call.
type ToolCallResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// AuthType enumerates external endpoint auth schemes.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthOAuth2 AuthType = "oauth2"
)

// AuthConfig carries credentials for an external tool endpoint. Values may
// reference environment variables with ${VAR} syntax; they are resolved at
// registration time.
type AuthConfig struct {
	AuthType    AuthType `json:"auth_type" yaml:"auth_type"`
	APIKey      string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Token       string   `json:"token,omitempty" yaml:"token,omitempty"`
	AccessToken string   `json:"access_token,omitempty" yaml:"access_token,omitempty"`
	HeaderName  string   `json:"header_name,omitempty" yaml:"header_name,omitempty"`
}

// ProxyConfig controls gateway behaviour for proxied external calls.
type ProxyConfig struct {
	AuditEnabled bool `json:"audit_enabled,omitempty" yaml:"audit_enabled,omitempty"`
	HideIP       bool `json:"hide_ip,omitempty" yaml:"hide_ip,omitempty"`
}

// ExternalToolConfig is one external tool descriptor loaded from the config
// table or fallback YAML file.
type ExternalToolConfig struct {
	Name             string                 `json:"name" yaml:"name"`
	Description      string                 `json:"description,omitempty" yaml:"description,omitempty"`
	MCPEndpoint      string                 `json:"mcp_endpoint" yaml:"mcp_endpoint"`
	ToolNameOnServer string                 `json:"tool_name_on_server,omitempty" yaml:"tool_name_on_server,omitempty"`
	ProxyEndpoint    string                 `json:"proxy_endpoint,omitempty" yaml:"proxy_endpoint,omitempty"`
	ProxyConfig      *ProxyConfig           `json:"proxy_config,omitempty" yaml:"proxy_config,omitempty"`
	AuthConfig       *AuthConfig            `json:"auth_config,omitempty" yaml:"auth_config,omitempty"`
	InputSchema      map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	AutoDiscover     bool                   `json:"auto_discover,omitempty" yaml:"auto_discover,omitempty"`
}

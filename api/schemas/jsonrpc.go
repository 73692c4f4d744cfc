package schemas

import (
	"encoding/json"
)

// -- JSON-RPC 2.0 Envelope --

// JSONRPCVersion is the only protocol version the gateway accepts or emits.
const JSONRPCVersion = "2.0"

// Supported MCP protocol revisions, newest last. Initialize negotiates
// against this list and falls back to DefaultProtocolVersion.
const (
	DefaultProtocolVersion = "2024-11-05"
	LatestProtocolVersion  = "2025-03-26"
)

// JSONRPCRequest is a single JSON-RPC 2.0 request or notification.
// A notification carries a null/absent ID and must not be answered.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// expects no response.
func (r *JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse is a single JSON-RPC 2.0 response. Exactly one of
// Result or Error is set.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a failed response.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes used by the gateway.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NewResult builds a success response bound to the request id.
func NewResult(id json.RawMessage, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewError builds an error response bound to the request id.
func NewError(id json.RawMessage, code int, message string, data interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

// -- MCP Method Payloads --

// InitializeParams is the client half of the initialize handshake.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      *PeerInfo       `json:"clientInfo,omitempty"`
}

// InitializeResult is the server half of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      PeerInfo           `json:"serverInfo"`
}

// PeerInfo identifies one end of the MCP session.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises what this server implements. The bridge
// only exposes tools.
type ServerCapabilities struct {
	Tools ToolsCapability `json:"tools"`
}

// ToolsCapability signals tool support; ListChanged is always false
// because the catalog is static.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ListToolsResult is the payload of a tools/list response.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ToolDescriptor is the wire shape of one catalog entry.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// CallToolParams is the payload of a tools/call request.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// CallToolResult is the payload of a tools/call response. IsError marks a
// tool-level failure delivered as content rather than a protocol error.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a single piece of tool output: text, or an inline image.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent wraps a string as a single text content block.
func TextContent(text string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: text}}
}

// ImageContent wraps base64 image data as a single image content block.
func ImageContent(data, mimeType string) []ContentBlock {
	return []ContentBlock{{Type: "image", Data: data, MimeType: mimeType}}
}

// TextResult builds a successful text tool result.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: TextContent(text)}
}

// ErrorResult builds a tool-level error result.
func ErrorResult(text string) *CallToolResult {
	return &CallToolResult{Content: TextContent(text), IsError: true}
}

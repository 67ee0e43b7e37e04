// ABOUTME: JSON-RPC 2.0 envelope types and MCP method/error constants
// ABOUTME: Shared between every Transport and the Router Engine

package mcpwire

import "encoding/json"

// JSON-RPC 2.0 standard error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCP methods the router issues to a backend.
const (
	MethodInitialize             = "initialize"
	MethodNotificationsInit      = "notifications/initialized"
	MethodToolsList              = "tools/list"
	MethodToolsCall              = "tools/call"
)

// Request is an outbound JSON-RPC 2.0 request or notification. A
// notification omits ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a Request with a string id and the given params
// marshaled to JSON.
func NewRequest(id string, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	idBytes, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	return &Request{
		JSONRPC: "2.0",
		ID:      idBytes,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a Request with no ID — the JSON-RPC shape for a
// fire-and-forget message such as notifications/initialized.
func NewNotification(method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Request{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// Frame is an inbound line. The reader decodes each line into a Frame and
// uses IsResponse to decide whether it carries an ID (a response) or not
// (a notification from the backend, which this router does not subscribe
// to but still logs).
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the frame carries a non-null id, i.e. it is a
// response to a request the router issued rather than a notification.
func (f *Frame) IsResponse() bool {
	return len(f.ID) > 0 && string(f.ID) != "null"
}

// IDString returns the frame's id decoded as a string, which is how this
// router always encodes the ids it issues.
func (f *Frame) IDString() (string, error) {
	var s string
	if err := json.Unmarshal(f.ID, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// ToolDescriptor is a backend's self-reported tool shape, carried opaquely
// except for name/description which the router needs for routing and
// aggregation.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the result payload of tools/list.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ToolsCallParams is the params payload of tools/call.
type ToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// InitializeParams is the params payload of initialize.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies the router to backends during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ProtocolVersion is the MCP protocol version string the router speaks
// during initialize.
const ProtocolVersion = "2024-11-05"

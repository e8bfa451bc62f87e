// Package acp implements the Agent Client Protocol envelope: a JSON-RPC 2.0
// dialect whose methods are prefixed "acp/". The proxy accepts ACP on the
// client side and translates it for heterogeneous LLM backends.
package acp

import (
	"encoding/json"
	"fmt"
)

const (
	// Version is the JSON-RPC protocol version carried on every message.
	Version = "2.0"

	// MethodPrefix is required on every inbound request method.
	MethodPrefix = "acp/"
)

// ============================================================================
// JSON-RPC 2.0 ENVELOPES
// ============================================================================

// Request is a JSON-RPC 2.0 request. ID may be a string, a number, or null;
// it is kept raw so the original form round-trips to the response.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ID      interface{}            `json:"id"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Notification is a request without an id. It never elicits a response.
type Notification struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse builds a success response for the given request id.
func NewResponse(id, result interface{}) *Response {
	return &Response{JSONRPC: Version, Result: result, ID: id}
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id interface{}, err *Error) *Response {
	return &Response{JSONRPC: Version, Error: err, ID: id}
}

// NewNotification builds a notification with the given method and params.
func NewNotification(method string, params map[string]interface{}) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// ============================================================================
// ERROR CODES
// ============================================================================

const (
	// JSON-RPC 2.0 standard codes.
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Proxy-specific codes.
	CodeBackendUnavailable    = -32001
	CodeBackendError          = -32002
	CodeCapabilityUnsupported = -32003
	CodeRateLimited           = -32004
	CodeContextExceeded       = -32005
	CodeAuthFailed            = -32006
)

// NewError builds an error object with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds an error object with a formatted message.
func NewErrorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether the code indicates a retry-appropriate failure.
func IsTransient(code int) bool {
	switch code {
	case CodeBackendUnavailable, CodeRateLimited, -503:
		return true
	}
	return false
}

// IsPermanent reports whether the code indicates a failure that retrying
// cannot fix.
func IsPermanent(code int) bool {
	switch code {
	case CodeCapabilityUnsupported, CodeAuthFailed, CodeInvalidParams, CodeInvalidRequest:
		return true
	}
	return false
}

// ============================================================================
// MESSAGE CLASSIFICATION
// ============================================================================

// ParseMessage decodes one frame and classifies it. A frame is a request only
// when it carries jsonrpc "2.0", a string method, and an id field — even a
// null id counts, which is why presence is checked on the raw object.
func ParseMessage(data []byte) (*Request, *Notification, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("not a JSON object: %w", err)
	}

	var version string
	if raw, ok := probe["jsonrpc"]; ok {
		_ = json.Unmarshal(raw, &version)
	}
	if version != Version {
		return nil, nil, fmt.Errorf("unsupported jsonrpc version %q", version)
	}

	var method string
	if raw, ok := probe["method"]; ok {
		if err := json.Unmarshal(raw, &method); err != nil {
			return nil, nil, fmt.Errorf("method is not a string")
		}
	}
	if method == "" {
		return nil, nil, fmt.Errorf("missing method")
	}

	if _, hasID := probe["id"]; !hasID {
		var note Notification
		if err := json.Unmarshal(data, &note); err != nil {
			return nil, nil, err
		}
		return nil, &note, nil
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, nil, err
	}
	return &req, nil, nil
}

// RecoverID pulls the id out of a malformed frame so a ParseError response
// can still be correlated. Returns nil, false when no id is recoverable.
func RecoverID(data []byte) (interface{}, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}
	raw, ok := probe["id"]
	if !ok {
		return nil, false
	}
	var id interface{}
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false
	}
	return id, true
}

// Package jsonrpc defines the JSON-RPC 2.0 wire model used on both sides of
// the proxy. Messages are decoded into explicit variants (Request, Response,
// Notification) instead of ad-hoc maps; params and results are carried as raw
// JSON so unknown methods pass through untouched.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted or emitted.
const Version = "2.0"

// Standard JSON-RPC error codes plus the MCP-specific cancellation code.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeRequestCancelled is emitted when a request is abandoned due to
	// deadline expiry, transport close, or an explicit cancel notification.
	CodeRequestCancelled = -32800
)

// ID is a JSON-RPC request id. The zero value (nil raw) means "absent",
// which distinguishes notifications from requests.
type ID struct {
	raw json.RawMessage
}

// NewID builds an id from any JSON-marshalable value.
func NewID(v interface{}) ID {
	b, err := json.Marshal(v)
	if err != nil {
		return ID{}
	}
	return ID{raw: b}
}

// IsNull reports whether the id is absent or JSON null.
func (id ID) IsNull() bool {
	return len(id.raw) == 0 || string(id.raw) == "null"
}

// String returns a stable key for matching responses to requests.
func (id ID) String() string {
	if id.IsNull() {
		return ""
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Request is a JSON-RPC request expecting a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification is a JSON-RPC message without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC result or error reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData builds an error object carrying structured data.
func NewErrorWithData(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Message is the decoded variant of an inbound JSON-RPC message. Exactly one
// of Request, Notification, or Response is non-nil.
type Message struct {
	Request      *Request
	Notification *Notification
	Response     *Response
}

// envelope is the superset shape used to classify inbound messages.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Decode classifies a raw JSON-RPC message into its variant.
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if env.JSONRPC != Version {
		return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", env.JSONRPC)}
	}

	hasID := len(env.ID) > 0 && string(env.ID) != "null"
	switch {
	case env.Method != "" && hasID:
		return &Message{Request: &Request{
			JSONRPC: env.JSONRPC,
			ID:      ID{raw: env.ID},
			Method:  env.Method,
			Params:  env.Params,
		}}, nil
	case env.Method != "":
		return &Message{Notification: &Notification{
			JSONRPC: env.JSONRPC,
			Method:  env.Method,
			Params:  env.Params,
		}}, nil
	case env.Result != nil || env.Error != nil:
		return &Message{Response: &Response{
			JSONRPC: env.JSONRPC,
			ID:      ID{raw: env.ID},
			Result:  env.Result,
			Error:   env.Error,
		}}, nil
	default:
		return nil, &Error{Code: CodeInvalidRequest, Message: "message is neither request, notification, nor response"}
	}
}

// NewRequest builds a request with marshaled params.
func NewRequest(id ID, method string, params interface{}) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification with marshaled params.
func NewNotification(method string, params interface{}) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response with a marshaled result.
func NewResult(id ID, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return b, nil
}

package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes used by the client when answering
// server-originated requests.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// FrameKind classifies a decoded frame.
type FrameKind int

const (
	// KindRequest has both an id and a method.
	KindRequest FrameKind = iota + 1
	// KindResponse has an id and a result or an error, but no method.
	KindResponse
	// KindNotification has a method and no id.
	KindNotification
)

func (k FrameKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// Frame is one decoded inbound message of any kind. Fields that are
// absent on the wire stay nil so the kind can be told apart reliably.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind reports whether the frame is a request, response or notification.
func (f *Frame) Kind() FrameKind {
	switch {
	case f.ID != nil && f.Method != "":
		return KindRequest
	case f.ID != nil:
		return KindResponse
	default:
		return KindNotification
	}
}

// Response converts a response frame into a [Response].
func (f *Frame) Response() *Response {
	resp := &Response{JSONRPC: f.JSONRPC, Result: f.Result, Error: f.Error}
	if f.ID != nil {
		resp.ID = *f.ID
	}
	return resp
}

var errNotObject = errors.New("frame is not a JSON object")

// DecodeFrame parses one line into a [Frame] and enforces the envelope
// rules: the payload must be a JSON object, a response must carry
// exactly one of result or error, and a frame without an id must name a
// method. Violations are reported as [*DecodeError].
func DecodeFrame(data []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Line: data, Err: errNotObject}
	}

	var f Frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, &DecodeError{Line: data, Err: err}
	}

	// "result": null is a legal success value, but json.RawMessage
	// leaves it nil only when the key is missing entirely. Check the
	// raw object so a null result still counts as present.
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &keys); err != nil {
		return nil, &DecodeError{Line: data, Err: err}
	}
	_, hasResult := keys["result"]
	if hasResult && f.Result == nil {
		f.Result = json.RawMessage("null")
	}

	switch f.Kind() {
	case KindResponse:
		if hasResult == (f.Error != nil) {
			return nil, &DecodeError{Line: data, Err: errors.New("response must have exactly one of result or error")}
		}
	case KindNotification:
		if f.Method == "" {
			return nil, &DecodeError{Line: data, Err: errors.New("frame has neither id nor method")}
		}
	}

	return &f, nil
}

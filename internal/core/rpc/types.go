package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Version is the JSON-RPC protocol version sent on every request.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Envelope is the wire form of a JSON-RPC 2.0 response.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Response is a completed call as seen by the caller.
type Response struct {
	ID           string
	Method       string
	Status       int
	Header       http.Header
	Result       json.RawMessage
	Error        *Error
	DispatchedAt time.Time
	Latency      time.Duration
}

// Decode unmarshals the result into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Result) == 0 {
		return fmt.Errorf("response has no result")
	}
	return json.Unmarshal(r.Result, v)
}

// StatusError reports a non-200 HTTP status from the node.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("node returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("node returned %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

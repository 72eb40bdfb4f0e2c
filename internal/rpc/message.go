package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the JSON-RPC protocol version every message must carry.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is one outgoing call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

// Response is a correlated reply. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Decode unmarshals the result into v.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	return json.Unmarshal(r.Result, v)
}

// Error is an application-level error carried inside a well-formed response.
// It is data, not a protocol failure.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call is one entry of a call sequence.
type Call struct {
	Method string
	Params any
}

// envelope is the loose shape every incoming line is decoded into before it
// is checked.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func (e *envelope) isNotification() bool {
	return e.Method != "" && isNullID(e.ID)
}

func isNullID(id json.RawMessage) bool {
	return len(id) == 0 || bytes.Equal(bytes.TrimSpace(id), []byte("null"))
}

// compactID normalizes an id for byte comparison.
func compactID(id json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}

// ProtocolErrorKind names a class of protocol violation.
type ProtocolErrorKind string

const (
	// KindMalformed: a line that is not a JSON-RPC 2.0 response.
	KindMalformed ProtocolErrorKind = "malformed"
	// KindUnmatchedID: a response whose id was never sent.
	KindUnmatchedID ProtocolErrorKind = "unmatched_id"
	// KindIDCollision: a second response for an id already answered.
	KindIDCollision ProtocolErrorKind = "id_collision"
	// KindClosed: the server closed its output or stopped accepting input.
	KindClosed ProtocolErrorKind = "closed"
)

// ProtocolError reports malformed or misordered traffic. It is fatal to the
// session.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Method string
	Detail string
	Line   string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error (%s) during %s: %s", e.Kind, e.Method, e.Detail)
	if e.Line != "" {
		msg += fmt.Sprintf(" [line: %s]", truncate(e.Line, 200))
	}
	return msg
}

// TimeoutError reports a call that got no response within its bound. The
// session is killed.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %s", e.Method, e.Timeout)
}

// IsProtocolError reports whether err is (or wraps) a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsSessionFatal reports whether err ends the session it came from.
func IsSessionFatal(err error) bool {
	return IsProtocolError(err) || IsTimeout(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

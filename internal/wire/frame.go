package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried on every frame.
const Version = "2.0"

// Reserved method names understood by both sides of the stream.
const (
	// MethodPing is the supervisor's lightweight health probe.
	MethodPing = "ping"
	// MethodShutdown asks the worker to terminate gracefully.
	MethodShutdown = "shutdown"
	// MethodCancel is a best-effort notice that an outstanding request was
	// cancelled locally. The host never waits for an acknowledgment.
	MethodCancel = "$/cancel"
	// MethodPartial carries one chunk of a streamed result for an
	// outstanding request. The terminal frame is a normal response.
	MethodPartial = "$/partial"
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// ErrorObject is the JSON-RPC error member of a response frame.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so worker-reported failures can be
// returned to callers directly.
func (e *ErrorObject) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("worker error %d: %s", e.Code, e.Message)
}

// Frame is one logical message on the worker stream. Requests carry an id
// and a method, responses an id and a result or error, notifications a
// method only.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Kind derives the frame classification from the populated members.
func (f *Frame) Kind() Kind {
	switch {
	case f == nil:
		return KindInvalid
	case f.Method != "" && f.ID != nil:
		return KindRequest
	case f.Method != "":
		return KindNotification
	case f.ID != nil && (f.Result != nil || f.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// NewRequest builds a request frame.
func NewRequest(id uint64, method string, params json.RawMessage) *Frame {
	return &Frame{JSONRPC: Version, ID: &id, Method: method, Params: params}
}

// NewNotification builds an id-less notification frame.
func NewNotification(method string, params json.RawMessage) *Frame {
	return &Frame{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse builds a success response frame.
func NewResponse(id uint64, result json.RawMessage) *Frame {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Frame{JSONRPC: Version, ID: &id, Result: result}
}

// NewErrorResponse builds an error response frame.
func NewErrorResponse(id uint64, code int, message string) *Frame {
	return &Frame{JSONRPC: Version, ID: &id, Error: &ErrorObject{Code: code, Message: message}}
}

// PartialParams is the payload of a MethodPartial notification.
type PartialParams struct {
	ID    uint64          `json:"id"`
	Seq   int             `json:"seq"`
	Chunk json.RawMessage `json:"chunk"`
}

// CancelParams is the payload of a MethodCancel notification.
type CancelParams struct {
	ID uint64 `json:"id"`
}

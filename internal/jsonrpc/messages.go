package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// AnyMessage is a generic inbound JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must never be answered.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Response represents a JSON-RPC response. The id is always serialized, as
// null when the request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Decode parses a single inbound JSON-RPC message. Syntax errors wrap
// ErrInvalidJSON and return no message. Bodies that are JSON but not a valid
// message (batches, wrong version, both result and error) wrap
// ErrInvalidMessage; when the body is an object the message is returned
// along with the error, carrying at least its id if that could be read, so
// the caller can still address an error response. An absent "jsonrpc" member
// is accepted as 2.0.
func Decode(data []byte) (*AnyMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, ErrInvalidJSON
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a single JSON object", ErrInvalidMessage)
	}

	var msg AnyMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		var idOnly struct {
			ID *RequestID `json:"id"`
		}
		if json.Unmarshal(trimmed, &idOnly) != nil || idOnly.ID.IsNil() {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return &AnyMessage{JSONRPCVersion: ProtocolVersion, ID: idOnly.ID}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch msg.JSONRPCVersion {
	case "":
		msg.JSONRPCVersion = ProtocolVersion
	case ProtocolVersion:
	default:
		return &msg, fmt.Errorf("%w: expected jsonrpc %q, got %q", ErrInvalidMessage, ProtocolVersion, msg.JSONRPCVersion)
	}

	hasResult := len(msg.Result) > 0
	hasError := msg.Error != nil
	if msg.Method != "" {
		if hasResult || hasError {
			return &msg, fmt.Errorf("%w: request message cannot have result or error fields", ErrInvalidMessage)
		}
	} else if hasResult == hasError {
		return &msg, fmt.Errorf("%w: message must carry a method or exactly one of result or error", ErrInvalidMessage)
	}

	return &msg, nil
}

// Type returns "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsRequest returns the message as a Request if it is a request or
// notification, otherwise nil.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

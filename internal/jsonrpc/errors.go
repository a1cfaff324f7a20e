package jsonrpc

import "errors"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error. Tool lookup
	// failures and tool execution failures are both reported with this code.
	ErrorCodeInternalError ErrorCode = -32603
)

var (
	// ErrInvalidJSON is returned by Decode when the payload is not parseable JSON.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrInvalidMessage is returned by Decode when the payload is JSON but not
	// a single JSON-RPC 2.0 message object.
	ErrInvalidMessage = errors.New("invalid JSON-RPC message")
)

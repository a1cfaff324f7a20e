package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id. It keeps the exact JSON token the peer sent so
// that responses echo it verbatim: 1 stays 1, "1" stays "1", and large
// integers are never rounded through float64.
type RequestID struct {
	raw json.RawMessage
}

// NewRequestID builds an id from a string or integer value.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		b, _ := json.Marshal(v)
		return &RequestID{raw: b}
	case int:
		return &RequestID{raw: []byte(strconv.Itoa(v))}
	case int64:
		return &RequestID{raw: []byte(strconv.FormatInt(v, 10))}
	case uint64:
		return &RequestID{raw: []byte(strconv.FormatUint(v, 10))}
	default:
		return nil
	}
}

// String returns a human readable form of the id, used for logging.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

// IsNil reports whether the id is absent. A literal JSON null counts as absent.
func (id *RequestID) IsNil() bool {
	return id == nil || len(id.raw) == 0 || bytes.Equal(id.raw, []byte("null"))
}

// Equal reports whether both ids carry the same JSON token.
func (id *RequestID) Equal(other *RequestID) bool {
	if id.IsNil() || other.IsNil() {
		return id.IsNil() && other.IsNil()
	}
	return bytes.Equal(id.raw, other.raw)
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, numbers and null
// are accepted.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("JSON-RPC ID must be a string or number, got empty input")
	}
	switch data[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if !json.Valid(data) {
			return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
		}
	case 'n':
		if !bytes.Equal(data, []byte("null")) {
			return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
		}
	default:
		return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Package jsonrpc implements the JSON-RPC 2.0 envelope spoken by
// capability servers: encoding, strict decoding, and classification of
// inbound payloads into requests, responses, and notifications.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Reserved JSON-RPC error codes plus the domain codes used by
// capability servers.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeCapabilityNotFound reports an unknown tool, resource, or prompt.
	CodeCapabilityNotFound = -32002
	// CodeToolExecutionFailed reports a tool that ran and failed.
	CodeToolExecutionFailed = -32003
)

// Kind classifies a decoded envelope.
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

// Message is a single JSON-RPC envelope. Which fields are populated
// depends on Kind: requests carry ID, Method and Params; notifications
// carry Method and Params; responses carry ID and exactly one of
// Result or Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	kind Kind
}

// Kind reports how the message was classified. Messages built with the
// constructors in this package are classified at construction.
func (m *Message) Kind() Kind {
	return m.kind
}

// IDInt returns the numeric id of the message. The second return is
// false when the id is absent, null, or a string that is not an integer.
func (m *Message) IDInt() (int64, bool) {
	if len(m.ID) == 0 {
		return 0, false
	}
	raw := bytes.TrimSpace(m.ID)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	return n, err == nil
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ProtocolError is returned by Decode for payloads that are not valid
// envelopes. Code is CodeParseError for bytes that are not a JSON
// object and CodeInvalidRequest for objects of the wrong shape.
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Reason)
}

// NewRequest builds a request with a numeric id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	p, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  p,
		kind:    KindRequest,
	}, nil
}

// NewNotification builds a notification (no id, no reply expected).
func NewNotification(method string, params any) (*Message, error) {
	p, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  p,
		kind:    KindNotification,
	}, nil
}

// NewResult builds a success response echoing id verbatim.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Result:  r,
		kind:    KindResponse,
	}, nil
}

// NewErrorResponse builds an error response echoing id verbatim. A nil
// id is encoded as JSON null, as required when the request id could not
// be determined.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
		kind:    KindResponse,
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	p, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return p, nil
}

// Encode serializes a message to a single line of JSON without a
// trailing newline. Framing is the transport's job.
func Encode(m *Message) ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = Version
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Method, err)
	}
	return data, nil
}

// Decode parses and classifies one envelope. Any malformed input yields
// a *ProtocolError; Decode never panics on arbitrary bytes.
func Decode(data []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ProtocolError{Code: CodeParseError, Reason: "payload is not a JSON object"}
	}
	if fields == nil {
		return nil, &ProtocolError{Code: CodeParseError, Reason: "payload is null"}
	}

	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: err.Error()}
	}
	if m.JSONRPC != Version {
		return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: fmt.Sprintf("unsupported jsonrpc version %q", m.JSONRPC)}
	}

	idRaw, hasID := fields["id"]
	_, hasMethod := fields["method"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]
	idNull := hasID && bytes.Equal(bytes.TrimSpace(idRaw), []byte("null"))

	if hasID && !idNull && !validID(idRaw) {
		return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: "id must be a string or number"}
	}

	switch {
	case hasMethod:
		if m.Method == "" {
			return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: "empty method"}
		}
		if hasResult || hasError {
			return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: "request carries result or error"}
		}
		if hasID && !idNull {
			m.kind = KindRequest
		} else {
			m.ID = nil
			m.kind = KindNotification
		}
	case hasID:
		if hasResult == hasError {
			return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: "response must carry exactly one of result or error"}
		}
		if hasError && m.Error == nil {
			return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: "null error object"}
		}
		if idNull && !hasError {
			return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: "success response with null id"}
		}
		if hasResult && len(m.Result) == 0 {
			m.Result = json.RawMessage("null")
		}
		m.kind = KindResponse
	default:
		return nil, &ProtocolError{Code: CodeInvalidRequest, Reason: "envelope has neither method nor id"}
	}

	return &m, nil
}

func validID(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch v.(type) {
	case string, float64:
		return true
	}
	return false
}

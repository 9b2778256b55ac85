package lsp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Standard errors returned by the LSP layer.
var (
	// ErrConnectionClosed indicates the connection's read loop has ended or
	// the connection was closed. Waiters receive it wrapped with the cause.
	ErrConnectionClosed = errors.New("lsp connection closed")

	// ErrNoRoute indicates no registered server matches a document.
	ErrNoRoute = errors.New("no language server registered for document")

	// ErrNoSemanticTokens indicates the server did not advertise semantic
	// token support during initialize.
	ErrNoSemanticTokens = errors.New("server provides no semantic tokens")

	// ErrNotInitialized indicates a request that needs negotiated
	// capabilities was issued before the initialize handshake completed.
	ErrNotInitialized = errors.New("connection not initialized")

	// ErrInvalidResponse indicates a response body that could not be decoded.
	ErrInvalidResponse = errors.New("invalid response from server")
)

// ErrorCode is a JSON-RPC error code.
type ErrorCode int

// Well-known JSON-RPC error codes.
const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
)

// ErrorKind classifies an ErrorCode.
type ErrorKind int

const (
	KindServerDefined ErrorKind = iota
	KindParseError
	KindInvalidRequest
	KindMethodNotFound
	KindInvalidParams
	KindInternalError
)

// String returns a human-readable kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindParseError:
		return "parse error"
	case KindInvalidRequest:
		return "invalid request"
	case KindMethodNotFound:
		return "method not found"
	case KindInvalidParams:
		return "invalid params"
	case KindInternalError:
		return "internal error"
	default:
		return "server error"
	}
}

// Kind maps a code onto its well-known kind. Any code outside the
// well-known set is an opaque server-defined error.
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case CodeParseError:
		return KindParseError
	case CodeInvalidRequest:
		return KindInvalidRequest
	case CodeMethodNotFound:
		return KindMethodNotFound
	case CodeInvalidParams:
		return KindInvalidParams
	case CodeInternalError:
		return KindInternalError
	default:
		return KindServerDefined
	}
}

// ProtocolError is an error object returned by the server in a response.
type ProtocolError struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("lsp %s %d: %s (data: %s)", e.Code.Kind(), e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("lsp %s %d: %s", e.Code.Kind(), e.Code, e.Message)
}

// Kind returns the classification of the error code.
func (e *ProtocolError) Kind() ErrorKind {
	return e.Code.Kind()
}

// FramingError reports a malformed message on the wire. It ends the
// decoding of the stream it was read from.
type FramingError struct {
	Reason string
	Header string
	Err    error
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	msg := "lsp framing: " + e.Reason
	if e.Header != "" {
		msg += fmt.Sprintf(" (%q)", e.Header)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *FramingError) Unwrap() error {
	return e.Err
}

// TransportError reports a failure to spawn a server or to use its pipes.
type TransportError struct {
	Command string
	Op      string
	Err     error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Command, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// RoutingError reports that a document could not be routed to a server.
type RoutingError struct {
	URI DocumentURI
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("route %s: %v", e.URI, ErrNoRoute)
}

// Unwrap returns ErrNoRoute so callers can use errors.Is.
func (e *RoutingError) Unwrap() error {
	return ErrNoRoute
}

// ServerError wraps an error with the name of the server it came from.
type ServerError struct {
	Server string
	Err    error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.Server, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}

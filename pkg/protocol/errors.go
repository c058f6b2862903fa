package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/txn2/mcp-experience/pkg/toolkits/experience"
)

// JSON-RPC error codes used on the wire.
const (
	CodeParseError     = jsonrpc.CodeParseError
	CodeInvalidRequest = jsonrpc.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc.CodeMethodNotFound
	CodeInternalError  = jsonrpc.CodeInternalError

	// CodeServerError covers session, version, and argument failures.
	CodeServerError = -32000
)

// Error is a JSON-RPC error with an explicit code.
type Error struct {
	Code    int64
	Message string
	Data    any
}

// NewError creates a protocol error.
func NewError(code int64, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// Session and routing errors.
var (
	ErrSessionRequired = NewError(CodeServerError, "Session required for non-initialize requests")
	ErrInvalidSession  = NewError(CodeServerError, "Invalid or expired session")
)

// MethodNotFound returns the error for an unknown method.
func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "Method not found: "+method)
}

// UnsupportedVersion returns the error for a protocol version outside the
// supported set.
func UnsupportedVersion(version string) *Error {
	return NewError(CodeServerError, fmt.Sprintf("Unsupported protocol version: %s (supported: %s)",
		version, strings.Join(SupportedVersions, ", ")))
}

// Classify maps an error returned by a handler onto a protocol error.
//
// Protocol errors pass through. Argument validation errors are server errors
// and store failures are internal errors. Otherwise a message mentioning
// "not found" is reported as method not found, and anything else is a server
// error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	var verr *experience.ValidationError
	switch {
	case errors.As(err, &verr):
		return NewError(CodeServerError, verr.Message)
	case errors.Is(err, experience.ErrStore):
		return NewError(CodeInternalError, err.Error())
	case strings.Contains(strings.ToLower(err.Error()), "not found"):
		return NewError(CodeMethodNotFound, err.Error())
	default:
		return NewError(CodeServerError, err.Error())
	}
}

// wire converts e to the SDK wire error.
func (e *Error) wire() *jsonrpc.Error {
	out := &jsonrpc.Error{Code: e.Code, Message: e.Message}
	if e.Data != nil {
		if data, err := json.Marshal(e.Data); err == nil {
			out.Data = data
		}
	}
	return out
}

// Response builds an error response for the request with the given id.
func (e *Error) Response(id jsonrpc.ID) *jsonrpc.Response {
	return &jsonrpc.Response{ID: id, Error: e.wire()}
}

// errorEnvelope is a response to a message whose id could not be read.
type errorEnvelope struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      *struct{}      `json:"id"`
	Error   *jsonrpc.Error `json:"error"`
}

// EncodeError encodes an error response with a null id, used when the
// request could not be decoded.
func EncodeError(e *Error) ([]byte, error) {
	data, err := json.Marshal(errorEnvelope{JSONRPC: "2.0", Error: e.wire()})
	if err != nil {
		return nil, fmt.Errorf("marshaling error response: %w", err)
	}
	return data, nil
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mantleworks/toolgate/provider/mcp"
)

const (
	// ErrorKindInvalidConfig is returned when a provider configuration is
	// malformed or names an unsupported transport.
	ErrorKindInvalidConfig = "INVALID_CONFIG"
	// ErrorKindInvalidArguments is returned when an invocation payload does
	// not satisfy the capability's declared parameters.
	ErrorKindInvalidArguments = "INVALID_ARGUMENTS"
	// ErrorKindTransport is returned when connection or I/O with the
	// provider fails.
	ErrorKindTransport = "TRANSPORT_FAILURE"
	// ErrorKindTimeout is returned when a handshake or invocation exceeds
	// its deadline.
	ErrorKindTimeout = "TIMEOUT"
	// ErrorKindProtocol is returned when the provider answers with a
	// malformed frame or a JSON-RPC error object.
	ErrorKindProtocol = "PROTOCOL_FAILURE"
	// ErrorKindInvocation is returned when a tool call reaches the
	// provider but the invocation itself fails.
	ErrorKindInvocation = "INVOCATION_FAILED"
	// ErrorKindNotFound is returned when no session exists for the
	// requested identifier.
	ErrorKindNotFound = "PROVIDER_NOT_FOUND"
)

// Error is a structured session-manager error. Kind is machine readable so
// callers can map failures onto HTTP statuses or retry decisions without
// string matching.
type Error struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	kind := strings.TrimSpace(e.Kind)
	msg := strings.TrimSpace(e.Message)
	switch {
	case kind == "" && msg == "":
		return ErrorKindInvocation
	case kind == "":
		return msg
	case msg == "":
		return kind
	default:
		return fmt.Sprintf("%s: %s", kind, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(kind, message string, cause error) *Error {
	cleanKind := strings.TrimSpace(kind)
	if cleanKind == "" {
		cleanKind = ErrorKindInvocation
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &Error{
		Kind:    cleanKind,
		Message: cleanMsg,
		Cause:   cause,
	}
}

func withErrorDetails(err *Error, details map[string]any) *Error {
	if err == nil {
		return nil
	}
	if len(details) == 0 {
		return err
	}
	if err.Details == nil {
		err.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		err.Details[key] = value
	}
	return err
}

// ErrorKind extracts the taxonomy kind from err, or "" when err is not a
// manager error.
func ErrorKind(err error) string {
	var managed *Error
	if errors.As(err, &managed) && managed != nil {
		return managed.Kind
	}
	return ""
}

// IsNotFound reports whether err means the identifier has no session.
func IsNotFound(err error) bool {
	return ErrorKind(err) == ErrorKindNotFound
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	return ErrorKind(err) == ErrorKindTimeout
}

// classifyWireError folds transport-level failures into the taxonomy. A
// context deadline becomes a timeout, a JSON-RPC error object a protocol
// failure, and everything else a transport failure.
func classifyWireError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorKindTimeout, fmt.Sprintf("%s timed out", op), err)
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return withErrorDetails(
			newError(ErrorKindProtocol, fmt.Sprintf("%s rejected: %s", op, rpcErr.Message), err),
			map[string]any{"code": rpcErr.Code},
		)
	}
	return newError(ErrorKindTransport, fmt.Sprintf("%s failed", op), err)
}

package mcp

import (
	"context"
	"errors"
	"fmt"
)

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MCP-specific error codes.
const (
	CodeToolNotFound        = -32001
	CodeToolExecutionError  = -32002
	CodeInitializationError = -32003
)

// Error kinds. Every error produced by this package matches exactly one
// of these with errors.Is.
var (
	// ErrConnection reports a transport that could not be opened or was
	// lost.
	ErrConnection = errors.New("mcp: connection error")

	// ErrNetwork reports a non-success HTTP status from the server.
	ErrNetwork = errors.New("mcp: network error")

	// ErrProtocol reports malformed frames and JSON-RPC error responses.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrState reports an operation attempted in the wrong session state.
	ErrState = errors.New("mcp: invalid session state")

	// ErrTimeout reports a request that did not complete in time.
	ErrTimeout = errors.New("mcp: timeout")
)

// Error is a classified failure. Kind is one of the Err* sentinels,
// Code the JSON-RPC code when one applies, and Err the underlying cause.
type Error struct {
	Kind    error
	Code    int
	Message string
	Data    any
	Err     error
}

func newError(kind error, code int, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, msg)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RPCError is a JSON-RPC 2.0 error object returned by the peer.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is makes peer errors match ErrProtocol.
func (e *RPCError) Is(target error) bool {
	return target == ErrProtocol
}

// CodeOf returns the JSON-RPC code carried by err, or 0.
func CodeOf(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// connectionError wraps a failure to open or use the transport.
func connectionError(msg string, cause error) *Error {
	return newError(ErrConnection, CodeInitializationError, msg, cause)
}

// networkError reports an HTTP status outside the success range.
func networkError(status int, body string) *Error {
	e := newError(ErrNetwork, 0, fmt.Sprintf("server returned HTTP %d", status), nil)
	e.Data = map[string]any{"status": status, "body": body}
	if body != "" {
		e.Message = fmt.Sprintf("server returned HTTP %d: %s", status, body)
	}
	return e
}

// stateError reports an operation attempted in the wrong state.
func stateError(format string, args ...any) *Error {
	return newError(ErrState, 0, fmt.Sprintf(format, args...), nil)
}

// classify maps context errors to ErrTimeout and passes classified
// errors through. Anything else becomes a connection error.
func classify(msg string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(ErrTimeout, 0, msg, err)
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return err
	}
	return connectionError(msg, err)
}

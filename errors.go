package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Sentinel errors for the MCP package.
var (
	// ErrProtocol is returned for frames that fail structural JSON-RPC validation.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrDuplicateID is returned when registering a request id that is already pending.
	ErrDuplicateID = errors.New("mcp: duplicate request id")

	// ErrTimeout completes a pending request whose deadline passed without a response.
	ErrTimeout = errors.New("mcp: request timeout")

	// ErrCancelled completes a pending request that was cancelled locally.
	ErrCancelled = errors.New("mcp: request cancelled")

	// ErrDisconnected completes every pending request when the connection is gone for good.
	ErrDisconnected = errors.New("mcp: disconnected")

	// ErrCapacityExceeded is returned when an admission limit, such as the maximum number of
	// concurrent elicitations, is reached.
	ErrCapacityExceeded = errors.New("mcp: capacity exceeded")

	// ErrHandlerNotConfigured is returned when the peer invokes a capability that has no local
	// handler.
	ErrHandlerNotConfigured = errors.New("mcp: capability handler not configured")

	// ErrHandlerTimeout is returned when a capability handler misses its deadline.
	ErrHandlerTimeout = errors.New("mcp: capability handler timeout")

	// ErrAlreadyAllocated is returned by IDTranslator.Allocate for an id that is already mapped.
	ErrAlreadyAllocated = errors.New("mcp: id already allocated")

	// ErrCircuitOpen is returned without attempting I/O while the circuit breaker is open.
	ErrCircuitOpen = errors.New("mcp: circuit breaker open")

	// ErrTableClosed is returned when registering on a PendingTable after Close.
	ErrTableClosed = errors.New("mcp: pending table closed")

	// ErrNotConnected is returned when using a client or session before it is connected.
	ErrNotConnected = errors.New("mcp: not connected")

	// ErrSessionClosed is returned by transports when sending on a stopped session.
	ErrSessionClosed = errors.New("mcp: session closed")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("mcp: invalid config")
)

// TransportError wraps an I/O level failure. Retryable tells the RetryPolicy whether the
// operation may be attempted again, typically after reconnecting.
type TransportError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DefaultRetryCondition decides which failures are worth another attempt: connection level
// failures are, while protocol errors, context errors and an open circuit are not.
func DefaultRetryCondition(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrProtocol) || errors.Is(err, ErrDuplicateID) {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, ErrSessionClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// toJSONRPCError converts a local failure into the error object sent back to the peer.
func toJSONRPCError(err error) JSONRPCError {
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return jErr
	}
	data := map[string]any{"error": err.Error()}
	switch {
	case errors.Is(err, ErrHandlerNotConfigured):
		return JSONRPCError{Code: JSONRPCCapabilityNotSupportedCode, Message: errMsgCapabilityNotSupported, Data: data}
	case errors.Is(err, ErrCapacityExceeded):
		return JSONRPCError{Code: JSONRPCCapacityExceededCode, Message: errMsgCapacityExceeded, Data: data}
	case errors.Is(err, ErrHandlerTimeout), errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return JSONRPCError{Code: JSONRPCRequestTimeoutCode, Message: errMsgRequestTimeout, Data: data}
	case errors.Is(err, ErrDuplicateID), errors.Is(err, ErrAlreadyAllocated):
		return JSONRPCError{Code: JSONRPCInvalidRequestCode, Message: errMsgDuplicateRequest, Data: data}
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrCircuitOpen):
		return JSONRPCError{Code: JSONRPCConnectionClosedCode, Message: errMsgConnectionClosed, Data: data}
	default:
		return JSONRPCError{Code: JSONRPCInternalErrorCode, Message: errMsgInternalError, Data: data}
	}
}

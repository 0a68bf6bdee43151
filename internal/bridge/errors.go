package bridge

import (
	"errors"
	"fmt"
)

// ErrDisconnected is returned for requests pending on a link that went away.
var ErrDisconnected = errors.New("bridge: disconnected")

// TransportError reports a connect/auth/network failure. Always retryable
// via the reconnect path.
type TransportError struct {
	Stage string // "auth", "network", "forward"
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge transport %s failure: %v", e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or semantically invalid message. The
// offending line is dropped; the connection survives unless the failure is
// part of the handshake.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bridge protocol error: %s: %v", e.Reason, e.Err)
	}
	return "bridge protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RequestTimeoutError reports a correlated request whose deadline elapsed
// before a response arrived. The correlation entry is gone; a late response
// is ignored.
type RequestTimeoutError struct {
	ID     string
	Method string
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("bridge request %s (%s) timed out", e.ID, e.Method)
}

// GatewayError is a well-formed failure response from the Gateway, surfaced
// verbatim to the caller.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	return "gateway error: " + e.Message
}

// SessionStateError reports an operation that is invalid in the current
// session state, e.g. an invoke arriving with no handler installed. It is
// always answered explicitly, never silently dropped.
type SessionStateError struct {
	State  string
	Reason string
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("bridge session state %s: %s", e.State, e.Reason)
}

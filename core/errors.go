package core

import "fmt"

// TransportErrorKind classifies transport failures for user-facing hints.
type TransportErrorKind string

const (
	// TransportErrorUnknown is an uncategorized transport failure.
	TransportErrorUnknown TransportErrorKind = "unknown"
	// TransportErrorSpawn indicates the agent binary failed to start.
	TransportErrorSpawn TransportErrorKind = "spawn"
	// TransportErrorHandshake indicates the initialize exchange failed.
	TransportErrorHandshake TransportErrorKind = "handshake"
	// TransportErrorProtocol indicates a malformed or unexpected payload.
	TransportErrorProtocol TransportErrorKind = "protocol"
	// TransportErrorIO indicates the process pipes failed mid-session.
	TransportErrorIO TransportErrorKind = "io"
	// TransportErrorTimeout indicates the peer did not answer in time.
	TransportErrorTimeout TransportErrorKind = "timeout"
	// TransportErrorCanceled indicates the request context was canceled.
	TransportErrorCanceled TransportErrorKind = "canceled"
)

// TransportError wraps transport failures with a stable classification.
type TransportError struct {
	Kind    TransportErrorKind
	Op      string
	Message string
	Err     error
}

// NewTransportError constructs a classified transport error.
func NewTransportError(kind TransportErrorKind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

func (e *TransportError) Error() string {
	if e == nil {
		return "transport error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return "transport error"
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

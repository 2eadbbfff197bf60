package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrBackendUnknown indicates an unrecognized backend kind.
	ErrBackendUnknown = errors.New("unknown backend kind")
	// ErrWorkspaceNotFound indicates a workspace could not be found.
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrWorkspaceExists indicates the workspace is already connected.
	ErrWorkspaceExists = errors.New("workspace already connected")
	// ErrThreadNotFound indicates a thread could not be found.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrThreadBusy indicates the thread already has a turn in flight.
	ErrThreadBusy = errors.New("thread is busy")
	// ErrThreadArchived indicates the thread is archived.
	ErrThreadArchived = errors.New("thread is archived")
	// ErrCapabilityUnsupported indicates the backend does not support the
	// operation; rejected locally, never sent to the peer.
	ErrCapabilityUnsupported = errors.New("capability not supported by backend")
	// ErrSessionNotReady indicates no live session serves the workspace.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrSessionTerminated indicates the session failed terminally.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrTransportDisconnected indicates the transport connection dropped.
	ErrTransportDisconnected = errors.New("transport disconnected")
	// ErrApprovalNotFound indicates an approval request id is unknown or
	// already resolved.
	ErrApprovalNotFound = errors.New("approval request not found")
	// ErrEmptyMessage indicates the message content was empty.
	ErrEmptyMessage = errors.New("empty message")
)

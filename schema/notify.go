package schema

// ThreadEvent carries one appended event for a thread.
type ThreadEvent struct {
	WorkspaceID WorkspaceID
	ThreadID    ThreadID
	Event       Event
}

// ThreadStateEvent reports a thread lifecycle state change.
type ThreadStateEvent struct {
	WorkspaceID WorkspaceID
	Thread      ThreadSnapshot
}

// ApprovalEvent surfaces a pending approval request to consumers.
type ApprovalEvent struct {
	WorkspaceID WorkspaceID
	Request     ApprovalRequest
	// Deadline in seconds; zero means no deadline policy is configured.
	DeadlineSeconds int
}

// SessionHealthEvent reports a change in session health for a workspace.
type SessionHealthEvent struct {
	WorkspaceID WorkspaceID
	State       ConnectionState
	Health      SessionHealth
	Cause       string
}

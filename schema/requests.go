package schema

// Workspace lifecycle.

// ConnectWorkspaceRequest describes a request to connect a workspace.
type ConnectWorkspaceRequest struct {
	WorkspaceID    WorkspaceID
	Path           string
	Backend        BackendKind
	BinaryOverride string
	ExtraArgs      []string
	// Env adds environment variables to the agent process.
	Env map[string]string
}

// ConnectWorkspaceResponse reports the connected workspace.
type ConnectWorkspaceResponse struct {
	Workspace WorkspaceSnapshot
	Threads   []ThreadSnapshot
}

// DisconnectWorkspaceRequest describes a request to disconnect a workspace.
type DisconnectWorkspaceRequest struct {
	WorkspaceID WorkspaceID
}

// DisconnectWorkspaceResponse reports the disconnected workspace.
type DisconnectWorkspaceResponse struct {
	Workspace WorkspaceSnapshot
}

// ListWorkspacesRequest describes a request to list workspaces.
type ListWorkspacesRequest struct{}

// ListWorkspacesResponse reports known workspaces.
type ListWorkspacesResponse struct {
	Workspaces []WorkspaceSnapshot
}

// Thread lifecycle.

// StartThreadRequest describes a request to start a new thread.
type StartThreadRequest struct {
	WorkspaceID WorkspaceID
	Name        ThreadName
}

// StartThreadResponse reports the started thread.
type StartThreadResponse struct {
	Thread ThreadSnapshot
}

// ResumeThreadRequest describes a request to resume an archived or errored
// thread, re-establishing its session if necessary.
type ResumeThreadRequest struct {
	ThreadID ThreadID
}

// ResumeThreadResponse reports the resumed thread.
type ResumeThreadResponse struct {
	Thread ThreadSnapshot
}

// ArchiveThreadRequest describes a request to archive a thread.
type ArchiveThreadRequest struct {
	ThreadID ThreadID
}

// ArchiveThreadResponse reports the archived thread.
type ArchiveThreadResponse struct {
	Thread ThreadSnapshot
}

// RenameThreadRequest describes a request to rename a thread.
type RenameThreadRequest struct {
	ThreadID ThreadID
	Name     ThreadName
}

// RenameThreadResponse reports the renamed thread.
type RenameThreadResponse struct {
	Thread ThreadSnapshot
}

// PinThreadRequest describes a request to pin or unpin a thread.
type PinThreadRequest struct {
	ThreadID ThreadID
	Pinned   bool
}

// PinThreadResponse reports the updated thread.
type PinThreadResponse struct {
	Thread ThreadSnapshot
}

// ForkThreadRequest describes a request to fork a thread.
type ForkThreadRequest struct {
	ThreadID ThreadID
}

// ForkThreadResponse reports the forked thread.
type ForkThreadResponse struct {
	Thread ThreadSnapshot
}

// ListThreadsRequest describes a request to list threads for a workspace.
type ListThreadsRequest struct {
	WorkspaceID     WorkspaceID
	IncludeArchived bool
}

// ListThreadsResponse reports threads in creation order.
type ListThreadsResponse struct {
	Threads []ThreadSnapshot
}

// Turn operations.

// SendMessageRequest describes a user message starting a turn.
type SendMessageRequest struct {
	ThreadID    ThreadID
	Content     string
	Attachments []string
}

// SendMessageResponse reports turn acceptance.
type SendMessageResponse struct {
	Thread   ThreadSnapshot
	TurnID   TurnID
	Accepted bool
}

// InterruptTurnRequest describes a best-effort interrupt.
type InterruptTurnRequest struct {
	ThreadID ThreadID
}

// InterruptTurnResponse reports the thread state after the interrupt
// request. Interrupting an idle thread is a no-op, not an error.
type InterruptTurnResponse struct {
	Thread ThreadSnapshot
	NoOp   bool
}

// RespondToApprovalRequest answers a pending approval request.
type RespondToApprovalRequest struct {
	RequestID RequestID
	Decision  ApprovalDecision
}

// RespondToApprovalResponse reports the recorded resolution.
type RespondToApprovalResponse struct {
	Resolution ApprovalResolution
}

package schema

// WorkspaceID identifies a connected workspace.
type WorkspaceID string

// ThreadID identifies a conversation thread.
type ThreadID string

// TurnID identifies one request/response unit within a thread.
type TurnID string

// RequestID identifies an approval request.
type RequestID string

// ThreadName is the user-facing name of a thread.
type ThreadName string

// BackendKind identifies the agent CLI integration behind a session.
type BackendKind string

const (
	// BackendCodex is the codex CLI (duplex app-server protocol).
	BackendCodex BackendKind = "codex"
	// BackendGemini is the gemini CLI (duplex app-server protocol).
	BackendGemini BackendKind = "gemini"
	// BackendClaude is the claude CLI driven through the terminal shim.
	BackendClaude BackendKind = "claude"
	// BackendCursor is the cursor CLI driven through the terminal shim.
	BackendCursor BackendKind = "cursor"
)

// ConnectionState describes the workspace connection status.
type ConnectionState string

const (
	// ConnectionDisconnected indicates no live session.
	ConnectionDisconnected ConnectionState = "disconnected"
	// ConnectionConnecting indicates a session is being established.
	ConnectionConnecting ConnectionState = "connecting"
	// ConnectionConnected indicates a live session.
	ConnectionConnected ConnectionState = "connected"
	// ConnectionError indicates the session failed terminally.
	ConnectionError ConnectionState = "error"
)

// SessionHealth describes the health of a live session.
type SessionHealth string

const (
	// SessionStarting indicates the agent process is starting up.
	SessionStarting SessionHealth = "starting"
	// SessionReady indicates the session is serving threads.
	SessionReady SessionHealth = "ready"
	// SessionDegraded indicates the session is restarting after a failure.
	SessionDegraded SessionHealth = "degraded"
	// SessionTerminated indicates the session is gone and will not restart.
	SessionTerminated SessionHealth = "terminated"
)

// ThreadState describes the lifecycle state of a thread.
type ThreadState string

const (
	// ThreadIdle indicates no turn is in flight.
	ThreadIdle ThreadState = "idle"
	// ThreadRunning indicates a turn is in flight.
	ThreadRunning ThreadState = "running"
	// ThreadAwaitingApproval indicates the turn is blocked on an approval.
	ThreadAwaitingApproval ThreadState = "awaiting-approval"
	// ThreadInterrupting indicates an interrupt is being delivered.
	ThreadInterrupting ThreadState = "interrupting"
	// ThreadErrored indicates an unrecoverable transport error.
	ThreadErrored ThreadState = "errored"
	// ThreadArchived indicates the thread was archived.
	ThreadArchived ThreadState = "archived"
)

// TurnOutcome describes how a turn ended.
type TurnOutcome string

const (
	// TurnCompleted indicates the agent finished the turn.
	TurnCompleted TurnOutcome = "completed"
	// TurnInterrupted indicates the turn was interrupted.
	TurnInterrupted TurnOutcome = "interrupted"
	// TurnErrored indicates the turn failed.
	TurnErrored TurnOutcome = "errored"
)

// WorkspaceSnapshot is a read-only view of workspace state for consumers.
type WorkspaceSnapshot struct {
	ID        WorkspaceID
	Path      string
	Backend   BackendKind
	State     ConnectionState
	Health    SessionHealth
	Tier      CapabilityTier
	LastError string
	// GitBranch is the workspace's checked-out branch, when the path is a
	// git worktree. Best effort; empty otherwise.
	GitBranch string
	// GitDirty reports uncommitted changes in the worktree. Only
	// meaningful when GitBranch is set.
	GitDirty bool
}

// ThreadSnapshot is a read-only view of thread state for consumers.
type ThreadSnapshot struct {
	ID          ThreadID
	WorkspaceID WorkspaceID
	Name        ThreadName
	State       ThreadState
	Pinned      bool
	Archived    bool
	ForkOf      ThreadID
	RemoteID    ThreadID
	PendingTurn TurnID
	LastError   string
}

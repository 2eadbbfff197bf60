package schema

import "encoding/json"

// EventType is the normalized event type emitted by a transport adapter.
type EventType string

const (
	// EventThreadStarted indicates the agent acknowledged a new thread.
	EventThreadStarted EventType = "thread.started"
	// EventTurnStarted indicates a turn started.
	EventTurnStarted EventType = "turn.started"
	// EventTurnCompleted indicates a turn completed successfully.
	EventTurnCompleted EventType = "turn.completed"
	// EventTurnFailed indicates a turn failed.
	EventTurnFailed EventType = "turn.failed"
	// EventTurnInterrupted indicates a turn was interrupted.
	EventTurnInterrupted EventType = "turn.interrupted"
	// EventAgentMessageDelta carries a chunk of assistant output.
	EventAgentMessageDelta EventType = "item.agent_message.delta"
	// EventReasoningDelta carries a chunk of reasoning output.
	EventReasoningDelta EventType = "item.reasoning.delta"
	// EventToolStarted indicates a tool invocation started.
	EventToolStarted EventType = "item.tool.started"
	// EventToolCompleted indicates a tool invocation completed.
	EventToolCompleted EventType = "item.tool.completed"
	// EventFileChange carries a file change summary.
	EventFileChange EventType = "item.file_change"
	// EventApprovalRequested carries an approval request surfaced mid-turn.
	EventApprovalRequested EventType = "approval.requested"
	// EventApprovalResolved carries the resolution of an approval request.
	EventApprovalResolved EventType = "approval.resolved"
	// EventStderr carries a line the agent process wrote to stderr.
	EventStderr EventType = "stderr"
	// EventError indicates a stream-level error.
	EventError EventType = "error"
)

// Event is an immutable record attached to a turn. Events are never mutated
// after emission; superseding information arrives as a new event.
type Event struct {
	Type       EventType
	ThreadID   ThreadID
	TurnID     TurnID
	Seq        uint64
	Text       string
	Tool       *ToolCall
	Changes    []FileChange
	Approval   *ApprovalRequest
	Resolution *ApprovalResolution
	Message    string
	Raw        json.RawMessage
}

// ToolCall captures a tool invocation item.
type ToolCall struct {
	ID       string
	Name     string
	Command  string
	Status   string
	ExitCode *int
	Output   string
}

// FileChange is a summary of one changed file.
type FileChange struct {
	Path string
	Kind string
}

// ApprovalKind classifies what an approval request would permit.
type ApprovalKind string

const (
	// ApprovalReadFile requests permission to read a file.
	ApprovalReadFile ApprovalKind = "read_file"
	// ApprovalListDir requests permission to list a directory.
	ApprovalListDir ApprovalKind = "list_dir"
	// ApprovalExecCommand requests permission to execute a command.
	ApprovalExecCommand ApprovalKind = "exec_command"
	// ApprovalWriteFile requests permission to write a file.
	ApprovalWriteFile ApprovalKind = "write_file"
	// ApprovalApplyPatch requests permission to apply a patch.
	ApprovalApplyPatch ApprovalKind = "apply_patch"
	// ApprovalNetwork requests permission for network access.
	ApprovalNetwork ApprovalKind = "network"
	// ApprovalUnknown marks a request kind the layer does not recognize.
	ApprovalUnknown ApprovalKind = "unknown"
)

// ApprovalRequest is emitted mid-turn and requires exactly one resolution.
type ApprovalRequest struct {
	ID       RequestID
	ThreadID ThreadID
	TurnID   TurnID
	Kind     ApprovalKind
	Title    string
	Command  string
	Path     string
	// Implicit marks requests synthesized by the shim for backends whose
	// protocol never frames approvals as such.
	Implicit bool
}

// ApprovalDecision is the answer to an approval request.
type ApprovalDecision string

const (
	// DecisionApprove allows the requested action once.
	DecisionApprove ApprovalDecision = "approve"
	// DecisionDeny rejects the requested action.
	DecisionDeny ApprovalDecision = "deny"
	// DecisionApproveForSession allows the action for the session lifetime.
	DecisionApproveForSession ApprovalDecision = "approve_for_session"
)

// ApprovalResolution records the single resolution of an approval request.
type ApprovalResolution struct {
	ID       RequestID
	Decision ApprovalDecision
	// Auto marks resolutions produced by the default policy rather than an
	// explicit answer.
	Auto   bool
	Reason string
}

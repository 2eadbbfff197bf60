package core

import (
	"context"

	"pkt.systems/agentmux/schema"
)

// Adapter starts agent sessions for a workspace. One adapter exists per
// protocol variant; selection happens once, at session start, from the
// backend's capability tier.
type Adapter interface {
	Start(ctx context.Context, req StartRequest) (AdapterHandle, error)
}

// StartRequest describes an agent session to start.
type StartRequest struct {
	WorkspaceID schema.WorkspaceID
	WorkingDir  string
	Backend     schema.BackendKind
	// Binary overrides the backend's conventional binary name or path.
	Binary    string
	ExtraArgs []string
	Env       map[string]string
}

// AdapterHandle exposes the command channel and lifecycle of one live agent
// session. Events carry local thread ids; the adapter owns the mapping to
// whatever conversation identifiers the backend protocol uses.
type AdapterHandle interface {
	Send(ctx context.Context, cmd Command) (CommandResult, error)
	Events() EventStream
	Wait(ctx context.Context) (ExitResult, error)
	Close() error
}

// EventStream yields normalized events from the agent session. Next returns
// io.EOF when the session ends.
type EventStream interface {
	Next(ctx context.Context) (schema.Event, error)
	Close() error
}

// ExitResult describes how the agent process ended.
type ExitResult struct {
	ExitCode int
}

// CommandType identifies an operation forwarded to the agent session.
type CommandType string

const (
	// CommandStartThread starts a new conversation thread.
	CommandStartThread CommandType = "thread_start"
	// CommandResumeThread reattaches an existing conversation.
	CommandResumeThread CommandType = "thread_resume"
	// CommandForkThread forks an existing conversation.
	CommandForkThread CommandType = "thread_fork"
	// CommandSendMessage starts a turn with a user message.
	CommandSendMessage CommandType = "send_message"
	// CommandInterrupt requests a best-effort stop of the active turn.
	CommandInterrupt CommandType = "interrupt"
	// CommandResolveApproval answers a pending approval request.
	CommandResolveApproval CommandType = "resolve_approval"
)

// Command is one operation forwarded to the agent session.
type Command struct {
	Type CommandType
	// ThreadID is the local thread the command targets.
	ThreadID schema.ThreadID
	// RemoteThreadID is the backend conversation id, when one exists.
	RemoteThreadID schema.ThreadID
	TurnID         schema.TurnID
	Content        string
	Attachments    []string
	Resolution     *schema.ApprovalResolution
}

// CommandResult carries identifiers produced by the backend.
type CommandResult struct {
	RemoteThreadID schema.ThreadID
	TurnID         schema.TurnID
}

// AdapterProvider selects an adapter for a backend kind.
type AdapterProvider interface {
	AdapterFor(kind schema.BackendKind) (Adapter, error)
}

// StaticAdapterProvider serves a single adapter for all backends. Used in
// tests and single-backend deployments.
type StaticAdapterProvider struct {
	Adapter Adapter
}

// AdapterFor returns the configured adapter.
func (p StaticAdapterProvider) AdapterFor(_ schema.BackendKind) (Adapter, error) {
	if p.Adapter == nil {
		return nil, schema.ErrSessionNotReady
	}
	return p.Adapter, nil
}

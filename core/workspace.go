package core

import (
	"context"

	"pkt.systems/agentmux/schema"
)

// workspace tracks one connected workspace and its agent session.
type workspace struct {
	ID        schema.WorkspaceID
	Path      string
	Backend   schema.BackendKind
	Binary    string
	ExtraArgs []string
	Env       map[string]string
	Caps      schema.CapabilitySet
	State     schema.ConnectionState
	Health    schema.SessionHealth
	LastError string
	GitBranch string
	GitDirty  bool

	handle AdapterHandle
	cancel context.CancelFunc
	// gen increments per session start; consume loops from older sessions
	// check it and drop out instead of mutating fresh state.
	gen      int
	restarts int
	closing  bool

	threads map[schema.ThreadID]*thread
	order   []schema.ThreadID
	// sessionApproved records approval kinds the user approved for the
	// session lifetime.
	sessionApproved map[schema.ApprovalKind]bool
}

// Snapshot returns a transport-friendly view of the workspace.
func (w *workspace) Snapshot() schema.WorkspaceSnapshot {
	return schema.WorkspaceSnapshot{
		ID:        w.ID,
		Path:      w.Path,
		Backend:   w.Backend,
		State:     w.State,
		Health:    w.Health,
		Tier:      w.Caps.Tier,
		LastError: w.LastError,
		GitBranch: w.GitBranch,
		GitDirty:  w.GitDirty,
	}
}

// Package logx binds workspace, thread, and turn identifiers onto loggers.
package logx

import (
	"context"

	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// WithWorkspace annotates the context logger with the workspace id if present.
func WithWorkspace(ctx context.Context, workspaceID schema.WorkspaceID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if workspaceID != "" {
		log = log.With("workspace", workspaceID)
	}
	return log
}

// WithWorkspaceThread annotates the context logger with workspace and thread
// identifiers.
func WithWorkspaceThread(ctx context.Context, workspaceID schema.WorkspaceID, threadID schema.ThreadID) pslog.Logger {
	log := WithWorkspace(ctx, workspaceID)
	if threadID != "" {
		log = log.With("thread", threadID)
	}
	return log
}

// WithTurn annotates the logger with a turn id when available.
func WithTurn(log pslog.Logger, turnID schema.TurnID) pslog.Logger {
	if turnID != "" {
		log = log.With("turn", turnID)
	}
	return log
}

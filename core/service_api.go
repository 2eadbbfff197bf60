package core

import (
	"context"

	"pkt.systems/agentmux/schema"
)

// Service is the transport-agnostic API for managing workspaces, threads,
// turns, and approvals across agent sessions.
type Service interface {
	ConnectWorkspace(ctx context.Context, req schema.ConnectWorkspaceRequest) (schema.ConnectWorkspaceResponse, error)
	DisconnectWorkspace(ctx context.Context, req schema.DisconnectWorkspaceRequest) (schema.DisconnectWorkspaceResponse, error)
	ListWorkspaces(ctx context.Context, req schema.ListWorkspacesRequest) (schema.ListWorkspacesResponse, error)
	StartThread(ctx context.Context, req schema.StartThreadRequest) (schema.StartThreadResponse, error)
	ResumeThread(ctx context.Context, req schema.ResumeThreadRequest) (schema.ResumeThreadResponse, error)
	ArchiveThread(ctx context.Context, req schema.ArchiveThreadRequest) (schema.ArchiveThreadResponse, error)
	RenameThread(ctx context.Context, req schema.RenameThreadRequest) (schema.RenameThreadResponse, error)
	PinThread(ctx context.Context, req schema.PinThreadRequest) (schema.PinThreadResponse, error)
	ForkThread(ctx context.Context, req schema.ForkThreadRequest) (schema.ForkThreadResponse, error)
	ListThreads(ctx context.Context, req schema.ListThreadsRequest) (schema.ListThreadsResponse, error)
	SendMessage(ctx context.Context, req schema.SendMessageRequest) (schema.SendMessageResponse, error)
	InterruptTurn(ctx context.Context, req schema.InterruptTurnRequest) (schema.InterruptTurnResponse, error)
	RespondToApproval(ctx context.Context, req schema.RespondToApprovalRequest) (schema.RespondToApprovalResponse, error)
	Close(ctx context.Context) error
}

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/agentmux/internal/approval"
	"pkt.systems/agentmux/internal/git"
	"pkt.systems/agentmux/internal/logx"
	"pkt.systems/agentmux/internal/persist"
	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// service implements the core orchestration behavior.
type service struct {
	cfg      schema.ServiceConfig
	adapters AdapterProvider
	sink     EventSink
	store    *persist.Store
	broker   *approval.Broker
	logger   pslog.Logger

	mu          sync.Mutex
	workspaces  map[schema.WorkspaceID]*workspace
	threadIndex map[schema.ThreadID]schema.WorkspaceID
}

var restartSleep = time.Sleep

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	var store *persist.Store
	if cfg.StateDir != "" {
		store, err = persist.NewStoreWithLogger(cfg.StateDir, logger)
		if err != nil {
			return nil, err
		}
	}
	s := &service{
		cfg:         cfg,
		adapters:    deps.AdapterProvider,
		sink:        deps.EventSink,
		store:       store,
		logger:      logger,
		workspaces:  make(map[schema.WorkspaceID]*workspace),
		threadIndex: make(map[schema.ThreadID]schema.WorkspaceID),
	}
	s.broker = approval.New(approval.Config{
		Policy:    approval.WithOverrides(cfg.ApprovalPolicy),
		Deadline:  cfg.ApprovalDeadline,
		OnResolve: s.approvalResolved,
		Logger:    logger,
	})
	return s, nil
}

func (s *service) ConnectWorkspace(ctx context.Context, req schema.ConnectWorkspaceRequest) (schema.ConnectWorkspaceResponse, error) {
	if ctx == nil {
		return schema.ConnectWorkspaceResponse{}, errors.New("missing context")
	}
	if strings.TrimSpace(string(req.WorkspaceID)) == "" || strings.TrimSpace(req.Path) == "" {
		return schema.ConnectWorkspaceResponse{}, schema.ErrInvalidRequest
	}
	caps, err := schema.CapabilitiesFor(req.Backend)
	if err != nil {
		return schema.ConnectWorkspaceResponse{}, err
	}
	log := logx.WithWorkspace(ctx, req.WorkspaceID)
	log.Info("service workspace connect start", "path", req.Path, "backend", req.Backend, "tier", caps.Tier)

	s.mu.Lock()
	ws := s.workspaces[req.WorkspaceID]
	if ws != nil {
		if ws.State == schema.ConnectionConnected || ws.State == schema.ConnectionConnecting {
			s.mu.Unlock()
			log.Warn("service workspace connect rejected", "err", schema.ErrWorkspaceExists)
			return schema.ConnectWorkspaceResponse{}, schema.ErrWorkspaceExists
		}
		// Reconnect after disconnect or terminal failure.
		ws.Path = req.Path
		ws.Backend = req.Backend
		ws.Binary = req.BinaryOverride
		ws.ExtraArgs = req.ExtraArgs
		ws.Env = req.Env
		ws.Caps = caps
		ws.State = schema.ConnectionConnecting
		ws.Health = schema.SessionStarting
		ws.LastError = ""
		ws.restarts = 0
		ws.closing = false
	} else {
		ws = &workspace{
			ID:              req.WorkspaceID,
			Path:            req.Path,
			Backend:         req.Backend,
			Binary:          req.BinaryOverride,
			ExtraArgs:       req.ExtraArgs,
			Env:             req.Env,
			Caps:            caps,
			State:           schema.ConnectionConnecting,
			Health:          schema.SessionStarting,
			threads:         make(map[schema.ThreadID]*thread),
			sessionApproved: make(map[schema.ApprovalKind]bool),
		}
		s.workspaces[req.WorkspaceID] = ws
	}
	s.mu.Unlock()

	s.restoreThreads(log, ws)

	branch := ""
	dirty := false
	if b, err := git.Branch(ctx, req.Path); err == nil {
		branch = b
		if d, err := git.Dirty(ctx, req.Path); err == nil {
			dirty = d
		}
	}
	s.mu.Lock()
	ws.GitBranch = branch
	ws.GitDirty = dirty
	s.mu.Unlock()

	if err := s.startSession(ctx, ws); err != nil {
		s.mu.Lock()
		ws.State = schema.ConnectionError
		ws.Health = schema.SessionTerminated
		ws.LastError = err.Error()
		snapshot := ws.Snapshot()
		s.mu.Unlock()
		s.emitHealth(snapshot, err.Error())
		log.Error("service workspace connect failed", "err", err)
		return schema.ConnectWorkspaceResponse{}, err
	}

	s.mu.Lock()
	ws.State = schema.ConnectionConnected
	ws.Health = schema.SessionReady
	snapshot := ws.Snapshot()
	threads := s.threadSnapshotsLocked(ws, true)
	s.mu.Unlock()
	s.emitHealth(snapshot, "")
	log.Info("service workspace connected", "threads", len(threads))
	return schema.ConnectWorkspaceResponse{Workspace: snapshot, Threads: threads}, nil
}

func (s *service) DisconnectWorkspace(ctx context.Context, req schema.DisconnectWorkspaceRequest) (schema.DisconnectWorkspaceResponse, error) {
	log := logx.WithWorkspace(ctx, req.WorkspaceID)
	s.mu.Lock()
	ws := s.workspaces[req.WorkspaceID]
	if ws == nil {
		s.mu.Unlock()
		log.Warn("service workspace disconnect failed", "err", schema.ErrWorkspaceNotFound)
		return schema.DisconnectWorkspaceResponse{}, schema.ErrWorkspaceNotFound
	}
	ws.closing = true
	handle := ws.handle
	cancel := ws.cancel
	ws.handle = nil
	ws.cancel = nil
	ws.State = schema.ConnectionDisconnected
	ws.Health = schema.SessionTerminated
	var stateEvents []schema.ThreadStateEvent
	for _, id := range ws.order {
		t := ws.threads[id]
		if t == nil || !t.busy() {
			continue
		}
		t.State = schema.ThreadIdle
		t.PendingTurn = ""
		stateEvents = append(stateEvents, schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()})
	}
	snapshot := ws.Snapshot()
	s.mu.Unlock()

	for _, id := range s.threadIDsFor(req.WorkspaceID) {
		s.broker.ResolveThread(id, "workspace disconnected")
	}
	for _, event := range stateEvents {
		s.emitThreadState(event)
	}
	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Warn("service session close failed", "err", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	s.emitHealth(snapshot, "")
	s.persistWorkspace(log, req.WorkspaceID)
	log.Info("service workspace disconnected")
	return schema.DisconnectWorkspaceResponse{Workspace: snapshot}, nil
}

func (s *service) ListWorkspaces(ctx context.Context, req schema.ListWorkspacesRequest) (schema.ListWorkspacesResponse, error) {
	_ = ctx
	_ = req
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshots := make([]schema.WorkspaceSnapshot, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		snapshots = append(snapshots, ws.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return schema.ListWorkspacesResponse{Workspaces: snapshots}, nil
}

func (s *service) StartThread(ctx context.Context, req schema.StartThreadRequest) (schema.StartThreadResponse, error) {
	log := logx.WithWorkspace(ctx, req.WorkspaceID)
	s.mu.Lock()
	ws := s.workspaces[req.WorkspaceID]
	if ws == nil {
		s.mu.Unlock()
		log.Warn("service thread start failed", "err", schema.ErrWorkspaceNotFound)
		return schema.StartThreadResponse{}, schema.ErrWorkspaceNotFound
	}
	handle, err := ws.liveHandleLocked()
	if err != nil {
		s.mu.Unlock()
		log.Warn("service thread start failed", "err", err)
		return schema.StartThreadResponse{}, err
	}
	s.mu.Unlock()

	threadID := newThreadID()
	result, err := handle.Send(ctx, Command{Type: CommandStartThread, ThreadID: threadID})
	if err != nil {
		log.Error("service thread start failed", "err", err)
		return schema.StartThreadResponse{}, err
	}

	s.mu.Lock()
	t := &thread{
		ID:          threadID,
		WorkspaceID: ws.ID,
		Name:        req.Name,
		State:       schema.ThreadIdle,
		RemoteID:    result.RemoteThreadID,
	}
	ws.threads[t.ID] = t
	ws.order = append(ws.order, t.ID)
	s.threadIndex[t.ID] = ws.ID
	event := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()
	s.emitThreadState(event)
	s.persistWorkspace(log, ws.ID)
	log.Info("service thread started", "thread", t.ID, "remote", result.RemoteThreadID)
	return schema.StartThreadResponse{Thread: event.Thread}, nil
}

func (s *service) ResumeThread(ctx context.Context, req schema.ResumeThreadRequest) (schema.ResumeThreadResponse, error) {
	s.mu.Lock()
	ws, t := s.lookupThreadLocked(req.ThreadID)
	if t == nil {
		s.mu.Unlock()
		return schema.ResumeThreadResponse{}, schema.ErrThreadNotFound
	}
	log := logx.WithWorkspaceThread(ctx, ws.ID, t.ID)
	if !t.Archived && t.State != schema.ThreadErrored {
		snapshot := t.Snapshot()
		s.mu.Unlock()
		return schema.ResumeThreadResponse{Thread: snapshot}, nil
	}
	needsReattach := t.Archived && t.RemoteID != ""
	if needsReattach && !ws.Caps.Resume {
		s.mu.Unlock()
		log.Warn("service thread resume rejected", "err", schema.ErrCapabilityUnsupported)
		return schema.ResumeThreadResponse{}, schema.ErrCapabilityUnsupported
	}
	handle, err := ws.liveHandleLocked()
	if err != nil {
		s.mu.Unlock()
		log.Warn("service thread resume failed", "err", err)
		return schema.ResumeThreadResponse{}, err
	}
	remote := t.RemoteID
	s.mu.Unlock()

	if needsReattach {
		result, err := handle.Send(ctx, Command{Type: CommandResumeThread, ThreadID: t.ID, RemoteThreadID: remote})
		if err != nil {
			log.Error("service thread resume failed", "err", err)
			return schema.ResumeThreadResponse{}, err
		}
		if result.RemoteThreadID != "" {
			remote = result.RemoteThreadID
		}
	}

	s.mu.Lock()
	t.Archived = false
	t.State = schema.ThreadIdle
	t.LastError = ""
	t.RemoteID = remote
	event := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()
	s.emitThreadState(event)
	s.persistWorkspace(log, ws.ID)
	log.Info("service thread resumed")
	return schema.ResumeThreadResponse{Thread: event.Thread}, nil
}

func (s *service) ArchiveThread(ctx context.Context, req schema.ArchiveThreadRequest) (schema.ArchiveThreadResponse, error) {
	s.mu.Lock()
	ws, t := s.lookupThreadLocked(req.ThreadID)
	if t == nil {
		s.mu.Unlock()
		return schema.ArchiveThreadResponse{}, schema.ErrThreadNotFound
	}
	log := logx.WithWorkspaceThread(ctx, ws.ID, t.ID)
	if t.busy() {
		s.mu.Unlock()
		log.Warn("service thread archive rejected", "err", schema.ErrThreadBusy)
		return schema.ArchiveThreadResponse{}, schema.ErrThreadBusy
	}
	if t.Archived {
		snapshot := t.Snapshot()
		s.mu.Unlock()
		return schema.ArchiveThreadResponse{Thread: snapshot}, nil
	}
	t.Archived = true
	t.State = schema.ThreadArchived
	event := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()
	s.emitThreadState(event)
	s.persistWorkspace(log, ws.ID)
	log.Info("service thread archived")
	return schema.ArchiveThreadResponse{Thread: event.Thread}, nil
}

func (s *service) RenameThread(ctx context.Context, req schema.RenameThreadRequest) (schema.RenameThreadResponse, error) {
	if strings.TrimSpace(string(req.Name)) == "" {
		return schema.RenameThreadResponse{}, schema.ErrInvalidRequest
	}
	s.mu.Lock()
	ws, t := s.lookupThreadLocked(req.ThreadID)
	if t == nil {
		s.mu.Unlock()
		return schema.RenameThreadResponse{}, schema.ErrThreadNotFound
	}
	log := logx.WithWorkspaceThread(ctx, ws.ID, t.ID)
	t.Name = req.Name
	event := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()
	s.emitThreadState(event)
	s.persistWorkspace(log, ws.ID)
	log.Info("service thread renamed", "name", req.Name)
	return schema.RenameThreadResponse{Thread: event.Thread}, nil
}

func (s *service) PinThread(ctx context.Context, req schema.PinThreadRequest) (schema.PinThreadResponse, error) {
	s.mu.Lock()
	ws, t := s.lookupThreadLocked(req.ThreadID)
	if t == nil {
		s.mu.Unlock()
		return schema.PinThreadResponse{}, schema.ErrThreadNotFound
	}
	log := logx.WithWorkspaceThread(ctx, ws.ID, t.ID)
	t.Pinned = req.Pinned
	event := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()
	s.emitThreadState(event)
	s.persistWorkspace(log, ws.ID)
	log.Info("service thread pin updated", "pinned", req.Pinned)
	return schema.PinThreadResponse{Thread: event.Thread}, nil
}

func (s *service) ForkThread(ctx context.Context, req schema.ForkThreadRequest) (schema.ForkThreadResponse, error) {
	s.mu.Lock()
	ws, src := s.lookupThreadLocked(req.ThreadID)
	if src == nil {
		s.mu.Unlock()
		return schema.ForkThreadResponse{}, schema.ErrThreadNotFound
	}
	log := logx.WithWorkspaceThread(ctx, ws.ID, src.ID)
	if !ws.Caps.Fork {
		s.mu.Unlock()
		log.Warn("service thread fork rejected", "err", schema.ErrCapabilityUnsupported)
		return schema.ForkThreadResponse{}, schema.ErrCapabilityUnsupported
	}
	handle, err := ws.liveHandleLocked()
	if err != nil {
		s.mu.Unlock()
		log.Warn("service thread fork failed", "err", err)
		return schema.ForkThreadResponse{}, err
	}
	srcRemote := src.RemoteID
	srcName := src.Name
	s.mu.Unlock()

	threadID := newThreadID()
	result, err := handle.Send(ctx, Command{Type: CommandForkThread, ThreadID: threadID, RemoteThreadID: srcRemote})
	if err != nil {
		log.Error("service thread fork failed", "err", err)
		return schema.ForkThreadResponse{}, err
	}

	s.mu.Lock()
	t := &thread{
		ID:          threadID,
		WorkspaceID: ws.ID,
		Name:        srcName,
		State:       schema.ThreadIdle,
		ForkOf:      src.ID,
		RemoteID:    result.RemoteThreadID,
	}
	ws.threads[t.ID] = t
	ws.order = append(ws.order, t.ID)
	s.threadIndex[t.ID] = ws.ID
	event := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()
	s.emitThreadState(event)
	s.persistWorkspace(log, ws.ID)
	log.Info("service thread forked", "fork", t.ID, "remote", result.RemoteThreadID)
	return schema.ForkThreadResponse{Thread: event.Thread}, nil
}

func (s *service) ListThreads(ctx context.Context, req schema.ListThreadsRequest) (schema.ListThreadsResponse, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.workspaces[req.WorkspaceID]
	if ws == nil {
		return schema.ListThreadsResponse{}, schema.ErrWorkspaceNotFound
	}
	return schema.ListThreadsResponse{Threads: s.threadSnapshotsLocked(ws, req.IncludeArchived)}, nil
}

func (s *service) SendMessage(ctx context.Context, req schema.SendMessageRequest) (schema.SendMessageResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return schema.SendMessageResponse{}, schema.ErrEmptyMessage
	}
	s.mu.Lock()
	ws, t := s.lookupThreadLocked(req.ThreadID)
	if t == nil {
		s.mu.Unlock()
		return schema.SendMessageResponse{}, schema.ErrThreadNotFound
	}
	log := logx.WithWorkspaceThread(ctx, ws.ID, t.ID)
	if t.Archived {
		s.mu.Unlock()
		log.Warn("service message rejected", "err", schema.ErrThreadArchived)
		return schema.SendMessageResponse{}, schema.ErrThreadArchived
	}
	if t.busy() {
		s.mu.Unlock()
		log.Warn("service message rejected", "err", schema.ErrThreadBusy)
		return schema.SendMessageResponse{}, schema.ErrThreadBusy
	}
	handle, err := ws.liveHandleLocked()
	if err != nil {
		s.mu.Unlock()
		log.Warn("service message rejected", "err", err)
		return schema.SendMessageResponse{}, err
	}
	turnID := newTurnID()
	t.State = schema.ThreadRunning
	t.PendingTurn = turnID
	t.LastError = ""
	remote := t.RemoteID
	accepted := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()

	log = logx.WithTurn(log, turnID).With("content_len", len(req.Content))
	log.Info("service message start")
	s.emitThreadState(accepted)

	result, err := handle.Send(ctx, Command{
		Type:           CommandSendMessage,
		ThreadID:       t.ID,
		RemoteThreadID: remote,
		TurnID:         turnID,
		Content:        req.Content,
		Attachments:    req.Attachments,
	})
	if err != nil {
		s.mu.Lock()
		if t.PendingTurn == turnID {
			t.State = schema.ThreadIdle
			t.PendingTurn = ""
			t.LastError = err.Error()
		}
		event := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
		s.mu.Unlock()
		s.emitThreadState(event)
		log.Error("service message failed", "err", err)
		return schema.SendMessageResponse{}, err
	}
	if result.TurnID != "" && result.TurnID != turnID {
		s.mu.Lock()
		if t.PendingTurn == turnID {
			t.PendingTurn = result.TurnID
		}
		turnID = result.TurnID
		s.mu.Unlock()
	}
	log.Info("service message accepted", "turn", turnID)
	s.mu.Lock()
	snapshot := t.Snapshot()
	s.mu.Unlock()
	return schema.SendMessageResponse{Thread: snapshot, TurnID: turnID, Accepted: true}, nil
}

func (s *service) InterruptTurn(ctx context.Context, req schema.InterruptTurnRequest) (schema.InterruptTurnResponse, error) {
	s.mu.Lock()
	ws, t := s.lookupThreadLocked(req.ThreadID)
	if t == nil {
		s.mu.Unlock()
		return schema.InterruptTurnResponse{}, schema.ErrThreadNotFound
	}
	log := logx.WithWorkspaceThread(ctx, ws.ID, t.ID)
	if !t.busy() {
		snapshot := t.Snapshot()
		s.mu.Unlock()
		log.Debug("service interrupt noop")
		return schema.InterruptTurnResponse{Thread: snapshot, NoOp: true}, nil
	}
	if t.State == schema.ThreadInterrupting {
		snapshot := t.Snapshot()
		s.mu.Unlock()
		log.Debug("service interrupt already pending")
		return schema.InterruptTurnResponse{Thread: snapshot, NoOp: true}, nil
	}
	t.State = schema.ThreadInterrupting
	handle := ws.handle
	remote := t.RemoteID
	turnID := t.PendingTurn
	event := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()

	s.emitThreadState(event)
	log.Info("service interrupt start", "turn", turnID)
	if handle != nil {
		if _, err := handle.Send(ctx, Command{Type: CommandInterrupt, ThreadID: t.ID, RemoteThreadID: remote, TurnID: turnID}); err != nil {
			log.Warn("service interrupt send failed", "err", err)
		}
	}
	return schema.InterruptTurnResponse{Thread: event.Thread}, nil
}

func (s *service) RespondToApproval(ctx context.Context, req schema.RespondToApprovalRequest) (schema.RespondToApprovalResponse, error) {
	switch req.Decision {
	case schema.DecisionApprove, schema.DecisionDeny, schema.DecisionApproveForSession:
	default:
		return schema.RespondToApprovalResponse{}, schema.ErrInvalidRequest
	}
	pending, ok := s.broker.Lookup(req.RequestID)
	if !ok {
		return schema.RespondToApprovalResponse{}, schema.ErrApprovalNotFound
	}
	log := logx.WithWorkspaceThread(ctx, s.workspaceForThread(pending.ThreadID), pending.ThreadID)
	if req.Decision == schema.DecisionApproveForSession {
		s.mu.Lock()
		if ws := s.workspaces[s.threadIndex[pending.ThreadID]]; ws != nil {
			ws.sessionApproved[pending.Kind] = true
		}
		s.mu.Unlock()
	}
	resolution, err := s.broker.Resolve(req.RequestID, req.Decision)
	if err != nil {
		log.Warn("service approval respond failed", "err", err)
		return schema.RespondToApprovalResponse{}, err
	}
	log.Info("service approval resolved", "request", req.RequestID, "decision", req.Decision)
	return schema.RespondToApprovalResponse{Resolution: resolution}, nil
}

// Close disconnects all workspaces.
func (s *service) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]schema.WorkspaceID, 0, len(s.workspaces))
	for id, ws := range s.workspaces {
		if ws.State == schema.ConnectionConnected || ws.State == schema.ConnectionConnecting {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	var firstErr error
	for _, id := range ids {
		if _, err := s.DisconnectWorkspace(ctx, schema.DisconnectWorkspaceRequest{WorkspaceID: id}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// startSession starts an agent session for the workspace and launches its
// consume loop.
func (s *service) startSession(ctx context.Context, ws *workspace) error {
	if s.adapters == nil {
		return schema.ErrSessionNotReady
	}
	adapter, err := s.adapters.AdapterFor(ws.Backend)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle, err := adapter.Start(runCtx, StartRequest{
		WorkspaceID: ws.ID,
		WorkingDir:  ws.Path,
		Backend:     ws.Backend,
		Binary:      ws.Binary,
		ExtraArgs:   ws.ExtraArgs,
		Env:         ws.Env,
	})
	if err != nil {
		cancel()
		return err
	}
	s.mu.Lock()
	ws.handle = handle
	ws.cancel = cancel
	ws.gen++
	gen := ws.gen
	s.mu.Unlock()
	go s.consumeEvents(runCtx, ws, handle, gen)
	return nil
}

// consumeEvents drains the session's event stream and routes each event
// through the state machine. When the stream ends it hands the session to
// the restart supervisor.
func (s *service) consumeEvents(ctx context.Context, ws *workspace, handle AdapterHandle, gen int) {
	log := s.logger.With("workspace", ws.ID)
	log.Info("service session stream start", "gen", gen)
	stream := handle.Events()
	eventCount := 0
	var cause error
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			if err != io.EOF {
				log.Warn("service session stream error", "err", err)
				cause = err
			}
			break
		}
		eventCount++
		s.routeEvent(ws, gen, event)
	}
	result, waitErr := handle.Wait(ctx)
	if waitErr != nil {
		log.Warn("service session wait failed", "err", waitErr)
		if cause == nil {
			cause = waitErr
		}
	} else if result.ExitCode != 0 && cause == nil {
		cause = &TransportError{Kind: TransportErrorIO, Op: "session", Message: fmt.Sprintf("agent process exited with code %d", result.ExitCode)}
	}
	if err := stream.Close(); err != nil {
		log.Warn("service session stream close failed", "err", err)
	}
	if err := handle.Close(); err != nil {
		log.Warn("service session close failed", "err", err)
	}
	log.Info("service session stream finished", "gen", gen, "events", eventCount)
	s.handleSessionExit(ws, gen, cause)
}

// routeEvent applies one normalized event to the thread state machine and
// forwards it to the sink with its per-thread sequence number assigned.
func (s *service) routeEvent(ws *workspace, gen int, event schema.Event) {
	// Turn-end events resolve still-open approvals before the terminal
	// event reaches consumers.
	switch event.Type {
	case schema.EventTurnCompleted, schema.EventTurnFailed, schema.EventTurnInterrupted:
		s.broker.ResolveThread(event.ThreadID, "turn ended")
	}

	s.mu.Lock()
	if ws.gen != gen {
		s.mu.Unlock()
		return
	}
	t := ws.threads[event.ThreadID]
	if t != nil {
		event.Seq = t.nextSeq()
		if event.TurnID == "" {
			event.TurnID = t.PendingTurn
		}
	}
	var stateEvent *schema.ThreadStateEvent
	var approvalEvent *schema.ApprovalEvent
	var autoResolve *schema.ApprovalResolution
	var remote schema.ThreadID
	if t != nil {
		remote = t.RemoteID
	}
	handle := ws.handle
	switch event.Type {
	case schema.EventTurnStarted:
		if t != nil && t.State != schema.ThreadInterrupting {
			if event.TurnID != "" {
				t.PendingTurn = event.TurnID
			}
			if t.State != schema.ThreadRunning {
				t.State = schema.ThreadRunning
				stateEvent = &schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
			}
		}
	case schema.EventTurnCompleted, schema.EventTurnFailed, schema.EventTurnInterrupted:
		if t != nil {
			t.State = schema.ThreadIdle
			t.PendingTurn = ""
			if event.Type == schema.EventTurnFailed && event.Message != "" {
				t.LastError = event.Message
			}
			stateEvent = &schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
		}
	case schema.EventApprovalRequested:
		if t != nil && event.Approval != nil && !event.Approval.Implicit {
			if ws.sessionApproved[event.Approval.Kind] {
				autoResolve = &schema.ApprovalResolution{
					ID:       event.Approval.ID,
					Decision: schema.DecisionApprove,
					Auto:     true,
					Reason:   "approved for session",
				}
			} else {
				t.State = schema.ThreadAwaitingApproval
				stateEvent = &schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
				approvalEvent = &schema.ApprovalEvent{
					WorkspaceID:     ws.ID,
					Request:         *event.Approval,
					DeadlineSeconds: int(s.cfg.ApprovalDeadline / time.Second),
				}
			}
		}
	}
	s.mu.Unlock()

	// The broker must know the request before any consumer can observe it,
	// otherwise an immediate RespondToApproval hits ErrApprovalNotFound.
	if approvalEvent != nil {
		req := *event.Approval
		threadID := event.ThreadID
		s.broker.Register(req, func(res schema.ApprovalResolution) error {
			if handle == nil {
				return schema.ErrTransportDisconnected
			}
			_, err := handle.Send(context.Background(), Command{
				Type:           CommandResolveApproval,
				ThreadID:       threadID,
				RemoteThreadID: remote,
				Resolution:     &res,
			})
			return err
		})
	}
	s.emitThreadEvent(ws.ID, event)
	if stateEvent != nil {
		s.emitThreadState(*stateEvent)
	}
	if approvalEvent != nil && s.sink != nil {
		s.sink.OnApproval(*approvalEvent)
	}
	if autoResolve != nil {
		res := *autoResolve
		if handle != nil {
			if _, err := handle.Send(context.Background(), Command{
				Type:           CommandResolveApproval,
				ThreadID:       event.ThreadID,
				RemoteThreadID: remote,
				Resolution:     &res,
			}); err != nil {
				s.logger.Warn("service session-approval delivery failed", "workspace", ws.ID, "request", res.ID, "err", err)
			}
		}
		s.emitResolutionEvent(ws.ID, event.ThreadID, *event.Approval, res)
	}
}

// approvalResolved is the broker's resolution callback. It appends an
// approval.resolved event to the owning thread and returns the thread to
// running when nothing else is pending.
func (s *service) approvalResolved(req schema.ApprovalRequest, res schema.ApprovalResolution) {
	s.mu.Lock()
	wsID := s.threadIndex[req.ThreadID]
	ws := s.workspaces[wsID]
	var stateEvent *schema.ThreadStateEvent
	if ws != nil {
		if t := ws.threads[req.ThreadID]; t != nil {
			if t.State == schema.ThreadAwaitingApproval && s.broker.PendingFor(req.ThreadID) == 0 {
				t.State = schema.ThreadRunning
				stateEvent = &schema.ThreadStateEvent{WorkspaceID: wsID, Thread: t.Snapshot()}
			}
		}
	}
	s.mu.Unlock()
	if wsID != "" {
		s.emitResolutionEvent(wsID, req.ThreadID, req, res)
	}
	if stateEvent != nil {
		s.emitThreadState(*stateEvent)
	}
}

func (s *service) emitResolutionEvent(wsID schema.WorkspaceID, threadID schema.ThreadID, req schema.ApprovalRequest, res schema.ApprovalResolution) {
	s.mu.Lock()
	var seq uint64
	var turnID schema.TurnID
	if ws := s.workspaces[wsID]; ws != nil {
		if t := ws.threads[threadID]; t != nil {
			seq = t.nextSeq()
			turnID = req.TurnID
			if turnID == "" {
				turnID = t.PendingTurn
			}
		}
	}
	s.mu.Unlock()
	s.emitThreadEvent(wsID, schema.Event{
		Type:       schema.EventApprovalResolved,
		ThreadID:   threadID,
		TurnID:     turnID,
		Seq:        seq,
		Approval:   &req,
		Resolution: &res,
	})
}

// handleSessionExit fails in-flight turns and either restarts the session
// within the budget or marks the workspace terminated.
func (s *service) handleSessionExit(ws *workspace, gen int, cause error) {
	s.mu.Lock()
	if ws.gen != gen || ws.closing {
		s.mu.Unlock()
		return
	}
	if ws.cancel != nil {
		ws.cancel()
	}
	ws.handle = nil
	ws.cancel = nil
	ws.State = schema.ConnectionConnecting
	ws.Health = schema.SessionDegraded
	if cause != nil {
		ws.LastError = cause.Error()
	}
	var busy []*thread
	for _, id := range ws.order {
		if t := ws.threads[id]; t != nil && t.busy() {
			busy = append(busy, t)
		}
	}
	snapshot := ws.Snapshot()
	s.mu.Unlock()

	log := s.logger.With("workspace", ws.ID)
	if cause != nil {
		log.Warn("service session exited", "gen", gen, "err", cause)
	} else {
		log.Warn("service session exited", "gen", gen)
	}
	s.emitHealth(snapshot, snapshot.LastError)
	for _, t := range busy {
		s.broker.ResolveThread(t.ID, "session exited")
		s.failTurn(ws, t, "agent session exited")
	}
	s.superviseRestart(ws, cause)
}

// failTurn emits a synthetic turn.failed event for a thread whose session
// died mid-turn and returns the thread to idle.
func (s *service) failTurn(ws *workspace, t *thread, message string) {
	s.mu.Lock()
	if !t.busy() {
		s.mu.Unlock()
		return
	}
	turnID := t.PendingTurn
	t.State = schema.ThreadIdle
	t.PendingTurn = ""
	t.LastError = message
	event := schema.Event{
		Type:     schema.EventTurnFailed,
		ThreadID: t.ID,
		TurnID:   turnID,
		Seq:      t.nextSeq(),
		Message:  message,
	}
	stateEvent := schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()}
	s.mu.Unlock()
	s.emitThreadEvent(ws.ID, event)
	s.emitThreadState(stateEvent)
}

// superviseRestart retries the session with exponential backoff until it
// comes back or the restart budget is spent. Budget exhaustion terminates
// the workspace exactly once.
func (s *service) superviseRestart(ws *workspace, cause error) {
	log := s.logger.With("workspace", ws.ID)
	for {
		s.mu.Lock()
		if ws.closing {
			s.mu.Unlock()
			return
		}
		if ws.restarts >= s.cfg.RestartAttempts {
			ws.State = schema.ConnectionError
			ws.Health = schema.SessionTerminated
			if cause != nil {
				ws.LastError = cause.Error()
			}
			var stateEvents []schema.ThreadStateEvent
			for _, id := range ws.order {
				t := ws.threads[id]
				if t == nil || t.Archived {
					continue
				}
				t.State = schema.ThreadErrored
				t.LastError = "agent session terminated"
				stateEvents = append(stateEvents, schema.ThreadStateEvent{WorkspaceID: ws.ID, Thread: t.Snapshot()})
			}
			snapshot := ws.Snapshot()
			s.mu.Unlock()
			log.Error("service session terminated", "restarts", s.cfg.RestartAttempts, "err", cause)
			for _, event := range stateEvents {
				s.emitThreadState(event)
			}
			s.emitHealth(snapshot, "restart budget exhausted")
			return
		}
		ws.restarts++
		attempt := ws.restarts
		s.mu.Unlock()

		backoff := s.cfg.RestartBackoff << (attempt - 1)
		log.Info("service session restart", "attempt", attempt, "backoff_ms", backoff.Milliseconds())
		restartSleep(backoff)

		if err := s.startSession(context.Background(), ws); err != nil {
			log.Warn("service session restart failed", "attempt", attempt, "err", err)
			cause = err
			continue
		}
		s.mu.Lock()
		ws.State = schema.ConnectionConnected
		ws.Health = schema.SessionReady
		ws.LastError = ""
		snapshot := ws.Snapshot()
		s.mu.Unlock()
		log.Info("service session restarted", "attempt", attempt)
		s.emitHealth(snapshot, "")
		return
	}
}

// restoreThreads loads persisted thread metadata for a workspace. Restored
// threads always start idle; live turn state never survives a restart.
func (s *service) restoreThreads(log pslog.Logger, ws *workspace) {
	if s.store == nil {
		return
	}
	record, ok, err := s.store.Load(ws.ID)
	if err != nil || !ok {
		if err != nil {
			log.Warn("service thread restore failed", "err", err)
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ws.threads) > 0 {
		// Reconnect path: in-memory state wins.
		return
	}
	byID := make(map[schema.ThreadID]persist.ThreadRecord, len(record.Threads))
	for _, rec := range record.Threads {
		byID[rec.ID] = rec
	}
	for _, id := range record.Order {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		state := schema.ThreadIdle
		if rec.Archived {
			state = schema.ThreadArchived
		}
		t := &thread{
			ID:          rec.ID,
			WorkspaceID: ws.ID,
			Name:        rec.Name,
			State:       state,
			Pinned:      rec.Pinned,
			Archived:    rec.Archived,
			ForkOf:      rec.ForkOf,
			RemoteID:    rec.RemoteID,
		}
		ws.threads[t.ID] = t
		ws.order = append(ws.order, t.ID)
		s.threadIndex[t.ID] = ws.ID
	}
	log.Debug("service threads restored", "threads", len(ws.order))
}

func (s *service) persistWorkspace(log pslog.Logger, workspaceID schema.WorkspaceID) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	ws := s.workspaces[workspaceID]
	if ws == nil {
		s.mu.Unlock()
		return
	}
	record := persist.WorkspaceRecord{
		Backend: ws.Backend,
		Path:    ws.Path,
		Order:   append([]schema.ThreadID(nil), ws.order...),
	}
	for _, id := range ws.order {
		t := ws.threads[id]
		if t == nil {
			continue
		}
		record.Threads = append(record.Threads, persist.ThreadRecord{
			ID:       t.ID,
			Name:     t.Name,
			Pinned:   t.Pinned,
			Archived: t.Archived,
			ForkOf:   t.ForkOf,
			RemoteID: t.RemoteID,
		})
	}
	s.mu.Unlock()
	if err := s.store.Save(workspaceID, record); err != nil {
		log.Warn("service state save failed", "err", err)
	}
}

func (s *service) lookupThreadLocked(threadID schema.ThreadID) (*workspace, *thread) {
	wsID, ok := s.threadIndex[threadID]
	if !ok {
		return nil, nil
	}
	ws := s.workspaces[wsID]
	if ws == nil {
		return nil, nil
	}
	return ws, ws.threads[threadID]
}

func (s *service) workspaceForThread(threadID schema.ThreadID) schema.WorkspaceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadIndex[threadID]
}

func (s *service) threadIDsFor(workspaceID schema.WorkspaceID) []schema.ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.workspaces[workspaceID]
	if ws == nil {
		return nil
	}
	ids := make([]schema.ThreadID, 0, len(ws.order))
	for _, id := range ws.order {
		ids = append(ids, id)
	}
	return ids
}

func (s *service) threadSnapshotsLocked(ws *workspace, includeArchived bool) []schema.ThreadSnapshot {
	snapshots := make([]schema.ThreadSnapshot, 0, len(ws.order))
	for _, id := range ws.order {
		t := ws.threads[id]
		if t == nil {
			continue
		}
		if t.Archived && !includeArchived {
			continue
		}
		snapshots = append(snapshots, t.Snapshot())
	}
	return snapshots
}

func (w *workspace) liveHandleLocked() (AdapterHandle, error) {
	switch w.State {
	case schema.ConnectionConnected:
	case schema.ConnectionError:
		return nil, schema.ErrSessionTerminated
	default:
		return nil, schema.ErrSessionNotReady
	}
	if w.handle == nil {
		return nil, schema.ErrSessionNotReady
	}
	return w.handle, nil
}

func (s *service) emitThreadEvent(workspaceID schema.WorkspaceID, event schema.Event) {
	if s.sink == nil {
		return
	}
	s.sink.OnThreadEvent(schema.ThreadEvent{WorkspaceID: workspaceID, ThreadID: event.ThreadID, Event: event})
}

func (s *service) emitThreadState(event schema.ThreadStateEvent) {
	if s.sink == nil {
		return
	}
	s.sink.OnThreadState(event)
}

func (s *service) emitHealth(ws schema.WorkspaceSnapshot, cause string) {
	if s.sink == nil {
		return
	}
	s.sink.OnSessionHealth(schema.SessionHealthEvent{
		WorkspaceID: ws.ID,
		State:       ws.State,
		Health:      ws.Health,
		Cause:       cause,
	})
}

package duplex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/agentmux/core"
	"pkt.systems/agentmux/internal/binpath"
	"pkt.systems/agentmux/internal/version"
	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// Config controls how duplex agent sessions are spawned.
type Config struct {
	// InitTimeout bounds the initialize exchange after spawning.
	InitTimeout time.Duration
	// ShutdownGrace is how long Close waits after the graceful stop
	// signal before killing the process group.
	ShutdownGrace time.Duration
	// LogRawEvents logs every inbound protocol line at trace level.
	LogRawEvents bool
}

const (
	defaultInitTimeout   = 15 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

// Adapter implements core.Adapter over the JSON-lines duplex protocol.
type Adapter struct {
	cfg Config
}

// NewAdapter constructs a duplex adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	return &Adapter{cfg: cfg}
}

// Start spawns the agent process, performs the initialize exchange and
// returns a live session handle.
func (a *Adapter) Start(ctx context.Context, req core.StartRequest) (core.AdapterHandle, error) {
	log := pslog.Ctx(ctx)

	binary, err := binpath.Resolve(req.Backend, req.Binary)
	if err != nil {
		return nil, core.NewTransportError(core.TransportErrorSpawn, "resolve", err)
	}
	args := append(baseArgs(req.Backend), req.ExtraArgs...)

	cmd := exec.Command(binary, args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = binpath.Environ(req.Backend, req.Binary)
	for key, value := range req.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, core.NewTransportError(core.TransportErrorSpawn, "stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, core.NewTransportError(core.TransportErrorSpawn, "stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, core.NewTransportError(core.TransportErrorSpawn, "stderr", err)
	}

	if log != nil {
		log.Info("duplex session start", "backend", req.Backend, "binary", binary, "workdir", req.WorkingDir, "args", args)
	}
	if err := cmd.Start(); err != nil {
		return nil, core.NewTransportError(core.TransportErrorSpawn, "start", err)
	}

	h := &handle{
		backend:    req.Backend,
		workingDir: req.WorkingDir,
		cmd:        cmd,
		grace:      a.cfg.ShutdownGrace,
		logRaw:     a.cfg.LogRawEvents,
		log:        log,
		events:     make(chan schema.Event, 256),
		local:      make(map[schema.ThreadID]schema.ThreadID),
		approvals:  make(map[schema.RequestID]uint64),
		waitDone:   make(chan struct{}),
	}
	h.peer = newPeer(stdin, stdout, peerHooks{
		onNotification: h.handleNotification,
		onRequest:      h.handleRequest,
		onDecodeError:  h.handleDecodeError,
	}, log)

	h.wg.Add(1)
	go h.readStderr(stderr)
	go h.reap()
	go func() {
		<-h.peer.Done()
		h.wg.Wait()
		close(h.events)
	}()

	if err := h.initialize(ctx, a.cfg.InitTimeout); err != nil {
		h.abortStart()
		return nil, err
	}
	if log != nil && cmd.Process != nil {
		log.Info("duplex session ready", "backend", req.Backend, "pid", cmd.Process.Pid)
	}
	return h, nil
}

// baseArgs puts the agent CLI into its long-lived protocol mode.
func baseArgs(kind schema.BackendKind) []string {
	switch kind {
	case schema.BackendCodex:
		return []string{"app-server"}
	case schema.BackendGemini:
		return []string{"sandbox"}
	default:
		return nil
	}
}

type handle struct {
	backend    schema.BackendKind
	workingDir string
	cmd        *exec.Cmd
	peer       *peer
	grace      time.Duration
	logRaw     bool
	log        pslog.Logger

	events chan schema.Event
	wg     sync.WaitGroup

	mu        sync.Mutex
	local     map[schema.ThreadID]schema.ThreadID
	approvals map[schema.RequestID]uint64
	closing   bool

	waitDone chan struct{}
	waitCode int
}

func (h *handle) initialize(ctx context.Context, timeout time.Duration) error {
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	params := map[string]any{
		"clientInfo": map[string]string{
			"name":    "agentmux",
			"title":   "agentmux",
			"version": version.Current(),
		},
	}
	if _, err := h.peer.Call(initCtx, "initialize", params); err != nil {
		if initCtx.Err() != nil {
			return &core.TransportError{
				Kind:    core.TransportErrorTimeout,
				Op:      "initialize",
				Message: fmt.Sprintf("agent did not answer initialize within %s", timeout),
				Err:     err,
			}
		}
		return core.NewTransportError(core.TransportErrorHandshake, "initialize", err)
	}
	return h.peer.Notify("initialized", nil)
}

func (h *handle) Send(ctx context.Context, cmd core.Command) (core.CommandResult, error) {
	switch cmd.Type {
	case core.CommandStartThread:
		return h.startThread(ctx, cmd)
	case core.CommandResumeThread:
		return h.resumeThread(ctx, cmd)
	case core.CommandForkThread:
		return h.forkThread(ctx, cmd)
	case core.CommandSendMessage:
		return h.sendMessage(ctx, cmd)
	case core.CommandInterrupt:
		_, err := h.peer.Call(ctx, "turn/interrupt", map[string]any{
			"threadId": cmd.RemoteThreadID,
			"turnId":   cmd.TurnID,
		})
		return core.CommandResult{}, err
	case core.CommandResolveApproval:
		return core.CommandResult{}, h.resolveApproval(cmd)
	default:
		return core.CommandResult{}, schema.ErrInvalidRequest
	}
}

func (h *handle) startThread(ctx context.Context, cmd core.Command) (core.CommandResult, error) {
	result, err := h.peer.Call(ctx, "thread/start", map[string]any{"cwd": h.workingDir})
	if err != nil {
		return core.CommandResult{}, err
	}
	remote := threadResult(result)
	if remote == "" {
		return core.CommandResult{}, &core.TransportError{
			Kind:    core.TransportErrorProtocol,
			Op:      "thread/start",
			Message: "thread/start response carries no thread id",
		}
	}
	h.mapThread(remote, cmd.ThreadID)
	return core.CommandResult{RemoteThreadID: remote}, nil
}

func (h *handle) resumeThread(ctx context.Context, cmd core.Command) (core.CommandResult, error) {
	result, err := h.peer.Call(ctx, "thread/resume", map[string]any{"threadId": cmd.RemoteThreadID})
	if err != nil {
		return core.CommandResult{}, err
	}
	remote := threadResult(result)
	if remote == "" {
		remote = cmd.RemoteThreadID
	}
	h.mapThread(remote, cmd.ThreadID)
	return core.CommandResult{RemoteThreadID: remote}, nil
}

func (h *handle) forkThread(ctx context.Context, cmd core.Command) (core.CommandResult, error) {
	result, err := h.peer.Call(ctx, "thread/fork", map[string]any{"threadId": cmd.RemoteThreadID})
	if err != nil {
		return core.CommandResult{}, err
	}
	remote := threadResult(result)
	if remote == "" {
		return core.CommandResult{}, &core.TransportError{
			Kind:    core.TransportErrorProtocol,
			Op:      "thread/fork",
			Message: "thread/fork response carries no thread id",
		}
	}
	h.mapThread(remote, cmd.ThreadID)
	return core.CommandResult{RemoteThreadID: remote}, nil
}

func (h *handle) sendMessage(ctx context.Context, cmd core.Command) (core.CommandResult, error) {
	if cmd.RemoteThreadID == "" {
		return core.CommandResult{}, &core.TransportError{
			Kind:    core.TransportErrorProtocol,
			Op:      "turn/start",
			Message: "thread has no backend conversation",
		}
	}
	input := []map[string]string{{"type": "text", "text": cmd.Content}}
	for _, path := range cmd.Attachments {
		input = append(input, map[string]string{"type": "localFile", "path": path})
	}
	result, err := h.peer.Call(ctx, "turn/start", map[string]any{
		"threadId": cmd.RemoteThreadID,
		"input":    input,
		"cwd":      h.workingDir,
	})
	if err != nil {
		return core.CommandResult{}, err
	}
	var turn struct {
		TurnID string `json:"turnId"`
	}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &turn)
	}
	return core.CommandResult{TurnID: schema.TurnID(turn.TurnID)}, nil
}

func (h *handle) resolveApproval(cmd core.Command) error {
	if cmd.Resolution == nil {
		return schema.ErrInvalidRequest
	}
	h.mu.Lock()
	wireID, ok := h.approvals[cmd.Resolution.ID]
	if ok {
		delete(h.approvals, cmd.Resolution.ID)
	}
	h.mu.Unlock()
	if !ok {
		return schema.ErrApprovalNotFound
	}
	return h.peer.Respond(wireID, map[string]string{"decision": wireDecision(cmd.Resolution.Decision)})
}

func (h *handle) Events() core.EventStream {
	return &stream{events: h.events}
}

func (h *handle) Wait(ctx context.Context) (core.ExitResult, error) {
	select {
	case <-ctx.Done():
		return core.ExitResult{}, ctx.Err()
	case <-h.waitDone:
		return core.ExitResult{ExitCode: h.waitCode}, nil
	}
}

// Close stops the session: graceful stop signal to the process group,
// then a kill after the grace period. Safe to call more than once.
func (h *handle) Close() error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	h.mu.Unlock()

	h.killGroup(unix.SIGTERM)
	select {
	case <-h.waitDone:
	case <-time.After(h.grace):
		if h.log != nil {
			h.log.Warn("duplex session did not stop in time, killing", "backend", h.backend)
		}
		h.killGroup(unix.SIGKILL)
		<-h.waitDone
	}
	return nil
}

// abortStart tears down a session whose handshake failed. Nothing consumes
// the event channel yet, so it is drained until the closer goroutine shuts
// it, otherwise the stderr reader could block forever on a full channel.
func (h *handle) abortStart() {
	h.killGroup(unix.SIGKILL)
	go func() {
		for range h.events {
		}
	}()
	<-h.waitDone
}

func (h *handle) killGroup(sig unix.Signal) {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	if err := unix.Kill(-h.cmd.Process.Pid, sig); err != nil {
		_ = h.cmd.Process.Signal(sig)
	}
}

func (h *handle) reap() {
	err := h.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			h.waitCode = exitErr.ExitCode()
		} else if h.log != nil {
			h.log.Warn("duplex session wait failed", "err", err)
		}
	}
	close(h.waitDone)
}

func (h *handle) mapThread(remote, local schema.ThreadID) {
	h.mu.Lock()
	h.local[remote] = local
	h.mu.Unlock()
}

func (h *handle) localFor(remote schema.ThreadID) schema.ThreadID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.local[remote]
}

func (h *handle) handleNotification(method string, params json.RawMessage) {
	if h.logRaw && h.log != nil {
		h.log.Trace("duplex notification", "method", method, "params_len", len(params))
	}
	event, ok := normalizeNotification(method, params)
	if !ok {
		if h.log != nil {
			h.log.Debug("duplex notification ignored", "method", method)
		}
		return
	}
	local := h.localFor(remoteThreadID(params))
	if local == "" && event.Type != schema.EventError {
		if h.log != nil {
			h.log.Debug("duplex notification for unknown thread", "method", method)
		}
		return
	}
	event.ThreadID = local
	h.events <- event
}

func (h *handle) handleRequest(id uint64, method string, params json.RawMessage) {
	approval, ok := normalizeApprovalRequest(method, params)
	if !ok {
		if h.log != nil {
			h.log.Warn("duplex unsupported peer request", "method", method, "id", id)
		}
		_ = h.peer.Respond(id, struct{}{})
		return
	}
	local := h.localFor(remoteThreadID(params))
	if local == "" {
		if h.log != nil {
			h.log.Warn("duplex approval for unknown thread denied", "method", method)
		}
		_ = h.peer.Respond(id, map[string]string{"decision": "denied"})
		return
	}
	requestID := schema.RequestID(fmt.Sprintf("apr-%d", id))
	h.mu.Lock()
	h.approvals[requestID] = id
	h.mu.Unlock()
	approval.ID = requestID
	approval.ThreadID = local
	h.events <- schema.Event{
		Type:     schema.EventApprovalRequested,
		ThreadID: local,
		TurnID:   approval.TurnID,
		Approval: &approval,
		Raw:      params,
	}
}

func (h *handle) handleDecodeError(line []byte, err error) {
	if h.log != nil {
		preview := line
		if len(preview) > 200 {
			preview = preview[:200]
		}
		h.log.Warn("duplex line decode failed", "preview", string(preview), "err", err)
	}
	h.events <- schema.Event{Type: schema.EventError, Message: string(line)}
}

func (h *handle) readStderr(r io.Reader) {
	defer h.wg.Done()
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if h.log != nil {
			h.log.Trace("duplex stderr", "text_len", len(text))
		}
		h.events <- schema.Event{Type: schema.EventStderr, Message: text}
	}
}

type stream struct {
	events <-chan schema.Event
}

func (s *stream) Next(ctx context.Context) (schema.Event, error) {
	select {
	case <-ctx.Done():
		return schema.Event{}, ctx.Err()
	case event, ok := <-s.events:
		if !ok {
			return schema.Event{}, io.EOF
		}
		return event, nil
	}
}

func (s *stream) Close() error {
	return nil
}

package shim

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"pkt.systems/agentmux/core"
	"pkt.systems/agentmux/internal/approval"
	"pkt.systems/agentmux/internal/binpath"
	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// Config controls the terminal shim.
type Config struct {
	// StateDir is where backend session ids are persisted.
	StateDir string
	// Policy decides implicit approval prompts. Nil means the default
	// policy.
	Policy approval.Policy
	// ShutdownGrace is how long Close waits after the graceful stop
	// signal before killing an active turn process.
	ShutdownGrace time.Duration
	// LogRawEvents logs every recognized event at trace level.
	LogRawEvents bool
}

const defaultShutdownGrace = 5 * time.Second

// Adapter drives compat-tier agent CLIs through a pseudo-terminal. There is
// no long-lived agent process: each turn spawns the CLI in print mode and
// the recognizer reconstructs structured events from its terminal output.
type Adapter struct {
	cfg Config
}

// NewAdapter constructs a shim adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.Policy == nil {
		cfg.Policy = approval.DefaultPolicy()
	}
	return &Adapter{cfg: cfg}
}

// Start verifies the agent binary and returns a session handle. The spawn
// check happens here so a missing binary fails the connect attempt, not the
// first message.
func (a *Adapter) Start(ctx context.Context, req core.StartRequest) (core.AdapterHandle, error) {
	log := pslog.Ctx(ctx)
	binary, err := binpath.Resolve(req.Backend, req.Binary)
	if err != nil {
		return nil, core.NewTransportError(core.TransportErrorSpawn, "resolve", err)
	}
	h := &handle{
		backend:    req.Backend,
		workingDir: req.WorkingDir,
		binary:     binary,
		extraArgs:  req.ExtraArgs,
		env:        req.Env,
		prof:       profileFor(req.Backend),
		policy:     a.cfg.Policy,
		grace:      a.cfg.ShutdownGrace,
		logRaw:     a.cfg.LogRawEvents,
		log:        log,
		store:      openSessionStore(a.cfg.StateDir, req.WorkspaceID),
		events:     make(chan schema.Event, 256),
		known:      make(map[schema.ThreadID]bool),
		closedCh:   make(chan struct{}),
	}
	if log != nil {
		log.Info("shim session ready", "backend", req.Backend, "binary", binary, "workdir", req.WorkingDir)
	}
	return h, nil
}

type handle struct {
	backend    schema.BackendKind
	workingDir string
	binary     string
	extraArgs  []string
	env        map[string]string
	prof       profile
	policy     approval.Policy
	grace      time.Duration
	logRaw     bool
	log        pslog.Logger
	store      *sessionStore
	events     chan schema.Event

	mu       sync.Mutex
	known    map[schema.ThreadID]bool
	active   *turnProc
	closing  bool
	closedCh chan struct{}
}

// turnProc is one in-flight turn: a CLI process on a pty.
type turnProc struct {
	threadID    schema.ThreadID
	turnID      schema.TurnID
	remoteID    schema.ThreadID
	cmd         *exec.Cmd
	ptmx        *os.File
	interrupted atomic.Bool
	done        chan struct{}
}

func (h *handle) Send(ctx context.Context, cmd core.Command) (core.CommandResult, error) {
	switch cmd.Type {
	case core.CommandStartThread:
		return h.startThread()
	case core.CommandResumeThread:
		return h.resumeThread(cmd)
	case core.CommandForkThread:
		return h.forkThread(cmd)
	case core.CommandSendMessage:
		return h.startTurn(cmd)
	case core.CommandInterrupt:
		h.interrupt(cmd.ThreadID)
		return core.CommandResult{}, nil
	case core.CommandResolveApproval:
		// Shim approvals are implicit and resolve themselves.
		return core.CommandResult{}, schema.ErrApprovalNotFound
	default:
		return core.CommandResult{}, schema.ErrInvalidRequest
	}
}

func (h *handle) startThread() (core.CommandResult, error) {
	remote := schema.ThreadID("conv-" + uuid.NewString())
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return core.CommandResult{}, schema.ErrTransportDisconnected
	}
	h.known[remote] = true
	return core.CommandResult{RemoteThreadID: remote}, nil
}

func (h *handle) resumeThread(cmd core.Command) (core.CommandResult, error) {
	remote := cmd.RemoteThreadID
	if remote == "" {
		remote = schema.ThreadID("conv-" + uuid.NewString())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return core.CommandResult{}, schema.ErrTransportDisconnected
	}
	h.known[remote] = true
	return core.CommandResult{RemoteThreadID: remote}, nil
}

func (h *handle) forkThread(cmd core.Command) (core.CommandResult, error) {
	if cmd.RemoteThreadID == "" {
		return core.CommandResult{}, &core.TransportError{
			Kind:    core.TransportErrorProtocol,
			Op:      "fork",
			Message: "source thread has no conversation to fork",
		}
	}
	remote := schema.ThreadID("conv-" + uuid.NewString())
	if err := h.store.Copy(cmd.RemoteThreadID, remote); err != nil && h.log != nil {
		h.log.Warn("shim fork session copy failed", "err", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return core.CommandResult{}, schema.ErrTransportDisconnected
	}
	h.known[remote] = true
	return core.CommandResult{RemoteThreadID: remote}, nil
}

// startTurn spawns the CLI for one turn. The shim serves a single turn at a
// time: a still-running turn on another thread is torn down first and
// surfaced as interrupted.
func (h *handle) startTurn(cmd core.Command) (core.CommandResult, error) {
	if cmd.RemoteThreadID == "" {
		return core.CommandResult{}, &core.TransportError{
			Kind:    core.TransportErrorProtocol,
			Op:      "turn",
			Message: "thread has no conversation",
		}
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return core.CommandResult{}, schema.ErrTransportDisconnected
	}
	prev := h.active
	h.mu.Unlock()
	if prev != nil {
		prev.interrupted.Store(true)
		h.killTurn(prev, unix.SIGKILL)
		<-prev.done
	}

	sessionID := h.store.Get(cmd.RemoteThreadID)
	prompt := buildPrompt(cmd.Content, cmd.Attachments)
	args := h.prof.turnArgs(h.prof, sessionID, prompt, h.extraArgs)

	proc := exec.Command(h.binary, args...)
	proc.Dir = h.workingDir
	proc.Env = binpath.Environ(h.backend, h.binary)
	for key, value := range h.env {
		proc.Env = append(proc.Env, key+"="+value)
	}
	ptmx, err := pty.Start(proc)
	if err != nil {
		return core.CommandResult{}, core.NewTransportError(core.TransportErrorSpawn, "turn", err)
	}

	t := &turnProc{
		threadID: cmd.ThreadID,
		turnID:   cmd.TurnID,
		remoteID: cmd.RemoteThreadID,
		cmd:      proc,
		ptmx:     ptmx,
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		h.killTurn(t, unix.SIGKILL)
		_ = proc.Wait()
		_ = ptmx.Close()
		return core.CommandResult{}, schema.ErrTransportDisconnected
	}
	h.active = t
	h.mu.Unlock()
	if h.log != nil {
		h.log.Info("shim turn start", "backend", h.backend, "pid", proc.Process.Pid, "resume", sessionID != "")
	}
	go h.runTurn(t)
	return core.CommandResult{TurnID: cmd.TurnID}, nil
}

func (h *handle) runTurn(t *turnProc) {
	rec := newRecognizer(t.threadID, t.turnID, h.prof.streamJSON)
	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			h.dispatch(t, rec.Feed(buf[:n]))
		}
		if err != nil {
			// The pty read fails with EIO once the child exits.
			break
		}
	}
	exitCode := 0
	if err := t.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	h.dispatch(t, rec.Flush())

	if sid := rec.SessionID(); sid != "" {
		if err := h.store.Set(t.remoteID, sid); err != nil && h.log != nil {
			h.log.Warn("shim session id persist failed", "err", err)
		}
	}

	if !rec.SawTerminal() {
		switch {
		case t.interrupted.Load():
			h.dispatch(t, []schema.Event{{Type: schema.EventTurnInterrupted, ThreadID: t.threadID, TurnID: t.turnID}})
		case exitCode != 0:
			h.dispatch(t, []schema.Event{{
				Type:     schema.EventTurnFailed,
				ThreadID: t.threadID,
				TurnID:   t.turnID,
				Message:  fmt.Sprintf("agent exited with code %d", exitCode),
			}})
		default:
			// Print mode ended without a result line; the turn still ran.
			h.dispatch(t, []schema.Event{{Type: schema.EventTurnCompleted, ThreadID: t.threadID, TurnID: t.turnID}})
		}
	} else if t.interrupted.Load() {
		h.dispatch(t, []schema.Event{{Type: schema.EventTurnInterrupted, ThreadID: t.threadID, TurnID: t.turnID}})
	}

	_ = t.ptmx.Close()
	h.mu.Lock()
	if h.active == t {
		h.active = nil
	}
	h.mu.Unlock()
	close(t.done)
}

// dispatch forwards recognized events, answering implicit approval prompts
// per policy so the turn never blocks on terminal input.
func (h *handle) dispatch(t *turnProc, events []schema.Event) {
	for _, event := range events {
		if event.ThreadID == "" {
			event.ThreadID = t.threadID
		}
		if event.TurnID == "" {
			event.TurnID = t.turnID
		}
		if h.logRaw && h.log != nil {
			h.log.Trace("shim event", "type", event.Type, "thread", event.ThreadID)
		}
		h.events <- event
		if event.Type == schema.EventApprovalRequested && event.Approval != nil && event.Approval.Implicit {
			decision := h.policy.Decision(event.Approval.Kind)
			answer := h.prof.approveAnswer
			reason := "auto-approved by policy"
			if decision == schema.DecisionDeny {
				answer = h.prof.denyAnswer
				reason = "denied by policy"
			}
			if _, err := io.WriteString(t.ptmx, answer); err != nil && h.log != nil {
				h.log.Warn("shim approval answer failed", "err", err)
			}
			h.events <- schema.Event{
				Type:     schema.EventApprovalResolved,
				ThreadID: t.threadID,
				TurnID:   t.turnID,
				Approval: event.Approval,
				Resolution: &schema.ApprovalResolution{
					ID:       event.Approval.ID,
					Decision: decision,
					Auto:     true,
					Reason:   reason,
				},
			}
		}
	}
}

// interrupt tears down the thread's active turn; the turn surfaces as
// interrupted once the process is gone. No active turn means nothing to do.
func (h *handle) interrupt(threadID schema.ThreadID) {
	h.mu.Lock()
	t := h.active
	h.mu.Unlock()
	if t == nil || t.threadID != threadID {
		return
	}
	t.interrupted.Store(true)
	h.killTurn(t, unix.SIGKILL)
}

func (h *handle) killTurn(t *turnProc, sig unix.Signal) {
	if t.cmd == nil || t.cmd.Process == nil {
		return
	}
	// pty.Start makes the child a session leader, so the negative pid
	// reaches the whole tree.
	if err := unix.Kill(-t.cmd.Process.Pid, sig); err != nil {
		_ = t.cmd.Process.Signal(sig)
	}
}

func (h *handle) Events() core.EventStream {
	return &stream{events: h.events}
}

// Wait blocks until the session is closed. Turn processes come and go; the
// shim session itself only ends on Close.
func (h *handle) Wait(ctx context.Context) (core.ExitResult, error) {
	select {
	case <-ctx.Done():
		return core.ExitResult{}, ctx.Err()
	case <-h.closedCh:
		return core.ExitResult{}, nil
	}
}

func (h *handle) Close() error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	t := h.active
	h.mu.Unlock()

	if t != nil {
		t.interrupted.Store(true)
		h.killTurn(t, unix.SIGTERM)
		select {
		case <-t.done:
		case <-time.After(h.grace):
			h.killTurn(t, unix.SIGKILL)
			<-t.done
		}
	}
	close(h.closedCh)
	close(h.events)
	return nil
}

func buildPrompt(content string, attachments []string) string {
	if len(attachments) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nAttached files:\n")
	for _, path := range attachments {
		b.WriteString("- ")
		b.WriteString(path)
		b.WriteString("\n")
	}
	return b.String()
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

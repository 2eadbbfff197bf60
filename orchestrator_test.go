package agentmux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/agentmux/core"
	"pkt.systems/agentmux/internal/appconfig"
	"pkt.systems/agentmux/internal/eventbus"
	"pkt.systems/agentmux/schema"
)

type stubStream struct {
	events chan schema.Event
	once   sync.Once
}

func (s *stubStream) Next(ctx context.Context) (schema.Event, error) {
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

func (s *stubStream) Close() error {
	return nil
}

type stubHandle struct {
	stream *stubStream
	done   chan struct{}
}

func newStubHandle() *stubHandle {
	return &stubHandle{
		stream: &stubStream{events: make(chan schema.Event, 64)},
		done:   make(chan struct{}),
	}
}

func (h *stubHandle) Send(_ context.Context, cmd core.Command) (core.CommandResult, error) {
	return core.CommandResult{RemoteThreadID: "remote-" + cmd.ThreadID}, nil
}

func (h *stubHandle) Events() core.EventStream {
	return h.stream
}

func (h *stubHandle) Wait(ctx context.Context) (core.ExitResult, error) {
	select {
	case <-ctx.Done():
		return core.ExitResult{}, ctx.Err()
	case <-h.done:
		return core.ExitResult{}, nil
	}
}

func (h *stubHandle) Close() error {
	h.stream.once.Do(func() {
		close(h.stream.events)
		close(h.done)
	})
	return nil
}

type stubAdapter struct {
	mu      sync.Mutex
	handles []*stubHandle
}

func (a *stubAdapter) Start(_ context.Context, _ core.StartRequest) (core.AdapterHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := newStubHandle()
	a.handles = append(a.handles, h)
	return h, nil
}

func (a *stubAdapter) handle(i int) *stubHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handles[i]
}

func newTestOrchestrator(t *testing.T, adapter *stubAdapter) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Service: schema.ServiceConfig{StateDir: t.TempDir(), RestartAttempts: 1, RestartBackoff: time.Millisecond},
		Workspaces: []appconfig.WorkspaceConfig{
			{ID: "ws-1", Path: "/tmp/project", Backend: "codex"},
		},
	}, Deps{AdapterProvider: core.StaticAdapterProvider{Adapter: adapter}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return o
}

func TestOrchestratorConnectsConfiguredWorkspaces(t *testing.T) {
	adapter := &stubAdapter{}
	o := newTestOrchestrator(t, adapter)

	resp, err := o.Service().ListWorkspaces(context.Background(), schema.ListWorkspacesRequest{})
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if len(resp.Workspaces) != 1 || resp.Workspaces[0].ID != "ws-1" {
		t.Fatalf("unexpected workspaces: %+v", resp.Workspaces)
	}
	if resp.Workspaces[0].State != schema.ConnectionConnected {
		t.Fatalf("workspace not connected: %+v", resp.Workspaces[0])
	}
}

func TestEventsReachBusSubscribers(t *testing.T) {
	adapter := &stubAdapter{}
	o := newTestOrchestrator(t, adapter)

	started, err := o.Service().StartThread(context.Background(), schema.StartThreadRequest{WorkspaceID: "ws-1"})
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	ch, cancel := o.Bus().Subscribe(started.Thread.ID)
	defer cancel()

	adapter.handle(0).stream.events <- schema.Event{
		Type:     schema.EventAgentMessageDelta,
		ThreadID: started.Thread.ID,
		Text:     "hello",
	}

	select {
	case msg := <-ch:
		if msg.Type != eventbus.MessageEvent || msg.Event.Event.Text != "hello" {
			t.Fatalf("unexpected bus message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event never reached the bus subscriber")
	}
}

func TestStopDisconnectsWorkspaces(t *testing.T) {
	adapter := &stubAdapter{}
	o := newTestOrchestrator(t, adapter)

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	resp, err := o.Service().ListWorkspaces(context.Background(), schema.ListWorkspacesRequest{})
	if err != nil {
		t.Fatalf("ListWorkspaces: %v", err)
	}
	if resp.Workspaces[0].State != schema.ConnectionDisconnected {
		t.Fatalf("workspace still connected after stop: %+v", resp.Workspaces[0])
	}
}

func TestAdapterProviderSelectsTransportByTier(t *testing.T) {
	provider := NewAdapterProvider(schema.ServiceConfig{StateDir: t.TempDir()}, false)

	full, err := provider.AdapterFor(schema.BackendCodex)
	if err != nil {
		t.Fatalf("AdapterFor(codex): %v", err)
	}
	compat, err := provider.AdapterFor(schema.BackendClaude)
	if err != nil {
		t.Fatalf("AdapterFor(claude): %v", err)
	}
	if full == compat {
		t.Fatalf("expected distinct transports per tier")
	}
	if _, err := provider.AdapterFor("unknown"); !errors.Is(err, schema.ErrBackendUnknown) {
		t.Fatalf("expected ErrBackendUnknown, got %v", err)
	}
}

func TestUsageAccumulatesFromCompletedTurns(t *testing.T) {
	adapter := &stubAdapter{}
	o := newTestOrchestrator(t, adapter)

	started, err := o.Service().StartThread(context.Background(), schema.StartThreadRequest{WorkspaceID: "ws-1"})
	if err != nil {
		t.Fatalf("StartThread: %v", err)
	}
	adapter.handle(0).stream.events <- schema.Event{
		Type:     schema.EventTurnCompleted,
		ThreadID: started.Thread.ID,
		Raw:      json.RawMessage(`{"usage":{"input_tokens":42,"output_tokens":7}}`),
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if totals := o.Usage().Thread(started.Thread.ID); totals.Turns == 1 {
			if totals.InputTokens != 42 || totals.OutputTokens != 7 {
				t.Fatalf("unexpected totals: %+v", totals)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("usage never recorded")
}

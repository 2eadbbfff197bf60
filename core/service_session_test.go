package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/agentmux/schema"
)

func stubRestartSleep(t *testing.T) {
	t.Helper()
	prev := restartSleep
	restartSleep = func(time.Duration) {}
	t.Cleanup(func() { restartSleep = prev })
}

func TestSessionRestartFailsInFlightTurn(t *testing.T) {
	stubRestartSleep(t)
	adapter := &fakeAdapter{}
	svc, sink := newTestService(t, adapter)
	wsID := connectWorkspace(t, svc, schema.BackendCodex)
	threadID := startThread(t, svc, wsID)
	resp, err := svc.SendMessage(context.Background(), schema.SendMessageRequest{ThreadID: threadID, Content: "go"})
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	adapter.handle(0).terminate(1)

	sink.waitFor(t, "turn failed", func() bool {
		for _, ev := range sink.threadEvents(threadID) {
			if ev.Type == schema.EventTurnFailed && ev.TurnID == resp.TurnID {
				return true
			}
		}
		return false
	})
	sink.waitFor(t, "session restarted", func() bool {
		return sink.healthCount(schema.SessionReady) >= 2
	})
	if adapter.startCount() != 2 {
		t.Fatalf("expected one restart, got %d sessions", adapter.startCount())
	}

	// The thread is idle again and accepts messages on the new session.
	if _, err := svc.SendMessage(context.Background(), schema.SendMessageRequest{ThreadID: threadID, Content: "again"}); err != nil {
		t.Fatalf("send after restart: %v", err)
	}
}

func TestRestartBudgetExhaustionTerminatesOnce(t *testing.T) {
	stubRestartSleep(t)
	adapter := &fakeAdapter{}
	sink := &recordSink{}
	svc, err := NewService(schema.ServiceConfig{StateDir: t.TempDir(), RestartAttempts: 2}, ServiceDeps{
		AdapterProvider: StaticAdapterProvider{Adapter: adapter},
		EventSink:       sink,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	wsID := connectWorkspace(t, svc, schema.BackendCodex)
	threadID := startThread(t, svc, wsID)

	// Kill every session the supervisor brings up.
	for i := 0; i < 3; i++ {
		sink.waitFor(t, "session up", func() bool { return adapter.startCount() == i+1 })
		adapter.handle(i).terminate(1)
	}

	sink.waitFor(t, "terminal health", func() bool {
		return sink.healthCount(schema.SessionTerminated) >= 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := sink.healthCount(schema.SessionTerminated); got != 1 {
		t.Fatalf("terminal transition must be emitted exactly once, got %d", got)
	}
	if adapter.startCount() != 3 {
		t.Fatalf("expected initial start plus 2 restarts, got %d", adapter.startCount())
	}

	// Threads are errored and further messages are rejected terminally.
	_, err = svc.SendMessage(context.Background(), schema.SendMessageRequest{ThreadID: threadID, Content: "hi"})
	if !errors.Is(err, schema.ErrSessionTerminated) {
		t.Fatalf("expected ErrSessionTerminated, got %v", err)
	}
	list, err := svc.ListThreads(context.Background(), schema.ListThreadsRequest{WorkspaceID: wsID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if list.Threads[0].State != schema.ThreadErrored {
		t.Fatalf("expected errored thread, got %s", list.Threads[0].State)
	}
}

func TestReconnectAfterTerminalFailure(t *testing.T) {
	stubRestartSleep(t)
	adapter := &fakeAdapter{}
	sink := &recordSink{}
	svc, err := NewService(schema.ServiceConfig{StateDir: t.TempDir(), RestartAttempts: 1}, ServiceDeps{
		AdapterProvider: StaticAdapterProvider{Adapter: adapter},
		EventSink:       sink,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	wsID := connectWorkspace(t, svc, schema.BackendCodex)
	for i := 0; i < 2; i++ {
		sink.waitFor(t, "session up", func() bool { return adapter.startCount() == i+1 })
		adapter.handle(i).terminate(1)
	}
	sink.waitFor(t, "terminal health", func() bool {
		return sink.healthCount(schema.SessionTerminated) >= 1
	})

	// An explicit reconnect resets the restart budget.
	resp, err := svc.ConnectWorkspace(context.Background(), schema.ConnectWorkspaceRequest{
		WorkspaceID: wsID,
		Path:        "/tmp/project",
		Backend:     schema.BackendCodex,
	})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if resp.Workspace.State != schema.ConnectionConnected {
		t.Fatalf("expected connected workspace, got %s", resp.Workspace.State)
	}
}

func TestConnectFailsWhenAdapterCannotStart(t *testing.T) {
	adapter := &fakeAdapter{startErr: errors.New("binary not found")}
	svc, _ := newTestService(t, adapter)
	_, err := svc.ConnectWorkspace(context.Background(), schema.ConnectWorkspaceRequest{
		WorkspaceID: "ws-1",
		Path:        "/tmp/project",
		Backend:     schema.BackendCodex,
	})
	if err == nil {
		t.Fatalf("expected connect failure")
	}
	list, err := svc.ListWorkspaces(context.Background(), schema.ListWorkspacesRequest{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Workspaces) != 1 || list.Workspaces[0].State != schema.ConnectionError {
		t.Fatalf("expected errored workspace snapshot, got %+v", list.Workspaces)
	}
}

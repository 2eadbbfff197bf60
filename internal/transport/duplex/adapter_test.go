package duplex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"pkt.systems/agentmux/core"
	"pkt.systems/agentmux/schema"
)

// agentSide is the fake agent process behind a handle: it reads the
// handle's outbound lines and writes protocol traffic back.
type agentSide struct {
	out *bufio.Scanner
	in  io.WriteCloser
}

func (a *agentSide) readMessage(t *testing.T) message {
	t.Helper()
	if !a.out.Scan() {
		t.Fatalf("expected an outbound line, got none: %v", a.out.Err())
	}
	var msg message
	if err := json.Unmarshal(a.out.Bytes(), &msg); err != nil {
		t.Fatalf("unmarshal outbound line: %v", err)
	}
	return msg
}

func (a *agentSide) writeLine(t *testing.T, format string, args ...any) {
	t.Helper()
	if _, err := fmt.Fprintf(a.in, format+"\n", args...); err != nil {
		t.Fatalf("write inbound line: %v", err)
	}
}

func newTestHandle(t *testing.T) (*handle, *agentSide) {
	t.Helper()
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	h := &handle{
		backend:    schema.BackendCodex,
		workingDir: "/tmp/project",
		grace:      time.Second,
		events:     make(chan schema.Event, 256),
		local:      make(map[schema.ThreadID]schema.ThreadID),
		approvals:  make(map[schema.RequestID]uint64),
		waitDone:   make(chan struct{}),
	}
	h.peer = newPeer(outW, inR, peerHooks{
		onNotification: h.handleNotification,
		onRequest:      h.handleRequest,
		onDecodeError:  h.handleDecodeError,
	}, nil)
	t.Cleanup(func() {
		_ = outW.Close()
		_ = inW.Close()
	})
	return h, &agentSide{out: bufio.NewScanner(outR), in: inW}
}

func nextEvent(t *testing.T, h *handle) schema.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	event, err := h.Events().Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return event
}

func TestStartThreadMapsRemoteConversation(t *testing.T) {
	h, agent := newTestHandle(t)

	type sendResult struct {
		result core.CommandResult
		err    error
	}
	done := make(chan sendResult, 1)
	go func() {
		result, err := h.Send(context.Background(), core.Command{Type: core.CommandStartThread, ThreadID: "local-1"})
		done <- sendResult{result: result, err: err}
	}()

	msg := agent.readMessage(t)
	if msg.Method != "thread/start" {
		t.Fatalf("unexpected method: %s", msg.Method)
	}
	var params struct {
		Cwd string `json:"cwd"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Cwd != "/tmp/project" {
		t.Fatalf("unexpected thread/start params: %s", string(msg.Params))
	}
	agent.writeLine(t, `{"id":%d,"result":{"thread":{"id":"remote-1"}}}`, *msg.ID)

	res := <-done
	if res.err != nil {
		t.Fatalf("Send: %v", res.err)
	}
	if res.result.RemoteThreadID != "remote-1" {
		t.Fatalf("unexpected remote thread id: %s", res.result.RemoteThreadID)
	}

	// Notifications for the remote conversation surface under the local id.
	agent.writeLine(t, `{"method":"turn/started","params":{"threadId":"remote-1","turnId":"turn-1"}}`)
	event := nextEvent(t, h)
	if event.Type != schema.EventTurnStarted || event.ThreadID != "local-1" || event.TurnID != "turn-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestSendMessageBuildsTurnInput(t *testing.T) {
	h, agent := newTestHandle(t)
	h.mapThread("remote-1", "local-1")

	done := make(chan core.CommandResult, 1)
	go func() {
		result, err := h.Send(context.Background(), core.Command{
			Type:           core.CommandSendMessage,
			ThreadID:       "local-1",
			RemoteThreadID: "remote-1",
			Content:        "run the tests",
			Attachments:    []string{"notes.md"},
		})
		if err != nil {
			t.Errorf("Send: %v", err)
		}
		done <- result
	}()

	msg := agent.readMessage(t)
	if msg.Method != "turn/start" {
		t.Fatalf("unexpected method: %s", msg.Method)
	}
	var params struct {
		ThreadID string `json:"threadId"`
		Input    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Path string `json:"path"`
		} `json:"input"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.ThreadID != "remote-1" || len(params.Input) != 2 {
		t.Fatalf("unexpected turn/start params: %s", string(msg.Params))
	}
	if params.Input[0].Type != "text" || params.Input[0].Text != "run the tests" {
		t.Fatalf("unexpected text input: %+v", params.Input[0])
	}
	if params.Input[1].Type != "localFile" || params.Input[1].Path != "notes.md" {
		t.Fatalf("unexpected attachment input: %+v", params.Input[1])
	}
	agent.writeLine(t, `{"id":%d,"result":{"turnId":"turn-5"}}`, *msg.ID)

	result := <-done
	if result.TurnID != "turn-5" {
		t.Fatalf("unexpected turn id: %s", result.TurnID)
	}
}

func TestSendMessageWithoutConversationFails(t *testing.T) {
	h, _ := newTestHandle(t)
	_, err := h.Send(context.Background(), core.Command{Type: core.CommandSendMessage, ThreadID: "local-1", Content: "hi"})
	var terr *core.TransportError
	if !errors.As(err, &terr) || terr.Kind != core.TransportErrorProtocol {
		t.Fatalf("expected a protocol error, got %v", err)
	}
}

func TestApprovalRequestRoundTrip(t *testing.T) {
	h, agent := newTestHandle(t)
	h.mapThread("remote-1", "local-1")

	agent.writeLine(t, `{"id":9,"method":"execCommandApproval","params":{"threadId":"remote-1","turnId":"turn-1","command":"rm -rf build"}}`)

	event := nextEvent(t, h)
	if event.Type != schema.EventApprovalRequested || event.ThreadID != "local-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Approval == nil || event.Approval.ID != "apr-9" || event.Approval.Kind != schema.ApprovalExecCommand {
		t.Fatalf("unexpected approval: %+v", event.Approval)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.Send(context.Background(), core.Command{
			Type:           core.CommandResolveApproval,
			ThreadID:       "local-1",
			RemoteThreadID: "remote-1",
			Resolution:     &schema.ApprovalResolution{ID: "apr-9", Decision: schema.DecisionApprove},
		})
		done <- err
	}()

	msg := agent.readMessage(t)
	if msg.ID == nil || *msg.ID != 9 {
		t.Fatalf("response carries the wrong id: %+v", msg)
	}
	var result struct {
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil || result.Decision != "approved" {
		t.Fatalf("unexpected resolution payload: %s", string(msg.Result))
	}
	if err := <-done; err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// A second answer for the same request has nothing to resolve.
	_, err := h.Send(context.Background(), core.Command{
		Type:       core.CommandResolveApproval,
		ThreadID:   "local-1",
		Resolution: &schema.ApprovalResolution{ID: "apr-9", Decision: schema.DecisionDeny},
	})
	if !errors.Is(err, schema.ErrApprovalNotFound) {
		t.Fatalf("expected ErrApprovalNotFound, got %v", err)
	}
}

func TestApprovalForUnknownThreadIsDenied(t *testing.T) {
	h, agent := newTestHandle(t)

	agent.writeLine(t, `{"id":3,"method":"execCommandApproval","params":{"threadId":"remote-x","command":"true"}}`)

	msg := agent.readMessage(t)
	if msg.ID == nil || *msg.ID != 3 {
		t.Fatalf("expected an immediate response, got %+v", msg)
	}
	var result struct {
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil || result.Decision != "denied" {
		t.Fatalf("unexpected payload: %s", string(msg.Result))
	}
	select {
	case event := <-h.events:
		t.Fatalf("unexpected event surfaced: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotificationsForUnknownThreadsAreDropped(t *testing.T) {
	h, agent := newTestHandle(t)
	h.mapThread("remote-1", "local-1")

	agent.writeLine(t, `{"method":"turn/started","params":{"threadId":"remote-ghost"}}`)
	agent.writeLine(t, `{"method":"turn/completed","params":{"threadId":"remote-1"}}`)

	event := nextEvent(t, h)
	if event.Type != schema.EventTurnCompleted || event.ThreadID != "local-1" {
		t.Fatalf("expected only the mapped thread's event, got %+v", event)
	}
}

func TestStderrLinesBecomeEvents(t *testing.T) {
	h, _ := newTestHandle(t)
	r, w := io.Pipe()
	h.wg.Add(1)
	go h.readStderr(r)

	go func() {
		_, _ = fmt.Fprintln(w, "warning: slow model")
		_ = w.Close()
	}()

	event := nextEvent(t, h)
	if event.Type != schema.EventStderr || event.Message != "warning: slow model" {
		t.Fatalf("unexpected stderr event: %+v", event)
	}
}

func TestInterruptTargetsRemoteThread(t *testing.T) {
	h, agent := newTestHandle(t)
	h.mapThread("remote-1", "local-1")

	done := make(chan error, 1)
	go func() {
		_, err := h.Send(context.Background(), core.Command{
			Type:           core.CommandInterrupt,
			ThreadID:       "local-1",
			RemoteThreadID: "remote-1",
			TurnID:         "turn-1",
		})
		done <- err
	}()

	msg := agent.readMessage(t)
	if msg.Method != "turn/interrupt" {
		t.Fatalf("unexpected method: %s", msg.Method)
	}
	var params struct {
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.ThreadID != "remote-1" || params.TurnID != "turn-1" {
		t.Fatalf("unexpected interrupt params: %s", string(msg.Params))
	}
	agent.writeLine(t, `{"id":%d,"result":{}}`, *msg.ID)
	if err := <-done; err != nil {
		t.Fatalf("interrupt: %v", err)
	}
}

func TestFailedHandshakeTeardownDrainsStderr(t *testing.T) {
	h, agent := newTestHandle(t)

	stderrR, stderrW := io.Pipe()
	h.wg.Add(1)
	go h.readStderr(stderrR)
	closerDone := make(chan struct{})
	go func() {
		<-h.peer.Done()
		h.wg.Wait()
		close(h.events)
		close(closerDone)
	}()

	// Far more stderr than the event channel buffers, with no consumer.
	go func() {
		for i := 0; i < 1000; i++ {
			fmt.Fprintf(stderrW, "noise %d\n", i)
		}
		_ = stderrW.Close()
	}()

	// The process is gone and its stdout is closed.
	close(h.waitDone)
	_ = agent.in.Close()

	done := make(chan struct{})
	go func() {
		h.abortStart()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("teardown stuck behind unread stderr")
	}
	select {
	case <-closerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stderr reader never exited, event channel left open")
	}
}

package duplex

import (
	"encoding/json"
	"testing"

	"pkt.systems/agentmux/schema"
)

func TestNormalizeNotificationTurnLifecycle(t *testing.T) {
	event, ok := normalizeNotification("turn/started", json.RawMessage(`{"threadId":"thr-1","turnId":"turn-1"}`))
	if !ok || event.Type != schema.EventTurnStarted || event.TurnID != "turn-1" {
		t.Fatalf("unexpected turn/started event: %+v (ok=%t)", event, ok)
	}

	event, ok = normalizeNotification("turn/failed", json.RawMessage(`{"threadId":"thr-1","error":{"message":"model overloaded"}}`))
	if !ok || event.Type != schema.EventTurnFailed || event.Message != "model overloaded" {
		t.Fatalf("unexpected turn/failed event: %+v (ok=%t)", event, ok)
	}
}

func TestNormalizeNotificationAgentMessageDelta(t *testing.T) {
	event, ok := normalizeNotification("item/agentMessage/delta", json.RawMessage(`{"threadId":"thr-1","delta":"hel"}`))
	if !ok || event.Type != schema.EventAgentMessageDelta || event.Text != "hel" {
		t.Fatalf("unexpected delta event: %+v (ok=%t)", event, ok)
	}
}

func TestNormalizeNotificationToolCompletion(t *testing.T) {
	params := json.RawMessage(`{"threadId":"thr-1","item":{"id":"call-1","type":"commandExecution","command":"go test ./...","status":"completed","exitCode":0,"aggregatedOutput":"ok"}}`)
	event, ok := normalizeNotification("item/completed", params)
	if !ok || event.Type != schema.EventToolCompleted {
		t.Fatalf("unexpected tool event: %+v (ok=%t)", event, ok)
	}
	if event.Tool == nil || event.Tool.Command != "go test ./..." || event.Tool.ExitCode == nil || *event.Tool.ExitCode != 0 {
		t.Fatalf("unexpected tool payload: %+v", event.Tool)
	}
}

func TestNormalizeNotificationFileChange(t *testing.T) {
	params := json.RawMessage(`{"threadId":"thr-1","item":{"id":"fc-1","type":"fileChange","changes":[{"path":"main.go","kind":"modified"}]}}`)
	event, ok := normalizeNotification("item/completed", params)
	if !ok || event.Type != schema.EventFileChange {
		t.Fatalf("unexpected file change event: %+v (ok=%t)", event, ok)
	}
	if len(event.Changes) != 1 || event.Changes[0].Path != "main.go" {
		t.Fatalf("unexpected changes: %+v", event.Changes)
	}
}

func TestNormalizeNotificationIgnoresUnknownMethods(t *testing.T) {
	if _, ok := normalizeNotification("account/updated", json.RawMessage(`{}`)); ok {
		t.Fatalf("expected unknown method to be ignored")
	}
	if _, ok := normalizeNotification("item/started", json.RawMessage(`{"item":{"type":"agentMessage"}}`)); ok {
		t.Fatalf("expected non-tool item/started to be ignored")
	}
}

func TestNormalizeApprovalRequestKinds(t *testing.T) {
	req, ok := normalizeApprovalRequest("execCommandApproval", json.RawMessage(`{"threadId":"thr-1","turnId":"turn-1","command":"rm -rf build"}`))
	if !ok || req.Kind != schema.ApprovalExecCommand || req.Command != "rm -rf build" {
		t.Fatalf("unexpected exec approval: %+v (ok=%t)", req, ok)
	}
	if req.Title != "rm -rf build" {
		t.Fatalf("expected the command as title fallback, got %q", req.Title)
	}

	req, ok = normalizeApprovalRequest("applyPatchApproval", json.RawMessage(`{"threadId":"thr-1","path":"main.go"}`))
	if !ok || req.Kind != schema.ApprovalApplyPatch || req.Path != "main.go" {
		t.Fatalf("unexpected patch approval: %+v (ok=%t)", req, ok)
	}

	req, ok = normalizeApprovalRequest("fsReadApproval", json.RawMessage(`{"threadId":"thr-1","kind":"read_file","path":"go.mod"}`))
	if !ok || req.Kind != schema.ApprovalReadFile {
		t.Fatalf("unexpected generic approval: %+v (ok=%t)", req, ok)
	}

	if _, ok := normalizeApprovalRequest("model/list", json.RawMessage(`{}`)); ok {
		t.Fatalf("expected non-approval request to be rejected")
	}
}

func TestRemoteThreadIDSpellings(t *testing.T) {
	cases := map[string]string{
		`{"threadId":"a"}`:      "a",
		`{"thread_id":"b"}`:     "b",
		`{"thread":{"id":"c"}}`: "c",
		`{}`:                    "",
	}
	for params, want := range cases {
		if got := remoteThreadID(json.RawMessage(params)); got != schema.ThreadID(want) {
			t.Fatalf("remoteThreadID(%s) = %q, want %q", params, got, want)
		}
	}
}

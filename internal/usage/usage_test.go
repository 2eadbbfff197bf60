package usage

import (
	"encoding/json"
	"testing"

	"pkt.systems/agentmux/schema"
)

func completedEvent(workspace, thread string, raw string) schema.ThreadEvent {
	return schema.ThreadEvent{
		WorkspaceID: schema.WorkspaceID(workspace),
		ThreadID:    schema.ThreadID(thread),
		Event: schema.Event{
			Type:     schema.EventTurnCompleted,
			ThreadID: schema.ThreadID(thread),
			Raw:      json.RawMessage(raw),
		},
	}
}

func TestTrackerAccumulatesAcrossTurns(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.OnThreadEvent(completedEvent("ws-1", "t-1",
		`{"usage":{"input_tokens":100,"cached_input_tokens":20,"output_tokens":40}}`))
	tracker.OnThreadEvent(completedEvent("ws-1", "t-1",
		`{"usage":{"inputTokens":50,"outputTokens":10}}`))
	tracker.OnThreadEvent(completedEvent("ws-1", "t-2",
		`{"usage":{"input_tokens":5,"output_tokens":5}}`))

	thread := tracker.Thread("t-1")
	if thread.InputTokens != 150 || thread.OutputTokens != 50 || thread.CachedInputTokens != 20 {
		t.Fatalf("unexpected thread totals: %+v", thread)
	}
	if thread.Turns != 2 {
		t.Fatalf("thread turns = %d, want 2", thread.Turns)
	}

	ws := tracker.Workspace("ws-1")
	if ws.InputTokens != 155 || ws.OutputTokens != 55 || ws.Turns != 3 {
		t.Fatalf("unexpected workspace totals: %+v", ws)
	}
}

func TestTrackerCountsTurnsWithoutUsage(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.OnThreadEvent(completedEvent("ws-1", "t-1", ``))
	tracker.OnThreadEvent(completedEvent("ws-1", "t-1", `{"threadId":"x"}`))

	thread := tracker.Thread("t-1")
	if thread.Turns != 2 || thread.InputTokens != 0 {
		t.Fatalf("unexpected totals: %+v", thread)
	}
}

func TestTrackerIgnoresNonTerminalEvents(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.OnThreadEvent(schema.ThreadEvent{
		WorkspaceID: "ws-1",
		ThreadID:    "t-1",
		Event: schema.Event{
			Type: schema.EventAgentMessageDelta,
			Raw:  json.RawMessage(`{"usage":{"input_tokens":9}}`),
		},
	})
	if totals := tracker.Thread("t-1"); totals.Turns != 0 {
		t.Fatalf("delta events must not count as turns: %+v", totals)
	}
}

func TestSnapshotCopies(t *testing.T) {
	tracker := NewTracker(nil)
	tracker.OnThreadEvent(completedEvent("ws-1", "t-1", `{"usage":{"input_tokens":1,"output_tokens":1}}`))
	snap := tracker.Snapshot()
	snap["ws-1"] = Totals{}
	if ws := tracker.Workspace("ws-1"); ws.InputTokens != 1 {
		t.Fatalf("snapshot mutation leaked into tracker: %+v", ws)
	}
}

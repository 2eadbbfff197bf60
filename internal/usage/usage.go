// Package usage aggregates token usage reported by agent backends.
package usage

import (
	"encoding/json"
	"sync"

	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// Totals accumulates token counts across completed turns.
type Totals struct {
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
	Turns             int64
}

func (t *Totals) add(u turnUsage) {
	t.InputTokens += u.inputTokens()
	t.CachedInputTokens += u.cachedTokens()
	t.OutputTokens += u.outputTokens()
	t.Turns++
}

// Tracker accumulates usage per thread and per workspace from the event
// stream. Backends that report no usage simply count turns.
type Tracker struct {
	mu          sync.Mutex
	byWorkspace map[schema.WorkspaceID]Totals
	byThread    map[schema.ThreadID]Totals
	log         pslog.Logger
}

func NewTracker(logger pslog.Logger) *Tracker {
	return &Tracker{
		byWorkspace: make(map[schema.WorkspaceID]Totals),
		byThread:    make(map[schema.ThreadID]Totals),
		log:         logger,
	}
}

// OnThreadEvent accumulates usage from completed turns.
func (t *Tracker) OnThreadEvent(event schema.ThreadEvent) {
	if event.Event.Type != schema.EventTurnCompleted {
		return
	}
	parsed := parseUsage(event.Event.Raw)
	t.mu.Lock()
	ws := t.byWorkspace[event.WorkspaceID]
	ws.add(parsed)
	t.byWorkspace[event.WorkspaceID] = ws
	th := t.byThread[event.ThreadID]
	th.add(parsed)
	t.byThread[event.ThreadID] = th
	t.mu.Unlock()
	if t.log != nil && parsed.reported() {
		t.log.Debug("turn usage recorded",
			"workspace", event.WorkspaceID,
			"thread", event.ThreadID,
			"input_tokens", parsed.inputTokens(),
			"output_tokens", parsed.outputTokens(),
		)
	}
}

// OnThreadState is a no-op; state changes carry no usage.
func (t *Tracker) OnThreadState(event schema.ThreadStateEvent) {}

// OnApproval is a no-op.
func (t *Tracker) OnApproval(event schema.ApprovalEvent) {}

// OnSessionHealth is a no-op.
func (t *Tracker) OnSessionHealth(event schema.SessionHealthEvent) {}

// Workspace returns accumulated totals for a workspace.
func (t *Tracker) Workspace(id schema.WorkspaceID) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byWorkspace[id]
}

// Thread returns accumulated totals for a thread.
func (t *Tracker) Thread(id schema.ThreadID) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byThread[id]
}

// Snapshot returns a copy of all per-workspace totals.
func (t *Tracker) Snapshot() map[schema.WorkspaceID]Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[schema.WorkspaceID]Totals, len(t.byWorkspace))
	for id, totals := range t.byWorkspace {
		out[id] = totals
	}
	return out
}

// turnUsage tolerates both spellings seen on the wire.
type turnUsage struct {
	InputTokens       *int64 `json:"input_tokens"`
	InputTokensCamel  *int64 `json:"inputTokens"`
	CachedInputTokens *int64 `json:"cached_input_tokens"`
	CachedCamel       *int64 `json:"cachedInputTokens"`
	OutputTokens      *int64 `json:"output_tokens"`
	OutputTokensCamel *int64 `json:"outputTokens"`
}

func (u turnUsage) inputTokens() int64  { return firstInt(u.InputTokens, u.InputTokensCamel) }
func (u turnUsage) cachedTokens() int64 { return firstInt(u.CachedInputTokens, u.CachedCamel) }
func (u turnUsage) outputTokens() int64 { return firstInt(u.OutputTokens, u.OutputTokensCamel) }

func (u turnUsage) reported() bool {
	return u.inputTokens() != 0 || u.outputTokens() != 0
}

func firstInt(values ...*int64) int64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return 0
}

func parseUsage(raw json.RawMessage) turnUsage {
	if len(raw) == 0 {
		return turnUsage{}
	}
	var payload struct {
		Usage turnUsage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return turnUsage{}
	}
	return payload.Usage
}

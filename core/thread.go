package core

import "pkt.systems/agentmux/schema"

// thread tracks the state of a single conversation thread.
type thread struct {
	ID          schema.ThreadID
	WorkspaceID schema.WorkspaceID
	Name        schema.ThreadName
	State       schema.ThreadState
	Pinned      bool
	Archived    bool
	ForkOf      schema.ThreadID
	RemoteID    schema.ThreadID
	PendingTurn schema.TurnID
	LastError   string
	seq         uint64
}

// nextSeq advances the per-thread event sequence. Callers hold the service
// lock.
func (t *thread) nextSeq() uint64 {
	t.seq++
	return t.seq
}

// busy reports whether a turn is in flight.
func (t *thread) busy() bool {
	switch t.State {
	case schema.ThreadRunning, schema.ThreadAwaitingApproval, schema.ThreadInterrupting:
		return true
	}
	return false
}

// Snapshot returns a transport-friendly view of the thread.
func (t *thread) Snapshot() schema.ThreadSnapshot {
	return schema.ThreadSnapshot{
		ID:          t.ID,
		WorkspaceID: t.WorkspaceID,
		Name:        t.Name,
		State:       t.State,
		Pinned:      t.Pinned,
		Archived:    t.Archived,
		ForkOf:      t.ForkOf,
		RemoteID:    t.RemoteID,
		PendingTurn: t.PendingTurn,
		LastError:   t.LastError,
	}
}

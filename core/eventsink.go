package core

import "pkt.systems/agentmux/schema"

// EventSink receives thread, approval, and session events from the core
// service.
type EventSink interface {
	OnThreadEvent(event schema.ThreadEvent)
	OnThreadState(event schema.ThreadStateEvent)
	OnApproval(event schema.ApprovalEvent)
	OnSessionHealth(event schema.SessionHealthEvent)
}

package agentmux

import (
	"pkt.systems/agentmux/core"
	"pkt.systems/agentmux/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnThreadEvent(event schema.ThreadEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnThreadEvent(event)
	}
}

func (f eventFanout) OnThreadState(event schema.ThreadStateEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnThreadState(event)
	}
}

func (f eventFanout) OnApproval(event schema.ApprovalEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnApproval(event)
	}
}

func (f eventFanout) OnSessionHealth(event schema.SessionHealthEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionHealth(event)
	}
}

package core

import (
	"github.com/google/uuid"

	"pkt.systems/agentmux/schema"
)

func newThreadID() schema.ThreadID {
	return schema.ThreadID("thr-" + uuid.NewString())
}

func newTurnID() schema.TurnID {
	return schema.TurnID("turn-" + uuid.NewString())
}

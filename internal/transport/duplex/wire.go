package duplex

import (
	"encoding/json"

	"pkt.systems/agentmux/schema"
)

// message is one JSON line on the duplex channel. Outbound requests carry
// ID and Method; inbound lines are responses (ID plus Result or Error),
// peer-initiated requests (ID plus Method), or notifications (Method only).
type message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	if e == nil || e.Message == "" {
		return "agent returned an error"
	}
	return e.Message
}

func (m message) isResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

func (m message) isRequest() bool {
	return m.ID != nil && m.Method != ""
}

// threadIDParams matches the identifier spellings the agent protocols use.
type threadIDParams struct {
	ThreadID      string `json:"threadId"`
	ThreadIDSnake string `json:"thread_id"`
	Thread        struct {
		ID string `json:"id"`
	} `json:"thread"`
}

// remoteThreadID extracts the conversation id from notification params,
// trying threadId, thread_id and thread.id in that order.
func remoteThreadID(params json.RawMessage) schema.ThreadID {
	if len(params) == 0 {
		return ""
	}
	var p threadIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	switch {
	case p.ThreadID != "":
		return schema.ThreadID(p.ThreadID)
	case p.ThreadIDSnake != "":
		return schema.ThreadID(p.ThreadIDSnake)
	default:
		return schema.ThreadID(p.Thread.ID)
	}
}

// threadResult extracts the conversation id from a thread/start-style
// response, trying result.threadId and result.thread.id.
func threadResult(result json.RawMessage) schema.ThreadID {
	return remoteThreadID(result)
}

// wireDecision maps an approval decision to the value the agent protocols
// expect in a request-approval response.
func wireDecision(decision schema.ApprovalDecision) string {
	switch decision {
	case schema.DecisionApprove:
		return "approved"
	case schema.DecisionApproveForSession:
		return "approved_for_session"
	default:
		return "denied"
	}
}

func mustMarshal(value any) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

package shim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/agentmux/schema"
)

// recognizerState tracks what the terminal output currently renders.
type recognizerState int

const (
	stateIdle recognizerState = iota
	stateStreaming
	stateToolCall
	stateApprovalPrompt
)

// recognizer reconstructs structured events from raw terminal output, one
// turn at a time. It consumes bytes incrementally and favors false
// negatives: ambiguous output surfaces as plain message content rather than
// a spurious approval prompt.
type recognizer struct {
	threadID   schema.ThreadID
	turnID     schema.TurnID
	streamJSON bool

	buf         []byte
	state       recognizerState
	sessionID   string
	sawTerminal bool
	approvalSeq int
}

func newRecognizer(threadID schema.ThreadID, turnID schema.TurnID, streamJSON bool) *recognizer {
	return &recognizer{threadID: threadID, turnID: turnID, streamJSON: streamJSON}
}

// Feed consumes a chunk of raw output and returns the events completed by
// it. Partial lines are buffered until their newline arrives.
func (r *recognizer) Feed(data []byte) []schema.Event {
	r.buf = append(r.buf, data...)
	var events []schema.Event
	for {
		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			break
		}
		line := r.buf[:idx]
		r.buf = r.buf[idx+1:]
		events = append(events, r.consumeLine(line)...)
	}
	return events
}

// Flush processes any trailing output without a final newline.
func (r *recognizer) Flush() []schema.Event {
	if len(r.buf) == 0 {
		return nil
	}
	line := r.buf
	r.buf = nil
	return r.consumeLine(line)
}

// SessionID reports the backend conversation id announced during the turn.
func (r *recognizer) SessionID() string {
	return r.sessionID
}

// SawTerminal reports whether the turn emitted its own terminal event.
func (r *recognizer) SawTerminal() bool {
	return r.sawTerminal
}

func (r *recognizer) consumeLine(raw []byte) []schema.Event {
	line := strings.TrimRight(stripTerminal(string(raw)), " \t")
	if line == "" {
		return nil
	}
	if r.streamJSON && strings.HasPrefix(line, "{") {
		if events := r.consumeStructured(line); events != nil {
			return events
		}
	}
	return r.consumePlain(line)
}

// streamLine covers the structured stream-json output of compat backends.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Delta     *struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	ToolUseID string `json:"tool_use_id"`
}

func (r *recognizer) consumeStructured(line string) []schema.Event {
	var msg streamLine
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil
	}
	switch msg.Type {
	case "system":
		if msg.Subtype != "init" {
			return []schema.Event{}
		}
		if msg.SessionID != "" {
			r.sessionID = msg.SessionID
		}
		r.state = stateStreaming
		return []schema.Event{r.event(schema.EventTurnStarted)}
	case "content_block_delta":
		if msg.Delta == nil {
			return []schema.Event{}
		}
		switch msg.Delta.Type {
		case "text_delta":
			event := r.event(schema.EventAgentMessageDelta)
			event.Text = msg.Delta.Text
			r.state = stateStreaming
			return []schema.Event{event}
		case "thinking_delta":
			event := r.event(schema.EventReasoningDelta)
			event.Text = msg.Delta.Thinking
			return []schema.Event{event}
		default:
			return []schema.Event{}
		}
	case "content_block_start":
		if msg.ContentBlock == nil || msg.ContentBlock.Type != "tool_use" {
			return []schema.Event{}
		}
		event := r.event(schema.EventToolStarted)
		event.Tool = &schema.ToolCall{ID: msg.ContentBlock.ID, Name: msg.ContentBlock.Name, Status: "started"}
		r.state = stateToolCall
		return []schema.Event{event}
	case "tool_result":
		event := r.event(schema.EventToolCompleted)
		event.Tool = &schema.ToolCall{ID: msg.ToolUseID, Status: "completed"}
		r.state = stateStreaming
		return []schema.Event{event}
	case "result":
		r.sawTerminal = true
		r.state = stateIdle
		if msg.IsError {
			event := r.event(schema.EventTurnFailed)
			event.Message = msg.Result
			return []schema.Event{event}
		}
		return []schema.Event{r.event(schema.EventTurnCompleted)}
	default:
		// Structured but unknown: drop rather than render protocol noise
		// as message text.
		return []schema.Event{}
	}
}

func (r *recognizer) consumePlain(line string) []schema.Event {
	if kind, ok := approvalPrompt(line); ok {
		r.state = stateApprovalPrompt
		r.approvalSeq++
		event := r.event(schema.EventApprovalRequested)
		event.Approval = &schema.ApprovalRequest{
			ID:       schema.RequestID(fmt.Sprintf("imp-%s-%d", r.turnID, r.approvalSeq)),
			ThreadID: r.threadID,
			TurnID:   r.turnID,
			Kind:     kind,
			Title:    line,
			Implicit: true,
		}
		return []schema.Event{event}
	}
	event := r.event(schema.EventAgentMessageDelta)
	event.Text = line + "\n"
	r.state = stateStreaming
	return []schema.Event{event}
}

func (r *recognizer) event(eventType schema.EventType) schema.Event {
	return schema.Event{Type: eventType, ThreadID: r.threadID, TurnID: r.turnID}
}

// approvalPrompt recognizes the confirmation prompts compat CLIs render.
// Detection is deliberately narrow.
func approvalPrompt(line string) (schema.ApprovalKind, bool) {
	lower := strings.ToLower(line)
	prompt := strings.HasSuffix(lower, "(y/n)") ||
		strings.HasSuffix(lower, "[y/n]") ||
		strings.HasSuffix(lower, "(y/n)?") ||
		strings.Contains(lower, "do you want to proceed") ||
		strings.Contains(lower, "do you want to allow") ||
		strings.Contains(lower, "allow this command")
	if !prompt {
		return "", false
	}
	switch {
	case strings.Contains(lower, "run") || strings.Contains(lower, "command") || strings.Contains(lower, "execute"):
		return schema.ApprovalExecCommand, true
	case strings.Contains(lower, "edit") || strings.Contains(lower, "write"):
		return schema.ApprovalWriteFile, true
	case strings.Contains(lower, "patch"):
		return schema.ApprovalApplyPatch, true
	case strings.Contains(lower, "read"):
		return schema.ApprovalReadFile, true
	default:
		return schema.ApprovalUnknown, true
	}
}

// stripTerminal removes carriage returns and ANSI escape sequences from one
// line of pty output.
func stripTerminal(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\r':
		case c == 0x1b:
			i += ansiLen(line[i:]) - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ansiLen returns the byte length of the escape sequence at the start of s.
func ansiLen(s string) int {
	if len(s) < 2 {
		return len(s)
	}
	if s[1] == '[' {
		for i := 2; i < len(s); i++ {
			if s[i] >= 0x40 && s[i] <= 0x7e {
				return i + 1
			}
		}
		return len(s)
	}
	if s[1] == ']' {
		// OSC sequences end with BEL or ST.
		for i := 2; i < len(s); i++ {
			if s[i] == 0x07 {
				return i + 1
			}
			if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
				return i + 2
			}
		}
		return len(s)
	}
	return 2
}

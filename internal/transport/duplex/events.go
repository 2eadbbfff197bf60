package duplex

import (
	"encoding/json"
	"strings"

	"pkt.systems/agentmux/schema"
)

type notificationParams struct {
	TurnID string      `json:"turnId"`
	Delta  string      `json:"delta"`
	Text   string      `json:"text"`
	Error  *wireError  `json:"error"`
	Item   *itemParams `json:"item"`
}

type itemParams struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode"`
	Output   string `json:"aggregatedOutput"`
	Text     string `json:"text"`
	Changes  []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes"`
}

// normalizeNotification converts one protocol notification into a stream
// event. The thread id is resolved by the caller; ok is false for methods
// the orchestration layer has no use for.
func normalizeNotification(method string, params json.RawMessage) (schema.Event, bool) {
	var p notificationParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return schema.Event{}, false
		}
	}
	event := schema.Event{TurnID: schema.TurnID(p.TurnID), Raw: params}
	switch method {
	case "thread/started":
		event.Type = schema.EventThreadStarted
	case "turn/started":
		event.Type = schema.EventTurnStarted
	case "turn/completed":
		event.Type = schema.EventTurnCompleted
	case "turn/failed":
		event.Type = schema.EventTurnFailed
		if p.Error != nil {
			event.Message = p.Error.Message
		}
	case "turn/interrupted", "turn/aborted":
		event.Type = schema.EventTurnInterrupted
	case "item/agentMessage/delta":
		event.Type = schema.EventAgentMessageDelta
		event.Text = firstNonEmpty(p.Delta, p.Text)
	case "item/reasoning/delta", "item/agentReasoning/delta":
		event.Type = schema.EventReasoningDelta
		event.Text = firstNonEmpty(p.Delta, p.Text)
	case "item/started":
		if tool := toolCall(p.Item); tool != nil {
			event.Type = schema.EventToolStarted
			event.Tool = tool
			break
		}
		return schema.Event{}, false
	case "item/completed":
		if tool := toolCall(p.Item); tool != nil {
			event.Type = schema.EventToolCompleted
			event.Tool = tool
			break
		}
		if p.Item != nil && isFileChange(p.Item.Type) {
			event.Type = schema.EventFileChange
			for _, c := range p.Item.Changes {
				event.Changes = append(event.Changes, schema.FileChange{Path: c.Path, Kind: c.Kind})
			}
			break
		}
		return schema.Event{}, false
	case "error":
		event.Type = schema.EventError
		event.Message = firstNonEmpty(p.Text, p.Delta)
		if p.Error != nil {
			event.Message = p.Error.Message
		}
	default:
		return schema.Event{}, false
	}
	return event, true
}

func toolCall(item *itemParams) *schema.ToolCall {
	if item == nil || !isCommandExecution(item.Type) {
		return nil
	}
	return &schema.ToolCall{
		ID:       item.ID,
		Name:     item.Type,
		Command:  item.Command,
		Status:   item.Status,
		ExitCode: item.ExitCode,
		Output:   item.Output,
	}
}

func isCommandExecution(itemType string) bool {
	return itemType == "commandExecution" || itemType == "command_execution"
}

func isFileChange(itemType string) bool {
	return itemType == "fileChange" || itemType == "file_change"
}

type approvalParams struct {
	TurnID  string `json:"turnId"`
	CallID  string `json:"callId"`
	Kind    string `json:"kind"`
	Command string `json:"command"`
	Path    string `json:"path"`
	Reason  string `json:"reason"`
	Cwd     string `json:"cwd"`
}

// normalizeApprovalRequest recognizes the peer-initiated requests that ask
// for permission mid-turn. ok is false when the method is not an approval.
func normalizeApprovalRequest(method string, params json.RawMessage) (schema.ApprovalRequest, bool) {
	var p approvalParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return schema.ApprovalRequest{}, false
		}
	}
	req := schema.ApprovalRequest{
		TurnID:  schema.TurnID(p.TurnID),
		Title:   p.Reason,
		Command: p.Command,
		Path:    p.Path,
	}
	switch {
	case method == "execCommandApproval":
		req.Kind = schema.ApprovalExecCommand
	case method == "applyPatchApproval":
		req.Kind = schema.ApprovalApplyPatch
	case strings.Contains(strings.ToLower(method), "approval"):
		req.Kind = approvalKind(p.Kind)
	default:
		return schema.ApprovalRequest{}, false
	}
	if req.Title == "" {
		req.Title = req.Command
	}
	return req, true
}

func approvalKind(kind string) schema.ApprovalKind {
	switch kind {
	case "read_file", "readFile":
		return schema.ApprovalReadFile
	case "list_dir", "listDir":
		return schema.ApprovalListDir
	case "exec_command", "execCommand":
		return schema.ApprovalExecCommand
	case "write_file", "writeFile":
		return schema.ApprovalWriteFile
	case "apply_patch", "applyPatch":
		return schema.ApprovalApplyPatch
	case "network":
		return schema.ApprovalNetwork
	default:
		return schema.ApprovalUnknown
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

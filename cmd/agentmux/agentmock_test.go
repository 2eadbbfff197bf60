package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

type mockClient struct {
	t      *testing.T
	in     io.WriteCloser
	out    *bufio.Scanner
	nextID uint64
	done   chan error
}

func startMockClient(t *testing.T, args []string) *mockClient {
	t.Helper()
	clientOut, serverIn := io.Pipe()
	serverOut, clientIn := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- runAgentMock(args, clientOut, clientIn, io.Discard)
	}()
	t.Cleanup(func() {
		_ = serverIn.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("mock server did not exit")
		}
	})
	return &mockClient{
		t:    t,
		in:   serverIn,
		out:  bufio.NewScanner(serverOut),
		done: done,
	}
}

func (c *mockClient) send(value map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if _, err := c.in.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *mockClient) call(method string, params map[string]any) map[string]any {
	c.t.Helper()
	c.nextID++
	c.send(map[string]any{"id": c.nextID, "method": method, "params": params})
	for {
		msg := c.read()
		if id, ok := msg["id"].(float64); ok && uint64(id) == c.nextID {
			if _, isRequest := msg["method"]; !isRequest {
				result, _ := msg["result"].(map[string]any)
				return result
			}
		}
	}
}

func (c *mockClient) read() map[string]any {
	c.t.Helper()
	readLine := make(chan string, 1)
	go func() {
		if c.out.Scan() {
			readLine <- c.out.Text()
			return
		}
		readLine <- ""
	}()
	select {
	case line := <-readLine:
		if line == "" {
			c.t.Fatalf("mock output ended")
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			c.t.Fatalf("malformed mock output %q: %v", line, err)
		}
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatalf("timed out waiting for mock output")
		return nil
	}
}

func (c *mockClient) readNotification(method string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := c.read()
		if msg["method"] == method {
			params, _ := msg["params"].(map[string]any)
			return params
		}
	}
	c.t.Fatalf("notification %s never arrived", method)
	return nil
}

func TestMockServerMessageTurn(t *testing.T) {
	client := startMockClient(t, []string{"app-server"})

	client.call("initialize", map[string]any{"clientInfo": map[string]any{"name": "test"}})
	client.send(map[string]any{"method": "initialized"})

	result := client.call("thread/start", map[string]any{"cwd": "/tmp"})
	threadID, _ := result["threadId"].(string)
	if threadID == "" {
		t.Fatalf("thread/start result missing threadId: %+v", result)
	}
	client.readNotification("thread/started")

	turn := client.call("turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": "hello"}},
	})
	if turn["turnId"] == "" {
		t.Fatalf("turn/start result missing turnId: %+v", turn)
	}
	client.readNotification("turn/started")
	delta := client.readNotification("item/agentMessage/delta")
	if delta["delta"] == "" {
		t.Fatalf("expected delta text, got %+v", delta)
	}
	completed := client.readNotification("turn/completed")
	if completed["threadId"] != threadID {
		t.Fatalf("turn/completed thread = %v, want %s", completed["threadId"], threadID)
	}
}

func TestMockServerCommandScenarioWaitsForApproval(t *testing.T) {
	client := startMockClient(t, []string{"app-server", "--scenario", "command"})

	client.call("initialize", map[string]any{})
	result := client.call("thread/start", map[string]any{"cwd": "/tmp"})
	threadID, _ := result["threadId"].(string)
	client.readNotification("thread/started")

	client.nextID++
	client.send(map[string]any{
		"id":     client.nextID,
		"method": "turn/start",
		"params": map[string]any{
			"threadId": threadID,
			"input":    []map[string]any{{"type": "text", "text": "run it"}},
		},
	})

	var approvalID float64
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := client.read()
		if msg["method"] == "execCommandApproval" {
			approvalID = msg["id"].(float64)
			break
		}
	}
	if approvalID == 0 {
		t.Fatalf("execCommandApproval request never arrived")
	}

	client.send(map[string]any{
		"id":     approvalID,
		"result": map[string]any{"decision": "approved"},
	})

	item := client.readNotification("item/completed")
	inner, _ := item["item"].(map[string]any)
	if inner["type"] != "commandExecution" {
		t.Fatalf("expected commandExecution item, got %+v", item)
	}
	client.readNotification("turn/completed")
}

func TestMockServerFailureScenarioByPromptDirective(t *testing.T) {
	client := startMockClient(t, []string{"app-server"})

	client.call("initialize", map[string]any{})
	result := client.call("thread/start", map[string]any{"cwd": "/tmp"})
	threadID, _ := result["threadId"].(string)
	client.readNotification("thread/started")

	client.call("turn/start", map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": "please mock:failure now"}},
	})
	failed := client.readNotification("turn/failed")
	errInfo, _ := failed["error"].(map[string]any)
	if errInfo["message"] != "mock turn failure" {
		t.Fatalf("unexpected failure payload: %+v", failed)
	}
}

func TestPrintMockEmitsStreamJSON(t *testing.T) {
	var out bytes.Buffer
	err := runAgentMock(
		[]string{"-p", "--output-format", "stream-json", "--verbose", "--resume", "sess-7", "say", "hi"},
		strings.NewReader(""), &out, io.Discard,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d: %q", len(lines), out.String())
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line not json: %v", err)
	}
	if first["type"] != "system" || first["session_id"] != "sess-7" {
		t.Fatalf("unexpected init line: %+v", first)
	}
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("last line not json: %v", err)
	}
	if last["type"] != "result" {
		t.Fatalf("expected result line, got %+v", last)
	}
}

func TestPrintMockApprovalDirectivePromptsAndContinues(t *testing.T) {
	var out bytes.Buffer
	err := runAgentMock(
		[]string{"-p", "--output-format", "stream-json", "run mock:approval scenario"},
		strings.NewReader("y\r"), &out, io.Discard,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "(y/n)") {
		t.Fatalf("expected approval prompt in output: %q", text)
	}
	if !strings.Contains(text, `"type":"result"`) {
		t.Fatalf("expected result line after ack: %q", text)
	}
}

func TestParseMockServerArgs(t *testing.T) {
	cfg, err := parseMockServerArgs([]string{"--scenario", "command", "--delay-ms", "10"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.scenario != "command" {
		t.Fatalf("scenario = %q, want command", cfg.scenario)
	}
	if cfg.delay != 10*time.Millisecond {
		t.Fatalf("delay = %v, want 10ms", cfg.delay)
	}
	if _, err := parseMockServerArgs([]string{"--bogus"}); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}

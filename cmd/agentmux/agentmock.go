package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newAgentMockCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "agent-mock (app-server|sandbox) [--scenario <name>] [--delay-ms <n>] | agent-mock -p [flags] <prompt>",
		Short:              "Mock agent CLI that speaks both transport dialects for testing",
		SilenceErrors:      true,
		SilenceUsage:       true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentMock(args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runAgentMock(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) error {
	if len(args) == 0 {
		err := errors.New("usage: agent-mock (app-server|sandbox) [--scenario <name>] [--delay-ms <n>] | agent-mock -p [flags] <prompt>")
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	if containsArg(args, "-p") {
		return runPrintMock(args, stdin, stdout, stderr)
	}
	switch args[0] {
	case "app-server", "sandbox":
		cfg, err := parseMockServerArgs(args[1:])
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err.Error())
			return err
		}
		return runMockServer(cfg, stdin, stdout)
	default:
		err := fmt.Errorf("unsupported command: %s", args[0])
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
}

func containsArg(args []string, want string) bool {
	for _, arg := range args {
		if arg == want {
			return true
		}
	}
	return false
}

type mockServerConfig struct {
	scenario string
	delay    time.Duration
}

func parseMockServerArgs(args []string) (mockServerConfig, error) {
	cfg := mockServerConfig{}
	for len(args) > 0 {
		switch args[0] {
		case "--scenario":
			if len(args) < 2 {
				return mockServerConfig{}, errors.New("--scenario requires a value")
			}
			cfg.scenario = args[1]
			args = args[2:]
		case "--delay-ms":
			if len(args) < 2 {
				return mockServerConfig{}, errors.New("--delay-ms requires a value")
			}
			val, err := strconv.Atoi(args[1])
			if err != nil || val < 0 {
				return mockServerConfig{}, errors.New("invalid --delay-ms")
			}
			cfg.delay = time.Duration(val) * time.Millisecond
			args = args[2:]
		default:
			return mockServerConfig{}, fmt.Errorf("unsupported flag: %s", args[0])
		}
	}
	return cfg, nil
}

// mockWire is the line shape shared by requests, responses and
// notifications on the duplex channel.
type mockWire struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type mockServer struct {
	cfg        mockServerConfig
	in         *bufio.Scanner
	out        *bufio.Writer
	nextThread int
	nextTurn   int
	nextReqID  uint64
}

// runMockServer answers the duplex app-server protocol on stdin/stdout
// until the channel closes.
func runMockServer(cfg mockServerConfig, stdin io.Reader, stdout io.Writer) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	srv := &mockServer{
		cfg:       cfg,
		in:        scanner,
		out:       bufio.NewWriter(stdout),
		nextReqID: 9000,
	}
	defer func() { _ = srv.out.Flush() }()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg mockWire
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if err := srv.handle(msg); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *mockServer) handle(msg mockWire) error {
	if msg.Method == "" {
		return nil
	}
	switch msg.Method {
	case "initialize":
		return s.respond(msg.ID, map[string]any{"userAgent": "agent-mock"})
	case "initialized":
		return nil
	case "thread/start":
		s.nextThread++
		threadID := fmt.Sprintf("mock-thread-%d", s.nextThread)
		if err := s.respond(msg.ID, map[string]any{"threadId": threadID}); err != nil {
			return err
		}
		return s.notify("thread/started", map[string]any{"threadId": threadID})
	case "thread/resume", "thread/fork":
		var params struct {
			ThreadID string `json:"threadId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		threadID := params.ThreadID
		if msg.Method == "thread/fork" || threadID == "" {
			s.nextThread++
			threadID = fmt.Sprintf("mock-thread-%d", s.nextThread)
		}
		return s.respond(msg.ID, map[string]any{"threadId": threadID})
	case "turn/start":
		return s.runTurn(msg)
	case "turn/interrupt":
		var params struct {
			ThreadID string `json:"threadId"`
			TurnID   string `json:"turnId"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		if err := s.respond(msg.ID, map[string]any{}); err != nil {
			return err
		}
		return s.notify("turn/interrupted", map[string]any{
			"threadId": params.ThreadID,
			"turnId":   params.TurnID,
		})
	default:
		return s.respond(msg.ID, map[string]any{})
	}
}

func (s *mockServer) runTurn(msg mockWire) error {
	var params struct {
		ThreadID string `json:"threadId"`
		Input    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"input"`
	}
	_ = json.Unmarshal(msg.Params, &params)
	var prompt strings.Builder
	for _, item := range params.Input {
		prompt.WriteString(item.Text)
	}

	s.nextTurn++
	turnID := fmt.Sprintf("mock-turn-%d", s.nextTurn)
	if err := s.respond(msg.ID, map[string]any{"turnId": turnID}); err != nil {
		return err
	}
	base := map[string]any{"threadId": params.ThreadID, "turnId": turnID}
	if err := s.notify("turn/started", base); err != nil {
		return err
	}
	s.pause()

	switch mockScenarioFor(s.cfg.scenario, prompt.String()) {
	case "failure":
		return s.notify("turn/failed", map[string]any{
			"threadId": params.ThreadID,
			"turnId":   turnID,
			"error":    map[string]any{"code": -32000, "message": "mock turn failure"},
		})
	case "command":
		return s.commandTurn(params.ThreadID, turnID)
	case "patch":
		return s.patchTurn(params.ThreadID, turnID)
	default:
		for _, chunk := range []string{"Reviewed the request. ", "Nothing else to do."} {
			if err := s.notify("item/agentMessage/delta", map[string]any{
				"threadId": params.ThreadID,
				"turnId":   turnID,
				"delta":    chunk,
			}); err != nil {
				return err
			}
			s.pause()
		}
		return s.notify("turn/completed", base)
	}
}

func (s *mockServer) commandTurn(threadID, turnID string) error {
	decision, err := s.requestApproval("execCommandApproval", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
		"callId":   "call-1",
		"command":  "ls -la",
		"cwd":      "/tmp",
	})
	if err != nil {
		return err
	}
	base := map[string]any{"threadId": threadID, "turnId": turnID}
	if !strings.HasPrefix(decision, "approved") {
		if err := s.notify("item/agentMessage/delta", map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
			"delta":    "Command was denied.",
		}); err != nil {
			return err
		}
		return s.notify("turn/completed", base)
	}
	exitCode := 0
	if err := s.notify("item/started", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
		"item": map[string]any{
			"id":      "item-1",
			"type":    "commandExecution",
			"command": "ls -la",
			"status":  "running",
		},
	}); err != nil {
		return err
	}
	s.pause()
	if err := s.notify("item/completed", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
		"item": map[string]any{
			"id":               "item-1",
			"type":             "commandExecution",
			"command":          "ls -la",
			"status":           "completed",
			"exitCode":         exitCode,
			"aggregatedOutput": "total 0\n",
		},
	}); err != nil {
		return err
	}
	return s.notify("turn/completed", base)
}

func (s *mockServer) patchTurn(threadID, turnID string) error {
	decision, err := s.requestApproval("applyPatchApproval", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
		"callId":   "call-1",
		"path":     "main.go",
		"reason":   "apply requested edit",
	})
	if err != nil {
		return err
	}
	base := map[string]any{"threadId": threadID, "turnId": turnID}
	if strings.HasPrefix(decision, "approved") {
		if err := s.notify("item/completed", map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
			"item": map[string]any{
				"id":   "item-1",
				"type": "fileChange",
				"changes": []map[string]any{
					{"path": "main.go", "kind": "modify"},
				},
			},
		}); err != nil {
			return err
		}
	}
	return s.notify("turn/completed", base)
}

// requestApproval sends a server-initiated request and blocks until the
// client answers it. Other client requests arriving in the meantime are
// acknowledged so the channel never deadlocks.
func (s *mockServer) requestApproval(method string, params map[string]any) (string, error) {
	s.nextReqID++
	reqID := s.nextReqID
	if err := s.write(mockWire{ID: &reqID, Method: method, Params: mustParams(params)}); err != nil {
		return "", err
	}
	for s.in.Scan() {
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		var msg mockWire
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Method != "" {
			if err := s.respond(msg.ID, map[string]any{}); err != nil {
				return "", err
			}
			continue
		}
		if msg.ID == nil || *msg.ID != reqID {
			continue
		}
		var result struct {
			Decision string `json:"decision"`
		}
		_ = json.Unmarshal(msg.Result, &result)
		return result.Decision, nil
	}
	if err := s.in.Err(); err != nil {
		return "", err
	}
	return "", io.ErrUnexpectedEOF
}

func (s *mockServer) respond(id *uint64, result map[string]any) error {
	if id == nil {
		return nil
	}
	return s.write(mockWire{ID: id, Result: mustParams(result)})
}

func (s *mockServer) notify(method string, params map[string]any) error {
	return s.write(mockWire{Method: method, Params: mustParams(params)})
}

func (s *mockServer) write(msg mockWire) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *mockServer) pause() {
	if s.cfg.delay > 0 {
		time.Sleep(s.cfg.delay)
	}
}

func mustParams(value map[string]any) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return data
}

// awaitAck waits for a single acknowledgement keystroke. The answer may
// arrive as "y\r" with no trailing newline.
func awaitAck(stdin io.Reader) error {
	buf := make([]byte, 1)
	for {
		n, err := stdin.Read(buf)
		if n > 0 && (buf[0] == '\r' || buf[0] == '\n' || buf[0] == 'y' || buf[0] == 'Y') {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// mockScenarioFor lets the prompt override the configured scenario with a
// mock:<name> directive, so a single long-lived mock can play several
// roles.
func mockScenarioFor(configured, prompt string) string {
	for _, name := range []string{"failure", "command", "patch"} {
		if strings.Contains(prompt, "mock:"+name) {
			return name
		}
	}
	if configured != "" {
		return configured
	}
	return "message"
}

// runPrintMock imitates a compat backend's print mode: one process per
// turn, stream-json lines on stdout.
func runPrintMock(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) error {
	var sessionID string
	var prompt []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-p", "--verbose":
		case "--output-format":
			i++
		case "--resume":
			if i+1 < len(args) {
				i++
				sessionID = args[i]
			}
		default:
			prompt = append(prompt, args[i])
		}
	}
	text := strings.Join(prompt, " ")
	if strings.TrimSpace(text) == "" {
		err := errors.New("no prompt provided")
		_, _ = fmt.Fprintln(stderr, err.Error())
		return err
	}
	if sessionID == "" {
		sessionID = fmt.Sprintf("mock-session-%d", time.Now().UnixNano())
	}

	writer := bufio.NewWriter(stdout)
	defer func() { _ = writer.Flush() }()
	emit := func(value map[string]any) error {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if _, err := writer.Write(append(data, '\n')); err != nil {
			return err
		}
		return writer.Flush()
	}

	if err := emit(map[string]any{"type": "system", "subtype": "init", "session_id": sessionID}); err != nil {
		return err
	}
	if strings.Contains(text, "mock:approval") {
		_, _ = fmt.Fprintln(writer, "Do you want to proceed? (y/n)")
		_ = writer.Flush()
		if err := awaitAck(stdin); err != nil {
			return err
		}
	}
	for _, chunk := range []string{"Looked at the request. ", "Done."} {
		if err := emit(map[string]any{
			"type":  "content_block_delta",
			"delta": map[string]any{"type": "text_delta", "text": chunk},
		}); err != nil {
			return err
		}
	}
	result := map[string]any{"type": "result", "session_id": sessionID, "result": "Done."}
	if strings.Contains(text, "mock:error") {
		result["is_error"] = true
		result["result"] = "mock turn failure"
	}
	return emit(result)
}

package shim

import "pkt.systems/agentmux/schema"

// profile describes how one compat backend is driven through the terminal.
type profile struct {
	// streamJSON marks backends whose print mode emits structured lines.
	streamJSON bool
	// resumeFlag reattaches a previous conversation, when supported.
	resumeFlag string
	// approveAnswer is the keystroke sequence that accepts a prompt.
	approveAnswer string
	// denyAnswer is the keystroke sequence that rejects a prompt.
	denyAnswer string
	// turnArgs builds the per-turn argument list.
	turnArgs func(p profile, sessionID, prompt string, extra []string) []string
}

func profileFor(kind schema.BackendKind) profile {
	switch kind {
	case schema.BackendClaude:
		return profile{
			streamJSON:    true,
			resumeFlag:    "--resume",
			approveAnswer: "y\r",
			denyAnswer:    "n\r",
			turnArgs:      printModeArgs([]string{"-p", "--output-format", "stream-json", "--verbose"}),
		}
	default:
		return profile{
			streamJSON:    true,
			approveAnswer: "y\r",
			denyAnswer:    "n\r",
			turnArgs:      printModeArgs([]string{"-p", "--output-format", "stream-json"}),
		}
	}
}

func printModeArgs(base []string) func(p profile, sessionID, prompt string, extra []string) []string {
	return func(p profile, sessionID, prompt string, extra []string) []string {
		args := append([]string(nil), base...)
		if sessionID != "" && p.resumeFlag != "" {
			args = append(args, p.resumeFlag, sessionID)
		}
		args = append(args, extra...)
		args = append(args, prompt)
		return args
	}
}

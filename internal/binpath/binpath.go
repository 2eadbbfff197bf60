// Package binpath locates agent CLI binaries. GUI-launched and
// service-launched processes often inherit a minimal PATH, so lookups run
// against an augmented PATH covering the places agent CLIs actually install
// to, including per-user node version managers.
package binpath

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/agentmux/schema"
)

// ErrNotFound indicates the backend binary could not be located.
var ErrNotFound = errors.New("binary not found")

const probeTimeout = 5 * time.Second

var systemDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// DefaultBinary returns the conventional binary name for a backend.
func DefaultBinary(kind schema.BackendKind) string {
	switch kind {
	case schema.BackendCodex:
		return "codex"
	case schema.BackendGemini:
		return "gemini"
	case schema.BackendClaude:
		return "claude"
	case schema.BackendCursor:
		return "cursor-agent"
	default:
		return string(kind)
	}
}

// AugmentedPath builds a PATH value extending the inherited one with system
// directories, per-user install directories, nvm node bins, and the parent of
// an explicitly configured binary.
func AugmentedPath(kind schema.BackendKind, binary string) string {
	paths := splitPath(os.Getenv("PATH"))
	extras := append([]string{}, systemDirs...)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		extras = append(extras,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".local", "share", "mise", "shims"),
			filepath.Join(home, ".cargo", "bin"),
			filepath.Join(home, ".bun", "bin"),
		)
		switch kind {
		case schema.BackendGemini:
			extras = append(extras, filepath.Join(home, "google-cloud-sdk", "bin"))
		case schema.BackendClaude:
			extras = append(extras, filepath.Join(home, ".claude", "bin"))
		}
		extras = append(extras, nvmNodeBins(home)...)
	}
	if binary = strings.TrimSpace(binary); binary != "" && strings.ContainsRune(binary, os.PathSeparator) {
		extras = append(extras, filepath.Dir(binary))
	}
	for _, extra := range extras {
		if !contains(paths, extra) {
			paths = append(paths, extra)
		}
	}
	return strings.Join(paths, string(os.PathListSeparator))
}

// Environ returns the current environment with PATH replaced by the
// augmented value for kind.
func Environ(kind schema.BackendKind, binary string) []string {
	augmented := AugmentedPath(kind, binary)
	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, "PATH=") {
			continue
		}
		out = append(out, entry)
	}
	return append(out, "PATH="+augmented)
}

// Resolve locates the binary for a backend on the augmented PATH. An empty
// binary falls back to the backend's conventional name. An absolute or
// relative path is checked directly.
func Resolve(kind schema.BackendKind, binary string) (string, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = DefaultBinary(kind)
	}
	if strings.ContainsRune(binary, os.PathSeparator) {
		info, err := os.Stat(binary)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrNotFound, binary)
		}
		return binary, nil
	}
	for _, dir := range splitPath(AugmentedPath(kind, binary)) {
		candidate := filepath.Join(dir, binary)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: install the %s CLI and ensure %q is on your PATH", ErrNotFound, kind, binary)
}

// Probe resolves the backend binary and runs it with --version to confirm it
// is installed and executable. It returns the trimmed version output.
func Probe(ctx context.Context, kind schema.BackendKind, binary string) (string, error) {
	path, err := Resolve(kind, binary)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Env = Environ(kind, binary)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("timed out probing %s: make sure %q --version runs in a terminal", kind, binary)
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("probe %s: %s", kind, detail)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func nvmNodeBins(home string) []string {
	root := filepath.Join(home, ".nvm", "versions", "node")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var bins []string
	for _, entry := range entries {
		bin := filepath.Join(root, entry.Name(), "bin")
		if info, err := os.Stat(bin); err == nil && info.IsDir() {
			bins = append(bins, bin)
		}
	}
	return bins
}

func splitPath(value string) []string {
	var out []string
	for _, part := range strings.Split(value, string(os.PathListSeparator)) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

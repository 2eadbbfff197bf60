// Package git shells out to the git CLI for workspace introspection.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"pkt.systems/pslog"
)

// Run executes a git command in the provided directory.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	log := pslog.Ctx(ctx).With("dir", dir, "args", strings.Join(args, " "))
	log.Debug("git run start")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		preview := strings.TrimSpace(string(output))
		truncated := false
		if len(preview) > 200 {
			preview = preview[:200]
			truncated = true
		}
		log.Debug("git run failed", "err", err, "output", preview, "truncated", truncated)
		return string(output), fmt.Errorf("git %s failed: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	log.Debug("git run ok", "output_len", len(output))
	return string(output), nil
}

// Branch reports the checked-out branch name, or the abbreviated commit
// when HEAD is detached.
func Branch(ctx context.Context, dir string) (string, error) {
	output, err := Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(output)
	if branch == "HEAD" {
		output, err = Run(ctx, dir, "rev-parse", "--short", "HEAD")
		if err != nil {
			return "", err
		}
		branch = strings.TrimSpace(output)
	}
	return branch, nil
}

// Dirty reports whether the worktree has uncommitted changes.
func Dirty(ctx context.Context, dir string) (bool, error) {
	output, err := Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

package schema

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// ServiceConfig defines defaults and limits for the orchestration service.
type ServiceConfig struct {
	StateDir string
	// RestartAttempts bounds session restarts after an unexpected exit.
	RestartAttempts int
	// RestartBackoff is the initial backoff; doubled per attempt.
	RestartBackoff time.Duration
	// ApprovalDeadline resolves unanswered approvals with the default
	// policy decision after this duration. Zero disables the deadline.
	ApprovalDeadline time.Duration
	// InitTimeout bounds the initialize handshake at session start.
	InitTimeout time.Duration
	// ShutdownGrace is how long to wait between the graceful stop signal
	// and the forced kill.
	ShutdownGrace time.Duration
	// ApprovalPolicy overrides the default auto-resolution decision per
	// approval kind.
	ApprovalPolicy map[ApprovalKind]ApprovalDecision
}

// DefaultRestartAttempts is the default restart budget per session.
const DefaultRestartAttempts = 3

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".agentmux", "state")
	}
	if cfg.RestartAttempts < 0 {
		return ServiceConfig{}, errors.New("restart attempts must not be negative")
	}
	if cfg.RestartAttempts == 0 {
		cfg.RestartAttempts = DefaultRestartAttempts
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = 250 * time.Millisecond
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 15 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.ApprovalDeadline < 0 {
		return ServiceConfig{}, errors.New("approval deadline must not be negative")
	}
	return cfg, nil
}

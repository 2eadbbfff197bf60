package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/agentmux/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int               `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string            `mapstructure:"state_dir" yaml:"state_dir"`
	Session       SessionConfig     `mapstructure:"session" yaml:"session"`
	Approvals     ApprovalsConfig   `mapstructure:"approvals" yaml:"approvals"`
	Workspaces    []WorkspaceConfig `mapstructure:"workspaces" yaml:"workspaces"`
	Logging       LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// SessionConfig controls agent session lifecycle behavior.
type SessionConfig struct {
	RestartAttempts      int `mapstructure:"restart_attempts" yaml:"restart_attempts"`
	RestartBackoffMillis int `mapstructure:"restart_backoff_millis" yaml:"restart_backoff_millis"`
	InitTimeoutSeconds   int `mapstructure:"init_timeout_seconds" yaml:"init_timeout_seconds"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds"`
}

// ApprovalsConfig controls approval routing.
type ApprovalsConfig struct {
	// DeadlineSeconds resolves unanswered approvals with the default policy
	// after this many seconds. Zero disables the deadline.
	DeadlineSeconds int `mapstructure:"deadline_seconds" yaml:"deadline_seconds"`
	// Policy overrides the default decision per approval kind. Keys are
	// approval kinds, values are approve or deny.
	Policy map[string]string `mapstructure:"policy" yaml:"policy"`
}

// WorkspaceConfig declares a workspace to connect at startup.
type WorkspaceConfig struct {
	ID      string            `mapstructure:"id" yaml:"id"`
	Path    string            `mapstructure:"path" yaml:"path"`
	Backend string            `mapstructure:"backend" yaml:"backend"`
	Binary  string            `mapstructure:"binary" yaml:"binary"`
	Args    []string          `mapstructure:"args" yaml:"args"`
	Env     map[string]string `mapstructure:"env" yaml:"env"`
}

// LoggingConfig controls event logging behavior.
type LoggingConfig struct {
	// LogRawEvents includes the raw protocol payload on logged events.
	LogRawEvents bool `mapstructure:"log_raw_events" yaml:"log_raw_events"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".agentmux", "state"),
		Session: SessionConfig{
			RestartAttempts:      schema.DefaultRestartAttempts,
			RestartBackoffMillis: 250,
			InitTimeoutSeconds:   15,
			ShutdownGraceSeconds: 5,
		},
		Approvals: ApprovalsConfig{
			DeadlineSeconds: 0,
			Policy:          map[string]string{},
		},
		Workspaces: []WorkspaceConfig{},
		Logging: LoggingConfig{
			LogRawEvents: false,
		},
	}, nil
}

// ServiceConfig converts the loaded config into the service's config.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:         c.StateDir,
		RestartAttempts:  c.Session.RestartAttempts,
		RestartBackoff:   time.Duration(c.Session.RestartBackoffMillis) * time.Millisecond,
		ApprovalDeadline: time.Duration(c.Approvals.DeadlineSeconds) * time.Second,
		InitTimeout:      time.Duration(c.Session.InitTimeoutSeconds) * time.Second,
		ShutdownGrace:    time.Duration(c.Session.ShutdownGraceSeconds) * time.Second,
		ApprovalPolicy:   approvalPolicy(c.Approvals.Policy),
	}
}

func approvalPolicy(policy map[string]string) map[schema.ApprovalKind]schema.ApprovalDecision {
	if len(policy) == 0 {
		return nil
	}
	out := make(map[schema.ApprovalKind]schema.ApprovalDecision, len(policy))
	for kind, decision := range policy {
		out[schema.ApprovalKind(kind)] = schema.ApprovalDecision(decision)
	}
	return out
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agentmux", "config.yaml"), nil
}

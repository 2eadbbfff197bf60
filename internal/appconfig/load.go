package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/agentmux/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("session.restart_attempts", cfg.Session.RestartAttempts)
	v.SetDefault("session.restart_backoff_millis", cfg.Session.RestartBackoffMillis)
	v.SetDefault("session.init_timeout_seconds", cfg.Session.InitTimeoutSeconds)
	v.SetDefault("session.shutdown_grace_seconds", cfg.Session.ShutdownGraceSeconds)
	v.SetDefault("approvals.deadline_seconds", cfg.Approvals.DeadlineSeconds)
	v.SetDefault("approvals.policy", cfg.Approvals.Policy)
	v.SetDefault("logging.log_raw_events", cfg.Logging.LogRawEvents)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if os.IsNotExist(err) {
				err = nil
			} else {
				return Config{}, err
			}
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Session.RestartAttempts < 0 {
		return fmt.Errorf("session.restart_attempts must not be negative")
	}
	if cfg.Session.RestartBackoffMillis < 0 {
		return fmt.Errorf("session.restart_backoff_millis must not be negative")
	}
	if cfg.Approvals.DeadlineSeconds < 0 {
		return fmt.Errorf("approvals.deadline_seconds must not be negative")
	}
	for kind, decision := range cfg.Approvals.Policy {
		switch schema.ApprovalDecision(decision) {
		case schema.DecisionApprove, schema.DecisionDeny:
		default:
			return fmt.Errorf("approvals.policy[%s]: decision must be approve or deny, got %q", kind, decision)
		}
	}
	seen := map[string]bool{}
	for i, ws := range cfg.Workspaces {
		id := strings.TrimSpace(ws.ID)
		if id == "" {
			return fmt.Errorf("workspaces[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("workspaces[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if strings.TrimSpace(ws.Path) == "" {
			return fmt.Errorf("workspaces[%d]: path is required", i)
		}
		if _, err := schema.CapabilitiesFor(schema.BackendKind(ws.Backend)); err != nil {
			return fmt.Errorf("workspaces[%d]: unknown backend %q (known: %s)", i, ws.Backend, knownBackends())
		}
	}
	return nil
}

func knownBackends() string {
	kinds := schema.KnownBackends()
	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, string(kind))
	}
	return strings.Join(parts, ", ")
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	for i := range cfg.Workspaces {
		cfg.Workspaces[i].Path = expandEnv(cfg.Workspaces[i].Path)
		cfg.Workspaces[i].Binary = expandEnv(cfg.Workspaces[i].Binary)
	}
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// ThreadRecord captures one thread's durable metadata. Live turn state is
// never persisted; a restored thread always starts idle.
type ThreadRecord struct {
	ID       schema.ThreadID   `json:"id"`
	Name     schema.ThreadName `json:"name,omitempty"`
	Pinned   bool              `json:"pinned,omitempty"`
	Archived bool              `json:"archived,omitempty"`
	ForkOf   schema.ThreadID   `json:"fork_of,omitempty"`
	RemoteID schema.ThreadID   `json:"remote_id,omitempty"`
}

// WorkspaceRecord captures a workspace's thread metadata for persistence.
type WorkspaceRecord struct {
	Backend schema.BackendKind `json:"backend"`
	Path    string             `json:"path"`
	Order   []schema.ThreadID  `json:"order"`
	Threads []ThreadRecord     `json:"threads"`
}

// Store persists workspace records to disk, one JSON file per workspace.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a workspace record from disk.
func (s *Store) Load(workspaceID schema.WorkspaceID) (WorkspaceRecord, bool, error) {
	path := s.pathForWorkspace(workspaceID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "workspace", workspaceID)
			}
			return WorkspaceRecord{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "workspace", workspaceID, "err", err)
		}
		return WorkspaceRecord{}, false, err
	}
	var record WorkspaceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "workspace", workspaceID, "err", err)
		}
		return WorkspaceRecord{}, false, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "workspace", workspaceID, "threads", len(record.Threads))
	}
	return record, true, nil
}

// Save writes a workspace record to disk atomically.
func (s *Store) Save(workspaceID schema.WorkspaceID, record WorkspaceRecord) error {
	path := s.pathForWorkspace(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "workspace", workspaceID, "threads", len(record.Threads))
	}
	return nil
}

// Delete removes a workspace record from disk. Missing records are not an
// error.
func (s *Store) Delete(workspaceID schema.WorkspaceID) error {
	path := s.pathForWorkspace(workspaceID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		if s.log != nil {
			s.log.Warn("state delete failed", "workspace", workspaceID, "err", err)
		}
		return err
	}
	return nil
}

func (s *Store) pathForWorkspace(workspaceID schema.WorkspaceID) string {
	name := sanitize(string(workspaceID))
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}

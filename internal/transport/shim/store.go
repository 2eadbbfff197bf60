package shim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/agentmux/schema"
)

// sessionStore persists the mapping between conversation ids and the
// backend's own session ids, so conversations survive a process restart on
// backends that support resuming.
type sessionStore struct {
	path string

	mu       sync.Mutex
	sessions map[schema.ThreadID]string
}

func openSessionStore(dir string, workspaceID schema.WorkspaceID) *sessionStore {
	path := filepath.Join(dir, "shim-sessions", sanitize(string(workspaceID))+".json")
	store := &sessionStore{path: path, sessions: make(map[schema.ThreadID]string)}
	data, err := os.ReadFile(path)
	if err == nil {
		// A corrupt store means the backend sessions are unrecoverable;
		// start over rather than fail the workspace.
		_ = json.Unmarshal(data, &store.sessions)
	}
	return store
}

func (s *sessionStore) Get(id schema.ThreadID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *sessionStore) Set(id schema.ThreadID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" || s.sessions[id] == sessionID {
		return nil
	}
	s.sessions[id] = sessionID
	return s.saveLocked()
}

// Copy records dst as a conversation continuing from src's session.
func (s *sessionStore) Copy(src, dst schema.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID := s.sessions[src]
	if sessionID == "" {
		return nil
	}
	s.sessions[dst] = sessionID
	return s.saveLocked()
}

func (s *sessionStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".shim-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o600); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, s.path)
}

func sanitize(value string) string {
	out := make([]rune, 0, len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

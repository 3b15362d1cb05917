// Package owner persists which principal owns which terminal session.
package owner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store is a durable session_id → principal mapping. The whole map is
// rewritten on every mutation via a temp file renamed over the live one, so
// readers never observe a partial write.
type Store struct {
	mu     sync.Mutex
	path   string
	owners map[string]string
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		owners: make(map[string]string),
		logger: logger,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read owner store: %w", err)
	}
	if err := json.Unmarshal(data, &s.owners); err != nil {
		// Corrupt file: start fresh rather than refuse to boot.
		logger.Warn("owner store corrupt, resetting", "path", path, "error", err)
		s.owners = make(map[string]string)
	}
	return s, nil
}

// Assign records that principal owns sessionID.
func (s *Store) Assign(sessionID, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[sessionID] = principal
	return s.save()
}

// Remove drops the ownership row. Removing an unknown row is a no-op.
func (s *Store) Remove(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[sessionID]; !ok {
		return nil
	}
	delete(s.owners, sessionID)
	return s.save()
}

// Owner returns the principal owning sessionID.
func (s *Store) Owner(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	principal, ok := s.owners[sessionID]
	return principal, ok
}

// SessionsFor returns every session ID owned by principal.
func (s *Store) SessionsFor(principal string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for sid, p := range s.owners {
		if p == principal {
			ids = append(ids, sid)
		}
	}
	return ids
}

// CountFor returns the number of sessions owned by principal.
func (s *Store) CountFor(principal string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.owners {
		if p == principal {
			n++
		}
	}
	return n
}

// AllSessionIDs returns every tracked session ID.
func (s *Store) AllSessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.owners))
	for sid := range s.owners {
		ids = append(ids, sid)
	}
	return ids
}

// save writes the full map atomically. Caller holds s.mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create owner store dir: %w", err)
	}
	data, err := json.MarshalIndent(s.owners, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal owner store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write owner store temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename owner store: %w", err)
	}
	return nil
}

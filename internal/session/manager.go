package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vibeterm/broker/internal/config"
	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/ports"
)

// workspaceUID/GID is the in-container user the workspace must belong to.
const (
	workspaceUID = 1000
	workspaceGID = 1000
)

// Manager owns the session table and drives the container runtime.
//
// Lock ordering: the manager lock before any session's lock. Neither lock is
// ever held across a runtime call, a sleep, or disk I/O; long operations run
// against a table entry already parked in Creating or Deleting.
type Manager struct {
	cfg     *config.Config
	runtime Runtime
	ports   *ports.Allocator
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// settle is the wait for the in-container agent to come up after a
	// container (re)start. Shrunk to zero in tests.
	settle time.Duration
}

type Option func(*Manager)

// WithSettle overrides the agent startup wait.
func WithSettle(d time.Duration) Option {
	return func(m *Manager) { m.settle = d }
}

func NewManager(cfg *config.Config, rt Runtime, alloc *ports.Allocator, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		runtime:  rt,
		ports:    alloc,
		logger:   logger,
		sessions: make(map[string]*Session),
		settle:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the session without creating it, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// List returns a snapshot of all sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// AcquireRef pins a Ready session for a transport. The caller must pair it
// with ReleaseRef on every exit path.
func (m *Manager) AcquireRef(sessionID string) (*Session, error) {
	s := m.Get(sessionID)
	if s == nil {
		return nil, ErrNotFound
	}
	if err := s.acquireRef(); err != nil {
		return nil, err
	}
	return s, nil
}

// ReleaseRef releases a ref obtained from AcquireRef.
func (m *Manager) ReleaseRef(s *Session) {
	s.releaseRef()
}

// GetOrCreate returns a Ready session for sessionID, spawning a container if
// needed. Double-check locking: the fast path avoids the manager lock
// entirely when the session is already Ready and its container is running.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	if s := m.Get(sessionID); s != nil && s.State() == Ready {
		details, err := m.runtime.InspectContainer(ctx, s.ContainerName)
		if err == nil && details.Status == "running" {
			s.Touch()
			return s, nil
		}
		// Container is gone or stopped under us; rebuild below.
		s.setState(Deleting)
	}

	m.mu.Lock()
	if s := m.sessions[sessionID]; s != nil {
		if s.State() == Ready {
			m.mu.Unlock()
			return s, nil
		}
		// Stale entry from a dead container or a failed create.
		delete(m.sessions, sessionID)
		if s.Port != 0 {
			m.ports.Release(s.Port)
		}
	}

	s := &Session{
		ID:            sessionID,
		ContainerName: docker.ContainerName(sessionID),
		Workspace:     m.cfg.WorkspaceDir(sessionID),
		CreatedAt:     time.Now(),
		state:         Creating,
		lastAccessed:  time.Now(),
	}
	port, err := m.ports.Acquire()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s.Port = port
	m.sessions[sessionID] = s
	m.mu.Unlock()

	if err := m.spawnContainer(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.ports.Release(port)
		m.mu.Unlock()
		return nil, err
	}

	s.setState(Ready)
	m.logger.Info("session ready", "session_id", short(sessionID), "port", s.Port)
	return s, nil
}

// spawnContainer creates the workspace and container, then waits for the
// agent. Runs with the session parked in Creating; no locks held.
func (m *Manager) spawnContainer(ctx context.Context, s *Session) error {
	if err := os.MkdirAll(s.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.Chmod(s.Workspace, 0o755); err != nil {
		return fmt.Errorf("chmod workspace: %w", err)
	}
	if err := os.Chown(s.Workspace, workspaceUID, workspaceGID); err != nil {
		// Non-root broker: the bind mount still works, files just stay
		// owned by the broker user.
		m.logger.Warn("chown workspace failed", "session_id", short(s.ID), "error", err)
	}

	containerID, err := m.runtime.CreateSessionContainer(ctx, docker.CreateOpts{
		SessionID:    s.ID,
		Image:        m.cfg.Image,
		HostPort:     s.Port,
		WorkspaceDir: s.Workspace,
		MemoryBytes:  int64(m.cfg.MemLimitMB) * 1024 * 1024,
		CPULimit:     m.cfg.CPULimit,
	})
	if err != nil {
		return fmt.Errorf("spawn container: %w", err)
	}
	s.ContainerID = containerID

	// Wait for the agent, with one retry on a slow start.
	if err := m.waitRunning(ctx, s.ContainerName); err != nil {
		m.runtime.RemoveContainer(ctx, s.ContainerName)
		return err
	}
	return nil
}

// waitRunning sleeps the settle period and verifies the container reports
// running, retrying once. A failed inspect burns the attempt rather than
// aborting: the daemon may still be busy with the start.
func (m *Manager) waitRunning(ctx context.Context, name string) error {
	var lastStatus string
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := sleepCtx(ctx, m.settle); err != nil {
			return err
		}
		details, err := m.runtime.InspectContainer(ctx, name)
		if err != nil {
			lastErr = err
			continue
		}
		if details.Status == "running" {
			return nil
		}
		lastStatus = details.Status
		lastErr = nil
	}
	if lastErr != nil {
		return fmt.Errorf("inspect after start: %w", lastErr)
	}
	return fmt.Errorf("container %s not running after start (status=%s)", name, lastStatus)
}

// Delete tears down a session. Without force it refuses while transports
// hold refs. Returns true if this call performed the teardown.
func (m *Manager) Delete(ctx context.Context, sessionID string, force bool) bool {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil {
		m.mu.Unlock()
		return false
	}
	s.mu.Lock()
	if !force && !s.canDelete() {
		s.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	s.state = Deleting
	s.mu.Unlock()
	delete(m.sessions, sessionID)
	if s.Port != 0 {
		m.ports.Release(s.Port)
	}
	m.mu.Unlock()

	// Best-effort cleanup outside the locks.
	if err := m.runtime.RemoveContainer(ctx, s.ContainerName); err != nil {
		m.logger.Warn("remove container", "session_id", short(sessionID), "error", err)
	}
	if s.Workspace != "" {
		if err := os.RemoveAll(s.Workspace); err != nil {
			m.logger.Warn("remove workspace", "session_id", short(sessionID), "error", err)
		}
	}
	m.logger.Info("session deleted", "session_id", short(sessionID), "force", force)
	return true
}

// Recover re-registers containers left over from a previous broker run.
// Running containers come back as Ready sessions; stopped ones are restarted
// first; anything unrecoverable is removed. Safe to call again: containers
// already in the table are skipped.
func (m *Manager) Recover(ctx context.Context) {
	ids, err := m.runtime.ListSessionContainers(ctx)
	if err != nil {
		m.logger.Error("recovery: list containers", "error", err)
		return
	}

	recovered := 0
	for _, id := range ids {
		if m.recoverContainer(ctx, id) {
			recovered++
		}
	}
	if recovered > 0 {
		m.logger.Info("recovered sessions from previous run", "count", recovered)
	}
}

func (m *Manager) recoverContainer(ctx context.Context, id string) bool {
	details, err := m.runtime.InspectContainer(ctx, id)
	if err != nil {
		m.logger.Error("recovery: inspect", "container", id, "error", err)
		return false
	}

	sessionID := sessionIDFromWorkspace(details.WorkspacePath)
	if sessionID == "" {
		m.logger.Warn("recovery: cannot derive session id, removing", "container", details.Name)
		m.runtime.RemoveContainer(ctx, id)
		return false
	}
	if m.Get(sessionID) != nil {
		return false
	}

	if details.Status != "running" {
		m.logger.Info("recovery: restarting stopped container", "container", details.Name, "status", details.Status)
		if err := m.runtime.StartContainer(ctx, id); err != nil {
			m.logger.Error("recovery: restart failed, removing", "container", details.Name, "error", err)
			m.runtime.RemoveContainer(ctx, id)
			return false
		}
		if err := sleepCtx(ctx, m.settle); err != nil {
			return false
		}
		details, err = m.runtime.InspectContainer(ctx, id)
		if err != nil || details.Status != "running" {
			m.logger.Warn("recovery: container did not come up, removing", "container", id)
			m.runtime.RemoveContainer(ctx, id)
			return false
		}
	}

	if details.HostPort == 0 {
		m.logger.Warn("recovery: no port binding, removing", "container", details.Name)
		m.runtime.RemoveContainer(ctx, id)
		return false
	}

	createdAt := details.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	s := Restore(sessionID, details.ID, details.Name, details.HostPort, details.WorkspacePath, createdAt)

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return false
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()
	m.ports.MarkAllocated(s.Port)

	m.logger.Info("recovered session", "session_id", short(sessionID), "container", details.Name, "port", s.Port)
	return true
}

// sessionIDFromWorkspace derives the session id from the workspace bind's
// host path. The workspace directory is the state of record; a container
// without one is unrecoverable.
func sessionIDFromWorkspace(path string) string {
	if path == "" {
		return ""
	}
	base := filepath.Base(path)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// short truncates session ids for logging.
func short(sessionID string) string {
	if len(sessionID) > 12 {
		return sessionID[:12]
	}
	return sessionID
}

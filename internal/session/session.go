package session

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrNotReady = errors.New("session not ready")
)

// State is the session lifecycle state.
//
// Transitions: Creating -> Ready -> Deleting -> (removed).
type State int

const (
	Creating State = iota
	Ready
	Deleting
)

func (s State) String() string {
	switch s {
	case Creating:
		return "CREATING"
	case Ready:
		return "READY"
	case Deleting:
		return "DELETING"
	default:
		return "UNKNOWN"
	}
}

// Session is one user terminal backed by one container. The mutex protects
// state, refCount and lastAccessed; the identity fields are written once
// during creation/recovery and read-only afterwards.
type Session struct {
	ID            string
	ContainerID   string
	ContainerName string
	Port          int
	Workspace     string
	CreatedAt     time.Time

	mu           sync.Mutex
	state        State
	refCount     int
	lastAccessed time.Time
}

// Restore builds a Ready session from recovered container details.
func Restore(id, containerID, containerName string, port int, workspace string, createdAt time.Time) *Session {
	return &Session{
		ID:            id,
		ContainerID:   containerID,
		ContainerName: containerName,
		Port:          port,
		Workspace:     workspace,
		CreatedAt:     createdAt,
		state:         Ready,
		lastAccessed:  time.Now(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}

func (s *Session) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// Touch updates the last-accessed timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccessed = time.Now()
}

// acquireRef increments the ref counter. Only valid in Ready.
func (s *Session) acquireRef() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Ready {
		return ErrNotReady
	}
	s.refCount++
	s.lastAccessed = time.Now()
	return nil
}

// releaseRef decrements the ref counter, clamped at zero.
func (s *Session) releaseRef() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refCount > 0 {
		s.refCount--
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// canDelete reports whether a non-forced delete may proceed. Caller holds s.mu.
func (s *Session) canDelete() bool {
	return s.state == Ready && s.refCount == 0
}

package transport

import (
	"context"

	"github.com/vibeterm/broker/internal/session"
)

// SessionRefs is the manager subset transports use to pin sessions.
type SessionRefs interface {
	AcquireRef(sessionID string) (*session.Session, error)
	ReleaseRef(s *session.Session)
}

// AgentConn is the upstream socket subset the polling transport drives.
// *websocket.Conn satisfies it.
type AgentConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens an upstream connection to the agent on a host port.
type DialFunc func(ctx context.Context, port int) (AgentConn, error)

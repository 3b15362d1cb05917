package api

import (
	"context"
	"time"

	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/session"
	"github.com/vibeterm/broker/internal/transport"
)

// SessionService is the session manager subset the handlers use.
type SessionService interface {
	GetOrCreate(ctx context.Context, sessionID string) (*session.Session, error)
	Get(sessionID string) *session.Session
	List() []*session.Session
	Delete(ctx context.Context, sessionID string, force bool) bool
	AcquireRef(sessionID string) (*session.Session, error)
	ReleaseRef(s *session.Session)
}

// Runtime is used for live container status in the read endpoints.
type Runtime interface {
	InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerDetails, error)
}

// Owners is the ownership map.
type Owners interface {
	Assign(sessionID, principal string) error
	Remove(sessionID string) error
	Owner(sessionID string) (string, bool)
	SessionsFor(principal string) []string
	CountFor(principal string) int
}

// Authenticator gates requests and the login flow.
type Authenticator interface {
	Enabled() bool
	Authenticate(username, password string) bool
	Validate(token string) (string, bool)
	CreateSession(username string) (string, error)
	DestroySession(token string)
	SessionTTL() time.Duration
	IsAdmin(principal string) bool
}

// PollingHub is the long-polling transport table.
type PollingHub interface {
	Connect(ctx context.Context, sessionID string, cols, rows int) error
	Poll(ctx context.Context, sessionID string, cursor int64, timeout time.Duration) (transport.PollResult, error)
	Input(sessionID string, data []byte) error
	Resize(sessionID string, cols, rows int) error
	Disconnect(sessionID string)
}

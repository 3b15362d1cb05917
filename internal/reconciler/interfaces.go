package reconciler

import (
	"context"
	"time"

	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/session"
)

type Sessions interface {
	List() []*session.Session
	Get(sessionID string) *session.Session
	Delete(ctx context.Context, sessionID string, force bool) bool
}

type Runtime interface {
	InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerDetails, error)
	StartContainer(ctx context.Context, nameOrID string) error
}

type Owners interface {
	AllSessionIDs() []string
	Remove(sessionID string) error
}

type AuthSessions interface {
	PurgeExpired() int
}

type Transports interface {
	ReapStale(maxIdle time.Duration) int
}

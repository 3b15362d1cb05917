package session

import (
	"context"

	"github.com/vibeterm/broker/internal/docker"
)

// Runtime is the container runtime subset the manager drives.
type Runtime interface {
	CreateSessionContainer(ctx context.Context, opts docker.CreateOpts) (string, error)
	StartContainer(ctx context.Context, nameOrID string) error
	RemoveContainer(ctx context.Context, nameOrID string) error
	InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerDetails, error)
	ListSessionContainers(ctx context.Context) ([]string, error)
}

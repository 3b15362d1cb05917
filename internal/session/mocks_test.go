package session

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/vibeterm/broker/internal/docker"
)

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) CreateSessionContainer(ctx context.Context, opts docker.CreateOpts) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func (m *MockRuntime) StartContainer(ctx context.Context, nameOrID string) error {
	args := m.Called(ctx, nameOrID)
	return args.Error(0)
}

func (m *MockRuntime) RemoveContainer(ctx context.Context, nameOrID string) error {
	args := m.Called(ctx, nameOrID)
	return args.Error(0)
}

func (m *MockRuntime) InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerDetails, error) {
	args := m.Called(ctx, nameOrID)
	if details := args.Get(0); details != nil {
		return details.(*docker.ContainerDetails), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntime) ListSessionContainers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

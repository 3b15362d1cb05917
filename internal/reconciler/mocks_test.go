package reconciler

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/session"
)

type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) List() []*session.Session {
	args := m.Called()
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*session.Session)
	}
	return nil
}

func (m *MockSessions) Get(sessionID string) *session.Session {
	args := m.Called(sessionID)
	if s := args.Get(0); s != nil {
		return s.(*session.Session)
	}
	return nil
}

func (m *MockSessions) Delete(ctx context.Context, sessionID string, force bool) bool {
	args := m.Called(ctx, sessionID, force)
	return args.Bool(0)
}

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerDetails, error) {
	args := m.Called(ctx, nameOrID)
	if details := args.Get(0); details != nil {
		return details.(*docker.ContainerDetails), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRuntime) StartContainer(ctx context.Context, nameOrID string) error {
	args := m.Called(ctx, nameOrID)
	return args.Error(0)
}

type MockOwners struct {
	mock.Mock
}

func (m *MockOwners) AllSessionIDs() []string {
	args := m.Called()
	if sids := args.Get(0); sids != nil {
		return sids.([]string)
	}
	return nil
}

func (m *MockOwners) Remove(sessionID string) error {
	args := m.Called(sessionID)
	return args.Error(0)
}

type MockAuthSessions struct {
	mock.Mock
}

func (m *MockAuthSessions) PurgeExpired() int {
	args := m.Called()
	return args.Int(0)
}

type MockTransports struct {
	mock.Mock
}

func (m *MockTransports) ReapStale(maxIdle time.Duration) int {
	args := m.Called(maxIdle)
	return args.Int(0)
}

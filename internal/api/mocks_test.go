package api

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/session"
	"github.com/vibeterm/broker/internal/transport"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) GetOrCreate(ctx context.Context, sessionID string) (*session.Session, error) {
	args := m.Called(ctx, sessionID)
	if s := args.Get(0); s != nil {
		return s.(*session.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Get(sessionID string) *session.Session {
	args := m.Called(sessionID)
	if s := args.Get(0); s != nil {
		return s.(*session.Session)
	}
	return nil
}

func (m *MockSessionService) List() []*session.Session {
	args := m.Called()
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*session.Session)
	}
	return nil
}

func (m *MockSessionService) Delete(ctx context.Context, sessionID string, force bool) bool {
	args := m.Called(ctx, sessionID, force)
	return args.Bool(0)
}

func (m *MockSessionService) AcquireRef(sessionID string) (*session.Session, error) {
	args := m.Called(sessionID)
	if s := args.Get(0); s != nil {
		return s.(*session.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) ReleaseRef(s *session.Session) {
	m.Called(s)
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

type MockHub struct {
	mock.Mock
}

func (m *MockHub) Connect(ctx context.Context, sessionID string, cols, rows int) error {
	args := m.Called(ctx, sessionID, cols, rows)
	return args.Error(0)
}

func (m *MockHub) Poll(ctx context.Context, sessionID string, cursor int64, timeout time.Duration) (transport.PollResult, error) {
	args := m.Called(ctx, sessionID, cursor, timeout)
	return args.Get(0).(transport.PollResult), args.Error(1)
}

func (m *MockHub) Input(sessionID string, data []byte) error {
	args := m.Called(sessionID, data)
	return args.Error(0)
}

func (m *MockHub) Resize(sessionID string, cols, rows int) error {
	args := m.Called(sessionID, cols, rows)
	return args.Error(0)
}

func (m *MockHub) Disconnect(sessionID string) {
	m.Called(sessionID)
}

// fakeAuth is a stateful Authenticator for handler tests.
type fakeAuth struct {
	enabled bool
	// username -> password
	users map[string]string
	// token -> username
	tokens map[string]string
	admins map[string]bool
	nextID int
}

func newFakeAuth(enabled bool) *fakeAuth {
	return &fakeAuth{
		enabled: enabled,
		users:   make(map[string]string),
		tokens:  make(map[string]string),
		admins:  make(map[string]bool),
	}
}

func (f *fakeAuth) Enabled() bool { return f.enabled }

func (f *fakeAuth) Authenticate(username, password string) bool {
	pw, ok := f.users[username]
	return ok && pw == password
}

func (f *fakeAuth) Validate(token string) (string, bool) {
	username, ok := f.tokens[token]
	return username, ok
}

func (f *fakeAuth) CreateSession(username string) (string, error) {
	f.nextID++
	token := username + "-token"
	f.tokens[token] = username
	return token, nil
}

func (f *fakeAuth) DestroySession(token string) {
	delete(f.tokens, token)
}

func (f *fakeAuth) SessionTTL() time.Duration { return 24 * time.Hour }

func (f *fakeAuth) IsAdmin(principal string) bool {
	if !f.enabled {
		return true
	}
	return f.admins[principal]
}

package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vibeterm/broker/internal/config"
	"github.com/vibeterm/broker/internal/owner"
	"github.com/vibeterm/broker/internal/web"
)

// Session ids used across the handler tests. Generated ids are 86 chars;
// these are the minimum valid length to keep fixtures readable.
const (
	sidAlice = "alice-session-0000000000"
	sidBob   = "bob-session-000000000000"
)

type testServer struct {
	srv      *Server
	sessions *MockSessionService
	runtime  *MockRuntime
	owners   *owner.Store
	auth     *fakeAuth
	hub      *MockHub
}

func newTestServer(t *testing.T, authn *fakeAuth) *testServer {
	t.Helper()
	pages, err := web.New()
	require.NoError(t, err)

	owners, err := owner.New(t.TempDir()+"/session_owners.json", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ts := &testServer{
		sessions: new(MockSessionService),
		runtime:  new(MockRuntime),
		owners:   owners,
		auth:     authn,
		hub:      new(MockHub),
	}
	cfg := &config.Config{MaxSessionsPerUser: 3}
	ts.srv = NewServer(cfg, ts.sessions, ts.runtime, owners, authn, ts.hub, pages,
		slog.New(slog.DiscardHandler))
	ts.srv.insecureCookies = true
	return ts
}

// do runs a request through the full middleware chain.
func (ts *testServer) do(method, target string, body string, cookie string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "vibe_session", Value: cookie})
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

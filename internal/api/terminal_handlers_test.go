package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vibeterm/broker/internal/session"
	"github.com/vibeterm/broker/internal/transport"
)

func newPollServer(t *testing.T) *testServer {
	t.Helper()
	ts := newTestServer(t, newFakeAuth(false))
	require.NoError(t, ts.owners.Assign(sidAlice, "__anonymous__"))
	return ts
}

func TestPollConnect(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Connect", mock.Anything, sidAlice, 120, 40).Return(nil)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/connect?cols=120&rows=40", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "connected", body["status"])
	assert.Equal(t, sidAlice, body["session_id"])
}

func TestPollConnectDefaultsSize(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Connect", mock.Anything, sidAlice, 80, 24).Return(nil)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/connect", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	ts.hub.AssertExpectations(t)
}

func TestPollConnectSessionMissing(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Connect", mock.Anything, sidAlice, 80, 24).Return(session.ErrNotFound)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/connect", "", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollConnectAgentUnreachable(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Connect", mock.Anything, sidAlice, 80, 24).Return(assert.AnError)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/connect", "", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPollReturnsOutput(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Poll", mock.Anything, sidAlice, int64(7), 10*time.Second).
		Return(transport.PollResult{Cursor: 12, Data: []byte("hello"), Missed: false}, nil)

	rec := ts.do(http.MethodGet, "/terminal/"+sidAlice+"/poll?cursor=7&timeout=10", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Cursor int64  `json:"cursor"`
		Data   string `json:"data"`
		Missed bool   `json:"missed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(12), body.Cursor)
	assert.Equal(t, "aGVsbG8=", body.Data)
	assert.False(t, body.Missed)
}

func TestPollGoneMapsTo410(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Poll", mock.Anything, sidAlice, int64(0), 30*time.Second).
		Return(transport.PollResult{}, transport.ErrGone)

	rec := ts.do(http.MethodGet, "/terminal/"+sidAlice+"/poll", "", "")

	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestPollNotConnectedMapsTo404(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Poll", mock.Anything, sidAlice, int64(0), 30*time.Second).
		Return(transport.PollResult{}, transport.ErrNotConnected)

	rec := ts.do(http.MethodGet, "/terminal/"+sidAlice+"/poll", "", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPollInput(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Input", sidAlice, []byte("ls\r")).Return(nil)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/input", "ls\r", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	ts.hub.AssertExpectations(t)
}

func TestPollInputEmptyBodyIsNoop(t *testing.T) {
	ts := newPollServer(t)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/input", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	ts.hub.AssertNotCalled(t, "Input", mock.Anything, mock.Anything)
}

func TestPollResizeRequiresDimensions(t *testing.T) {
	ts := newPollServer(t)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/resize?cols=120", "", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollResize(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Resize", sidAlice, 120, 40).Return(nil)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/resize?cols=120&rows=40", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	ts.hub.AssertExpectations(t)
}

func TestPollDisconnect(t *testing.T) {
	ts := newPollServer(t)
	ts.hub.On("Disconnect", sidAlice)

	rec := ts.do(http.MethodPost, "/terminal/"+sidAlice+"/disconnect", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	ts.hub.AssertExpectations(t)
}

func TestPollEndpointsRequireOwnership(t *testing.T) {
	ts := newTestServer(t, newFakeAuth(false))

	// No ownership row for the sid: every polling endpoint is 404.
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/terminal/" + sidAlice + "/connect"},
		{http.MethodGet, "/terminal/" + sidAlice + "/poll"},
		{http.MethodPost, "/terminal/" + sidAlice + "/input"},
		{http.MethodPost, "/terminal/" + sidAlice + "/resize?cols=80&rows=24"},
		{http.MethodPost, "/terminal/" + sidAlice + "/disconnect"},
	} {
		rec := ts.do(route.method, route.path, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, route.path)
	}
}

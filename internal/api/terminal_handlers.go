package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibeterm/broker/internal/session"
	"github.com/vibeterm/broker/internal/transport"
	"github.com/vibeterm/broker/protocol"
)

// Socket close codes surfaced to the browser. Sent after the upgrade
// because the client script cannot read HTTP error bodies on a failed
// WebSocket handshake.
const (
	wsCloseUnauthorized = 4001
	wsCloseForbidden    = 4003
	wsCloseNotFound     = 4004
)

const maxInputBytes = 1 << 20

var socketUpgrader = websocket.Upgrader{
	Subprotocols: []string{protocol.Subprotocol},
}

// handleTerminalSocket runs the full-duplex tunnel: upgrade, verify
// ownership, pin the session, dial the agent, bridge until either side
// closes.
func (s *Server) handleTerminalSocket(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	client, err := socketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer client.Close()

	p := principal(r)
	if p == "" {
		closeSocket(client, wsCloseUnauthorized, "unauthorized")
		return
	}
	if !validSessionID(sid) {
		closeSocket(client, wsCloseNotFound, "session not found")
		return
	}
	owner, ok := s.owners.Owner(sid)
	if !ok {
		closeSocket(client, wsCloseNotFound, "session not found")
		return
	}
	if owner != p {
		closeSocket(client, wsCloseForbidden, "access denied")
		return
	}

	sess, err := s.sessions.AcquireRef(sid)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			closeSocket(client, wsCloseNotFound, "session not found")
		} else {
			closeSocket(client, websocket.CloseTryAgainLater, "session not ready")
		}
		return
	}
	defer s.sessions.ReleaseRef(sess)

	// The browser's first frame carries the initial terminal size.
	cols, rows := readInitialSize(client)

	agent, err := transport.DialAgent(r.Context(), sess.Port)
	if err != nil {
		s.logger.Error("socket attach: dial agent failed", "session_id", shortSID(sid), "error", err)
		closeSocket(client, websocket.CloseTryAgainLater, "terminal unavailable")
		return
	}
	sizeFrame, err := protocol.InitialSizeFrame(cols, rows)
	if err == nil {
		err = agent.WriteMessage(websocket.BinaryMessage, sizeFrame)
	}
	if err != nil {
		agent.Close()
		closeSocket(client, websocket.CloseTryAgainLater, "terminal unavailable")
		return
	}

	sess.Touch()
	transport.Bridge(r.Context(), client, agent, s.logger)
}

// readInitialSize parses the sizing JSON from the client's first frame,
// falling back to 80x24 on anything unexpected.
func readInitialSize(client *websocket.Conn) (cols, rows int) {
	cols, rows = 80, 24
	client.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer client.SetReadDeadline(time.Time{})

	_, msg, err := client.ReadMessage()
	if err != nil {
		return cols, rows
	}
	var size protocol.WindowSize
	if json.Unmarshal(msg, &size) == nil && size.Columns > 0 && size.Rows > 0 {
		cols, rows = size.Columns, size.Rows
	}
	return cols, rows
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

func (s *Server) handlePollConnect(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	cols := queryInt(r, "cols", 80)
	rows := queryInt(r, "rows", 24)

	if err := s.hub.Connect(r.Context(), sid, cols, rows); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeNotFoundError(w)
		case errors.Is(err, session.ErrNotReady):
			writeAPIError(w, err)
		default:
			s.logger.Error("polling attach failed", "session_id", shortSID(sid), "error", err)
			writeJSON(w, http.StatusServiceUnavailable, APIError{
				Code:    ErrCodeAttachUnavailable,
				Message: "failed to connect to terminal",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "connected",
		"session_id": sid,
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}

	res, err := s.hub.Poll(r.Context(), sid, cursor, timeout)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cursor": res.Cursor,
		"data":   base64.StdEncoding.EncodeToString(res.Data),
		"missed": res.Missed,
	})
}

func (s *Server) handlePollInput(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInputBytes))
	if err != nil {
		writeValidationError(w, "input too large", nil)
		return
	}
	if len(body) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if err := s.hub.Input(sid, body); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePollResize(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	cols := queryInt(r, "cols", 0)
	rows := queryInt(r, "rows", 0)
	if cols <= 0 || rows <= 0 {
		writeValidationError(w, "cols and rows are required", nil)
		return
	}
	if err := s.hub.Resize(sid, cols, rows); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePollDisconnect(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	s.hub.Disconnect(sid)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

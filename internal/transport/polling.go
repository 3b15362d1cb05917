package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibeterm/broker/internal/session"
	"github.com/vibeterm/broker/protocol"
)

// Sentinel errors
var (
	// ErrNotConnected: no polling transport exists for the session.
	ErrNotConnected = errors.New("polling transport not connected")
	// ErrGone: the transport existed but its upstream is dead.
	ErrGone = errors.New("polling transport gone")
)

const (
	minPollTimeout = 1 * time.Second
	maxPollTimeout = 60 * time.Second
)

// PollResult is one long-poll response.
type PollResult struct {
	Cursor int64
	Data   []byte
	Missed bool
}

// Hub owns at most one polling transport per session.
type Hub struct {
	refs     SessionRefs
	dial     DialFunc
	bufLimit int
	logger   *slog.Logger

	mu         sync.Mutex
	transports map[string]*Poller
}

// NewHub builds a hub. bufLimit is the replay buffer cap in bytes.
func NewHub(refs SessionRefs, bufLimit int, logger *slog.Logger) *Hub {
	return &Hub{
		refs:       refs,
		dial:       dialAgentConn,
		bufLimit:   bufLimit,
		logger:     logger,
		transports: make(map[string]*Poller),
	}
}

// WithDial overrides the upstream dialer. Used by tests.
func (h *Hub) WithDial(dial DialFunc) *Hub {
	h.dial = dial
	return h
}

func (h *Hub) get(sessionID string) *Poller {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[sessionID]
}

// Connect attaches a polling client. An existing transport with a live
// upstream just gets a resize; a dead one is discarded and rebuilt. The
// resize doubles as the liveness probe.
func (h *Hub) Connect(ctx context.Context, sessionID string, cols, rows int) error {
	if t := h.get(sessionID); t != nil {
		if err := t.sendResize(cols, rows); err == nil {
			t.touch()
			return nil
		}
		h.remove(t)
	}

	s, err := h.refs.AcquireRef(sessionID)
	if err != nil {
		return err
	}

	conn, err := h.dial(ctx, s.Port)
	if err != nil {
		h.refs.ReleaseRef(s)
		return err
	}
	t := &Poller{
		sessionID:    sessionID,
		sess:         s,
		conn:         conn,
		hub:          h,
		head:         0,
		alive:        true,
		lastActivity: time.Now(),
	}

	frame, err := protocol.InitialSizeFrame(cols, rows)
	if err == nil {
		err = t.send(frame)
	}
	if err != nil {
		t.shutdown()
		return err
	}

	h.mu.Lock()
	if existing := h.transports[sessionID]; existing != nil {
		// Raced with a concurrent Connect; keep the one already installed.
		h.mu.Unlock()
		t.shutdown()
		if rerr := existing.sendResize(cols, rows); rerr != nil {
			return rerr
		}
		existing.touch()
		return nil
	}
	h.transports[sessionID] = t
	h.mu.Unlock()

	go t.readLoop()
	h.logger.Info("polling transport attached", "session_id", sessionID, "cols", cols, "rows", rows)
	return nil
}

// Poll returns buffered output past cursor, waiting up to timeout when the
// buffer has nothing new.
func (h *Hub) Poll(ctx context.Context, sessionID string, cursor int64, timeout time.Duration) (PollResult, error) {
	t := h.get(sessionID)
	if t == nil {
		return PollResult{}, ErrNotConnected
	}
	return t.poll(ctx, cursor, timeout)
}

// Input forwards raw terminal input to the agent.
func (h *Hub) Input(sessionID string, data []byte) error {
	t := h.get(sessionID)
	if t == nil {
		return ErrNotConnected
	}
	if err := t.send(protocol.InputFrame(data)); err != nil {
		t.shutdown()
		return ErrGone
	}
	t.touch()
	return nil
}

// Resize forwards a terminal resize to the agent.
func (h *Hub) Resize(sessionID string, cols, rows int) error {
	t := h.get(sessionID)
	if t == nil {
		return ErrNotConnected
	}
	if err := t.sendResize(cols, rows); err != nil {
		t.shutdown()
		return ErrGone
	}
	t.touch()
	return nil
}

// Disconnect tears down the session's polling transport, if any.
func (h *Hub) Disconnect(sessionID string) {
	if t := h.get(sessionID); t != nil {
		h.remove(t)
	}
}

// ReapStale tears down transports whose upstream died or that have seen no
// endpoint activity within maxIdle. Returns the number reaped.
func (h *Hub) ReapStale(maxIdle time.Duration) int {
	h.mu.Lock()
	var stale []*Poller
	for _, t := range h.transports {
		if !t.isAlive() || time.Since(t.activity()) > maxIdle {
			stale = append(stale, t)
		}
	}
	h.mu.Unlock()

	for _, t := range stale {
		h.logger.Info("reaping stale polling transport", "session_id", t.sessionID)
		h.remove(t)
	}
	return len(stale)
}

// remove drops the transport from the table and shuts it down.
func (h *Hub) remove(t *Poller) {
	h.mu.Lock()
	if h.transports[t.sessionID] == t {
		delete(h.transports, t.sessionID)
	}
	h.mu.Unlock()
	t.shutdown()
}

// Poller is one session's polling transport: the upstream agent socket plus
// a bounded replay buffer addressed by absolute cursor.
type Poller struct {
	sessionID string
	sess      *session.Session
	conn      AgentConn
	hub       *Hub

	writeMu sync.Mutex

	mu           sync.Mutex
	buf          []byte
	head         int64 // absolute offset of buf[0]
	alive        bool
	lastActivity time.Time
	waiters      []chan struct{}

	releaseOnce sync.Once
}

// readLoop consumes agent frames until the upstream closes. Output frames
// feed the buffer; title and preference frames are dropped.
func (t *Poller) readLoop() {
	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			t.hub.logger.Info("polling upstream closed", "session_id", t.sessionID, "error", err)
			t.shutdown()
			return
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case protocol.Output:
			t.appendOutput(msg[1:])
		case protocol.SetWindowTitle, protocol.SetPreferences:
			// No terminal bytes in these.
		}
	}
}

// appendOutput grows the buffer, trims it back under the cap from the head,
// and wakes every parked poll.
func (t *Poller) appendOutput(payload []byte) {
	if len(payload) == 0 {
		return
	}
	t.mu.Lock()
	t.buf = append(t.buf, payload...)
	if over := len(t.buf) - t.hub.bufLimit; over > 0 {
		t.head += int64(over)
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	t.wakeLocked()
	t.mu.Unlock()
}

func (t *Poller) poll(ctx context.Context, cursor int64, timeout time.Duration) (PollResult, error) {
	if timeout < minPollTimeout {
		timeout = minPollTimeout
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if !t.alive {
			t.mu.Unlock()
			return PollResult{}, ErrGone
		}
		res, ok := t.takeLocked(cursor)
		if ok {
			t.lastActivity = time.Now()
			t.mu.Unlock()
			return res, nil
		}
		wake := make(chan struct{})
		t.waiters = append(t.waiters, wake)
		t.lastActivity = time.Now()
		t.mu.Unlock()

		select {
		case <-wake:
			// Recompute; either new data arrived or the upstream died.
		case <-ctx.Done():
			return res, nil
		case <-deadline.C:
			// Output can land between the timer firing and this lock
			// acquisition; the final take must not skip it.
			t.mu.Lock()
			if !t.alive {
				t.mu.Unlock()
				return PollResult{}, ErrGone
			}
			res, _ = t.takeLocked(cursor)
			t.mu.Unlock()
			return res, nil
		}
	}
}

// takeLocked collects buffered output past cursor. The result always carries
// the current tail; ok reports whether any bytes were taken. Caller holds
// t.mu.
func (t *Poller) takeLocked(cursor int64) (PollResult, bool) {
	head := t.head
	tail := head + int64(len(t.buf))
	eff := cursor
	if eff < head {
		eff = head
	}
	if eff < tail {
		data := append([]byte(nil), t.buf[eff-head:]...)
		return PollResult{Cursor: tail, Data: data, Missed: cursor < head}, true
	}
	return PollResult{Cursor: tail}, false
}

// send writes one binary frame upstream. Serialized: the websocket permits
// a single concurrent writer.
func (t *Poller) send(frame []byte) error {
	if !t.isAlive() {
		return ErrGone
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *Poller) sendResize(cols, rows int) error {
	frame, err := protocol.ResizeFrame(cols, rows)
	if err != nil {
		return err
	}
	return t.send(frame)
}

func (t *Poller) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *Poller) activity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

func (t *Poller) isAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

// shutdown marks the transport dead, wakes all parked polls, closes the
// upstream and drops the session ref. Safe to call from any path, any
// number of times.
func (t *Poller) shutdown() {
	t.mu.Lock()
	wasAlive := t.alive
	t.alive = false
	t.wakeLocked()
	t.mu.Unlock()

	if wasAlive {
		t.conn.Close()
	}
	t.releaseOnce.Do(func() {
		t.hub.refs.ReleaseRef(t.sess)
	})
}

// wakeLocked signals every parked poll and clears the list. Caller holds
// t.mu.
func (t *Poller) wakeLocked() {
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

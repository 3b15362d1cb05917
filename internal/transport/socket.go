// Package transport bridges browser connections to the in-container agent:
// a direct WebSocket tunnel and a long-polling fallback with a replay
// buffer.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vibeterm/broker/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	pingInterval = 20 * time.Second
	pongWait     = 20 * time.Second
)

// DialAgent opens the upstream WebSocket to the agent bound on 127.0.0.1.
func DialAgent(ctx context.Context, port int) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		Subprotocols:     []string{protocol.Subprotocol},
	}
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent on port %d: %w", port, err)
	}
	return conn, nil
}

// dialAgentConn adapts DialAgent to the polling hub's DialFunc.
func dialAgentConn(ctx context.Context, port int) (AgentConn, error) {
	return DialAgent(ctx, port)
}

// Bridge relays frames between the client and the agent until either side
// closes. The initial sizing frame must already have been sent by the
// caller. Both connections are closed before Bridge returns.
func Bridge(ctx context.Context, client, agent *websocket.Conn, logger *slog.Logger) {
	g, gctx := errgroup.WithContext(ctx)

	// Tearing down both sockets is what unblocks the copy loops; they have
	// no other cancellation point while parked in ReadMessage.
	g.Go(func() error {
		<-gctx.Done()
		client.Close()
		agent.Close()
		return nil
	})

	g.Go(func() error {
		return relay(client, agent)
	})
	g.Go(func() error {
		return relay(agent, client)
	})
	g.Go(func() error {
		return keepalive(gctx, agent)
	})

	if err := g.Wait(); err != nil && !isExpectedClose(err) {
		logger.Debug("socket bridge ended", "error", err)
	}
}

// relay copies frames one way, preserving binary/text message types. It
// always returns a non-nil error so the errgroup cancels the peer loop.
func relay(src, dst *websocket.Conn) error {
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			return err
		}
	}
}

// keepalive pings the agent and enforces the pong deadline via the read
// deadline: a silent upstream fails the agent-side read loop.
func keepalive(ctx context.Context, agent *websocket.Conn) error {
	agent.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	agent.SetPongHandler(func(string) error {
		return agent.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deadline := time.Now().Add(pongWait)
			if err := agent.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("ping agent: %w", err)
			}
		}
	}
}

func isExpectedClose(err error) bool {
	if err == context.Canceled {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

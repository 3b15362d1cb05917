// The agent runs inside a session container and exposes the shell over a
// websocket on the container's fixed port. The broker is its only client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vibeterm/broker/protocol"
)

const readBufSize = 32 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  readBufSize,
	WriteBufferSize: readBufSize,
	Subprotocols:    []string{protocol.Subprotocol},
	// The broker dials over the container network; origin checks do not
	// apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type agent struct {
	shell   string
	workdir string
	logger  *slog.Logger

	// Only one terminal at a time. A new connection displaces the old one
	// so a broker reconnect never gets stuck behind a dead peer.
	mu      sync.Mutex
	current *websocket.Conn
}

func main() {
	listen := flag.String("listen", fmt.Sprintf(":%d", protocol.AgentPort), "listen address")
	shell := flag.String("shell", "", "shell to run (default $SHELL or /bin/bash)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	sh := *shell
	if sh == "" {
		sh = os.Getenv("SHELL")
	}
	if sh == "" {
		sh = "/bin/bash"
	}

	a := &agent{shell: sh, workdir: workdir(), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.handleTerminal)

	logger.Info("agent listening", "addr", *listen, "shell", sh)
	if err := http.ListenAndServe(*listen, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func workdir() string {
	for _, dir := range []string{"/home/vibe/workspace", os.Getenv("HOME")} {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return "/"
}

func (a *agent) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("upgrade failed", "error", err)
		return
	}
	a.adopt(conn)
	defer a.release(conn)
	defer conn.Close()

	size, err := readInitialSize(conn)
	if err != nil {
		a.logger.Warn("handshake failed", "error", err)
		return
	}

	cmd := exec.Command(a.shell, "-l")
	cmd.Dir = a.workdir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(size.Columns),
		Rows: uint16(size.Rows),
	})
	if err != nil {
		a.logger.Error("spawn shell", "error", err)
		return
	}
	defer ptmx.Close()

	a.logger.Info("terminal attached", "pid", cmd.Process.Pid,
		"cols", size.Columns, "rows", size.Rows)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return pumpOutput(conn, ptmx) })
	g.Go(func() error { return pumpInput(conn, ptmx) })
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		ptmx.Close()
		return nil
	})
	err = g.Wait()

	cmd.Process.Kill()
	cmd.Wait()
	a.logger.Info("terminal detached", "pid", cmd.Process.Pid, "reason", err)
}

// adopt makes conn the active terminal, closing whichever connection held
// the slot before.
func (a *agent) adopt(conn *websocket.Conn) {
	a.mu.Lock()
	prev := a.current
	a.current = conn
	a.mu.Unlock()
	if prev != nil {
		a.logger.Info("displacing previous connection")
		prev.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "superseded"),
			time.Now().Add(time.Second))
		prev.Close()
	}
}

func (a *agent) release(conn *websocket.Conn) {
	a.mu.Lock()
	if a.current == conn {
		a.current = nil
	}
	a.mu.Unlock()
}

// readInitialSize consumes the bare sizing JSON that opens every connection.
func readInitialSize(conn *websocket.Conn) (protocol.WindowSize, error) {
	size := protocol.WindowSize{Columns: 80, Rows: 24}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return size, fmt.Errorf("read sizing frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if err := json.Unmarshal(data, &size); err != nil {
		return size, fmt.Errorf("parse sizing frame: %w", err)
	}
	if size.Columns <= 0 || size.Rows <= 0 {
		size.Columns, size.Rows = 80, 24
	}
	return size, nil
}

// pumpOutput frames pty output and ships it to the broker.
func pumpOutput(conn *websocket.Conn, ptmx *os.File) error {
	buf := make([]byte, readBufSize)
	frame := make([]byte, readBufSize+1)
	frame[0] = protocol.Output
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			copy(frame[1:], buf[:n])
			if werr := conn.WriteMessage(websocket.BinaryMessage, frame[:n+1]); werr != nil {
				return fmt.Errorf("write output: %w", werr)
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("shell exited")
			}
			return fmt.Errorf("read pty: %w", err)
		}
	}
}

// pumpInput applies broker frames to the pty.
func pumpInput(conn *websocket.Conn, ptmx *os.File) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case protocol.Input:
			if _, err := ptmx.Write(data[1:]); err != nil {
				return fmt.Errorf("write pty: %w", err)
			}
		case protocol.ResizeTerminal:
			var size protocol.WindowSize
			if err := json.Unmarshal(data[1:], &size); err != nil {
				continue
			}
			if size.Columns > 0 && size.Rows > 0 {
				pty.Setsize(ptmx, &pty.Winsize{
					Cols: uint16(size.Columns),
					Rows: uint16(size.Rows),
				})
			}
		}
	}
}

// Package protocol defines the binary terminal protocol spoken between the
// broker and the in-container agent. Every frame is a single command byte
// followed by the payload, except the very first broker→agent frame on a new
// connection, which carries the bare sizing JSON with no command byte.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Subprotocol is the WebSocket subprotocol negotiated with the agent.
const Subprotocol = "tty"

// AgentPort is the fixed port the agent listens on inside the container.
const AgentPort = 7681

// Agent → broker commands.
const (
	Output         byte = '0' // terminal output bytes
	SetWindowTitle byte = '1' // UTF-8 window title
	SetPreferences byte = '2' // UTF-8 preferences JSON
)

// Broker → agent commands.
const (
	Input          byte = '0' // terminal input bytes
	ResizeTerminal byte = '1' // sizing JSON
)

// WindowSize is the sizing payload for the initial handshake and resizes.
type WindowSize struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// InitialSizeFrame returns the bare sizing JSON sent as the first frame on a
// freshly opened agent connection (legacy quirk: no command byte).
func InitialSizeFrame(cols, rows int) ([]byte, error) {
	b, err := json.Marshal(WindowSize{Columns: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("marshal window size: %w", err)
	}
	return b, nil
}

// InputFrame wraps terminal input bytes in a command-prefixed frame.
func InputFrame(data []byte) []byte {
	frame := make([]byte, 1+len(data))
	frame[0] = Input
	copy(frame[1:], data)
	return frame
}

// ResizeFrame wraps a resize in a command-prefixed frame.
func ResizeFrame(cols, rows int) ([]byte, error) {
	b, err := InitialSizeFrame(cols, rows)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 1+len(b))
	frame[0] = ResizeTerminal
	copy(frame[1:], b)
	return frame, nil
}

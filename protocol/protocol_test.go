package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialSizeFrame(t *testing.T) {
	frame, err := InitialSizeFrame(120, 40)
	require.NoError(t, err)

	var size WindowSize
	require.NoError(t, json.Unmarshal(frame, &size))
	assert.Equal(t, 120, size.Columns)
	assert.Equal(t, 40, size.Rows)
}

func TestInputFrame(t *testing.T) {
	frame := InputFrame([]byte("echo hi\n"))
	require.NotEmpty(t, frame)
	assert.Equal(t, Input, frame[0])
	assert.Equal(t, []byte("echo hi\n"), frame[1:])
}

func TestInputFrameEmpty(t *testing.T) {
	frame := InputFrame(nil)
	assert.Equal(t, []byte{Input}, frame)
}

func TestResizeFrame(t *testing.T) {
	frame, err := ResizeFrame(80, 24)
	require.NoError(t, err)
	assert.Equal(t, ResizeTerminal, frame[0])

	var size WindowSize
	require.NoError(t, json.Unmarshal(frame[1:], &size))
	assert.Equal(t, 80, size.Columns)
	assert.Equal(t, 24, size.Rows)
}

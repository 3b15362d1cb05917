package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8081", cfg.Listen)
	assert.Equal(t, "vibe-terminal:latest", cfg.Image)
	assert.Equal(t, 3, cfg.MaxSessionsPerUser)
	assert.Equal(t, 17000, cfg.PortRangeStart)
	assert.Equal(t, 18000, cfg.PortRangeEnd)
	assert.Equal(t, 2048, cfg.MemLimitMB)
	assert.Zero(t, cfg.CPULimit)
	assert.Equal(t, 256*1024, cfg.PollBufferBytes)
	assert.Equal(t, 300, cfg.PollIdleTimeoutSecs)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vibeterm.yaml")
	content := `
listen: "0.0.0.0:9090"
image: "vibe-terminal:dev"
max_sessions_per_user: 5
cpu_limit: 1.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "vibe-terminal:dev", cfg.Image)
	assert.Equal(t, 5, cfg.MaxSessionsPerUser)
	assert.Equal(t, 1.0, cfg.CPULimit)
	// Untouched fields keep defaults.
	assert.Equal(t, 17000, cfg.PortRangeStart)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8081", cfg.Listen)
}

func TestLoadInvalidPortRange(t *testing.T) {
	t.Setenv("VIBETERM_PORT_RANGE_START", "18000")
	t.Setenv("VIBETERM_PORT_RANGE_END", "17000")

	_, err := Load("")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIBETERM_LISTEN", "0.0.0.0:8888")
	t.Setenv("VIBETERM_MAX_SESSIONS_PER_USER", "7")
	t.Setenv("VIBETERM_CPU_LIMIT", "0.5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8888", cfg.Listen)
	assert.Equal(t, 7, cfg.MaxSessionsPerUser)
	assert.Equal(t, 0.5, cfg.CPULimit)
}

func TestListenHostIsLoopback(t *testing.T) {
	cfg := &Config{Listen: "127.0.0.1:8081"}
	assert.True(t, cfg.ListenHostIsLoopback())

	cfg.Listen = "localhost:8081"
	assert.True(t, cfg.ListenHostIsLoopback())

	cfg.Listen = "[::1]:8081"
	assert.True(t, cfg.ListenHostIsLoopback())

	cfg.Listen = "0.0.0.0:8081"
	assert.False(t, cfg.ListenHostIsLoopback())

	cfg.Listen = "not-an-addr"
	assert.False(t, cfg.ListenHostIsLoopback())
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/vibeterm"}
	assert.Equal(t, "/var/lib/vibeterm/workspaces", cfg.WorkspaceBase())
	assert.Equal(t, "/var/lib/vibeterm/workspaces/abc", cfg.WorkspaceDir("abc"))
	assert.Equal(t, "/var/lib/vibeterm/session_owners.json", cfg.OwnerStorePath())
}

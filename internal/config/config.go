package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen             string  `yaml:"listen"`
	Image              string  `yaml:"image"`
	DataDir            string  `yaml:"data_dir"`
	AuthConfigPath     string  `yaml:"auth_config_path"`
	MaxSessionsPerUser int     `yaml:"max_sessions_per_user"`
	PortRangeStart     int     `yaml:"port_range_start"`
	PortRangeEnd       int     `yaml:"port_range_end"`
	MemLimitMB         int     `yaml:"mem_limit_mb"`
	CPULimit           float64 `yaml:"cpu_limit"` // fractional CPUs; 0 = unlimited

	DriftSweepSeconds    int `yaml:"drift_sweep_seconds"`
	AuthPurgeSeconds     int `yaml:"auth_purge_seconds"`
	TransportReapSeconds int `yaml:"transport_reap_seconds"`

	PollBufferBytes     int `yaml:"poll_buffer_bytes"`
	PollIdleTimeoutSecs int `yaml:"poll_idle_timeout_seconds"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:             "127.0.0.1:8081",
		Image:              "vibe-terminal:latest",
		DataDir:            "./data",
		AuthConfigPath:     "./auth.yaml",
		MaxSessionsPerUser: 3,
		PortRangeStart:     17000,
		PortRangeEnd:       18000,
		MemLimitMB:         2048,
		CPULimit:           0,

		DriftSweepSeconds:    300,
		AuthPurgeSeconds:     3600,
		TransportReapSeconds: 60,

		PollBufferBytes:     256 * 1024,
		PollIdleTimeoutSecs: 300,
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.PortRangeStart >= cfg.PortRangeEnd {
		return nil, fmt.Errorf("invalid port range [%d, %d)", cfg.PortRangeStart, cfg.PortRangeEnd)
	}

	return cfg, nil
}

// WorkspaceBase is the host directory holding per-session workspaces.
func (c *Config) WorkspaceBase() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// WorkspaceDir is the host directory bind-mounted as a session's home workspace.
func (c *Config) WorkspaceDir(sessionID string) string {
	return filepath.Join(c.WorkspaceBase(), sessionID)
}

// OwnerStorePath is the session ownership file.
func (c *Config) OwnerStorePath() string {
	return filepath.Join(c.DataDir, "session_owners.json")
}

// AuthDBPath is the sqlite database holding login sessions.
func (c *Config) AuthDBPath() string {
	return filepath.Join(c.DataDir, "auth_sessions.db")
}

// ListenHostIsLoopback reports whether the configured listen address binds a
// loopback interface. Required when authentication is disabled.
func (c *Config) ListenHostIsLoopback() bool {
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIBETERM_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("VIBETERM_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("VIBETERM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VIBETERM_AUTH_CONFIG_PATH"); v != "" {
		cfg.AuthConfigPath = v
	}
	if v := os.Getenv("VIBETERM_MAX_SESSIONS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessionsPerUser = n
		}
	}
	if v := os.Getenv("VIBETERM_PORT_RANGE_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PortRangeStart = n
		}
	}
	if v := os.Getenv("VIBETERM_PORT_RANGE_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PortRangeEnd = n
		}
	}
	if v := os.Getenv("VIBETERM_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MemLimitMB = n
		}
	}
	if v := os.Getenv("VIBETERM_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CPULimit = f
		}
	}
}

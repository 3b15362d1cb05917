// Package docker wraps the Docker Engine API subset the broker needs to run
// per-session terminal containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/vibeterm/broker/protocol"
)

// NamePrefix is the container name prefix for broker-managed sessions.
const NamePrefix = "vibe-session-"

// WorkspaceTarget is the in-container mount point of the session workspace.
const WorkspaceTarget = "/home/vibe/workspace"

// ErrNotFound indicates the runtime has no such container.
var ErrNotFound = errors.New("container not found")

// ContainerName derives the deterministic container name for a session, so
// recovery can reassociate containers after a restart.
func ContainerName(sessionID string) string {
	if len(sessionID) > 12 {
		sessionID = sessionID[:12]
	}
	return NamePrefix + sessionID
}

type Client struct {
	docker *client.Client
}

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

type CreateOpts struct {
	SessionID    string
	Image        string
	HostPort     int
	WorkspaceDir string
	MemoryBytes  int64
	CPULimit     float64 // fractional CPUs; 0 = unlimited
}

// CreateSessionContainer removes any prior container with the session's
// derived name, then creates and starts a fresh one with the workspace bind
// mount and the agent port published on loopback.
func (c *Client) CreateSessionContainer(ctx context.Context, opts CreateOpts) (string, error) {
	name := ContainerName(opts.SessionID)

	if err := c.RemoveContainer(ctx, name); err != nil {
		return "", fmt.Errorf("remove prior container: %w", err)
	}

	agentPort := nat.Port(fmt.Sprintf("%d/tcp", protocol.AgentPort))

	memory := opts.MemoryBytes
	if memory == 0 {
		memory = 2 * units.GiB
	}
	resources := container.Resources{Memory: memory}
	if opts.CPULimit > 0 {
		resources.NanoCPUs = int64(opts.CPULimit * 1e9)
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			agentPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(opts.HostPort)},
			},
		},
		Binds:      []string{opts.WorkspaceDir + ":" + WorkspaceTarget + ":rw"},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		Resources:  resources,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	containerCfg := &container.Config{
		Image: opts.Image,
		Env:   []string{"TERM=xterm-256color"},
		ExposedPorts: nat.PortSet{
			agentPort: struct{}{},
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts a stopped container by name or ID.
func (c *Client) StartContainer(ctx context.Context, nameOrID string) error {
	if err := c.docker.ContainerStart(ctx, nameOrID, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container. Absent containers are fine.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	err := c.docker.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// ContainerDetails is the inspected state the broker cares about.
type ContainerDetails struct {
	ID            string
	Name          string
	Status        string // running, exited, dead, created, ...
	HostPort      int
	WorkspacePath string // host side of the workspace bind mount
	CreatedAt     time.Time
}

// InspectContainer returns the session-relevant view of a container.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerDetails, error) {
	info, err := c.docker.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container inspect: %w", err)
	}

	details := &ContainerDetails{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		details.Status = info.State.Status
	}
	if info.HostConfig != nil {
		details.WorkspacePath = workspaceHostPath(info.HostConfig.Binds)
		details.HostPort = firstHostPort(info.HostConfig.PortBindings)
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		details.CreatedAt = created
	}
	return details, nil
}

// ListSessionContainers returns the IDs of every container (running or not)
// whose name carries the session prefix.
func (c *Client) ListSessionContainers(ctx context.Context) ([]string, error) {
	f := filters.NewArgs()
	f.Add("name", NamePrefix)

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var ids []string
	for _, ctr := range containers {
		ids = append(ids, ctr.ID)
	}
	return ids, nil
}

// workspaceHostPath finds the host side of the workspace bind mount.
func workspaceHostPath(binds []string) string {
	for _, bind := range binds {
		parts := strings.Split(bind, ":")
		if len(parts) >= 2 && parts[1] == WorkspaceTarget {
			return parts[0]
		}
	}
	return ""
}

// firstHostPort extracts the published host port from the port bindings.
func firstHostPort(bindings nat.PortMap) int {
	for _, hostBindings := range bindings {
		for _, b := range hostBindings {
			if port, err := strconv.Atoi(b.HostPort); err == nil && port > 0 {
				return port
			}
		}
	}
	return 0
}

// Package docker wraps the Docker SDK with the narrow container surface the
// controller needs: start/stop, liveness, exec, RPC endpoint discovery, and
// listing managed containers by label.
package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
)

// RPCPort is the fixed in-container port the Metasploit RPC daemon listens on.
const RPCPort = 55553

// Endpoint identifies the host-side RPC endpoint of a container.
type Endpoint struct {
	Host string
	Port int
}

// ExecResult holds the outcome of a command executed inside a container.
type ExecResult struct {
	Stdout   string
	ExitCode int
}

// ManagedContainer describes a container carrying the managed label.
type ManagedContainer struct {
	ID     string
	Name   string
	Image  string
	State  string // created, running, paused, restarting, removing, exited, dead
	Labels map[string]string
}

// StartOptions holds the parameters for starting a managed container.
type StartOptions struct {
	Name    string
	Image   string
	Labels  map[string]string
	RPCPort int // host port published to RPCPort inside the container
}

// Adapter is the container capability set consumed by the controller.
// Failures are surfaced; policy stays with the caller.
type Adapter interface {
	StartContainer(ctx context.Context, opts StartOptions) (string, error)
	StopContainer(ctx context.Context, containerID string) error
	ContainerRunning(ctx context.Context, containerID string) (bool, error)
	GetRPCEndpoint(ctx context.Context, containerID string) (Endpoint, error)
	Exec(ctx context.Context, containerID, command string) (ExecResult, error)
	ListManagedContainers(ctx context.Context) ([]ManagedContainer, error)
}

// Client implements Adapter over the Docker SDK.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

var _ Adapter = (*Client)(nil)

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// managedLabel returns the label key marking containers owned by this system.
func (c *Client) managedLabel() string {
	prefix := c.config.LabelPrefix
	if prefix == "" {
		prefix = "msfailab"
	}
	return prefix + ".managed"
}

// StartContainer creates and starts a container publishing the RPC port.
func (c *Client) StartContainer(ctx context.Context, opts StartOptions) (string, error) {
	c.logger.Info("Starting container",
		zap.String("name", opts.Name),
		zap.String("image", opts.Image),
		zap.Int("rpc_port", opts.RPCPort),
	)

	labels := make(map[string]string, len(opts.Labels)+1)
	for k, v := range opts.Labels {
		labels[k] = v
	}
	labels[c.managedLabel()] = "true"

	internalPort, err := nat.NewPort("tcp", strconv.Itoa(RPCPort))
	if err != nil {
		return "", fmt.Errorf("failed to build rpc port spec: %w", err)
	}

	containerCfg := &container.Config{
		Image:  opts.Image,
		Labels: labels,
		ExposedPorts: nat.PortSet{
			internalPort: struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			internalPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(opts.RPCPort)},
			},
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		c.logger.Error("Failed to create container",
			zap.String("name", opts.Name),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to create container %s: %w", opts.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.logger.Error("Failed to start container", zap.String("container_id", resp.ID), zap.Error(err))
		// Best effort removal of the created-but-not-started container.
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", opts.Name, err)
	}

	c.logger.Info("Container started", zap.String("container_id", resp.ID), zap.String("name", opts.Name))
	return resp.ID, nil
}

// StopContainer stops and removes a container.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	timeout := c.config.StopTimeout
	if timeout <= 0 {
		timeout = 10
	}
	c.logger.Info("Stopping container",
		zap.String("container_id", containerID),
		zap.Int("timeout_s", timeout),
	)

	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		c.logger.Error("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}

	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		c.logger.Warn("Failed to remove stopped container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}

	c.logger.Info("Container stopped", zap.String("container_id", containerID))
	return nil
}

// ContainerRunning reports whether the container exists and is running.
func (c *Client) ContainerRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// GetRPCEndpoint returns the host-side endpoint bound to the RPC port.
func (c *Client) GetRPCEndpoint(ctx context.Context, containerID string) (Endpoint, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	internalPort, err := nat.NewPort("tcp", strconv.Itoa(RPCPort))
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to build rpc port spec: %w", err)
	}

	if inspect.NetworkSettings == nil {
		return Endpoint{}, fmt.Errorf("no network settings for container %s", containerID)
	}
	bindings := inspect.NetworkSettings.Ports[internalPort]
	if len(bindings) == 0 {
		return Endpoint{}, fmt.Errorf("no host binding for rpc port on container %s", containerID)
	}

	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid host port %q: %w", bindings[0].HostPort, err)
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	return Endpoint{Host: host, Port: hostPort}, nil
}

// Exec runs a shell command inside the container and collects its output.
func (c *Client) Exec(ctx context.Context, containerID, command string) (ExecResult, error) {
	c.logger.Debug("Executing command in container",
		zap.String("container_id", containerID),
		zap.String("command", command),
	)

	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec in %s: %w", containerID, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec in %s: %w", containerID, err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	demultiplexStream(attach.Reader, &buf)

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to inspect exec in %s: %w", containerID, err)
	}

	return ExecResult{Stdout: buf.String(), ExitCode: inspect.ExitCode}, nil
}

// ListManagedContainers returns all containers carrying the managed label.
func (c *Client) ListManagedContainers(ctx context.Context) ([]ManagedContainer, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", c.managedLabel()+"=true")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ManagedContainer, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			// Remove leading slash from container name
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, ManagedContainer{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Labels: ctr.Labels,
		})
	}

	c.logger.Debug("Listed managed containers", zap.Int("count", len(infos)))
	return infos, nil
}

// Ping checks if Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// demultiplexStream reads Docker's multiplexed stream format and writes
// stdout and stderr frames to the writer.
// Docker stream format when Tty=false:
// - Byte 0: Stream type (0=stdin, 1=stdout, 2=stderr)
// - Bytes 1-3: Reserved
// - Bytes 4-7: Frame size (big endian uint32)
// - Bytes 8+: Frame data
func demultiplexStream(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])

		if size > 0 {
			data := make([]byte, size)
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
			if streamType == 1 || streamType == 2 {
				_, _ = writer.Write(data)
			}
		}
	}
}

// WaitUntilRunning polls the container state until it is running or the
// timeout elapses. Used after adoption to confirm liveness.
func (c *Client) WaitUntilRunning(ctx context.Context, containerID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		running, err := c.ContainerRunning(ctx, containerID)
		if err != nil {
			return err
		}
		if running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s not running after %s", containerID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

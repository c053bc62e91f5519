package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/container/docker"
	"github.com/msfailab/msfailab/internal/container/rpc"
	"github.com/msfailab/msfailab/internal/events"
)

// handleAdopt records the existing container id and kicks off startup.
// Ignored unless offline.
func (c *Controller) handleAdopt(m adoptMsg) {
	if c.status != StatusOffline {
		c.logger.Debug("ignoring adopt cast", zap.String("status", c.status))
		return
	}
	c.dockerID = m.dockerID
	c.cast(startContainerMsg{})
}

// handleStartNew kicks off startup with no container to adopt. Ignored
// unless offline. An explicit start_new also resumes attempts after the
// controller has given up.
func (c *Controller) handleStartNew() {
	if c.status != StatusOffline {
		c.logger.Debug("ignoring start_new cast", zap.String("status", c.status))
		return
	}
	c.dockerID = ""
	c.restartCount = 0
	c.cast(startContainerMsg{})
}

// handleStartContainer performs the offline -> starting transition: adopt the
// recorded container if possible, otherwise start a fresh one, then schedule
// the msgrpc connect.
func (c *Controller) handleStartContainer() {
	if c.status != StatusOffline {
		return
	}
	c.status = StatusStarting
	c.publishContainerUpdated()

	adopted := false
	if c.dockerID != "" {
		adopted = c.tryAdopt()
	}
	if !adopted {
		if err := c.startNewContainer(); err != nil {
			c.logger.Error("container start failed", zap.Error(err))
			c.startFailed()
			return
		}
	}

	c.connectAttempts = 0
	c.sendLater(c.deps.Config.Msgrpc.InitialDelay(), connectMsgrpcMsg{})
}

// tryAdopt confirms the recorded container is running and resolves its
// endpoint. On any failure it clears the id so a fresh start takes over.
func (c *Controller) tryAdopt() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	running, err := c.deps.Docker.ContainerRunning(ctx, c.dockerID)
	if err != nil || !running {
		c.logger.Info("cannot adopt container, starting new",
			zap.String("docker_container_id", c.dockerID),
			zap.Error(err))
		c.dockerID = ""
		return false
	}

	ep, err := c.deps.Docker.GetRPCEndpoint(ctx, c.dockerID)
	if err != nil {
		c.logger.Warn("adopted container has no rpc endpoint, starting new", zap.Error(err))
		c.dockerID = ""
		return false
	}

	c.setEndpoint(ep)
	c.logger.Info("adopted existing container",
		zap.String("docker_container_id", c.dockerID),
		zap.Int("rpc_port", c.rpcPort))
	return true
}

func (c *Controller) startNewContainer() error {
	used := map[int]bool{}
	if c.deps.UsedPorts != nil {
		used = c.deps.UsedPorts()
	}
	port, err := c.deps.Ports.Allocate(used)
	if err != nil {
		return fmt.Errorf("port allocation failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	name := fmt.Sprintf("msfailab-%s-%s", c.record.WorkspaceSlug, c.record.Slug)
	labelPrefix := c.deps.Config.Docker.LabelPrefix
	if labelPrefix == "" {
		labelPrefix = "msfailab"
	}
	dockerID, err := c.deps.Docker.StartContainer(ctx, docker.StartOptions{
		Name:  name,
		Image: c.record.Image,
		Labels: map[string]string{
			labelPrefix + ".record_id":      fmt.Sprintf("%d", c.record.ID),
			labelPrefix + ".workspace_slug": c.record.WorkspaceSlug,
			labelPrefix + ".container_slug": c.record.Slug,
		},
		RPCPort: port,
	})
	if err != nil {
		return err
	}
	c.dockerID = dockerID

	ep, err := c.deps.Docker.GetRPCEndpoint(ctx, dockerID)
	if err != nil {
		return fmt.Errorf("endpoint discovery failed: %w", err)
	}
	c.setEndpoint(ep)
	return nil
}

func (c *Controller) setEndpoint(ep docker.Endpoint) {
	c.endpoint = &rpc.Endpoint{Host: ep.Host, Port: ep.Port}
	c.rpcPort = ep.Port
	c.heldPort.Store(int64(ep.Port))
}

// startFailed reverses to offline and schedules a retry with exponential
// backoff, or gives up after max_restart_count consecutive failures.
func (c *Controller) startFailed() {
	c.clearRuntime()
	c.status = StatusOffline
	c.publishContainerUpdated()

	c.restartCount++
	if c.restartCount >= c.deps.Config.Container.MaxRestartCount {
		c.logger.Error("giving up on container restarts",
			zap.Int("restart_count", c.restartCount))
		return
	}
	delay := backoff(c.deps.Config.Container.BaseBackoff(), c.deps.Config.Container.MaxBackoff(), c.restartCount)
	c.logger.Info("scheduling container restart",
		zap.Int("attempt", c.restartCount),
		zap.Duration("delay", delay))
	c.sendLater(delay, startContainerMsg{})
}

// handleConnectMsgrpc performs the starting -> running transition by logging
// in to msgrpc. Retries linearly; after max attempts the container is treated
// as crashed.
func (c *Controller) handleConnectMsgrpc() {
	if c.status != StatusStarting {
		return
	}

	token, err := c.login()
	if err != nil {
		c.connectAttempts++
		c.logger.Warn("msgrpc login failed",
			zap.Int("attempt", c.connectAttempts),
			zap.Error(err))
		if c.connectAttempts >= c.deps.Config.Msgrpc.MaxConnectAttempts {
			c.logger.Error("msgrpc unreachable, treating container as crashed")
			c.containerDown()
			return
		}
		delay := c.deps.Config.Msgrpc.ConnectBaseBackoff() * time.Duration(c.connectAttempts)
		c.sendLater(delay, connectMsgrpcMsg{})
		return
	}

	c.token = token
	c.status = StatusRunning
	c.runningSince = time.Now()
	c.publishContainerUpdated()
	c.logger.Info("container running", zap.Int("rpc_port", c.rpcPort))

	if reset := c.deps.Config.Container.SuccessReset(); reset > 0 {
		c.sendLater(reset, successResetMsg{since: c.runningSince})
	}

	for trackID := range c.registered {
		c.spawnConsole(trackID)
	}
}

// handleSuccessReset clears the restart counter after a sustained period of
// continuous running.
func (c *Controller) handleSuccessReset(m successResetMsg) {
	if c.status == StatusRunning && c.runningSince.Equal(m.since) {
		c.restartCount = 0
	}
}

// handleHealthTick probes Docker for container liveness.
func (c *Controller) handleHealthTick() {
	if c.status != StatusRunning && c.status != StatusStarting {
		return
	}
	if c.dockerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	running, err := c.deps.Docker.ContainerRunning(ctx, c.dockerID)
	if err != nil {
		c.logger.Warn("health check failed", zap.Error(err))
		return
	}
	if !running {
		c.logger.Warn("container died", zap.String("docker_container_id", c.dockerID))
		c.containerDown()
	}
}

// containerDown handles the crash path: every registered or live console goes
// offline, runtime state is cleared, and the restart policy kicks in.
func (c *Controller) containerDown() {
	notified := make(map[int64]bool)
	for trackID := range c.registered {
		notified[trackID] = true
	}
	for trackID, handle := range c.consoles {
		notified[trackID] = true
		if handle.session != nil {
			session := handle.session
			go session.Stop(context.Background())
		}
	}
	for trackID := range notified {
		c.publishConsoleOffline(trackID)
	}
	c.consoles = make(map[int64]*consoleHandle)

	c.clearRuntime()
	c.status = StatusOffline
	c.publishContainerUpdated()

	c.restartCount++
	if c.restartCount >= c.deps.Config.Container.MaxRestartCount {
		c.logger.Error("giving up on container restarts",
			zap.Int("restart_count", c.restartCount))
		return
	}
	delay := backoff(c.deps.Config.Container.BaseBackoff(), c.deps.Config.Container.MaxBackoff(), c.restartCount)
	c.logger.Info("scheduling container restart",
		zap.Int("attempt", c.restartCount),
		zap.Duration("delay", delay))
	c.sendLater(delay, startContainerMsg{})
}

// clearRuntime drops everything tied to the live container.
func (c *Controller) clearRuntime() {
	c.dockerID = ""
	c.endpoint = nil
	c.rpcPort = 0
	c.heldPort.Store(0)
	c.token = ""
	c.connectAttempts = 0
}

// handleShutdown tears everything down deliberately: consoles go offline,
// bash commands error out, and the container is stopped if live.
func (c *Controller) handleShutdown() {
	for trackID, handle := range c.consoles {
		if handle.session != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			handle.session.Stop(ctx)
			cancel()
		}
		c.publishConsoleOffline(trackID)
	}
	c.consoles = make(map[int64]*consoleHandle)

	for _, inv := range c.runningBash {
		c.publishBashResult(inv, events.CommandError, "", nil, "container_stopped")
	}
	c.runningBash = make(map[string]*bashInvocation)

	if (c.status == StatusStarting || c.status == StatusRunning) && c.dockerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := c.deps.Docker.StopContainer(ctx, c.dockerID); err != nil {
			c.logger.Warn("failed to stop container on shutdown", zap.Error(err))
		}
		cancel()
	}

	c.clearRuntime()
	c.status = StatusOffline
	c.publishContainerUpdated()
	c.logger.Info("controller stopped")
}

// backoff returns base * 2^(attempt-1) clipped to max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

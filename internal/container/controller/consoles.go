package controller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/console"
)

// handleRegisterConsole records intent for the track. When the container is
// already running a session is spawned immediately.
func (c *Controller) handleRegisterConsole(trackID int64) {
	c.registered[trackID] = true
	if c.status != StatusRunning {
		return
	}
	if handle, ok := c.consoles[trackID]; ok && handle.session != nil {
		return
	}
	c.spawnConsole(trackID)
}

// handleUnregisterConsole removes the track's registration and destroys any
// live session. The offline event is emitted even for a healthy session so
// cleanup is uniform.
func (c *Controller) handleUnregisterConsole(trackID int64) {
	delete(c.registered, trackID)
	handle, ok := c.consoles[trackID]
	if !ok {
		return
	}
	if handle.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		handle.session.Stop(ctx)
		cancel()
	}
	c.publishConsoleOffline(trackID)
	delete(c.consoles, trackID)
}

// spawnConsole creates a session for the track. A fresh token is obtained per
// spawn so an expired stored token cannot poison the session.
func (c *Controller) spawnConsole(trackID int64) {
	handle, ok := c.consoles[trackID]
	if !ok {
		handle = &consoleHandle{}
		c.consoles[trackID] = handle
	}

	token, err := c.login()
	if err != nil {
		c.logger.Warn("token refresh for console spawn failed",
			zap.Int64("track_id", trackID), zap.Error(err))
		c.scheduleConsoleRestart(trackID, handle)
		return
	}
	c.token = token

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	session, err := console.Start(ctx, console.Options{
		WorkspaceID: c.record.WorkspaceID,
		ContainerID: c.record.ID,
		TrackID:     trackID,
		RPC:         c.deps.RPC,
		Endpoint:    *c.endpoint,
		Token:       token,
		Bus:         c.deps.Bus,
		Config:      c.deps.Config.Console,
		Logger:      c.logger,
	})
	cancel()
	if err != nil {
		c.logger.Warn("console spawn failed",
			zap.Int64("track_id", trackID), zap.Error(err))
		c.scheduleConsoleRestart(trackID, handle)
		return
	}

	handle.session = session
	go func() {
		<-session.Done()
		c.cast(consoleDownMsg{trackID: trackID, session: session})
	}()
	c.logger.Info("console session spawned", zap.Int64("track_id", trackID))
}

// handleConsoleDown reacts to a session's death. The offline event is
// published on the dead session's behalf, then a restart is scheduled.
func (c *Controller) handleConsoleDown(m consoleDownMsg) {
	handle, ok := c.consoles[m.trackID]
	if !ok || handle.session != m.session {
		// Stale monitor from a session already replaced or torn down.
		return
	}
	c.logger.Warn("console session died",
		zap.Int64("track_id", m.trackID),
		zap.Error(m.session.ExitErr()))

	handle.session = nil
	c.publishConsoleOffline(m.trackID)
	c.scheduleConsoleRestart(m.trackID, handle)
}

// scheduleConsoleRestart arms the next spawn attempt with exponential
// backoff, giving up after the configured number of attempts.
func (c *Controller) scheduleConsoleRestart(trackID int64, handle *consoleHandle) {
	handle.restartAttempts++
	handle.lastRestartAt = time.Now()
	if handle.restartAttempts > c.deps.Config.Console.MaxRestartAttempts {
		c.logger.Error("giving up on console restarts",
			zap.Int64("track_id", trackID),
			zap.Int("attempts", handle.restartAttempts))
		delete(c.consoles, trackID)
		return
	}
	delay := backoff(c.deps.Config.Console.RestartBaseBackoff(), c.deps.Config.Console.RestartMaxBackoff(), handle.restartAttempts)
	c.logger.Info("scheduling console restart",
		zap.Int64("track_id", trackID),
		zap.Int("attempt", handle.restartAttempts),
		zap.Duration("delay", delay))
	c.sendLater(delay, consoleRestartMsg{trackID: trackID})
}

// handleConsoleRestart fires a scheduled restart. Skipped when the track was
// unregistered or the container left the running state in the meantime, which
// keeps consoles a subset of registered tracks.
func (c *Controller) handleConsoleRestart(m consoleRestartMsg) {
	if !c.registered[m.trackID] || c.status != StatusRunning {
		if handle, ok := c.consoles[m.trackID]; ok && handle.session == nil {
			delete(c.consoles, m.trackID)
		}
		return
	}
	if handle, ok := c.consoles[m.trackID]; ok && handle.session != nil {
		return
	}
	c.spawnConsole(m.trackID)
}

// handleSendMsfCommand validates the route and delegates to the session.
func (c *Controller) handleSendMsfCommand(trackID int64, text string) (string, error) {
	if c.status != StatusRunning {
		return "", ErrContainerNotRunning
	}
	if !c.registered[trackID] {
		return "", ErrConsoleNotRegistered
	}
	handle, ok := c.consoles[trackID]
	if !ok || handle.session == nil {
		return "", ErrConsoleOffline
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	commandID, err := handle.session.SendCommand(ctx, text)
	if err != nil {
		switch {
		case errors.Is(err, console.ErrStarting):
			return "", ErrConsoleStarting
		case errors.Is(err, console.ErrBusy):
			return "", ErrConsoleBusy
		case errors.Is(err, console.ErrOffline):
			return "", ErrConsoleOffline
		default:
			// Write failure: the session dies and will be restarted.
			return "", ErrConsoleWriteFailed
		}
	}
	return commandID, nil
}

package controller

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/msfailab/msfailab/internal/events"
)

// handleSendBashCommand accepts the command, broadcasts its issuance, and
// spawns an unlinked exec task. The task reports back through the mailbox so
// all bookkeeping stays inside the actor loop.
func (c *Controller) handleSendBashCommand(trackID int64, text string) (string, error) {
	if c.status != StatusRunning {
		return "", ErrContainerNotRunning
	}

	commandID := uuid.New().String()
	inv := &bashInvocation{
		commandID: commandID,
		trackID:   trackID,
		command:   text,
		startedAt: time.Now(),
	}
	c.runningBash[commandID] = inv

	c.publish(events.CommandIssuedType, &events.CommandIssued{
		WorkspaceID: c.record.WorkspaceID,
		ContainerID: c.record.ID,
		TrackID:     trackID,
		CommandID:   commandID,
		Type:        events.CommandTypeBash,
		Command:     text,
		Timestamp:   time.Now().UTC(),
	})

	dockerID := c.dockerID
	go func() {
		result, err := c.deps.Docker.Exec(context.Background(), dockerID, text)
		if err != nil {
			c.cast(bashErrorMsg{commandID: commandID, reason: err.Error()})
			return
		}
		if result.Stdout != "" {
			c.cast(bashOutputMsg{commandID: commandID, stdout: result.Stdout})
		}
		c.cast(bashFinishedMsg{commandID: commandID, exitCode: result.ExitCode})
	}()

	return commandID, nil
}

func (c *Controller) handleBashOutput(m bashOutputMsg) {
	inv, ok := c.runningBash[m.commandID]
	if !ok {
		return
	}
	inv.output += m.stdout
	c.publishBashResult(inv, events.CommandRunning, m.stdout, nil, "")
}

func (c *Controller) handleBashFinished(m bashFinishedMsg) {
	inv, ok := c.runningBash[m.commandID]
	if !ok {
		return
	}
	exitCode := m.exitCode
	c.publishBashResult(inv, events.CommandFinished, inv.output, &exitCode, "")
	delete(c.runningBash, m.commandID)
}

func (c *Controller) handleBashError(m bashErrorMsg) {
	inv, ok := c.runningBash[m.commandID]
	if !ok {
		return
	}
	c.publishBashResult(inv, events.CommandError, inv.output, nil, m.reason)
	delete(c.runningBash, m.commandID)
}

func (c *Controller) publishBashResult(inv *bashInvocation, status, output string, exitCode *int, errReason string) {
	c.publish(events.CommandResultType, &events.CommandResult{
		WorkspaceID: c.record.WorkspaceID,
		ContainerID: c.record.ID,
		TrackID:     inv.trackID,
		CommandID:   inv.commandID,
		Type:        events.CommandTypeBash,
		Command:     inv.command,
		Output:      output,
		Status:      status,
		ExitCode:    exitCode,
		Error:       errReason,
		Timestamp:   time.Now().UTC(),
	})
}

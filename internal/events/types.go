// Package events provides event types and envelopes for the msfailab event system.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types for containers
const (
	ContainerUpdatedType = "container.updated"
)

// Event types for consoles
const (
	ConsoleUpdatedType = "console.updated"
)

// Event types for commands
const (
	CommandIssuedType = "command.issued"
	CommandResultType = "command.result"
)

// Lightweight change notifications. Subscribers re-query authoritative
// state from the owning actor on receipt.
const (
	WorkspaceChangedType = "workspace.changed"
	ConsoleChangedType   = "console.changed"
	ChatChangedType      = "chat.changed"
	DatabaseUpdatedType  = "database.updated"
)

// Container status values as broadcast on the bus.
const (
	ContainerOffline  = "offline"
	ContainerStarting = "starting"
	ContainerRunning  = "running"
)

// Console status values as broadcast on the bus.
const (
	ConsoleOffline  = "offline"
	ConsoleStarting = "starting"
	ConsoleReady    = "ready"
	ConsoleBusy     = "busy"
)

// Command types.
const (
	CommandTypeMetasploit = "metasploit"
	CommandTypeBash       = "bash"
)

// Command statuses carried by CommandResult.
const (
	CommandRunning  = "running"
	CommandFinished = "finished"
	CommandError    = "error"
)

// WorkspaceSubject returns the bus subject for a workspace's events.
// Topic scoping is by workspace id; track-scoped events share the subject.
func WorkspaceSubject(workspaceID int64) string {
	return fmt.Sprintf("workspace.%d", workspaceID)
}

// ContainerUpdated announces a container status transition.
type ContainerUpdated struct {
	WorkspaceID       int64     `json:"workspace_id"`
	ContainerID       int64     `json:"container_id"`
	Slug              string    `json:"slug"`
	Name              string    `json:"name"`
	Image             string    `json:"image"`
	Status            string    `json:"status"`
	DockerContainerID string    `json:"docker_container_id,omitempty"`
	Timestamp         time.Time `json:"ts"`
}

// ConsoleUpdated announces console output or a console status transition.
// The controller publishes the offline transition on behalf of dead sessions.
type ConsoleUpdated struct {
	WorkspaceID int64     `json:"workspace_id"`
	ContainerID int64     `json:"container_id"`
	TrackID     int64     `json:"track_id"`
	Status      string    `json:"status"`
	CommandID   string    `json:"command_id,omitempty"`
	Command     string    `json:"command,omitempty"`
	Output      string    `json:"output"`
	Prompt      string    `json:"prompt"`
	Timestamp   time.Time `json:"ts"`
}

// CommandIssued announces acceptance of a command on a track.
type CommandIssued struct {
	WorkspaceID int64     `json:"workspace_id"`
	ContainerID int64     `json:"container_id"`
	TrackID     int64     `json:"track_id"`
	CommandID   string    `json:"command_id"`
	Type        string    `json:"type"` // metasploit or bash
	Command     string    `json:"command"`
	Timestamp   time.Time `json:"ts"`
}

// CommandResult carries incremental or terminal output for an issued command.
// Metasploit commands complete via ConsoleUpdated(ready); no terminal
// CommandResult is broadcast for them.
type CommandResult struct {
	WorkspaceID int64     `json:"workspace_id"`
	ContainerID int64     `json:"container_id"`
	TrackID     int64     `json:"track_id"`
	CommandID   string    `json:"command_id"`
	Type        string    `json:"type"`
	Command     string    `json:"command"`
	Output      string    `json:"output"`
	Prompt      string    `json:"prompt,omitempty"`
	Status      string    `json:"status"` // running, finished, error
	ExitCode    *int      `json:"exit_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// WorkspaceChanged notifies that workspace-level state changed.
type WorkspaceChanged struct {
	WorkspaceID int64     `json:"workspace_id"`
	Timestamp   time.Time `json:"ts"`
}

// ConsoleChanged notifies that a track's console view changed.
type ConsoleChanged struct {
	WorkspaceID int64     `json:"workspace_id"`
	TrackID     int64     `json:"track_id"`
	Timestamp   time.Time `json:"ts"`
}

// ChatChanged notifies that a track's chat history changed.
type ChatChanged struct {
	WorkspaceID int64     `json:"workspace_id"`
	TrackID     int64     `json:"track_id"`
	Timestamp   time.Time `json:"ts"`
}

// DatabaseUpdated carries a digest of Metasploit data-model changes.
type DatabaseUpdated struct {
	WorkspaceID int64          `json:"workspace_id"`
	Changes     map[string]int `json:"changes"`
	Totals      map[string]int `json:"totals"`
	Timestamp   time.Time      `json:"ts"`
}

// DecodePayload extracts a typed payload from a bus event. In-process buses
// deliver the original value; buses that cross a wire deliver decoded JSON,
// in which case the payload is re-marshalled into the target type.
func DecodePayload[T any](payload any) (*T, error) {
	switch p := payload.(type) {
	case *T:
		return p, nil
	case T:
		return &p, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to re-marshal event payload: %w", err)
		}
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		return &out, nil
	}
}

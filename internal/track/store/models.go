// Package store persists per-track chat and console history.
package store

import (
	"fmt"
	"time"
)

// Chat entry types.
const (
	EntryMessage        = "message"
	EntryToolInvocation = "tool_invocation"
	EntryConsoleContext = "console_context"
)

// Message roles and types. Only three (role, message_type) pairs are valid:
// user+prompt, assistant+thinking, assistant+response.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	MessagePrompt   = "prompt"
	MessageThinking = "thinking"
	MessageResponse = "response"
)

// Tool invocation statuses.
const (
	ToolPending   = "pending"
	ToolApproved  = "approved"
	ToolDenied    = "denied"
	ToolExecuting = "executing"
	ToolSuccess   = "success"
	ToolError     = "error"
	ToolTimeout   = "timeout"
	ToolCancelled = "cancelled"
)

// Turn statuses.
const (
	TurnPending         = "pending"
	TurnStreaming       = "streaming"
	TurnPendingApproval = "pending_approval"
	TurnExecutingTools  = "executing_tools"
	TurnFinished        = "finished"
	TurnError           = "error"
	TurnCancelled       = "cancelled"
)

// Console history block types and statuses.
const (
	BlockStartup = "startup"
	BlockCommand = "command"

	BlockRunning     = "running"
	BlockFinished    = "finished"
	BlockInterrupted = "interrupted"
)

// ValidateMessagePair rejects (role, message_type) combinations that have no
// meaning in the chat model.
func ValidateMessagePair(role, messageType string) error {
	switch {
	case role == RoleUser && messageType == MessagePrompt:
		return nil
	case role == RoleAssistant && messageType == MessageThinking:
		return nil
	case role == RoleAssistant && messageType == MessageResponse:
		return nil
	}
	return fmt.Errorf("invalid message pair: role %q with type %q", role, messageType)
}

// MessageContent is the payload of a message entry. Streaming marks an entry
// still receiving deltas; streaming entries live only in memory until their
// content block closes.
type MessageContent struct {
	Role        string `json:"role"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	Streaming   bool   `json:"streaming,omitempty"`
}

// ToolInvocation is the payload of a tool_invocation entry.
type ToolInvocation struct {
	ToolCallID    string         `json:"tool_call_id"`
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"arguments"`
	ConsolePrompt string         `json:"console_prompt,omitempty"`
	Status        string         `json:"status"`
	ResultContent string         `json:"result_content,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	DeniedReason  string         `json:"denied_reason,omitempty"`
}

// ChatEntry is one row in a track's chat history. Exactly one of Message,
// Tool, or ConsoleContext is set, matching EntryType.
type ChatEntry struct {
	ID             int64           `json:"id"`
	TrackID        int64           `json:"track_id"`
	TurnID         *int64          `json:"turn_id,omitempty"`
	Position       int             `json:"position"`
	EntryType      string          `json:"entry_type"`
	Message        *MessageContent `json:"message,omitempty"`
	Tool           *ToolInvocation `json:"tool,omitempty"`
	ConsoleContext string          `json:"console_context,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Turn is one AI conversation turn.
type Turn struct {
	ID        int64     `json:"id"`
	TrackID   int64     `json:"track_id"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	Trigger   string    `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`
}

// ConsoleHistoryBlock is one block of console activity. ID is zero until the
// block is persisted; startup blocks are persisted lazily, once a command in
// the same connection completes.
type ConsoleHistoryBlock struct {
	ID         int64      `json:"id"`
	TrackID    int64      `json:"track_id"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Command    string     `json:"command,omitempty"`
	Output     string     `json:"output"`
	Prompt     string     `json:"prompt,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Persisted reports whether the block has a database row.
func (b *ConsoleHistoryBlock) Persisted() bool {
	return b.ID != 0
}

// ToolUpdate carries the optional fields of a tool status update.
type ToolUpdate struct {
	ResultContent string
	ErrorMessage  string
	DurationMs    *int64
	DeniedReason  string
}

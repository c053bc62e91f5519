package store

import (
	"context"
	"errors"
)

// Typed errors surfaced to callers. Validation failures never mutate state.
var (
	ErrInvalidMessagePair = errors.New("invalid_message_pair")
	ErrDuplicatePosition  = errors.New("duplicate_position")
	ErrNotFound           = errors.New("not_found")
)

// Store persists chat entries, turns, and console history blocks for tracks.
// Positions are 1-based and unique per track; the store enforces uniqueness
// and callers allocate monotonically.
type Store interface {
	// InsertConsoleBlock persists a block and returns its id.
	InsertConsoleBlock(ctx context.Context, block *ConsoleHistoryBlock) (int64, error)
	// UpdateConsoleBlock rewrites a persisted block's mutable fields
	// (status, output, prompt, finished_at).
	UpdateConsoleBlock(ctx context.Context, block *ConsoleHistoryBlock) error
	// ListConsoleBlocks returns a track's blocks ordered by started_at, id.
	ListConsoleBlocks(ctx context.Context, trackID int64) ([]ConsoleHistoryBlock, error)

	// CreateTurn persists a turn and returns its id.
	CreateTurn(ctx context.Context, turn *Turn) (int64, error)
	// UpdateTurnStatus sets a turn's status.
	UpdateTurnStatus(ctx context.Context, turnID int64, status string) error
	// GetTurn fetches one turn.
	GetTurn(ctx context.Context, turnID int64) (*Turn, error)

	// InsertMessage persists a message entry, validating the (role, type)
	// pair, and returns the entry id.
	InsertMessage(ctx context.Context, entry *ChatEntry) (int64, error)
	// InsertToolInvocation persists a tool_invocation entry and returns
	// the entry id.
	InsertToolInvocation(ctx context.Context, entry *ChatEntry) (int64, error)
	// InsertConsoleContext persists a console_context entry.
	InsertConsoleContext(ctx context.Context, entry *ChatEntry) (int64, error)
	// UpdateToolStatus updates a tool invocation's status and outcome.
	UpdateToolStatus(ctx context.Context, entryID int64, status string, update ToolUpdate) error
	// ListChatEntries returns a track's entries ordered by position.
	ListChatEntries(ctx context.Context, trackID int64) ([]ChatEntry, error)
	// MaxPosition returns the highest used position for a track, 0 if none.
	MaxPosition(ctx context.Context, trackID int64) (int, error)

	// Close releases the underlying resources.
	Close() error
}

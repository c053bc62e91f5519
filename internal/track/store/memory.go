package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and ephemeral setups.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	blocks  map[int64]*ConsoleHistoryBlock
	turns   map[int64]*Turn
	entries map[int64]*ChatEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:  make(map[int64]*ConsoleHistoryBlock),
		turns:   make(map[int64]*Turn),
		entries: make(map[int64]*ChatEntry),
	}
}

func (m *MemoryStore) allocID() int64 {
	m.nextID++
	return m.nextID
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// InsertConsoleBlock persists a block and returns its id.
func (m *MemoryStore) InsertConsoleBlock(_ context.Context, block *ConsoleHistoryBlock) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.allocID()
	block.ID = id
	copied := *block
	m.blocks[id] = &copied
	return id, nil
}

// UpdateConsoleBlock rewrites a persisted block's mutable fields.
func (m *MemoryStore) UpdateConsoleBlock(_ context.Context, block *ConsoleHistoryBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.blocks[block.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Status = block.Status
	stored.Output = block.Output
	stored.Prompt = block.Prompt
	stored.FinishedAt = block.FinishedAt
	return nil
}

// ListConsoleBlocks returns a track's blocks ordered by started_at, id.
func (m *MemoryStore) ListConsoleBlocks(_ context.Context, trackID int64) ([]ConsoleHistoryBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConsoleHistoryBlock
	for _, b := range m.blocks {
		if b.TrackID == trackID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// CreateTurn persists a turn and returns its id.
func (m *MemoryStore) CreateTurn(_ context.Context, turn *Turn) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	id := m.allocID()
	turn.ID = id
	copied := *turn
	m.turns[id] = &copied
	return id, nil
}

// UpdateTurnStatus sets a turn's status.
func (m *MemoryStore) UpdateTurnStatus(_ context.Context, turnID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	turn, ok := m.turns[turnID]
	if !ok {
		return ErrNotFound
	}
	turn.Status = status
	return nil
}

// GetTurn fetches one turn.
func (m *MemoryStore) GetTurn(_ context.Context, turnID int64) (*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turn, ok := m.turns[turnID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *turn
	return &copied, nil
}

// InsertMessage persists a message entry.
func (m *MemoryStore) InsertMessage(ctx context.Context, entry *ChatEntry) (int64, error) {
	if entry.Message == nil {
		return 0, fmt.Errorf("message entry has no message content")
	}
	if err := ValidateMessagePair(entry.Message.Role, entry.Message.MessageType); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMessagePair, err)
	}
	return m.insertEntry(entry, EntryMessage)
}

// InsertToolInvocation persists a tool_invocation entry.
func (m *MemoryStore) InsertToolInvocation(_ context.Context, entry *ChatEntry) (int64, error) {
	if entry.Tool == nil {
		return 0, fmt.Errorf("tool entry has no tool content")
	}
	return m.insertEntry(entry, EntryToolInvocation)
}

// InsertConsoleContext persists a console_context entry.
func (m *MemoryStore) InsertConsoleContext(_ context.Context, entry *ChatEntry) (int64, error) {
	return m.insertEntry(entry, EntryConsoleContext)
}

func (m *MemoryStore) insertEntry(entry *ChatEntry, entryType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.TrackID == entry.TrackID && e.Position == entry.Position {
			return 0, fmt.Errorf("%w: track %d position %d", ErrDuplicatePosition, entry.TrackID, entry.Position)
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	id := m.allocID()
	entry.ID = id
	entry.EntryType = entryType
	copied := copyEntry(entry)
	m.entries[id] = copied
	return id, nil
}

// UpdateToolStatus updates a tool invocation's status and outcome fields.
func (m *MemoryStore) UpdateToolStatus(_ context.Context, entryID int64, status string, update ToolUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[entryID]
	if !ok || entry.Tool == nil {
		return ErrNotFound
	}
	entry.Tool.Status = status
	if update.ResultContent != "" {
		entry.Tool.ResultContent = update.ResultContent
	}
	if update.ErrorMessage != "" {
		entry.Tool.ErrorMessage = update.ErrorMessage
	}
	if update.DurationMs != nil {
		entry.Tool.DurationMs = update.DurationMs
	}
	if update.DeniedReason != "" {
		entry.Tool.DeniedReason = update.DeniedReason
	}
	return nil
}

// ListChatEntries returns a track's entries ordered by position.
func (m *MemoryStore) ListChatEntries(_ context.Context, trackID int64) ([]ChatEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ChatEntry
	for _, e := range m.entries {
		if e.TrackID == trackID {
			out = append(out, *copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// MaxPosition returns the highest used position for a track, 0 if none.
func (m *MemoryStore) MaxPosition(_ context.Context, trackID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, e := range m.entries {
		if e.TrackID == trackID && e.Position > max {
			max = e.Position
		}
	}
	return max, nil
}

func copyEntry(e *ChatEntry) *ChatEntry {
	copied := *e
	if e.Message != nil {
		msg := *e.Message
		copied.Message = &msg
	}
	if e.Tool != nil {
		tool := *e.Tool
		if e.Tool.Arguments != nil {
			tool.Arguments = make(map[string]any, len(e.Tool.Arguments))
			for k, v := range e.Tool.Arguments {
				tool.Arguments[k] = v
			}
		}
		copied.Tool = &tool
	}
	if e.TurnID != nil {
		id := *e.TurnID
		copied.TurnID = &id
	}
	return &copied
}

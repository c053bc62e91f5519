// Package core holds the pure track-engine sub-machines. Each sub-machine
// folds events into its state and returns actions; the shell in the parent
// package interprets the actions and performs all I/O.
package core

// Action is one side effect requested by a sub-machine. Actions are executed
// by the shell in the order returned.
type Action interface {
	isAction()
}

// PersistConsoleBlock persists the console history block at Index. Blocks
// without an id are inserted; persisted blocks are updated in place.
type PersistConsoleBlock struct {
	Index int
}

// BroadcastConsole notifies subscribers that the track's console view changed.
type BroadcastConsole struct{}

// BroadcastChat notifies subscribers that the track's chat history changed.
type BroadcastChat struct{}

// StartAssistantEntry appends a streaming assistant message at Position.
// MessageType is thinking or response.
type StartAssistantEntry struct {
	Position    int
	MessageType string
}

// AppendAssistantDelta appends a content delta to the streaming entry at
// Position.
type AppendAssistantDelta struct {
	Position int
	Delta    string
}

// FinishAssistantEntry closes the streaming entry at Position and persists it.
type FinishAssistantEntry struct {
	Position int
}

// PersistToolInvocation persists a new tool invocation entry. The shell
// allocates the position, inserts the row, and registers the tool state
// (with its entry id) into the turn.
type PersistToolInvocation struct {
	Tool *ToolState
}

// UpdateToolStatus updates a persisted tool invocation row.
type UpdateToolStatus struct {
	EntryID       int64
	Status        string
	ResultContent string
	ErrorMessage  string
	DeniedReason  string
	DurationMs    *int64
}

// UpdateTurnStatus updates the persisted turn row.
type UpdateTurnStatus struct {
	TurnID int64
	Status string
}

// StartLLMRequest asks the shell to issue the next provider request for the
// current turn, threading the opaque cache context from the last completion.
type StartLLMRequest struct {
	CacheContext string
}

// SendMsfCommand routes a Metasploit command for an executing tool through
// the container controller.
type SendMsfCommand struct {
	EntryID int64
	Command string
}

// SendBashCommand routes a bash command for an executing tool through the
// container controller.
type SendBashCommand struct {
	EntryID int64
	Command string
}

func (PersistConsoleBlock) isAction()   {}
func (BroadcastConsole) isAction()      {}
func (BroadcastChat) isAction()         {}
func (StartAssistantEntry) isAction()   {}
func (AppendAssistantDelta) isAction()  {}
func (FinishAssistantEntry) isAction()  {}
func (PersistToolInvocation) isAction() {}
func (UpdateToolStatus) isAction()      {}
func (UpdateTurnStatus) isAction()      {}
func (StartLLMRequest) isAction()       {}
func (SendMsfCommand) isAction()        {}
func (SendBashCommand) isAction()       {}

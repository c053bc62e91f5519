package core

import (
	"fmt"
	"time"

	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/llm"
	"github.com/msfailab/msfailab/internal/track/store"
)

// TurnIdle is the state between turns; the persisted statuses are reused for
// everything else.
const TurnIdle = "idle"

// Tool kinds route an executing tool to one of the two built-in executors.
const (
	ToolKindMsf     = "msf"
	ToolKindBash    = "bash"
	ToolKindUnknown = "unknown"
)

// ToolState is the live record of one tool invocation within a turn.
type ToolState struct {
	EntryID    int64
	Position   int
	CallID     string
	Name       string
	Arguments  map[string]any
	Command    string
	Kind       string
	Sequential bool
	Status     string
	Error      string
	StartedAt  time.Time

	// Deferred suppresses re-dispatch within the current reconcile pass after
	// the console rejected the command as busy.
	Deferred bool
}

// Terminal reports whether the tool reached a final status.
func (t *ToolState) Terminal() bool {
	switch t.Status {
	case store.ToolSuccess, store.ToolError, store.ToolTimeout, store.ToolDenied, store.ToolCancelled:
		return true
	}
	return false
}

// ToolResolver reports whether a tool name is known and, if so, its
// sequential flag and executor kind.
type ToolResolver func(name string) (sequential bool, kind string, known bool)

// Turn drives one AI conversation turn: the LLM stream, tool approval, tool
// execution, and follow-up requests. Reconcile is the single decision point;
// it is run after every state-changing event until it produces no actions.
type Turn struct {
	Status           string
	TurnID           int64
	Model            string
	LLMRef           string
	Autonomous       bool
	Tools            map[int64]*ToolState
	CommandToTool    map[string]int64
	LastCacheContext string

	streamEnded bool
	stopReason  string
}

// NewTurn creates an idle turn sub-machine.
func NewTurn() *Turn {
	return &Turn{
		Status:        TurnIdle,
		Tools:         make(map[int64]*ToolState),
		CommandToTool: make(map[string]int64),
	}
}

// Active reports whether a turn is in progress.
func (t *Turn) Active() bool {
	switch t.Status {
	case TurnIdle, store.TurnFinished, store.TurnError, store.TurnCancelled:
		return false
	}
	return true
}

// Begin starts a new turn against an already persisted turn row.
func (t *Turn) Begin(turnID int64, model string) {
	t.Status = store.TurnPending
	t.TurnID = turnID
	t.Model = model
	t.LLMRef = ""
	t.Tools = make(map[int64]*ToolState)
	t.CommandToTool = make(map[string]int64)
	t.LastCacheContext = ""
	t.streamEnded = false
	t.stopReason = ""
}

// AddTool registers a persisted tool invocation. Called by the shell after
// interpreting a PersistToolInvocation action.
func (t *Turn) AddTool(tool *ToolState) {
	t.Tools[tool.EntryID] = tool
}

// FoldLLM applies one stream event belonging to the turn's current ref.
func (t *Turn) FoldLLM(ev llm.StreamEvent, resolve ToolResolver) []Action {
	switch ev.Type {
	case llm.EventStreamStarted:
		if t.Status != store.TurnPending {
			return nil
		}
		t.Status = store.TurnStreaming
		return []Action{
			UpdateTurnStatus{TurnID: t.TurnID, Status: store.TurnStreaming},
			BroadcastChat{},
		}

	case llm.EventToolCall:
		return t.foldToolCall(ev, resolve)

	case llm.EventStreamComplete:
		t.streamEnded = true
		t.stopReason = ev.StopReason
		t.LastCacheContext = ev.CacheContext
		t.LLMRef = ""
		return nil

	case llm.EventStreamError:
		t.LLMRef = ""
		actions := t.cancelOpenTools(fmt.Sprintf("stream failed: %s", ev.ErrorReason))
		t.Status = store.TurnError
		return append(actions,
			UpdateTurnStatus{TurnID: t.TurnID, Status: store.TurnError},
			BroadcastChat{},
		)
	}
	return nil
}

func (t *Turn) foldToolCall(ev llm.StreamEvent, resolve ToolResolver) []Action {
	tool := &ToolState{
		CallID:    ev.ToolCallID,
		Name:      ev.ToolName,
		Arguments: ev.Arguments,
		Status:    store.ToolPending,
	}
	if t.Autonomous {
		tool.Status = store.ToolApproved
	}

	sequential, kind, known := resolve(ev.ToolName)
	if !known {
		tool.Kind = ToolKindUnknown
		tool.Sequential = true
		tool.Status = store.ToolError
		tool.Error = fmt.Sprintf("unknown tool: %s", ev.ToolName)
	} else {
		tool.Kind = kind
		tool.Sequential = sequential
		if command, ok := ev.Arguments["command"].(string); ok {
			tool.Command = command
		} else {
			tool.Status = store.ToolError
			tool.Error = "tool call has no command argument"
		}
	}

	return []Action{
		PersistToolInvocation{Tool: tool},
		BroadcastChat{},
	}
}

// Reconcile inspects the turn and emits the next batch of actions. It is
// invoked repeatedly until it returns nothing; progress is bounded because
// tool statuses only move forward.
func (t *Turn) Reconcile(consoleStatus string, now time.Time) []Action {
	if !t.Active() {
		return nil
	}

	var actions []Action

	// A pending tool always surfaces the approval gate.
	if t.anyToolIn(store.ToolPending) && t.Status != store.TurnPendingApproval {
		t.Status = store.TurnPendingApproval
		actions = append(actions,
			UpdateTurnStatus{TurnID: t.TurnID, Status: store.TurnPendingApproval},
			BroadcastChat{},
		)
	}

	// Approved tools move a still-streaming turn into execution; the stream
	// keeps delivering content while tools run.
	if t.Status == store.TurnStreaming && t.anyToolIn(store.ToolApproved) {
		t.Status = store.TurnExecutingTools
		actions = append(actions,
			UpdateTurnStatus{TurnID: t.TurnID, Status: store.TurnExecutingTools},
		)
	}

	switch {
	case t.dispatchable() && consoleStatus == events.ConsoleReady &&
		!t.anySequentialExecuting() && t.earliestApprovedSequential() != nil:
		tool := t.earliestApprovedSequential()
		actions = append(actions, t.dispatch(tool, now)...)

	case t.dispatchable() && t.anyApprovedParallel():
		for _, tool := range t.toolsByPosition() {
			if tool.Status == store.ToolApproved && !tool.Sequential && !tool.Deferred {
				actions = append(actions, t.dispatch(tool, now)...)
			}
		}

	case len(t.Tools) > 0 && t.allToolsTerminal() && t.streamEnded:
		// A turn whose every tool was vetoed ends here; there is no result
		// to send back and the operator has spoken.
		if t.allToolsDenied() {
			t.Status = store.TurnFinished
			actions = append(actions,
				UpdateTurnStatus{TurnID: t.TurnID, Status: store.TurnFinished},
				BroadcastChat{},
			)
			break
		}
		// Otherwise continue the conversation so the model sees the
		// results. Failed and timed-out tools count.
		t.Status = store.TurnPending
		t.Tools = make(map[int64]*ToolState)
		t.streamEnded = false
		t.stopReason = ""
		actions = append(actions,
			StartLLMRequest{CacheContext: t.LastCacheContext},
			UpdateTurnStatus{TurnID: t.TurnID, Status: store.TurnPending},
			BroadcastChat{},
		)

	case (t.Status == store.TurnStreaming || t.Status == store.TurnPending) &&
		t.streamEnded && len(t.Tools) == 0:
		t.Status = store.TurnFinished
		actions = append(actions,
			UpdateTurnStatus{TurnID: t.TurnID, Status: store.TurnFinished},
			BroadcastChat{},
		)
	}

	return actions
}

func (t *Turn) dispatchable() bool {
	return t.Status == store.TurnPendingApproval || t.Status == store.TurnExecutingTools
}

func (t *Turn) dispatch(tool *ToolState, now time.Time) []Action {
	tool.Status = store.ToolExecuting
	tool.StartedAt = now
	actions := []Action{
		UpdateToolStatus{EntryID: tool.EntryID, Status: store.ToolExecuting},
	}
	switch tool.Kind {
	case ToolKindBash:
		actions = append(actions, SendBashCommand{EntryID: tool.EntryID, Command: tool.Command})
	default:
		actions = append(actions, SendMsfCommand{EntryID: tool.EntryID, Command: tool.Command})
	}
	return append(actions, BroadcastChat{})
}

// Approve moves a pending tool to approved.
func (t *Turn) Approve(entryID int64) ([]Action, error) {
	tool, ok := t.Tools[entryID]
	if !ok {
		return nil, fmt.Errorf("unknown tool entry %d", entryID)
	}
	if tool.Status != store.ToolPending {
		return nil, fmt.Errorf("tool entry %d is %s, not pending", entryID, tool.Status)
	}
	tool.Status = store.ToolApproved
	return []Action{
		UpdateToolStatus{EntryID: entryID, Status: store.ToolApproved},
		BroadcastChat{},
	}, nil
}

// Deny moves a pending tool to denied.
func (t *Turn) Deny(entryID int64, reason string) ([]Action, error) {
	tool, ok := t.Tools[entryID]
	if !ok {
		return nil, fmt.Errorf("unknown tool entry %d", entryID)
	}
	if tool.Status != store.ToolPending {
		return nil, fmt.Errorf("tool entry %d is %s, not pending", entryID, tool.Status)
	}
	tool.Status = store.ToolDenied
	return []Action{
		UpdateToolStatus{EntryID: entryID, Status: store.ToolDenied, DeniedReason: reason},
		BroadcastChat{},
	}, nil
}

// CompleteMsf resolves the executing Metasploit tool when the console returns
// to ready. At most one sequential tool executes at a time, so the executing
// msf tool is unambiguous.
func (t *Turn) CompleteMsf(output string, now time.Time) []Action {
	for _, tool := range t.Tools {
		if tool.Status == store.ToolExecuting && tool.Kind == ToolKindMsf {
			tool.Status = store.ToolSuccess
			duration := now.Sub(tool.StartedAt).Milliseconds()
			return []Action{
				UpdateToolStatus{
					EntryID:       tool.EntryID,
					Status:        store.ToolSuccess,
					ResultContent: output,
					DurationMs:    &duration,
				},
				BroadcastChat{},
			}
		}
	}
	return nil
}

// BindCommand records the controller-assigned command id for a dispatched
// bash tool.
func (t *Turn) BindCommand(commandID string, entryID int64) {
	t.CommandToTool[commandID] = entryID
}

// CompleteBash resolves a bash tool by its command id.
func (t *Turn) CompleteBash(commandID, output string, exitCode *int, errReason string, now time.Time) []Action {
	entryID, ok := t.CommandToTool[commandID]
	if !ok {
		return nil
	}
	delete(t.CommandToTool, commandID)
	tool, ok := t.Tools[entryID]
	if !ok || tool.Status != store.ToolExecuting {
		return nil
	}

	duration := now.Sub(tool.StartedAt).Milliseconds()
	update := UpdateToolStatus{EntryID: entryID, DurationMs: &duration}
	switch {
	case errReason != "":
		tool.Status = store.ToolError
		update.Status = store.ToolError
		update.ErrorMessage = errReason
		update.ResultContent = output
	case exitCode != nil && *exitCode != 0:
		tool.Status = store.ToolError
		update.Status = store.ToolError
		update.ErrorMessage = fmt.Sprintf("exit code %d", *exitCode)
		update.ResultContent = output
	default:
		tool.Status = store.ToolSuccess
		update.Status = store.ToolSuccess
		update.ResultContent = output
	}
	return []Action{update, BroadcastChat{}}
}

// TimeoutTool marks an executing tool as timed out if it is still the same
// invocation that was dispatched at startedAt.
func (t *Turn) TimeoutTool(entryID int64, startedAt time.Time, now time.Time) []Action {
	tool, ok := t.Tools[entryID]
	if !ok || tool.Status != store.ToolExecuting || !tool.StartedAt.Equal(startedAt) {
		return nil
	}
	tool.Status = store.ToolTimeout
	duration := now.Sub(tool.StartedAt).Milliseconds()
	for commandID, id := range t.CommandToTool {
		if id == entryID {
			delete(t.CommandToTool, commandID)
		}
	}
	return []Action{
		UpdateToolStatus{EntryID: entryID, Status: store.ToolTimeout, DurationMs: &duration},
		BroadcastChat{},
	}
}

// DeferDispatch reverts an executing tool to approved. Used when the console
// rejects the command as busy; the next reconcile retries the dispatch.
func (t *Turn) DeferDispatch(entryID int64) []Action {
	tool, ok := t.Tools[entryID]
	if !ok || tool.Status != store.ToolExecuting {
		return nil
	}
	tool.Status = store.ToolApproved
	tool.Deferred = true
	return []Action{
		UpdateToolStatus{EntryID: entryID, Status: store.ToolApproved},
	}
}

// ClearDeferrals makes deferred tools dispatchable again. The shell calls it
// when a fresh event arrives, so a busy console is retried once per trigger
// instead of spinning inside one reconcile pass.
func (t *Turn) ClearDeferrals() {
	for _, tool := range t.Tools {
		tool.Deferred = false
	}
}

// FailDispatch marks an executing tool as failed to start.
func (t *Turn) FailDispatch(entryID int64, reason string) []Action {
	tool, ok := t.Tools[entryID]
	if !ok || tool.Status != store.ToolExecuting {
		return nil
	}
	tool.Status = store.ToolError
	return []Action{
		UpdateToolStatus{EntryID: entryID, Status: store.ToolError, ErrorMessage: reason},
		BroadcastChat{},
	}
}

// FailExecutingTools marks executing tools as failed, used when the
// container goes away under running tools. kind restricts the sweep to one
// executor kind; empty means all.
func (t *Turn) FailExecutingTools(reason, kind string) []Action {
	var actions []Action
	for _, tool := range t.toolsByPosition() {
		if tool.Status == store.ToolExecuting && (kind == "" || tool.Kind == kind) {
			tool.Status = store.ToolError
			actions = append(actions, UpdateToolStatus{
				EntryID:      tool.EntryID,
				Status:       store.ToolError,
				ErrorMessage: reason,
			})
		}
	}
	if actions != nil {
		actions = append(actions, BroadcastChat{})
	}
	return actions
}

// Cancel aborts the turn. Open tools are cancelled and the LLM ref dropped;
// any further events for the dropped ref are discarded by the shell.
func (t *Turn) Cancel() []Action {
	if !t.Active() {
		return nil
	}
	actions := t.cancelOpenTools("turn cancelled")
	t.Status = store.TurnCancelled
	t.LLMRef = ""
	return append(actions,
		UpdateTurnStatus{TurnID: t.TurnID, Status: store.TurnCancelled},
		BroadcastChat{},
	)
}

func (t *Turn) cancelOpenTools(reason string) []Action {
	var actions []Action
	for _, tool := range t.toolsByPosition() {
		if !tool.Terminal() {
			tool.Status = store.ToolCancelled
			actions = append(actions, UpdateToolStatus{
				EntryID:      tool.EntryID,
				Status:       store.ToolCancelled,
				ErrorMessage: reason,
			})
		}
	}
	return actions
}

func (t *Turn) anyToolIn(status string) bool {
	for _, tool := range t.Tools {
		if tool.Status == status {
			return true
		}
	}
	return false
}

func (t *Turn) anySequentialExecuting() bool {
	for _, tool := range t.Tools {
		if tool.Sequential && tool.Status == store.ToolExecuting {
			return true
		}
	}
	return false
}

func (t *Turn) anyApprovedParallel() bool {
	for _, tool := range t.Tools {
		if !tool.Sequential && tool.Status == store.ToolApproved && !tool.Deferred {
			return true
		}
	}
	return false
}

func (t *Turn) earliestApprovedSequential() *ToolState {
	var earliest *ToolState
	for _, tool := range t.Tools {
		if !tool.Sequential || tool.Status != store.ToolApproved || tool.Deferred {
			continue
		}
		if earliest == nil || tool.Position < earliest.Position {
			earliest = tool
		}
	}
	return earliest
}

func (t *Turn) allToolsDenied() bool {
	for _, tool := range t.Tools {
		if tool.Status != store.ToolDenied {
			return false
		}
	}
	return true
}

func (t *Turn) allToolsTerminal() bool {
	for _, tool := range t.Tools {
		if !tool.Terminal() {
			return false
		}
	}
	return true
}

func (t *Turn) toolsByPosition() []*ToolState {
	out := make([]*ToolState, 0, len(t.Tools))
	for _, tool := range t.Tools {
		out = append(out, tool)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Position < out[j-1].Position; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

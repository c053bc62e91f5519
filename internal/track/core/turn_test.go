package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/llm"
	"github.com/msfailab/msfailab/internal/track/store"
)

// testResolver knows the two built-in tools.
func testResolver(name string) (bool, string, bool) {
	switch name {
	case "msf_command":
		return true, ToolKindMsf, true
	case "bash_command":
		return false, ToolKindBash, true
	}
	return false, "", false
}

func registerTool(t *testing.T, turn *Turn, actions []Action, entryID int64, position int) *ToolState {
	t.Helper()
	for _, a := range actions {
		if p, ok := a.(PersistToolInvocation); ok {
			p.Tool.EntryID = entryID
			p.Tool.Position = position
			turn.AddTool(p.Tool)
			return p.Tool
		}
	}
	t.Fatal("no PersistToolInvocation action")
	return nil
}

func actionTypes(actions []Action) []string {
	var out []string
	for _, a := range actions {
		switch a.(type) {
		case UpdateTurnStatus:
			out = append(out, "turn_status")
		case UpdateToolStatus:
			out = append(out, "tool_status")
		case SendMsfCommand:
			out = append(out, "send_msf")
		case SendBashCommand:
			out = append(out, "send_bash")
		case StartLLMRequest:
			out = append(out, "start_llm")
		case PersistToolInvocation:
			out = append(out, "persist_tool")
		}
	}
	return out
}

func TestTurnHappyPathNoTools(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "claude-sonnet-4-5-20250929")
	assert.Equal(t, store.TurnPending, turn.Status)

	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	assert.Equal(t, store.TurnStreaming, turn.Status)

	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopEndTurn, CacheContext: "ctx-1"}, testResolver)
	actions := turn.Reconcile(events.ConsoleReady, time.Now())

	assert.Equal(t, store.TurnFinished, turn.Status)
	assert.Contains(t, actionTypes(actions), "turn_status")
	assert.Equal(t, "ctx-1", turn.LastCacheContext)

	// A finished turn reconciles to nothing.
	assert.Empty(t, turn.Reconcile(events.ConsoleReady, time.Now()))
}

func TestPendingToolGatesOnApproval(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)

	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		ToolCallID: "call-1",
		Arguments: map[string]any{"command": "db_status"},
	}, testResolver)
	tool := registerTool(t, turn, actions, 100, 1)
	assert.Equal(t, store.ToolPending, tool.Status)
	assert.True(t, tool.Sequential)

	actions = turn.Reconcile(events.ConsoleReady, time.Now())
	assert.Equal(t, store.TurnPendingApproval, turn.Status)
	// No dispatch without approval.
	assert.NotContains(t, actionTypes(actions), "send_msf")
}

func TestApprovedSequentialDispatchRequiresReadyConsole(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "hosts"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	turn.Reconcile(events.ConsoleReady, time.Now())

	_, err := turn.Approve(100)
	require.NoError(t, err)

	// Console busy: the approved tool stays queued.
	actions = turn.Reconcile(events.ConsoleBusy, time.Now())
	assert.NotContains(t, actionTypes(actions), "send_msf")
	assert.Equal(t, store.ToolApproved, turn.Tools[100].Status)

	actions = turn.Reconcile(events.ConsoleReady, time.Now())
	assert.Contains(t, actionTypes(actions), "send_msf")
	assert.Equal(t, store.ToolExecuting, turn.Tools[100].Status)
}

func TestSequentialToolsDispatchOneAtATime(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	for i, id := range []int64{100, 101} {
		actions := turn.FoldLLM(llm.StreamEvent{
			Type:      llm.EventToolCall,
			ToolName:  "msf_command",
			Arguments: map[string]any{"command": "cmd"},
		}, testResolver)
		registerTool(t, turn, actions, id, i+1)
	}
	turn.Reconcile(events.ConsoleReady, time.Now())
	_, err := turn.Approve(100)
	require.NoError(t, err)
	_, err = turn.Approve(101)
	require.NoError(t, err)

	actions := turn.Reconcile(events.ConsoleReady, time.Now())
	assert.Equal(t, store.ToolExecuting, turn.Tools[100].Status)
	assert.Equal(t, store.ToolApproved, turn.Tools[101].Status)
	require.Contains(t, actionTypes(actions), "send_msf")

	// The second one waits for the first to finish.
	actions = turn.Reconcile(events.ConsoleReady, time.Now())
	assert.NotContains(t, actionTypes(actions), "send_msf")
}

func TestParallelToolsDispatchTogether(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.Autonomous = true
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	for i, id := range []int64{100, 101} {
		actions := turn.FoldLLM(llm.StreamEvent{
			Type:      llm.EventToolCall,
			ToolName:  "bash_command",
			Arguments: map[string]any{"command": "ls"},
		}, testResolver)
		tool := registerTool(t, turn, actions, id, i+1)
		// Autonomous mode records the call already approved.
		assert.Equal(t, store.ToolApproved, tool.Status)
	}

	actions := turn.Reconcile(events.ConsoleBusy, time.Now())
	count := 0
	for _, typ := range actionTypes(actions) {
		if typ == "send_bash" {
			count++
		}
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, store.TurnExecutingTools, turn.Status)
}

func TestMsfCompletionByConsoleReady(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "hosts"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	turn.Reconcile(events.ConsoleReady, time.Now())
	_, err := turn.Approve(100)
	require.NoError(t, err)
	started := time.Now().Add(-2 * time.Second)
	turn.Reconcile(events.ConsoleReady, started)

	actions = turn.CompleteMsf("10.0.0.5\n", time.Now())
	require.NotEmpty(t, actions)
	update := actions[0].(UpdateToolStatus)
	assert.Equal(t, store.ToolSuccess, update.Status)
	assert.Equal(t, "10.0.0.5\n", update.ResultContent)
	require.NotNil(t, update.DurationMs)
	assert.GreaterOrEqual(t, *update.DurationMs, int64(2000))
}

func TestBashCompletionByCommandID(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.Autonomous = true
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "bash_command",
		Arguments: map[string]any{"command": "id"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	turn.Reconcile(events.ConsoleBusy, time.Now())
	turn.BindCommand("bash-1", 100)

	zero := 0
	actions = turn.CompleteBash("bash-1", "uid=0(root)\n", &zero, "", time.Now())
	require.NotEmpty(t, actions)
	update := actions[0].(UpdateToolStatus)
	assert.Equal(t, store.ToolSuccess, update.Status)
	assert.Equal(t, "uid=0(root)\n", update.ResultContent)

	// The correlation entry is consumed.
	assert.Empty(t, turn.CompleteBash("bash-1", "", &zero, "", time.Now()))
}

func TestBashNonZeroExitIsError(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.Autonomous = true
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "bash_command",
		Arguments: map[string]any{"command": "false"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	turn.Reconcile(events.ConsoleBusy, time.Now())
	turn.BindCommand("bash-1", 100)

	one := 1
	update := turn.CompleteBash("bash-1", "", &one, "", time.Now())[0].(UpdateToolStatus)
	assert.Equal(t, store.ToolError, update.Status)
	assert.Equal(t, "exit code 1", update.ErrorMessage)
}

func TestAllTerminalToolsContinueTurn(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "hosts"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	actions = turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "bash_command",
		Arguments: map[string]any{"command": "id"},
	}, testResolver)
	registerTool(t, turn, actions, 101, 2)
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopToolUse, CacheContext: "ctx-2"}, testResolver)
	turn.Reconcile(events.ConsoleReady, time.Now())

	// One tool is vetoed, the other runs; denied still counts as terminal
	// and the model is told on the next request.
	_, err := turn.Deny(100, "not in scope")
	require.NoError(t, err)
	_, err = turn.Approve(101)
	require.NoError(t, err)
	turn.Reconcile(events.ConsoleReady, time.Now())
	require.Equal(t, store.ToolExecuting, turn.Tools[101].Status)
	turn.BindCommand("b-1", 101)
	zero := 0
	turn.CompleteBash("b-1", "uid=0(root)\n", &zero, "", time.Now())

	actions = turn.Reconcile(events.ConsoleReady, time.Now())
	types := actionTypes(actions)
	require.Contains(t, types, "start_llm")
	assert.Equal(t, store.TurnPending, turn.Status)
	assert.Empty(t, turn.Tools)
	for _, a := range actions {
		if s, ok := a.(StartLLMRequest); ok {
			assert.Equal(t, "ctx-2", s.CacheContext)
		}
	}
}

func TestAllDeniedTurnFinishes(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "exploit"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopToolUse}, testResolver)
	turn.Reconcile(events.ConsoleReady, time.Now())
	require.Equal(t, store.TurnPendingApproval, turn.Status)

	_, err := turn.Deny(100, "not safe")
	require.NoError(t, err)

	// Nothing executed and nothing is left to run; the turn ends without
	// another LLM request.
	actions = turn.Reconcile(events.ConsoleReady, time.Now())
	types := actionTypes(actions)
	assert.NotContains(t, types, "start_llm")
	assert.Equal(t, store.TurnFinished, turn.Status)
	assert.Empty(t, turn.Reconcile(events.ConsoleReady, time.Now()))
}

func TestUnknownToolIsImmediateError(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)

	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "rm_rf",
		Arguments: map[string]any{"command": "x"},
	}, testResolver)
	tool := registerTool(t, turn, actions, 100, 1)
	assert.Equal(t, store.ToolError, tool.Status)
	assert.Contains(t, tool.Error, "unknown tool")
	assert.True(t, tool.Terminal())
}

func TestStreamErrorFailsTurnAndCancelsTools(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "hosts"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)

	actions = turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamError, ErrorReason: "boom"}, testResolver)
	assert.Equal(t, store.TurnError, turn.Status)
	assert.Equal(t, store.ToolCancelled, turn.Tools[100].Status)
	assert.Contains(t, actionTypes(actions), "tool_status")
	assert.Empty(t, turn.Reconcile(events.ConsoleReady, time.Now()))
}

func TestTimeoutRequiresMatchingDispatch(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "run"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	turn.Reconcile(events.ConsoleReady, time.Now())
	_, err := turn.Approve(100)
	require.NoError(t, err)
	dispatched := time.Now()
	turn.Reconcile(events.ConsoleReady, dispatched)

	// A stale timer from an earlier dispatch is ignored.
	assert.Empty(t, turn.TimeoutTool(100, dispatched.Add(-time.Minute), time.Now()))

	actions = turn.TimeoutTool(100, dispatched, time.Now())
	require.NotEmpty(t, actions)
	assert.Equal(t, store.ToolTimeout, turn.Tools[100].Status)
}

func TestCancelAbortsTurn(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "run"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)

	actions = turn.Cancel()
	assert.Equal(t, store.TurnCancelled, turn.Status)
	assert.Equal(t, store.ToolCancelled, turn.Tools[100].Status)
	assert.Empty(t, turn.LLMRef)
	assert.NotEmpty(t, actions)
	assert.Empty(t, turn.Cancel())
}

func TestApproveRejectsNonPending(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "run"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)

	_, err := turn.Approve(999)
	assert.Error(t, err)

	_, err = turn.Approve(100)
	require.NoError(t, err)
	_, err = turn.Approve(100)
	assert.Error(t, err)
	_, err = turn.Deny(100, "late")
	assert.Error(t, err)
}

func TestContainerLossFailsExecutingTools(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.Autonomous = true
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "bash_command",
		Arguments: map[string]any{"command": "sleep 60"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	turn.Reconcile(events.ConsoleBusy, time.Now())
	require.Equal(t, store.ToolExecuting, turn.Tools[100].Status)

	actions = turn.FailExecutingTools("container_stopped", "")
	require.NotEmpty(t, actions)
	assert.Equal(t, store.ToolError, turn.Tools[100].Status)
}

func TestDeferDispatchRetriesOnNextReconcile(t *testing.T) {
	turn := NewTurn()
	turn.Begin(1, "m")
	turn.FoldLLM(llm.StreamEvent{Type: llm.EventStreamStarted}, testResolver)
	actions := turn.FoldLLM(llm.StreamEvent{
		Type:      llm.EventToolCall,
		ToolName:  "msf_command",
		Arguments: map[string]any{"command": "hosts"},
	}, testResolver)
	registerTool(t, turn, actions, 100, 1)
	turn.Reconcile(events.ConsoleReady, time.Now())
	_, err := turn.Approve(100)
	require.NoError(t, err)
	turn.Reconcile(events.ConsoleReady, time.Now())
	require.Equal(t, store.ToolExecuting, turn.Tools[100].Status)

	// The console raced to busy; the deferred tool sits out the rest of
	// this reconcile pass and retries on the next trigger.
	turn.DeferDispatch(100)
	assert.Equal(t, store.ToolApproved, turn.Tools[100].Status)
	assert.Empty(t, turn.Reconcile(events.ConsoleReady, time.Now()))

	turn.ClearDeferrals()
	actions = turn.Reconcile(events.ConsoleReady, time.Now())
	assert.Contains(t, actionTypes(actions), "send_msf")
}

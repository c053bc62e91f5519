package track

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/container/controller"
	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/events/bus"
	"github.com/msfailab/msfailab/internal/llm"
	"github.com/msfailab/msfailab/internal/tools"
	"github.com/msfailab/msfailab/internal/track/store"
)

const (
	testWorkspace = int64(1)
	testContainer = int64(2)
	testTrack     = int64(3)
)

// fakeRouter records dispatched commands.
type fakeRouter struct {
	mu       sync.Mutex
	msf      []string
	bash     []string
	msfErr   error
	bashErr  error
	commands int
}

func (f *fakeRouter) SendMetasploitCommand(trackID int64, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msfErr != nil {
		return "", f.msfErr
	}
	f.msf = append(f.msf, text)
	f.commands++
	return fmt.Sprintf("msf-cmd-%d", f.commands), nil
}

func (f *fakeRouter) SendBashCommand(trackID int64, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bashErr != nil {
		return "", f.bashErr
	}
	f.bash = append(f.bash, text)
	f.commands++
	return fmt.Sprintf("bash-cmd-%d", f.commands), nil
}

func (f *fakeRouter) msfCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msf...)
}

func (f *fakeRouter) bashCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bash...)
}

// fakeChat hands out refs and records each request with its sink so tests
// can drive the stream by hand.
type fakeChat struct {
	mu    sync.Mutex
	calls []llm.Request
	sinks []chan<- llm.StreamEvent
	refs  int
}

func (f *fakeChat) DefaultModel() (string, error) {
	return "claude-sonnet-4-5-20250929", nil
}

func (f *fakeChat) Chat(_ context.Context, req llm.Request, sink chan<- llm.StreamEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
	f.calls = append(f.calls, req)
	f.sinks = append(f.sinks, sink)
	return fmt.Sprintf("ref-%d", f.refs), nil
}

func (f *fakeChat) Cancel(string) {}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChat) lastCall() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// send pushes events for the n-th request (1-based) tagged with its ref.
func (f *fakeChat) send(n int, evs ...llm.StreamEvent) {
	f.mu.Lock()
	sink := f.sinks[n-1]
	f.mu.Unlock()
	for _, ev := range evs {
		ev.Ref = fmt.Sprintf("ref-%d", n)
		sink <- ev
	}
}

type engineRig struct {
	engine *Engine
	store  store.Store
	bus    bus.EventBus
	chat   *fakeChat
	router *fakeRouter
}

func startEngine(t *testing.T, mutate func(*Options)) *engineRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	rig := &engineRig{
		store:  store.NewMemoryStore(),
		bus:    bus.NewMemoryEventBus(log),
		chat:   &fakeChat{},
		router: &fakeRouter{},
	}
	opts := Options{
		WorkspaceID: testWorkspace,
		TrackID:     testTrack,
		ContainerID: testContainer,
		Store:       rig.store,
		Bus:         rig.bus,
		LLM:         rig.chat,
		Controller:  rig.router,
		Tools:       tools.NewRegistry(),
		Config:      config.ToolsConfig{MsfTimeoutMs: 60000, BashTimeoutMs: 60000},
		Logger:      log,
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := Start(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		engine.Stop(ctx)
	})
	rig.engine = engine
	return rig
}

func (r *engineRig) publishConsole(t *testing.T, status, commandID, command, output, prompt string) {
	t.Helper()
	event := bus.NewEvent(events.ConsoleUpdatedType, "test", &events.ConsoleUpdated{
		WorkspaceID: testWorkspace,
		ContainerID: testContainer,
		TrackID:     testTrack,
		Status:      status,
		CommandID:   commandID,
		Command:     command,
		Output:      output,
		Prompt:      prompt,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, r.bus.Publish(context.Background(), events.WorkspaceSubject(testWorkspace), event))
}

func (r *engineRig) makeConsoleReady(t *testing.T) {
	t.Helper()
	r.publishConsole(t, events.ConsoleStarting, "", "", "banner\n", "")
	r.publishConsole(t, events.ConsoleReady, "", "", "", "msf6 > ")
	r.waitConsoleStatus(t, events.ConsoleReady)
}

func (r *engineRig) waitConsoleStatus(t *testing.T, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := r.engine.GetSnapshot(context.Background())
		return err == nil && snap.ConsoleStatus == status
	}, 2*time.Second, 5*time.Millisecond)
}

func (r *engineRig) waitTurnStatus(t *testing.T, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := r.engine.GetSnapshot(context.Background())
		return err == nil && snap.TurnStatus == status
	}, 2*time.Second, 5*time.Millisecond, "turn never reached %s", status)
}

func (r *engineRig) pendingToolEntry(t *testing.T) store.ChatEntry {
	t.Helper()
	var found store.ChatEntry
	require.Eventually(t, func() bool {
		snap, err := r.engine.GetSnapshot(context.Background())
		if err != nil {
			return false
		}
		for _, e := range snap.ChatEntries {
			if e.Tool != nil && e.Tool.Status == store.ToolPending {
				found = e
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func TestChatTurnWithoutTools(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()

	turnID, err := rig.engine.StartChatTurn(ctx, "what is the database status?", "")
	require.NoError(t, err)
	require.Equal(t, 1, rig.chat.callCount())

	req := rig.chat.lastCall()
	assert.Equal(t, "claude-sonnet-4-5-20250929", req.Model)
	assert.NotEmpty(t, req.System)
	assert.Len(t, req.Tools, 2)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "what is the database status?", req.Messages[0].Content)

	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventContentBlockStart, Index: 0, BlockType: llm.BlockThinking},
		llm.StreamEvent{Type: llm.EventContentDelta, Index: 0, Delta: "The user wants db_status."},
		llm.StreamEvent{Type: llm.EventContentBlockStop, Index: 0},
		llm.StreamEvent{Type: llm.EventContentBlockStart, Index: 1, BlockType: llm.BlockText},
		llm.StreamEvent{Type: llm.EventContentDelta, Index: 1, Delta: "Run `db_status` to check."},
		llm.StreamEvent{Type: llm.EventContentBlockStop, Index: 1},
		llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopEndTurn},
	)
	rig.waitTurnStatus(t, store.TurnFinished)

	turn, err := rig.store.GetTurn(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, store.TurnFinished, turn.Status)

	entries, err := rig.store.ListChatEntries(ctx, testTrack)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, store.MessagePrompt, entries[0].Message.MessageType)
	assert.Equal(t, store.MessageThinking, entries[1].Message.MessageType)
	assert.Equal(t, store.MessageResponse, entries[2].Message.MessageType)
	assert.Equal(t, "Run `db_status` to check.", entries[2].Message.Content)
}

func TestRejectsSecondTurnWhileActive(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()

	_, err := rig.engine.StartChatTurn(ctx, "first", "")
	require.NoError(t, err)

	_, err = rig.engine.StartChatTurn(ctx, "second", "")
	assert.ErrorIs(t, err, ErrTurnInProgress)
}

func TestMsfToolApprovalRoundTrip(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()
	rig.makeConsoleReady(t)

	_, err := rig.engine.StartChatTurn(ctx, "check db", "")
	require.NoError(t, err)

	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventContentBlockStart, Index: 0, BlockType: llm.BlockToolCall},
		llm.StreamEvent{Type: llm.EventToolCall, Index: 0, ToolCallID: "call-1", ToolName: "msf_command",
			Arguments: map[string]any{"command": "db_status"}},
		llm.StreamEvent{Type: llm.EventContentBlockStop, Index: 0},
		llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopToolUse, CacheContext: "cache-1"},
	)

	entry := rig.pendingToolEntry(t)
	rig.waitTurnStatus(t, store.TurnPendingApproval)
	assert.Equal(t, "msf6 > ", entry.Tool.ConsolePrompt)

	require.NoError(t, rig.engine.ApproveTool(ctx, entry.ID))
	require.Eventually(t, func() bool {
		return len(rig.router.msfCommands()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"db_status"}, rig.router.msfCommands())

	// The console runs the command and returns to ready; the tool resolves
	// with the command block's output.
	rig.publishConsole(t, events.ConsoleBusy, "msf-cmd-1", "db_status", "", "")
	rig.publishConsole(t, events.ConsoleBusy, "msf-cmd-1", "", "[*] postgresql connected\n", "")
	rig.publishConsole(t, events.ConsoleReady, "", "", "", "msf6 > ")

	// All tools terminal: the follow-up request carries the cache context.
	require.Eventually(t, func() bool {
		return rig.chat.callCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "cache-1", rig.chat.lastCall().CacheContext)

	entries, err := rig.store.ListChatEntries(ctx, testTrack)
	require.NoError(t, err)
	var tool *store.ToolInvocation
	for _, e := range entries {
		if e.Tool != nil {
			tool = e.Tool
		}
	}
	require.NotNil(t, tool)
	assert.Equal(t, store.ToolSuccess, tool.Status)
	assert.Equal(t, "[*] postgresql connected\n", tool.ResultContent)

	// The follow-up request replays the call and its result.
	req := rig.chat.lastCall()
	var sawResult bool
	for _, m := range req.Messages {
		for _, tr := range m.ToolResults {
			if tr.ToolCallID == "call-1" {
				sawResult = true
				assert.Equal(t, "[*] postgresql connected\n", tr.Content)
			}
		}
	}
	assert.True(t, sawResult)

	rig.chat.send(2,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopEndTurn},
	)
	rig.waitTurnStatus(t, store.TurnFinished)
}

func TestDenyingOnlyToolFinishesTurn(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()
	rig.makeConsoleReady(t)

	_, err := rig.engine.StartChatTurn(ctx, "exploit it", "")
	require.NoError(t, err)
	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCallID: "call-1", ToolName: "msf_command",
			Arguments: map[string]any{"command": "exploit"}},
		llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopToolUse},
	)
	entry := rig.pendingToolEntry(t)

	require.NoError(t, rig.engine.DenyTool(ctx, entry.ID, "out of scope"))

	// The operator vetoed everything the model asked for; the turn ends
	// without another request and nothing reaches the console.
	rig.waitTurnStatus(t, store.TurnFinished)
	assert.Equal(t, 1, rig.chat.callCount())
	assert.Empty(t, rig.router.msfCommands())
}

func TestDeniedToolResultReplayedOnNextTurn(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()
	rig.makeConsoleReady(t)

	_, err := rig.engine.StartChatTurn(ctx, "exploit it", "")
	require.NoError(t, err)
	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCallID: "call-1", ToolName: "msf_command",
			Arguments: map[string]any{"command": "exploit"}},
		llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopToolUse},
	)
	entry := rig.pendingToolEntry(t)
	require.NoError(t, rig.engine.DenyTool(ctx, entry.ID, "out of scope"))
	rig.waitTurnStatus(t, store.TurnFinished)

	// The next turn replays the denial so the model knows why nothing ran.
	_, err = rig.engine.StartChatTurn(ctx, "try something else", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rig.chat.callCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	req := rig.chat.lastCall()
	var sawDenial bool
	for _, m := range req.Messages {
		for _, tr := range m.ToolResults {
			if tr.IsError {
				sawDenial = true
				assert.Contains(t, tr.Content, "out of scope")
			}
		}
	}
	assert.True(t, sawDenial)
}

func TestAutonomousModeSkipsApproval(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()
	rig.makeConsoleReady(t)
	require.NoError(t, rig.engine.SetAutonomous(ctx, true))

	_, err := rig.engine.StartChatTurn(ctx, "enumerate hosts", "")
	require.NoError(t, err)
	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCallID: "call-1", ToolName: "msf_command",
			Arguments: map[string]any{"command": "hosts"}},
	)

	require.Eventually(t, func() bool {
		return len(rig.router.msfCommands()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hosts"}, rig.router.msfCommands())
}

func TestBashToolCompletesViaCommandResult(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, rig.engine.SetAutonomous(ctx, true))

	_, err := rig.engine.StartChatTurn(ctx, "scan the target", "")
	require.NoError(t, err)
	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCallID: "call-1", ToolName: "bash_command",
			Arguments: map[string]any{"command": "nmap -sV 10.0.0.5"}},
		llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopToolUse},
	)

	require.Eventually(t, func() bool {
		return len(rig.router.bashCommands()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	exitCode := 0
	event := bus.NewEvent(events.CommandResultType, "test", &events.CommandResult{
		WorkspaceID: testWorkspace,
		ContainerID: testContainer,
		TrackID:     testTrack,
		CommandID:   "bash-cmd-1",
		Type:        events.CommandTypeBash,
		Command:     "nmap -sV 10.0.0.5",
		Output:      "22/tcp open ssh\n",
		Status:      events.CommandFinished,
		ExitCode:    &exitCode,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, rig.bus.Publish(ctx, events.WorkspaceSubject(testWorkspace), event))

	require.Eventually(t, func() bool {
		return rig.chat.callCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	entries, err := rig.store.ListChatEntries(ctx, testTrack)
	require.NoError(t, err)
	var tool *store.ToolInvocation
	for _, e := range entries {
		if e.Tool != nil {
			tool = e.Tool
		}
	}
	require.NotNil(t, tool)
	assert.Equal(t, store.ToolSuccess, tool.Status)
	assert.Equal(t, "22/tcp open ssh\n", tool.ResultContent)
}

func TestUnknownToolErrorsAndContinues(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()

	_, err := rig.engine.StartChatTurn(ctx, "do something odd", "")
	require.NoError(t, err)
	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCallID: "call-1", ToolName: "rm_rf",
			Arguments: map[string]any{"command": "x"}},
		llm.StreamEvent{Type: llm.EventStreamComplete, StopReason: llm.StopToolUse},
	)

	// The unknown tool is terminal immediately; the conversation continues
	// without any dispatch.
	require.Eventually(t, func() bool {
		return rig.chat.callCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, rig.router.msfCommands())
	assert.Empty(t, rig.router.bashCommands())

	entries, err := rig.store.ListChatEntries(ctx, testTrack)
	require.NoError(t, err)
	var tool *store.ToolInvocation
	for _, e := range entries {
		if e.Tool != nil {
			tool = e.Tool
		}
	}
	require.NotNil(t, tool)
	assert.Equal(t, store.ToolError, tool.Status)
	assert.Contains(t, tool.ErrorMessage, "unknown tool")
}

func TestCancelTurnDiscardsStreamingContent(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()

	turnID, err := rig.engine.StartChatTurn(ctx, "tell me a long story", "")
	require.NoError(t, err)
	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventContentBlockStart, Index: 0, BlockType: llm.BlockText},
		llm.StreamEvent{Type: llm.EventContentDelta, Index: 0, Delta: "Once upon a"},
	)
	rig.waitTurnStatus(t, store.TurnStreaming)

	require.NoError(t, rig.engine.CancelTurn(ctx))
	rig.waitTurnStatus(t, store.TurnCancelled)

	turn, err := rig.store.GetTurn(ctx, turnID)
	require.NoError(t, err)
	assert.Equal(t, store.TurnCancelled, turn.Status)

	// The in-flight block is dropped, not persisted.
	entries, err := rig.store.ListChatEntries(ctx, testTrack)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.MessagePrompt, entries[0].Message.MessageType)

	snap, err := rig.engine.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.ChatEntries, 1)
}

func TestConsoleHistoryPersistence(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()

	rig.makeConsoleReady(t)
	rig.publishConsole(t, events.ConsoleBusy, "cmd-1", "hosts", "", "")
	rig.publishConsole(t, events.ConsoleBusy, "cmd-1", "", "10.0.0.5\n", "")
	rig.publishConsole(t, events.ConsoleReady, "", "", "", "msf6 > ")

	require.Eventually(t, func() bool {
		blocks, err := rig.store.ListConsoleBlocks(ctx, testTrack)
		return err == nil && len(blocks) == 2
	}, 2*time.Second, 5*time.Millisecond)

	blocks, err := rig.store.ListConsoleBlocks(ctx, testTrack)
	require.NoError(t, err)
	assert.Equal(t, store.BlockStartup, blocks[0].Type)
	assert.Equal(t, store.BlockCommand, blocks[1].Type)
	assert.Equal(t, "10.0.0.5\n", blocks[1].Output)
}

func TestConsoleActivityBetweenTurnsBecomesContext(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()
	rig.makeConsoleReady(t)

	// A command completes with no turn active, e.g. driven by another
	// operator surface.
	rig.publishConsole(t, events.ConsoleBusy, "cmd-1", "hosts", "", "")
	rig.publishConsole(t, events.ConsoleBusy, "cmd-1", "", "10.0.0.5\n", "")
	rig.publishConsole(t, events.ConsoleReady, "", "", "", "msf6 > ")

	require.Eventually(t, func() bool {
		snap, err := rig.engine.GetSnapshot(ctx)
		if err != nil {
			return false
		}
		for _, e := range snap.ChatEntries {
			if e.EntryType == store.EntryConsoleContext {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The next turn carries the activity to the model.
	_, err := rig.engine.StartChatTurn(ctx, "what did we find", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return rig.chat.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	req := rig.chat.lastCall()
	var sawContext bool
	for _, m := range req.Messages {
		if strings.Contains(m.Content, "Console activity since the last turn:") {
			sawContext = true
			assert.Contains(t, m.Content, "hosts")
			assert.Contains(t, m.Content, "10.0.0.5")
		}
	}
	assert.True(t, sawContext)
}

func TestBusyDispatchIsRetried(t *testing.T) {
	rig := startEngine(t, nil)
	ctx := context.Background()
	rig.makeConsoleReady(t)
	require.NoError(t, rig.engine.SetAutonomous(ctx, true))

	rig.router.mu.Lock()
	rig.router.msfErr = controller.ErrConsoleBusy
	rig.router.mu.Unlock()

	_, err := rig.engine.StartChatTurn(ctx, "check db", "")
	require.NoError(t, err)
	rig.chat.send(1,
		llm.StreamEvent{Type: llm.EventStreamStarted},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCallID: "call-1", ToolName: "msf_command",
			Arguments: map[string]any{"command": "db_status"}},
	)

	// The dispatch bounced off a busy console; the tool returns to approved.
	require.Eventually(t, func() bool {
		snap, err := rig.engine.GetSnapshot(ctx)
		if err != nil {
			return false
		}
		for _, e := range snap.ChatEntries {
			if e.Tool != nil && e.Tool.Status == store.ToolApproved {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	rig.router.mu.Lock()
	rig.router.msfErr = nil
	rig.router.mu.Unlock()

	// The next console transition triggers another reconcile and the retry.
	rig.publishConsole(t, events.ConsoleReady, "", "", "", "msf6 > ")
	require.Eventually(t, func() bool {
		return len(rig.router.msfCommands()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// Package track runs one engine per track: the shell that folds bus events,
// LLM stream events, and user calls into the pure core sub-machines and
// executes the actions they return.
package track

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/events/bus"
	"github.com/msfailab/msfailab/internal/llm"
	"github.com/msfailab/msfailab/internal/tools"
	"github.com/msfailab/msfailab/internal/track/core"
	"github.com/msfailab/msfailab/internal/track/markdown"
	"github.com/msfailab/msfailab/internal/track/store"
)

// ErrTurnInProgress rejects a new chat turn while one is active.
var ErrTurnInProgress = errors.New("turn_in_progress")

// defaultRenderWidth is the word wrap width for streamed markdown.
const defaultRenderWidth = 100

// maxReconcileRounds bounds the reconcile loop. Tool statuses and positions
// only move forward, so the loop settles well before this.
const maxReconcileRounds = 16

// CommandRouter is the subset of the container controller the engine uses.
type CommandRouter interface {
	SendMetasploitCommand(trackID int64, text string) (string, error)
	SendBashCommand(trackID int64, text string) (string, error)
}

// ChatService is the subset of the LLM registry the engine uses.
type ChatService interface {
	DefaultModel() (string, error)
	Chat(ctx context.Context, req llm.Request, sink chan<- llm.StreamEvent) (string, error)
	Cancel(ref string)
}

// Options configures a track engine.
type Options struct {
	WorkspaceID int64
	TrackID     int64
	ContainerID int64

	Store      store.Store
	Bus        bus.EventBus
	LLM        ChatService
	Controller CommandRouter
	Tools      *tools.Registry
	Config     config.ToolsConfig

	// RenderWidth is the markdown word wrap width; 0 uses the default.
	RenderWidth int

	Logger *logger.Logger
}

// Snapshot is the engine's externally visible state.
type Snapshot struct {
	TrackID        int64                       `json:"track_id"`
	Autonomous     bool                        `json:"autonomous"`
	TurnStatus     string                      `json:"turn_status"`
	TurnID         int64                       `json:"turn_id,omitempty"`
	ConsoleStatus  string                      `json:"console_status"`
	ConsolePrompt  string                      `json:"console_prompt"`
	ConsoleHistory []store.ConsoleHistoryBlock `json:"console_history"`
	ChatEntries    []store.ChatEntry           `json:"chat_entries"`
}

// Engine is the per-track actor. All state is owned by the run goroutine;
// external calls go through the mailbox.
type Engine struct {
	opts   Options
	logger *logger.Logger

	console *core.Console
	stream  *core.Stream
	turn    *core.Turn

	autonomous bool
	entries    []store.ChatEntry
	entryIndex map[int]int // position -> index into entries
	documents  map[int]*markdown.Renderer

	mailbox chan engineMsg
	llmSink chan llm.StreamEvent
	sub     bus.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	done    chan struct{}
}

type engineMsg interface{ isEngineMsg() }

type (
	busEventMsg struct{ event *bus.Event }

	startTurnMsg struct {
		prompt string
		model  string
		reply  chan startTurnReply
	}
	startTurnReply struct {
		turnID int64
		err    error
	}

	approveToolMsg struct {
		entryID int64
		reply   chan error
	}
	denyToolMsg struct {
		entryID int64
		reason  string
		reply   chan error
	}
	setAutonomousMsg struct {
		on    bool
		reply chan struct{}
	}
	cancelTurnMsg struct{ reply chan struct{} }

	toolTimeoutMsg struct {
		entryID   int64
		startedAt time.Time
	}

	snapshotMsg struct{ reply chan Snapshot }

	shutdownMsg struct{ reply chan struct{} }
)

func (busEventMsg) isEngineMsg()      {}
func (startTurnMsg) isEngineMsg()     {}
func (approveToolMsg) isEngineMsg()   {}
func (denyToolMsg) isEngineMsg()      {}
func (setAutonomousMsg) isEngineMsg() {}
func (cancelTurnMsg) isEngineMsg()    {}
func (toolTimeoutMsg) isEngineMsg()   {}
func (snapshotMsg) isEngineMsg()      {}
func (shutdownMsg) isEngineMsg()      {}

// Start loads persisted state and launches the engine actor.
func Start(ctx context.Context, opts Options) (*Engine, error) {
	blocks, err := opts.Store.ListConsoleBlocks(ctx, opts.TrackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load console history: %w", err)
	}
	entries, err := opts.Store.ListChatEntries(ctx, opts.TrackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat entries: %w", err)
	}
	maxPos, err := opts.Store.MaxPosition(ctx, opts.TrackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load max position: %w", err)
	}

	engineCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:       opts,
		logger:     opts.Logger.WithTrackID(opts.TrackID),
		console:    core.NewConsole(opts.TrackID, blocks),
		stream:     core.NewStream(maxPos + 1),
		turn:       core.NewTurn(),
		entries:    entries,
		entryIndex: make(map[int]int),
		documents:  make(map[int]*markdown.Renderer),
		mailbox:    make(chan engineMsg, 128),
		llmSink:    make(chan llm.StreamEvent, 64),
		ctx:        engineCtx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for i := range e.entries {
		e.entryIndex[e.entries[i].Position] = i
	}

	sub, err := opts.Bus.Subscribe(events.WorkspaceSubject(opts.WorkspaceID), func(_ context.Context, event *bus.Event) error {
		e.cast(busEventMsg{event: event})
		return nil
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to workspace events: %w", err)
	}
	e.sub = sub

	go e.run()
	return e, nil
}

// StartChatTurn persists the user prompt, creates a turn, and starts the
// first LLM request.
func (e *Engine) StartChatTurn(ctx context.Context, prompt, model string) (int64, error) {
	reply := make(chan startTurnReply, 1)
	if !e.call(startTurnMsg{prompt: prompt, model: model, reply: reply}) {
		return 0, errors.New("engine stopped")
	}
	select {
	case r := <-reply:
		return r.turnID, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ApproveTool approves a pending tool invocation.
func (e *Engine) ApproveTool(ctx context.Context, entryID int64) error {
	return e.callErr(ctx, func(reply chan error) engineMsg {
		return approveToolMsg{entryID: entryID, reply: reply}
	})
}

// DenyTool denies a pending tool invocation.
func (e *Engine) DenyTool(ctx context.Context, entryID int64, reason string) error {
	return e.callErr(ctx, func(reply chan error) engineMsg {
		return denyToolMsg{entryID: entryID, reason: reason, reply: reply}
	})
}

// SetAutonomous toggles auto-approval of new tool calls.
func (e *Engine) SetAutonomous(ctx context.Context, on bool) error {
	reply := make(chan struct{}, 1)
	if !e.call(setAutonomousMsg{on: on, reply: reply}) {
		return errors.New("engine stopped")
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelTurn aborts the active turn, if any.
func (e *Engine) CancelTurn(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if !e.call(cancelTurnMsg{reply: reply}) {
		return errors.New("engine stopped")
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetSnapshot returns the engine's current state.
func (e *Engine) GetSnapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !e.call(snapshotMsg{reply: reply}) {
		return Snapshot{}, errors.New("engine stopped")
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Stop shuts the engine down and waits for the run loop to exit.
func (e *Engine) Stop(ctx context.Context) {
	reply := make(chan struct{}, 1)
	if e.call(shutdownMsg{reply: reply}) {
		select {
		case <-e.done:
		case <-ctx.Done():
		}
	}
}

func (e *Engine) callErr(ctx context.Context, build func(chan error) engineMsg) error {
	reply := make(chan error, 1)
	if !e.call(build(reply)) {
		return errors.New("engine stopped")
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) cast(msg engineMsg) {
	select {
	case e.mailbox <- msg:
	case <-e.stopped:
	}
}

func (e *Engine) call(msg engineMsg) bool {
	select {
	case e.mailbox <- msg:
		return true
	case <-e.stopped:
		return false
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case msg := <-e.mailbox:
			if e.dispatch(msg) {
				return
			}
		case ev := <-e.llmSink:
			e.handleLLMEvent(ev)
		}
	}
}

// dispatch handles one mailbox message; true means shut down.
func (e *Engine) dispatch(msg engineMsg) bool {
	switch m := msg.(type) {
	case busEventMsg:
		e.handleBusEvent(m.event)
	case startTurnMsg:
		turnID, err := e.handleStartTurn(m.prompt, m.model)
		m.reply <- startTurnReply{turnID: turnID, err: err}
	case approveToolMsg:
		actions, err := e.turn.Approve(m.entryID)
		m.reply <- err
		if err == nil {
			e.apply(actions)
			e.reconcile()
		}
	case denyToolMsg:
		actions, err := e.turn.Deny(m.entryID, m.reason)
		m.reply <- err
		if err == nil {
			e.apply(actions)
			e.reconcile()
		}
	case setAutonomousMsg:
		e.autonomous = m.on
		e.turn.Autonomous = m.on
		m.reply <- struct{}{}
		e.broadcastChat()
	case cancelTurnMsg:
		if ref := e.turn.LLMRef; ref != "" {
			e.opts.LLM.Cancel(ref)
		}
		e.discardStreamingEntries()
		e.apply(e.turn.Cancel())
		m.reply <- struct{}{}
	case toolTimeoutMsg:
		e.apply(e.turn.TimeoutTool(m.entryID, m.startedAt, time.Now()))
		e.reconcile()
	case snapshotMsg:
		m.reply <- e.snapshot()
	case shutdownMsg:
		close(e.stopped)
		e.cancel()
		if e.sub != nil {
			_ = e.sub.Unsubscribe()
		}
		if ref := e.turn.LLMRef; ref != "" {
			e.opts.LLM.Cancel(ref)
		}
		m.reply <- struct{}{}
		return true
	}
	return false
}

func (e *Engine) snapshot() Snapshot {
	history := make([]store.ConsoleHistoryBlock, len(e.console.History))
	copy(history, e.console.History)
	entries := make([]store.ChatEntry, len(e.entries))
	copy(entries, e.entries)
	return Snapshot{
		TrackID:        e.opts.TrackID,
		Autonomous:     e.autonomous,
		TurnStatus:     e.turn.Status,
		TurnID:         e.turn.TurnID,
		ConsoleStatus:  e.console.Status,
		ConsolePrompt:  e.console.Prompt,
		ConsoleHistory: history,
		ChatEntries:    entries,
	}
}

func (e *Engine) handleBusEvent(event *bus.Event) {
	switch event.Type {
	case events.ConsoleUpdatedType:
		payload, err := events.DecodePayload[events.ConsoleUpdated](event.Payload)
		if err != nil {
			e.logger.Warn("failed to decode console event", zap.Error(err))
			return
		}
		if payload.TrackID != e.opts.TrackID || payload.ContainerID != e.opts.ContainerID {
			return
		}
		e.foldConsole(payload)

	case events.ContainerUpdatedType:
		payload, err := events.DecodePayload[events.ContainerUpdated](event.Payload)
		if err != nil {
			e.logger.Warn("failed to decode container event", zap.Error(err))
			return
		}
		if payload.ContainerID != e.opts.ContainerID || payload.Status != events.ContainerOffline {
			return
		}
		e.apply(e.turn.FailExecutingTools("container_stopped", ""))
		e.reconcile()

	case events.CommandResultType:
		payload, err := events.DecodePayload[events.CommandResult](event.Payload)
		if err != nil {
			e.logger.Warn("failed to decode command result", zap.Error(err))
			return
		}
		if payload.TrackID != e.opts.TrackID || payload.Type != events.CommandTypeBash {
			return
		}
		switch payload.Status {
		case events.CommandFinished:
			e.apply(e.turn.CompleteBash(payload.CommandID, payload.Output, payload.ExitCode, "", time.Now()))
			e.reconcile()
		case events.CommandError:
			e.apply(e.turn.CompleteBash(payload.CommandID, payload.Output, nil, payload.Error, time.Now()))
			e.reconcile()
		}
	}
}

func (e *Engine) foldConsole(payload *events.ConsoleUpdated) {
	wasBusy := e.console.Status == events.ConsoleBusy
	e.apply(e.console.Fold(core.ConsoleEvent{
		Status:    payload.Status,
		CommandID: payload.CommandID,
		Command:   payload.Command,
		Output:    payload.Output,
		Prompt:    payload.Prompt,
		At:        payload.Timestamp,
	}))

	switch {
	case wasBusy && e.console.Status == events.ConsoleReady:
		// A command completed; if it was driven by an executing msf tool,
		// the latest command block's output is its result. Outside a turn
		// the activity is captured as context for the next one.
		if e.turn.Active() {
			e.apply(e.turn.CompleteMsf(e.console.LastCommandOutput(), time.Now()))
		} else {
			e.captureConsoleContext()
		}
	case e.console.Status == events.ConsoleOffline:
		e.apply(e.turn.FailExecutingTools("console_offline", core.ToolKindMsf))
	}
	e.reconcile()
}

// captureConsoleContext persists a console command that ran outside any turn
// as a console_context chat entry, so the next LLM request sees what happened
// on the console in the meantime.
func (e *Engine) captureConsoleContext() {
	var block *store.ConsoleHistoryBlock
	for i := len(e.console.History) - 1; i >= 0; i-- {
		if e.console.History[i].Type == store.BlockCommand {
			block = &e.console.History[i]
			break
		}
	}
	if block == nil || block.Status != store.BlockFinished {
		return
	}

	entry := store.ChatEntry{
		TrackID:        e.opts.TrackID,
		Position:       e.stream.AllocPosition(),
		EntryType:      store.EntryConsoleContext,
		ConsoleContext: fmt.Sprintf("%s%s\n%s", e.console.Prompt, block.Command, block.Output),
	}
	if _, err := e.opts.Store.InsertConsoleContext(e.ctx, &entry); err != nil {
		e.logger.Error("failed to persist console context", zap.Error(err))
		return
	}
	e.appendEntry(entry)
	e.broadcastChat()
}

func (e *Engine) handleLLMEvent(ev llm.StreamEvent) {
	// Events for a dropped or superseded ref are discarded.
	if ev.Ref != e.turn.LLMRef {
		return
	}
	e.apply(e.stream.Fold(ev))
	e.apply(e.turn.FoldLLM(ev, e.opts.Tools.Resolve))
	e.reconcile()
}

func (e *Engine) reconcile() {
	e.turn.ClearDeferrals()
	for round := 0; round < maxReconcileRounds; round++ {
		actions := e.turn.Reconcile(e.console.Status, time.Now())
		if len(actions) == 0 {
			return
		}
		e.apply(actions)
	}
	e.logger.Warn("reconcile did not settle", zap.Int("rounds", maxReconcileRounds))
}

func (e *Engine) handleStartTurn(prompt, model string) (int64, error) {
	if e.turn.Active() {
		return 0, ErrTurnInProgress
	}
	if model == "" {
		var err error
		model, err = e.opts.LLM.DefaultModel()
		if err != nil {
			return 0, err
		}
	}

	position := e.stream.AllocPosition()
	entry := store.ChatEntry{
		TrackID:   e.opts.TrackID,
		Position:  position,
		EntryType: store.EntryMessage,
		Message: &store.MessageContent{
			Role:        store.RoleUser,
			MessageType: store.MessagePrompt,
			Content:     prompt,
		},
	}
	if _, err := e.opts.Store.InsertMessage(e.ctx, &entry); err != nil {
		return 0, fmt.Errorf("failed to persist prompt: %w", err)
	}

	turnID, err := e.opts.Store.CreateTurn(e.ctx, &store.Turn{
		TrackID: e.opts.TrackID,
		Model:   model,
		Status:  store.TurnPending,
		Trigger: "user",
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create turn: %w", err)
	}
	turn := turnID
	entry.TurnID = &turn
	e.appendEntry(entry)

	e.turn.Begin(turnID, model)
	e.turn.Autonomous = e.autonomous
	e.broadcastChat()
	e.startLLM("")
	e.reconcile()
	return turnID, nil
}

// startLLM issues the next provider request for the current turn.
func (e *Engine) startLLM(cacheContext string) {
	req := llm.Request{
		Model:        e.turn.Model,
		System:       systemPrompt,
		Messages:     buildMessages(e.entries),
		Tools:        e.opts.Tools.Definitions(),
		CacheContext: cacheContext,
	}
	ref, err := e.opts.LLM.Chat(e.ctx, req, e.llmSink)
	if err != nil {
		e.logger.Error("failed to start llm request", zap.Error(err))
		e.apply(e.turn.FoldLLM(llm.StreamEvent{
			Type:        llm.EventStreamError,
			ErrorReason: err.Error(),
		}, e.opts.Tools.Resolve))
		return
	}
	e.turn.LLMRef = ref
}

func (e *Engine) broadcastChat() {
	e.publish(events.ChatChangedType, &events.ChatChanged{
		WorkspaceID: e.opts.WorkspaceID,
		TrackID:     e.opts.TrackID,
		Timestamp:   time.Now().UTC(),
	})
}

func (e *Engine) broadcastConsole() {
	e.publish(events.ConsoleChangedType, &events.ConsoleChanged{
		WorkspaceID: e.opts.WorkspaceID,
		TrackID:     e.opts.TrackID,
		Timestamp:   time.Now().UTC(),
	})
}

func (e *Engine) publish(eventType string, payload any) {
	event := bus.NewEvent(eventType, "track-engine", payload)
	if err := e.opts.Bus.Publish(e.ctx, events.WorkspaceSubject(e.opts.WorkspaceID), event); err != nil {
		e.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func (e *Engine) appendEntry(entry store.ChatEntry) {
	e.entries = append(e.entries, entry)
	e.entryIndex[entry.Position] = len(e.entries) - 1
}

func (e *Engine) entryAt(position int) *store.ChatEntry {
	i, ok := e.entryIndex[position]
	if !ok {
		return nil
	}
	return &e.entries[i]
}

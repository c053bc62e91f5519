package track

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/container/controller"
	"github.com/msfailab/msfailab/internal/track/core"
	"github.com/msfailab/msfailab/internal/track/markdown"
	"github.com/msfailab/msfailab/internal/track/store"
)

// apply executes a batch of core actions in order. Some actions produce
// values consumed by later steps (a persisted entry id, a command id); those
// are threaded through the engine state directly.
func (e *Engine) apply(actions []core.Action) {
	for _, action := range actions {
		switch a := action.(type) {
		case core.PersistConsoleBlock:
			e.persistConsoleBlock(a.Index)
		case core.BroadcastConsole:
			e.broadcastConsole()
		case core.BroadcastChat:
			e.broadcastChat()
		case core.StartAssistantEntry:
			e.startAssistantEntry(a.Position, a.MessageType)
		case core.AppendAssistantDelta:
			e.appendAssistantDelta(a.Position, a.Delta)
		case core.FinishAssistantEntry:
			e.finishAssistantEntry(a.Position)
		case core.PersistToolInvocation:
			e.persistToolInvocation(a.Tool)
		case core.UpdateToolStatus:
			e.updateToolStatus(a)
		case core.UpdateTurnStatus:
			if err := e.opts.Store.UpdateTurnStatus(e.ctx, a.TurnID, a.Status); err != nil {
				e.logger.Error("failed to update turn status", zap.Int64("turnId", a.TurnID), zap.Error(err))
			}
		case core.StartLLMRequest:
			e.startLLM(a.CacheContext)
		case core.SendMsfCommand:
			e.sendMsfCommand(a.EntryID, a.Command)
		case core.SendBashCommand:
			e.sendBashCommand(a.EntryID, a.Command)
		}
	}
}

func (e *Engine) persistConsoleBlock(index int) {
	if index < 0 || index >= len(e.console.History) {
		return
	}
	block := &e.console.History[index]
	var err error
	if block.Persisted() {
		err = e.opts.Store.UpdateConsoleBlock(e.ctx, block)
	} else {
		_, err = e.opts.Store.InsertConsoleBlock(e.ctx, block)
	}
	if err != nil {
		e.logger.Error("failed to persist console block", zap.Error(err))
	}
}

func (e *Engine) startAssistantEntry(position int, messageType string) {
	renderer, err := markdown.New(e.renderWidth())
	if err != nil {
		e.logger.Error("failed to create markdown renderer", zap.Error(err))
	} else {
		e.documents[position] = renderer
	}

	turnID := e.turn.TurnID
	e.appendEntry(store.ChatEntry{
		TrackID:   e.opts.TrackID,
		TurnID:    &turnID,
		Position:  position,
		EntryType: store.EntryMessage,
		Message: &store.MessageContent{
			Role:        store.RoleAssistant,
			MessageType: messageType,
			Streaming:   true,
		},
		CreatedAt: time.Now().UTC(),
	})
}

func (e *Engine) appendAssistantDelta(position int, delta string) {
	entry := e.entryAt(position)
	if entry == nil || entry.Message == nil {
		return
	}
	entry.Message.Content += delta
	if renderer, ok := e.documents[position]; ok {
		if _, err := renderer.Append(delta); err != nil {
			e.logger.Warn("markdown render failed", zap.Int("position", position), zap.Error(err))
		}
	}
}

func (e *Engine) finishAssistantEntry(position int) {
	entry := e.entryAt(position)
	if entry == nil || entry.Message == nil {
		return
	}
	entry.Message.Streaming = false
	delete(e.documents, position)
	if _, err := e.opts.Store.InsertMessage(e.ctx, entry); err != nil {
		e.logger.Error("failed to persist assistant message", zap.Int("position", position), zap.Error(err))
	}
}

// discardStreamingEntries drops in-flight content of an abandoned stream.
func (e *Engine) discardStreamingEntries() {
	positions := e.stream.Abandon()
	if len(positions) == 0 {
		return
	}
	drop := make(map[int]bool, len(positions))
	for _, pos := range positions {
		drop[pos] = true
		delete(e.documents, pos)
	}
	kept := e.entries[:0]
	for _, entry := range e.entries {
		if !drop[entry.Position] {
			kept = append(kept, entry)
		}
	}
	e.entries = kept
	e.entryIndex = make(map[int]int, len(e.entries))
	for i := range e.entries {
		e.entryIndex[e.entries[i].Position] = i
	}
	e.broadcastChat()
}

func (e *Engine) persistToolInvocation(tool *core.ToolState) {
	position := e.stream.AllocPosition()
	turnID := e.turn.TurnID
	entry := store.ChatEntry{
		TrackID:   e.opts.TrackID,
		TurnID:    &turnID,
		Position:  position,
		EntryType: store.EntryToolInvocation,
		Tool: &store.ToolInvocation{
			ToolCallID:    tool.CallID,
			ToolName:      tool.Name,
			Arguments:     tool.Arguments,
			ConsolePrompt: e.console.Prompt,
			Status:        tool.Status,
			ErrorMessage:  tool.Error,
		},
	}
	entryID, err := e.opts.Store.InsertToolInvocation(e.ctx, &entry)
	if err != nil {
		e.logger.Error("failed to persist tool invocation", zap.String("tool", tool.Name), zap.Error(err))
		return
	}
	tool.EntryID = entryID
	tool.Position = position
	e.turn.AddTool(tool)
	e.appendEntry(entry)
}

func (e *Engine) updateToolStatus(a core.UpdateToolStatus) {
	err := e.opts.Store.UpdateToolStatus(e.ctx, a.EntryID, a.Status, store.ToolUpdate{
		ResultContent: a.ResultContent,
		ErrorMessage:  a.ErrorMessage,
		DurationMs:    a.DurationMs,
		DeniedReason:  a.DeniedReason,
	})
	if err != nil {
		e.logger.Error("failed to update tool status", zap.Int64("entryId", a.EntryID), zap.Error(err))
	}

	for i := range e.entries {
		if e.entries[i].ID == a.EntryID && e.entries[i].Tool != nil {
			tool := e.entries[i].Tool
			tool.Status = a.Status
			if a.ResultContent != "" {
				tool.ResultContent = a.ResultContent
			}
			if a.ErrorMessage != "" {
				tool.ErrorMessage = a.ErrorMessage
			}
			if a.DurationMs != nil {
				tool.DurationMs = a.DurationMs
			}
			if a.DeniedReason != "" {
				tool.DeniedReason = a.DeniedReason
			}
			break
		}
	}
}

func (e *Engine) sendMsfCommand(entryID int64, command string) {
	_, err := e.opts.Controller.SendMetasploitCommand(e.opts.TrackID, command)
	switch {
	case err == nil:
		e.scheduleToolTimeout(entryID, e.opts.Config.MsfTimeout())
	case errors.Is(err, controller.ErrConsoleBusy) || errors.Is(err, controller.ErrConsoleStarting):
		// The console will come back; retry on a later reconcile.
		e.apply(e.turn.DeferDispatch(entryID))
	default:
		e.logger.Warn("msf command dispatch failed", zap.Int64("entryId", entryID), zap.Error(err))
		e.apply(e.turn.FailDispatch(entryID, err.Error()))
	}
}

func (e *Engine) sendBashCommand(entryID int64, command string) {
	commandID, err := e.opts.Controller.SendBashCommand(e.opts.TrackID, command)
	if err != nil {
		e.logger.Warn("bash command dispatch failed", zap.Int64("entryId", entryID), zap.Error(err))
		e.apply(e.turn.FailDispatch(entryID, err.Error()))
		return
	}
	e.turn.BindCommand(commandID, entryID)
	e.scheduleToolTimeout(entryID, e.opts.Config.BashTimeout())
}

func (e *Engine) scheduleToolTimeout(entryID int64, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	startedAt := time.Time{}
	if tool, ok := e.turn.Tools[entryID]; ok {
		startedAt = tool.StartedAt
	}
	time.AfterFunc(timeout, func() {
		e.cast(toolTimeoutMsg{entryID: entryID, startedAt: startedAt})
	})
}

func (e *Engine) renderWidth() int {
	if e.opts.RenderWidth > 0 {
		return e.opts.RenderWidth
	}
	return defaultRenderWidth
}

package core

import (
	"sort"

	"github.com/msfailab/msfailab/internal/llm"
	"github.com/msfailab/msfailab/internal/track/store"
)

// Stream maps LLM content-block indices to chat positions. Positions are
// allocated from a single monotonic counter shared with the rest of the
// track: tool invocations and user prompts draw from the same counter via
// AllocPosition.
type Stream struct {
	Blocks       map[int]int
	NextPosition int
}

// NewStream creates a stream sub-machine. nextPosition is one past the
// highest persisted position for the track.
func NewStream(nextPosition int) *Stream {
	if nextPosition < 1 {
		nextPosition = 1
	}
	return &Stream{
		Blocks:       make(map[int]int),
		NextPosition: nextPosition,
	}
}

// AllocPosition hands out the next chat position.
func (s *Stream) AllocPosition() int {
	p := s.NextPosition
	s.NextPosition++
	return p
}

// Fold applies one LLM stream event. Tool-call blocks are the turn
// sub-machine's concern and are ignored here.
func (s *Stream) Fold(ev llm.StreamEvent) []Action {
	switch ev.Type {
	case llm.EventContentBlockStart:
		if ev.BlockType == llm.BlockToolCall {
			return nil
		}
		messageType := store.MessageResponse
		if ev.BlockType == llm.BlockThinking {
			messageType = store.MessageThinking
		}
		pos := s.AllocPosition()
		s.Blocks[ev.Index] = pos
		return []Action{
			StartAssistantEntry{Position: pos, MessageType: messageType},
			BroadcastChat{},
		}

	case llm.EventContentDelta:
		pos, ok := s.Blocks[ev.Index]
		if !ok {
			return nil
		}
		return []Action{
			AppendAssistantDelta{Position: pos, Delta: ev.Delta},
			BroadcastChat{},
		}

	case llm.EventContentBlockStop:
		pos, ok := s.Blocks[ev.Index]
		if !ok {
			return nil
		}
		delete(s.Blocks, ev.Index)
		return []Action{
			FinishAssistantEntry{Position: pos},
			BroadcastChat{},
		}

	case llm.EventStreamComplete, llm.EventStreamError:
		return s.Finalize()
	}
	return nil
}

// Abandon drops all open blocks without persisting them and returns their
// positions. Used when a stream is cancelled: in-flight content of an
// abandoned stream is never persisted.
func (s *Stream) Abandon() []int {
	positions := make([]int, 0, len(s.Blocks))
	for _, pos := range s.Blocks {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	s.Blocks = make(map[int]int)
	return positions
}

// Finalize closes any block still streaming and resets the index mapping.
// The position counter is preserved across streams.
func (s *Stream) Finalize() []Action {
	if len(s.Blocks) == 0 {
		return nil
	}
	positions := make([]int, 0, len(s.Blocks))
	for _, pos := range s.Blocks {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	var actions []Action
	for _, pos := range positions {
		actions = append(actions, FinishAssistantEntry{Position: pos})
	}
	s.Blocks = make(map[int]int)
	return append(actions, BroadcastChat{})
}

package core

import (
	"time"

	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/track/store"
)

// ConsoleEvent is the sub-machine's view of a ConsoleUpdated broadcast.
type ConsoleEvent struct {
	Status    string
	CommandID string
	Command   string
	Output    string
	Prompt    string
	At        time.Time
}

// Console tracks a track's console activity as a sequence of history blocks.
// Startup blocks are persisted lazily: only once a command completes in the
// same connection. Blocks still running when the console goes offline are
// marked interrupted and kept in memory for UI continuity, but never
// persisted retroactively.
type Console struct {
	TrackID   int64
	Status    string
	Prompt    string
	CommandID string
	History   []store.ConsoleHistoryBlock
}

// NewConsole creates a console sub-machine seeded with persisted history.
func NewConsole(trackID int64, history []store.ConsoleHistoryBlock) *Console {
	return &Console{
		TrackID: trackID,
		Status:  events.ConsoleOffline,
		History: history,
	}
}

// Fold applies one console event and returns the persistence and broadcast
// actions it implies.
func (c *Console) Fold(ev ConsoleEvent) []Action {
	var actions []Action

	switch ev.Status {
	case events.ConsoleStarting:
		if c.Status == events.ConsoleStarting {
			c.appendToRunning(ev.Output)
			break
		}
		// Fresh connection: startup blocks from a previous connection that
		// were never proven by a completed command are dropped.
		c.dropUnpersistedTrailingStartup()
		c.History = append(c.History, store.ConsoleHistoryBlock{
			TrackID:   c.TrackID,
			Type:      store.BlockStartup,
			Status:    store.BlockRunning,
			Output:    ev.Output,
			StartedAt: ev.At,
		})
		c.Status = events.ConsoleStarting
		c.CommandID = ""

	case events.ConsoleReady:
		switch c.Status {
		case events.ConsoleStarting:
			// Startup completed. Not persisted yet; a following command
			// completion proves the connection was real.
			if i := c.lastRunningIndex(); i >= 0 {
				at := ev.At
				c.History[i].Status = store.BlockFinished
				c.History[i].Prompt = ev.Prompt
				c.History[i].FinishedAt = &at
			}
		case events.ConsoleBusy:
			if cmd := c.lastRunningIndex(); cmd >= 0 {
				// The completed command proves this connection; persist the
				// contiguous startup run directly before it. Startup blocks
				// from earlier connections stay unpersisted.
				start := cmd
				for start > 0 && c.History[start-1].Type == store.BlockStartup {
					start--
				}
				for i := start; i < cmd; i++ {
					if c.History[i].Status == store.BlockFinished && !c.History[i].Persisted() {
						actions = append(actions, PersistConsoleBlock{Index: i})
					}
				}
				at := ev.At
				c.History[cmd].Status = store.BlockFinished
				c.History[cmd].Output += ev.Output
				c.History[cmd].Prompt = ev.Prompt
				c.History[cmd].FinishedAt = &at
				actions = append(actions, PersistConsoleBlock{Index: cmd})
			}
			c.CommandID = ""
		case events.ConsoleReady:
			// Async output while idle, e.g. a session opening in the
			// background. Appended to the latest block in memory only.
			if ev.Output != "" && len(c.History) > 0 {
				c.History[len(c.History)-1].Output += ev.Output
			}
		}
		c.Status = events.ConsoleReady
		if ev.Prompt != "" {
			c.Prompt = ev.Prompt
		}

	case events.ConsoleBusy:
		if c.Status == events.ConsoleBusy {
			c.appendToRunning(ev.Output)
			break
		}
		c.History = append(c.History, store.ConsoleHistoryBlock{
			TrackID:   c.TrackID,
			Type:      store.BlockCommand,
			Status:    store.BlockRunning,
			Command:   ev.Command,
			Output:    ev.Output,
			StartedAt: ev.At,
		})
		c.CommandID = ev.CommandID
		c.Status = events.ConsoleBusy

	case events.ConsoleOffline:
		for i := range c.History {
			if c.History[i].Status == store.BlockRunning {
				at := ev.At
				c.History[i].Status = store.BlockInterrupted
				c.History[i].FinishedAt = &at
			}
		}
		c.CommandID = ""
		c.Status = events.ConsoleOffline
	}

	return append(actions, BroadcastConsole{})
}

func (c *Console) appendToRunning(output string) {
	if output == "" {
		return
	}
	if i := c.lastRunningIndex(); i >= 0 {
		c.History[i].Output += output
	}
}

func (c *Console) lastRunningIndex() int {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Status == store.BlockRunning {
			return i
		}
	}
	return -1
}

func (c *Console) dropUnpersistedTrailingStartup() {
	for len(c.History) > 0 {
		last := c.History[len(c.History)-1]
		if last.Type == store.BlockStartup && !last.Persisted() {
			c.History = c.History[:len(c.History)-1]
			continue
		}
		break
	}
}

// LastCommandOutput returns the output of the most recent command block, used
// as the result content for a completed Metasploit tool.
func (c *Console) LastCommandOutput() string {
	for i := len(c.History) - 1; i >= 0; i-- {
		if c.History[i].Type == store.BlockCommand {
			return c.History[i].Output
		}
	}
	return ""
}

// Package console implements the per-(container, track) console session:
// a remote Metasploit console with a polling loop that turns raw msgrpc
// reads into status transitions and output deltas on the event bus.
package console

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/container/rpc"
	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/events/bus"
)

// Session status values. The offline transition is broadcast by the
// controller on the session's behalf after it dies.
const (
	StatusStarting = events.ConsoleStarting
	StatusReady    = events.ConsoleReady
	StatusBusy     = events.ConsoleBusy
	StatusDying    = "dying"
)

// Typed rejection errors for SendCommand.
var (
	ErrStarting = errors.New("console is starting")
	ErrBusy     = errors.New("console is busy")
	ErrOffline  = errors.New("console is offline")
)

// Options carries everything a session needs to run.
type Options struct {
	WorkspaceID int64
	ContainerID int64
	TrackID     int64

	RPC      rpc.API
	Endpoint rpc.Endpoint
	Token    string

	Bus    bus.EventBus
	Config config.ConsoleConfig
	Logger *logger.Logger
}

// Session owns exactly one remote console. All msgrpc reads and writes for
// that console go through the session, so they are strictly serialized.
type Session struct {
	opts     Options
	logger   *logger.Logger
	remoteID string

	// rpcMu serializes console.read and console.write against the remote.
	rpcMu sync.Mutex

	mu        sync.Mutex
	status    string
	prompt    string
	carry     string // trailing incomplete line held back from emission
	commandID string
	command   string

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	exitErr  error
}

// Start creates the remote console and launches the polling loop. The
// returned session is in the starting state; callers watch Done() for death.
func Start(ctx context.Context, opts Options) (*Session, error) {
	info, err := opts.RPC.ConsoleCreate(ctx, opts.Endpoint, opts.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote console: %w", err)
	}

	s := &Session{
		opts:     opts,
		remoteID: info.ID,
		logger: opts.Logger.WithFields(
			zap.Int64("track_id", opts.TrackID),
			zap.String("remote_console_id", info.ID),
		),
		status: StatusStarting,
		prompt: info.Prompt,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.logger.Info("console session started")
	go s.run()
	return s, nil
}

// TrackID returns the track this session serves.
func (s *Session) TrackID() int64 {
	return s.opts.TrackID
}

// RemoteID returns the msgrpc console id.
func (s *Session) RemoteID() string {
	return s.remoteID
}

// Status returns the current session status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Prompt returns the most recently observed prompt.
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// SendCommand submits one command line to the remote console. It returns the
// generated command id on acceptance, or a typed error when the session
// cannot take a command right now.
func (s *Session) SendCommand(ctx context.Context, command string) (string, error) {
	commandID := uuid.New().String()

	s.mu.Lock()
	switch s.status {
	case StatusStarting:
		s.mu.Unlock()
		return "", ErrStarting
	case StatusBusy:
		s.mu.Unlock()
		return "", ErrBusy
	case StatusReady:
	default:
		s.mu.Unlock()
		return "", ErrOffline
	}
	// Claim the console before writing so a poll landing mid-write already
	// attributes the first output to this command.
	s.status = StatusBusy
	s.commandID = commandID
	s.command = command
	s.carry = ""
	prompt := s.prompt
	s.mu.Unlock()

	s.rpcMu.Lock()
	_, err := s.opts.RPC.ConsoleWrite(ctx, s.opts.Endpoint, s.opts.Token, s.remoteID, command+"\n")
	s.rpcMu.Unlock()
	if err != nil {
		s.mu.Lock()
		s.status = StatusReady
		s.commandID = ""
		s.command = ""
		s.mu.Unlock()
		s.logger.Error("console write failed", zap.Error(err))
		s.die(fmt.Errorf("console write failed: %w", err))
		return "", fmt.Errorf("console write failed: %w", err)
	}

	s.emit(StatusBusy, commandID, command, "", prompt)
	return commandID, nil
}

// Stop tears down the session deliberately. The remote console is destroyed
// best-effort; no offline event is emitted here.
func (s *Session) Stop(ctx context.Context) {
	s.rpcMu.Lock()
	if err := s.opts.RPC.ConsoleDestroy(ctx, s.opts.Endpoint, s.opts.Token, s.remoteID); err != nil {
		s.logger.Warn("failed to destroy remote console", zap.Error(err))
	}
	s.rpcMu.Unlock()
	s.die(nil)
}

// Done is closed when the session has stopped for any reason.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitErr reports why the session died. A nil error means a deliberate Stop.
func (s *Session) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *Session) die(err error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusDying
		s.exitErr = err
		s.mu.Unlock()
		close(s.stopCh)
		close(s.done)
	})
}

func (s *Session) run() {
	ticker := time.NewTicker(s.opts.Config.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.poll(); err != nil {
				s.logger.Error("console poll failed", zap.Error(err))
				s.die(err)
				return
			}
		}
	}
}

// poll performs one console.read and folds the result into the state machine.
func (s *Session) poll() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Config.PollInterval()*4+10*time.Second)
	defer cancel()

	s.rpcMu.Lock()
	read, err := s.opts.RPC.ConsoleRead(ctx, s.opts.Endpoint, s.opts.Token, s.remoteID)
	s.rpcMu.Unlock()
	if err != nil {
		return fmt.Errorf("console read failed: %w", err)
	}

	s.mu.Lock()
	status := s.status
	combined := s.carry + read.Data
	s.mu.Unlock()

	switch status {
	case StatusStarting:
		s.foldStarting(read, combined)
	case StatusBusy:
		s.foldBusy(read, combined)
	case StatusReady:
		s.foldReady(read, combined)
	}
	return nil
}

// foldStarting accumulates startup banner output until an idle read with a
// stable prompt promotes the session to ready.
func (s *Session) foldStarting(read rpc.ReadResult, combined string) {
	if read.Busy {
		complete, tail := splitCompleteLines(combined)
		s.setCarry(tail)
		if complete != "" {
			s.emit(StatusStarting, "", "", complete, "")
		}
		return
	}

	prompt, remainder, found := extractPrompt(combined, s.opts.Config.PromptTerminators)
	if !found {
		prompt = read.Prompt
		remainder = combined
	}
	if prompt == "" {
		// Not settled yet; keep polling.
		complete, tail := splitCompleteLines(combined)
		s.setCarry(tail)
		if complete != "" {
			s.emit(StatusStarting, "", "", complete, "")
		}
		return
	}

	s.mu.Lock()
	s.status = StatusReady
	s.prompt = prompt
	s.carry = ""
	s.mu.Unlock()

	if remainder != "" {
		s.emit(StatusStarting, "", "", remainder, "")
	}
	s.emit(StatusReady, "", "", "", prompt)
	s.logger.Info("console ready", zap.String("prompt", prompt))
}

// foldBusy streams command output deltas and, on the idle read, strips the
// prompt line from the final delta and returns to ready.
func (s *Session) foldBusy(read rpc.ReadResult, combined string) {
	s.mu.Lock()
	commandID := s.commandID
	command := s.command
	s.mu.Unlock()

	if read.Busy {
		complete, tail := splitCompleteLines(combined)
		s.setCarry(tail)
		if complete != "" {
			s.emit(StatusBusy, commandID, command, complete, "")
		}
		return
	}

	prompt, remainder, found := extractPrompt(combined, s.opts.Config.PromptTerminators)
	if !found {
		prompt = read.Prompt
		remainder = combined
	}

	s.mu.Lock()
	s.status = StatusReady
	if prompt != "" {
		s.prompt = prompt
	}
	prompt = s.prompt
	s.carry = ""
	s.commandID = ""
	s.command = ""
	s.mu.Unlock()

	if remainder != "" {
		s.emit(StatusBusy, commandID, command, remainder, "")
	}
	s.emit(StatusReady, commandID, command, "", prompt)
}

// foldReady surfaces asynchronous output that arrives while no command is
// running, such as a session announcing a connection.
func (s *Session) foldReady(read rpc.ReadResult, combined string) {
	if combined == "" {
		return
	}
	prompt, remainder, found := extractPrompt(combined, s.opts.Config.PromptTerminators)
	s.mu.Lock()
	if found {
		s.prompt = prompt
	}
	prompt = s.prompt
	s.carry = ""
	s.mu.Unlock()
	if remainder != "" {
		s.emit(StatusReady, "", "", remainder, prompt)
	}
}

func (s *Session) setCarry(tail string) {
	s.mu.Lock()
	s.carry = tail
	s.mu.Unlock()
}

func (s *Session) emit(status, commandID, command, output, prompt string) {
	payload := &events.ConsoleUpdated{
		WorkspaceID: s.opts.WorkspaceID,
		ContainerID: s.opts.ContainerID,
		TrackID:     s.opts.TrackID,
		Status:      status,
		CommandID:   commandID,
		Command:     command,
		Output:      output,
		Prompt:      prompt,
		Timestamp:   time.Now().UTC(),
	}
	event := bus.NewEvent(events.ConsoleUpdatedType, "console-session", payload)
	if err := s.opts.Bus.Publish(context.Background(), events.WorkspaceSubject(s.opts.WorkspaceID), event); err != nil {
		s.logger.Warn("failed to publish console event", zap.Error(err))
	}
}

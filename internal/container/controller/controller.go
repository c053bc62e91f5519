// Package controller implements the per-container actor: Docker lifecycle,
// msgrpc authentication, console session supervision, and bash execution.
// All state is owned by a single goroutine; callers interact through
// synchronous calls and asynchronous casts delivered over the mailbox.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/console"
	"github.com/msfailab/msfailab/internal/container/docker"
	"github.com/msfailab/msfailab/internal/container/ports"
	"github.com/msfailab/msfailab/internal/container/rpc"
	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/events/bus"
)

// Container status values. Offline is a resumable resting state; transient
// failures retry in place and persistent failures fall back here.
const (
	StatusOffline  = events.ContainerOffline
	StatusStarting = events.ContainerStarting
	StatusRunning  = events.ContainerRunning
)

// Typed rejection reasons for command submission.
var (
	ErrContainerNotRunning  = errors.New("container_not_running")
	ErrConsoleNotRegistered = errors.New("console_not_registered")
	ErrConsoleOffline       = errors.New("console_offline")
	ErrConsoleStarting      = errors.New("console_starting")
	ErrConsoleBusy          = errors.New("console_busy")
	ErrConsoleWriteFailed   = errors.New("console_write_failed")
)

// Record identifies the container this controller manages. It is read-only
// to the controller; the record itself lives in the workspace store.
type Record struct {
	ID            int64
	WorkspaceID   int64
	WorkspaceSlug string
	Slug          string
	Name          string
	Image         string
}

// Deps bundles the collaborators a controller needs.
type Deps struct {
	Docker    docker.Adapter
	RPC       rpc.API
	Ports     *ports.Allocator
	UsedPorts func() map[int]bool // ports held by other live controllers
	Bus       bus.EventBus
	Config    *config.Config
	Logger    *logger.Logger
}

// RPCContext carries a fresh endpoint and token for direct msgrpc use.
type RPCContext struct {
	Endpoint rpc.Endpoint
	Token    string
}

// BashCommand is a snapshot of one in-flight bash invocation.
type BashCommand struct {
	CommandID string
	TrackID   int64
	Command   string
	Output    string
	StartedAt time.Time
}

// Snapshot is a point-in-time copy of the controller's state.
type Snapshot struct {
	Status            string
	DockerContainerID string
	Endpoint          *rpc.Endpoint
	RPCPort           int
	RestartCount      int
	ConnectAttempts   int
	RegisteredTracks  []int64
	ConsoleStatuses   map[int64]string
	RunningBash       []BashCommand
}

// consoleHandle tracks one track's console session. A nil session means a
// restart is scheduled.
type consoleHandle struct {
	session         *console.Session
	restartAttempts int
	lastRestartAt   time.Time
}

// bashInvocation tracks one in-flight docker exec.
type bashInvocation struct {
	commandID string
	trackID   int64
	command   string
	output    string
	startedAt time.Time
}

// Controller is the actor. Fields below the mailbox are touched only by the
// run loop goroutine.
type Controller struct {
	record  Record
	deps    Deps
	logger  *logger.Logger
	mailbox chan message
	stopped chan struct{}
	done    chan struct{}

	heldPort atomic.Int64 // readable without entering the actor loop

	status          string
	dockerID        string
	endpoint        *rpc.Endpoint
	rpcPort         int
	token           string
	restartCount    int
	connectAttempts int
	runningSince    time.Time
	registered      map[int64]bool
	consoles        map[int64]*consoleHandle
	runningBash     map[string]*bashInvocation
}

// message is the mailbox envelope. Each concrete type is handled by the run
// loop; call messages carry a reply channel.
type message interface{ isMessage() }

type (
	adoptMsg    struct{ dockerID string }
	startNewMsg struct{}

	startContainerMsg struct{}
	connectMsgrpcMsg  struct{}
	healthTickMsg     struct{}
	successResetMsg   struct{ since time.Time }

	consoleDownMsg    struct {
		trackID int64
		session *console.Session
	}
	consoleRestartMsg struct{ trackID int64 }

	bashOutputMsg struct {
		commandID string
		stdout    string
	}
	bashFinishedMsg struct {
		commandID string
		exitCode  int
	}
	bashErrorMsg struct {
		commandID string
		reason    string
	}

	getStatusMsg   struct{ reply chan string }
	getSnapshotMsg struct{ reply chan Snapshot }

	registerConsoleMsg struct {
		trackID int64
		reply   chan struct{}
	}
	unregisterConsoleMsg struct {
		trackID int64
		reply   chan struct{}
	}

	sendCommandReply struct {
		commandID string
		err       error
	}
	sendMsfCommandMsg struct {
		trackID int64
		text    string
		reply   chan sendCommandReply
	}
	sendBashCommandMsg struct {
		trackID int64
		text    string
		reply   chan sendCommandReply
	}

	getRunningBashMsg struct{ reply chan []BashCommand }

	endpointReply struct {
		endpoint rpc.Endpoint
		err      error
	}
	getRPCEndpointMsg struct{ reply chan endpointReply }

	rpcContextReply struct {
		ctx RPCContext
		err error
	}
	getRPCContextMsg struct{ reply chan rpcContextReply }

	shutdownMsg struct{ reply chan struct{} }
)

func (adoptMsg) isMessage()            {}
func (startNewMsg) isMessage()         {}
func (startContainerMsg) isMessage()   {}
func (connectMsgrpcMsg) isMessage()    {}
func (healthTickMsg) isMessage()       {}
func (successResetMsg) isMessage()     {}
func (consoleDownMsg) isMessage()      {}
func (consoleRestartMsg) isMessage()   {}
func (bashOutputMsg) isMessage()       {}
func (bashFinishedMsg) isMessage()     {}
func (bashErrorMsg) isMessage()        {}
func (getStatusMsg) isMessage()        {}
func (getSnapshotMsg) isMessage()      {}
func (registerConsoleMsg) isMessage()  {}
func (unregisterConsoleMsg) isMessage() {}
func (sendMsfCommandMsg) isMessage()   {}
func (sendBashCommandMsg) isMessage()  {}
func (getRunningBashMsg) isMessage()   {}
func (getRPCEndpointMsg) isMessage()   {}
func (getRPCContextMsg) isMessage()    {}
func (shutdownMsg) isMessage()         {}

// New creates a controller in the offline state and starts its run loop.
func New(record Record, deps Deps) *Controller {
	c := &Controller{
		record: record,
		deps:   deps,
		logger: deps.Logger.WithFields(
			zap.Int64("container_id", record.ID),
			zap.String("container_slug", record.Slug),
		),
		mailbox:     make(chan message, 128),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
		status:      StatusOffline,
		registered:  make(map[int64]bool),
		consoles:    make(map[int64]*consoleHandle),
		runningBash: make(map[string]*bashInvocation),
	}
	go c.run()
	go c.healthLoop()
	return c
}

// Record returns the container record this controller manages.
func (c *Controller) Record() Record {
	return c.record
}

// HeldPort returns the host RPC port this controller currently holds, or 0.
// It is safe to call from any goroutine, including other controllers.
func (c *Controller) HeldPort() int {
	return int(c.heldPort.Load())
}

// Done is closed after the controller has fully shut down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// AdoptDockerContainer asks the controller to adopt an existing container.
// Only effective while offline.
func (c *Controller) AdoptDockerContainer(dockerID string) {
	c.cast(adoptMsg{dockerID: dockerID})
}

// StartNew asks the controller to start a fresh container. Only effective
// while offline.
func (c *Controller) StartNew() {
	c.cast(startNewMsg{})
}

// GetStatus returns the current container status.
func (c *Controller) GetStatus() string {
	reply := make(chan string, 1)
	if !c.call(getStatusMsg{reply: reply}) {
		return StatusOffline
	}
	return <-reply
}

// GetStateSnapshot returns a copy of the controller's state.
func (c *Controller) GetStateSnapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !c.call(getSnapshotMsg{reply: reply}) {
		return Snapshot{Status: StatusOffline}
	}
	return <-reply
}

// RegisterConsole records intent to have a console for the track. Idempotent;
// if the container is running a session is spawned immediately.
func (c *Controller) RegisterConsole(trackID int64) {
	reply := make(chan struct{}, 1)
	if c.call(registerConsoleMsg{trackID: trackID, reply: reply}) {
		<-reply
	}
}

// UnregisterConsole removes the track's registration and tears down any live
// session.
func (c *Controller) UnregisterConsole(trackID int64) {
	reply := make(chan struct{}, 1)
	if c.call(unregisterConsoleMsg{trackID: trackID, reply: reply}) {
		<-reply
	}
}

// SendMetasploitCommand routes one console command to the track's session.
func (c *Controller) SendMetasploitCommand(trackID int64, text string) (string, error) {
	reply := make(chan sendCommandReply, 1)
	if !c.call(sendMsfCommandMsg{trackID: trackID, text: text, reply: reply}) {
		return "", ErrContainerNotRunning
	}
	r := <-reply
	return r.commandID, r.err
}

// SendBashCommand starts a bash execution inside the container. Output and
// completion arrive as CommandResult events on the bus.
func (c *Controller) SendBashCommand(trackID int64, text string) (string, error) {
	reply := make(chan sendCommandReply, 1)
	if !c.call(sendBashCommandMsg{trackID: trackID, text: text, reply: reply}) {
		return "", ErrContainerNotRunning
	}
	r := <-reply
	return r.commandID, r.err
}

// GetRunningBashCommands returns snapshots of in-flight bash invocations.
func (c *Controller) GetRunningBashCommands() []BashCommand {
	reply := make(chan []BashCommand, 1)
	if !c.call(getRunningBashMsg{reply: reply}) {
		return nil
	}
	return <-reply
}

// GetRPCEndpoint returns the container's msgrpc endpoint.
func (c *Controller) GetRPCEndpoint() (rpc.Endpoint, error) {
	reply := make(chan endpointReply, 1)
	if !c.call(getRPCEndpointMsg{reply: reply}) {
		return rpc.Endpoint{}, ErrContainerNotRunning
	}
	r := <-reply
	return r.endpoint, r.err
}

// GetRPCContext returns the endpoint together with a freshly refreshed token.
func (c *Controller) GetRPCContext() (RPCContext, error) {
	reply := make(chan rpcContextReply, 1)
	if !c.call(getRPCContextMsg{reply: reply}) {
		return RPCContext{}, ErrContainerNotRunning
	}
	r := <-reply
	return r.ctx, r.err
}

// Stop shuts the controller down: consoles are taken offline, running bash
// commands error out, and the Docker container is stopped if live.
func (c *Controller) Stop(ctx context.Context) {
	reply := make(chan struct{}, 1)
	if !c.call(shutdownMsg{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// cast delivers a message without waiting; dropped after shutdown.
func (c *Controller) cast(msg message) {
	select {
	case c.mailbox <- msg:
	case <-c.stopped:
	}
}

// call delivers a message and reports whether the controller accepted it.
func (c *Controller) call(msg message) bool {
	select {
	case c.mailbox <- msg:
		return true
	case <-c.stopped:
		return false
	}
}

// sendLater schedules a message for future delivery.
func (c *Controller) sendLater(d time.Duration, msg message) {
	time.AfterFunc(d, func() { c.cast(msg) })
}

// healthLoop feeds periodic health checks into the mailbox.
func (c *Controller) healthLoop() {
	interval := c.deps.Config.Container.HealthCheckInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cast(healthTickMsg{})
		case <-c.stopped:
			return
		}
	}
}

// run is the actor loop. It is the only goroutine that touches controller
// state.
func (c *Controller) run() {
	defer close(c.done)
	for msg := range c.mailbox {
		switch m := msg.(type) {
		case adoptMsg:
			c.handleAdopt(m)
		case startNewMsg:
			c.handleStartNew()
		case startContainerMsg:
			c.handleStartContainer()
		case connectMsgrpcMsg:
			c.handleConnectMsgrpc()
		case healthTickMsg:
			c.handleHealthTick()
		case successResetMsg:
			c.handleSuccessReset(m)
		case consoleDownMsg:
			c.handleConsoleDown(m)
		case consoleRestartMsg:
			c.handleConsoleRestart(m)
		case bashOutputMsg:
			c.handleBashOutput(m)
		case bashFinishedMsg:
			c.handleBashFinished(m)
		case bashErrorMsg:
			c.handleBashError(m)
		case getStatusMsg:
			m.reply <- c.status
		case getSnapshotMsg:
			m.reply <- c.snapshot()
		case registerConsoleMsg:
			c.handleRegisterConsole(m.trackID)
			m.reply <- struct{}{}
		case unregisterConsoleMsg:
			c.handleUnregisterConsole(m.trackID)
			m.reply <- struct{}{}
		case sendMsfCommandMsg:
			id, err := c.handleSendMsfCommand(m.trackID, m.text)
			m.reply <- sendCommandReply{commandID: id, err: err}
		case sendBashCommandMsg:
			id, err := c.handleSendBashCommand(m.trackID, m.text)
			m.reply <- sendCommandReply{commandID: id, err: err}
		case getRunningBashMsg:
			m.reply <- c.runningBashSnapshot()
		case getRPCEndpointMsg:
			m.reply <- c.handleGetRPCEndpoint()
		case getRPCContextMsg:
			m.reply <- c.handleGetRPCContext()
		case shutdownMsg:
			c.handleShutdown()
			close(c.stopped)
			m.reply <- struct{}{}
			return
		}
	}
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		Status:            c.status,
		DockerContainerID: c.dockerID,
		RPCPort:           c.rpcPort,
		RestartCount:      c.restartCount,
		ConnectAttempts:   c.connectAttempts,
		ConsoleStatuses:   make(map[int64]string, len(c.consoles)),
		RunningBash:       c.runningBashSnapshot(),
	}
	if c.endpoint != nil {
		ep := *c.endpoint
		snap.Endpoint = &ep
	}
	for trackID := range c.registered {
		snap.RegisteredTracks = append(snap.RegisteredTracks, trackID)
	}
	for trackID, handle := range c.consoles {
		if handle.session != nil {
			snap.ConsoleStatuses[trackID] = handle.session.Status()
		} else {
			snap.ConsoleStatuses[trackID] = events.ConsoleOffline
		}
	}
	return snap
}

func (c *Controller) runningBashSnapshot() []BashCommand {
	out := make([]BashCommand, 0, len(c.runningBash))
	for _, inv := range c.runningBash {
		out = append(out, BashCommand{
			CommandID: inv.commandID,
			TrackID:   inv.trackID,
			Command:   inv.command,
			Output:    inv.output,
			StartedAt: inv.startedAt,
		})
	}
	return out
}

func (c *Controller) handleGetRPCEndpoint() endpointReply {
	if c.endpoint == nil {
		return endpointReply{err: fmt.Errorf("no rpc endpoint: container is %s", c.status)}
	}
	return endpointReply{endpoint: *c.endpoint}
}

// handleGetRPCContext refreshes the token before handing it out so callers
// never receive a silently expired one.
func (c *Controller) handleGetRPCContext() rpcContextReply {
	if c.status != StatusRunning || c.endpoint == nil {
		return rpcContextReply{err: ErrContainerNotRunning}
	}
	token, err := c.login()
	if err != nil {
		return rpcContextReply{err: fmt.Errorf("failed to refresh rpc token: %w", err)}
	}
	c.token = token
	return rpcContextReply{ctx: RPCContext{Endpoint: *c.endpoint, Token: token}}
}

func (c *Controller) login() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.deps.RPC.Login(ctx, *c.endpoint, c.deps.Config.Msgrpc.User, c.deps.Config.Msgrpc.Password)
}

// publish broadcasts an event on the workspace subject.
func (c *Controller) publish(eventType string, payload any) {
	event := bus.NewEvent(eventType, "container-controller", payload)
	if err := c.deps.Bus.Publish(context.Background(), events.WorkspaceSubject(c.record.WorkspaceID), event); err != nil {
		c.logger.Warn("failed to publish event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (c *Controller) publishContainerUpdated() {
	c.publish(events.ContainerUpdatedType, &events.ContainerUpdated{
		WorkspaceID:       c.record.WorkspaceID,
		ContainerID:       c.record.ID,
		Slug:              c.record.Slug,
		Name:              c.record.Name,
		Image:             c.record.Image,
		Status:            c.status,
		DockerContainerID: c.dockerID,
		Timestamp:         time.Now().UTC(),
	})
}

func (c *Controller) publishConsoleOffline(trackID int64) {
	c.publish(events.ConsoleUpdatedType, &events.ConsoleUpdated{
		WorkspaceID: c.record.WorkspaceID,
		ContainerID: c.record.ID,
		TrackID:     trackID,
		Status:      events.ConsoleOffline,
		Timestamp:   time.Now().UTC(),
	})
}

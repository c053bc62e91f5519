package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/container/docker"
	"github.com/msfailab/msfailab/internal/container/ports"
	"github.com/msfailab/msfailab/internal/container/rpc"
	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/events/bus"
)

// fakeDocker is an in-memory Adapter.
type fakeDocker struct {
	mu         sync.Mutex
	startErrs  int // initial StartContainer failures before succeeding
	startCalls int
	nextID     int
	running    map[string]bool
	endpoints  map[string]docker.Endpoint
	stopped    []string
	execResult docker.ExecResult
	execErr    error
	managed    []docker.ManagedContainer
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		running:   make(map[string]bool),
		endpoints: make(map[string]docker.Endpoint),
	}
}

func (f *fakeDocker) StartContainer(ctx context.Context, opts docker.StartOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErrs > 0 {
		f.startErrs--
		return "", errors.New("image pull failed")
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.running[id] = true
	f.endpoints[id] = docker.Endpoint{Host: "127.0.0.1", Port: opts.RPCPort}
	return id, nil
}

func (f *fakeDocker) StopContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[containerID] = false
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDocker) ContainerRunning(ctx context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[containerID], nil
}

func (f *fakeDocker) GetRPCEndpoint(ctx context.Context, containerID string) (docker.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[containerID]
	if !ok {
		return docker.Endpoint{}, errors.New("no endpoint")
	}
	return ep, nil
}

func (f *fakeDocker) Exec(ctx context.Context, containerID, command string) (docker.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return docker.ExecResult{}, f.execErr
	}
	return f.execResult, nil
}

func (f *fakeDocker) ListManagedContainers(ctx context.Context) ([]docker.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.managed, nil
}

func (f *fakeDocker) kill(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[containerID] = false
}

func (f *fakeDocker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

// ctrlFakeRPC answers logins and serves minimal consoles that settle to a
// prompt on their first read.
type ctrlFakeRPC struct {
	mu         sync.Mutex
	loginErrs  int
	loginCalls int
	nextID     int
	settled    map[string]bool
	destroyed  []string
}

func newCtrlFakeRPC() *ctrlFakeRPC {
	return &ctrlFakeRPC{settled: make(map[string]bool)}
}

func (f *ctrlFakeRPC) Login(ctx context.Context, ep rpc.Endpoint, user, password string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	if f.loginErrs > 0 {
		f.loginErrs--
		return "", errors.New("connection refused")
	}
	return fmt.Sprintf("TOKEN-%d", f.loginCalls), nil
}

func (f *ctrlFakeRPC) Call(ctx context.Context, ep rpc.Endpoint, token, method string, args ...any) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *ctrlFakeRPC) ConsoleCreate(ctx context.Context, ep rpc.Endpoint, token string) (rpc.ConsoleInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return rpc.ConsoleInfo{ID: fmt.Sprintf("%d", f.nextID), Busy: true}, nil
}

func (f *ctrlFakeRPC) ConsoleDestroy(ctx context.Context, ep rpc.Endpoint, token, consoleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, consoleID)
	return nil
}

func (f *ctrlFakeRPC) ConsoleWrite(ctx context.Context, ep rpc.Endpoint, token, consoleID, data string) (int, error) {
	return len(data), nil
}

func (f *ctrlFakeRPC) ConsoleRead(ctx context.Context, ep rpc.Endpoint, token, consoleID string) (rpc.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled[consoleID] {
		f.settled[consoleID] = true
		return rpc.ReadResult{Data: "msf6 > ", Busy: false}, nil
	}
	return rpc.ReadResult{Busy: false}, nil
}

func (f *ctrlFakeRPC) logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls
}

func testConfig() *config.Config {
	return &config.Config{
		Docker: config.DockerConfig{LabelPrefix: "msfailab"},
		Container: config.ContainerConfig{
			HealthCheckIntervalMs: 20,
			MaxRestartCount:       3,
			BaseBackoffMs:         1,
			MaxBackoffMs:          5,
			PortRangeStart:        55553,
			PortRangeEnd:          55563,
		},
		Console: config.ConsoleConfig{
			PollIntervalMs:       5,
			PromptTerminators:    []string{"> "},
			RestartBaseBackoffMs: 1,
			RestartMaxBackoffMs:  5,
			MaxRestartAttempts:   3,
		},
		Msgrpc: config.MsgrpcConfig{
			User:                 "msf",
			Password:             "pw",
			InitialDelayMs:       1,
			MaxConnectAttempts:   3,
			ConnectBaseBackoffMs: 1,
		},
	}
}

type testRig struct {
	docker *fakeDocker
	rpc    *ctrlFakeRPC
	ctrl   *Controller
	events chan *bus.Event
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	eventCh := make(chan *bus.Event, 256)
	_, err = eventBus.Subscribe(events.WorkspaceSubject(1), func(ctx context.Context, event *bus.Event) error {
		eventCh <- event
		return nil
	})
	require.NoError(t, err)

	fd := newFakeDocker()
	fr := newCtrlFakeRPC()
	cfg := testConfig()
	alloc, err := ports.NewAllocator(cfg.Container.PortRangeStart, cfg.Container.PortRangeEnd)
	require.NoError(t, err)

	ctrl := New(Record{
		ID:            10,
		WorkspaceID:   1,
		WorkspaceSlug: "acme",
		Slug:          "msf-1",
		Name:          "msf-1",
		Image:         "metasploit:latest",
	}, Deps{
		Docker: fd,
		RPC:    fr,
		Ports:  alloc,
		Bus:    eventBus,
		Config: cfg,
		Logger: log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ctrl.Stop(ctx)
	})

	return &testRig{docker: fd, rpc: fr, ctrl: ctrl, events: eventCh}
}

func waitStatus(t *testing.T, ctrl *Controller, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.GetStatus() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("controller never reached status %q (now %q)", want, ctrl.GetStatus())
}

// waitEvent drains the event channel until the predicate matches.
func waitEvent(t *testing.T, ch chan *bus.Event, match func(*bus.Event) bool) *bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func containerStatusIs(status string) func(*bus.Event) bool {
	return func(ev *bus.Event) bool {
		if ev.Type != events.ContainerUpdatedType {
			return false
		}
		payload, err := events.DecodePayload[events.ContainerUpdated](ev.Payload)
		return err == nil && payload.Status == status
	}
}

func consoleStatusIs(trackID int64, status string) func(*bus.Event) bool {
	return func(ev *bus.Event) bool {
		if ev.Type != events.ConsoleUpdatedType {
			return false
		}
		payload, err := events.DecodePayload[events.ConsoleUpdated](ev.Payload)
		return err == nil && payload.TrackID == trackID && payload.Status == status
	}
}

func TestStartNewReachesRunning(t *testing.T) {
	rig := newTestRig(t)

	rig.ctrl.StartNew()
	waitEvent(t, rig.events, containerStatusIs(events.ContainerStarting))
	waitEvent(t, rig.events, containerStatusIs(events.ContainerRunning))
	waitStatus(t, rig.ctrl, StatusRunning)

	snap := rig.ctrl.GetStateSnapshot()
	assert.NotEmpty(t, snap.DockerContainerID)
	require.NotNil(t, snap.Endpoint)
	assert.GreaterOrEqual(t, snap.RPCPort, 55553)
	assert.LessOrEqual(t, snap.RPCPort, 55563)
	assert.Equal(t, snap.RPCPort, rig.ctrl.HeldPort())
}

func TestAdoptExistingContainer(t *testing.T) {
	rig := newTestRig(t)
	rig.docker.mu.Lock()
	rig.docker.running["survivor"] = true
	rig.docker.endpoints["survivor"] = docker.Endpoint{Host: "127.0.0.1", Port: 55560}
	rig.docker.mu.Unlock()

	rig.ctrl.AdoptDockerContainer("survivor")
	waitStatus(t, rig.ctrl, StatusRunning)

	snap := rig.ctrl.GetStateSnapshot()
	assert.Equal(t, "survivor", snap.DockerContainerID)
	assert.Equal(t, 55560, snap.RPCPort)
	// No new container was started.
	assert.Equal(t, 0, rig.docker.calls())
}

func TestAdoptDeadContainerStartsNew(t *testing.T) {
	rig := newTestRig(t)

	rig.ctrl.AdoptDockerContainer("gone")
	waitStatus(t, rig.ctrl, StatusRunning)

	assert.Equal(t, 1, rig.docker.calls())
	snap := rig.ctrl.GetStateSnapshot()
	assert.NotEqual(t, "gone", snap.DockerContainerID)
}

func TestStartFailureGivesUpAfterMaxRestarts(t *testing.T) {
	rig := newTestRig(t)
	rig.docker.mu.Lock()
	rig.docker.startErrs = 100
	rig.docker.mu.Unlock()

	rig.ctrl.StartNew()

	// MaxRestartCount is 3: attempts stop once the counter reaches it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rig.docker.calls() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, rig.docker.calls())
	assert.Equal(t, StatusOffline, rig.ctrl.GetStatus())
	assert.Equal(t, 0, rig.ctrl.HeldPort())
}

func TestMsgrpcLoginRetries(t *testing.T) {
	rig := newTestRig(t)
	rig.rpc.mu.Lock()
	rig.rpc.loginErrs = 2
	rig.rpc.mu.Unlock()

	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)
	assert.GreaterOrEqual(t, rig.rpc.logins(), 3)
}

func TestHealthCheckRestartsDeadContainer(t *testing.T) {
	rig := newTestRig(t)
	rig.ctrl.RegisterConsole(7)
	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)
	waitEvent(t, rig.events, consoleStatusIs(7, events.ConsoleReady))

	first := rig.ctrl.GetStateSnapshot().DockerContainerID
	rig.docker.kill(first)

	// Crash path: console offline, container offline, then a fresh start.
	waitEvent(t, rig.events, consoleStatusIs(7, events.ConsoleOffline))
	waitEvent(t, rig.events, containerStatusIs(events.ContainerOffline))
	waitEvent(t, rig.events, containerStatusIs(events.ContainerRunning))
	waitStatus(t, rig.ctrl, StatusRunning)

	second := rig.ctrl.GetStateSnapshot().DockerContainerID
	assert.NotEqual(t, first, second)
	// Registered tracks persist across restarts, so the console comes back.
	waitEvent(t, rig.events, consoleStatusIs(7, events.ConsoleReady))
}

func TestRegisterConsoleWhileRunningSpawnsSession(t *testing.T) {
	rig := newTestRig(t)
	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)

	rig.ctrl.RegisterConsole(3)
	waitEvent(t, rig.events, consoleStatusIs(3, events.ConsoleReady))

	snap := rig.ctrl.GetStateSnapshot()
	assert.Contains(t, snap.RegisteredTracks, int64(3))
	assert.Equal(t, events.ConsoleReady, snap.ConsoleStatuses[3])
}

func TestUnregisterConsoleEmitsOffline(t *testing.T) {
	rig := newTestRig(t)
	rig.ctrl.RegisterConsole(3)
	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)
	waitEvent(t, rig.events, consoleStatusIs(3, events.ConsoleReady))

	rig.ctrl.UnregisterConsole(3)
	waitEvent(t, rig.events, consoleStatusIs(3, events.ConsoleOffline))

	snap := rig.ctrl.GetStateSnapshot()
	assert.NotContains(t, snap.RegisteredTracks, int64(3))
	assert.Empty(t, snap.ConsoleStatuses)
}

func TestSendMetasploitCommandValidation(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.ctrl.SendMetasploitCommand(3, "db_status")
	assert.ErrorIs(t, err, ErrContainerNotRunning)

	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)

	_, err = rig.ctrl.SendMetasploitCommand(3, "db_status")
	assert.ErrorIs(t, err, ErrConsoleNotRegistered)

	rig.ctrl.RegisterConsole(3)
	waitEvent(t, rig.events, consoleStatusIs(3, events.ConsoleReady))

	commandID, err := rig.ctrl.SendMetasploitCommand(3, "db_status")
	require.NoError(t, err)
	assert.NotEmpty(t, commandID)
}

func TestSendBashCommand(t *testing.T) {
	rig := newTestRig(t)
	rig.docker.mu.Lock()
	rig.docker.execResult = docker.ExecResult{Stdout: "uid=0(root)\n", ExitCode: 0}
	rig.docker.mu.Unlock()

	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)

	commandID, err := rig.ctrl.SendBashCommand(3, "id")
	require.NoError(t, err)

	issued := waitEvent(t, rig.events, func(ev *bus.Event) bool {
		return ev.Type == events.CommandIssuedType
	})
	payload, err := events.DecodePayload[events.CommandIssued](issued.Payload)
	require.NoError(t, err)
	assert.Equal(t, commandID, payload.CommandID)
	assert.Equal(t, events.CommandTypeBash, payload.Type)
	assert.Equal(t, "id", payload.Command)

	running := waitEvent(t, rig.events, func(ev *bus.Event) bool {
		if ev.Type != events.CommandResultType {
			return false
		}
		p, err := events.DecodePayload[events.CommandResult](ev.Payload)
		return err == nil && p.CommandID == commandID && p.Status == events.CommandRunning
	})
	p, err := events.DecodePayload[events.CommandResult](running.Payload)
	require.NoError(t, err)
	assert.Equal(t, "uid=0(root)\n", p.Output)

	finished := waitEvent(t, rig.events, func(ev *bus.Event) bool {
		if ev.Type != events.CommandResultType {
			return false
		}
		p, err := events.DecodePayload[events.CommandResult](ev.Payload)
		return err == nil && p.CommandID == commandID && p.Status == events.CommandFinished
	})
	p, err = events.DecodePayload[events.CommandResult](finished.Payload)
	require.NoError(t, err)
	require.NotNil(t, p.ExitCode)
	assert.Equal(t, 0, *p.ExitCode)

	// Terminal result removes the invocation.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(rig.ctrl.GetRunningBashCommands()) > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Empty(t, rig.ctrl.GetRunningBashCommands())
}

func TestSendBashCommandExecFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.docker.mu.Lock()
	rig.docker.execErr = errors.New("exec failed")
	rig.docker.mu.Unlock()

	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)

	commandID, err := rig.ctrl.SendBashCommand(3, "id")
	require.NoError(t, err)

	failed := waitEvent(t, rig.events, func(ev *bus.Event) bool {
		if ev.Type != events.CommandResultType {
			return false
		}
		p, err := events.DecodePayload[events.CommandResult](ev.Payload)
		return err == nil && p.CommandID == commandID && p.Status == events.CommandError
	})
	p, err := events.DecodePayload[events.CommandResult](failed.Payload)
	require.NoError(t, err)
	assert.Equal(t, "exec failed", p.Error)
}

func TestGetRPCContextRefreshesToken(t *testing.T) {
	rig := newTestRig(t)
	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)

	before := rig.rpc.logins()
	rpcCtx, err := rig.ctrl.GetRPCContext()
	require.NoError(t, err)
	assert.NotEmpty(t, rpcCtx.Token)
	assert.Equal(t, before+1, rig.rpc.logins())
}

func TestShutdownStopsEverything(t *testing.T) {
	rig := newTestRig(t)
	rig.ctrl.RegisterConsole(3)
	rig.ctrl.StartNew()
	waitStatus(t, rig.ctrl, StatusRunning)
	waitEvent(t, rig.events, consoleStatusIs(3, events.ConsoleReady))

	dockerID := rig.ctrl.GetStateSnapshot().DockerContainerID

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rig.ctrl.Stop(ctx)

	waitEvent(t, rig.events, consoleStatusIs(3, events.ConsoleOffline))
	waitEvent(t, rig.events, containerStatusIs(events.ContainerOffline))

	rig.docker.mu.Lock()
	stopped := append([]string(nil), rig.docker.stopped...)
	rig.docker.mu.Unlock()
	assert.Contains(t, stopped, dockerID)
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 100*time.Millisecond, backoff(base, max, 1))
	assert.Equal(t, 200*time.Millisecond, backoff(base, max, 2))
	assert.Equal(t, 400*time.Millisecond, backoff(base, max, 3))
	assert.Equal(t, 800*time.Millisecond, backoff(base, max, 4))
	assert.Equal(t, time.Second, backoff(base, max, 5))
	assert.Equal(t, time.Second, backoff(base, max, 20))
}

package console

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/common/logger"
	"github.com/msfailab/msfailab/internal/container/rpc"
	"github.com/msfailab/msfailab/internal/events"
	"github.com/msfailab/msfailab/internal/events/bus"
)

// fakeRPC scripts console reads. Reads queued via enqueue are consumed in
// order; writes append their afterWrite batch so command output only becomes
// visible after the command was actually sent.
type fakeRPC struct {
	mu         sync.Mutex
	queue      []rpc.ReadResult
	afterWrite []rpc.ReadResult
	writes     []string
	destroyed  bool
	readErr    error
	writeErr   error
	emptyBusy  bool   // report busy=true when the queue runs dry
	onWrite    func() // called from inside ConsoleWrite
}

func (f *fakeRPC) Login(ctx context.Context, ep rpc.Endpoint, user, password string) (string, error) {
	return "TOKEN", nil
}

func (f *fakeRPC) Call(ctx context.Context, ep rpc.Endpoint, token, method string, args ...any) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeRPC) ConsoleCreate(ctx context.Context, ep rpc.Endpoint, token string) (rpc.ConsoleInfo, error) {
	return rpc.ConsoleInfo{ID: "0", Busy: true}, nil
}

func (f *fakeRPC) ConsoleDestroy(ctx context.Context, ep rpc.Endpoint, token, consoleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *fakeRPC) ConsoleWrite(ctx context.Context, ep rpc.Endpoint, token, consoleID, data string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.onWrite != nil {
		f.onWrite()
	}
	f.writes = append(f.writes, data)
	f.queue = append(f.queue, f.afterWrite...)
	f.afterWrite = nil
	return len(data), nil
}

func (f *fakeRPC) ConsoleRead(ctx context.Context, ep rpc.Endpoint, token, consoleID string) (rpc.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return rpc.ReadResult{}, f.readErr
	}
	if len(f.queue) == 0 {
		return rpc.ReadResult{Busy: f.emptyBusy}, nil
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next, nil
}

func (f *fakeRPC) enqueue(reads ...rpc.ReadResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, reads...)
}

func (f *fakeRPC) setReadErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeRPC) wasDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func startSession(t *testing.T, fake *fakeRPC) (*Session, chan *events.ConsoleUpdated) {
	log := testLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	updates := make(chan *events.ConsoleUpdated, 64)
	_, err := eventBus.Subscribe(events.WorkspaceSubject(1), func(ctx context.Context, event *bus.Event) error {
		if event.Type != events.ConsoleUpdatedType {
			return nil
		}
		payload, err := events.DecodePayload[events.ConsoleUpdated](event.Payload)
		if err != nil {
			return err
		}
		updates <- payload
		return nil
	})
	require.NoError(t, err)

	session, err := Start(context.Background(), Options{
		WorkspaceID: 1,
		ContainerID: 2,
		TrackID:     3,
		RPC:         fake,
		Endpoint:    rpc.Endpoint{Host: "127.0.0.1", Port: 55553},
		Token:       "TOKEN",
		Bus:         eventBus,
		Config: config.ConsoleConfig{
			PollIntervalMs:    5,
			PromptTerminators: []string{"> "},
		},
		Logger: log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { session.die(nil) })
	return session, updates
}

func nextUpdate(t *testing.T, updates chan *events.ConsoleUpdated) *events.ConsoleUpdated {
	t.Helper()
	select {
	case u := <-updates:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for console event")
		return nil
	}
}

func TestStartupPromotesToReady(t *testing.T) {
	fake := &fakeRPC{}
	fake.enqueue(
		rpc.ReadResult{Data: "[*] Starting the Metasploit Framework console...\n", Busy: true},
		rpc.ReadResult{Data: "msf6 > ", Busy: false},
	)

	session, updates := startSession(t, fake)

	first := nextUpdate(t, updates)
	assert.Equal(t, StatusStarting, first.Status)
	assert.Equal(t, "[*] Starting the Metasploit Framework console...\n", first.Output)

	second := nextUpdate(t, updates)
	assert.Equal(t, StatusReady, second.Status)
	assert.Equal(t, "msf6 > ", second.Prompt)
	assert.Empty(t, second.Output)

	assert.Equal(t, StatusReady, session.Status())
	assert.Equal(t, "msf6 > ", session.Prompt())
}

func TestSendCommandWhileStarting(t *testing.T) {
	// No scripted reads means the console never settles.
	fake := &fakeRPC{emptyBusy: true}
	session, _ := startSession(t, fake)

	_, err := session.SendCommand(context.Background(), "db_status")
	assert.ErrorIs(t, err, ErrStarting)
}

func TestCommandLifecycle(t *testing.T) {
	fake := &fakeRPC{}
	fake.enqueue(rpc.ReadResult{Data: "msf6 > ", Busy: false})
	fake.afterWrite = []rpc.ReadResult{
		{Data: "[*] Running", Busy: true},
		{Data: " module\n", Busy: true},
		{Data: "[+] Done\nmsf6 exploit(smb) > ", Busy: false},
	}

	session, updates := startSession(t, fake)
	ready := nextUpdate(t, updates)
	require.Equal(t, StatusReady, ready.Status)

	commandID, err := session.SendCommand(context.Background(), "use exploit/windows/smb/psexec")
	require.NoError(t, err)
	require.NotEmpty(t, commandID)

	fake.mu.Lock()
	writes := append([]string(nil), fake.writes...)
	fake.mu.Unlock()
	require.Equal(t, []string{"use exploit/windows/smb/psexec\n"}, writes)

	accepted := nextUpdate(t, updates)
	assert.Equal(t, StatusBusy, accepted.Status)
	assert.Equal(t, commandID, accepted.CommandID)
	assert.Equal(t, "use exploit/windows/smb/psexec", accepted.Command)
	assert.Empty(t, accepted.Output)

	// The incomplete "[*] Running" line is held back until its newline arrives.
	chunk := nextUpdate(t, updates)
	assert.Equal(t, StatusBusy, chunk.Status)
	assert.Equal(t, "[*] Running module\n", chunk.Output)

	final := nextUpdate(t, updates)
	assert.Equal(t, StatusBusy, final.Status)
	assert.Equal(t, "[+] Done\n", final.Output)

	done := nextUpdate(t, updates)
	assert.Equal(t, StatusReady, done.Status)
	assert.Equal(t, commandID, done.CommandID)
	assert.Equal(t, "msf6 exploit(smb) > ", done.Prompt)
	assert.Empty(t, done.Output)
}

func TestConsoleClaimedBeforeWrite(t *testing.T) {
	fake := &fakeRPC{emptyBusy: true}
	fake.enqueue(rpc.ReadResult{Data: "msf6 > ", Busy: false})

	session, updates := startSession(t, fake)
	require.Equal(t, StatusReady, nextUpdate(t, updates).Status)

	// A poll that lands while the write is in flight must already see the
	// session busy with the command id set, so no output is misattributed.
	var statusDuringWrite string
	var commandDuringWrite string
	fake.mu.Lock()
	fake.onWrite = func() {
		statusDuringWrite = session.Status()
		session.mu.Lock()
		commandDuringWrite = session.commandID
		session.mu.Unlock()
	}
	fake.mu.Unlock()

	commandID, err := session.SendCommand(context.Background(), "hosts")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, statusDuringWrite)
	assert.Equal(t, commandID, commandDuringWrite)
}

func TestSendCommandWhileBusy(t *testing.T) {
	fake := &fakeRPC{emptyBusy: true}
	fake.enqueue(rpc.ReadResult{Data: "msf6 > ", Busy: false})

	session, updates := startSession(t, fake)
	require.Equal(t, StatusReady, nextUpdate(t, updates).Status)

	_, err := session.SendCommand(context.Background(), "sleep 100")
	require.NoError(t, err)

	_, err = session.SendCommand(context.Background(), "db_status")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestAsyncOutputWhileReady(t *testing.T) {
	fake := &fakeRPC{}
	fake.enqueue(
		rpc.ReadResult{Data: "msf6 > ", Busy: false},
		rpc.ReadResult{Data: "[*] Meterpreter session 1 opened\nmsf6 > ", Busy: false},
	)

	_, updates := startSession(t, fake)
	require.Equal(t, StatusReady, nextUpdate(t, updates).Status)

	async := nextUpdate(t, updates)
	assert.Equal(t, StatusReady, async.Status)
	assert.Equal(t, "[*] Meterpreter session 1 opened\n", async.Output)
	assert.Equal(t, "msf6 > ", async.Prompt)
	assert.Empty(t, async.CommandID)
}

func TestReadErrorKillsSession(t *testing.T) {
	fake := &fakeRPC{}
	fake.enqueue(rpc.ReadResult{Data: "msf6 > ", Busy: false})

	session, updates := startSession(t, fake)
	require.Equal(t, StatusReady, nextUpdate(t, updates).Status)

	fake.setReadErr(errors.New("connection refused"))

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not die after read error")
	}
	assert.Error(t, session.ExitErr())
	assert.Equal(t, StatusDying, session.Status())
}

func TestWriteErrorKillsSession(t *testing.T) {
	fake := &fakeRPC{}
	fake.enqueue(rpc.ReadResult{Data: "msf6 > ", Busy: false})

	session, updates := startSession(t, fake)
	require.Equal(t, StatusReady, nextUpdate(t, updates).Status)

	fake.mu.Lock()
	fake.writeErr = errors.New("broken pipe")
	fake.mu.Unlock()

	_, err := session.SendCommand(context.Background(), "db_status")
	require.Error(t, err)

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not die after write error")
	}
	assert.Error(t, session.ExitErr())
}

func TestStopDestroysRemoteConsole(t *testing.T) {
	fake := &fakeRPC{}
	fake.enqueue(rpc.ReadResult{Data: "msf6 > ", Busy: false})

	session, updates := startSession(t, fake)
	require.Equal(t, StatusReady, nextUpdate(t, updates).Status)

	session.Stop(context.Background())

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.True(t, fake.wasDestroyed())
	assert.NoError(t, session.ExitErr())
}

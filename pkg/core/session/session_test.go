package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aurelio-ai/voicelink/pkg/core"
	"github.com/aurelio-ai/voicelink/pkg/core/audio"
	"github.com/aurelio-ai/voicelink/pkg/core/signal"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

type fakeMic struct {
	mu     sync.Mutex
	closed bool
}

func (m *fakeMic) ReadFrame(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMic) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeConn struct {
	events chan signal.Event

	mu        sync.Mutex
	sent      []signal.ClientEvent
	closed    bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan signal.Event, 16)}
}

func (c *fakeConn) Events() <-chan signal.Event { return c.events }

func (c *fakeConn) Send(ev signal.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
	return nil
}

func (c *fakeConn) sentEvents() []signal.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signal.ClientEvent(nil), c.sent...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	conn *fakeConn
	err  error
}

func (t *fakeTransport) Connect(ctx context.Context, opts signal.ConnectOptions) (signal.Conn, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.conn, nil
}

// gatedTransport blocks inside Connect until released, so tests can stop
// the controller while negotiation is still in flight.
type gatedTransport struct {
	conn    *fakeConn
	entered chan struct{}
	release chan struct{}
}

func (t *gatedTransport) Connect(ctx context.Context, opts signal.ConnectOptions) (signal.Conn, error) {
	close(t.entered)
	<-t.release
	return t.conn, nil
}

func testConfig(backend Backend, mic *fakeMic, transport signal.Transport) Config {
	config := DefaultConfig()
	config.Backend = backend
	config.Workspace = "w1"
	config.OpenMic = func(ctx context.Context) (audio.Capture, error) { return mic, nil }
	config.Direct = transport
	config.Vendor = transport
	config.DisplayDebounce = time.Millisecond
	return config
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", c.State(), want)
}

func TestNewControllerValidation(t *testing.T) {
	if _, err := NewController(Config{}); core.KindOf(err) != core.ErrInvalidRequest {
		t.Errorf("nil backend: kind = %v", core.KindOf(err))
	}
	if _, err := NewController(Config{Backend: &fakeBackend{}}); core.KindOf(err) != core.ErrInvalidRequest {
		t.Errorf("nil mic source: kind = %v", core.KindOf(err))
	}
}

func TestStartValidationLeavesStateUntouched(t *testing.T) {
	c, err := NewController(testConfig(&fakeBackend{}, &fakeMic{}, &fakeTransport{conn: newFakeConn()}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start(""); core.KindOf(err) != core.ErrInvalidRequest {
		t.Fatalf("empty agent id: kind = %v", core.KindOf(err))
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v after rejected start, want idle", c.State())
	}
}

func TestStartWithoutWorkspaceRejected(t *testing.T) {
	config := testConfig(&fakeBackend{}, &fakeMic{}, &fakeTransport{conn: newFakeConn()})
	config.Workspace = ""
	c, err := NewController(config)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start("a1"); core.KindOf(err) != core.ErrInvalidRequest {
		t.Fatalf("missing workspace: kind = %v, want invalid request", core.KindOf(err))
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v after rejected start, want idle", c.State())
	}
}

func TestStartWhileBusyRejected(t *testing.T) {
	backend := &fakeBackend{
		agent: types.AgentConfig{ID: "a1", Tier: types.TierManaged},
		cred:  types.Credential{Token: "tok"},
	}
	c, err := NewController(testConfig(backend, &fakeMic{}, &fakeTransport{conn: newFakeConn()}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start("a1"); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)

	if err := c.Start("a1"); core.KindOf(err) != core.ErrInvalidRequest {
		t.Errorf("second start: kind = %v, want invalid request", core.KindOf(err))
	}
}

func TestErrorExcursionAlwaysLandsOnIdle(t *testing.T) {
	backend := &fakeBackend{
		agentErr: core.NewCredentialFetchError("backend down", nil),
	}
	c, err := NewController(testConfig(backend, &fakeMic{}, &fakeTransport{conn: newFakeConn()}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start("a1"); err != nil {
		t.Fatal(err)
	}

	var sawError, sawErrorState bool
	deadline := time.After(2 * time.Second)
	for !sawError || c.State() != StateIdle {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("events closed early")
			}
			switch e := ev.(type) {
			case *ErrorEvent:
				sawError = true
				if e.UserMessage == "" {
					t.Error("error event missing user message")
				}
			case *StateChangedEvent:
				if e.To == StateError {
					sawErrorState = true
				}
			}
		case <-deadline:
			t.Fatalf("never settled: sawError=%v state=%v", sawError, c.State())
		}
	}
	if !sawErrorState {
		t.Error("state never visited error during the excursion")
	}
	// Idle again means restartable.
	if err := c.Start("a1"); err != nil {
		t.Errorf("restart after error excursion: %v", err)
	}
}

func TestGreetingRequestedBeforeAnythingElse(t *testing.T) {
	conn := newFakeConn()
	backend := &fakeBackend{
		agent: types.AgentConfig{ID: "a1", Tier: types.TierManaged, Greeting: "Welcome to support."},
		cred:  types.Credential{Token: "tok"},
	}
	c, err := NewController(testConfig(backend, &fakeMic{}, &fakeTransport{conn: conn}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start("a1"); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)

	conn.events <- signal.SessionReadyEvent{RemoteID: "r1"}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sent := conn.sentEvents()
		if len(sent) > 0 {
			greeting, ok := sent[0].(signal.GreetingRequest)
			if !ok {
				t.Fatalf("first client event = %T, want GreetingRequest", sent[0])
			}
			if greeting.Greeting != "Welcome to support." {
				t.Errorf("greeting = %q", greeting.Greeting)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("greeting never requested")
}

func TestStopReleasesEverythingAndSaves(t *testing.T) {
	conn := newFakeConn()
	mic := &fakeMic{}
	backend := &fakeBackend{
		agent: types.AgentConfig{ID: "a1", Tier: types.TierManaged},
		cred:  types.Credential{Token: "tok"},
	}
	c, err := NewController(testConfig(backend, mic, &fakeTransport{conn: conn}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start("a1"); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)

	conn.events <- signal.TranscriptUtteranceEvent{Role: types.RoleUser, Text: "hello"}
	time.Sleep(20 * time.Millisecond)

	c.Stop()
	c.Stop() // idempotent
	waitForState(t, c, StateIdle)

	if !conn.isClosed() {
		t.Error("session channel not closed")
	}
	if !mic.isClosed() {
		t.Error("microphone not released")
	}
	backend.mu.Lock()
	saves := len(backend.saves)
	backend.mu.Unlock()
	if saves != 1 {
		t.Errorf("transcript saved %d times, want 1", saves)
	}
}

func TestStopDuringNegotiationReleasesEverything(t *testing.T) {
	conn := newFakeConn()
	mic := &fakeMic{}
	backend := &fakeBackend{
		agent: types.AgentConfig{ID: "a1", Tier: types.TierManaged},
		cred:  types.Credential{Token: "tok"},
	}
	transport := &gatedTransport{
		conn:    conn,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, err := NewController(testConfig(backend, mic, transport))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start("a1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-transport.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("transport negotiation never started")
	}

	c.Stop()
	waitForState(t, c, StateIdle)
	if !mic.isClosed() {
		t.Error("microphone not released by a stop during negotiation")
	}

	// The transport returns its connection after teardown; the stale
	// session must close it rather than leak it.
	close(transport.release)
	deadline := time.Now().Add(2 * time.Second)
	for !conn.isClosed() {
		if !time.Now().Before(deadline) {
			t.Fatal("late-returned connection never closed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	backend.mu.Lock()
	saves := len(backend.saves)
	backend.mu.Unlock()
	if saves != 0 {
		t.Errorf("aborted session saved %d transcripts, want 0", saves)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestEmptySessionSkipsSave(t *testing.T) {
	conn := newFakeConn()
	backend := &fakeBackend{
		agent: types.AgentConfig{ID: "a1", Tier: types.TierManaged},
		cred:  types.Credential{Token: "tok"},
	}
	c, err := NewController(testConfig(backend, &fakeMic{}, &fakeTransport{conn: conn}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start("a1"); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)
	c.Stop()
	waitForState(t, c, StateIdle)

	backend.mu.Lock()
	saves := len(backend.saves)
	backend.mu.Unlock()
	if saves != 0 {
		t.Errorf("empty transcript saved %d times, want 0", saves)
	}
}

func TestRemoteCloseTearsDown(t *testing.T) {
	conn := newFakeConn()
	backend := &fakeBackend{
		agent: types.AgentConfig{ID: "a1", Tier: types.TierManaged},
		cred:  types.Credential{Token: "tok"},
	}
	c, err := NewController(testConfig(backend, &fakeMic{}, &fakeTransport{conn: conn}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Start("a1"); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)

	conn.events <- signal.ClosedEvent{Reason: "remote hangup"}
	waitForState(t, c, StateIdle)
}

func TestTeardownHookRunsOnIdle(t *testing.T) {
	conn := newFakeConn()
	backend := &fakeBackend{
		agent: types.AgentConfig{ID: "a1", Tier: types.TierManaged},
		cred:  types.Credential{Token: "tok"},
	}
	c, err := NewController(testConfig(backend, &fakeMic{}, &fakeTransport{conn: conn}))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	hooked := make(chan struct{})
	c.SetTeardownHook(func() { close(hooked) })

	if err := c.Start("a1"); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)
	c.Stop()

	select {
	case <-hooked:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown hook never ran")
	}
}

func TestResourceBundleReleaseIdempotent(t *testing.T) {
	conn := newFakeConn()
	mic := &fakeMic{}
	b := &resourceBundle{conn: conn, mic: mic}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.release()
		}()
	}
	wg.Wait()

	if !conn.isClosed() || !mic.isClosed() {
		t.Error("resources not released")
	}
	if !b.empty() {
		t.Error("bundle not empty after release")
	}
}

func TestResourceBundleReleaseEmpty(t *testing.T) {
	b := &resourceBundle{}
	b.release() // must not panic
	if !b.empty() {
		t.Error("empty bundle reports members")
	}
}

func TestStateStringTotality(t *testing.T) {
	for _, s := range []State{StateIdle, StateConnecting, StateConnected, StateError} {
		if s.String() == "UNKNOWN" || s.String() == "" {
			t.Errorf("state %d has no name", int(s))
		}
	}
	if State(99).String() != "UNKNOWN" {
		t.Errorf("out-of-range state = %q", State(99).String())
	}
}

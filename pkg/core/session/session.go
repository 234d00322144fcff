package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aurelio-ai/voicelink/pkg/core"
	"github.com/aurelio-ai/voicelink/pkg/core/audio"
	"github.com/aurelio-ai/voicelink/pkg/core/signal"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

// Backend is the platform-side contract the controller depends on. The
// workspace may be the "admin" sentinel, which lets platform operators
// drive agents across workspaces.
type Backend interface {
	// Agent resolves one agent's configuration.
	Agent(ctx context.Context, agentID, workspace string) (types.AgentConfig, error)

	// MintCredential obtains a short-lived secret for one negotiation.
	MintCredential(ctx context.Context, agentID, workspace string) (types.Credential, error)

	// ExecuteTool runs one tool call server-side and returns its result.
	ExecuteTool(ctx context.Context, req types.ToolExecutionRequest) (types.ToolResult, error)

	// SaveTranscript persists the end-of-session conversation record.
	SaveTranscript(ctx context.Context, save types.TranscriptSave) error
}

// AdminWorkspace is the operator sentinel accepted wherever a workspace
// scopes a backend call.
const AdminWorkspace = "admin"

// Controller drives the session lifecycle: idle → connecting → connected →
// idle, with an error excursion that always resolves back to idle. At most
// one session is live at a time; Start while not idle is rejected without
// touching the running session.
type Controller struct {
	config Config

	mu        sync.Mutex
	state     State
	sessionID string
	agent     types.AgentConfig
	bundle    *resourceBundle
	assembler *Assembler
	dispatch  *Dispatcher
	startedAt time.Time
	cancel    context.CancelFunc
	teardown  *sync.Once

	events chan Event
	closed atomic.Bool
	// emitMu fences event emission against Close; sessions emit from
	// several goroutines.
	emitMu sync.RWMutex

	// teardownHook runs after each session lands on idle, e.g. a host
	// unmount callback. Set before Start.
	teardownHook func()
}

// NewController validates the configuration and returns an idle controller.
func NewController(config Config) (*Controller, error) {
	if config.Backend == nil {
		return nil, core.NewInvalidRequestError("session controller requires a backend")
	}
	if config.OpenMic == nil {
		return nil, core.NewInvalidRequestError("session controller requires a microphone source")
	}
	config.applyDefaults()
	return &Controller{
		config: config,
		state:  StateIdle,
		events: make(chan Event, 128),
	}, nil
}

// Events yields controller events. The channel closes when the controller
// itself is closed, not between sessions.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetTeardownHook registers a callback invoked after every teardown, once
// the controller is back on idle. Must be set before Start.
func (c *Controller) SetTeardownHook(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownHook = hook
}

// Start begins a session for the given agent. Validation is synchronous:
// a bad request returns an error immediately and leaves the state
// untouched. Everything network-bound happens asynchronously; failures
// surface as ErrorEvent followed by the error excursion back to idle.
func (c *Controller) Start(agentID string) error {
	if agentID == "" {
		return core.NewInvalidRequestError("agent id must not be empty")
	}
	if c.config.Workspace == "" {
		return core.NewInvalidRequestError("workspace must be set, a tenant id or the admin sentinel")
	}
	if c.closed.Load() {
		return core.NewInvalidRequestError("controller is closed")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return core.NewInvalidRequestError(fmt.Sprintf("cannot start in state %s", c.state))
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.sessionID = uuid.NewString()
	c.bundle = &resourceBundle{}
	c.teardown = &sync.Once{}
	c.assembler = NewAssembler(c.config.DisplayDebounce, func(entries []types.TranscriptEntry) {
		c.emit(&TranscriptUpdatedEvent{Entries: entries})
	})
	c.setStateLocked(StateConnecting)
	sessionID := c.sessionID
	c.mu.Unlock()

	go c.connect(ctx, agentID, sessionID)
	return nil
}

// connect performs the connection sequence. Cancellation is checked after
// every step that can suspend; a cancelled session releases everything it
// acquired so far and nothing it did not.
func (c *Controller) connect(ctx context.Context, agentID, sessionID string) {
	if asm := c.assemblerFor(sessionID); asm != nil {
		asm.AddSystemLine("Connecting...")
	}

	agent, err := c.config.Backend.Agent(ctx, agentID, c.config.Workspace)
	if err != nil {
		c.fail(sessionID, err)
		return
	}
	if c.cancelled(ctx, sessionID) {
		return
	}

	cred, err := c.config.Backend.MintCredential(ctx, agentID, c.config.Workspace)
	if err != nil {
		c.fail(sessionID, err)
		return
	}
	if cred.Expired(time.Now()) {
		c.fail(sessionID, core.NewCredentialFetchError("backend returned an expired credential", nil))
		return
	}
	if c.cancelled(ctx, sessionID) {
		return
	}

	mic, err := c.config.OpenMic(ctx)
	if err != nil {
		c.fail(sessionID, err)
		return
	}

	analyzer := audio.NewAnalyzer(c.config.Analyzer)
	tee := &teeCapture{src: mic, analyzer: analyzer}

	var sink signal.AudioSink
	if c.config.OpenSink != nil {
		sink, err = c.config.OpenSink()
		if err != nil {
			_ = mic.Close()
			analyzer.Stop()
			c.fail(sessionID, err)
			return
		}
	}

	c.mu.Lock()
	if c.sessionID != sessionID {
		c.mu.Unlock()
		_ = mic.Close()
		analyzer.Stop()
		if sink != nil {
			_ = sink.Close()
		}
		return
	}
	bundle := c.bundle
	bundle.mic = tee
	bundle.sink = sink
	bundle.analyzer = analyzer
	c.agent = agent
	c.mu.Unlock()

	go c.pumpAudioLevels(analyzer)

	if c.cancelled(ctx, sessionID) {
		return
	}

	transport := c.config.Vendor
	if agent.Tier == types.TierRealtime {
		transport = c.config.Direct
	}
	conn, err := transport.Connect(ctx, signal.ConnectOptions{
		Agent:      agent,
		Credential: cred.Token,
		Mic:        tee,
		Sink:       sink,
	})
	if err != nil {
		c.fail(sessionID, err)
		return
	}

	c.mu.Lock()
	if c.sessionID != sessionID || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		c.teardownSession(sessionID, "cancelled")
		return
	}
	bundle.mu.Lock()
	bundle.conn = conn
	bundle.mu.Unlock()
	c.startedAt = time.Now()
	c.dispatch = NewDispatcher(c.config.Backend, agent.ID, sessionID, c.config.EndCallGrace,
		conn.Send,
		func(result types.ToolResult) {
			c.emit(&ToolCompletedEvent{
				CallID:  result.CallID,
				IsError: result.IsError,
				Action:  result.Action,
			})
		},
		func() {
			c.teardownSession(sessionID, "agent ended the call")
		},
	)
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.pumpChannel(ctx, sessionID, conn, agent)
	go c.tickDuration(ctx)
}

// pumpChannel consumes the normalized session channel until it closes.
func (c *Controller) pumpChannel(ctx context.Context, sessionID string, conn signal.Conn, agent types.AgentConfig) {
	greeted := false
	asm := c.assemblerFor(sessionID)
	dispatch := c.dispatcherFor(sessionID)

	for ev := range conn.Events() {
		if ctx.Err() != nil {
			return
		}
		switch e := ev.(type) {
		case signal.SessionReadyEvent:
			c.emit(&SessionStartedEvent{SessionID: sessionID, AgentID: agent.ID, RemoteID: e.RemoteID})
			if asm != nil {
				asm.AddSystemLine("Connected")
			}
			// The greeting is requested before any speech so the opening
			// line is the configured one, spoken verbatim.
			if !greeted && agent.Greeting != "" {
				greeted = true
				if err := conn.Send(signal.GreetingRequest{Greeting: agent.Greeting}); err != nil {
					c.debugf("greeting", "request failed: %v", err)
				}
			}

		case signal.TranscriptUtteranceEvent:
			if asm != nil {
				asm.AddUtterance(e.Role, e.Text)
			}

		case signal.TranscriptSnapshotEvent:
			if asm != nil {
				asm.ApplySnapshot(e.Entries)
			}

		case signal.ToolCallEvent:
			c.emit(&ToolInvokedEvent{CallID: e.Call.CallID, Name: e.Call.Name})
			if dispatch != nil {
				go dispatch.Dispatch(ctx, e.Call)
			}

		case signal.TurnEvent:
			c.emit(&TurnEvent{Phase: string(e.Phase)})

		case signal.ChannelErrorEvent:
			fatal := core.IsFatalToSession(e.Err)
			c.emit(&ErrorEvent{Err: e.Err, UserMessage: core.UserMessage(e.Err), Fatal: fatal})
			if fatal {
				c.fail(sessionID, e.Err)
				return
			}

		case signal.ClosedEvent:
			c.teardownSession(sessionID, e.Reason)
			return

		case signal.UnknownEvent:
			c.debugf("channel", "ignoring event %q", e.Type)
		}
	}

	// Channel closed without a ClosedEvent: treat as a remote hangup.
	c.teardownSession(sessionID, "channel closed")
}

// pumpAudioLevels forwards frequency-band snapshots to the event surface
// and the host notifier. Ends when the analyzer's decay completes after
// Stop.
func (c *Controller) pumpAudioLevels(analyzer *audio.Analyzer) {
	for bands := range analyzer.Snapshots() {
		c.emit(&AudioLevelEvent{Bands: bands})
		c.config.Notifier.NotifyAudioLevel(bands)
	}
}

// tickDuration emits elapsed time once per second while connected.
func (c *Controller) tickDuration(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emit(&DurationEvent{Elapsed: time.Since(start).Round(time.Second)})
		}
	}
}

// Stop ends the current session gracefully. Idempotent; a stop on an idle
// controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	sessionID := c.sessionID
	state := c.state
	c.mu.Unlock()
	if state == StateIdle || sessionID == "" {
		return
	}
	c.teardownSession(sessionID, "stopped")
}

// Close stops any live session and closes the event channel. The
// controller cannot be restarted afterwards.
func (c *Controller) Close() {
	if c.closed.Load() {
		return
	}
	c.Stop()
	if c.closed.Swap(true) {
		return
	}
	c.emitMu.Lock()
	close(c.events)
	c.emitMu.Unlock()
}

// fail reports a session fault, then runs the error excursion: the state
// visits error and teardown lands it back on idle.
func (c *Controller) fail(sessionID string, err error) {
	c.mu.Lock()
	if c.sessionID != sessionID {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateError)
	c.mu.Unlock()

	c.emit(&ErrorEvent{Err: err, UserMessage: core.UserMessage(err), Fatal: true})
	c.teardownSession(sessionID, "error")
}

// teardownSession runs the release sequence exactly once per session:
// cancel in-flight work, stop the dispatcher, flush and persist the
// transcript (unless it is empty), release the resource bundle in order,
// and land on idle.
func (c *Controller) teardownSession(sessionID, reason string) {
	c.mu.Lock()
	if c.sessionID != sessionID || c.teardown == nil {
		c.mu.Unlock()
		return
	}
	once := c.teardown
	c.mu.Unlock()

	once.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		bundle := c.bundle
		asm := c.assembler
		dispatch := c.dispatch
		agentID := c.agent.ID
		startedAt := c.startedAt
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if dispatch != nil {
			dispatch.Stop()
		}

		saved := false
		duration := 0
		if asm != nil {
			asm.FlushTail()
			if !startedAt.IsZero() {
				duration = int(time.Since(startedAt) / time.Second)
			}
			if payload, ok := asm.BuildSave(sessionID, agentID, startedAt); ok {
				saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := c.config.Backend.SaveTranscript(saveCtx, payload); err != nil {
					c.emit(&ErrorEvent{Err: err, UserMessage: core.UserMessage(err), Fatal: false})
				} else {
					saved = true
				}
				saveCancel()
			}
			asm.Stop()
		}

		if bundle != nil {
			bundle.release()
		}

		c.mu.Lock()
		c.bundle = nil
		c.assembler = nil
		c.dispatch = nil
		c.cancel = nil
		c.sessionID = ""
		c.startedAt = time.Time{}
		c.setStateLocked(StateIdle)
		hook := c.teardownHook
		c.mu.Unlock()

		c.emit(&SessionEndedEvent{SessionID: sessionID, Reason: reason, Duration: duration, Saved: saved})
		if hook != nil {
			hook()
		}
	})
}

// cancelled checks for cooperative cancellation and, when the session was
// aborted mid-connect, runs teardown so partial acquisitions are released.
func (c *Controller) cancelled(ctx context.Context, sessionID string) bool {
	if ctx.Err() == nil {
		return false
	}
	c.teardownSession(sessionID, "cancelled")
	return true
}

// setStateLocked transitions the lifecycle state. Caller holds c.mu.
func (c *Controller) setStateLocked(next State) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next
	c.emit(&StateChangedEvent{From: prev, To: next})
	c.config.Notifier.NotifyState(next)
}

func (c *Controller) assemblerFor(sessionID string) *Assembler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return nil
	}
	return c.assembler
}

func (c *Controller) dispatcherFor(sessionID string) *Dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return nil
	}
	return c.dispatch
}

// emit delivers a controller event without ever blocking the session's
// goroutines; a stalled consumer drops events instead of stalling audio.
func (c *Controller) emit(ev Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Controller) debugf(category, format string, args ...any) {
	if !c.config.Debug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "[voicelink:%s] %s\n", category, msg)
	c.emit(&DebugEvent{Category: category, Message: msg})
}

// teeCapture forwards microphone frames to the transport while feeding a
// copy to the analyzer for band metering.
type teeCapture struct {
	src      audio.Capture
	analyzer *audio.Analyzer
}

func (t *teeCapture) ReadFrame(ctx context.Context) ([]byte, error) {
	frame, err := t.src.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	t.analyzer.Feed(frame)
	return frame, nil
}

func (t *teeCapture) Close() error {
	return t.src.Close()
}

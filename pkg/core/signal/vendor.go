package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aurelio-ai/voicelink/pkg/core"
	"github.com/aurelio-ai/voicelink/pkg/core/audio"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

const (
	defaultVendorURL = "wss://voice.aurelio.ai/v1/session"

	// The vendor expects 16 kHz PCM16LE frames, base64 in JSON.
	vendorSampleRate = 16000
	vendorFrameBytes = 640 // 20ms at 16 kHz mono

	vendorGreetingInstruction = "Open the conversation by speaking this exact text word for word: %s"
)

// DefaultVendorTurnDetection is applied when the agent leaves turn
// detection unset on the vendor strategy. The vendor tuned its own
// defaults; they intentionally differ from the direct strategy's.
func DefaultVendorTurnDetection() types.TurnDetection {
	return types.TurnDetection{
		Mode:              types.TurnDetectionNormal,
		Threshold:         0.6,
		PrefixPaddingMs:   200,
		SilenceDurationMs: 700,
	}
}

// VendorTransport speaks the managed voice vendor's websocket protocol. The
// vendor runs the model conversation server-side; the client's job is
// pumping audio both ways and reacting to transcript snapshots and tool
// callbacks.
type VendorTransport struct {
	// URL of the vendor session endpoint. Defaults to the production
	// endpoint.
	URL string

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	// MicSampleRate is the PCM rate the Capture produces. Default 24000.
	MicSampleRate int
}

// Connect implements Transport. The one-shot access token rides the
// Authorization header of the upgrade request; the first frame after the
// upgrade is the session configuration, and the vendor's ack is awaited
// before Connect returns so the channel is usable immediately.
func (t *VendorTransport) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	if opts.Credential == "" {
		return nil, core.NewInvalidRequestError("vendor transport requires an access token")
	}
	if opts.Mic == nil {
		return nil, core.NewInvalidRequestError("vendor transport requires a microphone stream")
	}

	endpoint := t.URL
	if endpoint == "" {
		endpoint = defaultVendorURL
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("invalid vendor URL %q", endpoint))
	}

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+opts.Credential)

	ws, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, core.NewCredentialFetchError(
					fmt.Sprintf("vendor rejected access token (status %d)", resp.StatusCode), err)
			}
			return nil, core.NewNegotiationError(
				fmt.Sprintf("vendor dial failed (status %d)", resp.StatusCode), err)
		}
		return nil, core.NewNegotiationError("vendor dial failed", err)
	}

	conn := newVendorConn(ws, opts)

	if err := conn.sendJSON(encodeVendorConfig(opts.Agent)); err != nil {
		conn.release()
		return nil, core.NewNegotiationError("send session configuration", err)
	}
	if err := conn.awaitReady(ctx); err != nil {
		conn.release()
		return nil, err
	}

	go conn.readLoop()
	conn.startMicPump(t.micSampleRate())
	return conn, nil
}

func (t *VendorTransport) micSampleRate() int {
	if t.MicSampleRate > 0 {
		return t.MicSampleRate
	}
	return 24000
}

type vendorConn struct {
	ws   *websocket.Conn
	mic  audio.Capture
	sink AudioSink

	agent  types.AgentConfig
	remote string

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	pumpCancel context.CancelFunc
	micSeq     uint64
}

func newVendorConn(ws *websocket.Conn, opts ConnectOptions) *vendorConn {
	return &vendorConn{
		ws:     ws,
		mic:    opts.Mic,
		sink:   opts.Sink,
		agent:  opts.Agent,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// awaitReady consumes frames until the vendor acknowledges the session
// configuration. Any frame other than the ack before readiness is a
// protocol violation.
func (c *vendorConn) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		if ctx.Err() != nil {
			return core.NewNegotiationError("cancelled awaiting session ack", ctx.Err())
		}
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return core.NewNegotiationError("read session ack", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame vendorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return core.NewNegotiationError("decode session ack", err)
		}
		switch frame.Type {
		case "session.ready":
			c.remote = frame.SessionID
			c.emit(SessionReadyEvent{RemoteID: frame.SessionID})
			return nil
		case "error":
			return core.NewNegotiationError("vendor refused session: "+frame.Error.Message, nil)
		default:
			return core.NewNegotiationError("unexpected frame before session ack: "+frame.Type, nil)
		}
	}
}

func (c *vendorConn) Events() <-chan Event { return c.events }

func (c *vendorConn) Send(ev ClientEvent) error {
	switch e := ev.(type) {
	case SessionUpdate:
		return c.sendJSON(encodeVendorConfig(e.Agent))
	case GreetingRequest:
		return c.sendJSON(vendorClientFrame{
			Type:         "response.request",
			Instructions: fmt.Sprintf(vendorGreetingInstruction, e.Greeting),
		})
	case ToolOutput:
		return c.sendJSON(vendorClientFrame{
			Type:   "tool.result",
			CallID: e.CallID,
			Output: e.Output,
		})
	default:
		return core.NewInvalidRequestError(fmt.Sprintf("unsupported client event %T", ev))
	}
}

func (c *vendorConn) sendJSON(v any) error {
	if c.closed.Load() {
		return core.NewChannelError("send on closed channel", nil)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		return core.NewChannelError("write frame", err)
	}
	return nil
}

// Close tears down the websocket. Idempotent; safe from any goroutine.
func (c *vendorConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.pumpCancel != nil {
			c.pumpCancel()
		}
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *vendorConn) release() {
	_ = c.Close()
	close(c.done)
	close(c.events)
}

func (c *vendorConn) emit(ev Event) {
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		// Consumer stalled; drop rather than block the read loop.
	}
}

func (c *vendorConn) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.closed.Load() {
				c.emit(ClosedEvent{Reason: "vendor closed channel"})
			} else {
				c.emit(ChannelErrorEvent{Err: core.NewChannelError("read frame", err)})
			}
			c.closed.Store(true)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if ev := decodeVendorFrame(data); ev != nil {
				if c.handlePlayback(ev) {
					continue
				}
				c.emit(ev)
			}
		case websocket.BinaryMessage:
			// Raw PCM16LE playback audio.
			if c.sink != nil {
				_ = c.sink.Write(data)
			}
		}
	}
}

// handlePlayback intercepts audio frames so they reach the sink instead
// of the event surface. Returns true when the event was consumed.
func (c *vendorConn) handlePlayback(ev Event) bool {
	frame, ok := ev.(vendorAudioEvent)
	if !ok {
		return false
	}
	if c.sink != nil {
		_ = c.sink.Write(frame.PCM)
	}
	return true
}

// startMicPump forwards microphone PCM upstream as base64 JSON frames at
// the vendor's 16 kHz rate.
func (c *vendorConn) startMicPump(micRate int) {
	ctx, cancel := context.WithCancel(context.Background())
	c.pumpCancel = cancel

	go func() {
		var pending []byte
		for {
			frame, err := c.mic.ReadFrame(ctx)
			if err != nil {
				return
			}
			pending = append(pending, audio.Resample(frame, micRate, vendorSampleRate)...)
			for len(pending) >= vendorFrameBytes {
				chunk := pending[:vendorFrameBytes]
				pending = pending[vendorFrameBytes:]
				seq := atomic.AddUint64(&c.micSeq, 1)
				if err := c.sendJSON(vendorClientFrame{
					Type:    "audio.frame",
					Seq:     seq,
					DataB64: base64.StdEncoding.EncodeToString(chunk),
				}); err != nil {
					return
				}
			}
		}
	}()
}

// vendorFrame is the superset of inbound vendor frame shapes.
type vendorFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Entries   []SnapshotEntry `json:"entries,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	DataB64   string          `json:"data_b64,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Error     struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// vendorClientFrame is the superset of outbound vendor frame shapes.
type vendorClientFrame struct {
	Type         string          `json:"type"`
	Seq          uint64          `json:"seq,omitempty"`
	DataB64      string          `json:"data_b64,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
}

// vendorAudioEvent never leaves the transport; the read loop routes it to
// the sink.
type vendorAudioEvent struct {
	PCM []byte
}

func (vendorAudioEvent) eventType() string { return "vendor.audio" }

// decodeVendorFrame maps one vendor text frame onto the normalized event
// surface. Unrecognized types come back as UnknownEvent so protocol
// additions never break established clients.
func decodeVendorFrame(data []byte) Event {
	var frame vendorFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ChannelErrorEvent{Err: core.NewChannelError("decode frame", err)}
	}

	switch frame.Type {
	case "session.ready":
		return SessionReadyEvent{RemoteID: frame.SessionID}
	case "transcript.snapshot":
		return TranscriptSnapshotEvent{Entries: frame.Entries}
	case "tool.call":
		return ToolCallEvent{Call: types.ToolCall{
			CallID:    frame.CallID,
			Name:      frame.Name,
			Arguments: frame.Arguments,
		}}
	case "turn":
		switch frame.Phase {
		case "speech_started":
			return TurnEvent{Phase: TurnSpeechStarted}
		case "speech_stopped":
			return TurnEvent{Phase: TurnSpeechStopped}
		case "response_started":
			return TurnEvent{Phase: TurnResponseStarted}
		case "response_done":
			return TurnEvent{Phase: TurnResponseDone}
		}
		return UnknownEvent{Type: "turn." + frame.Phase, Raw: append(json.RawMessage(nil), data...)}
	case "audio.frame":
		pcm, err := base64.StdEncoding.DecodeString(frame.DataB64)
		if err != nil {
			return ChannelErrorEvent{Err: core.NewChannelError("decode audio frame", err)}
		}
		return vendorAudioEvent{PCM: pcm}
	case "session.closed":
		return ClosedEvent{Reason: frame.Reason}
	case "error":
		msg := strings.TrimSpace(frame.Error.Message)
		if msg == "" {
			msg = "vendor reported an error"
		}
		return ChannelErrorEvent{Err: core.NewChannelError(msg, nil)}
	default:
		return UnknownEvent{Type: frame.Type, Raw: append(json.RawMessage(nil), data...)}
	}
}

// encodeVendorConfig builds the session configuration frame. Turn
// detection passes through verbatim; unset fields fall back to
// DefaultVendorTurnDetection.
func encodeVendorConfig(agent types.AgentConfig) map[string]any {
	td := agent.TurnDetect
	if td.Mode == "" {
		td = DefaultVendorTurnDetection()
	}

	cfg := map[string]any{
		"type":         "session.configure",
		"agent_id":     agent.ID,
		"instructions": agent.Instructions,
		"voice":        agent.Voice,
		"turn_detection": map[string]any{
			"mode":                string(td.Mode),
			"threshold":           td.Threshold,
			"prefix_padding_ms":   td.PrefixPaddingMs,
			"silence_duration_ms": td.SilenceDurationMs,
			"eagerness":           td.Eagerness,
		},
	}
	if agent.Language != "" {
		cfg["language"] = agent.Language
	}
	if len(agent.Tools) > 0 {
		tools := make([]map[string]any, 0, len(agent.Tools))
		for _, tool := range agent.Tools {
			tools = append(tools, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			})
		}
		cfg["tools"] = tools
		if agent.ToolChoice != "" {
			cfg["tool_choice"] = agent.ToolChoice
		}
	}
	return cfg
}

// Package signal establishes the session-negotiation exchange with the voice
// backend and normalizes the resulting control channel into one event
// surface. Two interchangeable strategies exist: direct peer-connection
// negotiation against the model provider's real-time endpoint, and the
// managed voice vendor whose protocol rides a plain websocket.
package signal

import (
	"context"
	"encoding/json"

	"github.com/aurelio-ai/voicelink/pkg/core/audio"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

// Transport is one signaling strategy. Connect performs the full
// negotiation and returns an open session channel. Implementations check
// ctx between every asynchronous step; when the caller aborts
// mid-negotiation, outstanding network calls finish but their results are
// discarded and everything already acquired is released before returning.
type Transport interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// ConnectOptions carries everything a transport needs to negotiate.
type ConnectOptions struct {
	// Agent is the resolved configuration, including turn detection and
	// tool definitions, sent to the backend during session configuration.
	Agent types.AgentConfig

	// Credential is the short-lived secret for the direct strategy, or the
	// one-shot access token for the vendor strategy.
	Credential string

	// Mic is the microphone stream the transport pumps upstream. The
	// transport does not close it; ownership stays with the caller.
	Mic audio.Capture

	// Sink receives remote playback audio. May be nil when the host has no
	// output device (metering-only embeds).
	Sink AudioSink
}

// AudioSink receives remote audio for playback. Format depends on the
// transport: PCM16LE for the vendor path, G.711 mu-law payloads decoded to
// PCM16LE for the direct path.
type AudioSink interface {
	Write(pcm []byte) error
	Close() error
}

// Conn is an open session channel: delivery-ordered inbound events plus a
// typed send surface.
type Conn interface {
	// Events yields normalized inbound events in delivery order. The
	// channel closes when the remote side hangs up or Close is called.
	Events() <-chan Event

	// Send transmits a client event. For the vendor strategy some events
	// map to vendor API calls rather than raw frames.
	Send(ev ClientEvent) error

	// Close tears the channel down. Idempotent.
	Close() error
}

// Event is a normalized inbound session-channel event.
type Event interface {
	eventType() string
}

// SessionReadyEvent confirms the backend accepted the session configuration.
type SessionReadyEvent struct {
	RemoteID string
}

func (SessionReadyEvent) eventType() string { return "session.ready" }

// TranscriptUtteranceEvent carries one finished utterance (the direct
// strategy delivers each utterance complete in a single event).
type TranscriptUtteranceEvent struct {
	Role types.Role
	Text string
}

func (TranscriptUtteranceEvent) eventType() string { return "transcript.utterance" }

// SnapshotEntry is one item of a vendor transcript snapshot.
type SnapshotEntry struct {
	Role types.Role `json:"role"`
	Text string     `json:"text"`
}

// TranscriptSnapshotEvent redelivers the entire transcript so far (the
// vendor strategy's shape). Trailing items may still be growing.
type TranscriptSnapshotEvent struct {
	Entries []SnapshotEntry
}

func (TranscriptSnapshotEvent) eventType() string { return "transcript.snapshot" }

// ToolCallEvent is emitted when the model's function-call arguments are
// complete and the call is ready to dispatch.
type ToolCallEvent struct {
	Call types.ToolCall
}

func (ToolCallEvent) eventType() string { return "tool.call" }

// TurnPhase marks a turn boundary.
type TurnPhase string

const (
	TurnSpeechStarted   TurnPhase = "speech_started"
	TurnSpeechStopped   TurnPhase = "speech_stopped"
	TurnResponseStarted TurnPhase = "response_started"
	TurnResponseDone    TurnPhase = "response_done"
)

// TurnEvent marks a speech or response boundary.
type TurnEvent struct {
	Phase TurnPhase
}

func (TurnEvent) eventType() string { return "turn" }

// ChannelErrorEvent reports a post-connection transport fault.
type ChannelErrorEvent struct {
	Err error
}

func (ChannelErrorEvent) eventType() string { return "channel.error" }

// ClosedEvent is the last event before the event channel closes.
type ClosedEvent struct {
	Reason string
}

func (ClosedEvent) eventType() string { return "closed" }

// UnknownEvent wraps an unrecognized inbound event type. Ignored by the
// controller, never fatal.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) eventType() string { return e.Type }

// ClientEvent is an outbound event on the session channel.
type ClientEvent interface {
	clientEventType() string
}

// SessionUpdate carries the initial session configuration: instructions,
// voice, input transcription, turn detection and tool definitions.
type SessionUpdate struct {
	Agent types.AgentConfig
}

func (SessionUpdate) clientEventType() string { return "session.update" }

// GreetingRequest asks for a first response constrained to speak the
// configured greeting verbatim, so the opening line is deterministic
// instead of improvised. The exact instruction wording is
// strategy-specific and deliberately not unified.
type GreetingRequest struct {
	Greeting string
}

func (GreetingRequest) clientEventType() string { return "greeting.request" }

// ToolOutput returns exactly one result for a tool call, followed by a
// response-continuation request so the model resumes speaking.
type ToolOutput struct {
	CallID string
	Output json.RawMessage
}

func (ToolOutput) clientEventType() string { return "tool.output" }

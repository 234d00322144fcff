package session

import (
	"time"

	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

// Event is the interface for all controller events.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted on every lifecycle transition.
type StateChangedEvent struct {
	From State `json:"from"`
	To   State `json:"to"`
}

func (e *StateChangedEvent) EventType() string { return "state.changed" }

// SessionStartedEvent is emitted once the channel is open and configured.
type SessionStartedEvent struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	RemoteID  string `json:"remote_id,omitempty"`
}

func (e *SessionStartedEvent) EventType() string { return "session.started" }

// SessionEndedEvent is the last event of a session.
type SessionEndedEvent struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Duration  int    `json:"duration_seconds"`
	Saved     bool   `json:"saved"`
}

func (e *SessionEndedEvent) EventType() string { return "session.ended" }

// TranscriptUpdatedEvent carries the full display list after a change. The
// slice is a copy; consumers may keep it.
type TranscriptUpdatedEvent struct {
	Entries []types.TranscriptEntry `json:"entries"`
}

func (e *TranscriptUpdatedEvent) EventType() string { return "transcript.updated" }

// AudioLevelEvent carries one frequency-band snapshot of the microphone
// stream, values in [0, 1].
type AudioLevelEvent struct {
	Bands []float64 `json:"bands"`
}

func (e *AudioLevelEvent) EventType() string { return "audio.level" }

// TurnEvent mirrors speech and response boundaries from the channel.
type TurnEvent struct {
	Phase string `json:"phase"`
}

func (e *TurnEvent) EventType() string { return "turn" }

// ToolInvokedEvent is emitted when a tool call is dispatched.
type ToolInvokedEvent struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

func (e *ToolInvokedEvent) EventType() string { return "tool.invoked" }

// ToolCompletedEvent is emitted after the result is returned to the model.
type ToolCompletedEvent struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	IsError bool   `json:"is_error"`
	Action  string `json:"action,omitempty"`
}

func (e *ToolCompletedEvent) EventType() string { return "tool.completed" }

// DurationEvent ticks once per second while connected.
type DurationEvent struct {
	Elapsed time.Duration `json:"elapsed"`
}

func (e *DurationEvent) EventType() string { return "duration" }

// ErrorEvent surfaces a session fault. UserMessage is safe to render
// directly; Err carries the full chain for logs.
type ErrorEvent struct {
	Err         error  `json:"-"`
	UserMessage string `json:"user_message"`
	Fatal       bool   `json:"fatal"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// DebugEvent carries categorized internal detail, emitted only when
// Config.Debug is set.
type DebugEvent struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (e *DebugEvent) EventType() string { return "debug" }

// Package types holds the data model shared by the voice session engine:
// agent configuration, tool definitions, transcript entries, and the
// tool-call round-trip payloads.
package types

import (
	"encoding/json"
	"time"
)

// AgentTier selects the signaling strategy used to reach the voice backend.
type AgentTier string

const (
	// TierRealtime connects directly to the model provider's real-time
	// endpoint with an ephemeral credential (peer-connection negotiation).
	TierRealtime AgentTier = "realtime"
	// TierManaged connects through the managed voice vendor, which owns
	// its own signaling.
	TierManaged AgentTier = "managed"
)

// AgentConfig is the configuration of one voice agent as served by the
// platform backend.
type AgentConfig struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Tier         AgentTier     `json:"tier"`
	Voice        string        `json:"voice"`
	Language     string        `json:"language,omitempty"`
	Instructions string        `json:"instructions,omitempty"`
	Greeting     string        `json:"greeting,omitempty"`
	TurnDetect   TurnDetection `json:"turn_detection"`
	Tools        []Tool        `json:"tools,omitempty"`
	ToolChoice   string        `json:"tool_choice,omitempty"`
}

// TurnDetectionMode selects how the backend decides a speaker is done.
type TurnDetectionMode string

const (
	TurnDetectionNormal   TurnDetectionMode = "normal"
	TurnDetectionSemantic TurnDetectionMode = "semantic"
	TurnDetectionDisabled TurnDetectionMode = "disabled"
)

// TurnDetection carries server-side endpointing parameters. Threshold,
// padding and silence only apply when Mode is not "disabled".
type TurnDetection struct {
	Mode              TurnDetectionMode `json:"mode"`
	Threshold         float64           `json:"threshold,omitempty"`
	PrefixPaddingMs   int               `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int               `json:"silence_duration_ms,omitempty"`
	// Eagerness applies to semantic mode only ("low", "auto", "high").
	Eagerness string `json:"eagerness,omitempty"`
}

// Tool describes one function the model may call during a session.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Role attributes a transcript entry to a speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is used for status lines ("Connecting...") that render in
	// the UI but never enter the saved conversation record.
	RoleSystem Role = "system"
)

// TranscriptEntry is one utterance attributed to a speaker. ID is locally
// generated, unique per entry, and never reused.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCall is one function-call request initiated by the model. CallID is
// opaque and provided by the model or vendor.
type ToolCall struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// EndCallAction is the control directive a tool result may carry to ask the
// engine to hang up.
const EndCallAction = "end_call"

// ToolResult is the outcome of one tool-call round trip. Exactly one result
// is produced per CallID.
type ToolResult struct {
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output"`
	// Action holds an optional control directive extracted from the
	// backend response, e.g. EndCallAction.
	Action string `json:"action,omitempty"`
	// IsError marks a structured failure payload sent back so the model
	// can recover conversationally instead of stalling.
	IsError bool `json:"is_error,omitempty"`
}

// Credential is a short-lived secret minted by the platform backend for one
// session negotiation.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credential is past its expiry (with a small
// margin so a nearly-dead credential is not spent on a doomed negotiation).
func (c Credential) Expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(5 * time.Second).Before(c.ExpiresAt)
}

// ToolExecutionRequest asks the platform backend to run one tool call on
// behalf of a session.
type ToolExecutionRequest struct {
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// TranscriptSave is the end-of-session persistence payload. A session with
// no entries is never saved.
type TranscriptSave struct {
	SessionID       string            `json:"session_id"`
	AgentID         string            `json:"agent_id"`
	StartedAt       time.Time         `json:"started_at"`
	DurationSeconds int               `json:"duration_seconds"`
	Entries         []TranscriptEntry `json:"entries"`
}

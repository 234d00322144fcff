package signal

import (
	"encoding/json"
	"fmt"

	"github.com/aurelio-ai/voicelink/pkg/core"
	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

// Wire protocol for the direct strategy's data channel. Event names follow
// the provider's real-time API.

const (
	directGreetingInstruction = "Say exactly this, verbatim, and nothing else: %q"

	directInputTranscriptionModel = "whisper-1"
)

// DefaultDirectTurnDetection is the turn-detection configuration applied
// when the agent leaves it unset on the direct strategy.
func DefaultDirectTurnDetection() types.TurnDetection {
	return types.TurnDetection{
		Mode:              types.TurnDetectionNormal,
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}
}

type directSessionPayload struct {
	Instructions       string         `json:"instructions,omitempty"`
	Voice              string         `json:"voice,omitempty"`
	InputAudioFormat   string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat  string         `json:"output_audio_format,omitempty"`
	InputTranscription map[string]any `json:"input_audio_transcription,omitempty"`
	TurnDetection      map[string]any `json:"turn_detection"`
	Tools              []map[string]any `json:"tools,omitempty"`
	ToolChoice         string         `json:"tool_choice,omitempty"`
}

// encodeDirectSessionUpdate builds the session.update frame carrying the
// agent's configuration verbatim.
func encodeDirectSessionUpdate(agent types.AgentConfig) ([]byte, error) {
	payload := directSessionPayload{
		Instructions:      agent.Instructions,
		Voice:             agent.Voice,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		InputTranscription: map[string]any{
			"model": directInputTranscriptionModel,
		},
		TurnDetection: turnDetectionPayload(agent.TurnDetect),
		ToolChoice:    agent.ToolChoice,
	}
	if agent.Language != "" {
		payload.InputTranscription["language"] = agent.Language
	}
	for _, tool := range agent.Tools {
		payload.Tools = append(payload.Tools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}
	return json.Marshal(map[string]any{
		"type":    "session.update",
		"session": payload,
	})
}

func turnDetectionPayload(td types.TurnDetection) map[string]any {
	switch td.Mode {
	case types.TurnDetectionDisabled:
		return nil
	case types.TurnDetectionSemantic:
		payload := map[string]any{"type": "semantic_vad"}
		if td.Eagerness != "" {
			payload["eagerness"] = td.Eagerness
		}
		return payload
	default:
		if td.Mode == "" {
			td = DefaultDirectTurnDetection()
		}
		return map[string]any{
			"type":                "server_vad",
			"threshold":           td.Threshold,
			"prefix_padding_ms":   td.PrefixPaddingMs,
			"silence_duration_ms": td.SilenceDurationMs,
		}
	}
}

// encodeDirectGreeting builds the response.create frame that pins the
// opening line to the configured greeting.
func encodeDirectGreeting(greeting string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"instructions": fmt.Sprintf(directGreetingInstruction, greeting),
		},
	})
}

// encodeDirectToolOutput builds the function_call_output item frame. The
// caller follows it with encodeDirectContinuation so the model keeps going.
func encodeDirectToolOutput(callID string, output json.RawMessage) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(output),
		},
	})
}

func encodeDirectContinuation() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "response.create"})
}

// classifyDirectEvent maps one inbound data-channel frame to a normalized
// Event. Unrecognized frame types come back as UnknownEvent, never an error:
// the provider adds event types routinely and they must not kill a session.
func classifyDirectEvent(data []byte) Event {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return UnknownEvent{Type: "unparsable", Raw: append(json.RawMessage(nil), data...)}
	}

	switch envelope.Type {
	case "session.created", "session.updated":
		var frame struct {
			Session struct {
				ID string `json:"id"`
			} `json:"session"`
		}
		_ = json.Unmarshal(data, &frame)
		return SessionReadyEvent{RemoteID: frame.Session.ID}

	case "conversation.item.input_audio_transcription.completed":
		var frame struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return UnknownEvent{Type: envelope.Type, Raw: data}
		}
		return TranscriptUtteranceEvent{Role: types.RoleUser, Text: frame.Transcript}

	case "response.audio_transcript.done":
		var frame struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return UnknownEvent{Type: envelope.Type, Raw: data}
		}
		return TranscriptUtteranceEvent{Role: types.RoleAssistant, Text: frame.Transcript}

	case "response.function_call_arguments.done":
		var frame struct {
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return UnknownEvent{Type: envelope.Type, Raw: data}
		}
		return ToolCallEvent{Call: types.ToolCall{
			CallID:    frame.CallID,
			Name:      frame.Name,
			Arguments: json.RawMessage(frame.Arguments),
		}}

	case "input_audio_buffer.speech_started":
		return TurnEvent{Phase: TurnSpeechStarted}
	case "input_audio_buffer.speech_stopped":
		return TurnEvent{Phase: TurnSpeechStopped}
	case "response.created":
		return TurnEvent{Phase: TurnResponseStarted}
	case "response.done":
		return TurnEvent{Phase: TurnResponseDone}

	case "error":
		var frame struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &frame)
		return ChannelErrorEvent{Err: core.NewChannelError("remote error: "+frame.Error.Message, nil)}

	default:
		return UnknownEvent{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)}
	}
}

package signal

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/aurelio-ai/voicelink/pkg/core/types"
)

func TestClassifyDirectEventSessionCreated(t *testing.T) {
	ev := classifyDirectEvent([]byte(`{"type":"session.created","session":{"id":"sess_1"}}`))
	ready, ok := ev.(SessionReadyEvent)
	if !ok {
		t.Fatalf("got %T, want SessionReadyEvent", ev)
	}
	if ready.RemoteID != "sess_1" {
		t.Errorf("remote id = %q, want sess_1", ready.RemoteID)
	}
}

func TestClassifyDirectEventTranscripts(t *testing.T) {
	ev := classifyDirectEvent([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello there"}`))
	utt, ok := ev.(TranscriptUtteranceEvent)
	if !ok {
		t.Fatalf("got %T, want TranscriptUtteranceEvent", ev)
	}
	if utt.Role != types.RoleUser || utt.Text != "hello there" {
		t.Errorf("got %v %q", utt.Role, utt.Text)
	}

	ev = classifyDirectEvent([]byte(`{"type":"response.audio_transcript.done","transcript":"hi!"}`))
	utt, ok = ev.(TranscriptUtteranceEvent)
	if !ok {
		t.Fatalf("got %T, want TranscriptUtteranceEvent", ev)
	}
	if utt.Role != types.RoleAssistant || utt.Text != "hi!" {
		t.Errorf("got %v %q", utt.Role, utt.Text)
	}
}

func TestClassifyDirectEventToolCall(t *testing.T) {
	ev := classifyDirectEvent([]byte(`{"type":"response.function_call_arguments.done","call_id":"call_9","name":"lookup","arguments":"{\"q\":\"x\"}"}`))
	call, ok := ev.(ToolCallEvent)
	if !ok {
		t.Fatalf("got %T, want ToolCallEvent", ev)
	}
	if call.Call.CallID != "call_9" || call.Call.Name != "lookup" {
		t.Errorf("got call %+v", call.Call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Call.Arguments, &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["q"] != "x" {
		t.Errorf("arguments = %v", args)
	}
}

func TestClassifyDirectEventTurnPhases(t *testing.T) {
	cases := map[string]TurnPhase{
		`{"type":"input_audio_buffer.speech_started"}`: TurnSpeechStarted,
		`{"type":"input_audio_buffer.speech_stopped"}`: TurnSpeechStopped,
		`{"type":"response.created"}`:                  TurnResponseStarted,
		`{"type":"response.done"}`:                     TurnResponseDone,
	}
	for raw, want := range cases {
		ev := classifyDirectEvent([]byte(raw))
		turn, ok := ev.(TurnEvent)
		if !ok {
			t.Fatalf("%s: got %T, want TurnEvent", raw, ev)
		}
		if turn.Phase != want {
			t.Errorf("%s: phase = %v, want %v", raw, turn.Phase, want)
		}
	}
}

func TestClassifyDirectEventUnknownNeverFatal(t *testing.T) {
	ev := classifyDirectEvent([]byte(`{"type":"rate_limits.updated","rate_limits":[]}`))
	unknown, ok := ev.(UnknownEvent)
	if !ok {
		t.Fatalf("got %T, want UnknownEvent", ev)
	}
	if unknown.Type != "rate_limits.updated" {
		t.Errorf("type = %q", unknown.Type)
	}

	if _, ok := classifyDirectEvent([]byte(`not json`)).(UnknownEvent); !ok {
		t.Error("unparsable frame must classify as UnknownEvent")
	}
}

func TestSessionUpdateCarriesTurnDetectionVerbatim(t *testing.T) {
	agent := types.AgentConfig{
		Instructions: "be brief",
		Voice:        "alloy",
		TurnDetect: types.TurnDetection{
			Mode:              types.TurnDetectionNormal,
			Threshold:         0.42,
			PrefixPaddingMs:   123,
			SilenceDurationMs: 456,
		},
	}
	frame, err := encodeDirectSessionUpdate(agent)
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Type    string `json:"type"`
		Session struct {
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			TurnDetection     struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				PrefixPaddingMs   int     `json:"prefix_padding_ms"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "session.update" {
		t.Errorf("type = %q", decoded.Type)
	}
	td := decoded.Session.TurnDetection
	if td.Type != "server_vad" || td.Threshold != 0.42 || td.PrefixPaddingMs != 123 || td.SilenceDurationMs != 456 {
		t.Errorf("turn detection not passed verbatim: %+v", td)
	}
	if decoded.Session.InputAudioFormat != "g711_ulaw" || decoded.Session.OutputAudioFormat != "g711_ulaw" {
		t.Errorf("audio formats = %q / %q", decoded.Session.InputAudioFormat, decoded.Session.OutputAudioFormat)
	}
}

func TestSessionUpdateDisabledTurnDetectionIsNull(t *testing.T) {
	frame, err := encodeDirectSessionUpdate(types.AgentConfig{
		TurnDetect: types.TurnDetection{Mode: types.TurnDetectionDisabled},
	})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatal(err)
	}
	sess := decoded["session"].(map[string]any)
	if td, present := sess["turn_detection"]; !present || td != nil {
		t.Errorf("turn_detection = %v, want explicit null", td)
	}
}

func TestSessionUpdateSemanticTurnDetection(t *testing.T) {
	frame, err := encodeDirectSessionUpdate(types.AgentConfig{
		TurnDetect: types.TurnDetection{Mode: types.TurnDetectionSemantic, Eagerness: "high"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(frame), `"semantic_vad"`) || !strings.Contains(string(frame), `"eagerness":"high"`) {
		t.Errorf("semantic payload missing fields: %s", frame)
	}
}

func TestGreetingSpokenVerbatim(t *testing.T) {
	frame, err := encodeDirectGreeting(`Hi, I'm "Ava".`)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Type     string `json:"type"`
		Response struct {
			Instructions string `json:"instructions"`
		} `json:"response"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "response.create" {
		t.Errorf("type = %q", decoded.Type)
	}
	if !strings.Contains(decoded.Response.Instructions, `Hi, I'm \"Ava\".`) {
		t.Errorf("greeting not embedded verbatim: %q", decoded.Response.Instructions)
	}
}

func TestToolOutputFollowedByContinuation(t *testing.T) {
	frames, err := encodeDirectClientEvent(ToolOutput{
		CallID: "call_1",
		Output: json.RawMessage(`{"ok":true}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want output + continuation", len(frames))
	}

	var item struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	if err := json.Unmarshal(frames[0], &item); err != nil {
		t.Fatal(err)
	}
	if item.Type != "conversation.item.create" || item.Item.Type != "function_call_output" || item.Item.CallID != "call_1" {
		t.Errorf("output frame = %s", frames[0])
	}
	if item.Item.Output != `{"ok":true}` {
		t.Errorf("output payload = %q", item.Item.Output)
	}

	var cont struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frames[1], &cont); err != nil {
		t.Fatal(err)
	}
	if cont.Type != "response.create" {
		t.Errorf("continuation frame = %s", frames[1])
	}
}

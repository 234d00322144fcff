package session

import (
	"encoding/json"
	"io"
	"sync"
)

// HostNotifier forwards session signals to an embedding host. The
// controller calls it from its event loop, so implementations must not
// block.
type HostNotifier interface {
	NotifyState(state State)
	NotifyAudioLevel(bands []float64)
}

// NopNotifier discards all notifications. The default.
type NopNotifier struct{}

func (NopNotifier) NotifyState(State)          {}
func (NopNotifier) NotifyAudioLevel([]float64) {}

// LineNotifier writes one JSON object per line, the message shape embed
// hosts listen for.
type LineNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineNotifier wraps w. Writes are serialized; write errors are
// swallowed because a deaf host must never take the session down.
func NewLineNotifier(w io.Writer) *LineNotifier {
	return &LineNotifier{w: w}
}

func (n *LineNotifier) NotifyState(state State) {
	n.write(map[string]any{
		"type":  "voice-agent:state",
		"state": state.String(),
	})
}

func (n *LineNotifier) NotifyAudioLevel(bands []float64) {
	n.write(map[string]any{
		"type":  "voice-agent:audio-level",
		"bands": bands,
	})
}

func (n *LineNotifier) write(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = n.w.Write(append(data, '\n'))
}

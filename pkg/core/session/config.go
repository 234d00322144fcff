// Package session orchestrates one voice conversation end to end: it
// resolves the agent, mints a credential, negotiates a transport, pumps the
// normalized channel, dispatches tool calls, assembles the transcript, and
// tears everything down in order when the call ends.
package session

import (
	"context"
	"time"

	"github.com/aurelio-ai/voicelink/pkg/core/audio"
	"github.com/aurelio-ai/voicelink/pkg/core/signal"
)

// State is the controller's lifecycle position. Transitions are
// idle → connecting → connected → idle; an error excursion always resolves
// back to idle so the controller can be started again.
type State int

const (
	// StateIdle is the rest state, before Start and after teardown.
	StateIdle State = iota
	// StateConnecting covers agent resolution, credential minting and
	// transport negotiation.
	StateConnecting
	// StateConnected means the session channel is open and audio flows.
	StateConnected
	// StateError is a transient excursion; teardown always lands on idle.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config holds everything a Controller needs.
type Config struct {
	// Backend resolves agents, mints credentials, executes tools and
	// persists transcripts.
	Backend Backend

	// Workspace scopes backend calls. The "admin" sentinel lets platform
	// operators drive any workspace's agents.
	Workspace string

	// Direct negotiates the realtime-tier strategy. Defaults to a
	// DirectTransport with production settings.
	Direct signal.Transport

	// Vendor negotiates the managed-tier strategy. Defaults to a
	// VendorTransport with production settings.
	Vendor signal.Transport

	// OpenMic acquires the microphone for one session. Required; failures
	// surface as permission or device errors. The capture is released with
	// the rest of the session bundle.
	OpenMic func(ctx context.Context) (audio.Capture, error)

	// OpenSink acquires the playback device for one session. May be nil
	// for metering-only embeds.
	OpenSink func() (signal.AudioSink, error)

	// Notifier forwards state and audio-level changes to an embedding
	// host. Defaults to NopNotifier.
	Notifier HostNotifier

	// Analyzer configures frequency-band analysis of the microphone
	// stream. Zero value means DefaultAnalyzerConfig.
	Analyzer audio.AnalyzerConfig

	// EndCallGrace is how long the agent keeps speaking after a tool
	// result carries the end-call directive, so the farewell is not cut
	// off. Default 3s.
	EndCallGrace time.Duration

	// DisplayDebounce coalesces bursts of transcript updates before the
	// display list re-renders. System status lines bypass it. Default 16ms.
	DisplayDebounce time.Duration

	// Debug enables categorized debug events.
	Debug bool
}

// DefaultConfig returns a Config with production defaults. Backend and
// OpenMic must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Direct:          &signal.DirectTransport{},
		Vendor:          &signal.VendorTransport{},
		Notifier:        NopNotifier{},
		Analyzer:        audio.DefaultAnalyzerConfig(),
		EndCallGrace:    3 * time.Second,
		DisplayDebounce: 16 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	if c.Direct == nil {
		c.Direct = &signal.DirectTransport{}
	}
	if c.Vendor == nil {
		c.Vendor = &signal.VendorTransport{}
	}
	if c.Notifier == nil {
		c.Notifier = NopNotifier{}
	}
	if c.Analyzer.Bands == 0 {
		c.Analyzer = audio.DefaultAnalyzerConfig()
	}
	if c.EndCallGrace == 0 {
		c.EndCallGrace = 3 * time.Second
	}
	if c.DisplayDebounce == 0 {
		c.DisplayDebounce = 16 * time.Millisecond
	}
}

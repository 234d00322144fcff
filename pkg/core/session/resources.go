package session

import (
	"sync"

	"github.com/aurelio-ai/voicelink/pkg/core/audio"
	"github.com/aurelio-ai/voicelink/pkg/core/signal"
)

// resourceBundle collects everything a live session acquired, so teardown
// has one place to release it all. At most one bundle exists per
// controller.
type resourceBundle struct {
	mu       sync.Mutex
	released bool

	conn     signal.Conn
	mic      audio.Capture
	sink     signal.AudioSink
	analyzer *audio.Analyzer
}

// release tears the bundle down exactly once, in dependency order: session
// channel first so the remote side sees a clean hangup, then capture, then
// playback, then analysis. Nil members are skipped, so a bundle from a
// partially failed connect releases only what was acquired. Safe to call
// any number of times from any goroutine.
func (b *resourceBundle) release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	conn, mic, sink, analyzer := b.conn, b.mic, b.sink, b.analyzer
	b.conn, b.mic, b.sink, b.analyzer = nil, nil, nil, nil
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if mic != nil {
		_ = mic.Close()
	}
	if sink != nil {
		_ = sink.Close()
	}
	if analyzer != nil {
		analyzer.Stop()
	}
}

// empty reports whether nothing remains to release.
func (b *resourceBundle) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn == nil && b.mic == nil && b.sink == nil && b.analyzer == nil
}

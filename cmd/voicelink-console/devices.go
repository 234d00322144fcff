package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/gordonklaus/portaudio"

	"github.com/aurelio-ai/voicelink/pkg/core"
	"github.com/aurelio-ai/voicelink/pkg/core/audio"
)

const (
	micSampleRate  = 24000
	micFrameSize   = 480 // 20ms at 24 kHz
	playSampleRate = 24000
)

var paInitOnce sync.Once

// micCapture reads PCM16LE mono frames from the default input device.
type micCapture struct {
	stream *portaudio.Stream
	buf    []int16

	warnedClip bool

	closeOnce sync.Once
	closeErr  error
}

func openMicrophone(_ context.Context) (*micCapture, error) {
	var initErr error
	paInitOnce.Do(func() { initErr = portaudio.Initialize() })
	if initErr != nil {
		return nil, core.NewDeviceUnavailableError("initialize audio host", initErr)
	}

	m := &micCapture{buf: make([]int16, micFrameSize)}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(micSampleRate), micFrameSize, m.buf)
	if err != nil {
		return nil, classifyMicError(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, classifyMicError(err)
	}
	m.stream = stream
	return m, nil
}

// classifyMicError separates "the OS said no" from "there is no device",
// so the session surfaces the right guidance.
func classifyMicError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed") {
		return core.NewPermissionDeniedError("microphone access denied")
	}
	return core.NewDeviceUnavailableError("open microphone", err)
}

func (m *micCapture) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.stream.Read(); err != nil {
		return nil, core.NewDeviceUnavailableError("read microphone", err)
	}
	out := make([]byte, len(m.buf)*2)
	for i, s := range m.buf {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	if !m.warnedClip && audio.PeakAmplitude(out) >= 0.99 {
		m.warnedClip = true
		slog.Warn("microphone input is clipping, lower the input gain")
	}
	return out, nil
}

func (m *micCapture) Close() error {
	m.closeOnce.Do(func() {
		if m.stream != nil {
			_ = m.stream.Stop()
			m.closeErr = m.stream.Close()
		}
	})
	return m.closeErr
}

// speakerSink plays PCM16LE mono audio through the default output device.
// Writes feed a pipe the player drains, so the transport never blocks on
// the audio card.
type speakerSink struct {
	player *oto.Player
	pw     *io.PipeWriter

	closeOnce sync.Once
}

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func openSpeaker() (*speakerSink, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   playSampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	if otoErr != nil {
		return nil, core.NewDeviceUnavailableError("open playback device", otoErr)
	}

	pr, pw := io.Pipe()
	player := otoCtx.NewPlayer(pr)
	player.Play()
	return &speakerSink{player: player, pw: pw}, nil
}

func (s *speakerSink) Write(pcm []byte) error {
	_, err := s.pw.Write(pcm)
	return err
}

func (s *speakerSink) Close() error {
	s.closeOnce.Do(func() {
		_ = s.pw.Close()
		_ = s.player.Close()
	})
	return nil
}

package signal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/aurelio-ai/voicelink/pkg/core"
	"github.com/aurelio-ai/voicelink/pkg/core/audio"
)

const (
	defaultRealtimeBaseURL = "https://api.openai.com/v1/realtime"
	defaultRealtimeModel   = "gpt-4o-realtime-preview"

	dataChannelLabel = "oai-events"

	// Narrowband G.711 leg: 8 kHz, 20ms frames.
	ulawSampleRate = 8000
	ulawFrameBytes = 160
	ulawFrameTime  = 20 * time.Millisecond

	directOpenTimeout = 15 * time.Second
)

// DirectTransport negotiates a peer connection straight against the model
// provider's real-time endpoint, authenticated with a short-lived
// credential. The control channel is a data channel created during the
// offer/answer exchange.
type DirectTransport struct {
	// BaseURL of the real-time call endpoint. Defaults to the provider's
	// public endpoint.
	BaseURL string

	// Model selects the real-time model. Defaults to defaultRealtimeModel.
	Model string

	// HTTPClient performs the one-shot SDP exchange. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// MicSampleRate is the PCM rate the Capture produces. Default 24000.
	MicSampleRate int

	// SinkSampleRate is the PCM rate the Sink expects; remote narrowband
	// audio is upsampled to it. Default 24000.
	SinkSampleRate int
}

// Connect implements Transport. Every step after resource creation checks
// ctx so a caller abort releases the partially built connection instead of
// leaving it dangling.
func (t *DirectTransport) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	if opts.Credential == "" {
		return nil, core.NewInvalidRequestError("direct transport requires an ephemeral credential")
	}
	if opts.Mic == nil {
		return nil, core.NewInvalidRequestError("direct transport requires a microphone stream")
	}

	pc, track, err := t.newPeerConnection()
	if err != nil {
		return nil, core.NewNegotiationError("create peer connection", err)
	}

	conn := newDirectConn(pc, track, opts, t.sinkSampleRate())

	answer, err := t.negotiate(ctx, pc, opts.Credential)
	if err != nil {
		conn.release()
		return nil, err
	}
	if ctx.Err() != nil {
		conn.release()
		return nil, core.NewNegotiationError("cancelled during negotiation", ctx.Err())
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		conn.release()
		return nil, core.NewNegotiationError("apply remote answer", err)
	}

	// Configuration cannot be sent before the channel opens.
	select {
	case <-conn.opened:
	case <-ctx.Done():
		conn.release()
		return nil, core.NewNegotiationError("cancelled before channel open", ctx.Err())
	case <-time.After(directOpenTimeout):
		conn.release()
		return nil, core.NewNegotiationError("timed out waiting for data channel", nil)
	}

	// Configure the session as part of Connect, matching the vendor
	// strategy, so callers get a ready-to-use channel from both.
	if err := conn.Send(SessionUpdate{Agent: opts.Agent}); err != nil {
		conn.release()
		return nil, core.NewNegotiationError("send session configuration", err)
	}

	conn.startMicPump(t.micSampleRate())
	return conn, nil
}

func (t *DirectTransport) micSampleRate() int {
	if t.MicSampleRate > 0 {
		return t.MicSampleRate
	}
	return 24000
}

func (t *DirectTransport) sinkSampleRate() int {
	if t.SinkSampleRate > 0 {
		return t.SinkSampleRate
	}
	return 24000
}

func (t *DirectTransport) newPeerConnection() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: ulawSampleRate,
			Channels:  1,
		},
		PayloadType: 0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, nil, fmt.Errorf("register PCMU codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: ulawSampleRate, Channels: 1},
		"audio",
		"voicelink-mic",
	)
	if err != nil {
		pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, nil, err
	}

	return pc, track, nil
}

// negotiate creates the local offer, waits for ICE gathering, exchanges the
// offer for an answer over one HTTPS round trip, and returns the answer SDP.
func (t *DirectTransport) negotiate(ctx context.Context, pc *webrtc.PeerConnection, credential string) (string, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", core.NewNegotiationError("create offer", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", core.NewNegotiationError("set local description", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", core.NewNegotiationError("cancelled during ICE gathering", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", core.NewNegotiationError("no local description after gathering", nil)
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	url := t.BaseURL
	if url == "" {
		url = defaultRealtimeBaseURL
	}
	model := t.Model
	if model == "" {
		model = defaultRealtimeModel
	}
	return exchangeSDP(ctx, client, url+"?model="+model, credential, local.SDP)
}

// exchangeSDP posts the local offer and returns the remote answer. Non-2xx
// and malformed answers are negotiation failures, distinct from credential
// fetch and permission errors so the UI can show actionable guidance.
func exchangeSDP(ctx context.Context, client *http.Client, url, credential, offerSDP string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", core.NewNegotiationError("build SDP request", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := client.Do(req)
	if err != nil {
		return "", core.NewNegotiationError("SDP exchange request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", core.NewNegotiationError("read SDP answer", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", core.NewNegotiationError(
			fmt.Sprintf("SDP exchange returned status %d", resp.StatusCode), nil)
	}
	answer := string(body)
	if !strings.HasPrefix(answer, "v=") {
		return "", core.NewNegotiationError("malformed SDP answer", nil)
	}
	return answer, nil
}

type directConn struct {
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	track *webrtc.TrackLocalStaticSample
	mic   audio.Capture
	sink  AudioSink

	sinkRate int

	events chan Event
	opened chan struct{}
	done   chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool

	// emitMu fences event emission against channel close; pion invokes
	// the callbacks from several goroutines.
	emitMu sync.RWMutex

	pumpCancel context.CancelFunc
}

func newDirectConn(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticSample, opts ConnectOptions, sinkRate int) *directConn {
	c := &directConn{
		pc:       pc,
		track:    track,
		mic:      opts.Mic,
		sink:     opts.Sink,
		sinkRate: sinkRate,
		events:   make(chan Event, 64),
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		// Surfaced by the open timeout in Connect.
		return c
	}
	c.dc = dc

	dc.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.emit(classifyDirectEvent(msg.Data))
	})
	dc.OnClose(func() {
		c.emit(ClosedEvent{Reason: "channel closed"})
		c.Close()
	})
	dc.OnError(func(err error) {
		c.emit(ChannelErrorEvent{Err: core.NewChannelError("data channel", err)})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go c.readRemoteAudio(remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.emit(ChannelErrorEvent{Err: core.NewChannelError("peer connection failed", nil)})
		case webrtc.PeerConnectionStateClosed:
			c.emit(ClosedEvent{Reason: "peer connection closed"})
			c.Close()
		}
	})

	return c
}

func (c *directConn) Events() <-chan Event { return c.events }

func (c *directConn) Send(ev ClientEvent) error {
	if c.closed.Load() || c.dc == nil {
		return core.NewChannelError("send on closed channel", nil)
	}
	frames, err := encodeDirectClientEvent(ev)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := c.dc.SendText(string(frame)); err != nil {
			return core.NewChannelError("send frame", err)
		}
	}
	return nil
}

func encodeDirectClientEvent(ev ClientEvent) ([][]byte, error) {
	switch e := ev.(type) {
	case SessionUpdate:
		frame, err := encodeDirectSessionUpdate(e.Agent)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	case GreetingRequest:
		frame, err := encodeDirectGreeting(e.Greeting)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	case ToolOutput:
		output, err := encodeDirectToolOutput(e.CallID, e.Output)
		if err != nil {
			return nil, err
		}
		cont, err := encodeDirectContinuation()
		if err != nil {
			return nil, err
		}
		return [][]byte{output, cont}, nil
	default:
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unsupported client event %T", ev))
	}
}

// Close releases the channel and connection. Idempotent; the mic stays with
// its owner.
func (c *directConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.pumpCancel != nil {
			c.pumpCancel()
		}
		if c.dc != nil {
			_ = c.dc.Close()
		}
		_ = c.pc.Close()
		close(c.done)
		c.emitMu.Lock()
		close(c.events)
		c.emitMu.Unlock()
	})
	return nil
}

// release is the partial-failure path used before Connect returns.
func (c *directConn) release() {
	_ = c.Close()
}

func (c *directConn) emit(ev Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed.Load() {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		// Consumer stalled; drop rather than block the transport callback.
	}
}

// startMicPump forwards microphone PCM to the local track as 20ms mu-law
// frames.
func (c *directConn) startMicPump(micRate int) {
	ctx, cancel := context.WithCancel(context.Background())
	c.pumpCancel = cancel

	go func() {
		var pending []byte
		for {
			frame, err := c.mic.ReadFrame(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				c.emit(ChannelErrorEvent{Err: core.NewChannelError("microphone read", err)})
				return
			}
			pending = append(pending, audio.EncodeULaw(audio.Resample(frame, micRate, ulawSampleRate))...)
			for len(pending) >= ulawFrameBytes {
				chunk := pending[:ulawFrameBytes]
				pending = pending[ulawFrameBytes:]
				if err := c.track.WriteSample(media.Sample{Data: chunk, Duration: ulawFrameTime}); err != nil {
					return
				}
			}
		}
	}()
}

// readRemoteAudio depacketizes the remote track and forwards decoded PCM to
// the sink.
func (c *directConn) readRemoteAudio(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, _, err := remote.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil || len(pkt.Payload) == 0 {
			continue
		}
		if c.sink != nil {
			pcm := audio.DecodeULaw(pkt.Payload)
			_ = c.sink.Write(audio.Resample(pcm, ulawSampleRate, c.sinkRate))
		}
	}
}

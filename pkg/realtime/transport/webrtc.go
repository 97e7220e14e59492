package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/nexushq/rectoc/pkg/core"
	"github.com/nexushq/rectoc/pkg/realtime/protocol"
)

// WebRTCTransport negotiates one audio track plus one ordered reliable data
// channel with the remote endpoint via a single HTTP offer/answer exchange.
type WebRTCTransport struct {
	signaling *SignalingClient
	source    AudioSource

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	cancel context.CancelFunc

	frames chan []byte
	errs   chan error

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewWebRTCTransport builds a transport. The audio source belongs
// exclusively to this transport once Connect succeeds.
func NewWebRTCTransport(signaling *SignalingClient, source AudioSource) *WebRTCTransport {
	return &WebRTCTransport{
		signaling: signaling,
		source:    source,
		frames:    make(chan []byte, 256),
		errs:      make(chan error, 1),
	}
}

// Connect acquires the microphone, performs the offer/answer exchange, and
// waits for the control channel to open. Any failure tears down partial
// state and leaves the transport closed.
func (t *WebRTCTransport) Connect(ctx context.Context, token string) error {
	if t.closed.Load() {
		return core.NewInvalidRequestError("transport is closed")
	}

	connectCtx, cancelTimeout := ConnectTimeout(ctx, DefaultConnectTimeout)
	defer cancelTimeout()

	samples, err := t.source.Start(connectCtx)
	if err != nil {
		return err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.teardown()
		return core.NewSignalingError("create peer connection", err)
	}

	pumpCtx, cancelPump := context.WithCancel(context.Background())

	t.mu.Lock()
	t.pc = pc
	t.cancel = cancelPump
	t.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, Channels: 1},
		"audio", "microphone",
	)
	if err != nil {
		t.teardown()
		return core.NewSignalingError("create audio track", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		t.teardown()
		return core.NewSignalingError("add audio track", err)
	}

	dc, err := pc.CreateDataChannel(protocol.ControlChannelLabel, nil)
	if err != nil {
		t.teardown()
		return core.NewSignalingError("create control channel", err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emitFrame(msg.Data)
	})

	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			t.fail(core.NewTransportError(fmt.Sprintf("peer connection %s", state), nil))
		case webrtc.PeerConnectionStateClosed:
			t.Close()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.teardown()
		return core.NewSignalingError("create offer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.teardown()
		return core.NewSignalingError("set local description", err)
	}
	select {
	case <-gathered:
	case <-connectCtx.Done():
		t.teardown()
		return core.NewSignalingError("negotiation timed out gathering candidates", connectCtx.Err())
	}

	answer, err := t.signaling.Exchange(connectCtx, token, pc.LocalDescription().SDP)
	if err != nil {
		t.teardown()
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		t.teardown()
		return core.NewSignalingError("apply answer", err)
	}

	select {
	case <-opened:
	case <-connectCtx.Done():
		t.teardown()
		return core.NewSignalingError("negotiation timed out waiting for control channel", connectCtx.Err())
	}

	go t.pumpAudio(pumpCtx, track, samples)
	return nil
}

func (t *WebRTCTransport) pumpAudio(ctx context.Context, track *webrtc.TrackLocalStaticSample, samples <-chan []byte) {
	duration := t.source.FrameDuration()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-samples:
			if !ok {
				return
			}
			if err := track.WriteSample(media.Sample{Data: frame, Duration: duration}); err != nil {
				t.fail(core.NewTransportError("write audio sample", err))
				return
			}
		}
	}
}

// Send writes one control-channel frame. Sends on a closed or never-opened
// channel return a channel-closed error for the caller to report.
func (t *WebRTCTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if t.closed.Load() || dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return core.NewChannelClosedError("control channel is not open")
	}
	return dc.Send(data)
}

// Frames yields inbound control-channel frames.
func (t *WebRTCTransport) Frames() <-chan []byte {
	return t.frames
}

// Errs yields the terminal asynchronous transport failure, if any.
func (t *WebRTCTransport) Errs() <-chan error {
	return t.errs
}

// Close stops the microphone, closes the control channel, and closes the
// peer connection. Safe to call multiple times and from any state.
func (t *WebRTCTransport) Close() error {
	t.teardown()
	return nil
}

func (t *WebRTCTransport) emitFrame(data []byte) {
	frame := append([]byte(nil), data...)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.frames <- frame:
	default:
		// Drop rather than block the data-channel callback.
	}
}

func (t *WebRTCTransport) fail(err error) {
	select {
	case t.errs <- err:
	default:
	}
	t.teardown()
}

func (t *WebRTCTransport) teardown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed.Store(true)
		cancel := t.cancel
		dc := t.dc
		pc := t.pc
		t.cancel = nil
		t.dc = nil
		t.pc = nil
		close(t.frames)
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		_ = t.source.Close()
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
	})
}

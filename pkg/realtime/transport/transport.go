// Package transport establishes the media and control-channel path to the
// remote realtime endpoint. Two implementations share one contract: a WebRTC
// peer connection negotiated over HTTP SDP signaling, and a WebSocket
// fallback for environments without UDP connectivity.
package transport

import (
	"context"
	"time"
)

const (
	// DefaultConnectTimeout bounds the whole negotiation: offer creation,
	// the signaling round trip, and control-channel open.
	DefaultConnectTimeout = 10 * time.Second
)

// Transport is one bidirectional path to the remote endpoint: an audio
// stream plus an ordered, reliable control channel.
//
// Connect returns once the control channel is open, so the first Send after
// a successful Connect is guaranteed to be the first frame the remote
// endpoint sees. Close is idempotent and safe from any state, including
// never-connected.
type Transport interface {
	Connect(ctx context.Context, token string) error
	Send(data []byte) error
	// Frames yields inbound control-channel frames. The channel closes when
	// the transport tears down.
	Frames() <-chan []byte
	// Errs yields asynchronous transport failures (connectivity loss after a
	// successful Connect). Buffered; at most one terminal error is reported.
	Errs() <-chan error
	Close() error
}

// AudioSource yields captured microphone audio as fixed-duration frames
// ready for the negotiated outbound track. Exactly one session owns a
// source at a time.
type AudioSource interface {
	// Start begins capture. It fails with a media-acquisition error when no
	// device exists or the OS denies access.
	Start(ctx context.Context) (<-chan []byte, error)
	// FrameDuration reports the duration covered by each yielded frame.
	FrameDuration() time.Duration
	Close() error
}

package transport

import (
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/nexushq/rectoc/pkg/core"
)

// Speaker plays synthesized PCM16 audio through the default output device.
// Write appends audio; playback starts on the first write.
type Speaker struct {
	otoCtx *oto.Context
	player *oto.Player

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	playing bool
	closed  bool
}

// NewSpeaker initializes the output device at the session sample rate.
func NewSpeaker() (*Speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   micSampleRateHz,
		ChannelCount: micChannels,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms buffer keeps latency low without starving the device.
		BufferSize: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, core.NewMediaAcquisitionError("initialize audio output", err)
	}
	<-ready

	s := &Speaker{otoCtx: otoCtx, buf: make([]byte, 0, micSampleRateHz*4)}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Write queues PCM for playback.
func (s *Speaker) Write(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
}

// Flush drops queued audio. Used when the remote interrupts its own turn.
func (s *Speaker) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = s.buf[:0]
}

// Read feeds the underlying player. Blocks until audio or close.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		// Silence lets the device drain instead of popping.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Close stops playback. Idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.mu.Unlock()

	if player != nil {
		player.Close()
	}
	return nil
}

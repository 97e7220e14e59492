package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/nexushq/rectoc/pkg/core"
)

const (
	micSampleRateHz = 24000
	micChannels     = 1
	micFrameMS      = 20
)

// Microphone captures device audio as s16le PCM frames via malgo. Start
// fails with a media-acquisition error when no capture device exists or the
// OS denies access; the caller surfaces that to the user without retrying.
type Microphone struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	frames chan []byte
	closed bool
}

// NewMicrophone builds an unstarted capture source.
func NewMicrophone() *Microphone {
	return &Microphone{
		frames: make(chan []byte, 64),
	}
}

// Start opens the default capture device and begins yielding 20ms PCM
// frames. The device belongs to this source until Close.
func (m *Microphone) Start(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, core.NewInvalidRequestError("microphone is closed")
	}
	if m.device != nil {
		return nil, core.NewInvalidRequestError("microphone is already started")
	}

	contextConfig := malgo.ContextConfig{}
	contextConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	malgoCtx, err := malgo.InitContext(nil, contextConfig, nil)
	if err != nil {
		return nil, core.NewMediaAcquisitionError("initialize audio context", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = micChannels
	deviceConfig.SampleRate = micSampleRateHz
	deviceConfig.PeriodSizeInMilliseconds = micFrameMS

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.emit(input)
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return nil, core.NewMediaAcquisitionError("open capture device", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = malgoCtx.Uninit()
		return nil, core.NewMediaAcquisitionError("start capture device", err)
	}

	m.ctx = malgoCtx
	m.device = device
	return m.frames, nil
}

func (m *Microphone) emit(input []byte) {
	frame := append([]byte(nil), input...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.frames <- frame:
	default:
		// Capture callback must never block; drop the frame instead.
	}
}

// FrameDuration reports the capture period per frame.
func (m *Microphone) FrameDuration() time.Duration {
	return micFrameMS * time.Millisecond
}

// Close stops capture and releases the device. Idempotent.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.frames)

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx = nil
	}
	return nil
}

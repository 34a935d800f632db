package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-dictation/internal/events"
	"github.com/lexiqai/voice-dictation/internal/observability"
)

// ErrDeviceUnavailable is returned when the microphone cannot be opened.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// EffectStatus is the outcome of enabling a platform audio effect.
type EffectStatus int

const (
	EffectUnavailable EffectStatus = iota
	EffectEnabled
	EffectFailed
)

func (s EffectStatus) String() string {
	switch s {
	case EffectEnabled:
		return "enabled"
	case EffectFailed:
		return "failed"
	default:
		return "unavailable"
	}
}

// Effects reports which platform capture effects are active.
type Effects struct {
	NoiseSuppression EffectStatus
	AutoGain         EffectStatus
}

// Device is an open microphone delivering PCM16 little-endian mono audio at
// the requested sample rate.
type Device interface {
	// Read blocks until some audio is available.
	Read(p []byte) (int, error)
	// EnableEffects turns on noise suppression and automatic gain where the
	// platform offers them. It never fails the capture.
	EnableEffects() Effects
	Close() error
}

// DeviceConfig describes how to open a Device.
type DeviceConfig struct {
	Name       string // empty selects the default input
	SampleRate int
	Channels   int
	BurstBytes int // preferred read size
}

// Opener opens capture devices.
type Opener interface {
	Open(cfg DeviceConfig) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(cfg DeviceConfig) (Device, error)

// Open calls f.
func (f OpenerFunc) Open(cfg DeviceConfig) (Device, error) {
	return f(cfg)
}

// Frame is one fixed-size chunk of captured, gain-adjusted audio. Data is
// shared between subscribers and must not be modified.
type Frame struct {
	Data   []byte
	Seq    uint64
	Offset time.Duration // position since capture start
}

// Level is the post-gain signal level of one frame.
type Level struct {
	RMS      float64 `json:"rms"`
	Gain     float64 `json:"gain"`
	Speaking bool    `json:"speaking"`
}

// EngineConfig holds capture engine settings
type EngineConfig struct {
	DeviceName  string
	FrameBytes  int
	BurstBytes  int
	Gain        GainConfig
	VAD         *VADConfig
	FrameBuffer int           // frames buffered per subscriber
	StopTimeout time.Duration // bound on waiting for the read loop
}

// DefaultEngineConfig returns the settings used for realtime transcription.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FrameBytes:  DefaultFrameBytes,
		BurstBytes:  8192,
		VAD:         DefaultVADConfig(),
		FrameBuffer: 32,
		StopTimeout: 2 * time.Second,
	}
}

// captureRun is the state of one Start..Stop cycle.
type captureRun struct {
	cancel    context.CancelFunc
	device    Device
	done      chan struct{}
	stopping  atomic.Bool
	closeOnce sync.Once
}

func (r *captureRun) closeDevice() error {
	var err error
	r.closeOnce.Do(func() { err = r.device.Close() })
	return err
}

// Engine reads the microphone, slices the stream into fixed frames, applies
// gain and publishes frames, levels and errors.
type Engine struct {
	opener Opener
	cfg    EngineConfig
	logger zerolog.Logger

	frames *events.Broadcaster[Frame]
	levels *events.Broadcaster[Level]
	errs   *events.Broadcaster[error]

	mu  sync.Mutex
	run *captureRun
}

// NewEngine creates a capture engine using opener for device access.
func NewEngine(opener Opener, cfg EngineConfig, logger zerolog.Logger) *Engine {
	def := DefaultEngineConfig()
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = def.FrameBytes
	}
	if cfg.BurstBytes <= 0 {
		cfg.BurstBytes = def.BurstBytes
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = def.FrameBuffer
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.VAD == nil {
		cfg.VAD = def.VAD
	}

	return &Engine{
		opener: opener,
		cfg:    cfg,
		logger: logger.With().Str("component", "capture").Logger(),
		frames: events.NewBroadcaster[Frame](cfg.FrameBuffer),
		levels: events.NewBroadcaster[Level](64),
		errs:   events.NewBroadcaster[error](8),
	}
}

// Frames subscribes to captured frames.
func (e *Engine) Frames() (<-chan Frame, func()) {
	return e.frames.Subscribe()
}

// Levels subscribes to per-frame audio levels.
func (e *Engine) Levels() (<-chan Level, func()) {
	return e.levels.Subscribe()
}

// Errors subscribes to capture errors.
func (e *Engine) Errors() (<-chan error, func()) {
	return e.errs.Subscribe()
}

// Running reports whether the read loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run != nil
}

// Start opens the device and begins producing frames. It is a no-op when
// capture is already running. If the device cannot be opened an error event
// is published and the error returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run != nil {
		return nil
	}

	dev, err := e.opener.Open(DeviceConfig{
		Name:       e.cfg.DeviceName,
		SampleRate: SampleRate,
		Channels:   Channels,
		BurstBytes: e.cfg.BurstBytes,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		observability.RecordCaptureError("open")
		e.logger.Error().Err(err).Msg("Failed to open capture device")
		e.errs.Publish(err)
		return err
	}

	effects := dev.EnableEffects()
	e.logger.Info().
		Str("noise_suppression", effects.NoiseSuppression.String()).
		Str("auto_gain", effects.AutoGain.String()).
		Str("gain_mode", e.cfg.Gain.Mode.String()).
		Int("frame_bytes", e.cfg.FrameBytes).
		Msg("Capture started")

	runCtx, cancel := context.WithCancel(ctx)
	run := &captureRun{
		cancel: cancel,
		device: dev,
		done:   make(chan struct{}),
	}
	e.run = run

	observability.SetCaptureActive(true)
	go e.readLoop(runCtx, run, NewGainController(e.cfg.Gain), NewVADDetector(e.cfg.VAD))
	return nil
}

// Stop halts capture and releases the device. Calling Stop when capture is
// not running is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	run := e.run
	e.run = nil
	e.mu.Unlock()

	if run == nil {
		return nil
	}

	run.stopping.Store(true)
	run.cancel()

	var closeErr error
	select {
	case <-run.done:
	case <-time.After(e.cfg.StopTimeout):
		// Closing the device unblocks a read stuck in the driver.
		e.logger.Warn().Dur("timeout", e.cfg.StopTimeout).Msg("Capture loop did not exit, forcing device close")
		closeErr = run.closeDevice()
		select {
		case <-run.done:
		case <-time.After(e.cfg.StopTimeout):
			e.logger.Error().Msg("Capture loop still running after device close")
		}
	}

	if err := run.closeDevice(); err != nil && closeErr == nil {
		closeErr = err
	}
	e.logger.Info().Msg("Capture stopped")
	return closeErr
}

// Close stops capture and ends every subscriber stream.
func (e *Engine) Close() error {
	err := e.Stop()
	e.frames.Close()
	e.levels.Close()
	e.errs.Close()
	return err
}

// readLoop owns the gain and VAD state for one run.
func (e *Engine) readLoop(ctx context.Context, run *captureRun, gain *GainController, vad *VADDetector) {
	defer close(run.done)
	defer observability.SetCaptureActive(false)
	defer func() {
		if r := recover(); r != nil {
			e.fail(run, fmt.Errorf("capture loop panic: %v", r), "panic")
		}
	}()

	framer := NewFramer(e.cfg.FrameBytes)
	frameDur := time.Duration(e.cfg.FrameBytes/BytesPerSample) * time.Second / SampleRate
	buf := make([]byte, e.cfg.BurstBytes)
	var seq uint64

	for {
		if ctx.Err() != nil {
			run.closeDevice()
			return
		}

		n, err := run.device.Read(buf)
		if n > 0 {
			for _, data := range framer.Push(buf[:n]) {
				g := gain.Process(data)
				rms := RMS(data)
				speaking, started, ended := vad.ProcessLevel(rms)
				if started {
					e.logger.Debug().Uint64("seq", seq).Float64("rms", rms).Msg("Speech started")
				} else if ended {
					e.logger.Debug().Uint64("seq", seq).Msg("Speech ended")
				}

				if dropped := e.frames.Publish(Frame{Data: data, Seq: seq, Offset: time.Duration(seq) * frameDur}); dropped > 0 {
					observability.RecordFrameDropped("subscriber_full")
				}
				e.levels.Publish(Level{RMS: rms, Gain: g, Speaking: speaking})
				observability.RecordFrameCaptured(len(data), rms)
				seq++
			}
		}

		if err != nil {
			if ctx.Err() != nil || run.stopping.Load() {
				run.closeDevice()
				return
			}
			e.fail(run, fmt.Errorf("capture read: %w", err), "read")
			return
		}
	}
}

// fail reports a terminal loop error once and releases the run.
func (e *Engine) fail(run *captureRun, err error, kind string) {
	if run.stopping.Load() {
		return
	}
	observability.RecordCaptureError(kind)
	e.logger.Error().Err(err).Msg("Capture loop aborted")
	e.errs.Publish(err)

	e.mu.Lock()
	if e.run == run {
		e.run = nil
	}
	e.mu.Unlock()
	run.cancel()
	run.closeDevice()
}

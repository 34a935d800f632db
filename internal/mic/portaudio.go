// Package mic opens system microphones through PortAudio.
package mic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-dictation/internal/audio"
)

// Opener opens microphones through PortAudio.
type Opener struct {
	Logger zerolog.Logger
}

// NewOpener creates an opener that logs through logger.
func NewOpener(logger zerolog.Logger) *Opener {
	return &Opener{Logger: logger.With().Str("component", "portaudio").Logger()}
}

// Open initializes PortAudio and starts an input stream. When the device
// rejects the requested rate the stream is opened at the device default and
// resampled.
func (o *Opener) Open(cfg audio.DeviceConfig) (audio.Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	info, err := findInputDevice(cfg.Name)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	framesPerBuffer := cfg.BurstBytes / audio.BytesPerSample
	if framesPerBuffer <= 0 {
		framesPerBuffer = 4096
	}
	buf := make([]int16, framesPerBuffer*cfg.Channels)

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = framesPerBuffer

	streamRate := cfg.SampleRate
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		o.Logger.Warn().Err(err).
			Int("requested_rate", cfg.SampleRate).
			Float64("device_rate", info.DefaultSampleRate).
			Msg("Requested sample rate rejected, falling back to device default")

		streamRate = int(info.DefaultSampleRate)
		params.SampleRate = info.DefaultSampleRate
		stream, err = portaudio.OpenStream(params, buf)
		if err != nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("open input stream on %q: %w", info.Name, err)
		}
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	o.Logger.Info().
		Str("device", info.Name).
		Int("stream_rate", streamRate).
		Int("frames_per_buffer", framesPerBuffer).
		Msg("Input stream opened")

	return &portAudioDevice{
		stream:    stream,
		buf:       buf,
		resampler: audio.NewResampler(streamRate, cfg.SampleRate),
	}, nil
}

func findInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("no default input device: %w", err)
		}
		return info, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", name)
}

// portAudioDevice adapts a blocking PortAudio stream to io.Reader semantics.
type portAudioDevice struct {
	stream    *portaudio.Stream
	buf       []int16
	resampler *audio.Resampler
	pending   []byte

	closeOnce sync.Once
	closeErr  error
}

func (d *portAudioDevice) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if err := d.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return 0, err
		}
		d.pending = audio.SamplesToBytes(d.resampler.Process(d.buf))
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// EnableEffects reports both effects unavailable: PortAudio exposes no
// portable noise suppression or AGC controls.
func (d *portAudioDevice) EnableEffects() audio.Effects {
	return audio.Effects{NoiseSuppression: audio.EffectUnavailable, AutoGain: audio.EffectUnavailable}
}

func (d *portAudioDevice) Close() error {
	d.closeOnce.Do(func() {
		stopErr := d.stream.Stop()
		closeErr := d.stream.Close()
		termErr := portaudio.Terminate()
		d.closeErr = errors.Join(stopErr, closeErr, termErr)
	})
	return d.closeErr
}

// ListInputs returns the names of devices that can record.
func ListInputs() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

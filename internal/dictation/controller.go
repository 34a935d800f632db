// Package dictation ties microphone capture to a transcription session: one
// take runs from Start to Stop, and its final transcript is awaited with a
// bound.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-dictation/internal/audio"
	"github.com/lexiqai/voice-dictation/internal/stt"
)

var (
	// ErrNoTranscript means no usable final transcript arrived in time.
	ErrNoTranscript = errors.New("no transcription received")
	// ErrNoTake is returned by AwaitFinal before any take was started.
	ErrNoTake = errors.New("no dictation take started")
)

// Capture produces microphone frames.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
	Frames() (<-chan audio.Frame, func())
}

// Transcriber records audio into a transcription session.
type Transcriber interface {
	StartRecording() error
	StopRecording() error
	AppendAudio(frame []byte)
	NextFinal() (<-chan stt.Transcript, func())
}

type take struct {
	unsubFrames func()
	pumpDone    chan struct{}
	finals      <-chan stt.Transcript
	unsubFinals func()
	frames      int
}

// Controller runs dictation takes. It is safe for concurrent use.
type Controller struct {
	capture      Capture
	transcriber  Transcriber
	finalTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	active bool
	cur    *take
}

// New creates a controller. finalTimeout bounds AwaitFinal.
func New(capture Capture, transcriber Transcriber, finalTimeout time.Duration, logger zerolog.Logger) *Controller {
	return &Controller{
		capture:      capture,
		transcriber:  transcriber,
		finalTimeout: finalTimeout,
		logger:       logger,
	}
}

// Active reports whether a take is recording.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start begins a take: recording is requested first, then capture starts and
// its frames are pumped into the transcriber. Start during a take is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return nil
	}
	if c.cur != nil {
		c.cur.unsubFinals()
		c.cur = nil
	}

	finals, unsubFinals := c.transcriber.NextFinal()
	frames, unsubFrames := c.capture.Frames()

	if err := c.transcriber.StartRecording(); err != nil {
		unsubFrames()
		unsubFinals()
		return fmt.Errorf("start recording: %w", err)
	}
	if err := c.capture.Start(ctx); err != nil {
		unsubFrames()
		unsubFinals()
		if stopErr := c.transcriber.StopRecording(); stopErr != nil {
			c.logger.Warn().Err(stopErr).Msg("Failed to undo recording after capture error")
		}
		return fmt.Errorf("start capture: %w", err)
	}

	t := &take{
		unsubFrames: unsubFrames,
		pumpDone:    make(chan struct{}),
		finals:      finals,
		unsubFinals: unsubFinals,
	}
	go c.pump(t, frames)

	c.cur = t
	c.active = true
	c.logger.Info().Msg("Dictation started")
	return nil
}

func (c *Controller) pump(t *take, frames <-chan audio.Frame) {
	defer close(t.pumpDone)
	for f := range frames {
		c.transcriber.AppendAudio(f.Data)
		t.frames++
	}
}

// Stop ends the take. Capture stops first and every captured frame reaches
// the transcriber before recording stops, so the commit covers the whole take.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return nil
	}
	c.active = false
	t := c.cur

	captureErr := c.capture.Stop()
	t.unsubFrames()
	<-t.pumpDone

	if err := c.transcriber.StopRecording(); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	if captureErr != nil {
		c.logger.Warn().Err(captureErr).Msg("Capture did not stop cleanly")
	}
	c.logger.Info().Int("frames", t.frames).Msg("Dictation stopped")
	return nil
}

// AwaitFinal waits for the final transcript of the latest take. A missing or
// empty transcript after the configured timeout yields ErrNoTranscript.
func (c *Controller) AwaitFinal(ctx context.Context) (stt.Transcript, error) {
	c.mu.Lock()
	t := c.cur
	c.mu.Unlock()
	if t == nil {
		return stt.Transcript{}, ErrNoTake
	}

	timer := time.NewTimer(c.finalTimeout)
	defer timer.Stop()

	select {
	case tr, ok := <-t.finals:
		if !ok || strings.TrimSpace(tr.Text) == "" {
			return tr, ErrNoTranscript
		}
		return tr, nil
	case <-timer.C:
		c.logger.Warn().Dur("timeout", c.finalTimeout).Msg("No final transcript in time")
		return stt.Transcript{}, ErrNoTranscript
	case <-ctx.Done():
		return stt.Transcript{}, ctx.Err()
	}
}

// Close stops any running take and releases subscriptions.
func (c *Controller) Close() error {
	err := c.Stop()
	c.mu.Lock()
	if c.cur != nil {
		c.cur.unsubFinals()
		c.cur = nil
	}
	c.mu.Unlock()
	return err
}

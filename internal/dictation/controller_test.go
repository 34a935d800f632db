package dictation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-dictation/internal/audio"
	"github.com/lexiqai/voice-dictation/internal/events"
	"github.com/lexiqai/voice-dictation/internal/stt"
)

type fakeCapture struct {
	frames   *events.Broadcaster[audio.Frame]
	startErr error

	mu      sync.Mutex
	running bool
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{frames: events.NewBroadcaster[audio.Frame](32)}
}

func (f *fakeCapture) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) Frames() (<-chan audio.Frame, func()) {
	return f.frames.Subscribe()
}

type fakeTranscriber struct {
	finals *events.Latest[stt.Transcript]

	mu    sync.Mutex
	calls []string
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{finals: events.NewLatest[stt.Transcript]()}
}

func (f *fakeTranscriber) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTranscriber) StartRecording() error { f.record("start"); return nil }
func (f *fakeTranscriber) StopRecording() error  { f.record("stop"); return nil }
func (f *fakeTranscriber) AppendAudio(frame []byte) {
	f.record("append")
}

func (f *fakeTranscriber) NextFinal() (<-chan stt.Transcript, func()) {
	return f.finals.SubscribeNext()
}

func (f *fakeTranscriber) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestController(c Capture, tr Transcriber) *Controller {
	return New(c, tr, 100*time.Millisecond, zerolog.Nop())
}

func TestController_StartPumpStop(t *testing.T) {
	capture := newFakeCapture()
	tr := newFakeTranscriber()
	ctrl := newTestController(capture, tr)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !ctrl.Active() {
		t.Error("Expected controller to be active")
	}

	for i := 0; i < 3; i++ {
		capture.frames.Publish(audio.Frame{Data: make([]byte, audio.DefaultFrameBytes), Seq: uint64(i)})
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if ctrl.Active() {
		t.Error("Expected controller to be inactive")
	}

	want := []string{"start", "append", "append", "append", "stop"}
	got := tr.history()
	if len(got) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if capture.frames.Subscribers() != 0 {
		t.Errorf("Expected frame subscription released, got %d", capture.frames.Subscribers())
	}
}

func TestController_IdempotentStartStop(t *testing.T) {
	tr := newFakeTranscriber()
	ctrl := newTestController(newFakeCapture(), tr)

	if err := ctrl.Stop(); err != nil {
		t.Errorf("Expected Stop before Start to succeed, got %v", err)
	}
	ctrl.Start(context.Background())
	ctrl.Start(context.Background())
	ctrl.Stop()
	ctrl.Stop()

	got := tr.history()
	if len(got) != 2 || got[0] != "start" || got[1] != "stop" {
		t.Errorf("Expected one start and one stop, got %v", got)
	}
}

func TestController_CaptureFailureUndoesRecording(t *testing.T) {
	capture := newFakeCapture()
	capture.startErr = audio.ErrDeviceUnavailable
	tr := newFakeTranscriber()
	ctrl := newTestController(capture, tr)

	err := ctrl.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if ctrl.Active() {
		t.Error("Expected controller to stay inactive")
	}

	got := tr.history()
	if len(got) != 2 || got[1] != "stop" {
		t.Errorf("Expected recording to be undone, got %v", got)
	}
}

func TestController_AwaitFinal(t *testing.T) {
	tr := newFakeTranscriber()
	tr.finals.Publish(stt.Transcript{Kind: stt.Final, Text: "old"})
	ctrl := newTestController(newFakeCapture(), tr)

	ctrl.Start(context.Background())
	ctrl.Stop()
	tr.finals.Publish(stt.Transcript{Kind: stt.Final, Text: "hello"})

	got, err := ctrl.AwaitFinal(context.Background())
	if err != nil {
		t.Fatalf("AwaitFinal failed: %v", err)
	}
	if got.Text != "hello" {
		t.Errorf("Expected hello, got %q", got.Text)
	}
}

func TestController_AwaitFinalOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		publish *stt.Transcript
		ctx     func() context.Context
		wantErr error
	}{
		{
			name:    "timeout",
			ctx:     context.Background,
			wantErr: ErrNoTranscript,
		},
		{
			name:    "empty text",
			publish: &stt.Transcript{Kind: stt.Final, Text: "  "},
			ctx:     context.Background,
			wantErr: ErrNoTranscript,
		},
		{
			name: "cancelled",
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTranscriber()
			ctrl := newTestController(newFakeCapture(), tr)
			ctrl.Start(context.Background())
			ctrl.Stop()
			if tt.publish != nil {
				tr.finals.Publish(*tt.publish)
			}

			start := time.Now()
			_, err := ctrl.AwaitFinal(tt.ctx())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if time.Since(start) > 2*time.Second {
				t.Error("Expected AwaitFinal to be bounded")
			}
		})
	}
}

func TestController_AwaitFinalWithoutTake(t *testing.T) {
	ctrl := newTestController(newFakeCapture(), newFakeTranscriber())

	if _, err := ctrl.AwaitFinal(context.Background()); !errors.Is(err, ErrNoTake) {
		t.Errorf("Expected ErrNoTake, got %v", err)
	}
}

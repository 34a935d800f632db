package audio

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestFrameBytes(t *testing.T) {
	if got := FrameBytes(24000, 40*time.Millisecond); got != 1920 {
		t.Errorf("Expected 1920 bytes per 40ms frame, got %d", got)
	}
	if DefaultFrameBytes != 1920 {
		t.Errorf("Expected DefaultFrameBytes 1920, got %d", DefaultFrameBytes)
	}
}

func TestFramer_ConservesBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		f := NewFramer(1920)
		var input, output bytes.Buffer

		for i := 0; i < 50; i++ {
			burst := make([]byte, rng.Intn(5000))
			rng.Read(burst)
			input.Write(burst)

			for _, frame := range f.Push(burst) {
				if len(frame) != 1920 {
					t.Fatalf("Trial %d: expected frame of 1920 bytes, got %d", trial, len(frame))
				}
				output.Write(frame)
			}
		}

		if output.Len()+f.Carry() != input.Len() {
			t.Fatalf("Trial %d: emitted %d + carry %d != input %d", trial, output.Len(), f.Carry(), input.Len())
		}
		if !bytes.Equal(output.Bytes(), input.Bytes()[:output.Len()]) {
			t.Fatalf("Trial %d: emitted frames are not a prefix of the input", trial)
		}
		if f.Carry() >= 1920 {
			t.Fatalf("Trial %d: carry %d holds a whole frame", trial, f.Carry())
		}
	}
}

func TestFramer_SmallBurstsAccumulate(t *testing.T) {
	f := NewFramer(1920)

	if frames := f.Push(make([]byte, 1000)); len(frames) != 0 {
		t.Errorf("Expected no frame from 1000 bytes, got %d", len(frames))
	}
	frames := f.Push(make([]byte, 1000))
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame after 2000 bytes, got %d", len(frames))
	}
	if f.Carry() != 80 {
		t.Errorf("Expected carry of 80 bytes, got %d", f.Carry())
	}

	f.Reset()
	if f.Carry() != 0 {
		t.Errorf("Expected empty carry after reset, got %d", f.Carry())
	}
}

func TestFramer_FramesDoNotAliasInput(t *testing.T) {
	f := NewFramer(4)
	burst := []byte{1, 2, 3, 4}
	frames := f.Push(burst)
	burst[0] = 99

	if frames[0][0] != 1 {
		t.Errorf("Expected frame to be independent of input buffer, got %d", frames[0][0])
	}
}

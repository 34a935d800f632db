package audio

import (
	"testing"
)

// constantFrame returns a PCM16 frame of n samples all equal to v.
func constantFrame(n int, v int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = v
	}
	return SamplesToBytes(samples)
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(&VADConfig{SpeechThreshold: 0.02, SilenceFrames: 10})

	frame := constantFrame(960, 5000)

	for i := 0; i < 5; i++ {
		isSpeaking, speechStarted, _ := vad.ProcessFrame(frame)
		if !isSpeaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !speechStarted {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && speechStarted {
			t.Errorf("Expected speechStarted only once, got it on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{SpeechThreshold: 0.02, SilenceFrames: 10})

	frame := constantFrame(960, 10)

	for i := 0; i < 15; i++ {
		isSpeaking, _, _ := vad.ProcessFrame(frame)
		if isSpeaking {
			t.Errorf("Expected silence on frame %d", i)
		}
	}
}

func TestVADDetector_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(&VADConfig{SpeechThreshold: 0.02, SilenceFrames: 10})

	for i := 0; i < 5; i++ {
		vad.ProcessLevel(0.2)
	}

	endedAt := -1
	for i := 0; i < 15; i++ {
		if _, _, ended := vad.ProcessLevel(0.001); ended {
			endedAt = i
			break
		}
	}

	// The tenth quiet frame ends speech.
	if endedAt != 9 {
		t.Errorf("Expected speech to end on quiet frame 9, got %d", endedAt)
	}
	if vad.IsSpeaking() {
		t.Error("Expected IsSpeaking false after speech ended")
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	low := NewVADDetector(&VADConfig{SpeechThreshold: 0.01, SilenceFrames: 10})
	high := NewVADDetector(&VADConfig{SpeechThreshold: 0.5, SilenceFrames: 10})

	// 1000/32768 is roughly 0.03
	frame := constantFrame(960, 1000)

	if isSpeaking, _, _ := low.ProcessFrame(frame); !isSpeaking {
		t.Error("Expected low threshold to detect speech")
	}
	if isSpeaking, _, _ := high.ProcessFrame(frame); isSpeaking {
		t.Error("Expected high threshold to not detect speech")
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(nil)
	vad.ProcessLevel(0.5)
	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.SpeechThreshold != 0.02 {
		t.Errorf("Expected default SpeechThreshold 0.02, got %f", config.SpeechThreshold)
	}
	if config.SilenceFrames != 10 {
		t.Errorf("Expected default SilenceFrames 10, got %d", config.SilenceFrames)
	}
}

package audio

// VADConfig holds configuration for the speech activity flag on level events
type VADConfig struct {
	SpeechThreshold float64 // Normalized RMS (0..1) above which a frame counts as speech
	SilenceFrames   int     // Consecutive quiet frames before speech is considered ended
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		SpeechThreshold: 0.02,
		SilenceFrames:   10, // 400ms of silence (10 frames * 40ms)
	}
}

// VADDetector tracks speech activity from per-frame levels
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessLevel updates the detector with one frame's normalized RMS.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessLevel(rms float64) (bool, bool, bool) {
	var speechStarted, speechEnded bool

	if rms > v.config.SpeechThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// ProcessFrame is ProcessLevel applied to a PCM16 frame.
func (v *VADDetector) ProcessFrame(frame []byte) (bool, bool, bool) {
	return v.ProcessLevel(RMS(frame))
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

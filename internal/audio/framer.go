package audio

import "time"

// Audio format required by the transcription service.
const (
	SampleRate     = 24000
	Channels       = 1
	BytesPerSample = 2
	FrameDuration  = 40 * time.Millisecond
)

// DefaultFrameBytes is the size of one 40 ms frame at 24 kHz mono PCM16 (1920).
var DefaultFrameBytes = FrameBytes(SampleRate, FrameDuration)

// FrameBytes returns the number of bytes in a mono PCM16 frame of dur at sampleRate.
func FrameBytes(sampleRate int, dur time.Duration) int {
	return int(int64(sampleRate)*int64(dur)/int64(time.Second)) * BytesPerSample
}

// Framer slices arbitrarily sized bursts into fixed-size frames. Bytes that do
// not fill a whole frame are carried into the next Push.
type Framer struct {
	size  int
	carry []byte
}

// NewFramer creates a framer emitting frames of size bytes.
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = DefaultFrameBytes
	}
	return &Framer{size: size}
}

// Size returns the frame size in bytes.
func (f *Framer) Size() int {
	return f.size
}

// Push appends burst to the carry and returns every whole frame now available.
// Returned frames are freshly allocated and owned by the caller.
func (f *Framer) Push(burst []byte) [][]byte {
	if len(burst) == 0 {
		return nil
	}

	data := append(f.carry, burst...)
	count := len(data) / f.size
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		frame := make([]byte, f.size)
		copy(frame, data[i*f.size:(i+1)*f.size])
		frames = append(frames, frame)
	}

	rest := data[count*f.size:]
	f.carry = append(make([]byte, 0, f.size), rest...)
	return frames
}

// Carry returns the number of bytes waiting for the next frame.
func (f *Framer) Carry() int {
	return len(f.carry)
}

// Reset drops any carried bytes.
func (f *Framer) Reset() {
	f.carry = nil
}

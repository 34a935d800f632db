package audio

import (
	"encoding/binary"
	"math"
)

// BytesToSamples decodes little-endian PCM16 bytes into samples.
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// Resampler converts a stream of bursts between sample rates, keeping the
// fractional read position across calls so burst edges do not click.
type Resampler struct {
	inputRate  int
	outputRate int
	pos        float64
	last       int16
	primed     bool
}

// NewResampler creates a streaming resampler.
func NewResampler(inputRate, outputRate int) *Resampler {
	return &Resampler{inputRate: inputRate, outputRate: outputRate}
}

// Process resamples one burst of samples.
func (r *Resampler) Process(in []int16) []int16 {
	if r.inputRate == r.outputRate || len(in) == 0 {
		return in
	}

	// Prepend the previous burst's last sample so interpolation can span the edge.
	src := in
	if r.primed {
		src = append([]int16{r.last}, in...)
	}

	step := float64(r.inputRate) / float64(r.outputRate)
	out := make([]int16, 0, int(float64(len(src))/step)+1)
	pos := r.pos
	for ; pos < float64(len(src)-1); pos += step {
		idx := int(pos)
		frac := pos - float64(idx)
		out = append(out, int16(math.Round(float64(src[idx])*(1-frac)+float64(src[idx+1])*frac)))
	}

	// Carry the position relative to the last sample of this burst.
	r.pos = pos - float64(len(src)-1)
	r.last = in[len(in)-1]
	r.primed = true
	return out
}

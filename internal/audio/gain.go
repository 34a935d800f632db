package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// GainMode selects how the capture gain is chosen.
type GainMode int

const (
	GainOff GainMode = iota
	GainAuto
	GainManual
)

// Automatic gain tuning. The controller ramps up quickly so quiet speech is
// lifted within a few frames, and ramps down slowly so the level does not pump
// audibly between words.
const (
	AttackCoeff   = 0.10
	ReleaseCoeff  = 0.03
	MaxGainDB     = 12.0
	rmsEpsilon    = 1e-4
	minTargetRMS  = 0.05
	maxTargetRMS  = 0.30
	defaultTarget = 0.18
	fullScale     = 32768.0
)

// MaxGainLinear is the largest gain the controller applies (12 dB).
var MaxGainLinear = DBToLinear(MaxGainDB)

func (m GainMode) String() string {
	switch m {
	case GainAuto:
		return "auto"
	case GainManual:
		return "manual"
	default:
		return "off"
	}
}

// ParseGainMode parses "off", "auto" or "manual" (case-insensitive).
func ParseGainMode(s string) (GainMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return GainOff, nil
	case "auto":
		return GainAuto, nil
	case "manual":
		return GainManual, nil
	default:
		return GainOff, fmt.Errorf("unknown gain mode %q", s)
	}
}

// GainConfig holds gain controller settings
type GainConfig struct {
	Mode         GainMode
	ManualGainDB float64 // clamped to [0, 12]
	TargetRMS    float64 // clamped to [0.05, 0.30]; 0 selects the default
}

// GainController applies gain to PCM16 frames. It keeps the smoothed gain
// between frames and must only be used from one goroutine.
type GainController struct {
	mode        GainMode
	manualGain  float64
	targetRMS   float64
	currentGain float64
}

// NewGainController creates a gain controller, clamping out-of-range settings.
func NewGainController(cfg GainConfig) *GainController {
	target := cfg.TargetRMS
	if target == 0 {
		target = defaultTarget
	}
	return &GainController{
		mode:        cfg.Mode,
		manualGain:  DBToLinear(clamp(cfg.ManualGainDB, 0, MaxGainDB)),
		targetRMS:   clamp(target, minTargetRMS, maxTargetRMS),
		currentGain: 1.0,
	}
}

// Mode returns the configured gain mode.
func (g *GainController) Mode() GainMode {
	return g.mode
}

// CurrentGain returns the gain applied to the most recent frame.
func (g *GainController) CurrentGain() float64 {
	switch g.mode {
	case GainManual:
		return g.manualGain
	case GainAuto:
		return g.currentGain
	default:
		return 1.0
	}
}

// Reset returns the automatic gain to unity.
func (g *GainController) Reset() {
	g.currentGain = 1.0
}

// Process applies the configured gain to frame in place and returns the gain used.
func (g *GainController) Process(frame []byte) float64 {
	switch g.mode {
	case GainManual:
		ApplyGain(frame, g.manualGain)
		return g.manualGain
	case GainAuto:
		desired := clamp(g.targetRMS/(RMS(frame)+rmsEpsilon), 1.0, MaxGainLinear)
		coeff := ReleaseCoeff
		if desired > g.currentGain {
			coeff = AttackCoeff
		}
		g.currentGain += coeff * (desired - g.currentGain)
		ApplyGain(frame, g.currentGain)
		return g.currentGain
	default:
		return 1.0
	}
}

// RMS returns the root mean square of a PCM16 little-endian frame normalized
// to [0, 1]. Empty or odd-length frames yield 0.
func RMS(frame []byte) float64 {
	if len(frame) == 0 || len(frame)%2 != 0 {
		return 0
	}

	n := len(frame) / 2
	sum := 0.0
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:])))
		sum += s * s
	}

	return math.Min(math.Sqrt(sum/float64(n))/fullScale, 1.0)
}

// ApplyGain multiplies every sample in frame by gain, clamping to the int16
// range. The frame is modified in place and its length never changes.
func ApplyGain(frame []byte, gain float64) {
	if gain == 1.0 {
		return
	}
	for i := 0; i+1 < len(frame); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i:])))
		v := math.Round(s * gain)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(frame[i:], uint16(int16(v)))
	}
}

// DBToLinear converts decibels to a linear amplitude factor.
func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

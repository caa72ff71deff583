package audio

import "math"

// Limiter is a stereo-linked peak limiter placed between a SampleSource and
// the device. Many simultaneous SoundFont voices easily exceed full scale.
type Limiter struct {
	source    SampleSource
	threshold float32
	attack    float32
	release   float32
	env       float32
}

// NewLimiter wraps source. thresholdDB is the ceiling (e.g. -1), attackMs and
// releaseMs shape the envelope follower.
func NewLimiter(source SampleSource, sampleRate int, thresholdDB, attackMs, releaseMs float64) *Limiter {
	sr := float64(sampleRate)
	coeff := func(ms float64) float32 {
		if ms <= 0 {
			return 1
		}
		return float32(1 - math.Exp(-1/(ms*sr/1000)))
	}
	return &Limiter{
		source:    source,
		threshold: float32(math.Pow(10, thresholdDB/20)),
		attack:    coeff(attackMs),
		release:   coeff(releaseMs),
	}
}

// DefaultLimiter limits at -1 dBFS with a 1ms attack and 100ms release.
func DefaultLimiter(source SampleSource, sampleRate int) *Limiter {
	return NewLimiter(source, sampleRate, -1, 1, 100)
}

func (l *Limiter) Process(dst []float32) {
	l.source.Process(dst)
	for i := 0; i+1 < len(dst); i += 2 {
		peak := max(abs32(dst[i]), abs32(dst[i+1]))
		if peak > l.env {
			l.env += l.attack * (peak - l.env)
		} else {
			l.env += l.release * (peak - l.env)
		}
		gain := float32(1)
		if l.env > l.threshold {
			gain = l.threshold / l.env
		}
		dst[i] = clamp(dst[i]*gain, -1, 1)
		dst[i+1] = clamp(dst[i+1]*gain, -1, 1)
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}

package midiplay

import (
	"math/rand/v2"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"

	"github.com/cbegin/midiplay-go/internal/faults"
)

// Randomized parameter ranges. Speed max and transpose max are inclusive.
const (
	RandomSpeedMin     = 0.1
	RandomSpeedMax     = 5.0
	RandomTransposeMax = 12
)

type randomTarget interface {
	Status() Status
	SeekMs(ms float64) int64
	SetSpeed(f float64) error
	SetTranspose(semitones int) error
}

// Randomizer jumps playback to random parameters at a fixed interval. Call
// OnFrameTick from the host's frame loop.
type Randomizer struct {
	Interval  time.Duration
	Position  bool
	Speed     bool
	Transpose bool

	target randomTarget
	rng    *rand.Rand
	last   time.Time
}

func NewRandomizer(target randomTarget, interval time.Duration, rng *rand.Rand) *Randomizer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Randomizer{Interval: interval, target: target, rng: rng}
}

// OnFrameTick applies a random change when Interval has elapsed since the
// last one. It reports whether a change was applied. Nothing happens while
// the target is not playing or when Interval is not positive.
func (r *Randomizer) OnFrameTick(now time.Time) (bool, error) {
	if r.Interval <= 0 || r.target.Status().State != StatePlaying {
		return false, nil
	}
	if r.last.IsZero() {
		r.last = now
		return false, nil
	}
	if now.Sub(r.last) <= r.Interval {
		return false, nil
	}
	r.last = now

	st := r.target.Status()
	if r.Position && st.DurationMs > 0 {
		r.target.SeekMs(r.rng.Float64() * st.DurationMs)
	}
	if r.Speed {
		f := RandomSpeedMin + r.rng.Float64()*(RandomSpeedMax-RandomSpeedMin)
		if err := r.target.SetSpeed(f); err != nil {
			return true, fault.Wrap(err, fmsg.With("random speed"))
		}
	}
	if r.Transpose {
		t := r.rng.IntN(2*RandomTransposeMax+1) - RandomTransposeMax
		if err := r.target.SetTranspose(t); err != nil {
			return true, fault.Wrap(err, fmsg.With("random transpose"))
		}
	}
	return true, nil
}

// PlayRandom loads a random catalog entry and plays it.
func (p *Player) PlayRandom() error {
	if p.env.Catalog == nil {
		return faults.NewLoad("", ErrEmptyCatalog)
	}
	n := len(p.env.Catalog.List())
	if n == 0 {
		return faults.NewLoad("", ErrEmptyCatalog)
	}
	if err := p.LoadIndex(rand.IntN(n)); err != nil {
		return err
	}
	return p.Play(0)
}

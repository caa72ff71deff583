package midiplay

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/cbegin/midiplay-go/internal/sequencer"
)

// Tempo bounds picked by RealTimeChanges.ChangeTempo, in BPM. Max is exclusive.
const (
	RandomTempoMin = 30
	RandomTempoMax = 240
)

// RealTimeChanges rewrites events as they are dispatched. Install it with
// WithIntercept(policy.Intercept).
type RealTimeChanges struct {
	// ChangeNoteOn shifts melodic notes an octave up on even channels and an
	// octave down on odd ones, and mutes the drum channel.
	ChangeNoteOn bool
	// DisablePresetChange turns program changes into text events so channels
	// keep their current preset.
	DisablePresetChange bool
	// ChangeTempo answers every tempo event with a random tempo.
	ChangeTempo bool

	Logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRealTimeChanges returns a policy with every change disabled. A nil rng
// uses a randomly seeded source.
func NewRealTimeChanges(rng *rand.Rand, log *zap.Logger) *RealTimeChanges {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RealTimeChanges{rng: rng, Logger: log}
}

// Intercept applies the enabled changes to ev.
func (r *RealTimeChanges) Intercept(ev *Event, req Requests) error {
	switch ev.Command {
	case NoteOn:
		if !r.ChangeNoteOn || ev.Velocity == 0 {
			return nil
		}
		switch {
		case ev.Channel == sequencer.DrumChannel:
			ev.Velocity = 0
		case ev.Channel%2 == 0:
			ev.Value += 12
		default:
			ev.Value -= 12
		}
	case PatchChange:
		if !r.DisablePresetChange {
			return nil
		}
		ev.Command = MetaEvent
		ev.Meta = TextEvent
		ev.Info = fmt.Sprintf("Detected MIDI event Preset Change %d removed", ev.Value)
	case MetaEvent:
		if !r.ChangeTempo || ev.Meta != SetTempo {
			return nil
		}
		bpm := float64(r.intN(RandomTempoMax-RandomTempoMin) + RandomTempoMin)
		req.RequestTempo(bpm)
		r.Logger.Debug("tempo event replaced",
			zap.Int("mpqn", ev.Value),
			zap.Float64("bpm", bpm))
	}
	return nil
}

func (r *RealTimeChanges) intN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return r.rng.IntN(n)
}

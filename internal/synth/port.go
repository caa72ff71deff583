package synth

import (
	"math"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/cbegin/midiplay-go/internal/faults"
	"github.com/cbegin/midiplay-go/internal/timeline"
)

// PortSink forwards events to a MIDI output as wire messages. Volume scales
// note velocities.
type PortSink struct {
	mu     sync.Mutex
	send   func(midi.Message) error
	volume float64
	held   map[uint16]struct{}
}

func NewPortSink(send func(midi.Message) error) *PortSink {
	return &PortSink{send: send, volume: 1, held: make(map[uint16]struct{})}
}

// OpenPort opens out and returns a sink writing to it.
func OpenPort(out drivers.Out) (*PortSink, error) {
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("open midi output "+out.String()), ftag.With(faults.Config))
	}
	return NewPortSink(send), nil
}

// Message converts an event to its wire form. Meta events have none.
func Message(ev timeline.Event) (midi.Message, bool) {
	ch := uint8(ev.Channel)
	switch ev.Command {
	case timeline.NoteOn:
		return midi.NoteOn(ch, uint8(ev.Value), uint8(ev.Velocity)), true
	case timeline.NoteOff:
		return midi.NoteOff(ch, uint8(ev.Value)), true
	case timeline.ControlChange:
		return midi.ControlChange(ch, uint8(ev.Controller), uint8(ev.Value)), true
	case timeline.PatchChange:
		return midi.ProgramChange(ch, uint8(ev.Value)), true
	case timeline.PitchWheelChange:
		return midi.Pitchbend(ch, int16(ev.Value-8192)), true
	case timeline.ChannelAfterTouch:
		return midi.AfterTouch(ch, uint8(ev.Value)), true
	case timeline.KeyAfterTouch:
		return midi.PolyAfterTouch(ch, uint8(ev.Value), uint8(ev.Velocity)), true
	case timeline.SysEx:
		if len(ev.Data) > 0 {
			return midi.Message(ev.Data), true
		}
	}
	return nil, false
}

const ccAllNotesOff = 123

func heldKey(ch, key int) uint16 { return uint16(ch)<<8 | uint16(key) }

func (p *PortSink) Send(ev timeline.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case ev.IsNoteStart():
		ev.Velocity = int(math.Round(float64(ev.Velocity) * p.volume))
		if ev.Velocity <= 0 {
			return nil
		}
		p.held[heldKey(ev.Channel, ev.Value)] = struct{}{}
	case ev.IsNoteEnd():
		delete(p.held, heldKey(ev.Channel, ev.Value))
	}
	msg, ok := Message(ev)
	if !ok {
		return nil
	}
	return p.send(msg)
}

// AllNotesOff releases every held note, then sends All Notes Off (CC 123)
// on each channel.
func (p *PortSink) AllNotesOff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.held {
		_ = p.send(midi.NoteOff(uint8(k>>8), uint8(k)))
		delete(p.held, k)
	}
	for ch := uint8(0); ch < 16; ch++ {
		_ = p.send(midi.ControlChange(ch, ccAllNotesOff, 0))
	}
}

func (p *PortSink) SetVolume(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = v
}

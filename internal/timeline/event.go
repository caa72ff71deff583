package timeline

import "fmt"

// Command identifies the kind of a MIDI event. Channel commands use the status
// nibble so they can be written back to the wire directly.
type Command uint8

const (
	NoteOff           Command = 0x80
	NoteOn            Command = 0x90
	KeyAfterTouch     Command = 0xA0
	ControlChange     Command = 0xB0
	PatchChange       Command = 0xC0
	ChannelAfterTouch Command = 0xD0
	PitchWheelChange  Command = 0xE0
	SysEx             Command = 0xF0
	MetaEvent         Command = 0xFF
)

func (c Command) String() string {
	switch c {
	case NoteOff:
		return "NoteOff"
	case NoteOn:
		return "NoteOn"
	case KeyAfterTouch:
		return "KeyAfterTouch"
	case ControlChange:
		return "ControlChange"
	case PatchChange:
		return "PatchChange"
	case ChannelAfterTouch:
		return "ChannelAfterTouch"
	case PitchWheelChange:
		return "PitchWheelChange"
	case SysEx:
		return "SysEx"
	case MetaEvent:
		return "MetaEvent"
	}
	return fmt.Sprintf("Command(0x%02X)", uint8(c))
}

// Meta is the meta-event type byte.
type Meta uint8

const (
	SequenceNumber    Meta = 0x00
	TextEvent         Meta = 0x01
	Copyright         Meta = 0x02
	SequenceTrackName Meta = 0x03
	TrackInstrument   Meta = 0x04
	Lyric             Meta = 0x05
	Marker            Meta = 0x06
	CuePoint          Meta = 0x07
	ChannelPrefix     Meta = 0x20
	EndTrack          Meta = 0x2F
	SetTempo          Meta = 0x51
	SmpteOffset       Meta = 0x54
	TimeSignature     Meta = 0x58
	KeySignature      Meta = 0x59
	SequencerSpecific Meta = 0x7F
)

// IsText reports whether the meta event carries a text payload.
func (m Meta) IsText() bool {
	return m >= TextEvent && m <= CuePoint
}

// Event is one timed MIDI event of a timeline.
//
// Value holds the key for notes, the program for PatchChange, the controller
// value for ControlChange, the pressure for ChannelAfterTouch, the 14-bit
// position for PitchWheelChange and the microseconds per quarter note for a
// SetTempo meta event. Velocity holds the note velocity or the key pressure.
type Event struct {
	Track      int
	Channel    int
	Command    Command
	Controller int
	Value      int
	Velocity   int
	Tick       int64
	DurationMs float64
	Meta       Meta
	Info       string
	Data       []byte
	Index      int

	// Dropped turns the event into a no-op; set by intercept callbacks.
	Dropped bool
}

// IsNoteStart reports a NoteOn with a non-zero velocity.
func (e *Event) IsNoteStart() bool {
	return e.Command == NoteOn && e.Velocity > 0
}

// IsNoteEnd reports a NoteOff or a NoteOn with zero velocity.
func (e *Event) IsNoteEnd() bool {
	return e.Command == NoteOff || (e.Command == NoteOn && e.Velocity == 0)
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	if e.Data != nil {
		e.Data = append([]byte(nil), e.Data...)
	}
	return e
}

func (e Event) String() string {
	switch e.Command {
	case NoteOn, NoteOff:
		return fmt.Sprintf("%s tick:%d ch:%d key:%d vel:%d dur:%.1fms", e.Command, e.Tick, e.Channel, e.Value, e.Velocity, e.DurationMs)
	case ControlChange:
		return fmt.Sprintf("%s tick:%d ch:%d cc:%d val:%d", e.Command, e.Tick, e.Channel, e.Controller, e.Value)
	case MetaEvent:
		return fmt.Sprintf("%s tick:%d meta:0x%02X value:%d info:%q", e.Command, e.Tick, uint8(e.Meta), e.Value, e.Info)
	}
	return fmt.Sprintf("%s tick:%d ch:%d value:%d", e.Command, e.Tick, e.Channel, e.Value)
}

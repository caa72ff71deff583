package timeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/ftag"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/midiplay-go/internal/faults"
)

var (
	ErrMalformedHeader   = errors.New("malformed header")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrTruncatedTrack    = errors.New("truncated track")
)

// ParseError reports a structural violation of the input file.
type ParseError struct {
	Reason error
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("midi parse: %v: %s", e.Reason, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Reason }

func parseFailure(reason error, format string, args ...any) error {
	return fault.Wrap(&ParseError{Reason: reason, Detail: fmt.Sprintf(format, args...)}, ftag.With(faults.Parse))
}

type header struct {
	length   int
	format   int
	tracks   int
	division int
}

// readHeader validates the MThd chunk.
func readHeader(b []byte) (header, error) {
	var h header
	if len(b) < 14 {
		return h, parseFailure(ErrMalformedHeader, "%d bytes is too short for a header chunk", len(b))
	}
	if string(b[0:4]) != "MThd" {
		return h, parseFailure(ErrMalformedHeader, "chunk id %q, expected MThd", b[0:4])
	}
	h.length = int(binary.BigEndian.Uint32(b[4:8]))
	if h.length < 6 || 8+h.length > len(b) {
		return h, parseFailure(ErrMalformedHeader, "header length %d", h.length)
	}
	h.format = int(binary.BigEndian.Uint16(b[8:10]))
	if h.format > 2 {
		return h, parseFailure(ErrUnsupportedFormat, "format %d", h.format)
	}
	h.tracks = int(binary.BigEndian.Uint16(b[10:12]))
	if h.tracks == 0 {
		return h, parseFailure(ErrMalformedHeader, "no tracks announced")
	}
	if h.format == 0 && h.tracks != 1 {
		return h, parseFailure(ErrMalformedHeader, "format 0 with %d tracks", h.tracks)
	}
	h.division = int(binary.BigEndian.Uint16(b[12:14]))
	if h.division&0x8000 != 0 {
		return h, parseFailure(ErrUnsupportedFormat, "SMPTE time division 0x%04X", h.division)
	}
	if h.division == 0 {
		return h, parseFailure(ErrMalformedHeader, "zero ticks per quarter note")
	}
	return h, nil
}

// checkChunks walks the chunk table so that a short read is reported before
// the decoder sees it.
func checkChunks(b []byte, h header) error {
	off := 8 + h.length
	found := 0
	for off < len(b) {
		if off+8 > len(b) {
			return parseFailure(ErrTruncatedTrack, "chunk header at offset %d cut short", off)
		}
		n := int(binary.BigEndian.Uint32(b[off+4 : off+8]))
		if off+8+n > len(b) {
			return parseFailure(ErrTruncatedTrack, "chunk %q at offset %d declares %d bytes, %d available", b[off:off+4], off, n, len(b)-off-8)
		}
		if string(b[off:off+4]) == "MTrk" {
			found++
		}
		off += 8 + n
	}
	if found < h.tracks {
		return parseFailure(ErrTruncatedTrack, "%d of %d track chunks present", found, h.tracks)
	}
	return nil
}

// Parse decodes a Standard MIDI File into a timeline.
func Parse(data []byte) (*Timeline, error) {
	h, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if err := checkChunks(data, h); err != nil {
		return nil, err
	}
	s, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, parseFailure(ErrTruncatedTrack, "%v", err)
	}

	t := &Timeline{
		ppq:         h.division,
		format:      h.format,
		trackCount:  len(s.Tracks),
		numerator:   4,
		denominator: 4,
	}
	var tempos []TempoEntry
	for trackIdx, track := range s.Tracks {
		var abs int64
		for _, ev := range track {
			abs += int64(ev.Delta)
			e, ok := decodeMessage([]byte(ev.Message))
			if !ok {
				continue
			}
			if abs > t.endTick {
				t.endTick = abs
			}
			if e.Command == MetaEvent && e.Meta == EndTrack {
				continue
			}
			e.Track = trackIdx
			e.Tick = abs
			e.Index = t.nextIndex
			t.nextIndex++
			if e.Command == MetaEvent {
				switch e.Meta {
				case SetTempo:
					tempos = append(tempos, TempoEntry{FromTick: abs, MicrosecondsPerQuarterNote: e.Value})
				case TimeSignature:
					if abs == 0 && len(e.Data) >= 2 {
						t.numerator = int(e.Data[0])
						t.denominator = 1 << e.Data[1]
					}
				}
			}
			t.events = append(t.events, e)
		}
	}
	t.tempo = NewTempoMap(t.ppq, tempos)
	t.sortEvents()
	t.recompute()
	return t, nil
}

func decodeMessage(raw []byte) (Event, bool) {
	if len(raw) == 0 {
		return Event{}, false
	}
	switch raw[0] {
	case 0xFF:
		return decodeMeta(raw)
	case 0xF0, 0xF7:
		return Event{Command: SysEx, Data: append([]byte(nil), raw...)}, true
	}

	msg := gomidi.Message(raw)
	var ch, a, b uint8
	switch {
	case msg.GetNoteOn(&ch, &a, &b):
		return Event{Command: NoteOn, Channel: int(ch), Value: int(a), Velocity: int(b)}, true
	case msg.GetNoteOff(&ch, &a, &b):
		return Event{Command: NoteOff, Channel: int(ch), Value: int(a), Velocity: int(b)}, true
	case msg.GetControlChange(&ch, &a, &b):
		return Event{Command: ControlChange, Channel: int(ch), Controller: int(a), Value: int(b)}, true
	case msg.GetProgramChange(&ch, &a):
		return Event{Command: PatchChange, Channel: int(ch), Value: int(a)}, true
	case msg.GetAfterTouch(&ch, &a):
		return Event{Command: ChannelAfterTouch, Channel: int(ch), Value: int(a)}, true
	case msg.GetPolyAfterTouch(&ch, &a, &b):
		return Event{Command: KeyAfterTouch, Channel: int(ch), Value: int(a), Velocity: int(b)}, true
	}
	var rel int16
	var abs uint16
	if msg.GetPitchBend(&ch, &rel, &abs) {
		return Event{Command: PitchWheelChange, Channel: int(ch), Value: int(abs)}, true
	}
	return Event{}, false
}

func decodeMeta(raw []byte) (Event, bool) {
	if len(raw) < 3 {
		return Event{}, false
	}
	length, n := readVarLen(raw[2:])
	start := 2 + n
	if n == 0 || start+length > len(raw) {
		return Event{}, false
	}
	payload := append([]byte(nil), raw[start:start+length]...)
	e := Event{Command: MetaEvent, Meta: Meta(raw[1]), Data: payload}
	switch {
	case e.Meta.IsText():
		e.Info = string(payload)
	case e.Meta == SetTempo:
		if len(payload) != 3 {
			return Event{}, false
		}
		e.Value = int(payload[0])<<16 | int(payload[1])<<8 | int(payload[2])
	case e.Meta == ChannelPrefix && len(payload) > 0:
		e.Value = int(payload[0])
	case e.Meta == TimeSignature && len(payload) >= 2:
		e.Value = int(payload[0])
		e.Velocity = 1 << payload[1]
	}
	return e, true
}

func readVarLen(b []byte) (int, int) {
	v := 0
	for i := 0; i < len(b) && i < 4; i++ {
		v = v<<7 | int(b[i]&0x7F)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

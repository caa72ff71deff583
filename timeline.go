package midiplay

import (
	"maps"
	"slices"

	"github.com/cbegin/midiplay-go/internal/timeline"
)

// Timeline is a parsed file: events sorted by tick with a tempo map.
type Timeline = timeline.Timeline

// Command and meta kinds of an Event.
type (
	Command = timeline.Command
	Meta    = timeline.Meta
)

const (
	NoteOff           = timeline.NoteOff
	NoteOn            = timeline.NoteOn
	KeyAfterTouch     = timeline.KeyAfterTouch
	ControlChange     = timeline.ControlChange
	PatchChange       = timeline.PatchChange
	ChannelAfterTouch = timeline.ChannelAfterTouch
	PitchWheelChange  = timeline.PitchWheelChange
	SysEx             = timeline.SysEx
	MetaEvent         = timeline.MetaEvent

	TextEvent = timeline.TextEvent
	Lyric     = timeline.Lyric
	Marker    = timeline.Marker
	SetTempo  = timeline.SetTempo
)

// ParseTimeline decodes a Standard MIDI File.
func ParseTimeline(data []byte) (*Timeline, error) {
	return timeline.Parse(data)
}

// NewTimeline builds a timeline from events at ppq pulses per quarter note.
func NewTimeline(ppq int, events []Event) *Timeline {
	return timeline.New(ppq, events)
}

// Info describes the loaded file.
type Info struct {
	Name         string
	Format       int
	Tracks       int
	PPQ          int
	Events       int
	TickLast     int64
	DurationMs   float64
	InitialTempo float64
	Numerator    int
	Denominator  int
	FirstNoteMs  float64
	LastNoteMs   float64
	TrackNames   []string
	Copyright    string
	Lyrics       []string
}

// Info returns metadata of the loaded file, or false when nothing is loaded.
func (p *Player) Info() (Info, bool) {
	var info Info
	name := p.Name()
	ok := p.clock.View(func(tl *timeline.Timeline) {
		names := tl.TrackNames()
		info = Info{
			Name:         name,
			Format:       tl.Format(),
			Tracks:       tl.TrackCount(),
			PPQ:          tl.PPQ(),
			Events:       tl.Len(),
			TickLast:     tl.TickLast(),
			DurationMs:   tl.DurationMs(),
			InitialTempo: tl.InitialTempo(),
			Copyright:    tl.Copyright(),
		}
		info.Numerator, info.Denominator = tl.TimeSignature()
		if tl.FirstNoteTick() >= 0 {
			info.FirstNoteMs = tl.FirstNoteMs()
			info.LastNoteMs = tl.LastNoteMs()
		}
		for _, track := range slices.Sorted(maps.Keys(names)) {
			info.TrackNames = append(info.TrackNames, names[track])
		}
		for _, l := range tl.Lyrics() {
			info.Lyrics = append(info.Lyrics, FormatLyric(l))
		}
	})
	return info, ok
}

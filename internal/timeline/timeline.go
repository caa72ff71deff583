package timeline

import (
	"errors"
	"slices"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"

	"github.com/cbegin/midiplay-go/internal/faults"
)

var ErrInvalidEvent = errors.New("invalid event")

// Timeline is the ordered event sequence and tempo map of one loaded file.
// It is not safe for concurrent use; the sequencer guards it with its own lock.
type Timeline struct {
	ppq         int
	format      int
	trackCount  int
	numerator   int
	denominator int
	events      []Event
	tempo       *TempoMap
	nextIndex   int
	endTick     int64

	tickLast      int64
	firstNoteTick int64
	lastNoteTick  int64
	hasNotes      bool
}

// New builds a timeline from events that are already decoded. Events are
// sorted by tick; ties keep the order of the slice.
func New(ppq int, events []Event) *Timeline {
	t := &Timeline{ppq: ppq, format: 1, trackCount: 1, numerator: 4, denominator: 4}
	if t.ppq <= 0 {
		t.ppq = 480
	}
	for _, e := range events {
		e = e.Clone()
		e.Index = t.nextIndex
		t.nextIndex++
		if e.Track >= t.trackCount {
			t.trackCount = e.Track + 1
		}
		t.events = append(t.events, e)
	}
	t.rebuildTempo()
	t.sortEvents()
	t.recompute()
	return t
}

func (t *Timeline) sortEvents() {
	slices.SortStableFunc(t.events, func(a, b Event) int {
		switch {
		case a.Tick < b.Tick:
			return -1
		case a.Tick > b.Tick:
			return 1
		case a.Index < b.Index:
			return -1
		case a.Index > b.Index:
			return 1
		}
		return 0
	})
}

func (t *Timeline) rebuildTempo() {
	var tempos []TempoEntry
	for _, e := range t.events {
		if e.Command == MetaEvent && e.Meta == SetTempo {
			tempos = append(tempos, TempoEntry{FromTick: e.Tick, MicrosecondsPerQuarterNote: e.Value})
		}
	}
	t.tempo = NewTempoMap(t.ppq, tempos)
}

type noteKey struct {
	track, channel, key int
}

// recompute refreshes the derived statistics and the NoteOn durations.
func (t *Timeline) recompute() {
	t.tickLast = t.endTick
	t.hasNotes = false
	for _, e := range t.events {
		if e.Tick > t.tickLast {
			t.tickLast = e.Tick
		}
		if e.IsNoteStart() {
			if !t.hasNotes {
				t.firstNoteTick = e.Tick
				t.hasNotes = true
			}
			t.lastNoteTick = e.Tick
		}
	}

	pending := make(map[noteKey][]int)
	for i := range t.events {
		e := &t.events[i]
		k := noteKey{e.Track, e.Channel, e.Value}
		switch {
		case e.IsNoteStart():
			pending[k] = append(pending[k], i)
		case e.IsNoteEnd():
			if q := pending[k]; len(q) > 0 {
				on := &t.events[q[0]]
				on.DurationMs = t.tempo.TickToMs(e.Tick) - t.tempo.TickToMs(on.Tick)
				pending[k] = q[1:]
			}
		}
	}
	for _, q := range pending {
		for _, i := range q {
			on := &t.events[i]
			on.DurationMs = t.tempo.TickToMs(t.tickLast) - t.tempo.TickToMs(on.Tick)
		}
	}
}

// InsertEvents merges events into the timeline, keeping it sorted by tick.
// Inserted events follow existing events that share their tick.
func (t *Timeline) InsertEvents(events []Event) error {
	for _, e := range events {
		if e.Tick < 0 {
			return fault.Wrap(ErrInvalidEvent, fmsg.With("negative tick"), ftag.With(faults.Config))
		}
		if e.Command != MetaEvent && e.Command != SysEx && (e.Channel < 0 || e.Channel > 15) {
			return fault.Wrap(ErrInvalidEvent, fmsg.With("channel out of range"), ftag.With(faults.Config))
		}
	}
	tempoChanged := false
	added := make([]Event, 0, len(events))
	for _, e := range events {
		e = e.Clone()
		e.Index = t.nextIndex
		t.nextIndex++
		if e.Command == MetaEvent && e.Meta == SetTempo {
			tempoChanged = true
		}
		added = append(added, e)
	}
	slices.SortStableFunc(added, func(a, b Event) int {
		switch {
		case a.Tick < b.Tick:
			return -1
		case a.Tick > b.Tick:
			return 1
		}
		return 0
	})

	merged := make([]Event, 0, len(t.events)+len(added))
	i, j := 0, 0
	for i < len(t.events) && j < len(added) {
		if added[j].Tick < t.events[i].Tick {
			merged = append(merged, added[j])
			j++
		} else {
			merged = append(merged, t.events[i])
			i++
		}
	}
	merged = append(merged, t.events[i:]...)
	merged = append(merged, added[j:]...)
	t.events = merged

	if tempoChanged {
		t.rebuildTempo()
	}
	t.recompute()
	return nil
}

// Note returns a NoteOn/NoteOff pair starting at tick and lasting durationMs.
func (t *Timeline) Note(channel, key, velocity int, tick int64, durationMs float64) []Event {
	off := t.tempo.MsToTick(t.tempo.TickToMs(tick) + durationMs)
	if off <= tick {
		off = tick + 1
	}
	return []Event{
		{Channel: channel, Command: NoteOn, Value: key, Velocity: velocity, Tick: tick, DurationMs: durationMs},
		{Channel: channel, Command: NoteOff, Value: key, Tick: off},
	}
}

// Events returns a copy of the ordered events.
func (t *Timeline) Events() []Event {
	out := make([]Event, len(t.events))
	for i, e := range t.events {
		out[i] = e.Clone()
	}
	return out
}

// At returns the event at position i without copying its payload.
func (t *Timeline) At(i int) *Event { return &t.events[i] }

func (t *Timeline) Len() int { return len(t.events) }

// SearchTick returns the position of the first event with a tick >= tick.
func (t *Timeline) SearchTick(tick int64) int {
	i, _ := slices.BinarySearchFunc(t.events, tick, func(e Event, tick int64) int {
		switch {
		case e.Tick < tick:
			return -1
		case e.Tick > tick:
			return 1
		}
		return 0
	})
	return i
}

// ReadEvents returns the events whose real time lies in [fromMs, toMs].
func (t *Timeline) ReadEvents(fromMs, toMs float64) []Event {
	var out []Event
	for i := t.SearchTick(t.tempo.MsToTick(fromMs)); i < len(t.events); i++ {
		ms := t.tempo.TickToMs(t.events[i].Tick)
		if ms > toMs {
			break
		}
		if ms >= fromMs {
			out = append(out, t.events[i].Clone())
		}
	}
	return out
}

func (t *Timeline) Tempo() *TempoMap               { return t.tempo }
func (t *Timeline) TickToMs(tick int64) float64    { return t.tempo.TickToMs(tick) }
func (t *Timeline) MsToTick(ms float64) int64      { return t.tempo.MsToTick(ms) }
func (t *Timeline) PulseLength(tick int64) float64 { return t.tempo.PulseLength(tick) }

func (t *Timeline) PPQ() int        { return t.ppq }
func (t *Timeline) Format() int     { return t.format }
func (t *Timeline) TrackCount() int { return t.trackCount }
func (t *Timeline) TickLast() int64 { return t.tickLast }
func (t *Timeline) DurationMs() float64 {
	return t.tempo.TickToMs(t.tickLast)
}

// InitialTempo returns the tempo at tick 0 in BPM.
func (t *Timeline) InitialTempo() float64 {
	return t.tempo.At(0).BPM()
}

// TimeSignature returns the signature found at tick 0, 4/4 by default.
func (t *Timeline) TimeSignature() (numerator, denominator int) {
	return t.numerator, t.denominator
}

// FirstNoteTick returns the tick of the first sounding NoteOn, -1 without notes.
func (t *Timeline) FirstNoteTick() int64 {
	if !t.hasNotes {
		return -1
	}
	return t.firstNoteTick
}

// LastNoteTick returns the tick of the last sounding NoteOn, -1 without notes.
func (t *Timeline) LastNoteTick() int64 {
	if !t.hasNotes {
		return -1
	}
	return t.lastNoteTick
}

func (t *Timeline) FirstNoteMs() float64 { return t.tempo.TickToMs(max(t.FirstNoteTick(), 0)) }
func (t *Timeline) LastNoteMs() float64  { return t.tempo.TickToMs(max(t.LastNoteTick(), 0)) }

// TrackNames returns the sequence/track name of each track that has one.
func (t *Timeline) TrackNames() map[int]string {
	names := make(map[int]string)
	for _, e := range t.events {
		if e.Command == MetaEvent && e.Meta == SequenceTrackName {
			if _, ok := names[e.Track]; !ok {
				names[e.Track] = e.Info
			}
		}
	}
	return names
}

// Texts returns the text payloads of the given meta kind in timeline order.
func (t *Timeline) Texts(kind Meta) []string {
	var out []string
	for _, e := range t.events {
		if e.Command == MetaEvent && e.Meta == kind {
			out = append(out, e.Info)
		}
	}
	return out
}

// Lyrics returns the lyric meta events in timeline order.
func (t *Timeline) Lyrics() []string { return t.Texts(Lyric) }

// Copyright returns the copyright notices joined by newlines.
func (t *Timeline) Copyright() string {
	return strings.Join(t.Texts(Copyright), "\n")
}

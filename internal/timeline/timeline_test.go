package timeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/Southclaws/fault/ftag"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/midiplay-go/internal/faults"
)

func writeSMF(t *testing.T, ppq uint16, tracks ...smf.Track) []byte {
	t.Helper()
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(ppq)
	for _, tr := range tracks {
		if err := s.Add(tr); err != nil {
			t.Fatalf("add track: %v", err)
		}
	}
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatalf("write smf: %v", err)
	}
	return buf.Bytes()
}

func singleNoteFile(t *testing.T) []byte {
	var tr smf.Track
	tr.Add(0, smf.MetaTempo(120))
	tr.Add(0, midi.NoteOn(0, 60, 100))
	tr.Add(480, midi.NoteOff(0, 60))
	tr.Close(0)
	return writeSMF(t, 480, tr)
}

func TestParseSingleNote(t *testing.T) {
	tl, err := Parse(singleNoteFile(t))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if tl.PPQ() != 480 {
		t.Fatalf("ppq = %d, want 480", tl.PPQ())
	}
	if got := tl.TickToMs(480); got != 500 {
		t.Fatalf("TickToMs(480) = %v, want 500", got)
	}
	if got := tl.InitialTempo(); got != 120 {
		t.Fatalf("initial tempo = %v, want 120", got)
	}
	if tl.TickLast() != 480 {
		t.Fatalf("tick last = %d, want 480", tl.TickLast())
	}
	if tl.FirstNoteTick() != 0 || tl.LastNoteTick() != 0 {
		t.Fatalf("first/last note = %d/%d, want 0/0", tl.FirstNoteTick(), tl.LastNoteTick())
	}
	var on *Event
	for i := 0; i < tl.Len(); i++ {
		if e := tl.At(i); e.IsNoteStart() {
			on = e
		}
		if e := tl.At(i); e.Command == MetaEvent && e.Meta == EndTrack {
			t.Fatalf("end of track should not be kept as an event")
		}
	}
	if on == nil {
		t.Fatalf("note on missing")
	}
	if on.Value != 60 || on.Velocity != 100 || on.DurationMs != 500 {
		t.Fatalf("note on = %v", on)
	}
}

func TestParseTempoChangeAndDurations(t *testing.T) {
	var conductor smf.Track
	conductor.Add(0, smf.MetaTempo(120))
	conductor.Add(960, smf.MetaTempo(60))
	conductor.Close(0)

	var notes smf.Track
	notes.Add(0, smf.MetaTrackSequenceName("lead"))
	notes.Add(960, midi.NoteOn(1, 64, 90))
	notes.Add(480, midi.NoteOff(1, 64))
	notes.Add(0, midi.NoteOn(1, 67, 90))
	notes.Close(480)

	tl, err := Parse(writeSMF(t, 480, conductor, notes))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := tl.TickToMs(960); got != 1000 {
		t.Fatalf("TickToMs(960) = %v, want 1000", got)
	}
	if got := tl.TickToMs(1440); got != 2000 {
		t.Fatalf("TickToMs(1440) = %v, want 2000", got)
	}
	if got := tl.PulseLength(1000); math.Abs(got-1000.0/480) > 1e-9 {
		t.Fatalf("pulse length = %v", got)
	}
	if tl.TickLast() != 1920 {
		t.Fatalf("tick last = %d, want 1920", tl.TickLast())
	}
	var durs []float64
	for _, e := range tl.Events() {
		if e.IsNoteStart() {
			durs = append(durs, e.DurationMs)
		}
	}
	if len(durs) != 2 || durs[0] != 1000 || durs[1] != 1000 {
		t.Fatalf("durations = %v, want [1000 1000]", durs)
	}
	if names := tl.TrackNames(); names[1] != "lead" {
		t.Fatalf("track names = %v", names)
	}
	if tl.TrackCount() != 2 {
		t.Fatalf("track count = %d, want 2", tl.TrackCount())
	}
}

func TestTickMsRoundTrip(t *testing.T) {
	tm := NewTempoMap(96, []TempoEntry{
		{FromTick: 0, MicrosecondsPerQuarterNote: 500000},
		{FromTick: 300, MicrosecondsPerQuarterNote: 352941},
		{FromTick: 1000, MicrosecondsPerQuarterNote: 1250000},
	})
	prev := -1.0
	for tick := int64(0); tick < 3000; tick += 7 {
		ms := tm.TickToMs(tick)
		if ms < prev {
			t.Fatalf("TickToMs not monotonic at %d", tick)
		}
		prev = ms
		back := tm.MsToTick(ms)
		if d := back - tick; d < -1 || d > 1 {
			t.Fatalf("round trip %d -> %v -> %d", tick, ms, back)
		}
	}
}

func TestTempoMapDefaults(t *testing.T) {
	tm := NewTempoMap(480, []TempoEntry{
		{FromTick: 480, MicrosecondsPerQuarterNote: 400000},
		{FromTick: 480, MicrosecondsPerQuarterNote: 250000},
	})
	entries := tm.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	if entries[0].FromTick != 0 || entries[0].MicrosecondsPerQuarterNote != DefaultMPQN {
		t.Fatalf("first entry = %+v, want default at tick 0", entries[0])
	}
	if entries[1].MicrosecondsPerQuarterNote != 250000 || entries[1].CumulativeMs != 500 {
		t.Fatalf("second entry = %+v", entries[1])
	}
	if got := entries[1].BPM(); got != 240 {
		t.Fatalf("bpm = %v, want 240", got)
	}
}

func TestParseRejectsBadHeaders(t *testing.T) {
	valid := singleNoteFile(t)

	badID := append([]byte(nil), valid...)
	copy(badID, "MThx")

	badFormat := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(badFormat[8:], 3)

	smpte := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(smpte[12:], 0xE728)

	missingTrack := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(missingTrack[8:], 1)
	binary.BigEndian.PutUint16(missingTrack[10:], 2)

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrMalformedHeader},
		{"chunk id", badID, ErrMalformedHeader},
		{"format", badFormat, ErrUnsupportedFormat},
		{"smpte", smpte, ErrUnsupportedFormat},
		{"cut short", valid[:len(valid)-3], ErrTruncatedTrack},
		{"missing track", missingTrack, ErrTruncatedTrack},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.data)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err %v is not a *ParseError", err)
			}
			if ftag.Get(err) != faults.Parse {
				t.Fatalf("kind = %v, want %v", ftag.Get(err), faults.Parse)
			}
		})
	}
}

func TestInsertEventsKeepsOrder(t *testing.T) {
	tl := New(480, []Event{
		{Command: NoteOn, Value: 60, Velocity: 100, Tick: 0},
		{Command: NoteOff, Value: 60, Tick: 480},
		{Command: NoteOn, Value: 62, Velocity: 100, Tick: 960},
		{Command: NoteOff, Value: 62, Tick: 1440},
	})
	err := tl.InsertEvents([]Event{
		{Command: ControlChange, Controller: 7, Value: 90, Tick: 480},
		{Command: PatchChange, Value: 5, Tick: 0},
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	want := []Command{NoteOn, PatchChange, NoteOff, ControlChange, NoteOn, NoteOff}
	events := tl.Events()
	if len(events) != len(want) {
		t.Fatalf("len = %d, want %d", len(events), len(want))
	}
	for i, e := range events {
		if e.Command != want[i] {
			t.Fatalf("event %d = %s, want %s", i, e.Command, want[i])
		}
		if i > 0 && events[i-1].Tick > e.Tick {
			t.Fatalf("events out of order at %d", i)
		}
	}
	if events[1].Index <= events[0].Index {
		t.Fatalf("inserted event index %d should follow %d", events[1].Index, events[0].Index)
	}
}

func TestInsertEventsRejectsInvalid(t *testing.T) {
	tl := New(480, nil)
	if err := tl.InsertEvents([]Event{{Command: NoteOn, Channel: 16, Value: 60, Velocity: 1}}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
	if err := tl.InsertEvents([]Event{{Command: NoteOn, Value: 60, Velocity: 1, Tick: -1}}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
	if tl.Len() != 0 {
		t.Fatalf("rejected insert modified the timeline")
	}
}

func TestInsertTempoRebuildsMap(t *testing.T) {
	tl := New(480, []Event{{Command: NoteOn, Value: 60, Velocity: 100, Tick: 960}})
	if err := tl.InsertEvents([]Event{{Command: MetaEvent, Meta: SetTempo, Value: 250000, Tick: 480}}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if got := tl.TickToMs(960); got != 750 {
		t.Fatalf("TickToMs(960) = %v, want 750", got)
	}
}

func TestNoteHelper(t *testing.T) {
	tl := New(480, nil)
	pair := tl.Note(3, 72, 80, 240, 500)
	if len(pair) != 2 {
		t.Fatalf("len = %d, want 2", len(pair))
	}
	if pair[0].Command != NoteOn || pair[0].Tick != 240 || pair[0].Channel != 3 {
		t.Fatalf("note on = %v", pair[0])
	}
	if pair[1].Command != NoteOff || pair[1].Tick != 720 || pair[1].Value != 72 {
		t.Fatalf("note off = %v", pair[1])
	}
}

func TestReadEvents(t *testing.T) {
	tl, err := Parse(singleNoteFile(t))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := tl.ReadEvents(0, 499); len(got) != 2 {
		t.Fatalf("ReadEvents(0,499) = %d events, want 2", len(got))
	}
	got := tl.ReadEvents(1, 500)
	if len(got) != 1 || got[0].Command != NoteOff {
		t.Fatalf("ReadEvents(1,500) = %v", got)
	}
}

func TestUnmatchedNoteFollowsTickLast(t *testing.T) {
	tl := New(480, []Event{
		{Command: NoteOn, Value: 60, Velocity: 100, Tick: 0},
		{Command: ControlChange, Controller: 7, Value: 100, Tick: 480},
	})
	if got := tl.At(0).DurationMs; got != 500 {
		t.Fatalf("duration = %v, want 500", got)
	}
	if err := tl.InsertEvents([]Event{{Command: ControlChange, Controller: 7, Value: 90, Tick: 960}}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if got := tl.At(0).DurationMs; got != 1000 {
		t.Fatalf("duration after tick last moved = %v, want 1000", got)
	}
	if err := tl.InsertEvents([]Event{{Command: MetaEvent, Meta: SetTempo, Value: 250000, Tick: 0}}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if got := tl.At(0).DurationMs; got != 500 {
		t.Fatalf("duration after tempo change = %v, want 500", got)
	}
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestInsertEventsAnyOrder(t *testing.T) {
	inserts := []Event{
		{Command: ControlChange, Controller: 7, Value: 1, Tick: 480},
		{Command: PatchChange, Value: 2, Tick: 0},
		{Command: ControlChange, Controller: 10, Value: 3, Tick: 960},
		{Command: PatchChange, Value: 4, Tick: 480},
	}
	for _, perm := range permutations(len(inserts)) {
		t.Run(fmt.Sprint(perm), func(t *testing.T) {
			tl := New(480, []Event{
				{Command: NoteOn, Value: 60, Velocity: 100, Tick: 0},
				{Command: NoteOff, Value: 60, Tick: 480},
			})
			for _, i := range perm {
				if err := tl.InsertEvents([]Event{inserts[i]}); err != nil {
					t.Fatalf("insert failed: %v", err)
				}
			}
			events := tl.Events()
			if len(events) != 6 {
				t.Fatalf("len = %d, want 6", len(events))
			}
			// existing events keep their place ahead of inserted ones at a tick
			if events[0].Command != NoteOn || events[2].Command != NoteOff {
				t.Fatalf("original events displaced: %v", events)
			}
			seen := make(map[int]int)
			for j, e := range events {
				if j > 0 && events[j-1].Tick > e.Tick {
					t.Fatalf("events out of order at %d: %v", j, events)
				}
				if j > 0 && events[j-1].Tick == e.Tick && events[j-1].Index > e.Index {
					t.Fatalf("insertion order lost at %d: %v", j, events)
				}
				if e.Command != NoteOn && e.Command != NoteOff {
					seen[e.Value]++
				}
			}
			for v := 1; v <= 4; v++ {
				if seen[v] != 1 {
					t.Fatalf("inserted value %d seen %d times", v, seen[v])
				}
			}
			if tl.TickLast() != 960 {
				t.Fatalf("tick last = %d, want 960", tl.TickLast())
			}
		})
	}
}

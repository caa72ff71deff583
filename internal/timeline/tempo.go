package timeline

import (
	"sort"
)

// DefaultMPQN is the tempo assumed until the first SetTempo event (120 BPM).
const DefaultMPQN = 500000

// TempoEntry is one segment of a tempo map. CumulativeMs is the real time at
// FromTick, computed from all previous segments.
type TempoEntry struct {
	FromTick                   int64
	MicrosecondsPerQuarterNote int
	CumulativeMs               float64
}

// BPM returns the tempo of the entry in beats per minute.
func (e TempoEntry) BPM() float64 {
	return MPQNToBPM(e.MicrosecondsPerQuarterNote)
}

// TempoMap converts between ticks and real time.
type TempoMap struct {
	ppq     int
	entries []TempoEntry
}

// NewTempoMap builds a tempo map from unordered tempo changes. The map always
// starts at tick 0; when several changes share a tick the last one wins.
func NewTempoMap(ppq int, changes []TempoEntry) *TempoMap {
	if ppq <= 0 {
		ppq = 480
	}
	sorted := make([]TempoEntry, 0, len(changes)+1)
	for _, c := range changes {
		if c.MicrosecondsPerQuarterNote <= 0 || c.FromTick < 0 {
			continue
		}
		sorted = append(sorted, TempoEntry{FromTick: c.FromTick, MicrosecondsPerQuarterNote: c.MicrosecondsPerQuarterNote})
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FromTick < sorted[j].FromTick })

	entries := make([]TempoEntry, 0, len(sorted)+1)
	if len(sorted) == 0 || sorted[0].FromTick > 0 {
		entries = append(entries, TempoEntry{FromTick: 0, MicrosecondsPerQuarterNote: DefaultMPQN})
	}
	for _, c := range sorted {
		if n := len(entries); n > 0 && entries[n-1].FromTick == c.FromTick {
			entries[n-1] = c
			continue
		}
		entries = append(entries, c)
	}
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		entries[i].CumulativeMs = prev.CumulativeMs + ticksToMs(entries[i].FromTick-prev.FromTick, prev.MicrosecondsPerQuarterNote, ppq)
	}
	return &TempoMap{ppq: ppq, entries: entries}
}

func ticksToMs(ticks int64, mpqn int, ppq int) float64 {
	return float64(ticks) * float64(mpqn) / (1000 * float64(ppq))
}

// PPQ returns the resolution in ticks per quarter note.
func (m *TempoMap) PPQ() int { return m.ppq }

// Entries returns a copy of the segments.
func (m *TempoMap) Entries() []TempoEntry {
	return append([]TempoEntry(nil), m.entries...)
}

func (m *TempoMap) indexForTick(tick int64) int {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].FromTick > tick })
	if i == 0 {
		return 0
	}
	return i - 1
}

// At returns the segment in effect at tick.
func (m *TempoMap) At(tick int64) TempoEntry {
	return m.entries[m.indexForTick(tick)]
}

// TickToMs converts an absolute tick to milliseconds. Negative ticks map to 0.
func (m *TempoMap) TickToMs(tick int64) float64 {
	if tick <= 0 {
		return 0
	}
	e := m.entries[m.indexForTick(tick)]
	return e.CumulativeMs + ticksToMs(tick-e.FromTick, e.MicrosecondsPerQuarterNote, m.ppq)
}

// MsToTick converts milliseconds to the last tick that is not later than ms.
func (m *TempoMap) MsToTick(ms float64) int64 {
	if ms <= 0 {
		return 0
	}
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].CumulativeMs > ms })
	if i > 0 {
		i--
	}
	e := m.entries[i]
	ticks := (ms - e.CumulativeMs) * 1000 * float64(m.ppq) / float64(e.MicrosecondsPerQuarterNote)
	return e.FromTick + int64(ticks+1e-9)
}

// PulseLength returns the duration of one tick in milliseconds at tick.
func (m *TempoMap) PulseLength(tick int64) float64 {
	return ticksToMs(1, m.At(tick).MicrosecondsPerQuarterNote, m.ppq)
}

func MPQNToBPM(mpqn int) float64 {
	if mpqn <= 0 {
		return 0
	}
	return 60000000 / float64(mpqn)
}

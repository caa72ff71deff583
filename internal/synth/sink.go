// Package synth turns dispatched timeline events into sound.
package synth

import "github.com/cbegin/midiplay-go/internal/timeline"

// Sink receives events after interception and channel processing.
// Send is called from the clock goroutine with the clock lock held and must
// not block.
type Sink interface {
	Send(ev timeline.Event) error
	// AllNotesOff silences every sounding voice.
	AllNotesOff()
	// SetVolume sets the master gain in [0,1].
	SetVolume(v float64)
}

// Discard is a Sink that drops every event.
type Discard struct{}

func (Discard) Send(timeline.Event) error { return nil }
func (Discard) AllNotesOff()              {}
func (Discard) SetVolume(float64)         {}

package midiplay

import (
	"errors"

	"github.com/Southclaws/fault/ftag"

	"github.com/cbegin/midiplay-go/internal/faults"
	"github.com/cbegin/midiplay-go/internal/sequencer"
	"github.com/cbegin/midiplay-go/internal/timeline"
)

// Error kinds carried by every error the player returns. Switch on KindOf.
const (
	KindParse    = faults.Parse
	KindConfig   = faults.Config
	KindCallback = faults.Callback
	KindState    = faults.State
	KindLoad     = faults.Load
)

type (
	ParseError    = timeline.ParseError
	LoadError     = faults.LoadError
	ConfigError   = faults.ConfigError
	StateError    = faults.StateError
	CallbackFault = faults.CallbackFault
)

var (
	ErrMalformedHeader   = timeline.ErrMalformedHeader
	ErrUnsupportedFormat = timeline.ErrUnsupportedFormat
	ErrTruncatedTrack    = timeline.ErrTruncatedTrack
	ErrChannelRange      = sequencer.ErrChannelRange
	ErrNoTimeline        = sequencer.ErrNoTimeline
	ErrInvalidSpeed      = sequencer.ErrInvalidSpeed
	ErrInvalidVolume     = sequencer.ErrInvalidVolume
	ErrTransposeRange    = sequencer.ErrTransposeRange
	ErrInvalidPreset     = sequencer.ErrInvalidPreset
	ErrNotPlaying        = sequencer.ErrNotPlaying
	ErrNotPaused         = sequencer.ErrNotPaused
	ErrClockHalted       = sequencer.ErrClockHalted
	ErrInvalidEvent      = timeline.ErrInvalidEvent

	ErrNavigationBusy    = errors.New("navigation already in progress")
	ErrEmptyCatalog      = errors.New("catalog is empty")
	ErrNotFound          = errors.New("no such entry in catalog")
	ErrIndexRange        = errors.New("catalog index out of range")
	ErrNotSupported      = errors.New("capability disabled")
	ErrPercentRange      = errors.New("percentage must be within [0,100]")
	ErrNilEnvironment    = errors.New("environment is required")
	ErrPlayerClosed      = errors.New("player closed")
	ErrSampleRate        = errors.New("sampleRate must be positive")
	ErrNoSoundFont       = errors.New("soundfont is required")
	ErrEnvironmentClosed = errors.New("environment closed")
)

// KindOf returns the kind of err, or ftag.None for foreign errors.
func KindOf(err error) ftag.Kind {
	return faults.Kind(err)
}

package sequencer

import "errors"

const (
	// ChannelCount is the number of MIDI channels in a session.
	ChannelCount = 16
	// DrumChannel is never transposed.
	DrumChannel = 9
	// Unforced marks a preset or bank that follows the file.
	Unforced = -1
)

var ErrChannelRange = errors.New("channel out of range")

// ChannelState holds the per-channel overrides applied during dispatch.
type ChannelState struct {
	Enabled       bool
	Volume        float64
	ForcedPreset  int
	ForcedBank    int
	CurrentPreset int
	CurrentBank   int
	NoteCount     int
}

func DefaultChannelState() ChannelState {
	return ChannelState{Enabled: true, Volume: 1, ForcedPreset: Unforced, ForcedBank: Unforced}
}

func resetChannels(ch *[ChannelCount]ChannelState) {
	for i := range ch {
		ch[i] = DefaultChannelState()
	}
}

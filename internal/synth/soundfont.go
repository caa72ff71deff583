package synth

import (
	"io"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/cbegin/midiplay-go/internal/faults"
	"github.com/cbegin/midiplay-go/internal/timeline"
)

// LoadSoundFont parses an SF2 bank.
func LoadSoundFont(r io.Reader) (*meltysynth.SoundFont, error) {
	sf, err := meltysynth.NewSoundFont(r)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("read soundfont"), ftag.With(faults.Config))
	}
	return sf, nil
}

// SoundFontSink renders events with a SoundFont synthesizer. It is also an
// audio.SampleSource producing interleaved stereo frames.
type SoundFontSink struct {
	mu       sync.Mutex
	synth    *meltysynth.Synthesizer
	baseGain float32
	left     []float32
	right    []float32
}

func NewSoundFontSink(sf *meltysynth.SoundFont, sampleRate int) (*SoundFontSink, error) {
	settings := meltysynth.NewSynthesizerSettings(int32(sampleRate))
	s, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return nil, fault.Wrap(err, fmsg.With("create synthesizer"), ftag.With(faults.Config))
	}
	return &SoundFontSink{synth: s, baseGain: s.MasterVolume}, nil
}

func (s *SoundFontSink) Send(ev timeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := int32(ev.Channel)
	switch ev.Command {
	case timeline.NoteOn:
		if ev.Velocity == 0 {
			s.synth.NoteOff(ch, int32(ev.Value))
			return nil
		}
		s.synth.NoteOn(ch, int32(ev.Value), int32(ev.Velocity))
	case timeline.NoteOff:
		s.synth.NoteOff(ch, int32(ev.Value))
	case timeline.ControlChange:
		s.synth.ProcessMidiMessage(ch, int32(timeline.ControlChange), int32(ev.Controller), int32(ev.Value))
	case timeline.PatchChange:
		s.synth.ProcessMidiMessage(ch, int32(timeline.PatchChange), int32(ev.Value), 0)
	case timeline.PitchWheelChange:
		s.synth.ProcessMidiMessage(ch, int32(timeline.PitchWheelChange), int32(ev.Value&0x7F), int32(ev.Value>>7&0x7F))
	case timeline.ChannelAfterTouch:
		s.synth.ProcessMidiMessage(ch, int32(timeline.ChannelAfterTouch), int32(ev.Value), 0)
	case timeline.KeyAfterTouch:
		s.synth.ProcessMidiMessage(ch, int32(timeline.KeyAfterTouch), int32(ev.Value), int32(ev.Velocity))
	}
	return nil
}

func (s *SoundFontSink) AllNotesOff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synth.NoteOffAll(false)
}

func (s *SoundFontSink) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synth.MasterVolume = s.baseGain * float32(v)
}

// Process fills dst with interleaved stereo frames.
func (s *SoundFontSink) Process(dst []float32) {
	frames := len(dst) / 2
	s.mu.Lock()
	defer s.mu.Unlock()
	if cap(s.left) < frames {
		s.left = make([]float32, frames)
		s.right = make([]float32, frames)
	}
	left, right := s.left[:frames], s.right[:frames]
	s.synth.Render(left, right)
	for i := 0; i < frames; i++ {
		dst[i*2] = left[i]
		dst[i*2+1] = right[i]
	}
}

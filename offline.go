package midiplay

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/cbegin/midiplay-go/internal/audio"
	"github.com/cbegin/midiplay-go/internal/faults"
	intseq "github.com/cbegin/midiplay-go/internal/sequencer"
	"github.com/cbegin/midiplay-go/internal/synth"
)

// SoundFont is a parsed SF2 bank.
type SoundFont = meltysynth.SoundFont

// LoadSoundFont parses an SF2 bank.
func LoadSoundFont(r io.Reader) (*SoundFont, error) {
	return synth.LoadSoundFont(r)
}

// renderBlock is the number of frames rendered between two clock steps.
const renderBlock = 64

// RenderSamples plays tl through sf without an audio device and returns
// seconds of interleaved stereo samples.
func RenderSamples(tl *Timeline, sf *SoundFont, sampleRate int, seconds float64) ([]float32, error) {
	if sampleRate <= 0 {
		return nil, faults.NewConfig("sample rate", sampleRate, ErrSampleRate)
	}
	if sf == nil {
		return nil, faults.NewConfig("soundfont", nil, ErrNoSoundFont)
	}
	sink, err := synth.NewSoundFontSink(sf, sampleRate)
	if err != nil {
		return nil, err
	}
	return render(tl, sink, audio.DefaultLimiter(sink, sampleRate), sampleRate, seconds)
}

func render(tl *Timeline, sink synth.Sink, source audio.SampleSource, sampleRate int, seconds float64) ([]float32, error) {
	clock := intseq.NewClock(sink, intseq.Options{})
	clock.Load("render", tl, false)
	if err := clock.Play(0); err != nil {
		return nil, err
	}
	frames := int(float64(sampleRate) * seconds)
	out := make([]float32, frames*2)
	step := time.Duration(renderBlock) * time.Second / time.Duration(sampleRate)
	for off := 0; off < frames; off += renderBlock {
		n := min(renderBlock, frames-off)
		clock.Advance(step)
		source.Process(out[off*2 : (off+n)*2])
	}
	if err := clock.Halted(); err != nil {
		return out, err
	}
	return out, nil
}

// EncodeWAV wraps interleaved float32 samples in a WAVE container.
func EncodeWAV(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	blockAlign := channels * 4
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3) // IEEE float
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}

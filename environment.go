package midiplay

import (
	"errors"
	"io"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2/drivers"
	"go.uber.org/zap"

	"github.com/cbegin/midiplay-go/internal/audio"
	"github.com/cbegin/midiplay-go/internal/faults"
	"github.com/cbegin/midiplay-go/internal/synth"
)

// Sink receives events after interception and channel processing.
type Sink = synth.Sink

// Environment owns what players share: the catalog, the output sinks and
// the logger. Create it with NewEnvironment and release it with Close.
type Environment struct {
	Catalog Catalog
	Logger  *zap.Logger

	mu      sync.Mutex
	mux     *synth.Mux
	out     deviceOutput
	outRate int
	closers []func() error
	closed  bool
}

type deviceOutput interface {
	Position() time.Duration
	Rendered() int64
}

// OutputStats reports the progress of the audio device stream.
type OutputStats struct {
	Attached bool
	// Position is what the listener hears now.
	Position time.Duration
	// Rendered counts frames pulled from the synthesizer.
	Rendered   int64
	SampleRate int
}

// Latency is the audio rendered but not yet heard.
func (o OutputStats) Latency() time.Duration {
	if !o.Attached || o.SampleRate <= 0 {
		return 0
	}
	ahead := time.Duration(o.Rendered)*time.Second/time.Duration(o.SampleRate) - o.Position
	return max(ahead, 0)
}

func NewEnvironment(catalog Catalog, log *zap.Logger) *Environment {
	if log == nil {
		log = zap.NewNop()
	}
	return &Environment{Catalog: catalog, Logger: log, mux: synth.NewMux()}
}

// Sink returns the fan-out of every attached sink.
func (e *Environment) Sink() Sink { return e.mux }

// AddSink attaches a sink for the given channels, or all channels.
func (e *Environment) AddSink(s Sink, channels ...int) {
	e.mux.AddSink(s, channels...)
}

// AttachSoundFont loads an SF2 bank and plays it on the default audio
// device at sampleRate.
func (e *Environment) AttachSoundFont(r io.Reader, sampleRate int, bufferSize time.Duration) error {
	if sampleRate <= 0 {
		return faults.NewConfig("sample rate", sampleRate, ErrSampleRate)
	}
	if err := e.usable(); err != nil {
		return err
	}
	sf, err := synth.LoadSoundFont(r)
	if err != nil {
		return err
	}
	sink, err := synth.NewSoundFontSink(sf, sampleRate)
	if err != nil {
		return err
	}
	out, err := audio.NewPlayer(sampleRate, audio.DefaultLimiter(sink, sampleRate), bufferSize)
	if err != nil {
		return faults.NewConfig("audio output", sampleRate, err)
	}
	out.Play()
	e.mux.AddSink(sink)
	e.setOutput(out, sampleRate)
	e.addCloser(out.Close)
	e.Logger.Info("soundfont attached", zap.Int("sample_rate", sampleRate))
	return nil
}

// AttachPort sends every event to a MIDI output port.
func (e *Environment) AttachPort(out drivers.Out, channels ...int) error {
	if err := e.usable(); err != nil {
		return err
	}
	sink, err := synth.OpenPort(out)
	if err != nil {
		return err
	}
	e.mux.AddSink(sink, channels...)
	e.addCloser(func() error {
		sink.AllNotesOff()
		return out.Close()
	})
	e.Logger.Info("midi port attached", zap.String("port", out.String()))
	return nil
}

// Output reports the audio device stream, if a soundfont is attached.
func (e *Environment) Output() OutputStats {
	e.mu.Lock()
	out, rate := e.out, e.outRate
	e.mu.Unlock()
	if out == nil {
		return OutputStats{}
	}
	return OutputStats{
		Attached:   true,
		Position:   out.Position(),
		Rendered:   out.Rendered(),
		SampleRate: rate,
	}
}

func (e *Environment) setOutput(out deviceOutput, sampleRate int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = out
	e.outRate = sampleRate
}

func (e *Environment) usable() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return faults.NewState("attach output", "closed", ErrEnvironmentClosed)
	}
	return nil
}

func (e *Environment) addCloser(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, fn)
}

// Close silences and releases every attached output.
func (e *Environment) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	closers := e.closers
	e.closers = nil
	e.out = nil
	e.mu.Unlock()

	e.mux.AllNotesOff()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = e.Logger.Sync()
	return errors.Join(errs...)
}

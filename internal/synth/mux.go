package synth

import (
	"errors"
	"sync"

	"github.com/cbegin/midiplay-go/internal/timeline"
)

// Mux routes events to several sinks by channel. It implements Sink.
// Meta and sysex events go to every sink.
type Mux struct {
	mu     sync.Mutex
	routes []route
}

type route struct {
	sink     Sink
	channels uint16
}

const allChannels = 0xFFFF

func NewMux() *Mux {
	return &Mux{}
}

// AddSink registers a sink for the given channels, or for all channels when
// none are given.
func (m *Mux) AddSink(s Sink, channels ...int) {
	mask := uint16(allChannels)
	if len(channels) > 0 {
		mask = 0
		for _, ch := range channels {
			if ch >= 0 && ch < 16 {
				mask |= 1 << ch
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, route{sink: s, channels: mask})
}

func (m *Mux) SetVolume(v float64) {
	for _, r := range m.snapshot() {
		r.sink.SetVolume(v)
	}
}

// Process mixes every sink that renders audio.
func (m *Mux) Process(dst []float32) {
	clear(dst)
	var scratch []float32
	for _, r := range m.snapshot() {
		src, ok := r.sink.(interface{ Process([]float32) })
		if !ok {
			continue
		}
		if scratch == nil {
			scratch = make([]float32, len(dst))
		}
		src.Process(scratch)
		for i, s := range scratch {
			dst[i] += s
		}
	}
}

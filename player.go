// Package midiplay plays Standard MIDI Files in real time and lets a host
// intercept every event before it reaches the synthesizer.
package midiplay

import (
	"context"
	"io"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/midiplay-go/internal/faults"
	"github.com/cbegin/midiplay-go/internal/observer"
	intseq "github.com/cbegin/midiplay-go/internal/sequencer"
	"github.com/cbegin/midiplay-go/internal/timeline"
)

// EventKind identifies player notifications.
type EventKind int

const (
	EventLoadComplete EventKind = iota
	EventPlaybackStarted
	EventBatch
	EventPlaybackEnded
	EventLoopCompleted
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventLoadComplete:
		return "load complete"
	case EventPlaybackStarted:
		return "playback started"
	case EventBatch:
		return "event batch"
	case EventPlaybackEnded:
		return "playback ended"
	case EventLoopCompleted:
		return "loop completed"
	case EventFault:
		return "fault"
	}
	return "unknown"
}

// EndReason tells why playback ended.
type EndReason = intseq.EndReason

const (
	EndOfFile = intseq.ReasonEndOfFile
	Stopped   = intseq.ReasonStopped
	Replaced  = intseq.ReasonReplaced
)

// Notification is delivered to observers on the notifier goroutine, never on
// the timing goroutine.
type Notification struct {
	Kind   EventKind
	Name   string
	Tick   int64
	Events []Event
	Reason EndReason
	Err    error
}

// Handle identifies a subscription.
type Handle = observer.Handle[EventKind]

// PlaybackState is the transport state.
type PlaybackState = intseq.State

const (
	StateStopped = intseq.StateStopped
	StatePlaying = intseq.StatePlaying
	StatePaused  = intseq.StatePaused
)

// Status is a snapshot of the session.
type Status struct {
	State       PlaybackState
	Name        string
	Index       int
	Tick        int64
	TickLast    int64
	PositionMs  float64
	DurationMs  float64
	Speed       float64
	Transpose   int
	Volume      float64
	Loop        bool
	ActiveNotes int
}

// Player is the session controller. Its methods are safe for concurrent use
// but must not be called from an intercept callback.
type Player struct {
	env   *Environment
	cfg   playerConfig
	log   *zap.Logger
	clock *intseq.Clock

	observers *observer.Registry[EventKind, Notification]
	eventCh   chan Notification
	quit      chan struct{}
	notified  chan struct{}

	loadMu sync.Mutex
	sessMu sync.Mutex
	name   string
	index  int

	doneMu sync.Mutex
	done   chan struct{}

	navigating atomic.Bool
	closed     atomic.Bool
	dropped    atomic.Int64
}

func NewPlayer(env *Environment, opts ...PlayerOption) (*Player, error) {
	if env == nil {
		return nil, faults.NewConfig("environment", nil, ErrNilEnvironment)
	}
	cfg := defaultPlayerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = env.Logger
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Player{
		env:       env,
		cfg:       cfg,
		log:       log,
		observers: observer.New[EventKind, Notification](log.Named("observers")),
		eventCh:   make(chan Notification, cfg.notifyBuffer),
		quit:      make(chan struct{}),
		notified:  make(chan struct{}),
		index:     -1,
	}
	var intercept Intercept
	if cfg.intercept != nil {
		if cfg.caps.Interception {
			intercept = cfg.intercept
		} else {
			log.Warn("intercept ignored, interception capability disabled")
		}
	}
	p.clock = intseq.NewClock(env.Sink(), intseq.Options{
		Period:    cfg.period,
		Watchdog:  cfg.watchdog,
		Intercept: intercept,
		OnEvent:   p.onClock,
		Logger:    log,
		Ramps:     cfg.caps.RampedTransitions,
	})
	p.clock.SetLoop(cfg.loop)
	p.clock.Start()
	go p.notify()
	return p, nil
}

// Capabilities returns the behaviors the player was built with.
func (p *Player) Capabilities() Capabilities { return p.cfg.caps }

// onClock runs on the timing goroutine or inside a control call. It must not
// block and must not take loadMu.
func (p *Player) onClock(n intseq.Notice) {
	out := Notification{Tick: n.Tick, Events: n.Events, Reason: n.Reason, Err: n.Err, Name: n.Name}
	switch n.Kind {
	case intseq.EventPlaybackStarted:
		out.Kind = EventPlaybackStarted
		p.armDone()
	case intseq.EventBatch:
		out.Kind = EventBatch
	case intseq.EventLoopCompleted:
		out.Kind = EventLoopCompleted
	case intseq.EventPlaybackEnded:
		out.Kind = EventPlaybackEnded
		p.signalDone()
	case intseq.EventFault:
		out.Kind = EventFault
	}
	p.sendEvent(out)
}

func (p *Player) sendEvent(n Notification) {
	select {
	case p.eventCh <- n:
	default:
		if p.dropped.Add(1) == 1 {
			p.log.Warn("notification queue full, dropping", zap.Stringer("kind", n.Kind))
		}
	}
}

func (p *Player) notify() {
	defer close(p.notified)
	for {
		select {
		case <-p.quit:
			return
		case n := <-p.eventCh:
			p.observers.Emit(n.Kind, n)
			if n.Kind == EventPlaybackEnded && n.Reason == EndOfFile && p.cfg.autoAdvance {
				if err := p.Next(context.Background(), false); err != nil {
					p.log.Warn("auto advance failed", zap.Error(err))
				}
			}
		}
	}
}

func (p *Player) armDone() {
	p.doneMu.Lock()
	defer p.doneMu.Unlock()
	if p.done == nil {
		p.done = make(chan struct{})
	}
}

func (p *Player) signalDone() {
	p.doneMu.Lock()
	done := p.done
	p.done = nil
	p.doneMu.Unlock()
	if done != nil {
		close(done)
	}
}

// Wait blocks until the current playback ends or ctx is done. It returns
// immediately when nothing is playing. With looping enabled playback only
// ends on Stop or Load.
func (p *Player) Wait(ctx context.Context) error {
	p.doneMu.Lock()
	done := p.done
	p.doneMu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn for notifications of kind. Observers run in
// subscription order on the notifier goroutine.
func (p *Player) Subscribe(kind EventKind, fn func(Notification)) Handle {
	return p.observers.Subscribe(kind, fn)
}

func (p *Player) Unsubscribe(h Handle) bool {
	return p.observers.Unsubscribe(h)
}

// Load resolves id in the catalog and replaces the session with it. On
// failure the current session is untouched and a *LoadError is returned.
func (p *Player) Load(id string) error {
	if p.closed.Load() {
		return faults.NewState("load", "closed", ErrPlayerClosed)
	}
	if p.env.Catalog == nil {
		return faults.NewLoad(id, ErrEmptyCatalog)
	}
	began := time.Now()
	rc, err := p.env.Catalog.Resolve(id)
	if err != nil {
		return faults.NewLoad(id, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return faults.NewLoad(id, err)
	}
	tl, err := timeline.Parse(data)
	if err != nil {
		p.log.Warn("load failed", zap.String("name", id), zap.Error(err))
		return faults.NewLoad(id, err)
	}
	p.install(id, slices.Index(p.env.Catalog.List(), id), tl)
	p.log.Info("loaded",
		zap.String("name", id),
		zap.Int("events", tl.Len()),
		zap.Int("tracks", tl.TrackCount()),
		zap.Float64("duration_ms", tl.DurationMs()),
		zap.Duration("load_time", time.Since(began)))
	return nil
}

// LoadIndex loads the i-th catalog entry.
func (p *Player) LoadIndex(i int) error {
	if p.env.Catalog == nil {
		return faults.NewLoad("", ErrEmptyCatalog)
	}
	list := p.env.Catalog.List()
	if i < 0 || i >= len(list) {
		return faults.NewConfig("catalog index", i, ErrIndexRange)
	}
	return p.Load(list[i])
}

// LoadTimeline replaces the session with an already built timeline.
func (p *Player) LoadTimeline(name string, tl *Timeline) error {
	if p.closed.Load() {
		return faults.NewState("load", "closed", ErrPlayerClosed)
	}
	if tl == nil {
		return faults.NewLoad(name, ErrNoTimeline)
	}
	p.install(name, -1, tl)
	return nil
}

func (p *Player) install(name string, index int, tl *timeline.Timeline) {
	p.loadMu.Lock()
	p.clock.Load(name, tl, p.cfg.preserveChannels)
	p.sessMu.Lock()
	p.name, p.index = name, index
	p.sessMu.Unlock()
	p.loadMu.Unlock()
	p.sendEvent(Notification{Kind: EventLoadComplete, Name: name})
}

func (p *Player) Name() string {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	return p.name
}

// Index returns the catalog position of the loaded file, -1 if it did not
// come from the catalog.
func (p *Player) Index() int {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	return p.index
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Play starts playback, fading in over rampUpMs when ramps are enabled.
func (p *Player) Play(rampUpMs int) error {
	return p.clock.Play(ms(rampUpMs))
}

// Stop stops playback, fading out over rampDownMs when ramps are enabled.
func (p *Player) Stop(rampDownMs int) {
	p.clock.Stop(ms(rampDownMs))
}

func (p *Player) Pause() error   { return p.clock.Pause() }
func (p *Player) Unpause() error { return p.clock.Unpause() }
func (p *Player) RePlay() error  { return p.clock.RePlay() }

// Next loads and plays the following catalog entry, wrapping around. With
// waitNotesOff it first fades out and waits until no note sounds.
func (p *Player) Next(ctx context.Context, waitNotesOff bool) error {
	return p.navigate(ctx, "next", 1, waitNotesOff)
}

// Previous loads and plays the preceding catalog entry, wrapping around.
func (p *Player) Previous(ctx context.Context, waitNotesOff bool) error {
	return p.navigate(ctx, "previous", -1, waitNotesOff)
}

func (p *Player) navigate(ctx context.Context, op string, delta int, waitNotesOff bool) error {
	if !p.navigating.CompareAndSwap(false, true) {
		return faults.NewState(op, "navigating", ErrNavigationBusy)
	}
	defer p.navigating.Store(false)

	if p.env.Catalog == nil {
		return faults.NewState(op, p.clock.State().String(), ErrEmptyCatalog)
	}
	list := p.env.Catalog.List()
	if len(list) == 0 {
		return faults.NewState(op, p.clock.State().String(), ErrEmptyCatalog)
	}
	if waitNotesOff {
		p.clock.Stop(p.cfg.navigationFade)
		if err := p.WaitAllNotesOff(ctx); err != nil {
			return err
		}
	} else {
		p.clock.Stop(0)
	}
	next := 0
	if cur := p.Index(); cur >= 0 {
		next = ((cur+delta)%len(list) + len(list)) % len(list)
	} else if delta < 0 {
		next = len(list) - 1
	}
	if err := p.Load(list[next]); err != nil {
		return err
	}
	return p.Play(0)
}

// WaitAllNotesOff blocks until every sounding note has been released or ctx
// is done. It never blocks the timing goroutine.
func (p *Player) WaitAllNotesOff(ctx context.Context) error {
	select {
	case <-p.clock.NotesOff():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SeekTick moves to tick, clamped to the file.
func (p *Player) SeekTick(tick int64) int64 { return p.clock.SeekTick(tick) }

// SeekMs moves to the tick sounding at ms.
func (p *Player) SeekMs(ms float64) int64 { return p.clock.SeekMs(ms) }

// SeekPercent moves to pct percent of the file, clamped to [0,100].
func (p *Player) SeekPercent(pct float64) int64 {
	return p.clock.SeekFraction(pct / 100)
}

func (p *Player) SetSpeed(f float64) error             { return p.clock.SetSpeed(f) }
func (p *Player) SetTranspose(semitones int) error     { return p.clock.SetTranspose(semitones) }
func (p *Player) SetVolume(v float64) error            { return p.clock.SetVolume(v) }
func (p *Player) SetLoop(loop bool)                    { p.clock.SetLoop(loop) }
func (p *Player) ChannelCount() int                    { return intseq.ChannelCount }
func (p *Player) Channel(ch int) (ChannelState, error) { return p.clock.Channel(ch) }

func (p *Player) SetChannelEnabled(ch int, enabled bool) error {
	return p.clock.SetChannelEnabled(ch, enabled)
}

func (p *Player) SetChannelVolume(ch int, v float64) error {
	return p.clock.SetChannelVolume(ch, v)
}

// ForcePreset pins a channel's program and bank. Unforced releases either.
func (p *Player) ForcePreset(ch, preset, bank int) error {
	return p.clock.ForcePreset(ch, preset, bank)
}

// SetBounds plays only between startPct and stopPct of the file.
func (p *Player) SetBounds(startPct, stopPct float64) error {
	for _, v := range []float64{startPct, stopPct} {
		if v < 0 || v > 100 || math.IsNaN(v) {
			return faults.NewConfig("bounds", v, ErrPercentRange)
		}
	}
	return p.clock.SetBoundsFraction(startPct/100, stopPct/100)
}

// InsertEvents merges events into the loaded file.
func (p *Player) InsertEvents(events []Event) error {
	if !p.cfg.caps.EventInsertion {
		return faults.NewState("insert events", p.clock.State().String(), ErrNotSupported)
	}
	return p.clock.InsertEvents(events)
}

// ClearAllSound releases every sounding note.
func (p *Player) ClearAllSound() { p.clock.ClearAllSound() }

func (p *Player) Status() Status {
	st := Status{
		State:       p.clock.State(),
		Name:        p.Name(),
		Index:       p.Index(),
		Tick:        p.clock.Tick(),
		PositionMs:  p.clock.PositionMs(),
		Speed:       p.clock.Speed(),
		Transpose:   p.clock.Transpose(),
		Volume:      p.clock.Volume(),
		Loop:        p.clock.Loop(),
		ActiveNotes: p.clock.ActiveNotes(),
	}
	p.clock.View(func(tl *timeline.Timeline) {
		st.TickLast = tl.TickLast()
		st.DurationMs = tl.DurationMs()
	})
	return st
}

// Stats counts dispatch work and faults of the timing goroutine.
type Stats = intseq.Stats

func (p *Player) Stats() Stats { return p.clock.Stats() }

// Close stops playback and the player goroutines. The environment stays open.
func (p *Player) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.clock.Close()
	close(p.quit)
	<-p.notified
	p.signalDone()
	return nil
}

package sequencer

import (
	"errors"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/midiplay-go/internal/faults"
	"github.com/cbegin/midiplay-go/internal/synth"
	"github.com/cbegin/midiplay-go/internal/timeline"
)

// State is the transport state of a Clock.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	}
	return "stopped"
}

// EventKind identifies clock lifecycle notices.
type EventKind int

const (
	EventPlaybackStarted EventKind = iota
	EventBatch
	EventLoopCompleted
	EventPlaybackEnded
	EventFault
)

// EndReason tells why playback ended.
type EndReason int

const (
	ReasonEndOfFile EndReason = iota
	ReasonStopped
	ReasonReplaced
)

func (r EndReason) String() string {
	switch r {
	case ReasonStopped:
		return "stopped"
	case ReasonReplaced:
		return "replaced"
	}
	return "end of file"
}

// Notice is delivered through Options.OnEvent outside the clock lock. Name is
// the session the notice was raised for.
type Notice struct {
	Kind   EventKind
	Name   string
	Tick   int64
	Events []timeline.Event
	Reason EndReason
	Err    error
}

// Requests is the side channel handed to intercept callbacks. Requests are
// queued and applied at the start of the next clock tick.
type Requests interface {
	RequestTempo(bpm float64)
	RequestSpeed(factor float64)
}

// Intercept may mutate ev or set ev.Dropped. It runs on the clock goroutine
// and must not call back into the clock other than through req.
type Intercept func(ev *timeline.Event, req Requests) error

type Options struct {
	// Period of the timing goroutine, 1ms by default.
	Period time.Duration
	// Watchdog is the intercept duration above which a warning is logged.
	Watchdog  time.Duration
	Intercept Intercept
	OnEvent   func(Notice)
	Logger    *zap.Logger
	// Ramps enables ramped Play and Stop.
	Ramps bool
}

// Stats counts dispatch activity since construction.
type Stats struct {
	Dispatched     int
	Dropped        int
	CallbackFaults int
	SlowCallbacks  int
	SinkErrors     int
	Loops          int
}

var (
	ErrNoTimeline     = errors.New("no timeline loaded")
	ErrUnsortedEvents = errors.New("event tick behind dispatch position")
	ErrInvalidSpeed   = errors.New("speed must be positive")
	ErrInvalidVolume  = errors.New("volume must be within [0,1]")
	ErrInvalidBounds  = errors.New("stop tick before start tick")
	ErrTransposeRange = errors.New("transpose must be within [-24,24]")
	ErrInvalidPreset  = errors.New("preset must be within [0,127]")
	ErrNotPlaying     = errors.New("not playing")
	ErrNotPaused      = errors.New("not paused")
	ErrClockHalted    = errors.New("clock halted")
)

const MaxTranspose = 24

type noteKey struct {
	channel, key int
}

type sounding struct {
	channel, key int
}

type ramp struct {
	active  bool
	from    float64
	to      float64
	elapsed time.Duration
	total   time.Duration
	release bool
}

type request struct {
	bpm   float64
	speed float64
}

// Clock advances a tick cursor through a timeline in real time and sends due
// events to a sink.
type Clock struct {
	mu   sync.Mutex
	sink synth.Sink
	opts Options
	log  *zap.Logger

	tl         *timeline.Timeline
	name       string
	state      State
	lastTick   int64 // events at or before lastTick have been dispatched
	pos        int64
	positionMs float64
	startTick  int64
	stopTick   int64
	speed      float64
	transpose  int
	volume     float64
	rampGain   float64
	ramp       ramp
	loop       bool
	channels   [ChannelCount]ChannelState
	active     map[noteKey][]sounding
	activeN    int
	notesOff   chan struct{}
	halted     error
	stats      Stats
	pending    []Notice

	reqMu    sync.Mutex
	requests []request

	startOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

func NewClock(sink synth.Sink, opts Options) *Clock {
	if sink == nil {
		sink = synth.Discard{}
	}
	if opts.Period <= 0 {
		opts.Period = time.Millisecond
	}
	if opts.Watchdog <= 0 {
		opts.Watchdog = 5 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Clock{
		sink:     sink,
		opts:     opts,
		log:      log.Named("clock"),
		stopTick: -1,
		speed:    1,
		volume:   1,
		rampGain: 1,
		active:   make(map[noteKey][]sounding),
		notesOff: make(chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	close(c.notesOff)
	resetChannels(&c.channels)
	return c
}

// Start launches the timing goroutine. It is a no-op after the first call.
func (c *Clock) Start() {
	c.startOnce.Do(func() { go c.run() })
}

func (c *Clock) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	ticker := time.NewTicker(c.opts.Period)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-c.quit:
			return
		case now := <-ticker.C:
			c.Advance(now.Sub(last))
			last = now
		}
	}
}

// Close stops playback and the timing goroutine.
func (c *Clock) Close() {
	c.Stop(0)
	started := true
	c.startOnce.Do(func() { started = false })
	select {
	case <-c.quit:
		return
	default:
		close(c.quit)
	}
	if started {
		<-c.done
	}
}

// Advance moves the clock forward by d of real time. The timing goroutine
// calls it every period; offline rendering and tests call it directly.
func (c *Clock) Advance(d time.Duration) {
	reqs := c.drainRequests()
	c.mu.Lock()
	for _, r := range reqs {
		c.applyRequest(r)
	}
	c.stepRamp(d)
	if c.state == StatePlaying && c.tl != nil && c.halted == nil {
		c.step(d)
	}
	c.unlockAndNotify()
}

func (c *Clock) step(d time.Duration) {
	c.positionMs += float64(d) / float64(time.Millisecond) * c.speed
	target := c.tl.MsToTick(c.positionMs)
	threshold := c.threshold()
	limit := min(target, threshold)

	var batch []timeline.Event
	prev := c.lastTick
	for i := c.tl.SearchTick(c.lastTick + 1); i < c.tl.Len(); i++ {
		src := c.tl.At(i)
		if src.Tick > limit {
			break
		}
		if src.Tick < prev {
			c.halt(src.Tick)
			return
		}
		prev = src.Tick
		if ev, ok := c.dispatch(src); ok {
			batch = append(batch, ev)
		}
	}
	if limit > c.lastTick {
		c.lastTick = limit
	}
	if target > c.pos {
		c.pos = min(target, threshold)
	}
	if len(batch) > 0 {
		c.raise(Notice{Kind: EventBatch, Tick: c.lastTick, Events: batch})
	}

	if target > threshold {
		c.releaseAll()
		if c.loop {
			c.stats.Loops++
			c.seekLocked(c.startTick)
			c.raise(Notice{Kind: EventLoopCompleted, Tick: threshold})
			return
		}
		c.state = StateStopped
		c.seekLocked(c.startTick)
		c.raise(Notice{Kind: EventPlaybackEnded, Tick: threshold, Reason: ReasonEndOfFile})
	}
}

func (c *Clock) threshold() int64 {
	if c.stopTick >= 0 {
		return c.stopTick
	}
	return c.tl.TickLast()
}

func (c *Clock) halt(tick int64) {
	err := faults.NewState("dispatch", c.state.String(), ErrUnsortedEvents)
	c.log.Error("halting clock", zap.Int64("tick", tick), zap.Int64("last_tick", c.lastTick), zap.Error(err))
	c.halted = err
	c.state = StateStopped
	c.releaseAll()
	c.raise(Notice{Kind: EventFault, Tick: tick, Err: err})
}

// dispatch runs one event through the intercept and channel pipeline and
// forwards it to the sink. It reports the event as sent, or false if dropped.
func (c *Clock) dispatch(src *timeline.Event) (timeline.Event, bool) {
	ev := src.Clone()
	if c.opts.Intercept != nil {
		c.intercept(&ev, src)
	}
	if ev.Dropped || (src.IsNoteStart() && ev.Command == timeline.NoteOn && ev.Velocity <= 0) {
		c.stats.Dropped++
		return ev, false
	}
	if ev.Channel < 0 || ev.Channel >= ChannelCount {
		ev.Channel = src.Channel
	}

	switch {
	case ev.IsNoteStart():
		if ev.Channel != DrumChannel {
			ev.Value = clampKey(ev.Value + c.transpose)
		}
		ch := &c.channels[ev.Channel]
		if !ch.Enabled {
			c.stats.Dropped++
			return ev, false
		}
		ev.Velocity = int(math.Round(float64(ev.Velocity) * ch.Volume))
		if ev.Velocity <= 0 {
			c.stats.Dropped++
			return ev, false
		}
		ch.NoteCount++
		c.noteStarted(noteKey{src.Channel, src.Value}, sounding{ev.Channel, ev.Value})
	case ev.IsNoteEnd():
		if s, ok := c.noteEnded(noteKey{src.Channel, src.Value}); ok {
			ev.Channel, ev.Value = s.channel, s.key
		} else if ev.Channel != DrumChannel {
			ev.Value = clampKey(ev.Value + c.transpose)
		}
	case ev.Command == timeline.PatchChange:
		ch := &c.channels[ev.Channel]
		if ch.ForcedPreset != Unforced {
			ev.Value = ch.ForcedPreset
		}
		ch.CurrentPreset = ev.Value
	case ev.Command == timeline.ControlChange && ev.Controller == 0:
		ch := &c.channels[ev.Channel]
		if ch.ForcedBank != Unforced {
			ev.Value = ch.ForcedBank
		}
		ch.CurrentBank = ev.Value
	}

	c.send(ev)
	return ev, true
}

func (c *Clock) intercept(ev *timeline.Event, src *timeline.Event) {
	began := time.Now()
	err := c.callIntercept(ev)
	if elapsed := time.Since(began); elapsed > c.opts.Watchdog {
		c.stats.SlowCallbacks++
		c.log.Warn("slow intercept", zap.Int64("tick", src.Tick), zap.Duration("elapsed", elapsed), zap.Duration("watchdog", c.opts.Watchdog))
	}
	if err == nil {
		return
	}
	*ev = src.Clone()
	ferr := faults.NewCallback(src.Tick, err)
	c.stats.CallbackFaults++
	c.log.Error("intercept failed, forwarding original event", zap.Int64("tick", src.Tick), zap.Stringer("command", src.Command), zap.Error(ferr))
	c.raise(Notice{Kind: EventFault, Tick: src.Tick, Err: ferr})
}

func (c *Clock) callIntercept(ev *timeline.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.Recovered(r)
		}
	}()
	return c.opts.Intercept(ev, c)
}

func (c *Clock) send(ev timeline.Event) {
	c.stats.Dispatched++
	if err := c.sink.Send(ev); err != nil {
		c.stats.SinkErrors++
		c.log.Warn("sink rejected event", zap.Stringer("event", ev), zap.Error(err))
	}
}

func clampKey(k int) int {
	return max(0, min(127, k))
}

func (c *Clock) noteStarted(k noteKey, s sounding) {
	c.active[k] = append(c.active[k], s)
	c.activeN++
	if c.activeN == 1 {
		c.notesOff = make(chan struct{})
	}
}

func (c *Clock) noteEnded(k noteKey) (sounding, bool) {
	q := c.active[k]
	if len(q) == 0 {
		return sounding{}, false
	}
	s := q[0]
	if len(q) == 1 {
		delete(c.active, k)
	} else {
		c.active[k] = q[1:]
	}
	c.activeN--
	if c.activeN == 0 {
		close(c.notesOff)
	}
	return s, true
}

// releaseAll sends a release for every sounding note and silences the sink.
func (c *Clock) releaseAll() {
	for k, q := range c.active {
		for _, s := range q {
			c.send(timeline.Event{Command: timeline.NoteOff, Channel: s.channel, Value: s.key, Tick: c.pos})
		}
		delete(c.active, k)
	}
	c.sink.AllNotesOff()
	if c.activeN > 0 {
		c.activeN = 0
		close(c.notesOff)
	}
}

func (c *Clock) stepRamp(d time.Duration) {
	r := &c.ramp
	if !r.active {
		return
	}
	r.elapsed += d
	frac := 1.0
	if r.total > 0 {
		frac = min(1, float64(r.elapsed)/float64(r.total))
	}
	c.rampGain = r.from + (r.to-r.from)*frac
	if frac >= 1 {
		r.active = false
		if r.release {
			c.releaseAll()
			c.rampGain = 1
		}
	}
	c.sink.SetVolume(c.volume * c.rampGain)
}

func (c *Clock) startRamp(from, to float64, total time.Duration, release bool) {
	c.ramp = ramp{active: true, from: from, to: to, total: total, release: release}
	c.rampGain = from
	c.sink.SetVolume(c.volume * c.rampGain)
}

// cancelRamp finishes a pending fade-out immediately.
func (c *Clock) cancelRamp() {
	if c.ramp.active && c.ramp.release {
		c.releaseAll()
		c.log.Debug("fade-out cut short")
	}
	c.ramp = ramp{}
	c.rampGain = 1
	c.sink.SetVolume(c.volume)
}

// raise queues n for delivery once the lock is released.
func (c *Clock) raise(n Notice) {
	n.Name = c.name
	c.pending = append(c.pending, n)
}

func (c *Clock) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if c.opts.OnEvent == nil {
		return
	}
	for _, n := range pending {
		c.opts.OnEvent(n)
	}
}

func (c *Clock) RequestTempo(bpm float64) {
	if bpm <= 0 || math.IsNaN(bpm) {
		return
	}
	c.reqMu.Lock()
	c.requests = append(c.requests, request{bpm: bpm})
	c.reqMu.Unlock()
}

func (c *Clock) RequestSpeed(factor float64) {
	if factor <= 0 || math.IsNaN(factor) {
		return
	}
	c.reqMu.Lock()
	c.requests = append(c.requests, request{speed: factor})
	c.reqMu.Unlock()
}

func (c *Clock) drainRequests() []request {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	reqs := c.requests
	c.requests = nil
	return reqs
}

// applyRequest turns a queued tempo into a speed relative to the tempo map.
func (c *Clock) applyRequest(r request) {
	switch {
	case r.speed > 0:
		c.speed = r.speed
	case r.bpm > 0 && c.tl != nil:
		c.speed = r.bpm / c.tl.Tempo().At(c.pos).BPM()
		c.log.Debug("tempo requested", zap.Float64("bpm", r.bpm), zap.Float64("speed", c.speed))
	}
}

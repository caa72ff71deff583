package sequencer

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/midiplay-go/internal/faults"
	"github.com/cbegin/midiplay-go/internal/timeline"
)

// Load replaces the timeline and names the new session. A playing session
// ends with ReasonReplaced and the clock is left stopped at tick 0. Once Load
// returns no event of the previous timeline is dispatched.
func (c *Clock) Load(name string, tl *timeline.Timeline, preserveChannels bool) {
	c.mu.Lock()
	if c.state != StateStopped {
		c.releaseAll()
		c.raise(Notice{Kind: EventPlaybackEnded, Tick: c.pos, Reason: ReasonReplaced})
	}
	c.cancelRamp()
	c.tl = tl
	c.name = name
	c.state = StateStopped
	c.halted = nil
	c.startTick = 0
	c.stopTick = -1
	if !preserveChannels {
		resetChannels(&c.channels)
	}
	c.seekLocked(0)
	c.unlockAndNotify()
}

// View calls fn with the loaded timeline while holding the clock lock. It
// reports false when nothing is loaded. fn must not call back into the clock.
func (c *Clock) View(fn func(tl *timeline.Timeline)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tl == nil {
		return false
	}
	fn(c.tl)
	return true
}

// Play starts or resumes playback. It is a no-op while playing. With ramps
// enabled a positive rampUp fades the volume in.
func (c *Clock) Play(rampUp time.Duration) error {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if err := c.playable("play"); err != nil {
		return err
	}
	switch c.state {
	case StatePlaying:
		return nil
	case StatePaused:
		c.state = StatePlaying
		return nil
	}
	c.cancelRamp()
	c.state = StatePlaying
	if c.opts.Ramps && rampUp > 0 {
		c.startRamp(0, 1, rampUp, false)
	}
	c.raise(Notice{Kind: EventPlaybackStarted, Tick: c.pos})
	c.log.Debug("playback started", zap.Int64("tick", c.pos), zap.Duration("ramp", rampUp))
	return nil
}

func (c *Clock) playable(op string) error {
	if c.tl == nil {
		return faults.NewState(op, c.state.String(), ErrNoTimeline)
	}
	if c.halted != nil {
		return faults.NewState(op, c.state.String(), ErrClockHalted)
	}
	return nil
}

// RePlay rewinds to the start tick and plays.
func (c *Clock) RePlay() error {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if err := c.playable("replay"); err != nil {
		return err
	}
	c.cancelRamp()
	c.releaseAll()
	c.seekLocked(c.startTick)
	c.state = StatePlaying
	c.raise(Notice{Kind: EventPlaybackStarted, Tick: c.pos})
	return nil
}

// Stop always leaves the clock stopped at the start tick. With ramps enabled
// a positive rampDown fades the sounding notes out before releasing them.
func (c *Clock) Stop(rampDown time.Duration) {
	c.mu.Lock()
	defer c.unlockAndNotify()
	wasActive := c.state != StateStopped
	c.state = StateStopped
	if c.opts.Ramps && rampDown > 0 && c.activeN > 0 {
		c.startRamp(c.rampGain, 0, rampDown, true)
	} else {
		c.cancelRamp()
		c.releaseAll()
	}
	if wasActive {
		c.raise(Notice{Kind: EventPlaybackEnded, Tick: c.pos, Reason: ReasonStopped})
	}
	if c.tl != nil {
		c.seekLocked(c.startTick)
	}
}

func (c *Clock) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePlaying {
		return faults.NewState("pause", c.state.String(), ErrNotPlaying)
	}
	c.state = StatePaused
	c.releaseAll()
	return nil
}

func (c *Clock) Unpause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return faults.NewState("unpause", c.state.String(), ErrNotPaused)
	}
	c.state = StatePlaying
	return nil
}

func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Halted returns the invariant violation that stopped the clock, if any.
func (c *Clock) Halted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// SeekTick moves the cursor, clamping to [0, TickLast]. It returns the tick
// actually applied.
func (c *Clock) SeekTick(tick int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tl == nil {
		return 0
	}
	return c.seekClamped(tick)
}

func (c *Clock) seekClamped(tick int64) int64 {
	tick = max(0, min(tick, c.tl.TickLast()))
	c.releaseAll()
	c.seekLocked(tick)
	return tick
}

// SeekMs moves the cursor to the tick sounding at ms.
func (c *Clock) SeekMs(ms float64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tl == nil {
		return 0
	}
	return c.seekClamped(c.tl.MsToTick(ms))
}

// SeekFraction moves the cursor to f of the timeline, f clamped to [0,1].
func (c *Clock) SeekFraction(f float64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tl == nil {
		return 0
	}
	if math.IsNaN(f) {
		f = 0
	}
	f = max(0, min(1, f))
	return c.seekClamped(int64(float64(c.tl.TickLast()) * f))
}

func (c *Clock) seekLocked(tick int64) {
	c.pos = tick
	c.lastTick = tick - 1
	if c.tl != nil {
		c.positionMs = c.tl.TickToMs(tick)
	} else {
		c.positionMs = 0
	}
}

// Tick returns the current cursor position.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

func (c *Clock) PositionMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionMs
}

// SetBounds restricts playback to [start, stop]; a negative stop plays to
// the last tick. Both are clamped to the timeline.
func (c *Clock) SetBounds(start, stop int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tl == nil {
		return faults.NewState("set bounds", c.state.String(), ErrNoTimeline)
	}
	return c.setBoundsLocked(start, stop)
}

// SetBoundsFraction sets the bounds as fractions of the timeline. A stop of 1
// or more plays to the last tick.
func (c *Clock) SetBoundsFraction(start, stop float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tl == nil {
		return faults.NewState("set bounds", c.state.String(), ErrNoTimeline)
	}
	last := float64(c.tl.TickLast())
	stopTick := int64(last * stop)
	if stop >= 1 {
		stopTick = -1
	}
	return c.setBoundsLocked(int64(last*start), stopTick)
}

func (c *Clock) setBoundsLocked(start, stop int64) error {
	last := c.tl.TickLast()
	start = max(0, min(start, last))
	if stop >= 0 {
		stop = min(stop, last)
		if stop < start {
			return faults.NewConfig("stop tick", stop, ErrInvalidBounds)
		}
	} else {
		stop = -1
	}
	c.startTick, c.stopTick = start, stop
	if c.pos < start {
		c.seekLocked(start)
	}
	return nil
}

func (c *Clock) SetSpeed(f float64) error {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return faults.NewConfig("speed", f, ErrInvalidSpeed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = f
	return nil
}

func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetTranspose shifts every non-drum note by semitones in [-24,24].
func (c *Clock) SetTranspose(semitones int) error {
	if semitones < -MaxTranspose || semitones > MaxTranspose {
		return faults.NewConfig("transpose", semitones, ErrTransposeRange)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transpose = semitones
	return nil
}

func (c *Clock) Transpose() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transpose
}

func (c *Clock) SetVolume(v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return faults.NewConfig("volume", v, ErrInvalidVolume)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = v
	c.sink.SetVolume(c.volume * c.rampGain)
	return nil
}

func (c *Clock) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func (c *Clock) SetLoop(loop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop = loop
}

func (c *Clock) Loop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

func checkChannel(ch int) error {
	if ch < 0 || ch >= ChannelCount {
		return faults.NewConfig("channel", ch, ErrChannelRange)
	}
	return nil
}

func (c *Clock) Channel(ch int) (ChannelState, error) {
	if err := checkChannel(ch); err != nil {
		return ChannelState{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[ch], nil
}

// SetChannelEnabled mutes or unmutes a channel. Muting releases its notes.
func (c *Clock) SetChannelEnabled(ch int, enabled bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch].Enabled = enabled
	if !enabled {
		c.releaseChannel(ch)
	}
	return nil
}

func (c *Clock) SetChannelVolume(ch int, v float64) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if v < 0 || v > 1 || math.IsNaN(v) {
		return faults.NewConfig("channel volume", v, ErrInvalidVolume)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch].Volume = v
	return nil
}

// ForcePreset pins the program (and bank unless Unforced) of a channel and
// sends the change right away. Passing Unforced for preset releases the pin.
func (c *Clock) ForcePreset(ch, preset, bank int) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if preset != Unforced && (preset < 0 || preset > 127) {
		return faults.NewConfig("preset", preset, ErrInvalidPreset)
	}
	if bank != Unforced && (bank < 0 || bank > 127) {
		return faults.NewConfig("bank", bank, ErrInvalidPreset)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	state := &c.channels[ch]
	state.ForcedPreset, state.ForcedBank = preset, bank
	if bank != Unforced {
		state.CurrentBank = bank
		c.send(timeline.Event{Command: timeline.ControlChange, Channel: ch, Controller: 0, Value: bank, Tick: c.pos})
	}
	if preset != Unforced {
		state.CurrentPreset = preset
		c.send(timeline.Event{Command: timeline.PatchChange, Channel: ch, Value: preset, Tick: c.pos})
	}
	return nil
}

func (c *Clock) releaseChannel(ch int) {
	for k, q := range c.active {
		kept := q[:0]
		for _, s := range q {
			if s.channel != ch {
				kept = append(kept, s)
				continue
			}
			c.send(timeline.Event{Command: timeline.NoteOff, Channel: s.channel, Value: s.key, Tick: c.pos})
			c.activeN--
		}
		if len(kept) == 0 {
			delete(c.active, k)
		} else {
			c.active[k] = kept
		}
	}
	if c.activeN == 0 {
		select {
		case <-c.notesOff:
		default:
			close(c.notesOff)
		}
	}
}

// InsertEvents merges events into the loaded timeline. Events at or before
// the last dispatched tick are not replayed.
func (c *Clock) InsertEvents(events []timeline.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tl == nil {
		return faults.NewState("insert events", c.state.String(), ErrNoTimeline)
	}
	offset := c.positionMs - c.tl.TickToMs(c.pos)
	if err := c.tl.InsertEvents(events); err != nil {
		return err
	}
	// an inserted tempo change moves the real time of the cursor
	c.positionMs = c.tl.TickToMs(c.pos) + offset
	return nil
}

// NotesOff returns a channel that is closed while no note is sounding.
func (c *Clock) NotesOff() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notesOff
}

func (c *Clock) ActiveNotes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeN
}

// ClearAllSound releases every sounding note without changing the transport.
func (c *Clock) ClearAllSound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseAll()
}

func (c *Clock) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

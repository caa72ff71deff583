package sequencer

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cbegin/midiplay-go/internal/faults"
	"github.com/cbegin/midiplay-go/internal/timeline"
)

type recordingSink struct {
	events  []timeline.Event
	volumes []float64
	allOff  int
}

func (s *recordingSink) Send(ev timeline.Event) error {
	s.events = append(s.events, ev)
	return nil
}
func (s *recordingSink) AllNotesOff()        { s.allOff++ }
func (s *recordingSink) SetVolume(v float64) { s.volumes = append(s.volumes, v) }

func (s *recordingSink) notes(cmd timeline.Command) []timeline.Event {
	var out []timeline.Event
	for _, e := range s.events {
		if e.Command == cmd {
			out = append(out, e)
		}
	}
	return out
}

type noticeLog struct {
	notices []Notice
}

func (l *noticeLog) add(n Notice) { l.notices = append(l.notices, n) }

func (l *noticeLog) count(kind EventKind) int {
	n := 0
	for _, x := range l.notices {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

func note(ch, key int, on, off int64) []timeline.Event {
	return []timeline.Event{
		{Channel: ch, Command: timeline.NoteOn, Value: key, Velocity: 100, Tick: on},
		{Channel: ch, Command: timeline.NoteOff, Value: key, Tick: off},
	}
}

func newTestClock(t *testing.T, opts Options, events ...timeline.Event) (*Clock, *recordingSink, *noticeLog) {
	t.Helper()
	sink := &recordingSink{}
	log := &noticeLog{}
	opts.OnEvent = log.add
	c := NewClock(sink, opts)
	c.Load("test", timeline.New(480, events), false)
	return c, sink, log
}

func TestClockDispatchesDueEventsInOrder(t *testing.T) {
	events := append(note(0, 60, 0, 480), note(1, 64, 0, 960)...)
	c, sink, log := newTestClock(t, Options{}, events...)
	if err := c.Play(0); err != nil {
		t.Fatalf("play: %v", err)
	}
	c.Advance(time.Millisecond)
	if len(sink.events) != 2 {
		t.Fatalf("dispatched %d events at tick 0, want 2", len(sink.events))
	}
	if sink.events[0].Value != 60 || sink.events[1].Value != 64 {
		t.Fatalf("tie order = %v", sink.events)
	}
	c.Advance(499 * time.Millisecond)
	if got := c.Tick(); got != 480 {
		t.Fatalf("tick = %d, want 480", got)
	}
	if len(sink.events) != 3 || sink.events[2].Command != timeline.NoteOff {
		t.Fatalf("events = %v", sink.events)
	}
	if log.count(EventPlaybackStarted) != 1 || log.count(EventBatch) != 2 {
		t.Fatalf("notices = %+v", log.notices)
	}
}

func TestClockPlayIsIdempotent(t *testing.T) {
	c, _, log := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	_ = c.Play(0)
	_ = c.Play(0)
	if log.count(EventPlaybackStarted) != 1 {
		t.Fatalf("started %d times", log.count(EventPlaybackStarted))
	}
	if c.State() != StatePlaying {
		t.Fatalf("state = %s", c.State())
	}
}

func TestClockBoundaryIsInclusive(t *testing.T) {
	c, sink, log := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	_ = c.Play(0)
	c.Advance(500 * time.Millisecond)
	if c.State() != StatePlaying {
		t.Fatalf("playback ended on the boundary tick")
	}
	if len(sink.notes(timeline.NoteOff)) != 1 {
		t.Fatalf("boundary events not dispatched: %v", sink.events)
	}
	c.Advance(2 * time.Millisecond)
	if c.State() != StateStopped {
		t.Fatalf("state = %s, want stopped past the boundary", c.State())
	}
	last := log.notices[len(log.notices)-1]
	if last.Kind != EventPlaybackEnded || last.Reason != ReasonEndOfFile {
		t.Fatalf("last notice = %+v", last)
	}
}

func TestClockLoops(t *testing.T) {
	c, sink, log := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	c.SetLoop(true)
	_ = c.Play(0)
	c.Advance(502 * time.Millisecond)
	if log.count(EventLoopCompleted) != 1 {
		t.Fatalf("loop notices = %d", log.count(EventLoopCompleted))
	}
	if c.State() != StatePlaying || c.Tick() != 0 {
		t.Fatalf("state %s tick %d after loop", c.State(), c.Tick())
	}
	c.Advance(time.Millisecond)
	if got := len(sink.notes(timeline.NoteOn)); got != 2 {
		t.Fatalf("note ons = %d, want 2 after looping", got)
	}
}

func TestClockStopBoundsAndStartTick(t *testing.T) {
	events := append(note(0, 60, 0, 480), note(0, 62, 960, 1440)...)
	c, sink, _ := newTestClock(t, Options{}, events...)
	if err := c.SetBounds(480, 960); err != nil {
		t.Fatalf("set bounds: %v", err)
	}
	if c.Tick() != 480 {
		t.Fatalf("tick = %d, want start tick 480", c.Tick())
	}
	_ = c.Play(0)
	c.Advance(2000 * time.Millisecond)
	if c.State() != StateStopped {
		t.Fatalf("state = %s", c.State())
	}
	for _, e := range sink.events {
		if e.Tick > 960 {
			t.Fatalf("event past stop tick dispatched: %v", e)
		}
	}
	if err := c.SetBounds(900, 100); err == nil {
		t.Fatalf("expected config error for inverted bounds")
	}
}

func TestClockSeekClamps(t *testing.T) {
	c, _, _ := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	if got := c.SeekTick(-5); got != 0 || c.Tick() != 0 {
		t.Fatalf("SeekTick(-5) = %d", got)
	}
	if got := c.SeekTick(580); got != 480 || c.Tick() != 480 {
		t.Fatalf("SeekTick(580) = %d, want 480", got)
	}
	if got := c.SeekMs(250); got != 240 {
		t.Fatalf("SeekMs(250) = %d, want 240", got)
	}
}

func TestClockLoadReplacesSession(t *testing.T) {
	c, sink, log := newTestClock(t, Options{}, note(0, 60, 0, 4800)...)
	_ = c.Play(0)
	c.Advance(10 * time.Millisecond)
	c.Load("test", timeline.New(480, note(5, 70, 0, 480)), false)
	if c.State() != StateStopped {
		t.Fatalf("state after load = %s", c.State())
	}
	last := log.notices[len(log.notices)-1]
	if last.Kind != EventPlaybackEnded || last.Reason != ReasonReplaced {
		t.Fatalf("last notice = %+v", last)
	}
	mark := len(sink.events)
	_ = c.Play(0)
	c.Advance(600 * time.Millisecond)
	for _, e := range sink.events[mark:] {
		if e.Channel != 5 {
			t.Fatalf("event of the replaced timeline dispatched: %v", e)
		}
	}
}

func TestClockInterceptFaultForwardsOriginal(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	cases := []struct {
		name      string
		intercept Intercept
	}{
		{"error", func(ev *timeline.Event, _ Requests) error {
			ev.Value = 0
			return errors.New("boom")
		}},
		{"panic", func(ev *timeline.Event, _ Requests) error {
			ev.Velocity = 1
			panic("boom")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, sink, log := newTestClock(t, Options{Intercept: tc.intercept, Logger: zap.New(core)}, note(0, 60, 0, 480)...)
			_ = c.Play(0)
			c.Advance(time.Millisecond)
			if len(sink.events) != 1 {
				t.Fatalf("events = %v", sink.events)
			}
			if e := sink.events[0]; e.Value != 60 || e.Velocity != 100 {
				t.Fatalf("forwarded %v, want the unmodified event", e)
			}
			if c.State() != StatePlaying {
				t.Fatalf("clock stopped after a callback fault")
			}
			var fault Notice
			for _, n := range log.notices {
				if n.Kind == EventFault {
					fault = n
				}
			}
			if !faults.Is(fault.Err, faults.Callback) {
				t.Fatalf("fault notice = %+v", fault)
			}
			if c.Stats().CallbackFaults != 1 {
				t.Fatalf("stats = %+v", c.Stats())
			}
		})
	}
	if got := logs.FilterMessage("intercept failed, forwarding original event").Len(); got != 2 {
		t.Fatalf("logged %d callback faults, want 2", got)
	}
}

func TestClockSlowInterceptIsCounted(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	slow := func(ev *timeline.Event, _ Requests) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}
	c, sink, _ := newTestClock(t, Options{Intercept: slow, Watchdog: time.Millisecond, Logger: zap.New(core)}, note(0, 60, 0, 480)...)
	_ = c.Play(0)
	c.Advance(600 * time.Millisecond)
	if len(sink.events) != 2 {
		t.Fatalf("slow intercept dropped events: %v", sink.events)
	}
	if c.Stats().SlowCallbacks != 2 {
		t.Fatalf("slow callbacks = %d, want 2", c.Stats().SlowCallbacks)
	}
	if logs.FilterMessage("slow intercept").Len() != 2 {
		t.Fatalf("watchdog warnings missing")
	}
}

func TestClockNoteOffFollowsInterceptedKey(t *testing.T) {
	up := func(ev *timeline.Event, _ Requests) error {
		if ev.IsNoteStart() {
			ev.Value += 12
		}
		return nil
	}
	events := append(note(0, 60, 0, 480), note(DrumChannel, 36, 0, 480)...)
	c, sink, _ := newTestClock(t, Options{Intercept: up}, events...)
	if err := c.SetTranspose(2); err != nil {
		t.Fatalf("transpose: %v", err)
	}
	_ = c.Play(0)
	c.Advance(600 * time.Millisecond)
	want := map[int]int{0: 74, DrumChannel: 48}
	for _, e := range sink.events {
		if e.Value != want[e.Channel] {
			t.Fatalf("%s on ch %d key %d, want %d", e.Command, e.Channel, e.Value, want[e.Channel])
		}
	}
	if c.ActiveNotes() != 0 {
		t.Fatalf("stuck notes: %d", c.ActiveNotes())
	}
}

func TestClockChannelOverrides(t *testing.T) {
	events := []timeline.Event{
		{Channel: 2, Command: timeline.PatchChange, Value: 10, Tick: 0},
		{Channel: 2, Command: timeline.NoteOn, Value: 60, Velocity: 100, Tick: 0},
		{Channel: 3, Command: timeline.NoteOn, Value: 60, Velocity: 100, Tick: 0},
	}
	c, sink, _ := newTestClock(t, Options{}, events...)
	if err := c.SetChannelVolume(2, 0.5); err != nil {
		t.Fatalf("channel volume: %v", err)
	}
	if err := c.SetChannelEnabled(3, false); err != nil {
		t.Fatalf("channel enabled: %v", err)
	}
	if err := c.ForcePreset(2, 40, Unforced); err != nil {
		t.Fatalf("force preset: %v", err)
	}
	_ = c.Play(0)
	c.Advance(time.Millisecond)

	patches := sink.notes(timeline.PatchChange)
	if len(patches) != 2 || patches[0].Value != 40 || patches[1].Value != 40 {
		t.Fatalf("patch changes = %v", patches)
	}
	ons := sink.notes(timeline.NoteOn)
	if len(ons) != 1 || ons[0].Channel != 2 || ons[0].Velocity != 50 {
		t.Fatalf("note ons = %v", ons)
	}
	st, err := c.Channel(2)
	if err != nil || st.NoteCount != 1 || st.CurrentPreset != 40 {
		t.Fatalf("channel state = %+v, %v", st, err)
	}
	if err := c.SetChannelEnabled(16, true); !errors.Is(err, ErrChannelRange) {
		t.Fatalf("err = %v, want ErrChannelRange", err)
	}
	if _, err := c.Channel(-1); !errors.Is(err, ErrChannelRange) {
		t.Fatalf("err = %v, want ErrChannelRange", err)
	}
}

func TestClockRejectsInvalidParameters(t *testing.T) {
	c, _, _ := newTestClock(t, Options{})
	if err := c.SetSpeed(-1); !faults.Is(err, faults.Config) {
		t.Fatalf("SetSpeed(-1) err = %v", err)
	}
	if c.Speed() != 1 {
		t.Fatalf("speed changed to %v", c.Speed())
	}
	if err := c.SetTranspose(25); !errors.Is(err, ErrTransposeRange) {
		t.Fatalf("SetTranspose(25) err = %v", err)
	}
	if err := c.SetVolume(1.5); !errors.Is(err, ErrInvalidVolume) {
		t.Fatalf("SetVolume(1.5) err = %v", err)
	}
	if err := c.Unpause(); !faults.Is(err, faults.State) {
		t.Fatalf("Unpause while stopped err = %v", err)
	}
}

func TestClockPauseHoldsPosition(t *testing.T) {
	c, sink, _ := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	_ = c.Play(0)
	c.Advance(100 * time.Millisecond)
	if err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	tick := c.Tick()
	c.Advance(time.Second)
	if c.Tick() != tick {
		t.Fatalf("paused clock moved from %d to %d", tick, c.Tick())
	}
	if c.ActiveNotes() != 0 || sink.allOff == 0 {
		t.Fatalf("pause did not release notes")
	}
	if err := c.Unpause(); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	c.Advance(100 * time.Millisecond)
	if c.Tick() <= tick {
		t.Fatalf("clock did not resume")
	}
}

func TestClockNotesOffSignal(t *testing.T) {
	c, _, _ := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	_ = c.Play(0)
	c.Advance(time.Millisecond)
	select {
	case <-c.NotesOff():
		t.Fatalf("notes off signalled while a note sounds")
	default:
	}
	c.Advance(500 * time.Millisecond)
	select {
	case <-c.NotesOff():
	default:
		t.Fatalf("notes off not signalled after release")
	}
}

func TestClockRampedStopReleasesNotes(t *testing.T) {
	c, sink, _ := newTestClock(t, Options{Ramps: true}, note(0, 60, 0, 4800)...)
	_ = c.Play(0)
	c.Advance(time.Millisecond)
	c.Stop(100 * time.Millisecond)
	if c.State() != StateStopped {
		t.Fatalf("state = %s", c.State())
	}
	if c.ActiveNotes() != 1 {
		t.Fatalf("fade-out released notes early")
	}
	c.Advance(50 * time.Millisecond)
	if v := sink.volumes[len(sink.volumes)-1]; v < 0.49 || v > 0.51 {
		t.Fatalf("volume mid fade = %v", v)
	}
	c.Advance(60 * time.Millisecond)
	if c.ActiveNotes() != 0 || len(sink.notes(timeline.NoteOff)) != 1 {
		t.Fatalf("ramped stop left notes sounding")
	}
	if v := sink.volumes[len(sink.volumes)-1]; v != 1 {
		t.Fatalf("volume after fade = %v, want restored 1", v)
	}
}

func TestClockRampedPlayFadesIn(t *testing.T) {
	c, sink, _ := newTestClock(t, Options{Ramps: true}, note(0, 60, 0, 480)...)
	_ = c.Play(200 * time.Millisecond)
	if sink.volumes[len(sink.volumes)-1] != 0 {
		t.Fatalf("ramp did not start silent")
	}
	c.Advance(100 * time.Millisecond)
	if v := sink.volumes[len(sink.volumes)-1]; v < 0.49 || v > 0.51 {
		t.Fatalf("volume mid ramp = %v", v)
	}
}

func TestClockTempoRequestFromIntercept(t *testing.T) {
	events := []timeline.Event{
		{Command: timeline.MetaEvent, Meta: timeline.SetTempo, Value: timeline.DefaultMPQN, Tick: 0},
		{Command: timeline.NoteOn, Value: 60, Velocity: 100, Tick: 0},
	}
	slower := func(ev *timeline.Event, req Requests) error {
		if ev.Command == timeline.MetaEvent && ev.Meta == timeline.SetTempo {
			req.RequestTempo(60)
		}
		return nil
	}
	c, _, _ := newTestClock(t, Options{Intercept: slower}, events...)
	_ = c.Play(0)
	c.Advance(time.Millisecond)
	if c.Speed() != 1 {
		t.Fatalf("request applied in place")
	}
	c.Advance(time.Millisecond)
	if c.Speed() != 0.5 {
		t.Fatalf("speed = %v, want 0.5", c.Speed())
	}
}

func TestClockHaltsOnUnsortedTimeline(t *testing.T) {
	c, _, log := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	if err := c.InsertEvents([]timeline.Event{{Command: timeline.ControlChange, Controller: 7, Value: 1, Tick: 960}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = c.Play(0)
	c.Advance(time.Millisecond)
	c.View(func(tl *timeline.Timeline) { tl.At(2).Tick = 100 })
	c.Advance(time.Second)
	if err := c.Halted(); !faults.Is(err, faults.State) {
		t.Fatalf("halted = %v", err)
	}
	if c.State() != StateStopped || log.count(EventFault) != 1 {
		t.Fatalf("clock kept running after an invariant violation")
	}
	if err := c.Play(0); !errors.Is(err, ErrClockHalted) {
		t.Fatalf("play after halt err = %v", err)
	}
}

func TestClockRunsOnItsOwnGoroutine(t *testing.T) {
	sink := &recordingSink{}
	ended := make(chan Notice, 8)
	c := NewClock(sink, Options{OnEvent: func(n Notice) {
		if n.Kind == EventPlaybackEnded {
			ended <- n
		}
	}})
	c.Load("test", timeline.New(480, note(0, 60, 0, 48)), false)
	c.Start()
	defer c.Close()
	_ = c.Play(0)
	select {
	case n := <-ended:
		if n.Reason != ReasonEndOfFile {
			t.Fatalf("reason = %s", n.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("playback did not end")
	}
}

func TestClockViewIsSerializedWithInsert(t *testing.T) {
	c, _, _ := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 200 {
			err := c.InsertEvents([]timeline.Event{{
				Command: timeline.MetaEvent,
				Meta:    timeline.SetTempo,
				Value:   400000 + i,
				Tick:    int64(480 + i),
			}})
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
		}
	}()
	for range 200 {
		c.View(func(tl *timeline.Timeline) {
			if tl.DurationMs() <= 0 || tl.MsToTick(10) < 0 {
				t.Errorf("inconsistent timeline: duration %v", tl.DurationMs())
			}
		})
		c.SeekMs(250)
		c.SeekFraction(0.5)
	}
	<-done
	var last int64
	c.View(func(tl *timeline.Timeline) { last = tl.TickLast() })
	if last != 480+199 {
		t.Fatalf("tick last = %d, want %d", last, 480+199)
	}
}

func TestClockNoticesCarrySessionName(t *testing.T) {
	c, _, log := newTestClock(t, Options{}, note(0, 60, 0, 480)...)
	_ = c.Play(0)
	c.Advance(time.Millisecond)
	c.Load("next", timeline.New(480, note(0, 62, 0, 480)), false)
	_ = c.Play(0)
	c.Advance(time.Millisecond)

	var names []string
	for _, n := range log.notices {
		names = append(names, fmt.Sprintf("%v:%s", n.Kind, n.Name))
	}
	want := []string{
		fmt.Sprintf("%v:test", EventPlaybackStarted),
		fmt.Sprintf("%v:test", EventBatch),
		fmt.Sprintf("%v:test", EventPlaybackEnded),
		fmt.Sprintf("%v:next", EventPlaybackStarted),
		fmt.Sprintf("%v:next", EventBatch),
	}
	if !slices.Equal(names, want) {
		t.Fatalf("notices = %v, want %v", names, want)
	}
}

func TestClockMutedNoteOnIsDropped(t *testing.T) {
	mute := func(ev *timeline.Event, req Requests) error {
		if ev.IsNoteStart() && ev.Channel == DrumChannel {
			ev.Velocity = 0
		}
		return nil
	}
	events := append(note(DrumChannel, 36, 0, 240), note(DrumChannel, 36, 120, 480)...)
	c, sink, _ := newTestClock(t, Options{Intercept: mute}, events...)
	_ = c.Play(0)
	c.Advance(time.Second)
	if n := len(sink.notes(timeline.NoteOn)); n != 0 {
		t.Fatalf("muted note ons reached the sink: %d", n)
	}
	st := c.Stats()
	if st.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", st.Dropped)
	}
	if c.ActiveNotes() != 0 {
		t.Fatalf("active notes = %d", c.ActiveNotes())
	}
}

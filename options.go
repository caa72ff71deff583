package midiplay

import (
	"time"

	"go.uber.org/zap"

	"github.com/cbegin/midiplay-go/internal/sequencer"
	"github.com/cbegin/midiplay-go/internal/timeline"
)

type (
	// Event is one timed MIDI event.
	Event = timeline.Event
	// Requests lets an intercept queue tempo or speed changes.
	Requests = sequencer.Requests
	// Intercept runs on the timing goroutine before an event reaches the
	// sink. It may mutate the event or set Dropped. Returning an error (or
	// panicking) forwards the original event.
	Intercept = sequencer.Intercept
	// ChannelState is a snapshot of one channel's overrides.
	ChannelState = sequencer.ChannelState
)

// Unforced leaves a channel's preset or bank to the file.
const Unforced = sequencer.Unforced

type PlayerOption func(*playerConfig)

type playerConfig struct {
	logger           *zap.Logger
	caps             Capabilities
	intercept        Intercept
	loop             bool
	autoAdvance      bool
	preserveChannels bool
	period           time.Duration
	watchdog         time.Duration
	navigationFade   time.Duration
	notifyBuffer     int
}

func defaultPlayerConfig() playerConfig {
	return playerConfig{
		caps:           AllCapabilities(),
		period:         time.Millisecond,
		watchdog:       5 * time.Millisecond,
		navigationFade: 200 * time.Millisecond,
		notifyBuffer:   256,
	}
}

// WithLogger overrides the environment logger.
func WithLogger(log *zap.Logger) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.logger = log
	}
}

func WithCapabilities(caps Capabilities) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.caps = caps
	}
}

// WithIntercept installs the per-event callback. It is ignored unless
// Capabilities.Interception is set.
func WithIntercept(fn Intercept) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.intercept = fn
	}
}

func WithLoop(enabled bool) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.loop = enabled
	}
}

// WithAutoAdvance plays the next catalog entry when a file reaches its end.
func WithAutoAdvance(enabled bool) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.autoAdvance = enabled
	}
}

// WithPreserveChannels keeps channel overrides across loads.
func WithPreserveChannels(enabled bool) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.preserveChannels = enabled
	}
}

// WithClockPeriod sets the timing goroutine period.
func WithClockPeriod(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.period = d
	}
}

// WithWatchdog sets the intercept duration that triggers a slow-callback warning.
func WithWatchdog(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.watchdog = d
	}
}

// WithNavigationFade sets the fade-out used by Next and Previous when they
// wait for notes to end.
func WithNavigationFade(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.navigationFade = d
	}
}

// WithNotifyBuffer sizes the notification queue between the timing
// goroutine and observers. Notifications beyond it are dropped.
func WithNotifyBuffer(n int) PlayerOption {
	return func(cfg *playerConfig) {
		if n > 0 {
			cfg.notifyBuffer = n
		}
	}
}

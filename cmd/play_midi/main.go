package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cbegin/midiplay-go"
)

type options struct {
	dir         string
	soundFont   string
	port        string
	listPorts   bool
	sampleRate  int
	buffer      time.Duration
	loop        bool
	loops       int
	autoAdvance bool
	randomPlay  bool
	speed       float64
	transpose   int
	volume      float64
	startPct    float64
	stopPct     float64
	rampMs      int

	changeNotes    bool
	noPresetChange bool
	randomTempo    bool

	randomEvery     time.Duration
	randomPosition  bool
	randomSpeed     bool
	randomTranspose bool

	render  string
	seconds float64
	verbose bool
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "play_midi [file]",
	Short: "Play MIDI files through a SoundFont or a MIDI port",
	Long: `play_midi plays the MIDI files of a directory in real time.

Events can be rewritten while they play: octave shifts per channel,
muted drums, removed program changes and random tempo changes.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&opts.dir, "dir", "d", ".", "directory holding .mid/.midi/.kar files")
	f.StringVarP(&opts.soundFont, "soundfont", "s", "", "SF2 file to synthesize with")
	f.StringVarP(&opts.port, "port", "p", "", "MIDI output port name")
	f.BoolVar(&opts.listPorts, "list-ports", false, "list MIDI output ports and exit")
	f.IntVar(&opts.sampleRate, "sample-rate", 48000, "output sample rate")
	f.DurationVar(&opts.buffer, "buffer", 50*time.Millisecond, "audio buffer size")
	f.BoolVar(&opts.loop, "loop", false, "loop the file; use with --loops to count then stop")
	f.IntVar(&opts.loops, "loops", 0, "when --loop, stop after N loops (0 = loop forever)")
	f.BoolVar(&opts.autoAdvance, "auto-advance", false, "play the next file when one ends")
	f.BoolVar(&opts.randomPlay, "random", false, "start with a random file")
	f.Float64Var(&opts.speed, "speed", 1, "playback speed factor")
	f.IntVar(&opts.transpose, "transpose", 0, "transpose in semitones (-24..24)")
	f.Float64Var(&opts.volume, "volume", 1, "master volume (0..1)")
	f.Float64Var(&opts.startPct, "start", 0, "start position in percent")
	f.Float64Var(&opts.stopPct, "stop", 100, "stop position in percent")
	f.IntVar(&opts.rampMs, "ramp", 0, "fade in/out duration in milliseconds")
	f.BoolVar(&opts.changeNotes, "change-notes", false, "shift notes an octave by channel parity and mute drums")
	f.BoolVar(&opts.noPresetChange, "no-preset-change", false, "drop program changes")
	f.BoolVar(&opts.randomTempo, "random-tempo", false, "replace every tempo change with a random tempo")
	f.DurationVar(&opts.randomEvery, "random-every", 0, "apply random changes at this interval (0 disables)")
	f.BoolVar(&opts.randomPosition, "random-position", false, "randomize the position")
	f.BoolVar(&opts.randomSpeed, "random-speed", false, "randomize the speed")
	f.BoolVar(&opts.randomTranspose, "random-transpose", false, "randomize the transposition")
	f.StringVar(&opts.render, "render", "", "render to a WAV file instead of playing (needs --soundfont)")
	f.Float64Var(&opts.seconds, "seconds", 0, "seconds to render (0 = whole file)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func run(cmd *cobra.Command, args []string) error {
	defer midi.CloseDriver()
	if opts.listPorts {
		for _, out := range midi.GetOutPorts() {
			fmt.Println(out.String())
		}
		return nil
	}

	log, err := newLogger(opts.verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	catalog := midiplay.NewFSCatalog(os.DirFS(opts.dir), ".")
	if len(catalog.List()) == 0 {
		return fmt.Errorf("%s: %w", opts.dir, midiplay.ErrEmptyCatalog)
	}
	if opts.render != "" {
		return renderFile(catalog, pick(catalog, args))
	}

	env := midiplay.NewEnvironment(catalog, log)
	defer env.Close()
	if err := attachOutputs(env); err != nil {
		return err
	}

	policy := midiplay.NewRealTimeChanges(nil, log.Named("policy"))
	policy.ChangeNoteOn = opts.changeNotes
	policy.DisablePresetChange = opts.noPresetChange
	policy.ChangeTempo = opts.randomTempo

	p, err := midiplay.NewPlayer(env,
		midiplay.WithIntercept(policy.Intercept),
		midiplay.WithLoop(opts.loop),
		midiplay.WithPreserveChannels(true))
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	ended := follow(p, env)
	if opts.randomPlay && len(args) == 0 {
		err = p.PlayRandom()
	} else {
		err = start(p, pick(catalog, args))
	}
	if err != nil {
		return err
	}
	return watch(ctx, p, env, ended)
}

func pick(catalog midiplay.Catalog, args []string) string {
	if len(args) == 1 {
		return filepath.Base(args[0])
	}
	return catalog.List()[0]
}

func attachOutputs(env *midiplay.Environment) error {
	if opts.soundFont != "" {
		f, err := os.Open(opts.soundFont)
		if err != nil {
			return err
		}
		err = env.AttachSoundFont(f, opts.sampleRate, opts.buffer)
		f.Close()
		if err != nil {
			return err
		}
	}
	if opts.port != "" {
		out, err := midi.FindOutPort(opts.port)
		if err != nil {
			return fmt.Errorf("midi port %q: %w", opts.port, err)
		}
		if err := env.AttachPort(out); err != nil {
			return err
		}
	}
	if opts.soundFont == "" && opts.port == "" {
		return fmt.Errorf("nothing to play on: pass --soundfont or --port")
	}
	return nil
}

func configure(p *midiplay.Player) error {
	if err := p.SetSpeed(opts.speed); err != nil {
		return err
	}
	if err := p.SetTranspose(opts.transpose); err != nil {
		return err
	}
	if err := p.SetVolume(opts.volume); err != nil {
		return err
	}
	if opts.startPct != 0 || opts.stopPct != 100 {
		if err := p.SetBounds(opts.startPct, opts.stopPct); err != nil {
			return err
		}
	}
	return nil
}

// start loads name and applies the command line settings before playing, so
// bounds and levels hold for every file played.
func start(p *midiplay.Player, name string) error {
	if err := p.Load(name); err != nil {
		return err
	}
	if err := configure(p); err != nil {
		return err
	}
	return p.Play(opts.rampMs)
}

// advance starts the catalog entry after the current one, wrapping around.
func advance(p *midiplay.Player, catalog midiplay.Catalog) error {
	list := catalog.List()
	if len(list) == 0 {
		return midiplay.ErrEmptyCatalog
	}
	next := (p.Index() + 1) % len(list)
	return start(p, list[next])
}

// follow prints notifications as they arrive. The returned channel closes
// once playback ends for good.
func follow(p *midiplay.Player, env *midiplay.Environment) <-chan struct{} {
	ended := make(chan struct{})
	loops := 0
	p.Subscribe(midiplay.EventLoopCompleted, func(n midiplay.Notification) {
		loops++
		fmt.Println(statusLine(p.Status(), env.Output(), fmt.Sprintf("loop %d completed", loops)))
		if opts.loops > 0 && loops >= opts.loops {
			p.Stop(opts.rampMs)
		}
	})
	p.Subscribe(midiplay.EventLoadComplete, func(n midiplay.Notification) {
		if info, ok := p.Info(); ok {
			fmt.Println(renderInfo(info))
		}
	})
	p.Subscribe(midiplay.EventFault, func(n midiplay.Notification) {
		fmt.Println(faultStyle.Render(n.Err.Error()))
	})
	p.Subscribe(midiplay.EventPlaybackEnded, func(n midiplay.Notification) {
		fmt.Println(statusLine(p.Status(), env.Output(), "ended: "+n.Reason.String()))
		if n.Reason == midiplay.EndOfFile && opts.autoAdvance {
			err := advance(p, env.Catalog)
			if err == nil {
				return
			}
			fmt.Println(faultStyle.Render(err.Error()))
		}
		if n.Reason != midiplay.Replaced {
			select {
			case <-ended:
			default:
				close(ended)
			}
		}
	})
	return ended
}

// watch drives the randomizer until playback ends or ctx is cancelled.
func watch(ctx context.Context, p *midiplay.Player, env *midiplay.Environment, ended <-chan struct{}) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-ended:
			return nil
		case <-ctx.Done():
			p.Stop(opts.rampMs)
			wait, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return p.WaitAllNotesOff(wait)
		}
	})
	g.Go(func() error {
		r := midiplay.NewRandomizer(p, opts.randomEvery, nil)
		r.Position = opts.randomPosition
		r.Speed = opts.randomSpeed
		r.Transpose = opts.randomTranspose
		ticker := time.NewTicker(time.Second / 60)
		defer ticker.Stop()
		for {
			select {
			case <-ended:
				return nil
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				changed, err := r.OnFrameTick(now)
				if err != nil {
					return err
				}
				if changed {
					fmt.Println(statusLine(p.Status(), env.Output(), "randomized"))
				}
			}
		}
	})
	return g.Wait()
}

func renderFile(catalog midiplay.Catalog, name string) error {
	if opts.soundFont == "" {
		return fmt.Errorf("--render needs --soundfont")
	}
	rc, err := catalog.Resolve(name)
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	tl, err := midiplay.ParseTimeline(data)
	if err != nil {
		return err
	}
	f, err := os.Open(opts.soundFont)
	if err != nil {
		return err
	}
	defer f.Close()
	sf, err := midiplay.LoadSoundFont(f)
	if err != nil {
		return err
	}
	seconds := opts.seconds
	if seconds <= 0 {
		seconds = tl.DurationMs()/1000 + 2
	}
	samples, err := midiplay.RenderSamples(tl, sf, opts.sampleRate, seconds)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.render, midiplay.EncodeWAV(samples, opts.sampleRate, 2), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%.1fs)\n", opts.render, seconds)
	return nil
}

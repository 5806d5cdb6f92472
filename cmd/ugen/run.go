package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/engine"
	"pipelined.dev/engine/graph"
	"pipelined.dev/engine/internal/config"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/portaudio"
	"pipelined.dev/engine/units"
	"pipelined.dev/engine/wav"
)

// reportInterval is how often scheduler counters are logged.
var reportInterval = time.Second

// tone is a sine patch shared by commands.
type tone struct {
	config   string
	freq     float64
	gain     float64
	duration time.Duration
}

func (t *tone) register(fs *flag.FlagSet) {
	fs.StringVar(&t.config, "config", "", "path to yaml config")
	fs.Float64Var(&t.freq, "freq", 440, "tone frequency in Hz")
	fs.Float64Var(&t.gain, "gain", 0.1, "tone gain")
	fs.DurationVar(&t.duration, "duration", 0, "stop after duration")
}

func (t *tone) load() (config.Config, error) {
	cfg := config.Default()
	if t.config != "" {
		var err error
		if cfg, err = config.LoadFile(t.config); err != nil {
			return cfg, err
		}
	}
	if t.duration > 0 {
		cfg.Duration = t.duration
	}
	return cfg, nil
}

// patch connects oscillator through gain to every output channel.
func (t *tone) patch(e *engine.Engine) *graph.Patch {
	_, bus := e.Buses()
	osc, gain, dac := units.NewOsc(t.freq), units.NewGain(t.gain), units.NewDac(bus)
	p := graph.NewPatch().Add(osc, gain, dac).Connect(osc, 0, gain, 0)
	for ch := 0; ch < bus.NumChannels(); ch++ {
		p.Connect(gain, 0, dac, ch)
	}
	return p
}

func logger(cfg config.Config) *logrus.Logger {
	l := log.GetLogger()
	if cfg.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// device returns engine option for configured audio.
func device(cfg config.Config) (engine.Option, error) {
	switch cfg.Audio {
	case config.AudioPoll, config.AudioCallback:
		d, err := portaudio.New(cfg.SampleRate, cfg.Channels.In, cfg.Channels.Out, cfg.BlockSize)
		if err != nil {
			return nil, err
		}
		if cfg.Audio == config.AudioPoll {
			return engine.WithPolling(d), nil
		}
		return engine.WithCallback(d), nil
	case config.AudioBatch:
		if cfg.Samples() <= 0 {
			return nil, fmt.Errorf("batch audio requires duration")
		}
		d, err := wav.New(cfg.Output, cfg.SampleRate, cfg.Channels.Out, wav.WithDuration(cfg.Samples()))
		if err != nil {
			return nil, err
		}
		return engine.WithBatch(d), nil
	}
	return nil, nil
}

// play builds the engine for configuration and runs the tone until
// context is done or duration is reached.
func play(ctx context.Context, stdout io.Writer, cfg config.Config, t *tone) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l := logger(cfg)
	options := append(cfg.EngineOptions(), engine.WithLogger(l))
	dev, err := device(cfg)
	if err != nil {
		return err
	}
	if dev != nil {
		options = append(options, dev)
	}
	e, err := engine.New(options...)
	if err != nil {
		return err
	}
	if err := e.AddRoot(t.patch(e)); err != nil {
		return err
	}
	if err := e.SetDSP(true); err != nil {
		return err
	}
	if cfg.Duration > 0 && cfg.Audio != config.AudioBatch {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	errc, err := e.Start(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return engine.Wait(errc)
	})
	g.Go(func() error {
		report(ctx, l, e)
		return nil
	})
	err = g.Wait()
	stats := e.Scheduler().Stats()
	fmt.Fprintf(stdout, "ticks: %d polls: %d idles: %d resyncs: %d reopens: %d\n",
		stats.Ticks, stats.Polls, stats.Idles, stats.Resyncs, stats.Reopens)
	return err
}

func report(ctx context.Context, l logrus.FieldLogger, e *engine.Engine) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := e.Scheduler().Stats()
			l.WithFields(logrus.Fields{
				"ticks":   stats.Ticks,
				"resyncs": stats.Resyncs,
				"reopens": stats.Reopens,
			}).Debug("scheduler")
		}
	}
}

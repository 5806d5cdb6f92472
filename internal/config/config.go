// Package config loads engine configuration from yaml documents.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"pipelined.dev/engine"
	"pipelined.dev/engine/graph"
)

// Audio modes.
const (
	// AudioNone runs the scheduler on wall clock.
	AudioNone = "none"
	// AudioPoll uses blocking device stream.
	AudioPoll = "poll"
	// AudioCallback uses device callbacks.
	AudioCallback = "callback"
	// AudioBatch renders to file as fast as possible.
	AudioBatch = "batch"
)

// ErrInvalid is returned when configuration doesn't pass validation.
var ErrInvalid = errors.New("invalid config")

// Channels is the number of bus channels.
type Channels struct {
	In  int `yaml:"in"`
	Out int `yaml:"out"`
}

// Config holds engine and audio settings.
type Config struct {
	SampleRate int      `yaml:"sample_rate"`
	BlockSize  int      `yaml:"block_size"`
	Channels   Channels `yaml:"channels"`
	Audio      string   `yaml:"audio"`
	// Output and Duration are used in batch mode.
	Output   string        `yaml:"output"`
	Duration time.Duration `yaml:"duration"`

	SleepGrain   time.Duration `yaml:"sleep_grain"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	ResyncLag    time.Duration `yaml:"resync_lag"`
	Debug        bool          `yaml:"debug"`
}

// Default returns configuration for stereo output with the default device.
func Default() Config {
	return Config{
		SampleRate: graph.DefaultSampleRate,
		BlockSize:  graph.DefaultBlockSize,
		Channels:   Channels{In: 0, Out: 2},
		Audio:      AudioCallback,
	}
}

// Load decodes configuration on top of defaults and validates it. Unknown
// fields are rejected.
func Load(r io.Reader) (Config, error) {
	c := Default()
	d := yaml.NewDecoder(r)
	d.SetStrict(true)
	if err := d.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadFile loads configuration from file.
func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	return Load(f)
}

// Validate returns all configuration problems.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: sample rate %d", ErrInvalid, c.SampleRate))
	}
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		errs = append(errs, fmt.Errorf("%w: block size %d is not a power of two", ErrInvalid, c.BlockSize))
	}
	if c.Channels.In < 0 || c.Channels.Out < 0 {
		errs = append(errs, fmt.Errorf("%w: channels %d/%d", ErrInvalid, c.Channels.In, c.Channels.Out))
	}
	switch c.Audio {
	case AudioNone, AudioPoll, AudioCallback:
	case AudioBatch:
		if c.Output == "" {
			errs = append(errs, fmt.Errorf("%w: batch audio requires output", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown audio %q", ErrInvalid, c.Audio))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"duration", c.Duration},
		{"sleep grain", c.SleepGrain},
		{"stall timeout", c.StallTimeout},
		{"resync lag", c.ResyncLag},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%w: negative %s %v", ErrInvalid, d.name, d.value))
		}
	}
	return errors.Join(errs...)
}

// Samples returns duration in samples per channel.
func (c Config) Samples() int {
	return int(c.Duration.Seconds() * float64(c.SampleRate))
}

// EngineOptions returns engine options for configured values. Audio device
// options are not included.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithSampleRate(c.SampleRate),
		engine.WithBlockSize(c.BlockSize),
		engine.WithChannels(c.Channels.In, c.Channels.Out),
		engine.WithTimings(c.SleepGrain, c.ResyncLag, c.StallTimeout),
	}
}

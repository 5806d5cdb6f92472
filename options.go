package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/log"
	"pipelined.dev/engine/sched"
)

// Option provides a way to set functional parameters to engine.
type Option func(*Engine)

// WithLogger sets logger. Warnings are limited with log.DefaultRates.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithWarnings sets the sink for non-fatal conditions.
func WithWarnings(l *log.Limited) Option {
	return func(e *Engine) {
		e.warn = l
	}
}

// WithSampleRate sets top-level sample rate.
func WithSampleRate(sampleRate int) Option {
	return func(e *Engine) {
		e.sampleRate = sampleRate
	}
}

// WithBlockSize sets top-level vector size. It must be a power of two.
func WithBlockSize(n int) Option {
	return func(e *Engine) {
		e.blockSize = n
	}
}

// WithChannels sets number of input and output channels of audio buses.
func WithChannels(in, out int) Option {
	return func(e *Engine) {
		e.numIn, e.numOut = in, out
	}
}

// WithPoolLimit limits the number of live signals.
func WithPoolLimit(n int) Option {
	return func(e *Engine) {
		e.poolLimit = n
	}
}

// WithTimings sets scheduler timings. Zero values are replaced with
// defaults.
func WithTimings(sleepGrain, resyncLag, stallTimeout time.Duration) Option {
	return func(e *Engine) {
		e.schedConfig.SleepGrain = sleepGrain
		e.schedConfig.ResyncLag = resyncLag
		e.schedConfig.StallTimeout = stallTimeout
	}
}

// WithSchedConfig replaces scheduler configuration. Block size is always
// the one of the engine.
func WithSchedConfig(cfg sched.Config) Option {
	return func(e *Engine) {
		e.schedConfig = cfg
	}
}

// WithPolling runs the engine with polling device.
func WithPolling(d sched.PollingDevice) Option {
	return func(e *Engine) {
		e.schedOptions = append(e.schedOptions, sched.WithPolling(d))
	}
}

// WithCallback runs the engine with callback device.
func WithCallback(d sched.CallbackDevice) Option {
	return func(e *Engine) {
		e.schedOptions = append(e.schedOptions, sched.WithCallback(d))
	}
}

// WithBatch renders the engine to device as fast as possible.
func WithBatch(d sched.PollingDevice) Option {
	return func(e *Engine) {
		e.schedOptions = append(e.schedOptions, sched.WithBatch(d))
	}
}

// WithIdle sets a hook called when scheduler has nothing to do.
func WithIdle(fn func() bool) Option {
	return func(e *Engine) {
		e.schedOptions = append(e.schedOptions, sched.WithIdle(fn))
	}
}

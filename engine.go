package engine

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/chain"
	"pipelined.dev/engine/clock"
	"pipelined.dev/engine/graph"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/metric"
	"pipelined.dev/engine/sched"
	"pipelined.dev/engine/signal"
)

// Engine owns the patches, the compiled chain and the scheduler which
// runs it. Once started, methods which change DSP state must be called
// within Do or from clock callbacks.
type Engine struct {
	uid    string
	logger logrus.FieldLogger
	// warn is the sink for non-fatal conditions.
	warn *log.Limited

	sampleRate   int
	blockSize    int
	numIn        int
	numOut       int
	poolLimit    int
	schedConfig  sched.Config
	schedOptions []sched.Option

	pool   *signal.Pool
	chain  *chain.Chain
	clock  *clock.Queue
	sched  *sched.Scheduler
	roots  []*graph.Patch
	in     signal.Float64
	out    signal.Float64
	on     bool
	phase  uint64
	sortno int

	compiles *expvar.Int
	cycles   *expvar.Int
	steps    *expvar.Int

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Token holds DSP state before suspension.
type Token struct {
	on bool
}

var (
	// ErrInvalidState is returned if engine method cannot be executed at
	// this moment.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidOption is returned if engine can't be created with
	// provided options.
	ErrInvalidOption = errors.New("invalid option")
)

// New creates a new engine and applies provided options. DSP is off.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		uid:         xid.New().String(),
		sampleRate:  graph.DefaultSampleRate,
		blockSize:   graph.DefaultBlockSize,
		numIn:       2,
		numOut:      2,
		schedConfig: sched.DefaultConfig(),
	}
	for _, option := range options {
		option(e)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	if e.logger == nil {
		e.logger = log.GetLogger()
	}
	if e.warn == nil {
		e.warn = log.NewLimited(e.logger, log.DefaultRates)
	}
	e.logger = e.logger.WithField("engine", e.uid)

	var poolOptions []signal.PoolOption
	if e.poolLimit > 0 {
		poolOptions = append(poolOptions, signal.WithLimit(e.poolLimit))
	}
	e.pool = signal.NewPool(poolOptions...)
	e.chain = chain.New()
	e.clock = clock.New(e.sampleRate, clock.WithLogger(e.logger))
	e.in = signal.EmptyFloat64(e.numIn, e.blockSize)
	e.out = signal.EmptyFloat64(e.numOut, e.blockSize)

	e.schedConfig.BlockSize = e.blockSize
	schedOptions := append([]sched.Option{sched.WithLogger(e.warn)}, e.schedOptions...)
	e.sched = sched.New(e, e.clock, e.schedConfig, schedOptions...)

	e.compiles = metric.Counter(e, "Compiles")
	e.cycles = metric.Counter(e, "Cycles")
	e.steps = metric.Counter(e, "Steps")
	return e, nil
}

func (e *Engine) validate() error {
	switch {
	case e.sampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidOption, e.sampleRate)
	case e.blockSize <= 0 || e.blockSize&(e.blockSize-1) != 0:
		return fmt.Errorf("%w: block size %d is not a power of two", ErrInvalidOption, e.blockSize)
	case e.numIn < 0 || e.numOut < 0:
		return fmt.Errorf("%w: channels %d/%d", ErrInvalidOption, e.numIn, e.numOut)
	}
	return nil
}

// ID returns unique engine id.
func (e *Engine) ID() string {
	return e.uid
}

// SampleRate returns top-level sample rate.
func (e *Engine) SampleRate() int {
	return e.sampleRate
}

// BlockSize returns top-level vector size.
func (e *Engine) BlockSize() int {
	return e.blockSize
}

// Clock returns the queue of timed events.
func (e *Engine) Clock() *clock.Queue {
	return e.clock
}

// Scheduler returns the scheduler.
func (e *Engine) Scheduler() *sched.Scheduler {
	return e.sched
}

// Pool returns the signal pool.
func (e *Engine) Pool() *signal.Pool {
	return e.pool
}

// Chain returns the compiled chain.
func (e *Engine) Chain() *chain.Chain {
	return e.chain
}

// Sortno returns the number of compilations done.
func (e *Engine) Sortno() int {
	return e.sortno
}

// DSP returns true if DSP is on.
func (e *Engine) DSP() bool {
	return e.on
}

// Do runs fn exclusively with ticks.
func (e *Engine) Do(fn func()) {
	e.sched.Do(fn)
}

// AddRoot adds top-level patch. Running chain is recompiled.
func (e *Engine) AddRoot(p *graph.Patch) error {
	t := e.SuspendDSP()
	e.roots = append(e.roots, p)
	return e.ResumeDSP(t)
}

// RemoveRoot removes top-level patch. Running chain is recompiled.
func (e *Engine) RemoveRoot(p *graph.Patch) error {
	t := e.SuspendDSP()
	for i := range e.roots {
		if e.roots[i] == p {
			e.roots = append(e.roots[:i], e.roots[i+1:]...)
			break
		}
	}
	return e.ResumeDSP(t)
}

// SuspendDSP stops DSP and returns the state to resume.
func (e *Engine) SuspendDSP() Token {
	t := Token{on: e.on}
	if e.on {
		e.stopDSP()
	}
	return t
}

// ResumeDSP restores DSP state. If DSP was on, all roots are recompiled.
func (e *Engine) ResumeDSP(t Token) error {
	if t.on {
		return e.SetDSP(true)
	}
	return nil
}

// SetDSP switches DSP on or off. Switching on compiles the chain.
func (e *Engine) SetDSP(on bool) error {
	if !on {
		if e.on {
			e.stopDSP()
		}
		return nil
	}
	e.on = true
	return e.Compile()
}

func (e *Engine) stopDSP() {
	e.on = false
	e.chain = chain.New()
	e.pool.Reset()
	e.logger.Debug("dsp off")
}

// Compile rebuilds the chain from all roots. Roots which fail to compile
// leave their steps up to the failure in the chain.
func (e *Engine) Compile() error {
	e.chain = chain.New()
	e.pool.Reset()
	e.sortno++
	c := graph.NewCompiler(e.pool, e.chain,
		graph.WithBlockSize(e.blockSize),
		graph.WithSampleRate(float64(e.sampleRate)),
		graph.WithTick(e.phase),
		graph.WithLogger(e.warn),
	)
	var errs execErrors
	for i, p := range e.roots {
		if err := c.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("root %d: %w", i, err))
		}
	}
	e.compiles.Add(1)
	e.cycles.Add(int64(c.Cycles()))
	e.steps.Set(int64(e.chain.Len()))
	e.logger.WithFields(logrus.Fields{
		"sortno":   e.sortno,
		"roots":    len(e.roots),
		"contexts": c.Contexts(),
		"steps":    e.chain.Len(),
		"live":     e.pool.Live(),
	}).Debug("dsp compiled")
	return errs.ret()
}

// SetRate changes rate control and recompiles running chain. Invalid
// values are replaced with defaults and returned as error.
func (e *Engine) SetRate(rc *graph.RateControl, vecSize, overlap int, resample float64) error {
	t := e.SuspendDSP()
	err := rc.Set(vecSize, overlap, resample)
	if err != nil {
		e.warn.Warn("rate", logrus.Fields{"error": err}, "rate control clamped")
	}
	return errors.Join(err, e.ResumeDSP(t))
}

// Switch turns switched patch on or off.
func (e *Engine) Switch(rc *graph.RateControl, on bool) {
	rc.SetOn(on)
}

// Bang runs switched off patch once. It returns false if patch is not
// switched, is on or not compiled.
func (e *Engine) Bang(rc *graph.RateControl) bool {
	if !e.on {
		return false
	}
	return e.chain.Bang(rc.Block())
}

// Tick runs the chain once. It implements sched.Host.
func (e *Engine) Tick() {
	if !e.on {
		return
	}
	e.chain.Tick()
	e.phase++
}

// Buses returns audio input and output buses. It implements sched.Host.
func (e *Engine) Buses() (signal.Float64, signal.Float64) {
	return e.in, e.out
}

// Start starts the scheduler. Returned channel receives the first error
// and is closed when scheduler is done.
func (e *Engine) Start(ctx context.Context) (<-chan error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil, fmt.Errorf("start: %w", ErrInvalidState)
	}
	ctx, e.cancel = context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		err := <-e.sched.Start(ctx)
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		if err != nil {
			errc <- err
		}
	}()
	e.logger.Debug("engine started")
	return errc, nil
}

// Stop cancels running scheduler.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return fmt.Errorf("stop: %w", ErrInvalidState)
	}
	e.cancel()
	return nil
}

// Wait for the first error to occur or channel to be closed.
func Wait(errc <-chan error) error {
	for err := range errc {
		if err != nil {
			return err
		}
	}
	return nil
}

// Package sched runs the engine: it advances logical time, dispatches
// timed events, ticks the DSP chain and exchanges audio with a device.
//
// Three modes are supported. Polling mode transfers blocks with a device
// from a single goroutine, or paces against the wall clock when there is
// no device. Callback mode lets the device drive ticks from its own
// goroutine while the scheduler watches for stalls. Batch mode renders as
// fast as possible until the device reports io.EOF.
package sched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/clock"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/metric"
	"pipelined.dev/engine/signal"
)

var (
	// ErrDeviceLost is returned when stalled callback device can't be
	// reopened.
	ErrDeviceLost = errors.New("audio device lost")

	errRestart = errors.New("restart")
)

// Result is an outcome of a single transfer.
type Result int

const (
	// NotTransferred means device had no room for a block.
	NotTransferred Result = iota
	// Transferred means a block was exchanged.
	Transferred
	// Slept means device waited and time moved forward without transfer.
	Slept
)

func (r Result) String() string {
	switch r {
	case NotTransferred:
		return "not transferred"
	case Transferred:
		return "transferred"
	case Slept:
		return "slept"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// PollingDevice exchanges one block per Transfer call. Transfer sends out
// and fills in. Transfer returns io.EOF when there is no more data.
type PollingDevice interface {
	Open() error
	Transfer(in, out signal.Float64) (Result, error)
	Close() error
}

// CallbackFunc processes one block: in is device input, out is filled
// with the output.
type CallbackFunc func(in, out signal.Float64)

// CallbackDevice calls provided function from its own goroutine.
type CallbackDevice interface {
	OpenCallback(fn CallbackFunc) error
	Close() error
}

// Host is the DSP side of the scheduler. Tick runs the chain once, buses
// are exchanged with the device.
type Host interface {
	Tick()
	Buses() (in, out signal.Float64)
}

// Request is a message to the orchestrator.
type Request int

const (
	// RequestReopen closes and reopens the device.
	RequestReopen Request = iota + 1
	// RequestClose stops the scheduler.
	RequestClose
)

// Stats holds scheduler counters.
type Stats struct {
	// Ticks is the number of DSP ticks.
	Ticks uint64
	// Polls is the number of transfers which didn't move time forward.
	Polls uint64
	// Idles is the number of cycles where nothing was done.
	Idles   uint64
	Resyncs uint64
	Reopens uint64
}

// Config holds scheduler timings.
type Config struct {
	BlockSize int
	// SleepGrain is slept when there is nothing to do. It's clamped to
	// [100µs, 5ms].
	SleepGrain time.Duration
	// ResyncLag is the wall clock lag after which logical time jumps
	// ahead instead of catching up.
	ResyncLag time.Duration
	// StuckTimeout is the time a polling device may not transfer before
	// it's closed.
	StuckTimeout time.Duration
	// StallTimeout is the time without callbacks after which a callback
	// device is reopened.
	StallTimeout time.Duration
	// WakeInterval is how often the orchestrator checks callback device.
	WakeInterval time.Duration
	// KeepAlive is the time without callbacks after which the
	// orchestrator ticks itself at block rate until the device is back or
	// reopened. Defaults to half of StallTimeout, but not less than four
	// blocks.
	KeepAlive time.Duration

	Now   func() time.Time
	Sleep func(time.Duration)
}

const (
	minSleepGrain = 100 * time.Microsecond
	maxSleepGrain = 5 * time.Millisecond
	// idle cycles between stuck device checks
	stuckCheck = 32
	// historyLen is the number of remembered errors.
	historyLen = 20
)

// DefaultConfig returns default timings.
func DefaultConfig() Config {
	return Config{
		BlockSize:    64,
		SleepGrain:   time.Millisecond,
		ResyncLag:    20 * time.Millisecond,
		StuckTimeout: time.Second,
		StallTimeout: time.Second,
		WakeInterval: 10 * time.Millisecond,
		Now:          time.Now,
		Sleep:        time.Sleep,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.SleepGrain <= 0 {
		c.SleepGrain = d.SleepGrain
	}
	c.SleepGrain = min(max(c.SleepGrain, minSleepGrain), maxSleepGrain)
	if c.ResyncLag <= 0 {
		c.ResyncLag = d.ResyncLag
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = d.StuckTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = d.WakeInterval
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Sleep == nil {
		c.Sleep = d.Sleep
	}
	return c
}

// Event is a remembered scheduler error.
type Event struct {
	Time time.Time
	Err  error
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithPolling sets polling device.
func WithPolling(d PollingDevice) Option {
	return func(s *Scheduler) {
		s.polling = d
	}
}

// WithCallback sets callback device.
func WithCallback(d CallbackDevice) Option {
	return func(s *Scheduler) {
		s.callback = d
	}
}

// WithBatch sets device for offline rendering.
func WithBatch(d PollingDevice) Option {
	return func(s *Scheduler) {
		s.batch = d
	}
}

// WithIdle sets a hook called when there is nothing to do. If it returns
// true, the scheduler doesn't sleep.
func WithIdle(fn func() bool) Option {
	return func(s *Scheduler) {
		s.idle = fn
	}
}

// WithLogger sets warnings sink.
func WithLogger(l *log.Limited) Option {
	return func(s *Scheduler) {
		s.warn = l
	}
}

// Scheduler drives host ticks. Host and clock queue must only be accessed
// with Do while scheduler is running.
type Scheduler struct {
	mu       sync.Mutex
	host     Host
	clock    *clock.Queue
	cfg      Config
	warn     *log.Limited
	polling  PollingDevice
	callback CallbackDevice
	batch    PollingDevice
	idle     func() bool
	requests chan Request
	measure  metric.MeasureFunc
	// block is wall duration of one block.
	block time.Duration

	// lastTick and lastCallback are wall times in unix nanoseconds.
	lastTick     atomic.Int64
	lastCallback atomic.Int64
	ticks        atomic.Uint64
	polls        atomic.Uint64
	idles        atomic.Uint64
	resyncs      atomic.Uint64
	reopens      atomic.Uint64

	historyMu sync.Mutex
	history   []Event
}

// New returns scheduler for the host. Time of the host is kept by the
// queue.
func New(host Host, q *clock.Queue, cfg Config, options ...Option) *Scheduler {
	s := &Scheduler{
		host:     host,
		clock:    q,
		cfg:      cfg.withDefaults(),
		requests: make(chan Request, 1),
	}
	s.block = time.Duration(float64(s.cfg.BlockSize) / q.SampleRate() * float64(time.Second))
	if s.cfg.KeepAlive <= 0 {
		s.cfg.KeepAlive = max(s.cfg.StallTimeout/2, 4*s.block)
	}
	for _, option := range options {
		option(s)
	}
	if s.warn == nil {
		s.warn = log.NewLimited(log.GetLogger(), log.DefaultRates)
	}
	s.measure = metric.Meter(s, int(q.SampleRate()))()
	return s
}

// Config returns effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Do runs fn under the scheduler lock.
func (s *Scheduler) Do(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Post sends request to the orchestrator. It doesn't block and returns
// false if previous request is not yet serviced.
func (s *Scheduler) Post(r Request) bool {
	select {
	case s.requests <- r:
		return true
	default:
		return false
	}
}

// Stats returns counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:   s.ticks.Load(),
		Polls:   s.polls.Load(),
		Idles:   s.idles.Load(),
		Resyncs: s.resyncs.Load(),
		Reopens: s.reopens.Load(),
	}
}

// History returns recent errors, oldest first.
func (s *Scheduler) History() []Event {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	return append([]Event(nil), s.history...)
}

func (s *Scheduler) remember(err error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	if len(s.history) == historyLen {
		copy(s.history, s.history[1:])
		s.history = s.history[:historyLen-1]
	}
	s.history = append(s.history, Event{Time: s.cfg.Now(), Err: err})
}

// Start runs the scheduler in a new goroutine. Returned channel receives
// the result of Run and is closed after that.
func (s *Scheduler) Start(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := s.Run(ctx); err != nil {
			errc <- err
		}
	}()
	return errc
}

// Run blocks until context is done, a close request is received or the
// batch device is exhausted. Cancellation is not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		err := s.run(ctx)
		if !errors.Is(err, errRestart) {
			return err
		}
		s.reopens.Add(1)
		s.warn.Logger().Info("restarting audio")
	}
}

func (s *Scheduler) run(ctx context.Context) error {
	switch {
	case s.batch != nil:
		return s.runBatch(ctx)
	case s.callback != nil:
		return s.runCallback(ctx)
	default:
		return s.runPolling(ctx)
	}
}

// tick dispatches events due before the end of the block and runs the
// host once. Lock must be held.
func (s *Scheduler) tick() {
	q := s.clock
	q.DispatchUntil(q.Now() + clock.Time(s.cfg.BlockSize)*q.SamplePeriod())
	s.host.Tick()
	s.ticks.Add(1)
	s.lastTick.Store(s.cfg.Now().UnixNano())
	s.measure(int64(s.cfg.BlockSize))
}

// request returns error for pending request, if any.
func (s *Scheduler) request() error {
	select {
	case r := <-s.requests:
		return s.serve(r)
	default:
		return nil
	}
}

func (s *Scheduler) serve(r Request) error {
	switch r {
	case RequestReopen:
		return errRestart
	case RequestClose:
		return io.EOF
	}
	return nil
}

// pacer keeps logical time in line with the wall clock.
type pacer struct {
	wall    time.Time
	logical clock.Time
}

func (s *Scheduler) newPacer() pacer {
	return pacer{wall: s.cfg.Now(), logical: s.clock.Now()}
}

// due returns true if wall clock is ahead of logical time. Lagging more
// than ResyncLag, the pacer jumps to the wall clock.
func (s *Scheduler) due(p *pacer) bool {
	now := s.cfg.Now()
	elapsed := float64(now.Sub(p.wall)) / float64(time.Millisecond)
	logical := s.clock.Since(p.logical)
	lag := elapsed - logical
	if lag <= 0 {
		return false
	}
	if lag > float64(s.cfg.ResyncLag)/float64(time.Millisecond) {
		s.resyncs.Add(1)
		err := fmt.Errorf("logical time is %.1fms behind, resyncing", lag)
		s.remember(err)
		s.warn.Warn("resync", logrus.Fields{"lag": lag}, "%v", err)
		*p = pacer{wall: now, logical: s.clock.Now()}
	}
	return true
}

func (s *Scheduler) sleep() {
	if s.idle != nil && s.idle() {
		return
	}
	s.idles.Add(1)
	s.mu.Unlock()
	s.cfg.Sleep(s.cfg.SleepGrain)
	s.mu.Lock()
}

func (s *Scheduler) runPolling(ctx context.Context) error {
	dev := s.polling
	if dev != nil {
		if err := dev.Open(); err != nil {
			s.remember(err)
			s.warn.Warn("device", logrus.Fields{"error": err}, "can't open audio device, using wall clock")
			dev = nil
		}
	}
	in, out := s.host.Buses()
	p := s.newPacer()
	lastGood := s.cfg.Now()
	idle := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return closeDevice(dev)
		}
		if err := s.request(); err != nil {
			cerr := closeDevice(dev)
			if errors.Is(err, io.EOF) {
				return cerr
			}
			return err
		}

		forward := false
		if dev != nil {
			s.mu.Unlock()
			res, err := dev.Transfer(in, out)
			s.mu.Lock()
			switch {
			case errors.Is(err, io.EOF):
				return closeDevice(dev)
			case err != nil:
				s.remember(err)
				s.warn.Warn("device", logrus.Fields{"error": err}, "audio transfer failed")
				res = NotTransferred
			}
			if res != NotTransferred {
				out.Clear()
				forward = true
				s.tick()
			}
			if res == Transferred {
				idle = 0
				lastGood = s.cfg.Now()
			} else {
				s.polls.Add(1)
				idle++
				if idle%stuckCheck == 0 && s.cfg.Now().Sub(lastGood) > s.cfg.StuckTimeout {
					err := fmt.Errorf("audio I/O stuck for %v, closing device", s.cfg.Now().Sub(lastGood))
					s.remember(err)
					s.warn.Warn("stuck", nil, "%v", err)
					if cerr := dev.Close(); cerr != nil {
						s.remember(cerr)
					}
					dev = nil
					p = s.newPacer()
				}
			}
		} else if s.due(&p) {
			forward = true
			s.tick()
		}

		if !forward {
			s.sleep()
		}
	}
}

func closeDevice(dev PollingDevice) error {
	if dev == nil {
		return nil
	}
	return dev.Close()
}

// Callback processes one device block. It's called by callback device.
func (s *Scheduler) Callback(in, out signal.Float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hin, hout := s.host.Buses()
	hin.CopyFrom(in)
	s.tick()
	out.CopyFrom(hout)
	hout.Clear()
	s.lastCallback.Store(s.cfg.Now().UnixNano())
}

func (s *Scheduler) openCallback() error {
	s.lastCallback.Store(s.cfg.Now().UnixNano())
	return s.callback.OpenCallback(s.Callback)
}

func (s *Scheduler) runCallback(ctx context.Context) error {
	if err := s.openCallback(); err != nil {
		return fmt.Errorf("open callback device: %w", err)
	}
	ticker := time.NewTicker(s.cfg.WakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.callback.Close()
		case r := <-s.requests:
			if err := s.serve(r); err != nil {
				cerr := s.callback.Close()
				if errors.Is(err, io.EOF) {
					return cerr
				}
				return err
			}
		case <-ticker.C:
			if err := s.watch(); err != nil {
				return err
			}
		}
	}
}

// watch checks callback liveness. Device silent for KeepAlive is covered
// with ticks of the orchestrator to keep time moving, device silent for
// StallTimeout is reopened.
func (s *Scheduler) watch() error {
	now := s.cfg.Now()
	since := now.Sub(time.Unix(0, s.lastCallback.Load()))
	switch {
	case since > s.cfg.StallTimeout:
		stall := fmt.Errorf("no audio callback for %v, reopening device", since)
		s.remember(stall)
		s.warn.Warn("stall", nil, "%v", stall)
		if err := s.callback.Close(); err != nil {
			s.remember(err)
		}
		s.reopens.Add(1)
		if err := s.openCallback(); err != nil {
			s.remember(err)
			return fmt.Errorf("%w: %w", ErrDeviceLost, err)
		}
	case since > s.cfg.KeepAlive && now.Sub(time.Unix(0, s.lastTick.Load())) >= s.block:
		s.mu.Lock()
		s.tick()
		_, out := s.host.Buses()
		out.Clear()
		s.mu.Unlock()
	default:
		if s.idle != nil {
			s.mu.Lock()
			s.idle()
			s.mu.Unlock()
		}
	}
	return nil
}

// runBatch ticks before every transfer, so device receives output of the
// current tick and input is delayed by one block.
func (s *Scheduler) runBatch(ctx context.Context) error {
	if err := s.batch.Open(); err != nil {
		return fmt.Errorf("open batch device: %w", err)
	}
	in, out := s.host.Buses()
	for {
		if err := ctx.Err(); err != nil {
			return s.batch.Close()
		}
		if err := s.request(); err != nil {
			cerr := s.batch.Close()
			if errors.Is(err, io.EOF) {
				return cerr
			}
			return err
		}
		s.mu.Lock()
		s.tick()
		s.mu.Unlock()
		_, err := s.batch.Transfer(in, out)
		out.Clear()
		if errors.Is(err, io.EOF) {
			return s.batch.Close()
		}
		if err != nil {
			return errors.Join(fmt.Errorf("batch transfer: %w", err), s.batch.Close())
		}
	}
}

// Package mock provides mocks for units, hosts and audio devices and allows
// to execute integration tests.
package mock

import (
	"io"
	"sync"
	"time"

	"pipelined.dev/engine/graph"
	"pipelined.dev/engine/sched"
	"pipelined.dev/engine/signal"
)

// Unit mocks a graph.Unit. Every output sample is Value plus the sum of
// input samples at the same index.
type Unit struct {
	counter
	Name    string
	Ins     int
	Outs    int
	Value   float64
	Scalars map[int]*float64
	Hold    bool
	// Order collects names of units in the order of DSP calls.
	Order *[]string

	ErrorOnDSP error

	DSPCalls   int
	VecSize    int
	SampleRate float64
	In         [][]float64
	Out        [][]float64
}

// Ports implements graph.Unit.
func (m *Unit) Ports() (int, int) {
	return m.Ins, m.Outs
}

// Scalar implements graph.Scalarer.
func (m *Unit) Scalar(in int) *float64 {
	return m.Scalars[in]
}

// HoldsInputs implements graph.InputHolder.
func (m *Unit) HoldsInputs() bool {
	return m.Hold
}

// DSP implements graph.Unit.
func (m *Unit) DSP(b *graph.Binding) error {
	m.DSPCalls++
	if m.Order != nil {
		*m.Order = append(*m.Order, m.Name)
	}
	if m.ErrorOnDSP != nil {
		return m.ErrorOnDSP
	}
	m.VecSize, m.SampleRate = b.VecSize(), b.SampleRate()
	m.In, m.Out = data(b.In), data(b.Out)
	ins, outs, n := m.In, m.Out, b.VecSize()
	b.PerformFunc(func() {
		for j := 0; j < n; j++ {
			v := m.Value
			for _, in := range ins {
				v += in[j]
			}
			for _, out := range outs {
				out[j] = v
			}
		}
		m.advance(n)
	})
	return nil
}

func data(sigs []*signal.Signal) [][]float64 {
	d := make([][]float64, len(sigs))
	for i, s := range sigs {
		d[i] = s.Data
	}
	return d
}

// Host mocks a sched.Host.
type Host struct {
	counter
	in, out signal.Float64
	// OnTick is called on every tick.
	OnTick func(n int)
	// Value is added to the out bus on every tick.
	Value float64
}

// NewHost returns a host with buses of provided shape.
func NewHost(numChannels, blockSize int) *Host {
	return &Host{
		in:  signal.EmptyFloat64(numChannels, blockSize),
		out: signal.EmptyFloat64(numChannels, blockSize),
	}
}

// Tick implements sched.Host.
func (m *Host) Tick() {
	for i := range m.out {
		for j := range m.out[i] {
			m.out[i][j] += m.Value
		}
	}
	m.advance(m.out.Size())
	if m.OnTick != nil {
		m.OnTick(m.messages)
	}
}

// Buses implements sched.Host.
func (m *Host) Buses() (signal.Float64, signal.Float64) {
	return m.in, m.out
}

// Device mocks a sched.PollingDevice. Results are returned in order, the
// last one repeats. Device returns io.EOF after Limit transfers, if set.
type Device struct {
	mu sync.Mutex
	counter
	Results []sched.Result
	Limit   int
	// Value fills input bus.
	Value  float64
	blocks []signal.Float64
	// OnTransfer is called before every transfer.
	OnTransfer func(n int)
	Hooks
}

// Open implements sched.PollingDevice.
func (m *Device) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opened++
	return m.ErrorOnOpen
}

// Transfer implements sched.PollingDevice.
func (m *Device) Transfer(in, out signal.Float64) (sched.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.messages
	m.advance(out.Size())
	if m.OnTransfer != nil {
		m.OnTransfer(n)
	}
	if m.ErrorOnCall != nil {
		return sched.NotTransferred, m.ErrorOnCall
	}
	if m.Limit > 0 && n >= m.Limit {
		return sched.NotTransferred, io.EOF
	}
	res := sched.Transferred
	if len(m.Results) > 0 {
		res = m.Results[min(n, len(m.Results)-1)]
	}
	if res == sched.Transferred {
		m.blocks = append(m.blocks, copyBus(out))
		for i := range in {
			for j := range in[i] {
				in[i][j] = m.Value
			}
		}
	}
	return res, nil
}

// Close implements sched.PollingDevice.
func (m *Device) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed++
	return m.ErrorOnClose
}

// Buffer returns transferred output blocks.
func (m *Device) Buffer() []signal.Float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signal.Float64(nil), m.blocks...)
}

// CallbackDevice mocks a sched.CallbackDevice. Every opening starts a
// goroutine which calls the callback Calls[i] times, where i is the number
// of the opening, and then stalls until closed. Zero means until closed.
type CallbackDevice struct {
	mu sync.Mutex
	counter
	Calls       []int
	NumChannels int
	BlockSize   int
	// Interval is a pause between callbacks.
	Interval time.Duration
	// ErrorOnReopen is returned by every opening but the first.
	ErrorOnReopen error
	Hooks
	done chan struct{}
	wg   sync.WaitGroup
}

// OpenCallback implements sched.CallbackDevice.
func (m *CallbackDevice) OpenCallback(fn sched.CallbackFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.Opened
	m.Opened++
	if m.ErrorOnOpen != nil {
		return m.ErrorOnOpen
	}
	if m.ErrorOnReopen != nil && n > 0 {
		return m.ErrorOnReopen
	}
	calls := 0
	if n < len(m.Calls) {
		calls = m.Calls[n]
	}
	done := make(chan struct{})
	m.done = done
	in := signal.EmptyFloat64(m.NumChannels, m.BlockSize)
	out := signal.EmptyFloat64(m.NumChannels, m.BlockSize)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for i := 0; calls == 0 || i < calls; i++ {
			select {
			case <-done:
				return
			default:
			}
			fn(in, out)
			m.mu.Lock()
			m.advance(m.BlockSize)
			m.mu.Unlock()
			if m.Interval > 0 {
				select {
				case <-done:
					return
				case <-time.After(m.Interval):
				}
			}
		}
		<-done
	}()
	return nil
}

// Close implements sched.CallbackDevice.
func (m *CallbackDevice) Close() error {
	m.mu.Lock()
	m.Closed++
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
	return m.ErrorOnClose
}

// Openings returns number of OpenCallback calls.
func (m *CallbackDevice) Openings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Opened
}

// Count returns number of callbacks and processed samples.
func (m *CallbackDevice) Count() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter.Count()
}

// Hooks allows to mock device lifecycle.
type Hooks struct {
	Opened int
	Closed int

	ErrorOnOpen  error
	ErrorOnCall  error
	ErrorOnClose error
}

// counter counts messages and samples.
type counter struct {
	messages int
	samples  int
}

// advance counter's metrics.
func (c *counter) advance(size int) {
	c.messages++
	c.samples = c.samples + size
}

// Count returns messages and samples metrics.
func (c *counter) Count() (int, int) {
	return c.messages, c.samples
}

func copyBus(b signal.Float64) signal.Float64 {
	c := signal.EmptyFloat64(b.NumChannels(), b.Size())
	c.CopyFrom(b)
	return c
}

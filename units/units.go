// Package units provides a few processing units to build patches with:
// an oscillator, gain and multiplication, and audio bus access.
package units

import (
	"fmt"
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"

	"pipelined.dev/engine/chain"
	"pipelined.dev/engine/graph"
	"pipelined.dev/engine/signal"
)

// Osc is a cosine oscillator. Its input is frequency in Hz, it's used as a
// scalar when not connected.
type Osc struct {
	Frequency float64
	phase     float64
}

// NewOsc returns oscillator with initial frequency.
func NewOsc(frequency float64) *Osc {
	return &Osc{Frequency: frequency}
}

// Ports implements graph.Unit.
func (*Osc) Ports() (int, int) {
	return 1, 1
}

// Scalar implements graph.Scalarer.
func (o *Osc) Scalar(in int) *float64 {
	if in == 0 {
		return &o.Frequency
	}
	return nil
}

// SetPhase resets phase, in cycles.
func (o *Osc) SetPhase(phase float64) {
	o.phase = phase - math.Floor(phase)
}

// DSP implements graph.Unit.
func (o *Osc) DSP(b *graph.Binding) error {
	freq, out := b.In[0].Data, b.Out[0].Data
	conv := 1 / b.SampleRate()
	b.PerformFunc(func() {
		phase := o.phase
		for i := range out {
			f := freq[i]
			out[i] = math.Cos(2 * math.Pi * phase)
			phase += f * conv
		}
		o.phase = phase - math.Floor(phase)
	})
	return nil
}

// Gain multiplies its input by a scalar.
type Gain struct {
	Value float64
}

// NewGain returns gain unit.
func NewGain(value float64) *Gain {
	return &Gain{Value: value}
}

// Ports implements graph.Unit.
func (*Gain) Ports() (int, int) {
	return 1, 1
}

// DSP implements graph.Unit.
func (g *Gain) DSP(b *graph.Binding) error {
	in, out := b.In[0].Data, b.Out[0].Data
	b.PerformFunc(func() {
		vecmath.ScaleBlock(out, in, g.Value)
	})
	return nil
}

// Mul multiplies two signals. Second input is a scalar when not
// connected.
type Mul struct {
	Right float64
}

// NewMul returns multiplication unit.
func NewMul(right float64) *Mul {
	return &Mul{Right: right}
}

// Ports implements graph.Unit.
func (*Mul) Ports() (int, int) {
	return 2, 1
}

// Scalar implements graph.Scalarer.
func (m *Mul) Scalar(in int) *float64 {
	if in == 1 {
		return &m.Right
	}
	return nil
}

// DSP implements graph.Unit.
func (*Mul) DSP(b *graph.Binding) error {
	left, right, out := b.In[0].Data, b.In[1].Data, b.Out[0].Data
	b.PerformFunc(func() {
		vecmath.MulBlock(out, left, right)
	})
	return nil
}

// Dac adds its inputs into channels of the output bus. Inputs are mapped
// to channels in order.
type Dac struct {
	bus      signal.Float64
	channels []int
}

// NewDac returns unit which writes to provided channels of the bus. With
// no channels, it has an input per bus channel.
func NewDac(bus signal.Float64, channels ...int) *Dac {
	return &Dac{bus: bus, channels: busChannels(bus, channels)}
}

// Ports implements graph.Unit.
func (d *Dac) Ports() (int, int) {
	return len(d.channels), 0
}

// DSP implements graph.Unit.
func (d *Dac) DSP(b *graph.Binding) error {
	if err := checkBus(b, d.bus, d.channels); err != nil {
		return err
	}
	for i, ch := range d.channels {
		in, out := b.In[i].Data, d.bus[ch]
		b.PerformFunc(func() {
			vecmath.AddBlockInPlace(out, in)
		})
	}
	return nil
}

// Adc reads channels of the input bus. Outputs are mapped to channels in
// order.
type Adc struct {
	bus      signal.Float64
	channels []int
}

// NewAdc returns unit which reads provided channels of the bus. With no
// channels, it has an output per bus channel.
func NewAdc(bus signal.Float64, channels ...int) *Adc {
	return &Adc{bus: bus, channels: busChannels(bus, channels)}
}

// Ports implements graph.Unit.
func (a *Adc) Ports() (int, int) {
	return 0, len(a.channels)
}

// DSP implements graph.Unit.
func (a *Adc) DSP(b *graph.Binding) error {
	if err := checkBus(b, a.bus, a.channels); err != nil {
		return err
	}
	for i, ch := range a.channels {
		b.Append(chain.Step{Op: chain.OpCopy, Src: a.bus[ch], Dst: b.Out[i].Data})
	}
	return nil
}

func busChannels(bus signal.Float64, channels []int) []int {
	if len(channels) > 0 {
		return channels
	}
	channels = make([]int, bus.NumChannels())
	for i := range channels {
		channels[i] = i
	}
	return channels
}

func checkBus(b *graph.Binding, bus signal.Float64, channels []int) error {
	if b.VecSize() != bus.Size() {
		return fmt.Errorf("vector size %d doesn't match bus size %d", b.VecSize(), bus.Size())
	}
	for _, ch := range channels {
		if ch < 0 || ch >= bus.NumChannels() {
			return fmt.Errorf("channel %d is out of range [0, %d)", ch, bus.NumChannels())
		}
	}
	return nil
}

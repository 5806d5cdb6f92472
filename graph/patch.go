// Package graph compiles patches of processing units into a chain.
//
// Units are sorted so every unit runs after all units feeding it. Signals
// are taken from a pool and recycled as soon as their last reader is
// scheduled, so units must be able to compute in place. Patches may nest
// sub-patches, which run at their own block size, overlap and sample rate
// when they hold a RateControl.
package graph

import (
	"pipelined.dev/engine/chain"
	"pipelined.dev/engine/signal"
)

// Unit is a processing node of a patch. Units are identified by value, so
// implementations must be comparable, usually pointers.
type Unit interface {
	// Ports returns the number of signal inputs and outputs.
	Ports() (ins, outs int)
	// DSP is called once per compilation with bound signals. It appends
	// the unit's work to the chain.
	DSP(b *Binding) error
}

// Scalarer is implemented by units with scalar values for unconnected
// inputs. Returned value is read on every tick.
type Scalarer interface {
	Scalar(in int) *float64
}

// InputHolder is implemented by units which keep reading their inputs
// after DSP returns, so input signals are not recycled until then.
type InputHolder interface {
	HoldsInputs() bool
}

// Wire is a connection from unit output to unit input.
type Wire struct {
	Src Unit
	Out int
	Dst Unit
	In  int
}

// Patch is a set of units and wires between them.
type Patch struct {
	units []Unit
	wires []Wire
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{}
}

// Add appends units to the patch.
func (p *Patch) Add(units ...Unit) *Patch {
	p.units = append(p.units, units...)
	return p
}

// Connect wires output of src to input of dst.
func (p *Patch) Connect(src Unit, out int, dst Unit, in int) *Patch {
	p.wires = append(p.wires, Wire{Src: src, Out: out, Dst: dst, In: in})
	return p
}

// Units returns units in the order they were added.
func (p *Patch) Units() []Unit {
	return p.units
}

// Wires returns wires in the order they were connected.
func (p *Patch) Wires() []Wire {
	return p.wires
}

// Binding is passed to Unit.DSP. It holds the unit's signals and appends
// steps to the chain being compiled.
type Binding struct {
	ctx  *Context
	node *node
	// In holds input signals, always resolved.
	In []*signal.Signal
	// Out holds output signals. Outputs of sub-patches and of inlets that
	// don't reblock are borrowed and must be bound with Borrow.
	Out []*signal.Signal
}

// Perform appends unit's routine to the chain.
func (b *Binding) Perform(p chain.Performer) int {
	return b.ctx.compiler.chain.Append(chain.Step{Op: chain.OpPerform, Performer: p})
}

// PerformFunc appends function to the chain.
func (b *Binding) PerformFunc(fn func()) int {
	return b.Perform(chain.PerformFunc(fn))
}

// Append appends arbitrary step to the chain.
func (b *Binding) Append(s chain.Step) int {
	return b.ctx.compiler.chain.Append(s)
}

// Borrow binds borrowed output to the source signal.
func (b *Binding) Borrow(out int, source *signal.Signal) error {
	return b.ctx.compiler.pool.SetBorrowed(b.Out[out], source)
}

// VecSize returns vector size of the context.
func (b *Binding) VecSize() int {
	return b.ctx.vecSize
}

// SampleRate returns sample rate of the context.
func (b *Binding) SampleRate() float64 {
	return b.ctx.sampleRate
}

// Context returns the context the unit is compiled in.
func (b *Binding) Context() *Context {
	return b.ctx
}

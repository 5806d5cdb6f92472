// Package chain holds the flat list of steps a compiled graph runs every
// audio block. Each step returns the index of the next one, which allows
// blocks to be skipped or repeated without any scheduling at tick time.
package chain

import (
	"fmt"

	vecmath "github.com/cwbudde/algo-vecmath"
)

// Op is a kind of chain step.
type Op uint8

// Steps executed by the chain.
const (
	// OpDone terminates the tick.
	OpDone Op = iota
	// OpPerform calls unit's processing routine.
	OpPerform
	// OpZero fills Dst with zeros.
	OpZero
	// OpCopy copies Src to Dst.
	OpCopy
	// OpPlus writes Src + Src2 to Dst.
	OpPlus
	// OpScalarCopy fills Dst with the value of Scalar.
	OpScalarCopy
	// OpBlockProlog starts a reblocked or switched region.
	OpBlockProlog
	// OpBlockEpilog ends a reblocked or switched region.
	OpBlockEpilog
	// OpInletFill loads parent samples into an inlet buffer.
	OpInletFill
	// OpInletRead reads one inner block from an inlet buffer.
	OpInletRead
	// OpOutletWrite overlap-adds one inner block into an outlet buffer.
	OpOutletWrite
	// OpOutletDrain moves one parent block out of an outlet buffer.
	OpOutletDrain
)

var opNames = [...]string{
	OpDone:        "done",
	OpPerform:     "perform",
	OpZero:        "zero",
	OpCopy:        "copy",
	OpPlus:        "plus",
	OpScalarCopy:  "scalar",
	OpBlockProlog: "prolog",
	OpBlockEpilog: "epilog",
	OpInletFill:   "inlet.fill",
	OpInletRead:   "inlet.read",
	OpOutletWrite: "outlet.write",
	OpOutletDrain: "outlet.drain",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// Performer is a unit processing routine. It must not block or allocate.
type Performer interface {
	Perform()
}

// PerformFunc is a function adapter for Performer.
type PerformFunc func()

// Perform calls f.
func (f PerformFunc) Perform() {
	f()
}

// Step is a single chain instruction. Which fields are used depends on Op.
type Step struct {
	Op        Op
	Performer Performer
	Dst       []float64
	Src       []float64
	Src2      []float64
	Scalar    *float64
	Block     *Block
	Inlet     *Inlet
	Outlet    *Outlet
}

// Chain is an ordered list of steps terminated with OpDone.
type Chain struct {
	steps []Step
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{
		steps: []Step{{Op: OpDone}},
	}
}

// Append inserts the step before the terminator and returns its index.
func (c *Chain) Append(s Step) int {
	i := len(c.steps) - 1
	c.steps[i] = s
	c.steps = append(c.steps, Step{Op: OpDone})
	return i
}

// Len returns number of steps, terminator excluded.
func (c *Chain) Len() int {
	return len(c.steps) - 1
}

// Step returns step at index i.
func (c *Chain) Step(i int) Step {
	return c.steps[i]
}

// Ops returns the sequence of step kinds, terminator excluded.
func (c *Chain) Ops() []Op {
	ops := make([]Op, 0, c.Len())
	for _, s := range c.steps[:c.Len()] {
		ops = append(ops, s.Op)
	}
	return ops
}

// Tick runs the chain once.
func (c *Chain) Tick() {
	c.run(0)
}

// Bang runs a switched off block once. It returns false if block is not
// switched, is on or doesn't belong to this chain.
func (c *Chain) Bang(b *Block) bool {
	if b == nil || !b.Switched || b.On() {
		return false
	}
	if b.Onset < 0 || b.Onset >= c.Len() || c.steps[b.Onset].Block != b {
		return false
	}
	b.oneShot = true
	c.run(b.Onset + 1)
	b.oneShot = false
	return true
}

func (c *Chain) run(i int) {
	for i >= 0 {
		i = c.exec(i)
	}
}

func (c *Chain) exec(i int) int {
	s := &c.steps[i]
	switch s.Op {
	case OpDone:
		return -1
	case OpPerform:
		s.Performer.Perform()
	case OpZero:
		clear(s.Dst)
	case OpCopy:
		copy(s.Dst, s.Src)
	case OpPlus:
		copy(s.Dst, s.Src)
		vecmath.AddBlockInPlace(s.Dst, s.Src2)
	case OpScalarCopy:
		v := *s.Scalar
		for j := range s.Dst {
			s.Dst[j] = v
		}
	case OpBlockProlog:
		return s.Block.prolog(i)
	case OpBlockEpilog:
		return s.Block.epilog(i)
	case OpInletFill:
		s.Inlet.fill(s.Src)
	case OpInletRead:
		s.Inlet.read(s.Dst)
	case OpOutletWrite:
		s.Outlet.write(s.Src)
	case OpOutletDrain:
		s.Outlet.drain(s.Dst)
	}
	return i + 1
}

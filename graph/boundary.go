package graph

import (
	"pipelined.dev/engine/chain"
	"pipelined.dev/engine/signal"
)

// Inlet passes a signal from the parent patch into a sub-patch. Inlets
// are numbered in the order they are added to the patch.
type Inlet struct{}

// NewInlet returns a sub-patch inlet.
func NewInlet() *Inlet {
	return &Inlet{}
}

// Ports implements Unit.
func (*Inlet) Ports() (int, int) {
	return 0, 1
}

// DSP implements Unit.
func (*Inlet) DSP(b *Binding) error {
	n := b.node
	switch {
	case n.direct != nil:
		return b.Borrow(0, n.direct)
	case n.inlet != nil:
		b.Append(chain.Step{Op: chain.OpInletRead, Inlet: n.inlet, Dst: b.Out[0].Data})
	default:
		b.Append(chain.Step{Op: chain.OpZero, Dst: b.Out[0].Data})
	}
	return nil
}

// Outlet passes a signal from a sub-patch to the parent patch. Outlets
// are numbered in the order they are added to the patch.
type Outlet struct{}

// NewOutlet returns a sub-patch outlet.
func NewOutlet() *Outlet {
	return &Outlet{}
}

// Ports implements Unit.
func (*Outlet) Ports() (int, int) {
	return 1, 0
}

// DSP implements Unit.
func (*Outlet) DSP(b *Binding) error {
	n := b.node
	switch {
	case n.parentSig == nil:
	case n.borrow:
		return b.ctx.compiler.pool.SetBorrowed(n.parentSig, b.In[0])
	case n.justCopy:
		b.Append(chain.Step{Op: chain.OpCopy, Src: b.In[0].Data, Dst: n.parentSig.Data})
	default:
		b.Append(chain.Step{Op: chain.OpOutletWrite, Outlet: n.outlet, Src: b.In[0].Data})
	}
	return nil
}

// inletProlog prepares the inlet before units are scheduled. Reblocked
// inlet buffers parent samples, otherwise parent signal is passed through.
func (ctx *Context) inletProlog(n *node) {
	if ctx.io == nil || n.port >= ctx.nin {
		return
	}
	parent := ctx.io[n.port]
	if !ctx.reblock {
		n.direct = parent
		return
	}
	n.inlet = chain.NewInlet(ctx.vecSize, parent.Len(), int(ctx.compiler.tick),
		ctx.period, ctx.up, ctx.down)
	ctx.compiler.chain.Append(chain.Step{Op: chain.OpInletFill, Inlet: n.inlet, Src: parent.Data})
}

func (ctx *Context) outletProlog(n *node) {
	if ctx.io == nil || ctx.nin+n.port >= len(ctx.io) {
		return
	}
	n.parentSig = ctx.io[ctx.nin+n.port]
	parentSize, _ := ctx.parentRates()
	switch {
	case ctx.reblock:
		n.outlet = chain.NewOutlet(ctx.vecSize, parentSize, int(ctx.compiler.tick),
			ctx.period, ctx.frequency, ctx.up, ctx.down)
	case ctx.switched:
		n.justCopy = true
	default:
		n.borrow = true
	}
}

// outletEpilog appends steps run after the region: reblocked outlet
// drains its buffer to the parent, switched one clears parent signal which
// is overwritten when the region runs.
func (ctx *Context) outletEpilog(n *node) {
	if n.parentSig == nil {
		return
	}
	switch {
	case ctx.reblock:
		ctx.compiler.chain.Append(chain.Step{Op: chain.OpOutletDrain, Outlet: n.outlet, Dst: n.parentSig.Data})
	case ctx.switched:
		ctx.compiler.chain.Append(chain.Step{Op: chain.OpZero, Dst: n.parentSig.Data})
	}
}

// Subpatch is a nested patch compiled as a child context. Its inputs are
// the patch inlets and its outputs are the patch outlets.
type Subpatch struct {
	patch *Patch
}

// NewSubpatch wraps the patch.
func NewSubpatch(p *Patch) *Subpatch {
	return &Subpatch{patch: p}
}

// Patch returns the wrapped patch.
func (s *Subpatch) Patch() *Patch {
	return s.patch
}

// Ports implements Unit.
func (s *Subpatch) Ports() (ins, outs int) {
	for _, u := range s.patch.units {
		switch u.(type) {
		case *Inlet:
			ins++
		case *Outlet:
			outs++
		}
	}
	return ins, outs
}

// HoldsInputs implements InputHolder: inner units read inputs directly.
func (*Subpatch) HoldsInputs() bool {
	return true
}

// DSP compiles the wrapped patch.
func (s *Subpatch) DSP(b *Binding) error {
	io := make([]*signal.Signal, 0, len(b.In)+len(b.Out))
	io = append(append(io, b.In...), b.Out...)
	return b.ctx.compiler.newContext(b.ctx, io, len(b.In)).build(s.patch)
}

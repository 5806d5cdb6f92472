package graph

import (
	"errors"
	"fmt"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/chain"
	"pipelined.dev/engine/log"
	"pipelined.dev/engine/signal"
)

const (
	// DefaultBlockSize is the top-level vector size.
	DefaultBlockSize = 64
	// DefaultSampleRate is the top-level sample rate.
	DefaultSampleRate = 44100
)

// Compiler turns patches into chain steps. It's used for a single
// compilation: signals of all contexts come from the same pool and steps
// are appended to the same chain.
type Compiler struct {
	pool       *signal.Pool
	chain      *chain.Chain
	warn       *log.Limited
	blockSize  int
	sampleRate float64
	tick       uint64
	cycles     int
	contexts   int
	zeros      map[zeroKey]*signal.Signal
}

type zeroKey struct {
	n          int
	sampleRate float64
}

// Option configures the compiler.
type Option func(*Compiler)

// WithBlockSize sets top-level vector size.
func WithBlockSize(n int) Option {
	return func(c *Compiler) {
		c.blockSize = n
	}
}

// WithSampleRate sets top-level sample rate.
func WithSampleRate(sampleRate float64) Option {
	return func(c *Compiler) {
		c.sampleRate = sampleRate
	}
}

// WithLogger sets the sink for compilation warnings.
func WithLogger(l *log.Limited) Option {
	return func(c *Compiler) {
		c.warn = l
	}
}

// WithTick sets the number of ticks done so far. It's used to align phase
// of reblocked regions.
func WithTick(tick uint64) Option {
	return func(c *Compiler) {
		c.tick = tick
	}
}

// NewCompiler returns compiler which appends steps to the chain.
func NewCompiler(pool *signal.Pool, ch *chain.Chain, options ...Option) *Compiler {
	c := &Compiler{
		pool:       pool,
		chain:      ch,
		blockSize:  DefaultBlockSize,
		sampleRate: DefaultSampleRate,
		zeros:      make(map[zeroKey]*signal.Signal),
	}
	for _, option := range options {
		option(c)
	}
	if c.warn == nil {
		c.warn = log.NewLimited(log.GetLogger(), log.DefaultRates)
	}
	return c
}

// Compile appends steps of the patch as a top-level context.
func (c *Compiler) Compile(p *Patch) error {
	return c.NewContext().build(p)
}

// NewContext returns an empty top-level context. Units are added to it
// directly, which allows to build a graph without a Patch.
func (c *Compiler) NewContext() *Context {
	return c.newContext(nil, nil, 0)
}

// Cycles returns the number of contexts where a signal loop was found.
func (c *Compiler) Cycles() int {
	return c.cycles
}

// Contexts returns the number of compiled contexts.
func (c *Compiler) Contexts() int {
	return c.contexts
}

// zero returns the constant signal shared by all unconnected inputs of
// the same length and rate.
func (c *Compiler) zero(n int, sampleRate float64) *signal.Signal {
	k := zeroKey{n: n, sampleRate: sampleRate}
	s, ok := c.zeros[k]
	if !ok {
		s = signal.Constant(n, sampleRate)
		c.zeros[k] = s
	}
	return s
}

func (c *Compiler) newContext(parent *Context, io []*signal.Signal, nin int) *Context {
	return &Context{
		id:       xid.New(),
		compiler: c,
		parent:   parent,
		index:    make(map[Unit]*node),
		io:       io,
		nin:      nin,
	}
}

type edge struct {
	dst *node
	in  int
}

type inlet struct {
	nconnect int
	ngot     int
	sig      *signal.Signal
}

type outlet struct {
	nconnect int
	sig      *signal.Signal
	edges    []edge
}

// node is a unit with its connections and state of the sort.
type node struct {
	unit Unit
	ins  []inlet
	outs []outlet
	done bool

	// boundary state of inlets and outlets
	port      int
	direct    *signal.Signal
	inlet     *chain.Inlet
	outlet    *chain.Outlet
	parentSig *signal.Signal
	borrow    bool
	justCopy  bool
}

func (n *node) connected() bool {
	for _, in := range n.ins {
		if in.nconnect > 0 {
			return true
		}
	}
	return false
}

func (n *node) ready() bool {
	for _, in := range n.ins {
		if in.ngot < in.nconnect {
			return false
		}
	}
	return true
}

// Context is a graph under construction. Top-level context runs at
// compiler rates, contexts of sub-patches are derived from their parent
// and their rate control.
type Context struct {
	id       xid.ID
	compiler *Compiler
	parent   *Context
	nodes    []*node
	index    map[Unit]*node
	// io holds parent signals of sub-patch: inputs followed by outputs.
	io       []*signal.Signal
	nin      int
	ninlets  int
	noutlets int

	vecSize    int
	sampleRate float64
	period     int
	frequency  int
	up, down   int
	reblock    bool
	switched   bool
	block      *chain.Block
	errs       []error

	// exhausted is set when the pool couldn't provide a signal. Units left
	// unscheduled after that are not a loop.
	exhausted bool
}

// ID returns unique context id.
func (ctx *Context) ID() xid.ID {
	return ctx.id
}

// Add places unit into the context. Unit added twice is ignored.
func (ctx *Context) Add(u Unit) {
	if _, ok := ctx.index[u]; ok {
		ctx.warnf("add", nil, "unit %T added twice", u)
		return
	}
	ins, outs := u.Ports()
	n := &node{
		unit: u,
		ins:  make([]inlet, max(ins, 0)),
		outs: make([]outlet, max(outs, 0)),
	}
	switch u.(type) {
	case *Inlet:
		n.port = ctx.ninlets
		ctx.ninlets++
	case *Outlet:
		n.port = ctx.noutlets
		ctx.noutlets++
	}
	ctx.nodes = append(ctx.nodes, n)
	ctx.index[u] = n
}

// Connect wires output of src to input of dst. Connection with unknown
// units, out of range ports or one that already exists is dropped with a
// warning and false is returned.
func (ctx *Context) Connect(src Unit, out int, dst Unit, in int) bool {
	from, ok := ctx.index[src]
	if !ok {
		ctx.warnf("connect", nil, "source %T is not in context", src)
		return false
	}
	to, ok := ctx.index[dst]
	if !ok {
		ctx.warnf("connect", nil, "destination %T is not in context", dst)
		return false
	}
	if out < 0 || out >= len(from.outs) || in < 0 || in >= len(to.ins) {
		ctx.warnf("connect", logrus.Fields{"out": out, "in": in},
			"%T output %d to %T input %d: no such port", src, out, dst, in)
		return false
	}
	for _, e := range from.outs[out].edges {
		if e.dst == to && e.in == in {
			ctx.warnf("connect", logrus.Fields{"out": out, "in": in},
				"%T output %d to %T input %d: already connected", src, out, dst, in)
			return false
		}
	}
	from.outs[out].edges = append(from.outs[out].edges, edge{dst: to, in: in})
	from.outs[out].nconnect++
	to.ins[in].nconnect++
	return true
}

func (ctx *Context) build(p *Patch) error {
	for _, u := range p.units {
		ctx.Add(u)
	}
	for _, w := range p.wires {
		ctx.Connect(w.Src, w.Out, w.Dst, w.In)
	}
	return ctx.Done()
}

// rateControl returns the first rate control of the context.
func (ctx *Context) rateControl() *RateControl {
	var found *RateControl
	for _, n := range ctx.nodes {
		rc, ok := n.unit.(*RateControl)
		if !ok {
			continue
		}
		if found != nil {
			ctx.warnf("rate", nil, "only one rate control per patch is allowed, extra is ignored")
			continue
		}
		found = rc
	}
	return found
}

func (ctx *Context) parentRates() (int, float64) {
	if ctx.parent == nil {
		return ctx.compiler.blockSize, ctx.compiler.sampleRate
	}
	return ctx.parent.vecSize, ctx.parent.sampleRate
}

// Done schedules all units of the context and appends their steps to the
// chain. Context can't be used after Done.
func (ctx *Context) Done() error {
	c := ctx.compiler
	c.contexts++
	parentSize, parentRate := ctx.parentRates()

	ctx.vecSize, ctx.sampleRate = parentSize, parentRate
	ctx.period, ctx.frequency = 1, 1
	ctx.up, ctx.down = 1, 1
	ctx.reblock = ctx.parent == nil
	rc := ctx.rateControl()
	if rc != nil {
		s := rc.settings()
		calc := s.vecSize
		if calc == 0 {
			calc = parentSize
		}
		overlap := min(s.overlap, calc)
		ctx.up, ctx.down = s.up, min(s.down, parentSize)
		ctx.period = max(calc*ctx.down/(parentSize*overlap*ctx.up), 1)
		ctx.frequency = max(parentSize*overlap*ctx.up/(calc*ctx.down), 1)
		ctx.sampleRate = parentRate * float64(overlap*ctx.up) / float64(ctx.down)
		ctx.vecSize = calc
		ctx.reblock = ctx.parent == nil || overlap != 1 || calc != parentSize ||
			ctx.down != 1 || ctx.up != 1
		ctx.switched = s.switched

		ctx.block = chain.NewBlock(ctx.period, ctx.frequency, c.tick)
		ctx.block.Reblock = ctx.reblock
		ctx.block.Switched = ctx.switched
		ctx.block.SetOn(rc.On())
		rc.setBlock(ctx.block)
	}

	if ctx.io != nil && (ctx.switched || ctx.reblock) {
		for _, s := range ctx.io[ctx.nin:] {
			if s.Borrowed() && !s.Bound() {
				ctx.bindNew(s, parentSize, parentRate, false)
			}
		}
	}

	for _, n := range ctx.nodes {
		switch n.unit.(type) {
		case *Inlet:
			ctx.inletProlog(n)
		case *Outlet:
			ctx.outletProlog(n)
		}
	}

	regioned := ctx.block != nil && (ctx.reblock || ctx.switched)
	begin := c.chain.Len()
	if regioned {
		ctx.block.Onset = c.chain.Append(chain.Step{Op: chain.OpBlockProlog, Block: ctx.block})
	}

	for _, n := range ctx.nodes {
		if !n.done && !n.connected() {
			ctx.schedule(n)
		}
	}
	ctx.checkCycles(parentSize, parentRate)

	if regioned {
		c.chain.Append(chain.Step{Op: chain.OpBlockEpilog, Block: ctx.block})
	}
	end := c.chain.Len()
	for _, n := range ctx.nodes {
		if _, ok := n.unit.(*Outlet); ok {
			ctx.outletEpilog(n)
		}
	}
	if ctx.block != nil {
		ctx.block.Length = end - begin
		ctx.block.EpilogLength = c.chain.Len() - end
	}

	ctx.debug(end - begin)
	ctx.nodes, ctx.index = nil, nil
	return errors.Join(ctx.errs...)
}

// schedule binds signals of the node, calls its DSP and propagates its
// outputs downstream. Node is scheduled once all its inputs are resolved.
func (ctx *Context) schedule(n *node) {
	c := ctx.compiler
	n.done = true
	for i := range n.ins {
		in := &n.ins[i]
		if in.nconnect > 0 {
			continue
		}
		var v *float64
		if sc, ok := n.unit.(Scalarer); ok {
			v = sc.Scalar(i)
		}
		if v == nil {
			in.sig = c.zero(ctx.vecSize, ctx.sampleRate)
			continue
		}
		s, err := c.pool.Acquire(ctx.vecSize, ctx.sampleRate)
		if err != nil {
			ctx.fail(fmt.Errorf("%T input %d: %w", n.unit, i, err))
			ctx.abandon(n)
			return
		}
		c.chain.Append(chain.Step{Op: chain.OpScalarCopy, Scalar: v, Dst: s.Data})
		s.SetRefs(1)
		in.sig = s
	}

	hold := ctx.holdsInputs(n)
	ins := make([]*signal.Signal, len(n.ins))
	var later []*signal.Signal
	for i := range n.ins {
		s := n.ins[i].sig
		ins[i] = s
		if s.Constant() {
			continue
		}
		if hold || s.Borrowed() {
			if s.Refs() > 1 {
				s.SetRefs(s.Refs() - 1)
			} else {
				later = append(later, s)
			}
			continue
		}
		ctx.dereference(s)
	}

	size := ctx.vecSize
	if ctx.borrowsOutputs(n) {
		size = 0
	}
	outs := make([]*signal.Signal, len(n.outs))
	for i := range outs {
		s, err := c.pool.Acquire(size, ctx.sampleRate)
		if err != nil {
			ctx.fail(fmt.Errorf("%T output %d: %w", n.unit, i, err))
			ctx.exhausted = true
			for _, s := range outs[:i] {
				ctx.release(s)
			}
			for _, s := range later {
				ctx.dereference(s)
			}
			return
		}
		outs[i] = s
	}

	if err := n.unit.DSP(&Binding{ctx: ctx, node: n, In: ins, Out: outs}); err != nil {
		ctx.fail(fmt.Errorf("%T: %w", n.unit, err))
	}

	for i, s := range outs {
		if s.Borrowed() && !s.Bound() {
			ctx.compiler.warn.Bug("signal", logrus.Fields{"context": ctx.id.String()},
				"%T left output %d unbound", n.unit, i)
			ctx.bindNew(s, ctx.vecSize, ctx.sampleRate, true)
		}
		s.SetRefs(n.outs[i].nconnect)
		n.outs[i].sig = s
		if s.Refs() == 0 {
			ctx.release(s)
		}
	}
	for _, s := range later {
		ctx.dereference(s)
	}

	for i := range n.outs {
		s1 := n.outs[i].sig
		for _, e := range n.outs[i].edges {
			slot := &e.dst.ins[e.in]
			if s2 := slot.sig; s2 != nil {
				slot.sig = ctx.sum(s1, s2)
			} else {
				slot.sig = s1
			}
			slot.ngot++
			if slot.ngot < slot.nconnect || e.dst.done || !e.dst.ready() {
				continue
			}
			ctx.schedule(e.dst)
		}
	}
}

// abandon drops inputs of the node which failed before its DSP was
// called.
func (ctx *Context) abandon(n *node) {
	ctx.exhausted = true
	for i := range n.ins {
		if s := n.ins[i].sig; s != nil {
			n.ins[i].sig = nil
			ctx.dereference(s)
		}
	}
}

// sum appends a step adding two signals delivered to the same input and
// returns the resulting signal.
func (ctx *Context) sum(s1, s2 *signal.Signal) *signal.Signal {
	c := ctx.compiler
	s1.SetRefs(s1.Refs() - 1)
	s2.SetRefs(s2.Refs() - 1)
	s3, err := c.pool.Like(s1)
	if err != nil {
		ctx.fail(fmt.Errorf("sum: %w", err))
		return s2
	}
	if signal.Compatible(s1, s2) {
		c.chain.Append(chain.Step{Op: chain.OpPlus, Dst: s3.Data, Src: s1.Data, Src2: s2.Data})
	} else {
		ctx.warnf("sum", logrus.Fields{"len": []int{s1.Len(), s2.Len()}},
			"can't sum signals of different size or rate, first is used")
		c.chain.Append(chain.Step{Op: chain.OpCopy, Dst: s3.Data, Src: s1.Data})
	}
	s3.SetRefs(1)
	if s1.Refs() == 0 {
		ctx.release(s1)
	}
	if s2.Refs() == 0 {
		ctx.release(s2)
	}
	return s3
}

// checkCycles reports units which were never scheduled. Outputs of the
// context left unbound are zero-filled and partially delivered inputs are
// dropped.
func (ctx *Context) checkCycles(parentSize int, parentRate float64) {
	var stuck []*node
	for _, n := range ctx.nodes {
		if !n.done {
			stuck = append(stuck, n)
		}
	}
	if len(stuck) == 0 {
		return
	}
	if !ctx.exhausted {
		ctx.compiler.cycles++
		ctx.warnf("cycle", logrus.Fields{"units": len(stuck)},
			"DSP loop detected, %d units are not scheduled", len(stuck))
	}
	if ctx.io != nil {
		for _, s := range ctx.io[ctx.nin:] {
			if s.Borrowed() && !s.Bound() {
				ctx.bindNew(s, parentSize, parentRate, true)
			}
		}
	}
	for _, n := range stuck {
		for i := range n.ins {
			if s := n.ins[i].sig; s != nil {
				n.ins[i].sig = nil
				ctx.dereference(s)
			}
		}
	}
}

// bindNew binds borrowed signal to a fresh one. Zero step is appended when
// zero is true.
func (ctx *Context) bindNew(s *signal.Signal, n int, sampleRate float64, zero bool) {
	c := ctx.compiler
	back, err := c.pool.Acquire(n, sampleRate)
	if err != nil {
		ctx.fail(fmt.Errorf("bind output: %w", err))
		return
	}
	if err := c.pool.SetBorrowed(s, back); err != nil {
		ctx.bug(err)
		return
	}
	if zero {
		c.chain.Append(chain.Step{Op: chain.OpZero, Dst: back.Data})
	}
}

// holdsInputs returns true if node reads its inputs after DSP returns.
func (ctx *Context) holdsInputs(n *node) bool {
	switch u := n.unit.(type) {
	case *Outlet:
		return !(ctx.reblock || ctx.switched)
	case InputHolder:
		return u.HoldsInputs()
	}
	return false
}

// borrowsOutputs returns true if node binds its outputs to existing
// signals.
func (ctx *Context) borrowsOutputs(n *node) bool {
	switch n.unit.(type) {
	case *Inlet:
		return !ctx.reblock
	case *Subpatch:
		return true
	}
	return false
}

func (ctx *Context) release(s *signal.Signal) {
	if err := ctx.compiler.pool.Release(s); err != nil {
		ctx.bug(err)
	}
}

func (ctx *Context) dereference(s *signal.Signal) {
	if err := ctx.compiler.pool.Dereference(s); err != nil {
		ctx.bug(err)
	}
}

func (ctx *Context) fail(err error) {
	ctx.errs = append(ctx.errs, err)
}

func (ctx *Context) bug(err error) {
	ctx.compiler.warn.Bug("signal", logrus.Fields{"context": ctx.id.String()}, "%v", err)
}

func (ctx *Context) warnf(category string, fields logrus.Fields, format string, args ...any) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["context"] = ctx.id.String()
	ctx.compiler.warn.Warn(category, fields, format, args...)
}

func (ctx *Context) debug(steps int) {
	ctx.compiler.warn.Logger().WithFields(logrus.Fields{
		"context":   ctx.id.String(),
		"vecsize":   ctx.vecSize,
		"rate":      ctx.sampleRate,
		"period":    ctx.period,
		"frequency": ctx.frequency,
		"reblock":   ctx.reblock,
		"switched":  ctx.switched,
		"steps":     steps,
	}).Debug("context compiled")
}

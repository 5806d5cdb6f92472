package chain

import "sync/atomic"

// Block is the runtime state of a reblocked or switched region. The region
// spans from the prolog at Onset to its epilog, followed by EpilogLength
// outlet steps.
type Block struct {
	// Period is the number of parent ticks per inner tick.
	Period int
	// Frequency is the number of inner ticks per parent tick.
	Frequency int
	// Onset is the index of the prolog step.
	Onset int
	// Length is the number of steps from prolog through epilog.
	Length int
	// EpilogLength is the number of outlet steps after the epilog.
	EpilogLength int
	Reblock      bool
	Switched     bool

	phase   int
	count   int
	on      atomic.Bool
	oneShot bool
}

// NewBlock returns block state for provided rates. Phase is derived from
// the number of ticks done so far.
func NewBlock(period, frequency int, tick uint64) *Block {
	b := &Block{
		Period:    period,
		Frequency: frequency,
		Onset:     -1,
		phase:     int(tick & uint64(period-1)),
	}
	b.on.Store(true)
	return b
}

// SetOn switches block on or off.
func (b *Block) SetOn(on bool) {
	b.on.Store(on)
}

// On returns true if block is switched on.
func (b *Block) On() bool {
	return b.on.Load()
}

// Phase returns current phase, from 0 to Period-1. The block runs at zero.
func (b *Block) Phase() int {
	return b.phase
}

func (b *Block) prolog(i int) int {
	if !b.on.Load() {
		return i + b.Length
	}
	if b.phase != 0 {
		b.phase++
		if b.phase == b.Period {
			b.phase = 0
		}
		return i + b.Length
	}
	b.count = b.Frequency
	if b.Period > 1 {
		b.phase = 1
	} else {
		b.phase = 0
	}
	return i + 1
}

func (b *Block) epilog(i int) int {
	if b.oneShot {
		return -1
	}
	if !b.Reblock {
		return i + b.EpilogLength + 1
	}
	if b.count > 1 {
		b.count--
		return b.Onset + 1
	}
	return i + 1
}

// Inlet buffers parent samples for a reblocked region.
type Inlet struct {
	buf      []float64
	filled   int
	readAt   int
	hop      int
	parent   int
	up, down int
	resample []float64
}

// NewInlet returns inlet buffer for a region with inner vector size n and
// the given parent vector size. Phase and period are those of the region.
func NewInlet(n, parentSize, phase, period, up, down int) *Inlet {
	reParent := parentSize * up / down
	size := max(reParent, n)
	prologPhase := (phase + period - 1) % period
	in := &Inlet{
		buf:    make([]float64, size),
		hop:    period * reParent,
		parent: reParent,
		up:     up,
		down:   down,
	}
	if prologPhase != 0 {
		in.filled = size - (in.hop - prologPhase*reParent)
	} else {
		in.filled = size
	}
	if up != 1 || down != 1 {
		in.resample = make([]float64, reParent)
	}
	return in
}

func (in *Inlet) fill(src []float64) {
	if in.filled == len(in.buf) {
		copy(in.buf, in.buf[in.hop:])
		in.filled -= in.hop
	}
	if in.resample != nil {
		Resample(in.resample, src, in.up, in.down)
		src = in.resample
	}
	in.filled += copy(in.buf[in.filled:], src[:in.parent])
}

func (in *Inlet) read(dst []float64) {
	copy(dst, in.buf[in.readAt:in.readAt+len(dst)])
	in.readAt += len(dst)
	if in.readAt == len(in.buf) {
		in.readAt = 0
	}
}

// Outlet overlap-adds inner blocks and hands them to the parent.
type Outlet struct {
	buf      []float64
	writeAt  int
	hop      int
	emptyAt  int
	parent   int
	up, down int
}

// NewOutlet returns outlet buffer for a region with inner vector size n and
// the given parent vector size.
func NewOutlet(n, parentSize, phase, period, frequency, up, down int) *Outlet {
	reParent := parentSize * up / down
	size := max(reParent, n)
	bigPeriod := max(n/reParent, 1)
	epilogPhase := phase & (bigPeriod - 1)
	blockPhase := (phase + period - 1) & (bigPeriod - 1) & -period
	out := &Outlet{
		buf:     make([]float64, size),
		writeAt: reParent * blockPhase,
		emptyAt: reParent * epilogPhase,
		parent:  reParent,
		up:      up,
		down:    down,
	}
	if out.writeAt == size {
		out.writeAt = 0
	}
	if period == 1 && frequency > 1 {
		out.hop = reParent / frequency
	} else {
		out.hop = period * reParent
	}
	return out
}

func (out *Outlet) write(src []float64) {
	w := out.writeAt
	for _, v := range src {
		out.buf[w] += v
		w++
		if w == len(out.buf) {
			w = 0
		}
	}
	out.writeAt += out.hop
	if out.writeAt >= len(out.buf) {
		out.writeAt = 0
	}
}

func (out *Outlet) drain(dst []float64) {
	if out.emptyAt == len(out.buf) {
		out.emptyAt = 0
	}
	block := out.buf[out.emptyAt : out.emptyAt+out.parent]
	out.emptyAt += out.parent
	Resample(dst, block, out.down, out.up)
	clear(block)
}

// Resample converts src into dst by the ratio up/down. Upsampling holds
// each sample, downsampling decimates.
func Resample(dst, src []float64, up, down int) {
	switch {
	case up > 1:
		for i := range dst {
			dst[i] = src[i/up]
		}
	case down > 1:
		for i := range dst {
			dst[i] = src[i*down]
		}
	default:
		copy(dst, src)
	}
}

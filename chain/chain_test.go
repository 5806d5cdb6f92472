package chain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/engine/chain"
)

// counter is a performer which counts calls.
type counter struct {
	calls int
}

func (c *counter) Perform() {
	c.calls++
}

func TestAppend(t *testing.T) {
	c := chain.New()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, chain.OpDone, c.Step(0).Op)

	assert.Equal(t, 0, c.Append(chain.Step{Op: chain.OpZero}))
	assert.Equal(t, 1, c.Append(chain.Step{Op: chain.OpCopy}))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, []chain.Op{chain.OpZero, chain.OpCopy}, c.Ops())
	assert.Equal(t, chain.OpDone, c.Step(2).Op)
	assert.Equal(t, "copy", chain.OpCopy.String())
}

func TestArithmetic(t *testing.T) {
	a := []float64{1, 2, 3, 4}
	b := []float64{10, 20, 30, 40}
	sum := make([]float64, 4)
	cp := make([]float64, 4)
	scalar := 0.5
	promoted := make([]float64, 4)
	zeroed := []float64{1, 1, 1, 1}

	c := chain.New()
	c.Append(chain.Step{Op: chain.OpPlus, Src: a, Src2: b, Dst: sum})
	c.Append(chain.Step{Op: chain.OpCopy, Src: a, Dst: cp})
	c.Append(chain.Step{Op: chain.OpScalarCopy, Scalar: &scalar, Dst: promoted})
	c.Append(chain.Step{Op: chain.OpZero, Dst: zeroed})
	c.Tick()

	assert.Equal(t, []float64{11, 22, 33, 44}, sum)
	assert.Equal(t, a, cp)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, promoted)
	assert.Equal(t, []float64{0, 0, 0, 0}, zeroed)

	// scalar is read at tick time
	scalar = 2
	c.Tick()
	assert.Equal(t, []float64{2, 2, 2, 2}, promoted)
}

// region appends prolog, body, epilog and the given number of outlet steps
// followed by a trailing step outside of the region.
func region(b *chain.Block, body, outlet, after *counter, outlets int) *chain.Chain {
	c := chain.New()
	b.Onset = c.Append(chain.Step{Op: chain.OpBlockProlog, Block: b})
	c.Append(chain.Step{Op: chain.OpPerform, Performer: body})
	end := c.Append(chain.Step{Op: chain.OpBlockEpilog, Block: b}) + 1
	for i := 0; i < outlets; i++ {
		c.Append(chain.Step{Op: chain.OpPerform, Performer: outlet})
	}
	b.Length = end - b.Onset
	b.EpilogLength = c.Len() - end
	c.Append(chain.Step{Op: chain.OpPerform, Performer: after})
	return c
}

func TestBlockJumps(t *testing.T) {
	tests := []struct {
		name      string
		period    int
		frequency int
		reblock   bool
		switched  bool
		on        bool
		ticks     int
		body      int
		outlet    int
	}{
		{
			name:      "oversampled",
			period:    1,
			frequency: 2,
			reblock:   true,
			on:        true,
			ticks:     3,
			body:      6,
			outlet:    3,
		},
		{
			name:      "subsampled",
			period:    2,
			frequency: 1,
			reblock:   true,
			on:        true,
			ticks:     4,
			body:      2,
			outlet:    4,
		},
		{
			name:      "period four",
			period:    4,
			frequency: 1,
			reblock:   true,
			on:        true,
			ticks:     8,
			body:      2,
			outlet:    8,
		},
		{
			name:      "switched on",
			period:    1,
			frequency: 1,
			switched:  true,
			on:        true,
			ticks:     2,
			body:      2,
			outlet:    0,
		},
		{
			name:      "switched off",
			period:    1,
			frequency: 1,
			switched:  true,
			on:        false,
			ticks:     2,
			body:      0,
			outlet:    2,
		},
		{
			name:      "switched off reblocked",
			period:    1,
			frequency: 2,
			reblock:   true,
			switched:  true,
			on:        false,
			ticks:     2,
			body:      0,
			outlet:    2,
		},
	}
	for _, test := range tests {
		b := chain.NewBlock(test.period, test.frequency, 0)
		b.Reblock = test.reblock
		b.Switched = test.switched
		b.SetOn(test.on)
		body, outlet, after := &counter{}, &counter{}, &counter{}
		c := region(b, body, outlet, after, 1)
		for i := 0; i < test.ticks; i++ {
			c.Tick()
		}
		assert.Equal(t, test.body, body.calls, test.name)
		assert.Equal(t, test.outlet, outlet.calls, test.name)
		assert.Equal(t, test.ticks, after.calls, test.name)
	}
}

func TestBlockPhase(t *testing.T) {
	// block joined at odd tick waits for the next period boundary
	b := chain.NewBlock(2, 1, 5)
	b.Reblock = true
	assert.Equal(t, 1, b.Phase())
	body, outlet, after := &counter{}, &counter{}, &counter{}
	c := region(b, body, outlet, after, 0)

	c.Tick()
	assert.Equal(t, 0, body.calls)
	assert.Equal(t, 0, b.Phase())
	c.Tick()
	assert.Equal(t, 1, body.calls)
	assert.Equal(t, 1, b.Phase())
}

func TestBang(t *testing.T) {
	b := chain.NewBlock(1, 1, 0)
	b.Switched = true
	body, outlet, after := &counter{}, &counter{}, &counter{}
	c := region(b, body, outlet, after, 1)

	// bang has no effect when switched on
	assert.False(t, c.Bang(b))

	b.SetOn(false)
	assert.True(t, c.Bang(b))
	assert.Equal(t, 1, body.calls)
	assert.Equal(t, 0, outlet.calls)
	assert.Equal(t, 0, after.calls)

	// foreign block
	other := chain.NewBlock(1, 1, 0)
	other.Switched = true
	other.SetOn(false)
	assert.False(t, c.Bang(other))
	assert.False(t, c.Bang(nil))

	// one-shot doesn't affect regular ticks
	c.Tick()
	assert.Equal(t, 1, body.calls)
	assert.Equal(t, 1, outlet.calls)
	assert.Equal(t, 1, after.calls)
}

func TestReblockDelay(t *testing.T) {
	const (
		parentSize = 4
		innerSize  = 8
		period     = 2
	)
	parentIn := make([]float64, parentSize)
	parentOut := make([]float64, parentSize)
	inner := make([]float64, innerSize)

	b := chain.NewBlock(period, 1, 0)
	b.Reblock = true
	inlet := chain.NewInlet(innerSize, parentSize, b.Phase(), period, 1, 1)
	outlet := chain.NewOutlet(innerSize, parentSize, b.Phase(), period, 1, 1, 1)

	c := chain.New()
	c.Append(chain.Step{Op: chain.OpInletFill, Inlet: inlet, Src: parentIn})
	b.Onset = c.Append(chain.Step{Op: chain.OpBlockProlog, Block: b})
	c.Append(chain.Step{Op: chain.OpInletRead, Inlet: inlet, Dst: inner})
	c.Append(chain.Step{Op: chain.OpOutletWrite, Outlet: outlet, Src: inner})
	end := c.Append(chain.Step{Op: chain.OpBlockEpilog, Block: b}) + 1
	c.Append(chain.Step{Op: chain.OpOutletDrain, Outlet: outlet, Dst: parentOut})
	b.Length = end - b.Onset
	b.EpilogLength = c.Len() - end

	expected := [][]float64{
		{0, 0, 0, 0},
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
		{13, 14, 15, 16},
	}
	for i, want := range expected {
		for j := range parentIn {
			parentIn[j] = float64(i*parentSize + j + 1)
		}
		c.Tick()
		assert.Equal(t, want, parentOut, "tick %d", i)
	}
}

func TestOverlapAdd(t *testing.T) {
	// inner block of 8 samples runs every parent tick of 4 samples
	const (
		parentSize = 4
		innerSize  = 8
	)
	outlet := chain.NewOutlet(innerSize, parentSize, 0, 1, 1, 1, 1)
	ones := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	out := make([]float64, parentSize)

	b := chain.NewBlock(1, 1, 0)
	b.Reblock = true
	c := chain.New()
	b.Onset = c.Append(chain.Step{Op: chain.OpBlockProlog, Block: b})
	c.Append(chain.Step{Op: chain.OpOutletWrite, Outlet: outlet, Src: ones})
	end := c.Append(chain.Step{Op: chain.OpBlockEpilog, Block: b}) + 1
	c.Append(chain.Step{Op: chain.OpOutletDrain, Outlet: outlet, Dst: out})
	b.Length = end - b.Onset
	b.EpilogLength = c.Len() - end

	c.Tick()
	assert.Equal(t, []float64{1, 1, 1, 1}, out)
	c.Tick()
	assert.Equal(t, []float64{2, 2, 2, 2}, out)
	c.Tick()
	assert.Equal(t, []float64{2, 2, 2, 2}, out)
}

func TestResample(t *testing.T) {
	up := make([]float64, 4)
	chain.Resample(up, []float64{1, 2}, 2, 1)
	assert.Equal(t, []float64{1, 1, 2, 2}, up)

	down := make([]float64, 2)
	chain.Resample(down, []float64{1, 2, 3, 4}, 1, 2)
	assert.Equal(t, []float64{1, 3}, down)

	same := make([]float64, 2)
	chain.Resample(same, []float64{5, 6}, 1, 1)
	assert.Equal(t, []float64{5, 6}, same)
}

func TestResampledInlet(t *testing.T) {
	// inner runs at twice the parent rate
	inlet := chain.NewInlet(8, 4, 0, 1, 2, 1)
	c := chain.New()
	parent := []float64{1, 2, 3, 4}
	inner := make([]float64, 8)
	c.Append(chain.Step{Op: chain.OpInletFill, Inlet: inlet, Src: parent})
	c.Append(chain.Step{Op: chain.OpInletRead, Inlet: inlet, Dst: inner})
	c.Tick()
	assert.Equal(t, []float64{1, 1, 2, 2, 3, 3, 4, 4}, inner)
}

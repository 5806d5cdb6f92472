package signal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/engine/signal"
)

const sampleRate = 44100

func TestAcquire(t *testing.T) {
	tests := []struct {
		n        int
		capacity int
		err      error
	}{
		{n: 1, capacity: 1},
		{n: 3, capacity: 4},
		{n: 64, capacity: 64},
		{n: 65, capacity: 128},
		{n: 1 << signal.MaxLogSize, capacity: 1 << signal.MaxLogSize},
		{n: 1<<signal.MaxLogSize + 1, err: signal.ErrTooLarge},
		{n: -1, err: signal.ErrTooLarge},
	}
	for _, test := range tests {
		p := signal.NewPool()
		s, err := p.Acquire(test.n, sampleRate)
		if test.err != nil {
			assert.ErrorIs(t, err, test.err)
			assert.Nil(t, s)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, test.n, s.Len())
		assert.Equal(t, test.capacity, cap(s.Data))
		assert.False(t, s.Borrowed())
		assert.Equal(t, 1, p.Live())
	}
}

func TestReuse(t *testing.T) {
	p := signal.NewPool()
	s1, err := p.Acquire(48, sampleRate)
	require.NoError(t, err)
	s1.Data[0] = 1
	require.NoError(t, p.Release(s1))

	// same size class, recycled and zeroed
	s2, err := p.Acquire(64, sampleRate)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 0.0, s2.Data[0])

	// different size class, fresh allocation
	s3, err := p.Acquire(128, sampleRate)
	require.NoError(t, err)
	assert.NotSame(t, s2, s3)
	assert.Equal(t, 2, p.Stats().Total)
}

func TestDoubleRelease(t *testing.T) {
	p := signal.NewPool()
	s, err := p.Acquire(8, sampleRate)
	require.NoError(t, err)
	require.NoError(t, p.Release(s))
	assert.ErrorIs(t, p.Release(s), signal.ErrDoubleRelease)
	assert.ErrorIs(t, p.Dereference(s), signal.ErrDoubleRelease)
	assert.Equal(t, 0, p.Live())
}

func TestBorrowed(t *testing.T) {
	p := signal.NewPool()
	source, err := p.Acquire(64, sampleRate)
	require.NoError(t, err)
	source.SetRefs(1)

	dest, err := p.Acquire(0, 0)
	require.NoError(t, err)
	assert.True(t, dest.Borrowed())
	assert.False(t, dest.Bound())

	require.NoError(t, p.SetBorrowed(dest, source))
	assert.Equal(t, 2, source.Refs())
	assert.Equal(t, 64, dest.Len())
	assert.Equal(t, float64(sampleRate), dest.SampleRate)
	dest.Data[3] = 1
	assert.Equal(t, 1.0, source.Data[3])

	assert.ErrorIs(t, p.SetBorrowed(dest, source), signal.ErrAlreadyBound)
	assert.ErrorIs(t, p.SetBorrowed(source, dest), signal.ErrNotBorrowed)

	// releasing borrowed signal drops exactly one reference of its source
	require.NoError(t, p.Release(dest))
	assert.Equal(t, 1, source.Refs())
	assert.False(t, source.Free())

	require.NoError(t, p.Dereference(source))
	assert.True(t, source.Free())
	assert.Equal(t, 0, p.Live())
}

func TestBorrowedChain(t *testing.T) {
	p := signal.NewPool()
	source, err := p.Acquire(16, sampleRate)
	require.NoError(t, err)
	middle, err := p.Acquire(0, sampleRate)
	require.NoError(t, err)
	last, err := p.Acquire(0, sampleRate)
	require.NoError(t, err)

	require.NoError(t, p.SetBorrowed(middle, source))
	require.NoError(t, p.SetBorrowed(last, middle))
	assert.ErrorIs(t, p.SetBorrowed(last, last), signal.ErrAlreadyBound)

	// last reference released recursively
	require.NoError(t, p.Release(last))
	assert.True(t, middle.Free())
	assert.True(t, source.Free())
	assert.Equal(t, 0, p.Live())

	// placeholder is recycled from borrowed free list
	again, err := p.Acquire(0, sampleRate)
	require.NoError(t, err)
	assert.True(t, again.Borrowed())
	assert.False(t, again.Bound())
}

func TestSelfBorrow(t *testing.T) {
	p := signal.NewPool()
	s, err := p.Acquire(0, sampleRate)
	require.NoError(t, err)
	assert.ErrorIs(t, p.SetBorrowed(s, s), signal.ErrSelfBorrow)
}

func TestDereference(t *testing.T) {
	p := signal.NewPool()
	s, err := p.Acquire(4, sampleRate)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Dereference(s), signal.ErrNoReferences)

	s.SetRefs(2)
	require.NoError(t, p.Dereference(s))
	assert.False(t, s.Free())
	require.NoError(t, p.Dereference(s))
	assert.True(t, s.Free())
}

func TestLimit(t *testing.T) {
	p := signal.NewPool(signal.WithLimit(2))
	s1, err := p.Acquire(4, sampleRate)
	require.NoError(t, err)
	_, err = p.Acquire(4, sampleRate)
	require.NoError(t, err)
	_, err = p.Acquire(4, sampleRate)
	assert.ErrorIs(t, err, signal.ErrExhausted)

	// recycled signals don't count against the limit
	require.NoError(t, p.Release(s1))
	_, err = p.Acquire(2, sampleRate)
	assert.NoError(t, err)
}

func TestReset(t *testing.T) {
	p := signal.NewPool(signal.WithLimit(1))
	_, err := p.Acquire(4, sampleRate)
	require.NoError(t, err)
	p.Reset()
	assert.Equal(t, signal.Stats{}, p.Stats())
	_, err = p.Acquire(4, sampleRate)
	assert.NoError(t, err)
}

func TestCompatible(t *testing.T) {
	p := signal.NewPool()
	a, _ := p.Acquire(64, 44100)
	b, _ := p.Acquire(64, 44100)
	c, _ := p.Acquire(32, 44100)
	d, _ := p.Acquire(64, 48000)
	assert.True(t, signal.Compatible(a, b))
	assert.False(t, signal.Compatible(a, c))
	assert.False(t, signal.Compatible(a, d))
}

func TestConstant(t *testing.T) {
	p := signal.NewPool()
	c := signal.Constant(8, sampleRate)
	assert.True(t, c.Constant())
	assert.False(t, c.Borrowed())
	assert.Equal(t, make([]float64, 8), c.Data)

	require.NoError(t, p.Release(c))
	require.NoError(t, p.Dereference(c))
	assert.False(t, c.Free())

	// borrowing from a constant doesn't put it into the pool
	b, err := p.Acquire(0, sampleRate)
	require.NoError(t, err)
	require.NoError(t, p.SetBorrowed(b, c))
	require.NoError(t, p.Release(b))
	s, err := p.Acquire(8, sampleRate)
	require.NoError(t, err)
	assert.NotSame(t, c, s)
	assert.Equal(t, 2, p.Stats().Total)
	assert.Equal(t, 1, p.Live())
}

package signal_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/engine/signal"
)

func TestInterIntAsFloat64(t *testing.T) {
	tests := []struct {
		ints        []int
		numChannels int
		bitDepth    signal.BitDepth
		expected    signal.Float64
	}{
		{
			ints:        []int{1, 2, 1, 2, 1, 2},
			numChannels: 2,
			expected:    signal.Float64{{1, 1, 1}, {2, 2, 2}},
		},
		{
			ints:        []int{1, 2, 1, 2, 1},
			numChannels: 2,
			expected:    signal.Float64{{1, 1, 1}, {2, 2, 0}},
		},
		{
			ints:        []int{math.MaxInt16, math.MaxInt16 * 2},
			numChannels: 2,
			bitDepth:    signal.BitDepth16,
			expected:    signal.Float64{{1}, {2}},
		},
		{
			ints:     []int{1, 2, 3},
			expected: nil,
		},
	}

	for _, test := range tests {
		ints := signal.InterInt{
			Data:        test.ints,
			NumChannels: test.numChannels,
			BitDepth:    test.bitDepth,
		}
		assert.Equal(t, test.expected, ints.AsFloat64())
	}
}

func TestFloat64AsInterInt(t *testing.T) {
	tests := []struct {
		floats   signal.Float64
		bitDepth signal.BitDepth
		expected []int
	}{
		{
			floats:   signal.Float64{{1, 1, 1}, {2, 2, 2}},
			expected: []int{1, 2, 1, 2, 1, 2},
		},
		{
			floats:   signal.Float64{{1}, {2}},
			bitDepth: signal.BitDepth16,
			expected: []int{1 * (math.MaxInt16 - 1), 2 * (math.MaxInt16 - 1)},
		},
		{
			floats:   nil,
			expected: nil,
		},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.floats.AsInterInt(test.bitDepth))
	}
}

func TestInterleaved(t *testing.T) {
	bus := signal.EmptyFloat64(2, 3)
	bus.ReadInterleaved([]float32{1, 2, 3, 4, 5})
	assert.Equal(t, signal.Float64{{1, 3, 5}, {2, 4, 0}}, bus)

	out := make([]float32, 6)
	bus.WriteInterleaved(out)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 0}, out)

	bus.Clear()
	assert.Equal(t, signal.EmptyFloat64(2, 3), bus)
}

func TestCopyFrom(t *testing.T) {
	bus := signal.EmptyFloat64(3, 2)
	bus.CopyFrom(signal.Float64{{1, 2}, {3, 4}})
	assert.Equal(t, signal.Float64{{1, 2}, {3, 4}, {0, 0}}, bus)
	assert.Equal(t, 3, bus.NumChannels())
	assert.Equal(t, 2, bus.Size())
}

func TestDurationOf(t *testing.T) {
	assert.Equal(t, time.Second, signal.DurationOf(44100, 44100))
	assert.Equal(t, 500*time.Millisecond, signal.DurationOf(48000, 24000))
}

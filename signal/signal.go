// Package signal provides sample buffers for the engine:
// 	- multi-channel audio buses exchanged with devices
//	- pooled single-channel signals used by compiled graphs
package signal

import (
	"math"
	"time"
)

// Float64 is a non-interleaved float64 bus, one slice per channel.
type Float64 [][]float64

const (
	// BitDepth8 is 8 bit depth.
	BitDepth8 = BitDepth(8)
	// BitDepth16 is 16 bit depth.
	BitDepth16 = BitDepth(16)
	// BitDepth32 is 32 bit depth.
	BitDepth32 = BitDepth(32)
)

// InterInt is an interleaved int signal.
type InterInt struct {
	Data        []int
	NumChannels int
	BitDepth
}

// BitDepth contains values required for int-to-float and backward conversion.
type BitDepth int

// divider is used when int to float conversion is done.
func (bitDepth BitDepth) divider() int {
	switch bitDepth {
	case BitDepth8:
		return math.MaxInt8
	case BitDepth16:
		return math.MaxInt16
	case BitDepth32:
		return math.MaxInt32
	default:
		return 1
	}
}

// multiplier is used when float to int conversion is done.
func (bitDepth BitDepth) multiplier() int {
	switch bitDepth {
	case BitDepth8:
		return math.MaxInt8 - 1
	case BitDepth16:
		return math.MaxInt16 - 1
	case BitDepth32:
		return math.MaxInt32 - 1
	default:
		return 1
	}
}

// DurationOf returns time duration of passed samples for this sample rate.
func DurationOf(sampleRate int, samples int64) time.Duration {
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}

// EmptyFloat64 returns a zeroed bus of specified dimensions.
func EmptyFloat64(numChannels int, blockSize int) Float64 {
	result := make([][]float64, numChannels)
	for i := range result {
		result[i] = make([]float64, blockSize)
	}
	return result
}

// NumChannels returns number of channels in the bus.
func (floats Float64) NumChannels() int {
	return len(floats)
}

// Size returns number of samples in a single channel.
func (floats Float64) Size() int {
	if floats.NumChannels() == 0 {
		return 0
	}
	return len(floats[0])
}

// Clear zeroes every channel.
func (floats Float64) Clear() {
	for i := range floats {
		clear(floats[i])
	}
}

// CopyFrom copies samples of every channel present in both buses.
func (floats Float64) CopyFrom(source Float64) {
	for i := range floats {
		if i == len(source) {
			return
		}
		copy(floats[i], source[i])
	}
}

// ReadInterleaved fills the bus from interleaved float32 samples, the layout
// used by hardware streams. Missing samples are zeroed.
func (floats Float64) ReadInterleaved(samples []float32) {
	numChannels := floats.NumChannels()
	for j := range floats {
		for i := range floats[j] {
			pos := i*numChannels + j
			if pos < len(samples) {
				floats[j][i] = float64(samples[pos])
			} else {
				floats[j][i] = 0
			}
		}
	}
}

// WriteInterleaved writes the bus as interleaved float32 samples.
func (floats Float64) WriteInterleaved(samples []float32) {
	numChannels := floats.NumChannels()
	for j := range floats {
		for i := range floats[j] {
			pos := i*numChannels + j
			if pos >= len(samples) {
				break
			}
			samples[pos] = float32(floats[j][i])
		}
	}
}

// AsFloat64 converts interleaved int signal to float64.
func (ints InterInt) AsFloat64() Float64 {
	if ints.Data == nil || ints.NumChannels == 0 {
		return nil
	}
	floats := make([][]float64, ints.NumChannels)
	bufSize := int(math.Ceil(float64(len(ints.Data)) / float64(ints.NumChannels)))
	ints.CopyTo(floats, bufSize)
	return floats
}

// CopyTo converts interleaved ints into an existing bus, allocating channels
// shorter than size. Samples past the end of Data are zeroed.
func (ints InterInt) CopyTo(floats Float64, size int) {
	divider := float64(ints.BitDepth.divider())
	for i := range floats {
		if len(floats[i]) < size {
			floats[i] = make([]float64, size)
		}
		pos := 0
		for j := i; j < len(ints.Data) && pos < size; j = j + ints.NumChannels {
			floats[i][pos] = float64(ints.Data[j]) / divider
			pos++
		}
		clear(floats[i][pos:])
	}
}

// AsInterInt converts float64 signal to interleaved int.
func (floats Float64) AsInterInt(bitDepth BitDepth) []int {
	var numChannels int
	if numChannels = len(floats); numChannels == 0 {
		return nil
	}

	multiplier := float64(bitDepth.multiplier())

	ints := make([]int, len(floats[0])*numChannels)

	for j := range floats {
		for i := range floats[j] {
			ints[i*numChannels+j] = int(floats[j][i] * multiplier)
		}
	}
	return ints
}

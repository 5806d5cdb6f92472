package metric_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/engine/metric"
)

type device struct{}

func TestMeter(t *testing.T) {
	sampleRate := 44100
	var tests = []struct {
		component        any
		routines         int
		blocks           int
		blockSize        int64
		expectedSamples  string
		expectedTicks    string
		expectedDuration string
	}{
		{
			component:        int(1),
			routines:         2,
			blocks:           10,
			blockSize:        100,
			expectedSamples:  "2000",
			expectedTicks:    "20",
			expectedDuration: `"45.35146ms"`,
		},
		{
			component:        &device{},
			routines:         3,
			blocks:           7,
			blockSize:        441,
			expectedSamples:  "9261",
			expectedTicks:    "21",
			expectedDuration: `"210ms"`,
		},
	}
	measure := func(fn metric.MeasureFunc, wg *sync.WaitGroup, blocks int, blockSize int64) {
		for i := 0; i < blocks; i++ {
			fn(blockSize)
		}
		wg.Done()
	}

	for _, c := range tests {
		wg := &sync.WaitGroup{}
		wg.Add(c.routines)
		for i := 0; i < c.routines; i++ {
			go measure(metric.Meter(c.component, sampleRate)(), wg, c.blocks, c.blockSize)
		}
		wg.Wait()
		values := metric.Get(c.component)
		assert.Equal(t, c.expectedSamples, values[metric.SampleCounter])
		assert.Equal(t, c.expectedTicks, values[metric.TickCounter])
		assert.Equal(t, c.expectedDuration, values[metric.DurationCounter])
	}
}

func TestCounter(t *testing.T) {
	c := metric.Counter("compiler", "Compiles")
	c.Add(2)
	assert.Same(t, c, metric.Counter("compiler", "Compiles"))
	assert.Equal(t, "2", metric.Get("compiler")["Compiles"])
	assert.Contains(t, metric.GetAll(), "compiler")
}

// Package metric publishes engine counters with expvar.
package metric

import (
	"expvar"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/engine/signal"
)

const label = "ugen"

const (
	// TickCounter measures number of processed audio blocks.
	TickCounter = "Ticks"
	// SampleCounter measures number of processed samples.
	SampleCounter = "Samples"
	// LatencyCounter measures time between processing calls.
	LatencyCounter = "Latency"
	// DurationCounter measures the duration of processed signal.
	DurationCounter = "Duration"
)

var components = registry{
	vars: make(map[string]map[string]expvar.Var),
}

// Get returns counter values for provided component.
func Get(component any) map[string]string {
	return components.values(getType(component))
}

// GetAll returns counters for all measured components.
func GetAll() map[string]map[string]string {
	m := make(map[string]map[string]string)
	for _, component := range components.names() {
		m[component] = components.values(component)
	}
	return m
}

// ResetFunc returns new MeasureFunc. It postpones latency capture until
// component is actually running.
type ResetFunc func() MeasureFunc

// MeasureFunc captures metrics when a block is processed.
type MeasureFunc func(blockSize int64)

// Meter creates a meter closure to capture tick counters of a component.
func Meter(component any, sampleRate int) ResetFunc {
	t := getType(component)
	ticks := components.int(t, TickCounter)
	samples := components.int(t, SampleCounter)
	latency := components.duration(t, LatencyCounter)
	total := components.duration(t, DurationCounter)
	return func() MeasureFunc {
		calledAt := time.Now()
		var (
			blockSize     int64
			blockDuration time.Duration
		)
		return func(s int64) {
			latency.set(time.Since(calledAt))
			ticks.Add(1)
			samples.Add(s)
			if blockSize != s {
				blockSize = s
				blockDuration = signal.DurationOf(sampleRate, s)
			}
			total.add(blockDuration)
			calledAt = time.Now()
		}
	}
}

// Counter returns named counter of a component.
func Counter(component any, name string) *expvar.Int {
	return components.int(getType(component), name)
}

type registry struct {
	sync.Mutex
	vars map[string]map[string]expvar.Var
}

func (r *registry) int(component, name string) *expvar.Int {
	return r.get(component, name, func(key string) expvar.Var {
		return expvar.NewInt(key)
	}).(*expvar.Int)
}

func (r *registry) duration(component, name string) *duration {
	return r.get(component, name, func(key string) expvar.Var {
		d := &duration{}
		expvar.Publish(key, d)
		return d
	}).(*duration)
}

func (r *registry) get(component, name string, create func(string) expvar.Var) expvar.Var {
	r.Lock()
	defer r.Unlock()
	vars, ok := r.vars[component]
	if !ok {
		vars = make(map[string]expvar.Var)
		r.vars[component] = vars
	}
	if v, ok := vars[name]; ok {
		return v
	}
	v := create(key(component, name))
	vars[name] = v
	return v
}

func (r *registry) names() []string {
	r.Lock()
	defer r.Unlock()
	names := make([]string, 0, len(r.vars))
	for name := range r.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registry) values(component string) map[string]string {
	r.Lock()
	defer r.Unlock()
	m := make(map[string]string)
	for name, v := range r.vars[component] {
		m[name] = v.String()
	}
	return m
}

func key(component, counter string) string {
	return fmt.Sprintf("%s.%s.%s", label, component, counter)
}

func getType(component any) string {
	if s, ok := component.(string); ok {
		return s
	}
	rv := reflect.ValueOf(component)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	return rv.Type().String()
}

// duration allows to format time.Duration metric values.
type duration struct {
	d int64
}

func (v *duration) String() string {
	return fmt.Sprintf("%q", time.Duration(atomic.LoadInt64(&v.d)).String())
}

func (v *duration) add(delta time.Duration) {
	atomic.AddInt64(&v.d, int64(delta))
}

func (v *duration) set(value time.Duration) {
	atomic.StoreInt64(&v.d, int64(value))
}

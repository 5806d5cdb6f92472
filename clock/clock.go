// Package clock keeps logical time of the engine and dispatches timed
// callbacks between audio ticks.
package clock

import (
	"container/heap"
	"fmt"

	"github.com/sirupsen/logrus"

	"pipelined.dev/engine/log"
)

// Time is logical time measured in units. One millisecond is UnitsPerMs
// units, so a sample period is exact for common sample rates.
type Time float64

const (
	// UnitsPerMs is the number of logical time units per millisecond.
	UnitsPerMs = 32 * 441
	// UnitsPerSecond is the number of logical time units per second.
	UnitsPerSecond = UnitsPerMs * 1000
)

// Event is a callback scheduled at logical time. Events are reusable: after
// firing or being cancelled they can be scheduled again.
type Event struct {
	fn       func()
	deadline Time
	seq      uint64
	index    int
	// unit is units per delay step. Negative value means samples.
	unit float64
}

// Pending returns true if event is scheduled.
func (e *Event) Pending() bool {
	return e.index >= 0
}

// Deadline returns time the event is scheduled at.
func (e *Event) Deadline() Time {
	return e.deadline
}

// Queue is a deadline-ordered set of events. Events with equal deadlines
// fire in the order they were scheduled. Queue is not safe for concurrent
// use: it's owned by the goroutine that runs ticks.
type Queue struct {
	now        Time
	sampleRate float64
	events     eventHeap
	seq        uint64
	logger     logrus.FieldLogger
	// interrupted stops dispatch when returns true.
	interrupted func() bool
}

// Option configures the queue.
type Option func(*Queue)

// WithLogger sets logger for failed callbacks.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithInterrupt sets a function checked after every callback. Dispatch
// returns early when it reports true.
func WithInterrupt(fn func() bool) Option {
	return func(q *Queue) {
		q.interrupted = fn
	}
}

// New returns a queue for provided sample rate.
func New(sampleRate int, options ...Option) *Queue {
	q := &Queue{
		sampleRate: float64(sampleRate),
		logger:     log.GetLogger(),
	}
	for _, option := range options {
		option(q)
	}
	return q
}

// NewEvent returns an unscheduled event with millisecond unit.
func (q *Queue) NewEvent(fn func()) *Event {
	return &Event{
		fn:    fn,
		index: -1,
		unit:  UnitsPerMs,
	}
}

// Now returns current logical time.
func (q *Queue) Now() Time {
	return q.now
}

// SampleRate returns sample rate used to convert sample units.
func (q *Queue) SampleRate() float64 {
	return q.sampleRate
}

// SamplePeriod returns duration of one sample in logical units.
func (q *Queue) SamplePeriod() Time {
	return Time(UnitsPerSecond / q.sampleRate)
}

// Len returns number of pending events.
func (q *Queue) Len() int {
	return len(q.events)
}

// ScheduleAt schedules event at absolute time. Times in the past are
// clamped to now. Pending event is rescheduled.
func (q *Queue) ScheduleAt(e *Event, t Time) {
	if t < q.now {
		t = q.now
	}
	q.Cancel(e)
	e.deadline = t
	e.seq = q.seq
	q.seq++
	heap.Push(&q.events, e)
}

// ScheduleAfter schedules event after delay expressed in event's unit.
func (q *Queue) ScheduleAfter(e *Event, delay float64) {
	q.ScheduleAt(e, q.now+q.units(e.unit)*Time(delay))
}

// units converts unit value into logical units per step.
func (q *Queue) units(unit float64) Time {
	if unit > 0 {
		return Time(unit)
	}
	return Time(-unit) * q.SamplePeriod()
}

// SetUnit sets delay unit of event in milliseconds, or in samples when
// samples is true. Pending event is rescheduled: the number of remaining
// delay steps is kept and measured in the new unit.
func (q *Queue) SetUnit(e *Event, amount float64, samples bool) {
	if amount <= 0 {
		amount = 1
	}
	unit := amount * UnitsPerMs
	if samples {
		unit = -amount
	}
	if unit == e.unit {
		return
	}
	var left float64
	pending := e.Pending()
	if pending {
		left = float64((e.deadline - q.now) / q.units(e.unit))
	}
	e.unit = unit
	if pending {
		q.ScheduleAfter(e, left)
	}
}

// Cancel removes event from the queue. It's safe to cancel event which is
// not pending.
func (q *Queue) Cancel(e *Event) {
	if e.index < 0 {
		return
	}
	heap.Remove(&q.events, e.index)
}

// DispatchUntil fires events with deadlines not later than boundary. Time
// is set to every event's deadline before its callback is invoked and to
// the boundary at the end. It returns number of fired events.
func (q *Queue) DispatchUntil(boundary Time) int {
	fired := 0
	for len(q.events) > 0 && q.events[0].deadline <= boundary {
		e := heap.Pop(&q.events).(*Event)
		q.now = e.deadline
		q.safeExecute(e)
		fired++
		if q.interrupted != nil && q.interrupted() {
			return fired
		}
	}
	if boundary > q.now {
		q.now = boundary
	}
	return fired
}

func (q *Queue) safeExecute(e *Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("deadline", float64(e.deadline)).
				Error(fmt.Sprintf("clock callback panic: %v", r))
		}
	}()
	e.fn()
}

// Since returns milliseconds elapsed since provided time.
func (q *Queue) Since(prev Time) float64 {
	return float64(q.now-prev) / UnitsPerMs
}

// SinceUnits returns elapsed time since prev in provided units of
// milliseconds, or samples when samples is true.
func (q *Queue) SinceUnits(prev Time, units float64, samples bool) float64 {
	if samples {
		return float64(q.now-prev) / (float64(q.SamplePeriod()) * units)
	}
	return float64(q.now-prev) / (UnitsPerMs * units)
}

// After returns logical time after delay in milliseconds.
func (q *Queue) After(ms float64) Time {
	return q.now + Time(UnitsPerMs*ms)
}

// eventHeap orders events by deadline, then by scheduling order.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].deadline == h[j].deadline {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline < h[j].deadline
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

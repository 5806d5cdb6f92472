package signal

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxLogSize is the largest size class of the pool: signals hold at most
// 1<<MaxLogSize samples.
const MaxLogSize = 20

var (
	// ErrTooLarge is returned when requested length doesn't fit any size class.
	ErrTooLarge = errors.New("signal length exceeds largest size class")
	// ErrExhausted is returned when pool limit of live signals is reached.
	ErrExhausted = errors.New("signal pool exhausted")
	// ErrDoubleRelease is returned when released signal is already free.
	ErrDoubleRelease = errors.New("signal released twice")
	// ErrNotBorrowed is returned when owned signal is bound to another one.
	ErrNotBorrowed = errors.New("signal owns storage")
	// ErrAlreadyBound is returned when borrowed signal is bound twice.
	ErrAlreadyBound = errors.New("borrowed signal already bound")
	// ErrSelfBorrow is returned when signal is bound to itself.
	ErrSelfBorrow = errors.New("signal cannot borrow from itself")
	// ErrNoReferences is returned when dereferenced signal has no references.
	ErrNoReferences = errors.New("signal has no references")
)

const (
	borrowedClass = -1
	constantClass = -2
)

// Signal is a single-channel block of samples owned by a Pool. A borrowed
// signal has no storage of its own and aliases the samples of its source.
type Signal struct {
	// Data holds exactly Len() samples.
	Data       []float64
	SampleRate float64

	refs   int
	class  int
	source *Signal
	free   bool
	id     int32
}

// Constant returns a zero-filled signal which doesn't belong to any pool.
// It's never recycled: releasing or dereferencing it has no effect, so it
// can be shared by any number of readers.
func Constant(n int, sampleRate float64) *Signal {
	return &Signal{
		Data:       make([]float64, n),
		SampleRate: sampleRate,
		class:      constantClass,
		id:         -1,
	}
}

// Constant returns true if signal is not owned by a pool.
func (s *Signal) Constant() bool {
	return s.class == constantClass
}

// Len returns number of samples in the signal.
func (s *Signal) Len() int {
	return len(s.Data)
}

// Borrowed returns true if signal doesn't own its storage.
func (s *Signal) Borrowed() bool {
	return s.class == borrowedClass
}

// Bound returns true if borrowed signal is aliased to its source.
func (s *Signal) Bound() bool {
	return s.source != nil
}

// Source returns the signal this one borrows from.
func (s *Signal) Source() *Signal {
	return s.source
}

// Refs returns current reference count.
func (s *Signal) Refs() int {
	return s.refs
}

// SetRefs overrides reference count. It's used when the number of readers
// becomes known after allocation.
func (s *Signal) SetRefs(n int) {
	s.refs = n
}

// Free returns true if signal is in the pool's free list.
func (s *Signal) Free() bool {
	return s.free
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	Acquired int
	Released int
	Live     int
	Total    int
}

// Pool recycles signals by size class. Signals live in an arena and free
// lists are stacks of arena indexes. Pool is not safe for concurrent use.
type Pool struct {
	arena    []*Signal
	free     [MaxLogSize + 1][]int32
	borrowed []int32
	limit    int
	acquired int
	released int
}

// PoolOption configures the pool.
type PoolOption func(*Pool)

// WithLimit sets maximum number of simultaneously live signals.
func WithLimit(n int) PoolOption {
	return func(p *Pool) {
		p.limit = n
	}
}

// NewPool returns a new empty pool.
func NewPool(options ...PoolOption) *Pool {
	p := &Pool{}
	for _, option := range options {
		option(p)
	}
	return p
}

// sizeClass returns log2 of the next power of two.
func sizeClass(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Acquire returns a zeroed signal of n samples. When n is zero, a borrowed
// placeholder without storage is returned and it must be bound with
// SetBorrowed before use. Returned signal has zero references.
func (p *Pool) Acquire(n int, sampleRate float64) (*Signal, error) {
	if n < 0 {
		return nil, fmt.Errorf("acquire %d samples: %w", n, ErrTooLarge)
	}
	class := borrowedClass
	if n > 0 {
		class = sizeClass(n)
		if class > MaxLogSize {
			return nil, fmt.Errorf("acquire %d samples: %w", n, ErrTooLarge)
		}
	}
	s := p.pop(class)
	if s == nil {
		if p.limit > 0 && p.Live() >= p.limit {
			return nil, fmt.Errorf("acquire %d samples: %w", n, ErrExhausted)
		}
		s = &Signal{
			class: class,
			id:    int32(len(p.arena)),
		}
		if class != borrowedClass {
			s.Data = make([]float64, 0, 1<<class)
		}
		p.arena = append(p.arena, s)
	}
	s.free = false
	s.refs = 0
	s.SampleRate = sampleRate
	if class == borrowedClass {
		s.Data = nil
		s.source = nil
	} else {
		s.Data = s.Data[:n]
		clear(s.Data)
	}
	p.acquired++
	return s, nil
}

// Like returns a new signal with the same length and sample rate.
func (p *Pool) Like(s *Signal) (*Signal, error) {
	return p.Acquire(s.Len(), s.SampleRate)
}

func (p *Pool) pop(class int) *Signal {
	list := &p.borrowed
	if class != borrowedClass {
		list = &p.free[class]
	}
	if len(*list) == 0 {
		return nil
	}
	id := (*list)[len(*list)-1]
	*list = (*list)[:len(*list)-1]
	return p.arena[id]
}

// SetBorrowed aliases storage of dest to source and adds a reference to
// source.
func (p *Pool) SetBorrowed(dest, source *Signal) error {
	switch {
	case !dest.Borrowed():
		return ErrNotBorrowed
	case dest.source != nil:
		return ErrAlreadyBound
	case dest == source:
		return ErrSelfBorrow
	}
	dest.source = source
	dest.Data = source.Data
	dest.SampleRate = source.SampleRate
	source.refs++
	return nil
}

// Release returns signal to its free list. Borrowed signal drops a
// reference to its source, releasing the source as well when that was the
// last one.
func (p *Pool) Release(s *Signal) error {
	if s.Constant() {
		return nil
	}
	if s.free {
		return ErrDoubleRelease
	}
	s.free = true
	p.released++
	if s.Borrowed() {
		source := s.source
		s.source = nil
		s.Data = nil
		p.borrowed = append(p.borrowed, s.id)
		if source != nil {
			return p.Dereference(source)
		}
		return nil
	}
	p.free[s.class] = append(p.free[s.class], s.id)
	return nil
}

// Dereference drops one reference and releases signal when none are left.
func (p *Pool) Dereference(s *Signal) error {
	if s.Constant() {
		return nil
	}
	if s.free {
		return ErrDoubleRelease
	}
	if s.refs <= 0 {
		return ErrNoReferences
	}
	s.refs--
	if s.refs == 0 {
		return p.Release(s)
	}
	return nil
}

// Live returns number of acquired signals which are not released yet.
func (p *Pool) Live() int {
	return p.acquired - p.released
}

// Stats returns pool accounting.
func (p *Pool) Stats() Stats {
	return Stats{
		Acquired: p.acquired,
		Released: p.released,
		Live:     p.Live(),
		Total:    len(p.arena),
	}
}

// Reset drops every signal. Signals acquired before must not be used after.
func (p *Pool) Reset() {
	limit := p.limit
	*p = Pool{limit: limit}
}

// Compatible returns true if signals can be summed: they have the same
// length and sample rate.
func Compatible(a, b *Signal) bool {
	return a.Len() == b.Len() && a.SampleRate == b.SampleRate
}

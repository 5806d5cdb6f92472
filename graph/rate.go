package graph

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"pipelined.dev/engine/chain"
)

// ErrNotPowerOfTwo is returned when rate control parameter is replaced
// with a default because it's not a power of two.
var ErrNotPowerOfTwo = errors.New("not a power of two")

// RateControl sets vector size, overlap and resampling of the patch it
// belongs to. Switched control also allows to turn the patch off. A patch
// may hold one rate control, extra ones are ignored.
type RateControl struct {
	mu       sync.Mutex
	s        rateSettings
	switched bool
	on       atomic.Bool
	block    atomic.Pointer[chain.Block]
}

type rateSettings struct {
	vecSize  int
	overlap  int
	up, down int
	switched bool
}

// NewBlock returns rate control which reblocks the patch. Zero vector
// size means vector size of the parent. Resample above one upsamples,
// below one downsamples. Invalid values are replaced with defaults and
// reported in returned error.
func NewBlock(vecSize, overlap int, resample float64) (*RateControl, error) {
	rc := &RateControl{}
	rc.on.Store(true)
	return rc, rc.Set(vecSize, overlap, resample)
}

// NewSwitch returns switched rate control. The patch is off until it's
// switched on.
func NewSwitch(vecSize, overlap int, resample float64) (*RateControl, error) {
	rc := &RateControl{switched: true}
	return rc, rc.Set(vecSize, overlap, resample)
}

// Set changes parameters. New values take effect with next compilation.
func (rc *RateControl) Set(vecSize, overlap int, resample float64) error {
	var errs []error
	check := func(name string, v int) int {
		if v < 1 {
			return 1
		}
		if !isPowerOfTwo(v) {
			errs = append(errs, fmt.Errorf("%s %d: %w", name, v, ErrNotPowerOfTwo))
			return 1
		}
		return v
	}
	up, down := 1, 1
	switch {
	case resample <= 0:
	case resample >= 1:
		up = int(resample)
	default:
		down = int(1 / resample)
	}
	s := rateSettings{
		overlap:  check("overlap", overlap),
		up:       check("upsample", up),
		down:     check("downsample", down),
		switched: rc.switched,
	}
	if vecSize > 0 {
		if isPowerOfTwo(vecSize) {
			s.vecSize = vecSize
		} else {
			errs = append(errs, fmt.Errorf("vector size %d: %w", vecSize, ErrNotPowerOfTwo))
		}
	}
	rc.mu.Lock()
	rc.s = s
	rc.mu.Unlock()
	return errors.Join(errs...)
}

func (rc *RateControl) settings() rateSettings {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.s
}

// VecSize returns configured vector size, zero means parent's.
func (rc *RateControl) VecSize() int {
	return rc.settings().vecSize
}

// Overlap returns configured overlap.
func (rc *RateControl) Overlap() int {
	return rc.settings().overlap
}

// Resampling returns upsampling and downsampling factors.
func (rc *RateControl) Resampling() (up, down int) {
	s := rc.settings()
	return s.up, s.down
}

// Switched returns true for switched control.
func (rc *RateControl) Switched() bool {
	return rc.switched
}

// SetOn switches the patch on or off. It's ignored for a control which
// is not switched.
func (rc *RateControl) SetOn(on bool) {
	if !rc.switched {
		return
	}
	rc.on.Store(on)
	if b := rc.block.Load(); b != nil {
		b.SetOn(on)
	}
}

// On returns true if the patch is running.
func (rc *RateControl) On() bool {
	return rc.on.Load()
}

// Block returns runtime state of the last compilation.
func (rc *RateControl) Block() *chain.Block {
	return rc.block.Load()
}

func (rc *RateControl) setBlock(b *chain.Block) {
	rc.block.Store(b)
}

// Ports implements Unit.
func (*RateControl) Ports() (int, int) {
	return 0, 0
}

// DSP implements Unit.
func (*RateControl) DSP(*Binding) error {
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}

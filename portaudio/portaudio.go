// Package portaudio provides audio devices backed by the default PortAudio
// stream. Device can be used either as a polling device with blocking
// stream or as a callback device.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"pipelined.dev/engine/sched"
	"pipelined.dev/engine/signal"
)

// ErrNotOpen is returned when device is used before it's opened.
var ErrNotOpen = errors.New("device is not open")

// Device represents default input and output of PortAudio host.
type Device struct {
	sampleRate int
	numIn      int
	numOut     int
	blockSize  int

	mu     sync.Mutex
	stream *portaudio.Stream
	inBuf  []float32
	outBuf []float32
	// underflows counts non-fatal stream errors.
	underflows int
}

// Info describes an available device.
type Info struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	Default           bool
}

// New returns device with provided parameters. It isn't opened.
func New(sampleRate, numIn, numOut, blockSize int) (*Device, error) {
	if numIn < 0 || numOut < 0 || numIn+numOut == 0 {
		return nil, fmt.Errorf("invalid number of channels: %d/%d", numIn, numOut)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}
	return &Device{
		sampleRate: sampleRate,
		numIn:      numIn,
		numOut:     numOut,
		blockSize:  blockSize,
	}, nil
}

// Devices returns available devices.
func Devices() ([]Info, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	defer portaudio.Terminate()
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	defaultOut, _ := portaudio.DefaultOutputDevice()
	infos := make([]Info, 0, len(devices))
	for _, d := range devices {
		info := Info{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           defaultOut != nil && d.Name == defaultOut.Name,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Open implements sched.PollingDevice. It opens blocking stream.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inBuf = make([]float32, d.blockSize*d.numIn)
	d.outBuf = make([]float32, d.blockSize*d.numOut)
	var args []any
	if d.numIn > 0 {
		args = append(args, &d.inBuf)
	}
	if d.numOut > 0 {
		args = append(args, &d.outBuf)
	}
	return d.open(args...)
}

// OpenCallback implements sched.CallbackDevice. Provided function is
// called from PortAudio thread with device buses.
func (d *Device) OpenCallback(fn sched.CallbackFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	in := signal.EmptyFloat64(d.numIn, d.blockSize)
	out := signal.EmptyFloat64(d.numOut, d.blockSize)
	return d.open(func(inBuf, outBuf []float32) {
		in.ReadInterleaved(inBuf)
		fn(in, out)
		out.WriteInterleaved(outBuf)
	})
}

func (d *Device) open(args ...any) error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	stream, err := portaudio.OpenDefaultStream(
		d.numIn, d.numOut,
		float64(d.sampleRate),
		d.blockSize,
		args...,
	)
	if err != nil {
		return errors.Join(err, portaudio.Terminate())
	}
	if err := stream.Start(); err != nil {
		return errors.Join(err, stream.Close(), portaudio.Terminate())
	}
	d.stream = stream
	return nil
}

// Transfer implements sched.PollingDevice. Block is not transferred if
// stream can't accept the whole block without blocking.
func (d *Device) Transfer(in, out signal.Float64) (sched.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return sched.NotTransferred, ErrNotOpen
	}
	if d.numOut > 0 {
		n, err := d.stream.AvailableToWrite()
		if err != nil {
			return sched.NotTransferred, err
		}
		if n < d.blockSize {
			return sched.NotTransferred, nil
		}
	}
	if d.numIn > 0 {
		n, err := d.stream.AvailableToRead()
		if err != nil {
			return sched.NotTransferred, err
		}
		if n < d.blockSize {
			return sched.NotTransferred, nil
		}
		if err := d.check(d.stream.Read()); err != nil {
			return sched.NotTransferred, err
		}
		in.ReadInterleaved(d.inBuf)
	}
	if d.numOut > 0 {
		out.WriteInterleaved(d.outBuf)
		if err := d.check(d.stream.Write()); err != nil {
			return sched.NotTransferred, err
		}
	}
	return sched.Transferred, nil
}

// check drops stream xruns, they are not fatal.
func (d *Device) check(err error) error {
	if errors.Is(err, portaudio.OutputUnderflowed) || errors.Is(err, portaudio.InputOverflowed) {
		d.underflows++
		return nil
	}
	return err
}

// Underflows returns number of xruns happened in polling mode.
func (d *Device) Underflows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.underflows
}

// Close implements sched.PollingDevice and sched.CallbackDevice. It stops
// the stream and terminates PortAudio.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	err := errors.Join(d.stream.Stop(), d.stream.Close(), portaudio.Terminate())
	d.stream = nil
	return err
}

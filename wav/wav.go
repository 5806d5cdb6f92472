// Package wav provides an offline audio device which renders output bus to
// a wav file and optionally reads input bus from another one. It's used
// with the batch scheduler.
package wav

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"pipelined.dev/engine/sched"
	"pipelined.dev/engine/signal"
)

// ErrUnsupportedBitDepth is returned when unsupported bit depth is used.
var ErrUnsupportedBitDepth = errors.New("only 16 and 32 bit depth is supported")

// ErrInvalidFile is returned when input is not a valid wav file.
var ErrInvalidFile = errors.New("wav is not valid")

// Device writes every transferred output block to a wav file. It returns
// io.EOF when duration is reached or input file is exhausted. This device
// cannot be reused for consequent runs.
type Device struct {
	sampleRate  int
	numChannels int
	bitDepth    signal.BitDepth
	output      string
	input       string
	duration    int

	file    *os.File
	encoder *wav.Encoder
	ob      *audio.IntBuffer

	inFile  *os.File
	decoder *wav.Decoder
	ib      *audio.IntBuffer
	inBits  signal.BitDepth
	inChans int

	written int
}

// Option configures device.
type Option func(*Device)

// WithInput sets the file to read input bus from.
func WithInput(path string) Option {
	return func(d *Device) {
		d.input = path
	}
}

// WithDuration limits the number of rendered samples per channel.
func WithDuration(samples int) Option {
	return func(d *Device) {
		d.duration = samples
	}
}

// WithBitDepth sets bit depth of the output file. Default is 16.
func WithBitDepth(bitDepth signal.BitDepth) Option {
	return func(d *Device) {
		d.bitDepth = bitDepth
	}
}

// New returns a device which renders to the output path. Without duration
// and input, rendering never stops by itself.
func New(output string, sampleRate, numChannels int, options ...Option) (*Device, error) {
	d := &Device{
		output:      output,
		sampleRate:  sampleRate,
		numChannels: numChannels,
		bitDepth:    signal.BitDepth16,
	}
	for _, option := range options {
		option(d)
	}
	if d.bitDepth != signal.BitDepth16 && d.bitDepth != signal.BitDepth32 {
		return nil, ErrUnsupportedBitDepth
	}
	if numChannels <= 0 {
		return nil, fmt.Errorf("invalid number of channels: %d", numChannels)
	}
	return d, nil
}

// Open implements sched.PollingDevice. It creates output file and opens
// the input one.
func (d *Device) Open() error {
	if d.input != "" {
		if err := d.openInput(); err != nil {
			return err
		}
	}
	f, err := os.Create(d.output)
	if err != nil {
		d.closeInput()
		return err
	}
	d.file = f
	d.encoder = wav.NewEncoder(f, d.sampleRate, int(d.bitDepth), d.numChannels, 1)
	d.ob = &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: d.numChannels,
			SampleRate:  d.sampleRate,
		},
		SourceBitDepth: int(d.bitDepth),
	}
	return nil
}

func (d *Device) openInput() error {
	f, err := os.Open(d.input)
	if err != nil {
		return err
	}
	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		f.Close()
		return fmt.Errorf("%s: %w", d.input, ErrInvalidFile)
	}
	bitDepth := signal.BitDepth(decoder.BitDepth)
	if bitDepth != signal.BitDepth16 && bitDepth != signal.BitDepth32 {
		f.Close()
		return ErrUnsupportedBitDepth
	}
	if int(decoder.SampleRate) != d.sampleRate {
		f.Close()
		return fmt.Errorf("%s: sample rate %d doesn't match %d", d.input, decoder.SampleRate, d.sampleRate)
	}
	d.inFile = f
	d.decoder = decoder
	d.inBits = bitDepth
	d.inChans = int(decoder.NumChans)
	d.ib = &audio.IntBuffer{
		Format:         decoder.Format(),
		SourceBitDepth: int(decoder.BitDepth),
	}
	return nil
}

// Transfer implements sched.PollingDevice. It never blocks.
func (d *Device) Transfer(in, out signal.Float64) (sched.Result, error) {
	if d.encoder == nil {
		return sched.NotTransferred, errors.New("device is not open")
	}
	size := out.Size()
	if d.duration > 0 {
		if d.written >= d.duration {
			return sched.NotTransferred, io.EOF
		}
		size = min(size, d.duration-d.written)
	}
	if d.decoder != nil {
		n, err := d.read(in, out.Size())
		if err != nil {
			return sched.NotTransferred, err
		}
		if n == 0 {
			return sched.NotTransferred, io.EOF
		}
		if d.duration == 0 {
			size = min(size, n)
		}
	}
	if err := d.write(out, size); err != nil {
		return sched.NotTransferred, err
	}
	return sched.Transferred, nil
}

// read fills input bus and returns the number of samples per channel read.
func (d *Device) read(in signal.Float64, size int) (int, error) {
	if cap(d.ib.Data) < size*d.inChans {
		d.ib.Data = make([]int, size*d.inChans)
	}
	d.ib.Data = d.ib.Data[:size*d.inChans]
	read, err := d.decoder.PCMBuffer(d.ib)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}
	channels := min(d.inChans, in.NumChannels())
	signal.InterInt{
		Data:        d.ib.Data[:read],
		NumChannels: d.inChans,
		BitDepth:    d.inBits,
	}.CopyTo(in[:channels], size)
	for _, ch := range in[channels:] {
		clear(ch)
	}
	return read / d.inChans, nil
}

func (d *Device) write(out signal.Float64, size int) error {
	if out.NumChannels() != d.numChannels {
		return fmt.Errorf("output bus has %d channels, device has %d", out.NumChannels(), d.numChannels)
	}
	if size < out.Size() {
		trimmed := make(signal.Float64, len(out))
		for i := range out {
			trimmed[i] = out[i][:size]
		}
		out = trimmed
	}
	d.ob.Data = out.AsInterInt(d.bitDepth)
	if err := d.encoder.Write(d.ob); err != nil {
		return err
	}
	d.written += size
	return nil
}

// Written returns number of samples per channel written so far.
func (d *Device) Written() int {
	return d.written
}

// Close implements sched.PollingDevice. It finalizes the output file.
func (d *Device) Close() error {
	var errs []error
	if d.encoder != nil {
		errs = append(errs, d.encoder.Close(), d.file.Close())
		d.encoder, d.file = nil, nil
	}
	errs = append(errs, d.closeInput())
	return errors.Join(errs...)
}

func (d *Device) closeInput() error {
	if d.inFile == nil {
		return nil
	}
	err := d.inFile.Close()
	d.inFile, d.decoder = nil, nil
	return err
}

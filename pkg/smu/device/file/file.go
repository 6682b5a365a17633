// Package file records streamed frames to disk and replays recordings as a
// device.
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/norasector/smu/pkg/smu/calibration"
	"github.com/norasector/smu/pkg/smu/device"
	"github.com/norasector/smu/pkg/types"
)

var magic = [4]byte{'S', 'M', 'U', 'R'}

const (
	formatVersion = 1
	headerSize    = 4 + 2 + 2 + 4
	sampleSize    = 3 * 4
)

// Header starts every recording.
type Header struct {
	Channels   int
	SampleRate int
}

func (h Header) frameSize() int {
	return h.Channels * sampleSize
}

func writeHeader(w io.Writer, h Header) error {
	buf := make([]byte, headerSize)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint16(buf[4:], formatVersion)
	binary.LittleEndian.PutUint16(buf[6:], uint16(h.Channels))
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.SampleRate))
	_, err := w.Write(buf)
	return err
}

// ReadHeader parses and validates a recording header.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(buf[:4], magic[:]) {
		return Header{}, errors.New("not a frame recording")
	}
	if v := binary.LittleEndian.Uint16(buf[4:]); v != formatVersion {
		return Header{}, fmt.Errorf("unsupported recording version %d", v)
	}
	h := Header{
		Channels:   int(binary.LittleEndian.Uint16(buf[6:])),
		SampleRate: int(binary.LittleEndian.Uint32(buf[8:])),
	}
	if h.Channels == 0 || h.SampleRate == 0 {
		return Header{}, fmt.Errorf("invalid header %+v", h)
	}
	return h, nil
}

// Recorder appends frames to a recording file.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	header Header
	buf    []byte
	frames int64
}

func NewRecorder(location string, channels, sampleRate int) (*Recorder, error) {
	f, err := os.Create(location)
	if err != nil {
		return nil, err
	}
	h := Header{Channels: channels, SampleRate: sampleRate}
	w := bufio.NewWriter(f)
	if err := writeHeader(w, h); err != nil {
		f.Close()
		return nil, err
	}
	return &Recorder{f: f, w: w, header: h, buf: make([]byte, h.frameSize())}, nil
}

func (r *Recorder) Write(frames []types.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range frames {
		if len(f) != r.header.Channels {
			return fmt.Errorf("frame width %d, recording has %d channels", len(f), r.header.Channels)
		}
		off := 0
		for _, s := range f {
			for _, v := range []float32{s.SetPoint, s.Voltage, s.Current} {
				binary.LittleEndian.PutUint32(r.buf[off:], math.Float32bits(v))
				off += 4
			}
		}
		if _, err := r.w.Write(r.buf); err != nil {
			return err
		}
		r.frames++
	}
	return nil
}

// Frames is the number of frames written so far.
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

// ReadAll loads a complete recording.
func ReadAll(r io.Reader) (Header, []types.Frame, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}

	var frames []types.Frame
	buf := make([]byte, h.frameSize())
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return h, frames, nil
			}
			return h, frames, err
		}
		frames = append(frames, decodeFrame(buf, h.Channels))
	}
}

func decodeFrame(buf []byte, channels int) types.Frame {
	f := types.NewFrame(channels)
	next := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	}
	for ch := range f {
		base := ch * sampleSize
		f[ch] = types.Sample{SetPoint: next(base), Voltage: next(base + 4), Current: next(base + 8)}
	}
	return f
}

// Driver exposes recordings as replay devices. Each file is one unit whose
// serial is the file name without extension.
type Driver struct {
	files  map[string]string
	period time.Duration
	loop   bool
}

func NewDriver(paths []string, period time.Duration, loop bool) *Driver {
	d := &Driver{files: make(map[string]string), period: period, loop: loop}
	if d.period <= 0 {
		d.period = 10 * time.Millisecond
	}
	for _, p := range paths {
		serial := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		d.files[serial] = p
	}
	return d
}

func (d *Driver) Name() string {
	return "file"
}

func (d *Driver) describe(serial, path string) (types.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Descriptor{}, err
	}
	defer f.Close()

	h, err := ReadHeader(f)
	if err != nil {
		return types.Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	return types.Descriptor{
		Serial:          serial,
		Model:           "replay",
		FirmwareVersion: fmt.Sprintf("v%d", formatVersion),
		HardwareVersion: "file",
		Channels:        h.Channels,
		DefaultRate:     h.SampleRate,
		MinRate:         h.SampleRate,
		MaxRate:         h.SampleRate,
	}, nil
}

// Scan lists every recording that exists and has a valid header.
func (d *Driver) Scan() ([]types.Descriptor, error) {
	var ret []types.Descriptor
	for serial, path := range d.files {
		desc, err := d.describe(serial, path)
		if err != nil {
			continue
		}
		ret = append(ret, desc)
	}
	return ret, nil
}

func (d *Driver) Open(desc types.Descriptor) (device.Device, error) {
	path, ok := d.files[desc.Serial]
	if !ok {
		return nil, fmt.Errorf("no recording for %s", desc.Serial)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Device{desc: desc, header: h, f: f, r: bufio.NewReader(f), period: d.period, loop: d.loop}, nil
}

func (d *Driver) Close() error {
	return nil
}

// Device replays a recording at its sample rate. Set points written to it are
// discarded.
type Device struct {
	desc   types.Descriptor
	header Header
	f      *os.File
	period time.Duration
	loop   bool

	// r outlives a single Stream so its read-ahead survives a restart.
	r             *bufio.Reader
	readSinceSeek bool
}

func (d *Device) Descriptor() types.Descriptor {
	return d.desc
}

func (d *Device) Configure(channel int, mode types.Mode) error {
	if channel < 0 || channel >= d.header.Channels {
		return fmt.Errorf("channel %d out of range", channel)
	}
	return nil
}

func (d *Device) SetSampleRate(rate int) (int, error) {
	if rate != d.header.SampleRate {
		return 0, fmt.Errorf("recording is fixed at %d samples/s", d.header.SampleRate)
	}
	return rate, nil
}

func (d *Device) Calibration() (calibration.Table, error) {
	return calibration.Default(d.header.Channels), nil
}

func (d *Device) WriteCalibration(table calibration.Table) error {
	return errors.New("recordings have no calibration storage")
}

// Stream returns nil at the end of the recording unless looping.
func (d *Device) Stream(ctx context.Context, sio device.SampleIO) error {
	chunk := int(float64(d.header.SampleRate) * d.period.Seconds())
	if chunk < 1 {
		chunk = 1
	}

	tick := time.NewTicker(d.period)
	defer tick.Stop()

	sink := make([]types.Frame, chunk)
	buf := make([]byte, d.header.frameSize())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			sio.Pull(sink)

			frames := make([]types.Frame, 0, chunk)
			for len(frames) < chunk {
				_, err := io.ReadFull(d.r, buf)
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					if !d.loop || !d.readSinceSeek {
						sio.Push(frames)
						return nil
					}
					d.readSinceSeek = false
					if _, err := d.f.Seek(headerSize, io.SeekStart); err != nil {
						return err
					}
					d.r.Reset(d.f)
					continue
				}
				if err != nil {
					return err
				}
				d.readSinceSeek = true
				frames = append(frames, decodeFrame(buf, d.header.Channels))
			}
			sio.Push(frames)
		}
	}
}

func (d *Device) Close() error {
	return d.f.Close()
}

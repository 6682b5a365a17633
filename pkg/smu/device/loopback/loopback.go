// Package loopback simulates source/measure units whose outputs are wired to
// a resistive load. It backs the demo configuration and the session tests.
package loopback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/norasector/smu/pkg/errorkinds"
	"github.com/norasector/smu/pkg/smu/calibration"
	"github.com/norasector/smu/pkg/smu/device"
	"github.com/norasector/smu/pkg/types"
)

const (
	DefaultLoad   = 100.0
	DefaultNoise  = 0.0005
	DefaultPeriod = 5 * time.Millisecond

	defaultRate = 100000
	minRate     = 1000
	maxVoltage  = 5.0
	maxCurrent  = 0.2
)

type Option func(d *Driver)

// WithLoad sets the resistance in ohms each channel drives.
func WithLoad(ohms float64) Option {
	return func(d *Driver) {
		if ohms > 0 {
			d.load = ohms
		}
	}
}

// WithNoise sets the standard deviation of the Gaussian noise added to every
// measurement. Zero disables noise.
func WithNoise(sigma float64) Option {
	return func(d *Driver) {
		if sigma >= 0 {
			d.noise = sigma
		}
	}
}

// WithPeriod sets how often the transfer loop exchanges a chunk of frames.
func WithPeriod(period time.Duration) Option {
	return func(d *Driver) {
		if period > 0 {
			d.period = period
		}
	}
}

type unit struct {
	desc  types.Descriptor
	cal   calibration.Table
	open  bool
	gone  chan struct{}
	unplg bool
	boot  bool
}

type Driver struct {
	mu    sync.Mutex
	units map[string]*unit

	load   float64
	noise  float64
	period time.Duration
}

// NewDriver creates a driver with count attached units named LOOP0, LOOP1, ...
func NewDriver(count int, opts ...Option) *Driver {
	d := &Driver{
		units:  make(map[string]*unit),
		load:   DefaultLoad,
		noise:  DefaultNoise,
		period: DefaultPeriod,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < count; i++ {
		d.Plug(fmt.Sprintf("LOOP%d", i))
	}
	return d
}

// Descriptor returns the descriptor a simulated unit with the given serial has.
func Descriptor(serial string) types.Descriptor {
	return types.Descriptor{
		Serial:          serial,
		Model:           "loopback",
		FirmwareVersion: "sim",
		HardwareVersion: "sim",
		Channels:        2,
		DefaultRate:     defaultRate,
		MinRate:         minRate,
		MaxRate:         defaultRate,
	}
}

func (d *Driver) Name() string {
	return "loopback"
}

// Plug attaches a unit. Plugging a serial that is already attached is a no-op.
func (d *Driver) Plug(serial string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if u, ok := d.units[serial]; ok && !u.unplg {
		return
	}
	desc := Descriptor(serial)
	d.units[serial] = &unit{
		desc: desc,
		cal:  calibration.Default(desc.Channels),
		gone: make(chan struct{}),
	}
}

// Unplug detaches a unit. Open handles on it fail with a disconnect error.
func (d *Driver) Unplug(serial string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.units[serial]
	if !ok || u.unplg {
		return
	}
	u.unplg = true
	close(u.gone)
}

// InBootloader reports whether the unit left the bus by rebooting into its
// update monitor.
func (d *Driver) InBootloader(serial string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.units[serial]
	return ok && u.boot
}

func (d *Driver) Scan() ([]types.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []types.Descriptor
	for _, u := range d.units {
		if !u.unplg {
			out = append(out, u.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (d *Driver) Open(desc types.Descriptor) (device.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.units[desc.Serial]
	if !ok || u.unplg {
		return nil, fmt.Errorf("loopback unit %s not attached", desc.Serial)
	}
	if u.open {
		return nil, fmt.Errorf("loopback unit %s already open", desc.Serial)
	}
	u.open = true

	modes := make([]types.Mode, u.desc.Channels)
	held := make([]float32, u.desc.Channels)
	return &Device{
		driver: d,
		unit:   u,
		modes:  modes,
		held:   held,
		rate:   u.desc.DefaultRate,
		noise:  distuv.Normal{Mu: 0, Sigma: d.noise},
	}, nil
}

func (d *Driver) Close() error {
	return nil
}

// Device is an open simulated unit.
type Device struct {
	driver *Driver
	unit   *unit
	noise  distuv.Normal

	mu    sync.Mutex
	modes []types.Mode
	held  []float32
	rate  int
	led   uint8
}

func (d *Device) Descriptor() types.Descriptor {
	return d.unit.desc
}

func (d *Device) gone(op string) error {
	select {
	case <-d.unit.gone:
		return errorkinds.New(errorkinds.ErrDisconnected, op, "loopback unit "+d.unit.desc.Serial+" unplugged")
	default:
		return nil
	}
}

func (d *Device) Configure(channel int, mode types.Mode) error {
	if err := d.gone("configure"); err != nil {
		return err
	}
	if channel < 0 || channel >= len(d.modes) {
		return fmt.Errorf("channel %d out of range", channel)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes[channel] = mode
	d.held[channel] = 0
	return nil
}

func (d *Device) SetSampleRate(rate int) (int, error) {
	if err := d.gone("set-sample-rate"); err != nil {
		return 0, err
	}
	if rate < minRate || rate > defaultRate {
		return 0, fmt.Errorf("sample rate %d not supported", rate)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.rate = rate
	return rate, nil
}

// LED returns the last mask set through SetLED.
func (d *Device) LED() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.led
}

func (d *Device) SetLED(mask uint8) error {
	if err := d.gone("set-led"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.led = mask & 0x07
	return nil
}

// EnterBootloader detaches the unit the way a real reboot would.
func (d *Device) EnterBootloader() error {
	if err := d.gone("enter-bootloader"); err != nil {
		return err
	}
	d.driver.mu.Lock()
	d.unit.boot = true
	d.driver.mu.Unlock()
	d.driver.Unplug(d.unit.desc.Serial)
	return nil
}

func (d *Device) Calibration() (calibration.Table, error) {
	if err := d.gone("calibration"); err != nil {
		return calibration.Table{}, err
	}
	d.driver.mu.Lock()
	defer d.driver.mu.Unlock()

	out := calibration.Table{Channels: make([][calibration.QuantityCount]calibration.Entry, len(d.unit.cal.Channels))}
	copy(out.Channels, d.unit.cal.Channels)
	return out, nil
}

func (d *Device) WriteCalibration(table calibration.Table) error {
	if err := d.gone("write-calibration"); err != nil {
		return err
	}
	d.driver.mu.Lock()
	defer d.driver.mu.Unlock()

	d.unit.cal.Channels = make([][calibration.QuantityCount]calibration.Entry, len(table.Channels))
	copy(d.unit.cal.Channels, table.Channels)
	return nil
}

// Stream exchanges one chunk of frames per period until ctx is cancelled or
// the unit is unplugged.
func (d *Device) Stream(ctx context.Context, io device.SampleIO) error {
	if err := d.gone("stream"); err != nil {
		return err
	}

	d.mu.Lock()
	chunk := int(float64(d.rate) * d.driver.period.Seconds())
	d.mu.Unlock()
	if chunk < 1 {
		chunk = 1
	}

	ticker := time.NewTicker(d.driver.period)
	defer ticker.Stop()

	out := make([]types.Frame, chunk)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.unit.gone:
			return d.gone("stream")
		case <-ticker.C:
			n := io.Pull(out)
			io.Push(d.measure(out[:n], chunk))
		}
	}
}

// measure produces chunk frames, the first of which follow the pulled set
// points. The rest repeat the last held set point.
func (d *Device) measure(pulled []types.Frame, chunk int) []types.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	channels := len(d.modes)
	frames := make([]types.Frame, chunk)
	for i := range frames {
		if i < len(pulled) {
			for ch := 0; ch < channels && ch < len(pulled[i]); ch++ {
				d.held[ch] = pulled[i][ch].SetPoint
			}
		}
		f := types.NewFrame(channels)
		for ch := 0; ch < channels; ch++ {
			f[ch] = d.sample(d.modes[ch], d.held[ch])
		}
		frames[i] = f
	}
	return frames
}

func (d *Device) sample(mode types.Mode, setPoint float32) types.Sample {
	load := d.driver.load
	var v, i float64

	switch {
	case !mode.Sourcing():
		setPoint = 0
	case mode.SourcesVoltage():
		v = clamp(float64(setPoint), 0, maxVoltage)
		i = v / load
	default:
		i = clamp(float64(setPoint), -maxCurrent, maxCurrent)
		v = clamp(i*load, 0, maxVoltage)
	}

	return types.Sample{
		SetPoint: setPoint,
		Voltage:  float32(v + d.noise.Rand()),
		Current:  float32(i + d.noise.Rand()/load),
	}
}

func (d *Device) Close() error {
	d.driver.mu.Lock()
	defer d.driver.mu.Unlock()
	d.unit.open = false
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

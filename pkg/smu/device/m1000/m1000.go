// Package m1000 drives ADALM1000 units over libusb.
package m1000

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/smu/pkg/errorkinds"
	"github.com/norasector/smu/pkg/smu/calibration"
	"github.com/norasector/smu/pkg/smu/device"
	"github.com/norasector/smu/pkg/types"
)

const (
	VendorID  gousb.ID = 0x064b
	ProductID gousb.ID = 0x784c

	LegacyVendorID  gousb.ID = 0x0456
	LegacyProductID gousb.ID = 0xcee2
)

// Vendor control requests.
const (
	reqVersion         = 0x00
	reqReadCal         = 0x01
	reqWriteCal        = 0x02
	reqLED             = 0x03
	reqSetMode         = 0x53
	reqSampling        = 0xC5
	reqEnterBootloader = 0xBB
)

const (
	outEndpoint = 2
	inEndpoint  = 1

	timerClock  = 6e6
	defaultRate = 100000
	minRate     = 1000

	// packets in flight before set points are matched to measurements
	pipelineDepth = 4
)

var (
	ctrlIn  = uint8(gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice)
	ctrlOut = uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice)
)

func isM1000(desc *gousb.DeviceDesc) bool {
	return (desc.Vendor == VendorID && desc.Product == ProductID) ||
		(desc.Vendor == LegacyVendorID && desc.Product == LegacyProductID)
}

// classify wraps libusb errors, mapping a vanished device to ErrDisconnected.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice) {
		return errorkinds.Wrap(err, errorkinds.ErrDisconnected, op, "usb device gone")
	}
	return fmt.Errorf("%s: %w", op, err)
}

type Driver struct {
	ctx    *gousb.Context
	logger zerolog.Logger
}

func NewDriver() *Driver {
	return &Driver{
		ctx:    gousb.NewContext(),
		logger: log.Logger.With().Str("driver", "m1000").Logger(),
	}
}

func (d *Driver) Name() string {
	return "m1000"
}

func (d *Driver) Scan() ([]types.Descriptor, error) {
	devs, err := d.ctx.OpenDevices(isM1000)
	defer func() {
		for _, dev := range devs {
			dev.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, classify(err, "scan")
	}

	var ret []types.Descriptor
	for _, dev := range devs {
		desc, err := describe(dev)
		if err != nil {
			d.logger.Warn().Err(err).Int("bus", dev.Desc.Bus).Int("address", dev.Desc.Address).Msg("skipping unreadable device")
			continue
		}
		ret = append(ret, desc)
	}
	return ret, nil
}

func describe(dev *gousb.Device) (types.Descriptor, error) {
	serial, err := dev.SerialNumber()
	if err != nil {
		return types.Descriptor{}, err
	}
	fw, err := versionString(dev, 0)
	if err != nil {
		return types.Descriptor{}, err
	}
	hw, err := versionString(dev, 1)
	if err != nil {
		return types.Descriptor{}, err
	}
	return types.Descriptor{
		Serial:          serial,
		Model:           "ADALM1000",
		FirmwareVersion: fw,
		HardwareVersion: hw,
		Channels:        Channels,
		Bus:             dev.Desc.Bus,
		Address:         dev.Desc.Address,
		DefaultRate:     defaultRate,
		MinRate:         minRate,
		MaxRate:         defaultRate,
	}, nil
}

func versionString(dev *gousb.Device, index uint16) (string, error) {
	buf := make([]byte, 64)
	n, err := dev.Control(ctrlIn, reqVersion, 0, index, buf)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf[:n], "\x00")), nil
}

func (d *Driver) Open(desc types.Descriptor) (device.Device, error) {
	devs, err := d.ctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		return isM1000(dd) && dd.Bus == desc.Bus && dd.Address == desc.Address
	})
	if len(devs) == 0 {
		if err == nil {
			err = fmt.Errorf("device %s not found on bus %d address %d", desc.Serial, desc.Bus, desc.Address)
		}
		return nil, err
	}
	for _, extra := range devs[1:] {
		extra.Close()
	}
	dev := devs[0]

	serial, err := dev.SerialNumber()
	if err != nil || serial != desc.Serial {
		dev.Close()
		return nil, fmt.Errorf("device at bus %d address %d is not %s", desc.Bus, desc.Address, desc.Serial)
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, err
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, err
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, err
	}
	in, err := intf.InEndpoint(inEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, err
	}
	out, err := intf.OutEndpoint(outEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, err
	}

	m := &Device{
		desc:   desc,
		dev:    dev,
		cfg:    cfg,
		intf:   intf,
		in:     in,
		out:    out,
		rate:   defaultRate,
		held:   types.NewFrame(Channels),
		logger: d.logger.With().Str("serial", desc.Serial).Logger(),
	}
	if m.codec.Cal, err = m.Calibration(); err != nil {
		m.logger.Warn().Err(err).Msg("using default calibration")
		m.codec.Cal = calibration.Default(Channels)
	}
	return m, nil
}

func (d *Driver) Close() error {
	return d.ctx.Close()
}

// Device is an open ADALM1000.
type Device struct {
	desc   types.Descriptor
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	logger zerolog.Logger

	mu    sync.Mutex
	codec Codec
	rate  int
	// held is the last set point per channel. It persists across streams
	// until the channel is reconfigured.
	held types.Frame
}

func (m *Device) Descriptor() types.Descriptor {
	return m.desc
}

func (m *Device) Configure(channel int, mode types.Mode) error {
	if channel < 0 || channel >= Channels {
		return fmt.Errorf("channel %d out of range", channel)
	}
	if _, err := m.dev.Control(ctrlOut, reqSetMode, uint16(channel), uint16(mode), nil); err != nil {
		return classify(err, "set-mode")
	}

	m.mu.Lock()
	m.codec.Modes[channel] = mode
	m.held[channel].SetPoint = 0
	m.mu.Unlock()
	return nil
}

// fillSetPoints extends the n pulled frames to the whole packet by repeating
// the last held set point.
func (m *Device) fillSetPoints(frames []types.Frame, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range frames {
		if i < n {
			for ch := 0; ch < Channels && ch < len(frames[i]); ch++ {
				m.held[ch].SetPoint = frames[i][ch].SetPoint
			}
		}
		frames[i] = m.held.Clone()
	}
}

// SetSampleRate picks the timer period closest to rate.
func (m *Device) SetSampleRate(rate int) (int, error) {
	if rate < minRate || rate > defaultRate {
		return 0, fmt.Errorf("sample rate %d not supported", rate)
	}
	ticks := math.Round(timerClock / float64(rate))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate = int(timerClock / ticks)
	return m.rate, nil
}

func (m *Device) period() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint16(math.Round(timerClock / float64(m.rate)))
}

func (m *Device) SetLED(mask uint8) error {
	_, err := m.dev.Control(ctrlOut, reqLED, uint16(mask&0x07), 0, nil)
	return classify(err, "set-led")
}

func (m *Device) Calibration() (calibration.Table, error) {
	buf := make([]byte, calibration.BinarySize(Channels))
	n, err := m.dev.Control(ctrlIn, reqReadCal, 0, 0, buf)
	if err != nil {
		return calibration.Table{}, classify(err, "read-calibration")
	}

	var table calibration.Table
	if err := table.UnmarshalBinary(buf[:n]); err != nil {
		return calibration.Table{}, err
	}
	if err := table.Validate(); err != nil {
		return calibration.Table{}, err
	}
	return table, nil
}

func (m *Device) WriteCalibration(table calibration.Table) error {
	data, err := table.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := m.dev.Control(ctrlOut, reqWriteCal, 0, 0, data); err != nil {
		return classify(err, "write-calibration")
	}

	m.mu.Lock()
	m.codec.Cal = table
	m.mu.Unlock()
	return nil
}

// EnterBootloader reboots the unit into its SAM-BA monitor. The handle is
// unusable afterwards.
func (m *Device) EnterBootloader() error {
	_, err := m.dev.Control(ctrlOut, reqEnterBootloader, 0, 0, nil)
	return classify(err, "enter-bootloader")
}

// Stream starts the sampling timer and moves packets until ctx is done. OUT
// packets are written ahead of the IN packets they produce; the set points of
// each written packet are queued so measurements carry them.
func (m *Device) Stream(ctx context.Context, io device.SampleIO) error {
	m.mu.Lock()
	codec := m.codec
	m.mu.Unlock()

	if _, err := m.dev.Control(ctrlOut, reqSampling, m.period(), 0, nil); err != nil {
		return classify(err, "start-sampling")
	}
	defer func() {
		if _, err := m.dev.Control(ctrlOut, reqSampling, 0, 0, nil); err != nil {
			m.logger.Debug().Err(err).Msg("stop sampling")
		}
	}()

	sent := make(chan []types.Frame, pipelineDepth)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(sent)

		frames := make([]types.Frame, SamplesPerPacket)
		buf := make([]byte, OutPacketSize)
		for {
			m.fillSetPoints(frames, io.Pull(frames))
			if err := codec.EncodeOut(buf, frames); err != nil {
				return err
			}
			if _, err := m.out.WriteContext(ctx, buf); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return classify(err, "write-packet")
			}

			chunk := make([]types.Frame, SamplesPerPacket)
			copy(chunk, frames)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sent <- chunk:
			}
		}
	})
	eg.Go(func() error {
		buf := make([]byte, InPacketSize)
		for {
			var setPoints []types.Frame
			select {
			case <-ctx.Done():
				return ctx.Err()
			case setPoints = <-sent:
			}

			readCtx, cancel := context.WithTimeout(ctx, time.Second)
			n, err := m.in.ReadContext(readCtx, buf)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return classify(err, "read-packet")
			}

			frames, err := codec.DecodeIn(buf[:n], setPoints)
			if err != nil {
				return err
			}
			io.Push(frames)
		}
	})

	return eg.Wait()
}

func (m *Device) Close() error {
	m.intf.Close()
	m.cfg.Close()
	return m.dev.Close()
}

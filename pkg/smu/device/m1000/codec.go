package m1000

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/norasector/smu/pkg/smu/calibration"
	"github.com/norasector/smu/pkg/types"
)

const (
	Channels         = 2
	SamplesPerPacket = 256

	// IN packets carry four blocks of big-endian codes: A voltage, A current,
	// B voltage, B current.
	InPacketSize = SamplesPerPacket * 4 * 2
	// OUT packets carry one block of set point codes per channel.
	OutPacketSize = SamplesPerPacket * Channels * 2

	FullScaleVoltage = 5.0
	FullScaleCurrent = 0.4 // -200mA .. +200mA

	codeMax = 65535
)

// EncodeVoltage maps 0..5V onto the DAC range.
func EncodeVoltage(v float32) uint16 {
	return toCode(float64(v) / FullScaleVoltage)
}

func DecodeVoltage(code uint16) float32 {
	return float32(float64(code) / codeMax * FullScaleVoltage)
}

// EncodeCurrent maps -200mA..200mA onto the DAC range, zero at mid scale.
func EncodeCurrent(i float32) uint16 {
	return toCode(float64(i)/FullScaleCurrent + 0.5)
}

func DecodeCurrent(code uint16) float32 {
	return float32((float64(code)/codeMax - 0.5) * FullScaleCurrent)
}

func toCode(fraction float64) uint16 {
	if fraction <= 0 {
		return 0
	}
	if fraction >= 1 {
		return codeMax
	}
	return uint16(math.Round(fraction * codeMax))
}

// Codec converts between wire packets and calibrated frames.
type Codec struct {
	Cal   calibration.Table
	Modes [Channels]types.Mode
}

// EncodeOut writes one OUT packet from SamplesPerPacket frames.
func (c *Codec) EncodeOut(dst []byte, frames []types.Frame) error {
	if len(dst) < OutPacketSize {
		return fmt.Errorf("out buffer of %d bytes, need %d", len(dst), OutPacketSize)
	}
	if len(frames) != SamplesPerPacket {
		return fmt.Errorf("got %d frames, packet holds %d", len(frames), SamplesPerPacket)
	}

	for ch := 0; ch < Channels; ch++ {
		block := dst[ch*SamplesPerPacket*2:]
		mode := c.Modes[ch]
		for i, f := range frames {
			var code uint16
			var sp float32
			if ch < len(f) {
				sp = f[ch].SetPoint
			}
			switch {
			case !mode.Sourcing():
			case mode.SourcesVoltage():
				code = EncodeVoltage(c.Cal.Source(ch, calibration.SourceVoltage, sp))
			default:
				code = EncodeCurrent(c.Cal.Source(ch, calibration.SourceCurrent, sp))
			}
			binary.BigEndian.PutUint16(block[i*2:], code)
		}
	}
	return nil
}

// DecodeIn parses one IN packet. setPoints are the frames sourced for the
// same sample period; their set points are carried into the result.
func (c *Codec) DecodeIn(src []byte, setPoints []types.Frame) ([]types.Frame, error) {
	if len(src) < InPacketSize {
		return nil, fmt.Errorf("short in packet: %d bytes", len(src))
	}

	code := func(block, i int) uint16 {
		return binary.BigEndian.Uint16(src[(block*SamplesPerPacket+i)*2:])
	}

	frames := make([]types.Frame, SamplesPerPacket)
	for i := range frames {
		f := types.NewFrame(Channels)
		for ch := 0; ch < Channels; ch++ {
			f[ch].Voltage = c.Cal.Measure(ch, calibration.MeasureVoltage, DecodeVoltage(code(ch*2, i)))
			f[ch].Current = c.Cal.Measure(ch, calibration.MeasureCurrent, DecodeCurrent(code(ch*2+1, i)))
			if i < len(setPoints) && ch < len(setPoints[i]) && c.Modes[ch].Sourcing() {
				f[ch].SetPoint = setPoints[i][ch].SetPoint
			}
		}
		frames[i] = f
	}
	return frames, nil
}

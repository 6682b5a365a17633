package calibration

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Quantity indexes the four calibrated paths of a channel.
type Quantity int

const (
	MeasureVoltage Quantity = iota
	MeasureCurrent
	SourceVoltage
	SourceCurrent

	QuantityCount = 4
)

var quantityNames = [QuantityCount]string{"measure V", "measure I", "source V", "source I"}

func (q Quantity) String() string {
	if q >= 0 && int(q) < QuantityCount {
		return quantityNames[q]
	}
	return fmt.Sprintf("quantity(%d)", int(q))
}

// Entry is a piecewise-linear correction: an offset followed by separate gains
// for the positive and negative sides.
type Entry struct {
	Offset  float32 `json:"offset"`
	GainPos float32 `json:"gain_pos"`
	GainNeg float32 `json:"gain_neg"`
}

// Identity leaves values untouched.
var Identity = Entry{Offset: 0, GainPos: 1, GainNeg: 1}

// Apply corrects a raw reading.
func (e Entry) Apply(raw float32) float32 {
	x := raw - e.Offset
	if x >= 0 {
		return x * e.GainPos
	}
	return x * e.GainNeg
}

// Invert returns the raw value that Apply maps onto target.
func (e Entry) Invert(target float32) float32 {
	gain := e.GainPos
	if target < 0 {
		gain = e.GainNeg
	}
	if gain == 0 {
		return e.Offset
	}
	return target/gain + e.Offset
}

func (e Entry) valid() bool {
	for _, v := range []float32{e.Offset, e.GainPos, e.GainNeg} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return e.GainPos != 0 && e.GainNeg != 0
}

// Table holds the entries of every channel of a device.
type Table struct {
	Channels [][QuantityCount]Entry `json:"channels"`
}

// Default returns an identity table.
func Default(channels int) Table {
	t := Table{Channels: make([][QuantityCount]Entry, channels)}
	for ch := range t.Channels {
		for q := range t.Channels[ch] {
			t.Channels[ch][q] = Identity
		}
	}
	return t
}

// Entry returns the correction for a channel path, or Identity when the table
// does not cover it.
func (t Table) Entry(ch int, q Quantity) Entry {
	if ch < 0 || ch >= len(t.Channels) || q < 0 || int(q) >= QuantityCount {
		return Identity
	}
	return t.Channels[ch][q]
}

// Measure corrects a raw measurement.
func (t Table) Measure(ch int, q Quantity, raw float32) float32 {
	return t.Entry(ch, q).Apply(raw)
}

// Source converts a requested set point into the raw value to program.
func (t Table) Source(ch int, q Quantity, target float32) float32 {
	return t.Entry(ch, q).Invert(target)
}

// Validate rejects tables with non-finite values or zero gains.
func (t Table) Validate() error {
	for ch, entries := range t.Channels {
		for q, e := range entries {
			if !e.valid() {
				return fmt.Errorf("channel %d %s: invalid entry %+v", ch, Quantity(q), e)
			}
		}
	}
	return nil
}

// BinarySize is the length of the encoded table for a channel count.
func BinarySize(channels int) int {
	return channels * QuantityCount * 3 * 4
}

// MarshalBinary encodes the table as little-endian float32 triples, channel
// by channel, in Quantity order. This is the layout stored in device EEPROM.
func (t Table) MarshalBinary() ([]byte, error) {
	buf := make([]byte, BinarySize(len(t.Channels)))
	off := 0
	for _, entries := range t.Channels {
		for _, e := range entries {
			for _, v := range []float32{e.Offset, e.GainPos, e.GainNeg} {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
				off += 4
			}
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a table previously encoded by MarshalBinary.
func (t *Table) UnmarshalBinary(data []byte) error {
	per := BinarySize(1)
	if len(data) == 0 || len(data)%per != 0 {
		return fmt.Errorf("calibration blob of %d bytes is not a multiple of %d", len(data), per)
	}

	channels := len(data) / per
	t.Channels = make([][QuantityCount]Entry, channels)
	off := 0
	next := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		return v
	}
	for ch := 0; ch < channels; ch++ {
		for q := 0; q < QuantityCount; q++ {
			t.Channels[ch][q] = Entry{Offset: next(), GainPos: next(), GainNeg: next()}
		}
	}
	return nil
}

package output

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/norasector/smu/pkg/types"
)

// Packet field numbers. Samples are packed fixed32 floats: set point,
// voltage, current for each channel of each frame.
const (
	fieldSerial     protowire.Number = 1
	fieldSampleRate protowire.Number = 2
	fieldStart      protowire.Number = 3
	fieldChannels   protowire.Number = 4
	fieldSamples    protowire.Number = 5
)

// MaxPayload keeps a framed packet inside a single Ethernet datagram.
const MaxPayload = 1400

const lengthPrefixSize = 2

// MarshalPacket encodes a batch in protobuf wire format.
func MarshalPacket(b *Batch) ([]byte, error) {
	channels := 0
	if len(b.Frames) > 0 {
		channels = len(b.Frames[0])
	}

	samples := make([]byte, 0, len(b.Frames)*channels*12)
	for i, f := range b.Frames {
		if len(f) != channels {
			return nil, fmt.Errorf("frame %d has %d channels, expected %d", i, len(f), channels)
		}
		for _, s := range f {
			samples = protowire.AppendFixed32(samples, math.Float32bits(s.SetPoint))
			samples = protowire.AppendFixed32(samples, math.Float32bits(s.Voltage))
			samples = protowire.AppendFixed32(samples, math.Float32bits(s.Current))
		}
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldSerial, protowire.BytesType)
	buf = protowire.AppendString(buf, b.Serial)
	buf = protowire.AppendTag(buf, fieldSampleRate, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.SampleRate))
	buf = protowire.AppendTag(buf, fieldStart, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.Start)
	buf = protowire.AppendTag(buf, fieldChannels, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(channels))
	buf = protowire.AppendTag(buf, fieldSamples, protowire.BytesType)
	buf = protowire.AppendBytes(buf, samples)
	return buf, nil
}

// UnmarshalPacket decodes a packet produced by MarshalPacket. Unknown fields
// are skipped.
func UnmarshalPacket(buf []byte) (*Batch, error) {
	b := &Batch{}
	var channels uint64
	var samples []byte

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case num == fieldSerial && typ == protowire.BytesType:
			var v string
			v, n = protowire.ConsumeString(buf)
			b.Serial = v
		case num == fieldSampleRate && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(buf)
			b.SampleRate = int(v)
		case num == fieldStart && typ == protowire.VarintType:
			b.Start, n = protowire.ConsumeVarint(buf)
		case num == fieldChannels && typ == protowire.VarintType:
			channels, n = protowire.ConsumeVarint(buf)
		case num == fieldSamples && typ == protowire.BytesType:
			samples, n = protowire.ConsumeBytes(buf)
		default:
			n = protowire.ConsumeFieldValue(num, typ, buf)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]
	}

	if len(samples) == 0 {
		return b, nil
	}
	frameSize := int(channels) * 12
	if frameSize == 0 || len(samples)%frameSize != 0 {
		return nil, fmt.Errorf("%d sample bytes do not divide into %d channel frames", len(samples), channels)
	}

	b.Frames = make([]types.Frame, len(samples)/frameSize)
	for i := range b.Frames {
		f := types.NewFrame(int(channels))
		for ch := range f {
			var vals [3]float32
			for k := range vals {
				v, n := protowire.ConsumeFixed32(samples)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				vals[k] = math.Float32frombits(v)
				samples = samples[n:]
			}
			f[ch] = types.Sample{SetPoint: vals[0], Voltage: vals[1], Current: vals[2]}
		}
		b.Frames[i] = f
	}
	return b, nil
}

// SplitBatch cuts a batch into batches whose encoded packets fit maxPayload.
func SplitBatch(b *Batch, maxPayload int) []*Batch {
	if len(b.Frames) == 0 {
		return []*Batch{b}
	}
	overhead := 32 + len(b.Serial)
	perFrame := len(b.Frames[0]) * 12
	if perFrame == 0 {
		return []*Batch{b}
	}
	n := (maxPayload - overhead) / perFrame
	if n < 1 {
		n = 1
	}

	var ret []*Batch
	for off := 0; off < len(b.Frames); off += n {
		end := off + n
		if end > len(b.Frames) {
			end = len(b.Frames)
		}
		ret = append(ret, &Batch{
			Serial:     b.Serial,
			SampleRate: b.SampleRate,
			Start:      b.Start + uint64(off),
			Frames:     b.Frames[off:end],
		})
	}
	return ret
}

// Frame prefixes payload with its little-endian uint16 length.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("payload of %d bytes too large", len(payload))
	}
	buf := make([]byte, lengthPrefixSize, lengthPrefixSize+len(payload))
	binary.LittleEndian.PutUint16(buf, uint16(len(payload)))
	return append(buf, payload...), nil
}

// Unframe returns the payload of a length-prefixed datagram.
func Unframe(datagram []byte) ([]byte, error) {
	if len(datagram) < lengthPrefixSize {
		return nil, errors.New("datagram shorter than its length prefix")
	}
	n := int(binary.LittleEndian.Uint16(datagram))
	if len(datagram)-lengthPrefixSize < n {
		return nil, fmt.Errorf("datagram holds %d bytes, prefix says %d", len(datagram)-lengthPrefixSize, n)
	}
	return datagram[lengthPrefixSize : lengthPrefixSize+n], nil
}

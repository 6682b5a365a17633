package output

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/norasector/smu/pkg/types"
)

const batchBufferLength int = 8

// TextOutput writes one tab separated row per frame: the frame index followed
// by set point, voltage and current of every channel.
type TextOutput struct {
	dest     io.Writer
	recvChan chan *Batch
	header   bool
}

func NewTextOutput(dest io.Writer, header bool) *TextOutput {
	return &TextOutput{
		dest:     dest,
		recvChan: make(chan *Batch, batchBufferLength),
		header:   header,
	}
}

func (t *TextOutput) Receive() chan<- *Batch {
	return t.recvChan
}

func (t *TextOutput) Start(ctx context.Context) error {
	w := bufio.NewWriter(t.dest)
	wroteHeader := !t.header

	var row []byte
	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(); err != nil {
				return err
			}
			return ctx.Err()

		case b := <-t.recvChan:
			if len(b.Frames) == 0 {
				continue
			}
			if !wroteHeader {
				if _, err := w.WriteString(headerRow(len(b.Frames[0]))); err != nil {
					return err
				}
				wroteHeader = true
			}
			for i, f := range b.Frames {
				row = appendRow(row[:0], b.Start+uint64(i), f)
				if _, err := w.Write(row); err != nil {
					return err
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func headerRow(channels int) string {
	s := "index"
	for ch := 0; ch < channels; ch++ {
		name := types.ChannelName(ch)
		s += "\t" + name + "_set\t" + name + "_v\t" + name + "_i"
	}
	return s + "\n"
}

func appendRow(dst []byte, index uint64, f types.Frame) []byte {
	dst = strconv.AppendUint(dst, index, 10)
	for _, s := range f {
		for _, v := range []float32{s.SetPoint, s.Voltage, s.Current} {
			dst = append(dst, '\t')
			dst = strconv.AppendFloat(dst, float64(v), 'f', 6, 32)
		}
	}
	return append(dst, '\n')
}

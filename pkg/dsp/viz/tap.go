package viz

import (
	"context"
	"fmt"

	"github.com/norasector/smu/pkg/dsp/fir"
	"github.com/norasector/smu/pkg/smu/output"
	"github.com/norasector/smu/pkg/types"
)

const (
	tapBufferLength = 8
	// TraceLength is the number of samples shown by each time domain plot.
	TraceLength = 1000
)

type TapOption func(t *tapOptions)

type tapOptions struct {
	smoothCutoff float64
	traceLength  int
}

// WithSmoothing low-pass filters the plotted traces at cutoff Hz.
func WithSmoothing(cutoff float64) TapOption {
	return func(t *tapOptions) {
		t.smoothCutoff = cutoff
	}
}

func WithTraceLength(n int) TapOption {
	return func(t *tapOptions) {
		t.traceLength = n
	}
}

// Tap is a FrameOutput that feeds the voltage and current of every channel
// into plots registered on a Server under the device serial.
type Tap struct {
	recvChan chan *output.Batch
	voltage  []*TimeDomainPlotter
	current  []*TimeDomainPlotter
	spectrum []*SpectrumPlotter
}

func NewTap(s *Server, desc types.Descriptor, sampleRate int, opts ...TapOption) (*Tap, error) {
	o := tapOptions{traceLength: TraceLength}
	for _, opt := range opts {
		opt(&o)
	}

	var taps []float32
	if o.smoothCutoff > 0 {
		var err error
		taps, err = fir.MakeLowPass(1, float64(sampleRate), o.smoothCutoff, o.smoothCutoff/2, fir.Hamming)
		if err != nil {
			return nil, fmt.Errorf("building smoothing filter: %w", err)
		}
	}

	t := &Tap{recvChan: make(chan *output.Batch, tapBufferLength)}
	for ch := 0; ch < desc.Channels; ch++ {
		name := types.ChannelName(ch)

		v := NewTimeDomainPlotter(fmt.Sprintf("%s voltage", name), o.traceLength, sampleRate)
		v.AddPlotOption(WithYLabel("V"))
		i := NewTimeDomainPlotter(fmt.Sprintf("%s current", name), o.traceLength, sampleRate)
		i.AddPlotOption(WithYLabel("A"))
		if taps != nil {
			v.SetSmoothing(taps)
			i.SetSmoothing(taps)
		}
		sp := NewSpectrumPlotter(fmt.Sprintf("%s voltage spectrum", name), FFTBins, sampleRate)

		t.voltage = append(t.voltage, v)
		t.current = append(t.current, i)
		t.spectrum = append(t.spectrum, sp)
		s.Register(desc.Serial, v)
		s.Register(desc.Serial, i)
		s.Register(desc.Serial, sp)
	}
	return t, nil
}

func (t *Tap) Receive() chan<- *output.Batch {
	return t.recvChan
}

func (t *Tap) Start(ctx context.Context) error {
	var volts, amps []float32
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-t.recvChan:
			for ch := range t.voltage {
				volts, amps = volts[:0], amps[:0]
				for _, f := range b.Frames {
					if ch >= len(f) {
						continue
					}
					volts = append(volts, f[ch].Voltage)
					amps = append(amps, f[ch].Current)
				}
				t.voltage[ch].AppendFloat(volts)
				t.current[ch].AppendFloat(amps)
				t.spectrum[ch].AppendFloat(volts)
			}
		}
	}
}

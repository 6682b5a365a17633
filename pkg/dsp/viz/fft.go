package viz

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"

	"github.com/norasector/smu/pkg/dsp/fir"
)

const (
	// MixAvg is the exponential averaging weight of a new spectrum.
	MixAvg = 0.10
	// FFTBins is the default transform length.
	FFTBins = 512
)

// SpectrumPlotter shows the averaged power spectrum of a real trace.
type SpectrumPlotter struct {
	mu           sync.Mutex
	buf          []float64
	n            int
	sampleRate   int
	name         string
	fft          *fourier.FFT
	win          []float32
	averagePower []float64
	filled       int
	plotOptions  []PlotOptions
}

func NewSpectrumPlotter(name string, n, sampleRate int) *SpectrumPlotter {
	return &SpectrumPlotter{
		buf:          make([]float64, n),
		n:            n,
		sampleRate:   sampleRate,
		name:         name,
		fft:          fourier.NewFFT(n),
		win:          fir.BlackmanWindow(n),
		averagePower: make([]float64, n/2+1),
	}
}

func (s *SpectrumPlotter) Name() string {
	return s.name
}

func (s *SpectrumPlotter) AppendFloat(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(samples) > s.n {
		samples = samples[len(samples)-s.n:]
	}
	copy(s.buf, s.buf[len(samples):])
	tail := s.buf[s.n-len(samples):]
	for i, v := range samples {
		tail[i] = float64(v)
	}
	s.filled += len(samples)
}

func (s *SpectrumPlotter) AddPlotOption(opt PlotOptions) {
	s.mu.Lock()
	s.plotOptions = append(s.plotOptions, opt)
	s.mu.Unlock()
}

// spectrum windows the buffer, removes its mean and folds the transform into
// the running average. It returns the averaged magnitudes in dB.
func (s *SpectrumPlotter) spectrum() plotter.XYs {
	data := make([]float64, s.n)
	var mean float64
	for _, v := range s.buf {
		mean += v
	}
	mean /= float64(s.n)
	for i, v := range s.buf {
		data[i] = (v - mean) * float64(s.win[i]) / (0.42 * float64(s.n))
	}

	coeffs := s.fft.Coefficients(nil, data)
	ret := make(plotter.XYs, 0, len(coeffs))
	for i, c := range coeffs {
		s.averagePower[i] = (1.0-MixAvg)*s.averagePower[i] + MixAvg*cmplx.Abs(c)
		if s.averagePower[i] <= 0 {
			continue
		}
		ret = append(ret, plotter.XY{
			X: s.fft.Freq(i) * float64(s.sampleRate),
			Y: 20 * math.Log10(s.averagePower[i]),
		})
	}
	return ret
}

func (s *SpectrumPlotter) GetImage() (*ImageContainer, error) {
	s.mu.Lock()
	if s.filled < s.n {
		s.mu.Unlock()
		return nil, nil
	}
	pts := s.spectrum()
	opts := append([]PlotOptions(nil), s.plotOptions...)
	s.mu.Unlock()

	if len(pts) == 0 {
		return nil, nil
	}

	p := plotWithDefaults()
	p.Title.Text = s.name
	p.Y.Label.Text = "Power (dB)"
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Max = 0
	p.Y.Min = -120

	for _, opt := range opts {
		opt(p)
	}

	p.Add(plotter.NewGrid())
	if err := plotutil.AddLines(p, "spectrum", pts); err != nil {
		return nil, err
	}
	return render(p, s.name)
}

package viz

import (
	"sync"

	"github.com/racerxdl/segdsp/dsp"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
)

type PlotType int

const (
	PlotTypeDefault PlotType = iota
	PlotTypeScatter
	PlotTypeLines
)

// TimeDomainPlotter keeps the most recent size samples of one trace.
type TimeDomainPlotter struct {
	mu          sync.Mutex
	bufFloat    []float32
	size        int
	sampleRate  int
	name        string
	plotFunc    func(*plot.Plot, ...interface{}) error
	plotOptions []PlotOptions
	smoother    *dsp.FloatFirFilter
}

func NewTimeDomainPlotter(name string, size, sampleRate int) *TimeDomainPlotter {
	return &TimeDomainPlotter{
		bufFloat:   make([]float32, 0, size),
		size:       size,
		sampleRate: sampleRate,
		name:       name,
		plotFunc:   plotutil.AddLines,
	}
}

func (t *TimeDomainPlotter) Name() string {
	return t.name
}

func (t *TimeDomainPlotter) SetPlotType(tp PlotType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch tp {
	case PlotTypeScatter:
		t.plotFunc = plotutil.AddScatters
	default:
		t.plotFunc = plotutil.AddLines
	}
}

// SetSmoothing runs appended samples through a FIR filter with the given
// taps before they are plotted. Nil taps disable smoothing.
func (t *TimeDomainPlotter) SetSmoothing(taps []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(taps) == 0 {
		t.smoother = nil
		return
	}
	t.smoother = dsp.MakeFloatFirFilter(taps)
}

func (t *TimeDomainPlotter) AppendFloat(f []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.smoother != nil {
		out := make([]float32, t.smoother.PredictOutputSize(len(f)))
		f = out[:t.smoother.WorkBuffer(f, out)]
	}
	t.bufFloat = append(t.bufFloat, f...)
	if len(t.bufFloat) > t.size {
		t.bufFloat = append(t.bufFloat[:0], t.bufFloat[len(t.bufFloat)-t.size:]...)
	}
}

func (t *TimeDomainPlotter) AddPlotOption(opt PlotOptions) {
	t.mu.Lock()
	t.plotOptions = append(t.plotOptions, opt)
	t.mu.Unlock()
}

// GetImage returns nil until a full window of samples has been collected.
func (t *TimeDomainPlotter) GetImage() (*ImageContainer, error) {
	t.mu.Lock()
	if len(t.bufFloat) < t.size {
		t.mu.Unlock()
		return nil, nil
	}
	pts := make(plotter.XYs, t.size)
	for i := 0; i < t.size; i++ {
		x := float64(i)
		if t.sampleRate > 0 {
			x /= float64(t.sampleRate)
		}
		pts[i] = plotter.XY{X: x, Y: float64(t.bufFloat[i])}
	}
	plotFunc := t.plotFunc
	opts := append([]PlotOptions(nil), t.plotOptions...)
	t.mu.Unlock()

	p := plotWithDefaults()
	p.Title.Text = t.name
	p.Y.Label.Text = "Amplitude"
	p.X.Label.Text = "t (s)"

	for _, opt := range opts {
		opt(p)
	}

	p.Add(plotter.NewGrid())
	if err := plotFunc(p, "f(t)", pts); err != nil {
		return nil, err
	}
	return render(p, t.name)
}

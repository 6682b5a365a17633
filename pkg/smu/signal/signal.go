// Package signal generates set point waveforms for sourcing channels.
package signal

import (
	"fmt"
	"math"
	"strings"
)

const (
	tau float64 = math.Pi * 2

	defaultSteps = 10
)

type Shape int

const (
	Constant Shape = iota
	Square
	Sawtooth
	Stairstep
	Triangle
	Sine
)

var shapeNames = []string{"constant", "square", "sawtooth", "stairstep", "triangle", "sine"}

func (s Shape) String() string {
	if s >= 0 && int(s) < len(shapeNames) {
		return shapeNames[s]
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

func ParseShape(name string) (Shape, error) {
	for i, n := range shapeNames {
		if strings.EqualFold(name, n) {
			return Shape(i), nil
		}
	}
	return 0, fmt.Errorf("unknown waveform %q", name)
}

type Option func(g *Generator)

// WithPhase starts the waveform offset by the given number of samples.
func WithPhase(samples float64) Option {
	return func(g *Generator) {
		g.phase = samples
	}
}

// WithDuty sets the fraction of each square period spent high.
func WithDuty(duty float64) Option {
	return func(g *Generator) {
		if duty >= 0 && duty <= 1 {
			g.duty = duty
		}
	}
}

func WithSteps(steps int) Option {
	return func(g *Generator) {
		if steps > 1 {
			g.steps = steps
		}
	}
}

// Generator produces a periodic waveform swinging between low and high with
// a period measured in samples. It keeps its phase across calls so that
// successive buffers are continuous.
type Generator struct {
	shape     Shape
	low, high float64
	period    float64
	duty      float64
	steps     int

	phase          float64
	phaseIncrement float64
}

func New(shape Shape, low, high, period float64, opts ...Option) (*Generator, error) {
	if shape != Constant && period <= 0 {
		return nil, fmt.Errorf("%s waveform needs a positive period, got %v", shape, period)
	}
	g := &Generator{
		shape:  shape,
		low:    low,
		high:   high,
		period: period,
		duty:   0.5,
		steps:  defaultSteps,
	}
	for _, opt := range opts {
		opt(g)
	}
	if period > 0 {
		g.phaseIncrement = 1 / period
		g.phase = math.Mod(g.phase/period, 1)
		if g.phase < 0 {
			g.phase++
		}
	}
	return g, nil
}

// NewConstant returns a generator that always yields v.
func NewConstant(v float64) *Generator {
	g, _ := New(Constant, v, v, 0)
	return g
}

func (g *Generator) incrementPhase() {
	g.phase += g.phaseIncrement
	if g.phase >= 1 {
		g.phase -= 1
	}
}

func (g *Generator) value() float64 {
	span := g.high - g.low
	p := g.phase

	switch g.shape {
	case Square:
		if p < g.duty {
			return g.high
		}
		return g.low
	case Sawtooth:
		return g.low + span*p
	case Stairstep:
		step := math.Floor(p * float64(g.steps))
		return g.low + span*step/float64(g.steps-1)
	case Triangle:
		if p < 0.5 {
			return g.low + span*2*p
		}
		return g.high - span*(2*p-1)
	case Sine:
		return g.low + span/2 + span/2*math.Sin(tau*p)
	}
	return g.low
}

// Next returns the next sample.
func (g *Generator) Next() float32 {
	v := g.value()
	g.incrementPhase()
	return float32(v)
}

// WorkBuffer fills output and returns how many samples were written.
func (g *Generator) WorkBuffer(output []float32) int {
	for i := range output {
		output[i] = g.Next()
	}
	return len(output)
}

// Work returns the next n samples.
func (g *Generator) Work(n int) []float32 {
	ret := make([]float32, n)
	g.WorkBuffer(ret)
	return ret
}

package fir

import (
	"fmt"
	"math"

	"github.com/mjibson/go-dsp/window"
)

type WindowFunc func(int) []float32

type WindowType int

const (
	Hamming        WindowType = 0
	Hann           WindowType = 1
	BlackmanHarris WindowType = 2
	Blackman       WindowType = 3
)

func (w WindowType) String() string {
	switch w {
	case Hamming:
		return "hamming"
	case Hann:
		return "hann"
	case BlackmanHarris:
		return "blackman-harris"
	case Blackman:
		return "blackman"
	default:
		return fmt.Sprintf("window(%d)", int(w))
	}
}

var (
	windowMaxAttenuation = map[WindowType]int{
		Hamming:        53,
		Hann:           44,
		BlackmanHarris: 92,
		Blackman:       74,
	}
	windowFuncs = map[WindowType]WindowFunc{
		Hamming:  HammingWindow,
		Hann:     HannWindow,
		Blackman: BlackmanWindow,
		BlackmanHarris: func(ntaps int) []float32 {
			w, _ := BlackmanHarrisWindow(ntaps, 92)
			return w
		},
	}
)

func to32(w []float64) []float32 {
	ret := make([]float32, len(w))
	for i, v := range w {
		ret[i] = float32(v)
	}
	return ret
}

func HammingWindow(ntaps int) []float32 {
	return to32(window.Hamming(ntaps))
}

func HannWindow(ntaps int) []float32 {
	return to32(window.Hann(ntaps))
}

func BlackmanWindow(ntaps int) []float32 {
	return to32(window.Blackman(ntaps))
}

// cosWindow sums alternating cosine terms: c0 - c1 cos(2πi/M) + c2 cos(4πi/M) - ...
func cosWindow(ntaps int, coeffs ...float64) []float32 {
	ret := make([]float32, ntaps)
	if ntaps == 1 {
		ret[0] = 1
		return ret
	}
	M := float64(ntaps - 1)

	for i := 0; i < ntaps; i++ {
		var v, sign float64 = 0, 1
		for k, c := range coeffs {
			v += sign * c * math.Cos(2*math.Pi*float64(k)*float64(i)/M)
			sign = -sign
		}
		ret[i] = float32(v)
	}
	return ret
}

// BlackmanHarrisWindow supports sidelobe attenuations of 61, 67, 74 and 92 dB.
func BlackmanHarrisWindow(ntaps, atten int) ([]float32, error) {
	switch atten {
	case 61:
		return cosWindow(ntaps, 0.42323, 0.49755, 0.07922), nil
	case 67:
		return cosWindow(ntaps, 0.44959, 0.49364, 0.05677), nil
	case 74:
		return cosWindow(ntaps, 0.40217, 0.49703, 0.09392, 0.00183), nil
	case 92:
		return cosWindow(ntaps, 0.35875, 0.48829, 0.14128, 0.01168), nil
	default:
		return nil, fmt.Errorf("blackman harris window must have attenuation value 61, 67, 74, 92, got %d", atten)
	}
}

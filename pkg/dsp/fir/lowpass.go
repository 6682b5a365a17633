package fir

import (
	"fmt"
	"math"
)

func computeNTaps(sampleRate, transitionWidth float64, winType WindowType) int {
	maxAttenuation := windowMaxAttenuation[winType]
	ntaps := int(float64(maxAttenuation) * sampleRate / (22.0 * transitionWidth))
	ntaps |= 1

	return ntaps
}

// MakeLowPass designs a windowed-sinc low pass filter with the given DC gain.
// The tap count follows from the transition width and the window's stopband
// attenuation and is always odd.
func MakeLowPass(gain, sampleRate, cutFrequency, transitionWidth float64, winType WindowType) ([]float32, error) {
	switch {
	case sampleRate <= 0:
		return nil, fmt.Errorf("sample rate must be positive, got %v", sampleRate)
	case cutFrequency <= 0 || cutFrequency > sampleRate/2:
		return nil, fmt.Errorf("cutoff %v outside (0, %v]", cutFrequency, sampleRate/2)
	case transitionWidth <= 0:
		return nil, fmt.Errorf("transition width must be positive, got %v", transitionWidth)
	}
	winFunc, ok := windowFuncs[winType]
	if !ok {
		return nil, fmt.Errorf("unknown window %s", winType)
	}

	nTaps := computeNTaps(sampleRate, transitionWidth, winType)
	taps := make([]float32, nTaps)
	w := winFunc(nTaps)

	M := (nTaps - 1) / 2
	fwT0 := 2 * math.Pi * cutFrequency / sampleRate

	for i := -M; i <= M; i++ {
		if i == 0 {
			taps[i+M] = float32(fwT0 / math.Pi * float64(w[i+M]))
		} else {
			fi := float64(i)
			taps[i+M] = float32(math.Sin(fi*fwT0) / (fi * math.Pi) * float64(w[i+M]))
		}
	}

	fmax := float64(taps[M])
	for i := 1; i <= M; i++ {
		fmax += 2 * float64(taps[i+M])
	}

	gain /= fmax

	for i := 0; i < nTaps; i++ {
		taps[i] = float32(float64(taps[i]) * gain)
	}

	return taps, nil
}

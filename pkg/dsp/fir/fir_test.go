package fir

import (
	"math"
	"testing"
)

func TestMakeLowPass(t *testing.T) {
	for _, win := range []WindowType{Hamming, Hann, Blackman, BlackmanHarris} {
		t.Run(win.String(), func(t *testing.T) {
			taps, err := MakeLowPass(1, 100000, 1000, 2000, win)
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if len(taps)%2 != 1 {
				t.Fatalf("expected odd tap count, got %d", len(taps))
			}

			var sum float64
			for i, v := range taps {
				sum += float64(v)
				if mirror := taps[len(taps)-1-i]; math.Abs(float64(v-mirror)) > 1e-6 {
					t.Fatalf("taps not symmetric at %d: %v vs %v", i, v, mirror)
				}
			}
			if math.Abs(sum-1) > 1e-3 {
				t.Fatalf("DC gain %v, expected 1", sum)
			}
		})
	}
}

func TestMakeLowPassRejectsBadParameters(t *testing.T) {
	tests := []struct {
		name                     string
		rate, cutoff, transition float64
	}{
		{"zero rate", 0, 1000, 100},
		{"cutoff above nyquist", 1000, 600, 100},
		{"zero transition", 1000, 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MakeLowPass(1, tt.rate, tt.cutoff, tt.transition, Hamming); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestBlackmanHarrisWindow(t *testing.T) {
	w, err := BlackmanHarrisWindow(65, 92)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if math.Abs(float64(w[32])-1) > 1e-3 {
		t.Fatalf("expected peak of 1 at center, got %v", w[32])
	}
	if w[0] > 1e-3 {
		t.Fatalf("expected edge near 0, got %v", w[0])
	}
	if _, err := BlackmanHarrisWindow(65, 50); err == nil {
		t.Fatalf("expected unsupported attenuation error")
	}
}

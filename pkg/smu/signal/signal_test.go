package signal

import (
	"math"
	"reflect"
	"testing"
)

func floatEqual(a, b, epsilon float32) bool {
	return math.Abs(float64(a-b)) <= float64(epsilon)
}

func sliceEqual(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range got {
		if !floatEqual(got[i], want[i], 1e-5) {
			t.Fatalf("sample %d = %v, want %v (got %v)", i, got[i], want[i], got)
		}
	}
}

func mustNew(t *testing.T, shape Shape, low, high, period float64, opts ...Option) *Generator {
	t.Helper()
	g, err := New(shape, low, high, period, opts...)
	if err != nil {
		t.Fatalf("new %s: %v", shape, err)
	}
	return g
}

func TestShapes(t *testing.T) {
	tests := []struct {
		name string
		gen  *Generator
		want []float32
	}{
		{"constant", NewConstant(1.5), []float32{1.5, 1.5, 1.5}},
		{"square", mustNew(t, Square, 0, 5, 4), []float32{5, 5, 0, 0, 5, 5, 0, 0}},
		{"square duty", mustNew(t, Square, 0, 1, 4, WithDuty(0.25)), []float32{1, 0, 0, 0, 1}},
		{"sawtooth", mustNew(t, Sawtooth, 0, 4, 4), []float32{0, 1, 2, 3, 0}},
		{"stairstep", mustNew(t, Stairstep, 0, 3, 4, WithSteps(4)), []float32{0, 1, 2, 3, 0}},
		{"triangle", mustNew(t, Triangle, 0, 2, 4), []float32{0, 1, 2, 1, 0}},
		{"sine", mustNew(t, Sine, -1, 1, 4), []float32{0, 1, 0, -1, 0}},
		{"phase", mustNew(t, Sawtooth, 0, 4, 4, WithPhase(2)), []float32{2, 3, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sliceEqual(t, tt.gen.Work(len(tt.want)), tt.want)
		})
	}
}

func TestContinuousAcrossCalls(t *testing.T) {
	a := mustNew(t, Sine, 0, 5, 37)
	b := mustNew(t, Sine, 0, 5, 37)

	whole := a.Work(100)
	var parts []float32
	for _, n := range []int{13, 50, 37} {
		parts = append(parts, b.Work(n)...)
	}
	if !reflect.DeepEqual(whole, parts) {
		t.Fatalf("chunked generation differs from one-shot generation")
	}
}

func TestNewRequiresPeriod(t *testing.T) {
	if _, err := New(Square, 0, 1, 0); err == nil {
		t.Fatalf("expected error for zero period")
	}
}

func TestParseShape(t *testing.T) {
	for i, name := range shapeNames {
		s, err := ParseShape(name)
		if err != nil || s != Shape(i) {
			t.Fatalf("ParseShape(%q) = %v, %v", name, s, err)
		}
	}
	if s, err := ParseShape("SINE"); err != nil || s != Sine {
		t.Fatalf("case-insensitive parse failed: %v %v", s, err)
	}
	if _, err := ParseShape("noise"); err == nil {
		t.Fatalf("expected error")
	}
}

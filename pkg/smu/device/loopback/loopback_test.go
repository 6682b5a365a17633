package loopback

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/norasector/smu/pkg/errorkinds"
	"github.com/norasector/smu/pkg/types"
)

type captureIO struct {
	mu       sync.Mutex
	setPoint float32
	pulls    int
	frames   []types.Frame
}

func (c *captureIO) Pull(dst []types.Frame) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pulls > 0 {
		return 0
	}
	c.pulls++
	for i := range dst {
		f := types.NewFrame(2)
		f[0].SetPoint = c.setPoint
		f[1].SetPoint = c.setPoint / 100
		dst[i] = f
	}
	return len(dst)
}

func (c *captureIO) Push(src []types.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, src...)
}

func (c *captureIO) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestScanAndUnplug(t *testing.T) {
	d := NewDriver(2)

	descs, err := d.Scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(descs) != 2 || descs[0].Serial != "LOOP0" || descs[1].Serial != "LOOP1" {
		t.Fatalf("unexpected descriptors %+v", descs)
	}

	d.Unplug("LOOP0")
	descs, _ = d.Scan()
	if len(descs) != 1 || descs[0].Serial != "LOOP1" {
		t.Fatalf("unexpected descriptors after unplug %+v", descs)
	}

	if _, err := d.Open(Descriptor("LOOP0")); err == nil {
		t.Fatalf("expected open of unplugged unit to fail")
	}

	d.Plug("LOOP0")
	if _, err := d.Open(Descriptor("LOOP0")); err != nil {
		t.Fatalf("open after replug: %v", err)
	}
}

func TestOpenTwice(t *testing.T) {
	d := NewDriver(1)
	dev, err := d.Open(Descriptor("LOOP0"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := d.Open(Descriptor("LOOP0")); err == nil {
		t.Fatalf("expected second open to fail")
	}
	dev.Close()
	if _, err := d.Open(Descriptor("LOOP0")); err != nil {
		t.Fatalf("open after close: %v", err)
	}
}

func TestStreamLoopsBack(t *testing.T) {
	d := NewDriver(1, WithNoise(0), WithLoad(50), WithPeriod(time.Millisecond))
	dev, err := d.Open(Descriptor("LOOP0"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := dev.Configure(0, types.ModeSourceVoltage); err != nil {
		t.Fatalf("configure A: %v", err)
	}
	if err := dev.Configure(1, types.ModeSourceCurrent); err != nil {
		t.Fatalf("configure B: %v", err)
	}
	if _, err := dev.SetSampleRate(10000); err != nil {
		t.Fatalf("rate: %v", err)
	}

	io := &captureIO{setPoint: 2}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- dev.Stream(ctx, io) }()

	deadline := time.Now().Add(2 * time.Second)
	for io.count() < 30 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	io.mu.Lock()
	defer io.mu.Unlock()
	if len(io.frames) < 30 {
		t.Fatalf("expected frames, got %d", len(io.frames))
	}

	// The last frames hold the set points pulled in the first chunk.
	last := io.frames[len(io.frames)-1]
	tests := []struct {
		name string
		got  float32
		want float64
	}{
		{"A voltage", last[0].Voltage, 2},
		{"A current", last[0].Current, 2.0 / 50},
		{"B current", last[1].Current, 0.02},
		{"B voltage", last[1].Voltage, 0.02 * 50},
	}
	for _, tt := range tests {
		if math.Abs(float64(tt.got)-tt.want) > 1e-6 {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestHighImpedanceMeasuresZero(t *testing.T) {
	d := NewDriver(1, WithNoise(0))
	dev, _ := d.Open(Descriptor("LOOP0"))
	ld := dev.(*Device)

	frames := ld.measure([]types.Frame{{{SetPoint: 3}, {SetPoint: 3}}}, 4)
	for i, f := range frames {
		if f[0].Voltage != 0 || f[0].Current != 0 || f[0].SetPoint != 0 {
			t.Fatalf("frame %d = %+v, want zeros", i, f)
		}
	}
}

func TestStreamUnplug(t *testing.T) {
	d := NewDriver(1, WithPeriod(time.Millisecond))
	dev, _ := d.Open(Descriptor("LOOP0"))

	errc := make(chan error, 1)
	go func() { errc <- dev.Stream(context.Background(), &captureIO{}) }()

	time.Sleep(5 * time.Millisecond)
	d.Unplug("LOOP0")

	select {
	case err := <-errc:
		if !errors.Is(err, errorkinds.ErrDisconnected) {
			t.Fatalf("expected disconnect, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("stream did not stop after unplug")
	}

	if err := dev.Configure(0, types.ModeSourceVoltage); !errors.Is(err, errorkinds.ErrDisconnected) {
		t.Fatalf("expected disconnect from configure, got %v", err)
	}
}

func TestLED(t *testing.T) {
	d := NewDriver(1)
	dev, _ := d.Open(Descriptor("LOOP0"))
	ld := dev.(*Device)
	if err := ld.SetLED(0xff); err != nil {
		t.Fatalf("set led: %v", err)
	}
	if ld.LED() != 0x07 {
		t.Fatalf("led mask = %#x", ld.LED())
	}
}

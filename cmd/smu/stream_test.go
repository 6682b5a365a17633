package main

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/norasector/smu/pkg/smu"
	"github.com/norasector/smu/pkg/smu/config"
	"github.com/norasector/smu/pkg/smu/device/file"
	"github.com/norasector/smu/pkg/smu/device/loopback"
	"github.com/norasector/smu/pkg/smu/output"
	"github.com/norasector/smu/pkg/types"
)

type collectOutput struct {
	recv   chan *output.Batch
	mu     sync.Mutex
	frames []types.Frame
	starts []uint64
}

func newCollectOutput() *collectOutput {
	return &collectOutput{recv: make(chan *output.Batch, 1)}
}

func (c *collectOutput) Receive() chan<- *output.Batch { return c.recv }

func (c *collectOutput) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-c.recv:
			c.mu.Lock()
			c.frames = append(c.frames, b.Frames...)
			c.starts = append(c.starts, b.Start)
			c.mu.Unlock()
		}
	}
}

func TestPumpStreamsConfiguredWaveform(t *testing.T) {
	cfg, err := config.Parse([]byte(`
device: loopback
sample_rate: 10000
channels:
  - mode: svmi
    waveform:
      low: 2
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	m, err := smu.NewManager(loopback.NewDriver(1, loopback.WithPeriod(time.Millisecond), loopback.WithNoise(0)))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()

	sess, err := m.Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	gens, err := configureChannels(sess, cfg)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if sess.SampleRate() != 10000 {
		t.Fatalf("sample rate %d", sess.SampleRate())
	}

	location := filepath.Join(t.TempDir(), "capture.smu")
	recorder, err := file.NewRecorder(location, 2, 10000)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}

	out := newCollectOutput()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go out.Start(ctx)

	p := &pump{sess: sess, gens: gens, outputs: []output.FrameOutput{out}, recorder: recorder, count: 500}
	if err := p.run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}
	if p.start != 500 {
		t.Fatalf("pumped %d frames, want 500", p.start)
	}
	if sess.State() != smu.StateConfigured {
		t.Fatalf("state = %s", sess.State())
	}
	waitDrained([]output.FrameOutput{out})

	var got []types.Frame
	deadline := time.Now().Add(time.Second)
	for {
		out.mu.Lock()
		got = append(got[:0], out.frames...)
		out.mu.Unlock()
		if len(got) == 500 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(got) != 500 {
		t.Fatalf("collected %d frames", len(got))
	}
	out.mu.Lock()
	first := out.starts[0]
	out.mu.Unlock()
	if first != 0 {
		t.Fatalf("first batch starts at %d", first)
	}

	last := got[len(got)-1][0]
	if math.Abs(float64(last.Voltage)-2) > 0.01 || math.Abs(float64(last.Current)-0.02) > 0.001 {
		t.Fatalf("unexpected measurement %+v", last)
	}
	if recorder.Frames() != 500 {
		t.Fatalf("recorded %d frames", recorder.Frames())
	}
}

func TestConfigureChannelsRejectsExtraChannels(t *testing.T) {
	m, err := smu.NewManager(loopback.NewDriver(1))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Close()
	sess, _ := m.Open("LOOP0")

	cfg := config.Default()
	cfg.Channels = make([]config.Channel, 3)
	if _, err := configureChannels(sess, cfg); err == nil {
		t.Fatalf("expected error for three channels on a two channel unit")
	}
}

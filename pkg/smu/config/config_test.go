package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/smu/pkg/types"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smu.yaml")

	data := `
device: loopback
sample_rate: 50000
channels:
  - mode: svmi
    waveform:
      shape: sine
      low: 0
      high: 5
      period: 100
  - mode: hi_z
output_destinations:
  - host: localhost
    port: 9999
hotplug_interval: 250ms
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Device != DeviceLoopback || cfg.SampleRate != 50000 {
		t.Fatalf("unexpected device settings %+v", cfg)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0].Mode != types.ModeSourceVoltage || cfg.Channels[1].Mode != types.ModeHighImpedance {
		t.Fatalf("unexpected channels %+v", cfg.Channels)
	}
	if cfg.HotplugInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms hotplug interval, got %s", cfg.HotplugInterval)
	}
	if cfg.InputQueue != 100_000 || cfg.OutputQueue != 100_000 {
		t.Fatalf("expected default queue sizes, got %d/%d", cfg.InputQueue, cfg.OutputQueue)
	}
	if cfg.StatsInterval != time.Second {
		t.Fatalf("expected default stats interval, got %s", cfg.StatsInterval)
	}
	if cfg.Loopback.Units != 1 || cfg.Loopback.Load != 100 {
		t.Fatalf("unexpected loopback defaults %+v", cfg.Loopback)
	}

	gen, err := cfg.Channels[0].Waveform.Generator()
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	if v := gen.Next(); v < 2.49 || v > 2.51 {
		t.Fatalf("sine should start at mid scale, got %v", v)
	}
}

func TestPlaybackSelectsFileDevice(t *testing.T) {
	cfg, err := Parse([]byte("device: m1000\nplayback_location: capture.smu\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Device != DeviceFile {
		t.Fatalf("expected file device, got %s", cfg.Device)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Device != DeviceM1000 {
		t.Fatalf("expected m1000 default, got %s", cfg.Device)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown device", "device: hackrf\n"},
		{"bad mode", "channels:\n  - mode: bogus\n"},
		{"bad waveform", "channels:\n  - mode: svmi\n    waveform:\n      shape: noise\n"},
		{"periodless square", "channels:\n  - mode: svmi\n    waveform:\n      shape: square\n"},
		{"bad destination", "output_destinations:\n  - host: localhost\n    port: 0\n"},
		{"negative rate", "sample_rate: -1\n"},
		{"record over playback", "playback_location: a.smu\nrecord_location: a.smu\n"},
		{"malformed", "device: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

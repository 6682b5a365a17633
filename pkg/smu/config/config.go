package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/norasector/smu/pkg/smu/signal"
	"github.com/norasector/smu/pkg/types"
)

const (
	DeviceM1000    = "m1000"
	DeviceLoopback = "loopback"
	DeviceFile     = "file"
)

type Config struct {
	Device             string              `yaml:"device"`
	Serial             string              `yaml:"serial"`
	SampleRate         int                 `yaml:"sample_rate"`
	Channels           []Channel           `yaml:"channels"`
	InputQueue         int                 `yaml:"input_queue"`
	OutputQueue        int                 `yaml:"output_queue"`
	HotplugInterval    time.Duration       `yaml:"hotplug_interval"`
	StatsInterval      time.Duration       `yaml:"stats_interval"`
	OutputDestinations []OutputDestination `yaml:"output_destinations"`
	RecordLocation     string              `yaml:"record_location"`
	PlaybackLocation   string              `yaml:"playback_location"`
	PlaybackLoop       bool                `yaml:"playback_loop"`
	Loopback           LoopbackConfig      `yaml:"loopback"`
	VizServer          struct {
		Port           int           `yaml:"port"`
		UpdateInterval time.Duration `yaml:"update_interval"`
	} `yaml:"viz_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Channel is the acquisition setup of one channel, by index.
type Channel struct {
	Mode     types.Mode `yaml:"mode"`
	Waveform Waveform   `yaml:"waveform"`
}

// Waveform describes the set points sourced on a channel. Period and phase
// are in samples.
type Waveform struct {
	Shape  string  `yaml:"shape"`
	Low    float64 `yaml:"low"`
	High   float64 `yaml:"high"`
	Period float64 `yaml:"period"`
	Phase  float64 `yaml:"phase"`
	Duty   float64 `yaml:"duty"`
}

type LoopbackConfig struct {
	Units int     `yaml:"units"`
	Load  float64 `yaml:"load_ohms"`
	Noise float64 `yaml:"noise"`
}

// Generator builds the signal generator for the waveform. An empty shape is a
// constant at Low.
func (w Waveform) Generator() (*signal.Generator, error) {
	if w.Shape == "" {
		return signal.NewConstant(w.Low), nil
	}
	shape, err := signal.ParseShape(w.Shape)
	if err != nil {
		return nil, err
	}
	if shape == signal.Constant {
		return signal.NewConstant(w.Low), nil
	}

	opts := []signal.Option{signal.WithPhase(w.Phase)}
	if w.Duty > 0 {
		opts = append(opts, signal.WithDuty(w.Duty))
	}
	return signal.New(shape, w.Low, w.High, w.Period, opts...)
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.PlaybackLocation != "" {
		c.Device = DeviceFile
	}
	if c.Device == "" {
		c.Device = DeviceM1000
	}
	if c.InputQueue == 0 {
		c.InputQueue = 100_000
	}
	if c.OutputQueue == 0 {
		c.OutputQueue = 100_000
	}
	if c.HotplugInterval == 0 {
		c.HotplugInterval = 500 * time.Millisecond
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = time.Second
	}
	if c.Loopback.Units == 0 {
		c.Loopback.Units = 1
	}
	if c.Loopback.Load == 0 {
		c.Loopback.Load = 100
	}
	if c.VizServer.Port == 0 {
		c.VizServer.Port = 8080
	}
	if c.VizServer.UpdateInterval == 0 {
		c.VizServer.UpdateInterval = time.Second
	}
}

func (c *Config) validate() error {
	switch c.Device {
	case DeviceM1000, DeviceLoopback, DeviceFile:
	default:
		return fmt.Errorf("device must be one of %s, %s, %s; got %q", DeviceM1000, DeviceLoopback, DeviceFile, c.Device)
	}
	if c.SampleRate < 0 {
		return fmt.Errorf("sample_rate must not be negative")
	}
	if c.InputQueue < 0 || c.OutputQueue < 0 {
		return fmt.Errorf("queue sizes must not be negative")
	}
	for i, ch := range c.Channels {
		if !ch.Mode.Valid() {
			return fmt.Errorf("channels[%d]: invalid mode %s", i, ch.Mode)
		}
		if _, err := ch.Waveform.Generator(); err != nil {
			return fmt.Errorf("channels[%d].waveform: %w", i, err)
		}
	}
	for i, d := range c.OutputDestinations {
		if d.Host == "" || d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("output_destinations[%d]: invalid destination %s:%d", i, d.Host, d.Port)
		}
	}
	if c.Device == DeviceFile && c.PlaybackLocation == "" {
		return fmt.Errorf("playback_location is required for the file device")
	}
	if c.RecordLocation != "" && c.RecordLocation == c.PlaybackLocation {
		return fmt.Errorf("record_location and playback_location must differ")
	}
	return nil
}

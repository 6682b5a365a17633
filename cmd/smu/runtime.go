package main

import (
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog/log"

	"github.com/norasector/smu/pkg/smu"
	"github.com/norasector/smu/pkg/smu/config"
	"github.com/norasector/smu/pkg/smu/device"
	"github.com/norasector/smu/pkg/smu/device/file"
	"github.com/norasector/smu/pkg/smu/device/loopback"
	"github.com/norasector/smu/pkg/smu/device/m1000"
	"github.com/norasector/smu/pkg/util"
)

const replayPeriod = 10 * time.Millisecond

func loadConfig() (*config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	return config.Load(opts.Config)
}

func newDriver(cfg *config.Config) (device.Driver, error) {
	switch cfg.Device {
	case config.DeviceM1000:
		log.Info().Str("device", "m1000").Msg("initializing driver...")
		return m1000.NewDriver(), nil
	case config.DeviceLoopback:
		log.Info().Str("device", "loopback").Int("units", cfg.Loopback.Units).Msg("initializing driver...")
		return loopback.NewDriver(cfg.Loopback.Units,
			loopback.WithLoad(cfg.Loopback.Load),
			loopback.WithNoise(cfg.Loopback.Noise)), nil
	case config.DeviceFile:
		log.Info().Str("device", "file").Str("location", cfg.PlaybackLocation).Msg("initializing driver...")
		return file.NewDriver([]string{cfg.PlaybackLocation}, replayPeriod, cfg.PlaybackLoop), nil
	default:
		return nil, errors.New("unknown device " + cfg.Device)
	}
}

// newWriteAPI returns a no-op writer unless an InfluxDB host is configured.
// The returned func flushes and closes the client.
func newWriteAPI(cfg *config.Config) (api.WriteAPI, func()) {
	if cfg.InfluxDB.Host == "" {
		return &util.NopWriteAPI{}, func() {}
	}
	client := influxdb2.NewClient(cfg.InfluxDB.Host, "")
	writeAPI := client.WriteAPI(cfg.InfluxDB.Organization, cfg.InfluxDB.Bucket)
	return writeAPI, func() {
		writeAPI.Flush()
		client.Close()
	}
}

func newManager(cfg *config.Config, writeAPI api.WriteAPI) (*smu.Manager, error) {
	driver, err := newDriver(cfg)
	if err != nil {
		return nil, err
	}
	return smu.NewManager(driver,
		smu.WithLogger(log.Logger),
		smu.WithInfluxDB(writeAPI),
		smu.WithHotplugInterval(cfg.HotplugInterval))
}

func sessionOptions(cfg *config.Config) []smu.SessionOption {
	return []smu.SessionOption{
		smu.WithQueueCapacity(cfg.InputQueue, cfg.OutputQueue),
		smu.WithStatsInterval(cfg.StatsInterval),
	}
}

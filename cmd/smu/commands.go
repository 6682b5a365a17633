package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/smu/pkg/dsp/viz"
	"github.com/norasector/smu/pkg/errorkinds"
	"github.com/norasector/smu/pkg/serde"
	"github.com/norasector/smu/pkg/smu"
	"github.com/norasector/smu/pkg/smu/calibration"
	"github.com/norasector/smu/pkg/smu/config"
	"github.com/norasector/smu/pkg/smu/device/m1000"
	"github.com/norasector/smu/pkg/smu/firmware"
	"github.com/norasector/smu/pkg/types"
	"github.com/norasector/smu/pkg/util"
)

func newRegistry(m *smu.Manager) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(smu.NewCollector(m), collectors.NewGoCollector())
	return reg
}

func printJSON(v interface{}) error {
	data, err := serde.MarshalJSON(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

type listCommand struct {
	JSON bool `long:"json" description:"Print descriptors as JSON"`
}

func (c *listCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := newManager(cfg, &util.NopWriteAPI{})
	if err != nil {
		return err
	}
	defer m.Close()

	descs, err := m.Scan()
	if err != nil {
		return err
	}
	if c.JSON {
		if descs == nil {
			descs = []types.Descriptor{}
		}
		return printJSON(descs)
	}

	if len(descs) == 0 {
		log.Warn().Str("device", cfg.Device).Msg("no units attached")
		return nil
	}
	for _, d := range descs {
		fmt.Printf("%s\t%d channels\t%d-%d Hz\n", d, d.Channels, d.MinRate, d.MaxRate)
	}
	return nil
}

type hotplugEvent struct {
	Kind   string           `json:"kind"`
	At     time.Time        `json:"at"`
	Device types.Descriptor `json:"device"`
}

type hotplugCommand struct {
	JSON bool `long:"json" description:"Print events as JSON"`
}

func (c *hotplugCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := newManager(cfg, &util.NopWriteAPI{})
	if err != nil {
		return err
	}
	defer m.Close()

	sub := m.Subscribe()
	defer sub.Cancel()

	ctx, stop := signalContext()
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return m.Watch(ctx)
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sub.C:
				if !ok {
					return nil
				}
				if c.JSON {
					if err := printJSON(hotplugEvent{Kind: ev.Kind.String(), At: ev.At, Device: ev.Descriptor}); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s\t%s\t%s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.Descriptor)
			}
		}
	})
	return eg.Wait()
}

type calibrateCommand struct {
	Read  bool   `long:"read" description:"Print the calibration table of the unit"`
	Write string `long:"write" description:"Parse a calibration file and store it on the unit" value-name:"FILE"`
	JSON  bool   `long:"json" description:"Print the table as JSON"`
}

func (c *calibrateCommand) Execute(args []string) error {
	if c.Read == (c.Write != "") {
		return errors.New("exactly one of --read or --write is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := newManager(cfg, &util.NopWriteAPI{})
	if err != nil {
		return err
	}
	defer m.Close()

	sess, err := m.Open(cfg.Serial)
	if err != nil {
		return err
	}
	defer sess.Close()

	if c.Write != "" {
		f, err := os.Open(c.Write)
		if err != nil {
			return err
		}
		defer f.Close()

		table, err := calibration.Parse(f)
		if err != nil {
			return errorkinds.Wrap(err, errorkinds.ErrInvalidConfiguration, "calibrate", "error parsing "+c.Write)
		}
		if err := sess.WriteCalibration(table); err != nil {
			return err
		}
		log.Info().Str("serial", sess.Descriptor().Serial).Str("file", c.Write).Msg("calibration written")
		return nil
	}

	table, err := sess.Calibration()
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(table)
	}
	for ch, entries := range table.Channels {
		for q, e := range entries {
			fmt.Printf("%s\t%-9s\toffset %+.6f\tgain+ %.6f\tgain- %.6f\n",
				types.ChannelName(ch), calibration.Quantity(q), e.Offset, e.GainPos, e.GainNeg)
		}
	}
	return nil
}

type flashCommand struct {
	Wait time.Duration `long:"wait" default:"10s" description:"How long to wait for the SAM-BA monitor to enumerate"`
	Args struct {
		Image string `positional-arg-name:"IMAGE" description:"Firmware binary"`
	} `positional-args:"yes" required:"yes"`
}

func (c *flashCommand) Execute(args []string) error {
	image, err := os.ReadFile(c.Args.Image)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Device != config.DeviceM1000 {
		return fmt.Errorf("flashing needs the %s device, config selects %s", config.DeviceM1000, cfg.Device)
	}

	driver := m1000.NewDriver()
	m, err := smu.NewManager(driver, smu.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signalContext()
	defer stop()

	sess, err := m.Open(cfg.Serial)
	switch {
	case err == nil:
		if err := sess.EnterBootloader(); err != nil {
			return err
		}
	case errors.Is(err, errorkinds.ErrDeviceUnavailable):
		log.Warn().Err(err).Msg("no unit in normal mode, looking for one already in SAM-BA")
	default:
		return err
	}

	port, err := driver.OpenSAMBA(ctx, c.Wait)
	if err != nil {
		return err
	}
	defer port.Close()

	flasher := firmware.NewFlasher(port,
		firmware.WithLogger(log.Logger),
		firmware.WithProgress(func(p firmware.Progress) {
			if p.Page%64 == 0 || p.Page == p.Pages {
				log.Info().Int("page", p.Page).Int("pages", p.Pages).Msg("flashing")
			}
		}))
	if err := flasher.Flash(ctx, image); err != nil {
		return err
	}
	log.Info().Str("image", c.Args.Image).Int("bytes", len(image)).Msg("firmware written, unit is rebooting")
	return nil
}

type diagCommand struct{}

func (c *diagCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	writeAPI, closeWriteAPI := newWriteAPI(cfg)
	defer closeWriteAPI()

	m, err := newManager(cfg, writeAPI)
	if err != nil {
		return err
	}
	defer m.Close()

	server := viz.NewServer(cfg.VizServer.Port, cfg.VizServer.UpdateInterval,
		viz.WithInventory(m),
		viz.WithGatherer(newRegistry(m)),
		viz.WithLogger(log.Logger))

	ctx, stop := signalContext()
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return m.Watch(ctx)
	})
	eg.Go(func() error {
		return server.Run(ctx)
	})
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type versionCommand struct{}

func (c *versionCommand) Execute(args []string) error {
	fmt.Println("smu", smu.Version)
	return nil
}

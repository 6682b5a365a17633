package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/smu/pkg/dsp/viz"
	"github.com/norasector/smu/pkg/smu"
	"github.com/norasector/smu/pkg/smu/config"
	"github.com/norasector/smu/pkg/smu/device/file"
	"github.com/norasector/smu/pkg/smu/output"
	"github.com/norasector/smu/pkg/smu/signal"
	"github.com/norasector/smu/pkg/types"
)

const (
	pumpInterval = 10 * time.Millisecond
	drainTimeout = time.Second
)

type streamCommand struct {
	Count  int     `short:"n" long:"count" description:"Stop after this many frames; 0 streams until interrupted"`
	UDP    bool    `long:"udp" description:"Send frames to the configured output destinations"`
	Quiet  bool    `short:"q" long:"quiet" description:"Do not print frames"`
	Viz    bool    `long:"viz" description:"Serve live plots on the configured viz port"`
	Smooth float64 `long:"smooth" description:"Low-pass cutoff in Hz applied to plotted traces" value-name:"HZ"`
}

func (c *streamCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if c.UDP && len(cfg.OutputDestinations) == 0 {
		return errors.New("--udp needs output_destinations in the config")
	}

	writeAPI, closeWriteAPI := newWriteAPI(cfg)
	defer closeWriteAPI()

	m, err := newManager(cfg, writeAPI)
	if err != nil {
		return err
	}
	defer m.Close()

	sess, err := m.Open(cfg.Serial, sessionOptions(cfg)...)
	if err != nil {
		return err
	}
	defer sess.Close()

	gens, err := configureChannels(sess, cfg)
	if err != nil {
		return err
	}
	desc := sess.Descriptor()
	rate := sess.SampleRate()

	ctx, stop := signalContext()
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)
	outCtx, stopOutputs := context.WithCancel(ctx)
	defer stopOutputs()

	var outputs []output.FrameOutput
	if !c.Quiet {
		outputs = append(outputs, output.NewTextOutput(os.Stdout, true))
	}
	if c.UDP {
		outputs = append(outputs, output.NewUDPOutput(cfg.OutputDestinations, writeAPI))
	}
	if c.Viz {
		server := viz.NewServer(cfg.VizServer.Port, cfg.VizServer.UpdateInterval,
			viz.WithInventory(m),
			viz.WithGatherer(newRegistry(m)),
			viz.WithLogger(log.Logger))
		tap, err := viz.NewTap(server, desc, rate, viz.WithSmoothing(c.Smooth))
		if err != nil {
			return err
		}
		outputs = append(outputs, tap)
		eg.Go(func() error {
			return server.Run(outCtx)
		})
	}

	var recorder *file.Recorder
	if cfg.RecordLocation != "" {
		recorder, err = file.NewRecorder(cfg.RecordLocation, desc.Channels, rate)
		if err != nil {
			return err
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				log.Error().Err(err).Str("location", cfg.RecordLocation).Msg("error closing recording")
				return
			}
			log.Info().Str("location", cfg.RecordLocation).Int64("frames", recorder.Frames()).Msg("recording closed")
		}()
	}

	for _, out := range outputs {
		out := out
		eg.Go(func() error {
			return out.Start(outCtx)
		})
	}

	eg.Go(func() error {
		p := &pump{sess: sess, gens: gens, outputs: outputs, recorder: recorder, count: c.Count}
		err := p.run(ctx)
		waitDrained(outputs)
		stopOutputs()
		log.Info().Uint64("frames", p.start).Interface("stats", sess.Stats()).Msg("stream finished")
		return err
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// configureChannels applies the configured modes and sample rate and returns
// one set point generator per device channel.
func configureChannels(sess *smu.Session, cfg *config.Config) ([]*signal.Generator, error) {
	desc := sess.Descriptor()
	if len(cfg.Channels) > desc.Channels {
		return nil, fmt.Errorf("config has %d channels, %s has %d", len(cfg.Channels), desc.Serial, desc.Channels)
	}

	gens := make([]*signal.Generator, desc.Channels)
	for ch := range gens {
		gens[ch] = signal.NewConstant(0)
	}

	if len(cfg.Channels) == 0 && cfg.SampleRate > 0 {
		if err := sess.Configure(0, types.ModeHighImpedance, cfg.SampleRate); err != nil {
			return nil, err
		}
	}
	for ch, c := range cfg.Channels {
		if err := sess.Configure(ch, c.Mode, cfg.SampleRate); err != nil {
			return nil, err
		}
		g, err := c.Waveform.Generator()
		if err != nil {
			return nil, err
		}
		gens[ch] = g
	}
	return gens, nil
}

// pump keeps the output queue of a session topped up with generated set
// points and hands measured frames to every output.
type pump struct {
	sess     *smu.Session
	gens     []*signal.Generator
	outputs  []output.FrameOutput
	recorder *file.Recorder
	count    int

	pending []types.Frame
	start   uint64
}

func (p *pump) setPoints(n int) []types.Frame {
	points := make([][]float32, len(p.gens))
	for ch, g := range p.gens {
		points[ch] = g.Work(n)
	}
	return types.SetPoints(len(p.gens), points...)
}

func (p *pump) run(ctx context.Context) error {
	if err := p.sess.StartStreaming(ctx); err != nil {
		return err
	}
	defer p.sess.StopStreaming()

	desc := p.sess.Descriptor()
	rate := p.sess.SampleRate()
	chunk := rate / int(time.Second/pumpInterval)
	if chunk < 1 {
		chunk = 1
	}

	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()

	for {
		if len(p.pending) == 0 {
			p.pending = p.setPoints(chunk)
		}
		n, err := p.sess.WriteSamples(p.pending)
		if err != nil {
			return err
		}
		p.pending = p.pending[n:]

		max := 0
		if p.count > 0 {
			max = p.count - int(p.start)
		}
		frames, err := p.sess.ReadSamples(max)
		if err != nil {
			return err
		}
		if len(frames) > 0 {
			if err := p.deliver(ctx, &output.Batch{Serial: desc.Serial, SampleRate: rate, Start: p.start, Frames: frames}); err != nil {
				return err
			}
			if p.count > 0 && int(p.start) >= p.count {
				return nil
			}
		} else if p.sess.State() != smu.StateStreaming {
			// the replay ended or the unit went away
			return p.sess.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.sess.Available():
		case <-ticker.C:
		}
	}
}

func (p *pump) deliver(ctx context.Context, b *output.Batch) error {
	p.start += uint64(len(b.Frames))
	if p.recorder != nil {
		if err := p.recorder.Write(b.Frames); err != nil {
			return err
		}
	}
	for _, out := range p.outputs {
		select {
		case out.Receive() <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// waitDrained gives outputs a moment to consume queued batches.
func waitDrained(outputs []output.FrameOutput) {
	deadline := time.Now().Add(drainTimeout)
	for _, out := range outputs {
		for len(out.Receive()) > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
}

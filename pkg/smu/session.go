package smu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/smu/pkg/errorkinds"
	"github.com/norasector/smu/pkg/smu/calibration"
	"github.com/norasector/smu/pkg/smu/device"
	"github.com/norasector/smu/pkg/types"
)

type State int

const (
	StateClosed State = iota
	StateConfigured
	StateStreaming
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var errStreamEnded = errors.New("stream ended")

// Stats are the running counters of a session.
type Stats struct {
	FramesIn     int64 `json:"frames_in"`
	FramesOut    int64 `json:"frames_out"`
	Overflows    int64 `json:"overflows"`
	Underruns    int64 `json:"underruns"`
	InputQueued  int   `json:"input_queued"`
	OutputQueued int   `json:"output_queued"`
	InputCap     int   `json:"input_capacity"`
	OutputCap    int   `json:"output_capacity"`
}

// Session is a claimed, stateful handle on one device. Its read and write
// methods never block; a background transfer loop moves frames between the
// device and the session queues while streaming.
type Session struct {
	id     string
	desc   types.Descriptor
	dev    device.Device
	logger zerolog.Logger

	writeAPI      api.WriteAPI
	statsInterval time.Duration

	in  *frameQueue
	out *frameQueue

	// avail is signalled whenever measured frames are queued.
	avail chan struct{}

	framesIn  *xsync.Counter
	framesOut *xsync.Counter
	overflows *xsync.Counter
	underruns *xsync.Counter
	sourcing  atomic.Bool

	mu         sync.Mutex
	state      State
	err        error
	streamErr  error
	configs    []types.ChannelConfig
	sampleRate int
	cancel     context.CancelFunc
	done       chan struct{}

	release     func()
	releaseOnce sync.Once
	closeOnce   sync.Once
}

func newSession(id string, dev device.Device, logger zerolog.Logger, writeAPI api.WriteAPI, release func(), opts ...SessionOption) *Session {
	desc := dev.Descriptor()
	s := &Session{
		id:            id,
		desc:          desc,
		dev:           dev,
		logger:        logger.With().Str("serial", desc.Serial).Str("session_id", id).Logger(),
		writeAPI:      writeAPI,
		statsInterval: DefaultStatsInterval,
		in:            newFrameQueue(DefaultQueueCapacity),
		out:           newFrameQueue(DefaultQueueCapacity),
		avail:         make(chan struct{}, 1),
		framesIn:      xsync.NewCounter(),
		framesOut:     xsync.NewCounter(),
		overflows:     xsync.NewCounter(),
		underruns:     xsync.NewCounter(),
		state:         StateConfigured,
		configs:       make([]types.ChannelConfig, desc.Channels),
		sampleRate:    desc.DefaultRate,
		release:       release,
	}
	for i := range s.configs {
		s.configs[i] = types.ChannelConfig{Mode: types.ModeHighImpedance, SampleRate: desc.DefaultRate}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Descriptor() types.Descriptor { return s.desc }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that moved the session to StateDisconnected.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Config returns the current configuration of a channel.
func (s *Session) Config(channel int) (types.ChannelConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel < 0 || channel >= len(s.configs) {
		return types.ChannelConfig{}, false
	}
	return s.configs[channel], true
}

// SampleRate is shared by every channel of the device.
func (s *Session) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// ChannelInfo is the JSON view of one channel's configuration.
type ChannelInfo struct {
	Channel string `json:"channel"`
	Mode    string `json:"mode"`
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID         string           `json:"id"`
	Device     types.Descriptor `json:"device"`
	State      string           `json:"state"`
	SampleRate int              `json:"sample_rate"`
	Channels   []ChannelInfo    `json:"channels"`
	Stats      Stats            `json:"stats"`
	Error      string           `json:"error,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:         s.id,
		Device:     s.desc,
		State:      s.state.String(),
		SampleRate: s.sampleRate,
		Channels:   make([]ChannelInfo, len(s.configs)),
	}
	for ch, cfg := range s.configs {
		info.Channels[ch] = ChannelInfo{Channel: types.ChannelName(ch), Mode: cfg.Mode.String()}
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	s.mu.Unlock()

	info.Stats = s.Stats()
	return info
}

// usableLocked reports state violations common to every operation.
func (s *Session) usableLocked(op string) error {
	switch s.state {
	case StateDisconnected:
		return errorkinds.Wrap(s.err, errorkinds.ErrDisconnected, op, "device was disconnected")
	case StateClosed:
		return errorkinds.New(errorkinds.ErrDeviceBusy, op, "session is closed")
	}
	return nil
}

// Configure sets the mode of one channel and the session sample rate. A zero
// rate keeps the current one. It must be called while not streaming.
func (s *Session) Configure(channel int, mode types.Mode, sampleRate int) error {
	const op = "configure"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(op); err != nil {
		return err
	}
	if s.state == StateStreaming {
		return errorkinds.New(errorkinds.ErrDeviceBusy, op, "cannot configure while streaming")
	}
	if channel < 0 || channel >= s.desc.Channels {
		return errorkinds.New(errorkinds.ErrInvalidConfiguration, op,
			fmt.Sprintf("channel %d out of range [0, %d)", channel, s.desc.Channels))
	}
	if !mode.Valid() {
		return errorkinds.New(errorkinds.ErrInvalidConfiguration, op, fmt.Sprintf("unsupported mode %s", mode))
	}
	if sampleRate == 0 {
		sampleRate = s.sampleRate
	}
	if sampleRate < s.desc.MinRate || sampleRate > s.desc.MaxRate {
		return errorkinds.New(errorkinds.ErrInvalidConfiguration, op,
			fmt.Sprintf("sample rate %d outside [%d, %d]", sampleRate, s.desc.MinRate, s.desc.MaxRate))
	}

	if err := s.dev.Configure(channel, mode); err != nil {
		return s.deviceErrorLocked(err, op, errorkinds.ErrInvalidConfiguration)
	}

	if sampleRate != s.sampleRate {
		actual, err := s.dev.SetSampleRate(sampleRate)
		if err != nil {
			return s.deviceErrorLocked(err, op, errorkinds.ErrInvalidConfiguration)
		}
		s.sampleRate = actual
	}

	s.configs[channel].Mode = mode
	sourcing := false
	for i := range s.configs {
		s.configs[i].SampleRate = s.sampleRate
		if s.configs[i].Mode.Sourcing() {
			sourcing = true
		}
	}
	s.sourcing.Store(sourcing)

	s.logger.Debug().
		Str("channel", types.ChannelName(channel)).
		Str("mode", mode.String()).
		Int("sample_rate", s.sampleRate).
		Msg("channel configured")

	return nil
}

// deviceErrorLocked classifies an error returned by the device. Disconnects
// move the session to its terminal state and release the claim; a running
// stream releases it when its loop exits.
func (s *Session) deviceErrorLocked(err error, op string, fallback error) error {
	if errors.Is(err, errorkinds.ErrDisconnected) {
		streaming := s.state == StateStreaming
		s.markDisconnectedLocked(err)
		if !streaming {
			s.releaseDevice()
		}
		return err
	}
	if errorkinds.Kind(err) != "" {
		return err
	}
	return errorkinds.Wrap(err, fallback, op, "device rejected the request")
}

// StartStreaming starts the background transfer loop. Cancelling ctx stops
// the stream as StopStreaming would.
func (s *Session) StartStreaming(ctx context.Context) error {
	const op = "start-streaming"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(op); err != nil {
		return err
	}
	if s.state == StateStreaming {
		return errorkinds.New(errorkinds.ErrDeviceBusy, op, "already streaming")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.streamErr = nil
	s.state = StateStreaming

	go s.run(streamCtx, s.done)

	s.logger.Info().Int("sample_rate", s.sampleRate).Msg("streaming started")
	return nil
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := s.dev.Stream(ctx, sessionIO{s})
		if err == nil {
			err = errStreamEnded
		}
		return err
	})
	eg.Go(func() error {
		return s.reportStats(ctx)
	})

	s.streamEnded(eg.Wait())
}

func (s *Session) streamEnded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, errorkinds.ErrDisconnected):
		s.markDisconnectedLocked(err)
	case errors.Is(err, context.Canceled), errors.Is(err, errStreamEnded), err == nil:
	default:
		s.streamErr = err
		s.logger.Error().Err(err).Msg("stream failed")
	}

	if s.state == StateStreaming {
		s.state = StateConfigured
	}
	if s.state == StateDisconnected {
		s.releaseDevice()
	}
	s.logger.Info().Str("state", s.state.String()).Msg("streaming stopped")
}

func (s *Session) markDisconnectedLocked(err error) {
	if s.state == StateDisconnected || s.state == StateClosed {
		return
	}
	if !errors.Is(err, errorkinds.ErrDisconnected) {
		err = errorkinds.Wrap(err, errorkinds.ErrDisconnected, "disconnect", "device was disconnected")
	}
	s.state = StateDisconnected
	s.err = err
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Warn().Err(err).Msg("device disconnected")
}

// disconnect is called by the manager when the device disappears from a scan.
func (s *Session) disconnect(err error) {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.markDisconnectedLocked(err)
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	s.releaseDevice()
}

// StopStreaming stops the transfer loop and returns the session to
// StateConfigured. Queued frames are kept.
func (s *Session) StopStreaming() error {
	const op = "stop-streaming"

	s.mu.Lock()
	if err := s.usableLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != StateStreaming {
		s.mu.Unlock()
		return errorkinds.New(errorkinds.ErrDeviceBusy, op, "not streaming")
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return errorkinds.Wrap(s.err, errorkinds.ErrDisconnected, op, "device was disconnected")
	}
	return s.streamErr
}

// WriteSamples queues set points without blocking. It returns how many frames
// were accepted; fewer than len(frames) means the output queue is full.
func (s *Session) WriteSamples(frames []types.Frame) (int, error) {
	const op = "write-samples"

	s.mu.Lock()
	err := s.usableLocked(op)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for i, f := range frames {
		if len(f) != s.desc.Channels {
			n := s.out.Offer(frames[:i])
			return n, errorkinds.New(errorkinds.ErrInvalidConfiguration, op,
				fmt.Sprintf("frame %d has %d channels, device has %d", i, len(f), s.desc.Channels))
		}
	}
	return s.out.Offer(frames), nil
}

// ReadSamples drains up to max measured frames (all queued frames when
// max <= 0). It returns nil when nothing is available.
func (s *Session) ReadSamples(max int) ([]types.Frame, error) {
	s.mu.Lock()
	err := s.usableLocked("read-samples")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.in.Drain(max), nil
}

// Available is signalled after measured frames are queued. Readers select on
// it between ReadSamples calls instead of polling.
func (s *Session) Available() <-chan struct{} {
	return s.avail
}

// Run streams until n measured frames were collected and returns them.
func (s *Session) Run(ctx context.Context, n int) ([]types.Frame, error) {
	if n <= 0 {
		return nil, errorkinds.New(errorkinds.ErrInvalidConfiguration, "run", "frame count must be positive")
	}
	if err := s.StartStreaming(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	out := make([]types.Frame, 0, n)
	for {
		frames, err := s.ReadSamples(n - len(out))
		if err != nil {
			_ = s.StopStreaming()
			return out, err
		}
		out = append(out, frames...)
		if len(out) >= n {
			return out, s.StopStreaming()
		}

		select {
		case <-ctx.Done():
			_ = s.StopStreaming()
			return out, ctx.Err()
		case <-s.avail:
		case <-done:
			if rest, err := s.ReadSamples(n - len(out)); err == nil {
				out = append(out, rest...)
			}
			if len(out) >= n {
				return out, nil
			}
			if err := s.Err(); err != nil {
				return out, err
			}
			s.mu.Lock()
			streamErr := s.streamErr
			s.mu.Unlock()
			if streamErr != nil {
				return out, streamErr
			}
			return out, fmt.Errorf("stream ended after %d of %d frames", len(out), n)
		}
	}
}

// Flush discards queued input and output frames.
func (s *Session) Flush() error {
	s.mu.Lock()
	err := s.usableLocked("flush")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.in.Reset()
	s.out.Reset()
	return nil
}

func (s *Session) Calibration() (calibration.Table, error) {
	const op = "calibration"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(op); err != nil {
		return calibration.Table{}, err
	}
	table, err := s.dev.Calibration()
	if err != nil {
		return calibration.Table{}, s.deviceErrorLocked(err, op, errorkinds.ErrDeviceBusy)
	}
	return table, nil
}

// WriteCalibration stores a calibration table on the device.
func (s *Session) WriteCalibration(table calibration.Table) error {
	const op = "write-calibration"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(op); err != nil {
		return err
	}
	if s.state == StateStreaming {
		return errorkinds.New(errorkinds.ErrDeviceBusy, op, "cannot write calibration while streaming")
	}
	if len(table.Channels) != s.desc.Channels {
		return errorkinds.New(errorkinds.ErrInvalidConfiguration, op,
			fmt.Sprintf("table has %d channels, device has %d", len(table.Channels), s.desc.Channels))
	}
	if err := table.Validate(); err != nil {
		return errorkinds.Wrap(err, errorkinds.ErrInvalidConfiguration, op, "invalid calibration table")
	}
	if err := s.dev.WriteCalibration(table); err != nil {
		return s.deviceErrorLocked(err, op, errorkinds.ErrDeviceBusy)
	}
	return nil
}

// SetLED drives the user LEDs on devices that have them.
func (s *Session) SetLED(mask uint8) error {
	const op = "set-led"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(op); err != nil {
		return err
	}
	leds, ok := s.dev.(device.LEDSetter)
	if !ok {
		return errorkinds.New(errorkinds.ErrInvalidConfiguration, op, "device has no controllable LEDs")
	}
	if err := leds.SetLED(mask); err != nil {
		return s.deviceErrorLocked(err, op, errorkinds.ErrDeviceBusy)
	}
	return nil
}

// EnterBootloader reboots the unit into its firmware update monitor. The unit
// leaves the bus, so the session is closed on success.
func (s *Session) EnterBootloader() error {
	const op = "enter-bootloader"

	s.mu.Lock()
	if err := s.usableLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state == StateStreaming {
		s.mu.Unlock()
		return errorkinds.New(errorkinds.ErrDeviceBusy, op, "cannot enter bootloader while streaming")
	}
	boot, ok := s.dev.(device.Bootloader)
	if !ok {
		s.mu.Unlock()
		return errorkinds.New(errorkinds.ErrInvalidConfiguration, op, "device has no bootloader")
	}
	if err := boot.EnterBootloader(); err != nil {
		err = s.deviceErrorLocked(err, op, errorkinds.ErrDeviceBusy)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.logger.Info().Msg("device rebooting into bootloader")
	return s.Close()
}

func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:     s.framesIn.Value(),
		FramesOut:    s.framesOut.Value(),
		Overflows:    s.overflows.Value(),
		Underruns:    s.underruns.Value(),
		InputQueued:  s.in.Len(),
		OutputQueued: s.out.Len(),
		InputCap:     s.in.Cap(),
		OutputCap:    s.out.Cap(),
	}
}

// Close aborts any running stream, closes the device handle and releases the
// claim. It is idempotent and always releases, including after a disconnect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel, done := s.cancel, s.done
		if s.state != StateDisconnected {
			s.state = StateClosed
		}
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		s.releaseDevice()
		s.logger.Info().Msg("session closed")
	})
	return nil
}

func (s *Session) releaseDevice() {
	s.releaseOnce.Do(func() {
		if err := s.dev.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("error closing device")
		}
		if s.release != nil {
			s.release()
		}
	})
}

func (s *Session) reportStats(ctx context.Context) error {
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := s.Stats()
			s.writeAPI.WritePoint(influxdb2.NewPoint("session.stream",
				map[string]string{
					"serial":     s.desc.Serial,
					"session_id": s.id,
				},
				map[string]interface{}{
					"frames_in":     stats.FramesIn,
					"frames_out":    stats.FramesOut,
					"overflows":     stats.Overflows,
					"underruns":     stats.Underruns,
					"input_queued":  stats.InputQueued,
					"output_queued": stats.OutputQueued,
				}, time.Now()))
		}
	}
}

// sessionIO is the session side of the device transfer loop.
type sessionIO struct {
	s *Session
}

func (io sessionIO) Pull(dst []types.Frame) int {
	n := io.s.out.DrainInto(dst)
	io.s.framesOut.Add(int64(n))
	if n < len(dst) && io.s.sourcing.Load() {
		io.s.underruns.Add(int64(len(dst) - n))
	}
	return n
}

func (io sessionIO) Push(src []types.Frame) {
	if len(src) == 0 {
		return
	}
	dropped := io.s.in.Overwrite(src)
	io.s.framesIn.Add(int64(len(src)))
	if dropped > 0 {
		io.s.overflows.Add(int64(dropped))
	}

	select {
	case io.s.avail <- struct{}{}:
	default:
	}
}
